// Package lmm fits linear mixed models for multiple correlated traits by
// restricted maximum likelihood (REML).
//
// Let n, c, and p be the number of samples, covariates, and traits.  The
// outcome Y is an n×p matrix distributed according to
//
//	vec(Y) ~ N((A ⊗ F)·vec(B),  K = C₀ ⊗ GGᵗ + C₁ ⊗ I),
//
// where A (p×p) and F (n×c) are design matrices provided by the caller, B
// (c×p) holds the fixed-effect sizes per trait, and G (n×r) is a similarity
// factor.  C₀ (rank-constrained) and C₁ (full rank) are p×p trait
// covariances.  The REML objective profiles B out analytically at every
// evaluation; the free parameters handed to the optimizer are the
// covariance factors only.
//
// Only the restricted objective is implemented.  The unrestricted ML
// variant is a possible future extension.
package lmm

import (
	"errors"
	"fmt"
	"log"
	"math"
	"os"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	glimix "github.com/davipatti/glimix-core"
	"github.com/davipatti/glimix-core/cov"
	"github.com/davipatti/glimix-core/mean"
)

const log2pi = 1.8378770664093453

// Kron2SumConfig defines configuration parameters for a multi-trait REML
// fit.
type Kron2SumConfig struct {

	// Log receives warnings and, when fitting verbosely, progress
	// information.  When nil, warnings go to standard error.
	Log *log.Logger

	// Start contains starting values for the covariance parameters,
	// C₀.Lu followed by C₁.Lu.
	Start []float64

	// OptMethod is the gonum optimization method used to fit the model.
	OptMethod optimize.Method

	// OptSettings configures the gonum optimization routine.
	OptSettings *optimize.Settings
}

// DefaultKron2SumConfig returns the default configuration for a multi-trait
// REML fit.
func DefaultKron2SumConfig() *Kron2SumConfig {
	return &Kron2SumConfig{
		OptMethod:   glimix.DefaultMethod(),
		OptSettings: glimix.DefaultSettings(),
	}
}

// RestrictedKron2Sum is the REML engine for the multi-trait model.  It
// orchestrates the Kronecker-sum covariance and the Kronecker mean to
// compute the restricted log marginal likelihood and its gradient with
// respect to the covariance parameters.
type RestrictedKron2Sum struct {
	y    *mat.Dense // n×p outcome
	yvec *mat.Dense // vec(Y) as an np×1 matrix

	cov  *cov.Kron2SumCov
	mean *mean.KronMean
	m    *mat.Dense // M = A ⊗ F

	ldetMM float64

	// trm is the bundle of intermediate quantities for the current
	// covariance parameters.  It is recomputed as a unit: any parameter
	// change sets it to nil, and the next access to the likelihood or
	// gradient rebuilds all of it.
	trm *terms

	start       []float64
	log         *log.Logger
	optsettings *optimize.Settings
	optmethod   optimize.Method
}

// terms bundles every intermediate matrix of one likelihood evaluation.
// The quantities are mutually dependent, so they are only ever replaced
// together.
type terms struct {
	ky    *mat.Dense // K⁻¹y, np×1
	kM    *mat.Dense // K⁻¹M, np×pc
	km    *mat.Dense // K⁻¹𝐦 = (K⁻¹M)·b, np×1
	hchol mat.Cholesky
	ldetH float64
	ldetK float64
	b     *mat.VecDense // vec(B)
	mvec  []float64     // 𝐦

	yKiy, mKiy, mKim float64
}

// NewRestrictedKron2Sum returns a REML engine for outcome y (n×p), trait
// design a (p×p), covariate design f (n×c), similarity factor g (n×r), and
// rank bound for C₀.  Dimension mismatches, non-finite values, an invalid
// rank, and a rank-deficient design are reported as errors; a
// rank-deficient outcome matrix is reported as a warning only.
func NewRestrictedKron2Sum(y, a, f, g mat.Matrix, rank int, config *Kron2SumConfig) (*RestrictedKron2Sum, error) {

	if config == nil {
		config = DefaultKron2SumConfig()
	}

	n, p := y.Dims()
	if n < 1 || p < 1 {
		return nil, errors.New("lmm: outcome matrix Y must be non-empty")
	}
	if ra, ca := a.Dims(); ra != p || ca != p {
		return nil, fmt.Errorf("lmm: trait design A has shape %d×%d, expected %d×%d", ra, ca, p, p)
	}
	if nf, _ := f.Dims(); nf != n {
		return nil, fmt.Errorf("lmm: covariate design F has %d rows, expected %d", nf, n)
	}
	if ng, _ := g.Dims(); ng != n {
		return nil, fmt.Errorf("lmm: similarity factor G has %d rows, expected %d", ng, n)
	}
	for nm, m := range map[string]mat.Matrix{"Y": y, "A": a, "F": f, "G": g} {
		if !allFinite(m) {
			return nil, fmt.Errorf("lmm: %s contains a non-finite value", nm)
		}
	}

	kc, err := cov.NewKron2SumCov(g, p, rank)
	if err != nil {
		return nil, err
	}

	km, err := mean.NewKronMean(a, f)
	if err != nil {
		return nil, err
	}

	yd := mat.NewDense(n, p, nil)
	yd.Copy(y)

	e := &RestrictedKron2Sum{
		y:           yd,
		yvec:        mat.NewDense(n*p, 1, glimix.Vec(yd)),
		cov:         kc,
		mean:        km,
		m:           km.AF(),
		start:       config.Start,
		log:         config.Log,
		optsettings: config.OptSettings,
		optmethod:   config.OptMethod,
	}

	if r := matrixRank(yd); r < p {
		e.warnf("lmm: Y is not full column rank: rank(Y)=%d; convergence might be problematic", r)
	}

	// log|MᵗM| is constant over the fit; a rank-deficient design is
	// rejected here rather than surfacing later as a numerical failure.
	var mtm mat.SymDense
	mtm.SymOuterK(1, e.m.T())
	var chol mat.Cholesky
	if ok := chol.Factorize(&mtm); !ok {
		return nil, errors.New("lmm: degenerate design: MᵗM is not positive definite")
	}
	e.ldetMM = chol.LogDet()

	kc.Listen(func() { e.trm = nil })

	return e, nil
}

func (e *RestrictedKron2Sum) warnf(format string, args ...interface{}) {
	if e.log != nil {
		e.log.Printf(format, args...)
		return
	}
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}

// NSamples returns the number of samples, n.
func (e *RestrictedKron2Sum) NSamples() int { return e.mean.NSamples() }

// NTraits returns the number of traits, p.
func (e *RestrictedKron2Sum) NTraits() int { return e.mean.NTraits() }

// NCovariates returns the number of covariates, c.
func (e *RestrictedKron2Sum) NCovariates() int { return e.mean.NCovariates() }

// Cov returns the Kronecker-sum covariance of the model.
func (e *RestrictedKron2Sum) Cov() *cov.Kron2SumCov { return e.cov }

// Mean returns the Kronecker mean of the model.  Its B matrix holds the
// generalized-least-squares solution for the current covariance parameters
// after any likelihood evaluation.
func (e *RestrictedKron2Sum) Mean() *mean.KronMean { return e.mean }

// NumParams returns the number of free covariance parameters.
func (e *RestrictedKron2Sum) NumParams() int { return e.cov.NumParams() }

// Params returns a copy of the free covariance parameter vector.
func (e *RestrictedKron2Sum) Params() []float64 { return e.cov.Params() }

// SetParams sets the free covariance parameter vector, invalidating the
// cached likelihood terms.
func (e *RestrictedKron2Sum) SetParams(x []float64) { e.cov.SetParams(x) }

// Bounds returns the box bounds of the free covariance parameters.
func (e *RestrictedKron2Sum) Bounds() (lo, hi []float64) { return e.cov.Bounds() }

// terms returns the cached bundle of intermediate quantities, rebuilding it
// in a single pass when the covariance parameters have changed since the
// last evaluation.
func (e *RestrictedKron2Sum) termsBundle() (*terms, error) {
	if e.trm != nil {
		return e.trm, nil
	}

	c := e.NCovariates()
	p := e.NTraits()

	ky, err := e.cov.Solve(e.yvec)
	if err != nil {
		return nil, err
	}
	kM, err := e.cov.Solve(e.m)
	if err != nil {
		return nil, err
	}

	// H = MᵗK⁻¹M, the information matrix of the profiled fixed effects.
	var hd mat.Dense
	hd.Mul(e.m.T(), kM)
	pc := c * p
	hs := mat.NewSymDense(pc, nil)
	for i := 0; i < pc; i++ {
		for j := i; j < pc; j++ {
			hs.SetSym(i, j, (hd.At(i, j)+hd.At(j, i))/2)
		}
	}

	t := &terms{ky: ky, kM: kM}
	if ok := t.hchol.Factorize(hs); !ok {
		return nil, errors.New("lmm: degenerate model: H = MᵗK⁻¹M is not positive definite")
	}
	t.ldetH = t.hchol.LogDet()

	// Profiled fixed effects: b = H⁻¹MᵗK⁻¹y.
	var rhs mat.VecDense
	rhs.MulVec(e.m.T(), ky.ColView(0))
	t.b = mat.NewVecDense(pc, nil)
	if err := t.hchol.SolveVecTo(t.b, &rhs); err != nil {
		return nil, errors.New("lmm: degenerate model: H = MᵗK⁻¹M is not positive definite")
	}
	if err := e.mean.SetB(glimix.Unvec(t.b.RawVector().Data, c, p)); err != nil {
		return nil, err
	}
	t.mvec = e.mean.Vec()

	// K⁻¹𝐦 = (K⁻¹M)·b reuses the batch solve.
	var kmv mat.VecDense
	kmv.MulVec(kM, t.b)
	t.km = mat.NewDense(len(t.mvec), 1, nil)
	for i := range t.mvec {
		t.km.Set(i, 0, kmv.AtVec(i))
	}

	t.ldetK, err = e.cov.LogDet()
	if err != nil {
		return nil, err
	}

	kyCol := mat.Col(nil, 0, ky)
	yv := mat.Col(nil, 0, e.yvec)
	t.yKiy = floats.Dot(yv, kyCol)
	t.mKiy = floats.Dot(t.mvec, kyCol)
	t.mKim = floats.Dot(t.mvec, mat.Col(nil, 0, t.km))

	e.trm = t
	return t, nil
}

// LML returns the restricted log marginal likelihood,
//
//	2·log p(𝐲) = −(np − cp)·log(2π) + log|MᵗM| − log|K| − log|H|
//	             − 𝐲ᵗK⁻¹𝐲 + 2·𝐦ᵗK⁻¹𝐲 − 𝐦ᵗK⁻¹𝐦,
//
// with 𝐦 = M·b for the generalized-least-squares solution b.  Degenerate
// covariance parameters or a degenerate H produce an error rather than a
// non-finite value.
func (e *RestrictedKron2Sum) LML() (float64, error) {
	t, err := e.termsBundle()
	if err != nil {
		return 0, err
	}

	np := e.NSamples() * e.NTraits()
	cp := e.NCovariates() * e.NTraits()

	lml := -float64(np-cp)*log2pi + e.ldetMM - t.ldetK - t.ldetH
	lml -= t.yKiy - 2*t.mKiy + t.mKim

	return lml / 2, nil
}

// LMLGradient returns the gradient of the restricted log marginal
// likelihood with respect to the covariance parameters,
//
//	2·∂log p(𝐲) = −tr(K⁻¹∂K) − tr(H⁻¹∂H) + 𝐲ᵗ𝕂𝐲 − 𝐦ᵗ𝕂(2·𝐲 − 𝐦),
//
// where 𝕂 = K⁻¹(∂K)K⁻¹ and ∂H = −MᵗK⁻¹(∂K)K⁻¹M.  The contribution of the
// implicit dependence of b on the covariance parameters vanishes
// identically under profiling, since MᵗK⁻¹(𝐲−𝐦) = 0 for the GLS solution.
func (e *RestrictedKron2Sum) LMLGradient() (*cov.Gradient, error) {
	t, err := e.termsBundle()
	if err != nil {
		return nil, err
	}

	ldg, err := e.cov.LogDetGradient()
	if err != nil {
		return nil, err
	}

	// KM·H⁻¹, so that tr(H⁻¹∂H) = −Σⱼ (KM·H⁻¹)ⱼᵗ ∂K (KM)ⱼ.
	var xt mat.Dense
	if err := t.hchol.SolveTo(&xt, t.kM.T()); err != nil {
		return nil, errors.New("lmm: degenerate model: H = MᵗK⁻¹M is not positive definite")
	}
	var kmhi mat.Dense
	kmhi.CloneFrom(xt.T())

	qh, err := e.cov.DotGradient(&kmhi, t.kM)
	if err != nil {
		return nil, err
	}
	qy, err := e.cov.DotGradient(t.ky, t.ky)
	if err != nil {
		return nil, err
	}
	qmy, err := e.cov.DotGradient(t.km, t.ky)
	if err != nil {
		return nil, err
	}
	qm, err := e.cov.DotGradient(t.km, t.km)
	if err != nil {
		return nil, err
	}

	combine := func(ld, h, y, my, m []float64) []float64 {
		out := make([]float64, len(ld))
		for i := range out {
			out[i] = (-ld[i] + h[i] + y[i] - 2*my[i] + m[i]) / 2
		}
		return out
	}

	return &cov.Gradient{
		C0Lu: combine(ldg.C0Lu, qh.C0Lu, qy.C0Lu, qmy.C0Lu, qm.C0Lu),
		C1Lu: combine(ldg.C1Lu, qh.C1Lu, qy.C1Lu, qmy.C1Lu, qm.C1Lu),
	}, nil
}

// Value returns the restricted log marginal likelihood at the current
// parameters.
func (e *RestrictedKron2Sum) Value() (float64, error) { return e.LML() }

// Gradient stores the gradient of the restricted log marginal likelihood
// into grad.
func (e *RestrictedKron2Sum) Gradient(grad []float64) error {
	g, err := e.LMLGradient()
	if err != nil {
		return err
	}
	copy(grad, g.C0Lu)
	copy(grad[len(g.C0Lu):], g.C1Lu)
	return nil
}

var _ glimix.Objective = (*RestrictedKron2Sum)(nil)

func allFinite(m mat.Matrix) bool {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := m.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}

// matrixRank returns the numerical rank of m.
func matrixRank(m *mat.Dense) int {
	var svd mat.SVD
	if ok := svd.Factorize(m, mat.SVDNone); !ok {
		return 0
	}
	sv := svd.Values(nil)
	if len(sv) == 0 || sv[0] == 0 {
		return 0
	}
	r, c := m.Dims()
	tol := float64(max(r, c)) * sv[0] * 2.220446049250313e-16
	rank := 0
	for _, s := range sv {
		if s > tol {
			rank++
		}
	}
	return rank
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
