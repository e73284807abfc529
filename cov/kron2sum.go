package cov

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	glimix "github.com/davipatti/glimix-core"
)

var (
	_ CovFunc = (*EyeCov)(nil)
	_ CovFunc = (*GivenCov)(nil)
	_ CovFunc = (*FreeFormCov)(nil)
	_ CovFunc = (*LRFreeFormCov)(nil)
)

// Kron2SumCov is the Kronecker-sum covariance of a multi-trait linear mixed
// model,
//
//	K = C₀ ⊗ GGᵗ + C₁ ⊗ I,
//
// where C₀ is a rank-constrained p×p trait covariance, C₁ a full-rank p×p
// trait covariance, and G a fixed n×r similarity factor.  K is an
// n·p × n·p matrix but is never formed outside the diagnostic ValueTo and
// GradientTo paths: solves, log-determinants, and their parameter gradients
// are computed through the eigenbasis of C₁ and a Woodbury reduction of the
// low-rank term.
//
// Vectors of length n·p follow the column-major vectorization of an n×p
// matrix, traits being the outer index.
type Kron2SumCov struct {
	g  *mat.Dense // n×r, as provided by the caller
	ge *mat.Dense // n×rg economic factor with Ge·Geᵗ = GGᵗ

	c0 *LRFreeFormCov
	c1 *FreeFormCov

	// fixed derived quantities
	gg   *mat.Dense // GeᵗGe
	gggg *mat.Dense // (GeᵗGe)²
	trgg float64

	// whitened quantities, valid while fresh
	fresh  bool
	cninv  *mat.Dense // C₁⁻¹
	b0     *mat.Dense // C₁⁻¹L₀
	zchol  mat.Cholesky
	ldetc1 float64 // Σᵢ log Sᵢ over the eigenvalues of C₁

	onChange func()
}

// NewKron2SumCov returns a Kron2SumCov for the similarity factor g, number
// of traits p, and rank bound for C₀.  C₀ is initialized to a truncated
// identity and C₁ to the identity.
func NewKron2SumCov(g mat.Matrix, p, rank int) (*Kron2SumCov, error) {
	n, r := g.Dims()
	if n < 1 || r < 1 {
		return nil, errors.New("cov: G must be non-empty")
	}
	if p < 1 {
		return nil, errors.New("cov: number of traits must be positive")
	}
	if rank < 1 || rank > p {
		return nil, fmt.Errorf("cov: rank %d must be between 1 and the number of traits %d", rank, p)
	}

	gd := mat.NewDense(n, r, nil)
	gd.Copy(g)

	ge, err := economicFactor(gd)
	if err != nil {
		return nil, err
	}

	k := &Kron2SumCov{
		g:  gd,
		ge: ge,
		c0: NewLRFreeFormCov(p, rank),
		c1: NewFreeFormCov(p),
	}
	k.c0.Listen(k.invalidate)
	k.c1.Listen(k.invalidate)

	var gg mat.Dense
	gg.Mul(ge.T(), ge)
	var gggg mat.Dense
	gggg.Mul(&gg, &gg)
	k.gg = &gg
	k.gggg = &gggg
	k.trgg = mat.Trace(&gg)

	return k, nil
}

// economicFactor returns Ge with Ge·Geᵗ = GGᵗ, keeping only the singular
// directions of G that carry mass.
func economicFactor(g *mat.Dense) (*mat.Dense, error) {
	var svd mat.SVD
	if ok := svd.Factorize(g, mat.SVDThin); !ok {
		return nil, errors.New("cov: SVD of G failed")
	}
	sv := svd.Values(nil)
	var u mat.Dense
	svd.UTo(&u)

	tol := float64(len(sv)) * sv[0] * 1e-12
	m := 0
	for _, s := range sv {
		if s > tol {
			m++
		}
	}
	if m == 0 {
		return nil, errors.New("cov: G is numerically zero")
	}

	n, _ := g.Dims()
	ge := mat.NewDense(n, m, nil)
	for j := 0; j < m; j++ {
		for i := 0; i < n; i++ {
			ge.Set(i, j, u.At(i, j)*sv[j])
		}
	}
	return ge, nil
}

// C0 returns the rank-constrained trait covariance.
func (k *Kron2SumCov) C0() *LRFreeFormCov { return k.c0 }

// C1 returns the full-rank trait covariance.
func (k *Kron2SumCov) C1() *FreeFormCov { return k.c1 }

// G returns the similarity factor provided at construction.  The returned
// matrix must not be modified.
func (k *Kron2SumCov) G() *mat.Dense { return k.g }

// NSamples returns the number of samples, n.
func (k *Kron2SumCov) NSamples() int {
	n, _ := k.g.Dims()
	return n
}

// NTraits returns the number of traits, p.
func (k *Kron2SumCov) NTraits() int { return k.c1.Dim() }

// Dim returns the dimension n·p of the covariance matrix.
func (k *Kron2SumCov) Dim() int { return k.NSamples() * k.NTraits() }

// NumParams returns the total number of free parameters of C₀ and C₁.
func (k *Kron2SumCov) NumParams() int {
	return k.c0.NumParams() + k.c1.NumParams()
}

// Params returns a copy of the concatenated free-parameter vector,
// C₀.Lu followed by C₁.Lu.
func (k *Kron2SumCov) Params() []float64 {
	return append(k.c0.Params(), k.c1.Params()...)
}

// SetParams sets the concatenated free-parameter vector.
func (k *Kron2SumCov) SetParams(x []float64) {
	checkParamLen(x, k.NumParams())
	m0 := k.c0.NumParams()
	k.c0.SetParams(x[:m0])
	k.c1.SetParams(x[m0:])
}

// Bounds returns the concatenated box bounds.
func (k *Kron2SumCov) Bounds() (lo, hi []float64) {
	lo0, hi0 := k.c0.Bounds()
	lo1, hi1 := k.c1.Bounds()
	return append(lo0, lo1...), append(hi0, hi1...)
}

// Listen registers f to be called whenever any free parameter of C₀ or C₁
// changes.
func (k *Kron2SumCov) Listen(f func()) { k.onChange = f }

// invalidate is the single entry point that transitions the cache of
// whitened quantities to stale.
func (k *Kron2SumCov) invalidate() {
	k.fresh = false
	if k.onChange != nil {
		k.onChange()
	}
}

// update recomputes the whitened representation when stale: the eigenbasis
// of C₁, C₁⁻¹, B₀ = C₁⁻¹L₀, and the Cholesky factorization of the Woodbury
// correction matrix Z = I + kron(L₀ᵗC₁⁻¹L₀, GeᵗGe).
func (k *Kron2SumCov) update() error {
	if k.fresh {
		return nil
	}

	p := k.NTraits()
	s, u, err := k.c1.Eigh()
	if err != nil {
		return err
	}

	smax := s[p-1]
	tol := 1e-14 * math.Max(smax, 1)
	if s[0] <= tol {
		return fmt.Errorf("cov: degenerate model: C1 has a non-positive eigenvalue (%g)", s[0])
	}

	k.ldetc1 = 0
	for _, v := range s {
		k.ldetc1 += math.Log(v)
	}

	// US = U·diag(1/√S), so that C₁⁻¹ = US·USᵗ.
	us := mat.NewDense(p, p, nil)
	for j := 0; j < p; j++ {
		w := 1 / math.Sqrt(s[j])
		for i := 0; i < p; i++ {
			us.Set(i, j, u.At(i, j)*w)
		}
	}

	var cninv mat.Dense
	cninv.Mul(us, us.T())
	k.cninv = &cninv

	var b0 mat.Dense
	b0.Mul(&cninv, k.c0.L())
	k.b0 = &b0

	var s0 mat.Dense
	s0.Mul(k.c0.L().T(), &b0)

	kr := k.c0.Rank()
	rg := k.geCols()
	z := mat.NewSymDense(kr*rg, nil)
	for c := 0; c < kr; c++ {
		for d := c; d < kr; d++ {
			for i := 0; i < rg; i++ {
				jmin := 0
				if d == c {
					jmin = i
				}
				for j := jmin; j < rg; j++ {
					v := s0.At(c, d) * k.gg.At(i, j)
					if c == d && i == j {
						v++
					}
					z.SetSym(c*rg+i, d*rg+j, v)
				}
			}
		}
	}
	if ok := k.zchol.Factorize(z); !ok {
		return errors.New("cov: degenerate model: matrix Z is singular")
	}

	k.fresh = true
	return nil
}

func (k *Kron2SumCov) geCols() int {
	_, m := k.ge.Dims()
	return m
}

// Solve returns K⁻¹V for a pn×q matrix V, without forming K.  Each column
// is reduced through the whitened basis of C₁ and the cached factorization
// of the correction matrix Z.
func (k *Kron2SumCov) Solve(v mat.Matrix) (*mat.Dense, error) {
	if err := k.update(); err != nil {
		return nil, err
	}

	n := k.NSamples()
	p := k.NTraits()
	kr := k.c0.Rank()
	rg := k.geCols()

	rv, q := v.Dims()
	if rv != n*p {
		return nil, fmt.Errorf("cov: vector has length %d, expected %d", rv, n*p)
	}

	out := mat.NewDense(n*p, q, nil)
	vm := mat.NewDense(n, p, nil)
	zv := mat.NewVecDense(kr*rg, nil)
	var sol mat.VecDense

	for jc := 0; jc < q; jc++ {
		for t := 0; t < p; t++ {
			for i := 0; i < n; i++ {
				vm.Set(i, t, v.At(t*n+i, jc))
			}
		}

		// T₁ = V·C₁⁻¹ and N = GeᵗV·B₀, the right-hand side of the
		// Woodbury correction.
		var t1 mat.Dense
		t1.Mul(vm, k.cninv)
		var nm mat.Dense
		nm.Mul(vm, k.b0)
		var gn mat.Dense
		gn.Mul(k.ge.T(), &nm)

		for c := 0; c < kr; c++ {
			for i := 0; i < rg; i++ {
				zv.SetVec(c*rg+i, gn.At(i, c))
			}
		}
		if err := k.zchol.SolveVecTo(&sol, zv); err != nil {
			return nil, errors.New("cov: degenerate model: matrix Z is singular")
		}

		x := mat.NewDense(rg, kr, nil)
		for c := 0; c < kr; c++ {
			for i := 0; i < rg; i++ {
				x.Set(i, c, sol.AtVec(c*rg+i))
			}
		}

		// K⁻¹v = V·C₁⁻¹ − Ge·X·B₀ᵗ
		var gx mat.Dense
		gx.Mul(k.ge, x)
		var corr mat.Dense
		corr.Mul(&gx, k.b0.T())

		for t := 0; t < p; t++ {
			for i := 0; i < n; i++ {
				out.Set(t*n+i, jc, t1.At(i, t)-corr.At(i, t))
			}
		}
	}

	return out, nil
}

// LogDet returns log|K| via the matrix-determinant lemma,
// log|K| = log|Z| + n·Σᵢ log Sᵢ, never forming K.
func (k *Kron2SumCov) LogDet() (float64, error) {
	if err := k.update(); err != nil {
		return 0, err
	}
	return k.zchol.LogDet() + float64(k.NSamples())*k.ldetc1, nil
}

// Gradient holds per-parameter quantities for the two trait covariances,
// in the order of their free parameters.
type Gradient struct {
	C0Lu []float64
	C1Lu []float64
}

// Flat returns the concatenation of the C₀ and C₁ blocks.
func (g *Gradient) Flat() []float64 {
	return append(append([]float64{}, g.C0Lu...), g.C1Lu...)
}

// LogDetGradient returns ∂log|K|/∂θ = tr(K⁻¹·∂K/∂θ) for every free
// parameter, differentiated through the same whitened representation used
// by Solve and LogDet.
func (k *Kron2SumCov) LogDetGradient() (*Gradient, error) {
	if err := k.update(); err != nil {
		return nil, err
	}

	n := k.NSamples()
	p := k.NTraits()
	kr := k.c0.Rank()
	rg := k.geCols()

	var zi mat.SymDense
	if err := k.zchol.InverseTo(&zi); err != nil {
		return nil, errors.New("cov: degenerate model: matrix Z is singular")
	}

	// T₀[c,d] = tr(Z⁻¹₍c,d₎·(GeᵗGe)²) and T₁[c,d] = tr(Z⁻¹₍c,d₎·GeᵗGe),
	// the block traces of Z⁻¹ against the Gram powers.
	t0 := mat.NewDense(kr, kr, nil)
	t1 := mat.NewDense(kr, kr, nil)
	for c := 0; c < kr; c++ {
		for d := 0; d < kr; d++ {
			var a0, a1 float64
			for i := 0; i < rg; i++ {
				for j := 0; j < rg; j++ {
					zv := zi.At(c*rg+i, d*rg+j)
					a0 += zv * k.gggg.At(j, i)
					a1 += zv * k.gg.At(j, i)
				}
			}
			t0.Set(c, d, a0)
			t1.Set(c, d, a1)
		}
	}

	// C₀ block: tr(K⁻¹∂K) = 2·tr(GeᵗGe)·B₀ − 2·(B₀T₀B₀ᵗ)L₀ at the free
	// positions.
	var p2 mat.Dense
	p2.Mul(k.b0, t0)
	var p2b mat.Dense
	p2b.Mul(&p2, k.b0.T())
	var m0 mat.Dense
	m0.Mul(&p2b, k.c0.L())

	c0lu := make([]float64, k.c0.NumParams())
	for i := 0; i < p; i++ {
		for j := 0; j < kr; j++ {
			c0lu[i*kr+j] = 2*k.trgg*k.b0.At(i, j) - 2*m0.At(i, j)
		}
	}

	// C₁ block: tr(K⁻¹∂K) = 2n·(C₁⁻¹L₁) − 2·(B₀T₁B₀ᵗ)L₁ at the free
	// positions.
	var q2 mat.Dense
	q2.Mul(k.b0, t1)
	var q2b mat.Dense
	q2b.Mul(&q2, k.b0.T())
	var m1 mat.Dense
	m1.Mul(&q2b, k.c1.L())
	var cl1 mat.Dense
	cl1.Mul(k.cninv, k.c1.L())

	c1lu := make([]float64, k.c1.NumParams())
	for i := range c1lu {
		a, b := k.c1.rows[i], k.c1.cols[i]
		c1lu[i] = 2*float64(n)*cl1.At(a, b) - 2*m1.At(a, b)
	}

	return &Gradient{C0Lu: c0lu, C1Lu: c1lu}, nil
}

// DotGradient returns vec(a)ᵗ·(∂K/∂θ)·vec(b) for every free parameter,
// summed over the columns of a and b, which are pn×q in vec layout.  The
// per-parameter loop collapses into matrix contractions: with
// P = (Geᵗa)ᵗ(Geᵗb) for the C₀ term and P = aᵗb for the C₁ term, the entry
// for the free parameter at position (i, j) of a factor L is ((P+Pᵗ)L)ᵢⱼ.
func (k *Kron2SumCov) DotGradient(a, b *mat.Dense) (*Gradient, error) {
	if err := k.update(); err != nil {
		return nil, err
	}

	n := k.NSamples()
	p := k.NTraits()
	kr := k.c0.Rank()

	ra, qa := a.Dims()
	rb, qb := b.Dims()
	if ra != n*p || rb != n*p || qa != qb {
		return nil, fmt.Errorf("cov: shapes %d×%d and %d×%d are incompatible with dimension %d", ra, qa, rb, qb, n*p)
	}

	p0 := mat.NewDense(p, p, nil)
	p1 := mat.NewDense(p, p, nil)
	am := mat.NewDense(n, p, nil)
	bm := mat.NewDense(n, p, nil)

	for jc := 0; jc < qa; jc++ {
		for t := 0; t < p; t++ {
			for i := 0; i < n; i++ {
				am.Set(i, t, a.At(t*n+i, jc))
				bm.Set(i, t, b.At(t*n+i, jc))
			}
		}

		var ga, gb mat.Dense
		ga.Mul(k.ge.T(), am)
		gb.Mul(k.ge.T(), bm)

		var tmp mat.Dense
		tmp.Mul(ga.T(), &gb)
		p0.Add(p0, &tmp)

		var tmp2 mat.Dense
		tmp2.Mul(am.T(), bm)
		p1.Add(p1, &tmp2)
	}

	var ps0 mat.Dense
	ps0.Add(p0, p0.T())
	var g0 mat.Dense
	g0.Mul(&ps0, k.c0.L())

	c0lu := make([]float64, k.c0.NumParams())
	for i := 0; i < p; i++ {
		for j := 0; j < kr; j++ {
			c0lu[i*kr+j] = g0.At(i, j)
		}
	}

	var ps1 mat.Dense
	ps1.Add(p1, p1.T())
	var g1 mat.Dense
	g1.Mul(&ps1, k.c1.L())

	c1lu := make([]float64, k.c1.NumParams())
	for i := range c1lu {
		c1lu[i] = g1.At(k.c1.rows[i], k.c1.cols[i])
	}

	return &Gradient{C0Lu: c0lu, C1Lu: c1lu}, nil
}

// ValueTo stores the dense K = kron(C₀, GGᵗ) + kron(C₁, I) into dst.  This
// is a diagnostic path with O(n²p²) memory; the likelihood computations
// never use it.
func (k *Kron2SumCov) ValueTo(dst *mat.Dense) *mat.Dense {
	n := k.NSamples()

	var ggt mat.Dense
	ggt.Mul(k.g, k.g.T())

	k0 := glimix.Kron(k.c0.ValueTo(nil), &ggt)
	k1 := glimix.Kron(k.c1.ValueTo(nil), eye(n))

	if dst == nil {
		dst = mat.NewDense(k.Dim(), k.Dim(), nil)
	}
	dst.Add(k0, k1)
	return dst
}

// GradientTo stores the dense ∂K/∂θᵢ into dst, where i indexes the
// concatenated parameter vector.  Diagnostic path only.
func (k *Kron2SumCov) GradientTo(i int, dst *mat.Dense) *mat.Dense {
	n := k.NSamples()
	m0 := k.c0.NumParams()

	var dk *mat.Dense
	if i < m0 {
		var ggt mat.Dense
		ggt.Mul(k.g, k.g.T())
		dk = glimix.Kron(k.c0.GradientTo(i, nil), &ggt)
	} else {
		dk = glimix.Kron(k.c1.GradientTo(i-m0, nil), eye(n))
	}

	if dst == nil {
		return dk
	}
	dst.Copy(dk)
	return dst
}

func eye(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}
