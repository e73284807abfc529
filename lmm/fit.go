package lmm

import (
	"bytes"
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	glimix "github.com/davipatti/glimix-core"
)

// Kron2SumResults holds the results of a multi-trait REML fit.
type Kron2SumResults struct {
	model *RestrictedKron2Sum

	// LogLike is the restricted log marginal likelihood at the final
	// parameters.
	LogLike float64

	// Converged indicates whether the optimizer met its convergence
	// criterion.
	Converged bool

	// Status is the termination status reported by the optimizer.
	Status optimize.Status

	// Params holds the final covariance parameters, C₀.Lu followed by
	// C₁.Lu.
	Params []float64

	// B is the c×p matrix of fixed effect estimates.
	B *mat.Dense

	// C0 and C1 are the estimated trait covariances.
	C0 *mat.SymDense
	C1 *mat.SymDense
}

// Fit estimates the covariance parameters by maximizing the restricted log
// marginal likelihood and returns a results structure.  If the optimizer
// reports an error, the results at the best visited point are returned
// along with the error.
func (e *RestrictedKron2Sum) Fit(verbose bool) (*Kron2SumResults, error) {

	if e.start != nil {
		if len(e.start) != e.NumParams() {
			return nil, fmt.Errorf("lmm: start has length %d, expected %d", len(e.start), e.NumParams())
		}
		e.SetParams(e.start)
	}

	if verbose {
		if v, err := e.LML(); err == nil {
			e.warnf("lmm: initial log marginal likelihood: %f", v)
		}
	}

	fr, ferr := glimix.Maximize(e, e.optsettings, e.optmethod)
	if fr == nil {
		return nil, ferr
	}

	e.SetParams(fr.Params)
	if _, err := e.termsBundle(); err != nil {
		if ferr != nil {
			return nil, ferr
		}
		return nil, err
	}

	if verbose {
		e.warnf("lmm: final log marginal likelihood: %f (%v)", fr.LogLike, fr.Status)
	}

	r := &Kron2SumResults{
		model:     e,
		LogLike:   fr.LogLike,
		Converged: fr.Converged,
		Status:    fr.Status,
		Params:    fr.Params,
		B:         mat.DenseCopyOf(e.mean.B()),
		C0:        e.cov.C0().ValueTo(nil),
		C1:        e.cov.C1().ValueTo(nil),
	}

	if ferr != nil {
		return r, ferr
	}
	if !fr.Converged {
		return r, fmt.Errorf("lmm: optimizer did not converge: %v", fr.Status)
	}
	return r, nil
}

// Summary displays a summary table of the fit results.
func (rslt *Kron2SumResults) Summary() string {

	var b bytes.Buffer

	e := rslt.model
	fmt.Fprintf(&b, "Multi-trait LMM (REML)\n")
	fmt.Fprintf(&b, "Samples:    %10d\n", e.NSamples())
	fmt.Fprintf(&b, "Traits:     %10d\n", e.NTraits())
	fmt.Fprintf(&b, "Covariates: %10d\n", e.NCovariates())
	fmt.Fprintf(&b, "Log-like:   %10.4f\n", rslt.LogLike)
	fmt.Fprintf(&b, "Converged:  %10v\n\n", rslt.Converged)

	fmt.Fprintf(&b, "Fixed effects B:\n%s\n\n",
		mat.Formatted(rslt.B, mat.Prefix(""), mat.Squeeze()))
	fmt.Fprintf(&b, "Trait covariance C0:\n%s\n\n",
		mat.Formatted(rslt.C0, mat.Prefix(""), mat.Squeeze()))
	fmt.Fprintf(&b, "Trait covariance C1:\n%s\n",
		mat.Formatted(rslt.C1, mat.Prefix(""), mat.Squeeze()))

	return b.String()
}
