// Package glimix provides shared infrastructure for fitting the statistical
// models in this repository.  A model exposes its free parameters as a flat
// vector together with a smooth objective function and its gradient; the
// Maximize function drives a gonum optimizer against that surface.
package glimix

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
)

// Objective is a smooth objective function to be maximized over a flat
// parameter vector.
type Objective interface {

	// NumParams returns the number of free parameters.
	NumParams() int

	// Params returns a copy of the current parameter vector.
	Params() []float64

	// SetParams sets the parameter vector.  The slice has length NumParams.
	SetParams(x []float64)

	// Bounds returns per-parameter box constraints.  Either slice may be
	// nil, in which case the corresponding side is unconstrained.
	Bounds() (lo, hi []float64)

	// Value returns the objective at the current parameters.  An error
	// indicates that the model is degenerate at this point.
	Value() (float64, error)

	// Gradient stores the gradient of the objective at the current
	// parameters into grad, which has length NumParams.
	Gradient(grad []float64) error
}

// FitResult holds the outcome of maximizing an objective.
type FitResult struct {

	// Params is the parameter vector at the final point.
	Params []float64

	// LogLike is the objective value at the final point.
	LogLike float64

	// Converged indicates whether the optimizer met its convergence
	// criterion.  When false the parameters are the best point found and
	// are still usable.
	Converged bool

	// Status is the raw optimizer status.
	Status optimize.Status
}

// DefaultMethod returns the optimization method used when the caller does
// not provide one.
func DefaultMethod() optimize.Method {
	return &optimize.BFGS{
		Linesearcher: &optimize.MoreThuente{},
	}
}

// DefaultSettings returns the optimization settings used when the caller
// does not provide any.
func DefaultSettings() *optimize.Settings {
	return &optimize.Settings{
		GradientThreshold: 1e-5,
	}
}

// Maximize maximizes the objective starting from its current parameters.
// Iterates are projected onto the objective's box bounds before evaluation.
// Degeneracy errors raised by the objective abort the optimization and are
// returned; optimizer failures (e.g. an exhausted iteration budget) return
// the best point found with Converged set to false, together with the
// optimizer's error.
func Maximize(obj Objective, settings *optimize.Settings, method optimize.Method) (*FitResult, error) {

	lo, hi := obj.Bounds()
	clamp := func(x []float64) []float64 {
		y := make([]float64, len(x))
		copy(y, x)
		for i := range y {
			if lo != nil && y[i] < lo[i] {
				y[i] = lo[i]
			}
			if hi != nil && y[i] > hi[i] {
				y[i] = hi[i]
			}
		}
		return y
	}

	// The optimizer evaluates Func and Grad on goroutines of its own, so
	// an objective error cannot be thrown across the Minimize call.  The
	// first error is recorded here; the optimizer sees an infinite value
	// and a zero gradient, backs off, and terminates on its own.
	var mu sync.Mutex
	var objErr error
	record := func(e error) {
		mu.Lock()
		if objErr == nil {
			objErr = e
		}
		mu.Unlock()
	}

	p := optimize.Problem{
		Func: func(x []float64) float64 {
			obj.SetParams(clamp(x))
			v, verr := obj.Value()
			if verr != nil {
				record(verr)
				return math.Inf(1)
			}
			return -v
		},
		Grad: func(grad, x []float64) {
			obj.SetParams(clamp(x))
			if gerr := obj.Gradient(grad); gerr != nil {
				record(gerr)
				for i := range grad {
					grad[i] = 0
				}
				return
			}
			floats.Scale(-1, grad)
		},
	}

	if settings == nil {
		settings = DefaultSettings()
	}
	if method == nil {
		method = DefaultMethod()
	}

	start := obj.Params()
	optrslt, oerr := optimize.Minimize(p, start, settings, method)

	mu.Lock()
	ferr := objErr
	mu.Unlock()
	if ferr != nil {
		return nil, ferr
	}
	if optrslt == nil {
		return nil, oerr
	}

	x := clamp(optrslt.X)
	obj.SetParams(x)

	fr := &FitResult{
		Params:  x,
		LogLike: -optrslt.F,
		Status:  optrslt.Status,
	}
	if oerr == nil && optrslt.Status.Err() == nil {
		switch optrslt.Status {
		case optimize.GradientThreshold, optimize.FunctionConvergence, optimize.FunctionThreshold:
			fr.Converged = true
		}
	}

	return fr, oerr
}
