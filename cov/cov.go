// Package cov provides covariance functions for multi-trait linear mixed
// models.  Every covariance function carries a flat free-parameter vector
// and exposes its matrix value together with the partial derivative of the
// matrix with respect to each free parameter.
//
// EyeCov and GivenCov are elementary standalone building blocks: the
// Kronecker-sum model does not compose them, but they satisfy the same
// CovFunc contract as the free-form types and can stand in wherever a
// covariance function is expected.
package cov

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// CovFunc is the capability interface implemented by all covariance
// functions in this package.
type CovFunc interface {

	// Dim returns the dimension of the covariance matrix.
	Dim() int

	// NumParams returns the number of free parameters.
	NumParams() int

	// Params returns a copy of the free-parameter vector.
	Params() []float64

	// SetParams sets the free-parameter vector.
	SetParams(x []float64)

	// Bounds returns per-parameter box bounds for optimization.
	Bounds() (lo, hi []float64)

	// ValueTo stores the covariance matrix into dst, allocating it when
	// dst is nil.
	ValueTo(dst *mat.SymDense) *mat.SymDense

	// GradientTo stores the derivative of the covariance matrix with
	// respect to free parameter i into dst, allocating it when dst is nil.
	GradientTo(i int, dst *mat.SymDense) *mat.SymDense
}

// tinyScale is the floor applied to scale parameters to keep their
// logarithm finite.
const tinyScale = 2.2250738585072014e-308

// logScaleLo and logScaleHi bound the log-scale parameter of the scaled
// covariance functions.
const (
	logScaleLo = -20.0
	logScaleHi = 10.0
)

// EyeCov is the scaled identity covariance function, C = s·I.
type EyeCov struct {
	dim      int
	logscale float64
	onChange func()
}

// NewEyeCov returns an EyeCov of the given dimension with unit scale.
func NewEyeCov(dim int) *EyeCov {
	if dim < 1 {
		panic("cov: dimension must be positive")
	}
	return &EyeCov{dim: dim}
}

// Dim returns the dimension of the covariance matrix.
func (c *EyeCov) Dim() int { return c.dim }

// NumParams returns the number of free parameters.
func (c *EyeCov) NumParams() int { return 1 }

// Scale returns the scale parameter s.
func (c *EyeCov) Scale() float64 { return math.Exp(c.logscale) }

// SetScale sets the scale parameter s, flooring it at a tiny positive value.
func (c *EyeCov) SetScale(s float64) {
	if s < tinyScale {
		s = tinyScale
	}
	c.logscale = math.Log(s)
	c.notify()
}

// Params returns a copy of the free-parameter vector, [log(s)].
func (c *EyeCov) Params() []float64 { return []float64{c.logscale} }

// SetParams sets the free-parameter vector, [log(s)].
func (c *EyeCov) SetParams(x []float64) {
	if len(x) != 1 {
		panic("cov: parameter length mismatch")
	}
	c.logscale = x[0]
	c.notify()
}

// Bounds returns the box bounds for the log-scale parameter.
func (c *EyeCov) Bounds() (lo, hi []float64) {
	return []float64{logScaleLo}, []float64{logScaleHi}
}

// Listen registers f to be called whenever the parameters change.
func (c *EyeCov) Listen(f func()) { c.onChange = f }

func (c *EyeCov) notify() {
	if c.onChange != nil {
		c.onChange()
	}
}

// ValueTo stores s·I into dst.
func (c *EyeCov) ValueTo(dst *mat.SymDense) *mat.SymDense {
	if dst == nil {
		dst = mat.NewSymDense(c.dim, nil)
	}
	dst.Zero()
	s := c.Scale()
	for i := 0; i < c.dim; i++ {
		dst.SetSym(i, i, s)
	}
	return dst
}

// GradientTo stores the derivative of the covariance matrix with respect to
// log(s), which is again s·I.
func (c *EyeCov) GradientTo(i int, dst *mat.SymDense) *mat.SymDense {
	if i != 0 {
		panic("cov: parameter index out of range")
	}
	return c.ValueTo(dst)
}

// GivenCov is a fixed symmetric positive semidefinite matrix scaled by a
// free parameter, C = s·K₀.
type GivenCov struct {
	k0       *mat.SymDense
	logscale float64
	onChange func()
}

// NewGivenCov returns a GivenCov for the positive semidefinite matrix k0,
// with unit scale.
func NewGivenCov(k0 mat.Symmetric) *GivenCov {
	n := k0.Symmetric()
	cp := mat.NewSymDense(n, nil)
	cp.CopySym(k0)
	return &GivenCov{k0: cp}
}

// Dim returns the dimension of the covariance matrix.
func (c *GivenCov) Dim() int { return c.k0.Symmetric() }

// NumParams returns the number of free parameters.
func (c *GivenCov) NumParams() int { return 1 }

// Scale returns the scale parameter s.
func (c *GivenCov) Scale() float64 { return math.Exp(c.logscale) }

// SetScale sets the scale parameter s, flooring it at a tiny positive value.
func (c *GivenCov) SetScale(s float64) {
	if s < tinyScale {
		s = tinyScale
	}
	c.logscale = math.Log(s)
	c.notify()
}

// Params returns a copy of the free-parameter vector, [log(s)].
func (c *GivenCov) Params() []float64 { return []float64{c.logscale} }

// SetParams sets the free-parameter vector, [log(s)].
func (c *GivenCov) SetParams(x []float64) {
	if len(x) != 1 {
		panic("cov: parameter length mismatch")
	}
	c.logscale = x[0]
	c.notify()
}

// Bounds returns the box bounds for the log-scale parameter.
func (c *GivenCov) Bounds() (lo, hi []float64) {
	return []float64{logScaleLo}, []float64{logScaleHi}
}

// Listen registers f to be called whenever the parameters change.
func (c *GivenCov) Listen(f func()) { c.onChange = f }

func (c *GivenCov) notify() {
	if c.onChange != nil {
		c.onChange()
	}
}

// ValueTo stores s·K₀ into dst.
func (c *GivenCov) ValueTo(dst *mat.SymDense) *mat.SymDense {
	n := c.k0.Symmetric()
	if dst == nil {
		dst = mat.NewSymDense(n, nil)
	}
	s := c.Scale()
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			dst.SetSym(i, j, s*c.k0.At(i, j))
		}
	}
	return dst
}

// GradientTo stores the derivative of the covariance matrix with respect to
// log(s), which is again s·K₀.
func (c *GivenCov) GradientTo(i int, dst *mat.SymDense) *mat.SymDense {
	if i != 0 {
		panic("cov: parameter index out of range")
	}
	return c.ValueTo(dst)
}

// checkParamLen panics when a parameter slice has the wrong length.
func checkParamLen(x []float64, n int) {
	if len(x) != n {
		panic(fmt.Sprintf("cov: parameter vector has length %d, expected %d", len(x), n))
	}
}
