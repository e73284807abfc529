// Package mean provides mean functions for multi-trait linear mixed models.
package mean

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	glimix "github.com/davipatti/glimix-core"
)

// KronMean is the Kronecker mean 𝐦 = (A ⊗ F)·vec(B) = vec(F·B·Aᵗ) for a
// fixed p×p trait design A, a fixed n×c covariate design F, and a c×p
// matrix B of fixed-effect sizes.  B is not an independent free parameter:
// the REML engine recomputes it by generalized least squares whenever the
// covariance parameters change.
type KronMean struct {
	a *mat.Dense // p×p
	f *mat.Dense // n×c
	b *mat.Dense // c×p

	af *mat.Dense // kron(A, F), built lazily
}

// NewKronMean returns a KronMean for the designs a and f, with B zero.
func NewKronMean(a, f mat.Matrix) (*KronMean, error) {
	pa, pa2 := a.Dims()
	if pa != pa2 {
		return nil, fmt.Errorf("mean: trait design A has shape %d×%d, must be square", pa, pa2)
	}
	n, c := f.Dims()
	if n < 1 || c < 1 {
		return nil, errors.New("mean: covariate design F must be non-empty")
	}

	ad := mat.NewDense(pa, pa, nil)
	ad.Copy(a)
	fd := mat.NewDense(n, c, nil)
	fd.Copy(f)

	return &KronMean{
		a: ad,
		f: fd,
		b: mat.NewDense(c, pa, nil),
	}, nil
}

// NSamples returns the number of samples, n.
func (m *KronMean) NSamples() int {
	n, _ := m.f.Dims()
	return n
}

// NTraits returns the number of traits, p.
func (m *KronMean) NTraits() int {
	p, _ := m.a.Dims()
	return p
}

// NCovariates returns the number of covariates, c.
func (m *KronMean) NCovariates() int {
	_, c := m.f.Dims()
	return c
}

// A returns the trait design matrix.  The returned matrix must not be
// modified.
func (m *KronMean) A() *mat.Dense { return m.a }

// F returns the covariate design matrix.  The returned matrix must not be
// modified.
func (m *KronMean) F() *mat.Dense { return m.f }

// B returns the current fixed-effect matrix.  The returned matrix must not
// be modified.
func (m *KronMean) B() *mat.Dense { return m.b }

// SetB sets the fixed-effect matrix, which must be c×p.
func (m *KronMean) SetB(b mat.Matrix) error {
	r, c := b.Dims()
	if r != m.NCovariates() || c != m.NTraits() {
		return fmt.Errorf("mean: B has shape %d×%d, expected %d×%d", r, c, m.NCovariates(), m.NTraits())
	}
	m.b.Copy(b)
	return nil
}

// AF returns M = A ⊗ F, the pn×pc design of the vectorized model.  The
// matrix is built once and cached; it must not be modified.
func (m *KronMean) AF() *mat.Dense {
	if m.af == nil {
		m.af = glimix.Kron(m.a, m.f)
	}
	return m.af
}

// ValueTo stores the mean in matrix form, F·B·Aᵗ (n×p), into dst.  Its
// column-major vectorization is 𝐦.
func (m *KronMean) ValueTo(dst *mat.Dense) *mat.Dense {
	var fb mat.Dense
	fb.Mul(m.f, m.b)
	if dst == nil {
		dst = mat.NewDense(m.NSamples(), m.NTraits(), nil)
	}
	dst.Mul(&fb, m.a.T())
	return dst
}

// Vec returns 𝐦 = vec(F·B·Aᵗ).
func (m *KronMean) Vec() []float64 {
	return glimix.Vec(m.ValueTo(nil))
}
