package cov

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// freeFormBound is the box bound applied to the entries of the triangular
// factors, to keep the optimizer away from degenerate regions.
const freeFormBound = 20.0

// FreeFormCov parameterizes a full-rank covariance matrix as C = L·Lᵗ for a
// lower-triangular p×p factor L.  The free parameters are the entries on and
// below the diagonal of L, ordered row by row: (0,0), (1,0), (1,1), (2,0)…
// C is symmetric positive semidefinite by construction.
type FreeFormCov struct {
	dim        int
	l          *mat.Dense
	rows, cols []int

	// eigendecomposition cache, valid while fresh
	fresh bool
	s     []float64
	u     *mat.Dense

	onChange func()
}

// NewFreeFormCov returns a FreeFormCov of the given dimension with L
// initialized to the identity.
func NewFreeFormCov(dim int) *FreeFormCov {
	if dim < 1 {
		panic("cov: dimension must be positive")
	}
	l := mat.NewDense(dim, dim, nil)
	var rows, cols []int
	for i := 0; i < dim; i++ {
		l.Set(i, i, 1)
		for j := 0; j <= i; j++ {
			rows = append(rows, i)
			cols = append(cols, j)
		}
	}
	return &FreeFormCov{dim: dim, l: l, rows: rows, cols: cols}
}

// Dim returns the dimension p of the covariance matrix.
func (c *FreeFormCov) Dim() int { return c.dim }

// NumParams returns the number of free parameters, p(p+1)/2.
func (c *FreeFormCov) NumParams() int { return len(c.rows) }

// L returns the lower-triangular factor.  The returned matrix is owned by
// the covariance function and must not be modified.
func (c *FreeFormCov) L() *mat.Dense { return c.l }

// SetL sets the factor L.  The matrix must be p×p and lower triangular.
func (c *FreeFormCov) SetL(l mat.Matrix) error {
	r, cl := l.Dims()
	if r != c.dim || cl != c.dim {
		return fmt.Errorf("cov: factor L has shape %d×%d, expected %d×%d", r, cl, c.dim, c.dim)
	}
	for i := 0; i < r; i++ {
		for j := i + 1; j < cl; j++ {
			if l.At(i, j) != 0 {
				return errors.New("cov: factor L must be lower triangular")
			}
		}
	}
	c.l.Copy(l)
	c.invalidate()
	return nil
}

// Params returns a copy of the free-parameter vector Lu.
func (c *FreeFormCov) Params() []float64 {
	x := make([]float64, len(c.rows))
	for i := range x {
		x[i] = c.l.At(c.rows[i], c.cols[i])
	}
	return x
}

// SetParams sets the free-parameter vector Lu.
func (c *FreeFormCov) SetParams(x []float64) {
	checkParamLen(x, len(c.rows))
	for i := range x {
		c.l.Set(c.rows[i], c.cols[i], x[i])
	}
	c.invalidate()
}

// Bounds returns the box bounds for the free parameters.
func (c *FreeFormCov) Bounds() (lo, hi []float64) {
	m := len(c.rows)
	lo = make([]float64, m)
	hi = make([]float64, m)
	for i := 0; i < m; i++ {
		lo[i] = -freeFormBound
		hi[i] = freeFormBound
	}
	return lo, hi
}

// Listen registers f to be called whenever the parameters change.
func (c *FreeFormCov) Listen(f func()) { c.onChange = f }

func (c *FreeFormCov) invalidate() {
	c.fresh = false
	if c.onChange != nil {
		c.onChange()
	}
}

// ValueTo stores C = L·Lᵗ into dst.
func (c *FreeFormCov) ValueTo(dst *mat.SymDense) *mat.SymDense {
	var sym mat.SymDense
	sym.SymOuterK(1, c.l)
	if dst == nil {
		return &sym
	}
	dst.CopySym(&sym)
	return dst
}

// GradientTo stores ∂C/∂Luᵢ = EᵢLᵗ + LEᵢᵗ into dst, where Eᵢ has a single
// one at the position of free parameter i.
func (c *FreeFormCov) GradientTo(i int, dst *mat.SymDense) *mat.SymDense {
	if i < 0 || i >= len(c.rows) {
		panic("cov: parameter index out of range")
	}
	if dst == nil {
		dst = mat.NewSymDense(c.dim, nil)
	}
	dst.Zero()
	gradFactor(dst, c.l, c.rows[i], c.cols[i], c.dim)
	return dst
}

// Eigh returns the eigenvalues (ascending) and orthonormal eigenvectors of
// C = L·Lᵗ.  The decomposition is cached until the parameters change.
func (c *FreeFormCov) Eigh() ([]float64, *mat.Dense, error) {
	if !c.fresh {
		var sym mat.SymDense
		sym.SymOuterK(1, c.l)
		var es mat.EigenSym
		if ok := es.Factorize(&sym, true); !ok {
			return nil, nil, errors.New("cov: eigendecomposition of C failed")
		}
		c.s = es.Values(nil)
		if c.u == nil {
			c.u = &mat.Dense{}
		}
		es.VectorsTo(c.u)
		c.fresh = true
	}
	return c.s, c.u, nil
}

// LRFreeFormCov parameterizes a rank-constrained covariance matrix as
// C = L·Lᵗ for a p×k factor L with k ≤ p.  All p·k entries of L are free,
// ordered row by row.
type LRFreeFormCov struct {
	dim, rank int
	l         *mat.Dense
	onChange  func()
}

// NewLRFreeFormCov returns an LRFreeFormCov of dimension dim and rank bound
// rank, with L initialized to the first rank columns of the identity.
func NewLRFreeFormCov(dim, rank int) *LRFreeFormCov {
	if dim < 1 {
		panic("cov: dimension must be positive")
	}
	if rank < 1 || rank > dim {
		panic("cov: rank must be between 1 and the dimension")
	}
	l := mat.NewDense(dim, rank, nil)
	for j := 0; j < rank; j++ {
		l.Set(j, j, 1)
	}
	return &LRFreeFormCov{dim: dim, rank: rank, l: l}
}

// Dim returns the dimension p of the covariance matrix.
func (c *LRFreeFormCov) Dim() int { return c.dim }

// Rank returns the rank bound k.
func (c *LRFreeFormCov) Rank() int { return c.rank }

// NumParams returns the number of free parameters, p·k.
func (c *LRFreeFormCov) NumParams() int { return c.dim * c.rank }

// L returns the factor.  The returned matrix is owned by the covariance
// function and must not be modified.
func (c *LRFreeFormCov) L() *mat.Dense { return c.l }

// SetL sets the factor L, which must be p×k.
func (c *LRFreeFormCov) SetL(l mat.Matrix) error {
	r, cl := l.Dims()
	if r != c.dim || cl != c.rank {
		return fmt.Errorf("cov: factor L has shape %d×%d, expected %d×%d", r, cl, c.dim, c.rank)
	}
	c.l.Copy(l)
	c.invalidate()
	return nil
}

// Params returns a copy of the free-parameter vector Lu, the row-major
// entries of L.
func (c *LRFreeFormCov) Params() []float64 {
	x := make([]float64, c.NumParams())
	for i := 0; i < c.dim; i++ {
		for j := 0; j < c.rank; j++ {
			x[i*c.rank+j] = c.l.At(i, j)
		}
	}
	return x
}

// SetParams sets the free-parameter vector Lu.
func (c *LRFreeFormCov) SetParams(x []float64) {
	checkParamLen(x, c.NumParams())
	for i := 0; i < c.dim; i++ {
		for j := 0; j < c.rank; j++ {
			c.l.Set(i, j, x[i*c.rank+j])
		}
	}
	c.invalidate()
}

// Bounds returns the box bounds for the free parameters.
func (c *LRFreeFormCov) Bounds() (lo, hi []float64) {
	m := c.NumParams()
	lo = make([]float64, m)
	hi = make([]float64, m)
	for i := 0; i < m; i++ {
		lo[i] = -freeFormBound
		hi[i] = freeFormBound
	}
	return lo, hi
}

// Listen registers f to be called whenever the parameters change.
func (c *LRFreeFormCov) Listen(f func()) { c.onChange = f }

func (c *LRFreeFormCov) invalidate() {
	if c.onChange != nil {
		c.onChange()
	}
}

// ValueTo stores C = L·Lᵗ into dst.
func (c *LRFreeFormCov) ValueTo(dst *mat.SymDense) *mat.SymDense {
	var sym mat.SymDense
	sym.SymOuterK(1, c.l)
	if dst == nil {
		return &sym
	}
	dst.CopySym(&sym)
	return dst
}

// GradientTo stores ∂C/∂Luᵢ = EᵢLᵗ + LEᵢᵗ into dst.
func (c *LRFreeFormCov) GradientTo(i int, dst *mat.SymDense) *mat.SymDense {
	if i < 0 || i >= c.NumParams() {
		panic("cov: parameter index out of range")
	}
	if dst == nil {
		dst = mat.NewSymDense(c.dim, nil)
	}
	dst.Zero()
	gradFactor(dst, c.l, i/c.rank, i%c.rank, c.dim)
	return dst
}

// gradFactor stores EᵢLᵗ + LEᵢᵗ into dst, where Eᵢ has a single one at
// (a, b).  The result has row and column a equal to column b of L, with the
// diagonal entry doubled.
func gradFactor(dst *mat.SymDense, l *mat.Dense, a, b, dim int) {
	for v := 0; v < dim; v++ {
		dst.SetSym(a, v, l.At(v, b))
	}
	dst.SetSym(a, a, 2*l.At(a, b))
}
