package glimix

import (
	"gonum.org/v1/gonum/mat"
)

// Kron returns the Kronecker product a ⊗ b.
func Kron(a, b mat.Matrix) *mat.Dense {
	var dst mat.Dense
	dst.Kronecker(a, b)
	return &dst
}

// Vec returns the column-major vectorization of m: the columns of m stacked
// on top of each other.
func Vec(m mat.Matrix) []float64 {
	r, c := m.Dims()
	v := make([]float64, r*c)
	for j := 0; j < c; j++ {
		for i := 0; i < r; i++ {
			v[j*r+i] = m.At(i, j)
		}
	}
	return v
}

// Unvec is the inverse of Vec: it reshapes v into an r×c matrix filled
// column by column.  It panics if len(v) != r*c.
func Unvec(v []float64, r, c int) *mat.Dense {
	if len(v) != r*c {
		panic("glimix: length mismatch in Unvec")
	}
	m := mat.NewDense(r, c, nil)
	for j := 0; j < c; j++ {
		for i := 0; i < r; i++ {
			m.Set(i, j, v[j*r+i])
		}
	}
	return m
}
