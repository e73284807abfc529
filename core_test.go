package glimix

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

func TestKron(t *testing.T) {

	a := mat.NewDense(2, 2, []float64{1, 2, 3, 4})
	b := mat.NewDense(2, 2, []float64{0, 1, 1, 0})

	k := Kron(a, b)

	expected := mat.NewDense(4, 4, []float64{
		0, 1, 0, 2,
		1, 0, 2, 0,
		0, 3, 0, 4,
		3, 0, 4, 0,
	})

	if !mat.EqualApprox(k, expected, 1e-12) {
		t.Errorf("Kronecker product mismatch:\ngot %v\nwant %v",
			mat.Formatted(k), mat.Formatted(expected))
	}
}

func TestVecUnvec(t *testing.T) {

	m := mat.NewDense(3, 2, []float64{1, 4, 2, 5, 3, 6})

	v := Vec(m)
	if !floats.Equal(v, []float64{1, 2, 3, 4, 5, 6}) {
		t.Errorf("Vec mismatch: got %v", v)
	}

	m2 := Unvec(v, 3, 2)
	if !mat.Equal(m, m2) {
		t.Errorf("Unvec did not invert Vec")
	}
}

// quadObjective is a concave quadratic -(x0-1)² - (x1+2)² with maximum at
// (1, -2).  With fail set every evaluation errors; with failNeg set only
// evaluations with x1 < 0 error, so the failure surfaces partway through an
// optimization started at positive x1.
type quadObjective struct {
	x       []float64
	fail    bool
	failNeg bool
}

func (q *quadObjective) NumParams() int { return 2 }

func (q *quadObjective) Params() []float64 {
	p := make([]float64, len(q.x))
	copy(p, q.x)
	return p
}

func (q *quadObjective) SetParams(x []float64) {
	copy(q.x, x)
}

func (q *quadObjective) Bounds() (lo, hi []float64) {
	return []float64{-5, -5}, []float64{5, 5}
}

func (q *quadObjective) degenerate() bool {
	return q.fail || (q.failNeg && q.x[1] < 0)
}

func (q *quadObjective) Value() (float64, error) {
	if q.degenerate() {
		return 0, errors.New("degenerate")
	}
	d0 := q.x[0] - 1
	d1 := q.x[1] + 2
	return -d0*d0 - d1*d1, nil
}

func (q *quadObjective) Gradient(grad []float64) error {
	if q.degenerate() {
		return errors.New("degenerate")
	}
	grad[0] = -2 * (q.x[0] - 1)
	grad[1] = -2 * (q.x[1] + 2)
	return nil
}

func TestMaximize(t *testing.T) {

	obj := &quadObjective{x: []float64{3, 3}}
	fr, err := Maximize(obj, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !fr.Converged {
		t.Errorf("did not converge: %v", fr.Status)
	}
	if math.Abs(fr.Params[0]-1) > 1e-4 || math.Abs(fr.Params[1]+2) > 1e-4 {
		t.Errorf("wrong maximizer: %v", fr.Params)
	}
	if math.Abs(fr.LogLike) > 1e-6 {
		t.Errorf("wrong maximum: %f", fr.LogLike)
	}
}

func TestMaximizeDegenerate(t *testing.T) {

	obj := &quadObjective{x: []float64{3, 3}, fail: true}
	fr, err := Maximize(obj, nil, nil)
	if err == nil {
		t.Fatalf("expected an error")
	}
	if err.Error() != "degenerate" {
		t.Errorf("objective error was not surfaced: %v", err)
	}
	if fr != nil {
		t.Errorf("expected nil result on degeneracy")
	}
}

func TestMaximizeDegenerateMidway(t *testing.T) {

	// The maximum is at x1 = -2 but the objective degenerates as soon as
	// an iterate reaches x1 < 0, so the error arises inside the
	// optimization rather than at the starting point.
	obj := &quadObjective{x: []float64{3, 3}, failNeg: true}
	fr, err := Maximize(obj, nil, nil)
	if err == nil {
		t.Fatalf("expected an error")
	}
	if err.Error() != "degenerate" {
		t.Errorf("objective error was not surfaced: %v", err)
	}
	if fr != nil {
		t.Errorf("expected nil result on degeneracy")
	}
}
