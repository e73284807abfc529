package cov

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	glimix "github.com/davipatti/glimix-core"
)

// fixtureCov returns the covariance used throughout: n=3, p=2, rank 1, with
// G of column rank one.
func fixtureCov(t *testing.T) *Kron2SumCov {
	t.Helper()

	g := mat.NewDense(3, 2, []float64{
		-1.5, 1,
		-1.5, 1,
		-1.5, 1,
	})

	k, err := NewKron2SumCov(g, 2, 1)
	if err != nil {
		t.Fatalf("NewKron2SumCov: %v", err)
	}
	if err := k.C0().SetL(mat.NewDense(2, 1, []float64{3, 2})); err != nil {
		t.Fatalf("SetL: %v", err)
	}
	if err := k.C1().SetL(mat.NewDense(2, 2, []float64{1, 0, 2, 1})); err != nil {
		t.Fatalf("SetL: %v", err)
	}
	return k
}

// fullRankCov returns a covariance with a full-column-rank G (n=3, r=4) and
// the given rank bound for C0.
func fullRankCov(t *testing.T, rank int) *Kron2SumCov {
	t.Helper()

	g := mat.NewDense(3, 4, []float64{
		0.5, -0.2, 1.1, 0.3,
		-0.7, 0.9, 0.4, -1.2,
		1.3, 0.1, -0.5, 0.8,
	})

	k, err := NewKron2SumCov(g, 2, rank)
	if err != nil {
		t.Fatalf("NewKron2SumCov: %v", err)
	}

	x := make([]float64, k.NumParams())
	vals := []float64{0.9, -0.4, 1.3, 0.6, 0.2, 1.1, -0.3}
	for i := range x {
		x[i] = vals[i%len(vals)]
	}
	k.SetParams(x)
	return k
}

func denseSym(k *Kron2SumCov) *mat.SymDense {
	kd := k.ValueTo(nil)
	n := k.Dim()
	s := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			s.SetSym(i, j, (kd.At(i, j)+kd.At(j, i))/2)
		}
	}
	return s
}

func TestKron2SumValue(t *testing.T) {

	k := fixtureCov(t)

	var ggt mat.Dense
	ggt.Mul(k.G(), k.G().T())

	expected := glimix.Kron(k.C0().ValueTo(nil), &ggt)
	var k1 mat.Dense
	i3 := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		i3.Set(i, i, 1)
	}
	k1.Add(expected, glimix.Kron(k.C1().ValueTo(nil), i3))

	v := k.ValueTo(nil)
	if !mat.EqualApprox(v, &k1, 1e-10) {
		t.Errorf("dense value mismatch:\ngot %v\nwant %v", mat.Formatted(v), mat.Formatted(&k1))
	}
}

func TestKron2SumSolve(t *testing.T) {

	for _, k := range []*Kron2SumCov{fixtureCov(t), fullRankCov(t, 1), fullRankCov(t, 2)} {

		kd := k.ValueTo(nil)
		sol, err := k.Solve(kd)
		if err != nil {
			t.Fatalf("Solve: %v", err)
		}

		n := k.Dim()
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				want := 0.0
				if i == j {
					want = 1
				}
				if math.Abs(sol.At(i, j)-want) > 1e-7 {
					t.Errorf("K⁻¹K differs from identity at (%d,%d): %g", i, j, sol.At(i, j))
				}
			}
		}
	}
}

func TestKron2SumSolveShape(t *testing.T) {

	k := fixtureCov(t)
	if _, err := k.Solve(mat.NewDense(5, 1, nil)); err == nil {
		t.Errorf("expected an error for a wrong-length vector")
	}
}

func TestKron2SumLogDet(t *testing.T) {

	k := fixtureCov(t)

	ld, err := k.LogDet()
	if err != nil {
		t.Fatalf("LogDet: %v", err)
	}

	// |K| factors exactly for this fixture.
	if math.Abs(ld-math.Log(244.75)) > 1e-7 {
		t.Errorf("logdet: got %f, want %f", ld, math.Log(244.75))
	}
}

func TestKron2SumLogDetDense(t *testing.T) {

	for _, k := range []*Kron2SumCov{fullRankCov(t, 1), fullRankCov(t, 2)} {

		ld, err := k.LogDet()
		if err != nil {
			t.Fatalf("LogDet: %v", err)
		}

		var chol mat.Cholesky
		if ok := chol.Factorize(denseSym(k)); !ok {
			t.Fatalf("dense K is not positive definite")
		}

		if math.Abs(ld-chol.LogDet()) > 1e-7 {
			t.Errorf("logdet: got %f, want %f", ld, chol.LogDet())
		}
	}
}

func TestKron2SumLogDetGradient(t *testing.T) {

	for _, k := range []*Kron2SumCov{fixtureCov(t), fullRankCov(t, 1), fullRankCov(t, 2)} {

		x0 := k.Params()
		f := func(x []float64) float64 {
			k.SetParams(x)
			v, err := k.LogDet()
			if err != nil {
				t.Fatalf("LogDet: %v", err)
			}
			return v
		}

		numeric := fd.Gradient(nil, f, x0, &fd.Settings{Formula: fd.Central})
		k.SetParams(x0)

		grad, err := k.LogDetGradient()
		if err != nil {
			t.Fatalf("LogDetGradient: %v", err)
		}

		if !floats.EqualApprox(grad.Flat(), numeric, 1e-5) {
			t.Errorf("logdet gradient mismatch:\ngot %v\nwant %v", grad.Flat(), numeric)
		}
	}
}

func TestKron2SumDotGradient(t *testing.T) {

	k := fullRankCov(t, 2)
	np := k.Dim()

	a := mat.NewDense(np, 2, nil)
	b := mat.NewDense(np, 2, nil)
	for i := 0; i < np; i++ {
		for j := 0; j < 2; j++ {
			a.Set(i, j, math.Sin(float64(3*i+j)+0.5))
			b.Set(i, j, math.Cos(float64(2*i-j)-0.3))
		}
	}

	got, err := k.DotGradient(a, b)
	if err != nil {
		t.Fatalf("DotGradient: %v", err)
	}
	flat := got.Flat()

	for i := 0; i < k.NumParams(); i++ {
		dk := k.GradientTo(i, nil)
		var want float64
		for j := 0; j < 2; j++ {
			var tmp mat.VecDense
			tmp.MulVec(dk, b.ColView(j))
			want += mat.Dot(a.ColView(j), &tmp)
		}
		if math.Abs(flat[i]-want) > 1e-8*(1+math.Abs(want)) {
			t.Errorf("dot gradient %d: got %g, want %g", i, flat[i], want)
		}
	}
}

func TestKron2SumDegenerate(t *testing.T) {

	k := fixtureCov(t)

	// A zero C1 factor makes the covariance singular.
	x := k.Params()
	for i := k.C0().NumParams(); i < len(x); i++ {
		x[i] = 0
	}
	k.SetParams(x)

	if _, err := k.LogDet(); err == nil {
		t.Errorf("expected an error for a singular C1")
	}
}

func TestKron2SumInvalidArgs(t *testing.T) {

	g := mat.NewDense(3, 2, nil)
	g.Set(0, 0, 1)

	if _, err := NewKron2SumCov(g, 0, 1); err == nil {
		t.Errorf("expected an error for zero traits")
	}
	if _, err := NewKron2SumCov(g, 2, 3); err == nil {
		t.Errorf("expected an error for rank exceeding the trait count")
	}
	if _, err := NewKron2SumCov(g, 2, 0); err == nil {
		t.Errorf("expected an error for zero rank")
	}
	if _, err := NewKron2SumCov(mat.NewDense(2, 2, nil), 2, 1); err == nil {
		t.Errorf("expected an error for a zero G")
	}
}
