/*
This example simulates a two-trait outcome under the Kronecker-sum model

	vec(Y) ~ N((A ⊗ F)·vec(B),  C0 ⊗ GGᵗ + C1 ⊗ I),

fits the covariance parameters by REML, and plots the profile of the
restricted log marginal likelihood over the leading parameter of C0,
holding the remaining parameters at their estimates.  The profile should
peak at the fitted value.
*/

package main

import (
	"fmt"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/davipatti/glimix-core/lmm"
)

const (
	n = 300 // samples
	p = 2   // traits
	c = 2   // covariates
	r = 5   // columns of G
)

func randMat(rows, cols int, dist distuv.Normal) *mat.Dense {
	x := make([]float64, rows*cols)
	for i := range x {
		x[i] = dist.Rand()
	}
	return mat.NewDense(rows, cols, x)
}

// simulate draws Y = F·B·Aᵗ + G·Z0·L0ᵗ + Z1·L1ᵗ with Z0, Z1 standard
// normal, so that the random part has covariance L0L0ᵗ ⊗ GGᵗ + L1L1ᵗ ⊗ I.
func simulate() (y, a, f, g *mat.Dense) {

	src := rand.NewSource(4823)
	norm := distuv.Normal{Mu: 0, Sigma: 1, Src: src}

	a = mat.NewDense(p, p, []float64{1, 0, 0.5, 1})
	f = randMat(n, c, norm)
	g = randMat(n, r, norm)

	b := mat.NewDense(c, p, []float64{0.6, -0.2, 0.1, 1.1})
	l0 := mat.NewDense(p, 1, []float64{0.9, 0.4})
	l1 := mat.NewDense(p, p, []float64{1, 0, 0.3, 0.8})

	var fb, ym mat.Dense
	fb.Mul(f, b)
	ym.Mul(&fb, a.T())

	var u0, re mat.Dense
	u0.Mul(g, randMat(r, 1, norm))
	re.Mul(&u0, l0.T())

	var eps mat.Dense
	eps.Mul(randMat(n, p, norm), l1.T())

	y = mat.NewDense(n, p, nil)
	y.Add(&ym, &re)
	y.Add(y, &eps)

	return y, a, f, g
}

func profilePlot(model *lmm.RestrictedKron2Sum, params []float64, filename string) {

	pl := plot.New()
	pl.Title.Text = "REML profile"
	pl.X.Label.Text = "First C0 parameter"
	pl.Y.Label.Text = "Restricted log marginal likelihood"

	x := make([]float64, len(params))
	copy(x, params)

	var pts plotter.XYs
	center := params[0]
	for w := -1.0; w <= 1.0; w += 0.05 {
		x[0] = center + w
		model.SetParams(x)
		v, err := model.LML()
		if err != nil {
			continue
		}
		pts = append(pts, plotter.XY{X: x[0], Y: v})
	}
	model.SetParams(params)

	if err := plotutil.AddLinePoints(pl, pts); err != nil {
		panic(err)
	}
	if err := pl.Save(6*vg.Inch, 4*vg.Inch, filename); err != nil {
		panic(err)
	}
}

func main() {

	y, a, f, g := simulate()

	model, err := lmm.NewRestrictedKron2Sum(y, a, f, g, 1, nil)
	if err != nil {
		panic(err)
	}

	result, err := model.Fit(true)
	if err != nil {
		fmt.Printf("fit: %v\n", err)
	}
	if result == nil {
		return
	}
	fmt.Printf("%v\n", result.Summary())

	profilePlot(model, result.Params, "profile.pdf")
}
