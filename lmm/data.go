package lmm

import (
	"fmt"

	"github.com/kshedden/dstream/dstream"
	"gonum.org/v1/gonum/mat"
)

// StackTraits stacks per-trait observation vectors column-wise into the
// n×p outcome matrix Y.  All traits must have the same number of samples.
func StackTraits(ys [][]float64) (*mat.Dense, error) {
	if len(ys) == 0 {
		return nil, fmt.Errorf("lmm: no traits provided")
	}
	n := len(ys[0])
	if n == 0 {
		return nil, fmt.Errorf("lmm: trait 0 has no observations")
	}
	for j, y := range ys {
		if len(y) != n {
			return nil, fmt.Errorf("lmm: trait %d has %d observations, trait 0 has %d", j, len(y), n)
		}
	}
	y := mat.NewDense(n, len(ys), nil)
	for j, col := range ys {
		y.SetCol(j, col)
	}
	return y, nil
}

// MatricesFromDstream extracts the outcome matrix Y (columns ynames) and
// the covariate design F (columns xnames) from a data stream.  The stream
// is reset and fully traversed.
func MatricesFromDstream(da dstream.Dstream, ynames, xnames []string) (*mat.Dense, *mat.Dense, error) {

	pos := make(map[string]int)
	for i, na := range da.Names() {
		pos[na] = i
	}

	gather := func(names []string) ([][]float64, error) {
		cols := make([][]float64, len(names))
		for j, na := range names {
			k, ok := pos[na]
			if !ok {
				return nil, fmt.Errorf("lmm: variable '%s' not found in data stream", na)
			}
			da.Reset()
			for da.Next() {
				cols[j] = append(cols[j], da.GetPos(k).([]float64)...)
			}
		}
		return cols, nil
	}

	ycols, err := gather(ynames)
	if err != nil {
		return nil, nil, err
	}
	xcols, err := gather(xnames)
	if err != nil {
		return nil, nil, err
	}

	y, err := StackTraits(ycols)
	if err != nil {
		return nil, nil, err
	}
	f, err := StackTraits(xcols)
	if err != nil {
		return nil, nil, err
	}
	if yn, _ := y.Dims(); yn != len(xcols[0]) {
		return nil, nil, fmt.Errorf("lmm: outcome and covariate columns have different lengths")
	}
	return y, f, nil
}
