package lmm

import (
	"testing"

	"github.com/kshedden/dstream/dstream"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestStackTraits(t *testing.T) {

	y, err := StackTraits([][]float64{{1, 2, 3}, {4, 5, 6}})
	require.NoError(t, err)

	want := mat.NewDense(3, 2, []float64{1, 4, 2, 5, 3, 6})
	require.True(t, mat.Equal(y, want))

	_, err = StackTraits(nil)
	require.Error(t, err)

	_, err = StackTraits([][]float64{{1, 2}, {1, 2, 3}})
	require.Error(t, err)
}

func TestMatricesFromDstream(t *testing.T) {

	y1 := []float64{1, 2, 3, 4}
	y2 := []float64{5, 6, 7, 8}
	icept := []float64{1, 1, 1, 1}
	x1 := []float64{0.5, -0.5, 1.5, -1.5}

	da := dstream.NewFromFlat([]interface{}{y1, y2, icept, x1},
		[]string{"y1", "y2", "icept", "x1"})

	y, f, err := MatricesFromDstream(da, []string{"y1", "y2"}, []string{"icept", "x1"})
	require.NoError(t, err)

	ny, py := y.Dims()
	require.Equal(t, 4, ny)
	require.Equal(t, 2, py)
	require.Equal(t, 3.0, y.At(2, 0))
	require.Equal(t, 8.0, y.At(3, 1))

	nf, cf := f.Dims()
	require.Equal(t, 4, nf)
	require.Equal(t, 2, cf)
	require.Equal(t, 1.0, f.At(0, 0))
	require.Equal(t, -1.5, f.At(3, 1))

	_, _, err = MatricesFromDstream(da, []string{"y1", "nope"}, []string{"icept"})
	require.Error(t, err)
}
