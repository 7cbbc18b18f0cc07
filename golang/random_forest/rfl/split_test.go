package rfl

import (
	"math"
	"math/rand"
	"slices"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

func TestFindSplitMidpoint(t *testing.T) {
	split := FindSplit([]float64{1, 2, 3, 4}, []float64{10, 10, 20, 20})

	require.True(t, split.Valid)
	assert.Equal(t, 2.5, split.Threshold)
	assert.Equal(t, 0.0, split.Mse)
	assert.Equal(t, 4, split.NumberOfObjects)
}

func TestFindSplitUnsortedInput(t *testing.T) {
	split := FindSplit([]float64{4, 1, 3, 2}, []float64{20, 10, 20, 10})

	require.True(t, split.Valid)
	assert.Equal(t, 2.5, split.Threshold)
	assert.Equal(t, 0.0, split.Mse)
}

func TestFindSplitWeightedCriterion(t *testing.T) {
	// 1.5: left {0} right {0, 3, 9} -> 3/4 * 42 = 31.5
	// 2.5: left {0, 0} right {3, 9} -> 2/4 * 18 = 9
	// 3.5: left {0, 0, 3} right {9} -> 3/4 * 6 = 4.5
	split := FindSplit([]float64{1, 2, 3, 4}, []float64{0, 0, 3, 9})

	require.True(t, split.Valid)
	assert.Equal(t, 3.5, split.Threshold)
	assert.InDelta(t, 4.5, split.Mse, 1e-12)
}

func TestFindSplitTiesGoToSmallestThreshold(t *testing.T) {
	split := FindSplit([]float64{3, 1, 4, 2}, []float64{5, 5, 5, 5})

	require.True(t, split.Valid)
	assert.Equal(t, 1.5, split.Threshold)
	assert.Equal(t, 0.0, split.Mse)
}

func TestFindSplitSingleDistinctValue(t *testing.T) {
	split := FindSplit([]float64{7, 7, 7}, []float64{1, 2, 3})

	assert.False(t, split.Valid)
	assert.True(t, math.IsInf(split.Mse, 1))
}

func TestFindSplitTooFewObjects(t *testing.T) {
	assert.False(t, FindSplit([]float64{1}, []float64{1}).Valid)
	assert.False(t, FindSplit(nil, nil).Valid)
}

//A midpoint between two neighbouring floats rounds onto the smaller one. The left side of
//that candidate is empty, so it is never chosen.
func TestFindSplitSkipsCandidateWithEmptySide(t *testing.T) {
	a := 1.0
	b := math.Nextafter(1, 2)
	require.Equal(t, a, (a+b)/2)

	split := FindSplit([]float64{a, b, 5}, []float64{0, 100, 100})

	require.True(t, split.Valid)
	assert.Equal(t, 3.0, split.Threshold)
	assert.InDelta(t, 10000.0/3, split.Mse, 1e-6)

	assert.False(t, FindSplit([]float64{a, a, b}, []float64{0, 2, 6}).Valid)
}

//Here the midpoint rounds onto the larger neighbour: that object belongs to neither side.
func TestFindSplitDropsObjectsEqualToThreshold(t *testing.T) {
	a := math.Nextafter(1, 2)
	b := math.Nextafter(a, 2)
	require.Equal(t, b, (a+b)/2)

	split := FindSplit([]float64{a, b, 5}, []float64{0, 50, 100})

	require.True(t, split.Valid)
	assert.Equal(t, b, split.Threshold)
	// {0} against {100}, 50 is dropped
	assert.InDelta(t, 0.0, split.Mse, 1e-9)
	assert.Equal(t, 3, split.NumberOfObjects)
}

//All three thresholds give 0.02 in exact arithmetic.
func TestFindSplitRoundingTiesGoToSmallestThreshold(t *testing.T) {
	split := FindSplit([]float64{0, 1, 2, 3}, []float64{0.1, 0.3, 0.3, 0.1})

	require.True(t, split.Valid)
	assert.Equal(t, 0.5, split.Threshold)
	assert.InDelta(t, 0.02, split.Mse, 1e-12)
}

//directSplit evaluates every candidate with a two-pass sum of squares.
func directSplit(values, targets []float64) (threshold, criterion float64) {
	unique := append([]float64(nil), values...)
	sort.Float64s(unique)
	unique = slices.Compact(unique)

	sse := func(side []float64) float64 {
		if len(side) == 0 {
			return 0
		}
		m := stat.Mean(side, nil)
		s := 0.0
		for _, y := range side {
			s += (y - m) * (y - m)
		}
		return s
	}

	criteria := make([]float64, len(unique)-1)
	thresholds := make([]float64, len(unique)-1)
	best := math.Inf(1)
	for ind := range criteria {
		thresholds[ind] = (unique[ind] + unique[ind+1]) / 2
		var left, right []float64
		for p, x := range values {
			if x < thresholds[ind] {
				left = append(left, targets[p])
			} else if x > thresholds[ind] {
				right = append(right, targets[p])
			}
		}
		n := float64(len(left) + len(right))
		criteria[ind] = float64(len(left))/n*sse(left) + float64(len(right))/n*sse(right)
		best = math.Min(best, criteria[ind])
	}
	for ind, c := range criteria {
		if c <= best+1e-9 {
			return thresholds[ind], c
		}
	}
	return math.NaN(), math.Inf(1)
}

func TestFindSplitMatchesDirectComputation(t *testing.T) {
	rng := rand.New(rand.NewSource(5))

	for iter := 0; iter < 3000; iter++ {
		n := 2 + rng.Intn(7)
		values := make([]float64, n)
		targets := make([]float64, n)
		for p := range values {
			values[p] = float64(rng.Intn(5))
			targets[p] = float64(rng.Intn(10)) / 10
		}

		split := FindSplit(values, targets)
		threshold, criterion := directSplit(values, targets)
		if math.IsNaN(threshold) {
			assert.False(t, split.Valid, "values %v", values)
			continue
		}
		require.True(t, split.Valid, "values %v", values)
		assert.Equal(t, threshold, split.Threshold, "values %v targets %v", values, targets)
		assert.InDelta(t, criterion, split.Mse, 1e-9)
	}
}

func TestTheBestSplitSkipsConstantFeature(t *testing.T) {
	rm, err := NewRMatrixFromRows([][]float64{{7, 1}, {7, 2}, {7, 3}, {7, 4}}, []float64{10, 10, 20, 20})
	require.NoError(t, err)

	bestSplit := TheBestSplit(rm, identityIds(4), 1)

	require.NotNil(t, bestSplit)
	assert.Equal(t, 1, bestSplit.FeatureIndex)
	assert.Equal(t, 2.5, bestSplit.Threshold)
}

func TestTheBestSplitPrefersLowestFeatureOnTie(t *testing.T) {
	rows := [][]float64{{1, 1, 0}, {2, 2, 0}, {3, 3, 0}, {4, 4, 0}}
	rm, err := NewRMatrixFromRows(rows, []float64{1, 2, 8, 9})
	require.NoError(t, err)

	for _, threadsNum := range []int{1, 3} {
		bestSplit := TheBestSplit(rm, identityIds(4), threadsNum)
		require.NotNil(t, bestSplit)
		assert.Equal(t, 0, bestSplit.FeatureIndex, "threads %d", threadsNum)
	}
}

func TestTheBestSplitUsesOnlyGivenRows(t *testing.T) {
	rm, err := NewRMatrixFromRows([][]float64{{1}, {2}, {3}, {4}, {5}}, []float64{0, 0, 0, 9, 9})
	require.NoError(t, err)

	bestSplit := TheBestSplit(rm, []int{0, 1, 3, 3}, 1)

	require.NotNil(t, bestSplit)
	assert.Equal(t, 3.0, bestSplit.Threshold)
	assert.Equal(t, 4, bestSplit.NumberOfObjects)
}

func TestTheBestSplitNoUsableFeature(t *testing.T) {
	rm, err := NewRMatrix(mat.NewDense(3, 2, []float64{1, 2, 1, 2, 1, 2}), []float64{1, 2, 3})
	require.NoError(t, err)

	assert.Nil(t, TheBestSplit(rm, identityIds(3), 2))
}

func TestArgSortTiny(t *testing.T) {
	fAs := columnArgsort([]float64{5.0, 4.0, 6.0, 1.0, 2.0})

	assert.Equal(t, []int{3, 4, 1, 0, 2}, fAs)
}
