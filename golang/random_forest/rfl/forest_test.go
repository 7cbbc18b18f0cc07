package rfl

import (
	"context"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func trainForest(t *testing.T, rm RMatrix, nEstimators, threadsNum int, seed int64, monitors ...RMatrix) *Forest {
	t.Helper()

	forest, err := NewForest(context.Background(), ForestParams{
		Matrix:        rm,
		NEstimators:   nEstimators,
		MaxDepth:      Limit(6),
		ThreadsNum:    threadsNum,
		Rand:          rand.New(rand.NewSource(seed)),
		PrintMessages: monitors,
	})
	require.NoError(t, err)
	require.NotNil(t, forest)
	return forest
}

func TestBootstrapSample(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	sample := Bootstrap(rng, 7)
	assert.Len(t, sample, 7)
	for _, row := range sample {
		assert.True(t, row >= 0 && row < 7, "row %d", row)
	}

	const n = 10000
	seen := make(map[int]bool)
	for _, row := range Bootstrap(rng, n) {
		seen[row] = true
	}
	assert.InDelta(t, 1-math.Pow(1-1.0/n, n), float64(len(seen))/n, 0.02)
}

func TestForestPredictIsMeanOfTrees(t *testing.T) {
	rm := randomRMatrix(t, 21, 120, 4)
	test := randomRMatrix(t, 22, 30, 4)
	forest := trainForest(t, rm, 5, 2, 7)

	require.Len(t, forest.Trees, 5)
	prediction, err := forest.Predict(test.Features)
	require.NoError(t, err)

	expected := make([]float64, 30)
	for _, tree := range forest.Trees {
		treePrediction, err := tree.Predict(test.Features)
		require.NoError(t, err)
		for p, v := range treePrediction {
			expected[p] += v / 5
		}
	}
	assert.InDeltaSlice(t, expected, prediction, 1e-12)
}

func TestForestConstantTarget(t *testing.T) {
	rm := randomRMatrix(t, 23, 50, 3)
	constant := make([]float64, 50)
	for p := range constant {
		constant[p] = 4.5
	}
	rm, err := NewRMatrix(rm.Features, constant)
	require.NoError(t, err)

	forest := trainForest(t, rm, 4, 1, 3)
	prediction, err := forest.Predict(randomRMatrix(t, 24, 10, 3).Features)
	require.NoError(t, err)
	for _, v := range prediction {
		assert.InDelta(t, 4.5, v, 1e-12)
	}
}

func TestForestDoesNotDependOnThreadsNum(t *testing.T) {
	rm := randomRMatrix(t, 25, 100, 5)
	test := randomRMatrix(t, 26, 40, 5)

	single := trainForest(t, rm, 6, 1, 99)
	multi := trainForest(t, rm, 6, 4, 99)

	for ind := range single.Trees {
		assert.Equal(t, single.Trees[ind].TreeNodes, multi.Trees[ind].TreeNodes, "tree %d", ind)
	}

	singlePrediction, err := single.Predict(test.Features)
	require.NoError(t, err)
	multiPrediction, err := multi.Predict(test.Features)
	require.NoError(t, err)
	assert.Equal(t, singlePrediction, multiPrediction)
}

func TestForestSeedChangesSamples(t *testing.T) {
	rm := randomRMatrix(t, 27, 80, 3)

	first := trainForest(t, rm, 3, 1, 1)
	second := trainForest(t, rm, 3, 1, 2)
	assert.NotEqual(t, first.Trees[0].LeafNodes[0].RecordIds, second.Trees[0].LeafNodes[0].RecordIds)
}

func TestNewForestRejectsInvalidInput(t *testing.T) {
	rm := randomRMatrix(t, 28, 20, 2)
	rng := rand.New(rand.NewSource(1))

	for name, params := range map[string]ForestParams{
		"no estimators":  {Matrix: rm, NEstimators: 0, Rand: rng},
		"no random":      {Matrix: rm, NEstimators: 3},
		"empty matrix":   {Matrix: RMatrix{}, NEstimators: 3, Rand: rng},
		"negative depth": {Matrix: rm, NEstimators: 3, Rand: rng, MaxDepth: Limit(-1)},
		"broken monitor": {Matrix: rm, NEstimators: 3, Rand: rng, PrintMessages: []RMatrix{{}}},
	} {
		forest, err := NewForest(context.Background(), params)
		assert.ErrorIs(t, err, ErrInvalidInput, name)
		assert.Nil(t, forest, name)
	}
}

func TestNewForestCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	forest, err := NewForest(ctx, ForestParams{
		Matrix:      randomRMatrix(t, 29, 30, 2),
		NEstimators: 8,
		ThreadsNum:  2,
		Rand:        rand.New(rand.NewSource(1)),
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, forest)
}

func TestEmptyForestPredict(t *testing.T) {
	_, err := Forest{}.Predict(mat.NewDense(1, 1, nil))
	assert.ErrorIs(t, err, ErrEmptyModel)

	_, err = Forest{}.PredictStack(mat.NewDense(1, 1, nil))
	assert.ErrorIs(t, err, ErrEmptyModel)
}

func TestPredictStack(t *testing.T) {
	rm := randomRMatrix(t, 30, 60, 3)
	test := randomRMatrix(t, 31, 20, 3)
	forest := trainForest(t, rm, 3, 3, 5)

	stack, err := forest.PredictStack(test.Features)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 20}, []int(stack.Shape()))

	for treeInd, tree := range forest.Trees {
		treePrediction, err := tree.Predict(test.Features)
		require.NoError(t, err)
		for p, v := range treePrediction {
			element, err := stack.At(treeInd, p)
			require.NoError(t, err)
			assert.Equal(t, v, element)
		}
	}
}

func TestLearningCurve(t *testing.T) {
	rm := randomRMatrix(t, 32, 100, 3)
	monitor := randomRMatrix(t, 33, 40, 3)
	monitor.SetDescription("hold-out")

	forest := trainForest(t, rm, 7, 2, 11, monitor)

	require.Equal(t, []string{"hold-out"}, forest.LearningCurveTitles)
	require.Len(t, forest.LearningCurves, 1)
	learningCurve := forest.LearningCurves[0]
	require.Len(t, learningCurve, 7)

	first, err := Forest{Trees: forest.Trees[:1]}.EvaluateMse(monitor)
	require.NoError(t, err)
	assert.InDelta(t, math.Sqrt(first), learningCurve[0], 1e-9)

	all, err := forest.EvaluateMse(monitor)
	require.NoError(t, err)
	assert.InDelta(t, math.Sqrt(all), learningCurve[6], 1e-9)
}

func TestLearningCurveRejectsWrongTarget(t *testing.T) {
	forest := trainForest(t, randomRMatrix(t, 34, 30, 2), 2, 1, 1)
	stack, err := forest.PredictStack(mat.NewDense(4, 2, nil))
	require.NoError(t, err)

	_, err = LearningCurve(stack, mat.NewDense(5, 1, nil))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestRenderTrees(t *testing.T) {
	forest := trainForest(t, randomRMatrix(t, 35, 30, 2), 2, 1, 1)
	dir := t.TempDir()

	require.NoError(t, forest.RenderTrees("tree", "svg", dir))
	for _, name := range []string{"tree_00000.svg", "tree_00001.svg"} {
		info, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err)
		assert.NotZero(t, info.Size())
	}

	assert.ErrorIs(t, forest.RenderTrees("tree", "bmp", dir), ErrInvalidInput)
}
