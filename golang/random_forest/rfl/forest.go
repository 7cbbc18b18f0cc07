package rfl

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"path"

	"github.com/goccy/go-graphviz"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"
)

//Forest is the model class: an ensemble of regression trees fitted on bootstrap samples.
type Forest struct {
	Trees               []OneTree
	NEstimators         int
	Params              TreeParams
	LearningCurveTitles []string
	LearningCurves      [][]float64
}

//ForestParams collect arguments required to construct a forest.
type ForestParams struct {
	Matrix         RMatrix
	NEstimators    int
	MaxDepth       *int
	MinSamplesLeaf *int
	ThreadsNum     int
	Rand           *rand.Rand
	PrintMessages  []RMatrix
}

//Bootstrap draws n row indices uniformly from [0, n) with replacement.
func Bootstrap(rng *rand.Rand, n int) []int {
	rows := make([]int, n)
	for ind := range rows {
		rows[ind] = rng.Intn(n)
	}
	return rows
}

//NewForest fits params.NEstimators trees, each on its own bootstrap sample of params.Matrix.
//All samples are drawn from params.Rand before any tree is built, so the result depends on the
//seed only and not on the number of threads. Nothing is returned when any tree fails.
func NewForest(ctx context.Context, params ForestParams) (*Forest, error) {
	h, _, err := params.Matrix.validatedDimensions()
	if err != nil {
		return nil, err
	}
	if params.NEstimators < 1 {
		return nil, invalidInput("the number of estimators should be positive, not %d", params.NEstimators)
	}
	if params.Rand == nil {
		return nil, invalidInput("a random source is required for bootstrap sampling")
	}
	treeParams := TreeParams{MaxDepth: params.MaxDepth, MinSamplesLeaf: params.MinSamplesLeaf}
	if err := treeParams.validate(); err != nil {
		return nil, err
	}
	for _, monitor := range params.PrintMessages {
		if _, _, err := monitor.validatedDimensions(); err != nil {
			return nil, errors.Wrapf(err, "monitor %q", monitor.description())
		}
	}

	samples := make([][]int, params.NEstimators)
	for stage := range samples {
		samples[stage] = Bootstrap(params.Rand, h)
	}

	threadsNum := params.ThreadsNum
	if threadsNum < 1 {
		threadsNum = 1
	}

	trees := make([]OneTree, params.NEstimators)
	taskPool, poolCtx := errgroup.WithContext(ctx)
	taskPool.SetLimit(threadsNum)
	for stage := range samples {
		localStage := stage
		taskPool.Go(func() error {
			if err := poolCtx.Err(); err != nil {
				return err
			}
			log.Infof("Tree number %d", localStage+1)
			trees[localStage] = newTreeFromRows(params.Matrix, samples[localStage], treeParams, 1)
			return nil
		})
	}
	if err := taskPool.Wait(); err != nil {
		return nil, errors.Wrap(err, "forest training interrupted")
	}

	forest := &Forest{
		Trees:       trees,
		NEstimators: params.NEstimators,
		Params:      treeParams,
	}

	for _, monitor := range params.PrintMessages {
		learningCurve, err := forest.Message(monitor)
		if err != nil {
			return nil, err
		}
		forest.LearningCurveTitles = append(forest.LearningCurveTitles, monitor.description())
		forest.LearningCurves = append(forest.LearningCurves, learningCurve)
	}
	return forest, nil
}

//Predict infers values of the target as the mean of predictions of all trees.
func (forest Forest) Predict(features *mat.Dense) ([]float64, error) {
	if len(forest.Trees) == 0 {
		return nil, errors.Wrap(ErrEmptyModel, "forest has no trees")
	}
	var prediction []float64
	for _, tree := range forest.Trees {
		treePrediction, err := tree.Predict(features)
		if err != nil {
			return nil, err
		}
		if prediction == nil {
			prediction = treePrediction
		} else {
			floats.Add(prediction, treePrediction)
		}
	}
	floats.Scale(1/float64(len(forest.Trees)), prediction)
	return prediction, nil
}

//PredictStack returns predictions of every tree stacked into a (trees x rows) tensor.
func (forest Forest) PredictStack(features *mat.Dense) (*tensor.Dense, error) {
	if len(forest.Trees) == 0 {
		return nil, errors.Wrap(ErrEmptyModel, "forest has no trees")
	}
	h := 0
	if features != nil && !features.IsEmpty() {
		h = Height(features)
	}
	if h == 0 {
		return nil, invalidInput("no rows to predict")
	}

	stack := tensor.New(tensor.WithShape(len(forest.Trees), h), tensor.Of(tensor.Float64))
	for treeInd, tree := range forest.Trees {
		treePrediction, err := tree.Predict(features)
		if err != nil {
			return nil, err
		}
		for p, v := range treePrediction {
			if err := stack.SetAt(v, treeInd, p); err != nil {
				return nil, errors.Wrap(err, "can't fill the prediction stack")
			}
		}
	}
	return stack, nil
}

//LearningCurve calculates RMSE of the running mean of the first k trees of a prediction stack
//for every k.
func LearningCurve(stack *tensor.Dense, target *mat.Dense) ([]float64, error) {
	shape := stack.Shape()
	if len(shape) != 2 {
		return nil, invalidInput("prediction stack should have 2 dimensions, not %d", len(shape))
	}
	nTrees, h := shape[0], shape[1]
	if targetH, targetW := target.Dims(); targetH != h || targetW != 1 {
		return nil, invalidInput("target of shape (%d, %d) for %d predictions", targetH, targetW, h)
	}

	sum := make([]float64, h)
	runningMean := mat.NewDense(h, 1, nil)
	learningCurve := make([]float64, nTrees)
	for treeInd := 0; treeInd < nTrees; treeInd++ {
		for p := 0; p < h; p++ {
			element, err := stack.At(treeInd, p)
			if err != nil {
				return nil, errors.Wrap(err, "can't read the prediction stack")
			}
			sum[p] += element.(float64)
			runningMean.Set(p, 0, sum[p]/float64(treeInd+1))
		}
		learningCurve[treeInd] = Rmse(target, runningMean)
	}
	return learningCurve, nil
}

//Message logs the state of the prediction on a monitor data set after every tree and returns
//the learning curve.
func (forest Forest) Message(rm RMatrix) ([]float64, error) {
	stack, err := forest.PredictStack(rm.Features)
	if err != nil {
		return nil, err
	}
	learningCurve, err := LearningCurve(stack, rm.Target)
	if err != nil {
		return nil, err
	}
	for treeInd, learningCurveValue := range learningCurve {
		log.Infof("RMSE for %s after %d trees = %g", rm.description(), treeInd+1, learningCurveValue)
	}
	return learningCurve, nil
}

//RenderTrees draws every tree of the forest into picturesDirectory as <dumpPrefix>_<index>.<figureType>.
func (forest Forest) RenderTrees(dumpPrefix, figureType, picturesDirectory string) error {
	graphvizType, ok := map[string]graphviz.Format{
		"png": graphviz.PNG,
		"svg": graphviz.SVG,
		"jpg": graphviz.JPG,
	}[figureType]
	if !ok {
		return invalidInput("unknown figure type %q", figureType)
	}

	for graphInd, currentTree := range forest.Trees {
		filename := fmt.Sprintf("%s_%05d.%s", dumpPrefix, graphInd, figureType)
		graphViz, graph, err := currentTree.DrawGraph()
		if err != nil {
			return err
		}
		err = graphViz.RenderFilename(graph, graphvizType, path.Join(picturesDirectory, filename))
		graph.Close()
		graphViz.Close()
		if err != nil {
			return errors.Wrapf(err, "can't render %s", filename)
		}
	}
	return nil
}

//EvaluateMse calculates the mean squared error of the forest on a data set.
func (forest Forest) EvaluateMse(rm RMatrix) (float64, error) {
	prediction, err := forest.Predict(rm.Features)
	if err != nil {
		return math.NaN(), err
	}
	return Mse(mat.Col(nil, 0, rm.Target), prediction), nil
}
