package rfl

import (
	"math"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

var log = logrus.WithField("component", "rfl")

var (
	//ErrInvalidInput marks precondition violations reported before any tree is built.
	ErrInvalidInput = errors.New("invalid input")
	//ErrEmptyModel is returned when a tree or a forest without nodes is asked to predict.
	ErrEmptyModel = errors.New("empty model")
)

func invalidInput(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidInput, format, args...)
}

//Height returns the number of rows of a matrix.
func Height(m mat.Matrix) int {
	h, _ := m.Dims()
	return h
}

//Limit wraps an optional hyperparameter value. A nil limit means "no limit".
func Limit(n int) *int {
	return &n
}

//Rmse calculates the root mean squared error between a target column and a prediction column.
func Rmse(target, prediction *mat.Dense) float64 {
	h := Height(target)
	if h == 0 {
		return 0
	}
	diff := mat.NewDense(h, 1, nil)
	diff.Sub(target, prediction)
	return math.Sqrt(floats.Dot(diff.RawMatrix().Data, diff.RawMatrix().Data) / float64(h))
}

//Mse calculates the mean squared error of two equally sized slices.
func Mse(target, prediction []float64) float64 {
	if len(target) == 0 {
		return 0
	}
	dist := floats.Distance(target, prediction, 2)
	return dist * dist / float64(len(target))
}

//columnArgsort returns the positions of values in ascending order of the values.
func columnArgsort(values []float64) []int {
	inds := make([]int, len(values))
	sorted := append([]float64(nil), values...)
	floats.Argsort(sorted, inds)
	return inds
}
