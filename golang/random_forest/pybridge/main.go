// SPDX-License-Identifier: Apache-2.0

package main

/*
#cgo CFLAGS: -I.
#include <stdlib.h>
*/
import "C"

import (
	"context"
	"io"
	"math/rand"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/tarstars/bagged_regression_forest/golang/random_forest/rfl"
)

var (
	handleMu   sync.Mutex
	nextHandle uint64 = 1
	forests           = make(map[uint64]*rfl.Forest)

	monitorMu       sync.Mutex
	pendingMonitors []rfl.RMatrix

	lastErrorMu sync.Mutex
	lastError   string

	logSilenceOnce sync.Once
)

func setLastError(err error) {
	lastErrorMu.Lock()
	defer lastErrorMu.Unlock()
	if err != nil {
		lastError = err.Error()
	} else {
		lastError = ""
	}
}

func getLastError() string {
	lastErrorMu.Lock()
	defer lastErrorMu.Unlock()
	return lastError
}

func storeForest(f *rfl.Forest) uint64 {
	handleMu.Lock()
	defer handleMu.Unlock()
	handle := nextHandle
	forests[handle] = f
	nextHandle++
	return handle
}

func fetchForest(handle uint64) (*rfl.Forest, error) {
	handleMu.Lock()
	defer handleMu.Unlock()
	forest, ok := forests[handle]
	if !ok {
		return nil, errors.New("invalid forest handle")
	}
	return forest, nil
}

//export FreeModel
func FreeModel(handle C.ulonglong) {
	handleMu.Lock()
	defer handleMu.Unlock()
	delete(forests, uint64(handle))
}

func copyFloatSlice(ptr *C.double, length int) ([]float64, error) {
	src, err := sliceFromPtr(ptr, length)
	if err != nil {
		return nil, err
	}
	dst := make([]float64, len(src))
	copy(dst, src)
	return dst, nil
}

func sliceFromPtr(ptr *C.double, length int) ([]float64, error) {
	if length < 0 {
		return nil, errors.New("negative length")
	}
	if length == 0 {
		return nil, nil
	}
	if ptr == nil {
		return nil, errors.New("null pointer for non-empty slice")
	}
	return unsafe.Slice((*float64)(unsafe.Pointer(ptr)), length), nil
}

//buildDense copies a row-major C buffer into a Go-owned matrix.
func buildDense(ptr *C.double, rows, cols C.int) (*mat.Dense, error) {
	r, c := int(rows), int(cols)
	if r <= 0 || c <= 0 {
		return nil, errors.Errorf("invalid matrix dimensions %d x %d", r, c)
	}
	data, err := copyFloatSlice(ptr, r*c)
	if err != nil {
		return nil, err
	}
	return mat.NewDense(r, c, data), nil
}

func buildRMatrix(featuresPtr *C.double, rows, cols C.int, targetPtr *C.double) (rfl.RMatrix, error) {
	features, err := buildDense(featuresPtr, rows, cols)
	if err != nil {
		return rfl.RMatrix{}, errors.Wrap(err, "features")
	}
	target, err := sliceFromPtr(targetPtr, int(rows))
	if err != nil {
		return rfl.RMatrix{}, errors.Wrap(err, "target")
	}
	return rfl.NewRMatrix(features, target)
}

//optionalLimit follows the Python side convention: a negative value means no limit.
func optionalLimit(n C.int) *int {
	if n < 0 {
		return nil
	}
	return rfl.Limit(int(n))
}

//export RegisterLearningCurveDataset
func RegisterLearningCurveDataset(
	featuresPtr *C.double,
	rows C.int,
	cols C.int,
	targetPtr *C.double,
	desc *C.char,
) C.int {
	setLastError(nil)

	matrix, err := buildRMatrix(featuresPtr, rows, cols, targetPtr)
	if err != nil {
		setLastError(err)
		return 1
	}
	if desc != nil {
		matrix.SetDescription(C.GoString(desc))
	}

	monitorMu.Lock()
	defer monitorMu.Unlock()
	pendingMonitors = append(pendingMonitors, matrix)
	return 0
}

//export TrainForest
func TrainForest(
	featuresPtr *C.double,
	rows C.int,
	cols C.int,
	targetPtr *C.double,
	nEstimators C.int,
	maxDepth C.int,
	minSamplesLeaf C.int,
	threadsNum C.int,
	seed C.longlong,
) C.ulonglong {
	setLastError(nil)
	logSilenceOnce.Do(func() {
		logrus.SetOutput(io.Discard)
	})

	matrix, err := buildRMatrix(featuresPtr, rows, cols, targetPtr)
	if err != nil {
		setLastError(err)
		return 0
	}

	params := rfl.ForestParams{
		Matrix:         matrix,
		NEstimators:    int(nEstimators),
		MaxDepth:       optionalLimit(maxDepth),
		MinSamplesLeaf: optionalLimit(minSamplesLeaf),
		ThreadsNum:     int(threadsNum),
		Rand:           rand.New(rand.NewSource(int64(seed))),
	}

	monitorMu.Lock()
	if len(pendingMonitors) > 0 {
		params.PrintMessages = append([]rfl.RMatrix(nil), pendingMonitors...)
		pendingMonitors = nil
	}
	monitorMu.Unlock()

	forest, err := rfl.NewForest(context.Background(), params)
	if err != nil {
		setLastError(err)
		return 0
	}
	return C.ulonglong(storeForest(forest))
}

//export Predict
func Predict(
	handle C.ulonglong,
	featuresPtr *C.double,
	rows C.int,
	cols C.int,
	outputPtr *C.double,
) C.int {
	setLastError(nil)
	forest, err := fetchForest(uint64(handle))
	if err != nil {
		setLastError(err)
		return 1
	}

	features, err := buildDense(featuresPtr, rows, cols)
	if err != nil {
		setLastError(err)
		return 2
	}

	prediction, err := forest.Predict(features)
	if err != nil {
		setLastError(err)
		return 3
	}

	outSlice, err := sliceFromPtr(outputPtr, int(rows))
	if err != nil {
		setLastError(err)
		return 4
	}
	copy(outSlice, prediction)
	return 0
}

//export LearningCurvesSize
func LearningCurvesSize(handle C.ulonglong) C.int {
	setLastError(nil)
	forest, err := fetchForest(uint64(handle))
	if err != nil {
		setLastError(err)
		return -1
	}
	return C.int(len(forest.LearningCurves) * len(forest.Trees))
}

//export DumpLearningCurves
func DumpLearningCurves(handle C.ulonglong, outputPtr *C.double, length C.int) C.int {
	setLastError(nil)
	forest, err := fetchForest(uint64(handle))
	if err != nil {
		setLastError(err)
		return 1
	}
	if int(length) != len(forest.LearningCurves)*len(forest.Trees) {
		setLastError(errors.Errorf("learning curves need %d values, buffer has %d",
			len(forest.LearningCurves)*len(forest.Trees), int(length)))
		return 2
	}
	outSlice, err := sliceFromPtr(outputPtr, int(length))
	if err != nil {
		setLastError(err)
		return 3
	}
	for ind, learningCurve := range forest.LearningCurves {
		copy(outSlice[ind*len(forest.Trees):], learningCurve)
	}
	return 0
}

//export RenderTrees
func RenderTrees(handle C.ulonglong, prefix, figureType, directory *C.char) C.int {
	setLastError(nil)
	forest, err := fetchForest(uint64(handle))
	if err != nil {
		setLastError(err)
		return 1
	}
	goPrefix := C.GoString(prefix)
	goFigureType := C.GoString(figureType)
	goDir := C.GoString(directory)
	if goPrefix == "" {
		goPrefix = "tree"
	}
	if goFigureType == "" {
		goFigureType = "svg"
	}
	if goDir == "" {
		goDir = "."
	}
	if err := forest.RenderTrees(goPrefix, goFigureType, goDir); err != nil {
		setLastError(err)
		return 2
	}
	return 0
}

//export GetLastError
func GetLastError() *C.char {
	errStr := getLastError()
	if errStr == "" {
		return nil
	}
	return C.CString(errStr)
}

//export FreeCString
func FreeCString(str *C.char) {
	if str != nil {
		C.free(unsafe.Pointer(str))
	}
}

func main() {}
