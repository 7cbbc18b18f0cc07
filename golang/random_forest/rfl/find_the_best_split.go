package rfl

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/stat"
)

//tieTolerance is the share of the node sum of squares below which two candidates count as equal.
const tieTolerance = 1e-12

//BestSplit contains results of the split selection algorithm.
//Mse is the weighted sum of squared deviations of both sides, +Inf when Valid is false.
type BestSplit struct {
	FeatureIndex    int
	Threshold       float64
	Mse             float64
	Valid           bool
	NumberOfObjects int
}

//valueCluster accumulates the targets of all objects that share one feature value.
//Sums are taken over targets centred by the mean of the scanned node.
type valueCluster struct {
	value      float64
	count      float64
	sum, sumSq float64
}

//noSplit is the result for a feature that carries no information at a node.
func noSplit(featureIndex, numberOfObjects int) BestSplit {
	return BestSplit{FeatureIndex: featureIndex, Threshold: math.NaN(), Mse: math.Inf(1), NumberOfObjects: numberOfObjects}
}

//FindSplit selects the threshold of one feature column that minimises the weighted
//sum of squared deviations of the two sides.
//Candidate thresholds are midpoints between consecutive distinct values. Objects equal
//to a threshold belong to neither side, and a candidate that leaves one side empty is
//skipped. Ties go to the smallest threshold.
func FindSplit(values, targets []float64) BestSplit {
	h := len(values)
	bestSplit := noSplit(-1, h)
	if h < 2 || len(targets) != h {
		return bestSplit
	}

	clusters := clusterize(values, targets)
	if len(clusters) < 2 {
		return bestSplit
	}

	cumCount := make([]float64, len(clusters))
	cumSum := make([]float64, len(clusters))
	cumSumSq := make([]float64, len(clusters))
	for ind, c := range clusters {
		cumCount[ind], cumSum[ind], cumSumSq[ind] = c.count, c.sum, c.sumSq
		if ind > 0 {
			cumCount[ind] += cumCount[ind-1]
			cumSum[ind] += cumSum[ind-1]
			cumSumSq[ind] += cumSumSq[ind-1]
		}
	}
	last := len(clusters) - 1
	// prefix sums round differently from a direct sum of squares; criteria closer than
	// tolerance are a tie and keep the earlier threshold
	tolerance := tieTolerance * sumOfSquares(cumCount[last], cumSum[last], cumSumSq[last])
	prefix := func(ind int) (count, sum, sumSq float64) {
		if ind < 0 {
			return 0, 0, 0
		}
		return cumCount[ind], cumSum[ind], cumSumSq[ind]
	}

	for ind := 0; ind < last; ind++ {
		threshold := (clusters[ind].value + clusters[ind+1].value) / 2

		// a midpoint between two adjacent floats rounds onto one of them;
		// that cluster is then equal to the threshold and is dropped
		leftEnd, rightStart := ind, ind+1
		if clusters[leftEnd].value >= threshold {
			leftEnd--
		}
		if clusters[rightStart].value <= threshold {
			rightStart++
		}

		leftCount, leftSum, leftSumSq := prefix(leftEnd)
		beforeRightCount, beforeRightSum, beforeRightSumSq := prefix(rightStart - 1)
		rightCount := cumCount[last] - beforeRightCount
		rightSum := cumSum[last] - beforeRightSum
		rightSumSq := cumSumSq[last] - beforeRightSumSq

		if leftCount == 0 || rightCount == 0 {
			continue
		}
		n := leftCount + rightCount
		currentMse := leftCount/n*sumOfSquares(leftCount, leftSum, leftSumSq) +
			rightCount/n*sumOfSquares(rightCount, rightSum, rightSumSq)

		if currentMse < bestSplit.Mse-tolerance {
			bestSplit.Mse = currentMse
			bestSplit.Threshold = threshold
			bestSplit.Valid = true
		}
	}
	return bestSplit
}

//clusterize sorts objects by value and collapses equal values into clusters.
func clusterize(values, targets []float64) []valueCluster {
	shift := stat.Mean(targets, nil)
	order := columnArgsort(values)

	clusters := make([]valueCluster, 0)
	for _, pos := range order {
		y := targets[pos] - shift
		if len(clusters) == 0 || clusters[len(clusters)-1].value != values[pos] {
			clusters = append(clusters, valueCluster{value: values[pos]})
		}
		c := &clusters[len(clusters)-1]
		c.count++
		c.sum += y
		c.sumSq += y * y
	}
	return clusters
}

//sumOfSquares returns the sum of squared deviations from the mean given the moments of a side.
func sumOfSquares(count, sum, sumSq float64) float64 {
	if count == 0 {
		return 0
	}
	return math.Max(0, sumSq-sum*sum/count)
}

//scanForSplit gathers column q and the targets of the given rows and selects the best split in the column.
func scanForSplit(rm RMatrix, rows []int, q int) BestSplit {
	values := make([]float64, len(rows))
	targets := make([]float64, len(rows))
	for ind, row := range rows {
		values[ind] = rm.Features.At(row, q)
		targets[ind] = rm.targetAt(row)
	}
	bestSplit := FindSplit(values, targets)
	bestSplit.FeatureIndex = q
	return bestSplit
}

//TheBestSplit finds the best possible split of the given rows over all features.
//With threadsNum > 1 columns are scanned by a pool of threadsNum goroutines.
//It returns nil when no feature offers a usable threshold.
func TheBestSplit(rm RMatrix, rows []int, threadsNum int) *BestSplit {
	_, w := rm.Features.Dims()
	result := make([]BestSplit, w)

	if threadsNum <= 1 {
		for q := 0; q < w; q++ {
			result[q] = scanForSplit(rm, rows, q)
		}
	} else {
		columns := make(chan int, w)
		for q := 0; q < w; q++ {
			columns <- q
		}
		close(columns)

		var wg sync.WaitGroup
		for worker := 0; worker < threadsNum; worker++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for q := range columns {
					result[q] = scanForSplit(rm, rows, q)
				}
			}()
		}
		wg.Wait()
	}

	bestIndex := -1
	for ind, currentSplit := range result {
		if currentSplit.Valid && (bestIndex == -1 || result[bestIndex].Mse > currentSplit.Mse) {
			bestIndex = ind
		}
	}

	if bestIndex == -1 {
		return nil
	}
	return &result[bestIndex]
}
