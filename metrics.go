// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package capsnet

import (
	"fmt"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gopjrt/dtypes"
)

// CategoricalAccuracyGraph computes the fraction of examples whose
// maximum-length capsule matches the labeled class. It expects one-hot
// labels `[batch, numClasses]` and the capsule lengths as predictions[0]
// (the metrics package only ships a sparse, integer-label variant). Ties
// are counted as misses, like in the sparse variant.
func CategoricalAccuracyGraph(_ *context.Context, labels, predictions []*Node) *Node {
	lengths := predictions[0]
	labels0 := labels[0]
	if !labels0.Shape().Equal(lengths.Shape()) {
		Panicf("capsnet accuracy: one-hot labels %s and capsule lengths %s must have the same shape",
			labels0.Shape(), lengths.Shape())
	}
	modelChoices := ArgMax(lengths, -1, dtypes.Int32)
	truth := ArgMax(labels0, -1, dtypes.Int32)
	correct := ConvertDType(Equal(modelChoices, truth), lengths.DType())
	return ReduceAllMean(correct)
}

func accuracyPPrint(value *tensors.Tensor) string {
	return fmt.Sprintf("%.2f%%", shapes.ConvertTo[float64](value.Value())*100.0)
}

// NewMeanCategoricalAccuracy returns a mean accuracy metric over one-hot
// labels and capsule lengths.
func NewMeanCategoricalAccuracy(name, shortName string) *metrics.MeanMetric {
	return metrics.NewMeanMetric(name, shortName, metrics.AccuracyMetricType, CategoricalAccuracyGraph, accuracyPPrint)
}

// NewMovingAverageCategoricalAccuracy returns an exponentially-moving
// average accuracy metric over one-hot labels and capsule lengths. A
// typical newExampleWeight is 0.01; smaller values move slower.
func NewMovingAverageCategoricalAccuracy(name, shortName string, newExampleWeight float64) metrics.Interface {
	return metrics.NewExponentialMovingAverageMetric(
		name,
		shortName,
		metrics.AccuracyMetricType,
		CategoricalAccuracyGraph,
		accuracyPPrint,
		newExampleWeight,
	)
}
