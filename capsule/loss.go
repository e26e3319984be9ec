// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package capsule

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
)

// Margin loss thresholds: the loss pushes the length of the correct class's
// capsule above MarginPositive and the lengths of the other capsules below
// MarginNegative. MarginDownWeight scales the negative-class terms so they
// don't dominate early training, when most lengths are away from zero.
const (
	MarginPositive   = 0.9
	MarginNegative   = 0.1
	MarginDownWeight = 0.5
)

// MarginLoss implements train.LossFn for capsule networks. labels[0] must
// be the one-hot (or multi-hot) class labels and predictions[0] the capsule
// lengths (see Lengths), both shaped `[batch, numClasses]`. Any extra
// outputs in predictions (e.g. the reconstruction) are ignored.
//
// Per example the loss is, summed over classes:
//
//	y·max(0, 0.9−p)² + 0.5·(1−y)·max(0, p−0.1)²
//
// The formula is well-defined for multi-hot labels, so the same loss serves
// multi-label setups. It returns one loss value per example; the trainer
// takes the batch mean.
//
// If there is an extra element in labels with shape `[batch]` it is taken
// as example weights; an extra boolean `[batch]` element is taken as a
// mask, following the convention of the losses package.
func MarginLoss(labels, predictions []*Node) *Node {
	lengths := predictions[0]
	y := ConvertDType(labels[0], lengths.DType())
	if !y.Shape().Equal(lengths.Shape()) {
		Panicf("capsule.MarginLoss: labels %s and capsule lengths %s must have the same shape",
			labels[0].Shape(), lengths.Shape())
	}

	positiveCost := Square(MaxScalar(AddScalar(Neg(lengths), MarginPositive), 0))
	negativeCost := Square(MaxScalar(AddScalar(lengths, -MarginNegative), 0))
	perClass := Add(
		Mul(y, positiveCost),
		MulScalar(Mul(OneMinus(y), negativeCost), MarginDownWeight))
	loss := ReduceSum(perClass, -1) // [batch]

	weightsShape := shapes.Make(lengths.DType(), lengths.Shape().Dimensions[0])
	weights, mask := losses.CheckExtraLabelsForWeightsAndMask(weightsShape, labels[1:])
	if weights != nil {
		loss = Mul(loss, weights)
	}
	if mask != nil {
		loss = Where(mask, loss, ZerosLike(loss))
	}
	return loss
}

// ReconstructionLoss returns the mean squared error between the original
// images and the decoder reconstruction, as a scalar. Scale it by the
// reconstruction weight (the λ balancing margin and reconstruction terms)
// and feed it to train.AddLoss from within the model graph.
func ReconstructionLoss(images, reconstruction *Node) *Node {
	if !images.Shape().Equal(reconstruction.Shape()) {
		Panicf("capsule.ReconstructionLoss: images %s and reconstruction %s must have the same shape",
			images.Shape(), reconstruction.Shape())
	}
	diff := Sub(images, reconstruction)
	return ReduceAllMean(Square(diff))
}
