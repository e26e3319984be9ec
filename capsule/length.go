// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package capsule

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// Lengths returns the Euclidean norm of each capsule vector, reducing the
// last axis: `[batch, numCapsules, dimCapsule] -> [batch, numCapsules]`.
//
// The capsule length is the model's class-existence probability readout, in
// [0, 1) after Squash. The square root is epsilon-guarded so gradients stay
// finite for zero-length capsules.
func Lengths(x *Node) *Node {
	if x.Rank() < 2 {
		Panicf("capsule.Lengths input must have rank >= 2 (last axis is the capsule dimension), got %s",
			x.Shape())
	}
	sqNorm := ReduceSum(Square(x), -1)
	return Sqrt(AddScalar(sqNorm, epsilonForDType(x.DType())))
}

// MaskByLabel selects the capsule vector indicated by a one-hot (or
// multi-hot) label, zeroing all other capsules, and flattens the result to
// `[batch, numCapsules*dimCapsule]` -- the decoder input.
//
// capsules must be shaped `[batch, numCapsules, dimCapsule]` and label
// `[batch, numCapsules]`. Used in training, where the ground truth chooses
// which capsule's pose feeds the reconstruction.
func MaskByLabel(capsules, label *Node) *Node {
	if capsules.Rank() != 3 {
		Panicf("capsule.MaskByLabel capsules must be rank-3 `[batch, numCapsules, dimCapsule]`, got %s",
			capsules.Shape())
	}
	batchSize := capsules.Shape().Dimensions[0]
	numCapsules := capsules.Shape().Dimensions[1]
	label.AssertDims(batchSize, numCapsules)
	mask := InsertAxes(ConvertDType(label, capsules.DType()), -1)
	return Reshape(Mul(capsules, mask), batchSize, -1)
}

// Mask is the label-free variant of MaskByLabel: it selects the capsule of
// maximum length, the network's own most confident class. Used at inference
// time, when the true label is unknown.
func Mask(capsules *Node) *Node {
	if capsules.Rank() != 3 {
		Panicf("capsule.Mask capsules must be rank-3 `[batch, numCapsules, dimCapsule]`, got %s",
			capsules.Shape())
	}
	numCapsules := capsules.Shape().Dimensions[1]
	lengths := Lengths(capsules)              // [batch, numCapsules]
	chosen := ArgMax(lengths, -1)             // [batch]
	label := OneHot(chosen, numCapsules, capsules.DType())
	return MaskByLabel(capsules, label)
}
