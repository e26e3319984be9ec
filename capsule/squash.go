// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package capsule implements the building blocks of Capsule Networks
// (CapsNet, from "Dynamic Routing Between Capsules", Sabour et al. 2017)
// on top of GoMLX computation graphs.
//
// A capsule is a vector of activations: its length encodes the probability
// that an entity is present, and its orientation encodes the entity's pose.
// The package provides the squashing non-linearity (Squash), the promotion
// of a convolutional feature map to capsules (PrimaryCapsules), the
// routing-by-agreement capsule layer (Routing), the length/masking readouts
// (Lengths, Mask, MaskByLabel), the reconstruction decoder (Decoder) and the
// margin loss (MarginLoss).
//
// All functions are plain graph transformations: learned parameters are
// variables created on the given context scope, so separate graphs built
// with the same context (and scope) share parameters.
package capsule

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gopjrt/dtypes"
)

// Epsilon values added inside the square-roots of Squash and Lengths, so
// both stay finite and differentiable at zero-length capsules.
const (
	Epsilon16 = 1e-4
	Epsilon32 = 1e-7
	Epsilon64 = 1e-8
)

func epsilonForDType(dtype dtypes.DType) float64 {
	switch dtype {
	case dtypes.Float64:
		return Epsilon64
	case dtypes.Float32:
		return Epsilon32
	case dtypes.Float16, dtypes.BFloat16:
		return Epsilon16
	default:
		Panicf("no epsilon value defined for dtype %s", dtype)
	}
	return 0 // Never reached.
}

// Squash applies the capsule squashing non-linearity along the last axis:
//
//	Squash(v) = ‖v‖² / (1 + ‖v‖²) * v / ‖v‖
//
// It preserves the direction of each capsule vector while compressing its
// length into [0, 1). Zero vectors map to zero vectors.
func Squash(x *Node) *Node {
	return SquashAxis(x, -1)
}

// SquashAxis is like Squash, but squashes the vectors laid out along the
// given axis. A negative axis counts from the end, as usual.
func SquashAxis(x *Node, axis int) *Node {
	if !x.DType().IsFloat() {
		Panicf("capsule.Squash requires a float input, got %s", x.Shape())
	}
	sqNorm := ReduceAndKeep(Square(x), ReduceSum, axis)
	scale := Div(sqNorm, OnePlus(sqNorm))
	norm := Sqrt(AddScalar(sqNorm, epsilonForDType(x.DType())))
	return Mul(scale, Div(x, norm))
}
