// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package capsule

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/nn"
)

// RoutingBuilder holds the configuration of a Routing capsule layer.
// Create it with Routing, configure it and call Done.
type RoutingBuilder struct {
	ctx *context.Context
	x   *Node

	numCapsules, dimCapsule int
	numRoutings             int
}

// Routing builds a capsule layer connected to its input capsules by dynamic
// routing-by-agreement.
//
// Each input capsule i first casts a "prediction vector" û[i,j] for every
// output capsule j through a learned linear transformation (the only
// parameters of the layer). The routing loop then runs a fixed number of
// iterations: coupling coefficients are the softmax over output capsules of
// accumulated agreement logits, each output capsule is the squashed
// coupling-weighted sum of its predictions, and logits grow by the dot
// product between predictions and the current output. Input capsules whose
// predictions agree with an output capsule end up routing more of their
// vote to it.
//
// The input must be shaped `[batch, numInputCapsules, inputDimCapsule]`
// (see PrimaryCapsules); the output is
// `[batch, numCapsules, dimCapsule]`.
//
// It returns a builder object: configure it with NumCapsules, DimCapsule
// and Routings, and call Done. Invalid configurations panic immediately, at
// construction, so they cannot surface later mid-training.
func Routing(ctx *context.Context, x *Node) *RoutingBuilder {
	return &RoutingBuilder{
		ctx:         ctx,
		x:           x,
		numCapsules: 10,
		dimCapsule:  16,
		numRoutings: 3,
	}
}

// NumCapsules sets the number of output capsules. For a classification head
// this is the number of classes. It must be >= 1.
func (b *RoutingBuilder) NumCapsules(num int) *RoutingBuilder {
	if num < 1 {
		Panicf("capsule.Routing requires NumCapsules >= 1, got %d", num)
	}
	b.numCapsules = num
	return b
}

// DimCapsule sets the dimension of the output capsule vectors. It must
// be >= 1.
func (b *RoutingBuilder) DimCapsule(dim int) *RoutingBuilder {
	if dim < 1 {
		Panicf("capsule.Routing requires DimCapsule >= 1, got %d", dim)
	}
	b.dimCapsule = dim
	return b
}

// Routings sets the number of routing iterations. It must be >= 1: with a
// single iteration the zero-initialized logits yield uniform coupling and
// no agreement feedback ever happens.
func (b *RoutingBuilder) Routings(num int) *RoutingBuilder {
	if num < 1 {
		Panicf("capsule.Routing requires Routings >= 1, got %d", num)
	}
	b.numRoutings = num
	return b
}

// Done builds the routing layer and returns the output capsules, shaped
// `[batch, numCapsules, dimCapsule]`.
func (b *RoutingBuilder) Done() *Node {
	u := b.x
	if u.Rank() != 3 {
		Panicf("capsule.Routing input must be rank-3 `[batch, numInputCapsules, dimCapsule]`, got %s",
			u.Shape())
	}
	g := u.Graph()
	dtype := u.DType()
	batchSize := u.Shape().Dimensions[0]
	numIn := u.Shape().Dimensions[1]
	dimIn := u.Shape().Dimensions[2]
	ctx := b.ctx.In("routing")

	// Transformation weights W[i,j]: a linear map from input capsule space to
	// output capsule space, per (input, output) capsule pair. This is the
	// layer's only learned parameter.
	weightsVar := ctx.VariableWithShape("weights",
		shapes.Make(dtype, numIn, b.numCapsules, b.dimCapsule, dimIn))
	weights := weightsVar.ValueGraph(g)

	// Prediction vectors û[i,j] = W[i,j]·u[i], for all batch entries:
	// shaped [batch, numIn, numOut, dimOut].
	uHat := Einsum("bik,ijdk->bijd", u, weights)

	// The routing iterations only feed forward: gradients reach the weights
	// through the final iteration's output, not through the logit updates.
	uHatStopped := StopGradient(uHat)

	// Routing logits, zeroed at every forward pass. They are ephemeral
	// agreement accumulators, not parameters.
	logits := Zeros(g, shapes.Make(dtype, batchSize, numIn, b.numCapsules))

	var outputs *Node
	for it := range b.numRoutings {
		// Coupling coefficients: softmax over the *output* capsules, so each
		// input capsule distributes a total routing budget of 1 among all
		// output capsules.
		coupling := nn.Softmax(logits, -1) // [batch, numIn, numOut]

		lastIteration := it == b.numRoutings-1
		predictions := uHatStopped
		if lastIteration {
			predictions = uHat
		}
		weighted := Einsum("bij,bijd->bjd", coupling, predictions)
		outputs = Squash(weighted) // [batch, numOut, dimOut]

		if !lastIteration {
			// Agreement update: predictions aligned with the current output
			// get a larger coupling weight next iteration. Skipped on the
			// last iteration, where the logits would never be read again.
			agreement := Einsum("bijd,bjd->bij", uHatStopped, outputs)
			logits = Add(logits, agreement)
		}
	}
	outputs.AssertDims(batchSize, b.numCapsules, b.dimCapsule)
	return outputs
}
