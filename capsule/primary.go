// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package capsule

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

// PrimaryCapsulesBuilder holds the configuration of a PrimaryCapsules layer.
// Create it with PrimaryCapsules, configure it and call Done.
type PrimaryCapsulesBuilder struct {
	ctx *context.Context
	x   *Node

	numChannels, dimCapsule int
	kernelSize, strides     int
	padSame                 bool
}

// PrimaryCapsules converts a convolutional feature map into capsule vectors:
// a single Conv2D producing numChannels*dimCapsule feature maps, reshaped to
// `[batch, numCapsules, dimCapsule]` and squashed. There is no routing here,
// it is the cheapest possible promotion of scalar features to capsule form.
//
// x must be shaped `[batch, height, width, channels]` (channels last).
//
// It returns a builder object: set the capsule geometry with Channels and
// DimCapsule, the convolution with KernelSize and Strides, and call Done.
// Defaults follow the MNIST CapsNet: 32 channels of 8-dimensional capsules,
// kernel size 9, strides 2, no padding.
func PrimaryCapsules(ctx *context.Context, x *Node) *PrimaryCapsulesBuilder {
	return &PrimaryCapsulesBuilder{
		ctx:         ctx,
		x:           x,
		numChannels: 32,
		dimCapsule:  8,
		kernelSize:  9,
		strides:     2,
	}
}

// Channels sets the number of primary capsule channels: each channel yields
// one capsule per output spatial position.
func (b *PrimaryCapsulesBuilder) Channels(numChannels int) *PrimaryCapsulesBuilder {
	b.numChannels = numChannels
	return b
}

// DimCapsule sets the dimension of each primary capsule vector.
func (b *PrimaryCapsulesBuilder) DimCapsule(dim int) *PrimaryCapsulesBuilder {
	b.dimCapsule = dim
	return b
}

// KernelSize sets the size of the square convolution kernel.
func (b *PrimaryCapsulesBuilder) KernelSize(size int) *PrimaryCapsulesBuilder {
	b.kernelSize = size
	return b
}

// Strides sets the convolution strides in both spatial dimensions.
func (b *PrimaryCapsulesBuilder) Strides(strides int) *PrimaryCapsulesBuilder {
	b.strides = strides
	return b
}

// PadSame pads the convolution such that the spatial shape is preserved
// (before strides). The default is a valid (un-padded) convolution.
func (b *PrimaryCapsulesBuilder) PadSame() *PrimaryCapsulesBuilder {
	b.padSame = true
	return b
}

// Done builds the layer and returns the capsules, shaped
// `[batch, numCapsules, dimCapsule]`, where
// numCapsules = outputHeight * outputWidth * numChannels.
func (b *PrimaryCapsulesBuilder) Done() *Node {
	if b.numChannels < 1 || b.dimCapsule < 1 {
		Panicf("capsule.PrimaryCapsules requires Channels >= 1 and DimCapsule >= 1, got %d and %d",
			b.numChannels, b.dimCapsule)
	}
	if b.x.Rank() != 4 {
		Panicf("capsule.PrimaryCapsules input must be rank-4 `[batch, height, width, channels]`, got %s",
			b.x.Shape())
	}
	ctx := b.ctx.In("primary_capsules")
	conv := layers.Convolution(ctx, b.x).
		Channels(b.numChannels * b.dimCapsule).
		KernelSize(b.kernelSize).
		Strides(b.strides)
	if b.padSame {
		conv.PadSame()
	} else {
		conv.NoPadding()
	}
	features := conv.Done() // [batch, outH, outW, numChannels*dimCapsule]
	batchSize := features.Shape().Dimensions[0]
	capsules := Reshape(features, batchSize, -1, b.dimCapsule)
	return Squash(capsules)
}
