// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package capsule

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// Decoder reconstructs the input image from a masked capsule vector (see
// Mask and MaskByLabel), using a plain feed-forward network:
// dense(512, relu) → dense(1024, relu) → dense(H*W*C, sigmoid) → reshape.
//
// masked must be shaped `[batch, features]` and imageDims gives the target
// spatial shape without the batch axis, e.g. (28, 28, 1). The output is
// `[batch, imageDims...]` with values in (0, 1).
//
// The decoder parameters live under the "decoder" scope of ctx: building
// the decoder in several graphs with the same context shares one set of
// parameters, which is what allows training with label-masked input and
// reconstructing at inference with argmax-masked input.
func Decoder(ctx *context.Context, masked *Node, imageDims ...int) *Node {
	if masked.Rank() != 2 {
		Panicf("capsule.Decoder input must be rank-2 `[batch, features]` (a masked capsule layer), got %s",
			masked.Shape())
	}
	if len(imageDims) == 0 {
		Panicf("capsule.Decoder requires the target image dimensions, e.g. (28, 28, 1)")
	}
	numPixels := 1
	for _, dim := range imageDims {
		if dim < 1 {
			Panicf("capsule.Decoder image dimensions must be positive, got %v", imageDims)
		}
		numPixels *= dim
	}
	ctx = ctx.In("decoder")
	batchSize := masked.Shape().Dimensions[0]

	layerIdx := 0
	nextCtx := func(name string) *context.Context {
		newCtx := ctx.Inf("%03d_%s", layerIdx, name)
		layerIdx++
		return newCtx
	}

	hidden := layers.DenseWithBias(nextCtx("dense"), masked, 512)
	hidden = activations.Relu(hidden)
	hidden = layers.DenseWithBias(nextCtx("dense"), hidden, 1024)
	hidden = activations.Relu(hidden)
	pixels := layers.DenseWithBias(nextCtx("dense"), hidden, numPixels)
	pixels = Sigmoid(pixels)

	outputDims := append([]int{batchSize}, imageDims...)
	return Reshape(pixels, outputDims...)
}
