// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package capsnet assembles a Capsule Network ("Dynamic Routing Between
// Capsules", Sabour et al. 2017) for image classification with
// reconstruction, using the layers from github.com/gomlx/capsnet/capsule.
//
// Three computation graphs are built from the same context, so they share
// every parameter (conv stem, routing transformation weights, decoder):
//
//   - TrainModelGraph: (image, one-hot label) → (capsule lengths,
//     reconstruction of the label-selected capsule). Adds the weighted
//     reconstruction loss to the training objective.
//   - EvalModelGraph: (image) → (capsule lengths, reconstruction of the
//     most confident capsule).
//   - ManipulateModelGraph: (image, label, noise) → reconstruction of the
//     noise-perturbed, label-selected capsule, for probing what each
//     capsule dimension encodes.
package capsnet

import (
	"github.com/gomlx/capsnet/capsule"
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gopjrt/dtypes"
)

// Hyperparameter names used from the context. See CreateDefaultContext for
// the default values.
const (
	// ParamNumClasses is the number of classes, and hence of digit capsules.
	ParamNumClasses = "num_classes"

	// ParamRoutings is the number of routing iterations, >= 1.
	ParamRoutings = "routings"

	// ParamPrimaryChannels is the number of primary capsule channels.
	ParamPrimaryChannels = "primary_channels"

	// ParamDimPrimaryCapsule is the dimension of primary capsule vectors.
	ParamDimPrimaryCapsule = "dim_primary_capsule"

	// ParamDimDigitCapsule is the dimension of digit (class) capsule vectors.
	ParamDimDigitCapsule = "dim_digit_capsule"

	// ParamReconstructionWeight is the λ scaling the reconstruction loss
	// against the margin loss. The reference value 0.392 is 0.0005 per pixel
	// of a 28x28 image.
	ParamReconstructionWeight = "lambda_recon"
)

// DigitCapsGraph builds the shared trunk of all graphs: a conventional
// 9x9 convolution stem, the primary capsule extraction and the dynamic
// routing layer. It returns the digit capsules, shaped
// `[batch, numClasses, dimDigitCapsule]`.
func DigitCapsGraph(ctx *context.Context, images *Node) *Node {
	if images.Rank() != 4 {
		Panicf("capsnet: images must be shaped `[batch, height, width, channels]`, got %s", images.Shape())
	}
	numClasses := context.GetParamOr(ctx, ParamNumClasses, 10)
	routings := context.GetParamOr(ctx, ParamRoutings, 3)
	primaryChannels := context.GetParamOr(ctx, ParamPrimaryChannels, 32)
	dimPrimary := context.GetParamOr(ctx, ParamDimPrimaryCapsule, 8)
	dimDigit := context.GetParamOr(ctx, ParamDimDigitCapsule, 16)

	conv1 := layers.Convolution(ctx.In("conv1"), images).
		Channels(256).KernelSize(9).Strides(1).NoPadding().Done()
	conv1 = activations.Relu(conv1)

	primaryCaps := capsule.PrimaryCapsules(ctx, conv1).
		Channels(primaryChannels).
		DimCapsule(dimPrimary).
		KernelSize(9).
		Strides(2).
		Done()

	return capsule.Routing(ctx.In("digit_caps"), primaryCaps).
		NumCapsules(numClasses).
		DimCapsule(dimDigit).
		Routings(routings).
		Done()
}

// TrainModelGraph implements train.ModelFn for training. inputs must hold
// the images `[batch, height, width, channels]` and the one-hot labels
// `[batch, numClasses]` -- the label both masks the capsule fed to the
// decoder and (via the dataset labels) drives the margin loss.
//
// It returns `[lengths, reconstruction]` and, when building a training
// graph, adds the λ-weighted reconstruction loss with train.AddLoss; the
// margin loss over the lengths is supplied separately (capsule.MarginLoss).
func TrainModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	if len(inputs) != 2 {
		Panicf("capsnet.TrainModelGraph requires inputs (images, one-hot labels), got %d inputs", len(inputs))
	}
	ctx = ctx.In("model")
	images, labels := inputs[0], inputs[1]

	digitCaps := DigitCapsGraph(ctx, images)
	lengths := capsule.Lengths(digitCaps)
	masked := capsule.MaskByLabel(digitCaps, labels)
	reconstruction := capsule.Decoder(ctx, masked, images.Shape().Dimensions[1:]...)

	if ctx.IsTraining() {
		lambda := context.GetParamOr(ctx, ParamReconstructionWeight, 0.392)
		if lambda > 0 {
			reconLoss := capsule.ReconstructionLoss(images, reconstruction)
			train.AddLoss(ctx, MulScalar(reconLoss, lambda))
		}
	}
	return []*Node{lengths, reconstruction}
}

// EvalModelGraph implements train.ModelFn for evaluation and inference:
// only the images are given, and the decoder reconstructs the capsule the
// network itself finds most probable.
func EvalModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	if len(inputs) < 1 {
		Panicf("capsnet.EvalModelGraph requires the images as input")
	}
	ctx = ctx.In("model")
	images := inputs[0]

	digitCaps := DigitCapsGraph(ctx, images)
	lengths := capsule.Lengths(digitCaps)
	masked := capsule.Mask(digitCaps)
	reconstruction := capsule.Decoder(ctx, masked, images.Shape().Dimensions[1:]...)
	return []*Node{lengths, reconstruction}
}

// Classify runs the inference graph on a batch of images, shaped
// `[batch, height, width, channels]`, and returns the class of the longest
// capsule per example. The context must hold trained model parameters.
func Classify(backend backends.Backend, ctx *context.Context, images *tensors.Tensor) []int32 {
	exec := context.MustNewExec(backend, ctx.Reuse(), func(ctx *context.Context, images *Node) *Node {
		lengths := EvalModelGraph(ctx, nil, []*Node{images})[0]
		return ArgMax(lengths, -1, dtypes.Int32)
	})
	return tensors.CopyFlatData[int32](exec.Call(images)[0])
}

// ManipulateModelGraph builds the latent-manipulation graph: the noise
// tensor `[batch, numClasses, dimDigitCapsule]` is added to the digit
// capsules before label-masking and decoding, so sweeping one noise
// dimension shows what that capsule dimension encodes.
func ManipulateModelGraph(ctx *context.Context, images, labels, noise *Node) *Node {
	ctx = ctx.In("model")
	digitCaps := DigitCapsGraph(ctx, images)
	noise.AssertDims(digitCaps.Shape().Dimensions...)
	noised := Add(digitCaps, noise)
	masked := capsule.MaskByLabel(noised, labels)
	return capsule.Decoder(ctx, masked, images.Shape().Dimensions[1:]...)
}
