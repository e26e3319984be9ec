// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package capsnet

import (
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/capsnet/mnist"
)

func testImagesAndLabels(batchSize int) (images, labels *tensors.Tensor) {
	imagesFlat := make([]float32, batchSize*mnist.Width*mnist.Height)
	for ii := range imagesFlat {
		imagesFlat[ii] = float32(ii%17) / 16.0
	}
	images = tensors.FromFlatDataAndDimensions(imagesFlat, batchSize, mnist.Height, mnist.Width, 1)

	labelsFlat := make([]float32, batchSize*mnist.NumClasses)
	for ii := range batchSize {
		labelsFlat[ii*mnist.NumClasses+ii%mnist.NumClasses] = 1
	}
	labels = tensors.FromFlatDataAndDimensions(labelsFlat, batchSize, mnist.NumClasses)
	return
}

func TestModelGraphs(t *testing.T) {
	if testing.Short() {
		t.Skip("model graph test runs the full network, skipping for --short")
	}
	backend := graphtest.BuildTestBackend()
	ctx := CreateDefaultContext()
	const batchSize = 2
	images, labels := testImagesAndLabels(batchSize)

	trainExec := context.MustNewExec(backend, ctx, func(ctx *context.Context, images, labels *Node) []*Node {
		return TrainModelGraph(ctx, nil, []*Node{images, labels})
	})
	outputs := trainExec.Call(images, labels)
	require.Len(t, outputs, 2)
	lengths, reconstruction := outputs[0], outputs[1]
	require.NoError(t, lengths.Shape().CheckDims(batchSize, mnist.NumClasses))
	require.NoError(t, reconstruction.Shape().CheckDims(batchSize, mnist.Height, mnist.Width, 1))

	// Capsule lengths are squashed norms, so probabilities in [0, 1); the
	// sigmoid keeps reconstructed pixels in (0, 1).
	for _, v := range lengths.Value().([][]float32) {
		for _, length := range v {
			require.GreaterOrEqual(t, length, float32(0))
			require.Less(t, length, float32(1))
		}
	}
	tensors.MustConstFlatData[float32](reconstruction, func(pixels []float32) {
		for _, p := range pixels {
			require.Greater(t, p, float32(0))
			require.Less(t, p, float32(1))
		}
	})

	// The conv stem reduces 28x28 to 20x20, the primary capsules to 6x6, so
	// routing sees 6*6*32 input capsules of dimension 8.
	weightsVar := ctx.GetVariableByScopeAndName("/model/digit_caps/routing", "weights")
	require.NotNil(t, weightsVar)
	require.NoError(t, weightsVar.Shape().CheckDims(6*6*32, 10, 16, 8))

	// The inference graph shares all parameters with the training graph.
	evalExec := context.MustNewExec(backend, ctx.Reuse(), func(ctx *context.Context, images *Node) []*Node {
		return EvalModelGraph(ctx, nil, []*Node{images})
	})
	evalOutputs := evalExec.Call(images)
	require.Len(t, evalOutputs, 2)
	require.NoError(t, evalOutputs[0].Shape().CheckDims(batchSize, mnist.NumClasses))
	require.NoError(t, evalOutputs[1].Shape().CheckDims(batchSize, mnist.Height, mnist.Width, 1))

	// Both graphs compute the same capsule lengths from the same weights.
	require.InDeltaSlice(t,
		tensors.CopyFlatData[float32](lengths),
		tensors.CopyFlatData[float32](evalOutputs[0]), 1e-5)

	// Classify agrees with the argmax over the eval graph's lengths.
	predictions := Classify(backend, ctx, images)
	require.Len(t, predictions, batchSize)
	evalLengths := evalOutputs[0].Value().([][]float32)
	for ii, predicted := range predictions {
		best := 0
		for class, length := range evalLengths[ii] {
			if length > evalLengths[ii][best] {
				best = class
			}
		}
		require.Equal(t, int32(best), predicted)
	}

	// Manipulating with zero noise and the true label reconstructs exactly
	// like the training graph.
	manipulateExec := context.MustNewExec(backend, ctx.Reuse(), ManipulateModelGraph)
	noise := tensors.FromFlatDataAndDimensions(
		make([]float32, batchSize*mnist.NumClasses*16),
		batchSize, mnist.NumClasses, 16)
	manipulated := manipulateExec.Call(images, labels, noise)[0]
	require.NoError(t, manipulated.Shape().CheckDims(batchSize, mnist.Height, mnist.Width, 1))
	require.InDeltaSlice(t,
		tensors.CopyFlatData[float32](reconstruction),
		tensors.CopyFlatData[float32](manipulated), 1e-5)
}

func TestCategoricalAccuracyGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	exec := MustNewExec(backend, func(labels, lengths *Node) *Node {
		return CategoricalAccuracyGraph(nil, []*Node{labels}, []*Node{lengths})
	})

	labels := [][]float32{
		{1, 0, 0},
		{0, 1, 0},
		{0, 0, 1},
		{0, 0, 1},
	}
	lengths := [][]float32{
		{0.9, 0.2, 0.1}, // Correct.
		{0.3, 0.8, 0.2}, // Correct.
		{0.7, 0.2, 0.3}, // Wrong.
		{0.1, 0.2, 0.9}, // Correct.
	}
	got := exec.Call(labels, lengths)[0]
	require.InDelta(t, 0.75, got.Value().(float32), 1e-6)
}
