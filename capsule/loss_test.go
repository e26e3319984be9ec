// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package capsule

import (
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/stretchr/testify/require"
)

func TestMarginLoss(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	exec := MustNewExec(backend, func(y, lengths *Node) *Node {
		return MarginLoss([]*Node{y}, []*Node{lengths})
	})

	y := [][]float32{
		{1, 0},
		{1, 0},
		{0, 1},
	}
	lengths := [][]float32{
		{0.95, 0.05}, // Satisfies both margins: zero loss.
		{0.9, 0.1},   // Exactly at the margins: still zero loss.
		{0.9, 0.1},   // Fully wrong and confident.
	}
	got := exec.Call(y, lengths)[0]
	require.NoError(t, got.Shape().CheckDims(3))
	values := got.Value().([]float32)
	require.InDelta(t, 0.0, values[0], 1e-6)
	require.InDelta(t, 0.0, values[1], 1e-6)
	// (0.9-0.1)² + 0.5·(0.9-0.1)² = 0.64 + 0.32
	require.InDelta(t, 0.96, values[2], 1e-5)
}

// The margin loss is well-defined for multi-hot labels: each positive class
// contributes its own margin term.
func TestMarginLossMultiHot(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	exec := MustNewExec(backend, func(y, lengths *Node) *Node {
		return MarginLoss([]*Node{y}, []*Node{lengths})
	})

	y := [][]float32{{1, 1, 0}}
	lengths := [][]float32{{0.9, 0.4, 0.1}}
	// Class 0 and 2 satisfy their margins; class 1 misses the positive
	// margin by 0.5.
	got := exec.Call(y, lengths)[0].Value().([]float32)
	require.InDelta(t, 0.25, got[0], 1e-5)
}

func TestMarginLossWeights(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	exec := MustNewExec(backend, func(y, lengths, weights *Node) *Node {
		return MarginLoss([]*Node{y, weights}, []*Node{lengths})
	})

	y := [][]float32{
		{1, 0},
		{1, 0},
	}
	lengths := [][]float32{
		{0.4, 0.1},
		{0.4, 0.1},
	}
	weights := []float32{1, 2}
	got := exec.Call(y, lengths, weights)[0].Value().([]float32)
	require.InDelta(t, 0.25, got[0], 1e-5)
	require.InDelta(t, 0.50, got[1], 1e-5)
}

// The loss never decreases as the true class length drops below the
// positive margin, nor as a false class length rises above the negative
// margin.
func TestMarginLossMonotonic(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	exec := MustNewExec(backend, func(y, lengths *Node) *Node {
		return MarginLoss([]*Node{y}, []*Node{lengths})
	})

	y := [][]float32{{1, 0}}
	previous := float32(-1)
	for _, trueLength := range []float32{0.9, 0.7, 0.5, 0.3, 0.1, 0} {
		loss := exec.Call(y, [][]float32{{trueLength, 0}})[0].Value().([]float32)[0]
		require.GreaterOrEqual(t, loss, previous)
		previous = loss
	}
	previous = -1
	for _, falseLength := range []float32{0.1, 0.3, 0.5, 0.7, 0.9, 1} {
		loss := exec.Call(y, [][]float32{{0.9, falseLength}})[0].Value().([]float32)[0]
		require.GreaterOrEqual(t, loss, previous)
		previous = loss
	}
}

func TestReconstructionLoss(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	exec := MustNewExec(backend, ReconstructionLoss)

	images := [][]float32{{0, 1, 0, 1}}
	reconstruction := [][]float32{{0.5, 0.5, 0, 1}}
	got := exec.Call(images, reconstruction)[0]
	require.True(t, got.Shape().IsScalar())
	require.InDelta(t, 0.125, got.Value().(float32), 1e-6)
}
