// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package capsule

import (
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/stretchr/testify/require"
)

func TestLengths(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	exec := MustNewExec(backend, Lengths)

	capsules := [][][]float32{
		{{3, 4}, {0, 0}},
		{{1, 0}, {-1, -1}},
	}
	got := exec.Call(capsules)[0]
	require.NoError(t, got.Shape().CheckDims(2, 2))
	values := got.Value().([][]float32)
	require.InDelta(t, 5.0, values[0][0], 1e-4)
	require.InDelta(t, 0.0, values[0][1], 1e-3) // sqrt(epsilon), not exactly 0.
	require.InDelta(t, 1.0, values[1][0], 1e-4)
	require.InDelta(t, 1.4142, values[1][1], 1e-4)
}

func TestMaskByLabel(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	exec := MustNewExec(backend, MaskByLabel)

	capsules := [][][]float32{
		{{1, 2}, {3, 4}},
		{{5, 6}, {7, 8}},
	}
	label := [][]float32{
		{0, 1},
		{1, 0},
	}
	got := exec.Call(capsules, label)[0]
	require.NoError(t, got.Shape().CheckDims(2, 4))
	require.Equal(t, [][]float32{
		{0, 0, 3, 4},
		{5, 6, 0, 0},
	}, got.Value())
}

func TestMask(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	exec := MustNewExec(backend, Mask)

	// The longest capsule wins: capsule 1 in the first example, capsule 0 in
	// the second.
	capsules := [][][]float32{
		{{0.1, 0.1}, {0.5, 0.5}},
		{{-0.9, 0.0}, {0.2, 0.2}},
	}
	got := exec.Call(capsules)[0]
	require.NoError(t, got.Shape().CheckDims(2, 4))
	require.Equal(t, [][]float32{
		{0, 0, 0.5, 0.5},
		{-0.9, 0, 0, 0},
	}, got.Value())
}

// When the label points at the longest capsule, masking by label and
// masking by argmax produce identical outputs.
func TestMaskMatchesMaskByLabel(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	exec := MustNewExec(backend, func(capsules, label *Node) (*Node, *Node) {
		return Mask(capsules), MaskByLabel(capsules, label)
	})

	capsules := [][][]float32{
		{{0.1, 0.2}, {0.6, 0.3}},
	}
	label := [][]float32{{0, 1}}
	outputs := exec.Call(capsules, label)
	require.Equal(t, outputs[1].Value(), outputs[0].Value())
}
