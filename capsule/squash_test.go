// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package capsule

import (
	"math"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/stretchr/testify/require"
)

func TestSquash(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	exec := MustNewExec(backend, Squash)

	x := [][]float32{
		{3, 4},
		{0, 0},
		{0.3, 0.4},
	}
	got := exec.Call(x)[0]
	require.NoError(t, got.Shape().CheckDims(3, 2))
	values := got.Value().([][]float32)

	// ||v||=5: squash scales it by (25/26)/5.
	scale := float32(25.0 / 26.0 / 5.0)
	require.InDelta(t, 3*scale, values[0][0], 1e-4)
	require.InDelta(t, 4*scale, values[0][1], 1e-4)

	// The zero vector maps exactly to zero, the epsilon guards the division.
	require.Equal(t, float32(0), values[1][0])
	require.Equal(t, float32(0), values[1][1])

	// ||v||=0.5: short vectors shrink towards zero.
	scale = float32(0.25 / 1.25 / 0.5)
	require.InDelta(t, 0.3*scale, values[2][0], 1e-4)
	require.InDelta(t, 0.4*scale, values[2][1], 1e-4)

	// Squashed vectors always have norm < 1 and keep their direction.
	for row, v := range values {
		norm := math.Sqrt(float64(v[0]*v[0] + v[1]*v[1]))
		require.Lessf(t, norm, 1.0, "squashed row %d must have norm < 1", row)
		require.GreaterOrEqual(t, v[0]*x[row][0]+v[1]*x[row][1], float32(0),
			"squash must not flip the vector direction")
	}
}

func TestSquashAxis(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	exec := MustNewExec(backend, func(x *Node) *Node {
		return SquashAxis(x, 1)
	})

	// Squashing over axis 1 of the transpose must match Squash over the
	// last axis.
	x := [][]float32{
		{3, 0},
		{4, 0},
	}
	got := exec.Call(x)[0].Value().([][]float32)
	scale := float32(25.0 / 26.0 / 5.0)
	require.InDelta(t, 3*scale, got[0][0], 1e-4)
	require.InDelta(t, 4*scale, got[1][0], 1e-4)
	require.Equal(t, float32(0), got[0][1])
	require.Equal(t, float32(0), got[1][1])
}
