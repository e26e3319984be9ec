// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package capsnet

import (
	"fmt"
	"image"
	"image/color"
	"path"

	"github.com/disintegration/imaging"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/janpfeifer/must"

	"github.com/gomlx/capsnet/mnist"
)

// Latent sweep range: each digit-capsule dimension is perturbed from
// ManipulateMin to ManipulateMax in steps of ManipulateStep, yielding one
// reconstruction per (dimension, perturbation) pair.
const (
	ManipulateMin  = -0.25
	ManipulateMax  = 0.25
	ManipulateStep = 0.05
)

// ManipulateDigit probes what each digit-capsule dimension encodes: it picks
// one test example of the given digit, runs the manipulation graph with each
// capsule dimension perturbed across the sweep range, and tiles the
// reconstructions into a grid image with one row per capsule dimension and
// one column per perturbation value.
//
// The grid is saved as a PNG under dataDir and its path returned. A trained
// checkpoint is required.
func ManipulateDigit(ctx *context.Context, dataDir, checkpointPath string, digit int, verbosity int) string {
	dataDir = fsutil.MustReplaceTildeInDir(dataDir)
	must.M(mnist.Download(dataDir))
	if digit < 0 || digit >= mnist.NumClasses {
		exceptions.Panicf("digit to manipulate must be in [0, %d), got %d", mnist.NumClasses, digit)
	}
	if checkpointPath == "" {
		exceptions.Panicf("manipulation requires a checkpoint with a trained model")
	}
	_ = must.M1(checkpoints.Build(ctx).
		DirFromBase(checkpointPath, dataDir).
		ExcludeParams(ParamsExcludedFromLoading...).
		Done())
	backend := backends.MustNew()

	// Pick one test example of the requested digit.
	testData := must.M1(mnist.NewDataset("manipulate", dataDir, mnist.Test, 1, nil, DType))
	positions := testData.ExamplesForDigit(mnist.Label(digit), 1)
	if len(positions) == 0 {
		exceptions.Panicf("no test example found for digit %d", digit)
	}
	img, _ := testData.ExampleImage(positions[0])
	imagesT := must.M1(timage.ToTensor(DType).MaxValue(255.0).Batch([]image.Image{img}))

	numClasses := context.GetParamOr(ctx, ParamNumClasses, 10)
	dimDigit := context.GetParamOr(ctx, ParamDimDigitCapsule, 16)
	labelsFlat := make([]float32, numClasses)
	labelsFlat[digit] = 1
	labelsT := tensors.FromFlatDataAndDimensions(labelsFlat, 1, numClasses)

	exec := context.MustNewExec(backend, ctx.Reuse(), ManipulateModelGraph)

	numSteps := int((ManipulateMax-ManipulateMin)/ManipulateStep + 1.5)
	grid := imaging.New(numSteps*mnist.Width, dimDigit*mnist.Height, color.Black)
	for dim := range dimDigit {
		for step := range numSteps {
			value := ManipulateMin + float64(step)*ManipulateStep
			noiseFlat := make([]float32, numClasses*dimDigit)
			noiseFlat[digit*dimDigit+dim] = float32(value)
			noiseT := tensors.FromFlatDataAndDimensions(noiseFlat, 1, numClasses, dimDigit)
			reconstruction := exec.Call(imagesT, labelsT, noiseT)[0]
			tile := timage.ToImage().MaxValue(1.0).Batch(reconstruction)[0]
			grid = imaging.Paste(grid, tile, image.Pt(step*mnist.Width, dim*mnist.Height))
		}
	}

	outputPath := path.Join(dataDir, fmt.Sprintf("manipulate-%d.png", digit))
	must.M(imaging.Save(grid, outputPath))
	if verbosity >= 0 {
		fmt.Println(reportStyle.Render(fmt.Sprintf(
			"Latent sweep for digit %d\nRows: %d capsule dimensions, columns: perturbations %g to %g\nSaved to %q",
			digit, dimDigit, float64(ManipulateMin), float64(ManipulateMax), outputPath)))
	}
	return outputPath
}
