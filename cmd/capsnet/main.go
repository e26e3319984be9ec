// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Capsule network demo trainer on MNIST: dynamic routing between capsules,
// margin loss and a reconstruction decoder, after Sabour et al. 2017.
//
// Run it in 4 different ways:
//
//   - Download the dataset files only: capsnet --download
//   - Train (the default), saving checkpoints: capsnet --checkpoint=base
//   - Evaluate a checkpoint on the test set: capsnet --test --checkpoint=base
//   - Render the latent sweep grid of a digit: capsnet --manipulate=5 --checkpoint=base
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/gomlx/capsnet"
	"github.com/gomlx/capsnet/mnist"

	_ "github.com/gomlx/gomlx/backends/xla"
)

var (
	flagDataDir    = flag.String("data", "~/work/capsnet", "Directory to cache downloaded dataset files, checkpoints and generated images.")
	flagCheckpoint = flag.String("checkpoint", "", "Directory to save and load checkpoints from, relative to --data if not absolute. If left empty, no checkpoints are created.")
	flagDownload   = flag.Bool("download", false, "Only download the MNIST files and exit.")
	flagTest       = flag.Bool("test", false, "Skip training and evaluate the checkpoint on the test set, using the inference graph.")
	flagManipulate = flag.Int("manipulate", -1, "Render the latent sweep grid for the given digit (0 to 9) instead of training. Requires --checkpoint.")
	flagEval       = flag.Bool("eval", true, "Whether to evaluate the model on the datasets after training.")
	flagVerbosity  = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")
)

func main() {
	ctx := capsnet.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))

	*flagDataDir = fsutil.MustReplaceTildeInDir(*flagDataDir)
	if !fsutil.MustFileExists(*flagDataDir) {
		must.M(os.MkdirAll(*flagDataDir, 0777))
	}

	err := exceptions.TryCatch[error](func() {
		switch {
		case *flagDownload:
			must.M(mnist.Download(*flagDataDir))
			fmt.Printf("MNIST files downloaded to %q\n", *flagDataDir)
		case *flagManipulate >= 0:
			capsnet.ManipulateDigit(ctx, *flagDataDir, *flagCheckpoint, *flagManipulate, *flagVerbosity)
		case *flagTest:
			capsnet.Evaluate(ctx, *flagDataDir, *flagCheckpoint, *flagVerbosity)
		default:
			capsnet.TrainModel(ctx, *flagDataDir, *flagCheckpoint, paramsSet, *flagEval, *flagVerbosity)
		}
	})
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}
