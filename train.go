// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package capsnet

import (
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gomlx/ui/gonb/plotly"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"

	"github.com/gomlx/capsnet/capsule"
	"github.com/gomlx/capsnet/mnist"
)

// ParamsExcludedFromLoading is the list of parameters (see
// CreateDefaultContext) that shouldn't be loaded back from checkpoints, and
// may be overwritten in further training sessions.
var ParamsExcludedFromLoading = []string{
	"data_dir", "train_steps", "num_checkpoints", "plots",
}

// DType used in the model.
var DType = dtypes.Float32

// CreateDefaultContext sets the context with default hyperparameters to use
// with TrainModel.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.ResetRNGState()
	ctx.SetParams(map[string]any{
		"train_steps":     10_000,
		"num_checkpoints": 3,

		// batch_size for training.
		"batch_size": 64,

		// eval_batch_size can be larger than training, it's more efficient.
		"eval_batch_size": 200,

		// Fraction of the training set held out for validation during
		// training. Set to 0 to train on the full training set.
		"validation_ratio": 0.1,

		// Capsule network parameters. See the documentation of the
		// respective Param* constants.
		ParamNumClasses:           10,
		ParamRoutings:             3,
		ParamPrimaryChannels:      32,
		ParamDimPrimaryCapsule:    8,
		ParamDimDigitCapsule:      16,
		ParamReconstructionWeight: 0.392,

		// "plots" trigger generating intermediary eval data for plotting,
		// and if running in GoNB, to actually draw the plot with Plotly.
		plotly.ParamPlots: true,

		optimizers.ParamOptimizer:       "adam",
		optimizers.ParamLearningRate:    1e-3,
		optimizers.ParamAdamEpsilon:     1e-7,
		optimizers.ParamAdamDType:       "",
		cosineschedule.ParamPeriodSteps: 0,
	})
	return ctx
}

// createDatasets from the MNIST files in dataDir: an infinite shuffling
// training dataset plus finite evaluation datasets on the training split,
// the validation split (nil if "validation_ratio" is 0) and the test set.
func createDatasets(ctx *context.Context, dataDir string) (trainDS, trainEvalDS, validationEvalDS, testEvalDS train.Dataset) {
	batchSize := context.GetParamOr(ctx, "batch_size", int(0))
	if batchSize <= 0 {
		exceptions.Panicf("Batch size must be > 0 (maybe it was not set?): %d", batchSize)
	}
	evalBatchSize := context.GetParamOr(ctx, "eval_batch_size", int(0))
	if evalBatchSize <= 0 {
		evalBatchSize = batchSize
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	trainData := must.M1(mnist.NewDataset("train", dataDir, mnist.Train, batchSize, rng, DType))
	validationRatio := context.GetParamOr(ctx, "validation_ratio", 0.0)
	if validationRatio > 0 {
		var validationData *mnist.Dataset
		trainData, validationData = must.M2(trainData.Split("validation", validationRatio))
		validationEvalDS = datasets.Parallel(validationData.EvalCopy("validation-eval", evalBatchSize))
	}
	trainEvalDS = datasets.Parallel(trainData.EvalCopy("train-eval", evalBatchSize))
	trainDS = datasets.Parallel(trainData.Infinite(true))
	testEvalDS = datasets.Parallel(
		must.M1(mnist.NewDataset("test-eval", dataDir, mnist.Test, evalBatchSize, nil, DType)))
	return
}

// TrainModel with hyperparameters given in ctx.
func TrainModel(
	ctx *context.Context,
	dataDir, checkpointPath string,
	paramsSet []string,
	evaluateOnEnd bool,
	verbosity int,
) {
	// Data directory: dataset files and top-level directory holding
	// checkpoints for different models.
	dataDir = fsutil.MustReplaceTildeInDir(dataDir)
	if !fsutil.MustFileExists(dataDir) {
		must.M(os.MkdirAll(dataDir, 0777))
	}
	must.M(mnist.Download(dataDir))

	// Backend handles creation of ML computation graphs, accelerator
	// resources, etc.
	backend := backends.MustNew()
	if verbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	}

	trainDS, trainEvalDS, validationEvalDS, testEvalDS := createDatasets(ctx, dataDir)

	// Checkpoints saving.
	var checkpoint *checkpoints.Handler
	if checkpointPath != "" {
		numCheckpointsToKeep := context.GetParamOr(ctx, "num_checkpoints", 3)
		checkpoint = must.M1(checkpoints.Build(ctx).
			DirFromBase(checkpointPath, dataDir).
			Keep(numCheckpointsToKeep).
			ExcludeParams(append(paramsSet, ParamsExcludedFromLoading...)...).
			Done())
		fmt.Printf("Checkpoint: %q\n", checkpoint.Dir())
	}
	if verbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}

	// Metrics we are interested in.
	meanAccuracyMetric := NewMeanCategoricalAccuracy("Mean Accuracy", "#acc")
	movingAccuracyMetric := NewMovingAverageCategoricalAccuracy("Moving Average Accuracy", "~acc", 0.01)

	// Create a train.Trainer: this object will orchestrate running the
	// model, feeding results to the optimizer, evaluating the metrics, etc.
	// (all happens in trainer.TrainStep). The margin loss is the trainer
	// loss; the reconstruction loss is added by TrainModelGraph itself.
	trainer := train.NewTrainer(backend, ctx, TrainModelGraph,
		capsule.MarginLoss,
		optimizers.FromContext(ctx),
		[]metrics.Interface{movingAccuracyMetric}, // trainMetrics
		[]metrics.Interface{meanAccuracyMetric})   // evalMetrics

	// Use standard training loop.
	loop := train.NewLoop(trainer)
	if verbosity >= 0 {
		commandline.AttachProgressBar(loop) // Attaches a progress bar to the loop.
	}

	// Checkpoint saving: every 3 minutes of training.
	if checkpoint != nil {
		period := time.Minute * 3
		train.PeriodicCallback(loop, period, true, "saving checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}

	// Attach Plotly plots: plot points at exponential steps.
	// The points generated are saved along the checkpoint directory (if one
	// is given).
	plotDatasets := []train.Dataset{trainEvalDS, testEvalDS}
	if validationEvalDS != nil {
		plotDatasets = []train.Dataset{trainEvalDS, validationEvalDS, testEvalDS}
	}
	if context.GetParamOr(ctx, plotly.ParamPlots, false) {
		_ = plotly.New().
			WithCheckpoint(checkpoint).
			Dynamic().
			WithDatasets(plotDatasets...).
			ScheduleExponential(loop, 200, 1.2)
	}

	// Loop for given number of steps.
	numTrainSteps := context.GetParamOr(ctx, "train_steps", 0)
	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep > 0 {
		trainer.SetContext(ctx.Reuse())
	}
	if globalStep < numTrainSteps {
		_ = must.M1(loop.RunSteps(trainDS, numTrainSteps-globalStep))
		if verbosity >= 1 {
			fmt.Printf("\t[Step %d] median train step: %d microseconds\n",
				loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
		}
	} else {
		fmt.Printf("\t - target train_steps=%d already reached. To train further, set a number additional "+
			"to current global step.\n", numTrainSteps)
	}

	// Finally, print an evaluation on the datasets.
	if evaluateOnEnd {
		if verbosity >= 1 {
			fmt.Println()
		}
		must.M(commandline.ReportEval(trainer, plotDatasets...))
	}
}

var reportStyle = lipgloss.NewStyle().
	Border(lipgloss.NormalBorder()).
	Padding(1, 4, 1, 4).
	Width(60)

// Evaluate the model stored in checkpointPath on the MNIST test set, using
// the inference graph: no labels are fed, the decoder reconstructs the
// capsule the network itself finds most probable.
func Evaluate(ctx *context.Context, dataDir, checkpointPath string, verbosity int) {
	dataDir = fsutil.MustReplaceTildeInDir(dataDir)
	must.M(mnist.Download(dataDir))
	if checkpointPath == "" {
		exceptions.Panicf("evaluation requires a checkpoint with a trained model")
	}
	_ = must.M1(checkpoints.Build(ctx).
		DirFromBase(checkpointPath, dataDir).
		ExcludeParams(ParamsExcludedFromLoading...).
		Done())

	backend := backends.MustNew()
	evalBatchSize := context.GetParamOr(ctx, "eval_batch_size", 200)
	testEvalDS := datasets.Parallel(
		must.M1(mnist.NewDataset("test-eval", dataDir, mnist.Test, evalBatchSize, nil, DType)))

	meanAccuracyMetric := NewMeanCategoricalAccuracy("Mean Accuracy", "#acc")
	trainer := train.NewTrainer(backend, ctx.Reuse(), EvalModelGraph,
		capsule.MarginLoss,
		optimizers.FromContext(ctx),
		nil,
		[]metrics.Interface{meanAccuracyMetric})
	if verbosity >= 1 {
		fmt.Println(reportStyle.Render(fmt.Sprintf(
			"Evaluating checkpoint %q\nGlobal step %d, inference graph (argmax capsule masking)",
			checkpointPath, optimizers.GetGlobalStep(ctx))))
	}
	must.M(commandline.ReportEval(trainer, testEvalDS))
}
