// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package mnist loads the MNIST database of handwritten digits as batches
// ready for capsule network training.
//
// Different from a plain classification dataset, each batch yields the
// one-hot labels twice: once among the inputs -- the training graph needs
// the label to mask the capsule fed to the reconstruction decoder -- and
// once as the labels driving the margin loss and metrics.
package mnist

import (
	"compress/gzip"
	"encoding/binary"
	"image"
	"image/color"
	"io"
	"math/rand"
	"net/url"
	"os"
	"path"

	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

const (
	downloadURL         = "https://storage.googleapis.com/cvdf-datasets/mnist"
	trainImagesFilename = "train-images-idx3-ubyte.gz"
	trainLabelsFilename = "train-labels-idx1-ubyte.gz"
	testImagesFilename  = "t10k-images-idx3-ubyte.gz"
	testLabelsFilename  = "t10k-labels-idx1-ubyte.gz"

	// Width and Height of every MNIST image. Images have one (gray) channel.
	Width  = 28
	Height = 28

	// NumClasses is the number of digit classes.
	NumClasses = 10

	imageMagic = 0x00000803
	labelMagic = 0x00000801
)

// Mode selects between the original MNIST train and test files.
type Mode int

const (
	Train Mode = iota
	Test
)

var modeFiles = map[Mode][2]string{
	Train: {trainImagesFilename, trainLabelsFilename},
	Test:  {testImagesFilename, testLabelsFilename},
}

// Image is one MNIST digit: a gray-scale image of Width x Height bytes,
// 0 is background (black) and 255 the digit color (white).
type Image [Width * Height]byte

// Label is the digit label, from 0 to 9.
type Label = int8

// ColorModel implements the image.Image interface.
func (img Image) ColorModel() color.Model { return color.GrayModel }

// Bounds implements the image.Image interface.
func (img Image) Bounds() image.Rectangle {
	return image.Rect(0, 0, Width, Height)
}

// At implements the image.Image interface.
func (img Image) At(x, y int) color.Color {
	return color.Gray{Y: img[y*Width+x]}
}

var _ image.Image = Image{}

// Download fetches the MNIST files to baseDir, if not yet there.
func Download(baseDir string) error {
	baseDir = data.ReplaceTildeInDir(baseDir)
	for _, file := range []string{trainImagesFilename, trainLabelsFilename, testImagesFilename, testLabelsFilename} {
		fileURL, _ := url.JoinPath(downloadURL, file)
		filePath := path.Join(baseDir, file)
		if err := data.DownloadIfMissing(fileURL, filePath, ""); err != nil {
			return errors.WithMessagef(err, "failed to download %q", fileURL)
		}
	}
	return nil
}

// Dataset implements train.Dataset over the MNIST images, yielding batches
// of (images, one-hot labels) inputs and (one-hot labels) labels.
type Dataset struct {
	name      string
	images    []Image
	labels    []Label
	indices   []int
	batchSize int
	shuffle   *rand.Rand
	position  int
	infinite  bool
	dtype     dtypes.DType
	toTensor  *timage.ToTensorConfig
}

var _ train.Dataset = (*Dataset)(nil)

// NewDataset creates a Dataset from the MNIST files in baseDir (see
// Download), with the given mode (Train or Test) and batch size.
//
// If shuffle is non-nil batches are sampled in a different random order at
// every epoch. dtype is the dtype images are converted to, with values
// scaled to [0, 1]; labels are always one-hot Float32.
func NewDataset(name, baseDir string, mode Mode, batchSize int, shuffle *rand.Rand, dtype dtypes.DType) (*Dataset, error) {
	if batchSize < 1 {
		return nil, errors.Errorf("batch size for dataset %q must be >= 1, got %d", name, batchSize)
	}
	baseDir = data.ReplaceTildeInDir(baseDir)
	files := modeFiles[mode]
	images, err := loadImagesFile(path.Join(baseDir, files[0]))
	if err != nil {
		return nil, err
	}
	labels, err := loadLabelsFile(path.Join(baseDir, files[1]))
	if err != nil {
		return nil, err
	}
	if len(images) != len(labels) {
		return nil, errors.Errorf("mnist %q: %d images but %d labels", name, len(images), len(labels))
	}
	ds := &Dataset{
		name:      name,
		images:    images,
		labels:    labels,
		indices:   iotaSlice(len(images)),
		batchSize: batchSize,
		shuffle:   shuffle,
		dtype:     dtype,
		toTensor:  timage.ToTensor(dtype).MaxValue(255.0),
	}
	ds.Reset()
	return ds, nil
}

// Split carves a validation set out of the dataset: ratio (in (0, 1)) of
// the examples go to the validation dataset, the rest stays with the
// returned training dataset. Both share the backing data. The split is
// taken over the current index order, so pass a shuffling dataset if you
// want a random split.
func (ds *Dataset) Split(name string, ratio float64) (rest, split *Dataset, err error) {
	if ratio <= 0 || ratio >= 1 {
		return nil, nil, errors.Errorf("split ratio must be in (0, 1), got %g", ratio)
	}
	splitSize := int(float64(len(ds.indices)) * ratio)
	if splitSize == 0 || splitSize == len(ds.indices) {
		return nil, nil, errors.Errorf("split ratio %g leaves one of the datasets empty (%d examples)",
			ratio, len(ds.indices))
	}
	rest = ds.shallowCopy(ds.name, ds.indices[splitSize:])
	split = ds.shallowCopy(name, ds.indices[:splitSize])
	return
}

// EvalCopy returns a finite, non-shuffling dataset over the same examples,
// with its own batch size. The index order is copied, so the original can
// keep reshuffling while the copy is iterated concurrently.
func (ds *Dataset) EvalCopy(name string, batchSize int) *Dataset {
	newDS := ds.shallowCopy(name, append([]int(nil), ds.indices...))
	newDS.batchSize = batchSize
	newDS.shuffle = nil
	newDS.infinite = false
	return newDS
}

func (ds *Dataset) shallowCopy(name string, indices []int) *Dataset {
	newDS := &Dataset{}
	*newDS = *ds
	newDS.name = name
	newDS.indices = indices
	newDS.position = 0
	return newDS
}

// Infinite sets whether the dataset loops forever, reshuffling at the end
// of each epoch, instead of reporting io.EOF. Use it for the training
// dataset with train.Loop.RunSteps. It returns the modified dataset.
func (ds *Dataset) Infinite(infinite bool) *Dataset {
	ds.infinite = infinite
	return ds
}

// NumExamples in this dataset (after any Split).
func (ds *Dataset) NumExamples() int { return len(ds.indices) }

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// Reset implements train.Dataset: it restarts the epoch, reshuffling if
// the dataset was created with a shuffle.
func (ds *Dataset) Reset() {
	ds.position = 0
	if ds.shuffle != nil {
		ds.shuffle.Shuffle(len(ds.indices), func(i, j int) {
			ds.indices[i], ds.indices[j] = ds.indices[j], ds.indices[i]
		})
	}
}

// Yield implements train.Dataset. It returns:
//
//   - spec: nil, the dataset always yields the same types.
//   - inputs: the images batch `[batch, 28, 28, 1]` and the one-hot labels
//     `[batch, 10]` (the model masks capsules with them during training).
//   - labels: the same one-hot labels tensor, for the loss and metrics.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	if ds.position >= len(ds.indices) {
		if !ds.infinite {
			return nil, nil, nil, io.EOF
		}
		ds.Reset()
	}
	start := ds.position
	end := start + ds.batchSize
	if end > len(ds.indices) {
		end = len(ds.indices)
	}
	ds.position = end
	batch := ds.indices[start:end]

	batchImages := make([]image.Image, 0, len(batch))
	for _, idx := range batch {
		batchImages = append(batchImages, ds.images[idx])
	}
	imagesT, err := ds.toTensor.Batch(batchImages)
	if err != nil {
		return nil, nil, nil, errors.WithMessagef(err, "dataset %q failed to convert images batch", ds.name)
	}
	labelsT := ds.oneHotBatch(batch)
	return nil, []*tensors.Tensor{imagesT, labelsT}, []*tensors.Tensor{labelsT}, nil
}

func (ds *Dataset) oneHotBatch(batch []int) *tensors.Tensor {
	flat := make([]float32, len(batch)*NumClasses)
	for ii, idx := range batch {
		flat[ii*NumClasses+int(ds.labels[idx])] = 1
	}
	return tensors.FromFlatDataAndDimensions(flat, len(batch), NumClasses)
}

// IsOwnershipTransferred tells the training loop the dataset keeps
// ownership of the yielded tensors (the labels tensor is yielded twice).
func (ds *Dataset) IsOwnershipTransferred() bool { return false }

// ExampleImage returns example idx (in the dataset's current index order)
// as an image.Image and its label. Useful for visualizations.
func (ds *Dataset) ExampleImage(idx int) (image.Image, Label) {
	pos := ds.indices[idx]
	return ds.images[pos], ds.labels[pos]
}

// ExamplesForDigit returns up to max dataset positions whose label is the
// given digit.
func (ds *Dataset) ExamplesForDigit(digit Label, max int) []int {
	var selected []int
	for idx, pos := range ds.indices {
		if ds.labels[pos] == digit {
			selected = append(selected, idx)
			if len(selected) == max {
				break
			}
		}
	}
	return selected
}

type imagesFileHeader struct {
	Magic     int32
	NumImages int32
	Height    int32
	Width     int32
}

type labelsFileHeader struct {
	Magic     int32
	NumLabels int32
}

func loadImagesFile(filename string) ([]Image, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open MNIST images file %q", filename)
	}
	defer f.Close()
	reader, err := gzip.NewReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to un-gzip MNIST images file %q", filename)
	}
	defer reader.Close()

	var header imagesFileHeader
	if err = binary.Read(reader, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrapf(err, "failed to read header of %q", filename)
	}
	if header.Magic != imageMagic || header.Width != Width || header.Height != Height {
		return nil, errors.Errorf("%q is not an MNIST images file (magic=%x, %dx%d)",
			filename, header.Magic, header.Width, header.Height)
	}
	images := make([]Image, header.NumImages)
	for ii := range images {
		if err = binary.Read(reader, binary.BigEndian, &images[ii]); err != nil {
			return nil, errors.Wrapf(err, "failed to read image %d of %d from %q",
				ii, header.NumImages, filename)
		}
	}
	return images, nil
}

func loadLabelsFile(filename string) ([]Label, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open MNIST labels file %q", filename)
	}
	defer f.Close()
	reader, err := gzip.NewReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to un-gzip MNIST labels file %q", filename)
	}
	defer reader.Close()

	var header labelsFileHeader
	if err = binary.Read(reader, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrapf(err, "failed to read header of %q", filename)
	}
	if header.Magic != labelMagic {
		return nil, errors.Errorf("%q is not an MNIST labels file (magic=%x)", filename, header.Magic)
	}
	labels := make([]Label, header.NumLabels)
	if err = binary.Read(reader, binary.BigEndian, labels); err != nil {
		return nil, errors.Wrapf(err, "failed to read %d labels from %q", header.NumLabels, filename)
	}
	return labels, nil
}

func iotaSlice[T constraints.Integer](n T) []int {
	indices := make([]int, n)
	for ii := range indices {
		indices[ii] = ii
	}
	return indices
}
