package layers

import (
	"github.com/pixelclass/pixelclass/errdefs"
)

// Classifier layer sizes
const (
	ClassifierConv1Filters = 32
	ClassifierConv2Filters = 64
	ClassifierKernelSize   = 3
	ClassifierPoolSize     = 2
	ClassifierHiddenUnits  = 128
)

// BuildClassifier compiles the fixed image classifier topology for per-sample
// input [S,S,C]:
//
//	conv(32, 3x3) → relu → maxpool(2x2/2) → conv(64, 3x3) → relu →
//	maxpool(2x2/2) → flatten → dense(128) → relu → dense(numClasses) → softmax
//
// Convolutions use valid padding with stride 1. Pooling uses same padding so
// inputs down to 7x7 still compile.
func BuildClassifier(inputShape []int, numClasses int) (*ModelSpec, error) {
	if len(inputShape) != 3 {
		return nil, errdefs.Newf(errdefs.Shape, "build classifier",
			"input shape must be [height, width, channels], got %v", inputShape)
	}
	if numClasses < 2 {
		return nil, errdefs.Newf(errdefs.Shape, "build classifier",
			"need at least 2 classes, got %d", numClasses)
	}

	spec, err := NewModelBuilder(inputShape).
		AddConv2D(ClassifierConv1Filters, ClassifierKernelSize, 1, 0, true, "conv2d_1").
		AddReLU("relu_1").
		AddMaxPool2D(ClassifierPoolSize, ClassifierPoolSize, PaddingSame, "max_pooling2d_1").
		AddConv2D(ClassifierConv2Filters, ClassifierKernelSize, 1, 0, true, "conv2d_2").
		AddReLU("relu_2").
		AddMaxPool2D(ClassifierPoolSize, ClassifierPoolSize, PaddingSame, "max_pooling2d_2").
		AddFlatten("flatten").
		AddDense(ClassifierHiddenUnits, true, "dense_1").
		AddReLU("relu_3").
		AddDense(numClasses, true, "dense_2").
		AddSoftmax(-1, "softmax").
		Compile()
	if err != nil {
		return nil, errdefs.New(errdefs.Shape, "build classifier", err)
	}
	return spec, nil
}
