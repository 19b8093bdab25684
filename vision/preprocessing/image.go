package preprocessing

import (
	"fmt"

	"github.com/pixelclass/pixelclass/errdefs"
	"github.com/pixelclass/pixelclass/memory"
	"github.com/pixelclass/pixelclass/tensor"
)

// PixelScale maps raw 0-255 pixel values into [0, 1]
const PixelScale = float32(1.0 / 255.0)

// ImageProcessor converts decoded rasters into model input tensors of a fixed
// square size
type ImageProcessor struct {
	targetSize int
}

// NewImageProcessor creates a new image processor with the specified target size
func NewImageProcessor(targetSize int) *ImageProcessor {
	return &ImageProcessor{
		targetSize: targetSize,
	}
}

// TargetSize returns the side length S of the S x S model input
func (p *ImageProcessor) TargetSize() int {
	return p.targetSize
}

// ToSampleTensor converts a raster into an [H,W,4] Float32 tensor at its native
// size. Values stay in the raw 0-255 pixel domain.
func (p *ImageProcessor) ToSampleTensor(buf *RasterBuffer) (*memory.Tensor, error) {
	pix, err := buf.Pixels()
	if err != nil {
		return nil, err
	}
	if buf.Channels != Channels {
		return nil, errdefs.Newf(errdefs.Shape, "sample tensor",
			"raster has %d channels, expected %d", buf.Channels, Channels)
	}
	if len(pix) != buf.Width*buf.Height*buf.Channels {
		return nil, errdefs.Newf(errdefs.Shape, "sample tensor",
			"raster holds %d bytes, expected %dx%dx%d", len(pix), buf.Width, buf.Height, buf.Channels)
	}

	t, err := memory.NewTensor([]int{buf.Height, buf.Width, buf.Channels}, memory.Float32)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate sample tensor: %v", err)
	}
	data, _ := t.Float32Data()
	for i, v := range pix {
		data[i] = float32(v)
	}
	return t, nil
}

// Resize resizes a sample or batch tensor to S x S with bilinear interpolation
func (p *ImageProcessor) Resize(t *memory.Tensor) (*memory.Tensor, error) {
	return tensor.ResizeBilinear(t, p.targetSize, p.targetSize)
}

// ToInferenceTensor converts a raster into a normalized [S,S,4] tensor:
// native sample tensor, bilinear resize to S x S, then scaling into [0, 1].
// Intermediate tensors are released on every path.
func (p *ImageProcessor) ToInferenceTensor(buf *RasterBuffer) (*memory.Tensor, error) {
	sample, err := p.ToSampleTensor(buf)
	if err != nil {
		return nil, err
	}
	defer sample.Release()

	resized, err := p.Resize(sample)
	if err != nil {
		return nil, err
	}
	defer resized.Release()

	return Normalize(resized)
}

// Normalize returns a copy of t with every value divided by 255
func Normalize(t *memory.Tensor) (*memory.Tensor, error) {
	return tensor.Scale(t, PixelScale)
}

// NormalizeInPlace divides every value of t by 255
func NormalizeInPlace(t *memory.Tensor) error {
	return tensor.ScaleInPlace(t, PixelScale)
}
