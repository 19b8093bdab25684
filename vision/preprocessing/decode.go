package preprocessing

import (
	"errors"
	"fmt"
	"image"
	"io"
	"os"

	"github.com/disintegration/imaging"
	"github.com/pixelclass/pixelclass/errdefs"

	// Extra formats beyond the png, jpeg and gif decoders imaging registers
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Channels is the channel count of every decoded raster (red, green, blue, alpha)
const Channels = 4

// ErrRasterReleased is returned when pixels are read from a released raster
var ErrRasterReleased = errors.New("raster buffer has been released")

// RasterBuffer holds decoded, non-premultiplied RGBA pixels in row-major order.
// The buffer is owned by the caller of the decoder and must be released once a
// tensor has been derived from it.
type RasterBuffer struct {
	Width    int
	Height   int
	Channels int
	pix      []byte
}

// Pixels returns the live pixel slice, len == Width*Height*Channels
func (r *RasterBuffer) Pixels() ([]byte, error) {
	if r.pix == nil {
		return nil, ErrRasterReleased
	}
	return r.pix, nil
}

// Release drops the pixel data
func (r *RasterBuffer) Release() {
	if r != nil {
		r.pix = nil
	}
}

// Released reports whether the pixel data has been dropped
func (r *RasterBuffer) Released() bool {
	return r.pix == nil
}

// DecodeFile decodes the image at path into a 4-channel raster.
// A missing or unreadable file is reported as a decode error wrapping an IO error.
func DecodeFile(path string) (*RasterBuffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errdefs.WithPath(errdefs.Decode, "decode image", path,
			errdefs.WithPath(errdefs.IO, "open image", path, err))
	}
	defer f.Close()

	buf, err := decode(f)
	if err != nil {
		return nil, errdefs.WithPath(errdefs.Decode, "decode image", path, err)
	}
	return buf, nil
}

// DecodeReader decodes an image stream into a 4-channel raster
func DecodeReader(r io.Reader) (*RasterBuffer, error) {
	buf, err := decode(r)
	if err != nil {
		return nil, errdefs.New(errdefs.Decode, "decode image", err)
	}
	return buf, nil
}

func decode(r io.Reader) (*RasterBuffer, error) {
	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return nil, err
	}
	return fromImage(img)
}

// fromImage converts any decoded image into a tightly packed NRGBA raster
func fromImage(img image.Image) (*RasterBuffer, error) {
	bounds := img.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return nil, fmt.Errorf("image has empty bounds %v", bounds)
	}

	// Clone always yields an NRGBA with origin (0,0) and stride 4*width
	nrgba := imaging.Clone(img)
	return &RasterBuffer{
		Width:    nrgba.Rect.Dx(),
		Height:   nrgba.Rect.Dy(),
		Channels: Channels,
		pix:      nrgba.Pix,
	}, nil
}
