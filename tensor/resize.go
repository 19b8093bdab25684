package tensor

import (
	"fmt"
	"math"

	"github.com/pixelclass/pixelclass/errdefs"
	"github.com/pixelclass/pixelclass/memory"
)

// ResizeBilinear resizes an [H,W,C] sample or an [N,H,W,C] batch to
// outH x outW using bilinear interpolation without corner alignment and
// without half-pixel centers: destination pixel d samples the source at
// d*in/out. Aspect ratio is not preserved. The same routine serves training
// and inference so both see identical pixel values.
func ResizeBilinear(t *memory.Tensor, outH, outW int) (*memory.Tensor, error) {
	if outH <= 0 || outW <= 0 {
		return nil, errdefs.Newf(errdefs.Shape, "resize", "invalid output size %dx%d", outH, outW)
	}
	src, err := t.Float32Data()
	if err != nil {
		return nil, fmt.Errorf("resize: %w", err)
	}

	shape := t.Shape()
	var batch, inH, inW, channels int
	switch len(shape) {
	case 3:
		batch, inH, inW, channels = 1, shape[0], shape[1], shape[2]
	case 4:
		batch, inH, inW, channels = shape[0], shape[1], shape[2], shape[3]
	default:
		return nil, errdefs.Newf(errdefs.Shape, "resize",
			"expected [H,W,C] or [N,H,W,C], got %v", shape)
	}

	var outShape []int
	if len(shape) == 3 {
		outShape = []int{outH, outW, channels}
	} else {
		outShape = []int{batch, outH, outW, channels}
	}
	out, err := memory.NewTensor(outShape, memory.Float32)
	if err != nil {
		return nil, err
	}
	dst, _ := out.Float32Data()

	rows := bilinearTaps(inH, outH)
	cols := bilinearTaps(inW, outW)

	inImage := inH * inW * channels
	outImage := outH * outW * channels
	for n := 0; n < batch; n++ {
		img := src[n*inImage : (n+1)*inImage]
		res := dst[n*outImage : (n+1)*outImage]
		for y, ry := range rows {
			topRow := ry.lo * inW * channels
			bottomRow := ry.hi * inW * channels
			for x, cx := range cols {
				o := (y*outW + x) * channels
				for c := 0; c < channels; c++ {
					tl := img[topRow+cx.lo*channels+c]
					tr := img[topRow+cx.hi*channels+c]
					bl := img[bottomRow+cx.lo*channels+c]
					br := img[bottomRow+cx.hi*channels+c]
					top := tl + (tr-tl)*cx.frac
					bottom := bl + (br-bl)*cx.frac
					res[o+c] = top + (bottom-top)*ry.frac
				}
			}
		}
	}

	return out, nil
}

// tap holds the two source indices and the interpolation weight for one
// destination coordinate
type tap struct {
	lo, hi int
	frac   float32
}

func bilinearTaps(in, out int) []tap {
	scale := float64(in) / float64(out)
	taps := make([]tap, out)
	for d := 0; d < out; d++ {
		pos := float64(d) * scale
		lo := int(math.Floor(pos))
		if lo > in-1 {
			lo = in - 1
		}
		hi := int(math.Ceil(pos))
		if hi > in-1 {
			hi = in - 1
		}
		taps[d] = tap{lo: lo, hi: hi, frac: float32(pos - float64(lo))}
	}
	return taps
}
