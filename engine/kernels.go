package engine

import (
	"math"
)

// Per-sample kernels. Activations are NHWC with the batch axis removed, so a
// sample is laid out as [H][W][C].

// conv2DForward computes a zero-padded 2D convolution with an HWIO kernel
// [k][k][inC][outC]
func conv2DForward(in []float32, p *layerPlan, kernel, bias []float32, out []float32) {
	inW, inC := p.inW, p.inC
	outW, outC := p.outW, p.outC
	k, stride, pad := p.kernel, p.stride, p.pad

	for oy := 0; oy < p.outH; oy++ {
		for ox := 0; ox < outW; ox++ {
			o := out[(oy*outW+ox)*outC : (oy*outW+ox+1)*outC]
			if bias != nil {
				copy(o, bias)
			} else {
				for i := range o {
					o[i] = 0
				}
			}
			for ky := 0; ky < k; ky++ {
				iy := oy*stride + ky - pad
				if iy < 0 || iy >= p.inH {
					continue
				}
				for kx := 0; kx < k; kx++ {
					ix := ox*stride + kx - pad
					if ix < 0 || ix >= inW {
						continue
					}
					px := in[(iy*inW+ix)*inC : (iy*inW+ix+1)*inC]
					wBase := (ky*k + kx) * inC * outC
					for ci, v := range px {
						if v == 0 {
							continue
						}
						w := kernel[wBase+ci*outC : wBase+(ci+1)*outC]
						for co := range o {
							o[co] += v * w[co]
						}
					}
				}
			}
		}
	}
}

// conv2DBackward accumulates kernel and bias gradients and, when dIn is not
// nil, writes the input gradient
func conv2DBackward(in []float32, p *layerPlan, kernel []float32, dOut, dIn, dKernel, dBias []float32) {
	inW, inC := p.inW, p.inC
	outW, outC := p.outW, p.outC
	k, stride, pad := p.kernel, p.stride, p.pad

	if dIn != nil {
		for i := range dIn {
			dIn[i] = 0
		}
	}

	for oy := 0; oy < p.outH; oy++ {
		for ox := 0; ox < outW; ox++ {
			g := dOut[(oy*outW+ox)*outC : (oy*outW+ox+1)*outC]
			if dBias != nil {
				for co, v := range g {
					dBias[co] += v
				}
			}
			for ky := 0; ky < k; ky++ {
				iy := oy*stride + ky - pad
				if iy < 0 || iy >= p.inH {
					continue
				}
				for kx := 0; kx < k; kx++ {
					ix := ox*stride + kx - pad
					if ix < 0 || ix >= inW {
						continue
					}
					pxBase := (iy*inW + ix) * inC
					wBase := (ky*k + kx) * inC * outC
					for ci := 0; ci < inC; ci++ {
						v := in[pxBase+ci]
						dw := dKernel[wBase+ci*outC : wBase+(ci+1)*outC]
						var acc float32
						w := kernel[wBase+ci*outC : wBase+(ci+1)*outC]
						for co, gv := range g {
							dw[co] += v * gv
							acc += w[co] * gv
						}
						if dIn != nil {
							dIn[pxBase+ci] += acc
						}
					}
				}
			}
		}
	}
}

// maxPoolForward records the winning input index of every output in argmax.
// Padded positions never win.
func maxPoolForward(in []float32, p *layerPlan, out []float32, argmax []int32) {
	inW, c := p.inW, p.inC
	for oy := 0; oy < p.outH; oy++ {
		for ox := 0; ox < p.outW; ox++ {
			for ch := 0; ch < c; ch++ {
				best := float32(math.Inf(-1))
				bestIdx := int32(-1)
				for py := 0; py < p.pool; py++ {
					iy := oy*p.stride + py - p.padTop
					if iy < 0 || iy >= p.inH {
						continue
					}
					for px := 0; px < p.pool; px++ {
						ix := ox*p.stride + px - p.padLeft
						if ix < 0 || ix >= inW {
							continue
						}
						idx := (iy*inW+ix)*c + ch
						if bestIdx < 0 || in[idx] > best {
							best = in[idx]
							bestIdx = int32(idx)
						}
					}
				}
				o := (oy*p.outW+ox)*c + ch
				out[o] = best
				argmax[o] = bestIdx
			}
		}
	}
}

// maxPoolBackward routes every output gradient to its winning input
func maxPoolBackward(dOut []float32, argmax []int32, dIn []float32) {
	for i := range dIn {
		dIn[i] = 0
	}
	for o, idx := range argmax {
		dIn[idx] += dOut[o]
	}
}

// denseForward computes out = in·W + b with W laid out [inSize][outSize]
func denseForward(in []float32, weights, bias []float32, out []float32) {
	outSize := len(out)
	if bias != nil {
		copy(out, bias)
	} else {
		for i := range out {
			out[i] = 0
		}
	}
	for i, v := range in {
		if v == 0 {
			continue
		}
		w := weights[i*outSize : (i+1)*outSize]
		for j := range out {
			out[j] += v * w[j]
		}
	}
}

// denseBackward accumulates weight and bias gradients and, when dIn is not
// nil, writes the input gradient
func denseBackward(in []float32, weights []float32, dOut, dIn, dWeights, dBias []float32) {
	outSize := len(dOut)
	if dBias != nil {
		for j, g := range dOut {
			dBias[j] += g
		}
	}
	for i, v := range in {
		w := weights[i*outSize : (i+1)*outSize]
		dw := dWeights[i*outSize : (i+1)*outSize]
		var acc float32
		for j, g := range dOut {
			dw[j] += v * g
			acc += w[j] * g
		}
		if dIn != nil {
			dIn[i] = acc
		}
	}
}

func reluForward(in, out []float32) {
	for i, v := range in {
		if v > 0 {
			out[i] = v
		} else {
			out[i] = 0
		}
	}
}

// reluBackward masks the gradient with the forward output
func reluBackward(out, dOut, dIn []float32) {
	for i, v := range out {
		if v > 0 {
			dIn[i] = dOut[i]
		} else {
			dIn[i] = 0
		}
	}
}

// softmaxForward computes a numerically stable softmax
func softmaxForward(in, out []float32) {
	maxVal := in[0]
	for _, v := range in[1:] {
		if v > maxVal {
			maxVal = v
		}
	}
	var sum float64
	for i, v := range in {
		e := math.Exp(float64(v - maxVal))
		out[i] = float32(e)
		sum += e
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / sum)
	}
}
