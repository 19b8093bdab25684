// Package engine executes compiled layer specifications on the host CPU:
// parameter initialization, batched forward passes and per-batch gradients
// for softmax classifiers trained with categorical cross-entropy.
package engine

import (
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/pixelclass/pixelclass/errdefs"
	"github.com/pixelclass/pixelclass/layers"
	"github.com/pixelclass/pixelclass/memory"
)

// Probability clipping bounds applied before taking the log in the loss
const (
	ProbEpsilon = 1e-7
)

// Config holds configuration for a model
type Config struct {
	Seed    int64 // Seed for parameter initialization
	Workers int   // Goroutines used per batch; 0 uses GOMAXPROCS
}

// layerPlan is a LayerSpec resolved into the integers the kernels need
type layerPlan struct {
	layerType layers.LayerType
	name      string

	inH, inW, inC    int
	outH, outW, outC int
	inSize, outSize  int

	kernel, stride, pad int // Conv2D
	pool                int // MaxPool2D
	padTop, padLeft     int // MaxPool2D

	weight, bias int // Parameter indices, -1 when absent
}

// Model is an executable classifier: a compiled ModelSpec plus its parameter
// tensors. Parameters are owned by the model and freed by Release.
type Model struct {
	mu       sync.RWMutex
	spec     *layers.ModelSpec
	plan     []layerPlan
	params   []*memory.Tensor
	names    []string
	workers  int
	released bool
}

// NewModel allocates the parameters of spec and initializes them: kernels with
// Glorot uniform, biases with zeros
func NewModel(spec *layers.ModelSpec, config Config) (*Model, error) {
	if spec == nil || !spec.Compiled {
		return nil, fmt.Errorf("model spec must be compiled")
	}

	workers := config.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	m := &Model{spec: spec, workers: workers}
	if err := m.buildPlan(); err != nil {
		return nil, err
	}
	if err := m.createParameters(); err != nil {
		return nil, err
	}
	m.initializeParameters(rand.New(rand.NewSource(config.Seed)))
	return m, nil
}

// buildPlan resolves every layer's shapes and parameter slots
func (m *Model) buildPlan() error {
	paramIndex := 0
	m.plan = make([]layerPlan, len(m.spec.Layers))

	for i := range m.spec.Layers {
		ls := &m.spec.Layers[i]
		p := layerPlan{
			layerType: ls.Type,
			name:      ls.Name,
			inSize:    product(ls.InputShape),
			outSize:   product(ls.OutputShape),
			weight:    -1,
			bias:      -1,
		}
		if len(ls.InputShape) == 3 {
			p.inH, p.inW, p.inC = ls.InputShape[0], ls.InputShape[1], ls.InputShape[2]
		}
		if len(ls.OutputShape) == 3 {
			p.outH, p.outW, p.outC = ls.OutputShape[0], ls.OutputShape[1], ls.OutputShape[2]
		}

		switch ls.Type {
		case layers.Conv2D:
			p.kernel = ls.IntParam("kernel_size", 3)
			p.stride = ls.IntParam("stride", 1)
			p.pad = ls.IntParam("padding", 0)
		case layers.MaxPool2D:
			p.pool = ls.IntParam("pool_size", 2)
			p.stride = ls.IntParam("stride", p.pool)
			if ls.StringParam("padding", layers.PaddingValid) == layers.PaddingSame {
				p.padTop = samePadding(p.inH, p.outH, p.pool, p.stride)
				p.padLeft = samePadding(p.inW, p.outW, p.pool, p.stride)
			}
		case layers.Dense, layers.ReLU, layers.Softmax, layers.Flatten:
		default:
			return fmt.Errorf("unsupported layer type %s in layer %d", ls.Type, i)
		}

		for j := range ls.ParameterShapes {
			kind := "kernel"
			if j == 0 {
				p.weight = paramIndex
			} else {
				kind = "bias"
				p.bias = paramIndex
			}
			m.names = append(m.names, ls.Name+"/"+kind)
			paramIndex++
		}
		m.plan[i] = p
	}

	if paramIndex != len(m.spec.ParameterShapes) {
		return fmt.Errorf("layers declare %d parameter tensors, model declares %d",
			paramIndex, len(m.spec.ParameterShapes))
	}
	return nil
}

// samePadding returns the leading padding of a "same" window
func samePadding(in, out, window, stride int) int {
	total := (out-1)*stride + window - in
	if total < 0 {
		total = 0
	}
	return total / 2
}

func (m *Model) createParameters() error {
	for _, shape := range m.spec.ParameterShapes {
		t, err := memory.NewTensor(shape, memory.Float32)
		if err != nil {
			m.releaseParameters()
			return fmt.Errorf("failed to create parameter tensor: %v", err)
		}
		m.params = append(m.params, t)
	}
	return nil
}

// initializeParameters applies Glorot uniform to kernels and zeros to biases
func (m *Model) initializeParameters(rng *rand.Rand) {
	for _, p := range m.plan {
		if p.weight < 0 {
			continue
		}
		shape := m.params[p.weight].Shape()
		var fanIn, fanOut int
		switch p.layerType {
		case layers.Conv2D:
			receptive := shape[0] * shape[1]
			fanIn, fanOut = receptive*shape[2], receptive*shape[3]
		default:
			fanIn, fanOut = shape[0], shape[1]
		}
		limit := float32(math.Sqrt(6.0 / float64(fanIn+fanOut)))
		data, _ := m.params[p.weight].Float32Data()
		for i := range data {
			data[i] = -limit + 2*limit*rng.Float32()
		}
		// Bias tensors come from the pool already zeroed
	}
}

// Spec returns the compiled topology
func (m *Model) Spec() *layers.ModelSpec {
	return m.spec
}

// InputShape returns the per-sample input shape
func (m *Model) InputShape() []int {
	shape := make([]int, len(m.spec.InputShape))
	copy(shape, m.spec.InputShape)
	return shape
}

// NumClasses returns the width of the output vector
func (m *Model) NumClasses() int {
	return m.spec.NumClasses()
}

// Parameters returns the parameter tensors in topology order
func (m *Model) Parameters() []*memory.Tensor {
	return m.params
}

// ParameterNames returns "<layer>/kernel" and "<layer>/bias" names aligned with Parameters
func (m *Model) ParameterNames() []string {
	return m.names
}

// SetParameter overwrites parameter i with data
func (m *Model) SetParameter(i int, data []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return memory.ErrTensorReleased
	}
	if i < 0 || i >= len(m.params) {
		return fmt.Errorf("parameter index %d out of range [0, %d)", i, len(m.params))
	}
	if err := m.params[i].CopyFloat32Data(data); err != nil {
		return fmt.Errorf("parameter %s: %w", m.names[i], err)
	}
	return nil
}

// Lock blocks predictions while parameters are updated in place
func (m *Model) Lock() { m.mu.Lock() }

// Unlock releases the lock taken by Lock
func (m *Model) Unlock() { m.mu.Unlock() }

// Release frees every parameter tensor. Later calls are no-ops.
func (m *Model) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return
	}
	m.releaseParameters()
	m.released = true
}

// Released reports whether the parameters have been freed
func (m *Model) Released() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.released
}

func (m *Model) releaseParameters() {
	for _, t := range m.params {
		t.Release()
	}
}

// sampleLen returns the number of input values per sample
func (m *Model) sampleLen() int {
	return product(m.spec.InputShape)
}

// checkBatch validates a batch tensor against the model input shape
func (m *Model) checkBatch(shape []int) error {
	want := m.spec.InputShape
	if len(shape) != len(want)+1 {
		return errdefs.Newf(errdefs.Shape, "predict",
			"input shape %v does not match model input [N %v]", shape, want)
	}
	for i := range want {
		if shape[i+1] != want[i] {
			return errdefs.Newf(errdefs.Shape, "predict",
				"input shape %v does not match model input [N %v]", shape, want)
		}
	}
	return nil
}

// Predict runs a forward pass over a batch [N, ...inputShape] and returns class
// probabilities [N, numClasses]
func (m *Model) Predict(x *memory.Tensor) (*memory.Tensor, error) {
	data, err := x.Float32Data()
	if err != nil {
		return nil, fmt.Errorf("predict: %w", err)
	}
	shape := x.Shape()
	if err := m.checkBatch(shape); err != nil {
		return nil, err
	}

	probs, err := m.PredictBatch(data, shape[0])
	if err != nil {
		return nil, err
	}
	return memory.FromFloat32(probs, []int{shape[0], m.NumClasses()})
}

// PredictBatch runs a forward pass over n flattened samples
func (m *Model) PredictBatch(x []float32, n int) ([]float32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.released {
		return nil, fmt.Errorf("predict: %w", memory.ErrTensorReleased)
	}
	sampleLen := m.sampleLen()
	if len(x) != n*sampleLen {
		return nil, errdefs.Newf(errdefs.Shape, "predict",
			"got %d values for %d samples of %d", len(x), n, sampleLen)
	}

	params, err := m.paramData()
	if err != nil {
		return nil, err
	}

	numClasses := m.NumClasses()
	out := make([]float32, n*numClasses)
	err = m.forEachSample(n, func(ws *workspace, i int) error {
		m.forward(ws, params, x[i*sampleLen:(i+1)*sampleLen])
		copy(out[i*numClasses:(i+1)*numClasses], ws.acts[len(ws.acts)-1])
		return nil
	})
	return out, err
}

// BatchResult is the outcome of one gradient computation
type BatchResult struct {
	Loss      float64     // Mean categorical cross-entropy
	Correct   int         // Samples whose argmax matches the target
	Gradients [][]float32 // Mean gradients aligned with Parameters
}

// ComputeGradients runs forward and backward passes over n samples with
// one-hot targets. The model must end in a softmax: the softmax and
// cross-entropy gradients are fused into probs - targets.
func (m *Model) ComputeGradients(x, targets []float32, n int) (*BatchResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkTraining(x, targets, n); err != nil {
		return nil, err
	}
	params, err := m.paramData()
	if err != nil {
		return nil, err
	}

	sampleLen := m.sampleLen()
	numClasses := m.NumClasses()
	losses := make([]float64, n)
	correct := make([]bool, n)

	workspaces, err := m.forEachSampleWorkspaces(n, true, func(ws *workspace, i int) error {
		t := targets[i*numClasses : (i+1)*numClasses]
		m.forward(ws, params, x[i*sampleLen:(i+1)*sampleLen])
		probs := ws.acts[len(ws.acts)-1]
		losses[i], correct[i] = crossEntropy(probs, t)
		m.backward(ws, params, t)
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Reduce in worker order so results do not depend on scheduling
	grads := make([][]float32, len(m.params))
	for j, p := range m.params {
		grads[j] = make([]float32, p.Len())
	}
	for _, ws := range workspaces {
		for j, g := range ws.grads {
			dst := grads[j]
			for k, v := range g {
				dst[k] += v
			}
		}
	}
	scale := 1 / float32(n)
	for _, g := range grads {
		for k := range g {
			g[k] *= scale
		}
	}

	result := &BatchResult{Gradients: grads}
	for i := 0; i < n; i++ {
		result.Loss += losses[i]
		if correct[i] {
			result.Correct++
		}
	}
	result.Loss /= float64(n)
	return result, nil
}

// Evaluate returns the mean loss and correct count over n samples without
// computing gradients
func (m *Model) Evaluate(x, targets []float32, n int) (float64, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkTraining(x, targets, n); err != nil {
		return 0, 0, err
	}
	params, err := m.paramData()
	if err != nil {
		return 0, 0, err
	}

	sampleLen := m.sampleLen()
	numClasses := m.NumClasses()
	losses := make([]float64, n)
	correct := make([]bool, n)
	err = m.forEachSample(n, func(ws *workspace, i int) error {
		m.forward(ws, params, x[i*sampleLen:(i+1)*sampleLen])
		losses[i], correct[i] = crossEntropy(ws.acts[len(ws.acts)-1], targets[i*numClasses:(i+1)*numClasses])
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	var loss float64
	count := 0
	for i := 0; i < n; i++ {
		loss += losses[i]
		if correct[i] {
			count++
		}
	}
	return loss / float64(n), count, nil
}

func (m *Model) checkTraining(x, targets []float32, n int) error {
	if m.released {
		return memory.ErrTensorReleased
	}
	if n <= 0 {
		return errdefs.Newf(errdefs.Shape, "train step", "empty batch")
	}
	if m.plan[len(m.plan)-1].layerType != layers.Softmax {
		return fmt.Errorf("train step: model must end in a softmax layer")
	}
	if len(x) != n*m.sampleLen() {
		return errdefs.Newf(errdefs.Shape, "train step",
			"got %d input values for %d samples of %d", len(x), n, m.sampleLen())
	}
	if len(targets) != n*m.NumClasses() {
		return errdefs.Newf(errdefs.Shape, "train step",
			"got %d target values for %d samples of %d classes", len(targets), n, m.NumClasses())
	}
	return nil
}

func (m *Model) paramData() ([][]float32, error) {
	data := make([][]float32, len(m.params))
	for i, t := range m.params {
		d, err := t.Float32Data()
		if err != nil {
			return nil, fmt.Errorf("parameter %s: %w", m.names[i], err)
		}
		data[i] = d
	}
	return data, nil
}

// crossEntropy returns -sum(t * log(clip(p))) and whether argmax(p) == argmax(t)
func crossEntropy(probs, targets []float32) (float64, bool) {
	var loss float64
	best, target := 0, 0
	for j, p := range probs {
		clipped := math.Min(math.Max(float64(p), ProbEpsilon), 1-ProbEpsilon)
		if targets[j] != 0 {
			loss -= float64(targets[j]) * math.Log(clipped)
		}
		if p > probs[best] {
			best = j
		}
		if targets[j] > targets[target] {
			target = j
		}
	}
	return loss, best == target
}

func product(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// workspace holds one worker's activation, gradient and pooling buffers
type workspace struct {
	acts   [][]float32 // acts[i] is the input of layer i; the last entry is the model output
	deltas [][]float32 // deltas[i] is the gradient w.r.t. acts[i]
	argmax [][]int32   // per-layer pooling switches
	grads  [][]float32 // accumulated parameter gradients
}

func (m *Model) newWorkspace(withGrads bool) *workspace {
	ws := &workspace{
		acts:   make([][]float32, len(m.plan)+1),
		argmax: make([][]int32, len(m.plan)),
	}
	ws.acts[0] = make([]float32, m.sampleLen())
	for i, p := range m.plan {
		ws.acts[i+1] = make([]float32, p.outSize)
		if p.layerType == layers.MaxPool2D {
			ws.argmax[i] = make([]int32, p.outSize)
		}
	}
	if withGrads {
		ws.deltas = make([][]float32, len(m.plan)+1)
		for i := range ws.acts {
			ws.deltas[i] = make([]float32, len(ws.acts[i]))
		}
		ws.grads = make([][]float32, len(m.params))
		for j, p := range m.params {
			ws.grads[j] = make([]float32, p.Len())
		}
	}
	return ws
}

func (m *Model) forEachSample(n int, body func(ws *workspace, i int) error) error {
	_, err := m.forEachSampleWorkspaces(n, false, body)
	return err
}

// forEachSampleWorkspaces splits samples across workers by stride: worker w
// handles samples w, w+W, w+2W...
func (m *Model) forEachSampleWorkspaces(n int, withGrads bool, body func(ws *workspace, i int) error) ([]*workspace, error) {
	workers := m.workers
	if workers > n {
		workers = n
	}
	workspaces := make([]*workspace, workers)
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		ws := m.newWorkspace(withGrads)
		workspaces[w] = ws
		w := w // per-iteration copy; go.mod targets go 1.21 loop semantics
		g.Go(func() error {
			for i := w; i < n; i += workers {
				if err := body(ws, i); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return workspaces, nil
}

func paramSlice(params [][]float32, idx int) []float32 {
	if idx < 0 {
		return nil
	}
	return params[idx]
}

// forward runs one sample through every layer
func (m *Model) forward(ws *workspace, params [][]float32, sample []float32) {
	copy(ws.acts[0], sample)
	for i := range m.plan {
		p := &m.plan[i]
		in, out := ws.acts[i], ws.acts[i+1]
		switch p.layerType {
		case layers.Conv2D:
			conv2DForward(in, p, params[p.weight], paramSlice(params, p.bias), out)
		case layers.MaxPool2D:
			maxPoolForward(in, p, out, ws.argmax[i])
		case layers.Dense:
			denseForward(in, params[p.weight], paramSlice(params, p.bias), out)
		case layers.ReLU:
			reluForward(in, out)
		case layers.Softmax:
			softmaxForward(in, out)
		case layers.Flatten:
			copy(out, in)
		}
	}
}

// backward propagates probs - targets from the softmax input down to the first
// layer, accumulating parameter gradients into ws.grads
func (m *Model) backward(ws *workspace, params [][]float32, targets []float32) {
	last := len(m.plan) - 1
	probs := ws.acts[last+1]
	dLogits := ws.deltas[last]
	for j := range dLogits {
		dLogits[j] = probs[j] - targets[j]
	}

	for i := last - 1; i >= 0; i-- {
		p := &m.plan[i]
		in, out := ws.acts[i], ws.acts[i+1]
		dOut := ws.deltas[i+1]
		var dIn []float32
		if i > 0 {
			dIn = ws.deltas[i]
		}
		switch p.layerType {
		case layers.Conv2D:
			conv2DBackward(in, p, params[p.weight], dOut, dIn, ws.grads[p.weight], paramSlice(ws.grads, p.bias))
		case layers.MaxPool2D:
			if dIn != nil {
				maxPoolBackward(dOut, ws.argmax[i], dIn)
			}
		case layers.Dense:
			denseBackward(in, params[p.weight], dOut, dIn, ws.grads[p.weight], paramSlice(ws.grads, p.bias))
		case layers.ReLU:
			if dIn != nil {
				reluBackward(out, dOut, dIn)
			}
		case layers.Flatten:
			if dIn != nil {
				copy(dIn, dOut)
			}
		case layers.Softmax:
			if dIn != nil {
				softmaxBackward(out, dOut, dIn)
			}
		}
	}
}

// softmaxBackward handles a softmax that is not the final layer
func softmaxBackward(out, dOut, dIn []float32) {
	var dot float32
	for j := range out {
		dot += out[j] * dOut[j]
	}
	for j := range out {
		dIn[j] = out[j] * (dOut[j] - dot)
	}
}
