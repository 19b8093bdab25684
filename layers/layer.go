package layers

import (
	"fmt"
	"strings"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Dense LayerType = iota
	Conv2D
	ReLU
	Softmax
	MaxPool2D
	Flatten
)

var layerTypeNames = map[LayerType]string{
	Dense:     "Dense",
	Conv2D:    "Conv2D",
	ReLU:      "ReLU",
	Softmax:   "Softmax",
	MaxPool2D: "MaxPool2D",
	Flatten:   "Flatten",
}

func (lt LayerType) String() string {
	if name, ok := layerTypeNames[lt]; ok {
		return name
	}
	return "Unknown"
}

// MarshalText encodes the layer type by name so saved topologies stay readable
func (lt LayerType) MarshalText() ([]byte, error) {
	name, ok := layerTypeNames[lt]
	if !ok {
		return nil, fmt.Errorf("unknown layer type %d", int(lt))
	}
	return []byte(name), nil
}

// UnmarshalText decodes a layer type name
func (lt *LayerType) UnmarshalText(text []byte) error {
	for t, name := range layerTypeNames {
		if strings.EqualFold(name, string(text)) {
			*lt = t
			return nil
		}
	}
	return fmt.Errorf("unknown layer type %q", string(text))
}

// Pooling padding modes
const (
	PaddingValid = "valid"
	PaddingSame  = "same"
)

// LayerSpec defines layer configuration. It is pure configuration; the engine
// package executes it.
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	// Shape information (computed during model compilation), per sample
	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	// Parameter metadata (computed during model compilation)
	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`
}

// ModelSpec defines a complete neural network model as layer configuration.
// Shapes exclude the batch dimension: images are [H,W,C].
type ModelSpec struct {
	Layers []LayerSpec `json:"layers"`

	// Compiled model information
	TotalParameters int64   `json:"total_parameters"`
	ParameterShapes [][]int `json:"parameter_shapes"`
	InputShape      []int   `json:"input_shape"`
	OutputShape     []int   `json:"output_shape"`
	Compiled        bool    `json:"compiled"`
}

// ModelBuilder helps construct neural network models
type ModelBuilder struct {
	layers     []LayerSpec
	inputShape []int
	compiled   bool
}

// NewModelBuilder creates a new model builder for per-sample input shape [H,W,C]
func NewModelBuilder(inputShape []int) *ModelBuilder {
	shape := make([]int, len(inputShape))
	copy(shape, inputShape)
	return &ModelBuilder{
		layers:     make([]LayerSpec, 0),
		inputShape: shape,
		compiled:   false,
	}
}

// AddLayer adds a layer to the model
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	if layer.Parameters == nil {
		layer.Parameters = map[string]interface{}{}
	}
	mb.layers = append(mb.layers, layer)
	mb.compiled = false // Invalidate compilation
	return mb
}

// AddDense adds a dense layer to the model
func (mb *ModelBuilder) AddDense(outputSize int, useBias bool, name string) *ModelBuilder {
	// Input size will be computed during compilation
	layer := LayerSpec{
		Type: Dense,
		Name: name,
		Parameters: map[string]interface{}{
			"output_size": outputSize,
			"use_bias":    useBias,
		},
	}
	return mb.AddLayer(layer)
}

// AddConv2D adds a Conv2D layer to the model
func (mb *ModelBuilder) AddConv2D(
	outputChannels, kernelSize, stride, padding int,
	useBias bool, name string,
) *ModelBuilder {
	layer := LayerSpec{
		Type: Conv2D,
		Name: name,
		Parameters: map[string]interface{}{
			"output_channels": outputChannels,
			"kernel_size":     kernelSize,
			"stride":          stride,
			"padding":         padding,
			"use_bias":        useBias,
		},
	}
	return mb.AddLayer(layer)
}

// AddMaxPool2D adds a max pooling layer. padding is PaddingValid or PaddingSame.
func (mb *ModelBuilder) AddMaxPool2D(poolSize, stride int, padding string, name string) *ModelBuilder {
	layer := LayerSpec{
		Type: MaxPool2D,
		Name: name,
		Parameters: map[string]interface{}{
			"pool_size": poolSize,
			"stride":    stride,
			"padding":   padding,
		},
	}
	return mb.AddLayer(layer)
}

// AddFlatten adds a layer collapsing the sample to one dimension
func (mb *ModelBuilder) AddFlatten(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Flatten, Name: name})
}

// AddReLU adds a ReLU activation to the model
func (mb *ModelBuilder) AddReLU(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: ReLU, Name: name})
}

// AddSoftmax adds a Softmax activation to the model
func (mb *ModelBuilder) AddSoftmax(axis int, name string) *ModelBuilder {
	layer := LayerSpec{
		Type: Softmax,
		Name: name,
		Parameters: map[string]interface{}{
			"axis": axis,
		},
	}
	return mb.AddLayer(layer)
}

// Compile compiles the model and computes shapes and parameter counts
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if len(mb.layers) == 0 {
		return nil, fmt.Errorf("cannot compile empty model")
	}
	if len(mb.inputShape) == 0 {
		return nil, fmt.Errorf("input shape is empty")
	}
	for i, dim := range mb.inputShape {
		if dim <= 0 {
			return nil, fmt.Errorf("input shape %v: dimension %d must be positive", mb.inputShape, i)
		}
	}

	model := &ModelSpec{
		Layers:     make([]LayerSpec, len(mb.layers)),
		InputShape: mb.inputShape,
		Compiled:   false,
	}

	for i, layer := range mb.layers {
		// Layers get their own parameter maps so compiled specs never alias the builder
		params := make(map[string]interface{}, len(layer.Parameters))
		for k, v := range layer.Parameters {
			params[k] = v
		}
		layer.Parameters = params
		model.Layers[i] = layer
	}

	// Compute shapes and parameter information
	currentShape := mb.inputShape
	var allParameterShapes [][]int
	totalParams := int64(0)

	for i := range model.Layers {
		layer := &model.Layers[i]

		// Set input shape for this layer
		layer.InputShape = make([]int, len(currentShape))
		copy(layer.InputShape, currentShape)

		// Compute output shape and parameters based on layer type
		outputShape, paramShapes, paramCount, err := mb.computeLayerInfo(layer, currentShape)
		if err != nil {
			return nil, fmt.Errorf("failed to compute layer %d (%s) info: %w", i, layer.Name, err)
		}

		layer.OutputShape = outputShape
		layer.ParameterShapes = paramShapes
		layer.ParameterCount = paramCount

		// Add to global parameter information
		allParameterShapes = append(allParameterShapes, paramShapes...)
		totalParams += paramCount

		// Update current shape for next layer
		currentShape = outputShape
	}

	model.OutputShape = currentShape
	model.ParameterShapes = allParameterShapes
	model.TotalParameters = totalParams
	model.Compiled = true
	mb.compiled = true

	return model, nil
}

// computeLayerInfo computes output shape and parameter information for a layer
func (mb *ModelBuilder) computeLayerInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	switch layer.Type {
	case Dense:
		return mb.computeDenseInfo(layer, inputShape)
	case Conv2D:
		return mb.computeConv2DInfo(layer, inputShape)
	case MaxPool2D:
		return mb.computeMaxPoolInfo(layer, inputShape)
	case Flatten:
		return []int{product(inputShape)}, [][]int{}, 0, nil
	case ReLU, Softmax:
		return mb.computeActivationInfo(layer, inputShape)
	default:
		return nil, nil, 0, fmt.Errorf("unsupported layer type: %s", layer.Type.String())
	}
}

// computeDenseInfo computes dense layer information
func (mb *ModelBuilder) computeDenseInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	outputSize := getIntParam(layer.Parameters, "output_size", 0)
	if outputSize <= 0 {
		return nil, nil, 0, fmt.Errorf("missing or invalid output_size parameter")
	}
	useBias := getBoolParam(layer.Parameters, "use_bias", true)

	// Inputs of any rank are flattened
	inputSize := product(inputShape)
	layer.Parameters["input_size"] = inputSize

	var paramShapes [][]int
	paramCount := int64(0)

	// Weight matrix: [inputSize, outputSize]
	paramShapes = append(paramShapes, []int{inputSize, outputSize})
	paramCount += int64(inputSize * outputSize)

	if useBias {
		paramShapes = append(paramShapes, []int{outputSize})
		paramCount += int64(outputSize)
	}

	return []int{outputSize}, paramShapes, paramCount, nil
}

// computeConv2DInfo computes Conv2D layer information for [H,W,C] input
func (mb *ModelBuilder) computeConv2DInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 3 {
		return nil, nil, 0, fmt.Errorf("Conv2D layer requires 3D input [height, width, channels], got %v", inputShape)
	}

	outputChannels := getIntParam(layer.Parameters, "output_channels", 0)
	if outputChannels <= 0 {
		return nil, nil, 0, fmt.Errorf("missing or invalid output_channels parameter")
	}
	kernelSize := getIntParam(layer.Parameters, "kernel_size", 0)
	if kernelSize <= 0 {
		return nil, nil, 0, fmt.Errorf("missing or invalid kernel_size parameter")
	}
	stride := getIntParam(layer.Parameters, "stride", 1)
	if stride <= 0 {
		return nil, nil, 0, fmt.Errorf("stride must be positive, got %d", stride)
	}
	padding := getIntParam(layer.Parameters, "padding", 0)
	useBias := getBoolParam(layer.Parameters, "use_bias", true)

	inputHeight, inputWidth, inputChannels := inputShape[0], inputShape[1], inputShape[2]
	layer.Parameters["input_channels"] = inputChannels

	outputHeight := (inputHeight+2*padding-kernelSize)/stride + 1
	outputWidth := (inputWidth+2*padding-kernelSize)/stride + 1
	if inputHeight+2*padding < kernelSize || inputWidth+2*padding < kernelSize {
		return nil, nil, 0, fmt.Errorf("input %dx%d is smaller than the %dx%d kernel",
			inputHeight, inputWidth, kernelSize, kernelSize)
	}

	var paramShapes [][]int
	paramCount := int64(0)

	// Weight tensor: [kernelSize, kernelSize, inputChannels, outputChannels]
	paramShapes = append(paramShapes, []int{kernelSize, kernelSize, inputChannels, outputChannels})
	paramCount += int64(kernelSize * kernelSize * inputChannels * outputChannels)

	if useBias {
		paramShapes = append(paramShapes, []int{outputChannels})
		paramCount += int64(outputChannels)
	}

	return []int{outputHeight, outputWidth, outputChannels}, paramShapes, paramCount, nil
}

// computeMaxPoolInfo computes max pooling layer information. "same" padding
// yields ceil(in/stride) so odd and tiny inputs stay valid.
func (mb *ModelBuilder) computeMaxPoolInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 3 {
		return nil, nil, 0, fmt.Errorf("MaxPool2D layer requires 3D input [height, width, channels], got %v", inputShape)
	}
	poolSize := getIntParam(layer.Parameters, "pool_size", 2)
	stride := getIntParam(layer.Parameters, "stride", poolSize)
	if poolSize <= 0 || stride <= 0 {
		return nil, nil, 0, fmt.Errorf("pool size and stride must be positive")
	}
	padding := getStringParam(layer.Parameters, "padding", PaddingValid)

	var outH, outW int
	switch padding {
	case PaddingSame:
		outH = (inputShape[0] + stride - 1) / stride
		outW = (inputShape[1] + stride - 1) / stride
	case PaddingValid:
		if inputShape[0] < poolSize || inputShape[1] < poolSize {
			return nil, nil, 0, fmt.Errorf("input %dx%d is smaller than the %dx%d pool window",
				inputShape[0], inputShape[1], poolSize, poolSize)
		}
		outH = (inputShape[0]-poolSize)/stride + 1
		outW = (inputShape[1]-poolSize)/stride + 1
	default:
		return nil, nil, 0, fmt.Errorf("unknown padding %q", padding)
	}

	return []int{outH, outW, inputShape[2]}, [][]int{}, 0, nil
}

func (mb *ModelBuilder) computeActivationInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	// Activation layers don't change shape and have no parameters
	outputShape := make([]int, len(inputShape))
	copy(outputShape, inputShape)

	return outputShape, [][]int{}, 0, nil
}

// GetCompiledModel returns the compiled model (must call Compile first)
func (mb *ModelBuilder) GetCompiledModel() (*ModelSpec, error) {
	if !mb.compiled {
		return nil, fmt.Errorf("model not compiled - call Compile() first")
	}

	return mb.Compile() // Re-compile to get fresh copy
}

// Recompile rebuilds a spec from its input shape and layer configuration alone
// and checks that the result matches the recorded parameter shapes. It is used
// to validate topologies read back from disk.
func Recompile(spec *ModelSpec) (*ModelSpec, error) {
	if spec == nil {
		return nil, fmt.Errorf("model spec is nil")
	}
	builder := NewModelBuilder(spec.InputShape)
	for _, layer := range spec.Layers {
		builder.AddLayer(LayerSpec{Type: layer.Type, Name: layer.Name, Parameters: layer.Parameters})
	}
	rebuilt, err := builder.Compile()
	if err != nil {
		return nil, err
	}
	if spec.Compiled {
		if len(rebuilt.ParameterShapes) != len(spec.ParameterShapes) {
			return nil, fmt.Errorf("topology declares %d parameter tensors, layers produce %d",
				len(spec.ParameterShapes), len(rebuilt.ParameterShapes))
		}
		for i := range rebuilt.ParameterShapes {
			if !sameShape(rebuilt.ParameterShapes[i], spec.ParameterShapes[i]) {
				return nil, fmt.Errorf("parameter %d: recorded shape %v, layers produce %v",
					i, spec.ParameterShapes[i], rebuilt.ParameterShapes[i])
			}
		}
	}
	return rebuilt, nil
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	var sb strings.Builder
	sb.WriteString("Model Summary:\n")
	fmt.Fprintf(&sb, "Input Shape: %v\n", ms.InputShape)
	fmt.Fprintf(&sb, "Output Shape: %v\n", ms.OutputShape)
	fmt.Fprintf(&sb, "Total Parameters: %d\n", ms.TotalParameters)
	fmt.Fprintf(&sb, "Layers: %d\n\n", len(ms.Layers))

	for i, layer := range ms.Layers {
		fmt.Fprintf(&sb, "Layer %d: %s (%s)\n", i+1, layer.Name, layer.Type.String())
		fmt.Fprintf(&sb, "  Input:  %v\n", layer.InputShape)
		fmt.Fprintf(&sb, "  Output: %v\n", layer.OutputShape)
		fmt.Fprintf(&sb, "  Params: %d\n", layer.ParameterCount)

		if len(layer.Parameters) > 0 {
			fmt.Fprintf(&sb, "  Config: %v\n", layer.Parameters)
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

// NumClasses returns the width of the model output
func (ms *ModelSpec) NumClasses() int {
	if len(ms.OutputShape) == 0 {
		return 0
	}
	return ms.OutputShape[len(ms.OutputShape)-1]
}

// ValidateModelForInference checks that the model ends in a softmax over a
// one-dimensional class vector
func (ms *ModelSpec) ValidateModelForInference() error {
	if !ms.Compiled {
		return fmt.Errorf("model not compiled")
	}
	if len(ms.Layers) == 0 {
		return fmt.Errorf("model has no layers")
	}
	last := ms.Layers[len(ms.Layers)-1]
	if last.Type != Softmax {
		return fmt.Errorf("last layer must be Softmax, got %s", last.Type)
	}
	if len(ms.OutputShape) != 1 {
		return fmt.Errorf("model output must be a class vector, got shape %v", ms.OutputShape)
	}
	return nil
}

// Helper functions for parameter extraction. Values decoded from JSON arrive as
// float64, so numeric getters accept both.
func getIntParam(params map[string]interface{}, key string, defaultValue int) int {
	if val, exists := params[key]; exists {
		switch v := val.(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		case float32:
			return int(v)
		}
	}
	return defaultValue
}

func getBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, exists := params[key]; exists {
		if boolVal, ok := val.(bool); ok {
			return boolVal
		}
	}
	return defaultValue
}

func getStringParam(params map[string]interface{}, key string, defaultValue string) string {
	if val, exists := params[key]; exists {
		if s, ok := val.(string); ok {
			return s
		}
	}
	return defaultValue
}

// IntParam reads an integer layer parameter
func (ls *LayerSpec) IntParam(key string, defaultValue int) int {
	return getIntParam(ls.Parameters, key, defaultValue)
}

// BoolParam reads a boolean layer parameter
func (ls *LayerSpec) BoolParam(key string, defaultValue bool) bool {
	return getBoolParam(ls.Parameters, key, defaultValue)
}

// StringParam reads a string layer parameter
func (ls *LayerSpec) StringParam(key string, defaultValue string) string {
	return getStringParam(ls.Parameters, key, defaultValue)
}

func product(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
