package layers

import (
	"fmt"
	"strings"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Conv2D LayerType = iota
	ConvTranspose2D
	BatchNorm
	ReLU
	MaxPool2D
	Add
)

func (lt LayerType) String() string {
	switch lt {
	case Conv2D:
		return "Conv2D"
	case ConvTranspose2D:
		return "ConvTranspose2D"
	case BatchNorm:
		return "BatchNorm"
	case ReLU:
		return "ReLU"
	case MaxPool2D:
		return "MaxPool2D"
	case Add:
		return "Add"
	default:
		return "Unknown"
	}
}

// StageKind tags a block of the encoder-decoder network
type StageKind int

const (
	// EncoderStage is Conv2D -> BatchNorm -> ReLU -> MaxPool2D
	EncoderStage StageKind = iota
	// DecoderStage is ConvTranspose2D -> Add(skip) -> BatchNorm -> ReLU
	DecoderStage
	// OutputStage is a single Conv2D back to image channels
	OutputStage
)

func (sk StageKind) String() string {
	switch sk {
	case EncoderStage:
		return "Encoder"
	case DecoderStage:
		return "Decoder"
	case OutputStage:
		return "Output"
	default:
		return "Unknown"
	}
}

// LayerSpec defines layer configuration. This is pure configuration, no
// execution logic.
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	// Shape information (computed during model compilation)
	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	// Parameter metadata (computed during model compilation)
	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`
}

// IntParam returns an integer layer parameter or defaultValue
func (ls LayerSpec) IntParam(key string, defaultValue int) int {
	return getIntParam(ls.Parameters, key, defaultValue)
}

// StageSpec is one tagged block of the network
type StageSpec struct {
	Kind        StageKind   `json:"kind"`
	Name        string      `json:"name"`
	InChannels  int         `json:"in_channels"`
	OutChannels int         `json:"out_channels"`
	SkipFrom    int         `json:"skip_from"` // encoder stage index, -1 when unused
	Layers      []LayerSpec `json:"layers"`

	InputShape     []int `json:"input_shape,omitempty"`
	OutputShape    []int `json:"output_shape,omitempty"`
	ParameterCount int64 `json:"parameter_count,omitempty"`
}

// ModelSpec defines the complete encoder-decoder network as stage
// configuration
type ModelSpec struct {
	Stages         []StageSpec `json:"stages"`
	HiddenChannels []int       `json:"hidden_channels"`
	ImageChannels  int         `json:"image_channels"`

	// Compiled model information
	TotalParameters int64   `json:"total_parameters"`
	ParameterShapes [][]int `json:"parameter_shapes"`
	InputShape      []int   `json:"input_shape"`
	OutputShape     []int   `json:"output_shape"`
	Compiled        bool    `json:"compiled"`
}

// ImageChannels is the channel count of network inputs and outputs
const ImageChannels = 3

// ModelBuilder assembles the stage sequence for a list of hidden widths
type ModelBuilder struct {
	hidden []int
}

// NewModelBuilder creates a new model builder
func NewModelBuilder(hidden []int) *ModelBuilder {
	return &ModelBuilder{hidden: append([]int(nil), hidden...)}
}

// Build returns the uncompiled stage sequence: one encoder stage per hidden
// width starting from 3 channels, a mirrored decoder consuming the widths in
// reverse, and a final convolution back to 3 channels.
func (mb *ModelBuilder) Build() (*ModelSpec, error) {
	if len(mb.hidden) == 0 {
		return nil, fmt.Errorf("at least one hidden channel width is required")
	}
	for i, c := range mb.hidden {
		if c <= 0 {
			return nil, fmt.Errorf("hidden channel width %d must be positive, got %d", i, c)
		}
	}

	n := len(mb.hidden)
	model := &ModelSpec{
		HiddenChannels: append([]int(nil), mb.hidden...),
		ImageChannels:  ImageChannels,
	}

	in := ImageChannels
	for i, out := range mb.hidden {
		name := fmt.Sprintf("encoder%d", i)
		model.Stages = append(model.Stages, StageSpec{
			Kind:        EncoderStage,
			Name:        name,
			InChannels:  in,
			OutChannels: out,
			SkipFrom:    -1,
			Layers: []LayerSpec{
				conv2DSpec(in, out, 3, 1, 1, name+".conv"),
				batchNormSpec(out, name+".bn"),
				{Type: ReLU, Name: name + ".relu", Parameters: map[string]interface{}{}},
				maxPoolSpec(2, 2, name+".pool"),
			},
		})
		in = out
	}

	for i := 0; i < n; i++ {
		out := mb.hidden[n-1-i]
		name := fmt.Sprintf("decoder%d", i)
		model.Stages = append(model.Stages, StageSpec{
			Kind:        DecoderStage,
			Name:        name,
			InChannels:  in,
			OutChannels: out,
			SkipFrom:    n - 1 - i,
			Layers: []LayerSpec{
				convTranspose2DSpec(in, out, 2, 2, name+".upconv"),
				{Type: Add, Name: name + ".skip", Parameters: map[string]interface{}{"skip_from": n - 1 - i}},
				batchNormSpec(out, name+".bn"),
				{Type: ReLU, Name: name + ".relu", Parameters: map[string]interface{}{}},
			},
		})
		in = out
	}

	model.Stages = append(model.Stages, StageSpec{
		Kind:        OutputStage,
		Name:        "output",
		InChannels:  in,
		OutChannels: ImageChannels,
		SkipFrom:    -1,
		Layers:      []LayerSpec{conv2DSpec(in, ImageChannels, 3, 1, 1, "output.conv")},
	})

	return model, nil
}

func conv2DSpec(in, out, kernel, stride, padding int, name string) LayerSpec {
	return LayerSpec{
		Type: Conv2D,
		Name: name,
		Parameters: map[string]interface{}{
			"input_channels":  in,
			"output_channels": out,
			"kernel_size":     kernel,
			"stride":          stride,
			"padding":         padding,
			"use_bias":        true,
		},
	}
}

func convTranspose2DSpec(in, out, kernel, stride int, name string) LayerSpec {
	return LayerSpec{
		Type: ConvTranspose2D,
		Name: name,
		Parameters: map[string]interface{}{
			"input_channels":  in,
			"output_channels": out,
			"kernel_size":     kernel,
			"stride":          stride,
			"use_bias":        true,
		},
	}
}

func batchNormSpec(features int, name string) LayerSpec {
	return LayerSpec{
		Type: BatchNorm,
		Name: name,
		Parameters: map[string]interface{}{
			"num_features": features,
			"eps":          float32(1e-5),
			"momentum":     float32(0.1),
			"affine":       true,
		},
	}
}

func maxPoolSpec(kernel, stride int, name string) LayerSpec {
	return LayerSpec{
		Type: MaxPool2D,
		Name: name,
		Parameters: map[string]interface{}{
			"kernel_size": kernel,
			"stride":      stride,
		},
	}
}

// Compile computes per-layer shapes and parameter counts for an NCHW input
// shape. Decoder up-sampling reproduces the spatial size of the matching
// encoder convolution output, so odd sizes are supported as long as every
// pooled size stays positive.
func (ms *ModelSpec) Compile(inputShape []int) error {
	if len(inputShape) != 4 {
		return fmt.Errorf("input shape must be [batch, channels, height, width], got %v", inputShape)
	}
	if inputShape[1] != ms.ImageChannels {
		return fmt.Errorf("expected %d input channels, got %d", ms.ImageChannels, inputShape[1])
	}

	ms.InputShape = append([]int(nil), inputShape...)
	ms.ParameterShapes = nil
	ms.TotalParameters = 0

	skips := make(map[int][]int)
	current := ms.InputShape

	for si := range ms.Stages {
		stage := &ms.Stages[si]
		stage.InputShape = append([]int(nil), current...)
		stage.ParameterCount = 0

		for li := range stage.Layers {
			layer := &stage.Layers[li]
			layer.InputShape = append([]int(nil), current...)

			out, params, count, err := computeLayerInfo(layer, current, stage, skips)
			if err != nil {
				return fmt.Errorf("failed to compute layer %s info: %v", layer.Name, err)
			}

			layer.OutputShape = out
			layer.ParameterShapes = params
			layer.ParameterCount = count
			stage.ParameterCount += count
			ms.ParameterShapes = append(ms.ParameterShapes, params...)
			ms.TotalParameters += count

			if stage.Kind == EncoderStage && layer.Type == Conv2D {
				skips[si] = out
			}
			current = out
		}

		stage.OutputShape = append([]int(nil), current...)
	}

	ms.OutputShape = append([]int(nil), current...)
	ms.Compiled = true
	return nil
}

func computeLayerInfo(layer *LayerSpec, in []int, stage *StageSpec, skips map[int][]int) ([]int, [][]int, int64, error) {
	batch, channels, height, width := in[0], in[1], in[2], in[3]

	switch layer.Type {
	case Conv2D:
		out := layer.IntParam("output_channels", 0)
		k := layer.IntParam("kernel_size", 3)
		s := layer.IntParam("stride", 1)
		p := layer.IntParam("padding", 0)
		if channels != layer.IntParam("input_channels", channels) {
			return nil, nil, 0, fmt.Errorf("expected %d input channels, got %d", layer.IntParam("input_channels", 0), channels)
		}
		oh := (height+2*p-k)/s + 1
		ow := (width+2*p-k)/s + 1
		if oh <= 0 || ow <= 0 {
			return nil, nil, 0, fmt.Errorf("input %dx%d too small", height, width)
		}
		return []int{batch, out, oh, ow},
			[][]int{{out, channels, k, k}, {out}},
			int64(out*channels*k*k + out), nil

	case ConvTranspose2D:
		out := layer.IntParam("output_channels", 0)
		k := layer.IntParam("kernel_size", 2)
		s := layer.IntParam("stride", 2)
		skip, ok := skips[stage.SkipFrom]
		if !ok {
			return nil, nil, 0, fmt.Errorf("no encoder output recorded for stage %d", stage.SkipFrom)
		}
		oh, ow := skip[2], skip[3]
		nominalH := (height-1)*s + k
		nominalW := (width-1)*s + k
		if oh-nominalH < 0 || oh-nominalH >= s || ow-nominalW < 0 || ow-nominalW >= s {
			return nil, nil, 0, fmt.Errorf("cannot upsample %dx%d to %dx%d", height, width, oh, ow)
		}
		return []int{batch, out, oh, ow},
			[][]int{{channels, out, k, k}, {out}},
			int64(channels*out*k*k + out), nil

	case Add:
		skip := skips[stage.SkipFrom]
		if len(skip) != 4 || skip[1] != channels || skip[2] != height || skip[3] != width {
			return nil, nil, 0, fmt.Errorf("skip shape %v does not match %v", skip, in)
		}
		return append([]int(nil), in...), nil, 0, nil

	case BatchNorm:
		features := layer.IntParam("num_features", channels)
		if features != channels {
			return nil, nil, 0, fmt.Errorf("expected %d features, got %d", features, channels)
		}
		return append([]int(nil), in...), [][]int{{channels}, {channels}}, int64(2 * channels), nil

	case ReLU:
		return append([]int(nil), in...), nil, 0, nil

	case MaxPool2D:
		k := layer.IntParam("kernel_size", 2)
		s := layer.IntParam("stride", 2)
		oh := (height-k)/s + 1
		ow := (width-k)/s + 1
		if height < k || width < k {
			return nil, nil, 0, fmt.Errorf("input %dx%d too small to pool", height, width)
		}
		return []int{batch, channels, oh, ow}, nil, 0, nil

	default:
		return nil, nil, 0, fmt.Errorf("unsupported layer type: %s", layer.Type.String())
	}
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Model Summary:\n")
	fmt.Fprintf(&sb, "Input Shape: %v\n", ms.InputShape)
	fmt.Fprintf(&sb, "Output Shape: %v\n", ms.OutputShape)
	fmt.Fprintf(&sb, "Total Parameters: %d\n", ms.TotalParameters)
	fmt.Fprintf(&sb, "Stages: %d\n\n", len(ms.Stages))

	for i, stage := range ms.Stages {
		fmt.Fprintf(&sb, "Stage %d: %s (%s) %d -> %d channels\n", i+1, stage.Name, stage.Kind, stage.InChannels, stage.OutChannels)
		if stage.SkipFrom >= 0 {
			fmt.Fprintf(&sb, "  Skip:   encoder%d\n", stage.SkipFrom)
		}
		fmt.Fprintf(&sb, "  Input:  %v\n", stage.InputShape)
		fmt.Fprintf(&sb, "  Output: %v\n", stage.OutputShape)
		fmt.Fprintf(&sb, "  Params: %d\n\n", stage.ParameterCount)
	}

	return sb.String()
}

// DownsampleFactor is the spatial reduction at the bottleneck
func (ms *ModelSpec) DownsampleFactor() int {
	return 1 << uint(len(ms.HiddenChannels))
}

func getIntParam(params map[string]interface{}, key string, defaultValue int) int {
	if val, ok := params[key]; ok {
		switch v := val.(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
	}
	return defaultValue
}
