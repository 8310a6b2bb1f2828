package training

import (
	"fmt"
	"io"

	"github.com/tsawler/go-superres/layers"
)

// ModelArchitecturePrinter prints PyTorch-style model architecture
type ModelArchitecturePrinter struct {
	modelName string
}

// NewModelArchitecturePrinter creates a new model architecture printer
func NewModelArchitecturePrinter(modelName string) *ModelArchitecturePrinter {
	return &ModelArchitecturePrinter{
		modelName: modelName,
	}
}

// PrintArchitecture writes the stages of a compiled model to w
func (p *ModelArchitecturePrinter) PrintArchitecture(w io.Writer, modelSpec *layers.ModelSpec) {
	fmt.Fprintf(w, "Model Architecture:\n")
	fmt.Fprintf(w, "%s(\n", p.modelName)

	for _, stage := range modelSpec.Stages {
		fmt.Fprintf(w, "  (%s): %s(\n", stage.Name, stage.Kind)
		for _, layer := range stage.Layers {
			fmt.Fprintf(w, "    %s\n", p.formatLayer(layer, stage))
		}
		fmt.Fprintf(w, "  )\n")
	}

	fmt.Fprintf(w, ")\n\n")

	fmt.Fprintf(w, "Total parameters: %s\n", formatParameterCount(modelSpec.TotalParameters))
	if modelSpec.Compiled {
		fmt.Fprintf(w, "Input size (MB): %.3f\n", tensorMB(modelSpec.InputShape))
		fmt.Fprintf(w, "Forward/backward pass size (MB): %.3f\n", estimateForwardBackwardSize(modelSpec))
	}
	fmt.Fprintf(w, "Params size (MB): %.3f\n\n", float64(modelSpec.TotalParameters*4)/1024/1024)
}

// formatLayer formats a single layer for display
func (p *ModelArchitecturePrinter) formatLayer(layer layers.LayerSpec, stage layers.StageSpec) string {
	switch layer.Type {
	case layers.Conv2D:
		k := layer.IntParam("kernel_size", 3)
		s := layer.IntParam("stride", 1)
		pad := layer.IntParam("padding", 0)
		return fmt.Sprintf("(%s): Conv2d(%d, %d, kernel_size=(%d, %d), stride=(%d, %d), padding=(%d, %d))",
			layer.Name, layer.IntParam("input_channels", 0), layer.IntParam("output_channels", 0), k, k, s, s, pad, pad)
	case layers.ConvTranspose2D:
		k := layer.IntParam("kernel_size", 2)
		s := layer.IntParam("stride", 2)
		return fmt.Sprintf("(%s): ConvTranspose2d(%d, %d, kernel_size=(%d, %d), stride=(%d, %d))",
			layer.Name, layer.IntParam("input_channels", 0), layer.IntParam("output_channels", 0), k, k, s, s)
	case layers.BatchNorm:
		return fmt.Sprintf("(%s): BatchNorm2d(%d)", layer.Name, layer.IntParam("num_features", 0))
	case layers.ReLU:
		return fmt.Sprintf("(%s): ReLU()", layer.Name)
	case layers.MaxPool2D:
		return fmt.Sprintf("(%s): MaxPool2d(kernel_size=%d, stride=%d)",
			layer.Name, layer.IntParam("kernel_size", 2), layer.IntParam("stride", 2))
	case layers.Add:
		return fmt.Sprintf("(%s): Add(encoder%d)", layer.Name, stage.SkipFrom)
	default:
		return fmt.Sprintf("(%s): %s()", layer.Name, layer.Type.String())
	}
}

// formatParameterCount formats parameter count with K/M suffixes
func formatParameterCount(count int64) string {
	if count >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(count)/1000000.0)
	} else if count >= 1000 {
		return fmt.Sprintf("%.1fK", float64(count)/1000.0)
	}
	return fmt.Sprintf("%d", count)
}

// tensorMB is the float32 size of a shape in MB
func tensorMB(shape []int) float64 {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return float64(size*4) / 1024 / 1024
}

// estimateForwardBackwardSize sums the cached activations of every layer,
// doubled for their gradients
func estimateForwardBackwardSize(modelSpec *layers.ModelSpec) float64 {
	total := tensorMB(modelSpec.InputShape)
	for _, stage := range modelSpec.Stages {
		for _, layer := range stage.Layers {
			if len(layer.OutputShape) > 0 {
				total += tensorMB(layer.OutputShape)
			}
		}
	}
	return total * 2
}
