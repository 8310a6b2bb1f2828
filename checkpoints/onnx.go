package checkpoints

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tsawler/go-superres/layers"
)

const (
	onnxIRVersion = 7
	onnxOpset     = 13

	// TensorProto.DataType
	onnxFloat = 1

	// AttributeProto.AttributeType
	attrFloat = 1
	attrInts  = 7
)

// Field numbers from onnx.proto
const (
	modelIRVersion       protowire.Number = 1
	modelProducerName    protowire.Number = 2
	modelProducerVersion protowire.Number = 3
	modelGraph           protowire.Number = 7
	modelOpsetImport     protowire.Number = 8

	graphNode        protowire.Number = 1
	graphName        protowire.Number = 2
	graphInitializer protowire.Number = 5
	graphInput       protowire.Number = 11
	graphOutput      protowire.Number = 12

	nodeInput     protowire.Number = 1
	nodeOutput    protowire.Number = 2
	nodeName      protowire.Number = 3
	nodeOpType    protowire.Number = 4
	nodeAttribute protowire.Number = 5

	attrName  protowire.Number = 1
	attrF     protowire.Number = 2
	attrIntsF protowire.Number = 8
	attrType  protowire.Number = 20

	tensorDims     protowire.Number = 1
	tensorDataType protowire.Number = 2
	tensorName     protowire.Number = 8
	tensorRawData  protowire.Number = 9

	valueInfoName protowire.Number = 1
	valueInfoType protowire.Number = 2

	typeTensorType protowire.Number = 1
	tensorElemType protowire.Number = 1
	tensorShape    protowire.Number = 2
	shapeDim       protowire.Number = 1
	dimValue       protowire.Number = 1
	dimParam       protowire.Number = 2
	opsetDomain    protowire.Number = 1
	opsetVersion   protowire.Number = 2
)

// ONNXExporter writes the encoder-decoder network as an ONNX model. The
// protobuf messages are encoded field by field with protowire.
type ONNXExporter struct {
	fs       afero.Fs
	producer string
	version  string
}

// NewONNXExporter creates a new ONNX exporter
func NewONNXExporter(fs afero.Fs) *ONNXExporter {
	return &ONNXExporter{fs: fs, producer: "go-superres", version: "1.0.0"}
}

// Export converts a compiled model and its state dict to an ONNX file
func (oe *ONNXExporter) Export(spec *layers.ModelSpec, weights []WeightTensor, path string) error {
	data, err := oe.Marshal(spec, weights)
	if err != nil {
		return err
	}
	if err := afero.WriteFile(oe.fs, path, data, 0644); err != nil {
		return errors.Wrap(err, "failed to write ONNX file")
	}
	return nil
}

// Marshal encodes the ModelProto bytes
func (oe *ONNXExporter) Marshal(spec *layers.ModelSpec, weights []WeightTensor) ([]byte, error) {
	if spec == nil || !spec.Compiled {
		return nil, errors.New("model must be compiled before ONNX export")
	}

	graph, err := oe.buildGraph(spec, weights)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build ONNX graph")
	}

	var opset []byte
	opset = appendString(opset, opsetDomain, "")
	opset = appendVarint(opset, opsetVersion, onnxOpset)

	var model []byte
	model = appendVarint(model, modelIRVersion, onnxIRVersion)
	model = appendString(model, modelProducerName, oe.producer)
	model = appendString(model, modelProducerVersion, oe.version)
	model = appendMessage(model, modelGraph, graph)
	model = appendMessage(model, modelOpsetImport, opset)
	return model, nil
}

type graphBuilder struct {
	weights map[string]WeightTensor
	nodes   [][]byte
	inits   [][]byte
	used    map[string]bool
}

func (gb *graphBuilder) initializer(name string) (string, error) {
	w, ok := gb.weights[name]
	if !ok {
		return "", errors.Errorf("missing weight %s", name)
	}
	if !gb.used[name] {
		gb.used[name] = true
		gb.inits = append(gb.inits, tensorProto(w))
	}
	return name, nil
}

func (gb *graphBuilder) node(op, name string, inputs []string, output string, attrs ...[]byte) {
	var n []byte
	for _, in := range inputs {
		n = appendString(n, nodeInput, in)
	}
	n = appendString(n, nodeOutput, output)
	n = appendString(n, nodeName, name)
	n = appendString(n, nodeOpType, op)
	for _, a := range attrs {
		n = appendMessage(n, nodeAttribute, a)
	}
	gb.nodes = append(gb.nodes, n)
}

func (oe *ONNXExporter) buildGraph(spec *layers.ModelSpec, weights []WeightTensor) ([]byte, error) {
	gb := &graphBuilder{
		weights: make(map[string]WeightTensor, len(weights)),
		used:    make(map[string]bool),
	}
	for _, w := range weights {
		gb.weights[w.Name] = w
	}

	current := "input"
	skips := make(map[int]string)
	last := len(spec.Stages) - 1

	for si, stage := range spec.Stages {
		for li, layer := range stage.Layers {
			output := layer.Name
			if si == last && li == len(stage.Layers)-1 {
				output = "output"
			}

			switch layer.Type {
			case layers.Conv2D:
				w, err := gb.initializer(layer.Name + ".weight")
				if err != nil {
					return nil, err
				}
				b, err := gb.initializer(layer.Name + ".bias")
				if err != nil {
					return nil, err
				}
				k := layer.IntParam("kernel_size", 3)
				p := layer.IntParam("padding", 0)
				s := layer.IntParam("stride", 1)
				gb.node("Conv", layer.Name, []string{current, w, b}, output,
					intsAttr("kernel_shape", k, k),
					intsAttr("pads", p, p, p, p),
					intsAttr("strides", s, s))
				if stage.Kind == layers.EncoderStage {
					skips[si] = output
				}

			case layers.ConvTranspose2D:
				w, err := gb.initializer(layer.Name + ".weight")
				if err != nil {
					return nil, err
				}
				b, err := gb.initializer(layer.Name + ".bias")
				if err != nil {
					return nil, err
				}
				k := layer.IntParam("kernel_size", 2)
				s := layer.IntParam("stride", 2)
				gb.node("ConvTranspose", layer.Name, []string{current, w, b}, output,
					intsAttr("kernel_shape", k, k),
					intsAttr("strides", s, s),
					intsAttr("output_shape", layer.OutputShape[2], layer.OutputShape[3]))

			case layers.Add:
				skip, ok := skips[stage.SkipFrom]
				if !ok {
					return nil, errors.Errorf("%s: no encoder output for stage %d", layer.Name, stage.SkipFrom)
				}
				gb.node("Add", layer.Name, []string{current, skip}, output)

			case layers.BatchNorm:
				inputs := []string{current}
				for _, suffix := range []string{".weight", ".bias", ".running_mean", ".running_var"} {
					name, err := gb.initializer(layer.Name + suffix)
					if err != nil {
						return nil, err
					}
					inputs = append(inputs, name)
				}
				eps := float32(1e-5)
				if v, ok := layer.Parameters["eps"].(float32); ok {
					eps = v
				}
				gb.node("BatchNormalization", layer.Name, inputs, output,
					floatAttr("epsilon", eps),
					floatAttr("momentum", 0.9))

			case layers.ReLU:
				gb.node("Relu", layer.Name, []string{current}, output)

			case layers.MaxPool2D:
				k := layer.IntParam("kernel_size", 2)
				s := layer.IntParam("stride", 2)
				gb.node("MaxPool", layer.Name, []string{current}, output,
					intsAttr("kernel_shape", k, k),
					intsAttr("strides", s, s))

			default:
				return nil, errors.Errorf("unsupported layer type for ONNX export: %s", layer.Type)
			}

			current = output
		}
	}

	var graph []byte
	for _, n := range gb.nodes {
		graph = appendMessage(graph, graphNode, n)
	}
	graph = appendString(graph, graphName, "superres-autoencoder")
	for _, init := range gb.inits {
		graph = appendMessage(graph, graphInitializer, init)
	}
	graph = appendMessage(graph, graphInput, valueInfo("input", spec.InputShape))
	graph = appendMessage(graph, graphOutput, valueInfo("output", spec.OutputShape))
	return graph, nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendVarint(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func intsAttr(name string, values ...int) []byte {
	var a []byte
	a = appendString(a, attrName, name)
	for _, v := range values {
		a = appendVarint(a, attrIntsF, int64(v))
	}
	return appendVarint(a, attrType, attrInts)
}

func floatAttr(name string, v float32) []byte {
	var a []byte
	a = appendString(a, attrName, name)
	a = protowire.AppendTag(a, attrF, protowire.Fixed32Type)
	a = protowire.AppendFixed32(a, math.Float32bits(v))
	return appendVarint(a, attrType, attrFloat)
}

func tensorProto(w WeightTensor) []byte {
	var t []byte
	for _, d := range w.Shape {
		t = appendVarint(t, tensorDims, int64(d))
	}
	t = appendVarint(t, tensorDataType, onnxFloat)
	t = appendString(t, tensorName, w.Name)

	raw := make([]byte, 4*len(w.Data))
	for i, v := range w.Data {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}
	return appendMessage(t, tensorRawData, raw)
}

// valueInfo describes a float tensor with a symbolic batch dimension
func valueInfo(name string, shape []int) []byte {
	var dims []byte
	for i, d := range shape {
		var dim []byte
		if i == 0 {
			dim = appendString(dim, dimParam, "batch")
		} else {
			dim = appendVarint(dim, dimValue, int64(d))
		}
		dims = appendMessage(dims, shapeDim, dim)
	}

	var tensor []byte
	tensor = appendVarint(tensor, tensorElemType, onnxFloat)
	tensor = appendMessage(tensor, tensorShape, dims)

	var typ []byte
	typ = appendMessage(typ, typeTensorType, tensor)

	var vi []byte
	vi = appendString(vi, valueInfoName, name)
	return appendMessage(vi, valueInfoType, typ)
}

// ONNXSummary lists the top-level contents of an ONNX model
type ONNXSummary struct {
	IRVersion    int64
	Producer     string
	GraphName    string
	OpTypes      []string
	Initializers map[string][]int
	Inputs       []string
	Outputs      []string
}

// InspectONNX reads back the graph structure of an exported model
func InspectONNX(fs afero.Fs, path string) (*ONNXSummary, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read ONNX file")
	}
	return ParseONNX(data)
}

// ParseONNX decodes the fields of a ModelProto that ONNXSummary reports
func ParseONNX(data []byte) (*ONNXSummary, error) {
	summary := &ONNXSummary{Initializers: make(map[string][]int)}

	err := walk(data, func(num protowire.Number, typ protowire.Type, v uint64, b []byte) error {
		switch num {
		case modelIRVersion:
			summary.IRVersion = int64(v)
		case modelProducerName:
			summary.Producer = string(b)
		case modelGraph:
			return parseGraph(b, summary)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "malformed ONNX model")
	}
	return summary, nil
}

func parseGraph(data []byte, summary *ONNXSummary) error {
	return walk(data, func(num protowire.Number, typ protowire.Type, v uint64, b []byte) error {
		switch num {
		case graphName:
			summary.GraphName = string(b)
		case graphNode:
			return walk(b, func(num protowire.Number, typ protowire.Type, v uint64, b []byte) error {
				if num == nodeOpType {
					summary.OpTypes = append(summary.OpTypes, string(b))
				}
				return nil
			})
		case graphInitializer:
			var name string
			var dims []int
			err := walk(b, func(num protowire.Number, typ protowire.Type, v uint64, b []byte) error {
				switch num {
				case tensorName:
					name = string(b)
				case tensorDims:
					dims = append(dims, int(v))
				}
				return nil
			})
			summary.Initializers[name] = dims
			return err
		case graphInput, graphOutput:
			return walk(b, func(field protowire.Number, typ protowire.Type, v uint64, b []byte) error {
				if field != valueInfoName {
					return nil
				}
				if num == graphInput {
					summary.Inputs = append(summary.Inputs, string(b))
				} else {
					summary.Outputs = append(summary.Outputs, string(b))
				}
				return nil
			})
		}
		return nil
	})
}

// walk visits each field of a message. Varint and fixed values are passed
// in v, length-delimited payloads in b.
func walk(data []byte, visit func(num protowire.Number, typ protowire.Type, v uint64, b []byte) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		var v uint64
		var b []byte
		switch typ {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(data)
		case protowire.Fixed32Type:
			var f uint32
			f, n = protowire.ConsumeFixed32(data)
			v = uint64(f)
		case protowire.Fixed64Type:
			v, n = protowire.ConsumeFixed64(data)
		case protowire.BytesType:
			b, n = protowire.ConsumeBytes(data)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		if err := visit(num, typ, v, b); err != nil {
			return err
		}
	}
	return nil
}
