package engine

import (
	"math/rand"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/tsawler/go-superres/checkpoints"
	"github.com/tsawler/go-superres/layers"
)

type encoder struct {
	name string
	conv *Conv2D
	bn   *BatchNorm2D
	relu ReLU
	pool MaxPool2D
}

type decoder struct {
	name     string
	up       *ConvTranspose2D
	bn       *BatchNorm2D
	relu     ReLU
	skipFrom int
}

// Network executes a layers.ModelSpec on the CPU. A Network is not safe for
// concurrent use.
type Network struct {
	spec     *layers.ModelSpec
	encoders []*encoder
	decoders []*decoder
	output   *Conv2D

	training bool
	autocast bool

	// shape of the last training forward output, nil when nothing is cached
	outShape []int
}

// NewNetwork allocates and initialises the layers described by spec
func NewNetwork(spec *layers.ModelSpec, rng *rand.Rand) (*Network, error) {
	if spec == nil {
		return nil, errors.New("model spec is required")
	}
	if rng == nil {
		return nil, errors.New("random source is required for weight initialisation")
	}

	net := &Network{spec: spec, training: true}
	for _, stage := range spec.Stages {
		switch stage.Kind {
		case layers.EncoderStage:
			enc := &encoder{name: stage.Name, pool: MaxPool2D{Size: 2}}
			for _, l := range stage.Layers {
				switch l.Type {
				case layers.Conv2D:
					enc.conv = newConvFromSpec(l, rng)
				case layers.BatchNorm:
					enc.bn = NewBatchNorm2D(l.Name, l.IntParam("num_features", stage.OutChannels))
				case layers.MaxPool2D:
					enc.pool.Size = l.IntParam("kernel_size", 2)
				}
			}
			if enc.conv == nil || enc.bn == nil {
				return nil, errors.Errorf("encoder stage %s is incomplete", stage.Name)
			}
			net.encoders = append(net.encoders, enc)

		case layers.DecoderStage:
			if stage.SkipFrom < 0 || stage.SkipFrom >= len(net.encoders) {
				return nil, errors.Errorf("decoder stage %s skips from unknown encoder %d", stage.Name, stage.SkipFrom)
			}
			dec := &decoder{name: stage.Name, skipFrom: stage.SkipFrom}
			for _, l := range stage.Layers {
				switch l.Type {
				case layers.ConvTranspose2D:
					dec.up = NewConvTranspose2D(l.Name,
						l.IntParam("input_channels", stage.InChannels),
						l.IntParam("output_channels", stage.OutChannels),
						l.IntParam("kernel_size", 2),
						l.IntParam("stride", 2), rng)
				case layers.BatchNorm:
					dec.bn = NewBatchNorm2D(l.Name, l.IntParam("num_features", stage.OutChannels))
				}
			}
			if dec.up == nil || dec.bn == nil {
				return nil, errors.Errorf("decoder stage %s is incomplete", stage.Name)
			}
			net.decoders = append(net.decoders, dec)

		case layers.OutputStage:
			if len(stage.Layers) != 1 || stage.Layers[0].Type != layers.Conv2D {
				return nil, errors.Errorf("output stage %s must be a single convolution", stage.Name)
			}
			net.output = newConvFromSpec(stage.Layers[0], rng)

		default:
			return nil, errors.Errorf("unsupported stage kind %s", stage.Kind)
		}
	}

	if len(net.encoders) == 0 || net.output == nil {
		return nil, errors.New("model spec needs at least one encoder and an output stage")
	}
	return net, nil
}

func newConvFromSpec(l layers.LayerSpec, rng *rand.Rand) *Conv2D {
	return NewConv2D(l.Name,
		l.IntParam("input_channels", 0),
		l.IntParam("output_channels", 0),
		l.IntParam("kernel_size", 3),
		l.IntParam("padding", 1), rng)
}

// Spec returns the model description the network was built from
func (n *Network) Spec() *layers.ModelSpec { return n.spec }

// Train switches batch normalisation to batch statistics and enables
// activation caching for Backward
func (n *Network) Train() { n.training = true }

// Eval switches batch normalisation to running statistics
func (n *Network) Eval() {
	n.training = false
	n.Release()
}

// IsTraining reports the current mode
func (n *Network) IsTraining() bool { return n.training }

// SetAutocast enables half-precision rounding of convolution outputs
func (n *Network) SetAutocast(enabled bool) { n.autocast = enabled }

// Forward runs the network on an NCHW float32 batch
func (n *Network) Forward(input *tensor.Dense) (*tensor.Dense, error) {
	x, err := fromDense(input)
	if err != nil {
		return nil, err
	}
	if x.c != n.encoders[0].conv.In {
		return nil, errors.Errorf("expected %d input channels, got %d", n.encoders[0].conv.In, x.c)
	}

	keep := n.training
	skips := make([]*act, len(n.encoders))

	h := x
	for i, enc := range n.encoders {
		if h.h < enc.pool.Size || h.w < enc.pool.Size {
			n.Release()
			return nil, errors.Errorf("input %dx%d too small for %s", x.h, x.w, enc.name)
		}
		h = enc.conv.forward(h, keep)
		n.half(h)
		skips[i] = h
		h = enc.bn.forward(h, n.training)
		h = enc.relu.forward(h, keep)
		h = enc.pool.forward(h, keep)
	}

	for _, dec := range n.decoders {
		skip := skips[dec.skipFrom]
		if !dec.up.validOutput(h.h, h.w, skip.h, skip.w) {
			n.Release()
			return nil, errors.Errorf("%s cannot upsample %dx%d to %dx%d", dec.name, h.h, h.w, skip.h, skip.w)
		}
		h = dec.up.forward(h, skip.h, skip.w, keep)
		n.half(h)
		for i, v := range skip.data {
			h.data[i] += v
		}
		h = dec.bn.forward(h, n.training)
		h = dec.relu.forward(h, keep)
	}

	h = n.output.forward(h, keep)
	n.half(h)

	if keep {
		n.outShape = []int{h.n, h.c, h.h, h.w}
	}
	return tensor.New(tensor.WithShape(h.n, h.c, h.h, h.w), tensor.WithBacking(h.data)), nil
}

func (n *Network) half(a *act) {
	if n.autocast {
		roundHalf(a.data)
	}
}

// Backward propagates grad, the loss gradient with respect to the last
// training Forward output, and accumulates parameter gradients
func (n *Network) Backward(grad *tensor.Dense) error {
	if n.outShape == nil {
		return errors.New("backward called without a cached training forward pass")
	}
	g, err := fromDense(grad)
	if err != nil {
		return err
	}
	if g.n != n.outShape[0] || g.c != n.outShape[1] || g.h != n.outShape[2] || g.w != n.outShape[3] {
		return errors.Errorf("gradient shape %v does not match output shape %v", grad.Shape(), n.outShape)
	}
	// layers write into their gradient arguments
	g = &act{data: append([]float32(nil), g.data...), n: g.n, c: g.c, h: g.h, w: g.w}

	g = n.output.backward(g, true)

	skipGrads := make([]*act, len(n.encoders))
	for i := len(n.decoders) - 1; i >= 0; i-- {
		dec := n.decoders[i]
		g = dec.relu.backward(g)
		g = dec.bn.backward(g)
		if sg := skipGrads[dec.skipFrom]; sg != nil {
			for j, v := range g.data {
				sg.data[j] += v
			}
		} else {
			skipGrads[dec.skipFrom] = &act{data: append([]float32(nil), g.data...), n: g.n, c: g.c, h: g.h, w: g.w}
		}
		g = dec.up.backward(g)
	}

	for i := len(n.encoders) - 1; i >= 0; i-- {
		enc := n.encoders[i]
		g = enc.pool.backward(g)
		g = enc.relu.backward(g)
		g = enc.bn.backward(g)
		if sg := skipGrads[i]; sg != nil {
			for j, v := range sg.data {
				g.data[j] += v
			}
		}
		g = enc.conv.backward(g, i > 0)
	}
	return nil
}

// Release drops cached activations
func (n *Network) Release() {
	for _, enc := range n.encoders {
		enc.conv.release()
		enc.bn.release()
		enc.relu.release()
		enc.pool.release()
	}
	for _, dec := range n.decoders {
		dec.up.release()
		dec.bn.release()
		dec.relu.release()
	}
	n.output.release()
	n.outShape = nil
}

// Parameters returns the learnable tensors in a fixed order
func (n *Network) Parameters() []*Param {
	var ps []*Param
	for _, enc := range n.encoders {
		ps = append(ps, enc.conv.params()...)
		ps = append(ps, enc.bn.params()...)
	}
	for _, dec := range n.decoders {
		ps = append(ps, dec.up.params()...)
		ps = append(ps, dec.bn.params()...)
	}
	return append(ps, n.output.params()...)
}

// NumParameters counts learnable scalars
func (n *Network) NumParameters() int {
	total := 0
	for _, p := range n.Parameters() {
		total += len(p.Data)
	}
	return total
}

// ZeroGrad clears every parameter gradient
func (n *Network) ZeroGrad() {
	for _, p := range n.Parameters() {
		p.ZeroGrad()
	}
}

func (n *Network) batchNorms() []*BatchNorm2D {
	var bns []*BatchNorm2D
	for _, enc := range n.encoders {
		bns = append(bns, enc.bn)
	}
	for _, dec := range n.decoders {
		bns = append(bns, dec.bn)
	}
	return bns
}

// StateDict copies parameters and batch normalisation buffers
func (n *Network) StateDict() []checkpoints.WeightTensor {
	var out []checkpoints.WeightTensor
	for _, p := range n.Parameters() {
		out = append(out, checkpoints.WeightTensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Shape...),
			Data:  append([]float32(nil), p.Data...),
			Layer: p.Layer,
			Type:  p.Type,
		})
	}
	for _, bn := range n.batchNorms() {
		layer := bn.Weight.Layer
		for _, buf := range []struct {
			typ  string
			data []float32
		}{{"running_mean", bn.RunningMean}, {"running_var", bn.RunningVar}} {
			out = append(out, checkpoints.WeightTensor{
				Name:  layer + "." + buf.typ,
				Shape: []int{len(buf.data)},
				Data:  append([]float32(nil), buf.data...),
				Layer: layer,
				Type:  buf.typ,
			})
		}
	}
	return out
}

// LoadStateDict restores every parameter and buffer. All names must be
// present with matching shapes; nothing is modified on error.
func (n *Network) LoadStateDict(weights []checkpoints.WeightTensor) error {
	byName := make(map[string]checkpoints.WeightTensor, len(weights))
	for _, w := range weights {
		byName[w.Name] = w
	}

	type target struct {
		name  string
		shape []int
		data  []float32
	}
	var targets []target
	for _, p := range n.Parameters() {
		targets = append(targets, target{p.Name, p.Shape, p.Data})
	}
	for _, bn := range n.batchNorms() {
		layer := bn.Weight.Layer
		targets = append(targets,
			target{layer + ".running_mean", []int{bn.Features}, bn.RunningMean},
			target{layer + ".running_var", []int{bn.Features}, bn.RunningVar})
	}

	for _, t := range targets {
		w, ok := byName[t.name]
		if !ok {
			return errors.Errorf("state dict is missing %s", t.name)
		}
		if !equalShape(w.Shape, t.shape) || len(w.Data) != len(t.data) {
			return errors.Errorf("shape mismatch for %s: expected %v, got %v", t.name, t.shape, w.Shape)
		}
	}
	for _, t := range targets {
		copy(t.data, byName[t.name].Data)
	}
	return nil
}

func equalShape(a, b []int) bool {
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

func fromDense(t *tensor.Dense) (*act, error) {
	if t == nil {
		return nil, errors.New("tensor is nil")
	}
	shape := t.Shape()
	if len(shape) != 4 {
		return nil, errors.Errorf("expected an NCHW tensor, got shape %v", shape)
	}
	data, ok := t.Data().([]float32)
	if !ok {
		return nil, errors.Errorf("expected float32 data, got %T", t.Data())
	}
	if len(data) != shape.TotalSize() {
		return nil, errors.Errorf("tensor data has %d values for shape %v", len(data), shape)
	}
	return &act{data: data, n: shape[0], c: shape[1], h: shape[2], w: shape[3]}, nil
}

// ToDense wraps NCHW data in a tensor without copying
func ToDense(data []float32, n, c, h, w int) *tensor.Dense {
	return tensor.New(tensor.WithShape(n, c, h, w), tensor.WithBacking(data))
}
