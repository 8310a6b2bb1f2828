package training

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// ErrShapeMismatch is returned when predicted and target tensors cannot be
// compared element-wise
var ErrShapeMismatch = errors.New("predicted and target tensors are incompatible")

// Loss interface defines methods that all loss functions must implement
type Loss interface {
	Forward(predicted, target *tensor.Dense) (float64, error)
	Backward(predicted, target *tensor.Dense) (*tensor.Dense, error)
	Name() string
}

// NewLoss returns the criterion named by params ("ssim" or "mse")
func NewLoss(criterion string) (Loss, error) {
	switch criterion {
	case CriterionMSE:
		return NewMSELoss("mean"), nil
	case CriterionSSIM:
		return NewSSIMLoss(), nil
	default:
		return nil, errors.Wrapf(ErrInvalidParams, "unknown criterion %q", criterion)
	}
}

// MSELoss implements Mean Squared Error loss function
type MSELoss struct {
	reduction string // "mean" or "sum"
}

// NewMSELoss creates a new Mean Squared Error loss function
func NewMSELoss(reduction string) *MSELoss {
	if reduction == "" {
		reduction = "mean"
	}
	return &MSELoss{reduction: reduction}
}

func (mse *MSELoss) Name() string { return CriterionMSE }

// Forward computes the MSE loss: L = (1/N) * sum((y_pred - y_true)^2)
func (mse *MSELoss) Forward(predicted, target *tensor.Dense) (float64, error) {
	p, t, err := pairData(predicted, target)
	if err != nil {
		return 0, err
	}

	var sum float64
	for i, v := range p {
		d := float64(v) - float64(t[i])
		sum += d * d
	}
	if mse.reduction == "mean" {
		sum /= float64(len(p))
	}
	return sum, nil
}

// Backward computes the gradient of MSE loss: 2 * (predicted - target) / N
func (mse *MSELoss) Backward(predicted, target *tensor.Dense) (*tensor.Dense, error) {
	p, t, err := pairData(predicted, target)
	if err != nil {
		return nil, err
	}

	scale := float32(2)
	if mse.reduction == "mean" {
		scale /= float32(len(p))
	}
	grad := make([]float32, len(p))
	for i, v := range p {
		grad[i] = scale * (v - t[i])
	}
	return tensor.New(tensor.WithShape(predicted.Shape().Clone()...), tensor.WithBacking(grad)), nil
}

// SSIMLoss is the negated mean structural similarity, so that minimizing
// the loss maximizes SSIM
type SSIMLoss struct{}

// NewSSIMLoss creates the structural similarity criterion
func NewSSIMLoss() *SSIMLoss {
	return &SSIMLoss{}
}

func (s *SSIMLoss) Name() string { return CriterionSSIM }

// Forward returns -SSIM averaged over every pixel of the batch
func (s *SSIMLoss) Forward(predicted, target *tensor.Dense) (float64, error) {
	perImage, _, err := ssimBatch(predicted, target, false)
	if err != nil {
		return 0, err
	}
	var sum float64
	for _, v := range perImage {
		sum += v
	}
	return -sum / float64(len(perImage)), nil
}

// Backward returns d(-SSIM)/d(predicted)
func (s *SSIMLoss) Backward(predicted, target *tensor.Dense) (*tensor.Dense, error) {
	_, grad, err := ssimBatch(predicted, target, true)
	if err != nil {
		return nil, err
	}
	for i := range grad {
		grad[i] = -grad[i]
	}
	return tensor.New(tensor.WithShape(predicted.Shape().Clone()...), tensor.WithBacking(grad)), nil
}

// pairData checks that both tensors are float32 with equal shapes
func pairData(predicted, target *tensor.Dense) ([]float32, []float32, error) {
	if predicted == nil || target == nil {
		return nil, nil, errors.Wrap(ErrShapeMismatch, "predicted and target tensors are required")
	}
	if !predicted.Shape().Eq(target.Shape()) {
		return nil, nil, errors.Wrapf(ErrShapeMismatch, "shapes %v and %v",
			predicted.Shape(), target.Shape())
	}
	p, ok := predicted.Data().([]float32)
	if !ok {
		return nil, nil, errors.Wrapf(ErrShapeMismatch, "predicted tensor must be float32, got %T", predicted.Data())
	}
	t, ok := target.Data().([]float32)
	if !ok {
		return nil, nil, errors.Wrapf(ErrShapeMismatch, "target tensor must be float32, got %T", target.Data())
	}
	if len(p) == 0 {
		return nil, nil, errors.Wrap(ErrShapeMismatch, "empty tensors")
	}
	return p, t, nil
}
