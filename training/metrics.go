package training

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gorgonia.org/tensor"
)

// MetricType represents an image-quality metric
type MetricType int

const (
	// PSNRMetric is the peak signal-to-noise ratio in dB for data range 1
	PSNRMetric MetricType = iota
	// SSIMMetric is the mean structural similarity
	SSIMMetric
)

func (mt MetricType) String() string {
	switch mt {
	case PSNRMetric:
		return "psnr"
	case SSIMMetric:
		return "ssim"
	default:
		return "unknown"
	}
}

// psnrEps keeps identical images finite
const psnrEps = 1e-10

// PSNR returns 10*log10(1/MSE) for each image of an NCHW batch
func PSNR(predicted, target *tensor.Dense) ([]float64, error) {
	p, t, err := pairData(predicted, target)
	if err != nil {
		return nil, err
	}
	n := predicted.Shape()[0]
	per := len(p) / n

	out := make([]float64, n)
	for b := 0; b < n; b++ {
		var sum float64
		for i := b * per; i < (b+1)*per; i++ {
			d := float64(p[i]) - float64(t[i])
			sum += d * d
		}
		out[b] = 10 * math.Log10(1/(sum/float64(per)+psnrEps))
	}
	return out, nil
}

// QualityAccumulator averages per-image PSNR and SSIM over the batches of
// a full evaluation pass
type QualityAccumulator struct {
	psnr []float64
	ssim []float64
}

// NewQualityAccumulator creates an empty accumulator
func NewQualityAccumulator() *QualityAccumulator {
	return &QualityAccumulator{}
}

// Update adds one batch
func (qa *QualityAccumulator) Update(predicted, target *tensor.Dense) error {
	psnr, err := PSNR(predicted, target)
	if err != nil {
		return errors.Wrap(err, "psnr")
	}
	ssim, err := SSIM(predicted, target)
	if err != nil {
		return errors.Wrap(err, "ssim")
	}
	qa.psnr = append(qa.psnr, psnr...)
	qa.ssim = append(qa.ssim, ssim...)
	return nil
}

// Count is the number of images seen since the last reset
func (qa *QualityAccumulator) Count() int {
	return len(qa.psnr)
}

// Compute returns the mean of a metric; NaN when nothing was accumulated
func (qa *QualityAccumulator) Compute(metric MetricType) float64 {
	var values []float64
	switch metric {
	case PSNRMetric:
		values = qa.psnr
	case SSIMMetric:
		values = qa.ssim
	}
	if len(values) == 0 {
		return math.NaN()
	}
	return floats.Sum(values) / float64(len(values))
}

// Reset clears the accumulated values
func (qa *QualityAccumulator) Reset() {
	qa.psnr = qa.psnr[:0]
	qa.ssim = qa.ssim[:0]
}
