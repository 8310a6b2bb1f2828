package search

import (
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/tsawler/go-superres/training"
)

// Trial is one evaluated configuration
type Trial struct {
	TID      int              `json:"tid"`
	Params   training.Params  `json:"params"`
	Choices  map[string]int   `json:"choices"`
	Status   string           `json:"status"`
	Result   *training.Result `json:"result,omitempty"`
	Error    string           `json:"error,omitempty"`
	Started  time.Time        `json:"started"`
	Finished time.Time        `json:"finished"`
}

// Loss is the objective value of an ok trial
func (t Trial) Loss() (float64, bool) {
	if t.Status != training.StatusOK || t.Result == nil {
		return 0, false
	}
	return t.Result.Loss, true
}

// Trials is the history of a search
type Trials struct {
	Trials []Trial `json:"trials"`
}

// Add appends a trial
func (ts *Trials) Add(t Trial) {
	ts.Trials = append(ts.Trials, t)
}

// Len is the number of trials, failed ones included
func (ts *Trials) Len() int {
	return len(ts.Trials)
}

// Best returns the ok trial with the lowest loss
func (ts *Trials) Best() (Trial, bool) {
	var best Trial
	found := false
	for _, t := range ts.Trials {
		loss, ok := t.Loss()
		if !ok {
			continue
		}
		if bestLoss, _ := best.Loss(); !found || loss < bestLoss {
			best = t
			found = true
		}
	}
	return best, found
}

// Losses returns the losses of the ok trials in order
func (ts *Trials) Losses() []float64 {
	var losses []float64
	for _, t := range ts.Trials {
		if loss, ok := t.Loss(); ok {
			losses = append(losses, loss)
		}
	}
	return losses
}

// Summary describes the loss distribution of a search
type Summary struct {
	Trials int     `json:"trials"`
	Failed int     `json:"failed"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// Summary computes loss statistics over the ok trials
func (ts *Trials) Summary() (Summary, error) {
	losses := ts.Losses()
	s := Summary{Trials: len(ts.Trials), Failed: len(ts.Trials) - len(losses)}
	if len(losses) == 0 {
		return s, errors.New("no successful trials")
	}

	var err error
	if s.Mean, err = stats.Mean(losses); err != nil {
		return s, err
	}
	if s.Median, err = stats.Median(losses); err != nil {
		return s, err
	}
	if s.Min, err = stats.Min(losses); err != nil {
		return s, err
	}
	if s.Max, err = stats.Max(losses); err != nil {
		return s, err
	}
	return s, nil
}

// Save writes the trials as JSON
func (ts *Trials) Save(fs afero.Fs, path string) error {
	if err := fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrapf(err, "failed to create %s", filepath.Dir(path))
	}
	data, err := json.MarshalIndent(ts, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode trials")
	}
	if err := afero.WriteFile(fs, path, data, 0644); err != nil {
		return errors.Wrapf(err, "failed to write %s", path)
	}
	return nil
}

// LoadTrials reads trials written by Save
func LoadTrials(fs afero.Fs, path string) (*Trials, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	var ts Trials
	if err := json.Unmarshal(data, &ts); err != nil {
		return nil, errors.Wrapf(err, "failed to decode %s", path)
	}
	return &ts, nil
}
