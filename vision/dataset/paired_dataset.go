package dataset

import (
	"math/rand"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"gorgonia.org/tensor"

	"github.com/tsawler/go-superres/vision/preprocessing"
)

// Precondition errors returned by New before any filesystem access
var (
	ErrInvalidMode            = errors.New("invalid dataset mode")
	ErrAugmentationNotAllowed = errors.New("data augmentation is only allowed in train mode")
	ErrUnknownAugmentation    = errors.New("unknown data augmentation")
	ErrShapeMismatch          = errors.New("low and high resolution shapes differ")
)

// Mode selects the data split
type Mode string

const (
	Train Mode = "train"
	Val   Mode = "val"
	Test  Mode = "test"
)

// ParseMode validates a mode name
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case Train, Val, Test:
		return m, nil
	default:
		return "", errors.Wrapf(ErrInvalidMode, "%q", s)
	}
}

// UpscaleFactor is the ratio between HR and LR resolutions
const UpscaleFactor = 4

// Options configures a PairedDataset
type Options struct {
	Normalize        bool
	DataAugmentation []string
	Interpolation    preprocessing.Interpolation
	// InMemory decodes every image at construction
	InMemory bool
	// CacheSize bounds the decoded-image LRU when InMemory is false
	CacheSize int
	Logger    *zap.Logger
}

// Size is a spatial extent
type Size struct {
	Height int `json:"heights"`
	Width  int `json:"widths"`
}

// Sample is one processed dataset item. HR is nil in test mode; Native and
// Stats are only meaningful in test mode.
type Sample struct {
	LR     *tensor.Dense
	HR     *tensor.Dense
	Path   string
	Native Size
	Stats  preprocessing.ChannelStats
}

// PairedDataset serves LR/HR image pairs from
// <root>/{train,val}/{lr,hr}/*.png or LR images from <root>/test/<folder>/*.png
type PairedDataset struct {
	fs        afero.Fs
	mode      Mode
	finalSize int
	opts      Options
	augment   *augmenter
	lrFiles   []string
	hrFiles   []string
	cache     *ImageCache
	logger    *zap.Logger
}

// New discovers the files for mode under root
func New(fs afero.Fs, root string, mode Mode, finalSize int, opts Options) (*PairedDataset, error) {
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, err
	}
	if mode != Train && len(opts.DataAugmentation) > 0 {
		return nil, errors.Wrapf(ErrAugmentationNotAllowed, "mode %s", mode)
	}
	augs, err := ParseAugmentations(opts.DataAugmentation)
	if err != nil {
		return nil, err
	}
	if finalSize <= 0 {
		return nil, errors.Errorf("final size must be positive, got %d", finalSize)
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &PairedDataset{
		fs:        fs,
		mode:      mode,
		finalSize: finalSize,
		opts:      opts,
		augment:   newAugmenter(augs, opts.Interpolation),
		logger:    logger,
	}

	start := time.Now()
	dir := filepath.Join(root, string(mode))

	if mode != Test {
		if d.lrFiles, err = globPNG(fs, filepath.Join(dir, "lr")); err != nil {
			return nil, err
		}
		if d.hrFiles, err = globPNG(fs, filepath.Join(dir, "hr")); err != nil {
			return nil, err
		}
		if len(d.lrFiles) != len(d.hrFiles) {
			return nil, errors.Errorf("%s: found %d lr images but %d hr images",
				dir, len(d.lrFiles), len(d.hrFiles))
		}
	} else {
		folders, err := afero.ReadDir(fs, dir)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to list %s", dir)
		}
		for _, folder := range folders {
			if !folder.IsDir() {
				continue
			}
			files, err := globPNG(fs, filepath.Join(dir, folder.Name()))
			if err != nil {
				return nil, err
			}
			d.lrFiles = append(d.lrFiles, files...)
		}
		sort.Strings(d.lrFiles)
	}

	if opts.InMemory {
		if err := d.materialize(); err != nil {
			return nil, err
		}
	} else {
		d.cache = NewImageCache(opts.CacheSize)
	}

	logger.Debug("dataset initialized",
		zap.String("mode", string(mode)),
		zap.Int("images", len(d.lrFiles)),
		zap.Bool("in_memory", opts.InMemory),
		zap.Duration("elapsed", time.Since(start)))

	return d, nil
}

func globPNG(fs afero.Fs, dir string) ([]string, error) {
	files, err := afero.Glob(fs, filepath.Join(dir, "*.png"))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %s", dir)
	}
	sort.Strings(files)
	return files, nil
}

// materialize decodes every file into a cache large enough to hold them all
func (d *PairedDataset) materialize() error {
	files := append(append([]string{}, d.lrFiles...), d.hrFiles...)
	d.cache = NewImageCache(len(files))

	images, err := preprocessing.DecodeFiles(d.fs, files, runtime.NumCPU())
	if err != nil {
		return errors.Wrap(err, "failed to load dataset into memory")
	}
	for i, file := range files {
		d.cache.Put(file, images[i])
	}
	return nil
}

// Len returns the number of LR images discovered
func (d *PairedDataset) Len() int {
	return len(d.lrFiles)
}

// Mode returns the split served by the dataset
func (d *PairedDataset) Mode() Mode {
	return d.mode
}

// Files returns the sorted LR file paths
func (d *PairedDataset) Files() []string {
	return d.lrFiles
}

// CacheStats reports decoded-image cache usage
func (d *PairedDataset) CacheStats() CacheStats {
	return d.cache.Stats()
}

func (d *PairedDataset) load(file string) (*preprocessing.Image, error) {
	if im, ok := d.cache.Get(file); ok {
		return im, nil
	}
	im, err := preprocessing.DecodeFile(d.fs, file)
	if err != nil {
		return nil, err
	}
	d.cache.Put(file, im)
	return im, nil
}

// prepare decodes, reorients and optionally normalizes one image
func (d *PairedDataset) prepare(file string) (*preprocessing.Image, preprocessing.ChannelStats, error) {
	im, err := d.load(file)
	if err != nil {
		return nil, preprocessing.ChannelStats{}, err
	}

	im = preprocessing.Reorient(im)

	if !d.opts.Normalize {
		return im, preprocessing.SentinelStats(im.Channels), nil
	}
	im, stats := preprocessing.Normalize(im)
	return im, stats, nil
}

// Get processes the item at idx. All randomness comes from rng, which may be
// nil when the dataset has no augmentation.
func (d *PairedDataset) Get(idx int, rng *rand.Rand) (*Sample, error) {
	if idx < 0 || idx >= len(d.lrFiles) {
		return nil, errors.Errorf("index %d out of range [0, %d)", idx, len(d.lrFiles))
	}

	start := time.Now()
	file := d.lrFiles[idx]

	lr, stats, err := d.prepare(file)
	if err != nil {
		return nil, err
	}

	native := Size{Height: lr.Height, Width: lr.Width}
	lr = preprocessing.Resize(lr, UpscaleFactor*lr.Height, UpscaleFactor*lr.Width, d.opts.Interpolation)

	sample := &Sample{Path: file}

	if d.mode == Test {
		sample.Native = native
		sample.Stats = stats
		sample.LR = d.finalize(lr)
		return sample, nil
	}

	hr, _, err := d.prepare(d.hrFiles[idx])
	if err != nil {
		return nil, err
	}

	if !lr.SameSize(hr) {
		return nil, errors.Wrapf(ErrShapeMismatch, "%s: lr %dx%d, hr %dx%d",
			file, lr.Height, lr.Width, hr.Height, hr.Width)
	}

	if d.augment != nil {
		if rng == nil {
			return nil, errors.New("augmentation requires a random source")
		}
		if lr, hr, err = d.augment.Pair(rng, lr, hr); err != nil {
			return nil, errors.Wrap(err, file)
		}
	}

	sample.LR = d.finalize(lr)
	sample.HR = d.finalize(hr)

	d.logger.Debug("sample processed",
		zap.String("file", file),
		zap.Duration("elapsed", time.Since(start)))

	return sample, nil
}

// finalize resizes to the square final size and wraps the result as a tensor
func (d *PairedDataset) finalize(im *preprocessing.Image) *tensor.Dense {
	out := preprocessing.Resize(im, d.finalSize, d.finalSize, d.opts.Interpolation)
	return tensor.New(
		tensor.WithShape(out.Channels, out.Height, out.Width),
		tensor.WithBacking(out.Data),
	)
}

// Subfolder returns the name of the directory containing path
func Subfolder(file string) string {
	return filepath.Base(filepath.Dir(file))
}
