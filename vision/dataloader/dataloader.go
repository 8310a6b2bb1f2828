package dataloader

import (
	"context"
	"io"
	"math/rand"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/tsawler/go-superres/vision/dataset"
	"github.com/tsawler/go-superres/vision/preprocessing"
)

// Source is a random-access collection of samples
type Source interface {
	Len() int
	Get(idx int, rng *rand.Rand) (*dataset.Sample, error)
}

// Config holds configuration for DataLoader
type Config struct {
	BatchSize     int
	Shuffle       bool
	DropLast      bool  // Drop the trailing partial batch
	NumWorkers    int   // Number of parallel workers, capped at runtime.NumCPU()
	PrefetchDepth int   // Batches prepared ahead of the consumer (default: 2*NumWorkers)
	Seed          int64 // Seeds shuffling and per-sample augmentation
}

// Batch is a collated group of samples. HR is nil for unlabelled sources.
type Batch struct {
	Index  int
	LR     *tensor.Dense // (N, C, H, W)
	HR     *tensor.Dense
	Paths  []string
	Native []dataset.Size
	Stats  []preprocessing.ChannelStats
}

// Size returns the number of samples in the batch
func (b *Batch) Size() int {
	return len(b.Paths)
}

// DataLoader splits a Source into batches and prepares them in background
// workers. Batches are delivered in order, and every sample is processed with
// its own RNG seeded from the loader's RNG, so results do not depend on
// worker scheduling.
type DataLoader struct {
	src     Source
	cfg     Config
	mu      sync.Mutex
	rng     *rand.Rand
	workers int
}

// New creates a new data loader
func New(src Source, cfg Config) (*DataLoader, error) {
	if src == nil {
		return nil, errors.New("data source cannot be nil")
	}
	if cfg.BatchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}

	workers := cfg.NumWorkers
	if workers <= 0 {
		workers = 1
	}
	if cpus := runtime.NumCPU(); workers > cpus {
		workers = cpus
	}
	if cfg.PrefetchDepth <= 0 {
		cfg.PrefetchDepth = 2 * workers
	}

	return &DataLoader{
		src:     src,
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(cfg.Seed)),
		workers: workers,
	}, nil
}

// Len returns the number of batches per epoch
func (dl *DataLoader) Len() int {
	n := dl.src.Len()
	if dl.cfg.DropLast {
		return n / dl.cfg.BatchSize
	}
	return (n + dl.cfg.BatchSize - 1) / dl.cfg.BatchSize
}

// BatchSize returns the configured batch size
func (dl *DataLoader) BatchSize() int {
	return dl.cfg.BatchSize
}

// plan draws the sample order and per-sample seeds for one epoch
func (dl *DataLoader) plan() [][]job {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	n := dl.src.Len()
	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	if dl.cfg.Shuffle {
		dl.rng.Shuffle(n, func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})
	}

	batches := make([][]job, 0, dl.Len())
	for start := 0; start < n; start += dl.cfg.BatchSize {
		end := start + dl.cfg.BatchSize
		if end > n {
			if dl.cfg.DropLast {
				break
			}
			end = n
		}
		jobs := make([]job, 0, end-start)
		for _, idx := range indices[start:end] {
			jobs = append(jobs, job{index: idx, seed: dl.rng.Int63()})
		}
		batches = append(batches, jobs)
	}
	return batches
}

type job struct {
	index int
	seed  int64
}

type result struct {
	batch *Batch
	err   error
}

// Iterator yields the batches of one epoch
type Iterator struct {
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	slots   []chan result
	tokens  chan struct{}
	next    int
	stopped bool
}

// Iterate starts preparing the batches of a new epoch. Cancelling ctx stops
// the workers; Close must be called when the caller is done.
func (dl *DataLoader) Iterate(ctx context.Context) *Iterator {
	plan := dl.plan()
	ctx, cancel := context.WithCancel(ctx)

	it := &Iterator{
		ctx:    ctx,
		cancel: cancel,
		slots:  make([]chan result, len(plan)),
		tokens: make(chan struct{}, dl.cfg.PrefetchDepth),
	}
	for i := range it.slots {
		it.slots[i] = make(chan result, 1)
	}

	queue := make(chan int)

	// Dispatcher: bounded prefetch
	it.wg.Add(1)
	go func() {
		defer it.wg.Done()
		defer close(queue)
		for i := range plan {
			select {
			case it.tokens <- struct{}{}:
			case <-ctx.Done():
				return
			}
			select {
			case queue <- i:
			case <-ctx.Done():
				return
			}
		}
	}()

	for w := 0; w < dl.workers; w++ {
		it.wg.Add(1)
		go func() {
			defer it.wg.Done()
			for i := range queue {
				b, err := dl.collate(ctx, i, plan[i])
				it.slots[i] <- result{batch: b, err: err}
			}
		}()
	}

	return it
}

// Next returns the next batch, or io.EOF at the end of the epoch
func (it *Iterator) Next() (*Batch, error) {
	if it.stopped || it.next >= len(it.slots) {
		return nil, io.EOF
	}

	select {
	case r := <-it.slots[it.next]:
		it.next++
		<-it.tokens
		if r.err != nil {
			it.Close()
			return nil, r.err
		}
		return r.batch, nil
	case <-it.ctx.Done():
		it.Close()
		return nil, it.ctx.Err()
	}
}

// Close stops the workers and waits for them to exit
func (it *Iterator) Close() {
	if it.stopped {
		return
	}
	it.stopped = true
	it.cancel()
	it.wg.Wait()
}

// collate processes the samples of one batch and stacks them
func (dl *DataLoader) collate(ctx context.Context, index int, jobs []job) (*Batch, error) {
	samples := make([]*dataset.Sample, len(jobs))
	for i, j := range jobs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s, err := dl.src.Get(j.index, rand.New(rand.NewSource(j.seed)))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load sample %d", j.index)
		}
		samples[i] = s
	}

	b := &Batch{
		Index:  index,
		Paths:  make([]string, len(samples)),
		Native: make([]dataset.Size, len(samples)),
		Stats:  make([]preprocessing.ChannelStats, len(samples)),
	}
	for i, s := range samples {
		b.Paths[i] = s.Path
		b.Native[i] = s.Native
		b.Stats[i] = s.Stats
	}

	var err error
	if b.LR, err = stack(samples, func(s *dataset.Sample) *tensor.Dense { return s.LR }); err != nil {
		return nil, err
	}
	if samples[0].HR != nil {
		if b.HR, err = stack(samples, func(s *dataset.Sample) *tensor.Dense { return s.HR }); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// stack concatenates equally shaped CHW tensors into an NCHW tensor
func stack(samples []*dataset.Sample, get func(*dataset.Sample) *tensor.Dense) (*tensor.Dense, error) {
	first := get(samples[0])
	shape := first.Shape().Clone()
	size := shape.TotalSize()
	data := make([]float32, 0, len(samples)*size)

	for _, s := range samples {
		t := get(s)
		if t == nil || !t.Shape().Eq(shape) {
			return nil, errors.Errorf("cannot batch sample %s: inconsistent tensor shapes", s.Path)
		}
		values, ok := t.Data().([]float32)
		if !ok {
			return nil, errors.Errorf("sample %s: expected float32 data", s.Path)
		}
		data = append(data, values...)
	}

	full := append(tensor.Shape{len(samples)}, shape...)
	return tensor.New(tensor.WithShape(full...), tensor.WithBacking(data)), nil
}
