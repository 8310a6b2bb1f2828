package dataloader

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/tsawler/go-superres/vision/dataset"
	"github.com/tsawler/go-superres/vision/dataset/datasettest"
)

// MockSource encodes the sample index and a random draw into each tensor
type MockSource struct {
	n       int
	noHR    bool
	failAt  int
	delay   time.Duration
	fetched int32
}

func NewMockSource(n int) *MockSource {
	return &MockSource{n: n, failAt: -1}
}

func (m *MockSource) Len() int {
	return m.n
}

func (m *MockSource) Get(idx int, rng *rand.Rand) (*dataset.Sample, error) {
	atomic.AddInt32(&m.fetched, 1)
	if idx == m.failAt {
		return nil, errors.New("corrupt image")
	}
	if m.delay > 0 {
		// later samples finish first
		time.Sleep(m.delay * time.Duration(m.n-idx))
	}

	draw := float32(rng.Float64())
	lr := tensor.New(tensor.WithShape(1, 1, 2), tensor.WithBacking([]float32{float32(idx), draw}))
	s := &dataset.Sample{LR: lr, Path: fmt.Sprintf("set/%d.png", idx)}
	if !m.noHR {
		s.HR = tensor.New(tensor.WithShape(1, 1, 2), tensor.WithBacking([]float32{float32(-idx), draw}))
	}
	return s, nil
}

// drain collects sample indices and draws from one epoch
func drain(t *testing.T, dl *DataLoader) ([]int, []float32, []*Batch) {
	it := dl.Iterate(context.Background())
	defer it.Close()

	var indices []int
	var draws []float32
	var batches []*Batch
	for {
		b, err := it.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		data := b.LR.Data().([]float32)
		for i := 0; i < b.Size(); i++ {
			indices = append(indices, int(data[2*i]))
			draws = append(draws, data[2*i+1])
		}
		batches = append(batches, b)
	}
	return indices, draws, batches
}

func TestNewDataLoader(t *testing.T) {
	_, err := New(nil, Config{BatchSize: 2})
	assert.Error(t, err)

	_, err = New(NewMockSource(4), Config{BatchSize: 0})
	assert.Error(t, err)

	dl, err := New(NewMockSource(4), Config{BatchSize: 2, NumWorkers: 1000})
	require.NoError(t, err)
	assert.LessOrEqual(t, dl.workers, 1000)
	assert.Equal(t, 2, dl.BatchSize())
}

func TestLen(t *testing.T) {
	tests := []struct {
		n, batch int
		dropLast bool
		want     int
	}{
		{10, 4, false, 3},
		{10, 4, true, 2},
		{8, 4, true, 2},
		{3, 4, true, 0},
		{3, 4, false, 1},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d/%d/%v", tt.n, tt.batch, tt.dropLast), func(t *testing.T) {
			dl, err := New(NewMockSource(tt.n), Config{BatchSize: tt.batch, DropLast: tt.dropLast})
			require.NoError(t, err)
			assert.Equal(t, tt.want, dl.Len())

			_, _, batches := drain(t, dl)
			assert.Len(t, batches, tt.want)
		})
	}
}

func TestSequentialOrder(t *testing.T) {
	src := NewMockSource(7)
	src.delay = time.Millisecond
	dl, err := New(src, Config{BatchSize: 2, NumWorkers: 4})
	require.NoError(t, err)

	indices, _, batches := drain(t, dl)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6}, indices)
	for i, b := range batches {
		assert.Equal(t, i, b.Index)
	}
	assert.Equal(t, 1, batches[3].Size())
	assert.Equal(t, []int{1, 1, 1, 2}, []int(batches[3].LR.Shape()))
	assert.Equal(t, "set/6.png", batches[3].Paths[0])
}

func TestShuffleDeterministicAcrossWorkers(t *testing.T) {
	var reference []int
	var referenceDraws []float32

	for _, workers := range []int{1, 2, 4} {
		dl, err := New(NewMockSource(20), Config{BatchSize: 3, Shuffle: true, DropLast: true, NumWorkers: workers, Seed: 7})
		require.NoError(t, err)

		indices, draws, _ := drain(t, dl)
		assert.Len(t, indices, 18)
		if reference == nil {
			reference, referenceDraws = indices, draws
			continue
		}
		assert.Equal(t, reference, indices, "workers=%d", workers)
		assert.Equal(t, referenceDraws, draws, "workers=%d", workers)
	}

	assert.NotEqual(t, []int{0, 1, 2, 3, 4, 5}, reference[:6])
}

func TestEpochsReshuffle(t *testing.T) {
	dl, err := New(NewMockSource(16), Config{BatchSize: 4, Shuffle: true, Seed: 1})
	require.NoError(t, err)

	first, _, _ := drain(t, dl)
	second, _, _ := drain(t, dl)
	assert.ElementsMatch(t, first, second)
	assert.NotEqual(t, first, second)
}

func TestErrorPropagation(t *testing.T) {
	src := NewMockSource(6)
	src.failAt = 3
	dl, err := New(src, Config{BatchSize: 2, NumWorkers: 2})
	require.NoError(t, err)

	it := dl.Iterate(context.Background())
	defer it.Close()

	_, err = it.Next()
	require.NoError(t, err)
	_, err = it.Next()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt image")

	_, err = it.Next()
	assert.Equal(t, io.EOF, err)
}

func TestCancellation(t *testing.T) {
	src := NewMockSource(100)
	dl, err := New(src, Config{BatchSize: 1, NumWorkers: 2, PrefetchDepth: 2})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	it := dl.Iterate(ctx)
	_, err = it.Next()
	require.NoError(t, err)

	cancel()
	it.Close()
	assert.Less(t, int(atomic.LoadInt32(&src.fetched)), 100, "workers stop early")

	_, err = it.Next()
	assert.Equal(t, io.EOF, err)
}

func TestUnlabelledBatch(t *testing.T) {
	src := NewMockSource(3)
	src.noHR = true
	dl, err := New(src, Config{BatchSize: 3})
	require.NoError(t, err)

	_, _, batches := drain(t, dl)
	require.Len(t, batches, 1)
	assert.Nil(t, batches[0].HR)
	assert.Equal(t, []int{3, 1, 1, 2}, []int(batches[0].LR.Shape()))
}

func TestPairedDatasetSource(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, datasettest.WritePairs(fs, "data", "train", 5, 6, 6, 4))

	ds, err := dataset.New(fs, "data", dataset.Train, 8, dataset.Options{DataAugmentation: []string{"flip", "crop"}})
	require.NoError(t, err)

	run := func(workers int) []float32 {
		dl, err := New(ds, Config{BatchSize: 2, Shuffle: true, DropLast: true, NumWorkers: workers, Seed: 3})
		require.NoError(t, err)
		it := dl.Iterate(context.Background())
		defer it.Close()

		var all []float32
		for {
			b, err := it.Next()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			assert.Equal(t, []int{2, 3, 8, 8}, []int(b.HR.Shape()))
			all = append(all, b.LR.Data().([]float32)...)
		}
		return all
	}

	single := run(1)
	assert.Len(t, single, 2*2*3*8*8)
	assert.Equal(t, single, run(3))
}
