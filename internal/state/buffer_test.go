package state

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"ct-bic/internal/model"
)

func seq(from, n, channels int) []model.Sample {
	out := make([]model.Sample, n)
	for i := range out {
		v := make([]float64, channels)
		for ch := range v {
			v[ch] = float64((from+i)*100 + ch)
		}
		out[i] = model.Sample{Values: v, Counter: int64(from + i)}
	}
	return out
}

func TestNewRingBufferRejectsZero(t *testing.T) {
	_, err := NewRingBuffer(0, 4)
	assert.ErrorIs(t, err, ErrInvalidCapacity)
	_, err = NewRingBuffer(4, 0)
	assert.ErrorIs(t, err, ErrInvalidCapacity)
}

func TestCapacityFor(t *testing.T) {
	assert.Equal(t, 5000, CapacityFor(5, 1000))
	assert.Equal(t, 1, CapacityFor(0, 1000))
	assert.Equal(t, 3, CapacityFor(0.0025, 1000))
}

func TestLatestEmpty(t *testing.T) {
	rb, err := NewRingBuffer(8, 2)
	require.NoError(t, err)

	assert.Empty(t, rb.Latest(3))
	assert.Empty(t, rb.Latest(0))

	require.NoError(t, rb.Append(seq(0, 3, 2)))
	assert.Empty(t, rb.Latest(0))
	assert.Empty(t, rb.Latest(-1))
}

func TestLatestMoreThanLength(t *testing.T) {
	rb, err := NewRingBuffer(8, 2)
	require.NoError(t, err)
	require.NoError(t, rb.Append(seq(0, 3, 2)))

	got := rb.Latest(100)
	assert.Equal(t, seq(0, 3, 2), got)
	assert.Equal(t, 3, rb.Len())
}

func TestLatestAcrossWrap(t *testing.T) {
	rb, err := NewRingBuffer(5, 3)
	require.NoError(t, err)

	require.NoError(t, rb.Append(seq(0, 4, 3)))
	require.NoError(t, rb.Append(seq(4, 4, 3)))

	assert.Equal(t, 5, rb.Len())
	assert.Equal(t, uint64(8), rb.Written())
	assert.Equal(t, seq(3, 5, 3), rb.Latest(5))
	assert.Equal(t, seq(6, 2, 3), rb.Latest(2))
}

func TestAppendWidthMismatchWritesNothing(t *testing.T) {
	rb, err := NewRingBuffer(4, 2)
	require.NoError(t, err)

	batch := seq(0, 3, 2)
	batch[2].Values = []float64{1}
	assert.ErrorIs(t, rb.Append(batch), ErrChannelMismatch)
	assert.Zero(t, rb.Len())
}

func TestLatestReturnsCopies(t *testing.T) {
	rb, err := NewRingBuffer(2, 1)
	require.NoError(t, err)
	require.NoError(t, rb.Append(seq(0, 2, 1)))

	snap := rb.Latest(2)
	require.NoError(t, rb.Append(seq(10, 2, 1)))

	assert.Equal(t, seq(0, 2, 1), snap)
}

func TestCounterGapsPreserved(t *testing.T) {
	rb, err := NewRingBuffer(10, 1)
	require.NoError(t, err)
	batch := []model.Sample{
		{Values: []float64{1}, Counter: 7},
		{Values: []float64{2}, Counter: 7},
		{Values: []float64{3}, Counter: 12},
	}
	require.NoError(t, rb.Append(batch))

	got := rb.Latest(3)
	assert.Equal(t, []int64{7, 7, 12}, []int64{got[0].Counter, got[1].Counter, got[2].Counter})
}

func TestReadSince(t *testing.T) {
	rb, err := NewRingBuffer(4, 1)
	require.NoError(t, err)

	got, cur := rb.ReadSince(0)
	assert.Empty(t, got)
	assert.Zero(t, cur)

	require.NoError(t, rb.Append(seq(0, 3, 1)))
	got, cur = rb.ReadSince(cur)
	assert.Equal(t, seq(0, 3, 1), got)

	require.NoError(t, rb.Append(seq(3, 2, 1)))
	got, cur = rb.ReadSince(cur)
	assert.Equal(t, seq(3, 2, 1), got)
	assert.Equal(t, uint64(5), cur)

	// Overrun: 6 new samples into a 4-slot buffer, the oldest 2 are gone.
	require.NoError(t, rb.Append(seq(5, 6, 1)))
	got, cur = rb.ReadSince(cur)
	assert.Equal(t, seq(7, 4, 1), got)

	got, _ = rb.ReadSince(cur)
	assert.Empty(t, got)
}

func TestReadSinceAfterReset(t *testing.T) {
	rb, err := NewRingBuffer(4, 1)
	require.NoError(t, err)
	require.NoError(t, rb.Append(seq(0, 3, 1)))
	_, cur := rb.ReadSince(0)

	require.NoError(t, rb.Reset())
	require.NoError(t, rb.Append(seq(50, 1, 1)))

	got, _ := rb.ReadSince(cur)
	assert.Equal(t, seq(50, 1, 1), got)
}

func TestLatestValue(t *testing.T) {
	rb, err := NewRingBuffer(3, 2)
	require.NoError(t, err)

	_, ok := rb.LatestValue(0)
	assert.False(t, ok)

	require.NoError(t, rb.Append(seq(0, 5, 2)))
	v, ok := rb.LatestValue(1)
	assert.True(t, ok)
	assert.Equal(t, 401.0, v)

	_, ok = rb.LatestValue(2)
	assert.False(t, ok)
}

func TestResetClearsInPlace(t *testing.T) {
	rb, err := NewRingBuffer(4, 2)
	require.NoError(t, err)
	require.NoError(t, rb.Append(seq(0, 6, 2)))

	values := &rb.values[0]
	require.NoError(t, rb.Reset())

	assert.Same(t, values, &rb.values[0])
	assert.Zero(t, rb.Len())
	assert.Empty(t, rb.Latest(4))
	for _, v := range rb.values {
		assert.Zero(t, v)
	}
	for _, c := range rb.counters {
		assert.Zero(t, c)
	}
}

func TestResetDuringWriteNotReady(t *testing.T) {
	rb, err := NewRingBuffer(4, 1)
	require.NoError(t, err)

	rb.inflight.Store(true)
	assert.ErrorIs(t, rb.Reset(), ErrNotReady)

	rb.inflight.Store(false)
	assert.NoError(t, rb.Reset())
}

func TestConcurrentWriterReaders(t *testing.T) {
	rb, err := NewRingBuffer(64, 4)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 2000; i++ {
			_ = rb.Append(seq(i, 1, 4))
		}
	}()
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				got := rb.Latest(16)
				for j := 1; j < len(got); j++ {
					if got[j].Counter != got[j-1].Counter+1 {
						t.Errorf("out of order: %d then %d", got[j-1].Counter, got[j].Counter)
						return
					}
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(2000), rb.Written())
}

// For any append sequence, Latest(k) equals the tail of the inserted order.
func TestLatestMatchesInsertionOrderProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		capacity := rapid.IntRange(1, 32).Draw(rt, "capacity")
		channels := rapid.IntRange(1, 4).Draw(rt, "channels")
		rb, err := NewRingBuffer(capacity, channels)
		if err != nil {
			rt.Fatal(err)
		}

		var all []model.Sample
		batches := rapid.IntRange(1, 10).Draw(rt, "batches")
		for b := 0; b < batches; b++ {
			n := rapid.IntRange(0, 2*capacity).Draw(rt, "n")
			batch := seq(len(all), n, channels)
			if err := rb.Append(batch); err != nil {
				rt.Fatal(err)
			}
			all = append(all, batch...)
		}

		k := rapid.IntRange(0, capacity).Draw(rt, "k")
		want := all
		if k < len(want) {
			want = want[len(want)-k:]
		}
		got := rb.Latest(k)
		if len(want) == 0 {
			if len(got) != 0 {
				rt.Fatalf("expected empty, got %d", len(got))
			}
			return
		}
		if !assert.Equal(rt, want, got) {
			rt.FailNow()
		}
	})
}

func TestLoadFromCSV(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "20260101T000000_abc_samples.csv")
	data := "counter,ch_0,ch_1\n" +
		"1,0.5,1.5\n" +
		"1,2.5,3.5\n" +
		"bad,row\n" +
		"3,4.5,5.5\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	latest, err := LatestRecording(dir)
	require.NoError(t, err)
	assert.Equal(t, path, latest)

	all, err := LoadFromCSV(path, 2, 0, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, []model.Sample{
		{Values: []float64{0.5, 1.5}, Counter: 1},
		{Values: []float64{2.5, 3.5}, Counter: 1},
		{Values: []float64{4.5, 5.5}, Counter: 3},
	}, all)

	tail, err := LoadFromCSV(path, 2, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, []model.Sample{{Values: []float64{4.5, 5.5}, Counter: 3}}, tail)

	_, err = LoadFromCSV(path, 3, 0, nil)
	assert.Error(t, err)
}

func TestLatestRecordingMissing(t *testing.T) {
	_, err := LatestRecording(t.TempDir())
	assert.ErrorIs(t, err, ErrNoRecording)
}
