package persist

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ilnaes/docsync/internal/logger"
	"github.com/ilnaes/docsync/internal/metrics"
)

// flaky fails the first n saves, and can hold saves until released.
type flaky struct {
	*Memory

	mu    sync.Mutex
	fails int
	saves int
	gate  chan struct{}
}

func (f *flaky) Save(ctx context.Context, id string, data []byte) error {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	f.saves++
	fail := f.fails > 0
	if fail {
		f.fails--
	}
	f.mu.Unlock()
	if fail {
		return errors.New("disk on fire")
	}
	return f.Memory.Save(ctx, id, data)
}

func (f *flaky) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves
}

var fast = Options{Attempts: 3, Backoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, Timeout: time.Second}

func flushSync(t *testing.T, g *Gateway, id string, version uint64, data []byte) error {
	done := make(chan error, 1)
	g.Flush(id, version, data, func(err error) { done <- err })
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("flush never completed")
		return nil
	}
}

func TestFlushRetriesThenSucceeds(t *testing.T) {
	m := metrics.New()
	b := &flaky{Memory: NewMemory(), fails: 2}
	g := NewGateway(b, fast, logger.Nop(), m)

	assert.Equal(t, flushSync(t, g, "doc", 1, []byte("v1")), nil)
	assert.Equal(t, b.count(), 3)
	assert.Equal(t, testutil.ToFloat64(m.FlushRetries), float64(2))
	assert.Equal(t, testutil.ToFloat64(m.FlushTotal.WithLabelValues(logger.OutcomeSuccess)), float64(1))

	data, err := g.Load(context.Background(), "doc")
	assert.Equal(t, err, nil)
	assert.Equal(t, string(data), "v1")
}

func TestFlushGivesUp(t *testing.T) {
	m := metrics.New()
	b := &flaky{Memory: NewMemory(), fails: 10}
	g := NewGateway(b, fast, logger.Nop(), m)

	err := flushSync(t, g, "doc", 1, []byte("v1"))
	assert.NotEqual(t, err, nil)
	assert.Equal(t, b.count(), 3)
	assert.Equal(t, testutil.ToFloat64(m.FlushTotal.WithLabelValues(logger.OutcomeFailure)), float64(1))

	_, err = g.Load(context.Background(), "doc")
	assert.Equal(t, errors.Is(err, ErrNotFound), true)
}

func TestFlushCoalescesQueuedSnapshots(t *testing.T) {
	b := &flaky{Memory: NewMemory(), gate: make(chan struct{})}
	g := NewGateway(b, fast, logger.Nop(), nil)

	var mu sync.Mutex
	var results []error
	record := func(err error) {
		mu.Lock()
		results = append(results, err)
		mu.Unlock()
	}

	g.Flush("doc", 1, []byte("v1"), record)
	g.Flush("doc", 2, []byte("v2"), record)
	g.Flush("doc", 3, []byte("v3"), record)
	close(b.gate)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.Equal(t, g.Wait(ctx), nil)

	// v1 was already writing, v2 was superseded by v3
	assert.Equal(t, b.count(), 2)
	assert.Equal(t, results, []error{nil, nil, nil})
	data, _ := b.Memory.Load(ctx, "doc")
	assert.Equal(t, string(data), "v3")
}

func TestFlushNeverWritesOlderSnapshotLast(t *testing.T) {
	b := &flaky{Memory: NewMemory(), gate: make(chan struct{})}
	g := NewGateway(b, fast, logger.Nop(), nil)

	var mu sync.Mutex
	var flushed []string
	record := func(name string) func(error) {
		return func(err error) {
			assert.Equal(t, err, nil)
			mu.Lock()
			flushed = append(flushed, name)
			mu.Unlock()
		}
	}

	// v5 arrives while v6 is writing, v7 is queued when v6 shows up again
	g.Flush("doc", 6, []byte("v6"), record("v6"))
	g.Flush("doc", 5, []byte("v5"), record("v5"))
	g.Flush("doc", 7, []byte("v7"), record("v7"))
	g.Flush("doc", 6, []byte("v6"), record("v6 again"))
	close(b.gate)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.Equal(t, g.Wait(ctx), nil)

	assert.Equal(t, b.count(), 2)
	data, _ := b.Memory.Load(ctx, "doc")
	assert.Equal(t, string(data), "v7")
	assert.Equal(t, len(flushed), 4)

	// the next flush starts a fresh write
	assert.Equal(t, flushSync(t, g, "doc", 8, []byte("v8")), nil)
	data, _ = b.Memory.Load(ctx, "doc")
	assert.Equal(t, string(data), "v8")
}

func TestLoadWaitsForRunningFlush(t *testing.T) {
	b := &flaky{Memory: NewMemory(), gate: make(chan struct{})}
	g := NewGateway(b, fast, logger.Nop(), nil)

	g.Flush("doc", 1, []byte("fresh"), nil)

	loaded := make(chan string, 1)
	go func() {
		data, _ := g.Load(context.Background(), "doc")
		loaded <- string(data)
	}()

	select {
	case <-loaded:
		t.Fatal("load returned before the flush finished")
	case <-time.After(20 * time.Millisecond):
	}
	close(b.gate)
	assert.Equal(t, <-loaded, "fresh")
}

func TestCloseRejectsNewFlushes(t *testing.T) {
	g := NewGateway(NewMemory(), fast, logger.Nop(), nil)
	assert.Equal(t, flushSync(t, g, "doc", 1, []byte("v1")), nil)
	assert.Equal(t, g.Close(context.Background()), nil)
	assert.Equal(t, errors.Is(flushSync(t, g, "doc", 2, []byte("v2")), ErrClosed), true)
}

func TestCloseAbandonsStuckWrites(t *testing.T) {
	b := &flaky{Memory: NewMemory(), gate: make(chan struct{})}
	g := NewGateway(b, fast, logger.Nop(), nil)

	errc := make(chan error, 1)
	g.Flush("doc", 1, []byte("v1"), func(err error) { errc <- err })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	g.Close(ctx)
	assert.NotEqual(t, <-errc, nil)
}

func TestBackends(t *testing.T) {
	bolt, err := OpenBolt(filepath.Join(t.TempDir(), "snapshots.db"))
	assert.Equal(t, err, nil)

	for name, b := range map[string]Backend{"memory": NewMemory(), "bolt": bolt} {
		ctx := context.Background()
		_, err := b.Load(ctx, "missing")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("%s: expected ErrNotFound, got %v", name, err)
		}

		src := []byte("snapshot")
		if err := b.Save(ctx, "doc", src); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		src[0] = 'X'
		b.Save(ctx, "other", []byte("unrelated"))

		data, err := b.Load(ctx, "doc")
		if err != nil || string(data) != "snapshot" {
			t.Errorf("%s: got %q, %v", name, data, err)
		}
		if err := b.Close(ctx); err != nil {
			t.Errorf("%s: close: %v", name, err)
		}
	}
}
