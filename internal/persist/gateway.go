package persist

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog"

	"github.com/ilnaes/docsync/internal/logger"
	"github.com/ilnaes/docsync/internal/metrics"
)

type Options struct {
	Attempts   int           // total writes tried per flush
	Backoff    time.Duration // wait before the first retry
	MaxBackoff time.Duration
	Timeout    time.Duration // per write
}

// Gateway runs snapshot writes off the rooms' goroutines. Flushes of one
// document are serialized; a flush requested while another is writing
// replaces any older queued one, so only the newest snapshot is written.
// A snapshot no newer than the one being written or queued is never
// written after it.
type Gateway struct {
	backend Backend
	opts    Options
	log     zerolog.Logger
	metrics *metrics.Metrics

	ctx    context.Context // cancelled when Close gives up waiting
	cancel context.CancelFunc
	wg     sync.WaitGroup

	inflight map[string]*flight
	closed   bool
	mu       sync.Mutex // protects inflight, closed and every flight
}

type flight struct {
	done chan struct{} // closed when the document has nothing left to write

	version   uint64 // being written, or just written
	writing   bool
	err       error         // outcome once !writing
	callbacks []func(error) // waiting on version

	next          []byte
	nextVersion   uint64
	nextCallbacks []func(error)
}

func NewGateway(b Backend, opts Options, log zerolog.Logger, m *metrics.Metrics) *Gateway {
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		backend:  b,
		opts:     opts,
		log:      logger.Component(log, "persist"),
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]*flight),
	}
}

// Flush writes snap, the state as of version, in the background. onDone, if
// not nil, runs once a snapshot at least that new was written or given up
// on.
func (g *Gateway) Flush(documentID string, version uint64, snap []byte, onDone func(error)) {
	if onDone == nil {
		onDone = func(error) {}
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		onDone(ErrClosed)
		return
	}
	f, ok := g.inflight[documentID]
	if !ok {
		f = &flight{done: make(chan struct{}), version: version, writing: true, callbacks: []func(error){onDone}}
		g.inflight[documentID] = f
		g.wg.Add(1)
		g.mu.Unlock()
		go g.run(documentID, f, snap)
		return
	}

	switch {
	case f.next != nil && version <= f.nextVersion:
		f.nextCallbacks = append(f.nextCallbacks, onDone)
	case f.next == nil && version <= f.version && f.writing:
		f.callbacks = append(f.callbacks, onDone)
	case f.next == nil && version <= f.version:
		err := f.err
		g.mu.Unlock()
		onDone(err)
		return
	default:
		f.next, f.nextVersion = snap, version
		f.nextCallbacks = append(f.nextCallbacks, onDone)
	}
	g.mu.Unlock()
}

func (g *Gateway) run(documentID string, f *flight, snap []byte) {
	defer g.wg.Done()
	for {
		err := g.write(g.ctx, documentID, snap)

		g.mu.Lock()
		f.writing, f.err = false, err
		cbs := f.callbacks
		f.callbacks = nil
		g.mu.Unlock()
		for _, cb := range cbs {
			cb(err)
		}

		g.mu.Lock()
		if f.next == nil {
			delete(g.inflight, documentID)
			close(f.done)
			g.mu.Unlock()
			return
		}
		snap = f.next
		f.version, f.writing, f.err = f.nextVersion, true, nil
		f.callbacks = f.nextCallbacks
		f.next, f.nextVersion, f.nextCallbacks = nil, 0, nil
		g.mu.Unlock()
	}
}

// write saves with exponential backoff and records the outcome.
func (g *Gateway) write(ctx context.Context, documentID string, snap []byte) error {
	start := time.Now()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.opts.Backoff
	b.MaxInterval = g.opts.MaxBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(g.opts.Attempts-1)), ctx)

	err := backoff.RetryNotify(func() error {
		wctx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
		defer cancel()
		return g.backend.Save(wctx, documentID, snap)
	}, policy, func(err error, wait time.Duration) {
		if g.metrics != nil {
			g.metrics.FlushRetries.Inc()
		}
		g.log.Warn().Err(err).Str("document_id", documentID).Dur("retry_in", wait).Msg("snapshot write failed")
	})

	outcome := logger.OutcomeSuccess
	if err != nil {
		outcome = logger.OutcomeFailure
		logger.Audit(g.log, logger.AuditEvent{
			Action:     "flush",
			DocumentID: documentID,
			Outcome:    outcome,
			Err:        err,
		})
	} else {
		g.log.Debug().Str("document_id", documentID).Int("bytes", len(snap)).Msg("snapshot written")
	}
	if g.metrics != nil {
		g.metrics.RecordFlush(outcome, time.Since(start))
	}
	return err
}

// wait blocks until no flush of documentID is running.
func (g *Gateway) wait(ctx context.Context, documentID string) error {
	g.mu.Lock()
	f := g.inflight[documentID]
	g.mu.Unlock()
	if f == nil {
		return nil
	}
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Load returns the latest snapshot of a document, or ErrNotFound. It waits
// for a running flush of the same document so a room that is torn down and
// reopened never reads a stale snapshot.
func (g *Gateway) Load(ctx context.Context, documentID string) ([]byte, error) {
	if err := g.wait(ctx, documentID); err != nil {
		return nil, err
	}
	return g.backend.Load(ctx, documentID)
}

// Save writes synchronously, with the same retry policy as Flush.
func (g *Gateway) Save(ctx context.Context, documentID string, snap []byte) error {
	if err := g.wait(ctx, documentID); err != nil {
		return err
	}
	return g.write(ctx, documentID, snap)
}

// Wait blocks until every queued flush has finished or ctx is done.
func (g *Gateway) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close refuses new flushes, drains the running ones (abandoning retries
// once ctx is done) and closes the backend.
func (g *Gateway) Close(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()

	if err := g.Wait(ctx); err != nil {
		g.log.Warn().Err(err).Msg("abandoning pending snapshot writes")
		g.cancel()
		g.wg.Wait()
	}
	g.cancel()
	return g.backend.Close(ctx)
}
