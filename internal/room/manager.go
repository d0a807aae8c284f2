package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/ilnaes/docsync/internal/common"
	"github.com/ilnaes/docsync/internal/logger"
	"github.com/ilnaes/docsync/internal/metrics"
	"github.com/ilnaes/docsync/internal/persist"
	"github.com/ilnaes/docsync/internal/store"
)

var ErrShutdown = errors.New("room: manager shut down")

type Options struct {
	FlushInterval time.Duration
	GracePeriod   time.Duration // how long an empty room stays loaded
	LoadTimeout   time.Duration
	MaxPending    int // changes a document may hold back for missing dependencies
}

// Manager is the only place rooms are created and destroyed, so there is
// at most one room per document.
type Manager struct {
	gateway *persist.Gateway
	opts    Options
	log     zerolog.Logger
	metrics *metrics.Metrics

	loads singleflight.Group

	rooms    map[string]*Room
	shutdown bool
	mu       sync.Mutex // protects rooms and shutdown; taken before any Room.mu
}

func NewManager(g *persist.Gateway, opts Options, log zerolog.Logger, m *metrics.Metrics) *Manager {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 5 * time.Second
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 30 * time.Second
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = 10 * time.Second
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = 4096
	}
	if m == nil {
		m = metrics.New()
	}
	return &Manager{
		gateway: g,
		opts:    opts,
		log:     logger.Component(log, "room"),
		metrics: m,
		rooms:   make(map[string]*Room),
	}
}

// GetOrCreate returns the room of a document, loading its snapshot first if
// it is not in memory. Concurrent callers for the same document share one
// load. A snapshot that cannot be decoded fails the call and registers
// nothing.
func (m *Manager) GetOrCreate(ctx context.Context, documentID string) (*Room, error) {
	if r, err := m.lookup(documentID); r != nil || err != nil {
		return r, err
	}

	ch := m.loads.DoChan(documentID, func() (interface{}, error) {
		return m.load(ctx, documentID)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Room), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) lookup(documentID string) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown {
		return nil, ErrShutdown
	}
	return m.rooms[documentID], nil
}

func (m *Manager) load(ctx context.Context, documentID string) (*Room, error) {
	if r, err := m.lookup(documentID); r != nil || err != nil {
		return r, err
	}

	// the load outlives a caller that gives up, others may be waiting on it
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.LoadTimeout)
	defer cancel()

	s := store.New()
	s.LimitPending(m.opts.MaxPending)
	source := "empty"
	snap, err := m.gateway.Load(lctx, documentID)
	switch {
	case errors.Is(err, persist.ErrNotFound):
	case err != nil:
		m.metrics.RoomLoads.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("room: load %s: %w", documentID, err)
	default:
		if err := s.LoadSnapshot(snap); err != nil {
			m.metrics.RoomLoads.WithLabelValues("corrupt").Inc()
			m.log.Error().Err(err).Str("document_id", documentID).Int("bytes", len(snap)).
				Msg("refusing to open room from a damaged snapshot")
			return nil, err
		}
		source = "snapshot"
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown {
		return nil, ErrShutdown
	}
	r := newRoom(documentID, s, m)
	m.rooms[documentID] = r
	r.mu.Lock()
	r.scheduleTeardownLocked()
	r.mu.Unlock()
	go r.flushLoop(m.opts.FlushInterval)

	m.metrics.RoomsActive.Inc()
	m.metrics.RoomLoads.WithLabelValues(source).Inc()
	r.log.Info().Str("source", source).Uint64("version", s.Version()).Msg("room opened")
	return r, nil
}

// Join attaches p to the room of documentID. The returned room has already
// queued p's Sync message.
func (m *Manager) Join(ctx context.Context, documentID string, p Peer) (*Room, error) {
	for {
		r, err := m.GetOrCreate(ctx, documentID)
		if err != nil {
			return nil, err
		}
		err = r.attach(p)
		if errors.Is(err, errRoomClosed) {
			// lost a race with teardown, the next lookup loads a fresh room
			continue
		}
		if err != nil {
			return nil, err
		}
		m.metrics.SessionsActive.Inc()
		return r, nil
	}
}

// Detach removes p from r. The last session to leave triggers an immediate
// flush; the room is torn down after the grace period unless someone joins.
func (m *Manager) Detach(r *Room, p Peer) {
	removed, empty := r.detach(p)
	if !removed {
		return
	}
	m.metrics.SessionsActive.Dec()
	if empty {
		r.flush(true)
	}
}

func (m *Manager) teardown(r *Room, gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || gen != r.idleGen || len(r.peers) > 0 {
		return
	}
	r.closed = true
	close(r.stop)
	if m.rooms[r.ID] == r {
		delete(m.rooms, r.ID)
	}
	// registered with the gateway before the room disappears, so a reload
	// waits for it
	r.flush(false)

	m.metrics.RoomsActive.Dec()
	r.log.Info().Msg("room closed")
}

// ResetConnections closes the sessions of a document, or only those of one
// user when userID is set, so they reconnect with fresh credentials.
func (m *Manager) ResetConnections(documentID, userID string) int {
	r, _ := m.lookup(documentID)
	if r == nil {
		return 0
	}
	n := r.closePeers(userID, common.CodeReset, "permissions changed, reconnect")
	logger.Audit(m.log, logger.AuditEvent{
		Action:     "reset_connections",
		UserID:     userID,
		DocumentID: documentID,
		Outcome:    logger.OutcomeSuccess,
	})
	return n
}

// Seed installs initial content for a document nobody has edited yet. It
// is written through to storage before returning.
func (m *Manager) Seed(ctx context.Context, documentID string, snap store.Snapshot) error {
	var r *Room
	for {
		var err error
		if r, err = m.GetOrCreate(ctx, documentID); err != nil {
			return err
		}
		r.mu.Lock()
		if !r.closed {
			break
		}
		r.mu.Unlock()
	}

	if err := r.store.LoadSnapshot(snap); err != nil {
		r.mu.Unlock()
		return err
	}
	if len(r.peers) > 0 {
		r.broadcastLocked("", common.Message{Type: common.Update, Update: r.store.State()})
	}
	r.mu.Unlock()

	r.flushing.Lock()
	defer r.flushing.Unlock()
	full, version := r.store.Snapshot()
	if err := m.gateway.Save(ctx, documentID, full); err != nil {
		return err
	}
	r.store.MarkFlushed(version)
	return nil
}

// Stats reports on a document; Loaded is false when no room is in memory.
func (m *Manager) Stats(documentID string) Stats {
	r, _ := m.lookup(documentID)
	if r == nil {
		return Stats{DocumentID: documentID}
	}
	return r.Stats()
}

// Shutdown closes every session, flushes every room and waits for the
// writes or ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shutdown = true
	rooms := m.rooms
	m.rooms = make(map[string]*Room)
	m.mu.Unlock()

	for _, r := range rooms {
		r.mu.Lock()
		for _, p := range r.peers {
			p.Close(common.CodeShutdown, "server shutting down")
		}
		if !r.closed {
			r.closed = true
			close(r.stop)
			if r.idle != nil {
				r.idle.Stop()
			}
		}
		r.mu.Unlock()
		r.flush(false)
		m.metrics.RoomsActive.Dec()
	}
	m.log.Info().Int("rooms", len(rooms)).Msg("rooms flushed")
	return m.gateway.Wait(ctx)
}
