// Package room keeps one in-memory room per open document: its replicated
// store, the attached sessions and their presence.
package room

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ilnaes/docsync/internal/common"
	"github.com/ilnaes/docsync/internal/store"
)

var (
	ErrReadOnly   = errors.New("room: session may not edit")
	ErrNotMember  = errors.New("room: session not attached")
	errRoomClosed = errors.New("room: torn down")
)

// Peer is the room's view of an attached session.
type Peer interface {
	ID() string
	UserID() string
	CanEdit() bool
	// Send enqueues without blocking; false means the outbound queue is full.
	Send(common.Message) bool
	// Close asks the session to shut down. It must not block or call back
	// into the room.
	Close(code, reason string)
}

type Room struct {
	ID    string
	store *store.Store
	mgr   *Manager
	log   zerolog.Logger

	requested atomic.Uint64 // newest version handed to the gateway
	flushing  sync.Mutex    // orders snapshots into the gateway by version
	stop      chan struct{}

	peers     map[string]Peer
	awareness map[string]common.AwarenessState
	idleGen   uint64 // bumped whenever the room becomes idle or busy
	idle      *time.Timer
	closed    bool

	// protects the fields above. Held across merge and enqueue so every peer
	// receives deltas in merge order.
	mu sync.Mutex
}

func newRoom(id string, s *store.Store, mgr *Manager) *Room {
	return &Room{
		ID:        id,
		store:     s,
		mgr:       mgr,
		log:       mgr.log.With().Str("document_id", id).Logger(),
		stop:      make(chan struct{}),
		peers:     make(map[string]Peer),
		awareness: make(map[string]common.AwarenessState),
	}
}

func (r *Room) Store() *store.Store { return r.store }

// attach registers p and queues its Sync message. Doing both under the lock
// means p sees every delta merged after its snapshot and none before.
func (r *Room) attach(p Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errRoomClosed
	}

	snap, _ := r.store.Snapshot()
	states := make([]common.AwarenessState, 0, len(r.awareness))
	for _, st := range r.awareness {
		states = append(states, st)
	}
	if !p.Send(common.Message{Type: common.Sync, Snapshot: snap, Awareness: states, Session: p.ID()}) {
		return errors.New("room: outbound queue full on attach")
	}

	r.peers[p.ID()] = p
	if r.idle != nil {
		r.idle.Stop()
		r.idle = nil
	}
	r.idleGen++
	return nil
}

// ApplyUpdate merges an update from p and forwards whatever was new to the
// other peers, and to p as well when the merge released changes p never
// sent. It reports whether the update changed the document.
func (r *Room) ApplyUpdate(p Peer, update []byte) (bool, error) {
	if !p.CanEdit() {
		r.mgr.metrics.UpdatesTotal.WithLabelValues("read_only").Inc()
		return false, ErrReadOnly
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[p.ID()]; !ok {
		return false, ErrNotMember
	}

	delta, echo, err := r.store.Merge(update)
	if err != nil {
		r.mgr.metrics.UpdatesTotal.WithLabelValues("invalid").Inc()
		return false, err
	}
	if delta == nil {
		r.mgr.metrics.UpdatesTotal.WithLabelValues("duplicate").Inc()
		return false, nil
	}
	r.mgr.metrics.UpdatesTotal.WithLabelValues("applied").Inc()
	skip := p.ID()
	if echo {
		skip = ""
	}
	r.broadcastLocked(skip, common.Message{Type: common.Update, Update: delta})
	return true, nil
}

// SetAwareness records p's presence and relays it. Stale clocks are dropped.
func (r *Room) SetAwareness(p Peer, st common.AwarenessState) {
	st.Session, st.User = p.ID(), p.UserID()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[p.ID()]; !ok {
		return
	}
	if cur, ok := r.awareness[st.Session]; ok && st.Clock <= cur.Clock {
		return
	}
	if st.Removed() {
		delete(r.awareness, st.Session)
	} else {
		r.awareness[st.Session] = st
	}
	r.mgr.metrics.AwarenessTotal.Inc()
	r.broadcastLocked(p.ID(), common.Message{Type: common.Awareness, Awareness: []common.AwarenessState{st}})
}

// detach removes p. empty reports whether p was the last session.
func (r *Room) detach(p Peer) (removed, empty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[p.ID()]; !ok {
		return false, false
	}
	delete(r.peers, p.ID())

	if st, ok := r.awareness[p.ID()]; ok {
		delete(r.awareness, p.ID())
		gone := common.AwarenessState{Session: st.Session, User: st.User, Clock: st.Clock + 1}
		r.broadcastLocked("", common.Message{Type: common.Awareness, Awareness: []common.AwarenessState{gone}})
	}
	if len(r.peers) > 0 {
		return true, false
	}
	if !r.closed {
		r.scheduleTeardownLocked()
	}
	return true, true
}

// broadcastLocked enqueues msg on every peer but skip. Peers that cannot
// keep up are closed rather than waited for.
func (r *Room) broadcastLocked(skip string, msg common.Message) {
	for id, p := range r.peers {
		if id == skip {
			continue
		}
		if !p.Send(msg) {
			r.mgr.metrics.BroadcastsDropped.Inc()
			r.log.Warn().Str("session", id).Msg("outbound queue full, closing session")
			p.Close(common.CodeSlowConsumer, "outbound queue full")
		}
	}
}

func (r *Room) scheduleTeardownLocked() {
	r.idleGen++
	gen := r.idleGen
	if r.idle != nil {
		r.idle.Stop()
	}
	r.idle = time.AfterFunc(r.mgr.opts.GracePeriod, func() { r.mgr.teardown(r, gen) })
}

// closePeers asks every session to go away, e.g. after a permission change.
// An empty userID matches everyone.
func (r *Room) closePeers(userID, code, reason string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.peers {
		if userID == "" || p.UserID() == userID {
			p.Close(code, reason)
			n++
		}
	}
	return n
}

// flush hands the current state to the gateway. Unless forced it skips
// versions already handed over.
func (r *Room) flush(force bool) {
	r.flushing.Lock()
	defer r.flushing.Unlock()

	snap, version := r.store.Snapshot()
	if !force && (!r.store.Dirty() || version <= r.requested.Load()) {
		return
	}
	r.requested.Store(version)
	r.mgr.gateway.Flush(r.ID, version, snap, func(err error) {
		if err != nil {
			// let the next tick try again
			r.requested.CompareAndSwap(version, 0)
			return
		}
		r.store.MarkFlushed(version)
	})
}

func (r *Room) flushLoop(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			r.flush(false)
		case <-r.stop:
			return
		}
	}
}

// Stats is a point in time view of a room.
type Stats struct {
	DocumentID string `json:"document_id"`
	Loaded     bool   `json:"loaded"`
	Sessions   int    `json:"sessions"`
	Version    uint64 `json:"version"`
	Dirty      bool   `json:"dirty"`
}

func (r *Room) Stats() Stats {
	r.mu.Lock()
	n := len(r.peers)
	r.mu.Unlock()
	return Stats{
		DocumentID: r.ID,
		Loaded:     true,
		Sessions:   n,
		Version:    r.store.Version(),
		Dirty:      r.store.Dirty(),
	}
}
