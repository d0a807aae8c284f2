package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ilnaes/docsync/internal/common"
	"github.com/ilnaes/docsync/internal/crdt"
	"github.com/ilnaes/docsync/internal/logger"
	"github.com/ilnaes/docsync/internal/metrics"
	"github.com/ilnaes/docsync/internal/persist"
	"github.com/ilnaes/docsync/internal/store"
)

type fakePeer struct {
	id, user string
	canEdit  bool
	limit    int // 0 is unbounded

	mu     sync.Mutex
	msgs   []common.Message
	closed string
}

func (p *fakePeer) ID() string     { return p.id }
func (p *fakePeer) UserID() string { return p.user }
func (p *fakePeer) CanEdit() bool  { return p.canEdit }

func (p *fakePeer) Send(m common.Message) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.limit > 0 && len(p.msgs) >= p.limit {
		return false
	}
	p.msgs = append(p.msgs, m)
	return true
}

func (p *fakePeer) Close(code, _ string) {
	p.mu.Lock()
	p.closed = code
	p.mu.Unlock()
}

func (p *fakePeer) received() []common.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]common.Message(nil), p.msgs...)
}

func (p *fakePeer) closeCode() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// replica rebuilds the document a peer sees from its Sync and Updates.
func (p *fakePeer) replica(t *testing.T) *crdt.Doc {
	var doc *crdt.Doc
	for _, m := range p.received() {
		switch m.Type {
		case common.Sync:
			d, err := crdt.DecodeSnapshot(m.Snapshot)
			if err != nil {
				t.Fatal(err)
			}
			doc = d
		case common.Update:
			f, err := crdt.DecodeFragment(m.Update)
			if err != nil {
				t.Fatal(err)
			}
			if _, err := doc.Merge(f); err != nil {
				t.Fatal(err)
			}
		}
	}
	return doc
}

func editor(n int) *fakePeer {
	return &fakePeer{id: fmt.Sprintf("s%d", n), user: fmt.Sprintf("u%d", n), canEdit: true}
}

type harness struct {
	mgr     *Manager
	backend *persist.Memory
	gateway *persist.Gateway
	metrics *metrics.Metrics
}

func newHarness(grace time.Duration) *harness {
	h := &harness{backend: persist.NewMemory(), metrics: metrics.New()}
	h.gateway = persist.NewGateway(h.backend, persist.Options{Attempts: 1}, logger.Nop(), h.metrics)
	h.mgr = NewManager(h.gateway, Options{FlushInterval: time.Hour, GracePeriod: grace}, logger.Nop(), h.metrics)
	return h
}

func (h *harness) join(t *testing.T, doc string, p Peer) *Room {
	r, err := h.mgr.Join(context.Background(), doc, p)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func update(f crdt.Fragment) []byte { return crdt.EncodeFragment(f) }

func TestJoinSyncThenDeltas(t *testing.T) {
	h := newHarness(time.Minute)
	a, b := editor(1), editor(2)
	r := h.join(t, "doc", a)
	h.join(t, "doc", b)

	ea := crdt.NewEditor(1)
	changed, err := r.ApplyUpdate(a, update(ea.InsertText(0, "hello")))
	assert.Equal(t, err, nil)
	assert.Equal(t, changed, true)

	// redelivery changes nothing and is not forwarded
	changed, err = r.ApplyUpdate(a, update(ea.Doc().State()))
	assert.Equal(t, err, nil)
	assert.Equal(t, changed, false)

	msgs := b.received()
	assert.Equal(t, len(msgs), 2)
	assert.Equal(t, msgs[0].Type, common.Sync)
	assert.Equal(t, msgs[0].Session, "s2")
	assert.Equal(t, msgs[1].Type, common.Update)
	assert.Equal(t, b.replica(t).Text(), "hello")

	// the author does not get its own update back
	assert.Equal(t, len(a.received()), 1)
	assert.Equal(t, r.Stats().Version, uint64(1))
	assert.Equal(t, testutil.ToFloat64(h.metrics.UpdatesTotal.WithLabelValues("duplicate")), float64(1))
}

func TestReadOnlySessionCannotEdit(t *testing.T) {
	h := newHarness(time.Minute)
	viewer := &fakePeer{id: "v", user: "viewer"}
	other := editor(1)
	r := h.join(t, "doc", viewer)
	h.join(t, "doc", other)

	_, err := r.ApplyUpdate(viewer, update(crdt.NewEditor(9).InsertText(0, "nope")))
	assert.Equal(t, errors.Is(err, ErrReadOnly), true)
	assert.Equal(t, r.Store().Text(), "")
	assert.Equal(t, r.Store().Version(), uint64(0))
	assert.Equal(t, len(other.received()), 1)
}

func TestConcurrentEditsAndLateJoiner(t *testing.T) {
	h := newHarness(time.Minute)
	a, b := editor(1), editor(2)
	r := h.join(t, "doc", a)
	h.join(t, "doc", b)

	// both type into an empty document before seeing each other
	fa := crdt.NewEditor(1).InsertText(0, "hello")
	fb := crdt.NewEditor(2).InsertText(0, "world")

	var wg sync.WaitGroup
	for _, x := range []struct {
		p *fakePeer
		f crdt.Fragment
	}{{a, fa}, {b, fb}} {
		x := x
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.ApplyUpdate(x.p, update(x.f)); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	want := r.Store().Text()
	assert.Equal(t, len(want), 10)

	ra := a.replica(t)
	ra.Merge(fa)
	rb := b.replica(t)
	rb.Merge(fb)
	assert.Equal(t, ra.Text(), want)
	assert.Equal(t, rb.Text(), want)

	late := editor(3)
	h.join(t, "doc", late)
	assert.Equal(t, late.replica(t).Text(), want)
}

func TestLastDetachFlushesAndReloads(t *testing.T) {
	h := newHarness(10 * time.Millisecond)
	a := editor(1)
	r := h.join(t, "doc", a)
	r.ApplyUpdate(a, update(crdt.NewEditor(1).InsertText(0, "persist me")))

	h.mgr.Detach(r, a)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.Equal(t, h.gateway.Wait(ctx), nil)

	data, err := h.backend.Load(ctx, "doc")
	assert.Equal(t, err, nil)
	d, err := crdt.DecodeSnapshot(data)
	assert.Equal(t, err, nil)
	assert.Equal(t, d.Text(), "persist me")

	for h.mgr.Stats("doc").Loaded {
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, testutil.ToFloat64(h.metrics.RoomsActive), float64(0))

	b := editor(2)
	r2 := h.join(t, "doc", b)
	assert.Equal(t, r2 == r, false)
	assert.Equal(t, b.replica(t).Text(), "persist me")
	assert.Equal(t, r2.Stats().Dirty, false)
	assert.Equal(t, testutil.ToFloat64(h.metrics.RoomLoads.WithLabelValues("snapshot")), float64(1))
}

func TestRejoinWithinGraceKeepsRoom(t *testing.T) {
	h := newHarness(time.Minute)
	a := editor(1)
	r := h.join(t, "doc", a)
	h.mgr.Detach(r, a)
	h.mgr.Detach(r, a) // second detach is a no-op

	r2 := h.join(t, "doc", editor(2))
	assert.Equal(t, r2 == r, true)
	assert.Equal(t, testutil.ToFloat64(h.metrics.SessionsActive), float64(1))
}

func TestCorruptSnapshotFailsLoudly(t *testing.T) {
	h := newHarness(time.Minute)
	h.backend.Save(context.Background(), "doc", []byte("DSNP garbage"))

	_, err := h.mgr.Join(context.Background(), "doc", editor(1))
	assert.Equal(t, errors.Is(err, store.ErrCorruptSnapshot), true)
	assert.Equal(t, h.mgr.Stats("doc").Loaded, false)
	assert.Equal(t, testutil.ToFloat64(h.metrics.RoomsActive), float64(0))
}

func TestSingleLoadPerDocument(t *testing.T) {
	h := newHarness(time.Minute)

	rooms := make([]*Room, 32)
	var wg sync.WaitGroup
	for i := range rooms {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := h.mgr.GetOrCreate(context.Background(), "doc")
			if err != nil {
				t.Error(err)
			}
			rooms[i] = r
		}()
	}
	wg.Wait()

	for _, r := range rooms {
		assert.Equal(t, r == rooms[0], true)
	}
	assert.Equal(t, testutil.ToFloat64(h.metrics.RoomLoads.WithLabelValues("empty")), float64(1))
}

func TestResetConnections(t *testing.T) {
	h := newHarness(time.Minute)
	a, b := editor(1), editor(2)
	h.join(t, "doc", a)
	h.join(t, "doc", b)

	assert.Equal(t, h.mgr.ResetConnections("doc", "u1"), 1)
	assert.Equal(t, a.closeCode(), common.CodeReset)
	assert.Equal(t, b.closeCode(), "")

	assert.Equal(t, h.mgr.ResetConnections("doc", ""), 2)
	assert.Equal(t, b.closeCode(), common.CodeReset)
	assert.Equal(t, h.mgr.ResetConnections("unknown", ""), 0)
}

func TestSlowPeerIsClosed(t *testing.T) {
	h := newHarness(time.Minute)
	a := editor(1)
	slow := &fakePeer{id: "slow", user: "u9", canEdit: true, limit: 1}
	r := h.join(t, "doc", a)
	h.join(t, "doc", slow)

	_, err := r.ApplyUpdate(a, update(crdt.NewEditor(1).InsertText(0, "x")))
	assert.Equal(t, err, nil)
	assert.Equal(t, slow.closeCode(), common.CodeSlowConsumer)
	assert.Equal(t, testutil.ToFloat64(h.metrics.BroadcastsDropped), float64(1))
}

func TestAwareness(t *testing.T) {
	h := newHarness(time.Minute)
	a, b := editor(1), editor(2)
	r := h.join(t, "doc", a)
	h.join(t, "doc", b)

	r.SetAwareness(a, common.AwarenessState{Clock: 2, State: []byte(`{"cursor":4}`), User: "spoofed"})
	r.SetAwareness(a, common.AwarenessState{Clock: 1, State: []byte(`{"cursor":1}`)})

	msgs := b.received()
	assert.Equal(t, len(msgs), 2)
	assert.Equal(t, msgs[1].Awareness[0].Session, "s1")
	assert.Equal(t, msgs[1].Awareness[0].User, "u1")

	c := editor(3)
	h.join(t, "doc", c)
	first := c.received()[0]
	assert.Equal(t, len(first.Awareness), 1)
	assert.Equal(t, string(first.Awareness[0].State), `{"cursor":4}`)

	h.mgr.Detach(r, a)
	msgs = b.received()
	gone := msgs[len(msgs)-1]
	assert.Equal(t, gone.Type, common.Awareness)
	assert.Equal(t, gone.Awareness[0].Session, "s1")
	assert.Equal(t, gone.Awareness[0].Removed(), true)
}

func TestSeed(t *testing.T) {
	h := newHarness(time.Minute)
	a := editor(1)
	h.join(t, "doc", a)

	seed := crdt.NewEditor(0)
	seed.InsertText(0, "template")
	err := h.mgr.Seed(context.Background(), "doc", crdt.EncodeSnapshot(seed.Doc()))
	assert.Equal(t, err, nil)
	assert.Equal(t, a.replica(t).Text(), "template")

	data, err := h.backend.Load(context.Background(), "doc")
	assert.Equal(t, err, nil)
	assert.NotEqual(t, len(data), 0)

	err = h.mgr.Seed(context.Background(), "doc", crdt.EncodeSnapshot(seed.Doc()))
	assert.Equal(t, errors.Is(err, store.ErrAlreadyInitialized), true)
}

func TestShutdownFlushesAndCloses(t *testing.T) {
	h := newHarness(time.Minute)
	a := editor(1)
	r := h.join(t, "doc", a)
	r.ApplyUpdate(a, update(crdt.NewEditor(1).InsertText(0, "bye")))

	assert.Equal(t, h.mgr.Shutdown(context.Background()), nil)
	assert.Equal(t, a.closeCode(), common.CodeShutdown)

	data, err := h.backend.Load(context.Background(), "doc")
	assert.Equal(t, err, nil)
	d, _ := crdt.DecodeSnapshot(data)
	assert.Equal(t, d.Text(), "bye")

	_, err = h.mgr.GetOrCreate(context.Background(), "doc")
	assert.Equal(t, errors.Is(err, ErrShutdown), true)
}

func TestReleasedChangesReachTheirUnblocker(t *testing.T) {
	h := newHarness(time.Minute)
	a, b := editor(1), editor(2)
	r := h.join(t, "doc", a)
	h.join(t, "doc", b)

	// a typed x after b's y, but y reaches the server second
	eb := crdt.NewEditor(2)
	y := eb.InsertText(0, "y")
	ea := crdt.NewEditor(1)
	_, err := ea.Apply(y)
	assert.Equal(t, err, nil)
	x := ea.InsertText(1, "x")

	changed, err := r.ApplyUpdate(a, update(x))
	assert.Equal(t, err, nil)
	assert.Equal(t, changed, false)
	assert.Equal(t, r.Store().Pending(), 1)

	changed, err = r.ApplyUpdate(b, update(y))
	assert.Equal(t, err, nil)
	assert.Equal(t, changed, true)

	assert.Equal(t, r.Store().Text(), "yx")
	assert.Equal(t, b.replica(t).Text(), r.Store().Text())
	assert.Equal(t, a.replica(t).Text(), r.Store().Text())
}

func TestTooManyPendingChangesRejected(t *testing.T) {
	h := newHarness(time.Minute)
	h.mgr.opts.MaxPending = 2
	a := editor(1)
	r := h.join(t, "doc", a)

	orphans := crdt.Fragment{}
	for c := uint64(2); c < 5; c++ {
		orphans.Inserts = append(orphans.Inserts, crdt.Item{
			ID:     crdt.ID{Client: 1, Clock: c},
			Origin: crdt.ID{Client: 9, Clock: 1},
			Kind:   crdt.KindText,
			Text:   "o",
		})
	}
	_, err := r.ApplyUpdate(a, update(orphans))
	assert.Equal(t, errors.Is(err, store.ErrInvalidUpdate), true)
	assert.Equal(t, r.Store().Pending(), 0)
	assert.Equal(t, testutil.ToFloat64(h.metrics.UpdatesTotal.WithLabelValues("invalid")), float64(1))
}
