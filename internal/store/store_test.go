package store

import (
	"errors"
	"sync"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/ilnaes/docsync/internal/crdt"
)

func TestMergeBumpsVersionOnlyOnChange(t *testing.T) {
	s := New()
	e := crdt.NewEditor(1)
	update := crdt.EncodeFragment(e.InsertText(0, "hi"))

	delta, echo, err := s.Merge(update)
	assert.Equal(t, err, nil)
	assert.NotEqual(t, delta, nil)
	assert.Equal(t, echo, false)
	assert.Equal(t, s.Version(), uint64(1))
	assert.Equal(t, s.Dirty(), true)

	delta, _, err = s.Merge(update)
	assert.Equal(t, err, nil)
	assert.Equal(t, delta, nil)
	assert.Equal(t, s.Version(), uint64(1))

	s.MarkFlushed(1)
	assert.Equal(t, s.Dirty(), false)
	assert.Equal(t, s.Text(), "hi")
}

func TestMergeRejectsBadUpdate(t *testing.T) {
	s := New()
	_, _, err := s.Merge([]byte{0xff})
	assert.Equal(t, errors.Is(err, ErrInvalidUpdate), true)

	bad := crdt.Fragment{Inserts: []crdt.Item{{ID: crdt.ID{Client: 1}, Kind: crdt.KindText, Text: "x"}}}
	_, _, err = s.Merge(crdt.EncodeFragment(bad))
	assert.Equal(t, errors.Is(err, ErrInvalidUpdate), true)
	assert.Equal(t, s.Version(), uint64(0))
}

func TestSnapshotRoundTrip(t *testing.T) {
	src := New()
	e := crdt.NewEditor(3)
	for _, f := range []crdt.Fragment{
		e.InsertText(0, "hello world"),
		e.Format(0, 5, "bold", "true"),
		e.Delete(5, 1),
	} {
		_, err := src.MergeFragment(f)
		assert.Equal(t, err, nil)
	}

	snap, version := src.Snapshot()
	assert.Equal(t, version, uint64(3))

	dst := New()
	assert.Equal(t, dst.LoadSnapshot(snap), nil)
	assert.Equal(t, dst.Text(), src.Text())
	assert.Equal(t, dst.Blocks(), src.Blocks())

	// merge-observable equality: the same fragment is news to neither
	f := e.InsertText(0, ">")
	d1, err := src.MergeFragment(f)
	assert.Equal(t, err, nil)
	d2, err := dst.MergeFragment(f)
	assert.Equal(t, err, nil)
	assert.Equal(t, d1, d2)
	assert.Equal(t, dst.Text(), ">helloworld")
}

func TestLoadSnapshotOnlyOnFreshStore(t *testing.T) {
	src := New()
	_, err := src.MergeFragment(crdt.NewEditor(1).InsertText(0, "x"))
	assert.Equal(t, err, nil)
	snap, _ := src.Snapshot()

	assert.Equal(t, errors.Is(src.LoadSnapshot(snap), ErrAlreadyInitialized), true)

	dst := New()
	assert.Equal(t, dst.LoadSnapshot(snap), nil)
	assert.Equal(t, errors.Is(dst.LoadSnapshot(snap), ErrAlreadyInitialized), true)
}

func TestLoadCorruptSnapshot(t *testing.T) {
	s := New()
	err := s.LoadSnapshot(Snapshot("definitely not a snapshot"))
	assert.Equal(t, errors.Is(err, ErrCorruptSnapshot), true)
	assert.Equal(t, s.Text(), "")
}

func TestSnapshotDuringMerges(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for c := uint64(1); c <= 4; c++ {
		wg.Add(1)
		go func(client uint64) {
			defer wg.Done()
			e := crdt.NewEditor(client)
			for i := 0; i < 50; i++ {
				if _, err := s.MergeFragment(e.InsertText(i, "x")); err != nil {
					t.Error(err)
					return
				}
			}
		}(c)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			snap, _ := s.Snapshot()
			if _, err := crdt.DecodeSnapshot(snap); err != nil {
				t.Error(err)
				return
			}
		}
	}()

	wg.Wait()
	<-done
	assert.Equal(t, len(s.Text()), 200)
}

func TestMergeEchoesReleasedChanges(t *testing.T) {
	s := New()
	a, b := crdt.NewEditor(1), crdt.NewEditor(2)
	y := b.InsertText(0, "y")
	_, err := a.Apply(y)
	assert.Equal(t, err, nil)
	x := a.InsertText(1, "x")

	// x waits for y
	delta, _, err := s.Merge(crdt.EncodeFragment(x))
	assert.Equal(t, err, nil)
	assert.Equal(t, delta, nil)
	assert.Equal(t, s.Pending(), 1)

	// y releases x, which its sender has never seen
	delta, echo, err := s.Merge(crdt.EncodeFragment(y))
	assert.Equal(t, err, nil)
	assert.Equal(t, echo, true)
	assert.Equal(t, s.Text(), "yx")

	f, err := crdt.DecodeFragment(delta)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(f.Inserts), 2)
}

func TestLimitPending(t *testing.T) {
	s := New()
	s.LimitPending(3)

	orphan := func(clock uint64) crdt.Fragment {
		return crdt.Fragment{Inserts: []crdt.Item{{
			ID:     crdt.ID{Client: 7, Clock: clock},
			Origin: crdt.ID{Client: 9, Clock: 1},
			Kind:   crdt.KindText,
			Text:   "o",
		}}}
	}
	for c := uint64(2); c < 5; c++ {
		_, err := s.MergeFragment(orphan(c))
		assert.Equal(t, err, nil)
	}
	assert.Equal(t, s.Pending(), 3)

	_, err := s.MergeFragment(orphan(5))
	assert.Equal(t, errors.Is(err, ErrInvalidUpdate), true)
	assert.Equal(t, errors.Is(err, ErrTooManyPending), true)
	assert.Equal(t, s.Pending(), 3)

	// a large fragment that resolves itself is still fine
	_, err = s.MergeFragment(crdt.NewEditor(1).InsertText(0, "resolvable"))
	assert.Equal(t, err, nil)
	assert.Equal(t, s.Text(), "resolvable")
}
