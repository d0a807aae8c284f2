package crdt

import (
	"sort"
	"strings"
)

type node struct {
	Item
	deleted bool
	next    *node
}

// Doc is a replicated sequence of text runes and block boundaries plus
// last-writer-wins inline marks. Any two Docs that merged the same set of
// fragments, in any order and with any duplication, hold the same content.
//
// Doc is not safe for concurrent use.
type Doc struct {
	head  node // sentinel, never deleted, zero ID
	index map[ID]*node
	marks map[ID]map[string]Mark // target -> name -> winning write

	pending        map[ID]Item     // inserts waiting for their origin
	pendingDeletes map[ID]struct{} // deletes waiting for their target

	maxClock uint64
	size     int // items integrated, tombstones included
}

func NewDoc() *Doc {
	return &Doc{
		index:          make(map[ID]*node),
		marks:          make(map[ID]map[string]Mark),
		pending:        make(map[ID]Item),
		pendingDeletes: make(map[ID]struct{}),
	}
}

// Empty reports whether the doc has never observed anything.
func (d *Doc) Empty() bool {
	return d.size == 0 && len(d.marks) == 0 && len(d.pending) == 0 && len(d.pendingDeletes) == 0
}

// MaxClock is the highest Lamport clock observed so far.
func (d *Doc) MaxClock() uint64 {
	return d.maxClock
}

// Pending is the number of inserts and deletes parked until their
// dependencies arrive.
func (d *Doc) Pending() int {
	return len(d.pending) + len(d.pendingDeletes)
}

func (d *Doc) seen(id ID) bool {
	if _, ok := d.index[id]; ok {
		return true
	}
	_, ok := d.pending[id]
	return ok
}

func (d *Doc) observe(id ID) {
	if id.Clock > d.maxClock {
		d.maxClock = id.Clock
	}
}

// Merge folds f into the doc and returns the part of f that was new and
// could be applied. Inserts whose origin is unknown and deletes whose target
// is unknown are kept aside and show up in the delta of the merge that
// unblocks them. A fragment that fails validation changes nothing.
func (d *Doc) Merge(f Fragment) (Fragment, error) {
	if err := f.validate(); err != nil {
		return Fragment{}, err
	}

	var delta Fragment

	added := false
	for _, it := range f.Inserts {
		if d.seen(it.ID) {
			continue
		}
		it.Attrs = copyAttrs(it.Attrs)
		d.pending[it.ID] = it
		d.observe(it.ID)
		added = true
	}
	// nothing parked earlier can be unblocked without a new insert
	if added {
		delta.Inserts = d.integratePending()
	}

	for _, id := range f.Deletes {
		d.pendingDeletes[id] = struct{}{}
	}
	if len(d.pendingDeletes) > 0 {
		delta.Deletes = d.applyPendingDeletes()
	}

	for _, m := range f.Marks {
		d.observe(m.Stamp)
		byName := d.marks[m.Target]
		if cur, ok := byName[m.Name]; ok && !m.wins(cur) {
			continue
		}
		if byName == nil {
			byName = make(map[string]Mark)
			d.marks[m.Target] = byName
		}
		byName[m.Name] = m
		delta.Marks = append(delta.Marks, m)
	}

	return delta, nil
}

// Unresolved reports how many inserts and deletes would still be waiting
// for their dependencies after merging f. The doc is left unchanged.
func (d *Doc) Unresolved(f Fragment) int {
	waiting := make(map[ID]Item, len(d.pending)+len(f.Inserts))
	for id, it := range d.pending {
		waiting[id] = it
	}
	for _, it := range f.Inserts {
		if !d.seen(it.ID) {
			waiting[it.ID] = it
		}
	}
	ids := make([]ID, 0, len(waiting))
	for id := range waiting {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })

	placed := make(map[ID]struct{}, len(ids))
	known := func(id ID) bool {
		if _, ok := d.index[id]; ok {
			return true
		}
		_, ok := placed[id]
		return ok
	}
	for _, id := range ids {
		if o := waiting[id].Origin; o.IsZero() || known(o) {
			placed[id] = struct{}{}
		}
	}
	n := len(ids) - len(placed)

	deletes := make(map[ID]struct{}, len(d.pendingDeletes)+len(f.Deletes))
	for id := range d.pendingDeletes {
		deletes[id] = struct{}{}
	}
	for _, id := range f.Deletes {
		deletes[id] = struct{}{}
	}
	for id := range deletes {
		if !known(id) {
			n++
		}
	}
	return n
}

// integratePending places every pending insert whose origin is known.
// Origins always carry a smaller id than their dependents, so one pass in
// id order resolves whole chains.
func (d *Doc) integratePending() []Item {
	ids := make([]ID, 0, len(d.pending))
	for id := range d.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })

	var done []Item
	for _, id := range ids {
		it := d.pending[id]
		left := &d.head
		if !it.Origin.IsZero() {
			var ok bool
			if left, ok = d.index[it.Origin]; !ok {
				continue
			}
		}
		d.integrate(left, it)
		delete(d.pending, id)
		done = append(done, it)
	}
	return done
}

// integrate inserts it after left, skipping every following element with a
// greater id. Concurrent inserts at the same spot therefore end up ordered
// by descending id on every replica.
func (d *Doc) integrate(left *node, it Item) {
	for left.next != nil && it.ID.Less(left.next.ID) {
		left = left.next
	}
	n := &node{Item: it, next: left.next}
	left.next = n
	d.index[it.ID] = n
	d.size++
}

func (d *Doc) applyPendingDeletes() []ID {
	var done []ID
	for id := range d.pendingDeletes {
		n, ok := d.index[id]
		if !ok {
			continue
		}
		delete(d.pendingDeletes, id)
		if n.deleted {
			continue
		}
		n.deleted = true
		done = append(done, id)
	}
	sort.Slice(done, func(i, j int) bool { return done[i].Less(done[j]) })
	return done
}

// State returns a fragment that rebuilds the whole doc when merged into an
// empty one: every item in document order, every tombstone, every mark and
// everything still pending.
func (d *Doc) State() Fragment {
	var f Fragment
	for n := d.head.next; n != nil; n = n.next {
		it := n.Item
		it.Attrs = copyAttrs(it.Attrs)
		f.Inserts = append(f.Inserts, it)
		if n.deleted {
			f.Deletes = append(f.Deletes, n.ID)
		}
	}

	pending := make([]Item, 0, len(d.pending))
	for _, it := range d.pending {
		pending = append(pending, it)
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].ID.Less(pending[j].ID) })
	f.Inserts = append(f.Inserts, pending...)

	deletes := make([]ID, 0, len(d.pendingDeletes))
	for id := range d.pendingDeletes {
		deletes = append(deletes, id)
	}
	sort.Slice(deletes, func(i, j int) bool { return deletes[i].Less(deletes[j]) })
	f.Deletes = append(f.Deletes, deletes...)

	for _, byName := range d.marks {
		for _, m := range byName {
			f.Marks = append(f.Marks, m)
		}
	}
	sort.Slice(f.Marks, func(i, j int) bool {
		a, b := f.Marks[i], f.Marks[j]
		if a.Target != b.Target {
			return a.Target.Less(b.Target)
		}
		return a.Name < b.Name
	})
	return f
}

// visible returns the live elements in document order.
func (d *Doc) visible() []*node {
	var res []*node
	for n := d.head.next; n != nil; n = n.next {
		if !n.deleted {
			res = append(res, n)
		}
	}
	return res
}

// Len is the number of live elements; a block boundary counts as one.
func (d *Doc) Len() int {
	return len(d.visible())
}

// Text renders the live content, each block boundary after the first
// element as a newline.
func (d *Doc) Text() string {
	var b strings.Builder
	for i, n := range d.visible() {
		switch n.Kind {
		case KindText:
			b.WriteString(n.Text)
		case KindBlock:
			if i > 0 {
				b.WriteByte('\n')
			}
		}
	}
	return b.String()
}

// Run is a stretch of text sharing the same marks.
type Run struct {
	Text  string            `json:"text"`
	Marks map[string]string `json:"marks,omitempty"`
}

// Block is one structural element of the rendered document.
type Block struct {
	Type  string            `json:"type"`
	Attrs map[string]string `json:"attrs,omitempty"`
	Runs  []Run             `json:"runs"`
}

// DefaultBlock is the block type assumed for text preceding any boundary.
const DefaultBlock = "paragraph"

// Blocks renders the live content as structured blocks of marked runs.
func (d *Doc) Blocks() []Block {
	var res []Block
	for _, n := range d.visible() {
		if n.Kind == KindBlock {
			res = append(res, Block{Type: n.Block, Attrs: copyAttrs(n.Attrs)})
			continue
		}
		if len(res) == 0 {
			res = append(res, Block{Type: DefaultBlock})
		}
		b := &res[len(res)-1]
		marks := d.marksOf(n.ID)
		if k := len(b.Runs); k > 0 && sameMarks(b.Runs[k-1].Marks, marks) {
			b.Runs[k-1].Text += n.Text
		} else {
			b.Runs = append(b.Runs, Run{Text: n.Text, Marks: marks})
		}
	}
	return res
}

func (d *Doc) marksOf(id ID) map[string]string {
	var res map[string]string
	for name, m := range d.marks[id] {
		if m.Value == "" {
			continue
		}
		if res == nil {
			res = make(map[string]string)
		}
		res[name] = m.Value
	}
	return res
}

// wins decides between two writes of the same mark. Equal stamps only
// happen for duplicates, the value comparison keeps misbehaving peers from
// splitting replicas.
func (m Mark) wins(cur Mark) bool {
	if m.Stamp != cur.Stamp {
		return cur.Stamp.Less(m.Stamp)
	}
	return m.Value > cur.Value
}

func sameMarks(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
