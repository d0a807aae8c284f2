package crdt

import "fmt"

// Editor makes local changes to a Doc on behalf of one client and returns
// the fragments to ship to the other replicas. The server never edits; the
// Editor exists for clients, tooling and seeding initial content.
type Editor struct {
	doc    *Doc
	client uint64
}

func NewEditor(client uint64) *Editor {
	return EditorFor(NewDoc(), client)
}

// EditorFor edits an existing doc.
func EditorFor(doc *Doc, client uint64) *Editor {
	return &Editor{doc: doc, client: client}
}

func (e *Editor) Doc() *Doc {
	return e.doc
}

func (e *Editor) Client() uint64 {
	return e.client
}

// Apply merges a remote fragment.
func (e *Editor) Apply(f Fragment) (Fragment, error) {
	return e.doc.Merge(f)
}

func (e *Editor) commit(f Fragment) Fragment {
	if _, err := e.doc.Merge(f); err != nil {
		panic(fmt.Sprintf("crdt: local edit rejected: %v", err))
	}
	return f
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// originAt is the element a new element at visible position pos follows.
func originAt(vis []*node, pos int) ID {
	if pos == 0 {
		return ID{}
	}
	return vis[pos-1].ID
}

// InsertText inserts s before the visible element at pos.
func (e *Editor) InsertText(pos int, s string) Fragment {
	vis := e.doc.visible()
	pos = clamp(pos, 0, len(vis))

	var f Fragment
	origin := originAt(vis, pos)
	clock := e.doc.maxClock
	for _, r := range s {
		clock++
		id := ID{Client: e.client, Clock: clock}
		f.Inserts = append(f.Inserts, Item{ID: id, Origin: origin, Kind: KindText, Text: string(r)})
		origin = id
	}
	return e.commit(f)
}

// InsertBlock inserts a block boundary of the given type before pos.
func (e *Editor) InsertBlock(pos int, typ string, attrs map[string]string) Fragment {
	vis := e.doc.visible()
	pos = clamp(pos, 0, len(vis))
	it := Item{
		ID:     ID{Client: e.client, Clock: e.doc.maxClock + 1},
		Origin: originAt(vis, pos),
		Kind:   KindBlock,
		Block:  typ,
		Attrs:  copyAttrs(attrs),
	}
	return e.commit(Fragment{Inserts: []Item{it}})
}

// Delete removes n visible elements starting at pos.
func (e *Editor) Delete(pos, n int) Fragment {
	vis := e.doc.visible()
	pos = clamp(pos, 0, len(vis))
	end := clamp(pos+n, pos, len(vis))

	var f Fragment
	for _, nd := range vis[pos:end] {
		f.Deletes = append(f.Deletes, nd.ID)
	}
	return e.commit(f)
}

// Format sets (or clears, with an empty value) an inline mark on the text
// in [pos, pos+n).
func (e *Editor) Format(pos, n int, name, value string) Fragment {
	vis := e.doc.visible()
	pos = clamp(pos, 0, len(vis))
	end := clamp(pos+n, pos, len(vis))

	var f Fragment
	stamp := ID{Client: e.client, Clock: e.doc.maxClock + 1}
	for _, nd := range vis[pos:end] {
		if nd.Kind != KindText {
			continue
		}
		f.Marks = append(f.Marks, Mark{Target: nd.ID, Name: name, Value: value, Stamp: stamp})
	}
	return e.commit(f)
}

// Replace turns the document text into text with a minimal set of inserts
// and deletes. Newlines become paragraph boundaries.
func (e *Editor) Replace(text string) Fragment {
	vis := e.doc.visible()

	// a leading block boundary does not render, keep it out of the diff
	off := 0
	if len(vis) > 0 && vis[0].Kind == KindBlock {
		off = 1
	}
	cur := make([]rune, 0, len(vis))
	for _, nd := range vis[off:] {
		if nd.Kind == KindBlock {
			cur = append(cur, '\n')
		} else {
			cur = append(cur, []rune(nd.Text)[0])
		}
	}

	var f Fragment
	clock := e.doc.maxClock
	lastAdd := map[int]ID{} // loc -> previous insert at that loc
	for _, ed := range diff(cur, []rune(text)) {
		loc := ed.loc + off
		if !ed.add {
			f.Deletes = append(f.Deletes, vis[loc].ID)
			continue
		}
		origin, ok := lastAdd[loc]
		if !ok {
			origin = originAt(vis, loc)
		}
		clock++
		it := Item{ID: ID{Client: e.client, Clock: clock}, Origin: origin}
		if ed.ch == '\n' {
			it.Kind, it.Block = KindBlock, DefaultBlock
		} else {
			it.Kind, it.Text = KindText, string(ed.ch)
		}
		f.Inserts = append(f.Inserts, it)
		lastAdd[loc] = it.ID
	}
	return e.commit(f)
}
