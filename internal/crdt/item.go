package crdt

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	ErrInvalidFragment = errors.New("crdt: invalid fragment")
	ErrCorrupt         = errors.New("crdt: corrupt encoding")
)

// ID names one item or one mark write. The zero ID is the document start.
type ID struct {
	Client uint64
	Clock  uint64
}

// Less orders ids by Lamport clock, breaking ties with the client id.
func (a ID) Less(b ID) bool {
	if a.Clock != b.Clock {
		return a.Clock < b.Clock
	}
	return a.Client < b.Client
}

func (a ID) IsZero() bool {
	return a.Clock == 0 && a.Client == 0
}

func (a ID) String() string {
	return fmt.Sprintf("%d@%d", a.Clock, a.Client)
}

type Kind uint8

const (
	KindText  Kind = 1
	KindBlock Kind = 2
)

// Item is one element of the replicated sequence: a single rune of text or
// a block boundary (paragraph, heading, list item...).
type Item struct {
	ID     ID
	Origin ID // element this one was inserted after
	Kind   Kind
	Text   string
	Block  string
	Attrs  map[string]string
}

// Mark is a last-writer-wins inline attribute on one item. An empty Value
// clears the mark.
type Mark struct {
	Target ID
	Name   string
	Value  string
	Stamp  ID
}

// Fragment is the unit of change exchanged between replicas.
type Fragment struct {
	Inserts []Item
	Deletes []ID
	Marks   []Mark
}

func (f Fragment) Empty() bool {
	return len(f.Inserts) == 0 && len(f.Deletes) == 0 && len(f.Marks) == 0
}

// Within reports whether every change in f also appears in src. A merge
// delta that is not within its input carries changes released from the
// pending set.
func (f Fragment) Within(src Fragment) bool {
	inserts := make(map[ID]struct{}, len(src.Inserts))
	for _, it := range src.Inserts {
		inserts[it.ID] = struct{}{}
	}
	for _, it := range f.Inserts {
		if _, ok := inserts[it.ID]; !ok {
			return false
		}
	}

	deletes := make(map[ID]struct{}, len(src.Deletes))
	for _, id := range src.Deletes {
		deletes[id] = struct{}{}
	}
	for _, id := range f.Deletes {
		if _, ok := deletes[id]; !ok {
			return false
		}
	}

	type markKey struct {
		target, stamp ID
		name          string
	}
	marks := make(map[markKey]struct{}, len(src.Marks))
	for _, m := range src.Marks {
		marks[markKey{m.Target, m.Stamp, m.Name}] = struct{}{}
	}
	for _, m := range f.Marks {
		if _, ok := marks[markKey{m.Target, m.Stamp, m.Name}]; !ok {
			return false
		}
	}
	return true
}

func (it *Item) validate() error {
	if it.ID.Clock == 0 {
		return fmt.Errorf("%w: item %s has zero clock", ErrInvalidFragment, it.ID)
	}
	if !it.Origin.IsZero() && !it.Origin.Less(it.ID) {
		return fmt.Errorf("%w: item %s does not follow its origin %s", ErrInvalidFragment, it.ID, it.Origin)
	}
	switch it.Kind {
	case KindText:
		if utf8.RuneCountInString(it.Text) != 1 || !utf8.ValidString(it.Text) {
			return fmt.Errorf("%w: item %s must hold exactly one rune", ErrInvalidFragment, it.ID)
		}
	case KindBlock:
		if it.Block == "" {
			return fmt.Errorf("%w: block %s has no type", ErrInvalidFragment, it.ID)
		}
	default:
		return fmt.Errorf("%w: item %s has unknown kind %d", ErrInvalidFragment, it.ID, it.Kind)
	}
	return nil
}

func (m *Mark) validate() error {
	if m.Stamp.Clock == 0 || m.Target.Clock == 0 || m.Name == "" {
		return fmt.Errorf("%w: malformed mark %q on %s", ErrInvalidFragment, m.Name, m.Target)
	}
	return nil
}

func (f Fragment) validate() error {
	for i := range f.Inserts {
		if err := f.Inserts[i].validate(); err != nil {
			return err
		}
	}
	for _, id := range f.Deletes {
		if id.Clock == 0 {
			return fmt.Errorf("%w: delete of zero id", ErrInvalidFragment)
		}
	}
	for i := range f.Marks {
		if err := f.Marks[i].validate(); err != nil {
			return err
		}
	}
	return nil
}

func copyAttrs(attrs map[string]string) map[string]string {
	if len(attrs) == 0 {
		return nil
	}
	res := make(map[string]string, len(attrs))
	for k, v := range attrs {
		res[k] = v
	}
	return res
}
