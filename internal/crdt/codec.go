package crdt

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

// Fragments travel as a version byte followed by protobuf wire fields.
// Snapshots add a magic prefix and a trailing CRC32 so that damaged blobs
// are told apart from old or future formats.
//
//	fragment: version(1) | body
//	snapshot: "DSNP" | version(1) | body | crc32(4, little endian)
//
// Decoders skip unknown fields, so newer writers stay readable.
const (
	FragmentVersion = 1
	SnapshotVersion = 1
)

var snapshotMagic = []byte("DSNP")

const (
	fieldInsert protowire.Number = 1
	fieldDelete protowire.Number = 2
	fieldMark   protowire.Number = 3
)

const (
	itemClient       protowire.Number = 1
	itemClock        protowire.Number = 2
	itemOriginClient protowire.Number = 3
	itemOriginClock  protowire.Number = 4
	itemKind         protowire.Number = 5
	itemText         protowire.Number = 6
	itemBlock        protowire.Number = 7
	itemAttr         protowire.Number = 8

	attrKey   protowire.Number = 1
	attrValue protowire.Number = 2

	idClient protowire.Number = 1
	idClock  protowire.Number = 2

	markTargetClient protowire.Number = 1
	markTargetClock  protowire.Number = 2
	markName         protowire.Number = 3
	markValue        protowire.Number = 4
	markStampClient  protowire.Number = 5
	markStampClock   protowire.Number = 6
)

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func encodeItem(it *Item) []byte {
	var b []byte
	b = appendUint(b, itemClient, it.ID.Client)
	b = appendUint(b, itemClock, it.ID.Clock)
	b = appendUint(b, itemOriginClient, it.Origin.Client)
	b = appendUint(b, itemOriginClock, it.Origin.Clock)
	b = appendUint(b, itemKind, uint64(it.Kind))
	b = appendString(b, itemText, it.Text)
	b = appendString(b, itemBlock, it.Block)

	keys := make([]string, 0, len(it.Attrs))
	for k := range it.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var attr []byte
		attr = appendString(attr, attrKey, k)
		attr = appendString(attr, attrValue, it.Attrs[k])
		b = appendMessage(b, itemAttr, attr)
	}
	return b
}

func encodeID(id ID) []byte {
	var b []byte
	b = appendUint(b, idClient, id.Client)
	return appendUint(b, idClock, id.Clock)
}

func encodeMark(m *Mark) []byte {
	var b []byte
	b = appendUint(b, markTargetClient, m.Target.Client)
	b = appendUint(b, markTargetClock, m.Target.Clock)
	b = appendString(b, markName, m.Name)
	b = appendString(b, markValue, m.Value)
	b = appendUint(b, markStampClient, m.Stamp.Client)
	return appendUint(b, markStampClock, m.Stamp.Clock)
}

func appendBody(b []byte, f Fragment) []byte {
	for i := range f.Inserts {
		b = appendMessage(b, fieldInsert, encodeItem(&f.Inserts[i]))
	}
	for _, id := range f.Deletes {
		b = appendMessage(b, fieldDelete, encodeID(id))
	}
	for i := range f.Marks {
		b = appendMessage(b, fieldMark, encodeMark(&f.Marks[i]))
	}
	return b
}

// EncodeFragment serializes f for the wire.
func EncodeFragment(f Fragment) []byte {
	return appendBody([]byte{FragmentVersion}, f)
}

// DecodeFragment parses a wire fragment. It does not validate semantics;
// Merge does.
func DecodeFragment(b []byte) (Fragment, error) {
	if len(b) == 0 {
		return Fragment{}, fmt.Errorf("%w: empty fragment", ErrCorrupt)
	}
	if b[0] != FragmentVersion {
		return Fragment{}, fmt.Errorf("%w: unsupported fragment version %d", ErrCorrupt, b[0])
	}
	return decodeBody(b[1:])
}

// EncodeSnapshot serializes the full state of d.
func EncodeSnapshot(d *Doc) []byte {
	b := append([]byte{}, snapshotMagic...)
	b = append(b, SnapshotVersion)
	b = appendBody(b, d.State())
	return binary.LittleEndian.AppendUint32(b, crc32.ChecksumIEEE(b))
}

// DecodeSnapshot rebuilds a doc from a snapshot.
func DecodeSnapshot(b []byte) (*Doc, error) {
	head := len(snapshotMagic) + 1
	if len(b) < head+4 || string(b[:len(snapshotMagic)]) != string(snapshotMagic) {
		return nil, fmt.Errorf("%w: not a snapshot", ErrCorrupt)
	}
	body, sum := b[:len(b)-4], binary.LittleEndian.Uint32(b[len(b)-4:])
	if crc32.ChecksumIEEE(body) != sum {
		return nil, fmt.Errorf("%w: snapshot checksum mismatch", ErrCorrupt)
	}
	if v := b[len(snapshotMagic)]; v != SnapshotVersion {
		return nil, fmt.Errorf("%w: unsupported snapshot version %d", ErrCorrupt, v)
	}

	state, err := decodeBody(body[head:])
	if err != nil {
		return nil, err
	}
	d := NewDoc()
	if _, err := d.Merge(state); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return d, nil
}

// fields walks the protobuf fields of b.
func fields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrCorrupt, protowire.ParseError(n))
		}
		b = b[n:]
		m := protowire.ConsumeFieldValue(num, typ, b)
		if m < 0 {
			return fmt.Errorf("%w: %v", ErrCorrupt, protowire.ParseError(m))
		}
		if err := fn(num, typ, b[:m]); err != nil {
			return err
		}
		b = b[m:]
	}
	return nil
}

func varint(typ protowire.Type, v []byte) (uint64, error) {
	if typ != protowire.VarintType {
		return 0, fmt.Errorf("%w: expected varint", ErrCorrupt)
	}
	x, n := protowire.ConsumeVarint(v)
	if n < 0 {
		return 0, fmt.Errorf("%w: %v", ErrCorrupt, protowire.ParseError(n))
	}
	return x, nil
}

func bytesField(typ protowire.Type, v []byte) ([]byte, error) {
	if typ != protowire.BytesType {
		return nil, fmt.Errorf("%w: expected length-delimited field", ErrCorrupt)
	}
	x, n := protowire.ConsumeBytes(v)
	if n < 0 {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, protowire.ParseError(n))
	}
	return x, nil
}

func decodeBody(b []byte) (Fragment, error) {
	var f Fragment
	err := fields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case fieldInsert, fieldDelete, fieldMark:
		default:
			return nil
		}
		msg, err := bytesField(typ, v)
		if err != nil {
			return err
		}
		switch num {
		case fieldInsert:
			it, err := decodeItem(msg)
			if err != nil {
				return err
			}
			f.Inserts = append(f.Inserts, it)
		case fieldDelete:
			id, err := decodeID(msg)
			if err != nil {
				return err
			}
			f.Deletes = append(f.Deletes, id)
		case fieldMark:
			m, err := decodeMark(msg)
			if err != nil {
				return err
			}
			f.Marks = append(f.Marks, m)
		}
		return nil
	})
	return f, err
}

func decodeItem(b []byte) (Item, error) {
	var it Item
	err := fields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		var err error
		switch num {
		case itemClient:
			it.ID.Client, err = varint(typ, v)
		case itemClock:
			it.ID.Clock, err = varint(typ, v)
		case itemOriginClient:
			it.Origin.Client, err = varint(typ, v)
		case itemOriginClock:
			it.Origin.Clock, err = varint(typ, v)
		case itemKind:
			var k uint64
			k, err = varint(typ, v)
			it.Kind = Kind(k)
		case itemText:
			var s []byte
			s, err = bytesField(typ, v)
			it.Text = string(s)
		case itemBlock:
			var s []byte
			s, err = bytesField(typ, v)
			it.Block = string(s)
		case itemAttr:
			var msg []byte
			if msg, err = bytesField(typ, v); err != nil {
				return err
			}
			var k, val string
			err = fields(msg, func(num protowire.Number, typ protowire.Type, v []byte) error {
				s, err := bytesField(typ, v)
				switch num {
				case attrKey:
					k = string(s)
				case attrValue:
					val = string(s)
				}
				return err
			})
			if err == nil {
				if it.Attrs == nil {
					it.Attrs = make(map[string]string)
				}
				it.Attrs[k] = val
			}
		}
		return err
	})
	return it, err
}

func decodeID(b []byte) (ID, error) {
	var id ID
	err := fields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		var err error
		switch num {
		case idClient:
			id.Client, err = varint(typ, v)
		case idClock:
			id.Clock, err = varint(typ, v)
		}
		return err
	})
	return id, err
}

func decodeMark(b []byte) (Mark, error) {
	var m Mark
	err := fields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		var err error
		var s []byte
		switch num {
		case markTargetClient:
			m.Target.Client, err = varint(typ, v)
		case markTargetClock:
			m.Target.Clock, err = varint(typ, v)
		case markName:
			s, err = bytesField(typ, v)
			m.Name = string(s)
		case markValue:
			s, err = bytesField(typ, v)
			m.Value = string(s)
		case markStampClient:
			m.Stamp.Client, err = varint(typ, v)
		case markStampClock:
			m.Stamp.Clock, err = varint(typ, v)
		}
		return err
	})
	return m, err
}
