// Package tlv implements the self-describing binary record format used
// on the wire between a controller and a remote agent.
//
// A record is a tag, a one-byte value type, a length and the value
// itself.  A Group is an ordered list of records and is the unit of
// every message: command arguments, a reply, or one repeated row
// nested inside a reply.
//
// Wire layout of one record (all integers big-endian):
//
//	+--------+------+--------+----------------+
//	| tag u32| type | len u32| value (len)    |
//	+--------+------+--------+----------------+
package tlv

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Type discriminates how a record's value is encoded.
type Type uint8

const (
	// TypeInt is an 8-byte two's complement integer.
	TypeInt Type = iota + 1
	// TypeString is UTF-8 text.  Embedded zero bytes are legal.
	TypeString
	// TypeRaw is an opaque byte blob.
	TypeRaw
	// TypeGroup is a nested, encoded Group.
	TypeGroup
)

func (t Type) String() string {
	switch t {
	case TypeInt:
		return "int"
	case TypeString:
		return "string"
	case TypeRaw:
		return "raw"
	case TypeGroup:
		return "group"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// HeaderSize is the size of a record header: tag, type and length.
const HeaderSize = 9

const intSize = 8

// Record is one decoded tag/type/value triple.
type Record struct {
	Tag   Tag
	Type  Type
	Value []byte
}

// Group is an ordered sequence of records.
//
// Get accessors return the first record matching both tag and type and
// never change the group.  GetGroup and NextString consume: each call
// returns the next record not yet handed out, which is how repeated rows
// in a reply are iterated until exhausted.
//
// A Group is not safe for concurrent use.
type Group struct {
	records  []Record
	consumed []bool
}

// NewGroup returns an empty group.
func NewGroup() *Group { return &Group{} }

func (g *Group) add(tag Tag, typ Type, v []byte) *Group {
	g.records = append(g.records, Record{Tag: tag, Type: typ, Value: v})
	g.consumed = append(g.consumed, false)
	return g
}

// AddInt appends an integer record.
func (g *Group) AddInt(tag Tag, v int64) *Group {
	b := make([]byte, intSize)
	binary.BigEndian.PutUint64(b, uint64(v))
	return g.add(tag, TypeInt, b)
}

// AddBool appends a boolean as an integer record holding 0 or 1.
func (g *Group) AddBool(tag Tag, v bool) *Group {
	if v {
		return g.AddInt(tag, 1)
	}
	return g.AddInt(tag, 0)
}

// AddString appends a string record.
func (g *Group) AddString(tag Tag, s string) *Group {
	return g.add(tag, TypeString, []byte(s))
}

// AddRaw appends a copy of b as a raw record.
func (g *Group) AddRaw(tag Tag, b []byte) *Group {
	return g.add(tag, TypeRaw, bytes.Clone(b))
}

// AddGroup appends sub, encoded, as a nested group record.
func (g *Group) AddGroup(tag Tag, sub *Group) *Group {
	return g.add(tag, TypeGroup, sub.Encode())
}

// Append copies every record of other onto the end of g.
func (g *Group) Append(other *Group) *Group {
	if other == nil {
		return g
	}
	for _, r := range other.records {
		g.add(r.Tag, r.Type, r.Value)
	}
	return g
}

// Len returns the number of records.
func (g *Group) Len() int {
	if g == nil {
		return 0
	}
	return len(g.records)
}

// Records returns a copy of the record list.
func (g *Group) Records() []Record {
	if g == nil {
		return nil
	}
	out := make([]Record, len(g.records))
	copy(out, g.records)
	return out
}

// Has reports whether any record carries tag.
func (g *Group) Has(tag Tag) bool {
	if g == nil {
		return false
	}
	for _, r := range g.records {
		if r.Tag == tag {
			return true
		}
	}
	return false
}

func (g *Group) first(tag Tag, typ Type) (Record, bool) {
	if g == nil {
		return Record{}, false
	}
	for _, r := range g.records {
		if r.Tag == tag && r.Type == typ {
			return r, true
		}
	}
	return Record{}, false
}

func (g *Group) pop(tag Tag, typ Type) (Record, bool) {
	if g == nil {
		return Record{}, false
	}
	for i, r := range g.records {
		if !g.consumed[i] && r.Tag == tag && r.Type == typ {
			g.consumed[i] = true
			return r, true
		}
	}
	return Record{}, false
}

// GetInt returns the first integer record for tag.
func (g *Group) GetInt(tag Tag) (int64, bool) {
	r, ok := g.first(tag, TypeInt)
	if !ok {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(r.Value)), true
}

// GetBool returns the first integer record for tag as a boolean.
func (g *Group) GetBool(tag Tag) (bool, bool) {
	v, ok := g.GetInt(tag)
	return v != 0, ok
}

// GetString returns the first string record for tag.
func (g *Group) GetString(tag Tag) (string, bool) {
	r, ok := g.first(tag, TypeString)
	if !ok {
		return "", false
	}
	return string(r.Value), true
}

// GetRaw returns the first raw record for tag.  The slice aliases the
// group's storage.
func (g *Group) GetRaw(tag Tag) ([]byte, bool) {
	r, ok := g.first(tag, TypeRaw)
	if !ok {
		return nil, false
	}
	return r.Value, true
}

// GetGroup returns the next unread nested group for tag.  It reports
// false once every matching record has been handed out.
func (g *Group) GetGroup(tag Tag) (*Group, bool) {
	r, ok := g.pop(tag, TypeGroup)
	if !ok {
		return nil, false
	}
	sub, err := Decode(r.Value)
	if err != nil {
		return nil, false
	}
	return sub, true
}

// NextString returns the next unread string record for tag.
func (g *Group) NextString(tag Tag) (string, bool) {
	r, ok := g.pop(tag, TypeString)
	if !ok {
		return "", false
	}
	return string(r.Value), true
}

// Strings returns every string record for tag in order, without
// consuming them.
func (g *Group) Strings(tag Tag) []string {
	if g == nil {
		return nil
	}
	var out []string
	for _, r := range g.records {
		if r.Tag == tag && r.Type == TypeString {
			out = append(out, string(r.Value))
		}
	}
	return out
}

// Rewind marks every record unread again.
func (g *Group) Rewind() {
	if g == nil {
		return
	}
	for i := range g.consumed {
		g.consumed[i] = false
	}
}

// Equal reports whether g and other hold the same records in the same
// order.  Read positions are not compared.
func (g *Group) Equal(other *Group) bool {
	if g.Len() != other.Len() {
		return false
	}
	for i := 0; i < g.Len(); i++ {
		a, b := g.records[i], other.records[i]
		if a.Tag != b.Tag || a.Type != b.Type || !bytes.Equal(a.Value, b.Value) {
			return false
		}
	}
	return true
}
