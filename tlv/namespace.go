package tlv

import (
	"fmt"
	"sort"
	"sync"
)

// Tag names a record's role, a command, or a pipe type.
//
// Tags are never written as literals.  They are composed from a kind,
// a centrally allocated feature base and an offset within the feature:
//
//	bits 31..24  kind
//	bits 23..16  base
//	bits 15..0   offset
//
// Each part has a fixed field, so the composition is injective: two
// tags are equal only if all three parts are.
type Tag uint32

// Kind separates record fields, command calls and pipe types so that
// the same (base, offset) can name one of each.
type Kind uint8

const (
	KindField Kind = iota + 1
	KindCall
	KindPipe
)

func (k Kind) String() string {
	switch k {
	case KindField:
		return "field"
	case KindCall:
		return "call"
	case KindPipe:
		return "pipe"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Compose builds a tag from its three parts.
func Compose(kind Kind, base Base, offset uint16) Tag {
	return Tag(uint32(kind)<<24 | uint32(base)<<16 | uint32(offset))
}

// CallTag returns the tag of command offset within feature base.
func CallTag(base Base, offset uint16) Tag { return Compose(KindCall, base, offset) }

// PipeTag returns the pipe type at offset within feature base.
func PipeTag(base Base, offset uint16) Tag { return Compose(KindPipe, base, offset) }

// FieldTag returns the record field at offset within feature base.
func FieldTag(base Base, offset uint16) Tag { return Compose(KindField, base, offset) }

// Kind returns the kind part of t.
func (t Tag) Kind() Kind { return Kind(t >> 24) }

// Base returns the feature base part of t.
func (t Tag) Base() Base { return Base(t >> 16) }

// Offset returns the offset part of t.
func (t Tag) Offset() uint16 { return uint16(t) }

func (t Tag) String() string {
	return fmt.Sprintf("%s(%s,%d)", t.Kind(), t.Base(), t.Offset())
}

// ── Declaration ledger ───────────────────────────────────────────────
//
// Every package that defines tags passes them through Declare so a
// single test can prove that no two enabled features share a tag.

// Declaration pairs a tag with the name it was declared under.
type Declaration struct {
	Name string
	Tag  Tag
}

// Collision lists every name declared for one tag.
type Collision struct {
	Tag   Tag
	Names []string
}

var (
	declMu   sync.Mutex
	declared []Declaration
)

// Declare records t under name and returns t unchanged.
func Declare(name string, t Tag) Tag {
	declMu.Lock()
	declared = append(declared, Declaration{Name: name, Tag: t})
	declMu.Unlock()
	return t
}

// Declared returns every declaration made so far in this process.
func Declared() []Declaration {
	declMu.Lock()
	defer declMu.Unlock()
	out := make([]Declaration, len(declared))
	copy(out, declared)
	return out
}

// Collisions returns the tags in decls declared more than once, sorted
// by tag.
func Collisions(decls []Declaration) []Collision {
	byTag := make(map[Tag][]string)
	for _, d := range decls {
		byTag[d.Tag] = append(byTag[d.Tag], d.Name)
	}
	var out []Collision
	for tag, names := range byTag {
		if len(names) > 1 {
			out = append(out, Collision{Tag: tag, Names: names})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out
}
