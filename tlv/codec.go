package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxDepth bounds how deeply groups may nest inside one another.
const MaxDepth = 32

// DefaultMaxFrame is the largest frame body ReadFrame accepts when the
// caller passes no limit.
const DefaultMaxFrame = 16 << 20

var (
	// ErrMalformed reports a record whose header or value does not
	// fit the buffer, or whose value does not match its type.
	ErrMalformed = errors.New("tlv: malformed record")

	// ErrFrameTooLarge reports a frame header announcing a body over
	// the reader's limit.  The body is left unread.
	ErrFrameTooLarge = errors.New("tlv: frame too large")
)

// Size returns the encoded size of g in bytes.
func (g *Group) Size() int {
	if g == nil {
		return 0
	}
	n := 0
	for _, r := range g.records {
		n += HeaderSize + len(r.Value)
	}
	return n
}

// Encode returns the wire form of g: every record in insertion order.
func (g *Group) Encode() []byte {
	return g.AppendTo(make([]byte, 0, g.Size()))
}

// AppendTo appends the wire form of g to dst.
func (g *Group) AppendTo(dst []byte) []byte {
	if g == nil {
		return dst
	}
	for _, r := range g.records {
		dst = binary.BigEndian.AppendUint32(dst, uint32(r.Tag))
		dst = append(dst, byte(r.Type))
		dst = binary.BigEndian.AppendUint32(dst, uint32(len(r.Value)))
		dst = append(dst, r.Value...)
	}
	return dst
}

// Decode parses b into a Group.  Nested groups are validated eagerly so
// a group that decodes without error never fails later in GetGroup.
// The returned group aliases b.
func Decode(b []byte) (*Group, error) {
	return decode(b, 0)
}

func decode(b []byte, depth int) (*Group, error) {
	if depth > MaxDepth {
		return nil, fmt.Errorf("%w: nesting deeper than %d", ErrMalformed, MaxDepth)
	}

	g := &Group{}
	for off := 0; off < len(b); {
		if len(b)-off < HeaderSize {
			return nil, fmt.Errorf("%w: truncated header at offset %d", ErrMalformed, off)
		}
		tag := Tag(binary.BigEndian.Uint32(b[off:]))
		typ := Type(b[off+4])
		n := binary.BigEndian.Uint32(b[off+5:])
		off += HeaderSize

		if uint64(n) > uint64(len(b)-off) {
			return nil, fmt.Errorf("%w: %s declares %d bytes, %d remain",
				ErrMalformed, tag, n, len(b)-off)
		}
		end := off + int(n)
		v := b[off:end:end]

		switch typ {
		case TypeInt:
			if n != intSize {
				return nil, fmt.Errorf("%w: %s int of %d bytes", ErrMalformed, tag, n)
			}
		case TypeString, TypeRaw:
		case TypeGroup:
			if _, err := decode(v, depth+1); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("%w: %s has unknown %s", ErrMalformed, tag, typ)
		}

		g.add(tag, typ, v)
		off = end
	}
	return g, nil
}

// ── Framing ──────────────────────────────────────────────────────────
//
// On a stream every group travels as one frame: a u32 big-endian body
// length followed by the encoded group.

// AppendFrame appends g to dst as one frame.
func AppendFrame(dst []byte, g *Group) []byte {
	start := len(dst)
	dst = append(dst, 0, 0, 0, 0)
	dst = g.AppendTo(dst)
	binary.BigEndian.PutUint32(dst[start:], uint32(len(dst)-start-4))
	return dst
}

// WriteFrame writes g as one frame using a single Write call, so two
// frames written under a shared lock never interleave on the stream.
// It returns the number of bytes written.
func WriteFrame(w io.Writer, g *Group) (int, error) {
	return w.Write(AppendFrame(make([]byte, 0, 4+g.Size()), g))
}

// ReadFrame reads one frame from r and decodes it.  A body larger than
// limit (DefaultMaxFrame when limit <= 0) fails with ErrFrameTooLarge.
// Transport errors are returned unwrapped; decode failures wrap
// ErrMalformed.  The byte count covers the header and body read.
func ReadFrame(r io.Reader, limit int) (*Group, int, error) {
	if limit <= 0 {
		limit = DefaultMaxFrame
	}

	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, 0, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if uint64(size) > uint64(limit) {
		return nil, len(hdr), fmt.Errorf("%w: %d bytes (limit %d)", ErrFrameTooLarge, size, limit)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, len(hdr), err
	}

	g, err := Decode(body)
	if err != nil {
		return nil, len(hdr) + len(body), err
	}
	return g, len(hdr) + len(body), nil
}
