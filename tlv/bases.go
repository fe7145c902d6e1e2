package tlv

import "fmt"

// Base identifies one feature family in the tag space.
//
// Bases are allocated here and nowhere else.  A new feature takes the
// next free value and then numbers its calls, pipes and fields from 0.
type Base uint8

const (
	BaseCore    Base = 1 // protocol status, pipe verbs, shared fields
	BaseFS      Base = 2
	BaseNet     Base = 3 // reserved
	BaseProcess Base = 4 // reserved
	BaseCam     Base = 5
	BaseMic     Base = 6
)

var baseNames = map[Base]string{ //nolint:gochecknoglobals
	BaseCore:    "core",
	BaseFS:      "fs",
	BaseNet:     "net",
	BaseProcess: "process",
	BaseCam:     "cam",
	BaseMic:     "mic",
}

func (b Base) String() string {
	if name, ok := baseNames[b]; ok {
		return name
	}
	return fmt.Sprintf("base%d", uint8(b))
}

// ── Core fields ──────────────────────────────────────────────────────

var (
	FieldStatus   = Declare("core.status", FieldTag(BaseCore, 0))
	FieldCall     = Declare("core.call", FieldTag(BaseCore, 1))
	FieldPipeType = Declare("core.pipe_type", FieldTag(BaseCore, 2))
	FieldPipeID   = Declare("core.pipe_id", FieldTag(BaseCore, 3))
	FieldLength   = Declare("core.length", FieldTag(BaseCore, 4))
	FieldBytes    = Declare("core.bytes", FieldTag(BaseCore, 5))
	FieldInt      = Declare("core.int", FieldTag(BaseCore, 6))
	FieldString   = Declare("core.string", FieldTag(BaseCore, 7))
	FieldPath     = Declare("core.path", FieldTag(BaseCore, 8))
	FieldFilename = Declare("core.filename", FieldTag(BaseCore, 9))
	FieldGroup    = Declare("core.group", FieldTag(BaseCore, 10))
	FieldError    = Declare("core.error", FieldTag(BaseCore, 11))
)

// ── Pipe verbs ───────────────────────────────────────────────────────

var (
	CallPipeCreate  = Declare("core.pipe_create", CallTag(BaseCore, 0))
	CallPipeRead    = Declare("core.pipe_read", CallTag(BaseCore, 1))
	CallPipeReadAll = Declare("core.pipe_readall", CallTag(BaseCore, 2))
	CallPipeWrite   = Declare("core.pipe_write", CallTag(BaseCore, 3))
	CallPipeDestroy = Declare("core.pipe_destroy", CallTag(BaseCore, 4))
)
