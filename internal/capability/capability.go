// Package capability holds the feature families built on the session:
// filesystem search, camera and microphone.  Each family declares its
// own calls, pipe types and fields under its base, exposes plain
// functions over a channel.Caller, and wraps them in Capability values
// the CLI can run.
package capability

import (
	"context"
	"fmt"

	"tlvlink/internal/session"
	"tlvlink/tlv"
)

// Capability is one user-facing action run against a session.
type Capability interface {
	// Handle runs the action.  It returns once the action is complete
	// or ctx is cancelled, and leaves no background work running.
	Handle(ctx context.Context, sess *session.Session) error
}

// ── Tags ─────────────────────────────────────────────────────────────

var (
	CallFSFind     = tlv.Declare("fs.find", tlv.CallTag(tlv.BaseFS, 0))
	CallFSGetwd    = tlv.Declare("fs.getwd", tlv.CallTag(tlv.BaseFS, 1))
	FieldStartDate = tlv.Declare("fs.start_date", tlv.FieldTag(tlv.BaseFS, 0))
	FieldEndDate   = tlv.Declare("fs.end_date", tlv.FieldTag(tlv.BaseFS, 1))
)

var (
	CallCamList = tlv.Declare("cam.list", tlv.CallTag(tlv.BaseCam, 0))
	CamPipe     = tlv.Declare("cam.pipe", tlv.PipeTag(tlv.BaseCam, 0))
)

var (
	CallMicPlay = tlv.Declare("mic.play", tlv.CallTag(tlv.BaseMic, 0))
	CallMicList = tlv.Declare("mic.list", tlv.CallTag(tlv.BaseMic, 1))
	MicPipe     = tlv.Declare("mic.pipe", tlv.PipeTag(tlv.BaseMic, 0))
)

// deviceArgs addresses device id, which users count from 1, by its
// zero-based index on the agent.
func deviceArgs(id int) (*tlv.Group, error) {
	if id < 1 {
		return nil, fmt.Errorf("device id %d: ids start at 1", id)
	}
	return tlv.NewGroup().AddInt(tlv.FieldInt, int64(id-1)), nil
}

// deviceNames collects the repeated STRING records of a list reply.
func deviceNames(reply *tlv.Group) []string {
	var names []string
	for {
		name, ok := reply.NextString(tlv.FieldString)
		if !ok {
			return names
		}
		names = append(names, name)
	}
}
