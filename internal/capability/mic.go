package capability

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"tlvlink/internal/channel"
	"tlvlink/internal/session"
	"tlvlink/internal/sink"
	"tlvlink/tlv"
)

// MicReadSize is the chunk requested per microphone read: 1024 frames
// of 16-bit stereo.
const MicReadSize = 1024 * 2 * 2

// ListMics returns the agent's audio input names in device-id order.
func ListMics(ctx context.Context, c channel.Caller) ([]string, error) {
	res, err := c.Call(ctx, CallMicList, nil)
	if err != nil {
		return nil, err
	}
	return deviceNames(res.Reply), nil
}

// Play sends audio to be played on the agent's default output.
func Play(ctx context.Context, c channel.Caller, audio []byte) error {
	_, err := c.Call(ctx, CallMicPlay, tlv.NewGroup().AddRaw(tlv.FieldBytes, audio))
	return err
}

// MicDevice is the stream registry key for microphone id.
func MicDevice(id int) string { return fmt.Sprintf("mic%d", id) }

// StreamMic starts streaming microphone id into w.
func StreamMic(ctx context.Context, sess *session.Session, id int, w io.Writer) error {
	args, err := deviceArgs(id)
	if err != nil {
		return err
	}
	spec := session.StreamSpec{PipeType: MicPipe, Args: args, ReadSize: MicReadSize}
	return sess.StartStream(ctx, MicDevice(id), spec, w)
}

// ── Commands ─────────────────────────────────────────────────────────

type MicListCommand struct {
	Out io.Writer
}

func (m *MicListCommand) Handle(ctx context.Context, sess *session.Session) error {
	names, err := ListMics(ctx, sess)
	if err != nil {
		return err
	}
	writeDevices(m.Out, names)
	return nil
}

// MicStreamCommand appends raw audio from microphone ID to Output.
type MicStreamCommand struct {
	ID       int
	Output   string
	Duration time.Duration
	Out      io.Writer
}

func (m *MicStreamCommand) Handle(ctx context.Context, sess *session.Session) error {
	s, err := sink.NewAppend(m.Output)
	if err != nil {
		return err
	}
	if err := StreamMic(ctx, sess, m.ID, s); err != nil {
		s.Close()
		return err
	}
	fmt.Fprintf(m.Out, "Streaming device #%d to %s...\n", m.ID, m.Output)
	return runFor(ctx, sess, MicDevice(m.ID), m.Duration, m.Out)
}

// MicPlayCommand plays a local audio file on the agent.
type MicPlayCommand struct {
	File string
	Out  io.Writer
}

func (m *MicPlayCommand) Handle(ctx context.Context, sess *session.Session) error {
	audio, err := os.ReadFile(m.File)
	if err != nil {
		return err
	}
	fmt.Fprintln(m.Out, "Playing audio file on device...")
	if err := Play(ctx, sess, audio); err != nil {
		return fmt.Errorf("play %s: %w", m.File, err)
	}
	return nil
}
