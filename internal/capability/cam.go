package capability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"tlvlink/internal/channel"
	tlerr "tlvlink/internal/errors"
	"tlvlink/internal/session"
	"tlvlink/internal/sink"
)

// ListCams returns the agent's camera names in device-id order.
func ListCams(ctx context.Context, c channel.Caller) ([]string, error) {
	res, err := c.Call(ctx, CallCamList, nil)
	if err != nil {
		return nil, err
	}
	return deviceNames(res.Reply), nil
}

// Snap opens camera id, reads one frame and closes it again.
func Snap(ctx context.Context, sess *session.Session, id int) ([]byte, error) {
	args, err := deviceArgs(id)
	if err != nil {
		return nil, err
	}
	pipes := sess.Pipes()
	p, err := pipes.Create(ctx, CamPipe, args)
	if err != nil {
		return nil, err
	}
	frame, err := pipes.ReadAll(ctx, p.Type, p.ID)
	if derr := pipes.Destroy(ctx, p.Type, p.ID); derr != nil && err == nil && !errors.Is(derr, tlerr.ErrPipeClosed) {
		err = derr
	}
	return frame, err
}

// CamDevice is the stream registry key for camera id.
func CamDevice(id int) string { return fmt.Sprintf("cam%d", id) }

// StreamCam starts streaming camera id into w, one frame per write.
func StreamCam(ctx context.Context, sess *session.Session, id int, w io.Writer) error {
	args, err := deviceArgs(id)
	if err != nil {
		return err
	}
	return sess.StartStream(ctx, CamDevice(id), session.StreamSpec{PipeType: CamPipe, Args: args}, w)
}

// ── Commands ─────────────────────────────────────────────────────────

// CamListCommand prints one numbered line per camera.
type CamListCommand struct {
	Out io.Writer
}

func (c *CamListCommand) Handle(ctx context.Context, sess *session.Session) error {
	names, err := ListCams(ctx, sess)
	if err != nil {
		return err
	}
	writeDevices(c.Out, names)
	return nil
}

// CamSnapCommand saves one frame from camera ID to Output.
type CamSnapCommand struct {
	ID     int
	Output string
	Out    io.Writer
}

func (c *CamSnapCommand) Handle(ctx context.Context, sess *session.Session) error {
	frame, err := Snap(ctx, sess, c.ID)
	if err != nil {
		return fmt.Errorf("snapshot from device #%d: %w", c.ID, err)
	}
	if err := os.WriteFile(c.Output, frame, 0o600); err != nil {
		return err
	}
	fmt.Fprintf(c.Out, "Saved image to %s (%d bytes)\n", c.Output, len(frame))
	return nil
}

// CamStreamCommand keeps the latest frame from camera ID at Output for
// Duration, or until ctx is cancelled when Duration is zero.
type CamStreamCommand struct {
	ID       int
	Output   string
	Duration time.Duration
	Out      io.Writer
}

func (c *CamStreamCommand) Handle(ctx context.Context, sess *session.Session) error {
	s, err := sink.NewLatest(c.Output)
	if err != nil {
		return err
	}
	if err := StreamCam(ctx, sess, c.ID, s); err != nil {
		s.Close()
		return err
	}
	fmt.Fprintf(c.Out, "Streaming device #%d to %s...\n", c.ID, c.Output)
	return runFor(ctx, sess, CamDevice(c.ID), c.Duration, c.Out)
}

// runFor waits out a stream and then stops it.
func runFor(ctx context.Context, sess *session.Session, device string, d time.Duration, out io.Writer) error {
	var expire <-chan time.Time
	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		expire = timer.C
	}
	select {
	case <-expire:
	case <-ctx.Done():
	}

	for _, info := range sess.Streams() {
		if info.Device == device {
			fmt.Fprintf(out, "Suspending device %s after %d unit(s)...\n", device, info.Units)
			if info.Err != nil {
				fmt.Fprintf(out, "Reader stopped early: %v\n", info.Err)
			}
		}
	}
	return sess.StopStream(context.WithoutCancel(ctx), device)
}

func writeDevices(w io.Writer, names []string) {
	if len(names) == 0 {
		fmt.Fprintln(w, "No devices found.")
		return
	}
	for i, name := range names {
		fmt.Fprintf(w, "%-4d: %s\n", i+1, name)
	}
}
