package capability

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"tlvlink/internal/peer"
	"tlvlink/tlv"
)

// DefaultPCMList is where ALSA lists its PCM devices.
const DefaultPCMList = "/proc/asound/pcm"

// MicBackend is the agent's view of the sound system.  Zero fields use
// the ALSA command line tools.
type MicBackend struct {
	PCMList string
	Record  func(ctx context.Context, index int) *exec.Cmd
	Play    func(ctx context.Context) *exec.Cmd
}

func arecord(ctx context.Context, index int) *exec.Cmd {
	return exec.CommandContext(ctx, "arecord",
		"-D", fmt.Sprintf("plughw:%d", index), "-q",
		"-f", "cd", "-t", "raw", "-r", "48000", "-c", "2")
}

func aplay(ctx context.Context) *exec.Cmd {
	return exec.CommandContext(ctx, "aplay", "-q")
}

func (b *MicBackend) withDefaults() MicBackend {
	var out MicBackend
	if b != nil {
		out = *b
	}
	if out.PCMList == "" {
		out.PCMList = DefaultPCMList
	}
	if out.Record == nil {
		out.Record = arecord
	}
	if out.Play == nil {
		out.Play = aplay
	}
	return out
}

// ServeMic registers the agent side of mic.list, mic.play and the
// microphone pipe on p.  b may be nil.
func ServeMic(p *peer.Peer, b *MicBackend) {
	be := b.withDefaults()

	p.HandleCall(CallMicList, func(context.Context, *tlv.Group) peer.Response {
		names, err := captureDevices(be.PCMList)
		if err != nil {
			return peer.Fail(tlv.StatusRWError, "%v", err)
		}
		reply := tlv.NewGroup()
		for _, n := range names {
			reply.AddString(tlv.FieldString, n)
		}
		return peer.OK(reply)
	})

	p.HandleCall(CallMicPlay, func(ctx context.Context, req *tlv.Group) peer.Response {
		audio, ok := req.GetRaw(tlv.FieldBytes)
		if !ok {
			return peer.Fail(tlv.StatusUsageError, "no audio in request")
		}
		cmd := be.Play(ctx)
		cmd.Stdin = bytes.NewReader(audio)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return peer.Fail(tlv.StatusFail, "%s: %v %s", cmd.Path, err, strings.TrimSpace(stderr.String()))
		}
		return peer.OK(nil)
	})

	p.HandlePipe(MicPipe, func(ctx context.Context, args *tlv.Group) (peer.Pipe, error) {
		idx, ok := args.GetInt(tlv.FieldInt)
		if !ok || idx < 0 {
			return nil, fmt.Errorf("device index missing")
		}
		return startRecorder(be.Record(ctx, int(idx)))
	})
}

// captureDevices returns the capture lines of an ALSA pcm listing.
func captureDevices(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := sc.Text(); strings.Contains(line, "capture") {
			out = append(out, line)
		}
	}
	return out, sc.Err()
}

// recorder is a microphone pipe backed by a recording process's stdout.
type recorder struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	once   sync.Once
	err    error
}

func startRecorder(cmd *exec.Cmd) (*recorder, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cmd.Path, err)
	}
	return &recorder{cmd: cmd, stdout: stdout}, nil
}

// ReadChunk fills up to max bytes, returning short only when the
// recorder has exited.
func (r *recorder) ReadChunk(max int) ([]byte, error) {
	buf := make([]byte, max)
	n, err := io.ReadFull(r.stdout, buf)
	if n > 0 {
		return buf[:n], nil
	}
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%s exited", r.cmd.Path)
	}
	return nil, err
}

func (r *recorder) Destroy() error {
	r.once.Do(func() {
		if err := r.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			r.err = err
		}
		// Killed on purpose; the exit status says nothing.
		r.cmd.Wait() //nolint:errcheck
	})
	return r.err
}
