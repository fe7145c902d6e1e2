package capability

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tlerr "tlvlink/internal/errors"
	"tlvlink/internal/peer"
	"tlvlink/internal/session"
	"tlvlink/tlv"
)

// camera serves a fixed JPEG-ish frame.
type camera struct{ destroyed atomic.Int32 }

func (c *camera) ReadUnit() ([]byte, error) { return []byte("\xff\xd8frame\xff\xd9"), nil }

func (c *camera) Destroy() error {
	c.destroyed.Add(1)
	return nil
}

// microphone serves silence in chunks.
type microphone struct{ reads atomic.Int32 }

func (m *microphone) ReadChunk(max int) ([]byte, error) {
	time.Sleep(time.Millisecond)
	m.reads.Add(1)
	return make([]byte, max), nil
}
func (m *microphone) Destroy() error { return nil }

type agent struct {
	*peer.Peer
	cam    camera
	mic    microphone
	mu     sync.Mutex
	played []byte
}

func newAgent(dir string) *agent {
	a := &agent{Peer: peer.New(nil)}
	ServeFS(a.Peer, dir)

	a.HandleCall(CallCamList, func(context.Context, *tlv.Group) peer.Response {
		return peer.OK(tlv.NewGroup().
			AddString(tlv.FieldString, "FaceTime HD Camera").
			AddString(tlv.FieldString, "USB Webcam"))
	})
	a.HandleCall(CallMicList, func(context.Context, *tlv.Group) peer.Response {
		return peer.OK(tlv.NewGroup().AddString(tlv.FieldString, "Built-in Microphone"))
	})
	a.HandleCall(CallMicPlay, func(_ context.Context, req *tlv.Group) peer.Response {
		b, _ := req.GetRaw(tlv.FieldBytes)
		a.mu.Lock()
		a.played = append([]byte(nil), b...)
		a.mu.Unlock()
		return peer.OK(nil)
	})

	index := func(args *tlv.Group, max int64) error {
		if idx, _ := args.GetInt(tlv.FieldInt); idx >= max {
			return fmt.Errorf("index %d out of range", idx)
		}
		return nil
	}
	a.HandlePipe(CamPipe, func(_ context.Context, args *tlv.Group) (peer.Pipe, error) {
		if err := index(args, 2); err != nil {
			return nil, err
		}
		return &a.cam, nil
	})
	a.HandlePipe(MicPipe, func(_ context.Context, args *tlv.Group) (peer.Pipe, error) {
		if err := index(args, 1); err != nil {
			return nil, err
		}
		return &a.mic, nil
	})
	return a
}

func connect(t *testing.T, p *peer.Peer) *session.Session {
	t.Helper()
	client, server := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	go p.Serve(ctx, server) //nolint:errcheck

	sess := session.New(client, session.WithGracePeriod(200*time.Millisecond))
	t.Cleanup(func() {
		sess.Close()
		cancel()
	})
	return sess
}

func TestDeclaredTagsAreUnique(t *testing.T) {
	decls := tlv.Declared()
	assert.Empty(t, tlv.Collisions(decls))

	names := map[string]tlv.Tag{}
	for _, d := range decls {
		names[d.Name] = d.Tag
	}
	for _, name := range []string{"fs.find", "fs.getwd", "cam.list", "cam.pipe", "mic.play", "mic.list", "mic.pipe"} {
		assert.Contains(t, names, name)
	}
	assert.Equal(t, tlv.KindPipe, CamPipe.Kind())
	assert.Equal(t, tlv.BaseMic, MicPipe.Base())
	assert.Equal(t, uint16(1), CallMicList.Offset())
}

func makeTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "ssh", "old"), 0o755))
	for _, f := range []string{"id_rsa", "id_rsa.pub", "notes.txt", "ssh/id_ed25519", "ssh/old/id_rsa.bak"} {
		require.NoError(t, os.WriteFile(filepath.Join(root, f), []byte(f), 0o600))
	}
	return root
}

func names(hits []Hit) []string {
	var out []string
	for _, h := range hits {
		out = append(out, h.Name)
	}
	return out
}

func TestGetwd(t *testing.T) {
	root := makeTree(t)
	sess := connect(t, newAgent(root).Peer)

	wd, err := Getwd(context.Background(), sess)
	require.NoError(t, err)
	assert.Equal(t, root, wd)
}

func TestFindShallowAndRecursive(t *testing.T) {
	root := makeTree(t)
	sess := connect(t, newAgent(root).Peer)
	ctx := context.Background()

	hits, err := Find(ctx, sess, FindOptions{Keyword: "id_", Path: root})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"id_rsa", "id_rsa.pub"}, names(hits))

	hits, err = Find(ctx, sess, FindOptions{Keyword: "id_", Path: root, Recursive: true})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"id_rsa", "id_rsa.pub", "id_ed25519", "id_rsa.bak"}, names(hits))

	for _, h := range hits {
		if h.Name == "id_ed25519" {
			assert.Equal(t, filepath.Join(root, "ssh"), h.Dir)
			assert.Equal(t, int64(len("ssh/id_ed25519")), h.Stat.Size)
			assert.True(t, h.Stat.FileMode().IsRegular())
			assert.WithinDuration(t, time.Now(), h.Stat.Modified(), time.Minute)
		}
	}
}

func TestFindDateWindow(t *testing.T) {
	root := makeTree(t)
	old := time.Now().Add(-72 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(root, "id_rsa"), old, old))
	sess := connect(t, newAgent(root).Peer)

	hits, err := Find(context.Background(), sess, FindOptions{
		Keyword: "id_rsa",
		Path:    root,
		After:   time.Now().Add(-24 * time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"id_rsa.pub"}, names(hits))

	hits, err = Find(context.Background(), sess, FindOptions{
		Keyword: "id_rsa",
		Path:    root,
		Before:  time.Now().Add(-48 * time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"id_rsa"}, names(hits))
}

func TestFindMissingRoot(t *testing.T) {
	sess := connect(t, newAgent(t.TempDir()).Peer)

	_, err := Find(context.Background(), sess, FindOptions{Keyword: "x", Path: "/no/such/dir"})
	require.ErrorIs(t, err, tlerr.ErrCommandFailed)
	var ce *tlerr.CommandError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, tlv.StatusNotFound, ce.Status)
	assert.Contains(t, ce.Detail, "does not exist")
}

func TestFindRowWithoutPath(t *testing.T) {
	p := peer.New(nil)
	p.HandleCall(CallFSFind, func(context.Context, *tlv.Group) peer.Response {
		return peer.OK(tlv.NewGroup().
			AddGroup(tlv.FieldGroup, tlv.NewGroup().
				AddString(tlv.FieldFilename, "a.txt").
				AddString(tlv.FieldPath, "/srv")).
			AddGroup(tlv.FieldGroup, tlv.NewGroup().
				AddString(tlv.FieldFilename, "b.txt")))
	})
	sess := connect(t, p)

	hits, err := Find(context.Background(), sess, FindOptions{Keyword: "txt", Path: "/srv"})
	require.ErrorIs(t, err, tlerr.ErrProtocol)
	assert.Contains(t, err.Error(), "row 1")
	assert.Nil(t, hits)
}

func TestFindCommandOutput(t *testing.T) {
	root := makeTree(t)
	sess := connect(t, newAgent(root).Peer)

	var out, progress bytes.Buffer
	cmd := &FindCommand{
		Options:  FindOptions{Keyword: "id_", Recursive: true},
		Out:      &out,
		Progress: &progress,
		Interval: time.Millisecond,
	}
	require.NoError(t, cmd.Handle(context.Background(), sess))

	text := out.String()
	assert.Contains(t, text, "Mode")
	assert.Contains(t, text, "id_rsa.pub")
	assert.Contains(t, text, "ssh/old/id_rsa.bak")
	assert.Contains(t, text, "4 result(s)")
	assert.NotContains(t, text, root, "hits under cwd are shown relative")
	assert.Contains(t, progress.String(), searchBanner)
}

func TestFindStalledAgentKeepsSpinning(t *testing.T) {
	root := makeTree(t)
	a := newAgent(root)
	var requests atomic.Int32
	a.HandleCall(CallFSFind, func(context.Context, *tlv.Group) peer.Response {
		requests.Add(1)
		return peer.Response{Outcome: peer.Silent}
	})
	sess := connect(t, a.Peer)

	fut, err := FindAsync(context.Background(), sess, FindOptions{Keyword: "id_"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	var frames []string
	hits, err := fut.Poll(ctx, 5*time.Millisecond, func(f string) { frames = append(frames, f) })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, hits)
	assert.Greater(t, len(frames), 4)
	assert.Equal(t, "/-\\|", strings.Join(frames[:4], ""))
	assert.True(t, fut.Alive(), "search is still waiting on the agent")
	assert.Equal(t, int32(1), requests.Load())

	// Teardown cuts the transport and joins the search.
	sess.Close() //nolint:errcheck
	assert.False(t, fut.Alive())
	_, err = fut.Result()
	assert.ErrorIs(t, err, tlerr.ErrConnectionLost)
}

func TestCamList(t *testing.T) {
	sess := connect(t, newAgent(t.TempDir()).Peer)

	cams, err := ListCams(context.Background(), sess)
	require.NoError(t, err)
	assert.Equal(t, []string{"FaceTime HD Camera", "USB Webcam"}, cams)

	var out bytes.Buffer
	require.NoError(t, (&CamListCommand{Out: &out}).Handle(context.Background(), sess))
	assert.Equal(t, "1   : FaceTime HD Camera\n2   : USB Webcam\n", out.String())
}

func TestCamSnap(t *testing.T) {
	a := newAgent(t.TempDir())
	sess := connect(t, a.Peer)
	path := filepath.Join(t.TempDir(), "snap.jpg")

	var out bytes.Buffer
	cmd := &CamSnapCommand{ID: 2, Output: path, Out: &out}
	require.NoError(t, cmd.Handle(context.Background(), sess))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "\xff\xd8frame\xff\xd9", string(got))
	assert.Equal(t, int32(1), a.cam.destroyed.Load())
	assert.Empty(t, sess.Pipes().Open())
}

func TestCamSnapBadDevice(t *testing.T) {
	sess := connect(t, newAgent(t.TempDir()).Peer)

	_, err := Snap(context.Background(), sess, 0)
	assert.Error(t, err)

	_, err = Snap(context.Background(), sess, 9)
	assert.ErrorIs(t, err, tlerr.ErrPipeOpen)
	assert.Contains(t, err.Error(), "out of range")
}

func TestCamStreamAlreadyStreaming(t *testing.T) {
	sess := connect(t, newAgent(t.TempDir()).Peer)
	ctx := context.Background()

	require.NoError(t, StreamCam(ctx, sess, 1, &bytes.Buffer{}))
	err := StreamCam(ctx, sess, 1, &bytes.Buffer{})
	assert.ErrorIs(t, err, tlerr.ErrAlreadyStreaming)
	require.Len(t, sess.Streams(), 1)
	assert.Equal(t, "cam1", sess.Streams()[0].Device)
}

func TestMicStreamCommand(t *testing.T) {
	a := newAgent(t.TempDir())
	sess := connect(t, a.Peer)
	path := filepath.Join(t.TempDir(), "mic1.pcm")

	var out bytes.Buffer
	cmd := &MicStreamCommand{ID: 1, Output: path, Duration: 50 * time.Millisecond, Out: &out}
	require.NoError(t, cmd.Handle(context.Background(), sess))

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Positive(t, fi.Size())
	assert.Zero(t, fi.Size()%MicReadSize)
	assert.Empty(t, sess.Streams())
	assert.Empty(t, sess.Pipes().Open())
	assert.Contains(t, out.String(), "Suspending device mic1")
}

func TestMicStreamCancelled(t *testing.T) {
	sess := connect(t, newAgent(t.TempDir()).Peer)
	path := filepath.Join(t.TempDir(), "mic1.pcm")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	cmd := &MicStreamCommand{ID: 1, Output: path, Out: &bytes.Buffer{}}
	require.NoError(t, cmd.Handle(ctx, sess))
	assert.Empty(t, sess.Streams())
}

func TestMicListAndPlay(t *testing.T) {
	a := newAgent(t.TempDir())
	sess := connect(t, a.Peer)
	ctx := context.Background()

	mics, err := ListMics(ctx, sess)
	require.NoError(t, err)
	assert.Equal(t, []string{"Built-in Microphone"}, mics)

	file := filepath.Join(t.TempDir(), "beep.wav")
	require.NoError(t, os.WriteFile(file, []byte("RIFF....WAVE"), 0o600))
	require.NoError(t, (&MicPlayCommand{File: file, Out: &bytes.Buffer{}}).Handle(ctx, sess))

	a.mu.Lock()
	defer a.mu.Unlock()
	assert.Equal(t, "RIFF....WAVE", string(a.played))
}

func TestPlayUnsupported(t *testing.T) {
	sess := connect(t, peer.New(nil))
	err := Play(context.Background(), sess, []byte("x"))
	var ce *tlerr.CommandError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, tlv.StatusNotImplemented, ce.Status)
}

func TestFileStatEncoding(t *testing.T) {
	in := FileStat{Mode: uint32(os.ModeDir | 0o755), Size: 4096, ModTime: 1700000000}
	b, err := in.Encode()
	require.NoError(t, err)
	out, err := DecodeStat(b)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.True(t, out.FileMode().IsDir())

	_, err = DecodeStat([]byte{0xff})
	assert.Error(t, err)
}
