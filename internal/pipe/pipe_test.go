package pipe

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tlvlink/internal/channel"
	tlerr "tlvlink/internal/errors"
	"tlvlink/internal/metrics"
	"tlvlink/internal/peer"
	"tlvlink/tlv"
)

var (
	camPipe  = tlv.PipeTag(tlv.BaseCam, 0)
	micPipe  = tlv.PipeTag(tlv.BaseMic, 0)
	sinkPipe = tlv.PipeTag(tlv.BaseMic, 1)
)

// frames serves one numbered frame per readall.
type frames struct {
	mu        sync.Mutex
	n         int
	destroyed int
}

func (f *frames) ReadUnit() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	return bytes.Repeat([]byte{byte(f.n)}, 64), nil
}

func (f *frames) Destroy() error {
	f.mu.Lock()
	f.destroyed++
	f.mu.Unlock()
	return nil
}

// audio hands out a fixed buffer in chunks.
type audio struct{ buf *bytes.Reader }

func (a *audio) ReadChunk(max int) ([]byte, error) {
	p := make([]byte, max)
	n, _ := a.buf.Read(p)
	return p[:n], nil
}

func (a *audio) Destroy() error { return nil }

type collector struct{ bytes.Buffer }

func (c *collector) Destroy() error { return nil }

func setup(t *testing.T) (*Manager, *frames, *collector, *metrics.Collector) {
	t.Helper()
	cam := &frames{}
	sink := &collector{}

	p := peer.New(nil)
	p.HandlePipe(camPipe, func(_ context.Context, args *tlv.Group) (peer.Pipe, error) {
		if idx, _ := args.GetInt(tlv.FieldInt); idx != 0 {
			return nil, errors.New("index out of range")
		}
		return cam, nil
	})
	p.HandlePipe(micPipe, func(context.Context, *tlv.Group) (peer.Pipe, error) {
		return &audio{buf: bytes.NewReader(bytes.Repeat([]byte("pcm"), 100))}, nil
	})
	p.HandlePipe(sinkPipe, func(context.Context, *tlv.Group) (peer.Pipe, error) {
		return sink, nil
	})

	client, server := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	go p.Serve(ctx, server) //nolint:errcheck
	t.Cleanup(func() {
		cancel()
		client.Close()
	})

	m := metrics.New()
	return NewManager(channel.New(client), nil, m), cam, sink, m
}

func TestLifecycle(t *testing.T) {
	mgr, cam, _, m := setup(t)
	ctx := context.Background()

	p, err := mgr.Create(ctx, camPipe, tlv.NewGroup().AddInt(tlv.FieldInt, 0))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), p.ID)
	assert.Equal(t, Open, p.State)
	assert.Equal(t, int64(1), m.ActivePipes())

	frame, err := mgr.ReadAll(ctx, camPipe, p.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, frame)

	require.NoError(t, mgr.Destroy(ctx, camPipe, p.ID))
	assert.Equal(t, 1, cam.destroyed)
	assert.Zero(t, m.ActivePipes())

	_, err = mgr.ReadAll(ctx, camPipe, p.ID)
	assert.ErrorIs(t, err, tlerr.ErrPipeClosed)
	_, err = mgr.Read(ctx, camPipe, p.ID, 16)
	assert.ErrorIs(t, err, tlerr.ErrPipeClosed)

	got, ok := mgr.Lookup(camPipe, p.ID)
	require.True(t, ok)
	assert.Equal(t, Closed, got.State)
}

func TestDestroyTwice(t *testing.T) {
	mgr, cam, _, _ := setup(t)
	ctx := context.Background()

	p, err := mgr.Create(ctx, camPipe, nil)
	require.NoError(t, err)
	require.NoError(t, mgr.Destroy(ctx, camPipe, p.ID))

	err = mgr.Destroy(ctx, camPipe, p.ID)
	assert.ErrorIs(t, err, tlerr.ErrPipeClosed)
	assert.Equal(t, 1, cam.destroyed, "second destroy never reached the peer")
}

func TestReadAfterPeerForgetsPipe(t *testing.T) {
	mgr, _, _, _ := setup(t)
	ctx := context.Background()

	// Pipe 9 was never created on this connection, so the peer answers
	// NotFound and the manager records it as closed.
	_, err := mgr.ReadAll(ctx, camPipe, 9)
	require.ErrorIs(t, err, tlerr.ErrPipeClosed)

	var pe *tlerr.PipeError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "readall", pe.Op)
	assert.Contains(t, pe.Detail, "no pipe")

	got, ok := mgr.Lookup(camPipe, 9)
	require.True(t, ok)
	assert.Equal(t, Closed, got.State)

	err = mgr.Destroy(ctx, camPipe, 9)
	assert.ErrorIs(t, err, tlerr.ErrPipeClosed)
}

func TestCreateRejected(t *testing.T) {
	mgr, _, _, m := setup(t)

	_, err := mgr.Create(context.Background(), camPipe, tlv.NewGroup().AddInt(tlv.FieldInt, 3))
	require.ErrorIs(t, err, tlerr.ErrPipeOpen)

	var pe *tlerr.PipeError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "index out of range", pe.Detail)
	assert.Empty(t, mgr.Open())
	assert.Zero(t, m.TotalPipes())
}

func TestCreateUnknownType(t *testing.T) {
	mgr, _, _, _ := setup(t)
	_, err := mgr.Create(context.Background(), tlv.PipeTag(tlv.BaseNet, 0), nil)
	assert.ErrorIs(t, err, tlerr.ErrPipeOpen)
}

func TestShortReads(t *testing.T) {
	mgr, _, _, _ := setup(t)
	ctx := context.Background()

	p, err := mgr.Create(ctx, micPipe, nil)
	require.NoError(t, err)

	var got []byte
	for {
		chunk, err := mgr.Read(ctx, micPipe, p.ID, 128)
		require.NoError(t, err)
		if len(chunk) == 0 {
			break
		}
		assert.LessOrEqual(t, len(chunk), 128)
		got = append(got, chunk...)
	}
	assert.Equal(t, bytes.Repeat([]byte("pcm"), 100), got)
}

func TestWrite(t *testing.T) {
	mgr, _, sink, _ := setup(t)
	ctx := context.Background()

	p, err := mgr.Create(ctx, sinkPipe, nil)
	require.NoError(t, err)

	n, err := mgr.Write(ctx, sinkPipe, p.ID, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", sink.String())
}

func TestWrongVerbForPipe(t *testing.T) {
	mgr, _, _, _ := setup(t)
	ctx := context.Background()

	p, err := mgr.Create(ctx, camPipe, nil)
	require.NoError(t, err)

	_, err = mgr.Read(ctx, camPipe, p.ID, 10)
	assert.ErrorIs(t, err, tlerr.ErrCommandFailed)
	assert.NotErrorIs(t, err, tlerr.ErrPipeClosed)

	// Still usable.
	_, err = mgr.ReadAll(ctx, camPipe, p.ID)
	assert.NoError(t, err)
}

func TestOpenSnapshot(t *testing.T) {
	mgr, _, _, _ := setup(t)
	ctx := context.Background()

	mic, err := mgr.Create(ctx, micPipe, nil)
	require.NoError(t, err)
	cam, err := mgr.Create(ctx, camPipe, nil)
	require.NoError(t, err)
	mgr.MarkStreaming(micPipe, mic.ID)

	open := mgr.Open()
	require.Len(t, open, 2)
	assert.Equal(t, camPipe, open[0].Type)
	assert.Equal(t, cam.ID, open[0].ID)
	assert.Equal(t, Streaming, open[1].State)

	require.NoError(t, mgr.Destroy(ctx, camPipe, cam.ID))
	assert.Len(t, mgr.Open(), 1)
}

func TestConnectionLost(t *testing.T) {
	client, server := net.Pipe()
	server.Close()
	mgr := NewManager(channel.New(client), nil, nil)

	_, err := mgr.Create(context.Background(), camPipe, nil)
	assert.ErrorIs(t, err, tlerr.ErrConnectionLost)
	assert.NotErrorIs(t, err, tlerr.ErrPipeOpen)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "streaming", Streaming.String())
	assert.Equal(t, "state(9)", State(9).String())
	assert.Equal(t, "pipe(cam,0)#2", Pipe{Type: camPipe, ID: 2}.String())
}
