package session

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/annel0/cellgrid/internal/geom"
	"github.com/annel0/cellgrid/internal/player"
	"github.com/annel0/cellgrid/internal/propagation"
	"github.com/annel0/cellgrid/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingConn struct {
	mu   sync.Mutex
	sent [][]byte
	err  error
}

func (c *recordingConn) Send(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, b)
	return nil
}
func (c *recordingConn) Close() error       { return nil }
func (c *recordingConn) RemoteAddr() string { return "rec" }

func TestCodecFrames(t *testing.T) {
	codec, err := NewCodec()
	require.NoError(t, err)
	defer codec.Close()

	var buf bytes.Buffer
	for _, msg := range []string{"first", "", "third message"} {
		frame, err := codec.Pack([]byte(msg))
		require.NoError(t, err)
		buf.Write(frame)
	}
	for _, want := range []string{"first", "", "third message"} {
		got, err := codec.ReadFrame(&buf)
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}

	huge := bytes.NewReader(protocol.WriteUint32(MaxFrameSize + 1))
	_, err = codec.ReadFrame(huge)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestPumpPreservesOrder(t *testing.T) {
	n := player.NewNotify(8)
	conn := &recordingConn{}

	for _, id := range []string{"e1", "e2", "e3"} {
		require.NoError(t, n.Push(player.Delivery{EventID: id, Type: "noise"}))
	}
	n.Close()

	require.NoError(t, Pump(context.Background(), n, conn), "Закрытая очередь завершает Pump без ошибки")
	require.Len(t, conn.sent, 3)
	for i, want := range []string{"e1", "e2", "e3"} {
		msg, err := protocol.UnmarshalServer(conn.sent[i])
		require.NoError(t, err)
		assert.Equal(t, protocol.KindEvent, msg.Kind)
		assert.Equal(t, want, msg.EventID)
	}
}

func TestPumpStopsOnSendError(t *testing.T) {
	n := player.NewNotify(8)
	boom := errors.New("broken pipe")
	conn := &recordingConn{err: boom}
	require.NoError(t, n.Push(player.Delivery{EventID: "e1"}))

	assert.ErrorIs(t, Pump(context.Background(), n, conn), boom)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Pump(ctx, player.NewNotify(1), conn), context.Canceled)
}

type fakeBackend struct {
	reg *player.Registry

	mu      sync.Mutex
	emitted []string
	left    []string
}

func (b *fakeBackend) Registry() *player.Registry { return b.reg }

func (b *fakeBackend) Join(ctx context.Context, id string, conn player.Conn, t geom.Transform) (*player.Notify, error) {
	return b.reg.Add(id, conn, t)
}

func (b *fakeBackend) Leave(ctx context.Context, id string) error {
	b.mu.Lock()
	b.left = append(b.left, id)
	b.mu.Unlock()
	b.reg.Remove(id)
	return nil
}

func (b *fakeBackend) Move(id string, t geom.Transform, at float64) (geom.Location, error) {
	return b.reg.Move(id, t, at)
}

func (b *fakeBackend) Emit(ctx context.Context, id, typ string, d float64, data []byte) (propagation.Event, propagation.Result, error) {
	b.mu.Lock()
	b.emitted = append(b.emitted, typ)
	b.mu.Unlock()
	return propagation.Event{}, propagation.Result{}, nil
}

func TestHandlerSession(t *testing.T) {
	codec, err := NewCodec()
	require.NoError(t, err)
	defer codec.Close()

	serverSide, clientSide := net.Pipe()
	client := NewStreamConn(clientSide, codec)
	defer client.Close()

	backend := &fakeBackend{reg: player.NewRegistry(player.Options{})}
	h := NewHandler(backend)

	done := make(chan error, 1)
	go func() { done <- h.Serve(context.Background(), NewStreamConn(serverSide, codec)) }()

	send := func(msg protocol.ClientMessage) {
		require.NoError(t, client.Send(protocol.MarshalClient(msg)))
	}
	recv := func() protocol.ServerMessage {
		raw, err := client.Recv()
		require.NoError(t, err)
		msg, err := protocol.UnmarshalServer(raw)
		require.NoError(t, err)
		return msg
	}

	start := geom.TransformAt(5, 6, 7)
	send(protocol.ClientMessage{Kind: protocol.KindHello, PlayerID: "p1", Transform: &start})

	welcome := recv()
	require.Equal(t, protocol.KindWelcome, welcome.Kind)
	require.NotNil(t, welcome.Location)
	assert.Equal(t, geom.Location{X: 5, Y: 6, Z: 7}, *welcome.Location)

	v, ok := backend.reg.Get("p1")
	require.True(t, ok)
	require.NoError(t, v.Notify.Push(player.Delivery{EventID: "ev-1", Type: "shout", Distance: 3}))

	ev := recv()
	assert.Equal(t, protocol.KindEvent, ev.Kind)
	assert.Equal(t, "ev-1", ev.EventID)
	assert.InDelta(t, 3.0, ev.Distance, 1e-9)

	next := geom.TransformAt(8, 8, 8)
	send(protocol.ClientMessage{Kind: protocol.KindMove, Transform: &next, At: 1})
	send(protocol.ClientMessage{Kind: protocol.KindEmit, EventType: "shout", Distance: 10})
	send(protocol.ClientMessage{Kind: protocol.KindBye})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Сессия не завершилась после bye")
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Equal(t, []string{"shout"}, backend.emitted)
	assert.Equal(t, []string{"p1"}, backend.left, "При выходе вызывается Leave")
	assert.Zero(t, backend.reg.Len())
}

func TestHandlerRejectsMissingHello(t *testing.T) {
	codec, err := NewCodec()
	require.NoError(t, err)
	defer codec.Close()

	serverSide, clientSide := net.Pipe()
	client := NewStreamConn(clientSide, codec)
	defer client.Close()

	h := NewHandler(&fakeBackend{reg: player.NewRegistry(player.Options{})})
	done := make(chan error, 1)
	go func() { done <- h.Serve(context.Background(), NewStreamConn(serverSide, codec)) }()

	require.NoError(t, client.Send(protocol.MarshalClient(protocol.ClientMessage{Kind: protocol.KindMove})))

	raw, err := client.Recv()
	require.NoError(t, err)
	msg, err := protocol.UnmarshalServer(raw)
	require.NoError(t, err)
	assert.Equal(t, protocol.KindError, msg.Kind)

	assert.ErrorIs(t, <-done, ErrHandshake)
}

func TestHandlerSurvivesMalformedFrame(t *testing.T) {
	codec, err := NewCodec()
	require.NoError(t, err)
	defer codec.Close()

	serverSide, clientSide := net.Pipe()
	client := NewStreamConn(clientSide, codec)
	defer client.Close()

	backend := &fakeBackend{reg: player.NewRegistry(player.Options{})}
	h := NewHandler(backend)
	done := make(chan error, 1)
	go func() { done <- h.Serve(context.Background(), NewStreamConn(serverSide, codec)) }()

	recv := func() protocol.ServerMessage {
		raw, err := client.Recv()
		require.NoError(t, err)
		msg, err := protocol.UnmarshalServer(raw)
		require.NoError(t, err)
		return msg
	}

	require.NoError(t, client.Send(protocol.MarshalClient(protocol.ClientMessage{Kind: protocol.KindHello, PlayerID: "p1"})))
	require.Equal(t, protocol.KindWelcome, recv().Kind)

	// Обрезанный varint тега
	require.NoError(t, client.Send([]byte{0xff, 0xff, 0xff}))
	errMsg := recv()
	assert.Equal(t, protocol.KindError, errMsg.Kind)
	assert.Contains(t, errMsg.Error, protocol.ErrMalformedFrame.Error())

	require.NoError(t, client.Send(protocol.MarshalClient(protocol.ClientMessage{Kind: protocol.KindEmit, EventType: "shout", Distance: 1})))
	require.NoError(t, client.Send(protocol.MarshalClient(protocol.ClientMessage{Kind: protocol.KindBye})))

	select {
	case err := <-done:
		require.NoError(t, err, "Некорректный кадр не завершает сессию")
	case <-time.After(2 * time.Second):
		t.Fatal("Сессия не завершилась после bye")
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Equal(t, []string{"shout"}, backend.emitted, "Сообщения после некорректного кадра обрабатываются")
}
