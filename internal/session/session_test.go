package session

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/babelcloud/gbox/packages/screen-bridge/internal/metrics"
	"github.com/babelcloud/gbox/packages/screen-bridge/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFakeClosed = errors.New("fake connection closed")

type fakeMessage struct {
	messageType int
	data        []byte
}

// fakeConn stands in for the client's websocket connection
type fakeConn struct {
	in     chan fakeMessage
	out    chan fakeMessage
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan fakeMessage, 64),
		out:    make(chan fakeMessage, 1024),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case m := <-c.in:
		return m.messageType, m.data, nil
	case <-c.closed:
		return 0, nil, errFakeClosed
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return errFakeClosed
	default:
	}
	c.out <- fakeMessage{messageType: messageType, data: append([]byte(nil), data...)}
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) sendText(s string) {
	c.in <- fakeMessage{messageType: websocket.TextMessage, data: []byte(s)}
}

func (c *fakeConn) next(t *testing.T) fakeMessage {
	t.Helper()
	select {
	case m := <-c.out:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for client message")
		return fakeMessage{}
	}
}

func (c *fakeConn) expectStatus(t *testing.T, want StatusType) Status {
	t.Helper()
	m := c.next(t)
	require.Equal(t, websocket.TextMessage, m.messageType, "expected text status, got %q", m.data)
	var status Status
	require.NoError(t, json.Unmarshal(m.data, &status))
	require.Equal(t, want, status.Type, "status message: %s", status.Message)
	return status
}

func (c *fakeConn) expectBinary(t *testing.T) []byte {
	t.Helper()
	m := c.next(t)
	require.Equal(t, websocket.BinaryMessage, m.messageType, "expected binary frame, got %q", m.data)
	return m.data
}

func (c *fakeConn) expectClose(t *testing.T) {
	t.Helper()
	m := c.next(t)
	require.Equal(t, websocket.CloseMessage, m.messageType)
}

// startPeer listens on loopback and hands each accepted connection to the
// returned channel.
func startPeer(t *testing.T) (string, <-chan net.Conn) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	var (
		mu       sync.Mutex
		accepted []net.Conn
	)
	t.Cleanup(func() {
		mu.Lock()
		defer mu.Unlock()
		for _, c := range accepted {
			c.Close()
		}
	})

	conns := make(chan net.Conn, 4)
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			accepted = append(accepted, c)
			mu.Unlock()
			conns <- c
		}
	}()
	return l.Addr().String(), conns
}

func acceptPeer(t *testing.T, conns <-chan net.Conn) net.Conn {
	t.Helper()
	select {
	case c := <-conns:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("stream peer was never dialed")
		return nil
	}
}

type runResult struct {
	err error
}

func runSession(t *testing.T, ctx context.Context, s *Session) <-chan runResult {
	t.Helper()
	done := make(chan runResult, 1)
	go func() {
		done <- runResult{err: s.Run(ctx)}
	}()
	return done
}

func waitRun(t *testing.T, done <-chan runResult) error {
	t.Helper()
	select {
	case r := <-done:
		return r.err
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
		return nil
	}
}

func readRecord(t *testing.T, conn net.Conn) protocol.InputEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	ev, err := protocol.ReadInputRecord(conn)
	require.NoError(t, err)
	return ev
}

// counterValue returns the value of the counter sample whose single label
// has the given value.
func counterValue(t *testing.T, c *metrics.Collector, name, label string) float64 {
	t.Helper()
	families, err := c.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetValue() == label {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestSessionBridgesBothDirections(t *testing.T) {
	addr, conns := startPeer(t)
	client := newFakeConn()
	collector := metrics.New()

	s := New(client, "client:1", Options{StreamAddr: addr, Metrics: collector})
	assert.Equal(t, StateConnecting, s.State())
	done := runSession(t, context.Background(), s)

	peer := acceptPeer(t, conns)
	client.expectStatus(t, StatusConnected)
	assert.Equal(t, StateActive, s.State())

	// two frames and the start of a third, written in uneven pieces
	var stream []byte
	for _, p := range []string{"frame-one", "", "frame-three"} {
		stream = protocol.AppendFrameHeader(stream, protocol.FrameHeader{Size: uint32(len(p)), Width: 4, Height: 3})
		stream = append(stream, p...)
	}
	_, err := peer.Write(stream[:5])
	require.NoError(t, err)
	_, err = peer.Write(stream[5:30])
	require.NoError(t, err)
	_, err = peer.Write(stream[30:])
	require.NoError(t, err)

	assert.Equal(t, "frame-one", string(client.expectBinary(t)))
	assert.Empty(t, client.expectBinary(t))
	assert.Equal(t, "frame-three", string(client.expectBinary(t)))

	client.sendText(`{"eventType":1,"type":3,"x":-5,"y":1200}`)
	client.sendText(`{"eventType":3,"type":1}`)
	client.sendText(`{"eventType":1,"type":1`)
	client.in <- fakeMessage{messageType: websocket.BinaryMessage, data: []byte(`{"eventType":2,"type":1,"keyCode":65}`)}
	client.sendText(`{"eventType":2,"type":2,"keyCode":65}`)

	assert.Equal(t, protocol.MouseEvent{Type: 3, X: -5, Y: 1200}, readRecord(t, peer))
	assert.Equal(t, protocol.KeyboardEvent{Type: 1, KeyCode: 65}, readRecord(t, peer))
	assert.Equal(t, protocol.KeyboardEvent{Type: 2, KeyCode: 65}, readRecord(t, peer))

	assert.Eventually(t, func() bool {
		info := s.Info()
		return info.FramesForwarded == 3 && info.EventsForwarded == 3
	}, 5*time.Second, 10*time.Millisecond)
	info := s.Info()
	assert.Equal(t, s.ID(), info.ID)
	assert.Equal(t, "active", info.State)
	assert.Equal(t, "client:1", info.RemoteAddr)
	assert.Equal(t, addr, info.StreamAddr)

	// peer goes away
	peer.Close()
	client.expectStatus(t, StatusDisconnected)
	client.expectClose(t)
	require.NoError(t, waitRun(t, done))
	assert.Equal(t, StateClosed, s.State())

	require.NoError(t, testutil.GatherAndCompare(collector.Registry(), strings.NewReader(`
# HELP screen_bridge_frames_forwarded_total Total number of screen frames forwarded to clients
# TYPE screen_bridge_frames_forwarded_total counter
screen_bridge_frames_forwarded_total 3
# HELP screen_bridge_sessions_total Total number of finished sessions by outcome
# TYPE screen_bridge_sessions_total counter
screen_bridge_sessions_total{outcome="peer_closed"} 1
# HELP screen_bridge_inbound_messages_dropped_total Total number of client messages dropped without forwarding
# TYPE screen_bridge_inbound_messages_dropped_total counter
screen_bridge_inbound_messages_dropped_total{reason="malformed"} 1
screen_bridge_inbound_messages_dropped_total{reason="unknown_kind"} 1
`), "screen_bridge_frames_forwarded_total", "screen_bridge_sessions_total", "screen_bridge_inbound_messages_dropped_total"))
}

func TestSessionConnectFailure(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	client := newFakeConn()
	s := New(client, "client:1", Options{StreamAddr: addr})
	done := runSession(t, context.Background(), s)

	status := client.expectStatus(t, StatusError)
	assert.Equal(t, MessageConnectFailed, status.Message)
	client.expectStatus(t, StatusDisconnected)
	client.expectClose(t)

	err = waitRun(t, done)
	require.Error(t, err)
	assert.Equal(t, StateClosed, s.State())
}

// gatedDialer holds the stream connect attempt until released
type gatedDialer struct {
	release chan struct{}
	peer    chan net.Conn
}

func (d *gatedDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	select {
	case <-d.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	local, remote := net.Pipe()
	d.peer <- remote
	return local, nil
}

func TestSessionDropsInputWhileConnecting(t *testing.T) {
	dialer := &gatedDialer{release: make(chan struct{}), peer: make(chan net.Conn, 1)}
	client := newFakeConn()
	collector := metrics.New()
	s := New(client, "client:1", Options{StreamAddr: "peer:8888", Dialer: dialer, Metrics: collector})
	done := runSession(t, context.Background(), s)

	client.sendText(`{"eventType":2,"type":1,"keyCode":1}`)
	assert.Eventually(t, func() bool {
		return counterValue(t, collector, "screen_bridge_inbound_messages_dropped_total", "not_active") == 1
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateConnecting, s.State())

	close(dialer.release)
	peer := <-dialer.peer
	defer peer.Close()
	client.expectStatus(t, StatusConnected)

	client.sendText(`{"eventType":2,"type":1,"keyCode":2}`)
	assert.Equal(t, protocol.KeyboardEvent{Type: 1, KeyCode: 2}, readRecord(t, peer))

	client.Close()
	require.NoError(t, waitRun(t, done))
}

func TestSessionClientCloseDuringConnect(t *testing.T) {
	dialer := &gatedDialer{release: make(chan struct{}), peer: make(chan net.Conn, 1)}
	client := newFakeConn()
	s := New(client, "client:1", Options{StreamAddr: "peer:8888", Dialer: dialer})
	done := runSession(t, context.Background(), s)

	client.Close()
	require.NoError(t, waitRun(t, done))
	assert.Equal(t, StateClosed, s.State())
}

func TestSessionConnectTimeout(t *testing.T) {
	dialer := &gatedDialer{release: make(chan struct{}), peer: make(chan net.Conn, 1)}
	client := newFakeConn()
	s := New(client, "client:1", Options{
		StreamAddr:     "peer:8888",
		Dialer:         dialer,
		ConnectTimeout: 50 * time.Millisecond,
	})
	done := runSession(t, context.Background(), s)

	status := client.expectStatus(t, StatusError)
	assert.Equal(t, MessageConnectFailed, status.Message)
	client.expectStatus(t, StatusDisconnected)

	err := waitRun(t, done)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSessionClientCloseTearsDownStream(t *testing.T) {
	addr, conns := startPeer(t)
	client := newFakeConn()
	s := New(client, "client:1", Options{StreamAddr: addr})
	done := runSession(t, context.Background(), s)

	peer := acceptPeer(t, conns)
	client.expectStatus(t, StatusConnected)

	client.Close()
	require.NoError(t, waitRun(t, done))

	peer.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := peer.Read(make([]byte, 1))
	assert.Equal(t, io.EOF, err)
}

func TestSessionRejectsOversizedFrame(t *testing.T) {
	addr, conns := startPeer(t)
	client := newFakeConn()
	s := New(client, "client:1", Options{StreamAddr: addr, MaxFrameSize: 1024})
	done := runSession(t, context.Background(), s)

	peer := acceptPeer(t, conns)
	client.expectStatus(t, StatusConnected)

	require.NoError(t, protocol.WriteFrame(peer, 1, 1, make([]byte, 1024)))
	assert.Len(t, client.expectBinary(t), 1024)

	_, err := peer.Write(protocol.AppendFrameHeader(nil, protocol.FrameHeader{Size: 1025}))
	require.NoError(t, err)

	status := client.expectStatus(t, StatusError)
	assert.Equal(t, MessageLost, status.Message)
	client.expectStatus(t, StatusDisconnected)

	err = waitRun(t, done)
	assert.True(t, errors.Is(err, protocol.ErrFrameTooLarge))
}

func TestSessionIdleFrameTimeout(t *testing.T) {
	addr, conns := startPeer(t)
	client := newFakeConn()
	s := New(client, "client:1", Options{StreamAddr: addr, IdleFrameTimeout: 100 * time.Millisecond})
	done := runSession(t, context.Background(), s)

	peer := acceptPeer(t, conns)
	client.expectStatus(t, StatusConnected)

	// an idle peer between frames is fine
	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, StateActive, s.State())

	_, err := peer.Write(protocol.AppendFrameHeader(nil, protocol.FrameHeader{Size: 10}))
	require.NoError(t, err)

	client.expectStatus(t, StatusError)
	client.expectStatus(t, StatusDisconnected)
	err = waitRun(t, done)
	assert.True(t, errors.Is(err, ErrIdleFrame))
}

func TestSessionContextCancel(t *testing.T) {
	addr, conns := startPeer(t)
	client := newFakeConn()
	s := New(client, "client:1", Options{StreamAddr: addr})

	ctx, cancel := context.WithCancel(context.Background())
	done := runSession(t, ctx, s)
	acceptPeer(t, conns)
	client.expectStatus(t, StatusConnected)

	cancel()
	client.expectStatus(t, StatusDisconnected)
	client.expectClose(t)
	require.NoError(t, waitRun(t, done))
}

func TestSessionsAreIsolated(t *testing.T) {
	addr, conns := startPeer(t)

	clientA, clientB := newFakeConn(), newFakeConn()
	sA := New(clientA, "a", Options{StreamAddr: addr})
	doneA := runSession(t, context.Background(), sA)
	peerA := acceptPeer(t, conns)
	clientA.expectStatus(t, StatusConnected)

	sB := New(clientB, "b", Options{StreamAddr: addr})
	doneB := runSession(t, context.Background(), sB)
	peerB := acceptPeer(t, conns)
	clientB.expectStatus(t, StatusConnected)
	assert.NotEqual(t, sA.ID(), sB.ID())

	var streamA, streamB []byte
	for i := 0; i < 5; i++ {
		streamA = protocol.AppendFrameHeader(streamA, protocol.FrameHeader{Size: 3})
		streamA = append(streamA, 'a', byte('0'+i), 'a')
		streamB = protocol.AppendFrameHeader(streamB, protocol.FrameHeader{Size: 4})
		streamB = append(streamB, 'b', byte('0'+i), 'b', 'b')
	}

	// interleave small writes to both peers
	for len(streamA) > 0 || len(streamB) > 0 {
		if n := min(7, len(streamA)); n > 0 {
			_, err := peerA.Write(streamA[:n])
			require.NoError(t, err)
			streamA = streamA[n:]
		}
		if n := min(5, len(streamB)); n > 0 {
			_, err := peerB.Write(streamB[:n])
			require.NoError(t, err)
			streamB = streamB[n:]
		}
	}

	for i := 0; i < 5; i++ {
		assert.Equal(t, []byte{'a', byte('0' + i), 'a'}, clientA.expectBinary(t))
		assert.Equal(t, []byte{'b', byte('0' + i), 'b', 'b'}, clientB.expectBinary(t))
	}

	clientA.Close()
	clientB.Close()
	require.NoError(t, waitRun(t, doneA))
	require.NoError(t, waitRun(t, doneB))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", State(9).String())
}
