package session

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/babelcloud/gbox/packages/screen-bridge/internal/metrics"
	"github.com/babelcloud/gbox/packages/screen-bridge/internal/protocol"
	"github.com/babelcloud/gbox/packages/screen-bridge/internal/util"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const (
	defaultReadBufferSize = 64 * 1024
	defaultOutboundQueue  = 16
)

// Status texts sent to the client
const (
	MessageConnected     = "Successfully connected to remote desktop"
	MessageConnectFailed = "Failed to connect to remote desktop"
	MessageLost          = "Connection to remote desktop lost"
	MessageClosed        = "Remote desktop connection closed"
)

// ErrIdleFrame is reported when the stream peer stalls in the middle of a frame.
var ErrIdleFrame = errors.New("stream peer stalled mid-frame")

// State is the lifecycle state of a session
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// StatusType discriminates the text-framed control notifications.
type StatusType string

const (
	StatusConnected    StatusType = "connected"
	StatusDisconnected StatusType = "disconnected"
	StatusError        StatusType = "error"
)

// Status is a control notification. It always travels as a text message;
// frame payloads always travel as binary messages.
type Status struct {
	Type    StatusType `json:"type"`
	Message string     `json:"message"`
}

// MessageConn is the message-transport side of a session.
// *websocket.Conn satisfies it.
type MessageConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens the stream-transport connection. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Options configures a Session
type Options struct {
	// StreamAddr is the host:port of the stream peer.
	StreamAddr string
	// ConnectTimeout bounds the stream connect attempt. Zero means no timeout.
	ConnectTimeout time.Duration
	// IdleFrameTimeout closes the session when a started frame receives no
	// bytes for this long. Zero means wait indefinitely.
	IdleFrameTimeout time.Duration
	// MaxFrameSize bounds the payload size a peer may declare. Zero trusts
	// the peer.
	MaxFrameSize uint32
	// ReadBufferSize is the size of each stream read. Defaults to 64KB.
	ReadBufferSize int
	// OutboundQueue is the number of client messages buffered between the
	// stream reader and the client writer. Defaults to 16.
	OutboundQueue int
	// Dialer defaults to a zero net.Dialer.
	Dialer Dialer
	// Metrics may be nil.
	Metrics *metrics.Collector
}

// Info is a snapshot of a session for status reporting
type Info struct {
	ID              string    `json:"id"`
	State           string    `json:"state"`
	RemoteAddr      string    `json:"remote_addr"`
	StreamAddr      string    `json:"stream_addr"`
	StartedAt       time.Time `json:"started_at"`
	FramesForwarded uint64    `json:"frames_forwarded"`
	EventsForwarded uint64    `json:"events_forwarded"`
}

type outboundMessage struct {
	messageType int
	data        []byte
}

// Session pairs one client connection with one stream connection. Frames
// decoded from the stream are sent to the client as binary messages; input
// events from the client are encoded and written to the stream.
//
// The frame decoder is owned by the stream reader goroutine; the stream
// connection is written only by the client reader goroutine; the client
// connection is written only by the writer goroutine.
type Session struct {
	id         uuid.UUID
	opts       Options
	ws         MessageConn
	remoteAddr string
	startedAt  time.Time
	logger     *slog.Logger

	state   atomic.Int32
	stream  net.Conn
	decoder *protocol.Decoder

	outbound chan outboundMessage
	closing  chan struct{}

	closeOnce sync.Once
	final     []Status
	outcome   string
	err       error

	frames atomic.Uint64
	events atomic.Uint64
}

// New creates a session for an accepted client connection. Nothing happens
// until Run is called.
func New(ws MessageConn, remoteAddr string, opts Options) *Session {
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = defaultReadBufferSize
	}
	if opts.OutboundQueue <= 0 {
		opts.OutboundQueue = defaultOutboundQueue
	}
	if opts.Dialer == nil {
		opts.Dialer = &net.Dialer{}
	}

	id := uuid.New()
	decoder := protocol.NewDecoder()
	decoder.SetMaxFrameSize(opts.MaxFrameSize)

	return &Session{
		id:         id,
		opts:       opts,
		ws:         ws,
		remoteAddr: remoteAddr,
		startedAt:  time.Now(),
		logger:     util.GetLogger().With("session", id.String()),
		decoder:    decoder,
		outbound:   make(chan outboundMessage, opts.OutboundQueue),
		closing:    make(chan struct{}),
	}
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.id.String()
}

// State returns the current lifecycle state
func (s *Session) State() State {
	return State(s.state.Load())
}

// Info returns a snapshot of the session
func (s *Session) Info() Info {
	return Info{
		ID:              s.id.String(),
		State:           s.State().String(),
		RemoteAddr:      s.remoteAddr,
		StreamAddr:      s.opts.StreamAddr,
		StartedAt:       s.startedAt,
		FramesForwarded: s.frames.Load(),
		EventsForwarded: s.events.Load(),
	}
}

// Run connects to the stream peer and bridges both directions until either
// side fails or ctx is cancelled. Both connections are closed when Run
// returns. The returned error is nil when the session ended normally.
func (s *Session) Run(ctx context.Context) error {
	s.opts.Metrics.SessionOpened()
	s.logger.Info("Session started", "remote", s.remoteAddr, "stream", s.opts.StreamAddr)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.closing:
			cancel()
		case <-ctx.Done():
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop()
	}()
	go s.readMessages()

	if conn, err := s.dialStream(ctx); err != nil {
		if ctx.Err() != nil {
			s.shutdown(metrics.OutcomeShutdown, nil)
		} else {
			s.logger.Error("Failed to connect to stream peer", "addr", s.opts.StreamAddr, "error", err)
			s.shutdown(metrics.OutcomeConnectFailed, err,
				Status{Type: StatusError, Message: MessageConnectFailed},
				Status{Type: StatusDisconnected, Message: MessageClosed})
		}
	} else {
		s.stream = conn
		if s.state.CompareAndSwap(int32(StateConnecting), int32(StateActive)) {
			s.logger.Info("Connected to stream peer", "addr", s.opts.StreamAddr)
			s.sendStatus(Status{Type: StatusConnected, Message: MessageConnected})
			go s.readStream(conn)
		}
	}

	select {
	case <-s.closing:
	case <-ctx.Done():
		s.shutdown(metrics.OutcomeShutdown, nil,
			Status{Type: StatusDisconnected, Message: MessageClosed})
	}

	<-writerDone
	if s.stream != nil {
		s.stream.Close()
	}

	s.opts.Metrics.SessionClosed(s.outcome)
	s.logger.Info("Session closed",
		"outcome", s.outcome,
		"frames", s.frames.Load(),
		"events", s.events.Load(),
		"duration", time.Since(s.startedAt).Round(time.Millisecond))
	return s.err
}

func (s *Session) dialStream(ctx context.Context) (net.Conn, error) {
	if s.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.ConnectTimeout)
		defer cancel()
	}
	conn, err := s.opts.Dialer.DialContext(ctx, "tcp", s.opts.StreamAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial stream peer %s", s.opts.StreamAddr)
	}
	return conn, nil
}

// shutdown moves the session to Closed exactly once. The first caller
// decides the outcome and which final notifications are sent to the client.
func (s *Session) shutdown(outcome string, err error, final ...Status) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		s.outcome = outcome
		s.err = err
		s.final = final
		close(s.closing)
	})
}

func (s *Session) closed() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}

// send queues a message for the client. It returns false once the session
// is closing.
func (s *Session) send(msg outboundMessage) bool {
	select {
	case s.outbound <- msg:
		return true
	case <-s.closing:
		return false
	}
}

func encodeStatus(status Status) []byte {
	data, _ := json.Marshal(status)
	return data
}

func (s *Session) sendStatus(status Status) bool {
	return s.send(outboundMessage{messageType: websocket.TextMessage, data: encodeStatus(status)})
}

// writeLoop is the only writer of the client connection.
func (s *Session) writeLoop() {
	defer s.ws.Close()

	for {
		select {
		case msg := <-s.outbound:
			if err := s.ws.WriteMessage(msg.messageType, msg.data); err != nil {
				s.logger.Debug("Client write failed", "error", err)
				s.shutdown(metrics.OutcomeClientClosed, nil)
				return
			}
		case <-s.closing:
			for _, status := range s.final {
				if err := s.ws.WriteMessage(websocket.TextMessage, encodeStatus(status)); err != nil {
					return
				}
			}
			s.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// readMessages reads input events from the client and writes the encoded
// records to the stream peer.
func (s *Session) readMessages() {
	for {
		messageType, data, err := s.ws.ReadMessage()
		if err != nil {
			if !s.closed() {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Warn("Client read error", "error", err)
				} else {
					s.logger.Info("Client disconnected")
				}
				s.shutdown(metrics.OutcomeClientClosed, nil)
			}
			return
		}
		s.handleMessage(messageType, data)
	}
}

func (s *Session) handleMessage(messageType int, data []byte) {
	if s.State() != StateActive {
		s.logger.Debug("Dropping input message, stream not connected", "state", s.State())
		s.opts.Metrics.MessageDropped(metrics.DropNotActive)
		return
	}

	event, err := protocol.ParseInputMessage(data)
	if err != nil {
		s.logger.Warn("Dropping malformed input message", "error", err, "size", len(data), "binary", messageType == websocket.BinaryMessage)
		s.opts.Metrics.MessageDropped(metrics.DropMalformed)
		return
	}

	record := protocol.EncodeEvent(event)
	if record == nil {
		s.logger.Debug("Ignoring input message of unknown kind")
		s.opts.Metrics.MessageDropped(metrics.DropUnknownKind)
		return
	}

	if _, err := s.stream.Write(record); err != nil {
		if !s.closed() {
			s.logger.Error("Failed to write input event to stream peer", "error", err)
			s.shutdown(metrics.OutcomeStreamError, errors.Wrap(err, "failed to write input event"),
				Status{Type: StatusError, Message: MessageLost},
				Status{Type: StatusDisconnected, Message: MessageClosed})
		}
		return
	}

	s.events.Add(1)
	s.opts.Metrics.EventForwarded(event.Kind().String())
}

// readStream reads the stream peer, reassembles frames and queues their
// payloads for the client.
func (s *Session) readStream(conn net.Conn) {
	buf := make([]byte, s.opts.ReadBufferSize)
	for {
		if s.opts.IdleFrameTimeout > 0 {
			if s.decoder.Pending() {
				conn.SetReadDeadline(time.Now().Add(s.opts.IdleFrameTimeout))
			} else {
				conn.SetReadDeadline(time.Time{})
			}
		}

		n, err := conn.Read(buf)
		if n > 0 {
			s.decoder.Write(buf[:n])
			for frame, ferr := range s.decoder.Frames() {
				if ferr != nil {
					s.logger.Error("Rejecting stream frame", "error", ferr)
					s.shutdown(metrics.OutcomeStreamError, ferr,
						Status{Type: StatusError, Message: MessageLost},
						Status{Type: StatusDisconnected, Message: MessageClosed})
					return
				}
				s.logger.Debug("Screen frame received", "width", frame.Width, "height", frame.Height, "size", frame.Size)
				if !s.send(outboundMessage{messageType: websocket.BinaryMessage, data: frame.Payload}) {
					return
				}
				s.frames.Add(1)
				s.opts.Metrics.FrameForwarded(len(frame.Payload))
			}
		}
		if err == nil {
			continue
		}
		if s.closed() {
			return
		}

		if err == io.EOF {
			s.logger.Info("Stream peer closed the connection", "buffered", s.decoder.Buffered())
			s.shutdown(metrics.OutcomePeerClosed, nil,
				Status{Type: StatusDisconnected, Message: MessageClosed})
			return
		}

		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			err = errors.Wrapf(ErrIdleFrame, "no data for %s with %d bytes buffered", s.opts.IdleFrameTimeout, s.decoder.Buffered())
		}
		s.logger.Error("Stream read error", "error", err)
		s.shutdown(metrics.OutcomeStreamError, errors.Wrap(err, "stream read failed"),
			Status{Type: StatusError, Message: MessageLost},
			Status{Type: StatusDisconnected, Message: MessageClosed})
		return
	}
}
