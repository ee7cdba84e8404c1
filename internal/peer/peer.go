// Package peer implements a stand-in for the screen-capture process the
// bridge dials. It serves synthetic frames and logs the input records it
// receives, which is enough to exercise a bridge end to end without a real
// desktop.
package peer

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/babelcloud/gbox/packages/screen-bridge/internal/protocol"
	"github.com/babelcloud/gbox/packages/screen-bridge/internal/util"
	"github.com/pkg/errors"
)

const (
	DefaultWidth    = 1280
	DefaultHeight   = 720
	DefaultInterval = 100 * time.Millisecond
	DefaultPayload  = 4096
)

// Options configures a Peer
type Options struct {
	Addr        string
	Width       uint32
	Height      uint32
	Interval    time.Duration
	PayloadSize int
	// OnEvent is called for every input record a client sends. It runs on
	// the connection's reader goroutine.
	OnEvent func(protocol.InputEvent)
}

// Peer accepts stream connections and serves each one independently.
type Peer struct {
	opts     Options
	listener net.Listener

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup

	framesSent     atomic.Uint64
	eventsReceived atomic.Uint64
}

// New creates a peer with defaults filled in.
func New(opts Options) *Peer {
	if opts.Width == 0 {
		opts.Width = DefaultWidth
	}
	if opts.Height == 0 {
		opts.Height = DefaultHeight
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.PayloadSize < 0 {
		opts.PayloadSize = 0
	}
	return &Peer{
		opts:  opts,
		conns: make(map[net.Conn]struct{}),
	}
}

// Listen binds the peer's address.
func (p *Peer) Listen() error {
	l, err := net.Listen("tcp", p.opts.Addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", p.opts.Addr)
	}
	p.listener = l
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (p *Peer) Addr() net.Addr {
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// FramesSent is the number of frames written across all connections.
func (p *Peer) FramesSent() uint64 { return p.framesSent.Load() }

// EventsReceived is the number of input records read across all connections.
func (p *Peer) EventsReceived() uint64 { return p.eventsReceived.Load() }

// Serve accepts connections until ctx is done, then closes every
// connection and waits for their goroutines.
func (p *Peer) Serve(ctx context.Context) error {
	if p.listener == nil {
		if err := p.Listen(); err != nil {
			return err
		}
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			p.closeAll()
		case <-done:
		}
	}()

	util.GetLogger().Info("Stream peer listening",
		"addr", p.listener.Addr().String(),
		"width", p.opts.Width,
		"height", p.opts.Height,
		"interval", p.opts.Interval)

	for {
		conn, err := p.listener.Accept()
		if err != nil {
			p.closeAll()
			p.wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "accept failed")
		}
		p.track(conn)
		p.wg.Add(1)
		go p.handle(ctx, conn)
	}
}

// closeAll closes the listener and every open connection. It is safe to
// call more than once.
func (p *Peer) closeAll() {
	p.listener.Close()
	p.mu.Lock()
	for conn := range p.conns {
		conn.Close()
	}
	p.mu.Unlock()
}

func (p *Peer) track(conn net.Conn) {
	p.mu.Lock()
	p.conns[conn] = struct{}{}
	p.mu.Unlock()
}

func (p *Peer) untrack(conn net.Conn) {
	p.mu.Lock()
	delete(p.conns, conn)
	p.mu.Unlock()
}

func (p *Peer) handle(ctx context.Context, conn net.Conn) {
	defer p.wg.Done()
	defer p.untrack(conn)
	defer conn.Close()

	logger := util.GetLogger().With("remote", conn.RemoteAddr().String())
	logger.Info("Stream client connected")

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		defer cancel()
		p.readInput(conn, logger)
	}()

	if err := p.writeFrames(connCtx, conn); err != nil {
		logger.Debug("Frame writer stopped", "error", err)
	}
	logger.Info("Stream client disconnected")
}

func (p *Peer) readInput(conn net.Conn, logger *slog.Logger) {
	for {
		event, err := protocol.ReadInputRecord(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Warn("Failed to read input record", "error", err)
			}
			return
		}
		p.eventsReceived.Add(1)
		logger.Debug("Input event", "kind", event.Kind().String(), "event", event)
		if p.opts.OnEvent != nil {
			p.opts.OnEvent(event)
		}
	}
}

func (p *Peer) writeFrames(ctx context.Context, conn net.Conn) error {
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	payload := make([]byte, p.opts.PayloadSize)
	var seq uint32
	for {
		fillPayload(payload, seq)
		if err := protocol.WriteFrame(conn, p.opts.Width, p.opts.Height, payload); err != nil {
			return err
		}
		p.framesSent.Add(1)
		seq++

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// fillPayload stamps the sequence number at the front and a moving
// gradient after it so consecutive frames differ.
func fillPayload(payload []byte, seq uint32) {
	n := copy(payload, binary.LittleEndian.AppendUint32(nil, seq))
	for i := n; i < len(payload); i++ {
		payload[i] = byte(uint32(i) + seq)
	}
}
