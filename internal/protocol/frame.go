package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"iter"

	"github.com/pkg/errors"
)

// FrameHeaderSize is the size of the screen frame header on the stream
// transport: payload size, width and height, each a little-endian uint32.
const FrameHeaderSize = 12

// ErrFrameTooLarge is returned when a peer declares a payload larger than
// the configured maximum frame size.
var ErrFrameTooLarge = errors.New("declared frame size exceeds maximum")

// FrameHeader describes the payload that follows it on the stream.
// Width and Height are metadata only; Size alone determines the payload length.
type FrameHeader struct {
	Size   uint32
	Width  uint32
	Height uint32
}

// Frame is one reassembled screen frame.
type Frame struct {
	FrameHeader
	Payload []byte
}

// ParseFrameHeader decodes a 12-byte frame header.
func ParseFrameHeader(b []byte) FrameHeader {
	_ = b[FrameHeaderSize-1]
	return FrameHeader{
		Size:   binary.LittleEndian.Uint32(b[0:4]),
		Width:  binary.LittleEndian.Uint32(b[4:8]),
		Height: binary.LittleEndian.Uint32(b[8:12]),
	}
}

// AppendFrameHeader appends the wire form of h to b.
func AppendFrameHeader(b []byte, h FrameHeader) []byte {
	b = binary.LittleEndian.AppendUint32(b, h.Size)
	b = binary.LittleEndian.AppendUint32(b, h.Width)
	b = binary.LittleEndian.AppendUint32(b, h.Height)
	return b
}

// decodeState is the decode cursor: either waiting for a header or for
// the payload of an already decoded header.
type decodeState int

const (
	awaitingHeader decodeState = iota
	awaitingPayload
)

// Decoder reassembles frames from arbitrarily chunked stream bytes.
//
// A Decoder is owned by a single reader and is not safe for concurrent use.
// Declared payload sizes are trusted unless a maximum is configured with
// SetMaxFrameSize; without one, a bogus size makes the decoder buffer until
// the peer sends that many bytes.
type Decoder struct {
	buf     bytes.Buffer
	state   decodeState
	header  FrameHeader
	maxSize uint32
	err     error
}

// NewDecoder creates a decoder with no frame size limit.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// SetMaxFrameSize bounds the declared payload size. Zero disables the bound.
func (d *Decoder) SetMaxFrameSize(n uint32) {
	d.maxSize = n
}

// Write appends stream bytes to the accumulator. It never fails; it exists
// so a Decoder can be used as an io.Writer.
func (d *Decoder) Write(p []byte) (int, error) {
	return d.buf.Write(p)
}

// Buffered returns the number of accumulated bytes not yet consumed.
func (d *Decoder) Buffered() int {
	return d.buf.Len()
}

// Pending reports whether a frame has been started but not completed,
// either a partial header or a decoded header awaiting its payload.
func (d *Decoder) Pending() bool {
	return d.state == awaitingPayload || d.buf.Len() > 0
}

// Next returns the next complete frame. ok is false when more bytes are
// needed. Once Next returns an error the decoder is poisoned and keeps
// returning it.
func (d *Decoder) Next() (frame Frame, ok bool, err error) {
	if d.err != nil {
		return Frame{}, false, d.err
	}

	if d.state == awaitingHeader {
		if d.buf.Len() < FrameHeaderSize {
			return Frame{}, false, nil
		}
		var hdr [FrameHeaderSize]byte
		d.buf.Read(hdr[:])
		d.header = ParseFrameHeader(hdr[:])
		if d.maxSize > 0 && d.header.Size > d.maxSize {
			d.err = errors.Wrapf(ErrFrameTooLarge, "declared %d bytes, limit %d", d.header.Size, d.maxSize)
			return Frame{}, false, d.err
		}
		d.state = awaitingPayload
	}

	if uint64(d.buf.Len()) < uint64(d.header.Size) {
		return Frame{}, false, nil
	}

	payload := make([]byte, d.header.Size)
	d.buf.Read(payload)
	frame = Frame{FrameHeader: d.header, Payload: payload}
	d.state = awaitingHeader
	d.header = FrameHeader{}
	return frame, true, nil
}

// Frames yields every frame that can be completed from the bytes written so
// far. The sequence ends when more bytes are needed; ranging over Frames
// again after further writes resumes where it stopped. An error is yielded
// at most once, as the final element.
func (d *Decoder) Frames() iter.Seq2[Frame, error] {
	return func(yield func(Frame, error) bool) {
		for {
			frame, ok, err := d.Next()
			if err != nil {
				yield(Frame{}, err)
				return
			}
			if !ok {
				return
			}
			if !yield(frame, nil) {
				return
			}
		}
	}
}

// Feed writes chunk and returns the frames it completed.
func (d *Decoder) Feed(chunk []byte) ([]Frame, error) {
	d.Write(chunk)
	var frames []Frame
	for frame, err := range d.Frames() {
		if err != nil {
			return frames, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

// WriteFrame writes one header+payload record to w. The header's Size is
// taken from len(payload).
func WriteFrame(w io.Writer, width, height uint32, payload []byte) error {
	buf := make([]byte, 0, FrameHeaderSize+len(payload))
	buf = AppendFrameHeader(buf, FrameHeader{
		Size:   uint32(len(payload)),
		Width:  width,
		Height: height,
	})
	buf = append(buf, payload...)
	if _, err := w.Write(buf); err != nil {
		return errors.Wrap(err, "failed to write frame")
	}
	return nil
}

// ReadFrame reads one complete frame from r, blocking until it arrives.
// maxSize bounds the declared payload size; zero means unbounded.
func ReadFrame(r io.Reader, maxSize uint32) (*Frame, error) {
	var hdr [FrameHeaderSize]byte
	n, err := io.ReadFull(r, hdr[:])
	if err != nil {
		if n == 0 && err == io.EOF {
			return nil, io.EOF
		}
		return nil, errors.Wrap(err, "failed to read frame header")
	}

	h := ParseFrameHeader(hdr[:])
	if maxSize > 0 && h.Size > maxSize {
		return nil, errors.Wrapf(ErrFrameTooLarge, "declared %d bytes, limit %d", h.Size, maxSize)
	}

	payload := make([]byte, h.Size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, errors.Wrapf(err, "failed to read %d byte frame payload", h.Size)
	}
	return &Frame{FrameHeader: h, Payload: payload}, nil
}
