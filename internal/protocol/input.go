package protocol

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// EventKind is the leading tag byte of an input record on the stream.
type EventKind uint8

const (
	EventKindMouse    EventKind = 1
	EventKindKeyboard EventKind = 2
)

func (k EventKind) String() string {
	switch k {
	case EventKindMouse:
		return "mouse"
	case EventKindKeyboard:
		return "keyboard"
	default:
		return "unknown"
	}
}

// Mouse event subtypes understood by the remote agent
const (
	MouseMove      = 1
	MouseLeftDown  = 2
	MouseLeftUp    = 3
	MouseRightDown = 4
	MouseRightUp   = 5
	MouseScroll    = 6
)

// Keyboard event subtypes understood by the remote agent
const (
	KeyDown = 1
	KeyUp   = 2
)

// Record sizes on the stream transport
const (
	MouseRecordSize    = 6
	KeyboardRecordSize = 8
)

var (
	ErrUnknownRecord = errors.New("unknown input record kind")
	ErrShortRecord   = errors.New("input record too short")
)

// InputEvent is either a MouseEvent or a KeyboardEvent.
type InputEvent interface {
	Kind() EventKind
}

// MouseEvent represents a pointer event in screen coordinates
type MouseEvent struct {
	Type uint8
	X    int16
	Y    int16
}

func (MouseEvent) Kind() EventKind { return EventKindMouse }

// KeyboardEvent represents a key press or release
type KeyboardEvent struct {
	Type    uint8
	KeyCode uint16
}

func (KeyboardEvent) Kind() EventKind { return EventKindKeyboard }

// EncodeMouseEvent encodes a mouse event as [1][type][x:i16le][y:i16le]
func EncodeMouseEvent(event MouseEvent) []byte {
	buf := make([]byte, MouseRecordSize)
	buf[0] = byte(EventKindMouse)
	buf[1] = event.Type
	binary.LittleEndian.PutUint16(buf[2:4], uint16(event.X))
	binary.LittleEndian.PutUint16(buf[4:6], uint16(event.Y))
	return buf
}

// EncodeKeyboardEvent encodes a key event as [2][type][keycode:u16le][flags:u32le=0]
func EncodeKeyboardEvent(event KeyboardEvent) []byte {
	buf := make([]byte, KeyboardRecordSize)
	buf[0] = byte(EventKindKeyboard)
	buf[1] = event.Type
	binary.LittleEndian.PutUint16(buf[2:4], event.KeyCode)
	// buf[4:8] is reserved and stays zero
	return buf
}

// EncodeEvent encodes any supported input event. Unsupported events,
// including nil, produce no record.
func EncodeEvent(event InputEvent) []byte {
	switch e := event.(type) {
	case MouseEvent:
		return EncodeMouseEvent(e)
	case *MouseEvent:
		if e == nil {
			return nil
		}
		return EncodeMouseEvent(*e)
	case KeyboardEvent:
		return EncodeKeyboardEvent(e)
	case *KeyboardEvent:
		if e == nil {
			return nil
		}
		return EncodeKeyboardEvent(*e)
	default:
		return nil
	}
}

// DecodeInputRecord decodes one record produced by EncodeEvent.
func DecodeInputRecord(b []byte) (InputEvent, error) {
	if len(b) < 1 {
		return nil, ErrShortRecord
	}
	switch EventKind(b[0]) {
	case EventKindMouse:
		if len(b) < MouseRecordSize {
			return nil, errors.Wrapf(ErrShortRecord, "mouse record is %d bytes", len(b))
		}
		return MouseEvent{
			Type: b[1],
			X:    int16(binary.LittleEndian.Uint16(b[2:4])),
			Y:    int16(binary.LittleEndian.Uint16(b[4:6])),
		}, nil
	case EventKindKeyboard:
		if len(b) < KeyboardRecordSize {
			return nil, errors.Wrapf(ErrShortRecord, "keyboard record is %d bytes", len(b))
		}
		return KeyboardEvent{
			Type:    b[1],
			KeyCode: binary.LittleEndian.Uint16(b[2:4]),
		}, nil
	default:
		return nil, errors.Wrapf(ErrUnknownRecord, "tag %d", b[0])
	}
}

// ReadInputRecord reads exactly one input record from r. The tag byte
// decides how many more bytes are read.
func ReadInputRecord(r io.Reader) (InputEvent, error) {
	var buf [KeyboardRecordSize]byte
	if _, err := io.ReadFull(r, buf[:1]); err != nil {
		return nil, err
	}

	var size int
	switch EventKind(buf[0]) {
	case EventKindMouse:
		size = MouseRecordSize
	case EventKindKeyboard:
		size = KeyboardRecordSize
	default:
		return nil, errors.Wrapf(ErrUnknownRecord, "tag %d", buf[0])
	}

	if _, err := io.ReadFull(r, buf[1:size]); err != nil {
		return nil, errors.Wrap(err, "failed to read input record")
	}
	return DecodeInputRecord(buf[:size])
}
