package protocol

import (
	"bytes"
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeMouseEvent(t *testing.T) {
	got := EncodeMouseEvent(MouseEvent{Type: 3, X: -5, Y: 1200})
	assert.Equal(t, []byte{0x01, 0x03, 0xFB, 0xFF, 0xB0, 0x04}, got)
}

func TestEncodeKeyboardEvent(t *testing.T) {
	got := EncodeKeyboardEvent(KeyboardEvent{Type: 1, KeyCode: 65})
	assert.Equal(t, []byte{0x02, 0x01, 0x41, 0x00, 0x00, 0x00, 0x00, 0x00}, got)
}

type scrollWheel struct{}

func (scrollWheel) Kind() EventKind { return 3 }

func TestEncodeEvent(t *testing.T) {
	tests := []struct {
		name  string
		event InputEvent
		want  []byte
	}{
		{"mouse", MouseEvent{Type: MouseMove, X: 10, Y: 20}, []byte{1, 1, 10, 0, 20, 0}},
		{"mouse pointer", &MouseEvent{Type: MouseRightUp, X: -1, Y: -32768}, []byte{1, 5, 0xFF, 0xFF, 0x00, 0x80}},
		{"keyboard", KeyboardEvent{Type: KeyUp, KeyCode: 0x1234}, []byte{2, 2, 0x34, 0x12, 0, 0, 0, 0}},
		{"keyboard pointer", &KeyboardEvent{Type: KeyDown, KeyCode: 13}, []byte{2, 1, 13, 0, 0, 0, 0, 0}},
		{"unknown kind", scrollWheel{}, nil},
		{"nil", nil, nil},
		{"nil mouse pointer", (*MouseEvent)(nil), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EncodeEvent(tt.event))
		})
	}
}

func TestDecodeInputRecord(t *testing.T) {
	ev, err := DecodeInputRecord(EncodeMouseEvent(MouseEvent{Type: 3, X: -5, Y: 1200}))
	require.NoError(t, err)
	assert.Equal(t, MouseEvent{Type: 3, X: -5, Y: 1200}, ev)

	ev, err = DecodeInputRecord(EncodeKeyboardEvent(KeyboardEvent{Type: 2, KeyCode: 65535}))
	require.NoError(t, err)
	assert.Equal(t, KeyboardEvent{Type: 2, KeyCode: 65535}, ev)

	_, err = DecodeInputRecord(nil)
	assert.True(t, errors.Is(err, ErrShortRecord))

	_, err = DecodeInputRecord([]byte{2, 1, 0})
	assert.True(t, errors.Is(err, ErrShortRecord))

	_, err = DecodeInputRecord([]byte{3, 0, 0, 0, 0, 0})
	assert.True(t, errors.Is(err, ErrUnknownRecord))
}

func TestReadInputRecord(t *testing.T) {
	var stream bytes.Buffer
	stream.Write(EncodeMouseEvent(MouseEvent{Type: MouseLeftDown, X: 100, Y: 200}))
	stream.Write(EncodeKeyboardEvent(KeyboardEvent{Type: KeyDown, KeyCode: 65}))
	stream.Write(EncodeMouseEvent(MouseEvent{Type: MouseLeftUp, X: 100, Y: 200}))

	var got []InputEvent
	for {
		ev, err := ReadInputRecord(&stream)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, ev)
	}

	assert.Equal(t, []InputEvent{
		MouseEvent{Type: MouseLeftDown, X: 100, Y: 200},
		KeyboardEvent{Type: KeyDown, KeyCode: 65},
		MouseEvent{Type: MouseLeftUp, X: 100, Y: 200},
	}, got)
}

func TestReadInputRecordErrors(t *testing.T) {
	_, err := ReadInputRecord(bytes.NewReader([]byte{9}))
	assert.True(t, errors.Is(err, ErrUnknownRecord))

	_, err = ReadInputRecord(bytes.NewReader([]byte{1, 1, 0}))
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
}

func TestEventKindString(t *testing.T) {
	assert.Equal(t, "mouse", EventKindMouse.String())
	assert.Equal(t, "keyboard", EventKindKeyboard.String())
	assert.Equal(t, "unknown", EventKind(3).String())
}
