// Package ptyproto implements the JSON frame protocol spoken with the remote
// host over a websocket. Every frame is a JSON object tagged by "t"; byte
// payloads travel as JSON arrays of numbers rather than base64 strings.
package ptyproto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

type FrameType string

const (
	TypeData FrameType = "data"
	TypeSize FrameType = "size"
	TypeExit FrameType = "exit"
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownFrame   = errors.New("unknown frame type")
)

// Bytes is a byte slice encoded as a JSON array of numbers.
type Bytes []byte

func (b Bytes) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(len(b)*4 + 2)
	buf.WriteByte('[')
	for i, c := range b {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(strconv.Itoa(int(c)))
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

func (b *Bytes) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return fmt.Errorf("%w: null byte array", ErrMalformedFrame)
	}
	var nums []int
	if err := json.Unmarshal(data, &nums); err != nil {
		return fmt.Errorf("%w: byte array: %v", ErrMalformedFrame, err)
	}
	out := make([]byte, len(nums))
	for i, n := range nums {
		if n < 0 || n > 255 {
			return fmt.Errorf("%w: byte %d out of range at index %d", ErrMalformedFrame, n, i)
		}
		out[i] = byte(n)
	}
	*b = out
	return nil
}

// Size carries terminal dimensions. Pixel sizes may be zero when unknown.
type Size struct {
	Cols        uint16 `json:"cols"`
	Rows        uint16 `json:"rows"`
	PixelWidth  uint16 `json:"pixel_width"`
	PixelHeight uint16 `json:"pixel_height"`
}

// NewSize builds a Size from ints, clamping into the wire range.
func NewSize(cols, rows, pixelWidth, pixelHeight int) Size {
	return Size{
		Cols:        clampU16(cols),
		Rows:        clampU16(rows),
		PixelWidth:  clampU16(pixelWidth),
		PixelHeight: clampU16(pixelHeight),
	}
}

func clampU16(n int) uint16 {
	if n < 0 {
		return 0
	}
	if n > 0xffff {
		return 0xffff
	}
	return uint16(n)
}

// ClientFrame is sent from the replicator to the remote host.
type ClientFrame struct {
	Type FrameType
	Data []byte
	Size Size
}

func DataFrame(p []byte) ClientFrame { return ClientFrame{Type: TypeData, Data: p} }
func SizeFrame(s Size) ClientFrame   { return ClientFrame{Type: TypeSize, Size: s} }
func ExitFrame() ClientFrame         { return ClientFrame{Type: TypeExit} }

func (f ClientFrame) MarshalJSON() ([]byte, error) {
	switch f.Type {
	case TypeData:
		return json.Marshal(struct {
			T    FrameType `json:"t"`
			Data Bytes     `json:"data"`
		}{f.Type, f.Data})
	case TypeSize:
		return json.Marshal(struct {
			T    FrameType `json:"t"`
			Size Size      `json:"size"`
		}{f.Type, f.Size})
	case TypeExit:
		return json.Marshal(struct {
			T FrameType `json:"t"`
		}{f.Type})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, f.Type)
	}
}

// ServerFrame is received from the remote host.
type ServerFrame struct {
	Type FrameType
	Data []byte
	// Msg is the exit message, normally the decimal exit code.
	Msg string
}

func (f ServerFrame) MarshalJSON() ([]byte, error) {
	switch f.Type {
	case TypeData:
		return json.Marshal(struct {
			T    FrameType `json:"t"`
			Data Bytes     `json:"data"`
		}{f.Type, f.Data})
	case TypeExit:
		return json.Marshal(struct {
			T   FrameType `json:"t"`
			Msg string    `json:"msg"`
		}{f.Type, f.Msg})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, f.Type)
	}
}

type rawFrame struct {
	T    FrameType       `json:"t"`
	Data *Bytes          `json:"data"`
	Size *Size           `json:"size"`
	Msg  json.RawMessage `json:"msg"`
}

func decodeRaw(p []byte) (rawFrame, error) {
	var raw rawFrame
	if err := json.Unmarshal(p, &raw); err != nil {
		if errors.Is(err, ErrMalformedFrame) {
			return raw, err
		}
		return raw, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if raw.T == "" {
		return raw, fmt.Errorf("%w: missing \"t\"", ErrMalformedFrame)
	}
	return raw, nil
}

// DecodeServer parses a frame sent by the remote host.
func DecodeServer(p []byte) (ServerFrame, error) {
	raw, err := decodeRaw(p)
	if err != nil {
		return ServerFrame{}, err
	}
	switch raw.T {
	case TypeData:
		if raw.Data == nil {
			return ServerFrame{}, fmt.Errorf("%w: data frame without data", ErrMalformedFrame)
		}
		return ServerFrame{Type: TypeData, Data: *raw.Data}, nil
	case TypeExit:
		msg, err := exitMessage(raw.Msg)
		if err != nil {
			return ServerFrame{}, err
		}
		return ServerFrame{Type: TypeExit, Msg: msg}, nil
	default:
		return ServerFrame{}, fmt.Errorf("%w: %q", ErrUnknownFrame, raw.T)
	}
}

// DecodeClient parses a frame sent by the replicator.
func DecodeClient(p []byte) (ClientFrame, error) {
	raw, err := decodeRaw(p)
	if err != nil {
		return ClientFrame{}, err
	}
	switch raw.T {
	case TypeData:
		if raw.Data == nil {
			return ClientFrame{}, fmt.Errorf("%w: data frame without data", ErrMalformedFrame)
		}
		return ClientFrame{Type: TypeData, Data: *raw.Data}, nil
	case TypeSize:
		if raw.Size == nil {
			return ClientFrame{}, fmt.Errorf("%w: size frame without size", ErrMalformedFrame)
		}
		return ClientFrame{Type: TypeSize, Size: *raw.Size}, nil
	case TypeExit:
		return ClientFrame{Type: TypeExit}, nil
	default:
		return ClientFrame{}, fmt.Errorf("%w: %q", ErrUnknownFrame, raw.T)
	}
}

// exitMessage accepts the message as a JSON string or number.
func exitMessage(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}
	return "", fmt.Errorf("%w: exit msg must be a string or number", ErrMalformedFrame)
}
