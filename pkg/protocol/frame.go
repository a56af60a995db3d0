// Package protocol implements the host/plugin wire format: every message is a
// JSON-RPC 2.0 envelope encoded as UTF-8 JSON and prefixed with its length as
// a 4-byte big-endian unsigned integer.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// HeaderSize is the length of the frame prefix in bytes.
const HeaderSize = 4

// DefaultMaxFrameSize caps a single message body. Larger frames are rejected
// before the body is read.
const DefaultMaxFrameSize = 16 << 20

var (
	// ErrFrameTooLarge is returned when a declared frame length exceeds the limit.
	ErrFrameTooLarge = errors.New("protocol: frame exceeds maximum size")
	// ErrEmptyFrame is returned for a zero-length frame.
	ErrEmptyFrame = errors.New("protocol: empty frame")
)

// DecodeError reports a frame whose body was read completely but is not a
// valid envelope. The stream is still aligned on the next frame boundary, so
// callers may keep reading.
type DecodeError struct {
	Body []byte
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("protocol: malformed message: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Encode returns the framed representation of env.
func Encode(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, errors.New("protocol: nil envelope")
	}
	if env.JSONRPC == "" {
		env.JSONRPC = Version
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode envelope: %w", err)
	}
	if len(body) > DefaultMaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	frame := make([]byte, HeaderSize+len(body))
	binary.BigEndian.PutUint32(frame[:HeaderSize], uint32(len(body)))
	copy(frame[HeaderSize:], body)
	return frame, nil
}

// Decode parses a single framed message. The buffer must contain exactly one
// frame.
func Decode(frame []byte) (*Envelope, error) {
	if len(frame) < HeaderSize {
		return nil, io.ErrUnexpectedEOF
	}
	n := binary.BigEndian.Uint32(frame[:HeaderSize])
	if int(n) != len(frame)-HeaderSize {
		return nil, fmt.Errorf("protocol: frame length %d does not match body length %d", n, len(frame)-HeaderSize)
	}
	return decodeBody(frame[HeaderSize:])
}

// WriteFrame encodes env and writes it with a single Write call. Callers that
// share a writer between goroutines must serialise calls themselves.
func WriteFrame(w io.Writer, env *Envelope) error {
	frame, err := Encode(env)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ReadFrame reads the next frame from r using DefaultMaxFrameSize.
func ReadFrame(r io.Reader) (*Envelope, error) {
	return ReadFrameLimit(r, DefaultMaxFrameSize)
}

// ReadFrameLimit reads the next frame from r. A clean EOF before any header
// byte is returned as io.EOF; a truncated frame as io.ErrUnexpectedEOF.
func ReadFrameLimit(r io.Reader, limit int) (*Envelope, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n == 0 {
		return nil, ErrEmptyFrame
	}
	if limit > 0 && uint64(n) > uint64(limit) {
		return nil, ErrFrameTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return decodeBody(body)
}

func decodeBody(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &DecodeError{Body: body, Err: err}
	}
	return &env, nil
}
