package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame's payload. It is generous relative to
// the largest message this protocol ever sends (a JSON-encoded Statement),
// and exists purely to reject garbage length prefixes quickly instead of
// trying to allocate an attacker-controlled buffer.
const MaxFrameSize = 64 * 1024

// ErrFrameTooLarge is returned by ReadFrame when the advertised length
// exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("protocol: frame exceeds maximum size")

// WriteFrame writes payload as a single frame: a 4-byte big-endian length
// prefix followed by payload itself. Every sender in this package uses this
// instead of a bare Write, so that a reader is never left guessing where one
// message ends and the next begins.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("protocol: write frame header: %w", err)
	}

	if len(payload) == 0 {
		return nil
	}

	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("protocol: write frame payload: %w", err)
	}

	return nil
}

// WriteToken is a convenience wrapper for sending a fixed token as a frame.
func WriteToken(w io.Writer, t Token) error {
	return WriteFrame(w, t.Bytes())
}

// ReadFrame reads one length-prefixed frame from r. It blocks until the full
// frame has arrived or the underlying reader returns an error (including a
// deadline exceeded error from a conn with a read deadline set).
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	if size == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("protocol: read frame payload: %w", err)
	}

	return payload, nil
}

// ReadToken reads one frame and returns it as a Token for exact-match
// comparison against the constants in this package.
func ReadToken(r io.Reader) (Token, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return "", err
	}

	return Token(payload), nil
}
