package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// MaxMessageSize bounds one framed message and one request body.
	MaxMessageSize = 16 << 20

	// lengthPrefixSize is the size of the frame header.
	lengthPrefixSize = 4
)

// ErrMessageTooLarge is returned when a message exceeds MaxMessageSize.
var ErrMessageTooLarge = errors.New("message too large")

// WriteMessage writes one frame: a big-endian uint32 length, then data.
// An empty frame is valid and is used as an end-of-batch marker.
func WriteMessage(w io.Writer, data []byte) error {
	if len(data) > MaxMessageSize {
		return fmt.Errorf("write %d bytes: %w", len(data), ErrMessageTooLarge)
	}

	frame := make([]byte, lengthPrefixSize+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[lengthPrefixSize:], data)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame:\n%w", err)
	}

	return nil
}

// ReadMessage reads one frame written by WriteMessage.
func ReadMessage(r io.Reader) ([]byte, error) {
	var header [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("read frame header:\n%w", err)
	}

	n := binary.BigEndian.Uint32(header[:])
	if n > MaxMessageSize {
		return nil, fmt.Errorf("read %d bytes: %w", n, ErrMessageTooLarge)
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read frame body:\n%w", err)
	}

	return data, nil
}

// readAll reads r to EOF, failing past MaxMessageSize.
func readAll(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxMessageSize+1))
	if err != nil {
		return nil, err
	}

	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("read body: %w", ErrMessageTooLarge)
	}

	return data, nil
}

// ReadRequest reads a whole request body sent with Node.Request.
func ReadRequest(s *Stream) ([]byte, error) {
	return readAll(s)
}
