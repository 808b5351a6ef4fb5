package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize is the largest payload a single frame can carry. The length
// prefix is an unsigned 16-bit integer, so frames cap at 65535 bytes.
const MaxFrameSize = 65535

// WriteFrame writes a length-prefixed frame: a 2-byte big-endian payload
// length followed by the payload bytes.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("frame payload %d bytes exceeds maximum %d", len(payload), MaxFrameSize)
	}

	var prefix [2]byte
	binary.BigEndian.PutUint16(prefix[:], uint16(len(payload)))

	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("failed to write frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("failed to write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r. It blocks until the full
// payload has arrived or the reader fails. A zero-length frame returns an
// empty (non-nil) payload.
func ReadFrame(r io.Reader) ([]byte, error) {
	var prefix [2]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint16(prefix[:])
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("failed to read frame payload: %w", err)
	}
	return payload, nil
}
