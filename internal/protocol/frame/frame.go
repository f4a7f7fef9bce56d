// Package frame implements the mutation-plane message framing: a
// 4-byte big-endian length prefix followed by exactly one encoded
// message. Framing is codec-agnostic; payload bytes are opaque here.
package frame

import (
	"encoding/binary"
	"errors"
	"io"
)

const PrefixLen = 4

var (
	ErrMessageTooLarge = errors.New("frame: message exceeds size limit")
	ErrTruncated       = errors.New("frame: truncated message body")
)

// Limits constrains per-message memory use on read and write.
type Limits struct {
	MaxMessageBytes uint32
}

func DefaultLimits() Limits {
	return Limits{MaxMessageBytes: 8 * 1024 * 1024}
}

// ReadMsg reads one length-prefixed message. io.EOF is returned
// unwrapped when the stream ends cleanly between messages; a stream
// ending inside a message yields ErrTruncated.
func ReadMsg(r io.Reader, limits Limits) ([]byte, error) {
	var prefix [PrefixLen]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncated
		}
		return nil, err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > limits.MaxMessageBytes {
		return nil, ErrMessageTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncated
		}
		return nil, err
	}
	return body, nil
}

// WriteMsg writes one length-prefixed message with a single Write call
// so concurrent writers on the same owner cannot interleave frames.
func WriteMsg(w io.Writer, msg []byte, limits Limits) error {
	if uint64(len(msg)) > uint64(limits.MaxMessageBytes) {
		return ErrMessageTooLarge
	}
	buf := make([]byte, PrefixLen+len(msg))
	binary.BigEndian.PutUint32(buf[:PrefixLen], uint32(len(msg)))
	copy(buf[PrefixLen:], msg)
	_, err := w.Write(buf)
	return err
}
