package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// HeaderSize is the width of the length prefix in bytes.
const HeaderSize = 4

// DefaultMaxFrameSize bounds payloads when no explicit limit is set.
const DefaultMaxFrameSize = 1 << 20

// ErrFrameTooLarge is returned when a payload exceeds a frame size limit.
// On the read side the stream cannot be resynchronised afterwards.
var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")

// CheckFrameSize reports whether a payload of n bytes fits under maxSize and
// in the 32-bit length prefix. maxSize <= 0 selects DefaultMaxFrameSize.
func CheckFrameSize(n, maxSize int) error {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	if uint64(n) > uint64(maxSize) || uint64(n) > math.MaxUint32 {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, maxSize)
	}
	return nil
}

func appendFrame(dst, payload []byte) []byte {
	var hdr [HeaderSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	dst = append(dst, hdr[:]...)
	return append(dst, payload...)
}

// WriteFrame writes payload as a single frame. Header and payload go out in
// one Write call so concurrent writers that serialise on the call never
// interleave partial frames. Payloads the length prefix cannot express are
// rejected with ErrFrameTooLarge before anything is written.
func WriteFrame(w io.Writer, payload []byte) error {
	if uint64(len(payload)) > math.MaxUint32 {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(payload), uint64(math.MaxUint32))
	}
	buf := appendFrame(make([]byte, 0, HeaderSize+len(payload)), payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one frame and returns its payload. maxSize <= 0 selects
// DefaultMaxFrameSize.
//
// A clean end of stream before any header byte returns io.EOF; a stream that
// ends mid-frame returns io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(hdr[:])
	if err := CheckFrameSize(int(n), maxSize); err != nil {
		return nil, err
	}
	if n == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}
