package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// PrefixLen is the size of the big-endian length prefix in front of every frame.
const PrefixLen = 4

// DefaultMaxFrameSize bounds a single access unit when no limit is configured.
const DefaultMaxFrameSize uint32 = 4 * 1024 * 1024

var (
	ErrTruncatedFrame = errors.New("proto: truncated frame")
	ErrFrameTooLarge  = errors.New("proto: frame too large")
)

// Decoder reads length-prefixed frames from one connection. It is not
// restartable; each connection gets its own Decoder.
type Decoder struct {
	r      io.Reader
	max    uint32
	prefix [PrefixLen]byte
	frames int64
	bytes  int64
}

// NewDecoder returns a Decoder over r. A zero max selects DefaultMaxFrameSize.
func NewDecoder(r io.Reader, max uint32) *Decoder {
	if max == 0 {
		max = DefaultMaxFrameSize
	}
	return &Decoder{r: r, max: max}
}

// Next returns the next frame payload. The returned slice is freshly
// allocated and never touched again by the Decoder.
//
// io.EOF is returned when the stream ends cleanly on a frame boundary.
func (d *Decoder) Next() ([]byte, error) {
	n, err := io.ReadFull(d.r, d.prefix[:])
	if err != nil {
		switch {
		case n == 0 && errors.Is(err, io.EOF):
			return nil, io.EOF
		case n > 0:
			return nil, fmt.Errorf("%w: %d of %d prefix bytes", ErrTruncatedFrame, n, PrefixLen)
		default:
			return nil, err
		}
	}
	size := binary.BigEndian.Uint32(d.prefix[:])
	if size > d.max {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, d.max)
	}
	payload := make([]byte, size)
	if size > 0 {
		if got, err := io.ReadFull(d.r, payload); err != nil {
			return nil, fmt.Errorf("%w: %d of %d payload bytes: %v", ErrTruncatedFrame, got, size, err)
		}
	}
	d.frames++
	d.bytes += int64(size)
	return payload, nil
}

// Frames reports how many complete frames have been decoded.
func (d *Decoder) Frames() int64 { return d.frames }

// Bytes reports the total payload bytes decoded.
func (d *Decoder) Bytes() int64 { return d.bytes }

// ReadFrame decodes a single frame from r.
func ReadFrame(r io.Reader, max uint32) ([]byte, error) {
	return NewDecoder(r, max).Next()
}

// WriteFrame writes the length prefix followed by payload.
func WriteFrame(w io.Writer, payload []byte) error {
	if uint64(len(payload)) > math.MaxUint32 {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	buf := make([]byte, PrefixLen+len(payload))
	binary.BigEndian.PutUint32(buf[:PrefixLen], uint32(len(payload)))
	copy(buf[PrefixLen:], payload)
	_, err := w.Write(buf)
	return err
}
