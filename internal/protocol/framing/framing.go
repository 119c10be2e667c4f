// Package framing multiplexes the logical transport channels onto a single
// ordered byte stream. A frame is a 1-byte channel id, a 4-byte big-endian
// payload length and the payload itself.
package framing

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/couchbridge/server/internal/domain"
)

const (
	// HeaderSize is the fixed per-frame overhead.
	HeaderSize = 5

	// DefaultMaxPayload bounds a single frame. Oversized frames indicate a
	// broken or hostile peer and shut the transport.
	DefaultMaxPayload = 1 << 20
)

var (
	ErrFrameTooLarge  = errors.New("frame exceeds maximum payload size")
	ErrUnknownChannel = errors.New("unknown channel id")
	ErrShortFrame     = errors.New("frame shorter than header")
)

type Codec struct {
	MaxPayload int
}

func NewCodec(maxPayload int) *Codec {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}

	return &Codec{MaxPayload: maxPayload}
}

// Encode appends one frame to dst and returns the extended slice.
func (c *Codec) Encode(dst []byte, channel domain.ChannelID, payload []byte) ([]byte, error) {
	if !channel.Valid() {
		return dst, fmt.Errorf("%w: %d", ErrUnknownChannel, channel)
	}
	if len(payload) > c.MaxPayload {
		return dst, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(payload), c.MaxPayload)
	}

	var header [HeaderSize]byte
	header[0] = byte(channel)
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))

	dst = append(dst, header[:]...)
	dst = append(dst, payload...)

	return dst, nil
}

// Decode reads one frame from buf. The returned payload aliases buf. The
// decoder keeps no state between frames, so a caller may resume decoding at
// any frame boundary.
func (c *Codec) Decode(buf []byte) (channel domain.ChannelID, payload []byte, rest []byte, err error) {
	if len(buf) < HeaderSize {
		return 0, nil, buf, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(buf))
	}

	channel = domain.ChannelID(buf[0])
	if !channel.Valid() {
		return 0, nil, buf, fmt.Errorf("%w: %d", ErrUnknownChannel, buf[0])
	}

	length := binary.BigEndian.Uint32(buf[1:HeaderSize])
	if int(length) > c.MaxPayload {
		return 0, nil, buf, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, c.MaxPayload)
	}
	if len(buf) < HeaderSize+int(length) {
		return 0, nil, buf, fmt.Errorf("%w: payload truncated", ErrShortFrame)
	}

	payload = buf[HeaderSize : HeaderSize+int(length)]
	rest = buf[HeaderSize+int(length):]

	return channel, payload, rest, nil
}
