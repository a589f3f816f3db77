package base

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

const (
	// FrameHeaderSize is the size of the frame header in bytes
	FrameHeaderSize = 20
	// MaxFrameSize bounds the payload of a single frame
	MaxFrameSize = 1 << 30
)

// WriteFrame writes a frame to w with the format:
// - 8 bytes: key (uint64, big endian), the tag or group id
// - 8 bytes: sequence (uint64, big endian)
// - 4 bytes: data length (uint32, big endian)
// - N bytes: data payload
// Writes to one writer must be serialized by the caller.
func WriteFrame(w io.Writer, key uint64, seq uint64, data []byte) error {
	if len(data) > MaxFrameSize {
		return fmt.Errorf("frame payload of %d bytes exceeds maximum of %d", len(data), MaxFrameSize)
	}

	header := make([]byte, FrameHeaderSize)
	binary.BigEndian.PutUint64(header[:8], key)
	binary.BigEndian.PutUint64(header[8:16], seq)
	binary.BigEndian.PutUint32(header[16:20], uint32(len(data)))

	b := net.Buffers{header, data}
	_, err := b.WriteTo(w)
	return err
}

// ReadFrame reads a frame from r using the provided buffer.
// If the buffer is too small, it will allocate a new buffer for the data,
// so the returned slice may or may not alias buf.
func ReadFrame(r io.Reader, buf []byte) (uint64, uint64, []byte, error) {
	var header [FrameHeaderSize]byte

	// Read header
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, 0, nil, err
	}

	// Parse header
	key := binary.BigEndian.Uint64(header[:8])
	seq := binary.BigEndian.Uint64(header[8:16])
	contentLength := binary.BigEndian.Uint32(header[16:20])

	if contentLength > MaxFrameSize {
		return 0, 0, nil, fmt.Errorf("frame payload of %d bytes exceeds maximum of %d", contentLength, MaxFrameSize)
	}

	// If no data, return empty slice
	if contentLength == 0 {
		return key, seq, []byte{}, nil
	}

	// Check if buffer is large enough for data
	if len(buf) < int(contentLength) {
		buf = make([]byte, contentLength)
	}

	// Read data
	if _, err := io.ReadFull(r, buf[:contentLength]); err != nil {
		return 0, 0, nil, err
	}

	return key, seq, buf[:contentLength], nil
}
