// Package protocol implements the on-wire framing for the ingest transport:
// zero-delimited frame extraction, consistent-overhead byte-stuffing decode,
// and the in-band control sub-protocol used for runtime schema negotiation.
package protocol

import (
	"errors"
	"hash/fnv"
)

// MaxFrameBytes is the largest frame the listener accepts before failing the
// connection with an invalid-data error.
const MaxFrameBytes = 1024 * 1024

// ErrInvalidStuffingCode is returned when a byte-stuffed frame contains a
// zero byte where a block-length code was expected.
var ErrInvalidStuffingCode = errors.New("protocol: invalid byte-stuffing code 0x00")

// ErrTruncatedFrame is returned when a byte-stuffed frame's declared block
// length runs past the end of the frame.
var ErrTruncatedFrame = errors.New("protocol: truncated frame, declared run length exceeds remaining bytes")

// StuffDecode inverts the byte-stuffing used on the wire to keep 0x00
// reserved as the frame delimiter: each block is a 1-byte code c >= 1
// followed by c-1 literal bytes; a zero byte is synthesized between blocks
// except when the preceding code was 0xFF or the block ended the frame.
func StuffDecode(frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return []byte{}, nil
	}

	out := make([]byte, 0, len(frame))
	i := 0
	for i < len(frame) {
		code := frame[i]
		if code == 0 {
			return nil, ErrInvalidStuffingCode
		}
		i++

		run := int(code) - 1
		if i+run > len(frame) {
			return nil, ErrTruncatedFrame
		}
		out = append(out, frame[i:i+run]...)
		i += run

		if code != 0xFF && i < len(frame) {
			out = append(out, 0)
		}
	}
	return out, nil
}

// HashSchemaBytes computes the FNV-1a 64 hash of b, matching the exact
// offset/prime pair the control protocol uses to verify a committed schema
// document (0xcbf29ce484222325 / 0x100000001b3 — the canonical FNV-1a-64
// constants, also what hash/fnv.New64a uses internally).
func HashSchemaBytes(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
