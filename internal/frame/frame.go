// Package frame implements the length-prefixed binary framing used by the
// live-broadcast channel: a fixed 16-byte header followed by a payload that
// is either plaintext or a brotli-compressed run of further frames.
package frame

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
)

// Recognized protocol versions.
const (
	VersionPlain  uint16 = 1 // plaintext payload
	VersionBrotli uint16 = 3 // brotli-compressed aggregate of further frames
)

// Recognized operation codes.
const (
	OpAttention uint32 = 3 // inbound: payload is a big-endian room attention count
	OpMessage   uint32 = 5 // inbound: payload is UTF-8 JSON
	OpSubscribe uint32 = 7 // outbound: subscribe request
	OpHeartbeat uint32 = 2 // outbound: heartbeat
)

const headerSize = 16

// heartbeatBody is the fixed payload bilibili's broadcast server expects on
// every heartbeat: the literal string "[object Object]".
var heartbeatBody = []byte("[object Object]")

// Frame is a single decoded protocol frame.
type Frame struct {
	Version   uint16
	Operation uint32
	Sequence  uint32
	Body      []byte
}

// Encode serializes f into the wire format: 4-byte total length, 2-byte
// header length (always 16), 2-byte version, 4-byte operation, 4-byte
// sequence, then the body.
func Encode(f Frame) []byte {
	total := uint32(headerSize + len(f.Body))
	buf := make([]byte, total)

	binary.BigEndian.PutUint32(buf[0:4], total)
	binary.BigEndian.PutUint16(buf[4:6], headerSize)
	binary.BigEndian.PutUint16(buf[6:8], f.Version)
	binary.BigEndian.PutUint32(buf[8:12], f.Operation)
	binary.BigEndian.PutUint32(buf[12:16], f.Sequence)
	copy(buf[headerSize:], f.Body)

	return buf
}

// Subscribe builds the outbound subscribe frame (operation 7, version 1).
func Subscribe(body []byte) []byte {
	return Encode(Frame{Version: VersionPlain, Operation: OpSubscribe, Sequence: 1, Body: body})
}

// Heartbeat builds the outbound heartbeat frame with the fixed body bilibili
// expects.
func Heartbeat() []byte {
	return Encode(Frame{Version: VersionPlain, Operation: OpHeartbeat, Sequence: 1, Body: heartbeatBody})
}

// Decode parses data into one or more logical frames. Brotli-compressed
// (version 3) payloads are decompressed and recursively re-parsed as a
// concatenation of further frames; the decompressed buffer is never fed
// back through the brotli path a second time.
func Decode(data []byte) ([]Frame, error) {
	return decode(data, false)
}

func decode(data []byte, alreadyDecompressed bool) ([]Frame, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("frame: buffer too short: %d bytes", len(data))
	}

	var frames []Frame
	for len(data) >= headerSize {
		total := binary.BigEndian.Uint32(data[0:4])
		if total < headerSize || int(total) > len(data) {
			return nil, fmt.Errorf("frame: invalid total length %d (remaining %d)", total, len(data))
		}

		version := binary.BigEndian.Uint16(data[6:8])
		op := binary.BigEndian.Uint32(data[8:12])
		seq := binary.BigEndian.Uint32(data[12:16])
		body := data[headerSize:total]

		if version == VersionBrotli && !alreadyDecompressed {
			plain, err := decompress(body)
			if err != nil {
				return nil, fmt.Errorf("frame: brotli decompress: %w", err)
			}
			nested, err := decode(plain, true)
			if err != nil {
				return nil, fmt.Errorf("frame: decode decompressed frames: %w", err)
			}
			frames = append(frames, nested...)
		} else {
			frames = append(frames, Frame{Version: version, Operation: op, Sequence: seq, Body: body})
		}

		data = data[total:]
	}

	return frames, nil
}

func decompress(data []byte) ([]byte, error) {
	return io.ReadAll(brotli.NewReader(bytes.NewReader(data)))
}
