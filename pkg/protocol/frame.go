package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"

	"github.com/pierrec/lz4/v4"
)

const (
	// MaxFrameSize is the largest frame body accepted in either direction (1 MB)
	MaxFrameSize = 1024 * 1024

	// ProtocolVersion is the version this server speaks.
	// v1: plain frames
	// v2: LZ4-compressed payloads (FlagCompressed)
	ProtocolVersion = 2

	// CompressionThreshold is the payload size at which compression is attempted
	CompressionThreshold = 512

	// frameHeaderLen is version + type + flags
	frameHeaderLen = 3
)

// Flag bits
const (
	FlagCompressed = 0x01
)

var (
	ErrFrameTooLarge        = errors.New("frame exceeds maximum size (1 MB)")
	ErrInvalidFrameLength   = errors.New("invalid frame length")
	ErrDecompressionFailed  = errors.New("decompression failed")
	ErrInvalidCompressedLen = errors.New("invalid compressed payload length")
)

// Frame is one unit on the wire:
// [Length u32][Version u8][Type u8][Flags u8][Payload]
// Length counts everything after itself.
type Frame struct {
	Version uint8
	Type    uint8
	Flags   uint8
	Payload []byte
}

// CompressPayload LZ4-compresses data behind a 4-byte uncompressed length.
// The second return value is false when compression would not shrink the data,
// in which case data is returned unchanged.
func CompressPayload(data []byte) ([]byte, bool) {
	if len(data) == 0 {
		return data, false
	}

	out := make([]byte, 4+lz4.CompressBlockBound(len(data)))
	binary.BigEndian.PutUint32(out[:4], uint32(len(data)))

	n, err := lz4.CompressBlock(data, out[4:], nil)
	if err != nil || n == 0 || 4+n >= len(data) {
		return data, false
	}
	return out[:4+n], true
}

// DecompressPayload reverses CompressPayload
func DecompressPayload(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, ErrInvalidCompressedLen
	}

	size := binary.BigEndian.Uint32(data[:4])
	if size > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	out := make([]byte, size)
	n, err := lz4.UncompressBlock(data[4:], out)
	if err != nil || n != int(size) {
		return nil, ErrDecompressionFailed
	}
	return out, nil
}

// EncodeFrame writes f to w. Payloads of at least CompressionThreshold bytes
// are compressed when that saves space and the peer can read it.
//
// peerVersion is optional. Without it compression is allowed; with it,
// compression is only used for versions 2..ProtocolVersion.
func EncodeFrame(w io.Writer, f *Frame, peerVersion ...uint8) error {
	payload := f.Payload
	flags := f.Flags

	canCompress := true
	if len(peerVersion) > 0 {
		v := peerVersion[0]
		canCompress = v >= 2 && v <= ProtocolVersion
	}

	if canCompress && len(payload) >= CompressionThreshold && flags&FlagCompressed == 0 {
		if compressed, ok := CompressPayload(payload); ok {
			payload = compressed
			flags |= FlagCompressed
		}
	}

	length := uint32(frameHeaderLen + len(payload))
	if length > MaxFrameSize {
		return ErrFrameTooLarge
	}

	// Header goes out in one write so transports that map writes to
	// messages (WebSocket) see at most two messages per frame.
	var header [4 + frameHeaderLen]byte
	binary.BigEndian.PutUint32(header[:4], length)
	header[4] = f.Version
	header[5] = f.Type
	header[6] = flags
	if _, err := w.Write(header[:]); err != nil {
		return err
	}

	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}

	type flusher interface {
		Flush() error
	}
	if fl, ok := w.(flusher); ok {
		return fl.Flush()
	}
	return nil
}

// DecodeFrame reads one frame from r, decompressing the payload if needed
func DecodeFrame(r io.Reader) (*Frame, error) {
	length, err := ReadUint32(r)
	if err != nil {
		return nil, err
	}
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length < frameHeaderLen {
		return nil, ErrInvalidFrameLength
	}

	var header [frameHeaderLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	payload := make([]byte, length-frameHeaderLen)
	if len(payload) > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
	}

	flags := header[2]
	if flags&FlagCompressed != 0 && len(payload) > 0 {
		payload, err = DecompressPayload(payload)
		if err != nil {
			return nil, err
		}
		flags &^= FlagCompressed
	}

	return &Frame{
		Version: header[0],
		Type:    header[1],
		Flags:   flags,
		Payload: payload,
	}, nil
}

// EncodeMessage builds a complete frame around payload and returns its bytes.
// Used to pre-encode broadcasts once for many recipients.
func EncodeMessage(version, msgType, flags uint8, payload []byte, peerVersion ...uint8) ([]byte, error) {
	var buf bytes.Buffer
	frame := &Frame{Version: version, Type: msgType, Flags: flags, Payload: payload}
	if err := EncodeFrame(&buf, frame, peerVersion...); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeMessage decodes a single frame from data
func DecodeMessage(data []byte) (*Frame, error) {
	return DecodeFrame(bytes.NewReader(data))
}
