package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeFrame(t *testing.T) {
	tests := []struct {
		name    string
		frame   Frame
		wantErr error
	}{
		{
			name:  "empty payload",
			frame: Frame{Version: ProtocolVersion, Type: TypeLogout, Payload: []byte{}},
		},
		{
			name:  "small payload",
			frame: Frame{Version: ProtocolVersion, Type: TypeJoinGroup, Payload: []byte{0x00, 0x04, 'M', 'a', 'i', 'n'}},
		},
		{
			name:  "largest payload that fits",
			frame: Frame{Version: ProtocolVersion, Type: TypeSetAttribute, Payload: make([]byte, MaxFrameSize-3)},
		},
		{
			name: "oversized payload",
			// Already-compressed flag skips the compression attempt
			frame:   Frame{Version: ProtocolVersion, Type: TypeSetAttribute, Flags: FlagCompressed, Payload: make([]byte, MaxFrameSize)},
			wantErr: ErrFrameTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := new(bytes.Buffer)
			err := EncodeFrame(buf, &tt.frame)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)

			decoded, err := DecodeFrame(buf)
			require.NoError(t, err)
			assert.Equal(t, tt.frame.Version, decoded.Version)
			assert.Equal(t, tt.frame.Type, decoded.Type)
			assert.Equal(t, tt.frame.Flags, decoded.Flags)
			assert.Equal(t, len(tt.frame.Payload), len(decoded.Payload))
			assert.True(t, bytes.Equal(tt.frame.Payload, decoded.Payload))
		})
	}
}

func TestDecodeFrameErrors(t *testing.T) {
	t.Run("empty buffer", func(t *testing.T) {
		_, err := DecodeFrame(bytes.NewReader(nil))
		assert.Error(t, err)
	})

	t.Run("oversized length", func(t *testing.T) {
		buf := new(bytes.Buffer)
		require.NoError(t, WriteUint32(buf, MaxFrameSize+1))

		_, err := DecodeFrame(buf)
		assert.Equal(t, ErrFrameTooLarge, err)
	})

	t.Run("length shorter than header", func(t *testing.T) {
		buf := new(bytes.Buffer)
		require.NoError(t, WriteUint32(buf, 2))

		_, err := DecodeFrame(buf)
		assert.Equal(t, ErrInvalidFrameLength, err)
	})

	t.Run("truncated header", func(t *testing.T) {
		buf := new(bytes.Buffer)
		require.NoError(t, WriteUint32(buf, 3))
		require.NoError(t, WriteUint8(buf, ProtocolVersion))

		_, err := DecodeFrame(buf)
		assert.Error(t, err)
	})

	t.Run("truncated payload", func(t *testing.T) {
		buf := new(bytes.Buffer)
		require.NoError(t, WriteUint32(buf, 10))
		buf.Write([]byte{ProtocolVersion, TypePing, 0, 0x01, 0x02})

		_, err := DecodeFrame(buf)
		assert.Error(t, err)
	})

	t.Run("compressed flag with garbage payload", func(t *testing.T) {
		buf := new(bytes.Buffer)
		require.NoError(t, WriteUint32(buf, 3+6))
		buf.Write([]byte{ProtocolVersion, TypePing, FlagCompressed, 0x00, 0x00, 0x00, 0x40, 0xFF, 0xFF})

		_, err := DecodeFrame(buf)
		assert.Error(t, err)
	})
}

func TestEncodeMessage(t *testing.T) {
	payload := []byte("lobby")
	data, err := EncodeMessage(ProtocolVersion, TypeGroupCreated, 0, payload)
	require.NoError(t, err)

	frame, err := DecodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, uint8(ProtocolVersion), frame.Version)
	assert.Equal(t, uint8(TypeGroupCreated), frame.Type)
	assert.Equal(t, uint8(0), frame.Flags)
	assert.Equal(t, payload, frame.Payload)
}

func TestEncodeFrameSingleHeaderWrite(t *testing.T) {
	w := &countingWriter{}
	frame := &Frame{Version: ProtocolVersion, Type: TypePing, Payload: []byte{1, 2, 3}}
	require.NoError(t, EncodeFrame(w, frame))

	// Header and payload: two writes
	assert.Equal(t, 2, w.writes)
	assert.Equal(t, 4+3+3, w.n)
}

func TestCompressPayload(t *testing.T) {
	t.Run("compressible data shrinks", func(t *testing.T) {
		data := bytes.Repeat([]byte("attribute "), 200)
		compressed, ok := CompressPayload(data)
		require.True(t, ok)
		assert.Less(t, len(compressed), len(data))

		restored, err := DecompressPayload(compressed)
		require.NoError(t, err)
		assert.Equal(t, data, restored)
	})

	t.Run("empty data is left alone", func(t *testing.T) {
		out, ok := CompressPayload(nil)
		assert.False(t, ok)
		assert.Empty(t, out)
	})

	t.Run("short random data is left alone", func(t *testing.T) {
		data := []byte{0x91, 0x3A, 0x07, 0xEE}
		out, ok := CompressPayload(data)
		assert.False(t, ok)
		assert.Equal(t, data, out)
	})
}

func TestDecompressPayloadErrors(t *testing.T) {
	_, err := DecompressPayload([]byte{0x00, 0x01})
	assert.Equal(t, ErrInvalidCompressedLen, err)

	tooBig := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0x00}
	_, err = DecompressPayload(tooBig)
	assert.Equal(t, ErrFrameTooLarge, err)
}

func TestVersionAwareCompression(t *testing.T) {
	payload := bytes.Repeat([]byte("group broadcast "), 100)

	tests := []struct {
		name         string
		peer         []uint8
		wantCompress bool
	}{
		{name: "no peer version", peer: nil, wantCompress: true},
		{name: "v1 peer", peer: []uint8{1}, wantCompress: false},
		{name: "current peer", peer: []uint8{ProtocolVersion}, wantCompress: true},
		{name: "future peer", peer: []uint8{ProtocolVersion + 1}, wantCompress: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			frame := &Frame{Version: ProtocolVersion, Type: TypeGroupBroadcast, Payload: payload}
			require.NoError(t, EncodeFrame(&buf, frame, tt.peer...))

			raw := buf.Bytes()
			assert.Equal(t, tt.wantCompress, raw[6]&FlagCompressed != 0)

			decoded, err := DecodeFrame(&buf)
			require.NoError(t, err)
			assert.Equal(t, payload, decoded.Payload)
			assert.Zero(t, decoded.Flags&FlagCompressed)
		})
	}
}

type countingWriter struct {
	writes int
	n      int
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.writes++
	w.n += len(p)
	return len(p), nil
}
