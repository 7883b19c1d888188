package protocol

import (
	"encoding/binary"
	"errors"
	"io"
)

var (
	ErrStringTooLong = errors.New("string exceeds maximum length (65535 bytes)")
	ErrBlobTooLarge  = errors.New("blob exceeds maximum frame size")
	ErrListTooLong   = errors.New("list exceeds maximum length (65535 entries)")
)

// WriteUint8 writes a single byte
func WriteUint8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return err
}

// WriteUint16 writes a big-endian uint16
func WriteUint16(w io.Writer, v uint16) error {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

// WriteUint32 writes a big-endian uint32
func WriteUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

// WriteUint64 writes a big-endian uint64
func WriteUint64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

// WriteInt64 writes a big-endian int64 (two's complement)
func WriteInt64(w io.Writer, v int64) error {
	return WriteUint64(w, uint64(v))
}

// WriteBool writes a bool as a single byte (0x00 or 0x01)
func WriteBool(w io.Writer, v bool) error {
	if v {
		return WriteUint8(w, 1)
	}
	return WriteUint8(w, 0)
}

// WriteString writes a string prefixed with its uint16 length
func WriteString(w io.Writer, s string) error {
	if len(s) > 0xFFFF {
		return ErrStringTooLong
	}
	if err := WriteUint16(w, uint16(len(s))); err != nil {
		return err
	}
	if len(s) == 0 {
		return nil
	}
	_, err := io.WriteString(w, s)
	return err
}

// WriteBytes writes an opaque blob prefixed with its uint32 length
func WriteBytes(w io.Writer, b []byte) error {
	if len(b) > MaxFrameSize {
		return ErrBlobTooLarge
	}
	if err := WriteUint32(w, uint32(len(b))); err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}
	_, err := w.Write(b)
	return err
}

// WriteStringList writes a uint16 count followed by that many strings
func WriteStringList(w io.Writer, list []string) error {
	if len(list) > 0xFFFF {
		return ErrListTooLong
	}
	if err := WriteUint16(w, uint16(len(list))); err != nil {
		return err
	}
	for _, s := range list {
		if err := WriteString(w, s); err != nil {
			return err
		}
	}
	return nil
}

// ReadUint8 reads a single byte
func ReadUint8(r io.Reader) (uint8, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// ReadUint16 reads a big-endian uint16
func ReadUint16(r io.Reader) (uint16, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(buf[:]), nil
}

// ReadUint32 reads a big-endian uint32
func ReadUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// ReadUint64 reads a big-endian uint64
func ReadUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// ReadInt64 reads a big-endian int64
func ReadInt64(r io.Reader) (int64, error) {
	v, err := ReadUint64(r)
	return int64(v), err
}

// ReadBool reads a single-byte bool. Any non-zero byte is true.
func ReadBool(r io.Reader) (bool, error) {
	v, err := ReadUint8(r)
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// ReadString reads a uint16-length-prefixed string
func ReadString(r io.Reader) (string, error) {
	n, err := ReadUint16(r)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// ReadBytes reads a uint32-length-prefixed blob
func ReadBytes(r io.Reader) ([]byte, error) {
	n, err := ReadUint32(r)
	if err != nil {
		return nil, err
	}
	if n > MaxFrameSize {
		return nil, ErrBlobTooLarge
	}
	buf := make([]byte, n)
	if n == 0 {
		return buf, nil
	}
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadStringList reads a uint16 count followed by that many strings
func ReadStringList(r io.Reader) ([]string, error) {
	n, err := ReadUint16(r)
	if err != nil {
		return nil, err
	}
	list := make([]string, 0, n)
	for i := 0; i < int(n); i++ {
		s, err := ReadString(r)
		if err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, nil
}
