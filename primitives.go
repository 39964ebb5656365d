package mcap

import (
	"encoding/binary"
	"unicode/utf8"
)

// getByte, getUintN and putUintN read/write fixed-width little-endian
// primitives at a given offset, returning the offset immediately following
// the field. The getters never allocate.

func getByte(buf []byte, offset int) (byte, int, error) {
	if offset < 0 || offset+1 > len(buf) {
		return 0, offset, ErrDataTooShort
	}
	return buf[offset], offset + 1, nil
}

func getUint16At(buf []byte, offset int) (uint16, int, error) {
	if offset < 0 || offset+2 > len(buf) {
		return 0, offset, ErrDataTooShort
	}
	return binary.LittleEndian.Uint16(buf[offset:]), offset + 2, nil
}

func getUint32At(buf []byte, offset int) (uint32, int, error) {
	if offset < 0 || offset+4 > len(buf) {
		return 0, offset, ErrDataTooShort
	}
	return binary.LittleEndian.Uint32(buf[offset:]), offset + 4, nil
}

func getUint64At(buf []byte, offset int) (uint64, int, error) {
	if offset < 0 || offset+8 > len(buf) {
		return 0, offset, ErrDataTooShort
	}
	return binary.LittleEndian.Uint64(buf[offset:]), offset + 8, nil
}

// getString reads a u32le-length-prefixed UTF-8 string.
func getString(buf []byte, offset int) (string, int, error) {
	n, offset, err := getUint32At(buf, offset)
	if err != nil {
		return "", offset, err
	}
	end := offset + int(n)
	if end < offset || end > len(buf) {
		return "", offset, ErrDataTooShort
	}
	s := buf[offset:end]
	if !utf8.Valid(s) {
		return "", offset, ErrBadString
	}
	return string(s), end, nil
}

// getBytes reads a u32le-length-prefixed byte array (the "short" form used
// by Schema.data and similar fields outside Attachment/Chunk).
func getBytes(buf []byte, offset int) ([]byte, int, error) {
	n, offset, err := getUint32At(buf, offset)
	if err != nil {
		return nil, offset, err
	}
	end := offset + int(n)
	if end < offset || end > len(buf) {
		return nil, offset, ErrDataTooShort
	}
	return buf[offset:end], end, nil
}

// getLongBytes reads a u64le-length-prefixed byte array, used only by
// Attachment.data and Chunk.compressed_data.
func getLongBytes(buf []byte, offset int) ([]byte, int, error) {
	n, offset, err := getUint64At(buf, offset)
	if err != nil {
		return nil, offset, err
	}
	end := offset + int(n)
	if end < offset || uint64(end) < n || end > len(buf) {
		return nil, offset, ErrDataTooShort
	}
	return buf[offset:end], end, nil
}

// getStringMap reads a u32le-byte-length-bracketed sequence of (String,
// String) pairs.
func getStringMap(buf []byte, offset int) (map[string]string, int, error) {
	byteLen, offset, err := getUint32At(buf, offset)
	if err != nil {
		return nil, offset, err
	}
	end := offset + int(byteLen)
	if end < offset || end > len(buf) {
		return nil, offset, ErrDataTooShort
	}
	m := make(map[string]string)
	cursor := offset
	for cursor < end {
		var k, v string
		k, cursor, err = getString(buf, cursor)
		if err != nil {
			return nil, cursor, err
		}
		v, cursor, err = getString(buf, cursor)
		if err != nil {
			return nil, cursor, err
		}
		m[k] = v
	}
	if cursor != end {
		return nil, cursor, ErrDataTooShort
	}
	return m, end, nil
}

// getUint16Uint64Map reads a u32le-byte-length-bracketed sequence of (u16,
// u64) pairs, used by Statistics.channel_message_counts and
// ChunkIndex.message_index_offsets.
func getUint16Uint64Map(buf []byte, offset int) (map[uint16]uint64, int, error) {
	byteLen, offset, err := getUint32At(buf, offset)
	if err != nil {
		return nil, offset, err
	}
	end := offset + int(byteLen)
	if end < offset || end > len(buf) {
		return nil, offset, ErrDataTooShort
	}
	m := make(map[uint16]uint64)
	cursor := offset
	for cursor < end {
		var k uint16
		var v uint64
		k, cursor, err = getUint16At(buf, cursor)
		if err != nil {
			return nil, cursor, err
		}
		v, cursor, err = getUint64At(buf, cursor)
		if err != nil {
			return nil, cursor, err
		}
		m[k] = v
	}
	if cursor != end {
		return nil, cursor, ErrDataTooShort
	}
	return m, end, nil
}

// Append-style encoders. Each appends its field to dst and returns the
// extended slice, mirroring the teacher's writer.go idiom of growing a
// scratch buffer.

func putUint16(dst []byte, x uint16) []byte {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], x)
	return append(dst, b[:]...)
}

func putUint32(dst []byte, x uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], x)
	return append(dst, b[:]...)
}

func putUint64(dst []byte, x uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], x)
	return append(dst, b[:]...)
}

func putString(dst []byte, s string) []byte {
	dst = putUint32(dst, uint32(len(s)))
	return append(dst, s...)
}

func putBytes(dst []byte, b []byte) []byte {
	dst = putUint32(dst, uint32(len(b)))
	return append(dst, b...)
}

func putLongBytes(dst []byte, b []byte) []byte {
	dst = putUint64(dst, uint64(len(b)))
	return append(dst, b...)
}

func putStringMap(dst []byte, m map[string]string) []byte {
	lenOffset := len(dst)
	dst = putUint32(dst, 0)
	start := len(dst)
	for k, v := range m {
		dst = putString(dst, k)
		dst = putString(dst, v)
	}
	binary.LittleEndian.PutUint32(dst[lenOffset:], uint32(len(dst)-start))
	return dst
}

func putUint16Uint64Map(dst []byte, m map[uint16]uint64) []byte {
	lenOffset := len(dst)
	dst = putUint32(dst, 0)
	start := len(dst)
	for k, v := range m {
		dst = putUint16(dst, k)
		dst = putUint64(dst, v)
	}
	binary.LittleEndian.PutUint32(dst[lenOffset:], uint32(len(dst)-start))
	return dst
}
