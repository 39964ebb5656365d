package mcap

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/stretchr/testify/assert"
)

func encodedUint16(x uint16) []byte {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, x)
	return buf
}

func encodedUint32(x uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, x)
	return buf
}

func encodedUint64(x uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, x)
	return buf
}

func prefixedString(s string) []byte {
	buf := make([]byte, len(s)+4)
	binary.LittleEndian.PutUint32(buf, uint32(len(s)))
	copy(buf[4:], s)
	return buf
}

func prefixedBytes(s []byte) []byte {
	buf := make([]byte, len(s)+4)
	binary.LittleEndian.PutUint32(buf, uint32(len(s)))
	copy(buf[4:], s)
	return buf
}

func flatten(slices ...[]byte) []byte {
	var flattened []byte
	for _, s := range slices {
		flattened = append(flattened, s...)
	}
	return flattened
}

func file(records ...[]byte) []byte {
	var file [][]byte
	file = append(file, Magic)
	file = append(file, records...)
	file = append(file, Magic)
	return flatten(file...)
}

func footer() []byte {
	buf := make([]byte, 9)
	buf[0] = byte(OpFooter)
	return buf
}

func header() []byte {
	buf := make([]byte, 9)
	buf[0] = byte(OpHeader)
	return buf
}

func channelInfo() []byte {
	buf := make([]byte, 9)
	buf[0] = byte(OpChannel)
	return buf
}

func message() []byte {
	buf := make([]byte, 9)
	buf[0] = byte(OpMessage)
	return buf
}

func chunk(t *testing.T, compression CompressionFormat, includeCRC bool, records ...[]byte) []byte {
	data := flatten(records...)
	buf := &bytes.Buffer{}
	switch compression {
	case CompressionZSTD:
		w, err := zstd.NewWriter(buf)
		if err != nil {
			t.Errorf("failed to create zstd writer: %s", err)
		}
		_, err = io.Copy(w, bytes.NewReader(data))
		assert.Nil(t, err)
		w.Close()
	case CompressionLZ4:
		w := lz4.NewWriter(buf)
		_, err := io.Copy(w, bytes.NewReader(data))
		assert.Nil(t, err)
		w.Close()
	default:
		_, err := buf.Write(data) // CompressionNone or unrecognized
		assert.Nil(t, err)
	}
	var crc uint32
	if includeCRC {
		crc = crc32.ChecksumIEEE(data)
	}
	return EncodeRecord(nil, &Chunk{
		MessageStartTime: 0,
		MessageEndTime:   1e9,
		UncompressedSize: uint64(len(data)),
		UncompressedCRC:  crc,
		Compression:      compression,
		Records:          buf.Bytes(),
	})
}

func record(op OpCode) []byte {
	buf := make([]byte, 9)
	buf[0] = byte(op)
	return buf
}

func attachment() []byte {
	buf := make([]byte, 9)
	buf[0] = byte(OpAttachment)
	return buf
}

// loadSummaryFromBytes drives a SummaryLoader against an in-memory file,
// resolving each SeekRequest/NeedBytes event against data directly rather
// than through any I/O abstraction.
func loadSummaryFromBytes(t *testing.T, data []byte) *Summary {
	t.Helper()
	loader := NewSummaryLoader(true)
	pos := int64(0)
	for {
		ev, err := loader.NextEvent(int64(len(data)))
		if err != nil {
			t.Fatalf("summary load: %s", err)
		}
		switch ev.Kind {
		case SummaryDone:
			return ev.Summary
		case SummarySeekRequest:
			pos = ev.Position
			loader.NotifySeekComplete()
		case SummaryNeedBytes:
			dst := loader.Insert(ev.Need)
			n := copy(dst, data[pos:])
			pos += int64(n)
			loader.NotifyRead(n)
		}
	}
}

// readAllIndexed drains ir, fulfilling IndexedNeedChunk requests by slicing
// directly out of the in-memory file data.
func readAllIndexed(t *testing.T, ir *IndexedReader, data []byte) []*IndexedMessageEvent {
	t.Helper()
	var out []*IndexedMessageEvent
	for {
		ev, err := ir.NextEvent()
		if err != nil {
			t.Fatalf("indexed read: %s", err)
		}
		switch ev.Kind {
		case IndexedDone:
			return out
		case IndexedNeedChunk:
			chunkData := data[ev.Offset : ev.Offset+ev.Length]
			if err := ir.InsertChunkData(ev.Offset, chunkData); err != nil {
				t.Fatalf("insert chunk data: %s", err)
			}
		case IndexedMessage:
			out = append(out, ev.Message)
		}
	}
}

// feedAll drives lr with data in one shot, marking EOF once it has all been
// delivered, and returns every Event up to and including the first error or
// the reader reaching its terminal stateDone.
func feedAll(t *testing.T, lr *LinearReader, data []byte) []Event {
	t.Helper()
	var events []Event
	fed := false
	for {
		if lr.state == stateDone {
			return events
		}
		ev, err := lr.NextEvent()
		if err != nil {
			events = append(events, ev)
			return events
		}
		if ev.Kind == EventNeedBytes && ev.Record == nil {
			if fed {
				lr.NotifyRead(0)
				continue
			}
			dst := lr.Insert(len(data))
			n := copy(dst, data)
			lr.NotifyRead(n)
			fed = true
			continue
		}
		events = append(events, ev)
	}
}
