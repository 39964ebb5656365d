package mcap

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinearReaderBadMagic(t *testing.T) {
	lr := NewLinearReader()
	events := feedAll(t, lr, []byte{0, 1, 2, 3, 4, 5, 6, 7})
	require.Len(t, events, 1)
	_, err := lr.NextEvent()
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestLinearReaderMinimalFile(t *testing.T) {
	header := EncodeRecord(nil, &Header{Profile: "p", Library: "l"})
	footer := EncodeRecord(nil, &Footer{})
	data := file(header, footer)

	lr := NewLinearReader()
	events := feedAll(t, lr, data)

	var opcodes []OpCode
	for _, ev := range events {
		opcodes = append(opcodes, ev.Opcode)
	}
	assert.Equal(t, []OpCode{OpHeader, OpFooter}, opcodes)
	assert.IsType(t, &Header{}, events[0].Record)
	assert.IsType(t, &Footer{}, events[1].Record)
}

func TestLinearReaderEmitChunksYieldsRawChunk(t *testing.T) {
	inner := EncodeRecord(nil, &Message{ChannelID: 1, Sequence: 1, LogTime: 5, PublishTime: 5, Data: []byte{1, 2}})
	chunkBytes := chunk(t, CompressionNone, true, inner)
	data := file(EncodeRecord(nil, &Header{}), chunkBytes, EncodeRecord(nil, &Footer{}))

	lr := NewLinearReader(WithEmitChunks())
	events := feedAll(t, lr, data)

	var opcodes []OpCode
	for _, ev := range events {
		opcodes = append(opcodes, ev.Opcode)
	}
	assert.Equal(t, []OpCode{OpHeader, OpChunk, OpFooter}, opcodes)
	assert.IsType(t, &Chunk{}, events[1].Record)
}

func TestLinearReaderDecompressesAndStreamsChunkContents(t *testing.T) {
	msg := &Message{ChannelID: 1, Sequence: 1, LogTime: 5, PublishTime: 5, Data: []byte{9, 9}}
	inner := EncodeRecord(nil, msg)
	chunkBytes := chunk(t, CompressionNone, true, inner)
	data := file(EncodeRecord(nil, &Header{}), chunkBytes, EncodeRecord(nil, &Footer{}))

	lr := NewLinearReader(WithValidateChunkCRCs())
	events := feedAll(t, lr, data)

	var opcodes []OpCode
	for _, ev := range events {
		opcodes = append(opcodes, ev.Opcode)
	}
	assert.Equal(t, []OpCode{OpHeader, OpMessage, OpFooter}, opcodes)
	assert.Equal(t, msg, events[1].Record)
}

func TestLinearReaderDecompressesZSTDChunk(t *testing.T) {
	inner := EncodeRecord(nil, &Message{ChannelID: 1, Sequence: 1, LogTime: 5, PublishTime: 5, Data: []byte{7}})
	chunkBytes := chunk(t, CompressionZSTD, true, inner)
	data := file(EncodeRecord(nil, &Header{}), chunkBytes, EncodeRecord(nil, &Footer{}))

	lr := NewLinearReader(WithValidateChunkCRCs())
	events := feedAll(t, lr, data)
	require.Len(t, events, 3)
	assert.Equal(t, OpMessage, events[1].Opcode)
	assert.Equal(t, OpFooter, events[2].Opcode)
}

// TestLinearReaderWriterRoundTrip builds a chunked, indexed file with the
// Writer and re-reads it with CRC validation enabled on every granularity,
// exercising exactly the data-end/footer CRC accounting the reader and writer
// must agree on.
func TestLinearReaderWriterRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, NewWriterOptions())
	require.NoError(t, err)

	schemaID, err := w.AddSchema(&Schema{Name: "s", Encoding: "e", Data: []byte("x")})
	require.NoError(t, err)
	channelID, err := w.AddChannel(&Channel{SchemaID: schemaID, Topic: "/t", MessageEncoding: "raw"})
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		require.NoError(t, w.WriteMessage(&Message{
			ChannelID:   channelID,
			Sequence:    uint32(i),
			LogTime:     uint64(i),
			PublishTime: uint64(i),
			Data:        []byte{byte(i)},
		}))
	}
	require.NoError(t, w.Close())

	lr := NewLinearReader(
		WithValidateChunkCRCs(),
		WithValidateDataSectionCRC(),
		WithValidateSummarySectionCRC(),
		WithCheckFinishesAfterEndMagic(),
	)
	events := feedAll(t, lr, buf.Bytes())

	messageCount := 0
	var sawDataEnd, sawFooter bool
	for _, ev := range events {
		switch ev.Opcode {
		case OpMessage:
			messageCount++
		case OpDataEnd:
			sawDataEnd = true
		case OpFooter:
			sawFooter = true
		}
	}
	assert.Equal(t, 50, messageCount)
	assert.True(t, sawDataEnd, "expected a DataEnd event")
	assert.True(t, sawFooter, "expected a Footer event")
}

func TestLinearReaderUnexpectedEOFMidRecord(t *testing.T) {
	header := EncodeRecord(nil, &Header{Profile: "p", Library: "l"})
	truncated := append(append([]byte(nil), Magic...), header[:len(header)-1]...)

	lr := NewLinearReader()
	dst := lr.Insert(len(truncated))
	n := copy(dst, truncated)
	lr.NotifyRead(n)
	lr.NotifyRead(0) // EOF with a record still incomplete

	_, err := lr.NextEvent()
	assert.ErrorIs(t, err, ErrUnexpectedEOF)
}
