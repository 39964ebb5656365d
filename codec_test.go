package mcap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeParseRoundTrip(t *testing.T) {
	cases := []Record{
		&Header{Profile: "ros1", Library: "test"},
		&Footer{SummaryStart: 100, SummaryOffsetStart: 200, SummaryCRC: 0xdeadbeef},
		&Schema{ID: 1, Name: "std_msgs/String", Encoding: "ros1msg", Data: []byte("string data")},
		&Channel{ID: 1, SchemaID: 1, Topic: "/chatter", MessageEncoding: "ros1", Metadata: map[string]string{"k": "v"}},
		&Message{ChannelID: 1, Sequence: 5, LogTime: 10, PublishTime: 11, Data: []byte{1, 2, 3}},
		&MessageIndex{ChannelID: 1, Records: []MessageIndexEntry{{Timestamp: 1, Offset: 0}, {Timestamp: 2, Offset: 20}}},
		&ChunkIndex{
			MessageStartTime: 1, MessageEndTime: 2, ChunkStartOffset: 8, ChunkLength: 40,
			MessageIndexOffsets: map[uint16]uint64{1: 48}, MessageIndexLength: 30,
			Compression: CompressionZSTD, CompressedSize: 20, UncompressedSize: 40,
		},
		&Attachment{LogTime: 1, CreateTime: 2, Name: "a.bin", MediaType: "application/octet-stream", Data: []byte{1, 2}},
		&AttachmentIndex{Offset: 0, Length: 10, LogTime: 1, CreateTime: 2, DataSize: 2, Name: "a.bin", MediaType: "application/octet-stream"},
		&Statistics{MessageCount: 1, SchemaCount: 1, ChannelCount: 1, MessageStartTime: 1, MessageEndTime: 2, ChannelMessageCounts: map[uint16]uint64{1: 1}},
		&Metadata{Name: "meta", Metadata: map[string]string{"k": "v"}},
		&MetadataIndex{Offset: 0, Length: 10, Name: "meta"},
		&SummaryOffset{GroupOpcode: OpSchema, GroupStart: 9, GroupLength: 30},
		&DataEnd{DataSectionCRC: 0x12345678},
	}
	for _, rec := range cases {
		buf := EncodeRecord(nil, rec)
		opcode := OpCode(buf[0])
		length, _, err := getUint64At(buf, 1)
		require.NoError(t, err)
		assert.Equal(t, rec.Opcode(), opcode)
		body := buf[9:]
		assert.Len(t, body, int(length))
		parsed, err := ParseRecord(opcode, body)
		require.NoError(t, err)
		assert.Equal(t, rec, parsed)
	}
}

func TestEncodeParseRoundTripChunk(t *testing.T) {
	c := &Chunk{
		MessageStartTime: 1,
		MessageEndTime:   2,
		UncompressedSize: 3,
		UncompressedCRC:  0,
		Compression:      CompressionNone,
		Records:          []byte{1, 2, 3},
	}
	buf := EncodeRecord(nil, c)
	parsed, err := ParseRecord(OpChunk, buf[9:])
	require.NoError(t, err)
	assert.Equal(t, c, parsed)
}

func TestParseRecordZeroAndReservedOpcodes(t *testing.T) {
	_, err := ParseRecord(OpInvalid, nil)
	assert.ErrorIs(t, err, ErrInvalidZeroOpcode)

	_, err = ParseRecord(OpCode(0x20), nil)
	assert.ErrorIs(t, err, ErrReservedOpcode)
}

func TestParseRecordPrivateOpcode(t *testing.T) {
	rec, err := ParseRecord(OpCode(0x90), []byte{1, 2, 3})
	require.NoError(t, err)
	unk, ok := rec.(*Unknown)
	require.True(t, ok)
	assert.Equal(t, OpCode(0x90), unk.OpcodeValue)
	assert.Equal(t, []byte{1, 2, 3}, unk.Data)
}

func TestParseHeaderTrailingBytesError(t *testing.T) {
	body := EncodeRecord(nil, &Header{Profile: "p", Library: "l"})[9:]
	body = append(body, 0xff)
	_, err := ParseRecord(OpHeader, body)
	assert.ErrorIs(t, err, ErrRecordTooLong)
}

func TestParseMessageConsumesRemainderWithoutTrailingCheck(t *testing.T) {
	m := &Message{ChannelID: 1, Sequence: 1, LogTime: 1, PublishTime: 1, Data: []byte{9, 9, 9}}
	body := EncodeRecord(nil, m)[9:]
	parsed, err := ParseRecord(OpMessage, body)
	require.NoError(t, err)
	assert.Equal(t, m, parsed)
}

func TestParseSchemaBadLength(t *testing.T) {
	body := flatten(encodedUint16(1), prefixedString("name"), prefixedString("enc"), encodedUint32(1000))
	_, err := ParseRecord(OpSchema, body)
	var badLen *ErrBadSchemaLength
	assert.ErrorAs(t, err, &badLen)
}

func TestParseSchemaZeroIDRejected(t *testing.T) {
	body := flatten(encodedUint16(0), prefixedString("name"), prefixedString("enc"), encodedUint32(0))
	_, err := ParseRecord(OpSchema, body)
	assert.ErrorIs(t, err, ErrInvalidZeroSchemaID)
}

func TestParseAttachmentBadCRC(t *testing.T) {
	a := &Attachment{LogTime: 1, CreateTime: 2, Name: "a", MediaType: "b", Data: []byte{1, 2, 3}, CRC: 0xffffffff}
	body := EncodeRecord(nil, a)[9:]
	_, err := ParseRecord(OpAttachment, body)
	var badCrc *ErrBadAttachmentCrc
	assert.ErrorAs(t, err, &badCrc)
}

func TestParseFooterRequiresExactLength(t *testing.T) {
	_, err := parseFooter(make([]byte, 19))
	assert.ErrorIs(t, err, ErrDataTooShort)
}
