package mcap

import (
	"encoding/binary"
	"hash/crc32"
)

// ParseRecord decodes a single record body given its opcode. body is the
// bytes strictly between the length prefix and the next record; trailing
// bytes left over after a record's declared fields are a hard error for
// every kind except Message (whose data field consumes the remainder of the
// body by definition) and Unknown (opaque by definition).
func ParseRecord(opcode OpCode, body []byte) (Record, error) {
	switch {
	case opcode == OpInvalid:
		return nil, ErrInvalidZeroOpcode
	case opcode.isReserved():
		return nil, ErrReservedOpcode
	case opcode.isPrivate():
		return &Unknown{OpcodeValue: opcode, Data: append([]byte(nil), body...)}, nil
	}

	switch opcode {
	case OpHeader:
		return parseHeader(body)
	case OpFooter:
		return parseFooter(body)
	case OpSchema:
		return parseSchema(body)
	case OpChannel:
		return parseChannel(body)
	case OpMessage:
		return parseMessage(body)
	case OpChunk:
		return parseChunk(body)
	case OpMessageIndex:
		return parseMessageIndex(body)
	case OpChunkIndex:
		return parseChunkIndex(body)
	case OpAttachment:
		return parseAttachment(body)
	case OpAttachmentIndex:
		return parseAttachmentIndex(body)
	case OpStatistics:
		return parseStatistics(body)
	case OpMetadata:
		return parseMetadata(body)
	case OpMetadataIndex:
		return parseMetadataIndex(body)
	case OpSummaryOffset:
		return parseSummaryOffset(body)
	case OpDataEnd:
		return parseDataEnd(body)
	default:
		return nil, ErrInvalidZeroOpcode
	}
}

// requireExhausted returns RecordTooLong when cursor has not reached the end
// of body - used by every fixed-shape record parser (everything except
// Message and Unknown).
func requireExhausted(opcode OpCode, body []byte, cursor int) error {
	if cursor != len(body) {
		return ErrRecordTooLong
	}
	return nil
}

func parseHeader(body []byte) (*Header, error) {
	profile, n, err := getString(body, 0)
	if err != nil {
		return nil, err
	}
	library, n, err := getString(body, n)
	if err != nil {
		return nil, err
	}
	if err := requireExhausted(OpHeader, body, n); err != nil {
		return nil, err
	}
	return &Header{Profile: profile, Library: library}, nil
}

func parseFooter(body []byte) (*Footer, error) {
	if len(body) != 20 {
		return nil, ErrDataTooShort
	}
	summaryStart, n, err := getUint64At(body, 0)
	if err != nil {
		return nil, err
	}
	summaryOffsetStart, n, err := getUint64At(body, n)
	if err != nil {
		return nil, err
	}
	summaryCRC, n, err := getUint32At(body, n)
	if err != nil {
		return nil, err
	}
	if err := requireExhausted(OpFooter, body, n); err != nil {
		return nil, err
	}
	return &Footer{
		SummaryStart:       summaryStart,
		SummaryOffsetStart: summaryOffsetStart,
		SummaryCRC:         summaryCRC,
	}, nil
}

func parseSchema(body []byte) (*Schema, error) {
	id, n, err := getUint16At(body, 0)
	if err != nil {
		return nil, err
	}
	if id == 0 {
		return nil, ErrInvalidZeroSchemaID
	}
	name, n, err := getString(body, n)
	if err != nil {
		return nil, err
	}
	encoding, n, err := getString(body, n)
	if err != nil {
		return nil, err
	}
	declared, dataStart, err := getUint32At(body, n)
	if err != nil {
		return nil, err
	}
	if dataStart+int(declared) > len(body) {
		return nil, &ErrBadSchemaLength{Declared: uint64(declared), Available: uint64(len(body) - dataStart)}
	}
	data, n, err := getBytes(body, n)
	if err != nil {
		return nil, err
	}
	if err := requireExhausted(OpSchema, body, n); err != nil {
		return nil, err
	}
	return &Schema{ID: id, Name: name, Encoding: encoding, Data: append([]byte(nil), data...)}, nil
}

func parseChannel(body []byte) (*Channel, error) {
	id, n, err := getUint16At(body, 0)
	if err != nil {
		return nil, err
	}
	schemaID, n, err := getUint16At(body, n)
	if err != nil {
		return nil, err
	}
	topic, n, err := getString(body, n)
	if err != nil {
		return nil, err
	}
	messageEncoding, n, err := getString(body, n)
	if err != nil {
		return nil, err
	}
	metadata, n, err := getStringMap(body, n)
	if err != nil {
		return nil, err
	}
	if err := requireExhausted(OpChannel, body, n); err != nil {
		return nil, err
	}
	return &Channel{
		ID:              id,
		SchemaID:        schemaID,
		Topic:           topic,
		MessageEncoding: messageEncoding,
		Metadata:        metadata,
	}, nil
}

// parseMessage does not enforce requireExhausted: Data is defined to consume
// the remainder of the body.
func parseMessage(body []byte) (*Message, error) {
	channelID, n, err := getUint16At(body, 0)
	if err != nil {
		return nil, err
	}
	sequence, n, err := getUint32At(body, n)
	if err != nil {
		return nil, err
	}
	logTime, n, err := getUint64At(body, n)
	if err != nil {
		return nil, err
	}
	publishTime, n, err := getUint64At(body, n)
	if err != nil {
		return nil, err
	}
	return &Message{
		ChannelID:   channelID,
		Sequence:    sequence,
		LogTime:     logTime,
		PublishTime: publishTime,
		Data:        body[n:],
	}, nil
}

func parseChunk(body []byte) (*Chunk, error) {
	startTime, n, err := getUint64At(body, 0)
	if err != nil {
		return nil, err
	}
	endTime, n, err := getUint64At(body, n)
	if err != nil {
		return nil, err
	}
	uncompressedSize, n, err := getUint64At(body, n)
	if err != nil {
		return nil, err
	}
	uncompressedCRC, n, err := getUint32At(body, n)
	if err != nil {
		return nil, err
	}
	compression, n, err := getString(body, n)
	if err != nil {
		return nil, err
	}
	declared, recordsStart, err := getUint64At(body, n)
	if err != nil {
		return nil, err
	}
	if declared > uint64(len(body)-recordsStart) {
		return nil, &ErrBadChunkLength{Declared: declared, Available: uint64(len(body) - recordsStart)}
	}
	records, n, err := getLongBytes(body, n)
	if err != nil {
		return nil, err
	}
	if err := requireExhausted(OpChunk, body, n); err != nil {
		return nil, err
	}
	return &Chunk{
		MessageStartTime: startTime,
		MessageEndTime:   endTime,
		UncompressedSize: uncompressedSize,
		UncompressedCRC:  uncompressedCRC,
		Compression:      CompressionFormat(compression),
		Records:          records,
	}, nil
}

func parseMessageIndex(body []byte) (*MessageIndex, error) {
	channelID, n, err := getUint16At(body, 0)
	if err != nil {
		return nil, err
	}
	byteLen, recordsStart, err := getUint32At(body, n)
	if err != nil {
		return nil, err
	}
	end := recordsStart + int(byteLen)
	if end > len(body) {
		return nil, ErrDataTooShort
	}
	var entries []MessageIndexEntry
	cursor := recordsStart
	for cursor < end {
		var ts, off uint64
		ts, cursor, err = getUint64At(body, cursor)
		if err != nil {
			return nil, err
		}
		off, cursor, err = getUint64At(body, cursor)
		if err != nil {
			return nil, err
		}
		entries = append(entries, MessageIndexEntry{Timestamp: ts, Offset: off})
	}
	if err := requireExhausted(OpMessageIndex, body, cursor); err != nil {
		return nil, err
	}
	return &MessageIndex{ChannelID: channelID, Records: entries}, nil
}

func parseChunkIndex(body []byte) (*ChunkIndex, error) {
	startTime, n, err := getUint64At(body, 0)
	if err != nil {
		return nil, err
	}
	endTime, n, err := getUint64At(body, n)
	if err != nil {
		return nil, err
	}
	chunkStartOffset, n, err := getUint64At(body, n)
	if err != nil {
		return nil, err
	}
	chunkLength, n, err := getUint64At(body, n)
	if err != nil {
		return nil, err
	}
	offsets, n, err := getUint16Uint64Map(body, n)
	if err != nil {
		return nil, err
	}
	messageIndexLength, n, err := getUint64At(body, n)
	if err != nil {
		return nil, err
	}
	compression, n, err := getString(body, n)
	if err != nil {
		return nil, err
	}
	compressedSize, n, err := getUint64At(body, n)
	if err != nil {
		return nil, err
	}
	uncompressedSize, n, err := getUint64At(body, n)
	if err != nil {
		return nil, err
	}
	if err := requireExhausted(OpChunkIndex, body, n); err != nil {
		return nil, err
	}
	return &ChunkIndex{
		MessageStartTime:    startTime,
		MessageEndTime:      endTime,
		ChunkStartOffset:    chunkStartOffset,
		ChunkLength:         chunkLength,
		MessageIndexOffsets: offsets,
		MessageIndexLength:  messageIndexLength,
		Compression:         CompressionFormat(compression),
		CompressedSize:      compressedSize,
		UncompressedSize:    uncompressedSize,
	}, nil
}

func parseAttachment(body []byte) (*Attachment, error) {
	logTime, n, err := getUint64At(body, 0)
	if err != nil {
		return nil, err
	}
	createTime, n, err := getUint64At(body, n)
	if err != nil {
		return nil, err
	}
	name, n, err := getString(body, n)
	if err != nil {
		return nil, err
	}
	mediaType, n, err := getString(body, n)
	if err != nil {
		return nil, err
	}
	declared, dataStart, err := getUint64At(body, n)
	if err != nil {
		return nil, err
	}
	if declared > uint64(len(body)-dataStart)-4 {
		return nil, &ErrBadAttachmentLength{Declared: declared, Available: uint64(len(body) - dataStart - 4)}
	}
	data, n, err := getLongBytes(body, n)
	if err != nil {
		return nil, err
	}
	crc, n, err := getUint32At(body, n)
	if err != nil {
		return nil, err
	}
	if err := requireExhausted(OpAttachment, body, n); err != nil {
		return nil, err
	}
	if crc != 0 {
		computed := crc32.ChecksumIEEE(body[:n-4])
		if computed != crc {
			return nil, newBadAttachmentCrc(crc, computed)
		}
	}
	return &Attachment{
		LogTime:    logTime,
		CreateTime: createTime,
		Name:       name,
		MediaType:  mediaType,
		Data:       data,
		CRC:        crc,
	}, nil
}

func parseAttachmentIndex(body []byte) (*AttachmentIndex, error) {
	offset, n, err := getUint64At(body, 0)
	if err != nil {
		return nil, err
	}
	length, n, err := getUint64At(body, n)
	if err != nil {
		return nil, err
	}
	logTime, n, err := getUint64At(body, n)
	if err != nil {
		return nil, err
	}
	createTime, n, err := getUint64At(body, n)
	if err != nil {
		return nil, err
	}
	dataSize, n, err := getUint64At(body, n)
	if err != nil {
		return nil, err
	}
	name, n, err := getString(body, n)
	if err != nil {
		return nil, err
	}
	mediaType, n, err := getString(body, n)
	if err != nil {
		return nil, err
	}
	if err := requireExhausted(OpAttachmentIndex, body, n); err != nil {
		return nil, err
	}
	return &AttachmentIndex{
		Offset:     offset,
		Length:     length,
		LogTime:    logTime,
		CreateTime: createTime,
		DataSize:   dataSize,
		Name:       name,
		MediaType:  mediaType,
	}, nil
}

func parseStatistics(body []byte) (*Statistics, error) {
	messageCount, n, err := getUint64At(body, 0)
	if err != nil {
		return nil, err
	}
	schemaCount, n, err := getUint16At(body, n)
	if err != nil {
		return nil, err
	}
	channelCount, n, err := getUint32At(body, n)
	if err != nil {
		return nil, err
	}
	attachmentCount, n, err := getUint32At(body, n)
	if err != nil {
		return nil, err
	}
	metadataCount, n, err := getUint32At(body, n)
	if err != nil {
		return nil, err
	}
	chunkCount, n, err := getUint32At(body, n)
	if err != nil {
		return nil, err
	}
	startTime, n, err := getUint64At(body, n)
	if err != nil {
		return nil, err
	}
	endTime, n, err := getUint64At(body, n)
	if err != nil {
		return nil, err
	}
	counts, n, err := getUint16Uint64Map(body, n)
	if err != nil {
		return nil, err
	}
	if err := requireExhausted(OpStatistics, body, n); err != nil {
		return nil, err
	}
	return &Statistics{
		MessageCount:         messageCount,
		SchemaCount:          schemaCount,
		ChannelCount:         channelCount,
		AttachmentCount:      attachmentCount,
		MetadataCount:        metadataCount,
		ChunkCount:           chunkCount,
		MessageStartTime:     startTime,
		MessageEndTime:       endTime,
		ChannelMessageCounts: counts,
	}, nil
}

func parseMetadata(body []byte) (*Metadata, error) {
	name, n, err := getString(body, 0)
	if err != nil {
		return nil, err
	}
	metadata, n, err := getStringMap(body, n)
	if err != nil {
		return nil, err
	}
	if err := requireExhausted(OpMetadata, body, n); err != nil {
		return nil, err
	}
	return &Metadata{Name: name, Metadata: metadata}, nil
}

func parseMetadataIndex(body []byte) (*MetadataIndex, error) {
	offset, n, err := getUint64At(body, 0)
	if err != nil {
		return nil, err
	}
	length, n, err := getUint64At(body, n)
	if err != nil {
		return nil, err
	}
	name, n, err := getString(body, n)
	if err != nil {
		return nil, err
	}
	if err := requireExhausted(OpMetadataIndex, body, n); err != nil {
		return nil, err
	}
	return &MetadataIndex{Offset: offset, Length: length, Name: name}, nil
}

func parseSummaryOffset(body []byte) (*SummaryOffset, error) {
	opcode, n, err := getByte(body, 0)
	if err != nil {
		return nil, err
	}
	groupStart, n, err := getUint64At(body, n)
	if err != nil {
		return nil, err
	}
	groupLength, n, err := getUint64At(body, n)
	if err != nil {
		return nil, err
	}
	if err := requireExhausted(OpSummaryOffset, body, n); err != nil {
		return nil, err
	}
	return &SummaryOffset{
		GroupOpcode: OpCode(opcode),
		GroupStart:  groupStart,
		GroupLength: groupLength,
	}, nil
}

func parseDataEnd(body []byte) (*DataEnd, error) {
	crc, n, err := getUint32At(body, 0)
	if err != nil {
		return nil, err
	}
	if err := requireExhausted(OpDataEnd, body, n); err != nil {
		return nil, err
	}
	return &DataEnd{DataSectionCRC: crc}, nil
}

// EncodeRecord appends the opcode+length-prefixed encoding of r to dst and
// returns the extended slice.
func EncodeRecord(dst []byte, r Record) []byte {
	dst = append(dst, byte(r.Opcode()))
	lenOffset := len(dst)
	dst = putUint64(dst, 0)
	bodyStart := len(dst)
	dst = encodeBody(dst, r)
	binary.LittleEndian.PutUint64(dst[lenOffset:bodyStart], uint64(len(dst)-bodyStart))
	return dst
}

func encodeBody(dst []byte, r Record) []byte {
	switch rec := r.(type) {
	case *Header:
		dst = putString(dst, rec.Profile)
		dst = putString(dst, rec.Library)
	case *Footer:
		dst = putUint64(dst, rec.SummaryStart)
		dst = putUint64(dst, rec.SummaryOffsetStart)
		dst = putUint32(dst, rec.SummaryCRC)
	case *Schema:
		dst = putUint16(dst, rec.ID)
		dst = putString(dst, rec.Name)
		dst = putString(dst, rec.Encoding)
		dst = putBytes(dst, rec.Data)
	case *Channel:
		dst = putUint16(dst, rec.ID)
		dst = putUint16(dst, rec.SchemaID)
		dst = putString(dst, rec.Topic)
		dst = putString(dst, rec.MessageEncoding)
		dst = putStringMap(dst, rec.Metadata)
	case *Message:
		dst = putUint16(dst, rec.ChannelID)
		dst = putUint32(dst, rec.Sequence)
		dst = putUint64(dst, rec.LogTime)
		dst = putUint64(dst, rec.PublishTime)
		dst = append(dst, rec.Data...)
	case *Chunk:
		dst = putUint64(dst, rec.MessageStartTime)
		dst = putUint64(dst, rec.MessageEndTime)
		dst = putUint64(dst, rec.UncompressedSize)
		dst = putUint32(dst, rec.UncompressedCRC)
		dst = putString(dst, string(rec.Compression))
		dst = putLongBytes(dst, rec.Records)
	case *MessageIndex:
		dst = putUint16(dst, rec.ChannelID)
		lenOffset := len(dst)
		dst = putUint32(dst, 0)
		start := len(dst)
		for _, e := range rec.Records {
			dst = putUint64(dst, e.Timestamp)
			dst = putUint64(dst, e.Offset)
		}
		putUint32InPlace(dst[lenOffset:start], uint32(len(dst)-start))
	case *ChunkIndex:
		dst = putUint64(dst, rec.MessageStartTime)
		dst = putUint64(dst, rec.MessageEndTime)
		dst = putUint64(dst, rec.ChunkStartOffset)
		dst = putUint64(dst, rec.ChunkLength)
		dst = putUint16Uint64Map(dst, rec.MessageIndexOffsets)
		dst = putUint64(dst, rec.MessageIndexLength)
		dst = putString(dst, string(rec.Compression))
		dst = putUint64(dst, rec.CompressedSize)
		dst = putUint64(dst, rec.UncompressedSize)
	case *Attachment:
		dst = putUint64(dst, rec.LogTime)
		dst = putUint64(dst, rec.CreateTime)
		dst = putString(dst, rec.Name)
		dst = putString(dst, rec.MediaType)
		dst = putLongBytes(dst, rec.Data)
		dst = putUint32(dst, rec.CRC)
	case *AttachmentIndex:
		dst = putUint64(dst, rec.Offset)
		dst = putUint64(dst, rec.Length)
		dst = putUint64(dst, rec.LogTime)
		dst = putUint64(dst, rec.CreateTime)
		dst = putUint64(dst, rec.DataSize)
		dst = putString(dst, rec.Name)
		dst = putString(dst, rec.MediaType)
	case *Statistics:
		dst = putUint64(dst, rec.MessageCount)
		dst = putUint16(dst, rec.SchemaCount)
		dst = putUint32(dst, rec.ChannelCount)
		dst = putUint32(dst, rec.AttachmentCount)
		dst = putUint32(dst, rec.MetadataCount)
		dst = putUint32(dst, rec.ChunkCount)
		dst = putUint64(dst, rec.MessageStartTime)
		dst = putUint64(dst, rec.MessageEndTime)
		dst = putUint16Uint64Map(dst, rec.ChannelMessageCounts)
	case *Metadata:
		dst = putString(dst, rec.Name)
		dst = putStringMap(dst, rec.Metadata)
	case *MetadataIndex:
		dst = putUint64(dst, rec.Offset)
		dst = putUint64(dst, rec.Length)
		dst = putString(dst, rec.Name)
	case *SummaryOffset:
		dst = append(dst, byte(rec.GroupOpcode))
		dst = putUint64(dst, rec.GroupStart)
		dst = putUint64(dst, rec.GroupLength)
	case *DataEnd:
		dst = putUint32(dst, rec.DataSectionCRC)
	case *Unknown:
		dst = append(dst, rec.Data...)
	}
	return dst
}

func putUint32InPlace(dst []byte, x uint32) {
	dst[0] = byte(x)
	dst[1] = byte(x >> 8)
	dst[2] = byte(x >> 16)
	dst[3] = byte(x >> 24)
}
