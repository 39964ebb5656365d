package mcap

import (
	"hash/crc32"
	"io"
	"math"
)

// WriterOptions configures a Writer. NewWriterOptions provides the teacher's
// historical defaults: chunked, every index and CRC on, no compression.
type WriterOptions struct {
	Profile string
	Library string

	Compression      CompressionFormat
	CompressionLevel CompressionLevel

	// ChunkSize is the target uncompressed chunk size in bytes. A nil value
	// disables auto-cut (one chunk for the whole recording, absent explicit
	// Flush calls); *ChunkSize == 0 puts every message in its own chunk.
	ChunkSize *uint64

	UseChunks      bool
	DisableSeeking bool

	EmitStatistics        bool
	EmitSummaryOffsets    bool
	EmitMessageIndexes    bool
	EmitChunkIndexes      bool
	EmitAttachmentIndexes bool
	EmitMetadataIndexes   bool
	RepeatSchemas         bool
	RepeatChannels        bool

	CalculateChunkCRCs         bool
	CalculateDataSectionCRC    bool
	CalculateSummarySectionCRC bool
	CalculateAttachmentCRCs    bool

	RecordLengthLimit uint64
}

// NewWriterOptions returns a WriterOptions with the teacher's historical
// defaults.
func NewWriterOptions() *WriterOptions {
	return &WriterOptions{
		Library:                    "mcap go #" + version,
		UseChunks:                  true,
		EmitStatistics:             true,
		EmitSummaryOffsets:         true,
		EmitMessageIndexes:         true,
		EmitChunkIndexes:           true,
		EmitAttachmentIndexes:      true,
		EmitMetadataIndexes:        true,
		RepeatSchemas:              true,
		RepeatChannels:             true,
		CalculateChunkCRCs:         true,
		CalculateDataSectionCRC:    true,
		CalculateSummarySectionCRC: true,
		CalculateAttachmentCRCs:    true,
	}
}

type schemaKey struct {
	name, encoding, data string
}

func keyOfSchema(s *Schema) schemaKey {
	return schemaKey{name: s.Name, encoding: s.Encoding, data: string(s.Data)}
}

type channelKey struct {
	schemaID        uint16
	topic, encoding string
	metadata        string
}

func keyOfChannel(c *Channel) channelKey {
	return channelKey{
		schemaID: c.SchemaID,
		topic:    c.Topic,
		encoding: c.MessageEncoding,
		metadata: flattenMetadata(c.Metadata),
	}
}

// flattenMetadata produces a content key for a metadata map that is stable
// regardless of map iteration order.
func flattenMetadata(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	insertionSort(keys)
	s := ""
	for _, k := range keys {
		s += k + "\x00" + m[k] + "\x00"
	}
	return s
}

func insertionSort(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// Writer builds a valid MCAP file over a sequential sink, batching messages
// into chunks with bounded memory use per §4.5.
type Writer struct {
	opts *WriterOptions
	sink *writeSizer

	schemas       *slicemap[Schema]
	channels      *slicemap[Channel]
	schemaIDs     map[schemaKey]uint16
	channelIDs    map[channelKey]uint16
	nextSchemaID  uint32
	nextChannelID uint32

	chunk      *ChunkWriter
	chunkStart uint64 // file offset of the active chunk's opcode byte

	chunkIndexes      []*ChunkIndex
	attachmentIndexes []*AttachmentIndex
	metadataIndexes   []*MetadataIndex

	stats Statistics

	attachmentInProgress bool
	attachmentDeclared   uint64
	attachmentWritten    uint64
	attachmentBuf        []byte
	attachmentHeader     Attachment

	failed   error
	finished bool
}

// NewWriter constructs a Writer over w, writing the file Header immediately.
// A nil opts uses NewWriterOptions.
func NewWriter(w io.Writer, opts *WriterOptions) (*Writer, error) {
	if opts == nil {
		opts = NewWriterOptions()
	}
	wr := &Writer{
		opts:       opts,
		sink:       newWriteSizer(w),
		schemas:    &slicemap[Schema]{},
		channels:   &slicemap[Channel]{},
		schemaIDs:  make(map[schemaKey]uint16),
		channelIDs: make(map[channelKey]uint16),
		stats: Statistics{
			MessageStartTime:     math.MaxUint64,
			ChannelMessageCounts: make(map[uint16]uint64),
		},
	}
	if _, err := wr.sink.Write(Magic); err != nil {
		return nil, err
	}
	if err := wr.writeTopLevel(&Header{Profile: opts.Profile, Library: opts.Library}); err != nil {
		return nil, err
	}
	return wr, nil
}

func (w *Writer) fail(err error) error {
	if w.failed == nil {
		w.failed = err
	}
	return err
}

func (w *Writer) checkAlive() error {
	if w.finished {
		return ErrWriterFinished
	}
	if w.failed != nil {
		return ErrAttemptedWriteAfterFailure
	}
	return nil
}

// writeTopLevel encodes r and writes it directly to the sink, outside any
// chunk.
func (w *Writer) writeTopLevel(r Record) error {
	buf := EncodeRecord(nil, r)
	if _, err := w.sink.Write(buf); err != nil {
		return w.fail(err)
	}
	return nil
}

// AddSchema registers s by content, returning the canonical id. Two calls
// with identical (name, encoding, data) and s.ID == 0 return the same id
// without a second write. A caller-chosen non-zero s.ID is always honored:
// if it already names different content that's ConflictingSchemas, but if it
// names new or duplicate-content, a record is written under that exact id -
// the caller's explicit id is never silently discarded in favor of some
// other id already registered for the same content (Id preservation).
func (w *Writer) AddSchema(s *Schema) (uint16, error) {
	if err := w.checkAlive(); err != nil {
		return 0, err
	}
	key := keyOfSchema(s)
	if s.ID == 0 {
		if id, ok := w.schemaIDs[key]; ok {
			return id, nil
		}
		id, err := w.allocSchemaID()
		if err != nil {
			return 0, w.fail(err)
		}
		return w.writeSchema(id, s, key)
	}
	if existing := w.schemas.get(s.ID); existing != nil {
		if !existing.equalContent(s) {
			return 0, w.fail(&ErrConflictingSchemas{Name: s.Name})
		}
		return s.ID, nil
	}
	return w.writeSchema(s.ID, s, key)
}

// writeSchema emits a Schema record under id, recording it under its exact
// id and, only if no other id is already canonical for this content, as the
// content key's canonical id for future s.ID == 0 dedup lookups.
func (w *Writer) writeSchema(id uint16, s *Schema, key schemaKey) (uint16, error) {
	toWrite := &Schema{ID: id, Name: s.Name, Encoding: s.Encoding, Data: s.Data}
	w.schemas.set(id, toWrite)
	if _, ok := w.schemaIDs[key]; !ok {
		w.schemaIDs[key] = id
	}
	w.stats.SchemaCount++
	if err := w.writeInnerOrTopLevel(toWrite); err != nil {
		return 0, err
	}
	return id, nil
}

func (w *Writer) allocSchemaID() (uint16, error) {
	w.nextSchemaID++
	if w.nextSchemaID > math.MaxUint16 {
		return 0, ErrTooManySchemas
	}
	return uint16(w.nextSchemaID), nil
}

// AddChannel registers c by content, returning the canonical id, per the
// same dedup and Id preservation rules as AddSchema: a caller-chosen
// non-zero c.ID is always honored with its own record, never collapsed into
// some other id already registered for the same content. c.SchemaID of 0
// means "no schema"; any other value must already have been returned by
// AddSchema.
func (w *Writer) AddChannel(c *Channel) (uint16, error) {
	if err := w.checkAlive(); err != nil {
		return 0, err
	}
	if c.SchemaID != 0 && w.schemas.get(c.SchemaID) == nil {
		return 0, w.fail(&ErrUnknownSchema{Topic: c.Topic, ID: c.SchemaID})
	}
	key := keyOfChannel(c)
	if c.ID == 0 {
		if id, ok := w.channelIDs[key]; ok {
			return id, nil
		}
		id, err := w.allocChannelID()
		if err != nil {
			return 0, w.fail(err)
		}
		return w.writeChannel(id, c, key)
	}
	if existing := w.channels.get(c.ID); existing != nil {
		if !existing.equalContent(c) {
			return 0, w.fail(&ErrConflictingChannels{Topic: c.Topic})
		}
		return c.ID, nil
	}
	return w.writeChannel(c.ID, c, key)
}

// writeChannel emits a Channel record under id, recording it under its exact
// id and, only if no other id is already canonical for this content, as the
// content key's canonical id for future c.ID == 0 dedup lookups.
func (w *Writer) writeChannel(id uint16, c *Channel, key channelKey) (uint16, error) {
	toWrite := &Channel{ID: id, SchemaID: c.SchemaID, Topic: c.Topic, MessageEncoding: c.MessageEncoding, Metadata: c.Metadata}
	w.channels.set(id, toWrite)
	if _, ok := w.channelIDs[key]; !ok {
		w.channelIDs[key] = id
	}
	w.stats.ChannelCount++
	if err := w.writeInnerOrTopLevel(toWrite); err != nil {
		return 0, err
	}
	return id, nil
}

func (w *Writer) allocChannelID() (uint16, error) {
	w.nextChannelID++
	if w.nextChannelID > math.MaxUint16 {
		return 0, ErrTooManyChannels
	}
	return uint16(w.nextChannelID), nil
}

// writeInnerOrTopLevel routes a Schema/Channel/Message record into the
// active chunk when chunking is enabled, or directly to the sink otherwise.
func (w *Writer) writeInnerOrTopLevel(r Record) error {
	if w.attachmentInProgress {
		return w.fail(ErrAttachmentInProgress)
	}
	if !w.opts.UseChunks {
		return w.writeTopLevel(r)
	}
	if w.chunk == nil {
		cw, err := newChunkWriter(w.opts.Compression, w.opts.CompressionLevel, w.opts.CalculateChunkCRCs)
		if err != nil {
			return w.fail(err)
		}
		w.chunk = cw
		w.chunkStart = w.sink.Size()
	}
	encoded := EncodeRecord(nil, r)
	if w.opts.RecordLengthLimit > 0 && uint64(len(encoded)) > w.opts.RecordLengthLimit {
		return w.fail(&ErrRecordTooLarge{Opcode: r.Opcode(), Len: uint64(len(encoded))})
	}
	offset := uint64(w.chunk.UncompressedLen())
	if err := w.chunk.WriteRecord(encoded); err != nil {
		return w.fail(err)
	}
	w.indexMessage(r, offset)
	return w.maybeAutoCut()
}

func (w *Writer) indexMessage(r Record, offset uint64) {
	msg, ok := r.(*Message)
	if !ok {
		return
	}
	if msg.LogTime < w.chunk.ChunkStartTime {
		w.chunk.ChunkStartTime = msg.LogTime
	}
	if msg.LogTime > w.chunk.ChunkEndTime {
		w.chunk.ChunkEndTime = msg.LogTime
	}
	if w.opts.EmitMessageIndexes {
		mi := w.chunk.MessageIndexes[msg.ChannelID]
		if mi == nil {
			mi = &MessageIndex{ChannelID: msg.ChannelID}
			w.chunk.MessageIndexes[msg.ChannelID] = mi
		}
		mi.Records = append(mi.Records, MessageIndexEntry{Timestamp: msg.LogTime, Offset: offset})
	}
}

func (w *Writer) maybeAutoCut() error {
	if w.opts.ChunkSize == nil {
		return nil
	}
	if uint64(w.chunk.UncompressedLen()) > *w.opts.ChunkSize {
		return w.flushActiveChunk()
	}
	return nil
}

// WriteMessage writes m to the active chunk (or directly, if chunking is
// disabled). m.ChannelID must already have been registered via AddChannel.
func (w *Writer) WriteMessage(m *Message) error {
	if err := w.checkAlive(); err != nil {
		return err
	}
	if w.channels.get(m.ChannelID) == nil {
		return w.fail(&ErrUnknownChannel{Sequence: m.Sequence, ID: m.ChannelID})
	}
	if err := w.writeInnerOrTopLevel(m); err != nil {
		return err
	}
	w.stats.MessageCount++
	w.stats.ChannelMessageCounts[m.ChannelID]++
	if m.LogTime < w.stats.MessageStartTime {
		w.stats.MessageStartTime = m.LogTime
	}
	if m.LogTime > w.stats.MessageEndTime {
		w.stats.MessageEndTime = m.LogTime
	}
	return nil
}

// Flush finalizes the active chunk, if any, writing it and its indexes to
// the sink. It is a no-op when chunking is disabled or no chunk is open.
func (w *Writer) Flush() error {
	if err := w.checkAlive(); err != nil {
		return err
	}
	return w.flushActiveChunk()
}

func (w *Writer) flushActiveChunk() error {
	if w.chunk == nil {
		return nil
	}
	cw := w.chunk
	w.chunk = nil
	if err := cw.Finish(); err != nil {
		return w.fail(err)
	}
	chunkBuf := cw.Encode(nil)
	if w.opts.RecordLengthLimit > 0 && uint64(len(chunkBuf)) > w.opts.RecordLengthLimit {
		return w.fail(&ErrChunkTooLarge{Len: uint64(len(chunkBuf))})
	}
	if _, err := w.sink.Write(chunkBuf); err != nil {
		return w.fail(err)
	}
	w.stats.ChunkCount++

	offsets := make(map[uint16]uint64)
	var messageIndexLength uint64
	if w.opts.EmitMessageIndexes {
		for channelID, mi := range cw.MessageIndexes {
			offsets[channelID] = w.sink.Size()
			buf := EncodeRecord(nil, mi)
			messageIndexLength += uint64(len(buf))
			if _, err := w.sink.Write(buf); err != nil {
				return w.fail(err)
			}
		}
	}

	if w.opts.EmitChunkIndexes {
		w.chunkIndexes = append(w.chunkIndexes, &ChunkIndex{
			MessageStartTime:    cw.ChunkStartTime,
			MessageEndTime:      cw.ChunkEndTime,
			ChunkStartOffset:    w.chunkStart,
			ChunkLength:         uint64(len(chunkBuf)),
			MessageIndexOffsets: offsets,
			MessageIndexLength:  messageIndexLength,
			Compression:         cw.compressionFormat,
			CompressedSize:      uint64(cw.CompressedLen()),
			UncompressedSize:    uint64(cw.UncompressedLen()),
		})
	}
	return nil
}

// StartAttachment begins a streamed attachment write. Attachments are always
// top-level: any open chunk is finalized first. Only one attachment may be
// in progress at a time.
func (w *Writer) StartAttachment(logTime, createTime uint64, name, mediaType string, length uint64) error {
	if err := w.checkAlive(); err != nil {
		return err
	}
	if w.attachmentInProgress {
		return w.fail(ErrAttachmentInProgress)
	}
	if err := w.flushActiveChunk(); err != nil {
		return err
	}
	w.attachmentInProgress = true
	w.attachmentDeclared = length
	w.attachmentWritten = 0
	w.attachmentBuf = make([]byte, 0, length)
	w.attachmentHeader = Attachment{LogTime: logTime, CreateTime: createTime, Name: name, MediaType: mediaType}
	return nil
}

// PutAttachmentBytes appends b to the in-progress attachment.
func (w *Writer) PutAttachmentBytes(b []byte) error {
	if err := w.checkAlive(); err != nil {
		return err
	}
	if !w.attachmentInProgress {
		return w.fail(ErrAttachmentNotInProgress)
	}
	if w.attachmentWritten+uint64(len(b)) > w.attachmentDeclared {
		excess := w.attachmentWritten + uint64(len(b)) - w.attachmentDeclared
		return w.fail(&ErrAttachmentTooLarge{Excess: excess, AttachmentLength: w.attachmentDeclared})
	}
	w.attachmentBuf = append(w.attachmentBuf, b...)
	w.attachmentWritten += uint64(len(b))
	return nil
}

// FinishAttachment closes the in-progress attachment, writing the Attachment
// record and an AttachmentIndex entry.
func (w *Writer) FinishAttachment() error {
	if err := w.checkAlive(); err != nil {
		return err
	}
	if !w.attachmentInProgress {
		return w.fail(ErrAttachmentNotInProgress)
	}
	if w.attachmentWritten != w.attachmentDeclared {
		return w.fail(&ErrAttachmentIncomplete{Expected: w.attachmentDeclared, Current: w.attachmentWritten})
	}
	a := w.attachmentHeader
	a.Data = w.attachmentBuf
	if w.opts.CalculateAttachmentCRCs {
		body := encodeBody(nil, &Attachment{LogTime: a.LogTime, CreateTime: a.CreateTime, Name: a.Name, MediaType: a.MediaType, Data: a.Data})
		// The CRC covers the body up to, not including, its own 4 bytes.
		a.CRC = crc32.ChecksumIEEE(body[:len(body)-4])
	}
	offset := w.sink.Size()
	buf := EncodeRecord(nil, &a)
	if _, err := w.sink.Write(buf); err != nil {
		return w.fail(err)
	}
	w.stats.AttachmentCount++
	if w.opts.EmitAttachmentIndexes {
		w.attachmentIndexes = append(w.attachmentIndexes, &AttachmentIndex{
			Offset:     offset,
			Length:     uint64(len(buf)),
			LogTime:    a.LogTime,
			CreateTime: a.CreateTime,
			DataSize:   uint64(len(a.Data)),
			Name:       a.Name,
			MediaType:  a.MediaType,
		})
	}
	w.attachmentInProgress = false
	w.attachmentBuf = nil
	return nil
}

// WriteMetadata writes a Metadata record and its MetadataIndex. Like
// attachments, a metadata write finishes any open chunk first.
func (w *Writer) WriteMetadata(name string, kv map[string]string) error {
	if err := w.checkAlive(); err != nil {
		return err
	}
	if w.attachmentInProgress {
		return w.fail(ErrAttachmentInProgress)
	}
	if err := w.flushActiveChunk(); err != nil {
		return err
	}
	offset := w.sink.Size()
	m := &Metadata{Name: name, Metadata: kv}
	buf := EncodeRecord(nil, m)
	if _, err := w.sink.Write(buf); err != nil {
		return w.fail(err)
	}
	w.stats.MetadataCount++
	if w.opts.EmitMetadataIndexes {
		w.metadataIndexes = append(w.metadataIndexes, &MetadataIndex{
			Offset: offset,
			Length: uint64(len(buf)),
			Name:   name,
		})
	}
	return nil
}

// Close finalizes the file: any open chunk, DataEnd, the summary section,
// and the footer and closing magic, per §4.5.5. Any write call after Close
// returns ErrWriterFinished. Close itself is not idempotent - call it once.
func (w *Writer) Close() error {
	if err := w.checkAlive(); err != nil {
		return err
	}
	if err := w.flushActiveChunk(); err != nil {
		return err
	}
	var dataCRC uint32
	if w.opts.CalculateDataSectionCRC {
		dataCRC = w.sink.Checksum()
	}
	if err := w.writeTopLevel(&DataEnd{DataSectionCRC: dataCRC}); err != nil {
		return err
	}
	w.sink.ResetCRC()

	summaryStart := w.sink.Size()
	var offsets []SummaryOffset

	if w.opts.RepeatSchemas {
		start := w.sink.Size()
		for _, s := range w.schemas.toMap() {
			if err := w.writeTopLevel(s); err != nil {
				return err
			}
		}
		if w.sink.Size() > start {
			offsets = append(offsets, SummaryOffset{GroupOpcode: OpSchema, GroupStart: start, GroupLength: w.sink.Size() - start})
		}
	}
	if w.opts.RepeatChannels {
		start := w.sink.Size()
		for _, c := range w.channels.toMap() {
			if err := w.writeTopLevel(c); err != nil {
				return err
			}
		}
		if w.sink.Size() > start {
			offsets = append(offsets, SummaryOffset{GroupOpcode: OpChannel, GroupStart: start, GroupLength: w.sink.Size() - start})
		}
	}
	if w.opts.EmitStatistics {
		start := w.sink.Size()
		if err := w.writeTopLevel(&w.stats); err != nil {
			return err
		}
		offsets = append(offsets, SummaryOffset{GroupOpcode: OpStatistics, GroupStart: start, GroupLength: w.sink.Size() - start})
	}
	if w.opts.EmitChunkIndexes && len(w.chunkIndexes) > 0 {
		start := w.sink.Size()
		for _, ci := range w.chunkIndexes {
			if err := w.writeTopLevel(ci); err != nil {
				return err
			}
		}
		offsets = append(offsets, SummaryOffset{GroupOpcode: OpChunkIndex, GroupStart: start, GroupLength: w.sink.Size() - start})
	}
	if w.opts.EmitAttachmentIndexes && len(w.attachmentIndexes) > 0 {
		start := w.sink.Size()
		for _, ai := range w.attachmentIndexes {
			if err := w.writeTopLevel(ai); err != nil {
				return err
			}
		}
		offsets = append(offsets, SummaryOffset{GroupOpcode: OpAttachmentIndex, GroupStart: start, GroupLength: w.sink.Size() - start})
	}
	if w.opts.EmitMetadataIndexes && len(w.metadataIndexes) > 0 {
		start := w.sink.Size()
		for _, mi := range w.metadataIndexes {
			if err := w.writeTopLevel(mi); err != nil {
				return err
			}
		}
		offsets = append(offsets, SummaryOffset{GroupOpcode: OpMetadataIndex, GroupStart: start, GroupLength: w.sink.Size() - start})
	}

	var summaryOffsetStart uint64
	if w.opts.EmitSummaryOffsets && len(offsets) > 0 {
		summaryOffsetStart = w.sink.Size()
		for i := range offsets {
			if err := w.writeTopLevel(&offsets[i]); err != nil {
				return err
			}
		}
	}
	if w.sink.Size() == summaryStart {
		summaryStart = 0
	}

	footer := &Footer{SummaryStart: summaryStart, SummaryOffsetStart: summaryOffsetStart}
	if w.opts.CalculateSummarySectionCRC && summaryStart != 0 {
		// The summary section CRC covers every byte written since DataEnd,
		// plus the footer's own summary_start/summary_offset_start/crc
		// fields up to (not including) the crc field itself, per §4.5.5
		// step 6. w.sink's running hash already has the summary section
		// accumulated; fold in the 16-byte footer prefix without emitting
		// it twice.
		footerPrefix := encodeBody(nil, &Footer{SummaryStart: summaryStart, SummaryOffsetStart: summaryOffsetStart})[:16]
		footer.SummaryCRC = crc32.Update(w.sink.Checksum(), crc32.IEEETable, footerPrefix)
	}
	if err := w.writeTopLevel(footer); err != nil {
		return err
	}
	if _, err := w.sink.Write(Magic); err != nil {
		return w.fail(err)
	}
	w.finished = true
	return nil
}
