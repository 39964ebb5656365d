package mcap

import "sort"

// IndexedReadOrder selects the order in which IndexedReader yields messages.
type IndexedReadOrder int

const (
	FileOrder IndexedReadOrder = iota
	LogTimeOrder
	ReverseLogTimeOrder
)

// IndexedReaderOptions configures an IndexedReader.
type IndexedReaderOptions struct {
	Topics            []string
	StartNanos        uint64
	EndNanos          uint64 // 0 means "no upper bound"
	Order             IndexedReadOrder
	RecordLengthLimit uint64
}

// IndexedReaderOption mutates IndexedReaderOptions during construction,
// grounded in the teacher's reader_options.go functional-option pattern.
type IndexedReaderOption func(*IndexedReaderOptions)

func WithTopics(topics []string) IndexedReaderOption {
	return func(o *IndexedReaderOptions) { o.Topics = topics }
}

func AfterNanos(start uint64) IndexedReaderOption {
	return func(o *IndexedReaderOptions) { o.StartNanos = start }
}

func BeforeNanos(end uint64) IndexedReaderOption {
	return func(o *IndexedReaderOptions) { o.EndNanos = end }
}

func InOrder(order IndexedReadOrder) IndexedReaderOption {
	return func(o *IndexedReaderOptions) { o.Order = order }
}

func WithReadRecordLengthLimit(n uint64) IndexedReaderOption {
	return func(o *IndexedReaderOptions) { o.RecordLengthLimit = n }
}

// IndexedMessageEvent carries one yielded message and its owning channel and
// schema, resolved from the summary's accumulators.
type IndexedMessageEvent struct {
	Channel *Channel
	Schema  *Schema
	Message *Message
}

// IndexedEventKind discriminates IndexedReader events.
type IndexedEventKind int

const (
	IndexedNeedChunk IndexedEventKind = iota
	IndexedMessage
	IndexedDone
)

// IndexedEvent is returned by IndexedReader.NextEvent.
type IndexedEvent struct {
	Kind    IndexedEventKind
	Offset  uint64 // ReadChunkRequest: offset of the compressed-data region
	Length  uint64 // ReadChunkRequest: length to read
	Message *IndexedMessageEvent
}

// chunkSlot is a decompression buffer reused across chunks once every
// indexed message it contributed has been consumed, per §4.4.2.
type chunkSlot struct {
	chunkIndex       *ChunkIndex
	dataStartOffset  uint64
	uncompressed     []byte
	remainingCount   int
	inUse            bool
}

type indexEntry struct {
	slot             int
	logTime          uint64
	offset           int    // offset within slot.uncompressed of the message record start (its opcode byte; the body starts 9 bytes later)
	chunkStartOffset uint64 // slot.chunkIndex.ChunkStartOffset, for the (chunk_start_offset, offset_within_chunk) tiebreak
	channelID        uint16
}

// IndexedReader yields messages from an already-loaded Summary, ordered and
// filtered per §4.4.2. It performs no I/O: chunk bytes are supplied via
// InsertChunkData after a ReadChunkRequest.
type IndexedReader struct {
	opts    IndexedReaderOptions
	summary *Summary
	pool    *decompressorPool

	chunks     []*ChunkIndex // filtered + sorted load order
	nextChunk  int
	slots      []*chunkSlot
	pending    []indexEntry
	pendingPos int

	keptChannels map[uint16]bool

	awaitingOffset uint64
	awaitingSlot   int

	err error
}

// NewIndexedReader builds an IndexedReader from a loaded Summary, applying
// the filtering and sort rules of §4.4.2's "Filtering, one-time setup".
func NewIndexedReader(summary *Summary, opts ...IndexedReaderOption) *IndexedReader {
	o := IndexedReaderOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	ir := &IndexedReader{
		opts:    o,
		summary: summary,
		pool:    newDecompressorPool(),
	}
	ir.setup()
	return ir
}

func (ir *IndexedReader) setup() {
	topicSet := map[string]bool{}
	for _, t := range ir.opts.Topics {
		topicSet[t] = true
	}
	ir.keptChannels = map[uint16]bool{}
	for id, ch := range ir.summary.Channels.toMap() {
		if len(topicSet) == 0 || topicSet[ch.Topic] {
			ir.keptChannels[id] = true
		}
	}

	start := ir.opts.StartNanos
	end := ir.opts.EndNanos
	var kept []*ChunkIndex
	for _, ci := range ir.summary.ChunkIndexes {
		if end != 0 && ci.MessageStartTime >= end {
			continue
		}
		if ci.MessageEndTime < start {
			continue
		}
		if len(ci.MessageIndexOffsets) > 0 {
			disjoint := true
			for id := range ci.MessageIndexOffsets {
				if ir.keptChannels[id] {
					disjoint = false
					break
				}
			}
			if disjoint {
				continue
			}
		}
		kept = append(kept, ci)
	}

	switch ir.opts.Order {
	case FileOrder:
		sort.SliceStable(kept, func(i, j int) bool {
			return kept[i].ChunkStartOffset < kept[j].ChunkStartOffset
		})
	case LogTimeOrder:
		sort.SliceStable(kept, func(i, j int) bool {
			if kept[i].MessageStartTime != kept[j].MessageStartTime {
				return kept[i].MessageStartTime < kept[j].MessageStartTime
			}
			return kept[i].ChunkStartOffset < kept[j].ChunkStartOffset
		})
	case ReverseLogTimeOrder:
		sort.SliceStable(kept, func(i, j int) bool {
			if kept[i].MessageEndTime != kept[j].MessageEndTime {
				return kept[i].MessageEndTime > kept[j].MessageEndTime
			}
			return kept[i].ChunkStartOffset > kept[j].ChunkStartOffset
		})
	}
	ir.chunks = kept
}

// NextEvent advances the reader, yielding the next message in configured
// order or requesting the bytes of the next chunk needed to produce one.
func (ir *IndexedReader) NextEvent() (IndexedEvent, error) {
	if ir.err != nil {
		return IndexedEvent{}, ir.err
	}
	for {
		if ir.shouldLoadNextChunkFirst() {
			ci := ir.chunks[ir.nextChunk]
			if ir.opts.RecordLengthLimit > 0 &&
				(ci.CompressedSize > ir.opts.RecordLengthLimit || ci.UncompressedSize > ir.opts.RecordLengthLimit) {
				ir.err = &ErrChunkTooLarge{Len: ci.CompressedSize}
				return IndexedEvent{}, ir.err
			}
			ir.awaitingSlot = ir.allocSlot(ci)
			ir.nextChunk++
			return IndexedEvent{
				Kind:   IndexedNeedChunk,
				Offset: ir.chunkDataOffset(ci),
				Length: ci.CompressedSize,
			}, nil
		}
		if ir.pendingPos < len(ir.pending) {
			e := ir.pending[ir.pendingPos]
			ir.pendingPos++
			slot := ir.slots[e.slot]
			msgEv, err := ir.yieldFromSlot(slot, e)
			if err != nil {
				ir.err = err
				return IndexedEvent{}, err
			}
			slot.remainingCount--
			if slot.remainingCount <= 0 {
				slot.inUse = false
			}
			if msgEv == nil {
				continue
			}
			return IndexedEvent{Kind: IndexedMessage, Message: msgEv}, nil
		}
		if ir.nextChunk >= len(ir.chunks) {
			return IndexedEvent{Kind: IndexedDone}, nil
		}
		ci := ir.chunks[ir.nextChunk]
		ir.awaitingSlot = ir.allocSlot(ci)
		ir.nextChunk++
		return IndexedEvent{
			Kind:   IndexedNeedChunk,
			Offset: ir.chunkDataOffset(ci),
			Length: ci.CompressedSize,
		}, nil
	}
}

func (ir *IndexedReader) chunkDataOffset(ci *ChunkIndex) uint64 {
	// Fixed chunk-record prefix before compressed_data: opcode(1) + len(8) +
	// start(8) + end(8) + uncompSize(8) + uncompCRC(4) + compressionLen
	// (4 + len(name)) + compressedSizeField(8).
	return ci.ChunkStartOffset + 9 + 8 + 8 + 8 + 4 + 4 + uint64(len(ci.Compression)) + 8
}

func (ir *IndexedReader) shouldLoadNextChunkFirst() bool {
	if ir.pendingPos >= len(ir.pending) {
		return false
	}
	if ir.nextChunk >= len(ir.chunks) {
		return false
	}
	next := ir.chunks[ir.nextChunk]
	pending := ir.pending[ir.pendingPos]
	pendingSlot := ir.slots[pending.slot]
	switch ir.opts.Order {
	case FileOrder:
		return next.ChunkStartOffset < pendingSlot.dataStartOffset
	case LogTimeOrder:
		return next.MessageStartTime < pending.logTime
	case ReverseLogTimeOrder:
		return next.MessageEndTime > pending.logTime
	}
	return false
}

func (ir *IndexedReader) allocSlot(ci *ChunkIndex) int {
	for i, s := range ir.slots {
		if !s.inUse {
			s.chunkIndex = ci
			s.inUse = true
			return i
		}
	}
	ir.slots = append(ir.slots, &chunkSlot{chunkIndex: ci, inUse: true})
	return len(ir.slots) - 1
}

// InsertChunkData supplies the decompressed-ready compressed bytes for a
// chunk previously requested via IndexedNeedChunk, identified by offset.
// Inserting data for a chunk twice, or at the wrong offset, is an error.
func (ir *IndexedReader) InsertChunkData(offset uint64, data []byte) error {
	slot := ir.slots[ir.awaitingSlot]
	ci := slot.chunkIndex
	if offset != ir.chunkDataOffset(ci) {
		return ErrBadIndex
	}
	if uint64(len(data)) != ci.CompressedSize {
		return ErrBadIndex
	}
	if slot.uncompressed != nil && slot.dataStartOffset == ci.ChunkStartOffset {
		return ErrBadIndex // this chunk's data was already inserted
	}
	dec, err := ir.pool.get(ci.Compression)
	if err != nil {
		return err
	}
	out := make([]byte, ci.UncompressedSize)
	_, produced, _, err := dec.Decompress(data, out)
	if err != nil {
		return err
	}
	slot.uncompressed = out[:produced]
	slot.dataStartOffset = ci.ChunkStartOffset

	entries, err := ir.scanSlot(ir.awaitingSlot, slot)
	if err != nil {
		return err
	}
	slot.remainingCount = len(entries)
	if slot.remainingCount == 0 {
		slot.inUse = false
	}
	ir.merge(entries)
	return nil
}

func (ir *IndexedReader) scanSlot(slotIdx int, slot *chunkSlot) ([]indexEntry, error) {
	var entries []indexEntry
	chunkStartOffset := slot.chunkIndex.ChunkStartOffset
	buf := slot.uncompressed
	pos := 0
	for pos < len(buf) {
		if pos+9 > len(buf) {
			return nil, ErrUnexpectedEOC
		}
		opcode := OpCode(buf[pos])
		length, _, _ := getUint64At(buf, pos+1)
		bodyStart := pos + 9
		bodyEnd := bodyStart + int(length)
		if bodyEnd > len(buf) {
			return nil, ErrUnexpectedEOC
		}
		if opcode == OpMessage {
			msg, err := parseMessage(buf[bodyStart:bodyEnd])
			if err != nil {
				return nil, err
			}
			if ir.keptChannels[msg.ChannelID] &&
				msg.LogTime >= ir.opts.StartNanos &&
				(ir.opts.EndNanos == 0 || msg.LogTime < ir.opts.EndNanos) {
				entries = append(entries, indexEntry{
					slot:             slotIdx,
					logTime:          msg.LogTime,
					offset:           pos,
					chunkStartOffset: chunkStartOffset,
					channelID:        msg.ChannelID,
				})
			}
		}
		pos = bodyEnd
	}
	ir.sortEntries(entries)
	return entries, nil
}

// sortEntries orders entries by log_time, breaking ties by
// (chunk_start_offset, offset_within_chunk) per §5: ascending for
// LogTimeOrder, descending (all three keys reversed together) for
// ReverseLogTimeOrder. Relying on chunk processing order alone to
// approximate the tiebreak isn't sufficient once entries from multiple
// chunks are merged out of arrival order, and offset_within_chunk never
// reverses on its own - it only matters paired with its chunk's direction.
func (ir *IndexedReader) sortEntries(entries []indexEntry) {
	switch ir.opts.Order {
	case LogTimeOrder:
		sort.SliceStable(entries, func(i, j int) bool {
			a, b := entries[i], entries[j]
			if a.logTime != b.logTime {
				return a.logTime < b.logTime
			}
			if a.chunkStartOffset != b.chunkStartOffset {
				return a.chunkStartOffset < b.chunkStartOffset
			}
			return a.offset < b.offset
		})
	case ReverseLogTimeOrder:
		sort.SliceStable(entries, func(i, j int) bool {
			a, b := entries[i], entries[j]
			if a.logTime != b.logTime {
				return a.logTime > b.logTime
			}
			if a.chunkStartOffset != b.chunkStartOffset {
				return a.chunkStartOffset > b.chunkStartOffset
			}
			return a.offset > b.offset
		})
	}
}

// merge inserts new entries into the pending index, maintaining the
// configured order; a full re-sort is skipped when the new entries are
// already in order and nothing unread remains.
func (ir *IndexedReader) merge(entries []indexEntry) {
	unread := ir.pending[ir.pendingPos:]
	if len(unread) == 0 {
		ir.pending = append(ir.pending[:0], entries...)
		ir.pendingPos = 0
		return
	}
	merged := append(append([]indexEntry{}, unread...), entries...)
	ir.sortEntries(merged)
	ir.pending = merged
	ir.pendingPos = 0
}

func (ir *IndexedReader) yieldFromSlot(slot *chunkSlot, e indexEntry) (*IndexedMessageEvent, error) {
	buf := slot.uncompressed
	length, _, _ := getUint64At(buf, e.offset+1)
	bodyStart := e.offset + 9
	msg, err := parseMessage(buf[bodyStart : bodyStart+int(length)])
	if err != nil {
		return nil, err
	}
	ch := ir.summary.Channels.get(msg.ChannelID)
	var sch *Schema
	if ch != nil && ch.SchemaID != 0 {
		sch = ir.summary.Schemas.get(ch.SchemaID)
	}
	return &IndexedMessageEvent{Channel: ch, Schema: sch, Message: msg}, nil
}
