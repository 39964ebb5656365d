package mcap

import (
	"hash"
	"hash/crc32"
)

// compactThreshold controls when the internal buffer is compacted (unread
// bytes shifted to the front) versus simply grown. Carried over from the
// reference sans-I/O design's RwBuf::tail_with_size heuristic.
const compactThreshold = 4096

// EventKind discriminates the two kinds of Event a LinearReader can yield.
type EventKind int

const (
	// EventNeedBytes asks the caller to write at least N bytes into the
	// slice returned by Insert, then call NotifyRead.
	EventNeedBytes EventKind = iota
	// EventRecord carries a parsed record. Data/record validity ends at the
	// next call to NextEvent.
	EventRecord
)

// Event is returned by LinearReader.NextEvent.
type Event struct {
	Kind   EventKind
	Need   int
	Opcode OpCode
	Data   []byte
	Record Record
}

type linearState int

const (
	stateStartMagic linearState = iota
	stateFileRecord
	stateChunkHeader
	stateChunkRecord
	statePaddingAfterChunk
	stateDataEnd
	stateFooter
	stateEndMagic
	stateAfterEndMagic
	stateDone
	stateErrored
)

// LinearReaderOptions configures a LinearReader. Set it by passing the With*
// functional options to NewLinearReader.
type LinearReaderOptions struct {
	SkipStartMagic             bool
	SkipEndMagic               bool
	CheckFinishesAfterEndMagic bool
	EmitChunks                 bool
	ValidateChunkCRCs          bool
	PrevalidateChunkCRCs       bool
	ValidateDataSectionCRC     bool
	ValidateSummarySectionCRC  bool
	RecordLengthLimit          uint64
}

// LinearReaderOption mutates a LinearReaderOptions during construction.
type LinearReaderOption func(*LinearReaderOptions)

func WithSkipStartMagic() LinearReaderOption {
	return func(o *LinearReaderOptions) { o.SkipStartMagic = true }
}

func WithSkipEndMagic() LinearReaderOption {
	return func(o *LinearReaderOptions) { o.SkipEndMagic = true }
}

func WithCheckFinishesAfterEndMagic() LinearReaderOption {
	return func(o *LinearReaderOptions) { o.CheckFinishesAfterEndMagic = true }
}

func WithEmitChunks() LinearReaderOption {
	return func(o *LinearReaderOptions) { o.EmitChunks = true }
}

func WithValidateChunkCRCs() LinearReaderOption {
	return func(o *LinearReaderOptions) { o.ValidateChunkCRCs = true }
}

func WithPrevalidateChunkCRCs() LinearReaderOption {
	return func(o *LinearReaderOptions) { o.PrevalidateChunkCRCs = true }
}

func WithValidateDataSectionCRC() LinearReaderOption {
	return func(o *LinearReaderOptions) { o.ValidateDataSectionCRC = true }
}

func WithValidateSummarySectionCRC() LinearReaderOption {
	return func(o *LinearReaderOptions) { o.ValidateSummarySectionCRC = true }
}

func WithRecordLengthLimit(n uint64) LinearReaderOption {
	return func(o *LinearReaderOptions) { o.RecordLengthLimit = n }
}

// chunkState tracks an in-progress chunk being streamed out record by record.
// Its decompressor is fed compressed bytes incrementally as they arrive
// (driveChunkDecompression), rather than all at once. No inner record is
// emitted until the chunk's whole declared uncompressed size has been
// produced.
type chunkState struct {
	compression      CompressionFormat
	decompressor     Decompressor
	compressedLeft   uint64 // declared compressed bytes not yet fed to decompressor
	uncompressed     []byte // decompressed bytes produced so far
	uncompressedPos  int    // read cursor into uncompressed, for readChunkInnerRecord
	uncompressedSize uint64
	uncompressedCRC  uint32
}

// LinearReader is a sans-I/O state machine over the data+summary sections of
// an MCAP byte stream. It performs no I/O: callers supply bytes via Insert /
// NotifyRead and observe records via NextEvent.
type LinearReader struct {
	opts LinearReaderOptions

	buf []byte
	r   int // read cursor: buf[r:w] is unread
	w   int
	eof bool

	state      linearState
	pendingLen int // bytes needed for current load, awaiting NotifyRead

	dataHasher    hash.Hash32
	summaryHasher hash.Hash32
	hashingData   bool
	hashingSumm   bool

	chunk          *chunkState
	chunkRemaining uint64
	decompressors  *decompressorPool

	lastOpcode OpCode
	lastLen    uint64

	err error
}

// NewLinearReader constructs a LinearReader ready to read from the start of
// an MCAP stream (or its data section, if SkipStartMagic is set).
func NewLinearReader(opts ...LinearReaderOption) *LinearReader {
	o := LinearReaderOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	lr := &LinearReader{
		opts:          o,
		state:         stateStartMagic,
		dataHasher:    crc32.NewIEEE(),
		summaryHasher: crc32.NewIEEE(),
		hashingData:   true,
	}
	if o.SkipStartMagic {
		lr.state = stateFileRecord
	}
	return lr
}

// Insert returns a slice of at least n bytes for the caller to write into,
// growing and compacting the internal buffer as needed. Call NotifyRead with
// the number of bytes actually written immediately after.
func (lr *LinearReader) Insert(n int) []byte {
	unread := lr.w - lr.r
	if lr.r > compactThreshold && lr.r > unread {
		copy(lr.buf, lr.buf[lr.r:lr.w])
		lr.w -= lr.r
		lr.r = 0
	}
	needCap := lr.w + n
	if needCap > cap(lr.buf) {
		grown := make([]byte, needCap, needCap*2)
		copy(grown, lr.buf[:lr.w])
		lr.buf = grown
	} else if needCap > len(lr.buf) {
		lr.buf = lr.buf[:needCap]
	}
	return lr.buf[lr.w : lr.w+n]
}

// NotifyRead tells the reader that written bytes were placed into the slice
// most recently returned by Insert. written == 0 marks end of stream.
func (lr *LinearReader) NotifyRead(written int) {
	if written == 0 {
		lr.eof = true
		return
	}
	lr.w += written
}

// take returns the next n unread bytes without hashing, or (nil,false) if
// fewer than n are currently buffered.
func (lr *LinearReader) take(n int) ([]byte, bool) {
	if lr.w-lr.r < n {
		return nil, false
	}
	b := lr.buf[lr.r : lr.r+n]
	lr.r += n
	return b, true
}

func (lr *LinearReader) feedHashers(b []byte) {
	if lr.hashingData {
		_, _ = lr.dataHasher.Write(b)
	}
	if lr.hashingSumm {
		_, _ = lr.summaryHasher.Write(b)
	}
}

// NextEvent drives the state machine forward as far as currently buffered
// bytes allow, returning either a request for more bytes or a decoded
// record. It never blocks and performs no I/O.
func (lr *LinearReader) NextEvent() (Event, error) {
	if lr.err != nil {
		return Event{}, lr.err
	}
	for {
		switch lr.state {
		case stateStartMagic:
			b, ok := lr.take(len(Magic))
			if !ok {
				return lr.needMore(len(Magic))
			}
			if !bytesEqual(b, Magic) {
				return lr.fail(ErrBadMagic)
			}
			lr.feedHashers(b)
			lr.state = stateFileRecord

		case stateFileRecord:
			ev, ready, err := lr.readFileRecordHeader()
			if err != nil {
				return lr.fail(err)
			}
			if ready {
				return ev, nil
			}
			// else: state transitioned (into a chunk, footer or data-end
			// sub-state) with nothing to emit yet - loop again to drive
			// the new state.

		case stateChunkHeader:
			ok, err := lr.readChunkHeader()
			if err != nil {
				return lr.fail(err)
			}
			if !ok {
				return Event{Kind: EventNeedBytes, Need: lr.pendingLen}, nil
			}
			lr.state = stateChunkRecord

		case stateChunkRecord:
			ev, done, err := lr.readChunkInnerRecord()
			if err != nil {
				return lr.fail(err)
			}
			if done {
				lr.state = statePaddingAfterChunk
				continue
			}
			if ev.Kind == EventRecord || ev.Kind == EventNeedBytes {
				return ev, nil
			}

		case statePaddingAfterChunk:
			// Discard whatever the chunk record declares beyond the bytes the
			// decompressor needed to produce the full uncompressed size.
			if lr.chunkRemaining > 0 {
				avail := lr.w - lr.r
				if avail == 0 {
					return lr.needMore(1)
				}
				n := avail
				if uint64(n) > lr.chunkRemaining {
					n = int(lr.chunkRemaining)
				}
				lr.feedHashers(lr.buf[lr.r : lr.r+n])
				lr.r += n
				lr.chunkRemaining -= uint64(n)
				continue
			}
			lr.state = stateFileRecord

		case stateDataEnd:
			rec, ok, err := lr.readDataEnd()
			if err != nil {
				return lr.fail(err)
			}
			if !ok {
				return Event{Kind: EventNeedBytes, Need: lr.pendingLen}, nil
			}
			lr.state = stateFileRecord
			return Event{Kind: EventRecord, Opcode: OpDataEnd, Record: rec}, nil

		case stateFooter:
			rec, ok, err := lr.readFooter()
			if err != nil {
				return lr.fail(err)
			}
			if !ok {
				return Event{Kind: EventNeedBytes, Need: lr.pendingLen}, nil
			}
			lr.state = stateEndMagic
			return Event{Kind: EventRecord, Opcode: OpFooter, Record: rec}, nil

		case stateEndMagic:
			if lr.opts.SkipEndMagic {
				lr.state = stateDone
				continue
			}
			b, ok := lr.take(len(Magic))
			if !ok {
				return lr.needMore(len(Magic))
			}
			if !bytesEqual(b, Magic) {
				return lr.fail(ErrBadMagic)
			}
			lr.state = stateAfterEndMagic

		case stateAfterEndMagic:
			if lr.opts.CheckFinishesAfterEndMagic {
				if lr.w > lr.r {
					return lr.fail(ErrBytesAfterEndMagic)
				}
				if !lr.eof {
					return lr.needMore(1)
				}
			}
			lr.state = stateDone

		case stateDone:
			if lr.w > lr.r {
				return Event{}, nil
			}
			if !lr.eof {
				return lr.needMore(1)
			}
			return Event{}, nil

		case stateErrored:
			return Event{}, lr.err
		}
	}
}

func (lr *LinearReader) needMore(n int) (Event, error) {
	if lr.eof {
		return Event{}, ErrUnexpectedEOF
	}
	return Event{Kind: EventNeedBytes, Need: n - (lr.w - lr.r)}, nil
}

func (lr *LinearReader) fail(err error) (Event, error) {
	lr.err = err
	lr.state = stateErrored
	return Event{}, err
}

// readFileRecordHeader reads one top-level opcode+length, dispatching into
// the chunk/footer/dataend sub-states, or parsing and emitting a plain
// record. It returns ready=true when ev should be returned to the
// NextEvent caller immediately (either a parsed record or a need-more-bytes
// request), and ready=false when it has only transitioned lr.state (into a
// chunk/footer/data-end sub-state) and the caller should loop and drive that
// state instead.
func (lr *LinearReader) readFileRecordHeader() (Event, bool, error) {
	header, ok := lr.peekHeader()
	if !ok {
		ev, err := lr.needMore(9)
		return ev, true, err
	}
	opcode, length := header.opcode, header.length
	if lr.opts.RecordLengthLimit > 0 && length > lr.opts.RecordLengthLimit {
		return Event{}, true, &ErrRecordTooLarge{Opcode: opcode, Len: length}
	}
	switch opcode {
	case OpChunk:
		if lr.opts.EmitChunks {
			body, ok := lr.takeBody(length)
			if !ok {
				ev, err := lr.needMore(9 + int(length))
				return ev, true, err
			}
			rec, err := parseChunk(body)
			if err != nil {
				return Event{}, true, err
			}
			return Event{Kind: EventRecord, Opcode: OpChunk, Data: body, Record: rec}, true, nil
		}
		lr.consumeHeader()
		lr.pendingLen = int(length)
		lr.chunkRemaining = length
		lr.state = stateChunkHeader
		return Event{}, false, nil
	case OpFooter:
		// hashingSumm must go false before consumeHeader, so the footer's
		// own header bytes are excluded from the summary CRC - the writer
		// folds in only the footer's body prefix (see readFooter), never
		// its header.
		lr.hashingSumm = false
		lr.consumeHeader()
		lr.state = stateFooter
		return Event{}, false, nil
	case OpDataEnd:
		// hashingData must go false before consumeHeader, so DataEnd's own
		// header bytes are excluded from the data section CRC.
		lr.hashingData = false
		lr.consumeHeader()
		lr.state = stateDataEnd
		return Event{}, false, nil
	default:
		body, ok := lr.takeBody(length)
		if !ok {
			ev, err := lr.needMore(9 + int(length))
			return ev, true, err
		}
		rec, err := ParseRecord(opcode, body)
		if err != nil {
			return Event{}, true, err
		}
		return Event{Kind: EventRecord, Opcode: opcode, Data: body, Record: rec}, true, nil
	}
}

type recordHeader struct {
	opcode OpCode
	length uint64
}

// peekHeader reads the 9-byte opcode+length prefix without consuming it
// (consumeHeader does that once the caller has decided what to do).
func (lr *LinearReader) peekHeader() (recordHeader, bool) {
	if lr.w-lr.r < 9 {
		return recordHeader{}, false
	}
	opcode := OpCode(lr.buf[lr.r])
	length, _, _ := getUint64At(lr.buf, lr.r+1)
	return recordHeader{opcode: opcode, length: length}, true
}

func (lr *LinearReader) consumeHeader() {
	b := lr.buf[lr.r : lr.r+9]
	lr.r += 9
	lr.feedHashers(b)
	lr.lastOpcode = OpCode(b[0])
	lr.lastLen, _, _ = getUint64At(b, 1)
}

// takeBody consumes the 9-byte header plus an n-byte body as one unit,
// feeding the active section hasher(s).
func (lr *LinearReader) takeBody(n uint64) ([]byte, bool) {
	total := 9 + int(n)
	if lr.w-lr.r < total {
		return nil, false
	}
	b := lr.buf[lr.r : lr.r+total]
	lr.r += total
	lr.feedHashers(b)
	return b[9:], true
}

// readChunkHeader drives a chunk from its first header byte through to a
// fully decompressed, ready-to-emit chunkState. PrevalidateChunkCRCs is the
// only mode that requires the whole declared chunk body to be buffered
// before any decompression starts, so a corrupt chunk is caught before a
// single inner record is emitted; every other mode streams compressed bytes
// into the decompressor as they arrive. In both modes it returns true only
// once the whole chunk is decompressed, and inner records are parsed out of
// cs.uncompressed only after that.
func (lr *LinearReader) readChunkHeader() (bool, error) {
	if lr.opts.PrevalidateChunkCRCs {
		return lr.readChunkHeaderPrevalidate()
	}
	return lr.readChunkHeaderIncremental()
}

// readChunkHeaderPrevalidate requires lr.chunkRemaining bytes (the chunk
// record's whole declared body) to already be buffered, decodes the entire
// compressed payload in one call, and validates its CRC before lr.chunk is
// set - so emission never starts on a chunk whose CRC will later fail.
func (lr *LinearReader) readChunkHeaderPrevalidate() (bool, error) {
	if lr.w-lr.r < int(lr.chunkRemaining) {
		return false, nil
	}
	body := lr.buf[lr.r : lr.r+int(lr.chunkRemaining)]
	c, err := parseChunk(body)
	if err != nil {
		return false, err
	}
	lr.feedHashers(body)
	lr.r += int(lr.chunkRemaining)
	lr.chunkRemaining = 0

	dec, err := lr.pool().get(c.Compression)
	if err != nil {
		return false, err
	}
	out := make([]byte, c.UncompressedSize)
	_, produced, _, err := dec.Decompress(c.Records, out)
	if err != nil {
		return false, err
	}
	uncompressed := out[:produced]
	if c.UncompressedCRC != 0 {
		computed := crc32.ChecksumIEEE(uncompressed)
		if computed != c.UncompressedCRC {
			return false, newBadChunkCrc(c.UncompressedCRC, computed)
		}
	}
	lr.chunk = &chunkState{
		compression:      c.Compression,
		decompressor:     dec,
		uncompressedSize: c.UncompressedSize,
		uncompressedCRC:  c.UncompressedCRC,
		uncompressed:     uncompressed,
	}
	return true, nil
}

// readChunkHeaderIncremental parses the chunk's fixed-plus-string prefix as
// soon as it is buffered (never requiring the compressed payload itself),
// then streams whatever compressed bytes are currently available through
// the decompressor, growing lr.chunk.uncompressed as output becomes
// available. It returns ok=true only once the full declared uncompressed
// size has been produced.
func (lr *LinearReader) readChunkHeaderIncremental() (bool, error) {
	if lr.chunk == nil {
		prefixLen, compression, compressedSize, uncompressedSize, uncompressedCRC, ok := lr.peekChunkPrefix()
		if !ok {
			lr.pendingLen = 1
			return false, nil
		}
		if compressedSize != lr.chunkRemaining-uint64(prefixLen) {
			return false, &ErrBadChunkLength{Declared: compressedSize, Available: lr.chunkRemaining - uint64(prefixLen)}
		}
		dec, err := lr.pool().get(compression)
		if err != nil {
			return false, err
		}
		prefix := lr.buf[lr.r : lr.r+prefixLen]
		lr.feedHashers(prefix)
		lr.r += prefixLen
		lr.chunkRemaining -= uint64(prefixLen)
		lr.chunk = &chunkState{
			compression:      compression,
			decompressor:     dec,
			compressedLeft:   compressedSize,
			uncompressedSize: uncompressedSize,
			uncompressedCRC:  uncompressedCRC,
		}
	}
	return lr.driveChunkDecompression()
}

// peekChunkPrefix reads the chunk's fixed header plus compression-name
// string plus declared compressed size, without consuming any of it, as
// soon as enough bytes are buffered to do so. Unlike peekHeader this may
// need several calls before enough is available, since the string's length
// is itself only known once the first 32 bytes are in.
func (lr *LinearReader) peekChunkPrefix() (prefixLen int, compression CompressionFormat, compressedSize, uncompressedSize uint64, uncompressedCRC uint32, ok bool) {
	avail := lr.buf[lr.r:lr.w]
	if len(avail) < 28 {
		return 0, "", 0, 0, 0, false
	}
	_, n, _ := getUint64At(avail, 0) // start time
	_, n, _ = getUint64At(avail, n)  // end time
	uSize, n, _ := getUint64At(avail, n)
	uCRC, n, _ := getUint32At(avail, n)
	if len(avail) < n+4 {
		return 0, "", 0, 0, 0, false
	}
	strLen, _, _ := getUint32At(avail, n)
	if len(avail) < n+4+int(strLen)+8 {
		return 0, "", 0, 0, 0, false
	}
	compStr, n, _ := getString(avail, n)
	compSize, n, _ := getUint64At(avail, n)
	return n, CompressionFormat(compStr), compSize, uSize, uCRC, true
}

// driveChunkDecompression feeds currently-buffered compressed bytes into
// lr.chunk's decompressor and appends whatever it produces to
// lr.chunk.uncompressed, returning ok=true once the declared uncompressed
// size has been fully produced.
func (lr *LinearReader) driveChunkDecompression() (bool, error) {
	cs := lr.chunk
	for uint64(len(cs.uncompressed)) < cs.uncompressedSize {
		avail := lr.w - lr.r
		if avail == 0 {
			lr.pendingLen = 1
			return false, nil
		}
		take := avail
		if uint64(take) > cs.compressedLeft {
			take = int(cs.compressedLeft)
		}
		src := lr.buf[lr.r : lr.r+take]
		dst := make([]byte, int(cs.uncompressedSize)-len(cs.uncompressed))
		consumed, produced, _, err := cs.decompressor.Decompress(src, dst)
		if err != nil {
			return false, err
		}
		if consumed > 0 {
			lr.feedHashers(lr.buf[lr.r : lr.r+consumed])
			lr.r += consumed
			lr.chunkRemaining -= uint64(consumed)
			cs.compressedLeft -= uint64(consumed)
		}
		cs.uncompressed = append(cs.uncompressed, dst[:produced]...)
		if consumed == 0 && produced == 0 {
			// Decompressor has everything it was given but needs more
			// compressed input than is currently buffered to make progress.
			lr.pendingLen = 1
			return false, nil
		}
	}
	if lr.opts.ValidateChunkCRCs && cs.uncompressedCRC != 0 {
		computed := crc32.ChecksumIEEE(cs.uncompressed)
		if computed != cs.uncompressedCRC {
			return false, newBadChunkCrc(cs.uncompressedCRC, computed)
		}
	}
	return true, nil
}

// readChunkInnerRecord parses the next record out of the current chunk's
// decompressed byte stream, or signals completion.
func (lr *LinearReader) readChunkInnerRecord() (Event, bool, error) {
	cs := lr.chunk
	if cs == nil || cs.uncompressedPos >= len(cs.uncompressed) {
		lr.chunk = nil
		return Event{}, true, nil
	}
	buf := cs.uncompressed
	pos := cs.uncompressedPos
	if pos+9 > len(buf) {
		return Event{}, false, ErrUnexpectedEOC
	}
	opcode := OpCode(buf[pos])
	length, _, _ := getUint64At(buf, pos+1)
	bodyStart := pos + 9
	bodyEnd := bodyStart + int(length)
	if bodyEnd > len(buf) {
		return Event{}, false, ErrUnexpectedEOC
	}
	body := buf[bodyStart:bodyEnd]
	rec, err := ParseRecord(opcode, body)
	if err != nil {
		return Event{}, false, err
	}
	cs.uncompressedPos = bodyEnd
	return Event{Kind: EventRecord, Opcode: opcode, Data: body, Record: rec}, false, nil
}

// readDataEnd reads DataEnd's body. Its 9-byte header was already consumed by
// readFileRecordHeader, which stashed the body length in lr.lastLen - peeking
// a fresh header here would misread body bytes as an opcode.
func (lr *LinearReader) readDataEnd() (Record, bool, error) {
	n := int(lr.lastLen)
	if lr.w-lr.r < n {
		lr.pendingLen = n
		return nil, false, nil
	}
	body := lr.buf[lr.r : lr.r+n]
	rec, err := parseDataEnd(body)
	if err != nil {
		return nil, false, err
	}
	if lr.opts.ValidateDataSectionCRC && rec.DataSectionCRC != 0 {
		computed := lr.dataHasher.Sum32()
		if computed != rec.DataSectionCRC {
			return nil, false, newBadDataCrc(rec.DataSectionCRC, computed)
		}
	}
	lr.r += n
	lr.summaryHasher = crc32.NewIEEE()
	lr.hashingSumm = true
	return rec, true, nil
}

// readFooter reads Footer's body, per the same already-consumed-header
// reasoning as readDataEnd.
func (lr *LinearReader) readFooter() (Record, bool, error) {
	n := int(lr.lastLen)
	if lr.w-lr.r < n {
		lr.pendingLen = n
		return nil, false, nil
	}
	body := lr.buf[lr.r : lr.r+n]
	rec, err := parseFooter(body)
	if err != nil {
		return nil, false, err
	}
	if lr.opts.ValidateSummarySectionCRC && rec.SummaryCRC != 0 {
		_, _ = lr.summaryHasher.Write(body[:16])
		computed := lr.summaryHasher.Sum32()
		if computed != rec.SummaryCRC {
			return nil, false, newBadSummaryCrc(rec.SummaryCRC, computed)
		}
	}
	lr.r += n
	return rec, true, nil
}

func (lr *LinearReader) pool() *decompressorPool {
	if lr.decompressors == nil {
		lr.decompressors = newDecompressorPool()
	}
	return lr.decompressors
}
