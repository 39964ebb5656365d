package mcap

// Summary is the accumulated result of loading an MCAP file's summary
// section: schema/channel tables plus the ordered index lists needed for
// random access.
type Summary struct {
	Schemas          *slicemap[Schema]
	Channels         *slicemap[Channel]
	ChunkIndexes     []*ChunkIndex
	AttachmentIndexes []*AttachmentIndex
	MetadataIndexes  []*MetadataIndex
	Statistics       *Statistics
}

// SummaryEventKind discriminates SummaryLoader events.
type SummaryEventKind int

const (
	SummaryNeedBytes SummaryEventKind = iota
	SummarySeekRequest
	SummaryDone
)

// SummaryEvent is returned by SummaryLoader.NextEvent.
type SummaryEvent struct {
	Kind     SummaryEventKind
	Need     int
	Position int64 // for SummarySeekRequest: absolute offset from the start of the file
	Summary  *Summary
}

type summaryLoaderState int

const (
	summaryStateSeekToFooterStart summaryLoaderState = iota
	summaryStateReadFooterBody
	summaryStateSeekToSummaryStart
	summaryStateReadSummary
	summaryStateDone
)

// SummaryLoader drives the footer-then-summary-section read described in
// §4.4.1. It never performs I/O: the caller fulfills ReadRequest/SeekRequest
// events with Insert/NotifyRead and NotifySeekComplete.
type SummaryLoader struct {
	validateCRC bool

	state summaryLoaderState
	buf   []byte
	r, w  int
	eof   bool

	footer *Footer
	inner  *LinearReader

	summary *Summary
	err     error
}

// NewSummaryLoader constructs a SummaryLoader. If validateSummaryCRC is set,
// the inner linear reader validates the summary section CRC against the
// footer.
func NewSummaryLoader(validateSummaryCRC bool) *SummaryLoader {
	return &SummaryLoader{validateCRC: validateSummaryCRC}
}

// Insert returns a slice for the caller to fill with n bytes read from the
// position most recently requested.
func (sl *SummaryLoader) Insert(n int) []byte {
	if sl.inner != nil {
		return sl.inner.Insert(n)
	}
	needCap := sl.w + n
	if needCap > cap(sl.buf) {
		grown := make([]byte, needCap, needCap*2)
		copy(grown, sl.buf[:sl.w])
		sl.buf = grown
	} else if needCap > len(sl.buf) {
		sl.buf = sl.buf[:needCap]
	}
	return sl.buf[sl.w : sl.w+n]
}

// NotifyRead records written bytes at the position requested by Insert.
func (sl *SummaryLoader) NotifyRead(written int) {
	if sl.inner != nil {
		sl.inner.NotifyRead(written)
		return
	}
	if written == 0 {
		sl.eof = true
		return
	}
	sl.w += written
}

// NotifySeekComplete tells the loader a requested seek has completed and any
// buffered bytes from before the seek are no longer valid. Per §4.4.1, a
// loader that observes an unexpected seek resets to match the new position.
func (sl *SummaryLoader) NotifySeekComplete() {
	sl.buf = sl.buf[:0]
	sl.r, sl.w = 0, 0
	sl.eof = false
}

// NextEvent advances the loader. fileLength must be the total file
// length in bytes (the caller discovers this externally, e.g. via stat or an
// HTTP Content-Length header).
func (sl *SummaryLoader) NextEvent(fileLength int64) (SummaryEvent, error) {
	if sl.err != nil {
		return SummaryEvent{}, sl.err
	}
	for {
		switch sl.state {
		case summaryStateSeekToFooterStart:
			sl.state = summaryStateReadFooterBody
			// The 29-byte Footer record (opcode+length+20-byte body) sits
			// immediately before the closing magic.
			return SummaryEvent{Kind: SummarySeekRequest, Position: fileLength - 29 - int64(len(Magic))}, nil

		case summaryStateReadFooterBody:
			if sl.w-sl.r < 29 {
				if sl.eof {
					sl.err = ErrUnexpectedEOF
					return SummaryEvent{}, sl.err
				}
				return SummaryEvent{Kind: SummaryNeedBytes, Need: 29 - (sl.w - sl.r)}, nil
			}
			if OpCode(sl.buf[sl.r]) != OpFooter {
				sl.err = ErrBadMagic
				return SummaryEvent{}, sl.err
			}
			footer, err := parseFooter(sl.buf[sl.r+9 : sl.r+29])
			if err != nil {
				sl.err = err
				return SummaryEvent{}, sl.err
			}
			sl.footer = footer
			if footer.SummaryStart == 0 {
				sl.summary = nil
				sl.state = summaryStateDone
				return SummaryEvent{Kind: SummaryDone, Summary: nil}, nil
			}
			sl.state = summaryStateSeekToSummaryStart

		case summaryStateSeekToSummaryStart:
			opts := []LinearReaderOption{WithSkipStartMagic(), WithSkipEndMagic()}
			if sl.validateCRC {
				opts = append(opts, WithValidateSummarySectionCRC())
			}
			sl.inner = NewLinearReader(opts...)
			// The inner reader starts past DataEnd, so every byte it reads
			// belongs to the summary section.
			sl.inner.hashingData = false
			sl.inner.hashingSumm = true
			sl.state = summaryStateReadSummary
			return SummaryEvent{Kind: SummarySeekRequest, Position: int64(sl.footer.SummaryStart)}, nil

		case summaryStateReadSummary:
			ev, err := sl.inner.NextEvent()
			if err != nil {
				sl.err = err
				return SummaryEvent{}, err
			}
			switch ev.Kind {
			case EventNeedBytes:
				return SummaryEvent{Kind: SummaryNeedBytes, Need: ev.Need}, nil
			case EventRecord:
				if ev.Record == nil {
					// end of inner stream (Footer consumed internally)
					sl.state = summaryStateDone
					return SummaryEvent{Kind: SummaryDone, Summary: sl.summary}, nil
				}
				sl.accumulate(ev)
				if ev.Opcode == OpFooter {
					sl.state = summaryStateDone
					return SummaryEvent{Kind: SummaryDone, Summary: sl.summary}, nil
				}
			default:
				sl.state = summaryStateDone
				return SummaryEvent{Kind: SummaryDone, Summary: sl.summary}, nil
			}

		case summaryStateDone:
			return SummaryEvent{Kind: SummaryDone, Summary: sl.summary}, nil
		}
	}
}

// Schema returns the schema with the given ID, or nil if none was loaded.
func (s *Summary) Schema(id uint16) *Schema {
	if s == nil || s.Schemas == nil {
		return nil
	}
	return s.Schemas.get(id)
}

// Channel returns the channel with the given ID, or nil if none was loaded.
func (s *Summary) Channel(id uint16) *Channel {
	if s == nil || s.Channels == nil {
		return nil
	}
	return s.Channels.get(id)
}

// AllChannels returns every loaded channel, keyed by ID.
func (s *Summary) AllChannels() map[uint16]*Channel {
	if s == nil || s.Channels == nil {
		return nil
	}
	return s.Channels.toMap()
}

func (sl *SummaryLoader) accumulate(ev Event) {
	if sl.summary == nil {
		sl.summary = &Summary{
			Schemas:  &slicemap[Schema]{},
			Channels: &slicemap[Channel]{},
		}
	}
	switch rec := ev.Record.(type) {
	case *Schema:
		sl.summary.Schemas.set(rec.ID, rec)
	case *Channel:
		sl.summary.Channels.set(rec.ID, rec)
	case *ChunkIndex:
		sl.summary.ChunkIndexes = append(sl.summary.ChunkIndexes, rec)
	case *AttachmentIndex:
		sl.summary.AttachmentIndexes = append(sl.summary.AttachmentIndexes, rec)
	case *MetadataIndex:
		sl.summary.MetadataIndexes = append(sl.summary.MetadataIndexes, rec)
	case *Statistics:
		sl.summary.Statistics = rec
	case *SummaryOffset:
		// ignored per §4.4.1 step 4.
	}
}
