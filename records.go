package mcap

// Record is implemented by every typed MCAP record body. Opcode identifies
// which concrete type is behind the interface, mirroring the on-disk opcode
// prefix.
type Record interface {
	Opcode() OpCode
}

// Header is the first record in the data section of a well-formed file.
type Header struct {
	Profile string
	Library string
}

func (*Header) Opcode() OpCode { return OpHeader }

// Footer is the last record in a file, immediately preceding the closing
// magic. SummaryStart of zero means the file carries no summary section.
type Footer struct {
	SummaryStart       uint64
	SummaryOffsetStart uint64
	SummaryCRC         uint32
}

func (*Footer) Opcode() OpCode { return OpFooter }

// Schema describes an opaque, named message encoding. ID 0 is reserved and
// may never be assigned to a real schema.
type Schema struct {
	ID       uint16
	Name     string
	Encoding string
	Data     []byte
}

func (*Schema) Opcode() OpCode { return OpSchema }

// equalContent reports whether two schemas carry identical (name, encoding,
// data), ignoring ID - the dedup key described in §4.5.2.
func (s *Schema) equalContent(o *Schema) bool {
	return s.Name == o.Name && s.Encoding == o.Encoding && bytesEqual(s.Data, o.Data)
}

// Channel names a single encoded stream of messages. SchemaID of 0 denotes
// "no schema".
type Channel struct {
	ID              uint16
	SchemaID        uint16
	Topic           string
	MessageEncoding string
	Metadata        map[string]string
}

func (*Channel) Opcode() OpCode { return OpChannel }

func (c *Channel) equalContent(o *Channel) bool {
	if c.SchemaID != o.SchemaID || c.Topic != o.Topic || c.MessageEncoding != o.MessageEncoding {
		return false
	}
	if len(c.Metadata) != len(o.Metadata) {
		return false
	}
	for k, v := range c.Metadata {
		if ov, ok := o.Metadata[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Message is a single timestamped record on a Channel. Data consumes the
// remainder of the record body - there is no length prefix.
type Message struct {
	ChannelID   uint16
	Sequence    uint32
	LogTime     uint64
	PublishTime uint64
	Data        []byte
}

func (*Message) Opcode() OpCode { return OpMessage }

// Chunk is a batch of Schema/Channel/Message (and private) records, optionally
// compressed. Records holds the as-written body: compressed bytes when
// Compression is non-empty, raw inner records otherwise.
type Chunk struct {
	MessageStartTime uint64
	MessageEndTime   uint64
	UncompressedSize uint64
	UncompressedCRC  uint32
	Compression      CompressionFormat
	Records          []byte
}

func (*Chunk) Opcode() OpCode { return OpChunk }

// MessageIndexEntry locates one message within a chunk's decompressed byte
// stream.
type MessageIndexEntry struct {
	Timestamp uint64
	Offset    uint64
}

// MessageIndex lists, for one channel, every message offset within the chunk
// that immediately precedes it in file order.
type MessageIndex struct {
	ChannelID uint16
	Records   []MessageIndexEntry
}

func (*MessageIndex) Opcode() OpCode { return OpMessageIndex }

// ChunkIndex locates a Chunk record and its associated MessageIndex records
// within the summary section.
type ChunkIndex struct {
	MessageStartTime    uint64
	MessageEndTime      uint64
	ChunkStartOffset    uint64
	ChunkLength         uint64
	MessageIndexOffsets map[uint16]uint64
	MessageIndexLength  uint64
	Compression         CompressionFormat
	CompressedSize      uint64
	UncompressedSize    uint64
}

func (*ChunkIndex) Opcode() OpCode { return OpChunkIndex }

// Attachment carries an arbitrary named artifact. Attachments never appear
// inside a Chunk. CRC of 0 means "not computed".
type Attachment struct {
	LogTime    uint64
	CreateTime uint64
	Name       string
	MediaType  string
	Data       []byte
	CRC        uint32
}

func (*Attachment) Opcode() OpCode { return OpAttachment }

// AttachmentIndex locates an Attachment record within the file.
type AttachmentIndex struct {
	Offset     uint64
	Length     uint64
	LogTime    uint64
	CreateTime uint64
	DataSize   uint64
	Name       string
	MediaType  string
}

func (*AttachmentIndex) Opcode() OpCode { return OpAttachmentIndex }

// Statistics summarizes the recording. The file should contain at most one.
type Statistics struct {
	MessageCount         uint64
	SchemaCount          uint16
	ChannelCount         uint32
	AttachmentCount      uint32
	MetadataCount        uint32
	ChunkCount           uint32
	MessageStartTime     uint64
	MessageEndTime       uint64
	ChannelMessageCounts map[uint16]uint64
}

func (*Statistics) Opcode() OpCode { return OpStatistics }

// Metadata carries arbitrary user key/value data, unrelated to any channel.
type Metadata struct {
	Name     string
	Metadata map[string]string
}

func (*Metadata) Opcode() OpCode { return OpMetadata }

// MetadataIndex locates a Metadata record within the file.
type MetadataIndex struct {
	Offset uint64
	Length uint64
	Name   string
}

func (*MetadataIndex) Opcode() OpCode { return OpMetadataIndex }

// SummaryOffset locates one opcode-homogeneous group of records within the
// summary section.
type SummaryOffset struct {
	GroupOpcode OpCode
	GroupStart  uint64
	GroupLength uint64
}

func (*SummaryOffset) Opcode() OpCode { return OpSummaryOffset }

// DataEnd marks the boundary between the data section and the summary
// section. DataSectionCRC of 0 means "not computed".
type DataEnd struct {
	DataSectionCRC uint32
}

func (*DataEnd) Opcode() OpCode { return OpDataEnd }

// Unknown wraps a record whose opcode is in the private/user range
// (>= 0x80). The core never interprets its contents.
type Unknown struct {
	OpcodeValue OpCode
	Data        []byte
}

func (u *Unknown) Opcode() OpCode { return u.OpcodeValue }

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
