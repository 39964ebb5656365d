// Package mcap implements the encoder/decoder core of the MCAP container
// format: a self-describing, chunk-indexed container for interleaved
// time-series messages, schemas, attachments and metadata.
//
// The package is split into a bit-exact record codec, a pooled decompressor
// abstraction, and three sans-I/O state machines (LinearReader, SummaryLoader,
// IndexedReader) plus a Writer. None of these types perform I/O themselves;
// callers drive them with byte slices obtained however they like (files,
// mmap, HTTP range reads, tests).
package mcap

import "fmt"

// Magic is the byte sequence that must open and close every MCAP file.
var Magic = []byte{0x89, 'M', 'C', 'A', 'P', 0x30, '\r', '\n'}

// CompressionFormat names a chunk compression codec, as written in the
// Chunk and ChunkIndex records' compression field.
type CompressionFormat string

const (
	CompressionNone CompressionFormat = ""
	CompressionZSTD CompressionFormat = "zstd"
	CompressionLZ4  CompressionFormat = "lz4"
)

// String converts a compression format to a string for display.
func (c CompressionFormat) String() string {
	if c == CompressionNone {
		return "none"
	}
	return string(c)
}

// OpCode identifies the kind of an MCAP record.
type OpCode byte

const (
	OpInvalid         OpCode = 0x00
	OpHeader          OpCode = 0x01
	OpFooter          OpCode = 0x02
	OpSchema          OpCode = 0x03
	OpChannel         OpCode = 0x04
	OpMessage         OpCode = 0x05
	OpChunk           OpCode = 0x06
	OpMessageIndex    OpCode = 0x07
	OpChunkIndex      OpCode = 0x08
	OpAttachment      OpCode = 0x09
	OpAttachmentIndex OpCode = 0x0A
	OpStatistics      OpCode = 0x0B
	OpMetadata        OpCode = 0x0C
	OpMetadataIndex   OpCode = 0x0D
	OpSummaryOffset   OpCode = 0x0E
	OpDataEnd         OpCode = 0x0F
)

// reservedRangeStart and reservedRangeEnd bracket the opcode range the MCAP
// spec holds in reserve. Reading one of these is an error; opcodes at or
// above privateRangeStart are available for application use and are yielded
// as Unknown records.
const (
	reservedRangeStart = 0x10
	reservedRangeEnd   = 0x7F
	privateRangeStart  = 0x80
)

func (c OpCode) String() string {
	switch c {
	case OpHeader:
		return "header"
	case OpFooter:
		return "footer"
	case OpSchema:
		return "schema"
	case OpChannel:
		return "channel"
	case OpMessage:
		return "message"
	case OpChunk:
		return "chunk"
	case OpMessageIndex:
		return "message index"
	case OpChunkIndex:
		return "chunk index"
	case OpAttachment:
		return "attachment"
	case OpAttachmentIndex:
		return "attachment index"
	case OpStatistics:
		return "statistics"
	case OpMetadata:
		return "metadata"
	case OpMetadataIndex:
		return "metadata index"
	case OpSummaryOffset:
		return "summary offset"
	case OpDataEnd:
		return "data end"
	default:
		return fmt.Sprintf("<opcode 0x%02x>", byte(c))
	}
}

// isReserved reports whether opcode falls in the range the spec reserves for
// future MCAP record kinds. Reading a reserved opcode is always an error;
// opcodes above the reserved range are treated as private/user records.
func (c OpCode) isReserved() bool {
	return c >= reservedRangeStart && c <= reservedRangeEnd
}

func (c OpCode) isPrivate() bool {
	return c >= privateRangeStart
}

// version is the library version reported in the Header's library field by
// default.
const version = "0.1.0"

// Version returns the version string this package reports as part of the
// default writer library tag.
func Version() string {
	return version
}
