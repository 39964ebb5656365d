package mcap

import (
	"bytes"
	"math"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// ChunkWriter accumulates one chunk's worth of inner records (Schema,
// Channel, Message, private-opcode) behind a streaming compressor, per the
// chunk lifecycle in §4.5.3.
type ChunkWriter struct {
	compressed        *bytes.Buffer
	compressedWriter  *countingCRCWriter
	compressionFormat CompressionFormat
	MessageIndexes    map[uint16]*MessageIndex

	ChunkStartTime uint64
	ChunkEndTime   uint64
}

func newChunkWriter(compression CompressionFormat, level CompressionLevel, includeCRC bool) (*ChunkWriter, error) {
	var compressedWriter *countingCRCWriter
	compressed := &bytes.Buffer{}
	switch compression {
	case CompressionZSTD:
		zw, err := zstd.NewWriter(compressed, zstd.WithEncoderLevel(level.zstdLevel()))
		if err != nil {
			return nil, err
		}
		compressedWriter = newCountingCRCWriter(zw, includeCRC)
	case CompressionLZ4:
		lw := lz4.NewWriter(compressed)
		_ = lw.Apply(lz4.CompressionLevelOption(level.lz4Level()))
		compressedWriter = newCountingCRCWriter(lw, includeCRC)
	case CompressionNone:
		compressedWriter = newCountingCRCWriter(bufCloser{compressed}, includeCRC)
	default:
		return nil, &ErrUnsupportedCompression{Name: compression}
	}
	return &ChunkWriter{
		compressed:        compressed,
		compressedWriter:  compressedWriter,
		compressionFormat: compression,
		MessageIndexes:    make(map[uint16]*MessageIndex),
		ChunkStartTime:    math.MaxUint64,
		ChunkEndTime:      0,
	}, nil
}

// WriteRecord appends buf to the chunk's compressed stream as given. Callers
// pass the full EncodeRecord output, opcode+length wrapper included, since
// chunks contain whole records (per §3.1).
func (cw *ChunkWriter) WriteRecord(buf []byte) error {
	_, err := cw.compressedWriter.Write(buf)
	return err
}

func (cw *ChunkWriter) UncompressedLen() int64 {
	return cw.compressedWriter.Size()
}

func (cw *ChunkWriter) CompressedLen() int {
	return cw.compressed.Len()
}

// Finish flushes the streaming compressor so CompressedLen/UncompressedLen
// and the CRC reflect the complete chunk.
func (cw *ChunkWriter) Finish() error {
	return cw.compressedWriter.Close()
}

// Encode appends the finished Chunk record (opcode+length+body) to dst.
func (cw *ChunkWriter) Encode(dst []byte) []byte {
	chunk := &Chunk{
		MessageStartTime: cw.ChunkStartTime,
		MessageEndTime:   cw.ChunkEndTime,
		UncompressedSize: uint64(cw.UncompressedLen()),
		UncompressedCRC:  cw.compressedWriter.CRC(),
		Compression:      cw.compressionFormat,
		Records:          cw.compressed.Bytes(),
	}
	return EncodeRecord(dst, chunk)
}

func (cw *ChunkWriter) Reset() {
	cw.compressed.Reset()
	cw.compressedWriter.Reset(cw.compressed)
	cw.compressedWriter.ResetCRC()
	cw.compressedWriter.ResetSize()
	cw.MessageIndexes = make(map[uint16]*MessageIndex)
	cw.ChunkStartTime = math.MaxUint64
	cw.ChunkEndTime = 0
}
