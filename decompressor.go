package mcap

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Decompressor is the incremental decompression contract consumed by the
// linear and indexed readers. Implementations buffer their own compressed
// input; Decompress is called repeatedly, each time supplying more of src
// (which callers must keep stable - previously consumed bytes are never
// revisited) until produced bytes satisfy the caller.
type Decompressor interface {
	// Decompress consumes a prefix of src and writes decoded bytes into dst,
	// returning how many bytes of each it used. need is a hint for how many
	// additional compressed bytes the caller should supply before calling
	// again; it is advisory only.
	Decompress(src, dst []byte) (consumed, produced int, need int, err error)
	// Reset returns the decoder to a state equivalent to a freshly
	// constructed instance, ready for the next chunk.
	Reset()
	// Name returns the codec tag this decoder handles.
	Name() CompressionFormat
}

// identityDecompressor implements Decompressor for CompressionNone: bytes
// pass straight through.
type identityDecompressor struct{}

func (identityDecompressor) Decompress(src, dst []byte) (int, int, int, error) {
	n := len(src)
	if n > len(dst) {
		n = len(dst)
	}
	copy(dst[:n], src[:n])
	need := 0
	if len(dst) > n {
		need = len(dst) - n
	}
	return n, n, need, nil
}

func (identityDecompressor) Reset()                       {}
func (identityDecompressor) Name() CompressionFormat       { return CompressionNone }

// zstdDecompressor and lz4Decompressor accept compressed bytes across
// repeated Decompress calls and drain decoded output incrementally. Neither
// the klauspost/compress/zstd nor pierrec/lz4 Go packages expose the
// FFI-level push/pull incremental API the MCAP reference sans-I/O design
// assumes, so both wrap a bytes.Buffer used as a live producer/consumer
// queue: Decompress appends newly-arrived compressed bytes to it and the
// decoder reads from the same buffer, so bytes written after the decoder
// was constructed are still visible to it (a plain bytes.Reader snapshot of
// compressed.Bytes() would not see later writes, since Write can reallocate
// the buffer's backing array).
type zstdDecompressor struct {
	compressed bytes.Buffer
	decoder    *zstd.Decoder
	out        bytes.Buffer
	started    bool
}

func newZstdDecompressor() *zstdDecompressor {
	return &zstdDecompressor{}
}

// zstdFrameMagicLen is the size of the zstd frame magic number; constructing
// a Reader with fewer bytes buffered than this risks a spurious io.EOF from
// the header parse rather than a genuine "need more" signal.
const zstdFrameMagicLen = 4

func (z *zstdDecompressor) Decompress(src, dst []byte) (int, int, int, error) {
	z.compressed.Write(src)
	if !z.started {
		if z.compressed.Len() < zstdFrameMagicLen {
			return len(src), 0, zstdFrameMagicLen - z.compressed.Len(), nil
		}
		dec, err := zstd.NewReader(&z.compressed)
		if err != nil {
			return len(src), 0, 0, &ErrDecompression{Detail: err.Error()}
		}
		z.decoder = dec
		z.started = true
	}
	if z.out.Len() < len(dst) {
		buf := make([]byte, len(dst)-z.out.Len())
		n, err := io.ReadFull(z.decoder, buf)
		if n > 0 {
			z.out.Write(buf[:n])
		}
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return len(src), 0, 0, &ErrDecompression{Detail: err.Error()}
		}
	}
	produced := copy(dst, z.out.Next(len(dst)))
	return len(src), produced, 0, nil
}

func (z *zstdDecompressor) Reset() {
	if z.decoder != nil {
		z.decoder.Close()
	}
	z.compressed.Reset()
	z.out.Reset()
	z.decoder = nil
	z.started = false
}

func (*zstdDecompressor) Name() CompressionFormat { return CompressionZSTD }

type lz4Decompressor struct {
	compressed bytes.Buffer
	reader     *lz4.Reader
	out        bytes.Buffer
	started    bool
}

func newLZ4Decompressor() *lz4Decompressor {
	return &lz4Decompressor{}
}

// lz4FrameMagicLen is the size of the LZ4 frame magic number; see
// zstdFrameMagicLen for why construction waits for it.
const lz4FrameMagicLen = 4

func (l *lz4Decompressor) Decompress(src, dst []byte) (int, int, int, error) {
	l.compressed.Write(src)
	if !l.started {
		if l.compressed.Len() < lz4FrameMagicLen {
			return len(src), 0, lz4FrameMagicLen - l.compressed.Len(), nil
		}
		l.reader = lz4.NewReader(&l.compressed)
		l.started = true
	}
	if l.out.Len() < len(dst) {
		buf := make([]byte, len(dst)-l.out.Len())
		n, err := io.ReadFull(l.reader, buf)
		if n > 0 {
			l.out.Write(buf[:n])
		}
		// Some LZ4 frames leave trailing padding within the record's
		// declared compressed_size after the real payload ends; treat a
		// short read at EOF as success rather than an error (§8.15).
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return len(src), 0, 0, &ErrDecompression{Detail: err.Error()}
		}
	}
	produced := copy(dst, l.out.Next(len(dst)))
	return len(src), produced, 0, nil
}

func (l *lz4Decompressor) Reset() {
	l.compressed.Reset()
	l.out.Reset()
	l.reader = nil
	l.started = false
}

func (*lz4Decompressor) Name() CompressionFormat { return CompressionLZ4 }

// decompressorPool caches Decompressor instances by codec name, reusing and
// resetting them between chunks rather than allocating fresh decoders,
// grounded in the teacher's lexer.go decoder-per-Lexer reuse pattern.
type decompressorPool struct {
	instances map[CompressionFormat]Decompressor
}

func newDecompressorPool() *decompressorPool {
	return &decompressorPool{instances: make(map[CompressionFormat]Decompressor)}
}

func (p *decompressorPool) get(name CompressionFormat) (Decompressor, error) {
	if d, ok := p.instances[name]; ok {
		d.Reset()
		return d, nil
	}
	var d Decompressor
	switch name {
	case CompressionNone:
		d = identityDecompressor{}
	case CompressionZSTD:
		d = newZstdDecompressor()
	case CompressionLZ4:
		d = newLZ4Decompressor()
	default:
		return nil, &ErrUnsupportedCompression{Name: name}
	}
	p.instances[name] = d
	return d, nil
}
