package codec

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/jabeka/CollectionRecorder/internal/audio"
)

const (
	wavFormatPCM        = 1
	wavFormatFloat      = 3
	wavFormatExtensible = 0xFFFE

	wavHeaderSize = 44
)

// ErrClosed is returned when writing to a closed writer
var ErrClosed = errors.New("writer closed")

// WAVHeader represents the header structure of a canonical WAV file
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM, 3 for IEEE float
	NumChannels   uint16  // Number of channels
	SampleRate    uint32  // Sample rate
	ByteRate      uint32  // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16  // NumChannels * BitsPerSample / 8
	BitsPerSample uint16  // Bits per sample
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

func newWAVHeader(format Format, dataSize uint32) WAVHeader {
	audioFormat := uint16(wavFormatPCM)
	if format.BitDepth == 32 {
		audioFormat = wavFormatFloat
	}

	channels := uint16(format.Channels)
	bits := uint16(format.BitDepth)

	return WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   audioFormat,
		NumChannels:   channels,
		SampleRate:    uint32(format.SampleRate),
		ByteRate:      uint32(format.SampleRate) * uint32(channels) * uint32(bits) / 8,
		BlockAlign:    channels * bits / 8,
		BitsPerSample: bits,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}
}

// WAVWriter streams interleaved samples into a WAV file. The header sizes
// are patched on Close.
type WAVWriter struct {
	file       *os.File
	w          *bufio.Writer
	format     Format
	sampleSize int
	frames     int64
	scratch    []byte
	closed     bool
}

// CreateWAV creates path and writes a placeholder header
func CreateWAV(path string, format Format) (*WAVWriter, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create WAV file: %w", err)
	}

	w := &WAVWriter{
		file:       f,
		w:          bufio.NewWriterSize(f, 64*1024),
		format:     format,
		sampleSize: format.BitDepth / 8,
	}

	if err := binary.Write(w.w, binary.LittleEndian, newWAVHeader(format, 0)); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}

	return w, nil
}

// Write interleaves and encodes every frame of b
func (w *WAVWriter) Write(b audio.Block) error {
	if w.closed {
		return ErrClosed
	}
	if b.Channels() != w.format.Channels {
		return fmt.Errorf("block has %d channels, file has %d", b.Channels(), w.format.Channels)
	}

	frames := b.Frames()
	if frames == 0 {
		return nil
	}

	dataSize := (w.frames + int64(frames)) * int64(w.format.Channels*w.sampleSize)
	if dataSize > math.MaxUint32-wavHeaderSize {
		return fmt.Errorf("WAV data would exceed 4 GiB")
	}

	need := frames * w.format.Channels * w.sampleSize
	if cap(w.scratch) < need {
		w.scratch = make([]byte, need)
	}
	buf := w.scratch[:need]

	off := 0
	for i := 0; i < frames; i++ {
		for _, ch := range b {
			w.encode(buf[off:], ch[i])
			off += w.sampleSize
		}
	}

	if _, err := w.w.Write(buf); err != nil {
		return fmt.Errorf("failed to write audio data: %w", err)
	}
	w.frames += int64(frames)
	return nil
}

func (w *WAVWriter) encode(dst []byte, s float32) {
	switch w.format.BitDepth {
	case 16:
		binary.LittleEndian.PutUint16(dst, uint16(int16(math.Round(float64(clamp(s))*math.MaxInt16))))
	case 24:
		v := int32(math.Round(float64(clamp(s)) * 8388607))
		dst[0] = byte(v)
		dst[1] = byte(v >> 8)
		dst[2] = byte(v >> 16)
	case 32:
		binary.LittleEndian.PutUint32(dst, math.Float32bits(s))
	}
}

func clamp(s float32) float32 {
	return min(max(s, -1), 1)
}

// Flush pushes buffered samples to the file
func (w *WAVWriter) Flush() error {
	if w.closed {
		return ErrClosed
	}
	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAV data: %w", err)
	}
	return nil
}

// Close flushes, patches the header sizes and closes the file
func (w *WAVWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.w.Flush(); err != nil {
		w.file.Close()
		return fmt.Errorf("failed to flush WAV data: %w", err)
	}

	dataSize := uint32(w.frames * int64(w.format.Channels*w.sampleSize))
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		w.file.Close()
		return fmt.Errorf("failed to seek WAV header: %w", err)
	}
	if err := binary.Write(w.file, binary.LittleEndian, newWAVHeader(w.format, dataSize)); err != nil {
		w.file.Close()
		return fmt.Errorf("failed to patch WAV header: %w", err)
	}

	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close WAV file: %w", err)
	}
	return nil
}

// Frames returns the number of frames written so far
func (w *WAVWriter) Frames() int64 {
	return w.frames
}

// wavFmtChunk is the common part of the "fmt " chunk
type wavFmtChunk struct {
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
}

// WAVReader decodes a WAV file block by block
type WAVReader struct {
	file        *os.File
	r           *bufio.Reader
	format      Format
	audioFormat uint16
	sampleSize  int
	dataOffset  int64
	length      int64
	pos         int64
	scratch     []byte
}

// OpenWAV opens path and parses its chunks up to the audio data
func OpenWAV(path string) (*WAVReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAV file: %w", err)
	}

	r, err := parseWAV(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

func parseWAV(f *os.File) (*WAVReader, error) {
	var riff struct {
		ChunkID   [4]byte
		ChunkSize uint32
		Format    [4]byte
	}
	if err := binary.Read(f, binary.LittleEndian, &riff); err != nil {
		return nil, fmt.Errorf("failed to read WAV header: %w", err)
	}
	if string(riff.ChunkID[:]) != "RIFF" {
		return nil, fmt.Errorf("invalid WAV file: missing RIFF header")
	}
	if string(riff.Format[:]) != "WAVE" {
		return nil, fmt.Errorf("invalid WAV file: missing WAVE format")
	}

	stat, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat WAV file: %w", err)
	}

	var (
		fmtChunk *wavFmtChunk
		offset   int64 = 12
	)

	for {
		var chunk struct {
			ID   [4]byte
			Size uint32
		}
		if err := binary.Read(f, binary.LittleEndian, &chunk); err != nil {
			return nil, fmt.Errorf("invalid WAV file: missing data chunk")
		}
		offset += 8
		size := int64(chunk.Size)

		switch string(chunk.ID[:]) {
		case "fmt ":
			if size < 16 {
				return nil, fmt.Errorf("invalid WAV file: fmt chunk too short")
			}
			fmtChunk = &wavFmtChunk{}
			if err := binary.Read(f, binary.LittleEndian, fmtChunk); err != nil {
				return nil, fmt.Errorf("failed to read fmt chunk: %w", err)
			}
			consumed := int64(16)

			if fmtChunk.AudioFormat == wavFormatExtensible && size >= 40 {
				var ext struct {
					CbSize      uint16
					ValidBits   uint16
					ChannelMask uint32
					SubFormat   uint16
				}
				if err := binary.Read(f, binary.LittleEndian, &ext); err != nil {
					return nil, fmt.Errorf("failed to read extensible fmt chunk: %w", err)
				}
				fmtChunk.AudioFormat = ext.SubFormat
				consumed += 10
			}

			if _, err := f.Seek(size-consumed+size%2, io.SeekCurrent); err != nil {
				return nil, fmt.Errorf("failed to skip fmt chunk: %w", err)
			}
			offset += size + size%2

		case "data":
			if fmtChunk == nil {
				return nil, fmt.Errorf("invalid WAV file: data chunk before fmt chunk")
			}
			// Unfinalized files carry a zero or oversized data length
			if size == 0 || offset+size > stat.Size() {
				size = stat.Size() - offset
			}
			return newWAVReader(f, fmtChunk, offset, size)

		default:
			if _, err := f.Seek(size+size%2, io.SeekCurrent); err != nil {
				return nil, fmt.Errorf("failed to skip %q chunk: %w", chunk.ID[:], err)
			}
			offset += size + size%2
		}
	}
}

func newWAVReader(f *os.File, c *wavFmtChunk, dataOffset, dataSize int64) (*WAVReader, error) {
	switch {
	case c.AudioFormat == wavFormatPCM && (c.BitsPerSample == 16 || c.BitsPerSample == 24 || c.BitsPerSample == 32):
	case c.AudioFormat == wavFormatFloat && c.BitsPerSample == 32:
	default:
		return nil, fmt.Errorf("%w: WAV audio format %d with %d bits", ErrUnsupportedFormat, c.AudioFormat, c.BitsPerSample)
	}
	if c.NumChannels == 0 {
		return nil, fmt.Errorf("invalid WAV file: zero channels")
	}
	if c.SampleRate == 0 {
		return nil, fmt.Errorf("invalid sample rate: 0")
	}

	sampleSize := int(c.BitsPerSample) / 8
	blockAlign := int64(c.NumChannels) * int64(sampleSize)

	return &WAVReader{
		file: f,
		r:    bufio.NewReaderSize(f, 64*1024),
		format: Format{
			Codec:      "wav",
			SampleRate: int(c.SampleRate),
			BitDepth:   int(c.BitsPerSample),
			Channels:   int(c.NumChannels),
		},
		audioFormat: c.AudioFormat,
		sampleSize:  sampleSize,
		dataOffset:  dataOffset,
		length:      dataSize / blockAlign,
	}, nil
}

// Format returns the file format
func (r *WAVReader) Format() Format {
	return r.format
}

// Length returns the file length in frames
func (r *WAVReader) Length() int64 {
	return r.length
}

// Seek positions the reader at frame
func (r *WAVReader) Seek(frame int64) error {
	if frame < 0 || frame > r.length {
		return fmt.Errorf("seek to frame %d outside [0, %d]", frame, r.length)
	}

	blockAlign := int64(r.format.Channels * r.sampleSize)
	if _, err := r.file.Seek(r.dataOffset+frame*blockAlign, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek WAV data: %w", err)
	}
	r.r.Reset(r.file)
	r.pos = frame
	return nil
}

// ReadBlock decodes up to dst.Frames() frames into dst
func (r *WAVReader) ReadBlock(dst audio.Block) (int, error) {
	if dst.Channels() != r.format.Channels {
		return 0, fmt.Errorf("block has %d channels, file has %d", dst.Channels(), r.format.Channels)
	}

	n := int(min(int64(dst.Frames()), r.length-r.pos))
	if n <= 0 {
		return 0, io.EOF
	}

	need := n * r.format.Channels * r.sampleSize
	if cap(r.scratch) < need {
		r.scratch = make([]byte, need)
	}
	buf := r.scratch[:need]
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return 0, fmt.Errorf("failed to read audio samples: %w", err)
	}

	off := 0
	for i := 0; i < n; i++ {
		for _, ch := range dst {
			ch[i] = r.decode(buf[off:])
			off += r.sampleSize
		}
	}

	r.pos += int64(n)
	return n, nil
}

func (r *WAVReader) decode(src []byte) float32 {
	switch {
	case r.audioFormat == wavFormatFloat:
		return math.Float32frombits(binary.LittleEndian.Uint32(src))
	case r.sampleSize == 2:
		return float32(int16(binary.LittleEndian.Uint16(src))) / math.MaxInt16
	case r.sampleSize == 3:
		v := int32(uint32(src[0])<<8|uint32(src[1])<<16|uint32(src[2])<<24) >> 8
		return float32(v) / 8388607
	default:
		return float32(float64(int32(binary.LittleEndian.Uint32(src))) / 2147483648)
	}
}

// Close closes the file
func (r *WAVReader) Close() error {
	return r.file.Close()
}
