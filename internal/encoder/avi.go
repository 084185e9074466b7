package encoder

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/care/orion-recorder/internal/types"
)

// CodecMJPG is the only FourCC the AVI encoder produces
const CodecMJPG = "MJPG"

// Fixed header layout: RIFF/hdrl(avih, strl(strh, strf))/movi list header.
// Every field that depends on the finished clip lives in this block and is
// rewritten in place by Close.
const (
	aviHeaderSize = 224

	offRIFFSize      = 4
	offMicroSec      = 32
	offMaxBytesSec   = 36
	offAvihFlags     = 44
	offTotalFrames   = 48
	offStreams       = 56
	offAvihBufSize   = 60
	offAvihWidth     = 64
	offAvihHeight    = 68
	offStrhScale     = 128
	offStrhRate      = 132
	offStrhLength    = 140
	offStrhBufSize   = 144
	offStrfWidth     = 176
	offStrfHeight    = 180
	offStrfSizeImage = 192
	offMoviSize      = 216
	offMovi          = 220 // "movi" fourcc; idx1 offsets are relative to it

	avifHasIndex   = 0x10
	aviifKeyframe  = 0x10
	aviRateScale   = 1000
	chunkIDVideo   = "00dc"
	chunkIDIndex   = "idx1"
	idx1EntrySize  = 16
	chunkHeaderLen = 8

	// maxRIFFSize is the largest RIFF payload an AVI 1.0 header can state.
	// Sizes and idx1 offsets are 32-bit.
	maxRIFFSize = math.MaxUint32
)

// AVI encodes frames as JPEG images in an AVI container
type AVI struct {
	Quality int
}

// NewAVI creates an AVI encoder. quality 0 means DefaultJPEGQuality.
func NewAVI(quality int) *AVI {
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	return &AVI{Quality: quality}
}

// Name implements Encoder
func (a *AVI) Name() string { return "avi" }

// Open implements Encoder
func (a *AVI) Open(path, codec string, fps float64, shape types.Shape) (Writer, error) {
	if !strings.EqualFold(codec, CodecMJPG) {
		return nil, fmt.Errorf("avi encoder supports codec %s only, got %q", CodecMJPG, codec)
	}
	if shape.Width <= 0 || shape.Height <= 0 {
		return nil, fmt.Errorf("invalid frame shape %v", shape)
	}
	switch shape.Channels {
	case 1, 3, 4:
	default:
		return nil, fmt.Errorf("unsupported channel count %d", shape.Channels)
	}
	if fps <= 0 {
		return nil, fmt.Errorf("invalid fps %.3f", fps)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create clip file: %w", err)
	}

	w := &aviWriter{
		file:    f,
		bw:      bufio.NewWriterSize(f, 256*1024),
		shape:   shape,
		nominal: fps,
		quality: a.Quality,
		header:  make([]byte, aviHeaderSize),
		limit:   maxRIFFSize,
	}
	w.fillHeader(fps)

	if _, err := w.bw.Write(w.header); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to write avi header: %w", err)
	}
	w.offset = aviHeaderSize
	return w, nil
}

type idx1Entry struct {
	offset uint32
	size   uint32
}

// aviWriter writes one clip. Owned by the export loop.
type aviWriter struct {
	file    *os.File
	bw      *bufio.Writer
	shape   types.Shape
	nominal float64
	quality int

	header   []byte
	offset   int64
	limit    int64 // largest allowed RIFF payload
	index    []idx1Entry
	maxChunk uint32
	jpegBuf  bytes.Buffer
	closed   bool
}

func (w *aviWriter) Write(frame types.Frame) error {
	if w.closed {
		return ErrWriterClosed
	}
	if err := checkFrame(frame, w.shape); err != nil {
		return err
	}
	if err := encodeJPEG(&w.jpegBuf, frame, w.quality); err != nil {
		return fmt.Errorf("failed to encode jpeg: %w", err)
	}

	data := w.jpegBuf.Bytes()
	written := int64(chunkHeaderLen) + int64(len(data)) + int64(len(data)%2)
	// the finished file also carries idx1 with one entry per frame
	final := w.offset + written + chunkHeaderLen + int64(len(w.index)+1)*idx1EntrySize
	if final-8 > w.limit {
		return ErrClipFull
	}
	size := uint32(len(data))

	var hdr [chunkHeaderLen]byte
	copy(hdr[:4], chunkIDVideo)
	binary.LittleEndian.PutUint32(hdr[4:], size)

	chunkAt := w.offset
	if _, err := w.bw.Write(hdr[:]); err != nil {
		return fmt.Errorf("failed to write chunk header: %w", err)
	}
	if _, err := w.bw.Write(data); err != nil {
		return fmt.Errorf("failed to write chunk: %w", err)
	}
	// RIFF chunks are word aligned
	if size%2 == 1 {
		if err := w.bw.WriteByte(0); err != nil {
			return fmt.Errorf("failed to pad chunk: %w", err)
		}
	}

	w.offset += written
	w.index = append(w.index, idx1Entry{offset: uint32(chunkAt - offMovi), size: size})
	if size > w.maxChunk {
		w.maxChunk = size
	}
	return nil
}

func (w *aviWriter) Close(achievedFPS float64) error {
	if w.closed {
		return ErrWriterClosed
	}
	w.closed = true

	err := w.finish(PlaybackFPS(achievedFPS, w.nominal))
	if cerr := w.file.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("failed to close clip file: %w", cerr)
	}
	return err
}

// finish appends idx1 and rewrites the header with final counts and rate
func (w *aviWriter) finish(fps float64) error {
	moviEnd := w.offset

	var hdr [chunkHeaderLen]byte
	copy(hdr[:4], chunkIDIndex)
	binary.LittleEndian.PutUint32(hdr[4:], uint32(len(w.index)*idx1EntrySize))
	if _, err := w.bw.Write(hdr[:]); err != nil {
		return fmt.Errorf("failed to write index header: %w", err)
	}

	var entry [idx1EntrySize]byte
	copy(entry[:4], chunkIDVideo)
	binary.LittleEndian.PutUint32(entry[4:], aviifKeyframe)
	for _, e := range w.index {
		binary.LittleEndian.PutUint32(entry[8:], e.offset)
		binary.LittleEndian.PutUint32(entry[12:], e.size)
		if _, err := w.bw.Write(entry[:]); err != nil {
			return fmt.Errorf("failed to write index: %w", err)
		}
	}
	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("failed to flush clip: %w", err)
	}

	fileSize := moviEnd + chunkHeaderLen + int64(len(w.index)*idx1EntrySize)
	frames := uint32(len(w.index))

	w.fillHeader(fps)
	le := binary.LittleEndian
	le.PutUint32(w.header[offRIFFSize:], uint32(fileSize-8))
	le.PutUint32(w.header[offTotalFrames:], frames)
	le.PutUint32(w.header[offStrhLength:], frames)
	le.PutUint32(w.header[offAvihBufSize:], w.maxChunk)
	le.PutUint32(w.header[offStrhBufSize:], w.maxChunk)
	le.PutUint32(w.header[offMaxBytesSec:], uint32(float64(w.maxChunk)*fps))
	le.PutUint32(w.header[offMoviSize:], uint32(moviEnd-offMovi))

	if _, err := w.file.WriteAt(w.header, 0); err != nil {
		return fmt.Errorf("failed to rewrite avi header: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync clip: %w", err)
	}
	return nil
}

// fillHeader writes the static header for the writer shape and rate fps
func (w *aviWriter) fillHeader(fps float64) {
	h := w.header
	le := binary.LittleEndian
	put4 := func(off int, s string) { copy(h[off:off+4], s) }

	put4(0, "RIFF")
	put4(8, "AVI ")
	put4(12, "LIST")
	le.PutUint32(h[16:], offMoviSize-4-20) // hdrl payload
	put4(20, "hdrl")

	put4(24, "avih")
	le.PutUint32(h[28:], 56)
	le.PutUint32(h[offMicroSec:], uint32(math.Round(1e6/fps)))
	le.PutUint32(h[offAvihFlags:], avifHasIndex)
	le.PutUint32(h[offStreams:], 1)
	le.PutUint32(h[offAvihWidth:], uint32(w.shape.Width))
	le.PutUint32(h[offAvihHeight:], uint32(w.shape.Height))

	put4(88, "LIST")
	le.PutUint32(h[92:], 116) // strl payload
	put4(96, "strl")

	put4(100, "strh")
	le.PutUint32(h[104:], 56)
	put4(108, "vids")
	put4(112, CodecMJPG)
	le.PutUint32(h[offStrhScale:], aviRateScale)
	rate := uint32(math.Round(fps * aviRateScale))
	if rate == 0 {
		rate = 1
	}
	le.PutUint32(h[offStrhRate:], rate)
	le.PutUint32(h[148:], math.MaxUint32) // quality: default
	le.PutUint16(h[160:], uint16(w.shape.Width))
	le.PutUint16(h[162:], uint16(w.shape.Height))

	put4(164, "strf")
	le.PutUint32(h[168:], 40)
	le.PutUint32(h[172:], 40)
	le.PutUint32(h[offStrfWidth:], uint32(w.shape.Width))
	le.PutUint32(h[offStrfHeight:], uint32(w.shape.Height))
	le.PutUint16(h[184:], 1)
	le.PutUint16(h[186:], 24)
	put4(188, CodecMJPG)
	le.PutUint32(h[offStrfSizeImage:], uint32(w.shape.Width*w.shape.Height*3))

	put4(offMoviSize-4, "LIST")
	le.PutUint32(h[offMoviSize:], 4) // empty movi, fixed at Close
	put4(offMovi, "movi")
}
