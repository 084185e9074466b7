package encoder

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// AVIInfo is what ProbeAVI reads back from a finished clip
type AVIInfo struct {
	Width   int
	Height  int
	Frames  int     // avih TotalFrames
	Indexed int     // idx1 entries
	FPS     float64 // strh Rate / Scale
	Codec   string
}

// ProbeAVI validates the container structure of a clip written by the AVI
// encoder and returns its stream parameters. A clip left behind by a crash
// (header never rewritten) fails with a descriptive error.
func ProbeAVI(path string) (AVIInfo, error) {
	var info AVIInfo

	f, err := os.Open(path)
	if err != nil {
		return info, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return info, err
	}

	h := make([]byte, aviHeaderSize)
	if _, err := io.ReadFull(f, h); err != nil {
		return info, fmt.Errorf("short avi header: %w", err)
	}
	le := binary.LittleEndian

	if string(h[0:4]) != "RIFF" || string(h[8:12]) != "AVI " {
		return info, fmt.Errorf("not an avi file")
	}
	if riff := int64(le.Uint32(h[offRIFFSize:])) + 8; riff != st.Size() {
		return info, fmt.Errorf("riff size %d does not match file size %d", riff, st.Size())
	}
	if string(h[offMovi:offMovi+4]) != "movi" {
		return info, fmt.Errorf("movi list not found")
	}

	info.Width = int(le.Uint32(h[offAvihWidth:]))
	info.Height = int(le.Uint32(h[offAvihHeight:]))
	info.Frames = int(le.Uint32(h[offTotalFrames:]))
	info.Codec = string(h[112:116])
	if scale := le.Uint32(h[offStrhScale:]); scale > 0 {
		info.FPS = float64(le.Uint32(h[offStrhRate:])) / float64(scale)
	}

	idxAt := int64(offMovi) + int64(le.Uint32(h[offMoviSize:]))
	var idxHdr [chunkHeaderLen]byte
	if _, err := f.ReadAt(idxHdr[:], idxAt); err != nil {
		return info, fmt.Errorf("failed to read idx1: %w", err)
	}
	if string(idxHdr[:4]) != chunkIDIndex {
		return info, fmt.Errorf("idx1 chunk not found at %d", idxAt)
	}
	info.Indexed = int(le.Uint32(idxHdr[4:])) / idx1EntrySize
	if info.Indexed != info.Frames {
		return info, fmt.Errorf("index holds %d entries for %d frames", info.Indexed, info.Frames)
	}
	return info, nil
}
