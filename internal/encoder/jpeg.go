package encoder

import (
	"bytes"
	"image"
	"image/jpeg"

	"github.com/care/orion-recorder/internal/types"
)

// DefaultJPEGQuality is used when an AVI encoder is created with quality 0
const DefaultJPEGQuality = 80

// toImage wraps or converts a packed frame for the JPEG encoder.
// 1 channel is gray, 3 is BGR, 4 is BGRA.
func toImage(frame types.Frame) image.Image {
	rect := image.Rect(0, 0, frame.Width, frame.Height)

	if frame.Channels == 1 {
		return &image.Gray{Pix: frame.Data, Stride: frame.Width, Rect: rect}
	}

	img := image.NewRGBA(rect)
	px := frame.Width * frame.Height
	ch := frame.Channels
	for i := 0; i < px; i++ {
		s, d := i*ch, i*4
		img.Pix[d] = frame.Data[s+2]
		img.Pix[d+1] = frame.Data[s+1]
		img.Pix[d+2] = frame.Data[s]
		if ch == 4 {
			img.Pix[d+3] = frame.Data[s+3]
		} else {
			img.Pix[d+3] = 0xff
		}
	}
	return img
}

// encodeJPEG compresses one frame into buf (reset first)
func encodeJPEG(buf *bytes.Buffer, frame types.Frame, quality int) error {
	buf.Reset()
	return jpeg.Encode(buf, toImage(frame), &jpeg.Options{Quality: quality})
}
