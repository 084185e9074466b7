package capture

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"

	"github.com/care/orion-recorder/internal/types"
)

// packed wraps an interleaved pixel buffer (1, 3 or 4 channels) as a
// draw.Image. Channel order is irrelevant to scaling, so BGR is mapped onto
// R,G,B positionally and mapped back unchanged.
type packed struct {
	pix      []byte
	w, h, ch int
}

func (p *packed) ColorModel() color.Model { return color.RGBAModel }

func (p *packed) Bounds() image.Rectangle { return image.Rect(0, 0, p.w, p.h) }

func (p *packed) At(x, y int) color.Color {
	i := (y*p.w + x) * p.ch
	switch p.ch {
	case 1:
		v := p.pix[i]
		return color.RGBA{R: v, G: v, B: v, A: 0xff}
	case 4:
		return color.RGBA{R: p.pix[i], G: p.pix[i+1], B: p.pix[i+2], A: p.pix[i+3]}
	default:
		return color.RGBA{R: p.pix[i], G: p.pix[i+1], B: p.pix[i+2], A: 0xff}
	}
}

func (p *packed) Set(x, y int, c color.Color) {
	rgba := color.RGBAModel.Convert(c).(color.RGBA)
	i := (y*p.w + x) * p.ch
	switch p.ch {
	case 1:
		p.pix[i] = rgba.R
	case 4:
		p.pix[i], p.pix[i+1], p.pix[i+2], p.pix[i+3] = rgba.R, rgba.G, rgba.B, rgba.A
	default:
		p.pix[i], p.pix[i+1], p.pix[i+2] = rgba.R, rgba.G, rgba.B
	}
}

// Resizer scales frames to a fixed output size
type Resizer struct {
	width  int
	height int
	scaler draw.Scaler
}

// NewResizer creates a bilinear resizer to width x height
func NewResizer(width, height int) *Resizer {
	return &Resizer{width: width, height: height, scaler: draw.ApproxBiLinear}
}

// Shape returns the output shape for frames with the given channel count
func (r *Resizer) Shape(channels int) types.Shape {
	return types.Shape{Width: r.width, Height: r.height, Channels: channels}
}

// Resize returns a new frame at the output size. The source frame is not
// modified and the result shares no memory with it.
func (r *Resizer) Resize(f types.Frame) types.Frame {
	// Grayscale has a native image type with a fast path
	if f.Channels == 1 {
		src := &image.Gray{Pix: f.Data, Stride: f.Width, Rect: image.Rect(0, 0, f.Width, f.Height)}
		dst := image.NewGray(image.Rect(0, 0, r.width, r.height))
		r.scaler.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
		return r.result(f, dst.Pix)
	}

	src := &packed{pix: f.Data, w: f.Width, h: f.Height, ch: f.Channels}
	dst := &packed{pix: make([]byte, r.width*r.height*f.Channels), w: r.width, h: r.height, ch: f.Channels}
	r.scaler.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return r.result(f, dst.pix)
}

func (r *Resizer) result(f types.Frame, pix []byte) types.Frame {
	out := f
	out.Width = r.width
	out.Height = r.height
	out.Data = pix
	return out
}
