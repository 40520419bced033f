package capture

import (
	"image"
)

// Frame is a BGR pixel buffer, 3 bytes per pixel with a row stride of
// Width*3. Frames are not modified once handed to the queue.
type Frame struct {
	Width  int
	Height int
	Pix    []byte

	// Seq is the arrival order. The coordinator sets it on its own shallow
	// copy, so a frame a backend still holds keeps Seq 0.
	Seq uint64
}

// NewFrame allocates a black frame
func NewFrame(width, height int) *Frame {
	return &Frame{
		Width:  width,
		Height: height,
		Pix:    make([]byte, width*height*3),
	}
}

// Stride returns the number of bytes per row
func (f *Frame) Stride() int {
	return f.Width * 3
}

// Clone returns a deep copy of the frame
func (f *Frame) Clone() *Frame {
	pix := make([]byte, len(f.Pix))
	copy(pix, f.Pix)
	return &Frame{Width: f.Width, Height: f.Height, Pix: pix, Seq: f.Seq}
}

// FrameFromBGRA converts 4-byte BGRA/BGRX pixels (X11 ZPixmap, GStreamer
// BGRx, 4-channel camera mats) into a BGR frame. stride is the source
// row length in bytes.
func FrameFromBGRA(data []byte, width, height, stride int) *Frame {
	if stride <= 0 {
		stride = width * 4
	}
	f := NewFrame(width, height)
	for y := 0; y < height; y++ {
		src := y * stride
		dst := y * width * 3
		if src+width*4 > len(data) {
			break
		}
		for x := 0; x < width; x++ {
			f.Pix[dst] = data[src]
			f.Pix[dst+1] = data[src+1]
			f.Pix[dst+2] = data[src+2]
			src += 4
			dst += 3
		}
	}
	return f
}

// FrameFromRGBA converts an RGBA image into a BGR frame
func FrameFromRGBA(img *image.RGBA) *Frame {
	b := img.Bounds()
	f := NewFrame(b.Dx(), b.Dy())
	for y := 0; y < f.Height; y++ {
		src := img.PixOffset(b.Min.X, b.Min.Y+y)
		dst := y * f.Width * 3
		for x := 0; x < f.Width; x++ {
			f.Pix[dst] = img.Pix[src+2]
			f.Pix[dst+1] = img.Pix[src+1]
			f.Pix[dst+2] = img.Pix[src]
			src += 4
			dst += 3
		}
	}
	return f
}

// ToRGBA converts the frame into an opaque RGBA image
func (f *Frame) ToRGBA() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	n := f.Width * f.Height
	for i := 0; i < n; i++ {
		img.Pix[i*4] = f.Pix[i*3+2]
		img.Pix[i*4+1] = f.Pix[i*3+1]
		img.Pix[i*4+2] = f.Pix[i*3]
		img.Pix[i*4+3] = 255
	}
	return img
}
