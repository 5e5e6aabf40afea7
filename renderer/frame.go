package renderer

import (
	"encoding/binary"
	"math"
)

// Every output pixel is an RGBA float32 quadruple. The accumulation stage
// adds the radiance of each sample to RGB and increments A.
const outputPixelBytes = 16

// A frame accumulation buffer.
type Frame struct {
	W, H int

	// Accumulated RGBA values, 4 floats per pixel in row-major order.
	Pix []float32
}

func newFrame(w, h int) *Frame {
	return &Frame{W: w, H: h, Pix: make([]float32, w*h*4)}
}

// At returns the accumulated radiance and sample count of pixel (x, y).
func (f *Frame) At(x, y int) (rgb [3]float32, samples float32) {
	offset := (y*f.W + x) * 4
	copy(rgb[:], f.Pix[offset:offset+3])
	return rgb, f.Pix[offset+3]
}

// Color returns the average radiance of pixel (x, y).
func (f *Frame) Color(x, y int) [3]float32 {
	rgb, samples := f.At(x, y)
	if samples > 0 {
		for ch := range rgb {
			rgb[ch] /= samples
		}
	}
	return rgb
}

// Copy the little-endian output of a device block into rows [y, y+h).
func (f *Frame) decodeRows(y int, data []byte) {
	dst := f.Pix[y*f.W*4:]
	for i := 0; i*4 < len(data) && i < len(dst); i++ {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
}

func (f *Frame) clone() *Frame {
	return &Frame{W: f.W, H: f.H, Pix: append([]float32(nil), f.Pix...)}
}
