package renderer

import "fmt"

type Options struct {
	// Frame dims.
	FrameW int
	FrameH int

	// Tile dims. Each device block is rendered as a grid of tiles; a zero
	// value selects the block dimension.
	TileW int
	TileH int

	// Number of samples.
	SamplesPerPixel int

	// Samples rendered per progressive pass over the device block. A zero
	// value renders all samples in a single pass.
	SamplesPerPass int
}

func (o *Options) validate() error {
	if o.FrameW <= 0 || o.FrameH <= 0 {
		return fmt.Errorf("%w: frame dimensions %dx%d", ErrInvalidFrame, o.FrameW, o.FrameH)
	}
	if o.SamplesPerPixel <= 0 {
		return fmt.Errorf("%w: samples per pixel %d", ErrInvalidFrame, o.SamplesPerPixel)
	}
	if o.TileW < 0 || o.TileH < 0 || o.SamplesPerPass < 0 {
		return fmt.Errorf("%w: negative tile size or pass length", ErrInvalidFrame)
	}
	if o.TileW == 0 || o.TileW > o.FrameW {
		o.TileW = o.FrameW
	}
	if o.SamplesPerPass == 0 || o.SamplesPerPass > o.SamplesPerPixel {
		o.SamplesPerPass = o.SamplesPerPixel
	}
	return nil
}
