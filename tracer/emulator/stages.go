package emulator

import (
	"encoding/binary"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/achilleasa/wavefront/tracer"
)

// Bytes per output pixel: RGB radiance plus a sample counter, as float32.
const OutputPixelBytes = 16

// The simulated state of one lane.
type lane struct {
	// Pixel coordinates inside the sub-tile.
	px, py int

	// The sample being traced, the sample stride and the end of the range.
	sample, stride, end int

	// Bounces left for the current sample.
	remaining int

	radiance float32
	samples  int
}

// Split state simulated for the lanes of the current sub-tile.
type splitState struct {
	grid   tracer.Size
	params tracer.KernelParams
	lanes  []lane
}

func (d *Device) execute(l tracer.Launch) error {
	id := l.Stage.ID()

	splitData, err := d.owned(l.Buffers.SplitData)
	if err != nil {
		return fmt.Errorf("emulator: stage %s: split data: %w", id, err)
	}
	rayState, err := d.owned(l.Buffers.RayState)
	if err != nil {
		return fmt.Errorf("emulator: stage %s: ray state: %w", id, err)
	}

	switch id {
	case tracer.DataInit:
		return d.dataInit(l, splitData, rayState)
	case tracer.SumAllRadiance:
		return d.sumAllRadiance(l, splitData, rayState)
	}

	state := splitData.split
	if state == nil {
		return fmt.Errorf("emulator: stage %s launched before %s", id, tracer.DataInit)
	}

	expGlobal := state.grid
	if id == tracer.ShadowBlocked {
		expGlobal.X *= 2
	}
	if l.Global != expGlobal {
		return fmt.Errorf("emulator: stage %s launched with global size %s; expected %s", id, l.Global, expGlobal)
	}

	if id != tracer.NextIterationSetup {
		return nil
	}

	// Advance every active lane by one bounce.
	return d.parallelRows(state.grid.Y, func(gy int) error {
		for gx := 0; gx < state.grid.X; gx++ {
			index := gy*state.grid.X + gx
			if rayState.data[index] == tracer.RayInactive {
				continue
			}
			d.bounce(&state.lanes[index], state.params.Tile)
			if state.lanes[index].sample >= state.lanes[index].end {
				rayState.data[index] = tracer.RayInactive
			}
		}
		return nil
	})
}

func (d *Device) dataInit(l tracer.Launch, splitData, rayState *buffer) error {
	if l.Params == nil {
		return fmt.Errorf("emulator: stage %s launched without kernel params", tracer.DataInit)
	}

	params := *l.Params
	tile := params.Tile
	numLanes := l.Global.Area()
	if numLanes > len(rayState.data) {
		return fmt.Errorf("emulator: %d lanes exceed ray state capacity %d", numLanes, len(rayState.data))
	}
	if params.ParallelSamples <= 0 {
		return fmt.Errorf("emulator: invalid parallel sample count %d", params.ParallelSamples)
	}

	state := &splitState{
		grid:   l.Global,
		params: params,
		lanes:  make([]lane, numLanes),
	}
	end := tile.SampleStart + tile.NumSamples

	err := d.parallelRows(l.Global.Y, func(gy int) error {
		for gx := 0; gx < l.Global.X; gx++ {
			index := gy*l.Global.X + gx
			slot := gx / tile.W
			px := gx % tile.W

			ln := &state.lanes[index]
			ln.px, ln.py = px, gy
			ln.sample = tile.SampleStart + slot
			ln.stride = params.ParallelSamples
			ln.end = end

			if gy >= tile.H || slot >= params.ParallelSamples || ln.sample >= end {
				ln.end = ln.sample
				rayState.data[index] = tracer.RayInactive
				continue
			}

			ln.remaining = d.depth(tile.X+px, tile.Y+gy, ln.sample)
			rayState.data[index] = tracer.RayActive
		}
		return nil
	})
	if err != nil {
		return err
	}

	splitData.split = state
	return nil
}

// Advance a lane by one bounce. A finished sample contributes its radiance
// and the lane moves on to its next sample.
func (d *Device) bounce(ln *lane, tile tracer.SubTile) {
	ln.remaining--
	if ln.remaining > 0 {
		return
	}

	x, y := tile.X+ln.px, tile.Y+ln.py
	ln.radiance += d.cfg.Radiance(x, y, ln.sample)
	ln.samples++

	ln.sample += ln.stride
	if ln.sample < ln.end {
		ln.remaining = d.depth(x, y, ln.sample)
	}
}

func (d *Device) depth(x, y, sample int) int {
	return max(d.cfg.PathDepth(x, y, sample), 1)
}

func (d *Device) sumAllRadiance(l tracer.Launch, splitData, rayState *buffer) error {
	if l.Params == nil {
		return fmt.Errorf("emulator: stage %s launched without kernel params", tracer.SumAllRadiance)
	}
	state := splitData.split
	if state == nil {
		return fmt.Errorf("emulator: stage %s launched before %s", tracer.SumAllRadiance, tracer.DataInit)
	}

	tile := l.Params.Tile
	if tile != state.params.Tile {
		return fmt.Errorf("emulator: accumulating sub-tile %s but lanes were initialized for %s", tile, state.params.Tile)
	}
	if l.Global.X < tile.W || l.Global.Y < tile.H {
		return fmt.Errorf("emulator: accumulation grid %s does not cover sub-tile %s", l.Global, tile)
	}
	for index := 0; index < state.grid.Area(); index++ {
		if rayState.data[index] != tracer.RayInactive {
			return fmt.Errorf("emulator: accumulation with active lane %d", index)
		}
	}

	output, err := d.owned(tile.Output)
	if err != nil {
		return fmt.Errorf("emulator: stage %s: output: %w", tracer.SumAllRadiance, err)
	}
	lastPixel := (tile.BufferOffsetY+tile.H-1)*tile.BufferStride + tile.BufferOffsetX + tile.W
	if lastPixel*OutputPixelBytes > len(output.data) {
		return fmt.Errorf("emulator: sub-tile %s exceeds output buffer %s", tile, output.name)
	}

	err = d.parallelRows(tile.H, func(py int) error {
		for px := 0; px < tile.W; px++ {
			var radiance float32
			var samples int
			for slot := 0; slot < state.params.ParallelSamples; slot++ {
				ln := &state.lanes[py*state.grid.X+slot*tile.W+px]
				radiance += ln.radiance
				samples += ln.samples
			}

			offset := ((tile.BufferOffsetY+py)*tile.BufferStride + tile.BufferOffsetX + px) * OutputPixelBytes
			pixel := output.data[offset : offset+OutputPixelBytes]
			for ch := 0; ch < 3; ch++ {
				addFloat32(pixel[ch*4:], radiance)
			}
			addFloat32(pixel[12:], float32(samples))
		}
		return nil
	})
	if err != nil {
		return err
	}

	splitData.split = nil
	return nil
}

func addFloat32(b []byte, v float32) {
	cur := math.Float32frombits(binary.LittleEndian.Uint32(b))
	binary.LittleEndian.PutUint32(b, math.Float32bits(cur+v))
}

// Run fn for every row in [0, rows) using at most cfg.Workers goroutines.
func (d *Device) parallelRows(rows int, fn func(row int) error) error {
	var g errgroup.Group
	g.SetLimit(d.cfg.Workers)
	for row := 0; row < rows; row++ {
		row := row
		g.Go(func() error {
			return fn(row)
		})
	}
	return g.Wait()
}

// DecodeOutput converts an output buffer read-back into per-pixel RGBA
// values where A holds the accumulated sample count.
func DecodeOutput(data []byte) [][4]float32 {
	pixels := make([][4]float32, len(data)/OutputPixelBytes)
	for i := range pixels {
		for ch := 0; ch < 4; ch++ {
			offset := i*OutputPixelBytes + ch*4
			pixels[i][ch] = math.Float32frombits(binary.LittleEndian.Uint32(data[offset:]))
		}
	}
	return pixels
}
