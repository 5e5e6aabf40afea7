package tracer

import "fmt"

// Wavefront width on devices that schedule lanes in groups of 64.
const wavefrontWidth = 64

// The DispatchStrategy interface is implemented by the lane-to-work mapping
// schemes supported by the split kernels.
type DispatchStrategy interface {
	// Strategy name.
	Name() string

	// True if the strategy needs a work-pool counter per work-group.
	WorkPools() bool

	// Calculate the bounce-stage lane grid for a sub-tile given the lane
	// capacity of the shared buffers. The returned grid area never exceeds
	// laneCap. The second return value is the number of samples of each
	// pixel that are traced in parallel.
	Dims(tile SubTile, laneCap int, local Size) (Size, int)
}

type workStealing struct{}

// WorkStealing maps one lane to each pixel; lanes that finish early steal
// samples from their work-group's pool.
func WorkStealing() DispatchStrategy {
	return workStealing{}
}

func (workStealing) Name() string    { return "work-stealing" }
func (workStealing) WorkPools() bool { return true }

func (workStealing) Dims(tile SubTile, laneCap int, local Size) (Size, int) {
	return tile.Size().RoundUp(local), 1
}

type parallelSamples struct{}

// ParallelSamples widens the lane grid so that several samples of each pixel
// are traced side by side, filling the lane capacity left unused by small
// sub-tiles.
func ParallelSamples() DispatchStrategy {
	return parallelSamples{}
}

func (parallelSamples) Name() string    { return "parallel-samples" }
func (parallelSamples) WorkPools() bool { return false }

func (parallelSamples) Dims(tile SubTile, laneCap int, local Size) (Size, int) {
	globalY := roundUp(tile.H, local.Y)
	columns := laneCap / globalY

	samples := min(columns/tile.W, tile.NumSamples)
	if samples >= wavefrontWidth {
		samples = roundDown(samples, wavefrontWidth)
	}

	// Rounding the widened grid to the local size may overshoot the capacity.
	for samples > 1 && roundUp(tile.W*samples, local.X)*globalY > laneCap {
		samples--
	}
	samples = max(samples, 1)

	return Size{X: roundUp(tile.W*samples, local.X), Y: globalY}, samples
}

// StrategyByName returns the dispatch strategy with the given name.
func StrategyByName(name string) (DispatchStrategy, error) {
	switch name {
	case "work-stealing", "":
		return WorkStealing(), nil
	case "parallel-samples":
		return ParallelSamples(), nil
	}
	return nil, fmt.Errorf("wavefront: unknown dispatch strategy %q", name)
}
