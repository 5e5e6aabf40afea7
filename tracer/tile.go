package tracer

import (
	"fmt"
	"time"
)

// A rectangular pixel region submitted for rendering.
type RenderTile struct {
	// Tile origin and dimensions in pixels.
	X, Y int
	W, H int

	// Offset and row stride (in pixels) of the output buffer region this
	// tile belongs to.
	Offset int
	Stride int

	// The sample range rendered by this pass.
	SampleStart int
	NumSamples  int

	// The next sample to be rendered; advanced when every sub-tile completes.
	Sample int

	// Caller-owned accumulation buffer.
	Output Buffer
}

// Size returns the tile dimensions.
func (t *RenderTile) Size() Size {
	return Size{X: t.W, Y: t.H}
}

func (t *RenderTile) validate() error {
	if t.W <= 0 || t.H <= 0 {
		return fmt.Errorf("%w: dimensions %dx%d", ErrInvalidTile, t.W, t.H)
	}
	if t.Stride < t.W {
		return fmt.Errorf("%w: stride %d smaller than width %d", ErrInvalidTile, t.Stride, t.W)
	}
	if t.NumSamples <= 0 {
		return fmt.Errorf("%w: sample count %d", ErrInvalidTile, t.NumSamples)
	}
	if t.Output == nil {
		return fmt.Errorf("%w: missing output buffer", ErrInvalidTile)
	}
	return nil
}

// A fragment of a RenderTile processed by a single pass over the shared
// buffers.
type SubTile struct {
	// Origin and size in frame pixels.
	X, Y int
	W, H int

	// Position of the sub-tile origin inside the output and rng buffers.
	BufferOffsetX int
	BufferOffsetY int
	BufferStride  int

	SampleStart int
	NumSamples  int

	Output Buffer
}

// Size returns the sub-tile dimensions.
func (st SubTile) Size() Size {
	return Size{X: st.W, Y: st.H}
}

// Implements Stringer.
func (st SubTile) String() string {
	return fmt.Sprintf("[%d,%d %dx%d]", st.X, st.Y, st.W, st.H)
}

type SubTileState uint8

// Sub-tile processing states.
const (
	StateInit SubTileState = iota
	StateIterating
	StateConverging
	StateDone
	StateCancelled
)

func (s SubTileState) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateIterating:
		return "ITERATING"
	case StateConverging:
		return "CONVERGING"
	case StateDone:
		return "DONE"
	case StateCancelled:
		return "CANCELLED"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Processing statistics for a single sub-tile.
type SubTileReport struct {
	Tile  SubTile
	State SubTileState

	// Lane grid and parallel samples used for the bounce stages.
	Global          Size
	ParallelSamples int

	// Number of batches, bounce iterations and host interventions.
	Batches           int
	Iterations        int
	HostInterventions int

	// The iteration count the sub-tile started with.
	StartIterations int

	Elapsed time.Duration
}

// The outcome of a RenderTile call.
type Report struct {
	Budget    LaneBudget
	SplitSize Size
	SubTiles  []SubTileReport
}

// Interventions returns the total host interventions over all sub-tiles.
func (r *Report) Interventions() int {
	total := 0
	for _, st := range r.SubTiles {
		total += st.HostInterventions
	}
	return total
}
