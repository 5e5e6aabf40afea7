package tracer

import (
	"fmt"
	"math"
)

// BudgetFormula holds the backend-supplied constants used for estimating
// split kernel memory requirements. Different backends lay out their split
// state differently so the constants are never shared implicitly.
type BudgetFormula struct {
	// The reported max allocation size is divided by this value. Some
	// platforms do not perform well when the whole figure is used.
	AllocDivisor int64

	// Bytes reserved for aligning allocation chunks.
	SafetyMargin int64

	// Persistent, tile-invariant resources.
	KernelGlobalsBytes int64
	NumQueues          int
	QueueCounterBytes  int64
	UseQueuesFlagBytes int64

	// Tile-specific resources.
	WorkPoolCounterBytes int64
	RNGStateBytes        int64
	OutputBytesPerPixel  int64

	// Per-lane path state: base size plus a fixed amount per closure.
	PathStateBaseBytes int64
	ClosureBytes       int64
}

// Every lane owns a single ray activity byte next to its path state.
const rayActivityBytes = 1

// DefaultBudgetFormula returns the device-generic formula.
func DefaultBudgetFormula() BudgetFormula {
	return BudgetFormula{
		AllocDivisor:         1,
		SafetyMargin:         5000000,
		KernelGlobalsBytes:   4096,
		NumQueues:            4,
		QueueCounterBytes:    4,
		UseQueuesFlagBytes:   1,
		WorkPoolCounterBytes: 4,
		RNGStateBytes:        4,
		OutputBytesPerPixel:  16,
		PathStateBaseBytes:   512,
		ClosureBytes:         80,
	}
}

// Validate checks the formula for values that would break the planner.
func (f BudgetFormula) Validate() error {
	switch {
	case f.AllocDivisor <= 0:
		return fmt.Errorf("wavefront: budget alloc divisor must be positive; got %d", f.AllocDivisor)
	case f.NumQueues <= 0:
		return fmt.Errorf("wavefront: budget queue count must be positive; got %d", f.NumQueues)
	case f.SafetyMargin < 0, f.KernelGlobalsBytes < 0, f.QueueCounterBytes < 0,
		f.UseQueuesFlagBytes < 0, f.WorkPoolCounterBytes < 0, f.RNGStateBytes < 0,
		f.OutputBytesPerPixel < 0, f.PathStateBaseBytes < 0, f.ClosureBytes < 0:
		return fmt.Errorf("wavefront: budget sizes must not be negative")
	}
	return nil
}

// PathStateBytes returns the size of a single lane's path state record.
func (f BudgetFormula) PathStateBytes(maxClosures int) int64 {
	return f.PathStateBaseBytes + int64(maxClosures)*f.ClosureBytes + f.OutputBytesPerPixel
}

// A snapshot of the memory budget for one tile size.
type LaneBudget struct {
	// Max number of lanes that can be processed concurrently.
	MaxParallelLanes int

	// The cost of one lane (path state + ray activity flag).
	PerLaneStateBytes int64

	InvariantBytes    int64
	TileSpecificBytes int64
	SceneBytes        int64

	// Platform-corrected allocatable memory and the reserved margin.
	TotalAllocatable int64
	SafetyMargin     int64
}

// Committed returns the bytes accounted for when MaxParallelLanes lanes run.
func (b LaneBudget) Committed() int64 {
	return int64(b.MaxParallelLanes)*b.PerLaneStateBytes + b.InvariantBytes + b.TileSpecificBytes + b.SceneBytes
}

// Fits reports whether the budget respects the device memory ceiling.
func (b LaneBudget) Fits() bool {
	return b.MaxParallelLanes > 0 && b.Committed() <= b.TotalAllocatable
}

// Planner computes how many lanes fit in device memory. It holds no mutable
// state; repeated calls for unchanged device and scene state return identical
// results.
type Planner struct {
	formula     BudgetFormula
	limits      DeviceLimits
	scene       SceneAccounting
	workPools   bool
	maxClosures int
}

// Create a planner for a device.
func NewPlanner(formula BudgetFormula, limits DeviceLimits, scene SceneAccounting, strategy DispatchStrategy, maxClosures int) (*Planner, error) {
	if err := formula.Validate(); err != nil {
		return nil, err
	}
	if limits.LocalSize.X <= 0 || limits.LocalSize.Y <= 0 {
		return nil, fmt.Errorf("wavefront: invalid device local size %s", limits.LocalSize)
	}
	if scene == nil {
		scene = StaticScene(0)
	}

	return &Planner{
		formula:     formula,
		limits:      limits,
		scene:       scene,
		workPools:   strategy != nil && strategy.WorkPools(),
		maxClosures: maxClosures,
	}, nil
}

// TotalAllocatable returns the platform-corrected allocatable memory.
func (p *Planner) TotalAllocatable() int64 {
	return p.limits.MaxAllocatableBytes / p.formula.AllocDivisor
}

// InvariableMemory returns the memory that is always allocated regardless of
// tile size or scene contents.
func (p *Planner) InvariableMemory() int64 {
	f := p.formula
	return f.KernelGlobalsBytes + int64(f.NumQueues)*f.QueueCounterBytes + f.UseQueuesFlagBytes
}

// TileSpecificMemory returns the memory that scales with the tile area.
func (p *Planner) TileSpecificMemory(tileSize Size) int64 {
	var total int64
	if p.workPools {
		total += int64(p.workGroups(tileSize)) * p.formula.WorkPoolCounterBytes
	}

	pixels := int64(tileSize.Area())
	total += pixels * p.formula.OutputBytesPerPixel
	total += pixels * p.formula.RNGStateBytes
	return total
}

// SceneSpecificMemory returns the memory already committed to scene data.
func (p *Planner) SceneSpecificMemory() int64 {
	return p.scene.AllocatedSceneBytes()
}

// PerLaneCost returns the memory required by one lane.
func (p *Planner) PerLaneCost() int64 {
	return p.formula.PathStateBytes(p.maxClosures) + rayActivityBytes
}

// FeasibleLaneCount returns the max number of lanes that fit in device memory
// for the given tile size. The result may be zero or negative when the device
// cannot accommodate the tile.
func (p *Planner) FeasibleLaneCount(tileSize Size) int64 {
	available := p.TotalAllocatable() -
		p.InvariableMemory() -
		p.TileSpecificMemory(tileSize) -
		p.SceneSpecificMemory() -
		p.formula.SafetyMargin

	if available <= 0 {
		return available
	}
	return available / p.PerLaneCost()
}

// Budget returns the lane budget for a tile size or ErrResourceExhausted if
// not even a single work-group fits.
func (p *Planner) Budget(tileSize Size) (LaneBudget, error) {
	lanes := p.FeasibleLaneCount(tileSize)
	budget := LaneBudget{
		PerLaneStateBytes: p.PerLaneCost(),
		InvariantBytes:    p.InvariableMemory(),
		TileSpecificBytes: p.TileSpecificMemory(tileSize),
		SceneBytes:        p.SceneSpecificMemory(),
		TotalAllocatable:  p.TotalAllocatable(),
		SafetyMargin:      p.formula.SafetyMargin,
	}

	if lanes < int64(p.limits.LocalSize.Area()) {
		return budget, fmt.Errorf(
			"%w: %d lanes of %d bytes fit for tile %s; total %d, invariable %d, tile %d, scene %d",
			ErrResourceExhausted, lanes, budget.PerLaneStateBytes, tileSize,
			budget.TotalAllocatable, budget.InvariantBytes, budget.TileSpecificBytes, budget.SceneBytes,
		)
	}
	if lanes > math.MaxInt32 {
		lanes = math.MaxInt32
	}
	budget.MaxParallelLanes = int(lanes)

	return budget, nil
}

// Plan returns the lane budget for the requested tile size. If the requested
// size leaves no room for lanes the budget is re-evaluated once for the
// smallest allowed sub-tile (a single work-group) before giving up.
func (p *Planner) Plan(tileSize Size) (LaneBudget, error) {
	budget, err := p.Budget(tileSize)
	if err == nil {
		return budget, nil
	}

	smallest := p.limits.LocalSize
	if tileSize.Area() <= smallest.Area() {
		return budget, err
	}
	return p.Budget(smallest)
}

// MaxFeasibleTileSize returns an approximately square lane grid whose area
// does not exceed lanes. Both dimensions are multiples of the device local
// size; the result is zero-sized if not even a single work-group fits.
func (p *Planner) MaxFeasibleTileSize(lanes int) Size {
	return MaxFeasibleTileSize(lanes, p.limits.LocalSize)
}

// MaxFeasibleTileSize is the planner-free variant of Planner.MaxFeasibleTileSize.
func MaxFeasibleTileSize(lanes int, granularity Size) Size {
	if lanes <= 0 {
		return Size{}
	}

	side := int(math.Sqrt(float64(lanes)))
	ceil := Size{side, side}.RoundUp(granularity)
	if ceil.Area() <= lanes {
		return ceil
	}

	floor := Size{roundDown(side, granularity.X), roundDown(side, granularity.Y)}
	if floor.Area() > 0 {
		return floor
	}

	// Not square; fall back to a single row of work-groups.
	if granularity.Area() <= lanes {
		return Size{roundDown(lanes/granularity.Y, granularity.X), granularity.Y}
	}
	return Size{}
}

func (p *Planner) workGroups(tileSize Size) int {
	return workGroups(tileSize, p.limits.LocalSize)
}

func workGroups(tileSize, local Size) int {
	return tileSize.RoundUp(local).Area() / local.Area()
}
