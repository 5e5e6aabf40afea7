package tracer

import (
	"fmt"
	"sync"
	"time"

	"github.com/achilleasa/wavefront/log"
)

// The default number of bounce iterations added after every host
// intervention. It may be tuned to the expected number of ray bounces.
const DefaultIterationIncrement = 8

// Scheduler options.
type Options struct {
	// The memory formula of the backend.
	Budget BudgetFormula

	// Lane to work mapping.
	Dispatch DispatchStrategy

	// Baseline iteration increment and the iteration count used for the
	// very first sub-tile.
	IterationIncrement int
	InitialIterations  int

	// Local size for the accumulation stage.
	AccumulationLocalSize Size

	// Poll for cancellation before every stage launch instead of once per
	// bounce iteration.
	CheckCancelPerStage bool
}

// DefaultOptions returns the options for a device-generic backend.
func DefaultOptions() Options {
	return Options{
		Budget:                DefaultBudgetFormula(),
		Dispatch:              WorkStealing(),
		IterationIncrement:    DefaultIterationIncrement,
		InitialIterations:     DefaultIterationIncrement,
		AccumulationLocalSize: Size{16, 16},
	}
}

func (o *Options) validate() error {
	if err := o.Budget.Validate(); err != nil {
		return err
	}
	if o.Dispatch == nil {
		o.Dispatch = WorkStealing()
	}
	if o.IterationIncrement <= 0 {
		return fmt.Errorf("wavefront: iteration increment must be positive; got %d", o.IterationIncrement)
	}
	if o.InitialIterations < o.IterationIncrement {
		o.InitialIterations = o.IterationIncrement
	}
	if o.AccumulationLocalSize.X <= 0 || o.AccumulationLocalSize.Y <= 0 {
		o.AccumulationLocalSize = Size{16, 16}
	}
	return nil
}

// Scheduler drives the split kernel stages over the sub-tiles of each
// render tile. A scheduler exclusively owns the shared split-state buffers
// of its device; one scheduler should be created per device.
type Scheduler struct {
	sync.Mutex

	logger log.Logger

	dev    Device
	scene  SceneAccounting
	opts   Options
	limits DeviceLimits

	stages  *StageSet
	buffers *splitBuffers
	plan    IterationPlan
	closed  bool
}

// Create a new scheduler for dev.
func NewScheduler(dev Device, scene SceneAccounting, opts Options) (*Scheduler, error) {
	if dev == nil {
		return nil, fmt.Errorf("wavefront: invalid device handle")
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}

	limits, err := dev.Limits()
	if err != nil {
		return nil, memoryErr("query limits", err)
	}
	if limits.LocalSize.X <= 0 || limits.LocalSize.Y <= 0 {
		return nil, fmt.Errorf("wavefront: device %s reported invalid local size %s", dev.Name(), limits.LocalSize)
	}
	if scene == nil {
		scene = StaticScene(0)
	}

	return &Scheduler{
		logger: log.NewForDevice("wavefront", dev.Name()),
		dev:    dev,
		scene:  scene,
		opts:   opts,
		limits: limits,
		plan:   newIterationPlan(opts.IterationIncrement, opts.InitialIterations),
	}, nil
}

// Device returns the device driven by this scheduler.
func (s *Scheduler) Device() Device {
	return s.dev
}

// Plan returns a copy of the adaptive iteration state.
func (s *Scheduler) Plan() IterationPlan {
	s.Lock()
	defer s.Unlock()
	return s.plan
}

// LaneCapacity returns the lane capacity of the shared buffers or 0 if they
// have not been allocated yet.
func (s *Scheduler) LaneCapacity() int {
	s.Lock()
	defer s.Unlock()
	if s.buffers == nil {
		return 0
	}
	return s.buffers.laneCap
}

// LoadStages prepares the stages for the given feature set. The
// work-stealing feature always follows the configured dispatch strategy.
// Switching to a different feature set forgets the learned iteration
// counts. If the new features change the per-lane state size the shared
// buffers are released and re-allocated by the next render call.
func (s *Scheduler) LoadStages(features FeatureSet) error {
	s.Lock()
	defer s.Unlock()

	if s.closed {
		return ErrClosed
	}

	features.WorkStealing = s.opts.Dispatch.WorkPools()
	if s.stages != nil && s.stages.Features().Equal(features) {
		return nil
	}

	stages, err := LoadStageSet(s.dev, features)
	if err != nil {
		s.logger.Errorf("could not load stages: %v", err)
		return err
	}

	if s.buffers != nil && s.buffers.pathStateBytes != s.opts.Budget.PathStateBytes(features.MaxClosures) {
		s.logger.Infof("per-lane state size changed; releasing shared buffers")
		s.buffers.Release()
		s.buffers = nil
	}

	if s.stages != nil {
		s.plan.reset(s.opts.InitialIterations)
	}
	s.stages = stages
	s.logger.Debugf("loaded %d stages (%s)", numStages, features.BuildOptions())
	return nil
}

// Planner returns a memory budget planner for the current device and scene
// state.
func (s *Scheduler) Planner() (*Planner, error) {
	s.Lock()
	defer s.Unlock()
	return s.planner()
}

func (s *Scheduler) planner() (*Planner, error) {
	maxClosures := 0
	if s.stages != nil {
		maxClosures = s.stages.Features().MaxClosures
	}
	return NewPlanner(s.opts.Budget, s.limits, s.scene, s.opts.Dispatch, maxClosures)
}

// RenderTile renders tile and accumulates its radiance into the tile output
// buffer. The tile is split into sub-tiles if the device cannot process it
// at once. Sub-tiles are processed sequentially; cancellation is polled at
// every bounce iteration and reported as ErrCancelled. Any device failure
// aborts the call with a *LaunchError.
func (s *Scheduler) RenderTile(tile *RenderTile, c Canceller) (*Report, error) {
	s.Lock()
	defer s.Unlock()

	switch {
	case s.closed:
		return nil, ErrClosed
	case s.stages == nil:
		return nil, ErrStagesNotLoaded
	}
	if err := tile.validate(); err != nil {
		return nil, err
	}
	if c == nil {
		c = NeverCancel
	}

	plan, err := s.planTile(tile)
	report := &Report{Budget: plan.Budget, SplitSize: plan.SplitSize}
	if err != nil {
		return report, err
	}
	subTiles := plan.SubTiles
	if len(subTiles) > 1 {
		s.logger.Noticef(
			"tile of dimensions %s does not fit in device memory (%d lanes); splitting into %d sub-tiles of %s",
			tile.Size(), plan.LaneCap, len(subTiles), plan.SplitSize,
		)
	}

	if s.buffers == nil {
		s.buffers, err = newSplitBuffers(s.dev, s.opts.Budget, s.stages.Features().MaxClosures, plan.LaneCap, s.limits.LocalSize, s.opts.Dispatch.WorkPools())
		if err != nil {
			s.logger.Errorf("could not allocate shared buffers: %v", err)
			return report, err
		}
		s.logger.Debugf("allocated shared buffers for %d lanes", plan.LaneCap)
	}

	for _, st := range subTiles {
		if c.Cancelled() {
			report.SubTiles = append(report.SubTiles, SubTileReport{Tile: st, State: StateCancelled})
			return report, ErrCancelled
		}

		stReport, err := s.renderSubTile(st, c)
		report.SubTiles = append(report.SubTiles, stReport)
		if err != nil {
			return report, err
		}
	}

	tile.Sample = tile.SampleStart + tile.NumSamples
	return report, nil
}

// A TilePlan describes how a scheduler processes a tile.
type TilePlan struct {
	Budget    LaneBudget
	SplitSize Size
	SubTiles  []SubTile

	// Lane capacity of the shared buffers while rendering the tile.
	LaneCap int
}

// PlanTile computes the lane budget and sub-tile grid for tile without
// allocating any device memory.
func (s *Scheduler) PlanTile(tile *RenderTile) (TilePlan, error) {
	s.Lock()
	defer s.Unlock()

	switch {
	case s.closed:
		return TilePlan{}, ErrClosed
	case s.stages == nil:
		return TilePlan{}, ErrStagesNotLoaded
	}
	return s.planTile(tile)
}

func (s *Scheduler) planTile(tile *RenderTile) (TilePlan, error) {
	planner, err := s.planner()
	if err != nil {
		return TilePlan{}, err
	}
	budget, err := planner.Plan(tile.Size())
	if err != nil {
		return TilePlan{Budget: budget}, err
	}

	maxLanes := planner.MaxFeasibleTileSize(budget.MaxParallelLanes).Area()
	if s.buffers != nil {
		maxLanes = min(maxLanes, s.buffers.laneCap)
	}

	// The budget may have been computed for a smaller fallback tile; keep
	// shrinking the sub-tiles until their own tile specific memory leaves
	// room for the shared buffer lanes.
	subTiles, splitSize := SplitTile(tile, maxLanes, s.limits.LocalSize)
	laneCap := s.laneCapacity(tile, len(subTiles), maxLanes)
	for len(subTiles) > 0 {
		feasible := planner.FeasibleLaneCount(splitSize)
		if int64(laneCap) <= feasible {
			break
		}

		shrunk := planner.MaxFeasibleTileSize(int(max(feasible, 0))).Area()
		if shrunk >= maxLanes {
			shrunk = maxLanes / 2
		}
		maxLanes = shrunk
		subTiles, splitSize = SplitTile(tile, maxLanes, s.limits.LocalSize)
		laneCap = s.laneCapacity(tile, len(subTiles), maxLanes)
	}

	plan := TilePlan{Budget: budget, SplitSize: splitSize, SubTiles: subTiles, LaneCap: laneCap}
	if len(subTiles) == 0 {
		return plan, fmt.Errorf("%w: no sub-tile of %s fits in %d lanes", ErrResourceExhausted, tile.Size(), maxLanes)
	}
	return plan, nil
}

// Lane capacity of the shared buffers used for rendering tile as numSubTiles
// sub-tiles. Strategies without work pools use spare lanes for parallel
// samples.
func (s *Scheduler) laneCapacity(tile *RenderTile, numSubTiles, maxLanes int) int {
	switch {
	case s.buffers != nil:
		return s.buffers.laneCap
	case numSubTiles > 1 || !s.opts.Dispatch.WorkPools():
		return maxLanes
	}
	return tile.Size().RoundUp(s.limits.LocalSize).Area()
}

// Process a single sub-tile: initialize the shared state, iterate the bounce
// stages until every lane is inactive and accumulate the results.
func (s *Scheduler) renderSubTile(st SubTile, c Canceller) (SubTileReport, error) {
	start := time.Now()
	report := SubTileReport{Tile: st, State: StateInit}
	local := s.limits.LocalSize

	global, parallelSamples := s.opts.Dispatch.Dims(st, s.buffers.laneCap, local)
	if global.Area() > s.buffers.laneCap {
		return report, fmt.Errorf("%w: sub-tile %s needs %d lanes; capacity %d", ErrResourceExhausted, st, global.Area(), s.buffers.laneCap)
	}
	report.Global = global
	report.ParallelSamples = parallelSamples

	params := &KernelParams{
		Tile:            st,
		NumLanes:        s.buffers.laneCap,
		ParallelSamples: parallelSamples,
		QueueSize:       s.buffers.queueSize,
	}
	if err := s.launch(DataInit, global, local, params); err != nil {
		return report, err
	}

	s.plan.begin()
	report.StartIterations = s.plan.IterationsPerRound
	report.State = StateIterating

	for report.State == StateIterating {
		completed, cancelled, err := s.runBatch(global, local, s.plan.IterationsPerRound, c)
		report.Iterations += completed
		s.plan.ran(completed)
		if err != nil {
			return report, err
		}
		if cancelled {
			report.State = StateCancelled
			break
		}
		report.Batches++

		active, err := s.buffers.anyActive(global.Area())
		if err != nil {
			s.logger.Errorf("ray state read-back failed: %v", err)
			return report, err
		}
		if !active {
			report.State = StateConverging
			break
		}

		s.plan.intervene()
		report.HostInterventions = s.plan.TotalHostInterventions
		if c.Cancelled() {
			report.State = StateCancelled
		}
	}

	if report.State == StateCancelled {
		if report.Batches > 0 {
			s.plan.settle()
		}
		report.Elapsed = time.Since(start)
		s.logger.Debugf("sub-tile %s cancelled after %d iterations", st, report.Iterations)
		return report, ErrCancelled
	}

	// Every lane is inactive; fold the per-sample radiance into the output.
	accLocal := s.opts.AccumulationLocalSize
	if err := s.launch(SumAllRadiance, st.Size().RoundUp(accLocal), accLocal, params); err != nil {
		return report, err
	}
	report.State = StateDone

	prevStart := report.StartIterations
	s.plan.settle()
	report.Elapsed = time.Since(start)

	s.logger.Debugf(
		"sub-tile %s done: %d iterations in %d batches, %d host interventions, %d parallel samples (%s)",
		st, report.Iterations, report.Batches, report.HostInterventions, parallelSamples, report.Elapsed,
	)
	if s.plan.IterationsPerRound != prevStart {
		s.logger.Infof("iterations per round adjusted from %d to %d", prevStart, s.plan.IterationsPerRound)
	}

	return report, nil
}

// Enqueue iterations repetitions of the bounce pipeline. Returns the number
// of fully enqueued iterations and whether a cancellation was observed.
func (s *Scheduler) runBatch(global, local Size, iterations int, c Canceller) (int, bool, error) {
	for iter := 0; iter < iterations; iter++ {
		for _, step := range bouncePipeline {
			if s.opts.CheckCancelPerStage && c.Cancelled() {
				return iter, true, nil
			}
			if err := s.launch(step.stage, step.dispatch(global), local, nil); err != nil {
				return iter, false, err
			}
		}

		if c.Cancelled() {
			return iter + 1, true, nil
		}
	}

	return iterations, false, nil
}

func (s *Scheduler) launch(id StageID, global, local Size, params *KernelParams) error {
	err := s.dev.Launch(Launch{
		Stage:   s.stages.Stage(id),
		Global:  global,
		Local:   local,
		Buffers: s.buffers.SplitBuffers,
		Params:  params,
	})
	if err != nil {
		s.logger.Errorf("could not launch stage %s: %v", id, err)
		return launchErr("launch", id, err)
	}
	return nil
}

// Close releases the shared buffers. The scheduler cannot be used after
// it is closed; calling Close more than once is safe.
func (s *Scheduler) Close() {
	s.Lock()
	defer s.Unlock()

	if s.buffers != nil {
		s.buffers.Release()
		s.buffers = nil
	}
	s.stages = nil
	s.closed = true
}
