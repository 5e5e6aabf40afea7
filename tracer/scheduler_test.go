package tracer_test

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/achilleasa/wavefront/tracer"
	"github.com/achilleasa/wavefront/tracer/emulator"
)

// Device memory for which a 128x128 tile gets a budget of 4500 lanes and is
// split into four 64x64 sub-tiles.
const splitTestMemory = 7713317

func newTestScheduler(t *testing.T, cfg emulator.Config, opts tracer.Options) (*tracer.Scheduler, *emulator.Device) {
	dev := emulator.New(cfg)
	sch, err := tracer.NewScheduler(dev, dev, opts)
	if err != nil {
		t.Fatal(err)
	}
	if err = sch.LoadStages(tracer.FeatureSet{}); err != nil {
		t.Fatal(err)
	}
	return sch, dev
}

func newTestTile(t *testing.T, dev *emulator.Device, w, h, numSamples int) *tracer.RenderTile {
	output, err := dev.Allocate("output", w*h*emulator.OutputPixelBytes)
	if err != nil {
		t.Fatal(err)
	}
	return &tracer.RenderTile{W: w, H: h, Stride: w, NumSamples: numSamples, Output: output}
}

func readOutput(t *testing.T, dev *emulator.Device, tile *tracer.RenderTile) [][4]float32 {
	data := make([]byte, tile.Output.Size())
	if err := dev.ReadBack(tile.Output, 0, data); err != nil {
		t.Fatal(err)
	}
	return emulator.DecodeOutput(data)
}

func TestStageLaunchOrder(t *testing.T) {
	sch, dev := newTestScheduler(t, emulator.DefaultConfig(64000000), tracer.DefaultOptions())
	defer sch.Close()

	tile := newTestTile(t, dev, 16, 16, 1)
	report, err := sch.RenderTile(tile, nil)
	if err != nil {
		t.Fatal(err)
	}

	expLaunches := []tracer.StageID{tracer.DataInit}
	for iter := 0; iter < tracer.DefaultIterationIncrement; iter++ {
		expLaunches = append(expLaunches, tracer.BounceOrder()...)
	}
	expLaunches = append(expLaunches, tracer.SumAllRadiance)

	if got := dev.Launches(); !reflect.DeepEqual(got, expLaunches) {
		t.Fatalf("expected launch sequence:\n%v\ngot:\n%v", expLaunches, got)
	}

	if len(report.SubTiles) != 1 {
		t.Fatalf("expected 1 sub-tile; got %d", len(report.SubTiles))
	}
	st := report.SubTiles[0]
	if st.State != tracer.StateDone || st.Batches != 1 || st.HostInterventions != 0 {
		t.Fatalf("expected sub-tile to complete in a single batch; got %+v", st)
	}
	if tile.Sample != tile.SampleStart+tile.NumSamples {
		t.Fatalf("expected tile sample to be advanced to %d; got %d", tile.SampleStart+tile.NumSamples, tile.Sample)
	}
	if readBacks := dev.Stats().ReadBacks; readBacks != 1 {
		t.Fatalf("expected a single ray state read-back; got %d", readBacks)
	}
}

func TestSplitTileRendering(t *testing.T) {
	sch, dev := newTestScheduler(t, emulator.DefaultConfig(splitTestMemory), tracer.DefaultOptions())

	// Every lane needs 6 samples * 4 bounces.
	tile := newTestTile(t, dev, 128, 128, 6)
	report, err := sch.RenderTile(tile, nil)
	if err != nil {
		t.Fatal(err)
	}

	if report.Budget.MaxParallelLanes != 4500 {
		t.Fatalf("expected a budget of 4500 lanes; got %d", report.Budget.MaxParallelLanes)
	}
	if report.SplitSize != (tracer.Size{X: 64, Y: 64}) {
		t.Fatalf("expected split size 64x64; got %s", report.SplitSize)
	}
	if len(report.SubTiles) != 4 {
		t.Fatalf("expected 4 sub-tiles; got %d", len(report.SubTiles))
	}

	type spec struct {
		startIterations int
		interventions   int
	}
	specs := []spec{
		{8, 2},
		{24, 0},
		{24, 0},
		{24, 0},
	}
	for index, s := range specs {
		st := report.SubTiles[index]
		if st.State != tracer.StateDone {
			t.Fatalf("[spec %d] expected sub-tile state DONE; got %s", index, st.State)
		}
		if st.StartIterations != s.startIterations || st.HostInterventions != s.interventions {
			t.Fatalf("[spec %d] expected sub-tile to start with %d iterations and need %d interventions; got %d and %d", index, s.startIterations, s.interventions, st.StartIterations, st.HostInterventions)
		}
	}

	if exp := 4096; sch.LaneCapacity() != exp {
		t.Fatalf("expected lane capacity %d; got %d", exp, sch.LaneCapacity())
	}
	if dataInits := dev.Stats().DataInits; dataInits != 4 {
		t.Fatalf("expected 4 data init launches; got %d", dataInits)
	}

	for index, pixel := range readOutput(t, dev, tile) {
		if pixel[0] != 6 || pixel[3] != 6 {
			t.Fatalf("expected pixel %d to accumulate 6 samples; got %v", index, pixel)
		}
	}

	// Shared buffers are allocated once and released once.
	if allocs := dev.Stats().Allocs; allocs != 7 {
		t.Fatalf("expected 7 allocations (output + 6 shared buffers); got %d", allocs)
	}
	sch.Close()
	sch.Close()
	stats := dev.Stats()
	if stats.Frees != 6 || stats.LiveBuffers != 1 {
		t.Fatalf("expected shared buffers to be freed exactly once; got %+v", stats)
	}

	if _, err = sch.RenderTile(tile, nil); !errors.Is(err, tracer.ErrClosed) {
		t.Fatalf("expected ErrClosed; got %v", err)
	}
}

func TestIterationPlanPersistsAcrossCalls(t *testing.T) {
	opts := tracer.DefaultOptions()
	opts.InitialIterations = 24
	sch, dev := newTestScheduler(t, emulator.DefaultConfig(64000000), opts)
	defer sch.Close()

	// Every lane needs 2 samples * 4 bounces.
	tile := newTestTile(t, dev, 16, 16, 2)
	for index, exp := range []int{24, 16, 8, 8} {
		report, err := sch.RenderTile(tile, nil)
		if err != nil {
			t.Fatal(err)
		}
		st := report.SubTiles[0]
		if st.StartIterations != exp {
			t.Fatalf("[call %d] expected sub-tile to start with %d iterations; got %d", index, exp, st.StartIterations)
		}
		if st.HostInterventions != 0 {
			t.Fatalf("[call %d] expected no host interventions; got %d", index, st.HostInterventions)
		}
	}

	if allocs := dev.Stats().Allocs; allocs != 7 {
		t.Fatalf("expected shared buffers to be allocated once; got %d allocations", allocs)
	}
}

func TestIterationPlanShrinksForShallowerPaths(t *testing.T) {
	depth := 20
	cfg := emulator.DefaultConfig(64000000)
	cfg.PathDepth = func(_, _, _ int) int { return depth }
	sch, dev := newTestScheduler(t, cfg, tracer.DefaultOptions())
	defer sch.Close()

	tile := newTestTile(t, dev, 16, 16, 1)
	report, err := sch.RenderTile(tile, nil)
	if err != nil {
		t.Fatal(err)
	}
	if st := report.SubTiles[0]; st.StartIterations != 8 || st.HostInterventions != 2 {
		t.Fatalf("expected deep paths to start with 8 iterations and need 2 interventions; got %d and %d", st.StartIterations, st.HostInterventions)
	}

	depth = 1
	for index, exp := range []int{24, 24, 24, 16, 8} {
		report, err = sch.RenderTile(tile, nil)
		if err != nil {
			t.Fatal(err)
		}
		st := report.SubTiles[0]
		if st.StartIterations != exp {
			t.Fatalf("[call %d] expected sub-tile to start with %d iterations; got %d", index, exp, st.StartIterations)
		}
		if st.HostInterventions != 0 {
			t.Fatalf("[call %d] expected no host interventions; got %d", index, st.HostInterventions)
		}
	}
}

func TestFeatureReloadResetsIterationPlan(t *testing.T) {
	cfg := emulator.DefaultConfig(64000000)
	cfg.PathDepth = func(_, _, _ int) int { return 20 }
	sch, dev := newTestScheduler(t, cfg, tracer.DefaultOptions())
	defer sch.Close()

	if _, err := sch.RenderTile(newTestTile(t, dev, 16, 16, 1), nil); err != nil {
		t.Fatal(err)
	}
	if got := sch.Plan().IterationsPerRound; got != 24 {
		t.Fatalf("expected 24 iterations per round; got %d", got)
	}

	// Same features: the learned counts are kept.
	if err := sch.LoadStages(tracer.FeatureSet{}); err != nil {
		t.Fatal(err)
	}
	if got := sch.Plan().IterationsPerRound; got != 24 {
		t.Fatalf("expected reloading the same features to keep 24 iterations per round; got %d", got)
	}

	if err := sch.LoadStages(tracer.FeatureSet{MaxClosures: 2}); err != nil {
		t.Fatal(err)
	}
	if got := sch.Plan().IterationsPerRound; got != tracer.DefaultIterationIncrement {
		t.Fatalf("expected new features to restart from %d iterations per round; got %d", tracer.DefaultIterationIncrement, got)
	}
}

func TestCancelDuringSecondSubTile(t *testing.T) {
	cfg := emulator.DefaultConfig(splitTestMemory)
	cfg.PathDepth = func(x, y, sample int) int {
		// The second sub-tile needs 48 iterations, the others 24.
		if x >= 64 && y < 64 {
			return 8
		}
		return 4
	}
	sch, dev := newTestScheduler(t, cfg, tracer.DefaultOptions())
	defer sch.Close()

	// Sub-tile 1 runs 24 iterations; sub-tile 2 runs a 24 iteration batch and
	// is cancelled 2 iterations into its second batch.
	canceller := tracer.CancelFunc(func() bool {
		return dev.LaunchCount(tracer.NextIterationSetup) >= 50
	})

	tile := newTestTile(t, dev, 128, 128, 6)
	report, err := sch.RenderTile(tile, canceller)
	if !errors.Is(err, tracer.ErrCancelled) {
		t.Fatalf("expected ErrCancelled; got %v", err)
	}

	if len(report.SubTiles) != 2 {
		t.Fatalf("expected processing to stop after 2 sub-tiles; got %d", len(report.SubTiles))
	}
	if state := report.SubTiles[0].State; state != tracer.StateDone {
		t.Fatalf("expected first sub-tile state DONE; got %s", state)
	}

	st := report.SubTiles[1]
	if st.State != tracer.StateCancelled || st.Batches != 1 || st.Iterations != 26 {
		t.Fatalf("expected second sub-tile to be cancelled after 1 batch and 26 iterations; got %s after %d batches and %d iterations", st.State, st.Batches, st.Iterations)
	}

	if count := dev.LaunchCount(tracer.SumAllRadiance); count != 1 {
		t.Fatalf("expected only the first sub-tile to be accumulated; got %d accumulations", count)
	}
	if dataInits := dev.Stats().DataInits; dataInits != 2 {
		t.Fatalf("expected remaining sub-tiles to be skipped; got %d data init launches", dataInits)
	}
	if tile.Sample != 0 {
		t.Fatalf("expected tile sample to remain unchanged; got %d", tile.Sample)
	}

	// The cancelled sub-tile made progress so the plan carries its count.
	if exp := 32; sch.Plan().IterationsPerRound != exp {
		t.Fatalf("expected %d iterations per round; got %d", exp, sch.Plan().IterationsPerRound)
	}
}

func TestCancelBeforeInit(t *testing.T) {
	sch, dev := newTestScheduler(t, emulator.DefaultConfig(64000000), tracer.DefaultOptions())
	defer sch.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := sch.RenderTile(newTestTile(t, dev, 16, 16, 1), tracer.ContextCanceller(ctx))
	if !errors.Is(err, tracer.ErrCancelled) {
		t.Fatalf("expected ErrCancelled; got %v", err)
	}
	if len(report.SubTiles) != 1 || report.SubTiles[0].State != tracer.StateCancelled {
		t.Fatalf("expected a single cancelled sub-tile; got %+v", report.SubTiles)
	}
	if dataInits := dev.Stats().DataInits; dataInits != 0 {
		t.Fatalf("expected no data init launches; got %d", dataInits)
	}
}

func TestCancelPerStage(t *testing.T) {
	opts := tracer.DefaultOptions()
	opts.CheckCancelPerStage = true
	sch, dev := newTestScheduler(t, emulator.DefaultConfig(64000000), opts)
	defer sch.Close()

	canceller := tracer.CancelFunc(func() bool {
		return dev.LaunchCount(tracer.ShaderEval) >= 1
	})

	_, err := sch.RenderTile(newTestTile(t, dev, 16, 16, 1), canceller)
	if !errors.Is(err, tracer.ErrCancelled) {
		t.Fatalf("expected ErrCancelled; got %v", err)
	}

	// Cancellation is observed before the stage following shader_eval.
	if count := dev.LaunchCount(tracer.HoldoutEmissionBlurringPathTerminationAO); count != 0 {
		t.Fatalf("expected no launches after the cancellation request; got %d", count)
	}
}

func TestLaunchFailure(t *testing.T) {
	sch, dev := newTestScheduler(t, emulator.DefaultConfig(64000000), tracer.DefaultOptions())
	defer sch.Close()

	injected := errors.New("device lost")
	shaderEvals := 0
	dev.FailLaunch = func(l tracer.Launch) error {
		if l.Stage.ID() != tracer.ShaderEval {
			return nil
		}
		shaderEvals++
		if shaderEvals == 3 {
			return injected
		}
		return nil
	}

	report, err := sch.RenderTile(newTestTile(t, dev, 16, 16, 4), nil)
	if !errors.Is(err, injected) {
		t.Fatalf("expected the device error to be propagated; got %v", err)
	}

	var launchErr *tracer.LaunchError
	if !errors.As(err, &launchErr) {
		t.Fatalf("expected a *tracer.LaunchError; got %T", err)
	}
	if launchErr.Stage != tracer.ShaderEval {
		t.Fatalf("expected failed stage to be %s; got %s", tracer.ShaderEval, launchErr.Stage)
	}

	if state := report.SubTiles[0].State; state != tracer.StateIterating {
		t.Fatalf("expected sub-tile to fail while ITERATING; got %s", state)
	}
	if count := dev.LaunchCount(tracer.SumAllRadiance); count != 0 {
		t.Fatalf("expected no accumulation after a launch failure; got %d", count)
	}
}

func TestResourceExhausted(t *testing.T) {
	sch, dev := newTestScheduler(t, emulator.DefaultConfig(4000000), tracer.DefaultOptions())
	defer sch.Close()

	_, err := sch.RenderTile(newTestTile(t, dev, 16, 16, 1), nil)
	if !errors.Is(err, tracer.ErrResourceExhausted) {
		t.Fatalf("expected ErrResourceExhausted; got %v", err)
	}
	if allocs := dev.Stats().Allocs; allocs != 1 {
		t.Fatalf("expected no shared buffer allocations; got %d", allocs-1)
	}
}

// Allocatable memory (after halving) that holds exactly 4096 lanes next to
// the tile specific memory of a single 8x8 work-group.
const fallbackTestMemory = 4113 + 4 + 64*20 + 4096*529

func TestFallbackBudgetSplitFitsDeviceMemory(t *testing.T) {
	opts := tracer.DefaultOptions()
	opts.Budget.SafetyMargin = 0
	opts.Budget.AllocDivisor = 2
	sch, dev := newTestScheduler(t, emulator.DefaultConfig(2*fallbackTestMemory), opts)
	defer sch.Close()

	// The tile specific memory of the whole tile exceeds the device memory
	// so the budget falls back to a single work-group.
	tile := newTestTile(t, dev, 336, 336, 1)
	report, err := sch.RenderTile(tile, nil)
	if err != nil {
		t.Fatal(err)
	}
	if report.Budget.MaxParallelLanes != 4096 {
		t.Fatalf("expected a fallback budget of 4096 lanes; got %d", report.Budget.MaxParallelLanes)
	}

	// A 64x64 grid leaves no room for the tile specific memory of 48x84
	// sub-tiles; the split shrinks until the sub-tiles fit next to the lanes.
	if report.SplitSize != (tracer.Size{X: 48, Y: 48}) {
		t.Fatalf("expected split size 48x48; got %s", report.SplitSize)
	}
	if len(report.SubTiles) != 49 {
		t.Fatalf("expected 49 sub-tiles; got %d", len(report.SubTiles))
	}
	laneCap := sch.LaneCapacity()
	if laneCap != 3136 {
		t.Fatalf("expected lane capacity 3136; got %d", laneCap)
	}

	planner, err := sch.Planner()
	if err != nil {
		t.Fatal(err)
	}
	budget, err := planner.Budget(report.SplitSize)
	if err != nil {
		t.Fatal(err)
	}
	budget.MaxParallelLanes = laneCap
	if !budget.Fits() {
		t.Fatalf("expected %d lanes and a %s sub-tile to fit device memory; committed %d of %d", laneCap, report.SplitSize, budget.Committed(), budget.TotalAllocatable)
	}

	for index, pixel := range readOutput(t, dev, tile) {
		if pixel[3] != 1 {
			t.Fatalf("expected pixel %d to accumulate 1 sample; got %v", index, pixel)
		}
	}
}

func TestAllocationFailureReleasesBuffers(t *testing.T) {
	sch, dev := newTestScheduler(t, emulator.DefaultConfig(64000000), tracer.DefaultOptions())
	defer sch.Close()

	tile := newTestTile(t, dev, 16, 16, 1)
	dev.FailAlloc = func(name string, size int) error {
		if name == "splitData" {
			return emulator.ErrOutOfMemory
		}
		return nil
	}

	_, err := sch.RenderTile(tile, nil)
	var launchErr *tracer.LaunchError
	if !errors.As(err, &launchErr) || !errors.Is(err, emulator.ErrOutOfMemory) {
		t.Fatalf("expected allocation failure to be reported as a *tracer.LaunchError; got %v", err)
	}
	if live := dev.Stats().LiveBuffers; live != 1 {
		t.Fatalf("expected partially allocated buffers to be released; got %d live buffers", live)
	}
}

func TestInvalidRequests(t *testing.T) {
	dev := emulator.New(emulator.DefaultConfig(64000000))
	sch, err := tracer.NewScheduler(dev, dev, tracer.DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer sch.Close()

	tile := newTestTile(t, dev, 16, 16, 1)
	if _, err = sch.RenderTile(tile, nil); !errors.Is(err, tracer.ErrStagesNotLoaded) {
		t.Fatalf("expected ErrStagesNotLoaded; got %v", err)
	}

	if err = sch.LoadStages(tracer.FeatureSet{}); err != nil {
		t.Fatal(err)
	}

	specs := []*tracer.RenderTile{
		{W: 0, H: 16, Stride: 16, NumSamples: 1, Output: tile.Output},
		{W: 16, H: 16, Stride: 8, NumSamples: 1, Output: tile.Output},
		{W: 16, H: 16, Stride: 16, NumSamples: 0, Output: tile.Output},
		{W: 16, H: 16, Stride: 16, NumSamples: 1},
	}
	for index, spec := range specs {
		if _, err = sch.RenderTile(spec, nil); !errors.Is(err, tracer.ErrInvalidTile) {
			t.Fatalf("[spec %d] expected ErrInvalidTile; got %v", index, err)
		}
	}
}

func TestParallelSamplesRendering(t *testing.T) {
	opts := tracer.DefaultOptions()
	opts.Dispatch = tracer.ParallelSamples()
	sch, dev := newTestScheduler(t, emulator.DefaultConfig(6000000), opts)
	defer sch.Close()

	tile := newTestTile(t, dev, 16, 16, 8)
	report, err := sch.RenderTile(tile, nil)
	if err != nil {
		t.Fatal(err)
	}

	st := report.SubTiles[0]
	if st.ParallelSamples != 6 || st.Global != (tracer.Size{X: 96, Y: 16}) {
		t.Fatalf("expected 6 parallel samples on a 96x16 grid; got %d on %s", st.ParallelSamples, st.Global)
	}
	if st.HostInterventions != 0 {
		t.Fatalf("expected no host interventions; got %d", st.HostInterventions)
	}

	for index, pixel := range readOutput(t, dev, tile) {
		if pixel[0] != 8 || pixel[3] != 8 {
			t.Fatalf("expected pixel %d to accumulate 8 samples; got %v", index, pixel)
		}
	}

	// No work pools for this strategy.
	if allocs := dev.Stats().Allocs; allocs != 6 {
		t.Fatalf("expected 6 allocations (output + 5 shared buffers); got %d", allocs)
	}
}

func TestFeatureReloadReallocatesBuffers(t *testing.T) {
	sch, dev := newTestScheduler(t, emulator.DefaultConfig(64000000), tracer.DefaultOptions())
	defer sch.Close()

	tile := newTestTile(t, dev, 16, 16, 1)
	if _, err := sch.RenderTile(tile, nil); err != nil {
		t.Fatal(err)
	}

	// Same features: nothing to do.
	if err := sch.LoadStages(tracer.FeatureSet{WorkStealing: true}); err != nil {
		t.Fatal(err)
	}
	if live := dev.Stats().LiveBuffers; live != 7 {
		t.Fatalf("expected shared buffers to be kept; got %d live buffers", live)
	}

	if err := sch.LoadStages(tracer.FeatureSet{MaxClosures: 4}); err != nil {
		t.Fatal(err)
	}
	if live := dev.Stats().LiveBuffers; live != 1 {
		t.Fatalf("expected shared buffers to be released; got %d live buffers", live)
	}
	if sch.LaneCapacity() != 0 {
		t.Fatalf("expected lane capacity to be reset; got %d", sch.LaneCapacity())
	}

	if _, err := sch.RenderTile(tile, nil); err != nil {
		t.Fatal(err)
	}
	if live := dev.Stats().LiveBuffers; live != 7 {
		t.Fatalf("expected shared buffers to be re-allocated; got %d live buffers", live)
	}
}
