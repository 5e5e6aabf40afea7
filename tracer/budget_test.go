package tracer

import (
	"errors"
	"testing"
)

func testLimits(maxAlloc int64) DeviceLimits {
	return DeviceLimits{
		MaxAllocatableBytes: maxAlloc,
		LocalSize:           Size{8, 8},
		Kind:                GpuDevice,
		PlatformName:        "test",
	}
}

func TestPlannerBudget(t *testing.T) {
	planner, err := NewPlanner(DefaultBudgetFormula(), testLimits(100000000), StaticScene(0), WorkStealing(), 0)
	if err != nil {
		t.Fatal(err)
	}

	tileSize := Size{64, 64}
	if exp, got := int64(4113), planner.InvariableMemory(); got != exp {
		t.Fatalf("expected invariable memory to be %d; got %d", exp, got)
	}
	// 64 work pools + 4096 pixels of output and rng state
	if exp, got := int64(64*4+4096*20), planner.TileSpecificMemory(tileSize); got != exp {
		t.Fatalf("expected tile specific memory to be %d; got %d", exp, got)
	}
	if exp, got := int64(529), planner.PerLaneCost(); got != exp {
		t.Fatalf("expected per-lane cost to be %d; got %d", exp, got)
	}

	budget, err := planner.Budget(tileSize)
	if err != nil {
		t.Fatal(err)
	}
	if exp := 179421; budget.MaxParallelLanes != exp {
		t.Fatalf("expected %d lanes; got %d", exp, budget.MaxParallelLanes)
	}
	if !budget.Fits() {
		t.Fatalf("expected budget to fit device memory; committed %d of %d", budget.Committed(), budget.TotalAllocatable)
	}

	// Planning is a pure function of device and scene state.
	again, err := planner.Budget(tileSize)
	if err != nil {
		t.Fatal(err)
	}
	if again != budget {
		t.Fatalf("expected repeated budget calls to match; got %+v and %+v", budget, again)
	}
}

func TestPlannerParallelSamplesSkipsWorkPools(t *testing.T) {
	planner, err := NewPlanner(DefaultBudgetFormula(), testLimits(100000000), nil, ParallelSamples(), 0)
	if err != nil {
		t.Fatal(err)
	}

	if exp, got := int64(4096*20), planner.TileSpecificMemory(Size{64, 64}); got != exp {
		t.Fatalf("expected tile specific memory to be %d; got %d", exp, got)
	}
}

func TestPlannerAllocDivisor(t *testing.T) {
	formula := DefaultBudgetFormula()
	generic, err := NewPlanner(formula, testLimits(100000000), nil, WorkStealing(), 4)
	if err != nil {
		t.Fatal(err)
	}

	formula.AllocDivisor = 2
	amd, err := NewPlanner(formula, testLimits(100000000), nil, WorkStealing(), 4)
	if err != nil {
		t.Fatal(err)
	}

	if exp, got := generic.TotalAllocatable()/2, amd.TotalAllocatable(); got != exp {
		t.Fatalf("expected total allocatable to be %d; got %d", exp, got)
	}

	tileSize := Size{128, 128}
	if amd.FeasibleLaneCount(tileSize) >= generic.FeasibleLaneCount(tileSize) {
		t.Fatal("expected halved allocation size to reduce the feasible lane count")
	}
}

func TestPlannerSceneMemory(t *testing.T) {
	empty, err := NewPlanner(DefaultBudgetFormula(), testLimits(100000000), StaticScene(0), WorkStealing(), 0)
	if err != nil {
		t.Fatal(err)
	}
	loaded, err := NewPlanner(DefaultBudgetFormula(), testLimits(100000000), StaticScene(529*1000), WorkStealing(), 0)
	if err != nil {
		t.Fatal(err)
	}

	tileSize := Size{64, 64}
	if exp, got := empty.FeasibleLaneCount(tileSize)-1000, loaded.FeasibleLaneCount(tileSize); got != exp {
		t.Fatalf("expected scene data to consume %d lanes; got %d", exp, got)
	}
}

func TestPlannerExhaustion(t *testing.T) {
	type spec struct {
		maxAlloc int64
		scene    int64
		tileSize Size
	}
	specs := []spec{
		// Less memory than the safety margin
		{4000000, 0, Size{64, 64}},
		// Scene data consumes everything
		{100000000, 95000000, Size{64, 64}},
		// Room for fewer lanes than a single work-group
		{5004113 + 64*20 + 4 + 63*529, 0, Size{8, 8}},
	}

	for index, s := range specs {
		planner, err := NewPlanner(DefaultBudgetFormula(), testLimits(s.maxAlloc), StaticScene(s.scene), WorkStealing(), 0)
		if err != nil {
			t.Fatal(err)
		}

		_, err = planner.Plan(s.tileSize)
		if !errors.Is(err, ErrResourceExhausted) {
			t.Fatalf("[spec %d] expected ErrResourceExhausted; got %v", index, err)
		}
	}
}

func TestPlannerFallsBackToSmallestTile(t *testing.T) {
	// Enough memory for 100 lanes next to an 8x8 tile but not next to the
	// tile specific memory of a 1024x1024 tile.
	maxAlloc := int64(5004113 + 64*20 + 4 + 100*529)
	planner, err := NewPlanner(DefaultBudgetFormula(), testLimits(maxAlloc), nil, WorkStealing(), 0)
	if err != nil {
		t.Fatal(err)
	}

	if _, err = planner.Budget(Size{1024, 1024}); !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("expected ErrResourceExhausted for the requested tile; got %v", err)
	}

	budget, err := planner.Plan(Size{1024, 1024})
	if err != nil {
		t.Fatal(err)
	}
	if budget.MaxParallelLanes != 100 {
		t.Fatalf("expected fallback budget of 100 lanes; got %d", budget.MaxParallelLanes)
	}
}

func TestMaxFeasibleTileSize(t *testing.T) {
	type spec struct {
		lanes       int
		granularity Size
		exp         Size
	}
	specs := []spec{
		{4096, Size{8, 8}, Size{64, 64}},
		{5000, Size{8, 8}, Size{64, 64}},
		{5184, Size{8, 8}, Size{72, 72}},
		{4900, Size{1, 1}, Size{70, 70}},
		{100, Size{8, 8}, Size{8, 8}},
		{63, Size{8, 8}, Size{}},
		{0, Size{8, 8}, Size{}},
		// Wide work-groups fall back to a single row
		{128, Size{64, 1}, Size{128, 1}},
	}

	for index, s := range specs {
		got := MaxFeasibleTileSize(s.lanes, s.granularity)
		if got != s.exp {
			t.Fatalf("[spec %d] expected max feasible tile size for %d lanes to be %s; got %s", index, s.lanes, s.exp, got)
		}
		if got.Area() > s.lanes {
			t.Fatalf("[spec %d] tile size %s exceeds %d lanes", index, got, s.lanes)
		}
	}
}

func TestBudgetFormulaValidation(t *testing.T) {
	formula := DefaultBudgetFormula()
	formula.AllocDivisor = 0
	if _, err := NewPlanner(formula, testLimits(1<<30), nil, WorkStealing(), 0); err == nil {
		t.Fatal("expected zero alloc divisor to be rejected")
	}

	if _, err := NewPlanner(DefaultBudgetFormula(), DeviceLimits{MaxAllocatableBytes: 1 << 30}, nil, WorkStealing(), 0); err == nil {
		t.Fatal("expected zero local size to be rejected")
	}
}
