package tracer

// IterationPlan tracks how many bounce iterations to enqueue between two
// ray-activity read-backs. It is the only state carried from one sub-tile
// (and one render call) to the next.
type IterationPlan struct {
	// Bounce iterations enqueued per batch.
	IterationsPerRound int

	// Host interventions (read-backs that found active lanes) during the
	// current sub-tile.
	TotalHostInterventions int

	// The iteration count carried forward as the next sub-tile's starting
	// value.
	CarriedForward int

	increment int

	// The largest iteration count observed to leave lanes active. While
	// holds is positive, shrinking to a value at or below it is refused;
	// every refusal uses up one hold so a workload that became shallower
	// is eventually retried. A retry that intervenes again re-arms the bound
	// with a window twice as long.
	insufficient int
	holds        int
	window       int

	// Iterations executed in the current sub-tile.
	executed int
}

// Shrinks refused by a freshly learned bound and the cap of the doubling
// re-arm window.
const (
	initialHoldWindow = 2
	maxHoldWindow     = 32
)

func newIterationPlan(increment, initial int) IterationPlan {
	if increment <= 0 {
		increment = 1
	}
	if initial < increment {
		initial = increment
	}
	return IterationPlan{
		IterationsPerRound: initial,
		CarriedForward:     initial,
		increment:          increment,
		window:             initialHoldWindow,
	}
}

// Increment returns the baseline iteration increment.
func (p *IterationPlan) Increment() int {
	return p.increment
}

// begin resets the per-sub-tile counters.
func (p *IterationPlan) begin() {
	p.TotalHostInterventions = 0
	p.CarriedForward = p.IterationsPerRound
	p.executed = 0
}

// ran records completed bounce iterations.
func (p *IterationPlan) ran(iterations int) {
	p.executed += iterations
}

// intervene records a read-back that found active lanes.
func (p *IterationPlan) intervene() {
	p.TotalHostInterventions++
	p.IterationsPerRound = p.increment
	p.CarriedForward += p.increment

	switch {
	case p.holds == 0:
		p.insufficient = p.executed
		p.holds = p.window
		p.window = min(p.window*2, maxHoldWindow)
	case p.executed > p.insufficient:
		p.insufficient = p.executed
	}
}

// settle picks the starting iteration count for the next sub-tile. A
// sub-tile that drained without interventions may have over-iterated, so the
// next one starts one increment lower unless an armed bound says that value
// is insufficient. Otherwise the accumulated count is carried forward.
func (p *IterationPlan) settle() {
	next := p.CarriedForward
	if p.TotalHostInterventions == 0 {
		shrunk := max(p.CarriedForward-p.increment, p.increment)
		switch {
		case shrunk == next:
		case p.holds > 0 && shrunk <= p.insufficient:
			p.holds--
		default:
			next = shrunk
		}
	}
	p.IterationsPerRound = next
	p.CarriedForward = next
}

// reset forgets everything learned so far.
func (p *IterationPlan) reset(initial int) {
	*p = newIterationPlan(p.increment, initial)
}
