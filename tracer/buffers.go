package tracer

import "fmt"

// Ray activity values written to the ray state buffer.
const (
	RayActive   byte = 0
	RayInactive byte = 1
)

// Device-resident state shared by all stages. The set is allocated once and
// reused by every sub-tile processed by its scheduler.
type splitBuffers struct {
	dev Device

	SplitBuffers

	// Lane capacity and per-lane path state size the buffers were sized for.
	laneCap        int
	pathStateBytes int64
	queueSize      int

	// Host-side mirror of the ray state buffer.
	rayState []byte
}

// Allocate the shared buffers for laneCap lanes. On failure any buffer that
// was already allocated is released.
func newSplitBuffers(dev Device, formula BudgetFormula, maxClosures, laneCap int, local Size, workPools bool) (*splitBuffers, error) {
	bs := &splitBuffers{
		dev:            dev,
		laneCap:        laneCap,
		pathStateBytes: formula.PathStateBytes(maxClosures),
		queueSize:      laneCap,
		rayState:       make([]byte, laneCap),
	}

	type allocation struct {
		target *Buffer
		name   string
		size   int64
	}
	allocations := []allocation{
		{&bs.KernelGlobals, "kernelGlobals", formula.KernelGlobalsBytes},
		{&bs.QueueIndex, "queueIndex", int64(formula.NumQueues) * formula.QueueCounterBytes},
		{&bs.UseQueuesFlag, "useQueuesFlag", formula.UseQueuesFlagBytes},
		{&bs.RayState, "rayState", int64(laneCap) * rayActivityBytes},
		{&bs.SplitData, "splitData", int64(laneCap) * bs.pathStateBytes},
	}
	if workPools {
		allocations = append(allocations, allocation{
			&bs.WorkPool, "workPool", int64(laneCap/local.Area()) * formula.WorkPoolCounterBytes,
		})
	}

	for _, a := range allocations {
		buf, err := dev.Allocate(a.name, int(max(a.size, 1)))
		if err != nil {
			bs.Release()
			return nil, memoryErr("allocate", fmt.Errorf("buffer %s (%d bytes): %w", a.name, a.size, err))
		}
		*a.target = buf
	}

	return bs, nil
}

// Read back the activity flags of the first lanes lanes and report whether
// any of them is still active.
func (bs *splitBuffers) anyActive(lanes int) (bool, error) {
	if lanes > bs.laneCap {
		return false, fmt.Errorf("wavefront: ray activity read-back of %d lanes exceeds capacity %d", lanes, bs.laneCap)
	}

	states := bs.rayState[:lanes]
	if err := bs.dev.ReadBack(bs.RayState, 0, states); err != nil {
		return false, memoryErr("read-back", err)
	}

	for _, state := range states {
		if state != RayInactive {
			return true, nil
		}
	}
	return false, nil
}

// Release all buffers. Calling Release more than once is safe.
func (bs *splitBuffers) Release() {
	if bs == nil || bs.dev == nil {
		return
	}

	for _, buf := range []*Buffer{
		&bs.KernelGlobals,
		&bs.SplitData,
		&bs.RayState,
		&bs.QueueIndex,
		&bs.UseQueuesFlag,
		&bs.WorkPool,
	} {
		if *buf != nil {
			bs.dev.Free(*buf)
			*buf = nil
		}
	}
	bs.dev = nil
}
