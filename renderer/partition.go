package renderer

import (
	"math"
	"time"
)

// The timing of a block rendered during the previous frame.
type BlockTiming struct {
	Rows    int
	Elapsed time.Duration
}

// BlockPartitioner splits the frame into horizontal blocks of variable
// height, one per device. It assumes that the volume of tracing work between
// two subsequent frames is approximately the same.
type BlockPartitioner struct {
	assignment []int
}

// Partition returns the block height assignment for each device.
//
// The first call (or a call after the device count changes) distributes rows
// proportionally to the device speed estimates. Later calls use the timings
// of the previous frame to estimate the workload of device w for frame i+1:
// w_i+1 = (blockH_w,i / time_w,i) / Σ(blockH_i / time_i)
func (p *BlockPartitioner) Partition(speeds []uint32, last []BlockTiming, frameH int) []int {
	if len(speeds) == 0 {
		return nil
	}

	var total float64
	if len(p.assignment) != len(speeds) || len(last) != len(speeds) || !timingsValid(last) {
		p.assignment = make([]int, len(speeds))
		for _, speed := range speeds {
			total += float64(speedOrOne(speed))
		}
		scaler := float64(frameH) / total
		for idx, speed := range speeds {
			p.assignment[idx] = int(math.Max(1.0, math.Floor(float64(speedOrOne(speed))*scaler)))
		}
	} else {
		for _, t := range last {
			total += float64(t.Rows) / float64(t.Elapsed)
		}
		scaler := float64(frameH) / total
		for idx, t := range last {
			p.assignment[idx] = int(math.Max(1.0, math.Floor(float64(t.Rows)/float64(t.Elapsed)*scaler)))
		}
	}

	p.fixup(frameH)
	return append([]int(nil), p.assignment...)
}

// Reset forgets the previous assignment.
func (p *BlockPartitioner) Reset() {
	p.assignment = nil
}

// In case rows don't add up to the frame height append the missing ones to
// the first device. Surplus rows caused by the one row minimum are taken
// from the largest blocks.
func (p *BlockPartitioner) fixup(frameH int) {
	scheduled := 0
	for _, rows := range p.assignment {
		scheduled += rows
	}

	if scheduled <= frameH {
		p.assignment[0] += frameH - scheduled
		return
	}

	for ; scheduled > frameH; scheduled-- {
		largest := 0
		for idx, rows := range p.assignment {
			if rows > p.assignment[largest] {
				largest = idx
			}
		}
		if p.assignment[largest] <= 1 {
			return
		}
		p.assignment[largest]--
	}
}

func timingsValid(timings []BlockTiming) bool {
	for _, t := range timings {
		if t.Rows <= 0 || t.Elapsed <= 0 {
			return false
		}
	}
	return true
}

func speedOrOne(speed uint32) uint32 {
	if speed == 0 {
		return 1
	}
	return speed
}
