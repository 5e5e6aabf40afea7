package renderer

import "time"

type DeviceStat struct {
	// The device name.
	Id string

	// The block origin and height and the percentage of total frame area
	// it represents.
	BlockY       int
	BlockH       int
	FramePercent float32

	// Render time for assigned block
	RenderTime time.Duration

	// Split kernel statistics summed over every tile of the block.
	Tiles         int
	SubTiles      int
	Iterations    int
	Interventions int
	Cancelled     bool
}

type FrameStats struct {
	// Individual device stats.
	Devices []DeviceStat

	// Total render time for entire frame.
	RenderTime time.Duration
}
