// Package emulator provides a host-memory tracer.Device. Stages are
// simulated: every lane traces its samples for a configurable number of
// bounces and contributes a configurable radiance value per sample. The
// emulator is used for dry runs and as the launch backend in tests.
package emulator

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/achilleasa/wavefront/tracer"
)

var (
	ErrOutOfMemory   = errors.New("emulator: out of device memory")
	ErrUnknownBuffer = errors.New("emulator: buffer not owned by this device")
)

// The number of bounces a sample takes when Config.PathDepth is not set.
const DefaultPathDepth = 4

// Emulator configuration.
type Config struct {
	Name   string
	Limits tracer.DeviceLimits

	// Device memory already committed to scene data.
	SceneBytes int64

	// The number of bounce iterations before the given sample of pixel
	// (x, y) terminates. Values below 1 are treated as 1.
	PathDepth func(x, y, sample int) int

	// The radiance contributed by the given sample of pixel (x, y).
	Radiance func(x, y, sample int) float32

	// Max goroutines used for simulating a single launch.
	Workers int
}

// DefaultConfig returns the configuration of a CPU-like device with the
// given memory size.
func DefaultConfig(maxAllocatable int64) Config {
	return Config{
		Name: "emulator",
		Limits: tracer.DeviceLimits{
			MaxAllocatableBytes: maxAllocatable,
			LocalSize:           tracer.Size{X: 8, Y: 8},
			Kind:                tracer.CpuDevice,
			PlatformName:        "Emulator",
		},
	}
}

// Device emulates a split-kernel device in host memory. Launches execute
// synchronously in the order they are issued.
type Device struct {
	sync.Mutex

	cfg Config

	buffers   map[*buffer]struct{}
	allocated int64

	launches  []tracer.StageID
	readBacks int
	dataInits int
	allocs    int
	frees     int

	// Optional hooks for injecting failures or observing read-backs. Hooks
	// are invoked without holding the device lock.
	FailLoad   func(id tracer.StageID) error
	FailLaunch func(l tracer.Launch) error
	FailAlloc  func(name string, size int) error
	OnReadBack func(buf tracer.Buffer)
}

// New creates an emulated device.
func New(cfg Config) *Device {
	if cfg.Name == "" {
		cfg.Name = "emulator"
	}
	if cfg.PathDepth == nil {
		cfg.PathDepth = func(_, _, _ int) int { return DefaultPathDepth }
	}
	if cfg.Radiance == nil {
		cfg.Radiance = func(_, _, _ int) float32 { return 1 }
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.Limits.LocalSize.X <= 0 || cfg.Limits.LocalSize.Y <= 0 {
		cfg.Limits.LocalSize = tracer.Size{X: 8, Y: 8}
	}

	return &Device{
		cfg:     cfg,
		buffers: make(map[*buffer]struct{}),
	}
}

// Name returns the device name.
func (d *Device) Name() string {
	return d.cfg.Name
}

// Limits returns the configured device limits.
func (d *Device) Limits() (tracer.DeviceLimits, error) {
	return d.cfg.Limits, nil
}

// AllocatedSceneBytes implements tracer.SceneAccounting.
func (d *Device) AllocatedSceneBytes() int64 {
	return d.cfg.SceneBytes
}

type stage struct {
	id       tracer.StageID
	features tracer.FeatureSet
}

func (s *stage) ID() tracer.StageID {
	return s.id
}

// LoadStage returns an emulated stage.
func (d *Device) LoadStage(id tracer.StageID, features tracer.FeatureSet) (tracer.Stage, error) {
	if d.FailLoad != nil {
		if err := d.FailLoad(id); err != nil {
			return nil, err
		}
	}
	return &stage{id: id, features: features}, nil
}

// Allocate a zero-filled host buffer. A single allocation may not exceed the
// device max allocation size.
func (d *Device) Allocate(name string, size int) (tracer.Buffer, error) {
	if d.FailAlloc != nil {
		if err := d.FailAlloc(name, size); err != nil {
			return nil, err
		}
	}
	if size <= 0 {
		return nil, fmt.Errorf("emulator: invalid size %d for buffer %s", size, name)
	}

	d.Lock()
	defer d.Unlock()

	if int64(size) > d.cfg.Limits.MaxAllocatableBytes {
		return nil, fmt.Errorf("%w: buffer %s of %d bytes exceeds max allocation size %d", ErrOutOfMemory, name, size, d.cfg.Limits.MaxAllocatableBytes)
	}

	buf := &buffer{name: name, data: make([]byte, size)}
	d.buffers[buf] = struct{}{}
	d.allocated += int64(size)
	d.allocs++
	return buf, nil
}

// Free releases a buffer. Freeing an unknown buffer is a no-op.
func (d *Device) Free(b tracer.Buffer) {
	buf, ok := b.(*buffer)
	if !ok {
		return
	}

	d.Lock()
	defer d.Unlock()

	if _, owned := d.buffers[buf]; !owned {
		return
	}
	delete(d.buffers, buf)
	d.allocated -= int64(len(buf.data))
	d.frees++
}

// ReadBack copies buffer contents into dst.
func (d *Device) ReadBack(b tracer.Buffer, offset int, dst []byte) error {
	buf, err := d.owned(b)
	if err != nil {
		return err
	}
	if offset < 0 || offset+len(dst) > len(buf.data) {
		return fmt.Errorf("emulator: read of %d bytes at offset %d exceeds buffer %s of %d bytes", len(dst), offset, buf.name, len(buf.data))
	}

	d.Lock()
	copy(dst, buf.data[offset:])
	d.readBacks++
	d.Unlock()

	if d.OnReadBack != nil {
		d.OnReadBack(b)
	}
	return nil
}

func (d *Device) owned(b tracer.Buffer) (*buffer, error) {
	buf, ok := b.(*buffer)
	if !ok {
		return nil, ErrUnknownBuffer
	}

	d.Lock()
	defer d.Unlock()
	if _, owned := d.buffers[buf]; !owned {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBuffer, buf.name)
	}
	return buf, nil
}

// Launch simulates a stage launch.
func (d *Device) Launch(l tracer.Launch) error {
	if d.FailLaunch != nil {
		if err := d.FailLaunch(l); err != nil {
			return err
		}
	}
	if l.Stage == nil {
		return fmt.Errorf("emulator: launch without a stage")
	}
	if l.Local.X <= 0 || l.Local.Y <= 0 || l.Global.X%l.Local.X != 0 || l.Global.Y%l.Local.Y != 0 {
		return fmt.Errorf("emulator: global size %s of stage %s is not a multiple of local size %s", l.Global, l.Stage.ID(), l.Local)
	}

	d.Lock()
	d.launches = append(d.launches, l.Stage.ID())
	if l.Stage.ID() == tracer.DataInit {
		d.dataInits++
	}
	d.Unlock()

	return d.execute(l)
}

// Launches returns the ids of every stage launched so far, in launch order.
func (d *Device) Launches() []tracer.StageID {
	d.Lock()
	defer d.Unlock()
	return append([]tracer.StageID(nil), d.launches...)
}

// LaunchCount returns the number of launches of the given stage.
func (d *Device) LaunchCount(id tracer.StageID) int {
	d.Lock()
	defer d.Unlock()

	count := 0
	for _, launched := range d.launches {
		if launched == id {
			count++
		}
	}
	return count
}

// Stats for the allocations and read-backs processed by the device.
type Stats struct {
	ReadBacks      int
	DataInits      int
	Allocs         int
	Frees          int
	LiveBuffers    int
	AllocatedBytes int64
}

// Stats returns a snapshot of the device counters.
func (d *Device) Stats() Stats {
	d.Lock()
	defer d.Unlock()
	return Stats{
		ReadBacks:      d.readBacks,
		DataInits:      d.dataInits,
		Allocs:         d.allocs,
		Frees:          d.frees,
		LiveBuffers:    len(d.buffers),
		AllocatedBytes: d.allocated,
	}
}

type buffer struct {
	name string
	data []byte

	// Simulated split state; only set for split data buffers.
	split *splitState
}

func (b *buffer) Name() string {
	return b.name
}

func (b *buffer) Size() int {
	return len(b.data)
}
