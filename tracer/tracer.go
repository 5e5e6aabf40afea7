package tracer

import (
	"context"
	"fmt"
)

// A 2D extent used for tile sizes, dispatch grids and local work-group sizes.
type Size struct {
	X int
	Y int
}

// Area returns X*Y.
func (s Size) Area() int {
	return s.X * s.Y
}

// RoundUp rounds both dimensions up to the next multiple of the matching
// granularity dimension.
func (s Size) RoundUp(granularity Size) Size {
	return Size{
		X: roundUp(s.X, granularity.X),
		Y: roundUp(s.Y, granularity.Y),
	}
}

// Implements Stringer.
func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.X, s.Y)
}

func roundUp(v, multiple int) int {
	if multiple <= 1 || v <= 0 {
		return v
	}
	return ((v-1)/multiple + 1) * multiple
}

func roundDown(v, multiple int) int {
	if multiple <= 1 {
		return v
	}
	return (v / multiple) * multiple
}

type DeviceKind uint8

// Supported device kinds.
const (
	CpuDevice DeviceKind = iota
	GpuDevice
	OtherDevice
)

func (dk DeviceKind) String() string {
	switch dk {
	case CpuDevice:
		return "CPU"
	case GpuDevice:
		return "GPU"
	}
	return "Other"
}

// Device limits as reported by the backend.
type DeviceLimits struct {
	// The largest single allocation the device accepts (before any
	// platform-specific correction).
	MaxAllocatableBytes int64

	// The local dispatch granularity. Every lane grid is rounded up to a
	// multiple of this size on both axes.
	LocalSize Size

	Kind DeviceKind

	// The platform the device belongs to; used for selecting a budget profile.
	PlatformName string
}

// An opaque device allocation. Buffers are created by Device.Allocate and
// must be returned to the same device via Device.Free.
type Buffer interface {
	Name() string
	Size() int
}

// A loaded, launchable stage.
type Stage interface {
	ID() StageID
}

// The shared split-state buffers bound to every stage launch.
type SplitBuffers struct {
	KernelGlobals Buffer
	SplitData     Buffer
	RayState      Buffer
	QueueIndex    Buffer
	UseQueuesFlag Buffer

	// Only allocated by the work-stealing dispatch strategy.
	WorkPool Buffer
}

// Per-sub-tile parameters passed to the data-initialization and the
// accumulation stages.
type KernelParams struct {
	Tile SubTile

	// Total lane count of the shared buffers.
	NumLanes int

	// Number of samples of the same pixel that are processed concurrently.
	ParallelSamples int

	// Capacity of each work queue.
	QueueSize int
}

// A single stage launch request.
type Launch struct {
	Stage   Stage
	Global  Size
	Local   Size
	Buffers SplitBuffers

	// Set only for the data-init and accumulation stages.
	Params *KernelParams
}

// The Device interface is implemented by compute backends that can load and
// launch split-kernel stages. All launches issued through a Device execute in
// order; ReadBack blocks until all previously enqueued launches complete.
type Device interface {
	// Get a human readable device name.
	Name() string

	// Load a stage for the given feature configuration.
	LoadStage(id StageID, features FeatureSet) (Stage, error)

	// Enqueue a stage launch.
	Launch(l Launch) error

	// Copy len(dst) bytes starting at offset from buf into dst.
	ReadBack(buf Buffer, offset int, dst []byte) error

	// Allocate a zero-initialized buffer.
	Allocate(name string, size int) (Buffer, error)

	// Free a buffer previously returned by Allocate.
	Free(buf Buffer)

	// Query device limits.
	Limits() (DeviceLimits, error)
}

// The SceneAccounting interface reports the device memory already committed
// to scene data.
type SceneAccounting interface {
	AllocatedSceneBytes() int64
}

// A fixed scene footprint.
type StaticScene int64

// Implements SceneAccounting.
func (s StaticScene) AllocatedSceneBytes() int64 {
	return int64(s)
}

// The Canceller interface is polled by the scheduler to detect cooperative
// cancellation requests.
type Canceller interface {
	Cancelled() bool
}

// An adapter to allow the use of ordinary functions as Cancellers.
type CancelFunc func() bool

// Implements Canceller.
func (f CancelFunc) Cancelled() bool {
	return f()
}

type contextCanceller struct {
	ctx context.Context
}

func (c contextCanceller) Cancelled() bool {
	return c.ctx.Err() != nil
}

// ContextCanceller returns a Canceller that reports true once ctx is done.
func ContextCanceller(ctx context.Context) Canceller {
	return contextCanceller{ctx: ctx}
}

// A Canceller that never cancels.
var NeverCancel Canceller = CancelFunc(func() bool { return false })
