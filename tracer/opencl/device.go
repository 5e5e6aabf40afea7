// Package opencl adapts an opencl device to the tracer.Device interface. Each
// split kernel stage lives in its own CL source file (kernel_<stage>.cl)
// that exports a path_trace_<stage> kernel.
package opencl

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/achilleasa/gopencl/v1.2/cl"
	"github.com/achilleasa/wavefront/log"
	"github.com/achilleasa/wavefront/tracer"
	"github.com/achilleasa/wavefront/tracer/opencl/device"
)

// The split kernels are dispatched in work-groups of 64x1 lanes.
var defaultLocalSize = tracer.Size{X: 64, Y: 1}

type stageKey struct {
	id      tracer.StageID
	options string
}

// A loaded stage.
type stage struct {
	id       tracer.StageID
	features tracer.FeatureSet
	program  *device.Program
	kernel   *device.Kernel
}

func (s *stage) ID() tracer.StageID {
	return s.id
}

// Device implements tracer.Device and tracer.SceneAccounting on top of an
// opencl device.
type Device struct {
	sync.Mutex

	logger log.Logger

	dev       *device.Device
	kernelDir string

	// Device memory committed to scene data by the host application.
	sceneBytes int64

	// Loaded stages keyed by stage and build options.
	stages map[stageKey]*stage
}

// Create an adapter for dev loading kernels from kernelDir. The device is
// initialized if needed.
func NewDevice(dev *device.Device, kernelDir string) (*Device, error) {
	info, err := os.Stat(kernelDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoKernelSource, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrNoKernelSource, kernelDir)
	}

	if err = dev.Init(); err != nil {
		return nil, err
	}

	return &Device{
		logger:    log.NewForDevice("opencl", dev.Name),
		dev:       dev,
		kernelDir: kernelDir,
		stages:    make(map[stageKey]*stage),
	}, nil
}

// Name returns the device name.
func (d *Device) Name() string {
	return d.dev.Name
}

// Speed returns the device speed estimate in GFlops.
func (d *Device) Speed() uint32 {
	return d.dev.Speed
}

// Limits returns the device limits.
func (d *Device) Limits() (tracer.DeviceLimits, error) {
	local := defaultLocalSize
	if d.dev.MaxWorkGroupSize > 0 && uint64(local.X) > d.dev.MaxWorkGroupSize {
		local.X = int(d.dev.MaxWorkGroupSize)
	}

	kind := tracer.OtherDevice
	switch d.dev.Type {
	case device.CpuDevice:
		kind = tracer.CpuDevice
	case device.GpuDevice:
		kind = tracer.GpuDevice
	}

	return tracer.DeviceLimits{
		MaxAllocatableBytes: int64(d.dev.MaxAllocSize),
		LocalSize:           local,
		Kind:                kind,
		PlatformName:        d.dev.Platform,
	}, nil
}

// SetSceneBytes records the device memory used by scene data.
func (d *Device) SetSceneBytes(n int64) {
	d.Lock()
	d.sceneBytes = n
	d.Unlock()
}

// AllocatedSceneBytes implements tracer.SceneAccounting.
func (d *Device) AllocatedSceneBytes() int64 {
	d.Lock()
	defer d.Unlock()
	return d.sceneBytes
}

// Build options for a feature set on this device.
func (d *Device) buildOptions(features tracer.FeatureSet) string {
	options := features.BuildOptions()
	if d.dev.Type == device.GpuDevice {
		options += " -D __COMPUTE_DEVICE_GPU__"
	}
	return options
}

// LoadStage compiles the CL program for a stage. Compiled stages are cached
// per feature set.
func (d *Device) LoadStage(id tracer.StageID, features tracer.FeatureSet) (tracer.Stage, error) {
	d.Lock()
	defer d.Unlock()

	if d.stages == nil {
		return nil, ErrDeviceClosed
	}

	key := stageKey{id: id, options: d.buildOptions(features)}
	if st, exists := d.stages[key]; exists {
		return st, nil
	}

	program, err := d.dev.BuildProgram(filepath.Join(d.kernelDir, kernelSource(id)), key.options)
	if err != nil {
		return nil, err
	}
	kernel, err := program.Kernel(kernelName(id))
	if err != nil {
		program.Release()
		return nil, err
	}

	st := &stage{id: id, features: features, program: program, kernel: kernel}
	d.stages[key] = st
	d.logger.Debugf("loaded stage %s (%s)", id, key.options)
	return st, nil
}

// Launch binds the stage arguments and enqueues the kernel. The call does
// not wait for the kernel to complete.
func (d *Device) Launch(l tracer.Launch) error {
	st, ok := l.Stage.(*stage)
	if !ok {
		return ErrForeignStage
	}

	args, err := stageArgs(l, st.features)
	if err != nil {
		return err
	}

	if err = st.kernel.SetArgs(args...); err != nil {
		return err
	}
	return st.kernel.Enqueue2D(l.Global.X, l.Global.Y, l.Local.X, l.Local.Y)
}

// ReadBack copies buffer contents into dst once all enqueued launches
// complete.
func (d *Device) ReadBack(buf tracer.Buffer, offset int, dst []byte) error {
	if len(dst) == 0 {
		return nil
	}
	clBuf, err := clBuffer(buf)
	if err != nil {
		return err
	}
	return clBuf.ReadData(offset, 0, len(dst), dst)
}

// Allocate a zero-filled device buffer.
func (d *Device) Allocate(name string, size int) (tracer.Buffer, error) {
	buf := d.dev.Buffer(name)
	if err := buf.Allocate(size, cl.MEM_READ_WRITE); err != nil {
		return nil, err
	}
	if err := buf.Zero(); err != nil {
		buf.Release()
		return nil, err
	}
	return buf, nil
}

// Free releases a buffer allocated by this device.
func (d *Device) Free(buf tracer.Buffer) {
	if clBuf, err := clBuffer(buf); err == nil && clBuf != nil {
		clBuf.Release()
	}
}

// Close releases the loaded stages and shuts down the device.
func (d *Device) Close() {
	d.Lock()
	defer d.Unlock()

	for _, st := range d.stages {
		st.kernel.Release()
		st.program.Release()
	}
	d.stages = nil
	d.dev.Close()
}
