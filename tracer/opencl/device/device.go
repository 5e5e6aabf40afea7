package device

import (
	"fmt"
	"os"
	"path/filepath"
	"unsafe"

	"github.com/achilleasa/gopencl/v1.2/cl"
)

type DeviceType uint8

// Supported device types.
const (
	CpuDevice   DeviceType = 1 << iota
	GpuDevice              = 1 << iota
	OtherDevice            = 1 << iota
	AllDevices             = 0xFF
)

func (dt DeviceType) String() string {
	switch dt {
	case CpuDevice:
		return "CPU"
	case GpuDevice:
		return "GPU"
	case OtherDevice:
		return "Other"
	}
	panic("opencl: unsupported device type")
}

// Wrapper around opencl-supported devices.
type Device struct {
	Name     string
	Id       cl.DeviceId
	Type     DeviceType
	Platform string

	compUnits  uint32
	clockSpeed uint32

	// Speed estimate in GFlops.
	Speed uint32

	// Largest single buffer allocation accepted by the device.
	MaxAllocSize uint64

	// Max number of work items in a work-group.
	MaxWorkGroupSize uint64

	// Opencl handles; allocated when device is initialized.
	ctx      *cl.Context
	cmdQueue cl.CommandQueue
}

// A list of devices.
type DeviceList []*Device

// Implements Stringer.
func (d Device) String() string {
	return fmt.Sprintf(
		"Name: %s\nType: %s\nPlatform: %s\nSpecs: %d computation units, %d Mhz clock, %d GFlops approximate speed\nMemory: %d bytes max allocation, %d max work-group size",
		d.Name,
		d.Type.String(),
		d.Platform,
		d.compUnits,
		d.clockSpeed,
		d.Speed,
		d.MaxAllocSize,
		d.MaxWorkGroupSize,
	)
}

// Initialize the device context and its in-order command queue.
func (d *Device) Init() error {
	var errCode cl.ErrorCode

	// Already initialized
	if d.ctx != nil {
		return nil
	}

	d.ctx = cl.CreateContext(nil, 1, &d.Id, nil, nil, (*int32)(&errCode))
	if errCode != cl.SUCCESS {
		defer d.Close()
		return fmt.Errorf("opencl device (%s): could not create opencl context (error: %s; code %d)", d.Name, ErrorName(errCode), errCode)
	}

	d.cmdQueue = cl.CreateCommandQueue(*d.ctx, d.Id, 0, (*int32)(&errCode))
	if errCode != cl.SUCCESS {
		defer d.Close()
		return fmt.Errorf("opencl device (%s): could not create command queue (error: %s; code %d)", d.Name, ErrorName(errCode), errCode)
	}

	return nil
}

// Shut down the device.
func (d *Device) Close() {
	if d.cmdQueue != nil {
		cl.ReleaseCommandQueue(d.cmdQueue)
		d.cmdQueue = nil
	}

	if d.ctx != nil {
		cl.ReleaseContext(d.ctx)
		d.ctx = nil
	}
}

// Build the program in programFile with the given compiler options. The
// directory containing the program is added to the include path.
func (d *Device) BuildProgram(programFile, options string) (*Program, error) {
	if d.ctx == nil {
		return nil, fmt.Errorf("opencl device (%s): device not initialized", d.Name)
	}

	absProgramPath, err := filepath.Abs(programFile)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absProgramPath)
	if err != nil {
		return nil, err
	}
	progSrc := cl.Str(string(data) + "\x00")

	var errCode cl.ErrorCode
	handle := cl.CreateProgramWithSource(
		*d.ctx,
		1,
		&progSrc,
		nil,
		(*int32)(&errCode),
	)
	if errCode != cl.SUCCESS {
		return nil, fmt.Errorf("opencl device (%s): could not create program (error: %s; code %d)", d.Name, ErrorName(errCode), errCode)
	}

	errCode = cl.BuildProgram(
		handle,
		1,
		&d.Id,
		cl.Str(fmt.Sprintf("-I %s %s\x00", filepath.Dir(absProgramPath), options)),
		nil,
		nil,
	)
	if errCode != cl.SUCCESS {
		var dataLen uint64
		data := make([]byte, 120000)

		cl.GetProgramBuildInfo(handle, d.Id, cl.PROGRAM_BUILD_LOG, uint64(len(data)), unsafe.Pointer(&data[0]), &dataLen)
		cl.ReleaseProgram(handle)
		if dataLen > 0 {
			dataLen--
		}
		return nil, fmt.Errorf("opencl device (%s): could not build program (error: %s; code %d):\n%s", d.Name, ErrorName(errCode), errCode, string(data[0:dataLen]))
	}

	return &Program{
		device:  d,
		handle:  handle,
		options: options,
	}, nil
}

// Create an empty buffer.
func (d *Device) Buffer(name string) *Buffer {
	return &Buffer{
		device: d,
		name:   name,
	}
}

// Block until all enqueued commands complete.
func (d *Device) Finish() error {
	errCode := cl.Finish(d.cmdQueue)
	if errCode != cl.SUCCESS {
		return fmt.Errorf("opencl device (%s): command queue did not complete successfully (error: %s; code %d)", d.Name, ErrorName(errCode), errCode)
	}
	return nil
}
