package device

import (
	"fmt"
	"reflect"
	"unsafe"

	"github.com/achilleasa/gopencl/v1.2/cl"
)

// A compiled opencl program.
type Program struct {
	device  *Device
	handle  cl.Program
	options string
}

// Get the build options the program was compiled with.
func (p *Program) Options() string {
	return p.options
}

// Load kernel by name.
func (p *Program) Kernel(name string) (*Kernel, error) {
	var errCode cl.ErrorCode
	kernelHandle := cl.CreateKernel(
		p.handle,
		cl.Str(name+"\x00"),
		(*int32)(&errCode),
	)

	if errCode != cl.SUCCESS {
		return nil, clError(p.device, errCode, "could not load kernel %s", name)
	}

	return &Kernel{
		device:       p.device,
		kernelHandle: kernelHandle,
		name:         name,
	}, nil
}

// Free the program. Kernels created by the program remain valid until they
// are released.
func (p *Program) Release() {
	if p.handle != nil {
		cl.ReleaseProgram(p.handle)
		p.handle = nil
	}
}

// A wrapper around opencl kernelHandles.
type Kernel struct {
	device       *Device
	kernelHandle cl.Kernel
	name         string

	// kernelHandle workgroup sizes
	globalWorkSizes [2]uint64
	localWorkSizes  [2]uint64
}

// Get the kernel name.
func (k *Kernel) Name() string {
	return k.name
}

// Free any allocated resources used by this kernel.
func (k *Kernel) Release() {
	if k.kernelHandle != nil {
		cl.ReleaseKernel(k.kernelHandle)
		k.kernelHandle = nil
	}
}

// Bind arguments to kernelHandle. A nil *Buffer binds a null memory object.
func (k *Kernel) SetArgs(args ...interface{}) error {
	var errCode cl.ErrorCode
	for argIndex, arg := range args {
		// We can't use the captured type from the switch
		// like switch t := arg.(type) as we get back an
		// interface and we need to obtain a pointer to the underlying data.
		switch arg.(type) {
		case *Buffer:
			var bufHandle cl.Mem
			if buf := arg.(*Buffer); buf != nil {
				bufHandle = buf.Handle()
			}
			errCode = cl.SetKernelArg(k.kernelHandle, uint32(argIndex), 8, unsafe.Pointer(&bufHandle))
		case int:
			v := int32(arg.(int))
			errCode = cl.SetKernelArg(k.kernelHandle, uint32(argIndex), 4, unsafe.Pointer(&v))
		case int32:
			v := arg.(int32)
			errCode = cl.SetKernelArg(k.kernelHandle, uint32(argIndex), 4, unsafe.Pointer(&v))
		case uint32:
			v := arg.(uint32)
			errCode = cl.SetKernelArg(k.kernelHandle, uint32(argIndex), 4, unsafe.Pointer(&v))
		case float32:
			v := arg.(float32)
			errCode = cl.SetKernelArg(k.kernelHandle, uint32(argIndex), 4, unsafe.Pointer(&v))
		default:
			return fmt.Errorf(
				"opencl device (%s): could not set arg %d for kernel %s; unsupported arg type: %s",
				k.device.Name,
				argIndex,
				k.name,
				reflect.TypeOf(arg).Name(),
			)
		}

		if errCode != cl.SUCCESS {
			return clError(k.device, errCode, "could not set arg %d for kernel %s", argIndex, k.name)
		}
	}

	return nil
}

// Enqueue a 2D launch of the kernel without waiting for it to complete. If
// both local sizes are 0 then the opencl implementation will pick the optimal
// local worksize split for the underlying hardware.
func (k *Kernel) Enqueue2D(globalWorkSizeX, globalWorkSizeY, localWorkSizeX, localWorkSizeY int) error {
	var localSizePtr *uint64

	k.globalWorkSizes[0], k.globalWorkSizes[1] = uint64(globalWorkSizeX), uint64(globalWorkSizeY)
	if localWorkSizeX != 0 && localWorkSizeY != 0 {
		k.localWorkSizes[0], k.localWorkSizes[1] = uint64(localWorkSizeX), uint64(localWorkSizeY)
		localSizePtr = (*uint64)(unsafe.Pointer(&k.localWorkSizes[0]))
	}

	errCode := cl.EnqueueNDRangeKernel(
		k.device.cmdQueue,
		k.kernelHandle,
		2,
		nil,
		(*uint64)(unsafe.Pointer(&k.globalWorkSizes[0])),
		localSizePtr,
		0,
		nil,
		nil,
	)
	if errCode != cl.SUCCESS {
		return clError(k.device, errCode, "unable to execute kernel %s", k.name)
	}

	return nil
}
