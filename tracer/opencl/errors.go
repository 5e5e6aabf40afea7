package opencl

import "errors"

var (
	ErrDeviceClosed   = errors.New("opencl adapter: device closed")
	ErrForeignBuffer  = errors.New("opencl adapter: buffer was not allocated by an opencl device")
	ErrForeignStage   = errors.New("opencl adapter: stage was not loaded by this device")
	ErrNoKernelSource = errors.New("opencl adapter: kernel source not found")
)
