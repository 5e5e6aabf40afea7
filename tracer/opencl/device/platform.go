package device

import (
	"fmt"
	"strings"
	"unsafe"

	"github.com/achilleasa/gopencl/v1.2/cl"
)

const (
	maxPlatforms   = 16
	maxDevices     = 64
	infoBufferSize = 1024

	// Returned by the ICD loader when no platform is installed and by
	// GetDeviceIDs for platforms without devices.
	platformNotFound cl.ErrorCode = -1001
	deviceNotFound   cl.ErrorCode = -1
)

// An opencl platform. The platform name selects the budget profile of the
// devices it exposes.
type Platform struct {
	Name    string
	Devices DeviceList
}

// Platforms enumerates the installed opencl platforms and queries the
// limits of every device they expose.
func Platforms() ([]Platform, error) {
	ids := make([]cl.PlatformID, maxPlatforms)
	count := uint32(0)

	errCode := cl.GetPlatformIDs(uint32(len(ids)), &ids[0], &count)
	switch {
	case errCode == platformNotFound:
		return nil, nil
	case errCode != cl.SUCCESS:
		return nil, fmt.Errorf("opencl: could not enumerate platforms (error: %s; code %d)", ErrorName(errCode), errCode)
	}

	platforms := make([]Platform, 0, count)
	for _, id := range ids[:count] {
		name, errCode := infoString(func(data unsafe.Pointer, dataLen *uint64) cl.ErrorCode {
			return cl.GetPlatformInfo(id, cl.PLATFORM_NAME, infoBufferSize, data, dataLen)
		})
		if errCode != cl.SUCCESS {
			return nil, fmt.Errorf("opencl: could not query platform name (error: %s; code %d)", ErrorName(errCode), errCode)
		}

		devices, err := platformDevices(id, name)
		if err != nil {
			return nil, err
		}
		platforms = append(platforms, Platform{Name: name, Devices: devices})
	}

	return platforms, nil
}

// SelectDevices returns the devices of every platform whose type is
// included in typeMask and whose name contains matchName.
func SelectDevices(typeMask DeviceType, matchName string) (DeviceList, error) {
	platforms, err := Platforms()
	if err != nil {
		return nil, err
	}

	list := make(DeviceList, 0)
	for _, p := range platforms {
		for _, d := range p.Devices {
			if d.Type&typeMask != d.Type || !strings.Contains(d.Name, matchName) {
				continue
			}
			list = append(list, d)
		}
	}
	return list, nil
}

func platformDevices(platform cl.PlatformID, platformName string) (DeviceList, error) {
	ids := make([]cl.DeviceId, maxDevices)
	count := uint32(0)

	errCode := cl.GetDeviceIDs(platform, cl.DEVICE_TYPE_ALL, uint32(len(ids)), &ids[0], &count)
	switch {
	case errCode == deviceNotFound:
		return nil, nil
	case errCode != cl.SUCCESS:
		return nil, fmt.Errorf("opencl: could not enumerate devices of platform %s (error: %s; code %d)", platformName, ErrorName(errCode), errCode)
	}

	list := make(DeviceList, 0, count)
	for _, id := range ids[:count] {
		dev := &Device{Id: id, Platform: platformName}
		if err := dev.queryInfo(); err != nil {
			return nil, err
		}
		list = append(list, dev)
	}
	return list, nil
}

// Populate the device name, type and the limits used for budgeting split
// kernel memory.
func (d *Device) queryInfo() error {
	name, errCode := infoString(func(data unsafe.Pointer, dataLen *uint64) cl.ErrorCode {
		return cl.GetDeviceInfo(d.Id, cl.DEVICE_NAME, infoBufferSize, data, dataLen)
	})
	if errCode != cl.SUCCESS {
		return clError(d, errCode, "could not query DEVICE_NAME")
	}
	d.Name = name

	var clType uint64
	if errCode = cl.GetDeviceInfo(d.Id, cl.DEVICE_TYPE, 8, unsafe.Pointer(&clType), nil); errCode != cl.SUCCESS {
		return clError(d, errCode, "could not query DEVICE_TYPE")
	}
	d.Type = deviceType(clType)

	// Theoretical speed: compute units * 2 ops/cycle * clock speed
	if errCode = cl.GetDeviceInfo(d.Id, cl.DEVICE_MAX_COMPUTE_UNITS, 4, unsafe.Pointer(&d.compUnits), nil); errCode != cl.SUCCESS {
		return clError(d, errCode, "could not query MAX_COMPUTE_UNITS")
	}
	if errCode = cl.GetDeviceInfo(d.Id, cl.DEVICE_MAX_CLOCK_FREQUENCY, 4, unsafe.Pointer(&d.clockSpeed), nil); errCode != cl.SUCCESS {
		return clError(d, errCode, "could not query MAX_CLOCK_FREQUENCY")
	}
	d.Speed = d.compUnits * d.clockSpeed / 1000

	if errCode = cl.GetDeviceInfo(d.Id, cl.DEVICE_MAX_MEM_ALLOC_SIZE, 8, unsafe.Pointer(&d.MaxAllocSize), nil); errCode != cl.SUCCESS {
		return clError(d, errCode, "could not query MAX_MEM_ALLOC_SIZE")
	}
	if errCode = cl.GetDeviceInfo(d.Id, cl.DEVICE_MAX_WORK_GROUP_SIZE, 8, unsafe.Pointer(&d.MaxWorkGroupSize), nil); errCode != cl.SUCCESS {
		return clError(d, errCode, "could not query MAX_WORK_GROUP_SIZE")
	}
	return nil
}

func deviceType(clType uint64) DeviceType {
	switch {
	case clType&uint64(cl.DEVICE_TYPE_GPU) != 0:
		return GpuDevice
	case clType&uint64(cl.DEVICE_TYPE_CPU) != 0:
		return CpuDevice
	}
	return OtherDevice
}

// Run a string-valued info query and strip the trailing NUL.
func infoString(query func(data unsafe.Pointer, dataLen *uint64) cl.ErrorCode) (string, cl.ErrorCode) {
	data := make([]byte, infoBufferSize)
	dataLen := uint64(0)
	if errCode := query(unsafe.Pointer(&data[0]), &dataLen); errCode != cl.SUCCESS {
		return "", errCode
	}
	return strings.TrimRight(string(data[:dataLen]), "\x00"), cl.SUCCESS
}
