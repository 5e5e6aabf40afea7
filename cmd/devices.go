package cmd

import (
	"fmt"
	"strings"

	"github.com/achilleasa/wavefront/config"
	"github.com/achilleasa/wavefront/renderer"
	"github.com/achilleasa/wavefront/tracer"
	"github.com/achilleasa/wavefront/tracer/emulator"
	"github.com/achilleasa/wavefront/tracer/opencl"
	"github.com/achilleasa/wavefront/tracer/opencl/device"
	"github.com/urfave/cli"
)

// Flags for selecting the devices used by the plan and render commands.
var DeviceFlags = []cli.Flag{
	cli.StringFlag{
		Name:  "kernels, k",
		Value: "kernels",
		Usage: "directory with the CL sources of the split kernel stages",
	},
	cli.StringSliceFlag{
		Name:  "blacklist, b",
		Value: &cli.StringSlice{},
		Usage: "blacklist opencl device whose names contain this value",
	},
	cli.Int64Flag{
		Name:  "scene-bytes",
		Value: 0,
		Usage: "device memory already committed to scene data",
	},
	cli.BoolFlag{
		Name:  "emulate",
		Usage: "use host-memory emulated devices instead of opencl devices",
	},
	cli.IntFlag{
		Name:  "emulate-devices",
		Value: 1,
		Usage: "number of emulated devices",
	},
	cli.Int64Flag{
		Name:  "mem",
		Value: 256 * 1024 * 1024,
		Usage: "max allocation size of each emulated device",
	},
}

// A set of devices along with the scheduler configuration for each one.
type session struct {
	cfg     *config.File
	targets []renderer.Target
	closers []func()
}

func (s *session) Close() {
	for _, closer := range s.closers {
		closer()
	}
	s.closers = nil
}

// Open the devices selected by the command line flags.
func openSession(ctx *cli.Context) (*session, error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return nil, err
	}

	s := &session{cfg: cfg}
	sceneBytes := ctx.Int64("scene-bytes")

	if ctx.Bool("emulate") {
		for idx := 0; idx < ctx.Int("emulate-devices"); idx++ {
			ecfg := emulator.DefaultConfig(ctx.Int64("mem"))
			ecfg.Name = fmt.Sprintf("emulator-%d", idx)
			ecfg.SceneBytes = sceneBytes
			if err = s.attach(emulator.New(ecfg)); err != nil {
				return nil, err
			}
		}
	} else {
		list, err := device.SelectDevices(device.AllDevices, "")
		if err != nil {
			return nil, err
		}
		for _, clDev := range filterDevices(list, ctx.StringSlice("blacklist")) {
			dev, err := opencl.NewDevice(clDev, ctx.String("kernels"))
			if err != nil {
				logger.Warningf("skipping device %s due to init error: %v", clDev.Name, err)
				continue
			}
			dev.SetSceneBytes(sceneBytes)
			s.closers = append(s.closers, dev.Close)
			if err = s.attach(dev); err != nil {
				s.Close()
				return nil, err
			}
		}
	}

	if len(s.targets) == 0 {
		s.Close()
		return nil, renderer.ErrNoDevices
	}
	return s, nil
}

// Add a render target for dev using the profile of its platform.
func (s *session) attach(dev tracer.Device) error {
	limits, err := dev.Limits()
	if err != nil {
		return err
	}
	opts, err := s.cfg.SchedulerOptions(limits)
	if err != nil {
		return err
	}

	logger.Infof("attaching device %s (profile %s)", dev.Name(), s.cfg.ProfileFor(limits.PlatformName).Name)
	s.targets = append(s.targets, renderer.Target{Device: dev, Options: opts})
	return nil
}

// Return the devices whose names do not contain any of the blacklisted values.
func filterDevices(list device.DeviceList, blackList []string) device.DeviceList {
	filtered := make(device.DeviceList, 0, len(list))
	for _, dev := range list {
		keep := true
		for _, text := range blackList {
			if text != "" && strings.Contains(dev.Name, text) {
				keep = false
				break
			}
		}
		if keep {
			filtered = append(filtered, dev)
		}
	}
	return filtered
}
