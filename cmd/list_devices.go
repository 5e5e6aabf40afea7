package cmd

import (
	"bytes"
	"fmt"

	"github.com/achilleasa/wavefront/tracer/opencl/device"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli"
)

// List available opencl devices.
func ListDevices(ctx *cli.Context) error {
	setupLogging(ctx)

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	platforms, err := device.Platforms()
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"Platform", "Device", "Type", "Speed (GFlops)", "Max alloc", "Max work-group", "Budget profile"})
	for _, platform := range platforms {
		for _, dev := range platform.Devices {
			table.Append([]string{
				platform.Name,
				dev.Name,
				dev.Type.String(),
				fmt.Sprintf("%d", dev.Speed),
				fmt.Sprintf("%d", dev.MaxAllocSize),
				fmt.Sprintf("%d", dev.MaxWorkGroupSize),
				cfg.ProfileFor(platform.Name).Name,
			})
		}
	}
	table.Render()

	logger.Noticef("system provides %d opencl platform(s)\n%s", len(platforms), buf.String())
	return nil
}
