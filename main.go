package main

import (
	"fmt"
	"os"

	"github.com/achilleasa/wavefront/cmd"
	"github.com/urfave/cli"
)

func main() {
	cli.VersionFlag = cli.BoolFlag{
		Name:  "version",
		Usage: "print only the version",
	}

	app := cli.NewApp()
	app.Name = "wavefront"
	app.Usage = "render tiles with split path tracing kernels"
	app.Version = "0.0.1"
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "v",
			Usage: "enable verbose logging",
		},
		cli.BoolFlag{
			Name:  "vv",
			Usage: "enable even more verbose logging",
		},
		cli.StringFlag{
			Name:  "config, c",
			Usage: "load budget profiles and scheduler settings from a yaml or toml file",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:   "list-devices",
			Usage:  "list available opencl devices",
			Action: cmd.ListDevices,
		},
		{
			Name:  "plan",
			Usage: "print the lane budget of a tile",
			Description: `
Estimate how many split kernel lanes fit in the memory of each selected device
for a tile of the given dimensions and report how the tile would be split into
sub-tiles.`,
			Flags: append([]cli.Flag{
				cli.IntFlag{
					Name:  "tile-w",
					Value: 256,
					Usage: "tile width",
				},
				cli.IntFlag{
					Name:  "tile-h",
					Value: 256,
					Usage: "tile height",
				},
			}, cmd.DeviceFlags...),
			Action: cmd.PlanTile,
		},
		{
			Name:  "render",
			Usage: "render frames",
			Description: `
Split each frame into one block per selected device and render the blocks
concurrently as a grid of tiles. Block heights are balanced using the render
times of the previous frame.`,
			Flags: append([]cli.Flag{
				cli.IntFlag{
					Name:  "width",
					Value: 512,
					Usage: "frame width",
				},
				cli.IntFlag{
					Name:  "height",
					Value: 512,
					Usage: "frame height",
				},
				cli.IntFlag{
					Name:  "tile",
					Value: 64,
					Usage: "tile dimensions",
				},
				cli.IntFlag{
					Name:  "spp",
					Value: 16,
					Usage: "samples per pixel",
				},
				cli.IntFlag{
					Name:  "spp-pass",
					Value: 0,
					Usage: "samples per progressive pass (0 renders all samples in one pass)",
				},
				cli.IntFlag{
					Name:  "frames",
					Value: 1,
					Usage: "number of frames to render",
				},
			}, cmd.DeviceFlags...),
			Action: cmd.RenderFrame,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
