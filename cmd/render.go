package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/achilleasa/wavefront/renderer"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli"
)

// Render frames on every selected device.
func RenderFrame(ctx *cli.Context) error {
	setupLogging(ctx)

	opts := renderer.Options{
		FrameW:          ctx.Int("width"),
		FrameH:          ctx.Int("height"),
		TileW:           ctx.Int("tile"),
		TileH:           ctx.Int("tile"),
		SamplesPerPixel: ctx.Int("spp"),
		SamplesPerPass:  ctx.Int("spp-pass"),
	}

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	r, err := renderer.New(s.targets, s.cfg.Features(), opts)
	if err != nil {
		return err
	}
	defer r.Close()

	// Interrupt the render on ctrl+c.
	renderCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	frames := ctx.Int("frames")
	for frame := 0; frame < frames; frame++ {
		err = r.Render(renderCtx)
		displayFrameStats(frame, r.Stats())
		if err != nil {
			return err
		}
	}

	return nil
}

func displayFrameStats(frame int, stats renderer.FrameStats) {
	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"Device", "Block", "% of frame", "Tiles", "Sub-tiles", "Iterations", "Interventions", "Render time"})
	for _, stat := range stats.Devices {
		renderTime := stat.RenderTime.String()
		if stat.Cancelled {
			renderTime += " (cancelled)"
		}
		table.Append([]string{
			stat.Id,
			fmt.Sprintf("%d-%d", stat.BlockY, stat.BlockY+stat.BlockH),
			fmt.Sprintf("%02.1f %%", stat.FramePercent),
			fmt.Sprintf("%d", stat.Tiles),
			fmt.Sprintf("%d", stat.SubTiles),
			fmt.Sprintf("%d", stat.Iterations),
			fmt.Sprintf("%d", stat.Interventions),
			renderTime,
		})
	}
	table.SetFooter([]string{"", "", "", "", "", "", "TOTAL", stats.RenderTime.String()})

	table.Render()
	logger.Noticef("frame %d statistics\n%s", frame, buf.String())
}
