package cmd

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/achilleasa/wavefront/tracer"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli"
)

// Print the lane budget and sub-tile grid of a tile on every selected device.
func PlanTile(ctx *cli.Context) error {
	setupLogging(ctx)

	tileSize := tracer.Size{X: ctx.Int("tile-w"), Y: ctx.Int("tile-h")}
	if tileSize.X <= 0 || tileSize.Y <= 0 {
		return fmt.Errorf("invalid tile dimensions %s", tileSize)
	}

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"Device", "Lanes", "Bytes per lane", "Invariable", "Tile specific", "Scene", "Split size", "Sub-tiles"})

	for _, target := range s.targets {
		row, err := planRow(target.Device, target.Options, s.cfg.Features(), tileSize)
		if err != nil {
			return err
		}
		table.Append(row)
	}
	table.Render()

	logger.Noticef("lane budget for %s tiles\n%s", tileSize, buf.String())
	return nil
}

func planRow(dev tracer.Device, opts tracer.Options, features tracer.FeatureSet, tileSize tracer.Size) ([]string, error) {
	var scene tracer.SceneAccounting
	if acc, ok := dev.(tracer.SceneAccounting); ok {
		scene = acc
	}

	sched, err := tracer.NewScheduler(dev, scene, opts)
	if err != nil {
		return nil, err
	}
	defer sched.Close()
	if err = sched.LoadStages(features); err != nil {
		return nil, err
	}

	plan, err := sched.PlanTile(&tracer.RenderTile{W: tileSize.X, H: tileSize.Y, Stride: tileSize.X})
	budget := plan.Budget
	if errors.Is(err, tracer.ErrResourceExhausted) {
		return []string{dev.Name(), "-", fmt.Sprintf("%d", budget.PerLaneStateBytes), fmt.Sprintf("%d", budget.InvariantBytes),
			fmt.Sprintf("%d", budget.TileSpecificBytes), fmt.Sprintf("%d", budget.SceneBytes), "-", "exhausted"}, nil
	} else if err != nil {
		return nil, err
	}

	return []string{
		dev.Name(),
		fmt.Sprintf("%d", budget.MaxParallelLanes),
		fmt.Sprintf("%d", budget.PerLaneStateBytes),
		fmt.Sprintf("%d", budget.InvariantBytes),
		fmt.Sprintf("%d", budget.TileSpecificBytes),
		fmt.Sprintf("%d", budget.SceneBytes),
		plan.SplitSize.String(),
		fmt.Sprintf("%d", len(plan.SubTiles)),
	}, nil
}
