// Package renderer splits frames into horizontal device blocks and renders
// each block as a grid of tiles on its own split kernel scheduler. Devices
// render concurrently; block heights are balanced from frame to frame using
// the previous frame timings.
package renderer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/achilleasa/wavefront/log"
	"github.com/achilleasa/wavefront/tracer"
	"golang.org/x/sync/errgroup"
)

// A device along with the scheduler configuration used for driving it.
type Target struct {
	Device  tracer.Device
	Scene   tracer.SceneAccounting
	Options tracer.Options
}

// Devices that can estimate their compute speed implement this interface.
// Devices that don't are assumed to have a speed of 1.
type speedEstimator interface {
	Speed() uint32
}

type worker struct {
	id    string
	speed uint32
	sched *tracer.Scheduler
}

// Renderer renders frames over a pool of devices.
type Renderer struct {
	sync.Mutex

	logger log.Logger
	opts   Options

	workers     []*worker
	partitioner BlockPartitioner
	last        []BlockTiming

	frame  *Frame
	stats  FrameStats
	closed bool
}

// Create a renderer that drives every target with its own scheduler. The
// split kernel stages are loaded for the given features on every device.
func New(targets []Target, features tracer.FeatureSet, opts Options) (*Renderer, error) {
	if len(targets) == 0 {
		return nil, ErrNoDevices
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.FrameH < len(targets) {
		return nil, ErrTooManyBlocks
	}

	r := &Renderer{
		logger: log.New("renderer"),
		opts:   opts,
	}

	for _, target := range targets {
		if target.Device == nil {
			r.Close()
			return nil, ErrNoDevices
		}

		scene := target.Scene
		if acc, ok := target.Device.(tracer.SceneAccounting); ok && scene == nil {
			scene = acc
		}

		sched, err := tracer.NewScheduler(target.Device, scene, target.Options)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("renderer: could not attach device %s: %w", target.Device.Name(), err)
		}
		w := &worker{id: target.Device.Name(), speed: 1, sched: sched}
		r.workers = append(r.workers, w)

		if err = sched.LoadStages(features); err != nil {
			r.Close()
			return nil, fmt.Errorf("renderer: could not load stages on device %s: %w", w.id, err)
		}
		if est, ok := target.Device.(speedEstimator); ok {
			w.speed = est.Speed()
		}

		r.logger.Debugf("attached device %s (speed estimate %d)", w.id, w.speed)
	}

	return r, nil
}

// Render a frame. Cancelling ctx interrupts every device at its next
// cancellation point.
func (r *Renderer) Render(ctx context.Context) error {
	r.Lock()
	defer r.Unlock()

	if r.closed {
		return ErrClosed
	}

	speeds := make([]uint32, len(r.workers))
	for idx, w := range r.workers {
		speeds[idx] = w.speed
	}
	blocks := r.partitioner.Partition(speeds, r.last, r.opts.FrameH)

	start := time.Now()
	frame := newFrame(r.opts.FrameW, r.opts.FrameH)
	stats := make([]DeviceStat, len(r.workers))

	g, gctx := errgroup.WithContext(ctx)
	blockY := 0
	for idx, w := range r.workers {
		stat := &stats[idx]
		*stat = DeviceStat{
			Id:           w.id,
			BlockY:       blockY,
			BlockH:       blocks[idx],
			FramePercent: 100.0 * float32(blocks[idx]) / float32(r.opts.FrameH),
		}

		w := w
		g.Go(func() error {
			return w.renderBlock(gctx, r.opts, frame, stat)
		})
		blockY += blocks[idx]
	}

	err := g.Wait()
	r.stats = FrameStats{Devices: stats, RenderTime: time.Since(start)}
	if err != nil {
		if errors.Is(err, tracer.ErrCancelled) && ctx.Err() != nil {
			r.logger.Debugf("frame interrupted after %s", r.stats.RenderTime)
			return ErrInterrupted
		}
		r.logger.Errorf("frame render failed: %v", err)
		return err
	}

	r.last = make([]BlockTiming, len(stats))
	for idx, stat := range stats {
		r.last[idx] = BlockTiming{Rows: stat.BlockH, Elapsed: stat.RenderTime}
	}
	r.frame = frame
	r.logger.Infof("rendered %dx%d frame in %s", r.opts.FrameW, r.opts.FrameH, r.stats.RenderTime)
	return nil
}

// Render the block assigned to this worker into a device buffer and copy
// it into the frame once every tile completes.
func (w *worker) renderBlock(ctx context.Context, opts Options, frame *Frame, stat *DeviceStat) error {
	start := time.Now()
	defer func() {
		stat.RenderTime = time.Since(start)
	}()

	y, h := stat.BlockY, stat.BlockH
	dev := w.sched.Device()
	out, err := dev.Allocate("output", opts.FrameW*h*outputPixelBytes)
	if err != nil {
		return fmt.Errorf("renderer: could not allocate output buffer on device %s: %w", w.id, err)
	}
	defer dev.Free(out)

	tileW, tileH := opts.TileW, opts.TileH
	if tileH == 0 || tileH > h {
		tileH = h
	}

	c := tracer.ContextCanceller(ctx)
	for sample := 0; sample < opts.SamplesPerPixel; sample += opts.SamplesPerPass {
		numSamples := min(opts.SamplesPerPass, opts.SamplesPerPixel-sample)
		for ty := y; ty < y+h; ty += tileH {
			for tx := 0; tx < opts.FrameW; tx += tileW {
				tile := &tracer.RenderTile{
					X:           tx,
					Y:           ty,
					W:           min(tileW, opts.FrameW-tx),
					H:           min(tileH, y+h-ty),
					Offset:      -y * opts.FrameW,
					Stride:      opts.FrameW,
					SampleStart: sample,
					NumSamples:  numSamples,
					Output:      out,
				}

				report, err := w.sched.RenderTile(tile, c)
				stat.add(report)
				if err != nil {
					stat.Cancelled = errors.Is(err, tracer.ErrCancelled)
					return err
				}
			}
		}
	}

	data := make([]byte, opts.FrameW*h*outputPixelBytes)
	if err = dev.ReadBack(out, 0, data); err != nil {
		return fmt.Errorf("renderer: could not read back block of device %s: %w", w.id, err)
	}
	frame.decodeRows(y, data)
	return nil
}

func (s *DeviceStat) add(report *tracer.Report) {
	if report == nil {
		return
	}
	s.Tiles++
	s.SubTiles += len(report.SubTiles)
	s.Interventions += report.Interventions()
	for _, st := range report.SubTiles {
		s.Iterations += st.Iterations
	}
}

// Frame returns a copy of the last rendered frame or nil if no frame has
// been rendered yet.
func (r *Renderer) Frame() *Frame {
	r.Lock()
	defer r.Unlock()
	if r.frame == nil {
		return nil
	}
	return r.frame.clone()
}

// Stats returns the statistics of the last render call.
func (r *Renderer) Stats() FrameStats {
	r.Lock()
	defer r.Unlock()
	return FrameStats{
		Devices:    append([]DeviceStat(nil), r.stats.Devices...),
		RenderTime: r.stats.RenderTime,
	}
}

// Close shuts down every attached scheduler. Devices are owned by the
// caller and remain open.
func (r *Renderer) Close() {
	r.Lock()
	defer r.Unlock()
	if r.closed {
		return
	}
	for _, w := range r.workers {
		w.sched.Close()
	}
	r.closed = true
}
