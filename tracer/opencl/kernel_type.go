package opencl

import (
	"fmt"

	"github.com/achilleasa/wavefront/tracer"
	"github.com/achilleasa/wavefront/tracer/opencl/device"
)

// Map a stage to the CL source file that implements it.
func kernelSource(id tracer.StageID) string {
	return "kernel_" + id.String() + ".cl"
}

// Map a stage to its kernel function name as defined in the CL source files.
func kernelName(id tracer.StageID) string {
	return "path_trace_" + id.String()
}

// Convert a tracer buffer into the opencl buffer backing it. Missing
// optional buffers are bound as null memory objects.
func clBuffer(buf tracer.Buffer) (*device.Buffer, error) {
	if buf == nil {
		return nil, nil
	}
	clBuf, ok := buf.(*device.Buffer)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrForeignBuffer, buf.Name())
	}
	return clBuf, nil
}

// Assemble the kernel arguments for a stage launch.
func stageArgs(l tracer.Launch, features tracer.FeatureSet) ([]interface{}, error) {
	buffers := []tracer.Buffer{
		l.Buffers.KernelGlobals,
		l.Buffers.SplitData,
		l.Buffers.RayState,
		l.Buffers.QueueIndex,
		l.Buffers.UseQueuesFlag,
		l.Buffers.WorkPool,
	}
	clBufs := make([]*device.Buffer, len(buffers))
	for index, buf := range buffers {
		var err error
		if clBufs[index], err = clBuffer(buf); err != nil {
			return nil, err
		}
	}
	kernelGlobals, splitData, rayState, queueIndex, useQueuesFlag, workPool := clBufs[0], clBufs[1], clBufs[2], clBufs[3], clBufs[4], clBufs[5]

	id := l.Stage.ID()
	switch id {
	case tracer.DataInit:
		if l.Params == nil {
			return nil, fmt.Errorf("opencl adapter: stage %s requires kernel params", id)
		}
		p := l.Params
		output, err := clBuffer(p.Tile.Output)
		if err != nil {
			return nil, err
		}

		args := []interface{}{
			kernelGlobals,
			splitData,
			p.NumLanes,
			rayState,
			p.Tile.SampleStart,
			p.Tile.SampleStart + p.Tile.NumSamples,
			p.Tile.X,
			p.Tile.Y,
			p.Tile.W,
			p.Tile.H,
			queueIndex,
			p.QueueSize,
			useQueuesFlag,
		}
		if features.WorkStealing {
			args = append(args, workPool, p.Tile.NumSamples)
		}
		return append(args,
			p.ParallelSamples,
			p.Tile.BufferOffsetX,
			p.Tile.BufferOffsetY,
			p.Tile.BufferStride,
			output,
		), nil
	case tracer.SumAllRadiance:
		if l.Params == nil {
			return nil, fmt.Errorf("opencl adapter: stage %s requires kernel params", id)
		}
		p := l.Params
		output, err := clBuffer(p.Tile.Output)
		if err != nil {
			return nil, err
		}

		return []interface{}{
			kernelGlobals,
			splitData,
			output,
			p.ParallelSamples,
			p.Tile.W,
			p.Tile.H,
			p.Tile.BufferOffsetX,
			p.Tile.BufferOffsetY,
			p.Tile.BufferStride,
			p.Tile.SampleStart,
		}, nil
	}

	// Bounce stages share the split state and the queues.
	return []interface{}{
		kernelGlobals,
		splitData,
		rayState,
		queueIndex,
		useQueuesFlag,
		workPool,
	}, nil
}
