package tracer

import (
	"fmt"
	"sort"
	"strings"
)

type StageID uint8

// The split-kernel stages. The nine bounce stages are declared in the order
// in which they execute within one bounce.
const (
	DataInit StageID = iota
	// bounce stages
	SceneIntersect
	LampEmission
	QueueEnqueue
	BackgroundBufferUpdate
	ShaderEval
	HoldoutEmissionBlurringPathTerminationAO
	DirectLighting
	ShadowBlocked
	NextIterationSetup
	// final accumulation
	SumAllRadiance
	//
	numStages
)

// Implements Stringer; map stage id to the kernel name.
func (id StageID) String() string {
	switch id {
	case DataInit:
		return "data_init"
	case SceneIntersect:
		return "scene_intersect"
	case LampEmission:
		return "lamp_emission"
	case QueueEnqueue:
		return "queue_enqueue"
	case BackgroundBufferUpdate:
		return "background_buffer_update"
	case ShaderEval:
		return "shader_eval"
	case HoldoutEmissionBlurringPathTerminationAO:
		return "holdout_emission_blurring_pathtermination_ao"
	case DirectLighting:
		return "direct_lighting"
	case ShadowBlocked:
		return "shadow_blocked"
	case NextIterationSetup:
		return "next_iteration_setup"
	case SumAllRadiance:
		return "sum_all_radiance"
	}
	return fmt.Sprintf("stage(%d)", uint8(id))
}

// AllStages returns every stage id in load order.
func AllStages() []StageID {
	ids := make([]StageID, numStages)
	for id := DataInit; id < numStages; id++ {
		ids[id] = id
	}
	return ids
}

// The kernel feature configuration the stages are specialized for.
type FeatureSet struct {
	// Maximum number of material closures per shading point. Drives the size
	// of the per-lane path state.
	MaxClosures int

	// Compile the stages for the work-stealing dispatch strategy.
	WorkStealing bool

	// Additional feature defines.
	Flags []string
}

// BuildOptions returns the compiler defines for this feature set. The output
// is deterministic so that it can be used as a cache key.
func (f FeatureSet) BuildOptions() string {
	opts := []string{fmt.Sprintf("-D __MAX_CLOSURE__=%d", f.MaxClosures)}
	if f.WorkStealing {
		opts = append(opts, "-D __WORK_STEALING__")
	}

	flags := append([]string(nil), f.Flags...)
	sort.Strings(flags)
	for _, flag := range flags {
		opts = append(opts, "-D "+flag)
	}
	return strings.Join(opts, " ")
}

// Equal reports whether two feature sets produce identical stages.
func (f FeatureSet) Equal(other FeatureSet) bool {
	return f.BuildOptions() == other.BuildOptions()
}

// An immutable set of loaded stages.
type StageSet struct {
	features FeatureSet
	stages   [numStages]Stage
}

// Load all stages from dev for the given feature set.
func LoadStageSet(dev Device, features FeatureSet) (*StageSet, error) {
	if features.MaxClosures < 0 {
		return nil, fmt.Errorf("wavefront: invalid max closure count %d", features.MaxClosures)
	}

	set := &StageSet{features: features}
	for _, id := range AllStages() {
		stage, err := dev.LoadStage(id, features)
		if err != nil {
			return nil, launchErr("load", id, err)
		}
		if stage == nil || stage.ID() != id {
			return nil, launchErr("load", id, fmt.Errorf("device returned wrong stage for %s", id))
		}
		set.stages[id] = stage
	}

	return set, nil
}

// Stage returns the loaded stage with the given id.
func (s *StageSet) Stage(id StageID) Stage {
	return s.stages[id]
}

// Features returns the feature set the stages were loaded for.
func (s *StageSet) Features() FeatureSet {
	return s.features
}

// A bounce pipeline step: the stage to launch and how its global dispatch
// size derives from the sub-tile lane grid.
type bounceStep struct {
	stage    StageID
	dispatch func(global Size) Size
}

func sameDims(global Size) Size {
	return global
}

// The shadow stage resolves a shadow and a continuation sub-ray per lane.
func doubleWidth(global Size) Size {
	return Size{X: global.X * 2, Y: global.Y}
}

// The bounce pipeline. Every stage consumes buffer contents written by its
// predecessor so the order must never change.
var bouncePipeline = [...]bounceStep{
	{SceneIntersect, sameDims},
	{LampEmission, sameDims},
	{QueueEnqueue, sameDims},
	{BackgroundBufferUpdate, sameDims},
	{ShaderEval, sameDims},
	{HoldoutEmissionBlurringPathTerminationAO, sameDims},
	{DirectLighting, sameDims},
	{ShadowBlocked, doubleWidth},
	{NextIterationSetup, sameDims},
}

// BounceOrder returns the stage ids of one bounce in execution order.
func BounceOrder() []StageID {
	ids := make([]StageID, len(bouncePipeline))
	for i, step := range bouncePipeline {
		ids[i] = step.stage
	}
	return ids
}
