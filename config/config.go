// Package config maps compute platforms to split kernel budget profiles and
// holds the scheduler settings. Configuration files are decoded from YAML or
// TOML depending on the file extension.
package config

import (
	"fmt"
	"strings"

	"github.com/achilleasa/wavefront/tracer"
)

// The name of the profile used for platforms without a dedicated profile.
const GenericProfile = "generic"

// The platform reported by AMD's OpenCL runtime.
const AMDPlatform = "AMD Accelerated Parallel Processing"

// A budget profile for devices of a particular platform. Unset sizes fall
// back to the device-generic formula; explicit zero values are kept.
type Profile struct {
	Name string `yaml:"name" toml:"name"`

	// The profile applies to platforms whose name contains this value. The
	// generic profile leaves it empty.
	Platform string `yaml:"platform" toml:"platform"`

	AllocDivisor       *int64 `yaml:"alloc_divisor" toml:"alloc_divisor"`
	SafetyMargin       *int64 `yaml:"safety_margin" toml:"safety_margin"`
	KernelGlobalsBytes *int64 `yaml:"kernel_globals_bytes" toml:"kernel_globals_bytes"`
	PathStateBaseBytes *int64 `yaml:"path_state_base_bytes" toml:"path_state_base_bytes"`
	ClosureBytes       *int64 `yaml:"closure_bytes" toml:"closure_bytes"`
}

// Formula returns the budget formula described by this profile.
func (p Profile) Formula() tracer.BudgetFormula {
	f := tracer.DefaultBudgetFormula()
	override(&f.AllocDivisor, p.AllocDivisor)
	override(&f.SafetyMargin, p.SafetyMargin)
	override(&f.KernelGlobalsBytes, p.KernelGlobalsBytes)
	override(&f.PathStateBaseBytes, p.PathStateBaseBytes)
	override(&f.ClosureBytes, p.ClosureBytes)
	return f
}

func override(dst *int64, v *int64) {
	if v != nil {
		*dst = *v
	}
}

func (p Profile) validate() error {
	if p.Name == "" {
		return fmt.Errorf("config: profile without a name")
	}
	if err := p.Formula().Validate(); err != nil {
		return fmt.Errorf("config: profile %q: %w", p.Name, err)
	}
	return nil
}

// Scheduler settings shared by every device.
type Scheduler struct {
	// Dispatch strategy name (work-stealing or parallel-samples).
	Strategy string `yaml:"strategy" toml:"strategy"`

	IterationIncrement int `yaml:"iteration_increment" toml:"iteration_increment"`
	InitialIterations  int `yaml:"initial_iterations" toml:"initial_iterations"`

	// Accumulation stage local size.
	AccumulationLocalW int `yaml:"accumulation_local_w" toml:"accumulation_local_w"`
	AccumulationLocalH int `yaml:"accumulation_local_h" toml:"accumulation_local_h"`

	CheckCancelPerStage bool `yaml:"check_cancel_per_stage" toml:"check_cancel_per_stage"`

	// Max closures per shading point the stages are compiled for.
	MaxClosures int `yaml:"max_closures" toml:"max_closures"`
}

// File is the top-level configuration.
type File struct {
	Profiles  []Profile `yaml:"profiles" toml:"profiles"`
	Scheduler Scheduler `yaml:"scheduler" toml:"scheduler"`
}

// Default returns the built-in configuration.
func Default() *File {
	return &File{
		Profiles: []Profile{
			{Name: GenericProfile},
			{Name: "amd", Platform: AMDPlatform, AllocDivisor: sizeOf(2)},
		},
		Scheduler: Scheduler{
			Strategy:           tracer.WorkStealing().Name(),
			IterationIncrement: tracer.DefaultIterationIncrement,
			InitialIterations:  tracer.DefaultIterationIncrement,
			AccumulationLocalW: 16,
			AccumulationLocalH: 16,
			MaxClosures:        1,
		},
	}
}

func sizeOf(v int64) *int64 {
	return &v
}

// Fill unset scheduler fields and append the generic profile if missing.
func (f *File) applyDefaults() {
	def := Default()
	s := &f.Scheduler
	if s.Strategy == "" {
		s.Strategy = def.Scheduler.Strategy
	}
	if s.IterationIncrement == 0 {
		s.IterationIncrement = def.Scheduler.IterationIncrement
	}
	if s.InitialIterations == 0 {
		s.InitialIterations = s.IterationIncrement
	}
	if s.AccumulationLocalW == 0 {
		s.AccumulationLocalW = def.Scheduler.AccumulationLocalW
	}
	if s.AccumulationLocalH == 0 {
		s.AccumulationLocalH = def.Scheduler.AccumulationLocalH
	}

	for _, p := range f.Profiles {
		if p.Name == GenericProfile {
			return
		}
	}
	f.Profiles = append(f.Profiles, def.Profiles[0])
}

// Validate checks the configuration for values the scheduler rejects.
func (f *File) Validate() error {
	seen := make(map[string]bool)
	for _, p := range f.Profiles {
		if err := p.validate(); err != nil {
			return err
		}
		if seen[p.Name] {
			return fmt.Errorf("config: duplicate profile %q", p.Name)
		}
		seen[p.Name] = true
	}

	s := f.Scheduler
	if _, err := tracer.StrategyByName(s.Strategy); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	switch {
	case s.IterationIncrement <= 0:
		return fmt.Errorf("config: iteration increment must be positive; got %d", s.IterationIncrement)
	case s.InitialIterations < 0:
		return fmt.Errorf("config: initial iterations must not be negative; got %d", s.InitialIterations)
	case s.AccumulationLocalW <= 0 || s.AccumulationLocalH <= 0:
		return fmt.Errorf("config: accumulation local size must be positive; got %dx%d", s.AccumulationLocalW, s.AccumulationLocalH)
	case s.MaxClosures < 0:
		return fmt.Errorf("config: max closures must not be negative; got %d", s.MaxClosures)
	}
	return nil
}

// ProfileFor returns the first profile whose platform filter matches
// platformName, or the generic profile.
func (f *File) ProfileFor(platformName string) Profile {
	generic := Profile{Name: GenericProfile}
	for _, p := range f.Profiles {
		if p.Name == GenericProfile {
			generic = p
			continue
		}
		if p.Platform != "" && strings.Contains(platformName, p.Platform) {
			return p
		}
	}
	return generic
}

// SchedulerOptions builds the scheduler options for a device with the given
// limits.
func (f *File) SchedulerOptions(limits tracer.DeviceLimits) (tracer.Options, error) {
	strategy, err := tracer.StrategyByName(f.Scheduler.Strategy)
	if err != nil {
		return tracer.Options{}, fmt.Errorf("config: %w", err)
	}

	return tracer.Options{
		Budget:                f.ProfileFor(limits.PlatformName).Formula(),
		Dispatch:              strategy,
		IterationIncrement:    f.Scheduler.IterationIncrement,
		InitialIterations:     f.Scheduler.InitialIterations,
		AccumulationLocalSize: tracer.Size{X: f.Scheduler.AccumulationLocalW, Y: f.Scheduler.AccumulationLocalH},
		CheckCancelPerStage:   f.Scheduler.CheckCancelPerStage,
	}, nil
}

// Features returns the stage feature set for the configured strategy.
func (f *File) Features() tracer.FeatureSet {
	return tracer.FeatureSet{MaxClosures: f.Scheduler.MaxClosures}
}
