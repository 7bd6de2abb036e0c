package configdef

import (
	"errors"
	"fmt"

	"gopkg.in/dealancer/validate.v2"
)

const (
	minStages = 2
	maxStages = 4
)

type Rect struct {
	Left   int32  `json:"left"`
	Top    int32  `json:"top"`
	Width  uint32 `json:"width"`
	Height uint32 `json:"height"`
}

// Queue describes one side of a stage: the frames it is fed (output) or
// the frames it produces (capture).
type Queue struct {
	Width       uint32 `json:"width" validate:"gte=1"`
	Height      uint32 `json:"height" validate:"gte=1"`
	PixelFormat string `json:"pixel_format" validate:"empty=false"`
	Planes      int    `json:"planes" validate:"gte=0 & lte=3"`
	Buffers     int    `json:"buffers" validate:"gte=2 & lte=32"`
	Memory      string `json:"memory" validate:"one_of=mapped,imported"`
	Crop        *Rect  `json:"crop,omitempty"`
	Compose     *Rect  `json:"compose,omitempty"`
}

// PlaneCount treats an unset plane count as a single plane.
func (q Queue) PlaneCount() int {
	if q.Planes == 0 {
		return 1
	}
	return q.Planes
}

type Stage struct {
	Name    string `json:"name" validate:"empty=false"`
	Device  string `json:"device" validate:"empty=false"`
	Output  *Queue `json:"output,omitempty"`
	Capture *Queue `json:"capture,omitempty"`
}

type RawSnapshot struct {
	Stage string `json:"stage" validate:"empty=false"`
	Path  string `json:"path" validate:"empty=false"`
	Every int    `json:"every" validate:"gte=0"`
}

type Pipeline struct {
	Title          string       `json:"title" validate:"empty=false"`
	PollTimeoutMS  int          `json:"poll_timeout_ms" validate:"gte=0"`
	DrainTimeoutMS int          `json:"drain_timeout_ms" validate:"gte=0"`
	MaxTicks       int          `json:"max_ticks" validate:"gte=0"`
	InvalidFrames  string       `json:"invalid_frames"`
	SinkPath       string       `json:"sink_path"`
	RawSnapshot    *RawSnapshot `json:"raw_snapshot,omitempty"`
	Stages         []Stage      `json:"stages"`
}

type Values struct {
	Debug          bool       `json:"debug"`
	Backend        string     `json:"backend"`
	ActivePipeline string     `json:"active_pipeline"`
	Pipelines      []Pipeline `json:"pipelines"`
}

// RunValidate checks field constraints first, then how the pipelines fit
// together.
func (v Values) RunValidate() error {
	if err := validate.Validate(&v); err != nil {
		return err
	}
	return v.validateTopology()
}

// Active returns the pipeline to run: the one named by active_pipeline, or
// the only one defined.
func (v Values) Active() (Pipeline, error) {
	if len(v.ActivePipeline) == 0 {
		if len(v.Pipelines) == 1 {
			return v.Pipelines[0], nil
		}
		return Pipeline{}, fmt.Errorf("active_pipeline must be set when %d pipelines are defined", len(v.Pipelines))
	}
	for _, p := range v.Pipelines {
		if p.Title == v.ActivePipeline {
			return p, nil
		}
	}
	return Pipeline{}, fmt.Errorf("active pipeline %s is not defined", v.ActivePipeline)
}

func (v Values) validateTopology() error {
	const validationErrorHeader = "validation failed: %w"

	switch v.Backend {
	case "", "v4l2", "mock":
	default:
		return fmt.Errorf(validationErrorHeader, fmt.Errorf("unknown backend %s", v.Backend))
	}

	if hasDupPipelineTitles(v.Pipelines) {
		return fmt.Errorf(validationErrorHeader, errors.New("pipeline titles must be unique"))
	}
	if len(v.Pipelines) > 0 {
		if _, err := v.Active(); err != nil {
			return fmt.Errorf(validationErrorHeader, err)
		}
	}
	for _, p := range v.Pipelines {
		if err := p.validateStages(); err != nil {
			return fmt.Errorf(validationErrorHeader, fmt.Errorf("pipeline %s: %w", p.Title, err))
		}
	}
	return nil
}

func (p Pipeline) validateStages() error {
	switch p.InvalidFrames {
	case "", "forward", "discard":
	default:
		return fmt.Errorf("unknown invalid_frames policy %s", p.InvalidFrames)
	}

	if len(p.Stages) < minStages || len(p.Stages) > maxStages {
		return fmt.Errorf("has %d stages, needs between %d and %d", len(p.Stages), minStages, maxStages)
	}
	if hasDupStageNames(p.Stages) {
		return errors.New("stage names must be unique")
	}

	last := len(p.Stages) - 1
	for i, st := range p.Stages {
		switch {
		case i == 0 && st.Output != nil:
			return fmt.Errorf("source stage %s must not have an output queue", st.Name)
		case st.Capture == nil && i < last:
			return fmt.Errorf("stage %s needs a capture queue", st.Name)
		case st.Output == nil && i > 0:
			return fmt.Errorf("stage %s needs an output queue", st.Name)
		}
		for _, q := range []*Queue{st.Output, st.Capture} {
			if q != nil && len(q.PixelFormat) != 4 {
				return fmt.Errorf("stage %s pixel format %q must be 4 characters long", st.Name, q.PixelFormat)
			}
		}
	}

	for i := 0; i < last; i++ {
		up, down := p.Stages[i], p.Stages[i+1]
		if up.Capture.Buffers > down.Output.Buffers {
			return fmt.Errorf("stage %s captures into %d buffers but %s only takes %d", up.Name, up.Capture.Buffers, down.Name, down.Output.Buffers)
		}
		if up.Capture.PlaneCount() != down.Output.PlaneCount() {
			return fmt.Errorf("stage %s produces %d planes but %s takes %d", up.Name, up.Capture.PlaneCount(), down.Name, down.Output.PlaneCount())
		}
		if down.Output.Memory != "imported" {
			return fmt.Errorf("stage %s must import the buffers of %s", down.Name, up.Name)
		}
		if up.Capture.Memory != "mapped" {
			return fmt.Errorf("stage %s must map its capture buffers to hand them to %s", up.Name, down.Name)
		}
	}

	if p.RawSnapshot != nil && !hasStage(p.Stages, p.RawSnapshot.Stage) {
		return fmt.Errorf("raw snapshot stage %s is not defined", p.RawSnapshot.Stage)
	}
	return nil
}

func hasDupPipelineTitles(pipelines []Pipeline) bool {
	seen := map[string]bool{}
	for _, p := range pipelines {
		if seen[p.Title] {
			return true
		}
		seen[p.Title] = true
	}
	return false
}

func hasDupStageNames(stages []Stage) bool {
	seen := map[string]bool{}
	for _, st := range stages {
		if seen[st.Name] {
			return true
		}
		seen[st.Name] = true
	}
	return false
}

func hasStage(stages []Stage, name string) bool {
	for _, st := range stages {
		if st.Name == name {
			return true
		}
	}
	return false
}
