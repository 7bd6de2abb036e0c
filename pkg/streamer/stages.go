package streamer

import (
	"time"

	"github.com/tauraamui/streamerd/pkg/configdef"
	"github.com/tauraamui/streamerd/pkg/pipeline"
	"github.com/tauraamui/streamerd/pkg/video/device"
	"github.com/tauraamui/streamerd/pkg/video/stage"
	"github.com/tauraamui/xerror"
)

func queueConfig(q *configdef.Queue) (*stage.QueueConfig, error) {
	if q == nil {
		return nil, nil
	}

	fourcc, err := device.ParseFourCC(q.PixelFormat)
	if err != nil {
		return nil, err
	}

	memory := device.Mapped
	if q.Memory == "imported" {
		memory = device.Imported
	}

	return &stage.QueueConfig{
		Format: device.Format{
			Width:       q.Width,
			Height:      q.Height,
			PixelFormat: fourcc,
			Planes:      make([]device.PlaneFormat, q.PlaneCount()),
		},
		Buffers: q.Buffers,
		Memory:  memory,
		Crop:    rect(q.Crop),
		Compose: rect(q.Compose),
	}, nil
}

func rect(r *configdef.Rect) *device.Rect {
	if r == nil {
		return nil
	}
	return &device.Rect{Left: r.Left, Top: r.Top, Width: r.Width, Height: r.Height}
}

func stageConfig(st configdef.Stage) (stage.Config, error) {
	output, err := queueConfig(st.Output)
	if err != nil {
		return stage.Config{}, xerror.Errorf("stage %s output: %w", st.Name, err)
	}
	capture, err := queueConfig(st.Capture)
	if err != nil {
		return stage.Config{}, xerror.Errorf("stage %s capture: %w", st.Name, err)
	}
	return stage.Config{Name: st.Name, Output: output, Capture: capture}, nil
}

// openStages opens and negotiates every stage in order. Whatever was
// opened is closed again when a later stage fails.
func openStages(backend device.Backend, stages []configdef.Stage) ([]*stage.Stage, error) {
	opened := make([]*stage.Stage, 0, len(stages))
	closeOpened := func() {
		for _, st := range opened {
			st.Close() //nolint
		}
	}

	for _, cfg := range stages {
		sc, err := stageConfig(cfg)
		if err != nil {
			closeOpened()
			return nil, err
		}

		dev, err := backend.Open(cfg.Device)
		if err != nil {
			closeOpened()
			return nil, xerror.Errorf("unable to open stage %s device %s: %w", cfg.Name, cfg.Device, err)
		}

		st, err := stage.New(dev, sc)
		if err != nil {
			dev.Close() //nolint
			closeOpened()
			return nil, xerror.Errorf("unable to set up stage %s: %w", cfg.Name, err)
		}
		opened = append(opened, st)
	}
	return opened, nil
}

func pipelineOptions(p configdef.Pipeline) (pipeline.Options, error) {
	policy, err := pipeline.ParseInvalidFramePolicy(p.InvalidFrames)
	if err != nil {
		return pipeline.Options{}, err
	}
	return pipeline.Options{
		PollTimeout:   time.Duration(p.PollTimeoutMS) * time.Millisecond,
		DrainTimeout:  time.Duration(p.DrainTimeoutMS) * time.Millisecond,
		MaxTicks:      p.MaxTicks,
		InvalidFrames: policy,
	}, nil
}
