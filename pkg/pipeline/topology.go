package pipeline

import (
	"github.com/tauraamui/streamerd/pkg/video/device"
	"github.com/tauraamui/streamerd/pkg/video/stage"
	"github.com/tauraamui/xerror"
)

const (
	MinStages = 2
	MaxStages = 4
)

const KindInvalidTopology = xerror.Kind("invalid_topology")

var ErrInvalidTopology = xerror.NewWithKind(KindInvalidTopology, "pipeline topology is invalid")

func invalidTopology(format string, a ...interface{}) error {
	return xerror.Errorf("%w: "+format, append([]interface{}{ErrInvalidTopology}, a...)...)
}

// ValidateTopology checks the ordered stages form a pipeline which can
// never saturate: the first stage only captures, every later stage consumes
// and every stage but the last produces. Slot i upstream is handed to
// output slot i downstream, so each receiving pool must be at least as large
// as the pool feeding it, with the same number of planes. Frames cross a
// boundary as exported handles, so the feeding pool must be mapped and the
// receiving one imported.
func ValidateTopology(stages []*stage.Stage) error {
	if len(stages) < MinStages || len(stages) > MaxStages {
		return invalidTopology("%d stages, need between %d and %d", len(stages), MinStages, MaxStages)
	}

	names := map[string]bool{}
	for i, st := range stages {
		if st == nil {
			return invalidTopology("stage %d is missing", i)
		}
		if names[st.Name()] {
			return invalidTopology("stage name %s used twice", st.Name())
		}
		names[st.Name()] = true

		switch {
		case i == 0 && st.HasOutput():
			return invalidTopology("source stage %s must not consume frames", st.Name())
		case i == 0 && !st.HasCapture():
			return invalidTopology("source stage %s must produce frames", st.Name())
		case i > 0 && !st.HasOutput():
			return invalidTopology("stage %s has nothing to consume frames with", st.Name())
		case i < len(stages)-1 && !st.HasCapture():
			return invalidTopology("stage %s has nothing to produce frames with", st.Name())
		}
	}

	for i := 0; i < len(stages)-1; i++ {
		up, down := stages[i], stages[i+1]
		if up.CaptureSlots() > down.OutputSlots() {
			return invalidTopology(
				"%s hands out up to %d frames but %s can only take %d",
				up.Name(), up.CaptureSlots(), down.Name(), down.OutputSlots(),
			)
		}
		if upPlanes, downPlanes := len(up.CaptureFormat().Planes), len(down.OutputFormat().Planes); upPlanes != downPlanes {
			return invalidTopology("%s produces %d planes, %s consumes %d", up.Name(), upPlanes, down.Name(), downPlanes)
		}
		if kind, _ := up.CaptureMemory(); kind != device.Mapped {
			return invalidTopology("%s capture memory is %s, it must be %s to hand frames on", up.Name(), kind, device.Mapped)
		}
		if kind, _ := down.OutputMemory(); kind != device.Imported {
			return invalidTopology("%s output memory is %s, it must be %s to take frames from %s", down.Name(), kind, device.Imported, up.Name())
		}
	}
	return nil
}
