package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/tacusci/logging/v2"
	"github.com/tauraamui/streamerd/pkg/pipeline"
	"github.com/tauraamui/streamerd/pkg/video/bufferpool"
	"github.com/tauraamui/streamerd/pkg/video/device"
	"github.com/tauraamui/streamerd/pkg/video/stage"
	"github.com/tauraamui/streamerd/pkg/video/videobackend"
	"github.com/tauraamui/streamerd/pkg/video/videoerr"
	"github.com/tauraamui/streamerd/pkg/video/videosink"
)

const (
	sensorPath  = "/dev/video0"
	ispPath     = "/dev/video12"
	encoderPath = "/dev/video11"
)

var rgb = device.Format{Width: 64, Height: 48, PixelFormat: device.PixelFormatRGB24}

func silenceLogs(t *testing.T) {
	existingLoggingLevel := logging.CurrentLoggingLevel
	logging.CurrentLoggingLevel = logging.SilentLevel
	t.Cleanup(func() { logging.CurrentLoggingLevel = existingLoggingLevel })
}

func mapped(buffers int) *stage.QueueConfig {
	return &stage.QueueConfig{Format: rgb, Buffers: buffers, Memory: device.Mapped}
}

func imported(buffers int) *stage.QueueConfig {
	return &stage.QueueConfig{Format: rgb, Buffers: buffers, Memory: device.Imported}
}

func openStage(t *testing.T, backend *videobackend.MockBackend, path string, cfg stage.Config) *stage.Stage {
	t.Helper()
	dev, err := backend.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	st, err := stage.New(dev, cfg)
	if err != nil {
		t.Fatal(err)
	}
	return st
}

// threeStages builds sensor -> isp -> encoder with four slot pools.
func threeStages(t *testing.T, backend *videobackend.MockBackend) []*stage.Stage {
	t.Helper()
	return []*stage.Stage{
		openStage(t, backend, sensorPath, stage.Config{Name: "sensor", Capture: mapped(4)}),
		openStage(t, backend, ispPath, stage.Config{Name: "isp", Output: imported(4), Capture: mapped(4)}),
		openStage(t, backend, encoderPath, stage.Config{Name: "encoder", Output: imported(4), Capture: mapped(4)}),
	}
}

func scriptedConfigs() map[string]videobackend.MockDeviceConfig {
	return map[string]videobackend.MockDeviceConfig{
		sensorPath:  {Capture: true, FrameBytes: 100},
		ispPath:     {Capture: true, Output: true, FrameBytes: 60},
		encoderPath: {Capture: true, Output: true, AutoReady: true, FrameBytes: 40},
	}
}

func freeRunningConfigs() map[string]videobackend.MockDeviceConfig {
	return map[string]videobackend.MockDeviceConfig{
		sensorPath:  {Capture: true, AutoReady: true, FrameBytes: 100},
		ispPath:     {Capture: true, Output: true, AutoReady: true, FrameBytes: 60},
		encoderPath: {Capture: true, Output: true, AutoReady: true, FrameBytes: 40},
	}
}

// traceScript has the sensor fill a frame on odd ticks and the isp consume
// one on even ticks.
func traceScript() videobackend.MockScript {
	script := videobackend.MockScript{}
	for _, tick := range []int{1, 3, 5} {
		script[tick] = append(script[tick], videobackend.MockSignal{Device: sensorPath, Role: device.Capture})
	}
	for _, tick := range []int{2, 4, 6} {
		script[tick] = append(script[tick], videobackend.MockSignal{Device: ispPath, Role: device.Output})
	}
	return script
}

func assertAllFree(t *testing.T, snaps []stage.Snapshot) {
	t.Helper()
	for _, snap := range snaps {
		if leaked := snap.Leaked(); leaked != 0 {
			t.Errorf("stage %s has %d slots not free: capture %v output %v", snap.Name, leaked, snap.Capture, snap.Output)
		}
	}
}

func assertStoppedOnce(t *testing.T, backend *videobackend.MockBackend, path string, roles ...device.QueueRole) {
	t.Helper()
	dev := backend.Device(path)
	for _, role := range roles {
		if got := dev.Stops[role]; got != 1 {
			t.Errorf("%s %s stopped %d times, want once", path, role, got)
		}
	}
}

func TestDeterministicTrace(t *testing.T) {
	silenceLogs(t)
	is := is.New(t)

	backend := videobackend.NewMock(scriptedConfigs(), traceScript())
	sink := videosink.NewCountingSink()
	var events []pipeline.Event
	coord := pipeline.New(backend, threeStages(t, backend), sink, pipeline.Options{
		MaxTicks: 6,
		Trace:    func(e pipeline.Event) { events = append(events, e) },
	})
	defer coord.Close()

	is.NoErr(coord.Run(context.Background()))
	is.Equal(coord.State(), pipeline.Stopped)

	var submitted, sunk []pipeline.Event
	for _, e := range events {
		switch e.Kind {
		case pipeline.Submitted:
			submitted = append(submitted, e)
		case pipeline.Sunk:
			sunk = append(sunk, e)
		}
	}

	is.Equal(submitted, []pipeline.Event{
		{Kind: pipeline.Submitted, Tick: 1, Stage: "sensor", To: "isp", Slot: 0, Bytes: 100},
		{Kind: pipeline.Submitted, Tick: 2, Stage: "isp", To: "encoder", Slot: 0, Bytes: 60},
		{Kind: pipeline.Submitted, Tick: 3, Stage: "sensor", To: "isp", Slot: 1, Bytes: 100},
		{Kind: pipeline.Submitted, Tick: 4, Stage: "isp", To: "encoder", Slot: 1, Bytes: 60},
		{Kind: pipeline.Submitted, Tick: 5, Stage: "sensor", To: "isp", Slot: 2, Bytes: 100},
		{Kind: pipeline.Submitted, Tick: 6, Stage: "isp", To: "encoder", Slot: 2, Bytes: 60},
	})
	is.Equal(sunk, []pipeline.Event{
		{Kind: pipeline.Sunk, Tick: 3, Stage: "encoder", Slot: 0, Bytes: 40},
		{Kind: pipeline.Sunk, Tick: 5, Stage: "encoder", Slot: 1, Bytes: 40},
		{Kind: pipeline.Sunk, Tick: 7, Stage: "encoder", Slot: 2, Bytes: 40},
	})

	is.Equal(sink.Stats(), videosink.Stats{Frames: 3, Bytes: 120})
	records := sink.Records()
	is.Equal(len(records), 3)
	for i, r := range records {
		is.Equal(r.Stage, "encoder")
		is.Equal(r.Sequence, uint32(i))
		is.True(!r.Invalid)
	}

	stats := coord.Stats()
	is.Equal(stats.Ticks, 6)
	is.Equal(stats.DrainTicks, 1)
	is.Equal(stats.FramesSunk, uint64(3))
	is.Equal(stats.BytesSunk, uint64(120))
	is.Equal(stats.FramesCaptured, uint64(9))

	assertAllFree(t, coord.Snapshot())
	is.Equal(len(coord.Leaks()), 0)
	is.Equal(len(backend.Violations()), 0)

	assertStoppedOnce(t, backend, sensorPath, device.Capture)
	assertStoppedOnce(t, backend, ispPath, device.Output, device.Capture)
	assertStoppedOnce(t, backend, encoderPath, device.Output, device.Capture)
}

func TestRunMayOnlyBeCalledOnce(t *testing.T) {
	silenceLogs(t)
	is := is.New(t)

	backend := videobackend.NewMock(scriptedConfigs(), traceScript())
	coord := pipeline.New(backend, threeStages(t, backend), videosink.NewCountingSink(), pipeline.Options{MaxTicks: 2})
	defer coord.Close()

	is.NoErr(coord.Run(context.Background()))
	err := coord.Run(context.Background())
	is.True(err != nil)
	is.Equal(err.Error(), "pipeline already stopped")
}

func TestCancelledContextDrainsWithoutTicking(t *testing.T) {
	silenceLogs(t)
	is := is.New(t)

	backend := videobackend.NewMock(scriptedConfigs(), nil)
	coord := pipeline.New(backend, threeStages(t, backend), videosink.NewCountingSink(), pipeline.Options{})
	defer coord.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	is.NoErr(coord.Run(ctx))
	is.Equal(coord.State(), pipeline.Stopped)
	is.Equal(coord.Stats().Ticks, 0)
	is.Equal(backend.Device(sensorPath).Starts[device.Capture], 1)
	assertStoppedOnce(t, backend, sensorPath, device.Capture)
	assertStoppedOnce(t, backend, ispPath, device.Output, device.Capture)
	assertStoppedOnce(t, backend, encoderPath, device.Output, device.Capture)
	assertAllFree(t, coord.Snapshot())
}

func TestStallStopsEveryStage(t *testing.T) {
	silenceLogs(t)
	is := is.New(t)

	backend := videobackend.NewMock(scriptedConfigs(), nil)
	coord := pipeline.New(backend, threeStages(t, backend), videosink.NewCountingSink(), pipeline.Options{})
	defer coord.Close()

	err := coord.Run(context.Background())
	is.True(errors.Is(err, videoerr.ErrFatalStall))
	is.Equal(coord.State(), pipeline.Stopped)
	is.Equal(coord.Stats().Ticks, 1)

	snaps := coord.Snapshot()
	is.Equal(len(snaps), 3)
	assertAllFree(t, snaps)
	assertStoppedOnce(t, backend, sensorPath, device.Capture)
	assertStoppedOnce(t, backend, ispPath, device.Output, device.Capture)
	assertStoppedOnce(t, backend, encoderPath, device.Output, device.Capture)
}

func TestStallAfterTraceReleasesEverySlot(t *testing.T) {
	silenceLogs(t)
	is := is.New(t)

	backend := videobackend.NewMock(scriptedConfigs(), traceScript())
	sink := videosink.NewCountingSink()
	coord := pipeline.New(backend, threeStages(t, backend), sink, pipeline.Options{})
	defer coord.Close()

	err := coord.Run(context.Background())
	is.True(errors.Is(err, videoerr.ErrFatalStall))
	is.Equal(coord.Stats().Ticks, 8)
	is.Equal(sink.Stats().Frames, uint64(3))
	assertAllFree(t, coord.Snapshot())
	is.Equal(len(coord.Leaks()), 0)
}

func TestDeviceFaultStopsEveryOtherStageOnce(t *testing.T) {
	faultRoles := []struct {
		path string
		role device.QueueRole
	}{
		{sensorPath, device.Capture},
		{ispPath, device.Output},
		{ispPath, device.Capture},
		{encoderPath, device.Output},
		{encoderPath, device.Capture},
	}
	paths := []string{sensorPath, ispPath, encoderPath}
	roles := map[string][]device.QueueRole{
		sensorPath:  {device.Capture},
		ispPath:     {device.Output, device.Capture},
		encoderPath: {device.Output, device.Capture},
	}

	for _, fr := range faultRoles {
		for tick := 1; tick <= 6; tick++ {
			fr, tick := fr, tick
			t.Run(fmt.Sprintf("%s %s at tick %d", fr.path, fr.role, tick), func(t *testing.T) {
				silenceLogs(t)
				is := is.New(t)

				script := traceScript()
				script[tick] = append(script[tick], videobackend.MockSignal{Device: fr.path, Role: fr.role, Fault: true})
				backend := videobackend.NewMock(scriptedConfigs(), script)
				coord := pipeline.New(backend, threeStages(t, backend), videosink.NewCountingSink(), pipeline.Options{MaxTicks: 6})
				defer coord.Close()

				err := coord.Run(context.Background())
				is.True(errors.Is(err, videoerr.ErrDeviceFault))
				is.True(videoerr.IsHardware(err))
				is.Equal(coord.State(), pipeline.Stopped)
				is.Equal(backend.Tick(), tick)

				for _, path := range paths {
					dev := backend.Device(path)
					for _, role := range roles[path] {
						want := 1
						if path == fr.path {
							want = 0
						}
						is.Equal(dev.Stops[role], want)
					}
				}
				is.Equal(len(coord.Snapshot()), 3)
				is.Equal(len(backend.Violations()), 0)
			})
		}
	}
}

func TestSinkFaultStopsEveryStage(t *testing.T) {
	silenceLogs(t)
	is := is.New(t)

	backend := videobackend.NewMock(scriptedConfigs(), traceScript())
	sink := videosink.NewCountingSink()
	sink.Fail = errors.New("disk full")
	coord := pipeline.New(backend, threeStages(t, backend), sink, pipeline.Options{MaxTicks: 6})
	defer coord.Close()

	err := coord.Run(context.Background())
	is.True(errors.Is(err, videoerr.ErrSinkFault))
	is.Equal(backend.Tick(), 3)
	assertStoppedOnce(t, backend, sensorPath, device.Capture)
	assertStoppedOnce(t, backend, ispPath, device.Output, device.Capture)
	assertStoppedOnce(t, backend, encoderPath, device.Output, device.Capture)
}

func TestInvalidFramesAreForwardedWithMarker(t *testing.T) {
	silenceLogs(t)
	is := is.New(t)

	script := videobackend.MockScript{1: {{Device: encoderPath, Role: device.Capture, Invalid: true}}}
	backend := videobackend.NewMock(freeRunningConfigs(), script)
	sink := videosink.NewCountingSink()
	coord := pipeline.New(backend, threeStages(t, backend), sink, pipeline.Options{MaxTicks: 3})
	defer coord.Close()

	is.NoErr(coord.Run(context.Background()))

	records := sink.Records()
	is.True(len(records) > 1)
	is.True(records[0].Invalid)
	for _, r := range records[1:] {
		is.True(!r.Invalid)
	}
	is.Equal(coord.Stats().InvalidFrames, uint64(1))
	is.Equal(coord.Stats().Discarded, uint64(0))
	assertAllFree(t, coord.Snapshot())
}

func TestInvalidFramesAreDiscardedWhenAsked(t *testing.T) {
	silenceLogs(t)
	is := is.New(t)

	script := videobackend.MockScript{1: {{Device: encoderPath, Role: device.Capture, Invalid: true}}}
	backend := videobackend.NewMock(freeRunningConfigs(), script)
	sink := videosink.NewCountingSink()
	var discarded []pipeline.Event
	coord := pipeline.New(backend, threeStages(t, backend), sink, pipeline.Options{
		MaxTicks:      3,
		InvalidFrames: pipeline.Discard,
		Trace: func(e pipeline.Event) {
			if e.Kind == pipeline.Discarded {
				discarded = append(discarded, e)
			}
		},
	})
	defer coord.Close()

	is.NoErr(coord.Run(context.Background()))

	for _, r := range sink.Records() {
		is.True(!r.Invalid)
		is.True(r.Sequence != 0)
	}
	is.Equal(len(discarded), 1)
	is.Equal(discarded[0].Stage, "encoder")
	is.Equal(coord.Stats().Discarded, uint64(1))
	assertAllFree(t, coord.Snapshot())
}

func TestTapCopiesEveryNthFrame(t *testing.T) {
	silenceLogs(t)
	is := is.New(t)

	backend := videobackend.NewMock(scriptedConfigs(), traceScript())
	taps := videosink.NewCountingSink()
	coord := pipeline.New(backend, threeStages(t, backend), videosink.NewCountingSink(), pipeline.Options{
		MaxTicks: 6,
		Taps:     []pipeline.Tap{{Stage: "sensor", Every: 2, Sink: taps}},
	})
	defer coord.Close()

	is.NoErr(coord.Run(context.Background()))
	records := taps.Records()
	is.Equal(len(records), 1)
	is.Equal(records[0].Stage, "sensor")
	is.Equal(records[0].Sequence, uint32(1))
	is.Equal(records[0].Bytes, 100)
}

func TestFailedStopIsReportedAsLeak(t *testing.T) {
	silenceLogs(t)
	is := is.New(t)

	configs := scriptedConfigs()
	encoder := configs[encoderPath]
	encoder.FailStop = true
	configs[encoderPath] = encoder
	backend := videobackend.NewMock(configs, nil)
	coord := pipeline.New(backend, threeStages(t, backend), videosink.NewCountingSink(), pipeline.Options{})
	defer coord.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := coord.Run(ctx)
	is.True(errors.Is(err, videoerr.ErrLeakedSlot))
	is.True(videoerr.IsCoreBug(err))
	is.Equal(len(coord.StopErrors()), 1)

	leaks := coord.Leaks()
	is.Equal(len(leaks), 4)
	for _, l := range leaks {
		is.Equal(l.Stage, "encoder")
		is.Equal(l.Role, device.Capture)
		is.Equal(l.State, bufferpool.Queued)
	}
}

func TestEverySubmittedSlotComesBackExactlyOnce(t *testing.T) {
	silenceLogs(t)
	is := is.New(t)

	backend := videobackend.NewMock(freeRunningConfigs(), nil)
	type key struct {
		stage string
		slot  int
	}
	outstanding := map[key]bool{}
	submitted, returned := 0, 0
	var problems []string

	coord := pipeline.New(backend, threeStages(t, backend), videosink.NewCountingSink(), pipeline.Options{
		MaxTicks: 20,
		Trace: func(e pipeline.Event) {
			switch e.Kind {
			case pipeline.Submitted:
				k := key{e.Stage, e.Slot}
				if outstanding[k] {
					problems = append(problems, fmt.Sprintf("%s submitted twice", e))
				}
				outstanding[k] = true
				submitted++
			case pipeline.Returned:
				k := key{e.To, e.Slot}
				if !outstanding[k] {
					problems = append(problems, fmt.Sprintf("%s returned without submission", e))
				}
				outstanding[k] = false
				returned++
			}
		},
	})
	defer coord.Close()

	is.NoErr(coord.Run(context.Background()))
	is.Equal(len(problems), 0)
	is.True(submitted > 0)
	is.Equal(submitted, returned)
	assertAllFree(t, coord.Snapshot())
}

func randomScript(rng *rand.Rand, ticks int) videobackend.MockScript {
	script := videobackend.MockScript{}
	for tick := 1; tick <= ticks; tick++ {
		if rng.Intn(10) < 6 {
			script[tick] = append(script[tick], videobackend.MockSignal{Device: sensorPath, Role: device.Capture})
		}
		if rng.Intn(10) < 5 {
			script[tick] = append(script[tick], videobackend.MockSignal{Device: ispPath, Role: device.Output})
		}
		if rng.Intn(10) < 3 {
			script[tick] = append(script[tick], videobackend.MockSignal{Device: ispPath, Role: device.Capture})
		}
		if rng.Intn(20) == 0 {
			script[tick] = append(script[tick], videobackend.MockSignal{Device: sensorPath, Role: device.Capture, Invalid: true})
		}
	}
	return script
}

// checkBoundaries verifies every slot is in exactly one place: each pool
// still accounts for all of its slots, and upstream capture slot i is in
// flight exactly when downstream output slot i is queued.
func checkBoundaries(snaps []stage.Snapshot, sizes [][2]int) []string {
	var problems []string
	for i, snap := range snaps {
		if len(snap.Capture) != sizes[i][0] || len(snap.Output) != sizes[i][1] {
			problems = append(problems, fmt.Sprintf("stage %s lost slots", snap.Name))
		}
	}
	for i := 0; i < len(snaps)-1; i++ {
		up, down := snaps[i], snaps[i+1]
		for slot, state := range up.Capture {
			inFlight := state == bufferpool.InFlightDownstream
			queued := slot < len(down.Output) && down.Output[slot] == bufferpool.Queued
			if inFlight != queued {
				problems = append(problems, fmt.Sprintf(
					"%s capture slot %d is %s but %s output slot %d is %s",
					up.Name, slot, state, down.Name, slot, down.Output[slot],
				))
			}
		}
		for slot, state := range down.Output {
			if state != bufferpool.Free && state != bufferpool.Queued {
				problems = append(problems, fmt.Sprintf("%s output slot %d is %s", down.Name, slot, state))
			}
		}
	}
	return problems
}

func TestSlotsAreConservedAndExclusiveUnderRandomReadiness(t *testing.T) {
	for seed := int64(1); seed <= 25; seed++ {
		seed := seed
		t.Run(fmt.Sprintf("seed %d", seed), func(t *testing.T) {
			silenceLogs(t)
			is := is.New(t)

			rng := rand.New(rand.NewSource(seed))
			configs := map[string]videobackend.MockDeviceConfig{
				sensorPath:  {Capture: true, FrameBytes: 100},
				ispPath:     {Capture: true, Output: true, FrameBytes: 60},
				encoderPath: {Capture: true, Output: true, AutoReady: true, FrameBytes: 40},
			}
			backend := videobackend.NewMock(configs, randomScript(rng, 100))

			sensorSlots := 2 + rng.Intn(4)
			ispCapture := 2 + rng.Intn(4)
			stages := []*stage.Stage{
				openStage(t, backend, sensorPath, stage.Config{Name: "sensor", Capture: mapped(sensorSlots)}),
				openStage(t, backend, ispPath, stage.Config{Name: "isp", Output: imported(sensorSlots + rng.Intn(2)), Capture: mapped(ispCapture)}),
				openStage(t, backend, encoderPath, stage.Config{Name: "encoder", Output: imported(ispCapture), Capture: mapped(2)}),
			}
			sizes := make([][2]int, len(stages))
			for i, st := range stages {
				sizes[i] = [2]int{st.CaptureSlots(), st.OutputSlots()}
			}

			var coord *pipeline.Coordinator
			var problems []string
			coord = pipeline.New(backend, stages, videosink.NewCountingSink(), pipeline.Options{
				MaxTicks: 100,
				Trace: func(e pipeline.Event) {
					if e.Kind == pipeline.TickEnd {
						problems = append(problems, checkBoundaries(coord.Snapshot(), sizes)...)
					}
				},
			})
			defer coord.Close()

			err := coord.Run(context.Background())
			if err != nil {
				is.True(errors.Is(err, videoerr.ErrFatalStall))
			}
			is.Equal(problems, []string(nil))
			is.Equal(backend.Violations(), []string(nil))
			assertAllFree(t, coord.Snapshot())
		})
	}
}

func TestRunRejectsInvalidTopologyBeforeStarting(t *testing.T) {
	silenceLogs(t)
	is := is.New(t)

	backend := videobackend.NewMock(nil, nil)
	stages := []*stage.Stage{
		openStage(t, backend, sensorPath, stage.Config{Name: "sensor", Capture: mapped(4)}),
		openStage(t, backend, ispPath, stage.Config{Name: "isp", Output: imported(2), Capture: mapped(2)}),
	}
	coord := pipeline.New(backend, stages, videosink.NewCountingSink(), pipeline.Options{})
	defer coord.Close()

	err := coord.Run(context.Background())
	is.True(errors.Is(err, pipeline.ErrInvalidTopology))
	is.Equal(coord.State(), pipeline.Stopped)
	is.Equal(backend.Device(sensorPath).Starts[device.Capture], 0)
	is.Equal(backend.Device(ispPath).Starts[device.Output], 0)
}

func TestRunRejectsProducingTerminalStageWithoutSink(t *testing.T) {
	silenceLogs(t)
	is := is.New(t)

	backend := videobackend.NewMock(nil, nil)
	stages := []*stage.Stage{
		openStage(t, backend, sensorPath, stage.Config{Name: "sensor", Capture: mapped(2)}),
		openStage(t, backend, ispPath, stage.Config{Name: "isp", Output: imported(2), Capture: mapped(2)}),
	}
	coord := pipeline.New(backend, stages, nil, pipeline.Options{})
	defer coord.Close()

	is.True(errors.Is(coord.Run(context.Background()), pipeline.ErrInvalidTopology))
}

func TestTerminalStageWithoutCaptureNeedsNoSink(t *testing.T) {
	silenceLogs(t)
	is := is.New(t)

	backend := videobackend.NewMock(nil, nil)
	stages := []*stage.Stage{
		openStage(t, backend, sensorPath, stage.Config{Name: "sensor", Capture: mapped(2)}),
		openStage(t, backend, ispPath, stage.Config{Name: "display", Output: imported(2)}),
	}
	coord := pipeline.New(backend, stages, nil, pipeline.Options{MaxTicks: 5})
	defer coord.Close()

	is.NoErr(coord.Run(context.Background()))
	is.True(coord.Stats().FramesCaptured > 0)
	assertAllFree(t, coord.Snapshot())
}

func TestErrorConditionsAloneStallStreaming(t *testing.T) {
	silenceLogs(t)
	is := is.New(t)

	script := videobackend.MockScript{}
	for tick := 1; tick <= 50; tick++ {
		script[tick] = []videobackend.MockSignal{{Device: sensorPath, Error: true}}
	}
	backend := videobackend.NewMock(scriptedConfigs(), script)
	coord := pipeline.New(backend, threeStages(t, backend), videosink.NewCountingSink(), pipeline.Options{})
	defer coord.Close()

	err := coord.Run(context.Background())
	is.True(errors.Is(err, videoerr.ErrFatalStall))
	is.Equal(coord.Stats().Ticks, 1)
	assertAllFree(t, coord.Snapshot())
	assertStoppedOnce(t, backend, sensorPath, device.Capture)
}

func TestDrainEndsWhenOnlyErrorConditionsAreRaised(t *testing.T) {
	tests := []struct {
		title   string
		configs func() map[string]videobackend.MockDeviceConfig
		script  videobackend.MockScript
	}{
		{
			title: "stopped source keeps raising errors",
			configs: func() map[string]videobackend.MockDeviceConfig {
				configs := scriptedConfigs()
				sensor := configs[sensorPath]
				sensor.ErrorWhenStopped = true
				configs[sensorPath] = sensor
				return configs
			},
			script: videobackend.MockScript{1: {{Device: sensorPath, Role: device.Capture}}},
		},
		{
			title:   "streaming consumer keeps raising errors",
			configs: scriptedConfigs,
			script: func() videobackend.MockScript {
				script := videobackend.MockScript{1: {{Device: sensorPath, Role: device.Capture}}}
				for tick := 2; tick <= 10000; tick++ {
					script[tick] = []videobackend.MockSignal{{Device: ispPath, Error: true}}
				}
				return script
			}(),
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.title, func(t *testing.T) {
			silenceLogs(t)
			is := is.New(t)

			backend := videobackend.NewMock(tt.configs(), tt.script)
			coord := pipeline.New(backend, threeStages(t, backend), videosink.NewCountingSink(), pipeline.Options{
				MaxTicks:     1,
				DrainTimeout: time.Millisecond,
			})
			defer coord.Close()

			// the isp never consumes, so the sensor's frame stays in flight
			is.NoErr(coord.Run(context.Background()))
			is.Equal(coord.Stats().DrainTicks, 1)
			is.Equal(backend.Tick(), 2)
			assertAllFree(t, coord.Snapshot())
			assertStoppedOnce(t, backend, sensorPath, device.Capture)
			assertStoppedOnce(t, backend, ispPath, device.Output, device.Capture)
		})
	}
}

func TestDrainWaitsForFramesStillInsideDevices(t *testing.T) {
	silenceLogs(t)
	is := is.New(t)

	configs := freeRunningConfigs()
	for _, path := range []string{ispPath, encoderPath} {
		cfg := configs[path]
		cfg.CaptureDelay = 1
		configs[path] = cfg
	}
	backend := videobackend.NewMock(configs, nil)
	sink := videosink.NewCountingSink()
	submittedTo := map[string]int{}
	coord := pipeline.New(backend, threeStages(t, backend), sink, pipeline.Options{
		MaxTicks: 6,
		Trace: func(e pipeline.Event) {
			if e.Kind == pipeline.Submitted {
				submittedTo[e.To]++
			}
		},
	})
	defer coord.Close()

	is.NoErr(coord.Run(context.Background()))

	is.True(submittedTo["isp"] > 0)
	is.Equal(submittedTo["encoder"], submittedTo["isp"])
	is.Equal(int(sink.Stats().Frames), submittedTo["encoder"])
	is.Equal(int(coord.Stats().FramesSunk), submittedTo["encoder"])
	is.True(coord.Stats().DrainTicks > 1)
	assertAllFree(t, coord.Snapshot())
	is.Equal(len(coord.Leaks()), 0)
}

func TestInvalidMarkerFollowsTheFrameToTheSink(t *testing.T) {
	silenceLogs(t)
	is := is.New(t)

	script := videobackend.MockScript{1: {{Device: sensorPath, Role: device.Capture, Invalid: true}}}
	backend := videobackend.NewMock(freeRunningConfigs(), script)
	sink := videosink.NewCountingSink()
	coord := pipeline.New(backend, threeStages(t, backend), sink, pipeline.Options{MaxTicks: 6})
	defer coord.Close()

	is.NoErr(coord.Run(context.Background()))

	records := sink.Records()
	is.True(len(records) > 1)
	marked := 0
	for _, r := range records {
		if r.Invalid {
			marked++
		}
	}
	is.Equal(marked, 1)
	is.True(records[0].Invalid)
	// counted once where it was flagged, not again at every later stage
	is.Equal(coord.Stats().InvalidFrames, uint64(1))
	assertAllFree(t, coord.Snapshot())
}

func TestValidateTopologyNeedsHandlesToCrossEveryBoundary(t *testing.T) {
	silenceLogs(t)

	tests := []struct {
		title string
		isp   stage.Config
	}{
		{
			title: "mapped consumer ignores the handles it is given",
			isp:   stage.Config{Name: "isp", Output: mapped(2), Capture: mapped(2)},
		},
		{
			title: "imported producer has nothing to hand on",
			isp:   stage.Config{Name: "isp", Output: imported(2), Capture: imported(2)},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.title, func(t *testing.T) {
			is := is.New(t)

			backend := videobackend.NewMock(nil, nil)
			stages := []*stage.Stage{
				openStage(t, backend, sensorPath, stage.Config{Name: "sensor", Capture: mapped(2)}),
				openStage(t, backend, ispPath, tt.isp),
				openStage(t, backend, encoderPath, stage.Config{Name: "encoder", Output: imported(2), Capture: mapped(2)}),
			}
			is.True(errors.Is(pipeline.ValidateTopology(stages), pipeline.ErrInvalidTopology))
		})
	}

	is := is.New(t)
	backend := videobackend.NewMock(nil, nil)
	is.NoErr(pipeline.ValidateTopology(threeStages(t, backend)))
}

func TestCloseStopsFaultedStageBeforeReleasingIt(t *testing.T) {
	silenceLogs(t)
	is := is.New(t)

	script := traceScript()
	script[2] = append(script[2], videobackend.MockSignal{Device: ispPath, Role: device.Output, Fault: true})
	backend := videobackend.NewMock(scriptedConfigs(), script)
	coord := pipeline.New(backend, threeStages(t, backend), videosink.NewCountingSink(), pipeline.Options{MaxTicks: 6})

	is.True(errors.Is(coord.Run(context.Background()), videoerr.ErrDeviceFault))
	isp := backend.Device(ispPath)
	is.True(isp.Streaming(device.Output))
	is.Equal(isp.Stops[device.Output], 0)

	is.NoErr(coord.Close())
	is.True(!isp.Streaming(device.Output))
	is.True(!isp.Streaming(device.Capture))
	is.True(isp.Closed())
	assertStoppedOnce(t, backend, ispPath, device.Output, device.Capture)
	assertStoppedOnce(t, backend, sensorPath, device.Capture)
	assertStoppedOnce(t, backend, encoderPath, device.Output, device.Capture)
}
