package streamer

import (
	"errors"
	"sync"
	"time"

	"github.com/tauraamui/streamerd/pkg/configdef"
	"github.com/tauraamui/streamerd/pkg/database/models"
	"github.com/tauraamui/streamerd/pkg/database/repos"
	"github.com/tauraamui/streamerd/pkg/log"
	"github.com/tauraamui/streamerd/pkg/pipeline"
	"github.com/tauraamui/streamerd/pkg/streamer/process"
	"github.com/tauraamui/streamerd/pkg/video/device"
	"github.com/tauraamui/streamerd/pkg/video/stage"
	"github.com/tauraamui/streamerd/pkg/video/videobackend"
	"github.com/tauraamui/streamerd/pkg/video/videoerr"
	"github.com/tauraamui/streamerd/pkg/video/videosink"
	"github.com/tauraamui/xerror"
)

var statusInterval = 10 * time.Second

type Server struct {
	values   configdef.Values
	pipeline configdef.Pipeline
	backend  device.Backend
	log      log.Scoped

	mu           sync.Mutex
	runs         *repos.RunRepository
	run          *models.Run
	coordinator  *pipeline.Coordinator
	proc         process.Process
	exited       chan interface{}
	exitErr      error
	stopping     bool
	shutdownOnce sync.Once
	shutdownDone chan interface{}
}

// NewServer resolves the configuration and picks the active pipeline. A nil
// backend means the one named by the configuration.
func NewServer(resolver configdef.Resolver, backend device.Backend) (*Server, error) {
	values, err := resolver.Resolve()
	if err != nil {
		return nil, err
	}

	active, err := values.Active()
	if err != nil {
		return nil, err
	}

	if backend == nil {
		backend = videobackend.Resolve(values.Backend)
	}

	return &Server{
		values:       values,
		pipeline:     active,
		backend:      backend,
		log:          log.Scope(active.Title),
		exited:       make(chan interface{}),
		shutdownDone: make(chan interface{}),
	}, nil
}

// RecordRunsTo makes every run leave a summary in the ledger.
func (s *Server) RecordRunsTo(runs *repos.RunRepository) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = runs
}

func (s *Server) Title() string { return s.pipeline.Title }

// Connect opens every stage of the active pipeline through the backend and
// wires them to their sinks. Nothing streams until RunProcesses.
func (s *Server) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.coordinator != nil {
		return xerror.Errorf("pipeline %s is already connected", s.pipeline.Title)
	}

	opts, err := pipelineOptions(s.pipeline)
	if err != nil {
		return err
	}

	s.log.Info("Opening %d stages through the %s backend...", len(s.pipeline.Stages), s.backend.Name())
	stages, err := openStages(s.backend, s.pipeline.Stages)
	if err != nil {
		return err
	}

	closeStages := func() {
		for _, st := range stages {
			st.Close() //nolint
		}
	}

	sink, err := s.buildSink()
	if err != nil {
		closeStages()
		return err
	}

	if snap := s.pipeline.RawSnapshot; snap != nil {
		tapSink, err := videosink.NewSnapshotSink(snap.Path)
		if err != nil {
			closeStages()
			if sink != nil {
				sink.Close() //nolint
			}
			return err
		}
		s.log.Info("Writing every %d frame of stage %s to %s", snap.Every, snap.Stage, snap.Path)
		opts.Taps = append(opts.Taps, pipeline.Tap{Stage: snap.Stage, Every: snap.Every, Sink: tapSink})
	}

	s.coordinator = pipeline.New(s.backend, stages, sink, opts)
	return nil
}

func (s *Server) buildSink() (videosink.Sink, error) {
	last := s.pipeline.Stages[len(s.pipeline.Stages)-1]
	if last.Capture == nil {
		return nil, nil
	}

	if len(s.pipeline.SinkPath) == 0 {
		s.log.Warn("No sink path set, frames from %s will only be counted", last.Name)
		return videosink.NewCountingSink(), nil
	}

	sink, err := videosink.NewFileSink(s.pipeline.SinkPath)
	if err != nil {
		return nil, err
	}
	s.log.Info("Writing frames from %s to %s", last.Name, sink.Path())
	return sink, nil
}

// RunProcesses starts streaming on its own goroutine.
func (s *Server) RunProcesses() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.coordinator == nil {
		return xerror.Errorf("pipeline %s is not connected", s.pipeline.Title)
	}
	if s.proc != nil {
		return xerror.Errorf("pipeline %s is already running", s.pipeline.Title)
	}
	if s.stopping {
		return xerror.Errorf("pipeline %s is shutting down", s.pipeline.Title)
	}

	s.startRunRecord()
	s.proc = process.New(process.Settings{
		WaitForShutdownMsg: "Stopping pipeline [" + s.pipeline.Title + "]...",
		Runner:             s.coordinator,
	}).Setup()
	s.proc.Start()
	go func(proc process.Process) { s.onExit(proc.Wait()) }(s.proc)

	if s.values.Debug {
		go s.logStatus(statusInterval)
	}
	return nil
}

// logStatus reports progress and slot usage from outside the streaming
// loop until the pipeline exits.
func (s *Server) logStatus(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-s.exited:
			return
		case <-ticker.C:
			stats := s.Stats()
			s.log.Debug(
				"%d ticks, %d frames captured, %d sunk (%d bytes), %d invalid",
				stats.Ticks, stats.FramesCaptured, stats.FramesSunk, stats.BytesSunk, stats.InvalidFrames,
			)
			for _, snap := range s.Snapshot() {
				s.log.Debug("Stage [%s] capture %v output %v", snap.Name, snap.Capture, snap.Output)
			}
		}
	}
}

func (s *Server) startRunRecord() {
	if s.runs == nil {
		return
	}

	run := models.Run{
		Pipeline:  s.pipeline.Title,
		Backend:   s.backend.Name(),
		StartedAt: time.Now(),
	}
	if err := s.runs.Create(&run); err != nil {
		s.log.Error("Unable to record run start: %v", err)
		return
	}
	s.run = &run
}

func (s *Server) onExit(err error) {
	s.mu.Lock()
	s.exitErr = err
	s.mu.Unlock()

	switch {
	case err == nil:
		s.log.Info("Pipeline stopped")
	case errors.Is(err, videoerr.ErrLeakedSlot):
		for _, leak := range s.coordinator.Leaks() {
			s.log.Error("Leaked: %s", leak)
		}
	default:
		s.log.Error("Pipeline stopped: %v", err)
	}
	for _, stopErr := range s.coordinator.StopErrors() {
		s.log.Warn("Unable to stop cleanly: %v", stopErr)
	}

	s.finishRunRecord(err)
	close(s.exited)
}

// Outcome names how a run ended for the ledger.
func Outcome(err error) string {
	switch {
	case err == nil:
		return models.OutcomeStopped
	case errors.Is(err, videoerr.ErrFatalStall):
		return models.OutcomeStalled
	case errors.Is(err, videoerr.ErrLeakedSlot):
		return models.OutcomeLeaked
	case errors.Is(err, videoerr.ErrDeviceFault), errors.Is(err, videoerr.ErrSinkFault):
		return models.OutcomeFaulted
	}
	return models.OutcomeFailed
}

func (s *Server) finishRunRecord(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.runs == nil || s.run == nil {
		return
	}

	stats := s.coordinator.Stats()
	stopped := time.Now()
	s.run.StoppedAt = &stopped
	s.run.Outcome = Outcome(err)
	if err != nil {
		s.run.Error = err.Error()
	}
	s.run.Ticks = stats.Ticks
	s.run.FramesCaptured = stats.FramesCaptured
	s.run.FramesSunk = stats.FramesSunk
	s.run.BytesSunk = stats.BytesSunk
	s.run.InvalidFrames = stats.InvalidFrames
	s.run.Discarded = stats.Discarded
	s.run.Leaks = len(s.coordinator.Leaks())

	if err := s.runs.Finish(s.run); err != nil {
		s.log.Error("%v", err)
	}
}

// Exited is closed once the pipeline stopped, on its own or through Shutdown.
func (s *Server) Exited() <-chan interface{} {
	return s.exited
}

// Wait blocks until the pipeline stopped and returns why it did.
func (s *Server) Wait() error {
	<-s.exited
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitErr
}

func (s *Server) Run() *models.Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run
}

func (s *Server) Stats() pipeline.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.coordinator == nil {
		return pipeline.Stats{}
	}
	return s.coordinator.Stats()
}

func (s *Server) Snapshot() []stage.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.coordinator == nil {
		return nil
	}
	return s.coordinator.Snapshot()
}

func (s *Server) shutdown() {
	s.mu.Lock()
	s.stopping = true
	proc, coordinator := s.proc, s.coordinator
	s.mu.Unlock()

	if proc != nil {
		proc.Stop()
		<-s.exited
	} else {
		close(s.exited)
	}
	if coordinator != nil {
		s.log.Info("Releasing stage buffers and closing devices...")
		if err := coordinator.Close(); err != nil {
			s.log.Error("Unable to close pipeline: %v", err)
		}
	}
	close(s.shutdownDone)
}

// Shutdown stops streaming, waits for the drain, then releases every stage.
// The returned channel is closed once all of that is done.
func (s *Server) Shutdown() chan interface{} {
	s.shutdownOnce.Do(func() { go s.shutdown() })
	return s.shutdownDone
}
