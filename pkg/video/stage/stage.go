// Package stage wraps one hardware processing step: the output queue it
// consumes frames from and the capture queue it produces frames into, each
// backed by its own buffer pool. Every queue operation is non-blocking.
package stage

import (
	"sync"
	"time"

	"github.com/tauraamui/streamerd/pkg/log"
	"github.com/tauraamui/streamerd/pkg/video/bufferpool"
	"github.com/tauraamui/streamerd/pkg/video/device"
	"github.com/tauraamui/streamerd/pkg/video/videoerr"
	"github.com/tauraamui/streamerd/pkg/video/videoframe"
	"github.com/tauraamui/xerror"
)

type QueueConfig struct {
	Format  device.Format
	Buffers int
	Memory  device.MemoryKind
	Crop    *device.Rect
	Compose *device.Rect
}

type Config struct {
	Name    string
	Output  *QueueConfig
	Capture *QueueConfig
}

type Stage struct {
	mu   sync.Mutex
	name string
	dev  device.Device

	output        *bufferpool.Pool
	capture       *bufferpool.Pool
	outputFormat  device.Format
	captureFormat device.Format

	outputStreaming  bool
	captureStreaming bool
	readiness        device.Readiness
	closed           bool

	// awaiting counts output frames the device consumed whose capture
	// result has not been dequeued yet.
	awaiting int
	// flaggedInputs holds the timestamps of invalid frames submitted for
	// output, which M2M devices copy onto the frame they produce.
	flaggedInputs map[time.Duration]struct{}
}

// New negotiates the configured queues on dev and allocates their pools.
// Output is set up before capture since a converter's capture format may
// depend on what it was told to consume.
func New(dev device.Device, cfg Config) (*Stage, error) {
	if cfg.Output == nil && cfg.Capture == nil {
		return nil, xerror.Errorf("stage %s needs at least one queue", cfg.Name)
	}

	caps := dev.Capabilities()
	if cfg.Output != nil && !caps.Output {
		return nil, xerror.Errorf("%w: stage %s: %s cannot consume frames", videoerr.ErrUnsupported, cfg.Name, dev.Path())
	}
	if cfg.Capture != nil && !caps.Capture {
		return nil, xerror.Errorf("%w: stage %s: %s cannot produce frames", videoerr.ErrUnsupported, cfg.Name, dev.Path())
	}

	s := Stage{name: cfg.Name, dev: dev}

	if cfg.Output != nil {
		format, err := negotiate(dev, device.Output, *cfg.Output)
		if err != nil {
			return nil, xerror.Errorf("stage %s: %w", cfg.Name, err)
		}
		s.outputFormat = format
	}
	if cfg.Capture != nil {
		format, err := negotiate(dev, device.Capture, *cfg.Capture)
		if err != nil {
			return nil, xerror.Errorf("stage %s: %w", cfg.Name, err)
		}
		s.captureFormat = format
	}

	if cfg.Output != nil {
		pool, err := bufferpool.Allocate(dev, device.Output, cfg.Output.Buffers, cfg.Output.Memory)
		if err != nil {
			return nil, xerror.Errorf("stage %s: %w", cfg.Name, err)
		}
		s.output = pool
	}
	if cfg.Capture != nil {
		pool, err := bufferpool.Allocate(dev, device.Capture, cfg.Capture.Buffers, cfg.Capture.Memory)
		if err != nil {
			s.releasePools()
			return nil, xerror.Errorf("stage %s: %w", cfg.Name, err)
		}
		s.capture = pool
	}

	log.Debug("Stage [%s] ready on %s (output: %s, capture: %s)", s.name, dev.Path(), s.outputFormat, s.captureFormat)
	return &s, nil
}

func negotiate(dev device.Device, role device.QueueRole, cfg QueueConfig) (device.Format, error) {
	accepted, err := dev.NegotiateFormat(role, cfg.Format)
	if err != nil {
		return device.Format{}, err
	}
	if !cfg.Format.Matches(accepted) {
		return device.Format{}, xerror.Errorf("%w: %s asked for %s, device set %s", videoerr.ErrUnsupported, role, cfg.Format, accepted)
	}

	for _, region := range []struct {
		target device.SelectionTarget
		rect   *device.Rect
	}{{device.Crop, cfg.Crop}, {device.Compose, cfg.Compose}} {
		if region.rect == nil {
			continue
		}
		got, err := dev.SetRegion(role, region.target, *region.rect)
		if err != nil {
			return device.Format{}, err
		}
		if got != *region.rect {
			log.Warn("%s %s %s region adjusted by device to %+v", dev.Path(), role, region.target, got)
		}
	}
	return accepted, nil
}

func (s *Stage) Name() string { return s.name }

func (s *Stage) Device() device.Device { return s.dev }

func (s *Stage) HasCapture() bool { return s.capture != nil }

func (s *Stage) HasOutput() bool { return s.output != nil }

func (s *Stage) CaptureFormat() device.Format { return s.captureFormat }

func (s *Stage) OutputFormat() device.Format { return s.outputFormat }

// CaptureMemory returns the memory kind of the capture pool.
func (s *Stage) CaptureMemory() (device.MemoryKind, bool) {
	if s.capture == nil {
		return 0, false
	}
	return s.capture.Kind(), true
}

// OutputMemory returns the memory kind of the output pool.
func (s *Stage) OutputMemory() (device.MemoryKind, bool) {
	if s.output == nil {
		return 0, false
	}
	return s.output.Kind(), true
}

// CaptureSlots returns the capture pool size, zero without a capture queue.
func (s *Stage) CaptureSlots() int {
	if s.capture == nil {
		return 0
	}
	return s.capture.Len()
}

// OutputSlots returns the output pool size, zero without an output queue.
func (s *Stage) OutputSlots() int {
	if s.output == nil {
		return 0
	}
	return s.output.Len()
}

func (s *Stage) SetReadiness(r device.Readiness) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readiness = r
}

func (s *Stage) Readiness() device.Readiness {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readiness
}

func (s *Stage) noQueue(role device.QueueRole) error {
	return videoerr.Rejected("stage %s has no %s queue", s.name, role)
}

// Prime hands every free capture slot to the device.
func (s *Stage) Prime() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.capture == nil {
		return nil
	}
	for i := 0; i < s.capture.Len(); i++ {
		if state, _ := s.capture.State(i); state != bufferpool.Free {
			continue
		}
		if err := s.requeueCapture(i); err != nil {
			return err
		}
	}
	return nil
}

// Start turns streaming on for the output queue, then the capture queue.
func (s *Stage) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.output != nil && !s.outputStreaming {
		if err := s.dev.Start(device.Output); err != nil {
			return xerror.Errorf("stage %s: %w", s.name, err)
		}
		s.outputStreaming = true
	}
	if s.capture != nil && !s.captureStreaming {
		if err := s.dev.Start(device.Capture); err != nil {
			return xerror.Errorf("stage %s: %w", s.name, err)
		}
		s.captureStreaming = true
	}
	return nil
}

// Stop turns streaming off on every streaming queue, attempting each even
// if an earlier one failed. Stopping a queue hands all of its buffers back,
// so the slots it held are reclaimed. Queues already stopped are skipped.
func (s *Stage) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var first error
	if s.output != nil && s.outputStreaming {
		s.outputStreaming = false
		if err := s.dev.Stop(device.Output); err != nil {
			first = xerror.Errorf("stage %s: %w", s.name, err)
		} else {
			s.output.Reclaim()
		}
	}
	if s.capture != nil && s.captureStreaming {
		s.captureStreaming = false
		s.awaiting = 0
		s.flaggedInputs = nil
		if err := s.dev.Stop(device.Capture); err != nil {
			if first == nil {
				first = xerror.Errorf("stage %s: %w", s.name, err)
			}
		} else {
			s.capture.Reclaim()
		}
	}
	return first
}

func (s *Stage) CaptureStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.captureStreaming
}

func (s *Stage) OutputStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outputStreaming
}

// TryDequeueCapture takes the next filled frame from the device. It returns
// videoerr.ErrRetry when nothing is ready. A frame the hardware flagged as
// corrupt is still returned, marked Invalid, and so is a frame produced from
// an input that was submitted marked Invalid.
func (s *Stage) TryDequeueCapture() (videoframe.Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.capture == nil {
		return videoframe.Descriptor{}, s.noQueue(device.Capture)
	}

	buf, err := s.dev.Dequeue(device.Capture)
	if err != nil {
		return videoframe.Descriptor{}, err
	}

	desc := videoframe.Descriptor{
		Stage:     s.name,
		Slot:      buf.Index,
		Planes:    buf.Planes,
		Timestamp: buf.Timestamp,
		Sequence:  buf.Sequence,
		Field:     buf.Field,
		Invalid:   buf.Flagged,
	}
	if s.awaiting > 0 {
		s.awaiting--
	}
	if _, flagged := s.flaggedInputs[buf.Timestamp]; flagged {
		delete(s.flaggedInputs, buf.Timestamp)
		desc.FlaggedUpstream = !desc.Invalid
		desc.Invalid = true
	}
	if err := s.capture.MarkReady(buf.Index, desc); err != nil {
		return videoframe.Descriptor{}, xerror.Errorf("stage %s: %w", s.name, err)
	}
	return desc, nil
}

// SubmitOutput queues desc for the device to consume, into the output slot
// with the same index. The descriptor must match the negotiated output
// layout, and imported pools need one handle per plane.
func (s *Stage) SubmitOutput(desc videoframe.Descriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.output == nil {
		return s.noQueue(device.Output)
	}
	if desc.Slot < 0 || desc.Slot >= s.output.Len() {
		return videoerr.Rejected("stage %s: slot %d outside output pool of %d", s.name, desc.Slot, s.output.Len())
	}
	if len(desc.Planes) != len(s.outputFormat.Planes) {
		return videoerr.Rejected("stage %s: frame has %d planes, output format has %d", s.name, len(desc.Planes), len(s.outputFormat.Planes))
	}
	for i, p := range desc.Planes {
		if need := s.outputFormat.Planes[i].SizeImage; p.Length < need {
			return videoerr.Rejected("stage %s: plane %d holds %d bytes, output format needs %d", s.name, i, p.Length, need)
		}
		if p.BytesUsed > p.Length {
			return videoerr.Rejected("stage %s: plane %d uses %d of %d bytes", s.name, i, p.BytesUsed, p.Length)
		}
	}
	if s.output.Kind() == device.Imported && len(desc.Handles) != len(desc.Planes) {
		return videoerr.Rejected("stage %s: imported output needs %d handles, got %d", s.name, len(desc.Planes), len(desc.Handles))
	}

	if state, _ := s.output.State(desc.Slot); state != bufferpool.Free {
		return xerror.Errorf("%w: stage %s output slot %d is %s", videoerr.ErrQueueFull, s.name, desc.Slot, state)
	}

	err := s.dev.Enqueue(device.Output, device.Buffer{
		Index:     desc.Slot,
		Planes:    desc.Planes,
		Handles:   desc.Handles,
		Timestamp: desc.Timestamp,
		Sequence:  desc.Sequence,
		Field:     desc.Field,
		Flagged:   desc.Invalid,
	})
	if err != nil {
		return xerror.Errorf("stage %s: %w", s.name, err)
	}
	if desc.Invalid && s.capture != nil {
		if s.flaggedInputs == nil {
			s.flaggedInputs = map[time.Duration]struct{}{}
		}
		s.flaggedInputs[desc.Timestamp] = struct{}{}
	}
	return s.output.MarkQueued(desc.Slot)
}

// TryDequeueOutput returns the index of a slot the device finished
// consuming, or videoerr.ErrRetry.
func (s *Stage) TryDequeueOutput() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.output == nil {
		return -1, s.noQueue(device.Output)
	}

	buf, err := s.dev.Dequeue(device.Output)
	if err != nil {
		return -1, err
	}
	if err := s.output.MarkReturned(buf.Index); err != nil {
		return -1, xerror.Errorf("stage %s: %w", s.name, err)
	}
	if s.capture != nil && s.captureStreaming {
		s.awaiting++
	}
	return buf.Index, nil
}

// RequeueCapture hands a free capture slot back to the device.
func (s *Stage) RequeueCapture(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.capture == nil {
		return s.noQueue(device.Capture)
	}
	return s.requeueCapture(index)
}

func (s *Stage) requeueCapture(index int) error {
	state, err := s.capture.State(index)
	if err != nil {
		return err
	}
	if state != bufferpool.Free {
		return xerror.Errorf("stage %s capture: %w", s.name, videoerr.InvalidTransition(index, state, bufferpool.Queued))
	}
	if err := s.dev.Enqueue(device.Capture, device.Buffer{Index: index}); err != nil {
		return xerror.Errorf("stage %s: %w", s.name, err)
	}
	return s.capture.MarkQueued(index)
}

// MarkForwarded records that a ready capture slot now belongs downstream.
func (s *Stage) MarkForwarded(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.capture == nil {
		return s.noQueue(device.Capture)
	}
	return s.capture.MarkInFlight(index)
}

// ReturnCapture frees a capture slot coming back from downstream, or a
// ready one that was never forwarded.
func (s *Stage) ReturnCapture(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.capture == nil {
		return s.noQueue(device.Capture)
	}
	return s.capture.MarkReturned(index)
}

// ReleaseInFlight frees every capture slot still owned downstream and
// returns their indexes. Only valid once the downstream output queue has
// been stopped.
func (s *Stage) ReleaseInFlight() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.capture == nil {
		return nil
	}
	var released []int
	for i, state := range s.capture.Snapshot() {
		if state != bufferpool.InFlightDownstream {
			continue
		}
		if err := s.capture.ReleaseInFlight(i); err != nil {
			log.Error("Stage [%s] unable to release slot %d: %v", s.name, i, err)
			continue
		}
		released = append(released, i)
	}
	return released
}

// AwaitingCapture returns how many consumed output frames the device has
// yet to produce a capture frame for.
func (s *Stage) AwaitingCapture() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.awaiting
}

func (s *Stage) ExportHandles(index int) ([]videoframe.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.capture == nil {
		return nil, s.noQueue(device.Capture)
	}
	return s.capture.ExportHandles(index)
}

// CaptureData returns the used bytes of each plane of a dequeued frame.
// Only mapped capture pools have data visible to the process.
func (s *Stage) CaptureData(desc videoframe.Descriptor) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.capture == nil {
		return nil
	}
	mapped := s.capture.Data(desc.Slot)
	if mapped == nil {
		return nil
	}
	planes := make([][]byte, len(mapped))
	for i, data := range mapped {
		used := len(data)
		if i < len(desc.Planes) && int(desc.Planes[i].BytesUsed) < used {
			used = int(desc.Planes[i].BytesUsed)
		}
		planes[i] = data[:used]
	}
	return planes
}

type Snapshot struct {
	Name    string
	Capture []bufferpool.State
	Output  []bufferpool.State
}

// Leaked returns how many slots are not Free.
func (s Snapshot) Leaked() int {
	n := 0
	for _, states := range [][]bufferpool.State{s.Capture, s.Output} {
		for _, st := range states {
			if st != bufferpool.Free {
				n++
			}
		}
	}
	return n
}

// Snapshot returns the state of every slot in both pools. Safe to call
// from any goroutine.
func (s *Stage) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{Name: s.name}
	if s.capture != nil {
		snap.Capture = s.capture.Snapshot()
	}
	if s.output != nil {
		snap.Output = s.output.Snapshot()
	}
	return snap
}

// Counts returns the per state slot counts of the capture and output pools.
func (s *Stage) Counts() (capture, output bufferpool.Counts) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.capture != nil {
		capture = s.capture.Counts()
	}
	if s.output != nil {
		output = s.output.Counts()
	}
	return
}

func (s *Stage) releasePools() error {
	var first error
	for _, pool := range []*bufferpool.Pool{s.output, s.capture} {
		if pool == nil {
			continue
		}
		if err := pool.Release(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Close releases both pools and closes the device. The stage must have
// been stopped first.
func (s *Stage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	err := s.releasePools()
	if cerr := s.dev.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return xerror.Errorf("stage %s: %w", s.name, err)
	}
	return nil
}
