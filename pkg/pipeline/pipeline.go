// Package pipeline runs the readiness driven event loop moving frames
// between an ordered list of stages, from the source through to the sink,
// and owns what happens when the loop has to stop.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tauraamui/streamerd/pkg/log"
	"github.com/tauraamui/streamerd/pkg/video/bufferpool"
	"github.com/tauraamui/streamerd/pkg/video/device"
	"github.com/tauraamui/streamerd/pkg/video/stage"
	"github.com/tauraamui/streamerd/pkg/video/videoerr"
	"github.com/tauraamui/streamerd/pkg/video/videoframe"
	"github.com/tauraamui/streamerd/pkg/video/videosink"
	"github.com/tauraamui/xerror"
)

type State int

const (
	Idle State = iota
	Negotiating
	Streaming
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Negotiating:
		return "negotiating"
	case Streaming:
		return "streaming"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type Stats struct {
	Ticks          int
	DrainTicks     int
	FramesCaptured uint64
	FramesSunk     uint64
	BytesSunk      uint64
	InvalidFrames  uint64
	Discarded      uint64
}

// Leak is a slot which was not Free once the pipeline stopped.
type Leak struct {
	Stage string
	Role  device.QueueRole
	Slot  int
	State bufferpool.State
}

func (l Leak) String() string {
	return fmt.Sprintf("%s %s slot %d left %s", l.Stage, l.Role, l.Slot, l.State)
}

// stageFault ties a device failure to the stage whose device raised it.
type stageFault struct {
	index int
	err   error
}

func (f *stageFault) Error() string { return f.err.Error() }

func (f *stageFault) Unwrap() error { return f.err }

func faultAt(index int, err error) error {
	return &stageFault{index: index, err: err}
}

type Coordinator struct {
	backend device.Backend
	stages  []*stage.Stage
	sink    videosink.Sink
	opts    Options

	poller device.Poller
	// polled maps each readiness entry of poller to the stage it is for.
	polled      []int
	stopIssued  []bool
	tapCounters []int
	tick        int

	mu       sync.Mutex
	state    State
	stats    Stats
	leaks    []Leak
	stopErrs []error
}

// New wires stages into a pipeline. Frames captured by the last stage go
// to sink, which may be nil when that stage produces nothing.
func New(backend device.Backend, stages []*stage.Stage, sink videosink.Sink, opts Options) *Coordinator {
	return &Coordinator{
		backend:     backend,
		stages:      stages,
		sink:        sink,
		opts:        opts.withDefaults(),
		stopIssued:  make([]bool, len(stages)),
		tapCounters: make([]int, len(opts.Taps)),
	}
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	log.Debug("Pipeline state %s -> %s", c.state, s)
	c.state = s
}

func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Coordinator) updateStats(update func(*Stats)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	update(&c.stats)
}

// Leaks returns the slots left behind by the last run.
func (c *Coordinator) Leaks() []Leak {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Leak(nil), c.leaks...)
}

// StopErrors returns the failures recorded while stopping stages. They are
// never surfaced from Run.
func (c *Coordinator) StopErrors() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]error(nil), c.stopErrs...)
}

// Snapshot returns the slot states of every stage. Safe to call from any
// goroutine, including while Run is streaming.
func (c *Coordinator) Snapshot() []stage.Snapshot {
	snaps := make([]stage.Snapshot, len(c.stages))
	for i, st := range c.stages {
		snaps[i] = st.Snapshot()
	}
	return snaps
}

// Run negotiates the pipeline, streams until ctx is cancelled, MaxTicks is
// reached or something fails, then shuts every stage down. It may only be
// called once.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Idle {
		c.mu.Unlock()
		return xerror.Errorf("pipeline already %s", c.state)
	}
	c.mu.Unlock()

	c.setState(Negotiating)
	if err := c.negotiate(); err != nil {
		c.setState(Stopped)
		return err
	}

	c.setState(Streaming)
	log.Info("Pipeline streaming through %d stages", len(c.stages))
	return c.stream(ctx)
}

func (c *Coordinator) negotiate() error {
	if err := ValidateTopology(c.stages); err != nil {
		return err
	}
	if c.sink == nil && c.last().HasCapture() {
		return invalidTopology("terminal stage %s produces frames but there is no sink", c.last().Name())
	}

	devices := make([]device.Device, len(c.stages))
	polled := make([]int, len(c.stages))
	for i, st := range c.stages {
		devices[i] = st.Device()
		polled[i] = i
	}
	poller, err := c.backend.NewPoller(devices...)
	if err != nil {
		return err
	}
	c.poller, c.polled = poller, polled

	for i, st := range c.stages {
		if err := st.Prime(); err != nil {
			c.abortStart(i)
			return err
		}
		if err := st.Start(); err != nil {
			c.abortStart(i)
			return err
		}
		c.logFrameInterval(st)
	}
	return nil
}

// abortStart stops the stages already started, up to and including the
// one which failed.
func (c *Coordinator) abortStart(failed int) {
	for i := 0; i <= failed; i++ {
		c.stopStage(i)
	}
	c.releaseInFlight()
	c.recordLeaks()
}

func (c *Coordinator) logFrameInterval(st *stage.Stage) {
	role := device.Capture
	if !st.HasCapture() {
		role = device.Output
	}
	interval, err := st.Device().FrameInterval(role)
	if err != nil || interval <= 0 {
		log.Debug("Stage [%s] frame interval unknown", st.Name())
		return
	}
	log.Info("Stage [%s] frame interval %s (%.2f fps)", st.Name(), interval, 1/interval.Seconds())
}

func (c *Coordinator) last() *stage.Stage {
	return c.stages[len(c.stages)-1]
}

func (c *Coordinator) trace(e Event) {
	if c.opts.Trace == nil {
		return
	}
	e.Tick = c.tick
	c.opts.Trace(e)
}

func (c *Coordinator) stream(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			log.Info("Pipeline stop requested")
			return c.drain()
		}
		if c.opts.MaxTicks > 0 && c.tick >= c.opts.MaxTicks {
			log.Info("Pipeline reached %d ticks", c.tick)
			return c.drain()
		}

		ready, err := c.poller.Poll(c.opts.PollTimeout)
		c.tick++
		c.updateStats(func(s *Stats) { s.Ticks++ })
		if err != nil {
			return c.fail(err)
		}
		if !anyReady(ready) {
			return c.stall()
		}

		moved, err := c.dispatch(ready)
		if err != nil {
			return c.fail(err)
		}
		if !moved && !queueReady(ready) {
			return c.stall()
		}
		c.trace(Event{Kind: TickEnd})
	}
}

func anyReady(ready []device.Readiness) bool {
	for _, r := range ready {
		if r.Any() {
			return true
		}
	}
	return false
}

// queueReady is false for a tick in which only error conditions were raised.
func queueReady(ready []device.Readiness) bool {
	for _, r := range ready {
		if r.QueueReady() {
			return true
		}
	}
	return false
}

// dispatch visits every signalled stage in pipeline order and reports
// whether any frame or slot moved.
func (c *Coordinator) dispatch(ready []device.Readiness) (bool, error) {
	moved := false
	for k, r := range ready {
		if k >= len(c.polled) || !r.Any() {
			continue
		}
		i := c.polled[k]
		st := c.stages[i]
		st.SetReadiness(r)
		if r.Error {
			log.Warn("Stage [%s] signalled an error condition, attempting dequeue", st.Name())
		}
		progress, err := c.drainStage(i, r)
		if err != nil {
			return moved, err
		}
		moved = moved || progress
	}
	return moved, nil
}

// drainStage empties both sides of one stage, output first so capacity
// freed upstream is available before new frames are pushed downstream.
// Draining one side can make the other ready again, so once a pass made
// progress both sides are retried until a full pass moves nothing.
func (c *Coordinator) drainStage(i int, r device.Readiness) (bool, error) {
	st := c.stages[i]
	tryOutput := r.Output || r.Error
	tryCapture := r.Capture || r.Error

	moved := false
	for {
		progress := false
		if tryOutput && st.HasOutput() {
			n, err := c.drainOutput(i)
			if err != nil {
				return moved, err
			}
			progress = progress || n > 0
		}
		if tryCapture && st.HasCapture() && st.CaptureStreaming() {
			n, err := c.drainCapture(i)
			if err != nil {
				return moved, err
			}
			progress = progress || n > 0
		}
		if !progress {
			return moved, nil
		}
		moved = true
		tryOutput, tryCapture = true, true
	}
}

// drainOutput returns every consumed output slot of stage i to the capture
// queue of stage i-1 it came from.
func (c *Coordinator) drainOutput(i int) (int, error) {
	st, prev := c.stages[i], c.stages[i-1]
	n := 0
	for {
		index, err := st.TryDequeueOutput()
		if videoerr.IsRetry(err) {
			return n, nil
		}
		if err != nil {
			return n, faultAt(i, err)
		}
		n++

		if err := prev.ReturnCapture(index); err != nil {
			return n, err
		}
		c.trace(Event{Kind: Returned, Stage: st.Name(), To: prev.Name(), Slot: index})

		if prev.CaptureStreaming() {
			if err := prev.RequeueCapture(index); err != nil {
				return n, faultAt(i-1, err)
			}
		}
	}
}

// drainCapture moves every filled frame of stage i on: to the output queue
// of stage i+1, or to the sink from the last stage.
func (c *Coordinator) drainCapture(i int) (int, error) {
	st := c.stages[i]
	n := 0
	for {
		desc, err := st.TryDequeueCapture()
		if videoerr.IsRetry(err) {
			return n, nil
		}
		if err != nil {
			return n, faultAt(i, err)
		}
		n++
		c.updateStats(func(s *Stats) { s.FramesCaptured++ })
		c.tap(st, desc)

		if desc.Invalid {
			if !desc.FlaggedUpstream {
				c.updateStats(func(s *Stats) { s.InvalidFrames++ })
			}
			if c.opts.InvalidFrames == Discard {
				log.Debug("Stage [%s] discarding %s: %v", st.Name(), desc, desc.Err())
				if err := c.recycle(i, desc.Slot); err != nil {
					return n, err
				}
				c.updateStats(func(s *Stats) { s.Discarded++ })
				c.trace(Event{Kind: Discarded, Stage: st.Name(), Slot: desc.Slot, Bytes: desc.BytesUsed()})
				continue
			}
			log.Warn("Stage [%s] forwarding %s: %v", st.Name(), desc, desc.Err())
		}

		if i == len(c.stages)-1 {
			if err := c.sinkFrame(i, desc); err != nil {
				return n, err
			}
			continue
		}

		next := c.stages[i+1]
		handles, err := st.ExportHandles(desc.Slot)
		if err != nil {
			return n, faultAt(i, err)
		}
		if err := next.SubmitOutput(desc.WithHandles(handles)); err != nil {
			return n, faultAt(i+1, err)
		}
		if err := st.MarkForwarded(desc.Slot); err != nil {
			return n, err
		}
		c.trace(Event{Kind: Submitted, Stage: st.Name(), To: next.Name(), Slot: desc.Slot, Bytes: desc.BytesUsed()})
	}
}

func (c *Coordinator) sinkFrame(i int, desc videoframe.Descriptor) error {
	st := c.stages[i]
	if err := c.sink.Accept(desc, st.CaptureData(desc)); err != nil {
		return err
	}
	bytes := desc.BytesUsed()
	c.updateStats(func(s *Stats) {
		s.FramesSunk++
		s.BytesSunk += uint64(bytes)
	})
	c.trace(Event{Kind: Sunk, Stage: st.Name(), Slot: desc.Slot, Bytes: bytes})
	return c.recycle(i, desc.Slot)
}

// recycle frees a ready capture slot and hands it straight back to the device.
func (c *Coordinator) recycle(i, slot int) error {
	st := c.stages[i]
	if err := st.ReturnCapture(slot); err != nil {
		return err
	}
	if !st.CaptureStreaming() {
		return nil
	}
	if err := st.RequeueCapture(slot); err != nil {
		return faultAt(i, err)
	}
	return nil
}

func (c *Coordinator) tap(st *stage.Stage, desc videoframe.Descriptor) {
	for t, tap := range c.opts.Taps {
		if tap.Stage != st.Name() || tap.Sink == nil {
			continue
		}
		c.tapCounters[t]++
		if tap.Every > 1 && c.tapCounters[t]%tap.Every != 0 {
			continue
		}
		data := st.CaptureData(desc)
		if data == nil {
			continue
		}
		if err := tap.Sink.Accept(desc, data); err != nil {
			log.Warn("Stage [%s] snapshot failed: %v", st.Name(), err)
		}
	}
}

func (c *Coordinator) stopStage(i int) {
	if c.stopIssued[i] {
		return
	}
	c.stopIssued[i] = true
	if err := c.stages[i].Stop(); err != nil {
		log.Error("Unable to stop stage [%s]: %v", c.stages[i].Name(), err)
		c.mu.Lock()
		c.stopErrs = append(c.stopErrs, err)
		c.mu.Unlock()
	}
}

// releaseInFlight frees capture slots whose downstream output queue has
// stopped, since stopping handed them back.
func (c *Coordinator) releaseInFlight() {
	for i := 0; i < len(c.stages)-1; i++ {
		down := c.stages[i+1]
		if c.stopIssued[i+1] && !down.OutputStreaming() {
			c.stages[i].ReleaseInFlight()
		}
	}
}

func (c *Coordinator) recordLeaks() {
	var leaks []Leak
	for _, snap := range c.Snapshot() {
		for slot, state := range snap.Capture {
			if state != bufferpool.Free {
				leaks = append(leaks, Leak{Stage: snap.Name, Role: device.Capture, Slot: slot, State: state})
			}
		}
		for slot, state := range snap.Output {
			if state != bufferpool.Free {
				leaks = append(leaks, Leak{Stage: snap.Name, Role: device.Output, Slot: slot, State: state})
			}
		}
	}

	c.mu.Lock()
	c.leaks = leaks
	c.mu.Unlock()
}

// drain is the orderly stop: the source stops first so nothing new
// enters, frames already in flight are dispatched until none is left or a
// drain poll times out, then every remaining stage stops.
func (c *Coordinator) drain() error {
	c.setState(Draining)
	c.stopStage(0)

	if c.inFlight() {
		if err := c.pollStreaming(); err != nil {
			return c.fail(err)
		}
	}
	for c.inFlight() {
		ready, err := c.poller.Poll(c.opts.DrainTimeout)
		c.tick++
		c.updateStats(func(s *Stats) { s.DrainTicks++ })
		if err != nil {
			return c.fail(err)
		}
		if !anyReady(ready) {
			log.Warn("Pipeline drain timed out with frames in flight")
			break
		}
		moved, err := c.dispatch(ready)
		if err != nil {
			return c.fail(err)
		}
		if !moved && !queueReady(ready) {
			log.Warn("Pipeline drain only raised error conditions with frames in flight")
			break
		}
		c.trace(Event{Kind: TickEnd})
	}

	for i := range c.stages {
		c.stopStage(i)
	}
	c.releaseInFlight()
	c.recordLeaks()
	c.setState(Stopped)

	leaks := c.Leaks()
	if len(leaks) == 0 {
		log.Info("Pipeline stopped cleanly")
		return nil
	}
	for _, l := range leaks {
		log.Error("Leaked slot: %s", l)
	}
	return xerror.Errorf("%w: %d slots not returned, first %s", videoerr.ErrLeakedSlot, len(leaks), leaks[0])
}

// inFlight reports whether a frame is still owned downstream, or still
// inside a device which consumed it and has yet to produce its result.
func (c *Coordinator) inFlight() bool {
	for _, st := range c.stages {
		capture, _ := st.Counts()
		if capture.InFlightDownstream > 0 || st.AwaitingCapture() > 0 {
			return true
		}
	}
	return false
}

// pollStreaming narrows the poller to the stages with a queue still
// streaming. A stopped vb2 queue raises an error on every poll, which would
// wake the drain straight away instead of waiting for the frames in flight.
func (c *Coordinator) pollStreaming() error {
	var (
		devices []device.Device
		polled  []int
	)
	for i, st := range c.stages {
		if st.CaptureStreaming() || st.OutputStreaming() {
			devices = append(devices, st.Device())
			polled = append(polled, i)
		}
	}
	if len(polled) == len(c.polled) {
		return nil
	}

	poller, err := c.backend.NewPoller(devices...)
	if err != nil {
		return err
	}
	c.poller, c.polled = poller, polled
	return nil
}

// stall stops every stage after a wait in which nothing signalled.
func (c *Coordinator) stall() error {
	c.setState(Draining)
	for i := range c.stages {
		c.stopStage(i)
	}
	c.releaseInFlight()
	c.recordLeaks()
	c.setState(Stopped)

	err := xerror.Errorf("%w: nothing signalled within %s at tick %d", videoerr.ErrFatalStall, c.opts.PollTimeout, c.tick)
	log.Error("Pipeline stalled: %v", err)
	return err
}

// fail stops every stage except the one whose device faulted, which is
// left untouched so its slots stay as they were, then surfaces err.
func (c *Coordinator) fail(err error) error {
	c.setState(Draining)

	faulted := -1
	var sf *stageFault
	if errors.As(err, &sf) {
		faulted = sf.index
		err = sf.err
	}
	if !errors.Is(err, videoerr.ErrDeviceFault) {
		// not the device's doing, every stage is stopped
		faulted = -1
	}

	if faulted >= 0 {
		log.Error("Stage [%s] faulted: %v", c.stages[faulted].Name(), err)
	} else {
		log.Error("Pipeline failed: %v", err)
	}

	for i := range c.stages {
		if i == faulted {
			continue
		}
		c.stopStage(i)
	}
	c.releaseInFlight()
	c.recordLeaks()
	c.setState(Stopped)
	return err
}

// Close releases the memory of every stage and closes their devices. A
// stage left streaming, such as one whose device faulted, is stopped first
// since its memory cannot be released while the device still owns it.
func (c *Coordinator) Close() error {
	var first error
	for _, st := range c.stages {
		if st.CaptureStreaming() || st.OutputStreaming() {
			if err := st.Stop(); err != nil {
				log.Warn("Unable to stop stage [%s] before closing: %v", st.Name(), err)
			}
		}
		if err := st.Close(); err != nil && first == nil {
			first = err
		}
	}
	if c.sink != nil {
		if err := c.sink.Close(); err != nil && first == nil {
			first = err
		}
	}
	for _, tap := range c.opts.Taps {
		if tap.Sink != nil {
			tap.Sink.Close() //nolint
		}
	}
	return first
}
