package videobackend

import (
	"sync"
	"time"

	"github.com/tauraamui/streamerd/pkg/video/device"
	"github.com/tauraamui/streamerd/pkg/video/videoerr"
	"github.com/tauraamui/streamerd/pkg/video/videoframe"
	"github.com/tauraamui/xerror"
)

const (
	defaultMockPlaneLength   = 4096
	defaultMockFrameBytes    = 1024
	defaultMockFrameInterval = 33 * time.Millisecond
	firstMockHandle          = 100
)

// MockDeviceConfig shapes one synthetic device.
type MockDeviceConfig struct {
	Capture bool
	Output  bool
	// FrameBytes is how much of plane 0 every captured frame uses.
	FrameBytes  uint32
	PlaneLength uint32
	// AutoReady devices need no script: a queue is ready whenever it holds a
	// buffer. A device with an output pool only produces a capture frame for
	// every output buffer it consumed.
	AutoReady      bool
	GrantShortfall int
	RefuseFormat   bool
	MismatchFormat bool
	RefuseRegion   bool
	// FailStop makes stream off fail, leaving every queued buffer with the device.
	FailStop      bool
	FrameInterval time.Duration
	// CaptureDelay is how many polls an M2M device takes to produce the
	// capture frame for an output buffer it consumed.
	CaptureDelay int
	// ErrorWhenStopped raises an error condition on every poll once a queue
	// of the device was stopped, the way vb2 does for a queue not streaming.
	ErrorWhenStopped bool
}

// MockSignal makes one queue of one device ready for a single dequeue.
// Fault turns the next dequeue on that queue into a device fault, Invalid
// flags the next captured frame as corrupt. Error raises an error condition
// on the device for one poll without making anything ready.
type MockSignal struct {
	Device  string
	Role    device.QueueRole
	Fault   bool
	Invalid bool
	Error   bool
}

// MockScript maps a tick (1 based poll count) to the signals raised in it.
type MockScript map[int][]MockSignal

type mockHandleOwner struct {
	dev   *MockDevice
	role  device.QueueRole
	index int
}

// MockBackend is a scripted synthetic device control backend. Every Poll
// advances one tick.
type MockBackend struct {
	mu         sync.Mutex
	configs    map[string]MockDeviceConfig
	script     MockScript
	devices    map[string]*MockDevice
	tick       int
	nextHandle videoframe.Handle
	handles    map[videoframe.Handle]mockHandleOwner
	violations []string
}

// Mock returns a backend where every opened path is a free running M2M capable device.
func Mock() Backend {
	return NewMock(nil, nil)
}

func NewMock(configs map[string]MockDeviceConfig, script MockScript) *MockBackend {
	if configs == nil {
		configs = map[string]MockDeviceConfig{}
	}
	return &MockBackend{
		configs:    configs,
		script:     script,
		devices:    map[string]*MockDevice{},
		nextHandle: firstMockHandle,
		handles:    map[videoframe.Handle]mockHandleOwner{},
	}
}

func (b *MockBackend) Name() string { return "mock" }

func (b *MockBackend) Open(path string) (device.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cfg, ok := b.configs[path]
	if !ok {
		if len(b.configs) > 0 {
			return nil, xerror.Errorf("%w: %s", videoerr.ErrNotAVideoDevice, path)
		}
		cfg = MockDeviceConfig{Capture: true, Output: true, AutoReady: true}
	}
	if cfg.PlaneLength == 0 {
		cfg.PlaneLength = defaultMockPlaneLength
	}
	if cfg.FrameBytes == 0 {
		cfg.FrameBytes = defaultMockFrameBytes
	}
	if cfg.FrameBytes > cfg.PlaneLength {
		cfg.FrameBytes = cfg.PlaneLength
	}
	if cfg.FrameInterval == 0 {
		cfg.FrameInterval = defaultMockFrameInterval
	}

	dev := MockDevice{
		backend: b,
		path:    path,
		cfg:     cfg,
		queues:  map[device.QueueRole]*mockQueue{device.Capture: {}, device.Output: {}},
		Starts:  map[device.QueueRole]int{},
		Stops:   map[device.QueueRole]int{},
	}
	b.devices[path] = &dev
	return &dev, nil
}

func (b *MockBackend) NewPoller(devices ...device.Device) (device.Poller, error) {
	mocks := make([]*MockDevice, len(devices))
	for i, d := range devices {
		m, ok := d.(*MockDevice)
		if !ok {
			return nil, xerror.Errorf("mock poller cannot wait on %T", d)
		}
		mocks[i] = m
	}
	return &mockPoller{backend: b, devices: mocks}, nil
}

// Device returns the synthetic device opened at path, nil if never opened.
func (b *MockBackend) Device(path string) *MockDevice {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.devices[path]
}

// Tick returns how many polls have been made.
func (b *MockBackend) Tick() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tick
}

// Violations lists every enqueue which would have put one buffer on two
// queues at the same time.
func (b *MockBackend) Violations() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.violations...)
}

// Signal raises readiness outside of the script, for the next poll.
func (b *MockBackend) Signal(sig MockSignal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.applySignal(sig)
}

func (b *MockBackend) applySignal(sig MockSignal) {
	dev, ok := b.devices[sig.Device]
	if !ok {
		return
	}
	q := dev.queues[sig.Role]
	switch {
	case sig.Fault:
		q.faulted = true
	case sig.Invalid:
		dev.flagNext = true
	case sig.Error:
		dev.raiseError = true
	default:
		q.pending++
	}
}

func (b *MockBackend) queuedElsewhere(handles []videoframe.Handle, self *MockDevice, role device.QueueRole) (string, bool) {
	for _, h := range handles {
		owner, ok := b.handles[h]
		if !ok {
			continue
		}
		if !(owner.dev == self && owner.role == role) && owner.dev.queues[owner.role].contains(owner.index) {
			return owner.dev.path + " " + owner.role.String(), true
		}
		for _, other := range b.devices {
			if other == self && role == device.Output {
				continue
			}
			if other.queues[device.Output].holdsHandle(h) {
				return other.path + " output", true
			}
		}
	}
	return "", false
}

type mockPoller struct {
	backend *MockBackend
	devices []*MockDevice
}

func (p *mockPoller) Poll(timeout time.Duration) ([]device.Readiness, error) {
	b := p.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tick++
	for _, d := range b.devices {
		d.queues[device.Capture].promote(b.tick)
	}
	for _, sig := range b.script[b.tick] {
		b.applySignal(sig)
	}

	ready := make([]device.Readiness, len(p.devices))
	for i, d := range p.devices {
		ready[i] = device.Readiness{
			Capture: d.readyLocked(device.Capture),
			Output:  d.readyLocked(device.Output),
			Error:   d.raiseError || (d.cfg.ErrorWhenStopped && d.stoppedLocked()),
		}
		d.raiseError = false
	}
	return ready, nil
}

type mockQueueEntry struct {
	buf device.Buffer
}

type mockQueue struct {
	allocated bool
	kind      device.MemoryKind
	slots     []device.SlotMemory
	format    device.Format
	streaming bool
	fifo      []mockQueueEntry
	pending   int
	faulted   bool
	// due holds the tick at which each delayed frame becomes pending.
	due []int
	// stamps holds the timestamps of consumed output buffers, in order,
	// for the capture frames they turn into.
	stamps []time.Duration
}

func (q *mockQueue) promote(tick int) {
	kept := q.due[:0]
	for _, at := range q.due {
		if at <= tick {
			q.pending++
			continue
		}
		kept = append(kept, at)
	}
	q.due = kept
}

func (q *mockQueue) contains(index int) bool {
	for _, e := range q.fifo {
		if e.buf.Index == index {
			return true
		}
	}
	return false
}

func (q *mockQueue) holdsHandle(h videoframe.Handle) bool {
	for _, e := range q.fifo {
		for _, eh := range e.buf.Handles {
			if eh == h {
				return true
			}
		}
	}
	return false
}

// MockDevice is one synthetic device. Its exported counters are guarded by
// the backend and are meant to be read once the pipeline has returned.
type MockDevice struct {
	backend    *MockBackend
	path       string
	cfg        MockDeviceConfig
	queues     map[device.QueueRole]*mockQueue
	sequence   uint32
	flagNext   bool
	raiseError bool
	closed     bool

	Starts   map[device.QueueRole]int
	Stops    map[device.QueueRole]int
	Enqueues int
	Exports  int
	Releases int
}

func (d *MockDevice) Path() string { return d.path }

func (d *MockDevice) Capabilities() device.Capabilities {
	return device.Capabilities{
		Driver:      "mock",
		Card:        d.path,
		Capture:     d.cfg.Capture,
		Output:      d.cfg.Output,
		MultiPlanar: true,
		Streaming:   true,
	}
}

func (d *MockDevice) NegotiateFormat(role device.QueueRole, desired device.Format) (device.Format, error) {
	d.backend.mu.Lock()
	defer d.backend.mu.Unlock()

	if d.cfg.RefuseFormat {
		return device.Format{}, xerror.Errorf("%w: %s %s format %s", videoerr.ErrUnsupported, d.path, role, desired)
	}

	accepted := desired
	accepted.Planes = append([]device.PlaneFormat(nil), desired.Planes...)
	if len(accepted.Planes) == 0 {
		accepted.Planes = []device.PlaneFormat{{}}
	}
	for i := range accepted.Planes {
		if accepted.Planes[i].SizeImage == 0 || accepted.Planes[i].SizeImage > d.cfg.PlaneLength {
			accepted.Planes[i].SizeImage = d.cfg.PlaneLength
		}
	}
	if d.cfg.MismatchFormat {
		accepted.Width += 16
	}
	d.queues[role].format = accepted
	return accepted, nil
}

func (d *MockDevice) SetRegion(role device.QueueRole, target device.SelectionTarget, rect device.Rect) (device.Rect, error) {
	if d.cfg.RefuseRegion {
		return device.Rect{}, xerror.Errorf("%w: %s %s %s region", videoerr.ErrUnsupported, d.path, role, target)
	}
	return rect, nil
}

func (d *MockDevice) AllocatePool(role device.QueueRole, count int, kind device.MemoryKind) (device.Grant, error) {
	d.backend.mu.Lock()
	defer d.backend.mu.Unlock()

	q := d.queues[role]
	planes := len(q.format.Planes)
	if planes == 0 {
		planes = 1
	}

	granted := count - d.cfg.GrantShortfall
	if granted < 0 {
		granted = 0
	}

	grant := device.Grant{Slots: make([]device.SlotMemory, granted)}
	for i := range grant.Slots {
		mem := device.SlotMemory{Planes: make([]device.PlaneMemory, planes)}
		for p := range mem.Planes {
			mem.Planes[p].Length = d.cfg.PlaneLength
			if kind == device.Mapped {
				mem.Planes[p].Data = make([]byte, d.cfg.PlaneLength)
			}
		}
		grant.Slots[i] = mem
	}

	q.allocated = true
	q.kind = kind
	q.slots = grant.Slots
	return grant, nil
}

func (d *MockDevice) ReleasePool(role device.QueueRole) error {
	d.backend.mu.Lock()
	defer d.backend.mu.Unlock()

	q := d.queues[role]
	q.allocated = false
	q.slots = nil
	q.fifo = nil
	for h, owner := range d.backend.handles {
		if owner.dev == d && owner.role == role {
			delete(d.backend.handles, h)
		}
	}
	d.Releases++
	return nil
}

func (d *MockDevice) ExportHandle(role device.QueueRole, index, plane int) (videoframe.Handle, error) {
	d.backend.mu.Lock()
	defer d.backend.mu.Unlock()

	q := d.queues[role]
	if !q.allocated || q.kind != device.Mapped {
		return videoframe.NoHandle, xerror.Errorf("%w: %s %s has no mapped pool", videoerr.ErrUnsupported, d.path, role)
	}
	if index < 0 || index >= len(q.slots) || plane < 0 || plane >= len(q.slots[index].Planes) {
		return videoframe.NoHandle, videoerr.Rejected("%s %s has no buffer %d plane %d", d.path, role, index, plane)
	}

	h := d.backend.nextHandle
	d.backend.nextHandle++
	d.backend.handles[h] = mockHandleOwner{dev: d, role: role, index: index}
	d.Exports++
	return h, nil
}

func (d *MockDevice) Start(role device.QueueRole) error {
	d.backend.mu.Lock()
	defer d.backend.mu.Unlock()

	d.queues[role].streaming = true
	d.Starts[role]++
	return nil
}

func (d *MockDevice) Stop(role device.QueueRole) error {
	d.backend.mu.Lock()
	defer d.backend.mu.Unlock()

	d.Stops[role]++
	if d.cfg.FailStop {
		return xerror.Errorf("%w: %s %s stream off failed", videoerr.ErrDeviceFault, d.path, role)
	}
	q := d.queues[role]
	q.streaming = false
	q.fifo = nil
	q.pending = 0
	q.due = nil
	q.stamps = nil
	return nil
}

func (d *MockDevice) Enqueue(role device.QueueRole, buf device.Buffer) error {
	d.backend.mu.Lock()
	defer d.backend.mu.Unlock()

	q := d.queues[role]
	if !q.allocated || buf.Index < 0 || buf.Index >= len(q.slots) {
		return videoerr.Rejected("%s %s has no buffer %d", d.path, role, buf.Index)
	}
	if q.contains(buf.Index) {
		return videoerr.Rejected("%s %s buffer %d is already queued", d.path, role, buf.Index)
	}
	if q.kind == device.Imported && len(buf.Handles) != len(q.slots[buf.Index].Planes) {
		return videoerr.Rejected("%s %s buffer %d needs %d handles, got %d", d.path, role, buf.Index, len(q.slots[buf.Index].Planes), len(buf.Handles))
	}

	handles := buf.Handles
	if q.kind == device.Mapped {
		handles = d.exportedLocked(role, buf.Index)
	}
	if where, clash := d.backend.queuedElsewhere(handles, d, role); clash {
		d.backend.violations = append(d.backend.violations, d.path+" "+role.String()+" queued a buffer still owned by "+where)
		return videoerr.Rejected("%s %s buffer %d is still queued on %s", d.path, role, buf.Index, where)
	}

	buf.Planes = append([]videoframe.Plane(nil), buf.Planes...)
	buf.Handles = append([]videoframe.Handle(nil), buf.Handles...)
	q.fifo = append(q.fifo, mockQueueEntry{buf: buf})
	d.Enqueues++
	return nil
}

func (d *MockDevice) Dequeue(role device.QueueRole) (device.Buffer, error) {
	d.backend.mu.Lock()
	defer d.backend.mu.Unlock()

	q := d.queues[role]
	if q.faulted {
		q.faulted = false
		return device.Buffer{}, xerror.Errorf("%w: %s %s dequeue failed", videoerr.ErrDeviceFault, d.path, role)
	}
	if !d.readyLocked(role) {
		return device.Buffer{}, videoerr.ErrRetry
	}

	entry := q.fifo[0]
	q.fifo = q.fifo[1:]
	if q.pending > 0 {
		q.pending--
	}

	if role == device.Output {
		if capture := d.queues[device.Capture]; q.allocated && capture.allocated {
			// M2M devices copy the output timestamp onto the frame it produces
			capture.stamps = append(capture.stamps, entry.buf.Timestamp)
			if d.cfg.CaptureDelay > 0 {
				capture.due = append(capture.due, d.backend.tick+d.cfg.CaptureDelay)
			} else {
				capture.pending++
			}
		}
		return device.Buffer{Index: entry.buf.Index}, nil
	}

	buf := device.Buffer{
		Index:     entry.buf.Index,
		Sequence:  d.sequence,
		Timestamp: time.Duration(d.sequence) * d.cfg.FrameInterval,
		Field:     1,
		Flagged:   d.flagNext,
	}
	if len(q.stamps) > 0 {
		buf.Timestamp = q.stamps[0]
		q.stamps = q.stamps[1:]
	}
	d.flagNext = false
	d.sequence++

	mem := q.slots[entry.buf.Index]
	buf.Planes = make([]videoframe.Plane, len(mem.Planes))
	for i, p := range mem.Planes {
		buf.Planes[i].Length = p.Length
		if i == 0 {
			buf.Planes[i].BytesUsed = d.cfg.FrameBytes
			for j := uint32(0); j < d.cfg.FrameBytes && p.Data != nil; j++ {
				p.Data[j] = byte(buf.Sequence)
			}
		}
	}
	return buf, nil
}

func (d *MockDevice) FrameInterval(role device.QueueRole) (time.Duration, error) {
	return d.cfg.FrameInterval, nil
}

func (d *MockDevice) Close() error {
	d.backend.mu.Lock()
	defer d.backend.mu.Unlock()
	d.closed = true
	return nil
}

// Closed reports whether Close was called.
func (d *MockDevice) Closed() bool {
	d.backend.mu.Lock()
	defer d.backend.mu.Unlock()
	return d.closed
}

// Queued returns the indexes currently held by the device on role, in queue order.
func (d *MockDevice) Queued(role device.QueueRole) []int {
	d.backend.mu.Lock()
	defer d.backend.mu.Unlock()
	var indexes []int
	for _, e := range d.queues[role].fifo {
		indexes = append(indexes, e.buf.Index)
	}
	return indexes
}

// Streaming reports whether role was started and not stopped since.
func (d *MockDevice) Streaming(role device.QueueRole) bool {
	d.backend.mu.Lock()
	defer d.backend.mu.Unlock()
	return d.queues[role].streaming
}

// stoppedLocked reports whether an allocated queue was stopped and not
// started again.
func (d *MockDevice) stoppedLocked() bool {
	for role, q := range d.queues {
		if q.allocated && !q.streaming && d.Stops[role] > 0 {
			return true
		}
	}
	return false
}

func (d *MockDevice) exportedLocked(role device.QueueRole, index int) []videoframe.Handle {
	var handles []videoframe.Handle
	for h, owner := range d.backend.handles {
		if owner.dev == d && owner.role == role && owner.index == index {
			handles = append(handles, h)
		}
	}
	return handles
}

func (d *MockDevice) readyLocked(role device.QueueRole) bool {
	q := d.queues[role]
	if q.faulted {
		return true
	}
	if !q.streaming || len(q.fifo) == 0 {
		return false
	}
	if !d.cfg.AutoReady {
		return q.pending > 0
	}
	if role == device.Capture && d.queues[device.Output].allocated {
		return q.pending > 0
	}
	return true
}
