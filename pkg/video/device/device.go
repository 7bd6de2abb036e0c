// Package device describes the per-device primitives the pipeline core is
// built on: format negotiation, buffer allocation, streaming control,
// non-blocking enqueue/dequeue and a multiplexed readiness wait.
//
// Implementations live in videobackend. Nothing here allocates or blocks.
package device

import (
	"fmt"
	"time"

	"github.com/tauraamui/streamerd/pkg/video/videoframe"
)

// QueueRole tells which side of a device a queue sits on.
type QueueRole int

const (
	// Capture queues are filled by the device (it produces data).
	Capture QueueRole = iota
	// Output queues are drained by the device (it consumes data).
	Output
)

func (r QueueRole) String() string {
	switch r {
	case Capture:
		return "capture"
	case Output:
		return "output"
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// MemoryKind selects how a pool's backing memory is obtained.
type MemoryKind int

const (
	// Mapped memory is allocated by the device and mapped into the process.
	Mapped MemoryKind = iota
	// Imported memory belongs to another device and arrives as shareable handles.
	Imported
)

func (k MemoryKind) String() string {
	switch k {
	case Mapped:
		return "mapped"
	case Imported:
		return "imported"
	}
	return fmt.Sprintf("memory(%d)", int(k))
}

type SelectionTarget int

const (
	Crop SelectionTarget = iota
	Compose
)

func (t SelectionTarget) String() string {
	if t == Compose {
		return "compose"
	}
	return "crop"
}

type Rect struct {
	Left   int32
	Top    int32
	Width  uint32
	Height uint32
}

type PlaneFormat struct {
	SizeImage    uint32
	BytesPerLine uint32
}

type Format struct {
	Width       uint32
	Height      uint32
	PixelFormat FourCC
	Planes      []PlaneFormat
	Colorspace  uint32
}

// Matches reports whether the device accepted what was asked for. A zero
// plane count in the request accepts whatever plane layout came back.
func (f Format) Matches(accepted Format) bool {
	if f.Width != accepted.Width || f.Height != accepted.Height || f.PixelFormat != accepted.PixelFormat {
		return false
	}
	return len(f.Planes) == 0 || len(f.Planes) == len(accepted.Planes)
}

func (f Format) String() string {
	return fmt.Sprintf("%dx%d %s (%d planes)", f.Width, f.Height, f.PixelFormat, len(f.Planes))
}

type Capabilities struct {
	Driver      string
	Card        string
	Capture     bool
	Output      bool
	MultiPlanar bool
	Streaming   bool
}

type PlaneMemory struct {
	Length uint32
	Data   []byte
}

type SlotMemory struct {
	Planes []PlaneMemory
}

// Grant is what a device actually allocated for a pool request. The slot
// count may be lower than requested; callers decide whether that is fatal.
type Grant struct {
	Slots []SlotMemory
}

// Buffer is the unit passed to Enqueue and returned from Dequeue.
type Buffer struct {
	Index     int
	Planes    []videoframe.Plane
	Handles   []videoframe.Handle
	Timestamp time.Duration
	Sequence  uint32
	Field     uint32
	Flagged   bool
}

// Readiness is what a multiplexed wait reported for one device.
type Readiness struct {
	Capture bool
	Output  bool
	Error   bool
}

func (r Readiness) Any() bool {
	return r.Capture || r.Output || r.Error
}

// QueueReady reports whether a queue signalled, as opposed to an error
// condition alone.
func (r Readiness) QueueReady() bool {
	return r.Capture || r.Output
}

func (r Readiness) String() string {
	return fmt.Sprintf("capture=%t output=%t error=%t", r.Capture, r.Output, r.Error)
}

type Device interface {
	Path() string
	Capabilities() Capabilities
	NegotiateFormat(role QueueRole, desired Format) (Format, error)
	SetRegion(role QueueRole, target SelectionTarget, rect Rect) (Rect, error)
	AllocatePool(role QueueRole, count int, kind MemoryKind) (Grant, error)
	// ReleasePool unmaps the role's memory, closes any exported handles and
	// frees the device side allocation.
	ReleasePool(role QueueRole) error
	ExportHandle(role QueueRole, index, plane int) (videoframe.Handle, error)
	Start(role QueueRole) error
	Stop(role QueueRole) error
	Enqueue(role QueueRole, buf Buffer) error
	// Dequeue never blocks. It returns videoerr.ErrRetry when nothing is ready.
	Dequeue(role QueueRole) (Buffer, error)
	FrameInterval(role QueueRole) (time.Duration, error)
	Close() error
}

// Poller waits on the readiness sources of several devices at once.
type Poller interface {
	// Poll blocks for at most timeout and returns one Readiness per device,
	// in the order the devices were given to NewPoller.
	Poll(timeout time.Duration) ([]Readiness, error)
}

type Backend interface {
	Name() string
	Open(path string) (Device, error)
	NewPoller(devices ...Device) (Poller, error)
}
