package videoframe

import (
	"fmt"
	"time"

	"github.com/tauraamui/streamerd/pkg/video/videoerr"
)

// Handle is a shareable reference to one plane of a slot's backing memory
// (a DMABUF file descriptor on V4L2). Another device imports it without copying.
type Handle int

// NoHandle marks a plane which has not been exported.
const NoHandle Handle = -1

type Plane struct {
	BytesUsed uint32
	Length    uint32
}

// Descriptor describes one in-flight frame. It is produced by a successful
// capture dequeue and consumed when handed to the next stage's output queue
// or to the terminal sink.
type Descriptor struct {
	Stage     string
	Slot      int
	Planes    []Plane
	Timestamp time.Duration
	Sequence  uint32
	Field     uint32
	Invalid   bool
	// FlaggedUpstream is set when Invalid was carried over from the input
	// frame this one was produced from, not raised by this device.
	FlaggedUpstream bool
	Handles         []Handle
}

func (d Descriptor) BytesUsed() int {
	total := 0
	for _, p := range d.Planes {
		total += int(p.BytesUsed)
	}
	return total
}

// Err returns videoerr.ErrFrameFlaggedInvalid for a frame marked Invalid,
// nil otherwise.
func (d Descriptor) Err() error {
	if d.Invalid {
		return videoerr.ErrFrameFlaggedInvalid
	}
	return nil
}

// WithHandles returns a copy of d carrying the given handles. The plane
// slice is copied so the two descriptors never alias.
func (d Descriptor) WithHandles(handles []Handle) Descriptor {
	out := d
	out.Planes = append([]Plane(nil), d.Planes...)
	out.Handles = append([]Handle(nil), handles...)
	return out
}

func (d Descriptor) String() string {
	marker := ""
	if d.Invalid {
		marker = " (invalid)"
	}
	return fmt.Sprintf("[%s] slot %d seq %d %d bytes%s", d.Stage, d.Slot, d.Sequence, d.BytesUsed(), marker)
}
