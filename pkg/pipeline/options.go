package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/tauraamui/streamerd/pkg/video/videosink"
	"github.com/tauraamui/xerror"
)

const (
	DefaultPollTimeout  = 2 * time.Second
	DefaultDrainTimeout = 500 * time.Millisecond
)

// InvalidFramePolicy decides what happens to a frame the hardware flagged
// as corrupt.
type InvalidFramePolicy int

const (
	// Forward passes the frame on with its Invalid marker set.
	Forward InvalidFramePolicy = iota
	// Discard recycles the slot straight back to its capture queue.
	Discard
)

func (p InvalidFramePolicy) String() string {
	if p == Discard {
		return "discard"
	}
	return "forward"
}

func ParseInvalidFramePolicy(s string) (InvalidFramePolicy, error) {
	switch strings.ToLower(s) {
	case "", "forward":
		return Forward, nil
	case "discard":
		return Discard, nil
	}
	return Forward, xerror.Errorf("unknown invalid frame policy: %s", s)
}

// Tap copies every Every'th frame captured by the named stage into Sink.
// Only stages with mapped capture memory have bytes to copy.
type Tap struct {
	Stage string
	Every int
	Sink  videosink.Sink
}

type EventKind int

const (
	Submitted EventKind = iota
	Returned
	Sunk
	Discarded
	TickEnd
)

func (k EventKind) String() string {
	switch k {
	case Submitted:
		return "submitted"
	case Returned:
		return "returned"
	case Sunk:
		return "sunk"
	case Discarded:
		return "discarded"
	case TickEnd:
		return "tick-end"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event describes one hand-off. Stage is where the slot comes from, To is
// where it went, empty for the sink and for tick ends.
type Event struct {
	Kind  EventKind
	Tick  int
	Stage string
	To    string
	Slot  int
	Bytes int
}

func (e Event) String() string {
	return fmt.Sprintf("t%d %s %s->%s slot %d (%d bytes)", e.Tick, e.Kind, e.Stage, e.To, e.Slot, e.Bytes)
}

type Options struct {
	PollTimeout   time.Duration
	DrainTimeout  time.Duration
	MaxTicks      int
	InvalidFrames InvalidFramePolicy
	Taps          []Tap
	Trace         func(Event)
}

func (o Options) withDefaults() Options {
	if o.PollTimeout <= 0 {
		o.PollTimeout = DefaultPollTimeout
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = DefaultDrainTimeout
	}
	return o
}
