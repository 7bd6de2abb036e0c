// Package bufferpool tracks the fixed set of reusable buffer slots backing
// one queue of one stage, and who owns each of them.
//
// A pool is not safe for concurrent use. The owning stage serialises access.
package bufferpool

import (
	"fmt"

	"github.com/tauraamui/streamerd/pkg/video/device"
	"github.com/tauraamui/streamerd/pkg/video/videoerr"
	"github.com/tauraamui/streamerd/pkg/video/videoframe"
	"github.com/tauraamui/xerror"
)

// MinSlots is the smallest pool that can keep a queue streaming while
// another slot is owned downstream.
const MinSlots = 2

type State int

const (
	Free State = iota
	Queued
	Ready
	InFlightDownstream
)

func (s State) String() string {
	switch s {
	case Free:
		return "Free"
	case Queued:
		return "Queued"
	case Ready:
		return "Ready"
	case InFlightDownstream:
		return "InFlightDownstream"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type Slot struct {
	Index  int
	State  State
	Planes []videoframe.Plane
	// Data is the mapped memory of each plane, nil for imported pools.
	Data    [][]byte
	handles []videoframe.Handle
}

type Counts struct {
	Free               int
	Queued             int
	Ready              int
	InFlightDownstream int
}

func (c Counts) Total() int {
	return c.Free + c.Queued + c.Ready + c.InFlightDownstream
}

func (c Counts) String() string {
	return fmt.Sprintf("free=%d queued=%d ready=%d inflight=%d", c.Free, c.Queued, c.Ready, c.InFlightDownstream)
}

type Pool struct {
	dev      device.Device
	role     device.QueueRole
	kind     device.MemoryKind
	slots    []Slot
	released bool
}

// Allocate asks dev for count buffers on the given queue. A grant of any
// other size is released again and reported as ErrResourceExhausted.
func Allocate(dev device.Device, role device.QueueRole, count int, kind device.MemoryKind) (*Pool, error) {
	if count < MinSlots {
		return nil, xerror.Errorf("%w: %s pool needs at least %d slots, %d requested", videoerr.ErrResourceExhausted, role, MinSlots, count)
	}

	grant, err := dev.AllocatePool(role, count, kind)
	if err != nil {
		return nil, err
	}

	if len(grant.Slots) != count {
		if rerr := dev.ReleasePool(role); rerr != nil {
			return nil, xerror.Errorf("%w: %s requested %d, granted %d (release failed: %v)", videoerr.ErrResourceExhausted, role, count, len(grant.Slots), rerr)
		}
		return nil, xerror.Errorf("%w: %s requested %d, granted %d", videoerr.ErrResourceExhausted, role, count, len(grant.Slots))
	}

	p := Pool{dev: dev, role: role, kind: kind, slots: make([]Slot, count)}
	for i, mem := range grant.Slots {
		slot := Slot{Index: i, State: Free, Planes: make([]videoframe.Plane, len(mem.Planes))}
		if kind == device.Mapped {
			slot.Data = make([][]byte, len(mem.Planes))
		}
		for j, plane := range mem.Planes {
			slot.Planes[j].Length = plane.Length
			if slot.Data != nil {
				slot.Data[j] = plane.Data
			}
		}
		p.slots[i] = slot
	}

	return &p, nil
}

func (p *Pool) Len() int { return len(p.slots) }

func (p *Pool) Role() device.QueueRole { return p.role }

func (p *Pool) Kind() device.MemoryKind { return p.kind }

func (p *Pool) inRange(index int) bool { return index >= 0 && index < len(p.slots) }

func (p *Pool) isCapture() bool { return p.role == device.Capture }

func (p *Pool) slot(index int) *Slot { return &p.slots[index] }

func (p *Pool) stateOf(index int) State { return p.slots[index].State }

func (p *Pool) outOfRange(index int) error {
	return xerror.Errorf("%w: slot %d outside pool of %d", videoerr.ErrInvalidTransition, index, len(p.slots))
}

func (p *Pool) noSuchSlot(index int) error {
	return videoerr.Rejected("slot %d outside %s pool of %d", index, p.role, len(p.slots))
}

// State returns the current owner state of the slot at index.
func (p *Pool) State(index int) (State, error) {
	if !p.inRange(index) {
		return Free, p.noSuchSlot(index)
	}
	return p.stateOf(index), nil
}

// Slot returns a copy of the slot at index.
func (p *Pool) Slot(index int) (Slot, error) {
	if !p.inRange(index) {
		return Slot{}, p.noSuchSlot(index)
	}
	s := *p.slot(index)
	s.Planes = append([]videoframe.Plane(nil), s.Planes...)
	s.handles = nil
	return s, nil
}

// PlaneLengths returns the capacity of each plane of the slot at index.
func (p *Pool) PlaneLengths(index int) []uint32 {
	if !p.inRange(index) {
		return nil
	}
	planes := p.slot(index).Planes
	lengths := make([]uint32, len(planes))
	for i, pl := range planes {
		lengths[i] = pl.Length
	}
	return lengths
}

// Data returns the mapped plane memory of the slot at index, nil for imported pools.
func (p *Pool) Data(index int) [][]byte {
	if !p.inRange(index) {
		return nil
	}
	return p.slot(index).Data
}

// ExportHandles returns one shareable handle per plane of the slot at index.
// Handles are exported on first use and cached, so repeated calls for the
// same slot return the same handles.
func (p *Pool) ExportHandles(index int) ([]videoframe.Handle, error) {
	if !p.inRange(index) {
		return nil, p.noSuchSlot(index)
	}
	if p.kind != device.Mapped {
		return nil, xerror.Errorf("%w: cannot export handles of an imported %s pool", videoerr.ErrUnsupported, p.role)
	}

	s := p.slot(index)
	if s.handles == nil {
		handles := make([]videoframe.Handle, len(s.Planes))
		for plane := range s.Planes {
			h, err := p.dev.ExportHandle(p.role, index, plane)
			if err != nil {
				return nil, err
			}
			handles[plane] = h
		}
		s.handles = handles
	}

	return append([]videoframe.Handle(nil), s.handles...), nil
}

// MarkQueued records that the slot was handed to the device: Free -> Queued.
func (p *Pool) MarkQueued(index int) error {
	return p.transition(index, Queued, Free)
}

// MarkReady records a capture dequeue: Queued -> Ready. The descriptor's
// plane usage is copied onto the slot.
func (p *Pool) MarkReady(index int, desc videoframe.Descriptor) error {
	if !p.isCapture() {
		return p.invalid(index, Ready)
	}
	if err := p.transition(index, Ready, Queued); err != nil {
		return err
	}
	s := p.slot(index)
	for i := range s.Planes {
		s.Planes[i].BytesUsed = 0
		if i < len(desc.Planes) {
			s.Planes[i].BytesUsed = desc.Planes[i].BytesUsed
		}
	}
	return nil
}

// MarkInFlight records that a ready frame was handed to the next stage:
// Ready -> InFlightDownstream.
func (p *Pool) MarkInFlight(index int) error {
	if !p.isCapture() {
		return p.invalid(index, InFlightDownstream)
	}
	return p.transition(index, InFlightDownstream, Ready)
}

// MarkReturned frees a slot. On a capture pool the slot comes back from
// downstream (InFlightDownstream -> Free) or is recycled without forwarding
// (Ready -> Free). On an output pool the device finished consuming it
// (Queued -> Free).
func (p *Pool) MarkReturned(index int) error {
	if p.isCapture() {
		return p.transition(index, Free, InFlightDownstream, Ready)
	}
	return p.transition(index, Free, Queued)
}

// Reclaim frees every Queued and Ready slot. It must only be called once
// the queue has been stopped, since stopping hands every buffer back.
func (p *Pool) Reclaim() []int {
	var reclaimed []int
	for i := range p.slots {
		s := p.slot(i)
		if s.State == Queued || s.State == Ready {
			s.State = Free
			reclaimed = append(reclaimed, i)
		}
	}
	return reclaimed
}

// ReleaseInFlight frees an InFlightDownstream slot whose downstream queue
// was stopped, so nothing will ever hand it back.
func (p *Pool) ReleaseInFlight(index int) error {
	if !p.isCapture() {
		return p.invalid(index, Free)
	}
	return p.transition(index, Free, InFlightDownstream)
}

func (p *Pool) Counts() Counts {
	c := Counts{}
	for _, s := range p.slots {
		switch s.State {
		case Free:
			c.Free++
		case Queued:
			c.Queued++
		case Ready:
			c.Ready++
		case InFlightDownstream:
			c.InFlightDownstream++
		}
	}
	return c
}

// Snapshot returns the state of every slot, indexed by slot.
func (p *Pool) Snapshot() []State {
	states := make([]State, len(p.slots))
	for i, s := range p.slots {
		states[i] = s.State
	}
	return states
}

// Release hands the pool's memory back to the device. The pool is unusable afterwards.
func (p *Pool) Release() error {
	if p.released {
		return nil
	}
	p.released = true
	return p.dev.ReleasePool(p.role)
}

func (p *Pool) transition(index int, to State, from ...State) error {
	if !p.inRange(index) {
		return p.outOfRange(index)
	}
	s := p.slot(index)
	for _, f := range from {
		if s.State == f {
			s.State = to
			return nil
		}
	}
	return p.invalid(index, to)
}

func (p *Pool) invalid(index int, to State) error {
	if !p.inRange(index) {
		return p.outOfRange(index)
	}
	return xerror.Errorf("%s pool: %w", p.role, videoerr.InvalidTransition(index, p.stateOf(index), to))
}
