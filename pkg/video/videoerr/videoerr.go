// Package videoerr holds the error kinds shared by the buffer pools, stages,
// device backends and the pipeline coordinator.
//
// Every sentinel carries an xerror kind so its message reads
// "Kind: DEVICE_FAULT | ..." in logs. Callers match with errors.Is, which
// also works through errors wrapped with xerror.Errorf("...: %w", ...).
package videoerr

import (
	"errors"
	"fmt"

	"github.com/tauraamui/xerror"
)

const (
	KindResourceExhausted   = xerror.Kind("resource_exhausted")
	KindUnsupported         = xerror.Kind("unsupported")
	KindRetry               = xerror.Kind("retry")
	KindDeviceFault         = xerror.Kind("device_fault")
	KindFrameFlaggedInvalid = xerror.Kind("frame_flagged_invalid")
	KindFatalStall          = xerror.Kind("fatal_stall")
	KindRejected            = xerror.Kind("rejected")
	KindQueueFull           = xerror.Kind("queue_full")
	KindInvalidTransition   = xerror.Kind("invalid_transition")
	KindLeakedSlot          = xerror.Kind("leaked_slot")
	KindNotAVideoDevice     = xerror.Kind("not_a_video_device")
	KindIO                  = xerror.Kind("io_error")
	KindSinkFault           = xerror.Kind("sink_fault")
)

var (
	// ErrResourceExhausted means a pool could not be sized as requested.
	ErrResourceExhausted = xerror.NewWithKind(KindResourceExhausted, "device granted fewer buffers than requested")
	// ErrUnsupported means format or region negotiation was refused.
	ErrUnsupported = xerror.NewWithKind(KindUnsupported, "negotiation refused by device")
	// ErrRetry means no buffer is ready yet. It is expected and never fatal.
	ErrRetry = xerror.NewWithKind(KindRetry, "no buffer ready")
	// ErrDeviceFault is an I/O level device failure. Fatal to the pipeline.
	ErrDeviceFault = xerror.NewWithKind(KindDeviceFault, "device fault")
	// ErrFrameFlaggedInvalid marks a delivered but corrupt frame.
	ErrFrameFlaggedInvalid = xerror.NewWithKind(KindFrameFlaggedInvalid, "frame flagged invalid by hardware")
	// ErrFatalStall means no readiness source signaled within the poll timeout.
	ErrFatalStall = xerror.NewWithKind(KindFatalStall, "no readiness within timeout")
	// ErrRejected means a submission violates the queue's negotiated shape.
	ErrRejected = xerror.NewWithKind(KindRejected, "submission rejected")
	// ErrQueueFull means the target output slot is still owned by its queue.
	ErrQueueFull = xerror.NewWithKind(KindQueueFull, "output queue slot busy")
	// ErrInvalidTransition is a programming error in the slot state machine.
	ErrInvalidTransition = xerror.NewWithKind(KindInvalidTransition, "invalid slot state transition")
	// ErrLeakedSlot means a drain completed with a slot that never returned to Free.
	ErrLeakedSlot = xerror.NewWithKind(KindLeakedSlot, "slot leaked after drain")
	// ErrNotAVideoDevice is returned by a backend opening a path that is not a streaming video device.
	ErrNotAVideoDevice = xerror.NewWithKind(KindNotAVideoDevice, "not a video device")
	// ErrIO is a plain I/O failure outside of streaming (open, stat).
	ErrIO = xerror.NewWithKind(KindIO, "i/o error")
	// ErrSinkFault is returned when the terminal sink could not accept a frame.
	ErrSinkFault = xerror.NewWithKind(KindSinkFault, "sink rejected frame")
)

// Rejected wraps ErrRejected with the reason the submission was refused.
func Rejected(format string, a ...interface{}) error {
	return xerror.Errorf("%w: %s", ErrRejected, fmt.Sprintf(format, a...))
}

// InvalidTransition wraps ErrInvalidTransition with the offending slot transition.
func InvalidTransition(index int, from, to fmt.Stringer) error {
	return xerror.Errorf("%w: slot %d %s -> %s", ErrInvalidTransition, index, from, to)
}

// IsRetry reports whether err only means nothing was ready.
func IsRetry(err error) bool {
	return errors.Is(err, ErrRetry)
}

// IsCoreBug reports whether err points at a bug in the slot bookkeeping rather
// than at the hardware.
func IsCoreBug(err error) bool {
	return errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrLeakedSlot)
}

// IsHardware reports whether err was caused by a device or by the lack of one.
func IsHardware(err error) bool {
	for _, target := range []error{ErrDeviceFault, ErrFatalStall, ErrNotAVideoDevice, ErrIO} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsSetup reports whether err is one of the errors that abort a pipeline
// before streaming starts.
func IsSetup(err error) bool {
	return errors.Is(err, ErrUnsupported) || errors.Is(err, ErrResourceExhausted)
}
