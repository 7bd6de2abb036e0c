package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

func init() {
	registerForAutomigration(&Run{})
}

const (
	OutcomeRunning = "running"
	OutcomeStopped = "stopped"
	OutcomeStalled = "stalled"
	OutcomeFaulted = "faulted"
	OutcomeLeaked  = "leaked"
	OutcomeFailed  = "failed"
)

// Run is one pipeline run, from negotiation until every stage stopped.
type Run struct {
	gorm.Model
	UUID           string `gorm:"uniqueIndex"`
	Pipeline       string
	Backend        string
	StartedAt      time.Time
	StoppedAt      *time.Time
	Outcome        string
	Error          string
	Ticks          int
	FramesCaptured uint64
	FramesSunk     uint64
	BytesSunk      uint64
	InvalidFrames  uint64
	Discarded      uint64
	Leaks          int
}

func (r *Run) BeforeCreate(tx *gorm.DB) error {
	if len(r.UUID) == 0 {
		r.UUID = uuid.NewString()
	}
	if len(r.Outcome) == 0 {
		r.Outcome = OutcomeRunning
	}
	return nil
}

func (r Run) Duration() time.Duration {
	if r.StoppedAt == nil {
		return 0
	}
	return r.StoppedAt.Sub(r.StartedAt)
}
