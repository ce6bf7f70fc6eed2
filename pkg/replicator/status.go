package replicator

import (
	"fmt"
)

// ActivityLevel is the coarse state of a replicator.
type ActivityLevel uint8

const (
	Stopped ActivityLevel = iota
	Idle
	Busy
)

func (a ActivityLevel) String() string {
	switch a {
	case Stopped:
		return "stopped"
	case Idle:
		return "idle"
	case Busy:
		return "busy"
	}
	return fmt.Sprintf("activity(%d)", uint8(a))
}

// Progress counts transferred revisions. Total is zero while unknown.
type Progress struct {
	Completed uint64 `json:"completed"`
	Total     uint64 `json:"total"`
}

// Fraction returns Completed/Total, or false when the total is unknown.
func (p Progress) Fraction() (float64, bool) {
	if p.Total == 0 {
		return 0, false
	}
	return float64(p.Completed) / float64(p.Total), true
}

// Status is a snapshot of a replicator.
type Status struct {
	Activity ActivityLevel `json:"activity"`
	Progress Progress      `json:"progress"`
	Error    error         `json:"-"`
}

func (s Status) String() string {
	if s.Error != nil {
		return fmt.Sprintf("%s %d/%d: %v", s.Activity, s.Progress.Completed, s.Progress.Total, s.Error)
	}
	return fmt.Sprintf("%s %d/%d", s.Activity, s.Progress.Completed, s.Progress.Total)
}

// Change is delivered to replicator listeners on every status change.
type Change struct {
	Replicator *Replicator
	Status     Status
}

func (c Change) String() string { return c.Status.String() }
