// Package queue mirrors the server-managed access queue that guards the
// shared, globally rate-limited keyword-research quota. Only one principal
// may hold the quota at a time; everyone else waits with a position. The
// client never retries or polls: it reflects whatever the server reports.
package queue

import "fmt"

// Status is the coarse queue state.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusWaiting  Status = "waiting"
	StatusAcquired Status = "acquired"
)

// State is the client's view of its place in the queue. Position and
// OccupantID are only meaningful while Status is StatusWaiting.
type State struct {
	Status     Status
	Position   int    // 1-based place in line
	OccupantID string // principal currently holding the quota, if reported
}

// Idle returns the zero queue state.
func Idle() State {
	return State{Status: StatusIdle}
}

// Waiting returns the state for a reported queue position. Positions below
// one are clamped to one.
func Waiting(position int, occupantID string) State {
	if position < 1 {
		position = 1
	}
	return State{Status: StatusWaiting, Position: position, OccupantID: occupantID}
}

// Acquired returns the state once the quota has been granted.
func Acquired() State {
	return State{Status: StatusAcquired}
}

// IsIdle reports whether the queue is idle. The zero State counts as idle.
func (s State) IsIdle() bool {
	return s.Status == StatusIdle || s.Status == ""
}

// Blocking reports whether local progress must be held back because the
// session is still waiting for the quota.
func (s State) Blocking() bool {
	return s.Status == StatusWaiting
}

func (s State) String() string {
	switch s.Status {
	case StatusWaiting:
		if s.OccupantID != "" {
			return fmt.Sprintf("waiting (#%d, held by %s)", s.Position, s.OccupantID)
		}
		return fmt.Sprintf("waiting (#%d)", s.Position)
	case StatusAcquired:
		return "acquired"
	default:
		return "idle"
	}
}
