// Package queue owns the Action lifecycle: a durable priority queue of
// work items popped by the scheduler and driven by the reasoning loop.
package queue

import (
	"time"
)

// Status is an action lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusWaiting    Status = "waiting"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether s is a sticky end state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// validTransitions is the lifecycle DAG: pending↔waiting → in-progress →
// terminal. Terminal states have no outgoing edges.
var validTransitions = map[Status][]Status{
	StatusPending:    {StatusWaiting, StatusInProgress, StatusCancelled, StatusFailed, StatusCompleted},
	StatusWaiting:    {StatusPending, StatusInProgress, StatusCancelled, StatusFailed},
	StatusInProgress: {StatusPending, StatusWaiting, StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether from → to is an edge of the lifecycle DAG.
func CanTransition(from, to Status) bool {
	if from == to {
		return false
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Action is a unit of work.
type Action struct {
	ID          string                 `json:"id"`
	Description string                 `json:"description"`
	Priority    int                    `json:"priority"`
	Status      Status                 `json:"status"`
	Created     time.Time              `json:"created"`
	Updated     time.Time              `json:"updated"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Steps       int                    `json:"steps"`
	ParentID    string                 `json:"parentId,omitempty"`
	StatusNote  string                 `json:"statusNote,omitempty"`

	// LeasedAt is set when pop transitions the action to in-progress; the
	// stale sweep compares it against maxActionRunMinutes.
	LeasedAt time.Time `json:"leasedAt,omitempty"`
}

// Clone returns a deep-enough copy so callers never share payload maps
// with the queue's internal state.
func (a *Action) Clone() *Action {
	cp := *a
	if a.Payload != nil {
		cp.Payload = make(map[string]interface{}, len(a.Payload))
		for k, v := range a.Payload {
			cp.Payload[k] = v
		}
	}
	return &cp
}

// Counts summarises queue occupancy by status.
type Counts struct {
	Pending    int `json:"pending"`
	Waiting    int `json:"waiting"`
	InProgress int `json:"inProgress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}
