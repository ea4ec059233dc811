package guard

import (
	"sync"
	"time"
)

const defaultIncidentRetention = 30

// Incident records one thing that went wrong (or was notable) during a
// reasoning step for a particular action.
type Incident struct {
	ActionID string    `json:"actionId"`
	Step     int       `json:"step"`
	Note     string    `json:"note"`
	Time     time.Time `json:"time"`
}

// IncidentLog keeps a bounded per-action ring of incidents in insertion
// order. It is safe for concurrent use.
type IncidentLog struct {
	mu        sync.RWMutex
	retention int
	byAction  map[string][]Incident
}

func NewIncidentLog() *IncidentLog {
	return &IncidentLog{
		retention: defaultIncidentRetention,
		byAction:  make(map[string][]Incident),
	}
}

// Record appends an incident for the action, evicting the oldest entry
// once the per-action retention is exceeded.
func (l *IncidentLog) Record(actionID string, step int, note string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries := append(l.byAction[actionID], Incident{
		ActionID: actionID,
		Step:     step,
		Note:     note,
		Time:     time.Now(),
	})
	if len(entries) > l.retention {
		entries = entries[len(entries)-l.retention:]
	}
	l.byAction[actionID] = entries
}

// Recent returns up to limit incidents for the action, oldest first.
func (l *IncidentLog) Recent(actionID string, limit int) []Incident {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entries := l.byAction[actionID]
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]Incident, len(entries))
	copy(out, entries)
	return out
}

// Forget clears the incident history for a finished action.
func (l *IncidentLog) Forget(actionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.byAction, actionID)
}
