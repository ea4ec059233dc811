package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fredabila/orcbot-sub005/internal/bus"
	"github.com/fredabila/orcbot-sub005/pkg/protocol"
)

var (
	// ErrNotFound is returned for unknown action ids.
	ErrNotFound = errors.New("action not found")
	// ErrInvalidTransition is returned for status changes outside the DAG.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Queue is the durable priority queue of actions. Single writer: every
// mutation flushes the whole file atomically (write-tmp-then-rename), so a
// crash mid-mutation leaves the prior consistent state.
type Queue struct {
	mu        sync.Mutex
	actions   map[string]*Action
	path      string
	events    bus.Publisher
	retention int
}

// Options configure a Queue.
type Options struct {
	Path      string
	Events    bus.Publisher
	Retention int // terminal actions kept (default 200)
}

func New(opts Options) (*Queue, error) {
	if opts.Retention <= 0 {
		opts.Retention = 200
	}
	q := &Queue{
		actions:   make(map[string]*Action),
		path:      opts.Path,
		events:    opts.Events,
		retention: opts.Retention,
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

// load reads the queue file, recovering in-progress leases from a crash
// back to pending so they can be re-popped.
func (q *Queue) load() error {
	if q.path == "" {
		return nil
	}
	data, err := os.ReadFile(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read queue file: %w", err)
	}
	var stored []*Action
	if err := json.Unmarshal(data, &stored); err != nil {
		return fmt.Errorf("queue file corrupted: %w", err)
	}
	for _, a := range stored {
		if a.Status == StatusInProgress {
			a.Status = StatusPending
			a.LeasedAt = time.Time{}
			a.StatusNote = "recovered after restart"
		}
		q.actions[a.ID] = a
	}
	return nil
}

// flush persists all actions atomically. Callers hold q.mu.
func (q *Queue) flush() error {
	if q.path == "" {
		return nil
	}
	all := make([]*Action, 0, len(q.actions))
	for _, a := range q.actions {
		all = append(all, a)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Created.Before(all[j].Created) })

	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(q.path)
	tmp, err := os.CreateTemp(dir, "actions-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	tmp.Close()
	if err := os.Rename(tmpPath, q.path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

func (q *Queue) emit(name string, payload interface{}) {
	if q.events != nil {
		q.events.Publish(name, payload)
	}
}

// Push enqueues a new pending action and returns its id. Never blocks.
func (q *Queue) Push(description string, priority int, payload map[string]interface{}) (string, error) {
	now := time.Now()
	a := &Action{
		ID:          uuid.NewString(),
		Description: description,
		Priority:    priority,
		Status:      StatusPending,
		Created:     now,
		Updated:     now,
		Payload:     payload,
	}
	if payload != nil {
		if parent, ok := payload["parentActionId"].(string); ok {
			a.ParentID = parent
		}
	}

	q.mu.Lock()
	q.actions[a.ID] = a
	q.sweepRetention()
	err := q.flush()
	q.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("persist push: %w", err)
	}

	q.emit(protocol.EventActionPush, a.Clone())
	q.emit(protocol.EventActionQueued, map[string]interface{}{"id": a.ID, "priority": priority})
	slog.Info("action pushed", "id", a.ID, "priority", priority)
	return a.ID, nil
}

// Pop returns the highest-priority pending action, atomically leasing it
// in-progress. Ties break FIFO by creation time. Returns nil when empty.
func (q *Queue) Pop() (*Action, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var best *Action
	for _, a := range q.actions {
		if a.Status != StatusPending {
			continue
		}
		if best == nil || a.Priority > best.Priority ||
			(a.Priority == best.Priority && a.Created.Before(best.Created)) {
			best = a
		}
	}
	if best == nil {
		return nil, nil
	}

	best.Status = StatusInProgress
	best.LeasedAt = time.Now()
	best.Updated = best.LeasedAt
	if err := q.flush(); err != nil {
		return nil, fmt.Errorf("persist pop: %w", err)
	}
	return best.Clone(), nil
}

// UpdateStatus applies a DAG-checked transition. Fails loudly on invalid
// transitions without mutating anything.
func (q *Queue) UpdateStatus(id string, to Status, reason string) error {
	q.mu.Lock()
	a, ok := q.actions[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !CanTransition(a.Status, to) {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s → %s (action %s)", ErrInvalidTransition, a.Status, to, id)
	}

	a.Status = to
	a.Updated = time.Now()
	a.StatusNote = reason
	if to != StatusInProgress {
		a.LeasedAt = time.Time{}
	}
	if to.Terminal() {
		q.sweepRetention()
	}
	err := q.flush()
	q.mu.Unlock()
	if err != nil {
		return fmt.Errorf("persist status: %w", err)
	}

	// Emit outside the lock so a handler may call back into the queue.
	if to == StatusCancelled || to == StatusFailed {
		q.emit(protocol.EventActionCancelled, map[string]interface{}{"id": id, "status": string(to), "reason": reason})
	}
	return nil
}

// UpdatePayload merges patch into the action payload.
func (q *Queue) UpdatePayload(id string, patch map[string]interface{}) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	a, ok := q.actions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if a.Payload == nil {
		a.Payload = make(map[string]interface{})
	}
	for k, v := range patch {
		a.Payload[k] = v
	}
	a.Updated = time.Now()
	return q.flush()
}

// AppendDescription adds guidance text to the action description.
func (q *Queue) AppendDescription(id, text string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	a, ok := q.actions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	a.Description += "\n\n" + text
	a.Updated = time.Now()
	return q.flush()
}

// IncrementSteps bumps the per-action step counter and returns it.
func (q *Queue) IncrementSteps(id string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	a, ok := q.actions[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	a.Steps++
	a.Updated = time.Now()
	return a.Steps, q.flush()
}

// Get returns a copy of the action.
func (q *Queue) Get(id string) (*Action, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	a, ok := q.actions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return a.Clone(), nil
}

// List returns all actions ordered by priority then FIFO, non-terminal first.
func (q *Queue) List() []*Action {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Action, 0, len(q.actions))
	for _, a := range q.actions {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].Status.Terminal(), out[j].Status.Terminal()
		if ti != tj {
			return !ti
		}
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Created.Before(out[j].Created)
	})
	return out
}

// GetCounts summarises occupancy by status.
func (q *Queue) GetCounts() Counts {
	q.mu.Lock()
	defer q.mu.Unlock()

	var c Counts
	for _, a := range q.actions {
		switch a.Status {
		case StatusPending:
			c.Pending++
		case StatusWaiting:
			c.Waiting++
		case StatusInProgress:
			c.InProgress++
		case StatusCompleted:
			c.Completed++
		case StatusFailed:
			c.Failed++
		case StatusCancelled:
			c.Cancelled++
		}
	}
	return c
}

// CountsText renders the counts as a one-line status summary.
func (q *Queue) CountsText() string {
	c := q.GetCounts()
	return fmt.Sprintf("pending=%d waiting=%d in-progress=%d completed=%d failed=%d cancelled=%d",
		c.Pending, c.Waiting, c.InProgress, c.Completed, c.Failed, c.Cancelled)
}

// Cancel transitions a non-terminal action to cancelled.
func (q *Queue) Cancel(id, reason string) error {
	return q.UpdateStatus(id, StatusCancelled, reason)
}

// Clear cancels all non-terminal actions.
func (q *Queue) Clear(reason string) error {
	q.mu.Lock()
	var cancelled []string
	for _, a := range q.actions {
		if !a.Status.Terminal() {
			a.Status = StatusCancelled
			a.Updated = time.Now()
			a.StatusNote = reason
			a.LeasedAt = time.Time{}
			cancelled = append(cancelled, a.ID)
		}
	}
	err := q.flush()
	q.mu.Unlock()
	if err != nil {
		return fmt.Errorf("persist clear: %w", err)
	}

	q.emit(protocol.EventActionCleared, map[string]interface{}{"reason": reason, "count": len(cancelled)})
	return nil
}

// SweepStale fails in-progress actions leased longer than maxRun and
// closes waiting actions idle longer than maxStale. Returns affected ids.
func (q *Queue) SweepStale(maxRun, maxStale time.Duration) []string {
	now := time.Now()

	q.mu.Lock()
	var swept []string
	type note struct {
		id, status, reason string
	}
	var notes []note
	for _, a := range q.actions {
		switch {
		case a.Status == StatusInProgress && !a.LeasedAt.IsZero() && now.Sub(a.LeasedAt) > maxRun:
			a.Status = StatusFailed
			a.StatusNote = fmt.Sprintf("stale: in-progress for %s", now.Sub(a.LeasedAt).Round(time.Minute))
			a.Updated = now
			a.LeasedAt = time.Time{}
			swept = append(swept, a.ID)
			notes = append(notes, note{a.ID, string(StatusFailed), a.StatusNote})
		case a.Status == StatusWaiting && now.Sub(a.Updated) > maxStale:
			a.Status = StatusCancelled
			a.StatusNote = "abandoned: no clarification received"
			a.Updated = now
			swept = append(swept, a.ID)
			notes = append(notes, note{a.ID, string(StatusCancelled), a.StatusNote})
		}
	}
	if len(swept) > 0 {
		q.sweepRetention()
		if err := q.flush(); err != nil {
			slog.Error("queue: stale sweep persist failed", "error", err)
		}
	}
	q.mu.Unlock()

	for _, n := range notes {
		q.emit(protocol.EventActionCancelled, map[string]interface{}{"id": n.id, "status": n.status, "reason": n.reason})
		slog.Warn("stale action swept", "id", n.id, "status", n.status)
	}
	return swept
}

// sweepRetention drops the oldest terminal actions beyond the cap,
// ordered by last update descending. Callers hold q.mu.
func (q *Queue) sweepRetention() {
	var terminal []*Action
	for _, a := range q.actions {
		if a.Status.Terminal() {
			terminal = append(terminal, a)
		}
	}
	if len(terminal) <= q.retention {
		return
	}
	sort.Slice(terminal, func(i, j int) bool { return terminal[i].Updated.After(terminal[j].Updated) })
	for _, a := range terminal[q.retention:] {
		delete(q.actions, a.ID)
	}
}
