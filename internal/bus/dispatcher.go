package bus

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/fredabila/orcbot-sub005/pkg/protocol"
)

// TaskQueue is the slice of the action queue the dispatcher needs.
type TaskQueue interface {
	Push(description string, priority int, payload map[string]interface{}) (string, error)
}

// MemoryWriter is the slice of the memory manager the dispatcher needs.
type MemoryWriter interface {
	ResolveScope(source, sourceID, userID string) string
	SaveShort(scopeID, content string, meta map[string]string) error
}

// ConfigReader is the slice of the config store the dispatcher needs.
type ConfigReader interface {
	GetBool(key string, def bool) bool
	GetDuration(key string, def time.Duration) time.Duration
}

// Task priorities by inbound kind.
const (
	PriorityCommand     = 8
	PriorityOwnerSelf   = 7
	PriorityReply       = 5
	PriorityStatus      = 4
	PriorityObservation = 1
)

// Dispatcher normalises inbound messages into queued actions.
type Dispatcher struct {
	cfg    ConfigReader
	memory MemoryWriter
	queue  TaskQueue
	events Publisher

	mu       sync.Mutex
	seen     map[string]time.Time   // messageID → first-seen (dedup window)
	limiters map[string]*rate.Limiter // scopeID → non-command limiter
}

func NewDispatcher(cfg ConfigReader, memory MemoryWriter, queue TaskQueue, events Publisher) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		memory:   memory,
		queue:    queue,
		events:   events,
		seen:     make(map[string]time.Time),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Dispatch resolves scope, persists the inbound message to short memory,
// applies auto-reply policy, and pushes a task to the queue. Returns the
// pushed action id, or "" when the message was deduplicated or suppressed.
func (d *Dispatcher) Dispatch(msg InboundMessage) (string, error) {
	if msg.Source == "" || msg.Content == "" {
		return "", fmt.Errorf("dispatch: source and content are required")
	}

	scopeID := d.memory.ResolveScope(msg.Source, msg.SourceID, msg.UserID)

	// Operator presence signal for HITL suppression — emitted even for
	// deduplicated or suppressed messages.
	d.events.Publish(protocol.EventUserActivity, map[string]string{
		"source":   msg.Source,
		"sourceId": msg.SourceID,
		"userId":   msg.UserID,
	})

	if msg.MessageID != "" && d.isDuplicate(msg.MessageID) {
		slog.Debug("dispatch: duplicate message dropped", "messageId", msg.MessageID, "source", msg.Source)
		return "", nil
	}

	content := canonicalContent(msg)
	meta := map[string]string{
		"role":      "user",
		"source":    msg.Source,
		"sourceId":  msg.SourceID,
		"messageId": msg.MessageID,
	}
	if msg.UserID != "" {
		meta["userId"] = msg.UserID
	}
	if err := d.memory.SaveShort(scopeID, content, meta); err != nil {
		slog.Warn("dispatch: inbound memory write failed", "error", err)
	}

	// Auto-reply policy: commands always pass; everything else honours the
	// per-channel toggle and the suppressReply flag.
	if !msg.IsCommand {
		if msg.SuppressReply {
			return "", nil
		}
		if !d.cfg.GetBool(msg.Source+"AutoReplyEnabled", true) {
			slog.Debug("dispatch: auto-reply disabled", "source", msg.Source)
			return "", nil
		}
		if !d.limiter(scopeID).Allow() {
			slog.Warn("dispatch: rate limited", "scope", scopeID)
			return "", nil
		}
	}

	desc, priority := taskFor(msg)
	payload := map[string]interface{}{
		"source":              msg.Source,
		"sourceId":            msg.SourceID,
		"userId":              msg.UserID,
		"messageId":           msg.MessageID,
		"sessionScopeId":      scopeID,
		"lastUserMessageText": msg.Content,
	}
	if msg.ChannelName != "" {
		payload["channelName"] = msg.ChannelName
	}
	if msg.Metadata != nil {
		payload["metadata"] = msg.Metadata
	}

	id, err := d.queue.Push(desc, priority, payload)
	if err != nil {
		return "", fmt.Errorf("dispatch: push: %w", err)
	}
	return id, nil
}

// isDuplicate records messageID and reports whether it was already seen
// inside the dedup window.
func (d *Dispatcher) isDuplicate(messageID string) bool {
	window := d.cfg.GetDuration("messageDedupWindowSeconds", 2*time.Minute)
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()
	for id, at := range d.seen {
		if now.Sub(at) > window {
			delete(d.seen, id)
		}
	}
	if at, ok := d.seen[messageID]; ok && now.Sub(at) <= window {
		return true
	}
	d.seen[messageID] = now
	return false
}

func (d *Dispatcher) limiter(scopeID string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.limiters[scopeID]
	if !ok {
		// Sustained 30/min with a small burst, mirroring the per-key
		// webhook limits the channel adapters apply upstream.
		l = rate.NewLimiter(rate.Every(2*time.Second), 10)
		d.limiters[scopeID] = l
	}
	return l
}

// canonicalContent composes the memory content string for an inbound
// message: sender, channel, body, reply context, media analysis.
func canonicalContent(msg InboundMessage) string {
	var b strings.Builder
	sender := msg.SenderName
	if sender == "" {
		sender = msg.SourceID
	}
	fmt.Fprintf(&b, "[%s] %s: %s", msg.Source, sender, msg.Content)
	if msg.ReplyContext != "" {
		fmt.Fprintf(&b, "\n(replying to: %s)", msg.ReplyContext)
	}
	if msg.MediaAnalysis != "" {
		fmt.Fprintf(&b, "\n(media: %s)", msg.MediaAnalysis)
	}
	return b.String()
}

// taskFor builds the task description and priority using the
// channel-specific templates.
func taskFor(msg InboundMessage) (string, int) {
	sender := msg.SenderName
	if sender == "" {
		sender = msg.SourceID
	}

	switch {
	case msg.IsCommand && msg.IsOwner && msg.Source == "cli":
		return fmt.Sprintf("Operator command (run directly, no confirmation needed): %s", msg.Content), PriorityOwnerSelf
	case msg.IsCommand:
		return fmt.Sprintf("Execute command from %s on %s: %s", sender, msg.Source, msg.Content), PriorityCommand
	case msg.Source == "email":
		return fmt.Sprintf("Reply to the email from %s (keep the thread: respond with send_email using the same subject and message id %s): %s",
			sender, msg.MessageID, msg.Content), PriorityReply
	case msg.Source == "whatsapp" && msg.ChannelName == "status":
		return fmt.Sprintf("A WhatsApp status from %s needs a reaction (you must use reply_whatsapp_status): %s", sender, msg.Content), PriorityStatus
	case msg.IsExternal:
		return fmt.Sprintf("Observed external activity on %s from %s (no reply expected unless clearly useful): %s", msg.Source, sender, msg.Content), PriorityObservation
	default:
		return fmt.Sprintf("Reply to %s on %s: %s", sender, msg.Source, msg.Content), PriorityReply
	}
}
