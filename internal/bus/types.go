package bus

import (
	"sync"
	"time"
)

// InboundMessage is a normalised event from any channel adapter
// (telegram, whatsapp, discord, slack, email, gateway, scheduler, cli).
type InboundMessage struct {
	Source        string            `json:"source"`
	SourceID      string            `json:"source_id"`
	UserID        string            `json:"user_id,omitempty"`
	SenderName    string            `json:"sender_name,omitempty"`
	Content       string            `json:"content"`
	MessageID     string            `json:"message_id"`
	ReplyContext  string            `json:"reply_context,omitempty"`
	MediaPaths    []string          `json:"media_paths,omitempty"`
	MediaAnalysis string            `json:"media_analysis,omitempty"`
	ChannelName   string            `json:"channel_name,omitempty"`
	IsCommand     bool              `json:"is_command,omitempty"`
	IsMention     bool              `json:"is_mention,omitempty"`
	IsExternal    bool              `json:"is_external,omitempty"`
	IsOwner       bool              `json:"is_owner,omitempty"`
	SuppressReply bool              `json:"suppress_reply,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Event is a named event broadcast to subscribers (and, through the
// gateway transport, to external clients).
type Event struct {
	Name    string      `json:"name"`
	Time    time.Time   `json:"time"`
	Payload interface{} `json:"payload,omitempty"`
}

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// Publisher abstracts event broadcast + subscription so components decouple
// from the concrete Bus.
type Publisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Publish(name string, payload interface{})
}

// Bus is an in-process named-event bus. Handlers run synchronously in
// subscription order; they must not block.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]EventHandler
	order    []string
}

func New() *Bus {
	return &Bus{handlers: make(map[string]EventHandler)}
}

func (b *Bus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.handlers[id]; !ok {
		b.order = append(b.order, id)
	}
	b.handlers[id] = handler
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
	for i, v := range b.order {
		if v == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

func (b *Bus) Publish(name string, payload interface{}) {
	ev := Event{Name: name, Time: time.Now(), Payload: payload}
	b.mu.RLock()
	hs := make([]EventHandler, 0, len(b.order))
	for _, id := range b.order {
		if h, ok := b.handlers[id]; ok {
			hs = append(hs, h)
		}
	}
	b.mu.RUnlock()
	for _, h := range hs {
		h(ev)
	}
}
