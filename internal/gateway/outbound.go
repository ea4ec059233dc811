package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fredabila/orcbot-sub005/internal/bus"
	"github.com/fredabila/orcbot-sub005/pkg/protocol"
)

// Outbound delivers agent responses. The gateway channel is served
// in-process: responses become events for the transport, and the
// reasoning loop stores the assistant entry in the chat scope itself.
// Other channels need an adapter registered by the embedding process.
type Outbound struct {
	events   bus.Publisher
	logger   *slog.Logger
	adapters map[string]func(ctx context.Context, sourceID, text string) error
}

func NewOutbound(events bus.Publisher, logger *slog.Logger) *Outbound {
	if logger == nil {
		logger = slog.Default()
	}
	return &Outbound{
		events:   events,
		logger:   logger,
		adapters: make(map[string]func(ctx context.Context, sourceID, text string) error),
	}
}

// RegisterAdapter attaches a delivery function for a channel source.
func (o *Outbound) RegisterAdapter(source string, fn func(ctx context.Context, sourceID, text string) error) {
	o.adapters[source] = fn
}

// Send satisfies the skills outbound capability.
func (o *Outbound) Send(ctx context.Context, source, sourceID, text string) error {
	if source == "gateway" {
		if o.events != nil {
			o.events.Publish(protocol.EventGatewayChatResponse, map[string]interface{}{
				"sourceId": sourceID,
				"content":  text,
				"time":     time.Now(),
			})
		}
		return nil
	}

	if fn, ok := o.adapters[source]; ok {
		return fn(ctx, sourceID, text)
	}
	return fmt.Errorf("no outbound adapter for channel %q", source)
}
