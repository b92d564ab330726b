// Package eventbus provides a small in-process, topic-keyed publish/subscribe
// mechanism used to decouple the gateway's components: config reload,
// downstream service lifecycle, tool-sync reconciliation and endpoint status
// changes are all observed through the same Bus rather than bespoke
// observer interfaces per component.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
)

// Topic names the well-known events components publish and subscribe to.
type Topic string

const (
	TopicConfigUpdated         Topic = "config:updated"
	TopicConfigError           Topic = "config:error"
	TopicMCPServerAdded        Topic = "mcp:server:added"
	TopicMCPServerRemoved      Topic = "mcp:server:removed"
	TopicServiceRestartStarted Topic = "service:restart:started"
	TopicServiceRestartDone    Topic = "service:restart:completed"
	TopicServiceRestartFailed  Topic = "service:restart:failed"
	TopicToolSyncGeneral       Topic = "tool-sync:general-config-updated"
	TopicToolSyncServerTools   Topic = "tool-sync:server-tools-updated"
	TopicNpmInstallStarted     Topic = "npm:install:started"
	TopicNpmInstallDone        Topic = "npm:install:completed"
	TopicNpmInstallFailed      Topic = "npm:install:failed"
	TopicStatusUpdated         Topic = "status:updated"
	TopicStatusError           Topic = "status:error"
	TopicEndpointStatusChanged Topic = "endpoint:status:changed"
)

// Handler receives a single event payload. Handlers run synchronously and
// in registration order; a panic inside a handler is recovered and logged,
// never propagated back to the publisher.
type Handler func(ctx context.Context, payload any)

// Bus is a synchronous, in-process publish/subscribe registry. The zero
// value is not usable; construct with New.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Topic][]Handler
	logger   *slog.Logger
}

// New creates an empty Bus. Pass nil for logger to use slog.Default().
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[Topic][]Handler),
		logger:   logger.With("component", "eventbus"),
	}
}

// Subscribe registers handler to run whenever topic is published.
func (b *Bus) Subscribe(topic Topic, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], handler)
}

// Publish invokes every handler registered for topic, in order. Handler
// panics are recovered and logged; Publish itself never returns an error
// because subscribers observe, they do not gate the publisher.
func (b *Bus) Publish(ctx context.Context, topic Topic, payload any) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers[topic]))
	copy(handlers, b.handlers[topic])
	b.mu.RUnlock()

	for _, h := range handlers {
		b.invoke(ctx, topic, h, payload)
	}
}

func (b *Bus) invoke(ctx context.Context, topic Topic, h Handler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "topic", topic, "panic", r)
		}
	}()
	h(ctx, payload)
}
