// Package events is the in-process pub/sub bus the engine publishes run and
// plugin run lifecycle events to.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event types
const (
	WorkflowRunCreated   = "WORKFLOW_RUN_CREATED"
	WorkflowRunStarted   = "WORKFLOW_RUN_STARTED"
	WorkflowRunCompleted = "WORKFLOW_RUN_COMPLETED"
	WorkflowRunFailed    = "WORKFLOW_RUN_FAILED"
	WorkflowRunCancelled = "WORKFLOW_RUN_CANCELLED"
	WorkflowRunDeleted   = "WORKFLOW_RUN_DELETED"
	PluginRunStarted     = "PLUGIN_RUN_STARTED"
	PluginRunCompleted   = "PLUGIN_RUN_COMPLETED"
	PluginRunFailed      = "PLUGIN_RUN_FAILED"
)

// AllChannel receives every event.
const AllChannel = "*"

// Event is a lifecycle notification. Payload is a snapshot of the entity the
// event is about.
type Event struct {
	Type          string    `json:"type"`
	WorkflowID    uuid.UUID `json:"workflowId"`
	WorkflowRunID uuid.UUID `json:"workflowRunId"`
	Payload       any       `json:"payload,omitempty"`
	Timestamp     int64     `json:"timestamp"`
}

// WorkflowChannel is the channel of every event of one workflow.
func WorkflowChannel(id uuid.UUID) string { return "workflow:" + id.String() }

// RunChannel is the channel of every event of one run.
func RunChannel(id uuid.UUID) string { return "run:" + id.String() }

// Subscriber receives events. It is called synchronously from Publish and
// must not block.
type Subscriber func(evt *Event)

type subscription struct {
	id  uint64
	sub Subscriber
}

// Bus fans events out to channel subscribers.
type Bus struct {
	mu          sync.RWMutex
	nextID      uint64
	subscribers map[string][]subscription
	logger      *zap.SugaredLogger
}

// NewBus creates an empty bus.
func NewBus(logger *zap.SugaredLogger) *Bus {
	return &Bus{
		subscribers: make(map[string][]subscription),
		logger:      logger,
	}
}

// Subscribe registers sub on channel: AllChannel, WorkflowChannel(id) or
// RunChannel(id). The returned func removes only this subscription.
func (b *Bus) Subscribe(channel string, sub Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subscribers[channel] = append(b.subscribers[channel], subscription{id: id, sub: sub})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[channel]
		for i, s := range subs {
			if s.id == id {
				b.subscribers[channel] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		if len(b.subscribers[channel]) == 0 {
			delete(b.subscribers, channel)
		}
	}
}

// Unsubscribe removes all subscribers of a channel.
func (b *Bus) Unsubscribe(channel string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, channel)
}

// Publish delivers evt to the wildcard, workflow and run subscribers.
func (b *Bus) Publish(evt *Event) {
	if evt.Timestamp == 0 {
		evt.Timestamp = time.Now().UnixMilli()
	}

	channels := []string{AllChannel}
	if evt.WorkflowID != uuid.Nil {
		channels = append(channels, WorkflowChannel(evt.WorkflowID))
	}
	if evt.WorkflowRunID != uuid.Nil {
		channels = append(channels, RunChannel(evt.WorkflowRunID))
	}

	b.mu.RLock()
	var targets []Subscriber
	for _, ch := range channels {
		for _, s := range b.subscribers[ch] {
			targets = append(targets, s.sub)
		}
	}
	b.mu.RUnlock()

	b.logger.Debugw("publishing event",
		"type", evt.Type,
		"workflowId", evt.WorkflowID,
		"workflowRunId", evt.WorkflowRunID,
		"subscribers", len(targets),
	)
	for _, sub := range targets {
		sub(evt)
	}
}

// SubscriberCount returns the number of subscribers on channel.
func (b *Bus) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[channel])
}
