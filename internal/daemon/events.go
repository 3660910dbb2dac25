package daemon

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// EventType represents the type of event being published.
type EventType string

// Event types for different categories of changes.
const (
	// Profile events
	EventConfigSwitched EventType = "config_switched"
	EventConfigChanged  EventType = "config_changed"

	// Settings events
	EventSettingsChanged EventType = "settings_changed"
	EventBackupRestored  EventType = "backup_restored"

	// Maintenance events
	EventRetentionCompleted EventType = "retention_completed"
	EventMigrationCompleted EventType = "migration_completed"

	// System events
	EventDaemonStatus EventType = "daemon_status"
)

// Event represents a single event published by the daemon.
type Event struct {
	ID        uint64          `json:"id"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// EventBus manages event subscriptions and publishing.
// It is thread-safe and designed for SSE broadcasting.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[uint64]chan *Event
	nextID      uint64
	eventID     atomic.Uint64
	bufferSize  int
	closed      bool
}

// NewEventBus creates a new EventBus with the given channel buffer size.
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &EventBus{
		subscribers: make(map[uint64]chan *Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe creates a new subscription and returns a channel for receiving events.
// The returned ID should be used to Unsubscribe when done.
func (eb *EventBus) Subscribe() (uint64, <-chan *Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return 0, nil
	}

	id := eb.nextID
	eb.nextID++

	ch := make(chan *Event, eb.bufferSize)
	eb.subscribers[id] = ch

	return id, ch
}

// Unsubscribe removes a subscription and closes its channel.
func (eb *EventBus) Unsubscribe(id uint64) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if ch, ok := eb.subscribers[id]; ok {
		close(ch)
		delete(eb.subscribers, id)
	}
}

// Publish broadcasts an event to all subscribers.
// If a subscriber's channel is full, the event is dropped for that subscriber.
func (eb *EventBus) Publish(eventType EventType, data interface{}) error {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return err
	}

	event := &Event{
		ID:        eb.eventID.Add(1),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      dataBytes,
	}

	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.closed {
		return nil
	}

	for _, ch := range eb.subscribers {
		select {
		case ch <- event:
		default:
			// Slow subscriber; drop rather than block the publisher.
		}
	}

	return nil
}

// SubscriberCount returns the current number of active subscribers.
func (eb *EventBus) SubscriberCount() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subscribers)
}

// Close closes the EventBus and all subscriber channels.
func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}

	eb.closed = true
	for id, ch := range eb.subscribers {
		close(ch)
		delete(eb.subscribers, id)
	}
}

// Event data structures for typed events

// SwitchData contains data for config switch events.
type SwitchData struct {
	From string `json:"from,omitempty"`
	To   string `json:"to"`
}

// ConfigChangeData contains data for add, update, delete and import events.
type ConfigChangeData struct {
	Operation string   `json:"operation"`
	Sections  []string `json:"sections,omitempty"`
}

// SettingsChangeData contains data for live settings file events.
type SettingsChangeData struct {
	Path string `json:"path"`
	Op   string `json:"op"`
}

// RestoreData contains data for backup restore events.
type RestoreData struct {
	Backup     string `json:"backup"`
	PreRestore string `json:"pre_restore,omitempty"`
}

// DaemonStatusData contains data for daemon heartbeat events.
type DaemonStatusData struct {
	Status      string    `json:"status"` // "running", "shutting_down"
	Uptime      string    `json:"uptime"`
	StartTime   time.Time `json:"start_time"`
	Subscribers int       `json:"subscribers"`
}
