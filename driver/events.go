package driver

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/o-tero/swproxy/manifest"
)

// EventType classifies driver lifecycle events.
type EventType string

const (
	// EventUpdateAvailable announces a new manifest hash before installation.
	EventUpdateAvailable EventType = "update-available"
	// EventUpdateActivated announces that a new version became latest.
	EventUpdateActivated EventType = "update-activated"
	// EventVersionFailed announces a version whose initialization failed.
	EventVersionFailed EventType = "version-failed"
	// EventDegraded announces a ready-state drop.
	EventDegraded EventType = "degraded"
)

// UpdateEvent is delivered to hosts so they can message their clients about
// lifecycle changes.
type UpdateEvent struct {
	ID        string        `json:"id"`
	Type      EventType     `json:"type"`
	Current   manifest.Hash `json:"current,omitempty"`
	Available manifest.Hash `json:"available,omitempty"`
	Detail    string        `json:"detail,omitempty"`
	At        time.Time     `json:"at"`
}

// Validate checks that the event is well-formed before delivery.
func (e *UpdateEvent) Validate() error {
	if e.ID == "" {
		return errors.New("event id is required")
	}
	if e.Type == "" {
		return errors.New("event type is required")
	}
	if e.At.IsZero() {
		return errors.New("event timestamp is required")
	}
	return nil
}

// Updates returns a stream of driver lifecycle events. Delivery is
// best-effort: a receiver that falls behind misses events rather than
// blocking the serving path.
func (d *Driver) Updates() <-chan UpdateEvent {
	ch := make(chan UpdateEvent, 16)
	d.eventsMu.Lock()
	d.subscribers = append(d.subscribers, ch)
	d.eventsMu.Unlock()
	return ch
}

// recordEvent stamps, logs and fans out one event.
func (d *Driver) recordEvent(event UpdateEvent) {
	event.ID = uuid.NewString()
	event.At = d.clock.Now()
	if err := event.Validate(); err != nil {
		return
	}

	d.eventsMu.Lock()
	d.eventLog = append(d.eventLog, LogEntry{
		Type:   event.Type,
		Detail: eventDetail(event),
		At:     event.At,
	})
	if len(d.eventLog) > eventLogLimit {
		d.eventLog = d.eventLog[len(d.eventLog)-eventLogLimit:]
	}
	subscribers := make([]chan UpdateEvent, len(d.subscribers))
	copy(subscribers, d.subscribers)
	d.eventsMu.Unlock()

	for _, ch := range subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}
