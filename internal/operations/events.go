package operations

import (
	"sync"
	"time"
)

// EventType names a scheduler transition
type EventType string

const (
	EventQueued    EventType = "asset:queued"
	EventStarted   EventType = "asset:started"
	EventSucceeded EventType = "asset:succeeded"
	EventFailed    EventType = "asset:failed"
	EventSkipped   EventType = "asset:skipped"
	EventBlocked   EventType = "asset:blocked"
	EventRetry     EventType = "asset:retry_scheduled"
)

// Event is published to listeners on every transition, in the order the
// transitions happened.
type Event struct {
	Type       EventType     `json:"type"`
	Asset      string        `json:"asset"`
	Partition  string        `json:"partition,omitempty"`
	RunID      string        `json:"run_id,omitempty"`
	Attempt    int           `json:"attempt,omitempty"`
	Rows       int64         `json:"rows,omitempty"`
	Message    string        `json:"message,omitempty"`
	Error      string        `json:"error,omitempty"`
	ErrorKind  ErrorKind     `json:"error_kind,omitempty"`
	RetryDelay time.Duration `json:"retry_delay,omitempty"`
	Time       time.Time     `json:"time"`
}

// Listener receives scheduler events. OnEvent runs under the scheduler lock
// and must not block.
type Listener interface {
	OnEvent(Event)
}

// ListenerFunc adapts a function to Listener
type ListenerFunc func(Event)

func (f ListenerFunc) OnEvent(e Event) { f(e) }

// EventLog is a Listener that keeps every event; used by tests and the CLI.
type EventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *EventLog) OnEvent(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

// Events returns a copy of the received events
func (l *EventLog) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

// OfType returns the received events of type t
func (l *EventLog) OfType(t EventType) []Event {
	var out []Event
	for _, e := range l.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
