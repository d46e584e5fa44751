package apply

import (
	"log/slog"
	"time"
)

// EventType identifies a lifecycle phase of the apply loop an Observer
// can subscribe to.
type EventType string

const (
	EventBeginStart       EventType = "begin_start"
	EventCommitEnd        EventType = "commit_end"
	EventRowApplied       EventType = "row_applied"
	EventConflictResolved EventType = "conflict_resolved"
	EventMissingRow       EventType = "missing_row"
)

// Event is one lifecycle notification. Data carries phase-specific
// detail: a conflict.Report for EventConflictResolved, a
// MissingRowEvent for EventMissingRow, and so on.
type Event struct {
	Type      EventType
	Origin    string
	Timestamp time.Time
	Data      interface{}
}

// Observer receives lifecycle events from an Engine. Multiple observers
// can be attached; none of them can affect the apply loop's outcome —
// this is a notification channel, not a hook with veto power.
type Observer interface {
	OnEvent(Event)
}

// AddObserver attaches an observer to e's lifecycle notifications.
func (e *Engine) AddObserver(o Observer) {
	e.observers = append(e.observers, o)
}

// RemoveObserver detaches an observer previously added with AddObserver.
func (e *Engine) RemoveObserver(o Observer) {
	for i, existing := range e.observers {
		if existing == o {
			e.observers = append(e.observers[:i], e.observers[i+1:]...)
			return
		}
	}
}

func (e *Engine) notify(evt Event) {
	evt.Origin = e.sessionOrigin
	evt.Timestamp = time.Now()
	for _, o := range e.observers {
		o.OnEvent(evt)
	}
}

// LoggingObserver logs every lifecycle event as a structured log line.
type LoggingObserver struct {
	logger *slog.Logger
}

// NewLoggingObserver builds a LoggingObserver. A nil logger falls back
// to slog.Default().
func NewLoggingObserver(logger *slog.Logger) *LoggingObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{logger: logger}
}

// OnEvent implements Observer.
func (lo *LoggingObserver) OnEvent(evt Event) {
	lo.logger.Info("apply_lifecycle",
		"event", evt.Type,
		"origin", evt.Origin,
		"timestamp", evt.Timestamp,
		"data", evt.Data,
	)
}
