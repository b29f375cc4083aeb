package session

// EventType names the events a session emits to its connection.
type EventType string

const (
	EventLog   EventType = "log"
	EventError EventType = "error"
	EventExit  EventType = "exit"
)

// Event is one outbound message for the owning connection.
type Event struct {
	Type     EventType
	Data     []byte // log
	Message  string // error
	ExitCode int    // exit
}

// Sink receives a session's events in order. Implementations may block to
// apply backpressure but must return once their connection is gone.
type Sink interface {
	Emit(ev Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev Event)

func (f SinkFunc) Emit(ev Event) { f(ev) }

const (
	stoppingNotice    = "\r\n\x1b[33m[System] Stopping interactive terminal process...\x1b[0m\r\n"
	missingToolNotice = "\r\n\x1b[31mError: required interpreter or tool not found.\x1b[0m"
)

func logEvent(p []byte) Event {
	return Event{Type: EventLog, Data: p}
}

func errorEvent(msg string) Event {
	return Event{Type: EventError, Message: msg}
}
