package endpoint

// Event is delivered to the registered EventHandler from the dispatcher
// goroutine. Events for one connection arrive in the order they happened.
type Event interface {
	// ConnectionID returns the connection the event belongs to.
	ConnectionID() ConnectionID
}

// Opened is emitted once the websocket handshake completes.
type Opened struct {
	ID     ConnectionID
	Server string // remote Server header, may be empty
}

// Failed is emitted when a connection could not be established.
type Failed struct {
	ID  ConnectionID
	Err error
}

// Closed is emitted when an open connection ends, whoever closed it.
type Closed struct {
	ID     ConnectionID
	Code   int
	Reason string
}

// MessageReceived carries one inbound text frame.
type MessageReceived struct {
	ID   ConnectionID
	Text string
}

func (e Opened) ConnectionID() ConnectionID          { return e.ID }
func (e Failed) ConnectionID() ConnectionID          { return e.ID }
func (e Closed) ConnectionID() ConnectionID          { return e.ID }
func (e MessageReceived) ConnectionID() ConnectionID { return e.ID }

// EventHandler is called for every event. It runs on the dispatcher
// goroutine, so a slow handler delays delivery of later events.
type EventHandler func(event Event)
