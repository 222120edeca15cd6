package session

// Phase is the lifecycle stage of the session.
type Phase int32

const (
	Connecting    Phase = iota // connect issued, waiting for the transport to open
	HandshakeSent              // device description delivered
	AwaitingStart              // idle until the server sends start
	Running                    // heartbeats flowing, commands accepted
	Stopping                   // actuator being switched off
	Closed                     // connection closed, session over
)

// String returns a human-readable name for the phase.
func (p Phase) String() string {
	switch p {
	case Connecting:
		return "Connecting"
	case HandshakeSent:
		return "HandshakeSent"
	case AwaitingStart:
		return "AwaitingStart"
	case Running:
		return "Running"
	case Stopping:
		return "Stopping"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// StopReason records why the session left its loop.
type StopReason int32

const (
	StopNone             StopReason = iota
	StopRequested                   // server sent stop
	StopRetriesExhausted            // retry budget used up
	StopCanceled                    // context canceled, e.g. SIGINT
)

// String returns a human-readable name for the reason.
func (r StopReason) String() string {
	switch r {
	case StopNone:
		return "none"
	case StopRequested:
		return "stop requested"
	case StopRetriesExhausted:
		return "retries exhausted"
	case StopCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}
