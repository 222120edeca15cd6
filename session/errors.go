package session

import "errors"

// ErrRetriesExhausted is returned by Run when the heartbeat retry budget ran
// out. The actuator has been switched off and the connection closed; callers
// should exit cleanly.
var ErrRetriesExhausted = errors.New("retry budget exhausted")
