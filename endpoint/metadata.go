package endpoint

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// ConnectionID identifies one connect attempt. IDs are assigned in increasing
// order starting at 1, so 0 never names a connection.
type ConnectionID uint32

// idGenerator hands out monotonically increasing connection ids.
type idGenerator struct {
	id atomic.Uint32
}

func (g *idGenerator) next() ConnectionID {
	return ConnectionID(g.id.Add(1))
}

// Status is the state of a single connection.
type Status int

const (
	StatusConnecting Status = iota // dial in progress
	StatusOpen                     // handshake completed, frames may be sent
	StatusFailed                   // dial failed or was canceled
	StatusClosed                   // connection ended after being open
)

// String returns a human-readable name for the status.
func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "Connecting"
	case StatusOpen:
		return "Open"
	case StatusFailed:
		return "Failed"
	case StatusClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// metadata is the per-connection record kept for the life of the process.
type metadata struct {
	id      ConnectionID
	address string

	mu          sync.Mutex
	writeMu     sync.Mutex // serializes data frames; gorilla allows one writer
	status      Status
	conn        *websocket.Conn
	server      string
	errorReason string
	closing     bool
	cancelDial  context.CancelFunc
}

// Snapshot is a point-in-time copy of a connection's metadata.
type Snapshot struct {
	ID          ConnectionID
	Address     string
	Status      Status
	Server      string
	ErrorReason string
	Closing     bool
}

func (m *metadata) snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		ID:          m.id,
		Address:     m.address,
		Status:      m.status,
		Server:      m.server,
		ErrorReason: m.errorReason,
		Closing:     m.closing,
	}
}

// String renders the snapshot the way the status dump prints it.
func (s Snapshot) String() string {
	server := s.Server
	if server == "" {
		server = "None Specified"
	}

	reason := s.ErrorReason
	if reason == "" {
		reason = "N/A"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "> URI: %s\n", s.Address)
	fmt.Fprintf(&b, "> Status: %s\n", s.Status)
	fmt.Fprintf(&b, "> Remote Server: %s\n", server)
	fmt.Fprintf(&b, "> Error/close reason: %s\n", reason)
	return b.String()
}

// registry is the connection table keyed by id. Entries are never evicted.
type registry struct {
	m sync.Map
}

func (r *registry) store(md *metadata) {
	r.m.Store(md.id, md)
}

func (r *registry) load(id ConnectionID) (*metadata, bool) {
	v, ok := r.m.Load(id)
	if !ok {
		return nil, false
	}

	return v.(*metadata), true
}

// rangeAll calls f for each connection until f returns false.
func (r *registry) rangeAll(f func(md *metadata) bool) {
	r.m.Range(func(_, v any) bool {
		return f(v.(*metadata))
	})
}
