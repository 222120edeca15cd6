// Package endpoint provides the websocket transport used by the motor client.
// Connect is non-blocking: dialing, reading and event delivery run in
// background goroutines, and callers learn about progress through events
// delivered one at a time to the handler registered with OnEvent.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cyberinferno/motorlink/logger"
)

// Close codes used by the client.
const (
	CloseNormal         = websocket.CloseNormalClosure
	CloseGoingAway      = websocket.CloseGoingAway
	CloseServiceRestart = websocket.CloseServiceRestart
)

var (
	// ErrInvalidAddress is returned by Connect for addresses that are not ws:// or wss:// URLs.
	ErrInvalidAddress = errors.New("invalid address")
	// ErrConnectionNotFound is returned for ids that were never issued.
	ErrConnectionNotFound = errors.New("connection not found")
	// ErrNotOpen is returned by Send when the connection is not open.
	ErrNotOpen = errors.New("connection not open")
	// ErrShutdown is returned by Connect after Shutdown.
	ErrShutdown = errors.New("endpoint is shut down")
)

// Config holds transport settings.
type Config struct {
	// HandshakeTimeout bounds the websocket opening handshake.
	HandshakeTimeout time.Duration
	// WriteTimeout is the max duration for a single frame write; 0 means no timeout.
	WriteTimeout time.Duration
	// CloseTimeout is how long to wait for the peer's close reply before dropping the socket.
	CloseTimeout time.Duration
	// ReadLimit is the maximum inbound frame size in bytes.
	ReadLimit int64
	// EventBuffer is the capacity of the queue feeding the dispatcher.
	EventBuffer int
}

// DefaultConfig returns the transport defaults.
//
// Returns:
//   - A Config with HandshakeTimeout 10s, WriteTimeout 5s, CloseTimeout 2s,
//     ReadLimit 1MiB and EventBuffer 64.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		CloseTimeout:     2 * time.Second,
		ReadLimit:        1 << 20,
		EventBuffer:      64,
	}
}

// Endpoint owns every websocket connection made by the process and the
// goroutine that delivers their events. It is safe for concurrent use.
type Endpoint struct {
	config Config
	dialer *websocket.Dialer
	log    logger.Logger

	ids   idGenerator
	conns registry

	handlerMu sync.RWMutex
	handler   EventHandler

	events       chan Event
	dispatchDone chan struct{}

	mu       sync.Mutex
	shutdown bool
	wg       sync.WaitGroup
}

// New creates an Endpoint and starts its dispatcher goroutine. Call Shutdown
// to close connections and stop it.
//
// Parameters:
//   - config: Transport settings (e.g. from DefaultConfig)
//   - log: Logger for connection status lines
//
// Returns:
//   - A new *Endpoint ready for Connect
func New(config Config, log logger.Logger) *Endpoint {
	if config.EventBuffer <= 0 {
		config.EventBuffer = DefaultConfig().EventBuffer
	}

	e := &Endpoint{
		config: config,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.HandshakeTimeout,
		},
		log:          log.With(logger.F("component", "endpoint")),
		events:       make(chan Event, config.EventBuffer),
		dispatchDone: make(chan struct{}),
	}

	go e.dispatch()
	return e
}

// OnEvent registers the handler for connection events. Only one handler is
// active; repeated calls replace the previous handler. Events arriving while
// no handler is set are dropped.
func (e *Endpoint) OnEvent(handler EventHandler) {
	e.handlerMu.Lock()
	defer e.handlerMu.Unlock()
	e.handler = handler
}

// Connect starts connecting to address and returns the new connection's id
// without waiting for the handshake. The outcome arrives as an Opened or
// Failed event.
//
// Parameters:
//   - address: A ws:// or wss:// URL, e.g. "ws://192.168.1.1:7651"
//
// Returns:
//   - The id of the new connection
//   - ErrInvalidAddress if address cannot be dialed at all, ErrShutdown after Shutdown
func (e *Endpoint) Connect(address string) (ConnectionID, error) {
	if err := ValidateAddress(address); err != nil {
		e.log.Warn("connect initialization error", logger.Err(err))
		return 0, err
	}

	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return 0, ErrShutdown
	}

	ctx, cancel := context.WithCancel(context.Background())
	md := &metadata{
		id:         e.ids.next(),
		address:    address,
		status:     StatusConnecting,
		cancelDial: cancel,
	}
	e.conns.store(md)
	e.wg.Add(1)
	e.mu.Unlock()

	e.log.Info("connecting", logger.F("conn_id", md.id), logger.F("address", address))
	go e.run(ctx, md)

	return md.id, nil
}

// ValidateAddress checks that address is a ws:// or wss:// URL with a host.
func ValidateAddress(address string) error {
	u, err := url.Parse(address)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}

	if (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("%w: %q, expected ws://host:port", ErrInvalidAddress, address)
	}

	return nil
}

// Send writes one text frame on the connection.
//
// Parameters:
//   - id: The connection to write on
//   - text: The frame payload
//
// Returns:
//   - nil on success; ErrConnectionNotFound, ErrNotOpen or the write error otherwise
func (e *Endpoint) Send(id ConnectionID, text string) error {
	md, ok := e.conns.load(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrConnectionNotFound, id)
	}

	md.mu.Lock()
	status, closing, conn := md.status, md.closing, md.conn
	md.mu.Unlock()

	if status != StatusOpen || closing {
		return fmt.Errorf("%w: connection %d is %s", ErrNotOpen, id, status)
	}

	md.writeMu.Lock()
	defer md.writeMu.Unlock()

	if e.config.WriteTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(e.config.WriteTimeout)); err != nil {
			return fmt.Errorf("send on connection %d: %w", id, err)
		}
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		e.log.Warn("error sending message", logger.F("conn_id", id), logger.Err(err))
		return fmt.Errorf("send on connection %d: %w", id, err)
	}

	return nil
}

// Close starts the close handshake on the connection. A connection still
// dialing has its dial canceled. Closing a connection that is already
// closing, closed or failed is a no-op.
//
// Parameters:
//   - id: The connection to close
//   - code: The websocket close code, e.g. CloseNormal
//   - reason: Close reason text sent to the peer
//
// Returns:
//   - ErrConnectionNotFound for unknown ids, the write error if the close frame
//     could not be sent, nil otherwise
func (e *Endpoint) Close(id ConnectionID, code int, reason string) error {
	md, ok := e.conns.load(id)
	if !ok {
		e.log.Warn("no connection found", logger.F("conn_id", id))
		return fmt.Errorf("%w: %d", ErrConnectionNotFound, id)
	}

	md.mu.Lock()
	if md.closing || md.status == StatusFailed || md.status == StatusClosed {
		status := md.status
		md.mu.Unlock()
		e.log.Debug("close ignored", logger.F("conn_id", id), logger.F("status", status.String()))
		return nil
	}

	md.closing = true
	if md.status == StatusConnecting {
		cancel := md.cancelDial
		md.mu.Unlock()
		cancel()
		return nil
	}

	conn := md.conn
	md.mu.Unlock()

	deadline := time.Now().Add(e.config.CloseTimeout)
	err := conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	if err != nil {
		e.log.Warn("error initiating close", logger.F("conn_id", id), logger.Err(err))
		_ = conn.Close()
		return fmt.Errorf("close connection %d: %w", id, err)
	}

	// the read loop ends when the peer answers or the deadline passes
	_ = conn.SetReadDeadline(deadline)

	return nil
}

// Metadata returns a snapshot of the connection's record.
func (e *Endpoint) Metadata(id ConnectionID) (Snapshot, bool) {
	md, ok := e.conns.load(id)
	if !ok {
		return Snapshot{}, false
	}

	return md.snapshot(), true
}

// Connections returns snapshots of every connection ever made, ordered by id.
func (e *Endpoint) Connections() []Snapshot {
	var out []Snapshot
	e.conns.rangeAll(func(md *metadata) bool {
		out = append(out, md.snapshot())
		return true
	})

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Shutdown closes every open connection with CloseGoingAway, cancels pending
// dials, waits for all connection goroutines and stops the dispatcher.
// Idempotent.
func (e *Endpoint) Shutdown() {
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return
	}

	e.shutdown = true
	e.mu.Unlock()

	e.conns.rangeAll(func(md *metadata) bool {
		snap := md.snapshot()
		if snap.Closing {
			return true
		}

		switch snap.Status {
		case StatusOpen:
			e.log.Info("closing connection", logger.F("conn_id", snap.ID))
			if err := e.Close(snap.ID, CloseGoingAway, ""); err != nil {
				e.log.Warn("error closing connection", logger.F("conn_id", snap.ID), logger.Err(err))
			}
		case StatusConnecting:
			_ = e.Close(snap.ID, CloseGoingAway, "")
		}

		return true
	})

	e.wg.Wait()
	close(e.events)
	<-e.dispatchDone
}

// run dials the connection and then reads from it until it ends.
func (e *Endpoint) run(ctx context.Context, md *metadata) {
	defer e.wg.Done()
	defer md.cancelDial()

	conn, resp, err := e.dialer.DialContext(ctx, md.address, nil)

	var server string
	if resp != nil {
		server = resp.Header.Get("Server")
	}

	md.mu.Lock()
	md.server = server
	if err == nil && md.closing {
		// closed while the dial was finishing
		_ = conn.Close()
		err = context.Canceled
	}

	if err != nil {
		md.status = StatusFailed
		md.errorReason = err.Error()
		md.mu.Unlock()

		e.log.Warn("connection failed", logger.F("conn_id", md.id), logger.Err(err))
		e.emit(Failed{ID: md.id, Err: err})
		return
	}

	md.conn = conn
	md.status = StatusOpen
	md.mu.Unlock()

	if e.config.ReadLimit > 0 {
		conn.SetReadLimit(e.config.ReadLimit)
	}

	e.log.Info("connection open", logger.F("conn_id", md.id), logger.F("server", server))
	e.emit(Opened{ID: md.id, Server: server})

	e.readLoop(md, conn)
}

func (e *Endpoint) readLoop(md *metadata, conn *websocket.Conn) {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			code, reason := closeInfo(err)
			_ = conn.Close()

			md.mu.Lock()
			md.status = StatusClosed
			md.errorReason = fmt.Sprintf("close code: %d, close reason: %s", code, reason)
			md.mu.Unlock()

			e.log.Info("connection closed", logger.F("conn_id", md.id), logger.F("code", code), logger.F("reason", reason))
			e.emit(Closed{ID: md.id, Code: code, Reason: reason})
			return
		}

		if kind != websocket.TextMessage {
			e.log.Debug("dropping non-text frame", logger.F("conn_id", md.id), logger.F("bytes", len(data)))
			continue
		}

		e.emit(MessageReceived{ID: md.id, Text: string(data)})
	}
}

// closeInfo extracts the peer's close code and reason, or reports an abnormal
// closure for transport errors.
func closeInfo(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}

	return websocket.CloseAbnormalClosure, err.Error()
}

func (e *Endpoint) emit(ev Event) {
	e.events <- ev
}

func (e *Endpoint) dispatch() {
	defer close(e.dispatchDone)

	for ev := range e.events {
		e.handlerMu.RLock()
		handler := e.handler
		e.handlerMu.RUnlock()

		if handler != nil {
			handler(ev)
		}
	}
}
