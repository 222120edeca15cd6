// Package session runs the client side of the control protocol: it announces
// the device when a connection opens, waits for the server's start, then
// sends heartbeats and reacts to parameters, commands and stop.
//
// Two goroutines touch a Session. The transport delivers events to
// HandleEvent from its dispatcher goroutine; Run owns the heartbeat loop,
// the retry counter and every delay. Whatever path ends Run, the actuator is
// set to 0 before the connection is closed.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cyberinferno/motorlink/actuator"
	"github.com/cyberinferno/motorlink/endpoint"
	"github.com/cyberinferno/motorlink/logger"
	"github.com/cyberinferno/motorlink/message"
	"github.com/cyberinferno/motorlink/status"
)

// Close reasons sent to the server.
const (
	ReasonReconnect = "Trying to re-connect"
	ReasonQuit      = "Quit program"
)

// Transport is the part of the endpoint the session drives.
type Transport interface {
	Connect(address string) (endpoint.ConnectionID, error)
	Send(id endpoint.ConnectionID, text string) error
	Close(id endpoint.ConnectionID, code int, reason string) error
}

// Config holds session settings.
type Config struct {
	// Address is the control server URL; fixed for the life of the session.
	Address string
	// DeviceID is announced in the handshake.
	DeviceID string
	// HeartbeatInterval is the pause before each heartbeat while running.
	HeartbeatInterval time.Duration
	// SettleDelay is the wait after a reconnect before heartbeats resume.
	SettleDelay time.Duration
	// MaxRetries is the number of consecutive failures that ends the session.
	MaxRetries int
	// ActuatorTimeout bounds a single actuator call.
	ActuatorTimeout time.Duration
	// ReportTimeout bounds a single status report.
	ReportTimeout time.Duration
	// IdentityTimeout bounds a device identifier lookup before a handshake.
	IdentityTimeout time.Duration
}

// DefaultConfig returns the session defaults for the given server and device.
//
// Parameters:
//   - address: The control server URL
//   - deviceID: The hardware identifier announced in the handshake
//
// Returns:
//   - A Config with HeartbeatInterval 1s, SettleDelay 2s, MaxRetries 5,
//     ActuatorTimeout 10s, ReportTimeout 500ms and IdentityTimeout 10s
func DefaultConfig(address, deviceID string) Config {
	return Config{
		Address:           address,
		DeviceID:          deviceID,
		HeartbeatInterval: time.Second,
		SettleDelay:       2 * time.Second,
		MaxRetries:        5,
		ActuatorTimeout:   10 * time.Second,
		ReportTimeout:     500 * time.Millisecond,
		IdentityTimeout:   10 * time.Second,
	}
}

// Option customizes a Session.
type Option func(*Session)

// WithReporter publishes a status snapshot after every phase change and heartbeat.
func WithReporter(r status.Reporter) Option {
	return func(s *Session) {
		s.reporter = r
	}
}

// Identity looks up the device identifier announced in each handshake.
// *device.Resolver implements it.
type Identity interface {
	Resolve(ctx context.Context) (string, error)
	Invalidate()
}

// WithIdentity looks the device identifier up again before every handshake.
// Config.DeviceID is used until the first lookup succeeds and whenever one
// fails.
func WithIdentity(id Identity) Option {
	return func(s *Session) {
		s.identity = id
	}
}

// WithRunID overrides the random run id attached to logs and reports.
func WithRunID(id uuid.UUID) Option {
	return func(s *Session) {
		s.runID = id
	}
}

// linkResult is how the event path tells Run whether the current connection
// made it through the handshake.
type linkResult struct {
	id  endpoint.ConnectionID
	ok  bool
	err error
}

// Session is the single logical session with the control server. The same
// Session lives across reconnects; only its connection id changes.
type Session struct {
	config    Config
	transport Transport
	gateway   actuator.Gateway
	reporter  status.Reporter
	identity  Identity
	log       logger.Logger
	runID     uuid.UUID

	deviceMu  sync.Mutex
	deviceID  string
	handshake string

	connMu  sync.Mutex // held across Connect so events never see a stale id
	current endpoint.ConnectionID

	phaseMu sync.Mutex
	phase   Phase

	opened        atomic.Bool // any connection of this session has opened
	started       atomic.Bool
	stopRequested atomic.Bool
	speed         atomic.Int64
	retries       atomic.Int32
	stopReason    atomic.Int32

	startedCh chan struct{}
	startOnce sync.Once
	stopCh    chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
	doneOnce  sync.Once
	links     chan linkResult
	reports   chan status.Snapshot

	actuatorMu sync.Mutex
	halted     bool
}

// New creates a Session. Register HandleEvent with the transport before
// calling Run.
//
// Parameters:
//   - config: Session settings (e.g. from DefaultConfig)
//   - transport: Connection primitives, usually an *endpoint.Endpoint
//   - gateway: The actuator to drive
//   - log: Logger for session status lines
//   - opts: Optional settings such as WithReporter
//
// Returns:
//   - A new *Session, or an error if the handshake cannot be encoded
func New(config Config, transport Transport, gateway actuator.Gateway, log logger.Logger, opts ...Option) (*Session, error) {
	handshake, err := message.Encode(message.NewDevice(config.DeviceID))
	if err != nil {
		return nil, fmt.Errorf("build handshake: %w", err)
	}

	if config.MaxRetries <= 0 {
		config.MaxRetries = 1
	}
	if config.IdentityTimeout <= 0 {
		config.IdentityTimeout = DefaultConfig("", "").IdentityTimeout
	}

	s := &Session{
		config:    config,
		transport: transport,
		gateway:   gateway,
		reporter:  status.NopReporter{},
		runID:     uuid.New(),
		deviceID:  config.DeviceID,
		handshake: handshake,
		phase:     Connecting,
		startedCh: make(chan struct{}),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
		links:     make(chan linkResult, 8),
		reports:   make(chan status.Snapshot, 1),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.log = log.With(logger.F("component", "session"), logger.F("run_id", s.runID.String()))
	return s, nil
}

// Run connects and drives the session until it stops. It returns nil after
// a stop command or context cancellation, ErrRetriesExhausted when the
// retry budget ran out, and an error if the first connect could not even be
// started. In every case but the last the actuator has been set to 0 and the
// connection closed.
func (s *Session) Run(ctx context.Context) error {
	stopPublisher := s.startPublisher()
	defer stopPublisher()

	s.log.Info("session starting", logger.F("address", s.config.Address), logger.F("device_id", s.DeviceID()))

	if err := s.connect(); err != nil {
		return fmt.Errorf("connect %s: %w", s.config.Address, err)
	}

	reason := s.awaitStart(ctx)
	if reason == StopNone {
		reason = s.heartbeat(ctx)
	}

	s.shutdown(reason)

	if reason == StopRetriesExhausted {
		return ErrRetriesExhausted
	}

	return nil
}

// HandleEvent consumes a transport event. Events for connections other than
// the current one are ignored.
func (s *Session) HandleEvent(ev endpoint.Event) {
	current := s.ConnectionID()
	if ev.ConnectionID() != current {
		s.log.Debug("ignoring event from superseded connection",
			logger.F("conn_id", ev.ConnectionID()), logger.F("current", current))
		return
	}

	switch e := ev.(type) {
	case endpoint.Opened:
		s.onOpened(e)
	case endpoint.Failed:
		s.signal(linkResult{id: e.ID, err: e.Err})
	case endpoint.Closed:
		if s.identity != nil && !s.started.Load() {
			// the server may have refused a stale identifier
			s.identity.Invalidate()
		}
		s.signal(linkResult{id: e.ID, err: fmt.Errorf("closed with code %d: %s", e.Code, e.Reason)})
	case endpoint.MessageReceived:
		s.onMessage(e.Text)
	}
}

func (s *Session) onOpened(e endpoint.Opened) {
	s.opened.Store(true)

	if err := s.transport.Send(e.ID, s.nextHandshake()); err != nil {
		s.log.Warn("handshake failed", logger.F("conn_id", e.ID), logger.Err(err))
		s.signal(linkResult{id: e.ID, err: err})
		return
	}

	s.log.Info("handshake sent", logger.F("conn_id", e.ID), logger.F("server", e.Server))
	s.setPhase(HandshakeSent)
	s.setPhase(AwaitingStart)
	s.signal(linkResult{id: e.ID, ok: true})
}

// nextHandshake returns the handshake frame, refreshing the identifier first
// when an Identity is set.
func (s *Session) nextHandshake() string {
	s.deviceMu.Lock()
	current, handshake := s.deviceID, s.handshake
	s.deviceMu.Unlock()

	if s.identity == nil {
		return handshake
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.IdentityTimeout)
	defer cancel()

	id, err := s.identity.Resolve(ctx)
	if err != nil {
		s.log.Warn("device identifier lookup failed, reusing last", logger.F("device_id", current), logger.Err(err))
		return handshake
	}

	if id == current {
		return handshake
	}

	text, err := message.Encode(message.NewDevice(id))
	if err != nil {
		s.log.Error("build handshake", logger.F("device_id", id), logger.Err(err))
		return handshake
	}

	s.deviceMu.Lock()
	s.deviceID, s.handshake = id, text
	s.deviceMu.Unlock()

	s.log.Info("device identifier changed", logger.F("from", current), logger.F("to", id))
	return text
}

func (s *Session) onMessage(text string) {
	msg, err := message.Decode(text)
	if err != nil {
		s.log.Debug("ignoring frame", logger.Err(err))
		return
	}

	if _, ok := msg.(message.Start); ok {
		s.markStarted()
		return
	}

	if !s.started.Load() {
		s.log.Debug("ignoring message before start", logger.F("type", msg.Type()))
		return
	}

	switch m := msg.(type) {
	case message.Parameters:
		if m.Speed != nil {
			s.speed.Store(int64(*m.Speed))
			s.log.Info("speed updated", logger.F("speed", *m.Speed))
		}
	case message.Command:
		if m.Name != message.CommandStartMotor {
			s.log.Debug("ignoring unknown command", logger.F("command", m.Name))
			return
		}
		s.driveActuator(s.Speed())
	case message.Stop:
		s.requestStop()
	default:
		s.log.Debug("ignoring message", logger.F("type", msg.Type()))
	}
}

func (s *Session) markStarted() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}

	s.log.Info("start received")
	s.setPhase(Running)
	s.startOnce.Do(func() { close(s.startedCh) })
}

func (s *Session) requestStop() {
	if !s.stopRequested.CompareAndSwap(false, true) {
		return
	}

	s.log.Info("stop received")
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// signal hands a link outcome to Run. Once running, outcomes no longer
// matter: heartbeats are the only failure signal.
func (s *Session) signal(r linkResult) {
	if s.started.Load() {
		if r.err != nil {
			s.log.Info("connection lost", logger.F("conn_id", r.id), logger.Err(r.err))
		}
		return
	}

	select {
	case s.links <- r:
	case <-s.done:
	}
}

// driveActuator sets a non-zero level unless the session is already halting.
func (s *Session) driveActuator(level int) {
	s.actuatorMu.Lock()
	defer s.actuatorMu.Unlock()

	if s.halted {
		s.log.Warn("actuator halted, ignoring command", logger.F("level", level))
		return
	}

	s.setLevel(level)
}

// halt sets the actuator to 0 exactly once; later commands are refused.
func (s *Session) halt() {
	s.actuatorMu.Lock()
	defer s.actuatorMu.Unlock()

	if s.halted {
		return
	}

	s.halted = true
	s.setLevel(0)
}

// setLevel calls the gateway; caller must hold actuatorMu.
func (s *Session) setLevel(level int) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ActuatorTimeout)
	defer cancel()

	if err := s.gateway.SetLevel(ctx, level); err != nil {
		s.log.Error("actuator failed", logger.F("level", level), logger.Err(err))
		return
	}

	s.log.Info("actuator set", logger.F("level", level))
}

// connect issues a new connect and makes its id current.
func (s *Session) connect() error {
	s.setPhase(Connecting)

	s.connMu.Lock()
	defer s.connMu.Unlock()

	id, err := s.transport.Connect(s.config.Address)
	if err != nil {
		return err
	}

	s.current = id
	return nil
}

// setPhase moves the phase forward. Once started the session never drops
// below Running, and nothing leaves Stopping except Closed.
func (s *Session) setPhase(p Phase) {
	s.phaseMu.Lock()
	prev := s.phase
	if prev == p || (prev >= Stopping && p < prev) || (p < Running && s.started.Load()) {
		s.phaseMu.Unlock()
		return
	}

	s.phase = p
	s.phaseMu.Unlock()

	s.log.Info("phase changed", logger.F("from", prev.String()), logger.F("to", p.String()))
	s.report()
}

// report queues a snapshot for the publisher without waiting. Only the
// latest pending snapshot is kept.
func (s *Session) report() {
	snap := s.Snapshot()
	for {
		select {
		case s.reports <- snap:
			return
		default:
		}

		select {
		case <-s.reports:
		default:
		}
	}
}

// startPublisher sends queued snapshots to the reporter from its own
// goroutine. The returned func publishes whatever is still queued, then
// stops the goroutine.
func (s *Session) startPublisher() func() {
	stop := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			select {
			case snap := <-s.reports:
				s.publish(snap)
			case <-stop:
				select {
				case snap := <-s.reports:
					s.publish(snap)
				default:
				}
				return
			}
		}
	}()

	return func() {
		close(stop)
		<-done
	}
}

func (s *Session) publish(snap status.Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ReportTimeout)
	defer cancel()

	if err := s.reporter.Report(ctx, snap); err != nil {
		s.log.Debug("status report failed", logger.Err(err))
	}
}

// Snapshot returns the current state for diagnostics.
func (s *Session) Snapshot() status.Snapshot {
	return status.Snapshot{
		RunID:         s.runID.String(),
		DeviceID:      s.DeviceID(),
		Phase:         s.Phase().String(),
		ConnectionID:  uint32(s.ConnectionID()),
		Retries:       s.Retries(),
		Speed:         s.Speed(),
		Started:       s.Started(),
		StopRequested: s.StopRequested(),
		UpdatedAt:     time.Now(),
	}
}

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	s.phaseMu.Lock()
	defer s.phaseMu.Unlock()
	return s.phase
}

// ConnectionID returns the id of the current connection, 0 before the first connect.
func (s *Session) ConnectionID() endpoint.ConnectionID {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.current
}

// DeviceID returns the identifier announced in the latest handshake.
func (s *Session) DeviceID() string {
	s.deviceMu.Lock()
	defer s.deviceMu.Unlock()
	return s.deviceID
}

// Started reports whether the server has sent start.
func (s *Session) Started() bool { return s.started.Load() }

// StopRequested reports whether the server has sent stop.
func (s *Session) StopRequested() bool { return s.stopRequested.Load() }

// Speed returns the last speed received, unclamped.
func (s *Session) Speed() int { return int(s.speed.Load()) }

// Retries returns the number of consecutive failures so far.
func (s *Session) Retries() int { return int(s.retries.Load()) }

// StopReason returns why Run ended, StopNone while it is running.
func (s *Session) StopReason() StopReason { return StopReason(s.stopReason.Load()) }

// RunID returns the id attached to this session's logs and reports.
func (s *Session) RunID() uuid.UUID { return s.runID }
