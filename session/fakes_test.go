package session

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cyberinferno/motorlink/endpoint"
	"github.com/cyberinferno/motorlink/message"
	"github.com/cyberinferno/motorlink/status"
)

// call is one side effect observed by the fakes, in order.
type call struct {
	kind   string // connect, handshake, heartbeat, close, level
	id     endpoint.ConnectionID
	code   int
	reason string
	level  int
	failed bool
	text   string // handshake frame
}

type recorder struct {
	mu    sync.Mutex
	calls []call
}

func (r *recorder) add(c call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
}

func (r *recorder) all() []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]call(nil), r.calls...)
}

func (r *recorder) of(kind string) []call {
	var out []call
	for _, c := range r.all() {
		if c.kind == kind {
			out = append(out, c)
		}
	}
	return out
}

func (r *recorder) levels() []int {
	var out []int
	for _, c := range r.of("level") {
		out = append(out, c.level)
	}
	return out
}

// fakeTransport mimics the endpoint: Connect returns at once and events are
// delivered one at a time from a separate goroutine.
type fakeTransport struct {
	rec    *recorder
	events chan endpoint.Event

	mu           sync.Mutex
	nextID       endpoint.ConnectionID
	heartbeats   int
	connectErr   error
	onConnect    func(id endpoint.ConnectionID) endpoint.Event
	heartbeatErr func(n int) error
	handshakeErr func(id endpoint.ConnectionID) error
}

func newFakeTransport(rec *recorder) *fakeTransport {
	return &fakeTransport{
		rec:    rec,
		events: make(chan endpoint.Event, 64),
		onConnect: func(id endpoint.ConnectionID) endpoint.Event {
			return endpoint.Opened{ID: id, Server: "fake"}
		},
	}
}

// serve delivers events to handler until the channel is closed.
func (f *fakeTransport) serve(handler endpoint.EventHandler) {
	go func() {
		for ev := range f.events {
			handler(ev)
		}
	}()
}

func (f *fakeTransport) inject(ev endpoint.Event) {
	f.events <- ev
}

func (f *fakeTransport) setOnConnect(fn func(id endpoint.ConnectionID) endpoint.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onConnect = fn
}

func (f *fakeTransport) Connect(string) (endpoint.ConnectionID, error) {
	f.mu.Lock()
	if f.connectErr != nil {
		f.mu.Unlock()
		return 0, f.connectErr
	}
	f.nextID++
	id := f.nextID
	onConnect := f.onConnect
	f.mu.Unlock()

	f.rec.add(call{kind: "connect", id: id})
	if onConnect != nil {
		if ev := onConnect(id); ev != nil {
			f.events <- ev
		}
	}

	return id, nil
}

func (f *fakeTransport) Send(id endpoint.ConnectionID, text string) error {
	f.mu.Lock()
	if text != message.Heartbeat {
		fn := f.handshakeErr
		f.mu.Unlock()

		var err error
		if fn != nil {
			err = fn(id)
		}
		f.rec.add(call{kind: "handshake", id: id, failed: err != nil, text: text})
		return err
	}

	f.heartbeats++
	n := f.heartbeats
	fn := f.heartbeatErr
	f.mu.Unlock()

	var err error
	if fn != nil {
		err = fn(n)
	}
	f.rec.add(call{kind: "heartbeat", id: id, failed: err != nil})
	return err
}

func (f *fakeTransport) Close(id endpoint.ConnectionID, code int, reason string) error {
	f.rec.add(call{kind: "close", id: id, code: code, reason: reason})
	return nil
}

type fakeGateway struct {
	rec *recorder
}

func (g *fakeGateway) SetLevel(_ context.Context, level int) error {
	g.rec.add(call{kind: "level", level: level})
	return nil
}

type fakeReporter struct {
	mu        sync.Mutex
	snapshots []status.Snapshot
}

func (r *fakeReporter) Report(_ context.Context, s status.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, s)
	return nil
}

func (r *fakeReporter) all() []status.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]status.Snapshot(nil), r.snapshots...)
}

// slowReporter holds every report until its context expires.
type slowReporter struct {
	calls atomic.Int32
}

func (r *slowReporter) Report(ctx context.Context, _ status.Snapshot) error {
	r.calls.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

// fakeIdentity hands out ids in order, repeating the last one.
type fakeIdentity struct {
	mu            sync.Mutex
	ids           []string
	err           error
	lookups       int
	invalidations int
}

func (f *fakeIdentity) Resolve(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := f.lookups
	f.lookups++
	if f.err != nil {
		return "", f.err
	}
	return f.ids[min(n, len(f.ids)-1)], nil
}

func (f *fakeIdentity) Invalidate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidations++
}

func (f *fakeIdentity) counts() (lookups, invalidations int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookups, f.invalidations
}
