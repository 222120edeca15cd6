package session

import (
	"context"
	"time"

	"github.com/cyberinferno/motorlink/endpoint"
	"github.com/cyberinferno/motorlink/logger"
	"github.com/cyberinferno/motorlink/message"
)

// awaitStart blocks until the server sends start. Until some connection has
// opened, failed dials are retried without limit; after that, connections
// that fail or close before start count against the retry budget like failed
// heartbeats.
func (s *Session) awaitStart(ctx context.Context) StopReason {
	for {
		select {
		case <-s.startedCh:
			s.retries.Store(0)
			return StopNone

		case <-ctx.Done():
			return StopCanceled

		case r := <-s.links:
			if r.id != s.ConnectionID() {
				continue
			}

			if r.ok {
				s.retries.Store(0)
				continue
			}

			if !s.opened.Load() {
				s.log.Warn("server unreachable, retrying",
					logger.F("conn_id", r.id), logger.F("retry_in", s.config.SettleDelay.String()), logger.Err(r.err))
				if reason := s.reconnect(ctx, nil); reason != StopNone {
					return reason
				}
				continue
			}

			n := int(s.retries.Add(1))
			s.log.Warn("connection lost before start",
				logger.F("conn_id", r.id), logger.F("retries", n), logger.F("max_retries", s.config.MaxRetries), logger.Err(r.err))
			if n >= s.config.MaxRetries {
				return StopRetriesExhausted
			}

			// nil links: outcomes of the new connection stay queued for this loop
			if reason := s.reconnect(ctx, nil); reason != StopNone {
				return reason
			}
		}
	}
}

// heartbeat runs the steady-state loop until stop, cancellation or retry
// exhaustion.
func (s *Session) heartbeat(ctx context.Context) StopReason {
	s.log.Info("running", logger.F("conn_id", s.ConnectionID()))

	for {
		if s.stopRequested.Load() {
			return StopRequested
		}

		n := s.Retries()
		if n >= s.config.MaxRetries {
			return StopRetriesExhausted
		}

		if n > 0 {
			if reason := s.reconnect(ctx, s.links); reason != StopNone {
				return reason
			}
		}

		if reason := s.sleep(ctx, s.config.HeartbeatInterval, s.links); reason != StopNone {
			return reason
		}

		id := s.ConnectionID()
		if err := s.transport.Send(id, message.Heartbeat); err != nil {
			n := int(s.retries.Add(1))
			s.log.Warn("heartbeat failed",
				logger.F("conn_id", id), logger.F("retries", n), logger.F("max_retries", s.config.MaxRetries), logger.Err(err))
		} else if s.retries.Swap(0) > 0 {
			s.log.Info("heartbeat restored", logger.F("conn_id", id))
		}

		s.report()
	}
}

// reconnect drops the current connection, starts a new one and waits for it
// to settle.
func (s *Session) reconnect(ctx context.Context, links <-chan linkResult) StopReason {
	old := s.ConnectionID()
	if err := s.transport.Close(old, endpoint.CloseServiceRestart, ReasonReconnect); err != nil {
		s.log.Debug("close before reconnect failed", logger.F("conn_id", old), logger.Err(err))
	}

	if err := s.connect(); err != nil {
		// the next failure still counts; nothing else to do here
		s.log.Error("reconnect failed", logger.Err(err))
	} else {
		s.log.Info("reconnecting", logger.F("old_conn_id", old), logger.F("conn_id", s.ConnectionID()))
	}

	return s.sleep(ctx, s.config.SettleDelay, links)
}

// sleep waits for d, returning early on stop or cancellation. Link outcomes
// arriving on links are discarded; pass nil to leave them queued.
func (s *Session) sleep(ctx context.Context, d time.Duration, links <-chan linkResult) StopReason {
	timer := time.NewTimer(d)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			return StopNone
		case <-ctx.Done():
			return StopCanceled
		case <-s.stopCh:
			return StopRequested
		case <-links:
		}
	}
}

// shutdown switches the actuator off, then closes the connection.
func (s *Session) shutdown(reason StopReason) {
	s.stopReason.Store(int32(reason))
	s.log.Info("stopping", logger.F("reason", reason.String()))
	s.setPhase(Stopping)
	s.doneOnce.Do(func() { close(s.done) })

	s.halt()

	id := s.ConnectionID()
	if err := s.transport.Close(id, endpoint.CloseNormal, ReasonQuit); err != nil {
		s.log.Warn("error closing connection", logger.F("conn_id", id), logger.Err(err))
	}

	s.setPhase(Closed)
}
