// Package brokerstub is a trivial reference notifier broker: just
// enough of the wire protocol to route publish frames to the sessions
// that (directly or via an ancestor topic) subscribed to them. It
// exists so the pubsub package can be exercised end-to-end in tests
// and demos without a separately supplied production broker. It is
// not durable, not authenticated, and keeps no state beyond the
// current set of connected sessions, per the core's persistence
// Non-goal.
package brokerstub

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/hydra-dbg/common/internal/obslog"
	"github.com/hydra-dbg/common/internal/topic"
	"github.com/hydra-dbg/common/internal/wire"
)

type session struct {
	conn *wire.Conn
	name string

	subsMu sync.Mutex
	subs   map[string]struct{}
}

func newSession(conn *wire.Conn) *session {
	return &session{conn: conn, subs: make(map[string]struct{})}
}

func (s *session) subscribed(topicChain []string) bool {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, t := range topicChain {
		if _, ok := s.subs[t]; ok {
			return true
		}
	}
	return false
}

func (s *session) addSubscription(topicStr string) {
	s.subsMu.Lock()
	s.subs[topicStr] = struct{}{}
	s.subsMu.Unlock()
}

func (s *session) removeSubscription(topicStr string) {
	s.subsMu.Lock()
	delete(s.subs, topicStr)
	s.subsMu.Unlock()
}

// Broker is a minimal notifier implementing the wire protocol defined
// in internal/wire: one subscribe/unsubscribe/publish per frame, QoS-0
// fan-out to every session whose subscriptions cover the published
// topic's chain.
type Broker struct {
	logger       obslog.Logger
	listener     net.Listener
	mu           sync.Mutex
	wg           sync.WaitGroup
	shuttingDown atomic.Bool

	sessionsMu sync.RWMutex
	sessions   map[*session]struct{}
}

// New constructs a broker with the supplied logger (nil is fine, and
// discards everything).
func New(logger obslog.Logger) *Broker {
	if logger == nil {
		logger = obslog.NoOp()
	}
	return &Broker{logger: logger, sessions: make(map[*session]struct{})}
}

// Start begins listening on bind and accepting endpoints. The
// returned channel is closed once the accept loop terminates; a fatal
// accept error is sent on it first.
func (b *Broker) Start(bind string) (<-chan error, error) {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, fmt.Errorf("brokerstub: listen: %w", err)
	}

	b.mu.Lock()
	b.listener = ln
	b.mu.Unlock()

	errCh := make(chan error, 1)
	b.logger.Debug("brokerstub listening", "addr", bind)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if b.shuttingDown.Load() {
					close(errCh)
					return
				}
				errCh <- fmt.Errorf("brokerstub: accept: %w", err)
				close(errCh)
				return
			}

			sess := newSession(wire.NewFromSocket(conn))
			b.addSession(sess)

			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.handleSession(sess)
			}()
		}
	}()

	return errCh, nil
}

// Addr returns the bound listener address, or nil before Start.
func (b *Broker) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Stop shuts the broker down, closing the listener and every session.
func (b *Broker) Stop() error {
	if !b.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}

	b.mu.Lock()
	ln := b.listener
	b.listener = nil
	b.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}

	b.sessionsMu.Lock()
	for sess := range b.sessions {
		_ = sess.conn.Close()
	}
	b.sessions = make(map[*session]struct{})
	b.sessionsMu.Unlock()

	b.wg.Wait()
	return nil
}

func (b *Broker) addSession(s *session) {
	b.sessionsMu.Lock()
	b.sessions[s] = struct{}{}
	b.sessionsMu.Unlock()
}

func (b *Broker) removeSession(s *session) {
	b.sessionsMu.Lock()
	delete(b.sessions, s)
	b.sessionsMu.Unlock()
}

func (b *Broker) handleSession(sess *session) {
	defer func() {
		b.removeSession(sess)
		_ = sess.conn.Close()
	}()

	for {
		kind, body, err := sess.conn.Receive()
		if err != nil {
			if !errors.Is(err, wire.ErrConnectionClosed) {
				b.logger.Debug("brokerstub session ended", "name", sess.name, "error", err)
			}
			return
		}

		fields, err := wire.UnpackBody(kind, body)
		if err != nil {
			b.logger.Error("brokerstub: malformed body", "type", kind.String(), "error", err)
			continue
		}

		switch kind {
		case wire.IntroduceMyself:
			sess.name = fields.Name
		case wire.Goodbye:
			return
		case wire.Subscribe:
			sess.addSubscription(fields.Topic)
		case wire.Unsubscribe:
			sess.removeSubscription(fields.Topic)
		case wire.Publish:
			b.fanOut(fields.Topic, fields.Obj)
		default:
			b.logger.Error("brokerstub: unexpected message type", "type", kind.String())
		}
	}
}

// fanOut forwards a publish to every session subscribed to topicStr
// or one of its ancestors, obj left as the raw bytes it arrived in so
// it is never re-encoded in flight.
func (b *Broker) fanOut(topicStr string, obj any) {
	frame, err := wire.Pack(wire.Publish, wire.Fields{Topic: topicStr, Obj: obj})
	if err != nil {
		b.logger.Error("brokerstub: failed to repack publish", "topic", topicStr, "error", err)
		return
	}

	chain := topic.Chain(topicStr)

	b.sessionsMu.RLock()
	defer b.sessionsMu.RUnlock()

	for sess := range b.sessions {
		if !sess.subscribed(chain) {
			continue
		}
		if err := sess.conn.Send(frame); err != nil {
			b.logger.Debug("brokerstub: forward failed", "name", sess.name, "error", err)
		}
	}
}

var _ io.Closer = (*Broker)(nil)

// Close is an alias for Stop so Broker satisfies io.Closer.
func (b *Broker) Close() error { return b.Stop() }
