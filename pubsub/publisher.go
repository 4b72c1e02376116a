// Package pubsub implements a client-side publish/subscribe endpoint
// for a notifier broker reachable over TCP. See Publisher and
// EventHandler.
package pubsub

import (
	"context"
	"fmt"
	"sync"

	"github.com/hydra-dbg/common/internal/obslog"
	"github.com/hydra-dbg/common/internal/topic"
	"github.com/hydra-dbg/common/internal/wire"
)

// Publisher introduces itself to a notifier broker and publishes
// messages on topics. EventHandler embeds a Publisher and layers
// subscriptions on top of it.
type Publisher struct {
	name   string
	conn   *wire.Conn
	logger obslog.Logger

	safeMu     sync.Mutex
	safeTopics map[string]struct{}

	goodbyeMu   sync.Mutex
	saidGoodbye bool
}

// NewPublisher dials addr, blocking (subject to ctx) while the
// underlying Conn retries, and sends introduce_myself before
// returning. logger may be nil, in which case nothing is logged.
func NewPublisher(ctx context.Context, name, addr string, logger obslog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = obslog.NoOp()
	}

	conn, err := wire.Dial(ctx, addr)
	if err != nil {
		logger.Error("error establishing a connection with the notifier", "addr", addr, "name", name, "error", err)
		return nil, fmt.Errorf("pubsub: connect to %s: %w", addr, err)
	}
	logger.Debug("established a connection with the notifier", "addr", addr, "name", name)

	p := &Publisher{
		name:       name,
		conn:       conn,
		logger:     logger,
		safeTopics: make(map[string]struct{}),
	}

	frame, err := wire.Pack(wire.IntroduceMyself, wire.Fields{Name: name})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.Send(frame); err != nil {
		conn.Close()
		return nil, fmt.Errorf("pubsub: introduce_myself: %w", err)
	}

	return p, nil
}

// Publish validates topicStr (allow_empty=false) and sends a publish
// frame carrying data as the obj field. Repeat publishes to the same
// topic skip re-validation.
func (p *Publisher) Publish(topicStr string, data any) error {
	if err := p.validateAndCacheTopic(topicStr, false); err != nil {
		return err
	}

	frame, err := wire.Pack(wire.Publish, wire.Fields{Topic: topicStr, Obj: data})
	if err != nil {
		return err
	}
	return p.conn.Send(frame)
}

// Close sends goodbye (if the connection is still open) and closes
// the underlying connection. It is idempotent.
func (p *Publisher) Close() error {
	p.goodbyeMu.Lock()
	defer p.goodbyeMu.Unlock()

	if !p.conn.Closed() {
		frame, err := wire.Pack(wire.Goodbye, wire.Fields{Name: p.name})
		if err != nil {
			p.logger.Error("failed to encode goodbye", "name", p.name, "error", err)
		} else if sendErr := p.conn.Send(frame); sendErr != nil {
			p.logger.Error("failed to send goodbye", "name", p.name, "error", sendErr)
		} else {
			p.saidGoodbye = true
		}
	}

	return p.conn.Close()
}

func (p *Publisher) didSayGoodbye() bool {
	p.goodbyeMu.Lock()
	defer p.goodbyeMu.Unlock()
	return p.saidGoodbye
}

// validateAndCacheTopic validates topicStr once and remembers that it
// passed, so later calls for the same topic skip re-validation. The
// empty topic is never cached: whitelisting it would defeat Publish's
// allow_empty=false check on later calls.
func (p *Publisher) validateAndCacheTopic(topicStr string, allowEmpty bool) error {
	p.safeMu.Lock()
	_, cached := p.safeTopics[topicStr]
	p.safeMu.Unlock()
	if cached {
		return nil
	}

	if err := topic.Validate(topicStr, allowEmpty); err != nil {
		return err
	}

	if topicStr != "" {
		p.safeMu.Lock()
		p.safeTopics[topicStr] = struct{}{}
		p.safeMu.Unlock()
	}
	return nil
}

func (p *Publisher) String() string {
	return fmt.Sprintf("Endpoint (%s)", p.name)
}
