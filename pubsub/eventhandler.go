package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"

	"github.com/hydra-dbg/common/internal/obslog"
	"github.com/hydra-dbg/common/internal/topic"
	"github.com/hydra-dbg/common/internal/wire"
)

// Callback is invoked with the decoded obj of every delivered message
// whose topic matches the subscription, directly or via an ancestor.
type Callback func(obj any)

// subscribeConfig holds the options a Subscribe/SubscribeForOnceCall
// call can be tuned with.
type subscribeConfig struct {
	sendAndWaitEcho bool
}

// SubscribeOption tunes a single Subscribe or SubscribeForOnceCall call.
type SubscribeOption func(*subscribeConfig)

// WithoutEcho skips the synchronous echo handshake, returning as soon
// as the subscription is recorded locally. Used internally to avoid
// infinite recursion in the echo handshake itself; callers that don't
// need the happens-before guarantee of spec.md's echo handshake may
// also pass it to avoid the round trip.
func WithoutEcho() SubscribeOption {
	return func(c *subscribeConfig) { c.sendAndWaitEcho = false }
}

func defaultSubscribeConfig() subscribeConfig {
	return subscribeConfig{sendAndWaitEcho: true}
}

// EventHandler is a Publisher that also maintains a subscription
// registry and a background receiver goroutine dispatching deliveries
// to registered callbacks.
type EventHandler struct {
	*Publisher

	mu  sync.Mutex
	reg *registry

	recvDone chan struct{}
}

// NewEventHandler connects to addr, introduces itself as name, and
// starts the background receiver before returning.
func NewEventHandler(ctx context.Context, name, addr string, logger obslog.Logger) (*EventHandler, error) {
	pub, err := NewPublisher(ctx, name, addr, logger)
	if err != nil {
		return nil, err
	}

	eh := &EventHandler{
		Publisher: pub,
		reg:       newRegistry(),
		recvDone:  make(chan struct{}),
	}

	go eh.receiveLoop()

	return eh, nil
}

// Subscribe registers callback for topicStr (allow_empty=true; the
// empty topic subscribes to all messages). The first local
// subscription to a topic sends a subscribe frame to the broker;
// later ones for the same topic don't touch the wire. Unless
// WithoutEcho is passed, Subscribe blocks until an echo round trip
// confirms the broker has processed the subscription, so a Publish
// issued by this endpoint right after Subscribe returns is guaranteed
// to be seen by it.
func (eh *EventHandler) Subscribe(topicStr string, cb Callback, opts ...SubscribeOption) (uint64, error) {
	cfg := defaultSubscribeConfig()
	for _, o := range opts {
		o(&cfg)
	}

	if err := eh.validateAndCacheTopic(topicStr, true); err != nil {
		return 0, err
	}

	eh.mu.Lock()
	id, firstForTopic := eh.reg.add(topicStr, cb)
	if firstForTopic {
		frame, err := wire.Pack(wire.Subscribe, wire.Fields{Topic: topicStr})
		if err != nil {
			eh.reg.remove(id)
			eh.mu.Unlock()
			return 0, err
		}
		if err := eh.conn.Send(frame); err != nil {
			eh.reg.remove(id)
			eh.mu.Unlock()
			return 0, err
		}
	}
	eh.mu.Unlock()

	if cfg.sendAndWaitEcho {
		if err := eh.echoRoundTrip(); err != nil {
			return id, err
		}
	}

	return id, nil
}

// echoRoundTrip publishes to a freshly minted cookie topic and blocks
// until this endpoint observes its own echo, which the broker cannot
// deliver before it has finished processing every frame sent earlier
// on this connection — in particular, the subscribe frame just sent.
func (eh *EventHandler) echoRoundTrip() error {
	cookie := fmt.Sprintf("echo-%d", rand.Int31n(1<<30))

	received := make(chan struct{})
	_, err := eh.SubscribeForOnceCall(cookie, func(any) { close(received) }, WithoutEcho())
	if err != nil {
		return err
	}

	if err := eh.Publish(cookie, ""); err != nil {
		return err
	}

	<-received
	return nil
}

// Unsubscribe removes the subscription named by id. The last removal
// for a topic sends an unsubscribe frame to the broker.
func (eh *EventHandler) Unsubscribe(id uint64) error {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	return eh.unsubscribeLocked(id)
}

func (eh *EventHandler) unsubscribeLocked(id uint64) error {
	topicStr, lastForTopic, err := eh.reg.remove(id)
	if err != nil {
		return fmt.Errorf("%w: %d", ErrUnknownSubscription, id)
	}

	if lastForTopic {
		frame, err := wire.Pack(wire.Unsubscribe, wire.Fields{Topic: topicStr})
		if err != nil {
			return err
		}
		if err := eh.conn.Send(frame); err != nil {
			return err
		}
	}
	return nil
}

// SubscribeForOnceCall wraps cb so that after its first invocation the
// subscription unsubscribes itself. The wrapper cannot attempt the
// unsubscribe before Subscribe has returned the id it needs: it waits
// on a latch that the caller only releases once the id is recorded,
// which matters because the broker may echo a just-published message
// back before Subscribe itself has returned.
func (eh *EventHandler) SubscribeForOnceCall(topicStr string, cb Callback, opts ...SubscribeOption) (uint64, error) {
	var id uint64
	var ready sync.Mutex
	ready.Lock()

	wrapper := func(data any) {
		ready.Lock()
		ready.Unlock()
		defer func() { _ = eh.Unsubscribe(id) }()
		cb(data)
	}

	var err error
	id, err = eh.Subscribe(topicStr, wrapper, opts...)
	ready.Unlock()

	return id, err
}

// Wait blocks until a message is delivered on topicStr, then returns
// its payload.
func (eh *EventHandler) Wait(topicStr string) (any, error) {
	delivered := make(chan any, 1)
	_, err := eh.SubscribeForOnceCall(topicStr, func(data any) { delivered <- data })
	if err != nil {
		return nil, err
	}
	return <-delivered, nil
}

// Close sends goodbye, closes the connection, and waits for the
// receiver goroutine to exit, or for ctx to be done, whichever comes
// first.
func (eh *EventHandler) Close(ctx context.Context) error {
	closeErr := eh.Publisher.Close()

	select {
	case <-eh.recvDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	return closeErr
}

func (eh *EventHandler) receiveLoop() {
	defer close(eh.recvDone)
	defer eh.conn.Close()

	for {
		kind, body, err := eh.conn.Receive()
		if err != nil {
			if err == wire.ErrConnectionClosed && eh.didSayGoodbye() {
				eh.logger.Notice("the connection was closed, it's ok, we said goodbye", "name", eh.name)
			} else {
				eh.logger.Error("exception when receiving a message", "name", eh.name, "error", err)
			}
			return
		}

		if kind != wire.Publish {
			eh.logger.Error("unexpected message, expecting a publish message, dropping it", "name", eh.name, "type", kind.String())
			continue
		}

		fields, err := wire.UnpackBody(kind, body)
		if err != nil {
			eh.logger.Error("failed to decode publish body", "name", eh.name, "error", err)
			continue
		}

		obj, err := decodeObj(fields.Obj)
		if err != nil {
			eh.logger.Error("failed to decode publish payload", "name", eh.name, "topic", fields.Topic, "error", err)
			continue
		}

		eh.dispatch(fields.Topic, obj)
	}
}

// dispatch fans a delivered message out to every callback registered
// on the matched topic's chain, most specific first, in registration
// order within each topic. Callbacks are snapshotted under the
// registry lock and invoked outside it, so a callback may freely call
// back into Subscribe/Unsubscribe without deadlocking.
func (eh *EventHandler) dispatch(topicStr string, obj any) {
	chain := topic.Chain(topicStr)

	collected := make([][]subscriptionEntry, len(chain))
	eh.mu.Lock()
	for i, t := range chain {
		collected[i] = eh.reg.snapshot(t)
	}
	eh.mu.Unlock()

	for i, entries := range collected {
		matchedTopic := chain[i]
		for _, entry := range entries {
			eh.invokeCallback(entry.callback, obj, matchedTopic)
		}
	}
}

func (eh *EventHandler) invokeCallback(cb Callback, data any, matchedTopic string) {
	defer func() {
		if r := recover(); r != nil {
			label := matchedTopic
			if label == "" {
				label = "(the empty topic)"
			}
			eh.logger.Error("panic in callback", "topic", label, "panic", fmt.Sprintf("%v", r))
		}
	}()
	cb(data)
}

// decodeObj turns the raw JSON carried by a publish frame into a
// generic Go value for callbacks.
func decodeObj(raw any) (any, error) {
	rm, ok := raw.(json.RawMessage)
	if !ok {
		return raw, nil
	}
	var v any
	if err := json.Unmarshal(rm, &v); err != nil {
		return nil, err
	}
	return v, nil
}
