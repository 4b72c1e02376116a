package pubsub_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hydra-dbg/common/internal/brokerstub"
	"github.com/hydra-dbg/common/pubsub"
)

func startBroker(t *testing.T) string {
	t.Helper()
	b := brokerstub.New(nil)
	if _, err := b.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = b.Stop() })
	return b.Addr().String()
}

func newHandler(t *testing.T, addr, name string) *pubsub.EventHandler {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	eh, err := pubsub.NewEventHandler(ctx, name, addr, nil)
	if err != nil {
		t.Fatalf("NewEventHandler(%s): %v", name, err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eh.Close(ctx)
	})
	return eh
}

// Scenario 1: simple subscribe/publish.
func TestSimpleSubscribePublish(t *testing.T) {
	addr := startBroker(t)
	e := newHandler(t, addr, "e")

	got := make(chan any, 1)
	if _, err := e.Subscribe("x", func(obj any) { got <- obj }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := e.Publish("x", 42); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case v := <-got:
		f, ok := v.(float64)
		if !ok || f != 42 {
			t.Errorf("callback got %v (%T), want 42", v, v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback never fired")
	}

	select {
	case v := <-got:
		t.Errorf("callback fired a second time with %v", v)
	case <-time.After(100 * time.Millisecond):
	}
}

// Scenario 2: hierarchical fan-out in topic-chain order.
func TestHierarchicalFanOut(t *testing.T) {
	addr := startBroker(t)
	e := newHandler(t, addr, "e")

	var mu sync.Mutex
	var order []string

	record := func(label string) pubsub.Callback {
		return func(obj any) {
			mu.Lock()
			order = append(order, label)
			mu.Unlock()
		}
	}

	if _, err := e.Subscribe("", record("")); err != nil {
		t.Fatalf("Subscribe(\"\"): %v", err)
	}
	if _, err := e.Subscribe("a", record("a")); err != nil {
		t.Fatalf("Subscribe(a): %v", err)
	}
	if _, err := e.Subscribe("a.b", record("a.b")); err != nil {
		t.Fatalf("Subscribe(a.b): %v", err)
	}

	if err := e.Publish("a.b", "hi"); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(order)
		mu.Unlock()
		if n >= 3 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"a.b", "a", ""}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q (full: %v)", i, order[i], want[i], order)
		}
	}
}

// Scenario 3: reference-counted broker subscribe/unsubscribe. Only
// the 0->1 transition sends subscribe{t} and only the 1->0 transition
// sends unsubscribe{t}; we can't observe the wire directly here, but
// we can observe that the broker keeps routing "t" after two of three
// local subscriptions are removed, and stops after the third.
func TestReferenceCountedSubscription(t *testing.T) {
	addr := startBroker(t)
	e := newHandler(t, addr, "e")
	pub := newHandler(t, addr, "publisher")

	var mu sync.Mutex
	var calls [3]int
	var ids [3]uint64
	for i := 0; i < 3; i++ {
		i := i
		id, err := e.Subscribe("t", func(any) {
			mu.Lock()
			calls[i]++
			mu.Unlock()
		})
		if err != nil {
			t.Fatalf("Subscribe #%d: %v", i, err)
		}
		ids[i] = id
	}

	if err := e.Unsubscribe(ids[0]); err != nil {
		t.Fatalf("Unsubscribe #0: %v", err)
	}
	if err := e.Unsubscribe(ids[1]); err != nil {
		t.Fatalf("Unsubscribe #1: %v", err)
	}

	if err := pub.Publish("t", "still-here"); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := calls[2]
		mu.Unlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	got := calls
	mu.Unlock()
	if got[2] != 1 {
		t.Fatalf("remaining subscriber saw %d calls, want 1 (broker dropped \"t\" too early)", got[2])
	}
	if got[0] != 0 || got[1] != 0 {
		t.Errorf("removed subscribers were still called: %v", got)
	}

	if err := e.Unsubscribe(ids[2]); err != nil {
		t.Fatalf("final Unsubscribe: %v", err)
	}

	// After the last unsubscribe, the endpoint must have sent
	// unsubscribe{t}; publishing again should reach no callback.
	if err := pub.Publish("t", "should-not-arrive"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls[2] != 1 {
		t.Errorf("callback ran after its subscription was removed: calls = %v", calls)
	}
}

// Scenario 4: echo handshake ordering — subscribe must be live on the
// broker by the time Subscribe returns.
func TestEchoHandshakeOrdering(t *testing.T) {
	addr := startBroker(t)
	e := newHandler(t, addr, "e")
	pub := newHandler(t, addr, "publisher")

	got := make(chan any, 1)
	if _, err := e.Subscribe("z", func(obj any) { got <- obj }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := pub.Publish("z", "immediate"); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case v := <-got:
		s, _ := v.(string)
		if s != "immediate" {
			t.Errorf("got %v, want \"immediate\"", v)
		}
	case <-time.After(time.Second):
		t.Fatal("callback never fired: echo handshake did not guarantee ordering")
	}
}

// Scenario 5: one-shot subscription fires exactly once and cleans up.
func TestOneShotSubscription(t *testing.T) {
	addr := startBroker(t)
	e := newHandler(t, addr, "e")

	var calls int32
	var mu sync.Mutex
	done := make(chan struct{}, 1)

	if _, err := e.SubscribeForOnceCall("q", func(any) {
		mu.Lock()
		calls++
		mu.Unlock()
		done <- struct{}{}
	}); err != nil {
		t.Fatalf("SubscribeForOnceCall: %v", err)
	}

	if err := e.Publish("q", 1); err != nil {
		t.Fatalf("Publish #1: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("one-shot callback never fired")
	}

	if err := e.Publish("q", 2); err != nil {
		t.Fatalf("Publish #2: %v", err)
	}
	select {
	case <-done:
		t.Fatal("one-shot callback fired a second time")
	case <-time.After(300 * time.Millisecond):
	}

	mu.Lock()
	n := calls
	mu.Unlock()
	if n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
}

func TestWaitReturnsPayload(t *testing.T) {
	addr := startBroker(t)
	e := newHandler(t, addr, "waiter")
	pub := newHandler(t, addr, "publisher")

	waitDone := make(chan any, 1)
	waitErr := make(chan error, 1)
	go func() {
		v, err := e.Wait("topic.of.interest")
		waitErr <- err
		waitDone <- v
	}()

	// Give Wait's internal Subscribe a moment to register before
	// publishing; the production code doesn't need this since it goes
	// through the same endpoint's echo handshake, but this publish
	// comes from a different endpoint so there's no ordering
	// guarantee between the two connections.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := pub.Publish("topic.of.interest", "payload"); err != nil {
			t.Fatalf("Publish: %v", err)
		}
		select {
		case v := <-waitDone:
			if err := <-waitErr; err != nil {
				t.Fatalf("Wait: %v", err)
			}
			s, _ := v.(string)
			if s != "payload" {
				t.Errorf("Wait returned %v, want \"payload\"", v)
			}
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
	t.Fatal("Wait never returned")
}

// Scenario 6: clean shutdown after goodbye is not an error.
func TestCloseAfterGoodbyeIsClean(t *testing.T) {
	addr := startBroker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	log := &recordingLogger{}
	eh, err := pubsub.NewEventHandler(ctx, "e", addr, log)
	if err != nil {
		t.Fatalf("NewEventHandler: %v", err)
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer closeCancel()
	if err := eh.Close(closeCtx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	log.mu.Lock()
	defer log.mu.Unlock()
	if len(log.errors) != 0 {
		t.Errorf("Close after goodbye logged at error level: %v", log.errors)
	}
	if len(log.notices) == 0 {
		t.Error("Close after goodbye did not log a notice")
	}
}

type recordingLogger struct {
	mu      sync.Mutex
	notices []string
	errors  []string
}

func (r *recordingLogger) Debug(string, ...any) {}
func (r *recordingLogger) Notice(msg string, _ ...any) {
	r.mu.Lock()
	r.notices = append(r.notices, msg)
	r.mu.Unlock()
}
func (r *recordingLogger) Error(msg string, _ ...any) {
	r.mu.Lock()
	r.errors = append(r.errors, msg)
	r.mu.Unlock()
}

func TestUnsubscribeUnknownID(t *testing.T) {
	addr := startBroker(t)
	e := newHandler(t, addr, "e")

	if err := e.Unsubscribe(99999); err == nil {
		t.Error("Unsubscribe(unknown) = nil, want error")
	}
}

func TestCallbackPanicDoesNotBlockOthers(t *testing.T) {
	addr := startBroker(t)
	e := newHandler(t, addr, "e")

	second := make(chan any, 1)
	if _, err := e.Subscribe("p", func(any) { panic("boom") }); err != nil {
		t.Fatalf("Subscribe #1: %v", err)
	}
	if _, err := e.Subscribe("p", func(obj any) { second <- obj }); err != nil {
		t.Fatalf("Subscribe #2: %v", err)
	}

	if err := e.Publish("p", "ok"); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case v := <-second:
		s, _ := v.(string)
		if s != "ok" {
			t.Errorf("second callback got %v, want \"ok\"", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second callback never ran after the first panicked")
	}
}
