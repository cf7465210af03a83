package queue

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

type fakeProbe struct {
	mu           sync.Mutex
	attached     bool
	reconnecting bool
	connected    bool
}

func (p *fakeProbe) Attached() bool     { p.mu.Lock(); defer p.mu.Unlock(); return p.attached }
func (p *fakeProbe) Reconnecting() bool { p.mu.Lock(); defer p.mu.Unlock(); return p.reconnecting }
func (p *fakeProbe) Connected() bool    { p.mu.Lock(); defer p.mu.Unlock(); return p.connected }

func (p *fakeProbe) set(attached, reconnecting, connected bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attached, p.reconnecting, p.connected = attached, reconnecting, connected
}

type fakePersister struct {
	mu      sync.Mutex
	entries map[uint32]MappingInfo
}

func newFakePersister() *fakePersister {
	return &fakePersister{entries: make(map[uint32]MappingInfo)}
}

func (p *fakePersister) PersistMapping(_ context.Context, meshID uint32, info MappingInfo) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[meshID] = info
	return nil
}

func (p *fakePersister) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func TestEnqueueRejectsWhenNotRunning(t *testing.T) {
	q := New(Config{}, testLogger())
	if ok := q.Enqueue(func(context.Context) (Result, error) { return Result{}, nil }, "msg", nil); ok {
		t.Fatalf("Enqueue() before Start() = true, want false")
	}
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	probe := &fakeProbe{}
	q := New(Config{Capacity: 1, Delay: time.Hour, Probe: probe}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Shutdown()

	block := make(chan struct{})
	ok := q.Enqueue(func(context.Context) (Result, error) {
		<-block
		return Result{}, nil
	}, "first", nil)
	if !ok {
		t.Fatalf("first Enqueue() = false, want true")
	}

	// Drainer can't send (no probe connected), so the item stays queued;
	// a second item should be rejected at capacity 1.
	if ok := q.Enqueue(func(context.Context) (Result, error) { return Result{}, nil }, "second", nil); ok {
		t.Fatalf("second Enqueue() at capacity = true, want false")
	}
	close(block)
}

func TestDelayIsClampedToFirmwareMinimum(t *testing.T) {
	q := New(Config{Delay: 500 * time.Millisecond}, testLogger())
	if q.delay != MinInterMessageDelay {
		t.Fatalf("delay = %v, want clamped to %v", q.delay, MinInterMessageDelay)
	}
}

func TestDelayDefaultsWhenUnset(t *testing.T) {
	q := New(Config{}, testLogger())
	if q.delay != DefaultInterMessageDelay {
		t.Fatalf("delay = %v, want default %v", q.delay, DefaultInterMessageDelay)
	}
}

func TestDrainerPacesSendsAtConfiguredDelay(t *testing.T) {
	probe := &fakeProbe{}
	probe.set(true, false, true)

	q := New(Config{Capacity: 10, Delay: MinInterMessageDelay, Probe: probe}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Shutdown()

	var sendTimes []time.Time
	var mu sync.Mutex
	send := func(context.Context) (Result, error) {
		mu.Lock()
		sendTimes = append(sendTimes, time.Now())
		mu.Unlock()
		return Result{}, nil
	}

	q.Enqueue(send, "one", nil)
	q.Enqueue(send, "two", nil)
	q.Enqueue(send, "three", nil)

	deadline := time.Now().Add(8 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(sendTimes)
		mu.Unlock()
		if n >= 3 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(sendTimes) < 3 {
		t.Fatalf("got %d sends, want 3", len(sendTimes))
	}
	for i := 1; i < len(sendTimes); i++ {
		gap := sendTimes[i].Sub(sendTimes[i-1])
		if gap < MinInterMessageDelay-50*time.Millisecond {
			t.Errorf("gap between send %d and %d = %v, want >= ~%v", i-1, i, gap, MinInterMessageDelay)
		}
	}
}

func TestDrainerHoldsHeadDuringOutageAndPreservesOrder(t *testing.T) {
	probe := &fakeProbe{}
	probe.set(false, false, false) // no transport attached

	q := New(Config{Capacity: 10, Delay: 50 * time.Millisecond, Probe: probe}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Shutdown()

	var order []int
	var mu sync.Mutex
	makeSend := func(n int) SendFunc {
		return func(context.Context) (Result, error) {
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			return Result{}, nil
		}
	}

	q.Enqueue(makeSend(1), "first", nil)
	q.Enqueue(makeSend(2), "second", nil)
	q.Enqueue(makeSend(3), "third", nil)

	// Let the drainer poll a few times while unable to send.
	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	sentSoFar := len(order)
	mu.Unlock()
	if sentSoFar != 0 {
		t.Fatalf("sent %d items while should-send was false, want 0", sentSoFar)
	}

	// Recovery: transport comes back.
	probe.set(true, false, true)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(order)
		mu.Unlock()
		if n >= 3 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 {
		t.Fatalf("got %d sends after recovery, want 3", len(order))
	}
	for i, n := range order {
		if n != i+1 {
			t.Fatalf("order = %v, want [1 2 3]", order)
		}
	}
}

func TestMappingPersistedOnlyWhenResultHasID(t *testing.T) {
	probe := &fakeProbe{}
	probe.set(true, false, true)
	persister := newFakePersister()

	q := New(Config{Capacity: 10, Delay: 10 * time.Millisecond, Probe: probe, Persister: persister}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Shutdown()

	q.Enqueue(func(context.Context) (Result, error) { return Result{ID: 7}, nil }, "mapped", &MappingInfo{Text: "hi"})
	q.Enqueue(func(context.Context) (Result, error) { return Result{ID: 0}, nil }, "unmapped", &MappingInfo{Text: "bye"})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && q.Len() > 0 {
		time.Sleep(20 * time.Millisecond)
	}

	if got := persister.count(); got != 1 {
		t.Fatalf("persisted mapping count = %d, want 1", got)
	}
}

func TestSendErrorsDoNotStopLaterItems(t *testing.T) {
	probe := &fakeProbe{}
	probe.set(true, false, true)

	q := New(Config{Capacity: 10, Delay: 10 * time.Millisecond, Probe: probe}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Shutdown()

	var succeeded atomic.Int32
	q.Enqueue(func(context.Context) (Result, error) {
		return Result{}, errBoom
	}, "fails", nil)
	q.Enqueue(func(context.Context) (Result, error) {
		succeeded.Add(1)
		return Result{}, nil
	}, "succeeds", nil)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && succeeded.Load() == 0 {
		time.Sleep(20 * time.Millisecond)
	}
	if succeeded.Load() != 1 {
		t.Fatalf("later item did not run after earlier send error")
	}
}

func TestShutdownStopsDrainer(t *testing.T) {
	probe := &fakeProbe{}
	probe.set(true, false, true)
	q := New(Config{Capacity: 10, Delay: 10 * time.Millisecond, Probe: probe}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	done := make(chan struct{})
	go func() {
		q.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Shutdown() did not return in time")
	}

	if q.Enqueue(func(context.Context) (Result, error) { return Result{}, nil }, "after shutdown", nil) {
		t.Fatal("Enqueue() after Shutdown() = true, want false")
	}
}

type sentinelError struct{ msg string }

func (e *sentinelError) Error() string { return e.msg }

var errBoom = &sentinelError{"boom"}
