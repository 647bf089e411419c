package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestHub(max int) *Hub {
	return NewHub(max, 8, zerolog.Nop())
}

func receive(t *testing.T, sub *Subscription) Message {
	t.Helper()
	select {
	case m, ok := <-sub.C():
		if !ok {
			t.Fatal("subscription closed")
		}
		return m
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
	return Message{}
}

func assertEmpty(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case m, ok := <-sub.C():
		if ok {
			t.Errorf("unexpected message %+v", m)
		}
	default:
	}
}

func TestPublishTextFanOut(t *testing.T) {
	for _, n := range []int{0, 1, 5} {
		t.Run(fmt.Sprintf("%d subscribers", n), func(t *testing.T) {
			hub := newTestHub(100)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			subs := make([]*Subscription, n)
			for i := range subs {
				sub, err := hub.Subscribe(ctx)
				if err != nil {
					t.Fatalf("Subscribe: %v", err)
				}
				subs[i] = sub
			}

			hub.PublishText("hello")

			late, err := hub.Subscribe(ctx)
			if err != nil {
				t.Fatalf("Subscribe: %v", err)
			}

			for i, sub := range subs {
				m := receive(t, sub)
				if m.Kind != KindText || m.Text != "hello" {
					t.Errorf("subscriber %d got %+v", i, m)
				}
				assertEmpty(t, sub)
			}
			assertEmpty(t, late)
		})
	}
}

func TestPublishOrder(t *testing.T) {
	hub := newTestHub(10)
	sub, err := hub.Subscribe(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	size := 12.0
	hub.PublishText("one")
	hub.PublishStyle(Style{FontSize: &size})
	hub.PublishText("two")
	hub.Ping()
	hub.Shutdown()

	want := []Kind{KindText, KindStyle, KindText, KindPing, KindShutdown}
	var lastID uint64
	for i, k := range want {
		m := receive(t, sub)
		if m.Kind != k {
			t.Errorf("message %d kind = %s, want %s", i, m.Kind, k)
		}
		if m.ID <= lastID {
			t.Errorf("message %d id %d not increasing", i, m.ID)
		}
		lastID = m.ID
	}
}

type failingSink struct{ calls int }

func (f *failingSink) Enqueue(Message) error {
	f.calls++
	return errors.New("broken pipe")
}

type recordingSink struct {
	mu  sync.Mutex
	got []Message
}

func (r *recordingSink) Enqueue(m Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, m)
	return nil
}

func TestEvictOnFailedEnqueue(t *testing.T) {
	hub := newTestHub(10)
	bad := &failingSink{}
	good := &recordingSink{}

	if _, err := hub.Register(bad); err != nil {
		t.Fatal(err)
	}
	if _, err := hub.Register(good); err != nil {
		t.Fatal(err)
	}
	if hub.Count() != 2 {
		t.Fatalf("Count = %d, want 2", hub.Count())
	}

	hub.PublishText("first")
	if hub.Count() != 1 {
		t.Errorf("Count after failure = %d, want 1", hub.Count())
	}

	hub.PublishText("second")
	if bad.calls != 1 {
		t.Errorf("evicted sink called %d times, want 1", bad.calls)
	}
	if len(good.got) != 2 {
		t.Errorf("healthy sink got %d messages, want 2", len(good.got))
	}
}

func TestSlowSubscriberEvicted(t *testing.T) {
	hub := NewHub(10, 1, zerolog.Nop())
	slow, err := hub.Subscribe(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	fast := &recordingSink{}
	hub.Register(fast)

	hub.PublishText("a")
	hub.PublishText("b") // slow buffer is full

	if hub.Count() != 1 {
		t.Errorf("Count = %d, want 1", hub.Count())
	}
	if len(fast.got) != 2 {
		t.Errorf("fast sink got %d messages, want 2", len(fast.got))
	}

	if m := receive(t, slow); m.Text != "a" {
		t.Errorf("slow got %+v", m)
	}
	if _, ok := <-slow.C(); ok {
		t.Error("evicted subscription not closed")
	}
}

func TestCapacityExceeded(t *testing.T) {
	hub := newTestHub(2)
	ctx := context.Background()

	a, _ := hub.Subscribe(ctx)
	if _, err := hub.Subscribe(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := hub.Subscribe(ctx); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("err = %v, want ErrCapacityExceeded", err)
	}

	a.Close()
	if _, err := hub.Subscribe(ctx); err != nil {
		t.Errorf("Subscribe after a slot freed: %v", err)
	}
}

func TestCancelDeregistersPromptly(t *testing.T) {
	hub := newTestHub(10)
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := hub.Subscribe(ctx)
	if err != nil {
		t.Fatal(err)
	}
	cancel()

	// No publish needed: cancellation alone must remove the subscriber.
	deadline := time.Now().Add(time.Second)
	for hub.Count() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if hub.Count() != 0 {
		t.Fatalf("Count = %d after cancel, want 0", hub.Count())
	}
	if _, ok := <-sub.C(); ok {
		t.Error("channel not closed after cancel")
	}
}

func TestSubscriptionIDsNotReused(t *testing.T) {
	hub := newTestHub(10)
	seen := map[uint64]bool{}
	for i := 0; i < 5; i++ {
		sub, err := hub.Subscribe(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if seen[sub.ID()] {
			t.Fatalf("id %d reused", sub.ID())
		}
		seen[sub.ID()] = true
		sub.Close()
		sub.Close()
	}
}

func TestConcurrentPublishAndSubscribe(t *testing.T) {
	hub := NewHub(1000, 256, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			sub, err := hub.Subscribe(ctx)
			if err != nil {
				t.Error(err)
				return
			}
			sub.Close()
		}()
		go func() {
			defer wg.Done()
			hub.PublishText("x")
		}()
	}
	wg.Wait()

	if hub.Count() != 0 {
		t.Errorf("Count = %d, want 0", hub.Count())
	}
}

func TestObserversSeeLocalPublishesOnly(t *testing.T) {
	hub := newTestHub(10)
	var seen []Kind
	hub.OnPublish(func(m Message) { seen = append(seen, m.Kind) })

	hub.PublishText("a")
	hub.PublishStyle(Style{})
	hub.Ping()
	hub.Deliver(Message{Kind: KindText, Text: "remote"})

	if len(seen) != 2 || seen[0] != KindText || seen[1] != KindStyle {
		t.Errorf("observed %v, want [text style]", seen)
	}
}

func TestObserverCanRegisterDuringNotify(t *testing.T) {
	hub := newTestHub(10)
	var late int
	hub.OnPublish(func(Message) {
		hub.OnPublish(func(Message) { late++ })
	})

	hub.PublishText("first")
	if late != 0 {
		t.Errorf("observer added during notify ran %d times for the same message", late)
	}
	hub.PublishText("second")
	if late != 1 {
		t.Errorf("late observer ran %d times, want 1", late)
	}
}
