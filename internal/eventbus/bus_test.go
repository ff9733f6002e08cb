package eventbus

import "testing"

func TestPublishReachesSubscriber(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(4)
	defer unsub()

	b.Publish(Event{Type: TypeCycleDone, Data: map[string]any{"user": int64(7)}})

	select {
	case ev := <-ch:
		if ev.Type != TypeCycleDone {
			t.Fatalf("type = %q", ev.Type)
		}
		if ev.Time.IsZero() {
			t.Fatalf("publish must stamp the event time")
		}
	default:
		t.Fatalf("published event never reached the subscriber")
	}
}

func TestPublishDropsWhenSubscriberFull(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"}) // buffer full; must not block

	ev := <-ch
	if ev.Type != "a" {
		t.Fatalf("first event = %q", ev.Type)
	}
	select {
	case ev := <-ch:
		t.Fatalf("overflow event should have been dropped, got %q", ev.Type)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()

	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed after unsubscribe")
	}

	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Type: "late"})
}
