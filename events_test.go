package parley

import (
	"sync"
	"testing"
	"time"
)

// collect subscribes under id and appends delivered events to a shared slice.
func collect(b *Broadcaster, id string) func() []Event {
	var mu sync.Mutex
	var got []Event
	b.Subscribe(id, func(ev Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	return func() []Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]Event(nil), got...)
	}
}

func TestBroadcasterFanOut(t *testing.T) {
	b := NewBroadcaster()
	got1 := collect(b, "c1")
	got2 := collect(b, "c2")

	for i := range 5 {
		b.Publish(Event{Type: EventAgentMessage, Cycle: i + 1})
	}

	for name, got := range map[string]func() []Event{"c1": got1, "c2": got2} {
		waitFor(t, time.Second, func() bool { return len(got()) == 5 }, name+" delivery")
		for i, ev := range got() {
			if ev.Cycle != i+1 {
				t.Errorf("%s: event %d out of order: cycle %d", name, i, ev.Cycle)
			}
		}
	}
}

func TestBroadcasterStampsTimestamp(t *testing.T) {
	b := NewBroadcaster()
	got := collect(b, "c")
	b.Publish(Event{Type: EventThought})
	waitFor(t, time.Second, func() bool { return len(got()) == 1 }, "delivery")
	if got()[0].Timestamp == 0 {
		t.Error("zero timestamp not stamped at publish")
	}
}

func TestBroadcasterNoSubscribers(t *testing.T) {
	b := NewBroadcaster()
	b.Publish(Event{Type: EventThought}) // must not panic or block
}

func TestBroadcasterUnsubscribe(t *testing.T) {
	b := NewBroadcaster()
	got := collect(b, "c")
	b.Publish(Event{Type: EventThought})
	waitFor(t, time.Second, func() bool { return len(got()) == 1 }, "first delivery")

	b.Unsubscribe("c")
	b.Publish(Event{Type: EventThought})
	time.Sleep(20 * time.Millisecond)
	if n := len(got()); n != 1 {
		t.Errorf("received %d events after unsubscribe, want 1", n)
	}

	b.Unsubscribe("c") // unknown id is a no-op
}

func TestBroadcasterResubscribeReplaces(t *testing.T) {
	b := NewBroadcaster()
	old := collect(b, "c")
	fresh := collect(b, "c") // same id replaces the first registration

	b.Publish(Event{Type: EventThought})
	waitFor(t, time.Second, func() bool { return len(fresh()) == 1 }, "delivery to replacement")
	if len(old()) != 0 {
		t.Error("replaced subscriber still received events")
	}
}

func TestBroadcasterDropsOldestWhenFull(t *testing.T) {
	b := NewBroadcaster(WithQueueSize(2))

	started := make(chan struct{})
	gate := make(chan struct{})
	var mu sync.Mutex
	var got []int
	first := true
	b.Subscribe("slow", func(ev Event) {
		if first {
			first = false
			close(started)
			<-gate
		}
		mu.Lock()
		got = append(got, ev.Cycle)
		mu.Unlock()
	})

	// First event reaches the handler, which blocks; the next two fill the
	// queue; the last two each evict the oldest queued event.
	b.Publish(Event{Type: EventCycleUpdate, Cycle: 1})
	<-started
	for i := 2; i <= 5; i++ {
		b.Publish(Event{Type: EventCycleUpdate, Cycle: i})
	}
	close(gate)

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, "drain after release")

	mu.Lock()
	defer mu.Unlock()
	want := []int{1, 4, 5}
	for i, c := range got {
		if c != want[i] {
			t.Errorf("received cycles %v, want %v", got, want)
			break
		}
	}
	if d := b.Dropped("slow"); d != 2 {
		t.Errorf("Dropped = %d, want 2", d)
	}
}

func TestBroadcasterPanickingSubscriberIsIsolated(t *testing.T) {
	b := NewBroadcaster()
	b.Subscribe("bad", func(Event) { panic("boom") })
	good := collect(b, "good")

	b.Publish(Event{Type: EventThought})
	b.Publish(Event{Type: EventThought})

	waitFor(t, time.Second, func() bool { return len(good()) == 2 }, "healthy subscriber delivery")
}
