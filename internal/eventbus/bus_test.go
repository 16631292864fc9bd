package eventbus

import "testing"

func TestPublishFanout(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(2)
	c, unsubC := b.Subscribe(2)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: TaskQueued, TaskID: 7})
	for _, ch := range []<-chan Event{a, c} {
		e := <-ch
		if e.Type != TaskQueued || e.TaskID != 7 || e.Time.IsZero() {
			t.Fatalf("unexpected event %+v", e)
		}
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"}) // dropped, must not block
	if e := <-ch; e.Type != "a" {
		t.Fatalf("got %q", e.Type)
	}
	unsub()
	unsub()
	b.Publish(Event{Type: "c"})
	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed")
	}
}

func TestEmitNilBus(t *testing.T) {
	t.Parallel()
	Emit(nil, Event{Type: "x"})
}
