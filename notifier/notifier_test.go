package notifier

import (
	"testing"
)

func TestSubscribeNotify(t *testing.T) {
	n := New()

	a := n.Subscribe()
	b := n.Subscribe()

	n.NotifyAll()

	select {
	case <-a:
	default:
		t.Error("subscriber a missed notification")
	}
	select {
	case <-b:
	default:
		t.Error("subscriber b missed notification")
	}
}

func TestNotifyDoesNotBlockOnFullChannel(t *testing.T) {
	n := New()

	ch := n.Subscribe()

	// channel has capacity 1; a second notify must not block
	n.NotifyAll()
	n.NotifyAll()
	n.NotifyAll()

	<-ch
	select {
	case <-ch:
		t.Error("expected coalesced notifications")
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	n := New()

	ch := n.Subscribe()
	n.Unsubscribe(ch)

	if _, ok := <-ch; ok {
		t.Error("expected closed channel")
	}

	// notifying after unsubscribe must not panic
	n.NotifyAll()
}
