package pubsub

import (
	"testing"
	"time"
)

func TestPubSubDelivers(t *testing.T) {
	ps := NewPubSub(4)
	got := make(chan Payload, 4)
	go ps.Listen(ChanAdvisories, func(p Payload) {
		got <- p
	})

	adv := NewAdvisory(AdvisoryInfo, "All pending inspections synced successfully")
	if err := ps.Notify(ChanAdvisories, adv); err != nil {
		t.Fatalf("Notify: %s", err)
	}

	select {
	case p := <-got:
		recv, ok := p.(*Advisory)
		if !ok {
			t.Fatalf("payload type = %T, want *Advisory", p)
		}
		if recv.Message != adv.Message {
			t.Fatalf("message = %q, want %q", recv.Message, adv.Message)
		}
		if recv.ID == "" {
			t.Fatal("advisory ID is empty")
		}
	case <-time.After(time.Second):
		t.Fatal("payload never delivered")
	}
}

func TestPubSubChannelsAreIndependent(t *testing.T) {
	ps := NewPubSub(4)
	surfaced := make(chan Payload, 4)
	go ps.Listen(ChanSurfaced, func(p Payload) {
		surfaced <- p
	})

	if err := ps.Notify(ChanConnectivity, &ConnectivityChanged{Online: true}); err != nil {
		t.Fatalf("Notify: %s", err)
	}
	select {
	case p := <-surfaced:
		t.Fatalf("surfaced listener got %v from connectivity channel", p.Type())
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPubSubCloseEndsListen(t *testing.T) {
	ps := NewPubSub(1)
	done := make(chan struct{})
	go func() {
		ps.Listen(ChanConnectivity, func(p Payload) {})
		close(done)
	}()
	// listener must have created its channel before Close
	time.Sleep(10 * time.Millisecond)
	if err := ps.Close(); err != nil {
		t.Fatalf("Close: %s", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Listen did not return after Close")
	}
}

func TestPubSubCloseIsIdempotent(t *testing.T) {
	ps := NewPubSub(1)
	if err := ps.Close(); err != nil {
		t.Fatalf("first Close: %s", err)
	}
	if err := ps.Close(); err != nil {
		t.Fatalf("second Close: %s", err)
	}
}

func TestPubSubRejectsAfterClose(t *testing.T) {
	ps := NewPubSub(1)
	if err := ps.Close(); err != nil {
		t.Fatalf("Close: %s", err)
	}
	if err := ps.Notify(ChanAdvisories, NewAdvisory(AdvisoryInfo, "late")); err == nil {
		t.Fatal("Notify on a closed bus succeeded")
	}
	if err := ps.Listen(ChanAdvisories, func(p Payload) {}); err == nil {
		t.Fatal("Listen on a closed bus succeeded")
	}
}
