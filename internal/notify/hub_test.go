package notify

import (
	"testing"
	"time"
)

func TestPublish_NoSubscribers(t *testing.T) {
	h := New()
	// Must not panic or block.
	h.Publish("conv-1")
}

func TestPublish_NilHub(t *testing.T) {
	var h *Hub
	h.Publish("conv-1")
	if n := h.SubscriberCount("conv-1"); n != 0 {
		t.Errorf("count = %d", n)
	}
}

func TestSubscribe_ReceivesWakeups(t *testing.T) {
	h := New()
	ch := h.Subscribe("conv-1")
	defer h.Unsubscribe("conv-1", ch)

	h.Publish("conv-1")

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no wake-up received")
	}
}

func TestPublish_OnlyTargetConversation(t *testing.T) {
	h := New()
	watching := h.Subscribe("conv-1")
	other := h.Subscribe("conv-2")
	defer h.Unsubscribe("conv-1", watching)
	defer h.Unsubscribe("conv-2", other)

	h.Publish("conv-1")

	select {
	case <-watching:
	case <-time.After(time.Second):
		t.Fatal("subscriber of published conversation got nothing")
	}
	select {
	case <-other:
		t.Fatal("subscriber of other conversation was woken")
	default:
	}
}

func TestPublish_FullChannelDoesNotBlock(t *testing.T) {
	h := New()
	ch := h.Subscribe("conv-1")
	defer h.Unsubscribe("conv-1", ch)

	// The buffer holds one pending wake-up; further publishes coalesce.
	for i := 0; i < 10; i++ {
		h.Publish("conv-1")
	}

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no wake-up received")
	}
	if h.SubscriberCount("conv-1") != 1 {
		t.Error("coalesced subscriber was pruned")
	}
}

func TestPublish_PrunesClosedChannel(t *testing.T) {
	h := New()
	ch := h.Subscribe("conv-1")

	// Close the delivery channel behind the hub's back, simulating an
	// observer that died without unsubscribing.
	h.mu.Lock()
	close(h.recvToSend[ch])
	h.mu.Unlock()

	h.Publish("conv-1")

	if n := h.SubscriberCount("conv-1"); n != 0 {
		t.Errorf("closed subscriber not pruned, count = %d", n)
	}
	// A second publish must also be harmless.
	h.Publish("conv-1")
}

func TestUnsubscribe_Idempotent(t *testing.T) {
	h := New()
	ch := h.Subscribe("conv-1")

	h.Unsubscribe("conv-1", ch)
	h.Unsubscribe("conv-1", ch)

	if n := h.SubscriberCount("conv-1"); n != 0 {
		t.Errorf("count = %d after unsubscribe", n)
	}

	// Channel is closed after unsubscribe.
	select {
	case _, open := <-ch:
		if open {
			t.Error("channel delivered a value after unsubscribe")
		}
	default:
		t.Error("channel not closed after unsubscribe")
	}
}
