// Package notify fans out per-conversation wake-up signals from the
// agent loop to observers (WebSocket handlers, pollers). Signals carry
// no payload; a wake-up means "re-read current state." The hub is
// nil-safe: calling Publish on a nil *Hub is a no-op, so components do
// not need guard checks.
package notify

import "sync"

// Hub is a non-blocking per-conversation broadcast registry. Observers
// receive wake-ups on buffered channels; a full channel drops the
// signal rather than blocking the publisher, and a channel found
// closed at delivery time is pruned.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept the caller's view of the channel.
	recvToSend map[<-chan struct{}]chan struct{}
}

// New creates an empty hub.
func New() *Hub {
	return &Hub{
		subs:       make(map[string]map[chan struct{}]struct{}),
		recvToSend: make(map[<-chan struct{}]chan struct{}),
	}
}

// Publish wakes every subscriber of the conversation. Never blocks and
// never fails: full channels drop the signal, closed channels are
// pruned, zero subscribers is a no-op. Safe on a nil receiver.
func (h *Hub) Publish(conversationID string) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subs[conversationID] {
		if !trySend(ch) {
			h.removeLocked(conversationID, ch)
		}
	}
}

// trySend delivers one wake-up without blocking. Returns false only
// when the channel is closed; a full channel counts as delivered
// because the subscriber already has a pending wake-up.
func trySend(ch chan struct{}) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case ch <- struct{}{}:
	default:
	}
	return true
}

// Subscribe registers an observer for one conversation. The returned
// channel receives a signal per state change (coalesced under load).
// Callers must Unsubscribe when done.
func (h *Hub) Subscribe(conversationID string) <-chan struct{} {
	ch := make(chan struct{}, 1)
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.subs[conversationID] == nil {
		h.subs[conversationID] = make(map[chan struct{}]struct{})
	}
	h.subs[conversationID][ch] = struct{}{}
	h.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Safe to
// call twice (no-op the second time).
func (h *Hub) Unsubscribe(conversationID string, ch <-chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sendCh, ok := h.recvToSend[ch]
	if !ok {
		return
	}
	h.removeLocked(conversationID, sendCh)
	close(sendCh)
}

// removeLocked drops a channel from the registry without closing it.
// Callers hold h.mu.
func (h *Hub) removeLocked(conversationID string, ch chan struct{}) {
	if set := h.subs[conversationID]; set != nil {
		delete(set, ch)
		if len(set) == 0 {
			delete(h.subs, conversationID)
		}
	}
	delete(h.recvToSend, (<-chan struct{})(ch))
}

// SubscriberCount returns the number of observers for a conversation.
func (h *Hub) SubscriberCount(conversationID string) int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[conversationID])
}
