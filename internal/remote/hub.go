package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrHubClosed ends subscriptions when their hub shuts down.
var ErrHubClosed = errors.New("remote: hub closed")

// Hub fans changes out to subscribers.
//
// Every subscriber owns an unbounded queue drained by its own goroutine, so
// handlers see changes in publish order, a slow handler delays only itself,
// and Publish never blocks.
type Hub struct {
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[string]*hubSub
	nextID uint64
	closed bool
}

type hubSub struct {
	sub     *Subscription
	queue   *ChangeQueue
	handler Handler
}

// NewHub creates an empty hub. A nil logger uses slog.Default().
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{logger: logger, subs: make(map[string]*hubSub)}
}

// Subscribe registers handler for changes matching filter.
func (h *Hub) Subscribe(_ context.Context, filter Filter, handler Handler) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHubClosed
	}
	h.nextID++
	hs := &hubSub{
		sub:     newSubscription(fmt.Sprintf("sub-%d", h.nextID), filter),
		queue:   NewChangeQueue(),
		handler: handler,
	}
	hs.sub.teardown = hs.queue.Close
	h.subs[hs.sub.ID] = hs

	go h.deliver(hs)
	return hs.sub, nil
}

// Unsubscribe ends sub. Unknown or already-ended subscriptions are ignored.
func (h *Hub) Unsubscribe(sub *Subscription) error {
	if sub == nil {
		return nil
	}
	h.drop(sub.ID, nil)
	return nil
}

// Publish queues c for every matching subscriber.
func (h *Hub) Publish(c Change) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, hs := range h.subs {
		if hs.sub.Filter.Matches(c) {
			hs.queue.Enqueue(c)
		}
	}
}

// Count returns the number of active subscriptions.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// DropAll ends every subscription with err, simulating a lost channel.
func (h *Hub) DropAll(err error) {
	h.mu.Lock()
	ids := make([]string, 0, len(h.subs))
	for id := range h.subs {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		h.drop(id, err)
	}
}

// Close ends every subscription and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.DropAll(ErrHubClosed)
}

func (h *Hub) drop(id string, err error) {
	h.mu.Lock()
	hs, ok := h.subs[id]
	delete(h.subs, id)
	h.mu.Unlock()

	if ok {
		hs.sub.end(err)
	}
}

// deliver drains one subscriber's queue until the subscription ends.
// Changes still queued when it ends are discarded.
func (h *Hub) deliver(hs *hubSub) {
	for {
		select {
		case <-hs.sub.Done():
			return
		case <-hs.queue.Wait():
		}
		for hs.sub.Active() {
			c, ok := hs.queue.TryDequeue()
			if !ok {
				break
			}
			h.call(hs, c)
		}
	}
}

func (h *Hub) call(hs *hubSub, c Change) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("realtime handler panicked",
				"subscription", hs.sub.ID,
				"table", c.Table,
				"panic", r,
			)
		}
	}()
	hs.handler(c)
}
