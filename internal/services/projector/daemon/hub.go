package daemon

import (
	"sync"
	"sync/atomic"
	"time"
)

// Action names a shard state change.
type Action string

const (
	ActionStarted          Action = "started"
	ActionStopped          Action = "stopped"
	ActionPaused           Action = "paused"
	ActionUpdated          Action = "updated"
	ActionErrored          Action = "errored"
	ActionRebuildStarted   Action = "rebuild_started"
	ActionRebuildCompleted Action = "rebuild_completed"
	ActionHighWater        Action = "high_water"
)

// ShardState is one notification published through the Hub.
type ShardState struct {
	Shard     string    `json:"shard"`
	Action    Action    `json:"action"`
	Sequence  uint64    `json:"sequence"`
	HighWater uint64    `json:"high_water"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const defaultHubBuffer = 64

// Hub broadcasts shard state notifications. Publishing never blocks: a
// subscriber whose buffer is full misses the notification.
type Hub struct {
	buffer  int
	now     func() time.Time
	mu      sync.Mutex
	subs    map[int]chan ShardState
	nextID  int
	closed  bool
	dropped atomic.Uint64
}

// NewHub returns a hub whose subscribers buffer up to buffer notifications.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultHubBuffer
	}
	return &Hub{buffer: buffer, now: time.Now, subs: make(map[int]chan ShardState)}
}

// Publish delivers state to every subscriber that has room.
func (h *Hub) Publish(state ShardState) {
	if state.Timestamp.IsZero() {
		state.Timestamp = h.now().UTC()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for _, ch := range h.subs {
		select {
		case ch <- state:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe attaches a subscriber. The returned func detaches it and closes
// the channel; it is safe to call more than once.
func (h *Hub) Subscribe() (<-chan ShardState, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan ShardState, h.buffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
	}
}

// Dropped returns how many notifications were discarded for slow subscribers.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Subscribers returns the number of attached subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close detaches and closes every subscriber. Later publishes are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
