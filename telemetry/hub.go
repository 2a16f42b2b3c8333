// Package telemetry mirrors each subsystem's latest status to HTTP,
// websocket, prometheus and InfluxDB readers. The agent publishes; nothing
// here feeds back into command handling.
package telemetry

import (
	"sync"
	"time"
)

// Snapshot is the latest status of every subsystem, keyed by name.
type Snapshot struct {
	Node    string         `json:"node"`
	Updated time.Time      `json:"updated"`
	Status  map[string]any `json:"status"`
}

// Hub holds the latest snapshot and wakes subscribers when it changes.
type Hub struct {
	node string
	now  func() time.Time

	mu      sync.RWMutex
	status  map[string]any
	updated time.Time
	subs    map[chan struct{}]struct{}
}

func NewHub(node string) *Hub {
	return &Hub{
		node:   node,
		now:    time.Now,
		status: make(map[string]any),
		subs:   make(map[chan struct{}]struct{}),
	}
}

// Publish replaces the status of one subsystem.
func (h *Hub) Publish(name string, status any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status[name] = status
	h.updated = h.now()
	for ch := range h.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (h *Hub) Snapshot() Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	status := make(map[string]any, len(h.status))
	for k, v := range h.status {
		status[k] = v
	}
	return Snapshot{Node: h.node, Updated: h.updated, Status: status}
}

// Subscribe returns a channel that receives a value after each Publish.
// Updates that arrive while one is pending are coalesced.
func (h *Hub) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
}
