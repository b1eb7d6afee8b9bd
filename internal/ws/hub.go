package ws

import (
	"sort"
	"sync"
)

// Hub tracks which connections subscribe to which destinations.
type Hub struct {
	mu     sync.RWMutex
	byDest map[string]map[string]struct{} // destination -> connection ids
	byConn map[string]map[string]struct{} // connection id -> destinations
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{
		byDest: make(map[string]map[string]struct{}),
		byConn: make(map[string]map[string]struct{}),
	}
}

// Subscribe adds connID to dest. It returns false if it was already there.
func (h *Hub) Subscribe(connID, dest string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.byDest[dest][connID]; ok {
		return false
	}
	if h.byDest[dest] == nil {
		h.byDest[dest] = make(map[string]struct{})
	}
	if h.byConn[connID] == nil {
		h.byConn[connID] = make(map[string]struct{})
	}
	h.byDest[dest][connID] = struct{}{}
	h.byConn[connID][dest] = struct{}{}
	return true
}

// Unsubscribe removes connID from dest. It returns false if it was not there.
func (h *Hub) Unsubscribe(connID, dest string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.byDest[dest][connID]; !ok {
		return false
	}
	h.removeLocked(connID, dest)
	return true
}

// Drop removes every subscription of connID and returns the destinations it had.
func (h *Hub) Drop(connID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var dests []string
	for dest := range h.byConn[connID] {
		dests = append(dests, dest)
	}
	for _, dest := range dests {
		h.removeLocked(connID, dest)
	}
	sort.Strings(dests)
	return dests
}

func (h *Hub) removeLocked(connID, dest string) {
	delete(h.byDest[dest], connID)
	if len(h.byDest[dest]) == 0 {
		delete(h.byDest, dest)
	}
	delete(h.byConn[connID], dest)
	if len(h.byConn[connID]) == 0 {
		delete(h.byConn, connID)
	}
}

// Subscribers returns a snapshot of the connections subscribed to dest.
func (h *Hub) Subscribers(dest string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.byDest[dest]))
	for id := range h.byDest[dest] {
		ids = append(ids, id)
	}
	return ids
}

// Destinations returns the destinations connID subscribes to, sorted.
func (h *Hub) Destinations(connID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	dests := make([]string, 0, len(h.byConn[connID]))
	for d := range h.byConn[connID] {
		dests = append(dests, d)
	}
	sort.Strings(dests)
	return dests
}
