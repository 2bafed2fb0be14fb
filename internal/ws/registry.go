// Package ws tracks live delivery channels for chat push. The registry is
// an injected shared resource guarded by a mutex; persistence never
// depends on it.
package ws

import (
	"encoding/json"
	"log"
	"sync"
)

// Registry maps user ids to their live channel, with a separate view of
// the admin subset for fan-out.
type Registry struct {
	mu     sync.Mutex
	conns  map[string]*Client
	admins map[string]*Client
}

func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[string]*Client),
		admins: make(map[string]*Client),
	}
}

// Register inserts the client, replacing and closing any stale channel
// already held for the same user id.
func (r *Registry) Register(c *Client) {
	r.mu.Lock()
	stale := r.conns[c.userID]
	r.conns[c.userID] = c
	if c.isAdmin {
		r.admins[c.userID] = c
	} else {
		delete(r.admins, c.userID)
	}
	r.mu.Unlock()

	if stale != nil && stale != c {
		stale.shutdown()
	}
	log.Printf("ws: user %s connected (admin=%v)", c.userID, c.isAdmin)
}

// Unregister removes the client from both maps. A channel that was
// already replaced by a newer registration is left alone.
func (r *Registry) Unregister(c *Client) {
	r.mu.Lock()
	if r.conns[c.userID] == c {
		delete(r.conns, c.userID)
	}
	if r.admins[c.userID] == c {
		delete(r.admins, c.userID)
	}
	r.mu.Unlock()
	log.Printf("ws: user %s disconnected", c.userID)
}

// SendTo delivers a payload to one user. Offline users are a silent
// no-op: the return value reports delivery, never an error.
func (r *Registry) SendTo(userID string, payload any) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("ws: marshal payload for %s: %v", userID, err)
		return false
	}

	r.mu.Lock()
	client := r.conns[userID]
	r.mu.Unlock()

	if client == nil {
		return false
	}
	if !client.enqueue(data) {
		// slow or dead channel: drop it rather than stall the caller
		r.Unregister(client)
		client.shutdown()
		return false
	}
	return true
}

// BroadcastToAdmins fans a payload out to every connected admin channel.
// A failed delivery to one admin is logged and skipped.
func (r *Registry) BroadcastToAdmins(payload any) int {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("ws: marshal broadcast payload: %v", err)
		return 0
	}

	r.mu.Lock()
	targets := make([]*Client, 0, len(r.admins))
	for _, client := range r.admins {
		targets = append(targets, client)
	}
	r.mu.Unlock()

	delivered := 0
	for _, client := range targets {
		if client.enqueue(data) {
			delivered++
			continue
		}
		log.Printf("ws: dropping slow admin channel %s", client.userID)
		r.Unregister(client)
		client.shutdown()
	}
	return delivered
}

// Connected reports whether a live channel exists for the user.
func (r *Registry) Connected(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.conns[userID]
	return ok
}
