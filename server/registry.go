package server

import (
	"sort"
	"sync"
	"time"

	"gim/models"
	"gim/protocol"
)

// StatusOnline is shown in contact lists for connected users.
const StatusOnline = "Online"

const lastSeenLayout = "02 January 06, 15:04"

// Peer is the registry's handle to a live connection.
type Peer interface {
	Deliver(m protocol.Message) error
}

// presence is Online when peer is set, Offline since lastSeen otherwise. A
// deleting entry is reserved for an account deletion in progress.
type presence struct {
	peer     Peer
	lastSeen time.Time
	deleting bool
}

// OnlinePeer pairs an online identity with its connection.
type OnlinePeer struct {
	Identity string
	Peer     Peer
}

// Registry is the single source of truth for who is connected. Every method runs
// under one lock, so each presence transition is atomic with respect to the others.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]presence
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]presence)}
}

// Load seeds the registry with stored accounts as offline. Identities already present are kept.
func (r *Registry) Load(users []models.User) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, u := range users {
		if _, ok := r.entries[u.Username]; !ok {
			r.entries[u.Username] = presence{lastSeen: u.LastSeen}
		}
	}
}

// TryMarkOnline binds identity to p unless it is already online or being deleted.
func (r *Registry) TryMarkOnline(identity string, p Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.entries[identity]; ok && (cur.peer != nil || cur.deleting) {
		return false
	}
	r.entries[identity] = presence{peer: p}
	return true
}

// MarkOffline records identity as offline since at. It reports whether the identity was online.
func (r *Registry) MarkOffline(identity string, at time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.entries[identity]
	r.entries[identity] = presence{lastSeen: at, deleting: cur.deleting}
	return cur.peer != nil
}

// ReserveDelete holds identity for deletion. It fails when the identity is online
// through a peer other than owner or another deletion already holds it. While
// reserved, TryMarkOnline refuses the identity. The caller finishes with Remove,
// or calls undo to put the previous entry back.
func (r *Registry) ReserveDelete(identity string, owner Peer) (undo func(), ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, existed := r.entries[identity]
	if prev.deleting || (prev.peer != nil && prev.peer != owner) {
		return nil, false
	}
	reserved := prev
	reserved.deleting = true
	r.entries[identity] = reserved

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		if cur, ok := r.entries[identity]; !ok || !cur.deleting {
			return
		}
		if existed {
			r.entries[identity] = prev
		} else {
			delete(r.entries, identity)
		}
	}, true
}

// Remove forgets identity.
func (r *Registry) Remove(identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, identity)
}

// Lookup returns the connection of an online identity.
func (r *Registry) Lookup(identity string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cur, ok := r.entries[identity]
	if !ok || cur.peer == nil {
		return nil, false
	}
	return cur.peer, true
}

// Online lists every online identity except exclude, sorted by name.
func (r *Registry) Online(exclude string) []OnlinePeer {
	r.mu.RLock()
	peers := make([]OnlinePeer, 0, len(r.entries))
	for id, cur := range r.entries {
		if cur.peer != nil && id != exclude {
			peers = append(peers, OnlinePeer{Identity: id, Peer: cur.peer})
		}
	}
	r.mu.RUnlock()

	sort.Slice(peers, func(i, j int) bool { return peers[i].Identity < peers[j].Identity })
	return peers
}

// Snapshot returns a point-in-time view of every known identity except exclude.
func (r *Registry) Snapshot(exclude string) map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := make(map[string]string, len(r.entries))
	for id, cur := range r.entries {
		if id == exclude {
			continue
		}
		snap[id] = displayStatus(cur)
	}
	return snap
}

func displayStatus(p presence) string {
	if p.peer != nil {
		return StatusOnline
	}
	if p.lastSeen.IsZero() {
		return "Offline"
	}
	return "Last seen " + p.lastSeen.Local().Format(lastSeenLayout)
}
