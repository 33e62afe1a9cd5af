package server

import (
	"log/slog"
	"sync"

	"github.com/cespare/xxhash/v2"

	"gim/protocol"
)

// Target selects the recipients of a notification. Recipients are resolved
// against the registry when the notification is queued, so nobody receives a
// notice sent while they were offline.
type Target struct {
	identity  string
	broadcast bool
}

// To targets a single identity.
func To(identity string) Target {
	return Target{identity: identity}
}

// AllExcept targets every online identity other than exclude.
func AllExcept(exclude string) Target {
	return Target{identity: exclude, broadcast: true}
}

type delivery struct {
	identity string
	peer     Peer
	payload  protocol.Message
}

// Dispatcher delivers notifications off the request path. Each recipient is
// served by one fixed worker, so a recipient sees notifications in the order
// they were queued for it.
type Dispatcher struct {
	registry *Registry
	log      *slog.Logger

	mu     sync.RWMutex
	closed bool
	shards []chan delivery
	wg     sync.WaitGroup
}

// NewDispatcher starts workers goroutines, each with a backlog of up to queue deliveries.
func NewDispatcher(registry *Registry, workers, queue int, log *slog.Logger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if queue < 1 {
		queue = 1
	}

	d := &Dispatcher{
		registry: registry,
		log:      log.With("component", "dispatcher"),
		shards:   make([]chan delivery, workers),
	}
	d.wg.Add(workers)
	for i := range d.shards {
		d.shards[i] = make(chan delivery, queue)
		go d.worker(d.shards[i])
	}
	return d
}

// Notify queues payload for every recipient of target and returns immediately.
// Offline recipients are skipped. It reports false when a delivery was dropped
// because a worker's backlog is full or the dispatcher is closed.
func (d *Dispatcher) Notify(target Target, payload protocol.Message) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return false
	}

	if !target.broadcast {
		peer, ok := d.registry.Lookup(target.identity)
		if !ok {
			d.log.Debug("recipient offline, notification dropped", "recipient", target.identity, "tag", payload.Tag())
			return true
		}
		return d.enqueue(delivery{identity: target.identity, peer: peer, payload: payload})
	}

	queued := true
	for _, p := range d.registry.Online(target.identity) {
		if !d.enqueue(delivery{identity: p.Identity, peer: p.Peer, payload: payload}) {
			queued = false
		}
	}
	return queued
}

func (d *Dispatcher) enqueue(job delivery) bool {
	shard := d.shards[xxhash.Sum64String(job.identity)%uint64(len(d.shards))]
	select {
	case shard <- job:
		return true
	default:
		d.log.Warn("notification queue full, dropping", "tag", job.payload.Tag(), "recipient", job.identity)
		return false
	}
}

// Close stops accepting notifications and waits for the queued ones to be delivered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, shard := range d.shards {
		close(shard)
	}
	d.mu.Unlock()

	d.wg.Wait()
}

func (d *Dispatcher) worker(jobs <-chan delivery) {
	defer d.wg.Done()
	for job := range jobs {
		if err := job.peer.Deliver(job.payload); err != nil {
			d.log.Warn("failed to deliver notification", "recipient", job.identity, "tag", job.payload.Tag(), "error", err)
		}
	}
}
