// Package fanout delivers per-subscription status updates to connected
// long-lived client sessions. Hub is a per-user registry of live Peer
// channels guarded by a single coarse lock, per spec's "single coarse lock
// on the process state holder": contention is acceptable since registration
// and fan-out are both cheap, short-held operations.
package fanout

import (
	"sync"
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/crmmc/aria2deck/core"
	"github.com/crmmc/aria2deck/klog"
)

// Peer is a transport-agnostic live client channel. Send must be safe to
// call concurrently with itself only if the implementation's own transport
// requires it; Hub never calls Send for the same Peer concurrently.
type Peer interface {
	Send(core.Message) error
}

const defaultThrottleInterval = 500 * time.Millisecond

type peerEntry struct {
	peer         Peer
	lastTaskSent map[int64]time.Time
}

// Hub is a per-user set of registered Peers.
type Hub struct {
	clk              clock.Clock
	throttleInterval time.Duration

	mu    sync.Mutex
	peers map[int64]map[Peer]*peerEntry
}

// NewHub returns an empty Hub. clk lets tests control the throttle window
// deterministically; throttle of 0 uses the default 500ms window.
func NewHub(clk clock.Clock, throttle time.Duration) *Hub {
	if clk == nil {
		clk = clock.New()
	}
	if throttle == 0 {
		throttle = defaultThrottleInterval
	}
	return &Hub{clk: clk, throttleInterval: throttle, peers: make(map[int64]map[Peer]*peerEntry)}
}

// Register adds peer to ownerID's live set. The caller keeps the returned
// unregister func to call on disconnect.
func (h *Hub) Register(ownerID int64, peer Peer) (unregister func()) {
	h.mu.Lock()
	set, ok := h.peers[ownerID]
	if !ok {
		set = make(map[Peer]*peerEntry)
		h.peers[ownerID] = set
	}
	set[peer] = &peerEntry{peer: peer, lastTaskSent: make(map[int64]time.Time)}
	h.mu.Unlock()

	return func() { h.unregister(ownerID, peer) }
}

func (h *Hub) unregister(ownerID int64, peer Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.peers[ownerID]; ok {
		delete(set, peer)
		if len(set) == 0 {
			delete(h.peers, ownerID)
		}
	}
}

// Notify implements reconciler.Broadcaster: it fans msg out to every peer
// registered for ownerID, throttling non-terminal task_update bursts to at
// most one per taskID per throttleInterval. terminal transitions always go
// through. A peer whose Send fails is unregistered once the current pass
// finishes iterating, never mutating the set mid-iteration.
func (h *Hub) Notify(ownerID, taskID int64, msg core.Message, terminal bool) {
	h.mu.Lock()
	set, ok := h.peers[ownerID]
	if !ok || len(set) == 0 {
		h.mu.Unlock()
		return
	}
	now := h.clk.Now()
	type sendJob struct {
		peer  Peer
		entry *peerEntry
	}
	jobs := make([]sendJob, 0, len(set))
	for peer, entry := range set {
		if !terminal && msg.Kind == core.MessageTaskUpdate {
			if last, ok := entry.lastTaskSent[taskID]; ok && now.Sub(last) < h.throttleInterval {
				continue
			}
		}
		jobs = append(jobs, sendJob{peer: peer, entry: entry})
	}
	h.mu.Unlock()

	var failed []Peer
	for _, job := range jobs {
		if err := job.peer.Send(msg); err != nil {
			klog.Warnf("fanout: peer send failed for owner %d: %s", ownerID, err)
			failed = append(failed, job.peer)
			continue
		}
		job.entry.lastTaskSent[taskID] = now
	}
	for _, peer := range failed {
		h.unregister(ownerID, peer)
	}
}

// Ping broadcasts a heartbeat to every registered peer across every user,
// bypassing the per-task throttle entirely (it carries no taskID).
func (h *Hub) Ping() {
	h.mu.Lock()
	type target struct {
		ownerID int64
		peer    Peer
	}
	var targets []target
	for ownerID, set := range h.peers {
		for peer := range set {
			targets = append(targets, target{ownerID, peer})
		}
	}
	h.mu.Unlock()

	for _, t := range targets {
		if err := t.peer.Send(core.Ping); err != nil {
			klog.Warnf("fanout: ping failed for owner %d: %s", t.ownerID, err)
			h.unregister(t.ownerID, t.peer)
		}
	}
}

// RunHeartbeat pings every registered peer every interval until stop is
// closed. The caller runs it as a goroutine.
func (h *Hub) RunHeartbeat(stop <-chan struct{}, interval time.Duration) {
	ticker := h.clk.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			h.Ping()
		}
	}
}
