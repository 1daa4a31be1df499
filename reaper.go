package main

import (
	"context"
	"time"
)

const defaultReapInterval = 5 * time.Minute

// Sweep removes every peer whose last announce is older than now minus the
// peer timeout and returns how many were removed. Torrents stay even when
// their swarm empties.
func (tr *Tracker) Sweep(now time.Time) int {
	deadline := now.Add(-tr.peerTimeout)

	// Snapshot to allow concurrent announces during the sweep
	tr.mu.RLock()
	torrents := make([]*Torrent, 0, len(tr.torrents))
	for _, t := range tr.torrents {
		torrents = append(torrents, t)
	}
	tr.mu.RUnlock()

	removed := 0
	for _, t := range torrents {
		removed += t.sweep(deadline)
	}
	if removed > 0 {
		peersReapedTotal.Add(float64(removed))
	}
	return removed
}

// sweepHash reaps a single torrent; handlers call it before answering so
// counts respect the timeout even between timer sweeps.
func (tr *Tracker) sweepHash(hash HashID) int {
	_, t := tr.lookup(hash)
	if t == nil {
		return 0
	}
	removed := t.sweep(tr.now().Add(-tr.peerTimeout))
	if removed > 0 {
		peersReapedTotal.Add(float64(removed))
	}
	return removed
}

// sweep runs entirely under the torrent write lock, so a concurrent
// announce either lands before (and is judged on its fresh timestamp) or
// after (and re-creates the entry).
func (t *Torrent) sweep(deadline time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, p := range t.peers {
		if p.LastAnnounced.Before(deadline) {
			t.removePeerLocked(id)
			removed++
			debug("reaped stale peer", "peer_id", id.String(), "ip", p.IP.String(), "port", p.Port)
		}
	}
	return removed
}

// livePeers counts peers currently in all swarms.
func (tr *Tracker) livePeers() int {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	n := 0
	for _, t := range tr.torrents {
		t.mu.RLock()
		n += len(t.peers)
		t.mu.RUnlock()
	}
	return n
}

// reapLoop periodically sweeps until ctx is canceled.
func (tr *Tracker) reapLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultReapInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := tr.Sweep(tr.now()); n > 0 {
				info("reaped stale peers", "count", n)
			}
			trackedTorrents.Set(float64(tr.Len()))
			livePeersGauge.Set(float64(tr.livePeers()))
		}
	}
}
