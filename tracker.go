package main

import (
	"math/rand"
	"net"
	"sort"
	"time"
)

const (
	defaultPeerTimeout = 30 * time.Minute
	defaultNumWant     = 50
	defaultMaxPeers    = 200
)

func newTracker(similarityThreshold float64, peerTimeout time.Duration) *Tracker {
	if peerTimeout <= 0 {
		peerTimeout = defaultPeerTimeout
	}
	return &Tracker{
		torrents:    make(map[HashID]*Torrent),
		aliases:     make(map[HashID]HashID),
		now:         time.Now,
		resolver:    resolver{threshold: similarityThreshold},
		peerTimeout: peerTimeout,
	}
}

func newTorrent(seq uint64, createdAt time.Time) *Torrent {
	return &Torrent{peers: make(map[PeerID]*Peer), seq: seq, createdAt: createdAt}
}

// resolveLocked maps hash to its canonical identity. Caller holds tr.mu.
// The returned torrent is nil when hash is unknown and matches nothing.
func (tr *Tracker) resolveLocked(hash HashID) (HashID, *Torrent) {
	if t, ok := tr.torrents[hash]; ok {
		return hash, t
	}
	if canonical, ok := tr.aliases[hash]; ok {
		return canonical, tr.torrents[canonical]
	}
	canonical, alias := tr.resolver.resolve(hash, tr.order)
	if !alias {
		return hash, nil
	}
	return canonical, tr.torrents[canonical]
}

// lookup resolves hash without creating anything.
func (tr *Tracker) lookup(hash HashID) (HashID, *Torrent) {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return tr.resolveLocked(hash)
}

// getOrCreateTorrent resolves hash and creates a record when nothing
// matches. Resolution and insertion share the write lock so two concurrent
// first announces of similar hashes produce a single record.
func (tr *Tracker) getOrCreateTorrent(hash HashID) (HashID, *Torrent) {
	tr.mu.RLock()
	if t, ok := tr.torrents[hash]; ok {
		tr.mu.RUnlock()
		return hash, t
	}
	if canonical, ok := tr.aliases[hash]; ok {
		t := tr.torrents[canonical]
		tr.mu.RUnlock()
		return canonical, t
	}
	tr.mu.RUnlock()

	tr.mu.Lock()
	canonical, t := tr.resolveLocked(hash)
	if t != nil {
		if canonical != hash {
			tr.aliases[hash] = canonical
		}
		tr.mu.Unlock()
		if canonical != hash {
			info("merged near-duplicate info_hash", "info_hash", hash.String(), "canonical", canonical.String())
		}
		return canonical, t
	}

	tr.nextSeq++
	t = newTorrent(tr.nextSeq, tr.now())
	tr.torrents[hash] = t
	tr.order = append(tr.order, hash)
	tr.mu.Unlock()
	info("created new torrent", "info_hash", hash.String())
	return hash, t
}

// UpsertPeer records an announce and returns the canonical hash it landed on.
func (tr *Tracker) UpsertPeer(hash HashID, p Peer) HashID {
	canonical, t := tr.getOrCreateTorrent(hash)
	if p.LastAnnounced.IsZero() {
		p.LastAnnounced = tr.now()
	}
	t.upsertPeer(p)
	return canonical
}

// RemovePeer drops a peer after a "stopped" event. Unknown torrents are
// left alone rather than created.
func (tr *Tracker) RemovePeer(hash HashID, id PeerID) (HashID, bool) {
	canonical, t := tr.lookup(hash)
	if t == nil {
		return canonical, false
	}
	return canonical, t.removePeer(id)
}

// RegisterMetadata creates or updates the descriptive info of a torrent.
// Registering the same hash again merges the fields into the same record.
func (tr *Tracker) RegisterMetadata(hash HashID, meta TorrentInfo) (canonical HashID, alias bool) {
	canonical, t := tr.getOrCreateTorrent(hash)
	t.mu.Lock()
	t.info = t.info.merge(meta)
	t.mu.Unlock()
	return canonical, canonical != hash
}

// Lookup reports the canonical hash for hash and whether a record exists.
func (tr *Tracker) Lookup(hash HashID) (HashID, bool) {
	canonical, t := tr.lookup(hash)
	return canonical, t != nil
}

// Stats returns the seeder/leecher/completed counts. Unknown torrents
// yield zeroed stats.
func (tr *Tracker) Stats(hash HashID) TorrentStats {
	_, t := tr.lookup(hash)
	if t == nil {
		return TorrentStats{}
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return TorrentStats{Seeders: t.seeders, Leechers: t.leechers, Completed: t.completed, Known: true}
}

// Info returns the registered metadata of a torrent, if any.
func (tr *Tracker) Info(hash HashID) (TorrentInfo, bool) {
	_, t := tr.lookup(hash)
	if t == nil {
		return TorrentInfo{}, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.info, true
}

// PeerList returns up to limit live peers of the torrent, excluding the
// requester. Selection starts at a random offset so that large swarms
// spread load over all peers.
func (tr *Tracker) PeerList(hash HashID, exclude PeerID, limit int) []Peer {
	_, t := tr.lookup(hash)
	if t == nil || limit <= 0 {
		return nil
	}
	return t.peerList(exclude, limit, tr.now().Add(-tr.peerTimeout))
}

// Len returns the number of canonical torrents.
func (tr *Tracker) Len() int {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return len(tr.torrents)
}

func (t *Torrent) upsertPeer(p Peer) {
	t.mu.Lock()
	defer t.mu.Unlock()

	old, exists := t.peers[p.ID]
	if exists {
		p.Counted = old.Counted
		switch {
		case old.isSeeder() && !p.isSeeder():
			t.seeders--
			t.leechers++
		case !old.isSeeder() && p.isSeeder():
			t.leechers--
			t.seeders++
		}
	} else if p.isSeeder() {
		t.seeders++
	} else {
		t.leechers++
	}

	switch p.Event {
	case eventStarted:
		p.Counted = false
	case eventCompleted:
		if !p.Counted {
			p.Counted = true
			t.completed++
			debug("peer completed torrent", "peer_id", p.ID.String())
		}
	}

	entry := p
	t.peers[p.ID] = &entry
}

func (t *Torrent) removePeer(id PeerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removePeerLocked(id)
}

func (t *Torrent) removePeerLocked(id PeerID) bool {
	p, exists := t.peers[id]
	if !exists {
		return false
	}
	if p.isSeeder() {
		t.seeders--
	} else {
		t.leechers--
	}
	delete(t.peers, id)
	return true
}

func (t *Torrent) peerList(exclude PeerID, limit int, deadline time.Time) []Peer {
	t.mu.RLock()
	candidates := make([]Peer, 0, len(t.peers))
	for id, p := range t.peers {
		if id != exclude && !p.LastAnnounced.Before(deadline) {
			candidates = append(candidates, *p)
		}
	}
	t.mu.RUnlock()

	if len(candidates) <= limit {
		return candidates
	}

	//nolint:gosec // G404: math/rand is fine for peer selection
	start := rand.Intn(len(candidates))
	out := make([]Peer, 0, limit)
	for i := range limit {
		out = append(out, candidates[(start+i)%len(candidates)])
	}
	return out
}

// PeerView is a peer as reported by /stats.
type PeerView struct {
	PeerID       string    `json:"peer_id"`
	IP           string    `json:"ip"`
	Port         uint16    `json:"port"`
	Uploaded     uint64    `json:"uploaded"`
	Downloaded   uint64    `json:"downloaded"`
	Left         uint64    `json:"left"`
	Seeder       bool      `json:"is_seeder"`
	Event        string    `json:"event"`
	LastAnnounce time.Time `json:"last_announce"`
}

// TorrentView is a torrent as reported by /stats.
type TorrentView struct {
	TorrentInfo
	InfoHash  string     `json:"info_hash"`
	Aliases   []string   `json:"aliases,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	Stats     StatsView  `json:"stats"`
	Peers     []PeerView `json:"peers"`
}

type StatsView struct {
	Complete        int    `json:"complete"`
	Incomplete      int    `json:"incomplete"`
	Completed       int    `json:"completed"`
	Peers           int    `json:"peers"`
	UploadedBytes   uint64 `json:"uploaded_bytes"`
	DownloadedBytes uint64 `json:"downloaded_bytes"`
}

// Overview describes every torrent with its live peers, in creation order.
func (tr *Tracker) Overview() []TorrentView {
	deadline := tr.now().Add(-tr.peerTimeout)

	tr.mu.RLock()
	aliases := make(map[HashID][]string)
	for alias, canonical := range tr.aliases {
		aliases[canonical] = append(aliases[canonical], alias.String())
	}
	views := make([]TorrentView, 0, len(tr.order))
	for _, hash := range tr.order {
		t := tr.torrents[hash]
		t.mu.RLock()
		v := TorrentView{
			TorrentInfo: t.info,
			InfoHash:    hash.String(),
			Aliases:     aliases[hash],
			CreatedAt:   t.createdAt,
			Peers:       make([]PeerView, 0, len(t.peers)),
		}
		for _, p := range t.peers {
			if p.LastAnnounced.Before(deadline) {
				continue
			}
			v.Peers = append(v.Peers, PeerView{
				PeerID:       p.ID.String(),
				IP:           p.IP.String(),
				Port:         p.Port,
				Uploaded:     p.Uploaded,
				Downloaded:   p.Downloaded,
				Left:         p.Left,
				Seeder:       p.isSeeder(),
				Event:        p.Event.String(),
				LastAnnounce: p.LastAnnounced,
			})
			if p.isSeeder() {
				v.Stats.Complete++
			} else {
				v.Stats.Incomplete++
			}
			v.Stats.UploadedBytes += p.Uploaded
			v.Stats.DownloadedBytes += p.Downloaded
		}
		v.Stats.Completed = t.completed
		t.mu.RUnlock()
		v.Stats.Peers = len(v.Peers)
		sort.Strings(v.Aliases)
		sort.Slice(v.Peers, func(i, j int) bool { return v.Peers[i].PeerID < v.Peers[j].PeerID })
		views = append(views, v)
	}
	tr.mu.RUnlock()
	return views
}

// splitByFamily separates peers into IPv4 and IPv6 sets for compact replies.
func splitByFamily(peers []Peer) (v4, v6 []Peer) {
	for _, p := range peers {
		if p.IP.To4() != nil {
			v4 = append(v4, p)
		} else if len(p.IP) == net.IPv6len {
			v6 = append(v6, p)
		}
	}
	return v4, v6
}
