package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"time"
)

const (
	stateVersion        = 1
	defaultStatePath    = "tracker_state.json"
	defaultSaveInterval = 5 * time.Minute
)

// Snapshot is the persisted form of the swarm store.
//
//	{"version":1,"saved_at":...,"torrents":{"<hex>":{"info":{...},"peers_info":[...],"stats":{...}}},"aliases":{...}}
type Snapshot struct {
	SavedAt  time.Time               `json:"saved_at"`
	Torrents map[string]TorrentState `json:"torrents"`
	Aliases  map[string]string       `json:"aliases,omitempty"`
	Version  int                     `json:"version"`
}

type TorrentState struct {
	Info  TorrentInfo `json:"info"`
	Peers []PeerState `json:"peers_info"`
	Stats StatsState  `json:"stats"`
}

type StatsState struct {
	CreatedAt time.Time `json:"created_at"`
	Completed int       `json:"completed"`
	Sequence  uint64    `json:"sequence"`
}

type PeerState struct {
	LastAnnounce time.Time `json:"last_announce"`
	PeerID       string    `json:"peer_id"` // hex
	IP           string    `json:"ip"`
	Event        string    `json:"event"`
	Uploaded     uint64    `json:"uploaded"`
	Downloaded   uint64    `json:"downloaded"`
	Left         uint64    `json:"left"`
	Port         uint16    `json:"port"`
	Counted      bool      `json:"completion_counted"`
}

// Snapshot deep-copies the whole store. Torrents are copied one at a time
// under their own lock while the store lock keeps the set stable.
func (tr *Tracker) Snapshot() Snapshot {
	tr.mu.RLock()
	defer tr.mu.RUnlock()

	snap := Snapshot{
		Version:  stateVersion,
		SavedAt:  tr.now().UTC(),
		Torrents: make(map[string]TorrentState, len(tr.torrents)),
		Aliases:  make(map[string]string, len(tr.aliases)),
	}
	for hash, t := range tr.torrents {
		t.mu.RLock()
		ts := TorrentState{
			Info:  t.info,
			Peers: make([]PeerState, 0, len(t.peers)),
			Stats: StatsState{CreatedAt: t.createdAt.UTC(), Completed: t.completed, Sequence: t.seq},
		}
		for _, p := range t.peers {
			ts.Peers = append(ts.Peers, PeerState{
				LastAnnounce: p.LastAnnounced.UTC(),
				PeerID:       p.ID.String(),
				IP:           p.IP.String(),
				Event:        p.Event.String(),
				Uploaded:     p.Uploaded,
				Downloaded:   p.Downloaded,
				Left:         p.Left,
				Port:         p.Port,
				Counted:      p.Counted,
			})
		}
		t.mu.RUnlock()
		sort.Slice(ts.Peers, func(i, j int) bool { return ts.Peers[i].PeerID < ts.Peers[j].PeerID })
		snap.Torrents[hash.String()] = ts
	}
	for alias, canonical := range tr.aliases {
		snap.Aliases[alias.String()] = canonical.String()
	}
	return snap
}

// Restore replaces the store contents with snap. Nothing is changed when
// snap is invalid.
func (tr *Tracker) Restore(snap Snapshot) error {
	if snap.Version > stateVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrCorruptState, snap.Version)
	}

	type entry struct {
		hash HashID
		t    *Torrent
	}
	entries := make([]entry, 0, len(snap.Torrents))
	var maxSeq uint64
	for key, ts := range snap.Torrents {
		hash, err := parseHexHash(key)
		if err != nil {
			return fmt.Errorf("%w: torrent key %q: %v", ErrCorruptState, key, err)
		}
		t := newTorrent(ts.Stats.Sequence, ts.Stats.CreatedAt)
		t.info = ts.Info
		t.completed = ts.Stats.Completed
		for _, ps := range ts.Peers {
			p, err := ps.peer()
			if err != nil {
				return fmt.Errorf("%w: torrent %s: %v", ErrCorruptState, key, err)
			}
			t.peers[p.ID] = &p
			if p.isSeeder() {
				t.seeders++
			} else {
				t.leechers++
			}
		}
		maxSeq = max(maxSeq, ts.Stats.Sequence)
		entries = append(entries, entry{hash: hash, t: t})
	}

	// Older snapshots may lack sequence numbers; fall back to creation time
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i].t, entries[j].t
		if a.seq != b.seq {
			return a.seq < b.seq
		}
		if !a.createdAt.Equal(b.createdAt) {
			return a.createdAt.Before(b.createdAt)
		}
		return entries[i].hash.String() < entries[j].hash.String()
	})

	torrents := make(map[HashID]*Torrent, len(entries))
	order := make([]HashID, 0, len(entries))
	for i, e := range entries {
		if e.t.seq == 0 {
			e.t.seq = maxSeq + uint64(i) + 1
		}
		torrents[e.hash] = e.t
		order = append(order, e.hash)
	}
	nextSeq := maxSeq + uint64(len(entries))

	aliases := make(map[HashID]HashID, len(snap.Aliases))
	for a, c := range snap.Aliases {
		alias, err := parseHexHash(a)
		if err != nil {
			return fmt.Errorf("%w: alias %q: %v", ErrCorruptState, a, err)
		}
		canonical, err := parseHexHash(c)
		if err != nil {
			return fmt.Errorf("%w: alias target %q: %v", ErrCorruptState, c, err)
		}
		if _, ok := torrents[canonical]; !ok {
			return fmt.Errorf("%w: alias %s points to unknown torrent %s", ErrCorruptState, a, c)
		}
		aliases[alias] = canonical
	}

	tr.mu.Lock()
	tr.torrents = torrents
	tr.aliases = aliases
	tr.order = order
	tr.nextSeq = nextSeq
	tr.mu.Unlock()
	return nil
}

func parseHexHash(s string) (HashID, error) {
	if len(s) != hexLen {
		return HashID{}, fmt.Errorf("expected %d hex chars, got %d", hexLen, len(s))
	}
	return ParseHashID(s)
}

func (ps PeerState) peer() (Peer, error) {
	id, err := decodeHexPeerID(ps.PeerID)
	if err != nil {
		return Peer{}, err
	}
	ip := net.ParseIP(ps.IP)
	if ip == nil {
		return Peer{}, fmt.Errorf("peer %s: invalid ip %q", ps.PeerID, ps.IP)
	}
	event, err := parseEvent(ps.Event)
	if err != nil {
		return Peer{}, fmt.Errorf("peer %s: %v", ps.PeerID, err)
	}
	return Peer{
		LastAnnounced: ps.LastAnnounce,
		ID:            id,
		IP:            ip,
		Uploaded:      ps.Uploaded,
		Downloaded:    ps.Downloaded,
		Left:          ps.Left,
		Port:          ps.Port,
		Event:         event,
		Counted:       ps.Counted,
	}, nil
}

// SnapshotStore is where serialized snapshots live. Load returns
// ErrStateNotFound when nothing was saved yet.
type SnapshotStore interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
	String() string
}

// FileStore keeps the snapshot in a single JSON file replaced atomically.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (f *FileStore) String() string { return "file:" + f.path }

func (f *FileStore) Load(_ context.Context) ([]byte, error) {
	//nolint:gosec // Path is controlled by admin
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrStateNotFound
	}
	return data, err
}

// Save writes to a temp file in the same directory, syncs it and renames it
// over the previous snapshot. A failure at any step leaves the old file.
func (f *FileStore) Save(_ context.Context, data []byte) error {
	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() {
		//nolint:errcheck // best effort removal of the temp file
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		//nolint:errcheck // write error takes precedence
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		//nolint:errcheck // sync error takes precedence
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := atomicRename(tmpName, f.path); err != nil {
		cleanup()
		return err
	}
	return nil
}

// Quarantine moves an unreadable snapshot aside so later saves cannot
// overwrite it. It returns the new location.
func (f *FileStore) Quarantine() (string, error) {
	dst := f.path + ".corrupt-" + strconv.FormatInt(time.Now().Unix(), 10)
	if err := os.Rename(f.path, dst); err != nil {
		return "", err
	}
	return dst, nil
}

// atomicRename renames src to dst. On Windows dst is removed first since
// os.Rename cannot overwrite there.
func atomicRename(src, dst string) error {
	if runtime.GOOS == "windows" {
		//nolint:errcheck // missing dst is fine
		os.Remove(dst)
	}
	return os.Rename(src, dst)
}

// Persister moves snapshots between the tracker and a SnapshotStore.
type Persister struct {
	store SnapshotStore
	tr    *Tracker
	mu    sync.Mutex // serializes saves
}

func NewPersister(store SnapshotStore, tr *Tracker) *Persister {
	return &Persister{store: store, tr: tr}
}

// Save snapshots the tracker and writes it. trigger labels the metric.
func (p *Persister) Save(ctx context.Context, trigger string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()
	snap := p.tr.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		stateSavesTotal.WithLabelValues(trigger, "error").Inc()
		return 0, fmt.Errorf("%w: encode snapshot: %v", ErrPersistenceFailure, err)
	}
	if err := p.store.Save(ctx, data); err != nil {
		stateSavesTotal.WithLabelValues(trigger, "error").Inc()
		return 0, fmt.Errorf("%w: write %s: %v", ErrPersistenceFailure, p.store, err)
	}
	stateSaveDuration.Observe(time.Since(start).Seconds())
	stateSavesTotal.WithLabelValues(trigger, "ok").Inc()
	return len(snap.Torrents), nil
}

// Load restores the tracker from the store and reaps peers that went stale
// while the tracker was down. A missing snapshot leaves an empty store and
// is not an error.
func (p *Persister) Load(ctx context.Context) (int, error) {
	data, err := p.store.Load(ctx)
	if errors.Is(err, ErrStateNotFound) {
		info("no saved state, starting empty", "store", p.store.String())
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: read %s: %v", ErrPersistenceFailure, p.store, err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return 0, fmt.Errorf("%w: decode %s: %v", ErrCorruptState, p.store, err)
	}
	if err := p.tr.Restore(snap); err != nil {
		return 0, err
	}

	reaped := p.tr.Sweep(p.tr.now())
	info("restored state", "store", p.store.String(), "torrents", len(snap.Torrents),
		"stale_peers_reaped", reaped, "saved_at", snap.SavedAt)
	return len(snap.Torrents), nil
}

// saveLoop saves on every tick until ctx is canceled.
func (p *Persister) saveLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultSaveInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.Save(ctx, "timer")
			if err != nil {
				errorLog("periodic save failed", "error", err)
				continue
			}
			debug("periodic save complete", "torrents", n)
		}
	}
}
