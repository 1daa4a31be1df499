package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSnapshotRestore_RoundTrip(t *testing.T) {
	tr, clock := newTestTracker(t)
	tr.RegisterMetadata(hashB, TorrentInfo{Name: "first", Size: 10, PieceLength: 16384})
	clock.Advance(time.Second)
	tr.UpsertPeer(hashA, testPeer("seed", 0, eventCompleted))
	leech := testPeer("leech", 42, eventStarted)
	leech.IP = net.ParseIP("2001:db8::7")
	leech.Uploaded = 7
	leech.Downloaded = 9
	tr.UpsertPeer(hashA, leech)

	snap := tr.Snapshot()
	if snap.Version != stateVersion {
		t.Errorf("version = %d", snap.Version)
	}

	restored, _ := newTestTracker(t)
	if err := restored.Restore(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}

	if restored.Len() != 2 {
		t.Fatalf("Len = %d, want 2", restored.Len())
	}
	stats := restored.Stats(hashA)
	if stats.Seeders != 1 || stats.Leechers != 1 || stats.Completed != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if meta, _ := restored.Info(hashB); meta.Name != "first" || meta.PieceLength != 16384 {
		t.Errorf("metadata = %+v", meta)
	}

	views := restored.Overview()
	if views[0].InfoHash != hashB.String() {
		t.Errorf("creation order lost: first is %s", views[0].InfoHash)
	}

	peers := restored.PeerList(hashA, "seed", 10)
	if len(peers) != 1 {
		t.Fatalf("peers = %v", peers)
	}
	got := peers[0]
	if got.ID != "leech" || got.IP.String() != "2001:db8::7" || got.Uploaded != 7 || got.Downloaded != 9 || got.Left != 42 {
		t.Errorf("peer = %+v", got)
	}

	// Repeating completed after restore must not count again
	restored.UpsertPeer(hashA, testPeer("seed", 0, eventCompleted))
	if c := restored.Stats(hashA).Completed; c != 1 {
		t.Errorf("completed after restore = %d, want 1", c)
	}
}

func TestSnapshotRestore_PreservesAliases(t *testing.T) {
	tr, _ := newTestTracker(t)
	original := mustHash(t, "0123456789aaaaaaaaaaaaaaaaaaaaaaaaa6789a")
	variant := mustHash(t, "0123456789bbbbbbbbbbbbbbbbbbbbbbbbb6789a")
	tr.UpsertPeer(original, testPeer("a", 10, eventStarted))
	tr.UpsertPeer(variant, testPeer("b", 10, eventStarted))

	restored := newTracker(0.999, defaultPeerTimeout)
	restored.now = tr.now
	if err := restored.Restore(tr.Snapshot()); err != nil {
		t.Fatalf("restore: %v", err)
	}

	// Even with a stricter threshold the recorded alias still resolves
	if canonical, known := restored.Lookup(variant); !known || canonical != original {
		t.Errorf("Lookup(variant) = %s, %v", canonical, known)
	}
}

func TestRestore_RejectsInvalid(t *testing.T) {
	valid := func() Snapshot {
		return Snapshot{
			Version: stateVersion,
			Torrents: map[string]TorrentState{
				hashA.String(): {Peers: []PeerState{{PeerID: "70656572", IP: "10.0.0.1", Port: 1, Event: "started"}}},
			},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Snapshot)
	}{
		{"future version", func(s *Snapshot) { s.Version = stateVersion + 1 }},
		{"bad torrent key", func(s *Snapshot) { s.Torrents["nothex"] = TorrentState{} }},
		{"bad peer id", func(s *Snapshot) {
			ts := s.Torrents[hashA.String()]
			ts.Peers[0].PeerID = "zz"
			s.Torrents[hashA.String()] = ts
		}},
		{"bad peer ip", func(s *Snapshot) {
			ts := s.Torrents[hashA.String()]
			ts.Peers[0].IP = "not-an-ip"
			s.Torrents[hashA.String()] = ts
		}},
		{"bad event", func(s *Snapshot) {
			ts := s.Torrents[hashA.String()]
			ts.Peers[0].Event = "exploded"
			s.Torrents[hashA.String()] = ts
		}},
		{"dangling alias", func(s *Snapshot) {
			s.Aliases = map[string]string{hashB.String(): strings.Repeat("0", 40)}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, _ := newTestTracker(t)
			tr.UpsertPeer(hashB, testPeer("keep", 10, eventStarted))

			snap := valid()
			tt.mutate(&snap)
			err := tr.Restore(snap)
			if !errors.Is(err, ErrCorruptState) {
				t.Fatalf("expected ErrCorruptState, got %v", err)
			}
			// Failed restore leaves the store untouched
			if tr.Len() != 1 || tr.Stats(hashB).Leechers != 1 {
				t.Errorf("store modified by failed restore")
			}
		})
	}
}

func TestFileStore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	store := NewFileStore(path)
	ctx := context.Background()

	t.Run("missing file", func(t *testing.T) {
		if _, err := store.Load(ctx); !errors.Is(err, ErrStateNotFound) {
			t.Errorf("expected ErrStateNotFound, got %v", err)
		}
	})

	t.Run("save and load", func(t *testing.T) {
		if err := store.Save(ctx, []byte(`{"version":1}`)); err != nil {
			t.Fatalf("save: %v", err)
		}
		if err := store.Save(ctx, []byte(`{"version":1,"torrents":{}}`)); err != nil {
			t.Fatalf("second save: %v", err)
		}
		data, err := store.Load(ctx)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if string(data) != `{"version":1,"torrents":{}}` {
			t.Errorf("data = %s", data)
		}
	})

	t.Run("no temp files left behind", func(t *testing.T) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 1 {
			names := make([]string, 0, len(entries))
			for _, e := range entries {
				names = append(names, e.Name())
			}
			t.Errorf("expected only the state file, found %v", names)
		}
	})

	t.Run("quarantine", func(t *testing.T) {
		dst, err := store.Quarantine()
		if err != nil {
			t.Fatalf("quarantine: %v", err)
		}
		if !strings.HasPrefix(filepath.Base(dst), "state.json.corrupt-") {
			t.Errorf("unexpected quarantine name %s", dst)
		}
		if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("original should be gone, stat err = %v", err)
		}
	})

	t.Run("save into missing directory fails", func(t *testing.T) {
		bad := NewFileStore(filepath.Join(dir, "missing", "state.json"))
		if err := bad.Save(ctx, []byte("{}")); err == nil {
			t.Error("expected error")
		}
	})
}

func TestPersister_SaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tracker_state.json")
	ctx := context.Background()

	tr, clock := newTestTracker(t)
	tr.RegisterMetadata(hashA, TorrentInfo{Name: "debian.iso"})
	tr.UpsertPeer(hashA, testPeer("peer1", 0, eventCompleted))

	n, err := NewPersister(NewFileStore(path), tr).Save(ctx, "manual")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if n != 1 {
		t.Errorf("saved %d torrents, want 1", n)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("state file is not JSON: %v", err)
	}
	torrents, ok := raw["torrents"].(map[string]any)
	if !ok || torrents[hashA.String()] == nil {
		t.Errorf("state file missing torrent %s: %s", hashA, data)
	}

	fresh := newTracker(defaultSimilarityRatio, defaultPeerTimeout)
	fresh.now = clock.Now
	n, err = NewPersister(NewFileStore(path), fresh).Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if n != 1 {
		t.Errorf("loaded %d torrents, want 1", n)
	}
	if stats := fresh.Stats(hashA); stats.Seeders != 1 || stats.Completed != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestPersister_LoadReapsPeersStaleSinceSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	ctx := context.Background()

	tr, clock := newTestTracker(t)
	tr.UpsertPeer(hashA, testPeer("peer1", 10, eventStarted))
	if _, err := NewPersister(NewFileStore(path), tr).Save(ctx, "manual"); err != nil {
		t.Fatal(err)
	}

	clock.Advance(defaultPeerTimeout + time.Minute)
	fresh := newTracker(defaultSimilarityRatio, defaultPeerTimeout)
	fresh.now = clock.Now
	if _, err := NewPersister(NewFileStore(path), fresh).Load(ctx); err != nil {
		t.Fatal(err)
	}
	if fresh.livePeers() != 0 {
		t.Errorf("livePeers = %d, want 0", fresh.livePeers())
	}
	if fresh.Len() != 1 {
		t.Errorf("torrent should survive, Len = %d", fresh.Len())
	}
}

func TestPersister_LoadMissingIsEmpty(t *testing.T) {
	tr, _ := newTestTracker(t)
	p := NewPersister(NewFileStore(filepath.Join(t.TempDir(), "none.json")), tr)

	n, err := p.Load(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 || tr.Len() != 0 {
		t.Errorf("expected empty store, n=%d len=%d", n, tr.Len())
	}
}

func TestPersister_LoadCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	tr, _ := newTestTracker(t)

	_, err := NewPersister(NewFileStore(path), tr).Load(context.Background())
	if !errors.Is(err, ErrCorruptState) {
		t.Errorf("expected ErrCorruptState, got %v", err)
	}
	if tr.Len() != 0 {
		t.Errorf("corrupt load should leave the store empty")
	}
}

// failingStore always fails to save.
type failingStore struct{}

func (failingStore) Load(context.Context) ([]byte, error) { return nil, ErrStateNotFound }
func (failingStore) Save(context.Context, []byte) error   { return errors.New("disk full") }
func (failingStore) String() string                       { return "failing" }

func TestPersister_SaveFailure(t *testing.T) {
	tr, _ := newTestTracker(t)
	_, err := NewPersister(failingStore{}, tr).Save(context.Background(), "manual")
	if !errors.Is(err, ErrPersistenceFailure) {
		t.Errorf("expected ErrPersistenceFailure, got %v", err)
	}
}

func TestSaveLoop_SavesPeriodically(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	tr, _ := newTestTracker(t)
	tr.UpsertPeer(hashA, testPeer("peer1", 10, eventStarted))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go NewPersister(NewFileStore(path), tr).saveLoop(ctx, 20*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("state file was not written by the save loop")
}

func TestPersister_LoadReadErrorIsNotCorrupt(t *testing.T) {
	tr, _ := newTestTracker(t)
	store := &scriptedStore{loadErr: errors.New("connection reset")}

	_, err := NewPersister(store, tr).Load(context.Background())
	if !errors.Is(err, ErrPersistenceFailure) {
		t.Errorf("expected ErrPersistenceFailure, got %v", err)
	}
	if errors.Is(err, ErrCorruptState) {
		t.Errorf("read failure reported as corrupt state: %v", err)
	}
}
