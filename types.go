package main

import (
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

// HashID represents a 20-byte info_hash (SHA-1 digest length).
// Used as map keys instead of the 40-char hex form.
type HashID [20]byte

// NewHashID creates a HashID from a byte slice.
// If b > 20 bytes, only the first 20 are used.
func NewHashID(b []byte) HashID {
	var h HashID
	copy(h[:], b)
	return h
}

// ParseHashID accepts the raw 20-byte form sent by peers in query strings
// or the 40-char hex form used by the JSON surfaces and the state file.
func ParseHashID(s string) (HashID, error) {
	switch len(s) {
	case 20:
		return NewHashID([]byte(s)), nil
	case 40:
		b, err := hex.DecodeString(s)
		if err != nil {
			return HashID{}, fmt.Errorf("invalid hex info_hash: %w", err)
		}
		return NewHashID(b), nil
	default:
		return HashID{}, fmt.Errorf("info_hash must be 20 bytes or 40 hex chars, got %d bytes", len(s))
	}
}

func (h HashID) String() string {
	return hex.EncodeToString(h[:])
}

// PeerID is the client-supplied peer identifier, kept as raw bytes.
type PeerID string

const maxPeerIDLen = 20

func (id PeerID) String() string {
	return hex.EncodeToString([]byte(id))
}

func decodeHexPeerID(s string) (PeerID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("invalid hex peer_id %q: %w", s, err)
	}
	if len(b) == 0 || len(b) > maxPeerIDLen {
		return "", fmt.Errorf("peer_id must be 1-%d bytes, got %d", maxPeerIDLen, len(b))
	}
	return PeerID(b), nil
}

// Event is the lifecycle event reported on announce.
type Event uint8

const (
	eventNone Event = iota
	eventStarted
	eventStopped
	eventCompleted
)

func parseEvent(s string) (Event, error) {
	switch strings.ToLower(s) {
	case "", "empty", "none":
		return eventNone, nil
	case "started":
		return eventStarted, nil
	case "stopped":
		return eventStopped, nil
	case "completed":
		return eventCompleted, nil
	default:
		return eventNone, fmt.Errorf("unknown event %q", s)
	}
}

func (e Event) String() string {
	switch e {
	case eventStarted:
		return "started"
	case eventStopped:
		return "stopped"
	case eventCompleted:
		return "completed"
	default:
		return "none"
	}
}

// Peer is one announcing client of a torrent. Entries are replaced
// wholesale under the torrent lock, never mutated field by field.
type Peer struct {
	LastAnnounced time.Time
	ID            PeerID
	IP            net.IP
	Uploaded      uint64
	Downloaded    uint64
	Left          uint64
	Port          uint16
	Event         Event
	// Counted is set once this peer's completion was added to the torrent's
	// completed counter; a "started" event clears it.
	Counted bool
}

func (p *Peer) isSeeder() bool { return p.Left == 0 }

// TorrentInfo is the optional descriptive metadata registered through
// /add_torrent_info.
type TorrentInfo struct {
	Name         string `json:"name"`
	Size         int64  `json:"size"`
	PieceLength  int64  `json:"piece_length"`
	Comment      string `json:"comment"`
	CreatedBy    string `json:"created_by"`
	CreationDate int64  `json:"creation_date"`
}

// merge overwrites fields of info with the non-zero fields of next.
func (info TorrentInfo) merge(next TorrentInfo) TorrentInfo {
	if next.Name != "" {
		info.Name = next.Name
	}
	if next.Size != 0 {
		info.Size = next.Size
	}
	if next.PieceLength != 0 {
		info.PieceLength = next.PieceLength
	}
	if next.Comment != "" {
		info.Comment = next.Comment
	}
	if next.CreatedBy != "" {
		info.CreatedBy = next.CreatedBy
	}
	if next.CreationDate != 0 {
		info.CreationDate = next.CreationDate
	}
	return info
}

type Torrent struct {
	createdAt time.Time
	peers     map[PeerID]*Peer
	info      TorrentInfo
	seq       uint64
	mu        sync.RWMutex
	seeders   int
	leechers  int
	completed int
}

// Tracker is the swarm store: canonical info_hash -> torrent, plus the
// alias index filled by similarity merges.
//
// Lock ordering: Tracker.mu -> Torrent.mu.
type Tracker struct {
	torrents    map[HashID]*Torrent
	aliases     map[HashID]HashID
	now         func() time.Time
	order       []HashID // canonical hashes in creation order
	resolver    resolver
	peerTimeout time.Duration
	nextSeq     uint64
	mu          sync.RWMutex
}

// TorrentStats is the aggregate view used by announce and scrape.
type TorrentStats struct {
	Seeders   int
	Leechers  int
	Completed int
	Known     bool
}
