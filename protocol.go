package main

import (
	"encoding/binary"
	"net"
	"net/url"
	"strconv"
	"time"
)

// HTTP tracker protocol (BEP 3, compact peers BEP 23, IPv6 peers BEP 7,
// scrape BEP 48).
const (
	defaultAnnounceInterval = 30 * time.Minute

	compactPeerSizeV4 = 4 + 2  // ip:4 + port:2
	compactPeerSizeV6 = 16 + 2 // ip:16 + port:2
)

// announceRequest holds the validated announce parameters.
type announceRequest struct {
	ip         net.IP
	peerID     PeerID
	uploaded   uint64
	downloaded uint64
	left       uint64
	numWant    int
	infoHash   HashID
	port       uint16
	event      Event
	compact    bool
	noPeerID   bool
}

// parseAnnounceRequest validates q. source is the address the request came
// from and is used unless a valid ip parameter overrides it.
func parseAnnounceRequest(q url.Values, source net.IP, maxWant int) (announceRequest, error) {
	var req announceRequest

	rawHash, ok := firstValue(q, "info_hash")
	if !ok {
		return req, invalidRequest("missing info_hash")
	}
	hash, err := ParseHashID(rawHash)
	if err != nil {
		return req, invalidRequest("invalid info_hash")
	}
	req.infoHash = hash

	rawPeerID, ok := firstValue(q, "peer_id")
	if !ok {
		return req, invalidRequest("missing peer_id")
	}
	if len(rawPeerID) > maxPeerIDLen {
		return req, invalidRequest("invalid peer_id")
	}
	req.peerID = PeerID(rawPeerID)

	rawPort, ok := firstValue(q, "port")
	if !ok {
		return req, invalidRequest("missing port")
	}
	port, err := strconv.ParseUint(rawPort, 10, 16)
	if err != nil || port == 0 {
		return req, invalidRequest("invalid port")
	}
	req.port = uint16(port)

	for _, counter := range []struct {
		name string
		dst  *uint64
	}{
		{"uploaded", &req.uploaded},
		{"downloaded", &req.downloaded},
		{"left", &req.left},
	} {
		raw, ok := firstValue(q, counter.name)
		if !ok {
			continue
		}
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return req, invalidRequest("invalid " + counter.name)
		}
		*counter.dst = n
	}

	req.event, err = parseEvent(q.Get("event"))
	if err != nil {
		return req, invalidRequest("invalid event")
	}

	req.numWant = calculateNumWant(q.Get("numwant"), maxWant)
	req.compact = q.Get("compact") == "1"
	req.noPeerID = q.Get("no_peer_id") == "1"

	req.ip = source
	if raw := q.Get("ip"); raw != "" {
		if ip := net.ParseIP(raw); ip != nil {
			req.ip = ip
		}
	}
	if req.ip == nil {
		return req, invalidRequest("cannot determine peer ip")
	}
	return req, nil
}

// firstValue returns the first non-empty value of key.
func firstValue(q url.Values, key string) (string, bool) {
	v := q.Get(key)
	return v, v != ""
}

// calculateNumWant clamps the requested peer count. Missing, invalid or
// negative values mean "default".
func calculateNumWant(raw string, maxWant int) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return min(defaultNumWant, maxWant)
	}
	return min(n, maxWant)
}

func (req announceRequest) peer() Peer {
	return Peer{
		ID:         req.peerID,
		IP:         req.ip,
		Uploaded:   req.uploaded,
		Downloaded: req.downloaded,
		Left:       req.left,
		Port:       req.port,
		Event:      req.event,
	}
}

// buildAnnounceResponse creates the bencode dictionary for an announce.
func buildAnnounceResponse(req announceRequest, peers []Peer, stats TorrentStats, interval time.Duration) map[string]any {
	resp := map[string]any{
		"interval":     int64(interval / time.Second),
		"min interval": int64(interval / 2 / time.Second),
		"complete":     int64(stats.Seeders),
		"incomplete":   int64(stats.Leechers),
	}

	if req.compact {
		v4, v6 := splitByFamily(peers)
		resp["peers"] = compactPeers(v4, compactPeerSizeV4)
		if len(v6) > 0 {
			resp["peers6"] = compactPeers(v6, compactPeerSizeV6)
		}
		return resp
	}

	list := make([]any, 0, len(peers))
	for _, p := range peers {
		entry := map[string]any{
			"ip":   p.IP.String(),
			"port": int64(p.Port),
		}
		if !req.noPeerID {
			entry["peer id"] = string(p.ID)
		}
		list = append(list, entry)
	}
	resp["peers"] = list
	return resp
}

// compactPeers packs peers as ip+port in network byte order.
func compactPeers(peers []Peer, peerSize int) []byte {
	out := make([]byte, 0, len(peers)*peerSize)
	for _, p := range peers {
		if peerSize == compactPeerSizeV4 {
			out = append(out, p.IP.To4()...)
		} else {
			out = append(out, p.IP.To16()...)
		}
		out = binary.BigEndian.AppendUint16(out, p.Port)
	}
	return out
}

// parseScrapeHashes returns every info_hash of a scrape query.
func parseScrapeHashes(q url.Values) ([]HashID, error) {
	raw := q["info_hash"]
	hashes := make([]HashID, 0, len(raw))
	for _, v := range raw {
		if v == "" {
			continue
		}
		h, err := ParseHashID(v)
		if err != nil {
			return nil, invalidRequest("invalid info_hash")
		}
		hashes = append(hashes, h)
	}
	if len(hashes) == 0 {
		return nil, invalidRequest("missing info_hash")
	}
	return hashes, nil
}

// scrapeEntry is the per-torrent scrape dictionary. name is added when the
// torrent has registered metadata.
func scrapeEntry(stats TorrentStats, name string) map[string]any {
	entry := map[string]any{
		"complete":   int64(stats.Seeders),
		"incomplete": int64(stats.Leechers),
		"downloaded": int64(stats.Completed),
	}
	if name != "" {
		entry["name"] = name
	}
	return entry
}

func failureResponse(reason string) map[string]any {
	return map[string]any{"failure reason": reason}
}
