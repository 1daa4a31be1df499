package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"
)

// maxRegisterBodySize bounds the /add_torrent_info JSON body.
const maxRegisterBodySize = 1 << 20

// handleAnnounce records the announcing peer and answers with a peer list.
// Protocol errors are bencoded failure dictionaries with status 200 so that
// BitTorrent clients surface the reason to the user.
func (s *Server) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	source := clientIP(r, s.cfg.trustProxy)
	if !s.limiter.allow(source) {
		announcesTotal.WithLabelValues("none", "rate_limited").Inc()
		writeFailure(w, "rate limit exceeded, slow down")
		return
	}

	req, err := parseAnnounceRequest(r.URL.Query(), source, s.cfg.maxPeers)
	if err != nil {
		announcesTotal.WithLabelValues("none", "invalid").Inc()
		debug("rejected announce", "reason", failureReason(err), "clientIP", source)
		writeFailure(w, failureReason(err))
		return
	}

	canonical, _ := s.tr.Lookup(req.infoHash)
	if !s.whitelist.allows(req.infoHash, canonical) {
		announcesTotal.WithLabelValues(req.event.String(), "denied").Inc()
		debug("announce for torrent not in whitelist", "info_hash", req.infoHash.String())
		writeFailure(w, "torrent not in whitelist")
		return
	}

	if req.event == eventStopped {
		canonical, _ = s.tr.RemovePeer(req.infoHash, req.peerID)
	} else {
		canonical = s.tr.UpsertPeer(req.infoHash, req.peer())
	}
	s.tr.sweepHash(canonical)

	stats := s.tr.Stats(canonical)
	var peers []Peer
	if req.event != eventStopped {
		peers = s.tr.PeerList(canonical, req.peerID, req.numWant)
	}

	if debugEnabled() {
		debug("announce",
			"info_hash", req.infoHash.String(),
			"canonical", canonical.String(),
			"peer_id", req.peerID.String(),
			"event", req.event.String(),
			"left", req.left,
			"returned", len(peers),
		)
	}

	writeBencode(w, buildAnnounceResponse(req, peers, stats, s.cfg.announceInterval))
	announcesTotal.WithLabelValues(req.event.String(), "ok").Inc()
}

// handleScrape reports swarm counters for every requested info_hash. Entries
// are keyed by the hash as requested, even when it resolved to an alias.
func (s *Server) handleScrape(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.allow(clientIP(r, s.cfg.trustProxy)) {
		scrapesTotal.WithLabelValues("rate_limited").Inc()
		writeFailure(w, "rate limit exceeded, slow down")
		return
	}

	hashes, err := parseScrapeHashes(r.URL.Query())
	if err != nil {
		scrapesTotal.WithLabelValues("invalid").Inc()
		writeFailure(w, failureReason(err))
		return
	}

	files := make(map[string]any, len(hashes))
	for _, h := range hashes {
		canonical, known := s.tr.Lookup(h)
		if !s.whitelist.allows(h, canonical) {
			// Unlisted torrents look empty rather than leaking their existence.
			files[string(h[:])] = scrapeEntry(TorrentStats{}, "")
			continue
		}
		var name string
		if known {
			s.tr.sweepHash(canonical)
			if meta, ok := s.tr.Info(canonical); ok {
				name = meta.Name
			}
		}
		files[string(h[:])] = scrapeEntry(s.tr.Stats(canonical), name)
	}

	writeBencode(w, map[string]any{
		"files": files,
		"flags": map[string]any{
			"min_request_interval": int64(s.cfg.announceInterval / 2 / time.Second),
		},
	})
	scrapesTotal.WithLabelValues("ok").Inc()
}

type addTorrentRequest struct {
	InfoHash string `json:"info_hash"`
	TorrentInfo
}

// handleAddTorrentInfo registers descriptive metadata for a torrent. A hash
// close enough to a known one is stored on the existing record.
func (s *Server) handleAddTorrentInfo(w http.ResponseWriter, r *http.Request) {
	var body addTorrentRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRegisterBodySize))
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body must be a JSON object")
		return
	}

	hash, err := parseRegisteredHash(body.InfoHash)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_info_hash", err.Error())
		return
	}

	if existing, _ := s.tr.Lookup(hash); !s.whitelist.allows(hash, existing) {
		writeError(w, http.StatusForbidden, "not_whitelisted", "torrent not in whitelist")
		return
	}

	canonical, alias := s.tr.RegisterMetadata(hash, body.TorrentInfo)
	info("torrent info registered",
		"info_hash", hash.String(),
		"canonical", canonical.String(),
		"name", body.Name,
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"message":   "torrent info registered",
		"info_hash": canonical.String(),
		"alias":     alias,
	})
}

// parseRegisteredHash accepts the 40-char hex form, or 20 raw bytes that
// may be percent-encoded. Upload clients leave printable bytes as they are,
// so '+' and ' ' are literal.
func parseRegisteredHash(raw string) (HashID, error) {
	if raw == "" {
		return HashID{}, errors.New("missing info_hash")
	}
	if h, err := ParseHashID(raw); err == nil {
		return h, nil
	}
	if unescaped, err := url.PathUnescape(raw); err == nil && len(unescaped) == len(HashID{}) {
		return NewHashID([]byte(unescaped)), nil
	}
	return HashID{}, errors.New("info_hash must be 40 hex chars or 20 url-encoded bytes")
}

// handleStats returns every torrent with its metadata and live peers.
func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	views := s.tr.Overview()
	torrents := make(map[string]TorrentView, len(views))
	for _, v := range views {
		torrents[v.InfoHash] = v
	}
	writeJSON(w, http.StatusOK, torrents)
}

func (s *Server) handleSaveState(w http.ResponseWriter, r *http.Request) {
	n, err := s.persister.Save(r.Context(), "manual")
	if err != nil {
		errorLog("manual state save failed", "error", err)
		writeError(w, http.StatusInternalServerError, "save_failed", err.Error())
		return
	}
	info("state saved", "torrents", n, "store", s.store.String(), "trigger", "manual")
	writeJSON(w, http.StatusOK, map[string]any{
		"message":  "state saved",
		"torrents": n,
	})
}

// handleShutdown answers first, then asks Run to stop. The server drains
// in-flight requests, so this response is delivered.
func (s *Server) handleShutdown(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "server shutting down"})
	s.requestShutdown()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"torrents": s.tr.Len(),
		"peers":    s.tr.livePeers(),
		"version":  version,
	})
}

// writeBencode sends a bencoded tracker response with status 200.
func writeBencode(w http.ResponseWriter, v any) {
	data, err := Encode(v)
	if err != nil {
		errorLog("failed to encode tracker response", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // client may have gone away
	_, _ = w.Write(data)
}

func writeFailure(w http.ResponseWriter, reason string) {
	writeBencode(w, failureResponse(reason))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		debug("failed to write json response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
