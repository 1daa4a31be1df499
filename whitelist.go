package main

import (
	"bufio"
	"context"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

const whitelistRefreshInterval = 5 * time.Minute

// whitelist restricts the tracker to a fixed set of torrents (private mode).
// A nil set means public mode; an empty set blocks everything.
type whitelist struct {
	set atomic.Pointer[map[HashID]struct{}]
}

// loadWhitelistFile reads one 40-char hex info_hash per line. Empty lines,
// lines starting with # and anything after the first field are ignored,
// so "hash name of the torrent" lines are accepted.
func loadWhitelistFile(path string) map[HashID]struct{} {
	//nolint:gosec // Path is controlled by admin
	file, err := os.Open(path)
	if err != nil {
		warn("failed to open whitelist file, blocking all torrents", "path", path, "error", err)
		return make(map[HashID]struct{}) // Fail-closed
	}
	//nolint:errcheck // File close errors ignored during read
	defer file.Close()

	hashes := make(map[HashID]struct{})
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		field := strings.Fields(line)[0]
		hash, err := parseHexHash(strings.ToLower(field))
		if err != nil {
			warn("skipping whitelist line", "line", lineNum, "error", err)
			continue
		}
		hashes[hash] = struct{}{}
	}

	if err := scanner.Err(); err != nil {
		warn("error reading whitelist file", "path", path, "error", err)
	}
	return hashes
}

// watch loads path now and reloads it whenever its mtime changes, until
// ctx is canceled.
func (wl *whitelist) watch(ctx context.Context, path string, every time.Duration) {
	data := loadWhitelistFile(path)
	wl.set.Store(&data)
	info("loaded whitelist", "path", path, "hashes", len(data))

	var lastMod time.Time
	if fi, err := os.Stat(path); err == nil {
		lastMod = fi.ModTime()
	}

	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fi, err := os.Stat(path)
				if err != nil {
					warn("failed to stat whitelist file", "path", path, "error", err)
					continue
				}
				if !fi.ModTime().Equal(lastMod) {
					data := loadWhitelistFile(path)
					wl.set.Store(&data)
					lastMod = fi.ModTime()
					info("reloaded whitelist", "hashes", len(data))
				}
			}
		}
	}()
}

// allows reports whether any of hashes is whitelisted. Callers pass both
// the requested hash and its canonical identity so that aliases of a
// whitelisted torrent are accepted.
func (wl *whitelist) allows(hashes ...HashID) bool {
	m := wl.set.Load()
	if m == nil {
		return true // public mode
	}
	for _, h := range hashes {
		if _, ok := (*m)[h]; ok {
			return true
		}
	}
	return false
}
