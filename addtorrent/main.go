// Command addtorrent registers .torrent metadata with a pico-swarm tracker.
//
// Usage: go run ./addtorrent -tracker http://localhost:6969 file1.torrent [file2.torrent...]
package main

import (
	"bytes"
	"context"
	"crypto/sha1" //nolint:gosec // info_hash is defined as SHA-1
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	bencode "github.com/jackpal/bencode-go"
)

// torrentInfo is the /add_torrent_info payload.
type torrentInfo struct {
	InfoHash     string `json:"info_hash"`
	Name         string `json:"name"`
	Comment      string `json:"comment"`
	CreatedBy    string `json:"created_by"`
	Size         int64  `json:"size"`
	PieceLength  int64  `json:"piece_length"`
	CreationDate int64  `json:"creation_date"`
}

// readTorrent parses a metainfo file and computes its info_hash as the
// SHA-1 of the re-encoded info dictionary.
func readTorrent(r io.Reader) (torrentInfo, error) {
	data, err := bencode.Decode(r)
	if err != nil {
		return torrentInfo{}, fmt.Errorf("decode torrent: %w", err)
	}
	root, ok := data.(map[string]any)
	if !ok {
		return torrentInfo{}, errors.New("torrent is not a dictionary")
	}
	info, ok := root["info"].(map[string]any)
	if !ok {
		return torrentInfo{}, errors.New("missing or invalid info dictionary")
	}

	var raw bytes.Buffer
	if err := bencode.Marshal(&raw, info); err != nil {
		return torrentInfo{}, fmt.Errorf("encode info: %w", err)
	}
	sum := sha1.Sum(raw.Bytes()) //nolint:gosec // see import

	meta := torrentInfo{
		InfoHash:    hex.EncodeToString(sum[:]),
		Name:        stringField(info, "name"),
		Size:        totalSize(info),
		PieceLength: intField(info, "piece length"),
		Comment:     stringField(root, "comment"),
		CreatedBy:   stringField(root, "created by"),
	}
	meta.CreationDate = intField(root, "creation date")
	if meta.CreationDate == 0 {
		meta.CreationDate = time.Now().Unix()
	}
	return meta, nil
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return strings.ToValidUTF8(s, "�")
}

func intField(m map[string]any, key string) int64 {
	n, _ := m[key].(int64)
	return n
}

// totalSize handles single-file (length) and multi-file (files) torrents.
func totalSize(info map[string]any) int64 {
	if n, ok := info["length"].(int64); ok {
		return n
	}
	files, _ := info["files"].([]any)
	var total int64
	for _, f := range files {
		if entry, ok := f.(map[string]any); ok {
			total += intField(entry, "length")
		}
	}
	return total
}

type uploader struct {
	client     *http.Client
	tracker    string
	retries    int
	retryDelay time.Duration
}

// errRetryable marks failures worth another attempt.
var errRetryable = errors.New("retryable")

// upload posts meta, retrying on transport errors and 5xx responses. 4xx
// responses are final.
func (u *uploader) upload(ctx context.Context, meta torrentInfo) error {
	body, err := json.Marshal(meta)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= u.retries; attempt++ {
		if attempt > 0 {
			slog.Warn("retrying upload", "name", meta.Name, "attempt", attempt, "error", lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(u.retryDelay):
			}
		}
		lastErr = u.post(ctx, body)
		if lastErr == nil || !errors.Is(lastErr, errRetryable) {
			return lastErr
		}
	}
	return fmt.Errorf("giving up after %d attempts: %w", u.retries+1, lastErr)
}

func (u *uploader) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(u.tracker, "/")+"/add_torrent_info", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", errRetryable, err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: tracker returned %d: %s", errRetryable, resp.StatusCode, bytes.TrimSpace(msg))
	default:
		return fmt.Errorf("tracker returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
}

func processFile(ctx context.Context, u *uploader, path string) error {
	//nolint:gosec // path comes from the command line
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck // read-only file

	meta, err := readTorrent(f)
	if err != nil {
		return err
	}
	if err := u.upload(ctx, meta); err != nil {
		return err
	}
	slog.Info("registered torrent", "file", path, "name", meta.Name, "info_hash", meta.InfoHash)
	return nil
}

func main() {
	tracker := flag.String("tracker", "http://localhost:6969", "tracker base URL")
	retries := flag.Int("retries", 3, "retries per torrent on network or server errors")
	retryDelay := flag.Duration("retry-delay", 2*time.Second, "delay between retries")
	timeout := flag.Duration("timeout", 10*time.Second, "per-request timeout")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] file.torrent [file.torrent...]\n\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	u := &uploader{
		client:     &http.Client{Timeout: *timeout},
		tracker:    *tracker,
		retries:    max(*retries, 0),
		retryDelay: *retryDelay,
	}

	failed := 0
	for _, path := range flag.Args() {
		if err := processFile(context.Background(), u, path); err != nil {
			slog.Error("failed to register torrent", "file", path, "error", err)
			failed++
		}
	}
	if failed > 0 {
		os.Exit(1)
	}
}
