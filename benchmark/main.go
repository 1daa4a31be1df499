// BitTorrent HTTP Tracker Benchmark Tool
// Simulates concurrent HTTP clients announcing and scraping against a tracker
//
// Usage: go run ./benchmark -target http://localhost:6969 -duration 30s -concurrency 100

package main

import (
	"bytes"
	"context"
	"crypto/sha1" //nolint:gosec // synthetic info hashes
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const responseTimeout = 5 * time.Second

// LatencyStats stores latencies for one request type (announce/scrape)
type LatencyStats struct {
	Latencies []time.Duration
	Mu        sync.Mutex
}

func (l *LatencyStats) Record(d time.Duration) {
	l.Mu.Lock()
	l.Latencies = append(l.Latencies, d)
	l.Mu.Unlock()
}

func (l *LatencyStats) sorted() []time.Duration {
	l.Mu.Lock()
	defer l.Mu.Unlock()
	out := make([]time.Duration, len(l.Latencies))
	copy(out, l.Latencies)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Percentile returns the p-th percentile, p in [0, 100].
func (l *LatencyStats) Percentile(p float64) time.Duration {
	s := l.sorted()
	if len(s) == 0 {
		return 0
	}
	idx := int(float64(len(s)) * p / 100.0)
	if idx >= len(s) {
		idx = len(s) - 1
	}
	return s[idx]
}

func (l *LatencyStats) Avg() time.Duration {
	l.Mu.Lock()
	defer l.Mu.Unlock()
	if len(l.Latencies) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range l.Latencies {
		sum += d
	}
	return sum / time.Duration(len(l.Latencies))
}

func (l *LatencyStats) Count() int {
	l.Mu.Lock()
	defer l.Mu.Unlock()
	return len(l.Latencies)
}

type Stats struct {
	StartTime       time.Time
	AnnounceLatency LatencyStats
	ScrapeLatency   LatencyStats
	TotalRequests   atomic.Uint64
	SuccessfulReqs  atomic.Uint64
	FailedReqs      atomic.Uint64
	TrackerFailures atomic.Uint64 // 200 with a bencoded failure reason
	ResponseBytes   atomic.Uint64
}

type Config struct {
	Target      string
	Duration    time.Duration
	Concurrency int
	RateLimit   float64
	NumHashes   int
	NumWant     int
	Compact     bool
}

type Benchmark struct {
	client *http.Client
	Config Config
	Stats  Stats
}

func NewBenchmark(cfg Config) *Benchmark {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = cfg.Concurrency
	return &Benchmark{
		client: &http.Client{Timeout: responseTimeout, Transport: transport},
		Config: cfg,
	}
}

func (b *Benchmark) Run(ctx context.Context) error {
	b.Stats.StartTime = time.Now()

	fmt.Printf("Starting benchmark...\n")
	fmt.Printf("Target: %s\n", b.Config.Target)
	fmt.Printf("Duration: %s\n", b.Config.Duration)
	fmt.Printf("Concurrency: %d\n", b.Config.Concurrency)
	fmt.Printf("Rate limit: %.0f req/s per worker\n", b.Config.RateLimit)
	fmt.Printf("Info hashes: %d\n", b.Config.NumHashes)
	fmt.Println()

	ctx, cancel := context.WithTimeout(ctx, b.Config.Duration)
	defer cancel()

	go b.reportProgress(ctx)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < b.Config.Concurrency; i++ {
		g.Go(func() error {
			b.worker(gctx, i)
			return nil
		})
	}
	err := g.Wait()
	b.printResults()
	return err
}

func (b *Benchmark) worker(ctx context.Context, id int) {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if b.Config.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(b.Config.RateLimit), 1)
	}

	hashes := make([][20]byte, b.Config.NumHashes)
	for i := range hashes {
		hashes[i] = generateInfoHash(id, i)
	}
	peerID := generatePeerID(id)

	for ctx.Err() == nil {
		for _, hash := range hashes {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			b.record(&b.Stats.AnnounceLatency, b.doAnnounce(ctx, hash, peerID))
		}
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		b.record(&b.Stats.ScrapeLatency, b.doScrape(ctx, hashes))
	}
}

type result struct {
	err           error
	latency       time.Duration
	size          int
	failureReason bool
}

func (b *Benchmark) record(lat *LatencyStats, res result) {
	// Requests cut off by the end of the run are not failures
	if res.err != nil && b.Stats.StartTime.Add(b.Config.Duration).Before(time.Now()) {
		return
	}
	b.Stats.TotalRequests.Add(1)
	lat.Record(res.latency)
	switch {
	case res.err != nil:
		b.Stats.FailedReqs.Add(1)
	case res.failureReason:
		b.Stats.TrackerFailures.Add(1)
		b.Stats.FailedReqs.Add(1)
	default:
		b.Stats.SuccessfulReqs.Add(1)
		b.Stats.ResponseBytes.Add(uint64(res.size))
	}
}

func (b *Benchmark) doAnnounce(ctx context.Context, infoHash, peerID [20]byte) result {
	q := url.Values{
		"info_hash":  {string(infoHash[:])},
		"peer_id":    {string(peerID[:])},
		"port":       {"6881"},
		"uploaded":   {"0"},
		"downloaded": {"0"},
		"left":       {"100"}, // leecher
		"numwant":    {strconv.Itoa(b.Config.NumWant)},
	}
	if b.Config.Compact {
		q.Set("compact", "1")
	}
	return b.get(ctx, "/announce?"+q.Encode())
}

func (b *Benchmark) doScrape(ctx context.Context, hashes [][20]byte) result {
	q := url.Values{}
	for _, h := range hashes {
		q.Add("info_hash", string(h[:]))
	}
	return b.get(ctx, "/scrape?"+q.Encode())
}

func (b *Benchmark) get(ctx context.Context, path string) result {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.Config.Target+path, nil)
	if err != nil {
		return result{err: err}
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return result{err: err, latency: time.Since(start)}
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body
	body, err := io.ReadAll(resp.Body)
	res := result{err: err, latency: time.Since(start), size: len(body)}
	if err == nil && resp.StatusCode != http.StatusOK {
		res.err = fmt.Errorf("status %d", resp.StatusCode)
	}
	// Tracker errors are "d14:failure reason..." with status 200
	res.failureReason = bytes.HasPrefix(body, []byte("d14:failure reason"))
	return res
}

func (b *Benchmark) reportProgress(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			elapsed := time.Since(b.Stats.StartTime)
			total := b.Stats.TotalRequests.Load()
			fmt.Printf("[%s] Total: %d | RPS: %.0f | Success: %d | Failed: %d\n",
				elapsed.Round(time.Second), total, float64(total)/elapsed.Seconds(),
				b.Stats.SuccessfulReqs.Load(), b.Stats.FailedReqs.Load())
		case <-ctx.Done():
			return
		}
	}
}

func (b *Benchmark) printResults() {
	elapsed := time.Since(b.Stats.StartTime)
	total := b.Stats.TotalRequests.Load()
	ok := b.Stats.SuccessfulReqs.Load()
	failed := b.Stats.FailedReqs.Load()

	fmt.Println()
	fmt.Println("========================================")
	fmt.Println("       BENCHMARK RESULTS")
	fmt.Println("========================================")
	fmt.Printf("Duration: %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("Concurrency: %d workers\n", b.Config.Concurrency)
	fmt.Println()

	fmt.Println("--- Request Statistics ---")
	fmt.Printf("Total Requests:     %d\n", total)
	if total > 0 {
		fmt.Printf("Successful:         %d (%.2f%%)\n", ok, float64(ok)/float64(total)*100)
		fmt.Printf("Failed:             %d (%.2f%%, %d tracker failure replies)\n",
			failed, float64(failed)/float64(total)*100, b.Stats.TrackerFailures.Load())
		fmt.Printf("Avg response size:  %.0f bytes\n", float64(b.Stats.ResponseBytes.Load())/float64(max(ok, 1)))
	}
	fmt.Printf("Requests/Second:    %.2f\n", float64(total)/elapsed.Seconds())
	fmt.Println()

	fmt.Println("--- Latency Statistics ---")
	for _, row := range []struct {
		name string
		lat  *LatencyStats
	}{
		{"Announce", &b.Stats.AnnounceLatency},
		{"Scrape", &b.Stats.ScrapeLatency},
	} {
		if row.lat.Count() == 0 {
			continue
		}
		fmt.Printf("\n%s Latency (n=%d):\n", row.name, row.lat.Count())
		fmt.Printf("  Avg:  %s\n", row.lat.Avg())
		fmt.Printf("  P50:  %s\n", row.lat.Percentile(50))
		fmt.Printf("  P95:  %s\n", row.lat.Percentile(95))
		fmt.Printf("  P99:  %s\n", row.lat.Percentile(99))
		fmt.Printf("  Max:  %s\n", row.lat.Percentile(100))
	}
	fmt.Println()

	if total > 0 && float64(ok)/float64(total) < 0.95 {
		fmt.Println("WARNING: Error rate is high (>5%). Check tracker logs and -rate/-burst settings.")
	}
}

// generateInfoHash creates a deterministic 20-byte info hash for testing.
// The tracker merges hashes that agree on the first 10 and last 5 hex
// characters, so the hash is a digest of the ids rather than the ids laid
// out in a fixed pattern.
func generateInfoHash(workerID, hashID int) [20]byte {
	return sha1.Sum(fmt.Appendf(nil, "pico-swarm-benchmark/%d/%d", workerID, hashID)) //nolint:gosec // test data
}

// generatePeerID creates a uTorrent-style peer ID for testing.
func generatePeerID(workerID int) [20]byte {
	var id [20]byte
	copy(id[0:8], "-UT1234-")
	binary.BigEndian.PutUint32(id[8:12], uint32(workerID))              //nolint:gosec // small test ids
	binary.BigEndian.PutUint32(id[12:16], uint32(time.Now().UnixNano())) //nolint:gosec // truncation intended
	return id
}

func main() {
	var config Config

	flag.StringVar(&config.Target, "target", "http://localhost:6969", "Tracker base URL")
	flag.DurationVar(&config.Duration, "duration", 30*time.Second, "Benchmark duration")
	flag.IntVar(&config.Concurrency, "concurrency", 100, "Number of concurrent workers")
	flag.Float64Var(&config.RateLimit, "rate", 0, "Rate limit per worker (req/s, 0=unlimited)")
	flag.IntVar(&config.NumHashes, "hashes", 5, "Number of info hashes per worker")
	flag.IntVar(&config.NumWant, "numwant", 50, "Number of peers to request")
	flag.BoolVar(&config.Compact, "compact", true, "Request compact peer lists")
	flag.Parse()

	if config.Concurrency < 1 {
		log.Fatal("Concurrency must be at least 1")
	}
	if config.NumHashes < 1 {
		log.Fatal("Hashes must be at least 1")
	}

	if err := NewBenchmark(config).Run(context.Background()); err != nil {
		log.Fatal(err)
	}
}
