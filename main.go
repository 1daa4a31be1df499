package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var version = "dev"

const envPrefix = "PICO_SWARM__"

//nolint:govet // Field alignment is acceptable
type config struct {
	addr             string
	statePath        string
	redisURL         string
	redisKey         string
	whitelistPath    string
	logFormat        string
	peerTimeout      time.Duration
	announceInterval time.Duration
	saveInterval     time.Duration
	reapInterval     time.Duration
	shutdownTimeout  time.Duration
	similarity       float64
	rate             float64
	maxPeers         int
	burst            int
	trustProxy       bool
	debug            bool
	showVersion      bool
}

func defaultConfig() config {
	return config{
		addr:             ":6969",
		statePath:        defaultStatePath,
		redisKey:         defaultRedisKey,
		logFormat:        "text",
		peerTimeout:      defaultPeerTimeout,
		announceInterval: defaultAnnounceInterval,
		saveInterval:     defaultSaveInterval,
		reapInterval:     defaultReapInterval,
		shutdownTimeout:  defaultShutdownTimeout,
		similarity:       defaultSimilarityRatio,
		rate:             5,
		maxPeers:         defaultMaxPeers,
		burst:            20,
	}
}

// parseFlags parses command-line flags and returns configuration.
// Default values are read from environment variables prefixed with
// PICO_SWARM__ (e.g. PICO_SWARM__ADDR); DEBUG enables debug logs.
// Invalid environment values are ignored in favor of the built-in default.
func parseFlags(args []string) config {
	def := defaultConfig()

	fs := flag.NewFlagSet("pico-swarm", flag.ExitOnError)

	addr := envString("ADDR", def.addr)
	fs.StringVar(&def.addr, "addr", addr, "address to listen on [env PICO_SWARM__ADDR]")
	fs.StringVar(&def.addr, "a", addr, "alias to -addr")

	state := envString("STATE", def.statePath)
	fs.StringVar(&def.statePath, "state", state, "path of the state file [env PICO_SWARM__STATE]")
	fs.StringVar(&def.statePath, "s", state, "alias to -state")

	fs.StringVar(&def.redisURL, "redis-url", envString("REDIS_URL", ""),
		"store state in redis instead of a file [env PICO_SWARM__REDIS_URL]")
	fs.StringVar(&def.redisKey, "redis-key", envString("REDIS_KEY", def.redisKey),
		"redis key holding the state [env PICO_SWARM__REDIS_KEY]")

	wl := envString("WHITELIST", "")
	fs.StringVar(&def.whitelistPath, "whitelist", wl,
		"path to whitelist file for private tracker mode [env PICO_SWARM__WHITELIST]")
	fs.StringVar(&def.whitelistPath, "w", wl, "alias to -whitelist")

	fs.DurationVar(&def.peerTimeout, "peer-timeout", envDuration("PEER_TIMEOUT", def.peerTimeout),
		"drop peers silent for longer than this [env PICO_SWARM__PEER_TIMEOUT]")
	fs.DurationVar(&def.announceInterval, "announce-interval", envDuration("ANNOUNCE_INTERVAL", def.announceInterval),
		"re-announce interval sent to peers [env PICO_SWARM__ANNOUNCE_INTERVAL]")
	fs.DurationVar(&def.saveInterval, "save-interval", envDuration("SAVE_INTERVAL", def.saveInterval),
		"periodic state save interval [env PICO_SWARM__SAVE_INTERVAL]")
	fs.DurationVar(&def.reapInterval, "reap-interval", envDuration("REAP_INTERVAL", def.reapInterval),
		"stale peer sweep interval [env PICO_SWARM__REAP_INTERVAL]")
	fs.DurationVar(&def.shutdownTimeout, "shutdown-timeout", envDuration("SHUTDOWN_TIMEOUT", def.shutdownTimeout),
		"max wait for draining requests and the final save [env PICO_SWARM__SHUTDOWN_TIMEOUT]")

	fs.Float64Var(&def.similarity, "similarity", envFloat("SIMILARITY", def.similarity),
		"info_hash similarity ratio above which hashes merge [env PICO_SWARM__SIMILARITY]")
	fs.IntVar(&def.maxPeers, "max-peers", envInt("MAX_PEERS", def.maxPeers),
		"max peers returned per announce [env PICO_SWARM__MAX_PEERS]")
	fs.Float64Var(&def.rate, "rate", envFloat("RATE", def.rate),
		"announce/scrape requests per second per IP, 0 disables [env PICO_SWARM__RATE]")
	fs.IntVar(&def.burst, "burst", envInt("BURST", def.burst),
		"rate limiter burst per IP [env PICO_SWARM__BURST]")
	fs.BoolVar(&def.trustProxy, "trust-proxy", envBool("TRUST_PROXY", false),
		"take peer IPs from X-Forwarded-For/X-Real-IP [env PICO_SWARM__TRUST_PROXY]")
	fs.StringVar(&def.logFormat, "log-format", envString("LOG_FORMAT", def.logFormat),
		"log format: text or json [env PICO_SWARM__LOG_FORMAT]")

	debugDefault := os.Getenv("DEBUG") != ""
	fs.BoolVar(&def.debug, "debug", debugDefault, "enable debug logs [env DEBUG]")
	fs.BoolVar(&def.debug, "d", debugDefault, "alias to -debug")

	fs.BoolVar(&def.showVersion, "version", false, "print version")
	fs.BoolVar(&def.showVersion, "v", false, "alias to -version")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "\nPico Swarm: %s\nPrivate BitTorrent Tracker (HTTP)\n\n", version)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\n")
	}

	// With ExitOnError, flag package exits on error
	//nolint:errcheck // parsing error will exit
	_ = fs.Parse(args)

	return def
}

func envString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(envPrefix + key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(envPrefix + key)))
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(os.Getenv(envPrefix+key)), 64)
	if err != nil || f < 0 {
		return fallback
	}
	return f
}

func envDuration(key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(os.Getenv(envPrefix + key)))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func envBool(key string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(envPrefix + key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func main() {
	cfg := parseFlags(os.Args[1:])

	if cfg.showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if cfg.debug {
		logLevel.Set(slog.LevelDebug)
	}
	slog.SetDefault(newLogger(os.Stdout, cfg.logFormat))
	registerMetrics(prometheus.DefaultRegisterer)

	ctx, stop := setupSignalHandling()
	defer stop()

	shutdownTracer, err := initTelemetry(ctx, "pico-swarm")
	if err != nil {
		warn("telemetry init failed", "error", err)
	}
	defer func() {
		//nolint:errcheck // exporter flush errors are not actionable at exit
		_ = shutdownTracer(context.Background())
	}()

	srv, err := NewServer(ctx, cfg)
	if err != nil {
		errorLog("server setup failed", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		errorLog("server error", "error", err)
		os.Exit(1)
	}
}
