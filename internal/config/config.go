package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Load reads the .env file specified by PATTERND_ENV (or .env by default),
// then loads the corresponding .secret file if it exists.
// All config is flat env vars read via os.Getenv after loading.
func Load() error {
	envFile := os.Getenv("PATTERND_ENV")
	if envFile == "" {
		envFile = ".env"
	}

	// Load main env file (ignore error if file doesn't exist)
	_ = godotenv.Load(envFile)

	// Load secret sidecar if it exists
	_ = godotenv.Load(envFile + ".secret")

	return nil
}

// NodeID returns this node's identifier. Defaults to the hostname, or a
// random id when even that is unavailable.
func NodeID() string {
	if id := os.Getenv("NODE_ID"); id != "" {
		return id
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "node-" + uuid.NewString()[:8]
}

// NATSURL returns the shared-bus connection string.
func NATSURL() string {
	if url := os.Getenv("NATS_URL"); url != "" {
		return url
	}
	return "nats://localhost:4222"
}

// FederationPrefix returns the subject/bucket prefix for the federation
// channels. Defaults to "patterns".
func FederationPrefix() string {
	if p := os.Getenv("FEDERATION_PREFIX"); p != "" {
		return p
	}
	return "patterns"
}

// HeartbeatInterval returns how often the node announces itself on the
// discovery channel. Defaults to 30s.
func HeartbeatInterval() time.Duration {
	secs, err := strconv.Atoi(os.Getenv("HEARTBEAT_INTERVAL_SECONDS"))
	if err != nil || secs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(secs) * time.Second
}

// TombstoneRetention returns how long deletion markers are kept to reject
// stale replays. Defaults to 5m.
func TombstoneRetention() time.Duration {
	secs, err := strconv.Atoi(os.Getenv("TOMBSTONE_RETENTION_SECONDS"))
	if err != nil || secs <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(secs) * time.Second
}

func ServerPort() int {
	port, err := strconv.Atoi(os.Getenv("SERVER_PORT"))
	if err != nil {
		return 8080
	}
	return port
}

func ServerAddr() string {
	return fmt.Sprintf(":%d", ServerPort())
}

// RateLimitRPS returns requests per second limit.
// Defaults to 100 if not set.
func RateLimitRPS() float64 {
	rps, err := strconv.ParseFloat(os.Getenv("RATE_LIMIT_RPS"), 64)
	if err != nil || rps <= 0 {
		return 100
	}
	return rps
}

// RateLimitBurst returns the burst size for rate limiting.
// Defaults to 20 if not set.
func RateLimitBurst() int {
	burst, err := strconv.Atoi(os.Getenv("RATE_LIMIT_BURST"))
	if err != nil || burst <= 0 {
		return 20
	}
	return burst
}

// LogLevel returns the log level (debug, info, warn, error).
// Defaults to "info" if not set.
func LogLevel() string {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		return "info"
	}
	return level
}
