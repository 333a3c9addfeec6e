package cmn

import (
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/biotronics/ecosim/cmn/nlog"
)

// Config is the process-wide configuration populated once at startup from
// the environment variables enumerated in spec §6. It is never mutated in
// place; updates (there are none at runtime in this design) would swap a new
// *Config into GCO.
type Config struct {
	ServerID    string
	APIPort     int
	DataDir     string

	DiscoveryServerURL string
	DiscoveryAPIKey    string
	AllowPrivateServerRegistration bool

	Production     bool
	AllowedOrigins []string

	LogLevel string

	HeartbeatInterval      time.Duration
	HeartbeatTimeout       time.Duration
	CleanupInterval        time.Duration
	PruneTimeout           time.Duration
	MigrationCheckInterval time.Duration
	AutoSaveInterval       time.Duration

	// Tick-loop / broadcast tunables (spec §4.1, §4.7); not independently
	// named as env vars in §6 but required defaults of the core.
	TickRate                float64
	FastForwardMultiplier   float64
	WebsocketUpdateInterval int
	DeltaSyncInterval       int
	MaxConsecutiveFailures  int
	SerializeWarnThreshold  time.Duration

	MaxWSConnectionsPerIP     int
	MaxSubscriptionsPerSource int

	SnapshotRetainCount int
}

func defaultConfig() *Config {
	return &Config{
		ServerID: "local",
		APIPort:  8000,
		DataDir:  "data",

		AllowPrivateServerRegistration: false,
		Production:                     false,
		AllowedOrigins:                 nil,
		LogLevel:                       "info",

		HeartbeatInterval:      2 * time.Second,
		HeartbeatTimeout:       6 * time.Second,
		CleanupInterval:        5 * time.Second,
		PruneTimeout:           3600 * time.Second,
		MigrationCheckInterval: 2 * time.Second,
		AutoSaveInterval:       30 * time.Second,

		TickRate:              30.0,
		FastForwardMultiplier: 5.0,
		WebsocketUpdateInterval: 2,
		DeltaSyncInterval:       90,
		MaxConsecutiveFailures:  10,
		SerializeWarnThreshold:  50 * time.Millisecond,

		MaxWSConnectionsPerIP:     5,
		MaxSubscriptionsPerSource: 5,

		SnapshotRetainCount: 20,
	}
}

// FromEnv populates a Config from the process environment, falling back to
// defaultConfig()'s values for anything unset.
func FromEnv() *Config {
	c := defaultConfig()

	if v := os.Getenv("SERVER_ID"); v != "" {
		c.ServerID = v
	}
	if v, ok := envInt("API_PORT"); ok {
		c.APIPort = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("DISCOVERY_SERVER_URL"); v != "" {
		c.DiscoveryServerURL = v
	}
	if v := os.Getenv("DISCOVERY_API_KEY"); v != "" {
		c.DiscoveryAPIKey = v
	}
	if v, ok := envBool("ALLOW_PRIVATE_SERVER_REGISTRATION"); ok {
		c.AllowPrivateServerRegistration = v
	}
	if v, ok := envBool("PRODUCTION"); ok {
		c.Production = v
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		c.AllowedOrigins = parts
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v, ok := envDuration("HEARTBEAT_INTERVAL"); ok {
		c.HeartbeatInterval = v
	}
	if v, ok := envDuration("HEARTBEAT_TIMEOUT"); ok {
		c.HeartbeatTimeout = v
	}
	if v, ok := envDuration("MIGRATION_CHECK_INTERVAL"); ok {
		c.MigrationCheckInterval = v
	}
	if v, ok := envDuration("AUTO_SAVE_INTERVAL"); ok {
		c.AutoSaveInterval = v
	}
	return c
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, true
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}

// globalConfigOwner ("global config owner") is an atomically-swapped
// pointer so readers never observe a torn Config.
type globalConfigOwner struct {
	ptr atomic.Pointer[Config]
}

func (g *globalConfigOwner) Get() *Config {
	c := g.ptr.Load()
	if c == nil {
		return defaultConfig()
	}
	return c
}

func (g *globalConfigOwner) Put(c *Config) { g.ptr.Store(c) }

// GCO is the process-wide configuration handle. cmd/ecosimd calls GCO.Put
// once at bring-up; every other component reads via GCO.Get().
var GCO globalConfigOwner

// Rom ("runtime observability mode") gates verbosity-sensitive logging via
// Rom.FastV, avoiding format-argument evaluation on the hot path when the
// configured verbosity wouldn't log the line anyway.
var Rom romT

type romT struct{}

func (romT) FastV(v int, _ string) bool { return nlog.FastV(v) }
