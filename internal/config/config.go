package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultSourceURL is where the simulation publishes its snapshots.
	DefaultSourceURL = "http://127.0.0.1:5000"
	// DefaultPollInterval is the wait between the end of one cycle and the next fetch.
	DefaultPollInterval = 300 * time.Millisecond
	// DefaultFetchTimeout bounds a single snapshot request.
	DefaultFetchTimeout = 2 * time.Second
	// DefaultFetchRetries is how many times a failed request is retried within one cycle.
	DefaultFetchRetries = 2
	// DefaultStopOnComplete stops polling once the simulation reports completion.
	DefaultStopOnComplete = true
	// DefaultAgentIDs lists the agents spawned when no scene file is configured.
	DefaultAgentIDs = "0-4"

	// DefaultAddr is the listener for viewer websockets and the ops endpoints.
	DefaultAddr = ":43128"
	// DefaultMaxViewers bounds concurrent viewer websockets. Zero disables the limit.
	DefaultMaxViewers = 64
	// DefaultPingInterval controls the keepalive cadence for viewer websockets.
	DefaultPingInterval = 30 * time.Second

	// DefaultReplayMaxSessions caps how many recorded sessions are kept on disk.
	DefaultReplayMaxSessions = 20
	// DefaultReplayMaxAge removes recorded sessions older than this.
	DefaultReplayMaxAge = 7 * 24 * time.Hour
	// DefaultReplayRollWindow bounds how frequently manual session rolls may be requested.
	DefaultReplayRollWindow = time.Minute
	// DefaultReplayRollBurst sets how many rolls may be requested per window.
	DefaultReplayRollBurst = 1

	// DefaultLogLevel controls verbosity.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "mirror.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles zstd compression for rotated log files.
	DefaultLogCompress = true
)

// GRPCAuthMode selects how effect stream subscribers authenticate.
type GRPCAuthMode string

const (
	GRPCAuthModeSharedSecret GRPCAuthMode = "shared_secret"
	GRPCAuthModeMTLS         GRPCAuthMode = "mtls"
)

// Config captures all runtime tunables of the mirror client.
type Config struct {
	SourceURL      string
	PollInterval   time.Duration
	FetchTimeout   time.Duration
	FetchRetries   int
	StopOnComplete bool
	AgentIDs       []int
	ScenePath      string

	Address        string
	AllowedOrigins []string
	MaxViewers     int
	PingInterval   time.Duration
	AdminToken     string
	ViewerSecret   string

	GRPCAddr           string
	GRPCAuthMode       GRPCAuthMode
	GRPCSharedSecret   string
	GRPCServerCertPath string
	GRPCServerKeyPath  string
	GRPCClientCAPath   string

	Replay  ReplayConfig
	Logging LoggingConfig
}

// ReplayConfig controls session recording.
type ReplayConfig struct {
	Dir         string
	MaxSessions int
	MaxAge      time.Duration
	RollWindow  time.Duration
	RollBurst   int
}

// Enabled reports whether sessions are recorded at all.
func (r ReplayConfig) Enabled() bool { return strings.TrimSpace(r.Dir) != "" }

// LoggingConfig captures structured logging options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads the configuration from MIRROR_* environment variables, applying
// defaults and collecting every invalid override into a single error.
func Load() (*Config, error) {
	cfg := &Config{
		SourceURL:          getString("MIRROR_SOURCE_URL", DefaultSourceURL),
		PollInterval:       DefaultPollInterval,
		FetchTimeout:       DefaultFetchTimeout,
		FetchRetries:       DefaultFetchRetries,
		StopOnComplete:     DefaultStopOnComplete,
		ScenePath:          strings.TrimSpace(os.Getenv("MIRROR_SCENE_PATH")),
		Address:            getString("MIRROR_ADDR", DefaultAddr),
		AllowedOrigins:     parseList(os.Getenv("MIRROR_ALLOWED_ORIGINS")),
		MaxViewers:         DefaultMaxViewers,
		PingInterval:       DefaultPingInterval,
		AdminToken:         strings.TrimSpace(os.Getenv("MIRROR_ADMIN_TOKEN")),
		ViewerSecret:       strings.TrimSpace(os.Getenv("MIRROR_VIEWER_SECRET")),
		GRPCAddr:           strings.TrimSpace(os.Getenv("MIRROR_GRPC_ADDR")),
		GRPCAuthMode:       GRPCAuthMode(strings.ToLower(getString("MIRROR_GRPC_AUTH_MODE", string(GRPCAuthModeSharedSecret)))),
		GRPCSharedSecret:   strings.TrimSpace(os.Getenv("MIRROR_GRPC_SHARED_SECRET")),
		GRPCServerCertPath: strings.TrimSpace(os.Getenv("MIRROR_GRPC_SERVER_CERT")),
		GRPCServerKeyPath:  strings.TrimSpace(os.Getenv("MIRROR_GRPC_SERVER_KEY")),
		GRPCClientCAPath:   strings.TrimSpace(os.Getenv("MIRROR_GRPC_CLIENT_CA")),
		Replay: ReplayConfig{
			Dir:         strings.TrimSpace(os.Getenv("MIRROR_REPLAY_DIR")),
			MaxSessions: DefaultReplayMaxSessions,
			MaxAge:      DefaultReplayMaxAge,
			RollWindow:  DefaultReplayRollWindow,
			RollBurst:   DefaultReplayRollBurst,
		},
		Logging: LoggingConfig{
			Level:      getString("MIRROR_LOG_LEVEL", DefaultLogLevel),
			Path:       getString("MIRROR_LOG_PATH", DefaultLogPath),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	var problems []string
	positiveDuration(&problems, "MIRROR_POLL_INTERVAL", &cfg.PollInterval)
	positiveDuration(&problems, "MIRROR_FETCH_TIMEOUT", &cfg.FetchTimeout)
	positiveDuration(&problems, "MIRROR_PING_INTERVAL", &cfg.PingInterval)
	positiveDuration(&problems, "MIRROR_REPLAY_MAX_AGE", &cfg.Replay.MaxAge)
	positiveDuration(&problems, "MIRROR_REPLAY_ROLL_WINDOW", &cfg.Replay.RollWindow)
	nonNegativeInt(&problems, "MIRROR_FETCH_RETRIES", &cfg.FetchRetries)
	nonNegativeInt(&problems, "MIRROR_MAX_VIEWERS", &cfg.MaxViewers)
	nonNegativeInt(&problems, "MIRROR_REPLAY_MAX_SESSIONS", &cfg.Replay.MaxSessions)
	positiveInt(&problems, "MIRROR_REPLAY_ROLL_BURST", &cfg.Replay.RollBurst)
	positiveInt(&problems, "MIRROR_LOG_MAX_SIZE_MB", &cfg.Logging.MaxSizeMB)
	nonNegativeInt(&problems, "MIRROR_LOG_MAX_BACKUPS", &cfg.Logging.MaxBackups)
	nonNegativeInt(&problems, "MIRROR_LOG_MAX_AGE_DAYS", &cfg.Logging.MaxAgeDays)
	boolean(&problems, "MIRROR_STOP_ON_COMPLETE", &cfg.StopOnComplete)
	boolean(&problems, "MIRROR_LOG_COMPRESS", &cfg.Logging.Compress)

	ids, err := ParseAgentIDs(getString("MIRROR_AGENT_IDS", DefaultAgentIDs))
	if err != nil {
		problems = append(problems, fmt.Sprintf("MIRROR_AGENT_IDS %v", err))
	} else {
		cfg.AgentIDs = ids
	}

	if !strings.HasPrefix(cfg.SourceURL, "http://") && !strings.HasPrefix(cfg.SourceURL, "https://") {
		problems = append(problems, fmt.Sprintf("MIRROR_SOURCE_URL must be an http(s) URL, got %q", cfg.SourceURL))
	}

	if cfg.GRPCAddr != "" {
		switch cfg.GRPCAuthMode {
		case GRPCAuthModeSharedSecret:
			if cfg.GRPCSharedSecret == "" {
				problems = append(problems, "MIRROR_GRPC_SHARED_SECRET is required when MIRROR_GRPC_AUTH_MODE=shared_secret")
			}
		case GRPCAuthModeMTLS:
			if cfg.GRPCServerCertPath == "" || cfg.GRPCServerKeyPath == "" || cfg.GRPCClientCAPath == "" {
				problems = append(problems, "MIRROR_GRPC_SERVER_CERT, MIRROR_GRPC_SERVER_KEY and MIRROR_GRPC_CLIENT_CA are required when MIRROR_GRPC_AUTH_MODE=mtls")
			}
		default:
			problems = append(problems, fmt.Sprintf("MIRROR_GRPC_AUTH_MODE must be shared_secret or mtls, got %q", cfg.GRPCAuthMode))
		}
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return cfg, nil
}

// MaxAgentIDs bounds how many agents a single MIRROR_AGENT_IDS value may spawn.
const MaxAgentIDs = 10000

// ParseAgentIDs parses a comma separated list of ids and inclusive ranges,
// for example "0-4" or "1,3,10-12". The result is sorted and de-duplicated.
func ParseAgentIDs(raw string) ([]int, error) {
	seen := make(map[int]struct{})
	for _, part := range parseList(raw) {
		lo, hi, isRange := strings.Cut(part, "-")
		if !isRange {
			id, err := strconv.Atoi(part)
			if err != nil || id < 0 {
				return nil, fmt.Errorf("must contain non-negative integers or ranges, got %q", part)
			}
			seen[id] = struct{}{}
			continue
		}
		start, errLo := strconv.Atoi(strings.TrimSpace(lo))
		end, errHi := strconv.Atoi(strings.TrimSpace(hi))
		if errLo != nil || errHi != nil || start < 0 || end < start || end-start >= MaxAgentIDs {
			return nil, fmt.Errorf("has an invalid range %q", part)
		}
		for id := start; ; id++ {
			seen[id] = struct{}{}
			if id == end {
				break
			}
		}
		if len(seen) > MaxAgentIDs {
			return nil, fmt.Errorf("lists more than %d agents", MaxAgentIDs)
		}
	}
	ids := make([]int, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

func positiveDuration(problems *[]string, key string, target *time.Duration) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := time.ParseDuration(raw)
	if err != nil || value <= 0 {
		*problems = append(*problems, fmt.Sprintf("%s must be a positive duration, got %q", key, raw))
		return
	}
	*target = value
}

func positiveInt(problems *[]string, key string, target *int) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		*problems = append(*problems, fmt.Sprintf("%s must be a positive integer, got %q", key, raw))
		return
	}
	*target = value
}

func nonNegativeInt(problems *[]string, key string, target *int) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		*problems = append(*problems, fmt.Sprintf("%s must be a non-negative integer, got %q", key, raw))
		return
	}
	*target = value
}

func boolean(problems *[]string, key string, target *bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		*problems = append(*problems, fmt.Sprintf("%s must be a boolean value, got %q", key, raw))
		return
	}
	*target = value
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}
