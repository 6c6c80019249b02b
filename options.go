package hushvac

import (
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Config holds hushvac's runtime-togglable tunables (spec.md §6).
// Values are set by functional Options at construction time and may be
// overridden by the HUSHVAC_DEBUG environment variable, mirroring the
// runtime's own GODEBUG overlay.
type Config struct {
	Logger           *zap.Logger
	EnableSweeper    bool
	EnableSubpageReuse bool
	STWPeriod        time.Duration
	MaxScanner       int
}

func defaultConfig() Config {
	return Config{
		Logger:             zap.NewNop(),
		EnableSweeper:      true,
		EnableSubpageReuse: true,
		STWPeriod:          time.Millisecond,
		MaxScanner:         0, // 0 means "use internal/layout.MaxScanner"
	}
}

// Option configures a Heap or Arena at construction time.
type Option func(*Config)

// WithLogger injects a *zap.Logger; the zero value (zap.NewNop()) keeps
// hushvac silent, matching the runtime's "silent unless something is
// wrong" posture.
func WithLogger(l *zap.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithSweeper toggles the background conservative sweeper on or off.
func WithSweeper(enabled bool) Option {
	return func(c *Config) { c.EnableSweeper = enabled }
}

// WithSubpageReuse toggles whether the sweeper certifies individual
// free slots for reuse, in addition to whole-pool reclamation.
func WithSubpageReuse(enabled bool) Option {
	return func(c *Config) { c.EnableSubpageReuse = enabled }
}

// WithSTWPeriod sets the sweeper's stop-the-world tick period.
func WithSTWPeriod(d time.Duration) Option {
	return func(c *Config) { c.STWPeriod = d }
}

// WithMaxScanner caps the number of parallel sweeper scan workers.
func WithMaxScanner(n int) Option {
	return func(c *Config) { c.MaxScanner = n }
}

// applyDebugEnv overlays HUSHVAC_DEBUG=key=val,key=val,... onto cfg,
// exactly like the runtime parses GODEBUG (debug.go). Recognized keys:
// sweeper=0/1, subpagereuse=0/1, stwperiodms=N. Unknown keys and
// malformed pairs are ignored, matching GODEBUG's tolerance of unknown
// settings from older/newer binaries.
func applyDebugEnv(cfg *Config) {
	raw := os.Getenv("HUSHVAC_DEBUG")
	if raw == "" {
		return
	}
	for _, pair := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		switch k {
		case "sweeper":
			if b, err := strconv.ParseBool(v); err == nil {
				cfg.EnableSweeper = b
			}
		case "subpagereuse":
			if b, err := strconv.ParseBool(v); err == nil {
				cfg.EnableSubpageReuse = b
			}
		case "stwperiodms":
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				cfg.STWPeriod = time.Duration(n) * time.Millisecond
			}
		}
	}
}

func buildConfig(opts []Option) Config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	applyDebugEnv(&cfg)
	return cfg
}
