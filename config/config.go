// Package config loads pagestrip settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/dustin/go-humanize"

	"github.com/meigma/pagestrip/convert"
	"github.com/meigma/pagestrip/tile"
)

// Prefix is prepended to every environment variable name.
const Prefix = "PAGESTRIP_"

// ByteSize is a byte count that parses human-readable sizes such as
// "100MB" or "8KiB".
type ByteSize int64

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *ByteSize) UnmarshalText(text []byte) error {
	n, err := humanize.ParseBytes(string(text))
	if err != nil {
		return fmt.Errorf("parse byte size %q: %w", text, err)
	}
	if n > 1<<62 {
		return fmt.Errorf("byte size %q too large", text)
	}
	*b = ByteSize(n)
	return nil
}

// String returns the size in IEC units.
func (b ByteSize) String() string {
	if b < 0 {
		return fmt.Sprintf("%d B", int64(b))
	}
	return humanize.IBytes(uint64(b))
}

// Config holds every tunable of the pipeline.
type Config struct {
	// Cache
	MemoryBudget    ByteSize `env:"MEMORY_BUDGET"    envDefault:"100MB"`
	DiskBudget      ByteSize `env:"DISK_BUDGET"      envDefault:"500MB"`
	CacheDir        string   `env:"CACHE_DIR"`
	DiskCompression bool     `env:"DISK_COMPRESSION" envDefault:"false"`

	// Fetching
	FetchWorkers    int           `env:"FETCH_WORKERS"    envDefault:"0"`
	MaxRetries      int           `env:"MAX_RETRIES"      envDefault:"5"`
	RetryDelay      time.Duration `env:"RETRY_DELAY"      envDefault:"1s"`
	ChunkSize       ByteSize      `env:"CHUNK_SIZE"       envDefault:"8KiB"`
	ProgressStep    int           `env:"PROGRESS_STEP"    envDefault:"10"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT"  envDefault:"60s"`
	UserAgent       string        `env:"USER_AGENT"       envDefault:"pagestrip/1.0"`
	Referer         string        `env:"REFERER"`
	PreferredFormat string        `env:"PREFERRED_FORMAT" envDefault:"png"`

	// Strips
	StripHeight         int     `env:"STRIP_HEIGHT"         envDefault:"256"`
	MinStripHeight      int     `env:"MIN_STRIP_HEIGHT"     envDefault:"128"`
	MaxStripHeight      int     `env:"MAX_STRIP_HEIGHT"     envDefault:"1024"`
	GutterThreshold     float64 `env:"GUTTER_THRESHOLD"     envDefault:"0.8"`
	BackgroundLevel     uint8   `env:"BACKGROUND_LEVEL"     envDefault:"240"`
	MinGutterHeight     int     `env:"MIN_GUTTER_HEIGHT"    envDefault:"10"`
	ConfidenceThreshold float64 `env:"CONFIDENCE_THRESHOLD" envDefault:"0.6"`
	StripMode           string  `env:"STRIP_MODE"           envDefault:"adaptive"`

	// Workers and limits
	RenderWorkers    int      `env:"RENDER_WORKERS"     envDefault:"0"`
	AnalysisWorkers  int      `env:"ANALYSIS_WORKERS"   envDefault:"0"`
	StripCacheBudget ByteSize `env:"STRIP_CACHE_BUDGET" envDefault:"256MB"`

	// Diagnostics
	LogLevel     slog.Level `env:"LOG_LEVEL"     envDefault:"info"`
	OTelEndpoint string     `env:"OTEL_ENDPOINT"`
}

// Load reads the configuration from the process environment.
func Load() (Config, error) {
	return parse(env.Options{Prefix: Prefix})
}

// LoadFrom reads the configuration from environ, a map of unprefixed
// variable names to values. It is mainly useful in tests.
func LoadFrom(environ map[string]string) (Config, error) {
	prefixed := make(map[string]string, len(environ))
	for k, v := range environ {
		prefixed[Prefix+k] = v
	}
	return parse(env.Options{Prefix: Prefix, Environment: prefixed})
}

// Default returns the configuration with every default applied.
func Default() Config {
	cfg, err := LoadFrom(nil)
	if err != nil {
		panic(fmt.Sprintf("config defaults: %v", err))
	}
	return cfg
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = filepath.Join(os.TempDir(), "pagestrip")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case c.MemoryBudget <= 0:
		return fmt.Errorf("memory budget must be > 0, got %s", c.MemoryBudget)
	case c.DiskBudget < 0:
		return fmt.Errorf("disk budget must be >= 0, got %s", c.DiskBudget)
	case c.FetchWorkers < 0:
		return fmt.Errorf("fetch workers must be >= 0, got %d", c.FetchWorkers)
	case c.MaxRetries <= 0:
		return fmt.Errorf("max retries must be > 0, got %d", c.MaxRetries)
	case c.RetryDelay < 0:
		return fmt.Errorf("retry delay must be >= 0, got %s", c.RetryDelay)
	case c.ChunkSize <= 0:
		return fmt.Errorf("chunk size must be > 0, got %s", c.ChunkSize)
	case c.ProgressStep < 0 || c.ProgressStep > 100:
		return fmt.Errorf("progress step must be in [0,100], got %d", c.ProgressStep)
	case c.RequestTimeout < 0:
		return fmt.Errorf("request timeout must be >= 0, got %s", c.RequestTimeout)
	case c.RenderWorkers < 0 || c.AnalysisWorkers < 0:
		return fmt.Errorf("worker counts must be >= 0")
	case c.StripCacheBudget < 0:
		return fmt.Errorf("strip cache budget must be >= 0, got %s", c.StripCacheBudget)
	}
	if _, err := convert.EncoderFor(c.PreferredFormat); err != nil {
		return fmt.Errorf("preferred format: %w", err)
	}
	if _, err := c.Mode(); err != nil {
		return err
	}
	return c.TileParams().Validate()
}

// TileParams returns the strip geometry and detection parameters.
func (c Config) TileParams() tile.Params {
	return tile.Params{
		StripHeight:         c.StripHeight,
		MinStripHeight:      c.MinStripHeight,
		MaxStripHeight:      c.MaxStripHeight,
		GutterThreshold:     c.GutterThreshold,
		BackgroundLevel:     c.BackgroundLevel,
		MinGutterHeight:     c.MinGutterHeight,
		ConfidenceThreshold: c.ConfidenceThreshold,
	}
}

// Mode returns the parsed strip mode.
func (c Config) Mode() (tile.Mode, error) {
	return tile.ParseMode(c.StripMode)
}
