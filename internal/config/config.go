package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/pungggi/bc-al-upgradeassistant-sub000/internal/objects"
)

// EnvPrefix is prepended to every environment override, e.g. ALINDEX_INDEX_BASE_PATH.
const EnvPrefix = "ALINDEX"

// Config holds all application configuration.
type Config struct {
	Index    IndexConfig    `mapstructure:"index"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Graph    GraphConfig    `mapstructure:"graph"`
	Temporal TemporalConfig `mapstructure:"temporal"`
	Server   ServerConfig   `mapstructure:"server"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
	Log      LogConfig      `mapstructure:"log"`
}

// IndexConfig locates the index and the working files it tracks.
type IndexConfig struct {
	// BasePath is the directory holding .index. Empty leaves the index inert.
	BasePath string `mapstructure:"base_path"`
	// WorkingDirs maps an object type to the directory its working files live in.
	WorkingDirs map[string]string `mapstructure:"working_dirs"`
	Extensions  []string          `mapstructure:"extensions"`
	Exclude     []string          `mapstructure:"exclude"`
	BatchSize   int               `mapstructure:"batch_size"`
	Concurrency int               `mapstructure:"concurrency"`
}

type CacheConfig struct {
	Size int           `mapstructure:"size"`
	TTL  time.Duration `mapstructure:"ttl"`
}

type GraphConfig struct {
	URI      string `mapstructure:"uri"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

type TemporalConfig struct {
	Host      string `mapstructure:"host"`
	Namespace string `mapstructure:"namespace"`
	TaskQueue string `mapstructure:"task_queue"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type TracingConfig struct {
	Endpoint   string  `mapstructure:"endpoint"`
	SampleRate float64 `mapstructure:"sample_rate"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Configured reports whether a base path is set.
func (c IndexConfig) Configured() bool {
	return strings.TrimSpace(c.BasePath) != ""
}

// WorkingDir returns the configured working directory for an object type.
// Relative directories resolve against the base path.
func (c IndexConfig) WorkingDir(objectType string) (string, bool) {
	dir, ok := c.WorkingDirs[strings.ToLower(objectType)]
	if !ok || dir == "" {
		return "", false
	}
	if !filepath.IsAbs(dir) && c.BasePath != "" {
		dir = filepath.Join(c.BasePath, dir)
	}
	return dir, true
}

// ScanRoots returns the base path followed by every working directory that
// lies outside it, sorted and without duplicates.
func (c IndexConfig) ScanRoots() []string {
	if !c.Configured() {
		return nil
	}
	roots := []string{c.BasePath}
	var extra []string
	for t := range c.WorkingDirs {
		dir, ok := c.WorkingDir(t)
		if !ok {
			continue
		}
		rel, err := filepath.Rel(c.BasePath, dir)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		if !slices.Contains(extra, dir) {
			extra = append(extra, dir)
		}
	}
	slices.Sort(extra)
	return append(roots, extra...)
}

// Validate checks configuration for issues and returns warnings.
func (c *Config) Validate() []string {
	var warnings []string

	if !c.Index.Configured() {
		warnings = append(warnings, "index.base_path is not configured; the object index is inactive")
	} else if fi, err := os.Stat(c.Index.BasePath); err != nil || !fi.IsDir() {
		warnings = append(warnings, fmt.Sprintf("index.base_path %q is not an existing directory", c.Index.BasePath))
	}

	for t := range c.Index.WorkingDirs {
		if !objects.IsKnownType(t) {
			warnings = append(warnings, fmt.Sprintf("index.working_dirs has unknown object type %q", t))
		}
	}

	for _, ext := range c.Index.Extensions {
		if !strings.HasPrefix(ext, ".") {
			warnings = append(warnings, fmt.Sprintf("index.extensions entry %q should start with a dot", ext))
		}
	}

	if c.Index.BatchSize < 0 {
		warnings = append(warnings, fmt.Sprintf("index.batch_size %d is negative", c.Index.BatchSize))
	}
	if c.Index.Concurrency < 0 {
		warnings = append(warnings, fmt.Sprintf("index.concurrency %d is negative", c.Index.Concurrency))
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		warnings = append(warnings, fmt.Sprintf("tracing.sample_rate %.2f is outside [0.0, 1.0]", c.Tracing.SampleRate))
	}

	if c.Graph.URI != "" && c.Graph.Username == "" {
		warnings = append(warnings, "graph.uri is set but graph.username is empty")
	}

	return warnings
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("index.extensions", []string{".al"})
	v.SetDefault("index.exclude", []string{"**/.git/**", "**/node_modules/**", "**/.alpackages/**"})
	v.SetDefault("index.batch_size", 50)
	v.SetDefault("index.concurrency", 8)
	v.SetDefault("cache.size", 4096)
	v.SetDefault("cache.ttl", 10*time.Minute)
	v.SetDefault("temporal.host", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "alindex")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("tracing.sample_rate", 1.0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads configuration from file and environment. An empty path, or a
// path that does not exist, yields defaults plus environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only consults keys viper already knows about.
	for _, key := range []string{"index.base_path", "graph.uri", "graph.username", "graph.password", "graph.database", "tracing.endpoint"} {
		_ = v.BindEnv(key)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	if cfg.Index.BasePath != "" {
		if abs, err := filepath.Abs(cfg.Index.BasePath); err == nil {
			cfg.Index.BasePath = abs
		}
	}
	return &cfg, nil
}
