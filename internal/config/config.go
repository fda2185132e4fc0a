package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"buildorch/internal/artifactcache"
	"buildorch/internal/graph"
	"buildorch/internal/localcas"
	"buildorch/internal/scheduler"
)

// Config is the user configuration of the build client.
type Config struct {
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Cache     CacheConfig     `yaml:"cache"`
	Build     BuildConfig     `yaml:"build"`
	Remote    RemoteConfig    `yaml:"remote"`
}

type SchedulerConfig struct {
	Fetchers       int    `yaml:"fetchers"`
	Builders       int    `yaml:"builders"`
	Pushers        int    `yaml:"pushers"`
	NetworkRetries int    `yaml:"network-retries"`
	OnError        string `yaml:"on-error"`
}

type CacheConfig struct {
	Dir               string `yaml:"dir"`
	Quota             string `yaml:"quota"`
	ReservedDiskSpace string `yaml:"reserved-disk-space"`
	LowWatermark      string `yaml:"low-watermark"`
}

type BuildConfig struct {
	DependencyScope string `yaml:"dependency-scope"`
	NonStrict       bool   `yaml:"non-strict"`
	RetryFailed     bool   `yaml:"retry-failed"`
	KeepBuildTree   bool   `yaml:"keep-build-tree"`
}

type RemoteConfig struct {
	URL    string `yaml:"url"`
	Push   bool   `yaml:"push"`
	Pull   bool   `yaml:"pull"`
	Mirror string `yaml:"mirror"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Scheduler: SchedulerConfig{
			Fetchers:       10,
			Builders:       4,
			Pushers:        4,
			NetworkRetries: 2,
			OnError:        string(scheduler.OnErrorQuit),
		},
		Cache: CacheConfig{
			Dir:               defaultCacheDir(),
			Quota:             "infinity",
			ReservedDiskSpace: "2G",
			LowWatermark:      "80%",
		},
		Build: BuildConfig{
			DependencyScope: "all",
		},
		Remote: RemoteConfig{
			Pull:   true,
			Mirror: string(artifactcache.MirrorSync),
		},
	}
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil && dir != "" {
		return filepath.Join(dir, "buildorch")
	}
	return filepath.Join(os.TempDir(), "buildorch-cache")
}

// Load builds the configuration from defaults, the YAML file at path (if
// any), a .env file in the working directory and BUILDORCH_* variables, in
// that order of increasing precedence. An empty path falls back to
// $BUILDORCH_CONFIG; a missing default file is not an error.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	explicit := strings.TrimSpace(path) != ""
	path = firstNonEmpty(strings.TrimSpace(path), strings.TrimSpace(os.Getenv("BUILDORCH_CONFIG")))
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := decode(raw, &cfg); err != nil {
				return nil, fmt.Errorf("config: %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist) && !explicit:
		default:
			return nil, fmt.Errorf("config: %w", err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Parse reads a YAML document over the defaults without consulting the
// environment.
func Parse(raw []byte) (*Config, error) {
	cfg := Default()
	if err := decode(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decode(raw []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyEnv(cfg *Config) error {
	var err error
	set := func(name string, dst *int) {
		if err == nil {
			err = envInt(name, dst)
		}
	}
	set("BUILDORCH_FETCHERS", &cfg.Scheduler.Fetchers)
	set("BUILDORCH_BUILDERS", &cfg.Scheduler.Builders)
	set("BUILDORCH_PUSHERS", &cfg.Scheduler.Pushers)
	set("BUILDORCH_NETWORK_RETRIES", &cfg.Scheduler.NetworkRetries)
	if err != nil {
		return err
	}

	cfg.Scheduler.OnError = firstNonEmpty(strings.TrimSpace(os.Getenv("BUILDORCH_ON_ERROR")), cfg.Scheduler.OnError)
	cfg.Cache.Dir = firstNonEmpty(strings.TrimSpace(os.Getenv("BUILDORCH_CACHE_DIR")), cfg.Cache.Dir)
	cfg.Cache.Quota = firstNonEmpty(strings.TrimSpace(os.Getenv("BUILDORCH_CACHE_QUOTA")), cfg.Cache.Quota)
	cfg.Cache.LowWatermark = firstNonEmpty(strings.TrimSpace(os.Getenv("BUILDORCH_CACHE_LOW_WATERMARK")), cfg.Cache.LowWatermark)
	cfg.Build.DependencyScope = firstNonEmpty(strings.TrimSpace(os.Getenv("BUILDORCH_DEPENDENCY_SCOPE")), cfg.Build.DependencyScope)
	cfg.Remote.URL = firstNonEmpty(strings.TrimSpace(os.Getenv("BUILDORCH_REMOTE_URL")), cfg.Remote.URL)
	cfg.Remote.Mirror = firstNonEmpty(strings.TrimSpace(os.Getenv("BUILDORCH_MIRROR")), cfg.Remote.Mirror)
	cfg.Remote.Push = envBool("BUILDORCH_REMOTE_PUSH", cfg.Remote.Push)
	cfg.Remote.Pull = envBool("BUILDORCH_REMOTE_PULL", cfg.Remote.Pull)
	cfg.Build.NonStrict = envBool("BUILDORCH_NON_STRICT", cfg.Build.NonStrict)
	return nil
}

// Validate checks every value that is parsed later.
func (c *Config) Validate() error {
	s := c.Scheduler
	if s.Fetchers < 0 || s.Builders < 0 || s.Pushers < 0 {
		return fmt.Errorf("config: scheduler ceilings must not be negative")
	}
	if s.NetworkRetries < 0 {
		return fmt.Errorf("config: network-retries must not be negative")
	}
	if _, err := scheduler.ParseOnError(s.OnError); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if strings.TrimSpace(c.Cache.Dir) == "" {
		return fmt.Errorf("config: cache dir is required")
	}
	if _, err := localcas.ParseSize(c.Cache.Quota); err != nil {
		return fmt.Errorf("config: cache quota: %w", err)
	}
	if _, err := localcas.ParseSize(c.Cache.ReservedDiskSpace); err != nil {
		return fmt.Errorf("config: reserved-disk-space: %w", err)
	}
	if _, err := localcas.ParseFraction(c.Cache.LowWatermark); err != nil {
		return fmt.Errorf("config: low-watermark: %w", err)
	}
	if _, err := graph.ParseScope(c.Build.DependencyScope); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := artifactcache.ParseMirror(c.Remote.Mirror); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// SchedulerConfig converts the validated settings for the scheduler.
func (c *Config) SchedulerConfig() scheduler.Config {
	sc := scheduler.DefaultConfig()
	sc.Fetchers = c.Scheduler.Fetchers
	sc.Builders = c.Scheduler.Builders
	sc.Pushers = c.Scheduler.Pushers
	sc.NetworkRetries = c.Scheduler.NetworkRetries
	sc.OnError, _ = scheduler.ParseOnError(c.Scheduler.OnError)
	sc.NonStrict = c.Build.NonStrict
	sc.RetryFailed = c.Build.RetryFailed
	sc.Pull = c.Remote.URL != "" && c.Remote.Pull
	sc.Push = c.Remote.URL != "" && c.Remote.Push
	return sc
}

// StoreConfig converts the cache settings for the local store.
func (c *Config) StoreConfig() localcas.Config {
	quota, _ := localcas.ParseSize(c.Cache.Quota)
	reserved, _ := localcas.ParseSize(c.Cache.ReservedDiskSpace)
	lw, _ := localcas.ParseFraction(c.Cache.LowWatermark)
	return localcas.Config{
		Root:              c.Cache.Dir,
		Quota:             quota,
		ReservedDiskSpace: reserved,
		LowWatermark:      lw,
	}
}

func (c *Config) Scope() graph.Scope {
	s, _ := graph.ParseScope(c.Build.DependencyScope)
	return s
}

func (c *Config) Mirror() artifactcache.Mirror {
	m, _ := artifactcache.ParseMirror(c.Remote.Mirror)
	return m
}
