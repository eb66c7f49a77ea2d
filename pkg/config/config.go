// Package config loads the lockedcache YAML configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/richardartoul/lockedcache/pkg/cache"
	"github.com/richardartoul/lockedcache/pkg/executor"
	"github.com/richardartoul/lockedcache/pkg/publish"
	"github.com/richardartoul/lockedcache/pkg/remote"
)

// EnvCacheDir overrides cache_dir.
const EnvCacheDir = "LOCKEDCACHE_DIR"

// Config is the top-level configuration file.
type Config struct {
	// CacheDir holds one subdirectory per cache instance.
	CacheDir   string           `yaml:"cache_dir"`
	Status     StatusConfig     `yaml:"status"`
	Build      BuildConfig      `yaml:"build"`
	Publish    PublishConfig    `yaml:"publish"`
	Mirror     MirrorConfig     `yaml:"mirror"`
	AttemptLog AttemptLogConfig `yaml:"attempt_log"`
}

// PolicyConfig is the per-instance cache policy.
type PolicyConfig struct {
	// TTL of zero means artifacts never expire on their own.
	TTL            time.Duration `yaml:"ttl"`
	LockTimeout    time.Duration `yaml:"lock_timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	BackoffFactor  float64       `yaml:"backoff_factor"`
	// BackoffJitter is a fraction of each backoff, in [0, 1].
	BackoffJitter    float64 `yaml:"backoff_jitter"`
	OnLockTimeout    string  `yaml:"on_lock_timeout"`
	OnRefreshFailure string  `yaml:"on_refresh_failure"`
}

type StatusConfig struct {
	PolicyConfig  `yaml:",inline"`
	QueryCommand  []string `yaml:"query_command"`
	AbsentMarkers []string `yaml:"absent_markers"`
	ErrorMarkers  []string `yaml:"error_markers"`
	ListingKey    string   `yaml:"listing_key"`

	SubmitCommand        []string      `yaml:"submit_command"`
	SubmitMaxAttempts    int           `yaml:"submit_max_attempts"`
	SubmitInitialBackoff time.Duration `yaml:"submit_initial_backoff"`
	SubmitMaxBackoff     time.Duration `yaml:"submit_max_backoff"`
	SubmitJitter         time.Duration `yaml:"submit_jitter"`
}

type BuildConfig struct {
	PolicyConfig  `yaml:",inline"`
	BuildCommand  []string `yaml:"build_command"`
	AbsentMarkers []string `yaml:"absent_markers"`
	ErrorMarkers  []string `yaml:"error_markers"`
}

// PublishConfig normalizes published files for multi-user sharing.
type PublishConfig struct {
	// Mode is an octal permission string such as "0664".
	Mode string `yaml:"mode"`
	// Group is a group name or numeric gid; empty leaves the group alone.
	Group string `yaml:"group"`
}

// MirrorConfig enables the S3 build mirror when Bucket is set.
type MirrorConfig struct {
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

type AttemptLogConfig struct {
	Disabled bool          `yaml:"disabled"`
	LockWait time.Duration `yaml:"lock_wait"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		CacheDir: defaultCacheDir(),
		Status: StatusConfig{
			PolicyConfig: PolicyConfig{
				TTL:              60 * time.Second,
				LockTimeout:      60 * time.Second,
				MaxAttempts:      3,
				InitialBackoff:   2 * time.Second,
				MaxBackoff:       30 * time.Second,
				BackoffFactor:    2,
				BackoffJitter:    0.2,
				OnLockTimeout:    cache.AssumeOK.String(),
				OnRefreshFailure: cache.AssumeOK.String(),
			},
			QueryCommand:         []string{"squeue", "--noheader", "--format=%i"},
			AbsentMarkers:        []string{"Invalid job id specified"},
			ListingKey:           cache.DefaultListingKey,
			SubmitCommand:        []string{"sbatch"},
			SubmitMaxAttempts:    5,
			SubmitInitialBackoff: 5 * time.Second,
			SubmitMaxBackoff:     2 * time.Minute,
			SubmitJitter:         10 * time.Second,
		},
		Build: BuildConfig{
			PolicyConfig: PolicyConfig{
				TTL:              0,
				LockTimeout:      time.Hour,
				MaxAttempts:      3,
				InitialBackoff:   10 * time.Second,
				MaxBackoff:       5 * time.Minute,
				BackoffFactor:    3,
				BackoffJitter:    0.2,
				OnLockTimeout:    cache.Fail.String(),
				OnRefreshFailure: cache.Fail.String(),
			},
			BuildCommand: []string{"apptainer", "build", "--force", "{output}", "docker://{key}"},
			ErrorMarkers: []string{"manifest unknown", "unauthorized"},
		},
		Publish: PublishConfig{Mode: "0664"},
		AttemptLog: AttemptLogConfig{
			LockWait: 2 * time.Second,
		},
	}
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "lockedcache")
	}
	return filepath.Join(os.TempDir(), "lockedcache")
}

// Load reads path over the defaults and applies environment overrides. An
// empty path loads only defaults and environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if dir := os.Getenv(EnvCacheDir); dir != "" {
		cfg.CacheDir = dir
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.CacheDir == "" {
		return errors.New("cache_dir must be set")
	}
	if err := c.Status.PolicyConfig.validate("status"); err != nil {
		return err
	}
	if err := c.Build.PolicyConfig.validate("build"); err != nil {
		return err
	}
	if len(c.Status.QueryCommand) == 0 || c.Status.QueryCommand[0] == "" {
		return errors.New("status.query_command must not be empty")
	}
	if len(c.Status.SubmitCommand) == 0 || c.Status.SubmitCommand[0] == "" {
		return errors.New("status.submit_command must not be empty")
	}
	if c.Status.SubmitMaxAttempts < 1 {
		return fmt.Errorf("status.submit_max_attempts must be positive, got %d", c.Status.SubmitMaxAttempts)
	}
	if len(c.Build.BuildCommand) == 0 || c.Build.BuildCommand[0] == "" {
		return errors.New("build.build_command must not be empty")
	}
	if _, err := c.Publish.mode(); err != nil {
		return err
	}
	return nil
}

func (p PolicyConfig) validate(instance string) error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("%s.max_attempts must be positive, got %d", instance, p.MaxAttempts)
	}
	if p.LockTimeout < 0 {
		return fmt.Errorf("%s.lock_timeout must not be negative", instance)
	}
	if p.BackoffJitter < 0 || p.BackoffJitter > 1 {
		return fmt.Errorf("%s.backoff_jitter must be in [0, 1], got %v", instance, p.BackoffJitter)
	}
	if _, err := cache.ParseDisposition(p.OnLockTimeout); err != nil {
		return fmt.Errorf("%s.on_lock_timeout: %w", instance, err)
	}
	if _, err := cache.ParseDisposition(p.OnRefreshFailure); err != nil {
		return fmt.Errorf("%s.on_refresh_failure: %w", instance, err)
	}
	return nil
}

// Policy converts p into a cache.Policy.
func (p PolicyConfig) Policy() (cache.Policy, error) {
	onLock, err := cache.ParseDisposition(p.OnLockTimeout)
	if err != nil {
		return cache.Policy{}, err
	}
	onFailure, err := cache.ParseDisposition(p.OnRefreshFailure)
	if err != nil {
		return cache.Policy{}, err
	}
	return cache.Policy{
		TTL:              p.TTL,
		LockTimeout:      p.LockTimeout,
		MaxAttempts:      p.MaxAttempts,
		Backoff:          executor.ExponentialBackoff(p.InitialBackoff, p.MaxBackoff, p.BackoffFactor, p.BackoffJitter),
		OnLockTimeout:    onLock,
		OnRefreshFailure: onFailure,
	}, nil
}

// SubmitBackoff is the backoff between submission attempts.
func (s StatusConfig) SubmitBackoff() executor.BackoffFunc {
	return executor.ExponentialBackoff(s.SubmitInitialBackoff, s.SubmitMaxBackoff, 2, 0.2)
}

func (c Config) StatusDir() string {
	return filepath.Join(c.CacheDir, "status")
}

func (c Config) BuildDir() string {
	return filepath.Join(c.CacheDir, "build")
}

// PublishOptions resolves the permission mode and group.
func (c Config) PublishOptions() (publish.Options, error) {
	opts := publish.DefaultOptions()
	mode, err := c.Publish.mode()
	if err != nil {
		return publish.Options{}, err
	}
	opts.Mode = mode

	if c.Publish.Group != "" {
		gid, err := lookupGroup(c.Publish.Group)
		if err != nil {
			return publish.Options{}, err
		}
		opts.Group = gid
	}
	return opts, nil
}

func (p PublishConfig) mode() (fs.FileMode, error) {
	if p.Mode == "" {
		return 0, nil
	}
	m, err := strconv.ParseUint(p.Mode, 8, 32)
	if err != nil || m > 0o777 {
		return 0, fmt.Errorf("publish.mode %q is not an octal permission", p.Mode)
	}
	return fs.FileMode(m), nil
}

func lookupGroup(group string) (int, error) {
	if gid, err := strconv.Atoi(group); err == nil {
		return gid, nil
	}
	g, err := user.LookupGroup(group)
	if err != nil {
		return 0, fmt.Errorf("failed to look up group %q: %w", group, err)
	}
	gid, err := strconv.Atoi(g.Gid)
	if err != nil {
		return 0, fmt.Errorf("failed to parse gid %q: %w", g.Gid, err)
	}
	return gid, nil
}

// S3Options returns the mirror options, or false when no mirror is
// configured.
func (c Config) S3Options() (remote.S3Options, bool) {
	if c.Mirror.Bucket == "" {
		return remote.S3Options{}, false
	}
	return remote.S3Options{
		Bucket:       c.Mirror.Bucket,
		Prefix:       c.Mirror.Prefix,
		Region:       c.Mirror.Region,
		Endpoint:     c.Mirror.Endpoint,
		UsePathStyle: c.Mirror.UsePathStyle,
	}, true
}
