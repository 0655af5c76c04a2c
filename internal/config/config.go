package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Hook     HookConfig     `yaml:"hook"`
	Defaults DefaultsConfig `yaml:"defaults"`
	Sources  []SourceConfig `yaml:"sources"`
}

type ServerConfig struct {
	Port             int           `yaml:"port"`
	Host             string        `yaml:"host"`
	AllowedOrigins   []string      `yaml:"allowed_origins"`
	PushWriteTimeout time.Duration `yaml:"push_write_timeout"`
}

// HookConfig selects the sandboxed decision module. An empty Module means no
// hook is configured and the gateway uses pass-through decisions.
type HookConfig struct {
	Module  string        `yaml:"module"`
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultsConfig supplies per-subscription settings when a SUBSCRIBE command
// does not override them. A zero BufferCapacity means unbounded pull buffers;
// a zero LagNoticeThreshold disables lag notices.
type DefaultsConfig struct {
	BufferCapacity     int    `yaml:"buffer_capacity"`
	LagNoticeThreshold uint64 `yaml:"lag_notice_threshold"`
}

// SourceConfig describes one event source. Kind-specific fields are flat;
// Validate checks that the ones the kind needs are present.
type SourceConfig struct {
	ID       string        `yaml:"id"`
	Kind     string        `yaml:"kind"`
	Lazy     *bool         `yaml:"lazy"`
	Interval time.Duration `yaml:"interval"`
	Min      int64         `yaml:"min"`
	Max      *int64        `yaml:"max"`
	Path     string        `yaml:"path"`
}

// IsLazy reports whether the source defers starting until its first
// subscriber. Counter and feed sources default to lazy; sysmetrics defaults
// to eager so samples are already flowing when the first subscriber arrives.
func (s SourceConfig) IsLazy() bool {
	if s.Lazy != nil {
		return *s.Lazy
	}
	return s.Kind != KindSysMetrics
}

const (
	KindCounter    = "counter"
	KindFeed       = "feed"
	KindSysMetrics = "sysmetrics"
)

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Port: 8080,
			Host: "0.0.0.0",
		},
		Hook: HookConfig{
			Timeout: time.Second,
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Sources))
	for i := range c.Sources {
		src := &c.Sources[i]
		if src.ID == "" {
			return fmt.Errorf("sources[%d]: missing id", i)
		}
		if seen[src.ID] {
			return fmt.Errorf("duplicate source id %q", src.ID)
		}
		seen[src.ID] = true

		switch src.Kind {
		case KindCounter, KindSysMetrics:
			if src.Interval <= 0 {
				src.Interval = time.Second
			}
		case KindFeed:
			if src.Path == "" {
				return fmt.Errorf("source %q: feed requires path", src.ID)
			}
			if src.Interval <= 0 {
				src.Interval = 250 * time.Millisecond
			}
		default:
			return fmt.Errorf("source %q: unknown kind %q", src.ID, src.Kind)
		}

		if src.Max != nil && *src.Max < src.Min {
			return fmt.Errorf("source %q: max %d below min %d", src.ID, *src.Max, src.Min)
		}
	}
	return nil
}

// SourceDiff is the result of comparing two source lists during a reload.
// A source whose descriptor changed appears in both Removed and Added so the
// registry tears it down and recreates it.
type SourceDiff struct {
	Added   []SourceConfig
	Removed []string
}

func Diff(old, updated []SourceConfig) SourceDiff {
	oldByID := make(map[string]SourceConfig, len(old))
	for _, s := range old {
		oldByID[s.ID] = s
	}
	newByID := make(map[string]SourceConfig, len(updated))
	for _, s := range updated {
		newByID[s.ID] = s
	}

	var diff SourceDiff
	for _, s := range old {
		if ns, ok := newByID[s.ID]; !ok || !ns.Equal(s) {
			diff.Removed = append(diff.Removed, s.ID)
		}
	}
	for _, s := range updated {
		if os, ok := oldByID[s.ID]; !ok || !os.Equal(s) {
			diff.Added = append(diff.Added, s)
		}
	}
	return diff
}

// Equal compares two descriptors field by field. SourceConfig holds pointers,
// so == would compare addresses instead of values.
func (s SourceConfig) Equal(o SourceConfig) bool {
	if s.ID != o.ID || s.Kind != o.Kind || s.Interval != o.Interval ||
		s.Min != o.Min || s.Path != o.Path {
		return false
	}
	if (s.Lazy == nil) != (o.Lazy == nil) || (s.Lazy != nil && *s.Lazy != *o.Lazy) {
		return false
	}
	if (s.Max == nil) != (o.Max == nil) || (s.Max != nil && *s.Max != *o.Max) {
		return false
	}
	return true
}
