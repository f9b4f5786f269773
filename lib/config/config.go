// Package config defines the tunables for the directory-metadata read
// pipeline (dirreader, opendircache, writeback) and loads them from
// YAML, in the style of rclone's per-backend Options struct
// (backend/cache/cache.go) but using gopkg.in/yaml.v2 directly since
// this module has no config-registry of its own to plug into.
package config

import (
	"time"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"
)

// Duration wraps time.Duration so config files can write "30s"
// instead of a raw nanosecond count, the same convenience rclone's
// own fs.Duration type provides for its backend options.
type Duration time.Duration

// UnmarshalYAML parses either a quoted duration string ("30s") or a
// bare integer (nanoseconds).
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw interface{}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrapf(err, "invalid duration %q", v)
		}
		*d = Duration(parsed)
	case int:
		*d = Duration(time.Duration(v))
	default:
		return errors.Errorf("cannot parse duration from %v", raw)
	}
	return nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// Config holds every tunable the directory read pipeline exposes.
type Config struct {
	// Threads is the number of batch-queue worker goroutines that
	// drain the KVS request queue.
	Threads int `yaml:"threads"`

	// QueueSize bounds how many pending GetDirData/GetOpenDir requests
	// may be queued before Add starts dropping them.
	QueueSize int `yaml:"queue_size"`

	// MaxBatchSize bounds how many requests a single KVS multi-get
	// call may combine.
	MaxBatchSize int `yaml:"max_batch_size"`

	// UpdateInterval is how often a resident OpenDir is eligible for
	// an unsolicited background refresh from the KVS.
	UpdateInterval Duration `yaml:"update_interval"`

	// Namespace names the KVS namespace directory metadata lives
	// under.
	Namespace string `yaml:"namespace"`

	// WriteQueueSize bounds the write-back queue.
	WriteQueueSize int `yaml:"write_queue_size"`

	// WriteWorkers is the number of write-back worker goroutines.
	WriteWorkers int `yaml:"write_workers"`

	// WriteRetries is how many extra attempts a failed write-back
	// gets before being abandoned.
	WriteRetries int `yaml:"write_retries"`

	// WriteRetryGap is the delay between write-back retry attempts.
	WriteRetryGap Duration `yaml:"write_retry_gap"`

	// KVSQueriesPerSecond caps the rate of outgoing KVS multi-get
	// calls across all batch workers combined. Zero means unlimited.
	KVSQueriesPerSecond float64 `yaml:"kvs_queries_per_second"`
}

// Default returns the configuration this pipeline ships with absent
// any overrides, mirroring the Def* constants rclone's cache backend
// declares alongside its Options struct.
func Default() Config {
	return Config{
		Threads:             4,
		QueueSize:           1024,
		MaxBatchSize:        64,
		UpdateInterval:      Duration(10 * time.Second),
		Namespace:           "dir",
		WriteQueueSize:      256,
		WriteWorkers:        2,
		WriteRetries:        2,
		WriteRetryGap:       Duration(250 * time.Millisecond),
		KVSQueriesPerSecond: 200,
	}
}

// Load parses YAML data into a Config seeded with Default(), so a
// partial document only overrides the fields it sets.
func Load(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "failed to parse dirreader config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations that would make the pipeline
// unable to make progress.
func (c Config) Validate() error {
	if c.Threads < 1 {
		return errors.New("threads must be at least 1")
	}
	if c.MaxBatchSize < 1 {
		return errors.New("max_batch_size must be at least 1")
	}
	if c.QueueSize < 1 {
		return errors.New("queue_size must be at least 1")
	}
	if c.Namespace == "" {
		return errors.New("namespace must not be empty")
	}
	if c.WriteWorkers < 1 {
		return errors.New("write_workers must be at least 1")
	}
	if c.WriteQueueSize < 1 {
		return errors.New("write_queue_size must be at least 1")
	}
	return nil
}
