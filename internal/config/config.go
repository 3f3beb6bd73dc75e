/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads the datastore topology for the routing engine and the
// archiver: endpoint URLs, pool sizing, sharded tables, archive policies and
// routing flags. Configuration is read once at startup.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"
	"sigs.k8s.io/yaml"
)

// Environment variables that override endpoint settings from the file. They
// let secrets stay out of the mounted config.
const (
	EnvPrimaryURL = "MAILROUTE_PRIMARY_URL"
	EnvReplicaURL = "MAILROUTE_REPLICA_URL"
	EnvArchiveURL = "MAILROUTE_ARCHIVE_URL"
	EnvShardURLs  = "MAILROUTE_SHARD_URLS"
	EnvRedisAddrs = "MAILROUTE_REDIS_ADDRS"
)

const (
	defaultPoolSize       = 10
	defaultMaxOverflow    = 20
	defaultRecycleSeconds = 3600

	defaultSchedule     = "@every 1h"
	defaultPollInterval = time.Minute
	defaultErrorBackoff = 5 * time.Minute

	defaultBreakerFailures = 5
	defaultBreakerTimeout  = 30 * time.Second

	defaultLockKey = "mailroute:archiver:lock"
	defaultLockTTL = 2 * time.Hour
)

// ErrInvalidConfig wraps every validation failure. Callers abort startup on it.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the on-disk configuration document.
type Config struct {
	Primary EndpointConfig   `json:"primary"`
	Replica *EndpointConfig  `json:"replica,omitempty"`
	Archive EndpointConfig   `json:"archive"`
	Shards  []EndpointConfig `json:"shards,omitempty"`

	// ShardedTables lists tables whose rows are partitioned across Shards.
	ShardedTables []string `json:"shardedTables,omitempty"`

	// Pool holds defaults applied to endpoints without their own pool block.
	Pool PoolConfig `json:"pool,omitempty"`

	Routing         RoutingConfig         `json:"routing,omitempty"`
	ArchivePolicies []ArchivePolicyConfig `json:"archivePolicies,omitempty"`
	Archiver        ArchiverConfig        `json:"archiver,omitempty"`
	Breaker         BreakerConfig         `json:"breaker,omitempty"`
	Lock            LockConfig            `json:"lock,omitempty"`
}

// EndpointConfig describes one datastore.
type EndpointConfig struct {
	URL  string      `json:"url"`
	Pool *PoolConfig `json:"pool,omitempty"`
}

// PoolConfig sizes a connection pool. The pool keeps Size connections and may
// grow by MaxOverflow under load; connections older than RecycleSeconds are
// replaced.
type PoolConfig struct {
	Size           int32 `json:"size,omitempty"`
	MaxOverflow    int32 `json:"maxOverflow,omitempty"`
	RecycleSeconds int   `json:"recycleSeconds,omitempty"`
}

// Recycle returns RecycleSeconds as a duration.
func (p PoolConfig) Recycle() time.Duration {
	return time.Duration(p.RecycleSeconds) * time.Second
}

// RoutingConfig holds the intent resolution switches. Nil pointers take the
// defaults (split and analytics routing on, shard-aware reads off).
type RoutingConfig struct {
	ReadWriteSplit     *bool `json:"readWriteSplit,omitempty"`
	AnalyticsToReplica *bool `json:"analyticsToReplica,omitempty"`
	// ShardAwareReads routes reads of sharded tables to their shard even when
	// a replica is available.
	ShardAwareReads bool `json:"shardAwareReads,omitempty"`
}

// ReadWriteSplitEnabled reports the effective read/write split flag.
func (r RoutingConfig) ReadWriteSplitEnabled() bool {
	return r.ReadWriteSplit == nil || *r.ReadWriteSplit
}

// AnalyticsToReplicaEnabled reports the effective analytics routing flag.
func (r RoutingConfig) AnalyticsToReplicaEnabled() bool {
	return r.AnalyticsToReplica == nil || *r.AnalyticsToReplica
}

// ArchivePolicyConfig configures archival of one table.
type ArchivePolicyConfig struct {
	Table         string `json:"table"`
	DateColumn    string `json:"dateColumn"`
	RetentionDays int    `json:"retentionDays"`
	BatchSize     int    `json:"batchSize,omitempty"`
}

// ArchiverConfig tunes the background archiving loop.
type ArchiverConfig struct {
	// Schedule is a cron spec or descriptor ("@every 1h", "0 3 * * *").
	Schedule     string   `json:"schedule,omitempty"`
	PollInterval Duration `json:"pollInterval,omitempty"`
	ErrorBackoff Duration `json:"errorBackoff,omitempty"`
	DryRun       bool     `json:"dryRun,omitempty"`
}

// BreakerConfig configures per-endpoint circuit breaking on session
// acquisition.
type BreakerConfig struct {
	Enabled bool `json:"enabled,omitempty"`
	// MaxFailures is the number of consecutive failures that opens the breaker.
	MaxFailures uint32   `json:"maxFailures,omitempty"`
	OpenTimeout Duration `json:"openTimeout,omitempty"`
}

// LockConfig configures the Redis lock that keeps a single archiver active
// across replicas. An empty Addrs disables locking.
type LockConfig struct {
	Addrs    []string `json:"addrs,omitempty"`
	Password string   `json:"password,omitempty"`
	Key      string   `json:"key,omitempty"`
	TTL      Duration `json:"ttl,omitempty"`
}

// Duration is a time.Duration that unmarshals from a Go duration string.
type Duration struct {
	time.Duration
}

// UnmarshalJSON accepts "90s", "5m" and similar.
func (d *Duration) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	d.Duration = v
	return nil
}

// MarshalJSON writes the duration in Go notation.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// Load reads, schema-checks, defaults, env-overrides and validates a config
// file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse is Load for an in-memory YAML or JSON document.
func Parse(data []byte) (*Config, error) {
	jsonDoc, err := yaml.YAMLToJSON(data)
	if err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := validateDocument(jsonDoc); err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.ApplyEnv(os.Getenv)
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnv overrides endpoint URLs and lock addresses from the environment.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv(EnvPrimaryURL); v != "" {
		c.Primary.URL = v
	}
	if v := getenv(EnvReplicaURL); v != "" {
		if c.Replica == nil {
			c.Replica = &EndpointConfig{}
		}
		c.Replica.URL = v
	}
	if v := getenv(EnvArchiveURL); v != "" {
		c.Archive.URL = v
	}
	if v := getenv(EnvShardURLs); v != "" {
		urls := splitCSV(v)
		shards := make([]EndpointConfig, len(urls))
		for i, u := range urls {
			shards[i].URL = u
			if i < len(c.Shards) {
				shards[i].Pool = c.Shards[i].Pool
			}
		}
		c.Shards = shards
	}
	if v := getenv(EnvRedisAddrs); v != "" {
		c.Lock.Addrs = splitCSV(v)
	}
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.Pool.Size == 0 {
		c.Pool.Size = defaultPoolSize
	}
	if c.Pool.MaxOverflow == 0 {
		c.Pool.MaxOverflow = defaultMaxOverflow
	}
	if c.Pool.RecycleSeconds == 0 {
		c.Pool.RecycleSeconds = defaultRecycleSeconds
	}
	for i := range c.ArchivePolicies {
		if c.ArchivePolicies[i].BatchSize == 0 {
			c.ArchivePolicies[i].BatchSize = 1000
		}
	}
	if c.Archiver.Schedule == "" {
		c.Archiver.Schedule = defaultSchedule
	}
	if c.Archiver.PollInterval.Duration == 0 {
		c.Archiver.PollInterval.Duration = defaultPollInterval
	}
	if c.Archiver.ErrorBackoff.Duration == 0 {
		c.Archiver.ErrorBackoff.Duration = defaultErrorBackoff
	}
	if c.Breaker.MaxFailures == 0 {
		c.Breaker.MaxFailures = defaultBreakerFailures
	}
	if c.Breaker.OpenTimeout.Duration == 0 {
		c.Breaker.OpenTimeout.Duration = defaultBreakerTimeout
	}
	if c.Lock.Key == "" {
		c.Lock.Key = defaultLockKey
	}
	if c.Lock.TTL.Duration == 0 {
		c.Lock.TTL.Duration = defaultLockTTL
	}
}

// PoolFor returns the effective pool settings of an endpoint: its own block
// merged over the global defaults.
func (c *Config) PoolFor(ep EndpointConfig) PoolConfig {
	p := c.Pool
	if ep.Pool == nil {
		return p
	}
	if ep.Pool.Size != 0 {
		p.Size = ep.Pool.Size
	}
	if ep.Pool.MaxOverflow != 0 {
		p.MaxOverflow = ep.Pool.MaxOverflow
	}
	if ep.Pool.RecycleSeconds != 0 {
		p.RecycleSeconds = ep.Pool.RecycleSeconds
	}
	return p
}

// Validate checks the semantic constraints the schema cannot express.
func (c *Config) Validate() error {
	var errs []error

	errs = append(errs, validateURL("primary", c.Primary.URL, true))
	errs = append(errs, validateURL("archive", c.Archive.URL, true))
	if c.Replica != nil {
		errs = append(errs, validateURL("replica", c.Replica.URL, false))
	}
	for i, s := range c.Shards {
		errs = append(errs, validateURL(fmt.Sprintf("shards[%d]", i), s.URL, true))
	}

	seen := make(map[string]bool, len(c.ShardedTables))
	for _, t := range c.ShardedTables {
		if strings.TrimSpace(t) == "" {
			errs = append(errs, errors.New("shardedTables: empty table name"))
			continue
		}
		if seen[t] {
			errs = append(errs, fmt.Errorf("shardedTables: duplicate table %q", t))
		}
		seen[t] = true
	}
	if len(c.ShardedTables) > 0 && len(c.Shards) == 0 {
		errs = append(errs, errors.New("shardedTables configured but no shards defined"))
	}

	policies := make(map[string]bool, len(c.ArchivePolicies))
	for i, p := range c.ArchivePolicies {
		field := fmt.Sprintf("archivePolicies[%d]", i)
		switch {
		case p.Table == "":
			errs = append(errs, fmt.Errorf("%s: table is required", field))
		case policies[p.Table]:
			errs = append(errs, fmt.Errorf("%s: duplicate policy for table %q", field, p.Table))
		}
		policies[p.Table] = true
		if p.DateColumn == "" {
			errs = append(errs, fmt.Errorf("%s: dateColumn is required", field))
		}
		if p.RetentionDays <= 0 {
			errs = append(errs, fmt.Errorf("%s: retentionDays must be positive", field))
		}
		if p.BatchSize <= 0 {
			errs = append(errs, fmt.Errorf("%s: batchSize must be positive", field))
		}
	}

	if c.Archiver.Schedule != "" {
		if _, err := cron.ParseStandard(c.Archiver.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("archiver: schedule %q: %w", c.Archiver.Schedule, err))
		}
	}
	if c.Archiver.PollInterval.Duration < 0 || c.Archiver.ErrorBackoff.Duration < 0 {
		errs = append(errs, errors.New("archiver: intervals must not be negative"))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

func validateURL(field, url string, required bool) error {
	if url == "" {
		if required {
			return fmt.Errorf("%s: url is required", field)
		}
		return nil
	}
	if _, err := pgxpool.ParseConfig(url); err != nil {
		return fmt.Errorf("%s: invalid url: %w", field, err)
	}
	return nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
