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

// Package routing holds the datastore topology and decides which endpoint
// serves a given data access.
package routing

import (
	"errors"
	"fmt"

	"github.com/altairalabs/mailroute/internal/config"
)

// ErrNoArchiveEndpoint is returned when an archive access is resolved against
// a topology without an archive store.
var ErrNoArchiveEndpoint = errors.New("routing: no archive endpoint configured")

// ArchivePolicy says which rows of a table are old enough to move to the
// archive store and how many move per batch.
type ArchivePolicy struct {
	Table         string
	DateColumn    string
	RetentionDays int
	BatchSize     int
}

// Registry is the immutable endpoint topology. It is safe for concurrent use.
type Registry struct {
	primary Endpoint
	replica Endpoint
	archive Endpoint
	shards  []Endpoint

	sharded  map[string]struct{}
	policies []ArchivePolicy
	assigner Assigner

	readWriteSplit     bool
	analyticsToReplica bool
	shardAwareReads    bool
}

// NewRegistry builds the topology from a loaded configuration.
func NewRegistry(cfg *config.Config) (*Registry, error) {
	if cfg == nil {
		return nil, errors.New("routing: nil config")
	}
	if cfg.Primary.URL == "" {
		return nil, errors.New("routing: primary endpoint is required")
	}

	r := &Registry{
		primary:            endpointFrom(cfg, RolePrimary, 0, cfg.Primary),
		sharded:            make(map[string]struct{}, len(cfg.ShardedTables)),
		readWriteSplit:     cfg.Routing.ReadWriteSplitEnabled(),
		analyticsToReplica: cfg.Routing.AnalyticsToReplicaEnabled(),
		shardAwareReads:    cfg.Routing.ShardAwareReads,
	}
	if cfg.Replica != nil && cfg.Replica.URL != "" {
		r.replica = endpointFrom(cfg, RoleReplica, 0, *cfg.Replica)
	}
	if cfg.Archive.URL != "" {
		r.archive = endpointFrom(cfg, RoleArchive, 0, cfg.Archive)
	}
	for i, s := range cfg.Shards {
		r.shards = append(r.shards, endpointFrom(cfg, RoleShard, i, s))
	}

	for _, t := range cfg.ShardedTables {
		r.sharded[t] = struct{}{}
	}
	if len(r.sharded) > 0 {
		a, err := NewAssigner(len(r.shards))
		if err != nil {
			return nil, fmt.Errorf("routing: sharded tables configured: %w", err)
		}
		r.assigner = a
	} else if len(r.shards) > 0 {
		r.assigner, _ = NewAssigner(len(r.shards))
	}

	for _, p := range cfg.ArchivePolicies {
		r.policies = append(r.policies, ArchivePolicy{
			Table:         p.Table,
			DateColumn:    p.DateColumn,
			RetentionDays: p.RetentionDays,
			BatchSize:     p.BatchSize,
		})
	}
	return r, nil
}

func endpointFrom(cfg *config.Config, role Role, idx int, ep config.EndpointConfig) Endpoint {
	pool := cfg.PoolFor(ep)
	return Endpoint{
		Role:        role,
		ShardIndex:  idx,
		URL:         ep.URL,
		PoolSize:    pool.Size,
		MaxOverflow: pool.MaxOverflow,
		Recycle:     pool.Recycle(),
	}
}

// Primary returns the primary endpoint.
func (r *Registry) Primary() Endpoint { return r.primary }

// Replica returns the replica endpoint and whether one is configured.
func (r *Registry) Replica() (Endpoint, bool) {
	return r.replica, !r.replica.IsZero()
}

// Archive returns the archive endpoint.
func (r *Registry) Archive() (Endpoint, error) {
	if r.archive.IsZero() {
		return Endpoint{}, ErrNoArchiveEndpoint
	}
	return r.archive, nil
}

// HasDistinctReplica reports whether a replica exists at a different URL than
// the primary. A replica pointing at the primary disables replica routing.
func (r *Registry) HasDistinctReplica() bool {
	return !r.replica.IsZero() && r.replica.URL != r.primary.URL
}

// NumShards returns the number of configured shards.
func (r *Registry) NumShards() int { return len(r.shards) }

// Shard returns the endpoint of shard i.
func (r *Registry) Shard(i int) (Endpoint, error) {
	if i < 0 || i >= len(r.shards) {
		return Endpoint{}, fmt.Errorf("routing: shard index %d out of range [0,%d)", i, len(r.shards))
	}
	return r.shards[i], nil
}

// Shards returns all shard endpoints in index order.
func (r *Registry) Shards() []Endpoint {
	out := make([]Endpoint, len(r.shards))
	copy(out, r.shards)
	return out
}

// IsSharded reports whether table is partitioned across shards.
func (r *Registry) IsSharded(table string) bool {
	_, ok := r.sharded[table]
	return ok
}

// Assigner returns the shard assigner for this topology.
func (r *Registry) Assigner() Assigner { return r.assigner }

// ShardFor returns the shard endpoint owning key.
func (r *Registry) ShardFor(key ShardKey) (Endpoint, error) {
	if !key.Present() {
		return Endpoint{}, ErrMissingShardKey
	}
	if len(r.shards) == 0 {
		return Endpoint{}, errors.New("routing: no shards configured")
	}
	return r.shards[r.assigner.Assign(key)], nil
}

// ArchivePolicies returns the archive policies in configuration order.
func (r *Registry) ArchivePolicies() []ArchivePolicy {
	out := make([]ArchivePolicy, len(r.policies))
	copy(out, r.policies)
	return out
}
