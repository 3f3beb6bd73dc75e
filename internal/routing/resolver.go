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

package routing

import (
	"errors"
	"fmt"

	"github.com/altairalabs/mailroute/pkg/metrics"
)

// ErrMissingShardKey is returned when a sharded table is accessed on a path
// that routes to a shard but no shard key was supplied. Such accesses never
// fall back to the primary.
var ErrMissingShardKey = errors.New("routing: shard key required for sharded table")

// IntentType classifies a data access.
type IntentType string

const (
	IntentRead      IntentType = "read"
	IntentWrite     IntentType = "write"
	IntentAnalytics IntentType = "analytics"
	IntentArchive   IntentType = "archive"
)

// QueryIntent describes a data access to be routed.
type QueryIntent struct {
	Type  IntentType
	Table string
	// ShardKey is required for writes to sharded tables.
	ShardKey ShardKey
}

// Resolver maps intents onto endpoints. It is pure apart from metrics and is
// safe for concurrent use.
type Resolver struct {
	reg     *Registry
	metrics *metrics.RoutingMetrics
}

// NewResolver creates a resolver over reg. m may be nil.
func NewResolver(reg *Registry, m *metrics.RoutingMetrics) *Resolver {
	return &Resolver{reg: reg, metrics: m}
}

// Registry returns the topology the resolver routes over.
func (r *Resolver) Registry() *Registry { return r.reg }

// Resolve returns the endpoint that must serve intent. Rules apply in order:
//
//  1. Archive intents go to the archive store.
//  2. Analytics intents go to a distinct replica when analytics routing is on.
//  3. Read intents go to a distinct replica when read/write split is on,
//     whether or not the table is sharded. With shard-aware reads on, keyed
//     reads of sharded tables skip this rule.
//  4. Anything else goes to the key's shard for sharded tables and to the
//     primary otherwise.
func (r *Resolver) Resolve(intent QueryIntent) (Endpoint, error) {
	ep, err := r.resolve(intent)
	if r.metrics != nil {
		if err != nil {
			r.metrics.RecordResolutionError(string(intent.Type))
		} else {
			r.metrics.RecordResolution(string(intent.Type), string(ep.Role))
		}
	}
	return ep, err
}

func (r *Resolver) resolve(intent QueryIntent) (Endpoint, error) {
	reg := r.reg
	sharded := reg.IsSharded(intent.Table)

	switch {
	case intent.Type == IntentArchive:
		return reg.Archive()
	case intent.Type == IntentAnalytics && reg.analyticsToReplica && reg.HasDistinctReplica():
		return reg.replica, nil
	case intent.Type == IntentRead && reg.readWriteSplit && reg.HasDistinctReplica():
		if !(reg.shardAwareReads && sharded && intent.ShardKey.Present()) {
			return reg.replica, nil
		}
	}

	if !sharded {
		return reg.primary, nil
	}
	ep, err := reg.ShardFor(intent.ShardKey)
	if err != nil {
		return Endpoint{}, fmt.Errorf("resolving %s on %q: %w", intent.Type, intent.Table, err)
	}
	return ep, nil
}
