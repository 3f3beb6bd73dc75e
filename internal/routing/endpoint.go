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
	"strconv"
	"time"
)

// Role identifies the part an endpoint plays in the topology.
type Role string

const (
	RolePrimary Role = "primary"
	RoleReplica Role = "replica"
	RoleShard   Role = "shard"
	RoleArchive Role = "archive"
)

// Endpoint is one configured datastore. Endpoints are values and never change
// after the registry is built.
type Endpoint struct {
	Role Role
	// ShardIndex is meaningful only for RoleShard.
	ShardIndex int
	URL        string

	// PoolSize is the number of connections kept open; MaxOverflow is how far
	// the pool may grow beyond it under load.
	PoolSize    int32
	MaxOverflow int32
	// Recycle is the maximum lifetime of a pooled connection.
	Recycle time.Duration
}

// Name returns a stable label for logs and metrics.
func (e Endpoint) Name() string {
	if e.Role == RoleShard {
		return "shard-" + strconv.Itoa(e.ShardIndex)
	}
	return string(e.Role)
}

// IsZero reports whether e is the zero Endpoint.
func (e Endpoint) IsZero() bool {
	return e.URL == "" && e.Role == ""
}
