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
	"crypto/md5" //nolint:gosec // partitioning hash, not a security boundary
	"encoding/binary"
	"fmt"
)

// ShardKey is the string form of the value a sharded row is partitioned by.
// The empty key means no key was supplied.
type ShardKey string

// KeyOf converts an arbitrary key value (integer id, uuid, string) to a
// ShardKey using its default string formatting. Nil yields the empty key.
func KeyOf(v any) ShardKey {
	if v == nil {
		return ""
	}
	if k, ok := v.(ShardKey); ok {
		return k
	}
	return ShardKey(fmt.Sprint(v))
}

// Present reports whether a key was supplied.
func (k ShardKey) Present() bool {
	return k != ""
}

// Assigner maps shard keys onto [0, n).
//
// The mapping is a plain modulo over an MD5 prefix. It is stable across
// processes and restarts for a fixed n, but changing n remaps most keys; there
// is no consistent hashing or migration support.
type Assigner struct {
	n int
}

// NewAssigner returns an assigner over n shards. n must be positive.
func NewAssigner(n int) (Assigner, error) {
	if n <= 0 {
		return Assigner{}, fmt.Errorf("routing: shard count must be positive, got %d", n)
	}
	return Assigner{n: n}, nil
}

// NumShards returns the number of shards keys are spread over.
func (a Assigner) NumShards() int {
	return a.n
}

// Assign returns the shard index for key: the first 32 bits of the MD5 digest
// of the key's bytes, read big-endian, modulo the shard count. This equals
// parsing the first eight hex digits of the digest as an unsigned integer.
func (a Assigner) Assign(key ShardKey) int {
	if a.n <= 1 {
		return 0
	}
	sum := md5.Sum([]byte(key)) //nolint:gosec
	return int(binary.BigEndian.Uint32(sum[:4]) % uint32(a.n))
}
