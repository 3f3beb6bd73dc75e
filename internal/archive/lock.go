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

package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// ErrLockNotHeld is returned when releasing a lock that expired or was taken
// over by another holder.
var ErrLockNotHeld = errors.New("archive: lock not held")

// Locker guards a cycle so that only one archiver runs it at a time.
type Locker interface {
	// TryLock attempts to take the lock without blocking. When ok is false
	// another holder has it and unlock is nil.
	TryLock(ctx context.Context) (unlock func(context.Context) error, ok bool, err error)
}

// releaseScript deletes the key only when it still holds our token.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a single-key Redis lock with a per-acquisition token.
type RedisLocker struct {
	client goredis.UniversalClient
	key    string
	ttl    time.Duration
}

// Compile-time interface check.
var _ Locker = (*RedisLocker)(nil)

// NewRedisLocker creates a locker on key. The TTL bounds how long a crashed
// holder can block others and should exceed the longest cycle.
func NewRedisLocker(client goredis.UniversalClient, key string, ttl time.Duration) *RedisLocker {
	return &RedisLocker{client: client, key: key, ttl: ttl}
}

// TryLock sets the key with NX and PX semantics.
func (l *RedisLocker) TryLock(ctx context.Context) (func(context.Context) error, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("archive: acquiring lock %q: %w", l.key, err)
	}
	if !ok {
		return nil, false, nil
	}
	unlock := func(ctx context.Context) error {
		n, err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Int64()
		if err != nil {
			return fmt.Errorf("archive: releasing lock %q: %w", l.key, err)
		}
		if n == 0 {
			return ErrLockNotHeld
		}
		return nil
	}
	return unlock, true, nil
}
