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

package dbsession

import (
	"context"
	"errors"
	"fmt"

	"github.com/altairalabs/mailroute/internal/routing"
)

// WithSession opens a session on ep, runs fn, and commits when fn returns nil.
// When fn fails or panics the session is rolled back; a panic is re-raised
// after cleanup. The session is closed on every path and never outlives the
// call. Rollback and close failures are joined to the returned error.
func WithSession(ctx context.Context, opener Opener, ep routing.Endpoint, fn func(Session) error) (err error) {
	s, err := opener.Open(ctx, ep)
	if err != nil {
		return err
	}

	committed := false
	defer func() {
		if p := recover(); p != nil {
			_ = s.Rollback(ctx)
			_ = s.Close(ctx)
			panic(p)
		}
		if !committed {
			if rbErr := s.Rollback(ctx); rbErr != nil {
				err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
			}
		}
		if closeErr := s.Close(ctx); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("close: %w", closeErr))
		}
	}()

	if err = fn(s); err != nil {
		return err
	}
	if err = s.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}

// WithIntent resolves intent and runs fn in a scoped session on the chosen
// endpoint.
func WithIntent(ctx context.Context, r *routing.Resolver, opener Opener, intent routing.QueryIntent, fn func(Session) error) error {
	ep, err := r.Resolve(intent)
	if err != nil {
		return err
	}
	return WithSession(ctx, opener, ep, fn)
}
