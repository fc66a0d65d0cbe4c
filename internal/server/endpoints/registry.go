// Package endpoints keeps the per-user set of push endpoints that want to
// hear about collection changes. The set is one JSON document per user in a
// kvstore.Store, updated by read-modify-CAS.
package endpoints

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/dmitrijs2005/syncstore/internal/common"
	"github.com/dmitrijs2005/syncstore/internal/retryx"
	"github.com/dmitrijs2005/syncstore/internal/server/kvstore"
)

// Registry adds and removes endpoints for a user.
type Registry struct {
	kv       kvstore.Store
	attempts int
	now      func() time.Time
}

type Option func(*Registry)

// WithAttempts bounds the CAS retry loop.
func WithAttempts(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.attempts = n
		}
	}
}

// WithClock overrides the registration timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(kv kvstore.Store, opts ...Option) *Registry {
	r := &Registry{kv: kv, attempts: retryx.DefaultAttempts, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

func key(userID string) string { return "endpoints/" + userID }

// List returns the registered endpoints mapped to their registration time
// in milliseconds since the epoch.
func (r *Registry) List(ctx context.Context, userID string) (map[string]int64, error) {
	eps, _, err := r.load(ctx, userID)
	return eps, err
}

// Add registers endpoint, refreshing its timestamp if already present.
func (r *Registry) Add(ctx context.Context, userID, endpoint string) error {
	if err := validate(endpoint); err != nil {
		return err
	}
	return r.update(ctx, userID, func(eps map[string]int64) error {
		eps[endpoint] = r.now().UnixMilli()
		return nil
	})
}

// Delete unregisters endpoint. It fails with common.ErrUnknownEndpoint when
// the endpoint is not registered.
func (r *Registry) Delete(ctx context.Context, userID, endpoint string) error {
	return r.update(ctx, userID, func(eps map[string]int64) error {
		if _, ok := eps[endpoint]; !ok {
			return fmt.Errorf("%w: %s", common.ErrUnknownEndpoint, endpoint)
		}
		delete(eps, endpoint)
		return nil
	})
}

func (r *Registry) update(ctx context.Context, userID string, mutate func(map[string]int64) error) error {
	err := retryx.Do(ctx, r.attempts, common.ErrCasMismatch, func(ctx context.Context) error {
		eps, token, err := r.load(ctx, userID)
		if err != nil {
			return err
		}
		if err := mutate(eps); err != nil {
			return err
		}
		b, err := json.Marshal(eps)
		if err != nil {
			return fmt.Errorf("marshal endpoints: %w", err)
		}
		return r.kv.CAS(ctx, key(userID), b, token)
	})
	if errors.Is(err, common.ErrTooManyConflicts) {
		return fmt.Errorf("update endpoints of %s: %w", userID, err)
	}
	return err
}

func (r *Registry) load(ctx context.Context, userID string) (map[string]int64, kvstore.CasToken, error) {
	e, err := r.kv.Get(ctx, key(userID))
	if err != nil {
		return nil, kvstore.NoToken, err
	}
	eps := map[string]int64{}
	if e == nil {
		return eps, kvstore.NoToken, nil
	}
	if err := json.Unmarshal(e.Value, &eps); err != nil {
		return nil, kvstore.NoToken, fmt.Errorf("%w: endpoints of %s: %v", common.ErrDataCorruption, userID, err)
	}
	return eps, e.Token, nil
}

func validate(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: %q", common.ErrInvalidEndpoint, endpoint)
	}
	return nil
}
