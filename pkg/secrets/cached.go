// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keysign.
//
// go-keysign is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package secrets

import (
	"context"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/jeremyhahn/go-keysign/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keysign/pkg/metrics"
)

const (
	// DefaultTTL is how long a fetched secret is served from memory.
	DefaultTTL = 5 * time.Minute

	// DefaultFetchTimeout bounds a shared fetch.
	DefaultFetchTimeout = 30 * time.Second
)

// CachedSource wraps a Source with a TTL cache. Concurrent misses for the
// same identifier share one fetch. Failures are not cached.
type CachedSource struct {
	source  Source
	name    string
	ttl     time.Duration
	timeout time.Duration
	entries *gocache.Cache
	group   singleflight.Group
	logger  logger.Logger

	// generation is bumped by Invalidate and Flush so a fetch that started
	// earlier does not repopulate the cache with the old value.
	generation atomic.Uint64
}

// CacheOption configures a CachedSource.
type CacheOption func(*CachedSource)

// WithTTL sets the cache lifetime. Non-positive values select DefaultTTL.
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *CachedSource) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithFetchTimeout bounds each fetch from the wrapped source.
func WithFetchTimeout(d time.Duration) CacheOption {
	return func(c *CachedSource) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithName sets the source label used in logs and metrics.
func WithName(name string) CacheOption {
	return func(c *CachedSource) {
		if name != "" {
			c.name = name
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) CacheOption {
	return func(c *CachedSource) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewCachedSource returns a caching wrapper around source.
func NewCachedSource(source Source, opts ...CacheOption) *CachedSource {
	c := &CachedSource{
		source:  source,
		name:    "secrets",
		ttl:     DefaultTTL,
		timeout: DefaultFetchTimeout,
		logger:  logger.NewNoOp(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.entries = gocache.New(c.ttl, 2*c.ttl)
	return c
}

// GetSecret returns the cached value for id or fetches it. ctx bounds only
// how long this caller waits.
func (c *CachedSource) GetSecret(ctx context.Context, id string) ([]byte, error) {
	if v, ok := c.entries.Get(id); ok {
		return clone(v.([]byte)), nil
	}

	ch := c.group.DoChan(id, func() (interface{}, error) {
		if v, ok := c.entries.Get(id); ok {
			return v, nil
		}
		gen := c.generation.Load()

		// The fetch is shared, so it must not die with the first caller.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()

		data, err := c.source.GetSecret(fctx, id)
		if err != nil {
			metrics.RecordSecretFetch(c.name, metrics.StatusError)
			logger.FromContext(ctx, c.logger).Warn("secret fetch failed",
				logger.String("source", c.name),
				logger.String("id", id),
				logger.Error(err))
			return nil, err
		}
		metrics.RecordSecretFetch(c.name, metrics.StatusSuccess)

		data = clone(data)
		if c.generation.Load() == gen {
			c.entries.Set(id, data, gocache.DefaultExpiration)
		}
		return data, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return clone(res.Val.([]byte)), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Invalidate drops the cached value for id, e.g. after a rotation.
func (c *CachedSource) Invalidate(id string) {
	c.generation.Add(1)
	c.entries.Delete(id)
	c.group.Forget(id)
}

// Flush drops every cached value.
func (c *CachedSource) Flush() {
	c.generation.Add(1)
	c.entries.Flush()
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}

var _ Source = (*CachedSource)(nil)
