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

package remote

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/jeremyhahn/go-keysign/pkg/metrics"
	"github.com/jeremyhahn/go-keysign/pkg/types"
)

const (
	// DefaultCacheTTL is how long key metadata is trusted.
	DefaultCacheTTL = 5 * time.Minute

	// DefaultMetadataTimeout bounds a shared metadata fetch.
	DefaultMetadataTimeout = 10 * time.Second
)

type fetchFunc func(ctx context.Context, handle types.KeyHandle) (*KeyMetadata, error)

// metadataCache holds key metadata for one signer. Entries are immutable;
// refreshes replace them whole. Concurrent misses for the same handle share
// one fetch.
type metadataCache struct {
	entries *gocache.Cache
	group   singleflight.Group
	fetch   fetchFunc
	ttl     time.Duration
	timeout time.Duration
	now     func() time.Time
	backend string

	// generation is bumped by invalidate so an in-flight fetch started
	// before the invalidation does not repopulate the entry.
	generation atomic.Uint64
}

func newMetadataCache(fetch fetchFunc, ttl, timeout time.Duration, now func() time.Time, backend string) *metadataCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if timeout <= 0 {
		timeout = DefaultMetadataTimeout
	}
	return &metadataCache{
		// go-cache evicts on the wall clock; freshness is decided by now()
		// so tests can drive it.
		entries: gocache.New(ttl, 2*ttl),
		fetch:   fetch,
		ttl:     ttl,
		timeout: timeout,
		now:     now,
		backend: backend,
	}
}

// lookup returns fresh cached metadata, if any. The second result reports
// whether an expired entry was found.
func (c *metadataCache) lookup(handle types.KeyHandle) (*KeyMetadata, bool) {
	v, ok := c.entries.Get(handle.String())
	if !ok {
		return nil, false
	}
	md := v.(*KeyMetadata)
	if c.now().Sub(md.FetchedAt) < c.ttl {
		return md, false
	}
	return nil, true
}

// get returns cached metadata or fetches it. The shared fetch runs detached
// from ctx so an abandoning caller cannot fail it for the others; ctx only
// bounds how long this caller waits.
func (c *metadataCache) get(ctx context.Context, handle types.KeyHandle) (*KeyMetadata, error) {
	md, expired := c.lookup(handle)
	if md != nil {
		metrics.RecordCacheEvent(c.backend, metrics.CacheHit)
		return md, nil
	}
	if expired {
		metrics.RecordCacheEvent(c.backend, metrics.CacheRefresh)
	} else {
		metrics.RecordCacheEvent(c.backend, metrics.CacheMiss)
	}

	key := handle.String()
	ch := c.group.DoChan(key, func() (interface{}, error) {
		// Another caller may have filled the entry between our lookup and
		// joining the flight.
		if md, _ := c.lookup(handle); md != nil {
			return md, nil
		}
		gen := c.generation.Load()

		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()

		fetched, err := c.fetch(fctx, handle)
		if err != nil {
			metrics.RecordCacheEvent(c.backend, metrics.CacheRefreshErr)
			return nil, err
		}
		if fetched == nil {
			return nil, fmt.Errorf("remote: service returned no metadata for %s", handle)
		}

		entry := *fetched
		entry.FetchedAt = c.now()
		if c.generation.Load() == gen {
			c.entries.Set(key, &entry, gocache.DefaultExpiration)
		}
		return &entry, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*KeyMetadata), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// invalidate drops the entry for handle. The next get refetches.
func (c *metadataCache) invalidate(handle types.KeyHandle) {
	c.generation.Add(1)
	c.entries.Delete(handle.String())
	c.group.Forget(handle.String())
	metrics.RecordCacheEvent(c.backend, metrics.CacheInvalidate)
}

func (c *metadataCache) flush() {
	c.generation.Add(1)
	c.entries.Flush()
}
