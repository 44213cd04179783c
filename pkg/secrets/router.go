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
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
)

// Router dispatches "scheme:id" references to the source registered for
// the scheme, e.g. "vault:app/signing#private_key" or "file:signer.pem".
type Router struct {
	mu      sync.RWMutex
	sources map[string]Source
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{sources: make(map[string]Source)}
}

// Register binds scheme to src, replacing any previous binding.
func (r *Router) Register(scheme string, src Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[scheme] = src
}

// Schemes returns the registered schemes in sorted order.
func (r *Router) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.sources))
}

// Source returns the source registered for scheme.
func (r *Router) Source(scheme string) (Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.sources[scheme]
	return src, ok
}

// GetSecret resolves ref and fetches it from the matching source.
func (r *Router) GetSecret(ctx context.Context, ref string) ([]byte, error) {
	scheme, id, ok := strings.Cut(ref, ":")
	if !ok || scheme == "" || id == "" {
		return nil, fmt.Errorf("%w: %q is not scheme:id", ErrInvalidID, ref)
	}
	src, ok := r.Source(scheme)
	if !ok {
		return nil, fmt.Errorf("%w: no source registered for %q", ErrInvalidID, scheme)
	}
	return src.GetSecret(ctx, id)
}

var _ Source = (*Router)(nil)
