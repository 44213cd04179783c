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

package vault

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-keysign/pkg/secrets"
)

const testToken = "s.test-token"

// fakeKV serves the KV v2 read endpoint.
type fakeKV struct {
	mu       sync.Mutex
	mount    string
	versions map[string][]map[string]interface{}
	deleted  map[string]bool
	reads    int
}

func newFakeKV(mount string) *fakeKV {
	return &fakeKV{
		mount:    mount,
		versions: make(map[string][]map[string]interface{}),
		deleted:  make(map[string]bool),
	}
}

func (f *fakeKV) put(path string, data map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.versions[path] = append(f.versions[path], data)
}

func (f *fakeKV) readCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

func (f *fakeKV) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++

	w.Header().Set("Content-Type", "application/json")
	if r.Header.Get("X-Vault-Token") != testToken {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"errors":["permission denied"]}`))
		return
	}

	prefix := "/v1/" + f.mount + "/data/"
	path, ok := strings.CutPrefix(r.URL.Path, prefix)
	versions := f.versions[path]
	if r.Method != http.MethodGet || !ok || len(versions) == 0 {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"errors":[]}`))
		return
	}

	version := len(versions)
	if v := r.URL.Query().Get("version"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > len(versions) {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"errors":[]}`))
			return
		}
		version = n
	}

	metadata := map[string]interface{}{
		"created_time":    time.Now().UTC().Format(time.RFC3339),
		"deletion_time":   "",
		"destroyed":       false,
		"version":         version,
		"custom_metadata": nil,
	}
	var data interface{} = versions[version-1]
	status := http.StatusOK
	if f.deleted[path] {
		data = nil
		metadata["deletion_time"] = time.Now().UTC().Format(time.RFC3339)
		status = http.StatusNotFound
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data": map[string]interface{}{"data": data, "metadata": metadata},
	})
}

func newTestSource(t *testing.T, kv *fakeKV, cfg *Config) *Source {
	t.Helper()
	srv := httptest.NewServer(kv)
	t.Cleanup(srv.Close)
	cfg.Address = srv.URL
	if cfg.Token == "" {
		cfg.Token = testToken
	}
	s, err := NewSource(cfg)
	require.NoError(t, err)
	return s
}

func TestGetSecret(t *testing.T) {
	kv := newFakeKV("secret")
	kv.put("app/signing", map[string]interface{}{"value": "v1", "pem": "-----BEGIN-----"})
	kv.put("app/signing", map[string]interface{}{"value": "v2", "nested": map[string]interface{}{"a": 1}})
	s := newTestSource(t, kv, &Config{})
	ctx := context.Background()

	tests := []struct {
		id   string
		want string
	}{
		{"app/signing", "v2"},
		{"/app/signing/", "v2"},
		{"app/signing#nested", `{"a":1}`},
		{"app/signing@1", "v1"},
		{"app/signing@1#pem", "-----BEGIN-----"},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			got, err := s.GetSecret(ctx, tt.id)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestGetSecretErrors(t *testing.T) {
	kv := newFakeKV("kv")
	kv.put("app", map[string]interface{}{"value": "x"})
	kv.put("gone", map[string]interface{}{"value": "x"})
	kv.deleted["gone"] = true
	s := newTestSource(t, kv, &Config{Mount: "/kv/"})
	ctx := context.Background()

	_, err := s.GetSecret(ctx, "missing")
	assert.ErrorIs(t, err, secrets.ErrNotFound)

	_, err = s.GetSecret(ctx, "app@9")
	assert.ErrorIs(t, err, secrets.ErrNotFound)

	_, err = s.GetSecret(ctx, "app#other")
	assert.ErrorIs(t, err, secrets.ErrMissingPayload)

	_, err = s.GetSecret(ctx, "gone")
	assert.ErrorIs(t, err, secrets.ErrMissingPayload)

	for _, id := range []string{"", "#value", "app@x", "app@0"} {
		_, err = s.GetSecret(ctx, id)
		assert.ErrorIs(t, err, secrets.ErrInvalidID, id)
	}
}

func TestPermissionDenied(t *testing.T) {
	kv := newFakeKV("secret")
	kv.put("app", map[string]interface{}{"value": "x"})
	s := newTestSource(t, kv, &Config{Token: "wrong"})

	_, err := s.GetSecret(context.Background(), "app")
	require.Error(t, err)
	assert.NotErrorIs(t, err, secrets.ErrNotFound)
	assert.Contains(t, err.Error(), "permission denied")
}

func TestCachedKV(t *testing.T) {
	kv := newFakeKV("secret")
	kv.put("app", map[string]interface{}{"value": "v1"})
	s := newTestSource(t, kv, &Config{})
	c := secrets.NewCachedSource(s, secrets.WithName("vault"))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		got, err := c.GetSecret(ctx, "app")
		require.NoError(t, err)
		assert.Equal(t, "v1", string(got))
	}
	assert.Equal(t, 1, kv.readCount())

	kv.put("app", map[string]interface{}{"value": "v2"})
	c.Invalidate("app")
	got, err := c.GetSecret(ctx, "app")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(got))
}

func TestConfig(t *testing.T) {
	var nilCfg *Config
	assert.ErrorIs(t, nilCfg.Validate(), ErrInvalidConfig)
	assert.ErrorIs(t, (&Config{}).Validate(), ErrInvalidConfig)

	cfg := &Config{Address: "https://vault:8200", Token: "s.secret"}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "secret", cfg.Mount)
	assert.Equal(t, "value", cfg.Field)
	assert.NotContains(t, cfg.String(), "s.secret")

	_, err := NewSourceWithClient(cfg, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
