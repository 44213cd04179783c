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
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileSource reads secrets from files below a directory. Identifiers are
// relative paths and may not escape the directory.
type FileSource struct {
	dir string
}

// NewFileSource returns a source rooted at dir.
func NewFileSource(dir string) *FileSource {
	return &FileSource{dir: dir}
}

// GetSecret reads the file named by id.
func (s *FileSource) GetSecret(ctx context.Context, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if id == "" || !filepath.IsLocal(id) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	data, err := os.ReadFile(filepath.Join(s.dir, id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("secrets: read %s: %w", id, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingPayload, id)
	}
	return data, nil
}

// EnvSource reads secrets from environment variables. The identifier is
// upper-cased, characters outside [A-Z0-9_] become underscores and the
// prefix is prepended: with prefix "KEYSIGN_SECRET_", "db-password" reads
// KEYSIGN_SECRET_DB_PASSWORD.
type EnvSource struct {
	prefix string
	lookup func(string) (string, bool)
}

// NewEnvSource returns a source reading variables that start with prefix.
func NewEnvSource(prefix string) *EnvSource {
	return &EnvSource{prefix: prefix, lookup: os.LookupEnv}
}

// VariableName returns the environment variable consulted for id.
func (s *EnvSource) VariableName(id string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
	return s.prefix + name
}

// GetSecret returns the value of the variable for id.
func (s *EnvSource) GetSecret(ctx context.Context, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidID)
	}
	v, ok := s.lookup(s.VariableName(id))
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, s.VariableName(id))
	}
	if v == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingPayload, s.VariableName(id))
	}
	return []byte(v), nil
}

var (
	_ Source = (*FileSource)(nil)
	_ Source = (*EnvSource)(nil)
)
