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

package awskms

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorConstants(t *testing.T) {
	errs := []error{
		ErrNotInitialized,
		ErrInvalidConfig,
		ErrInvalidRegion,
		ErrInvalidKeyID,
		ErrKeyNotEnabled,
		ErrInvalidKeyUsage,
	}

	for i, err := range errs {
		assert.True(t, strings.HasPrefix(err.Error(), "awskms: "), err.Error())
		for j, other := range errs {
			if i != j {
				assert.False(t, errors.Is(err, other), "%v matches %v", err, other)
			}
		}
	}
}
