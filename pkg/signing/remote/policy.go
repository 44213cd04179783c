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
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds how transient failures are retried.
//
// The delay before retry n is BaseDelay*Multiplier^(n-1), capped at MaxDelay
// and randomised by ±Jitter. Retrying stops after MaxAttempts attempts or
// once MaxElapsedTime has passed, whichever comes first. An attempt still
// running when MaxElapsedTime passes is cancelled.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, first one included.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts" mapstructure:"max_attempts"`

	// BaseDelay is the wait before the first retry.
	BaseDelay time.Duration `yaml:"base_delay" json:"base_delay" mapstructure:"base_delay"`

	// MaxDelay caps a single wait. Zero means no cap.
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay" mapstructure:"max_delay"`

	// Multiplier grows the delay between retries. Must be >= 1.
	Multiplier float64 `yaml:"multiplier" json:"multiplier" mapstructure:"multiplier"`

	// Jitter is the randomisation factor in [0, 1]. Zero disables jitter.
	Jitter float64 `yaml:"jitter" json:"jitter" mapstructure:"jitter"`

	// MaxElapsedTime bounds the attempt loop, waits and running attempts
	// included. Zero means only MaxAttempts applies.
	MaxElapsedTime time.Duration `yaml:"max_elapsed_time" json:"max_elapsed_time" mapstructure:"max_elapsed_time"`

	// AttemptTimeout bounds a single service call. Zero means the caller's
	// context alone applies.
	AttemptTimeout time.Duration `yaml:"attempt_timeout" json:"attempt_timeout" mapstructure:"attempt_timeout"`

	// NewBackOff overrides the exponential schedule, mainly for tests. It is
	// called once per Sign so implementations need no locking.
	NewBackOff func() backoff.BackOff `yaml:"-" json:"-" mapstructure:"-"`
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		BaseDelay:      100 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.2,
		MaxElapsedTime: 30 * time.Second,
		AttemptTimeout: 10 * time.Second,
	}
}

// Validate checks the policy for consistency.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("%w: max_attempts must be at least 1, got %d", ErrInvalidPolicy, p.MaxAttempts)
	}
	if p.BaseDelay < 0 {
		return fmt.Errorf("%w: base_delay must not be negative", ErrInvalidPolicy)
	}
	if p.MaxDelay < 0 || (p.MaxDelay > 0 && p.MaxDelay < p.BaseDelay) {
		return fmt.Errorf("%w: max_delay must be zero or >= base_delay", ErrInvalidPolicy)
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("%w: multiplier must be >= 1, got %v", ErrInvalidPolicy, p.Multiplier)
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return fmt.Errorf("%w: jitter must be within [0, 1], got %v", ErrInvalidPolicy, p.Jitter)
	}
	if p.MaxElapsedTime < 0 || p.AttemptTimeout < 0 {
		return fmt.Errorf("%w: timeouts must not be negative", ErrInvalidPolicy)
	}
	return nil
}

// backOff returns a fresh schedule for one Sign call.
func (p RetryPolicy) backOff() backoff.BackOff {
	if p.NewBackOff != nil {
		return p.NewBackOff()
	}
	maxInterval := p.MaxDelay
	if maxInterval == 0 {
		// ExponentialBackOff always caps; make the cap unreachable.
		maxInterval = time.Duration(math.MaxInt64)
	}
	return &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: p.Jitter,
		Multiplier:          p.Multiplier,
		MaxInterval:         maxInterval,
	}
}

// retryOptions translates the policy into backoff.Retry options.
func (p RetryPolicy) retryOptions(notify backoff.Notify) []backoff.RetryOption {
	return []backoff.RetryOption{
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
		// Zero disables the library's 15 minute default as well.
		backoff.WithMaxElapsedTime(p.MaxElapsedTime),
		backoff.WithNotify(notify),
	}
}
