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
	"errors"

	"github.com/jeremyhahn/go-keysign/pkg/metrics"
	"github.com/jeremyhahn/go-keysign/pkg/signing"
)

// ErrorClass tells the signer how to react to a failed attempt.
type ErrorClass int

const (
	// ClassUnknown defers to the next classifier.
	ClassUnknown ErrorClass = iota
	// ClassTransient errors are retried within the retry budget.
	ClassTransient
	// ClassPermanent errors fail immediately with ErrRemoteRejected.
	ClassPermanent
	// ClassStaleKey errors invalidate cached metadata and fail immediately.
	ClassStaleKey
)

// String returns the metrics outcome label for the class.
func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return metrics.OutcomeTransient
	case ClassPermanent:
		return metrics.OutcomePermanent
	case ClassStaleKey:
		return metrics.OutcomeStaleKey
	default:
		return "unknown"
	}
}

// ErrorClassifier maps service errors to an ErrorClass. Backends implement it
// next to their KeyService; returning ClassUnknown defers to the defaults.
type ErrorClassifier interface {
	Classify(err error) ErrorClass
}

// ClassifierFunc adapts a function to ErrorClassifier.
type ClassifierFunc func(err error) ErrorClass

// Classify calls f(err).
func (f ClassifierFunc) Classify(err error) ErrorClass {
	return f(err)
}

type classifiedError struct {
	class ErrorClass
	err   error
}

func (e *classifiedError) Error() string { return e.err.Error() }
func (e *classifiedError) Unwrap() error { return e.err }

func mark(class ErrorClass, err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{class: class, err: err}
}

// Transient marks err as retryable regardless of any classifier.
func Transient(err error) error { return mark(ClassTransient, err) }

// Permanent marks err as a definitive rejection.
func Permanent(err error) error { return mark(ClassPermanent, err) }

// StaleKey marks err as caused by a key version that is no longer usable.
func StaleKey(err error) error { return mark(ClassStaleKey, err) }

// classify resolves the class of err. Explicit marks win over the service
// classifier, which wins over the defaults. Unrecognised errors are treated
// as transient and bounded by the retry budget.
func classify(err error, classifiers ...ErrorClassifier) ErrorClass {
	var ce *classifiedError
	if errors.As(err, &ce) {
		return ce.class
	}
	for _, c := range classifiers {
		if c == nil {
			continue
		}
		if class := c.Classify(err); class != ClassUnknown {
			return class
		}
	}
	return defaultClass(err)
}

func defaultClass(err error) ErrorClass {
	switch {
	case errors.Is(err, signing.ErrUnsupportedAlgorithm),
		errors.Is(err, signing.ErrInvalidKey),
		errors.Is(err, signing.ErrRemoteRejected):
		return ClassPermanent
	default:
		// Timeouts, resets and anything unrecognised.
		return ClassTransient
	}
}
