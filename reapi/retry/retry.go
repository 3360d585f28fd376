// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package retry provides a bounded-exponential retry wrapper for gRPC
// calls, honoring server-hinted RetryInfo delays.
package retry

import (
	"context"
	"math"
	"time"

	errdetails "google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"go.chromium.org/infra/remotecore/o11y/clog"
)

// Policy configures the retry budget for a single call site.
type Policy struct {
	// MaxAttempts is the retry budget N (total attempts, including the
	// first). Zero selects DefaultPolicy.MaxAttempts.
	MaxAttempts int
	// BaseDelay is D; attempt k (0-indexed from the first retry) waits
	// D * 1.6^k absent a server RetryInfo hint.
	BaseDelay time.Duration
	// MaxDelay caps the computed backoff.
	MaxDelay time.Duration
	// NotFoundIsAbsence, when set, returns a NOT_FOUND status as-is
	// (not retried, not escalated) rather than treating it like any
	// other non-OK status. Used for action-cache lookups.
	NotFoundIsAbsence bool
}

// DefaultPolicy mirrors the teacher's gRPC service-config retry policy:
// 5 attempts, 1.6x multiplier, starting at 1s.
var DefaultPolicy = Policy{
	MaxAttempts: 5,
	BaseDelay:   1 * time.Second,
	MaxDelay:    120 * time.Second,
}

const multiplier = 1.6

// retryableCodes is the {UNAVAILABLE, ...} set from the retry design.
var retryableCodes = map[codes.Code]bool{
	codes.Aborted:           true,
	codes.Internal:          true,
	codes.ResourceExhausted: true,
	codes.Unavailable:       true,
	codes.Unknown:           true,
}

func retryable(code codes.Code, attempt int) bool {
	if retryableCodes[code] {
		return true
	}
	switch code {
	case codes.Unauthenticated, codes.PermissionDenied:
		// may be a stale access token; don't retry if it fails on the
		// very first attempt (wrong credential, not expiry).
		return attempt > 1
	}
	return false
}

// Do calls f with DefaultPolicy.
func Do(ctx context.Context, f func() error) error {
	return DoWithPolicy(ctx, DefaultPolicy, func(ctx context.Context) error {
		return f()
	})
}

// DoWithPolicy calls f, retrying with bounded-exponential backoff per p.
// Cancellation is honored before each attempt and during each backoff
// wait; if ctx is canceled mid-attempt, the in-flight attempt is allowed
// to complete, its result is returned, and no further attempts are made.
func DoWithPolicy(ctx context.Context, p Policy, f func(ctx context.Context) error) error {
	if p.MaxAttempts <= 0 {
		p = DefaultPolicy
	}
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		default:
		}
		err := f(ctx)
		if err == nil {
			return nil
		}
		st, _ := status.FromError(err)
		if p.NotFoundIsAbsence && st.Code() == codes.NotFound {
			return err
		}
		lastErr = err
		if ctx.Err() != nil {
			// cancellation raced the attempt; don't retry further.
			return lastErr
		}
		if !retryable(st.Code(), attempt) || attempt == p.MaxAttempts {
			break
		}
		delay := backoffFor(p, attempt, st)
		clog.Warningf(ctx, "retry backoff %s (attempt %d/%d): %v", delay, attempt, p.MaxAttempts, err)
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-time.After(delay):
		}
	}
	return lastErr
}

// backoffFor computes the delay before the next attempt, honoring a
// server-provided RetryInfo verbatim once, on the first failure only.
func backoffFor(p Policy, attempt int, st *status.Status) time.Duration {
	if attempt == 1 {
		if d := retryInfoDelay(st); d > 0 {
			return d
		}
	}
	delay := time.Duration(float64(p.BaseDelay) * math.Pow(multiplier, float64(attempt-1)))
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

func retryInfoDelay(st *status.Status) time.Duration {
	for _, d := range st.Details() {
		if ri, ok := d.(*errdetails.RetryInfo); ok && ri.GetRetryDelay() != nil {
			return ri.GetRetryDelay().AsDuration()
		}
	}
	return 0
}

// IsAbsence reports whether err is the NOT_FOUND status a
// NotFoundIsAbsence policy lets through for an action-cache lookup.
func IsAbsence(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	return ok && st.Code() == codes.NotFound
}
