// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestDoSucceedsAfterRetries(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	calls := 0
	err := DoWithPolicy(context.Background(), p, func(context.Context) error {
		calls++
		if calls < 3 {
			return status.Error(codes.Unavailable, "transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("DoWithPolicy: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls=%d; want 3", calls)
	}
}

func TestDoExhaustion(t *testing.T) {
	p := Policy{MaxAttempts: 2, BaseDelay: time.Millisecond}
	calls := 0
	err := DoWithPolicy(context.Background(), p, func(context.Context) error {
		calls++
		return status.Error(codes.Unavailable, "always fails")
	})
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
	if calls != 2 {
		t.Errorf("calls=%d; want 2", calls)
	}
}

func TestDoNonRetryableFailsFast(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: time.Millisecond}
	calls := 0
	err := DoWithPolicy(context.Background(), p, func(context.Context) error {
		calls++
		return status.Error(codes.InvalidArgument, "bad request")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls=%d; want 1 (no retry for InvalidArgument)", calls)
	}
}

func TestDoUnauthenticatedRetriesOnlyAfterFirstAttempt(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	calls := 0
	err := DoWithPolicy(context.Background(), p, func(context.Context) error {
		calls++
		return status.Error(codes.Unauthenticated, "token expired")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls=%d; want 1 (unauthenticated on first call is not retried)", calls)
	}
}

func TestDoRespectsCancellation(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := DoWithPolicy(ctx, p, func(context.Context) error {
		calls++
		cancel()
		return status.Error(codes.Unavailable, "transient")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls=%d; want 1 (cancellation mid-attempt stops retries)", calls)
	}
}

func TestIsAbsence(t *testing.T) {
	if IsAbsence(nil) {
		t.Error("IsAbsence(nil) = true")
	}
	if !IsAbsence(status.Error(codes.NotFound, "no such action")) {
		t.Error("IsAbsence(NotFound) = false")
	}
	if IsAbsence(errors.New("plain error")) {
		t.Error("IsAbsence(plain) = true")
	}
}
