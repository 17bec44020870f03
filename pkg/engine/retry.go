// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrRetriesExhausted is wrapped by the error Do returns after the last
// allowed attempt failed.
var ErrRetriesExhausted = errors.New("retries exhausted")

// =============================================================================
// Backoff Functions
// =============================================================================

// BackoffFunc returns the delay before retry number retry (1-based).
type BackoffFunc func(retry int) time.Duration

// Linear waits retry * step: 1s, 2s, 3s for step=1s.
func Linear(step time.Duration) BackoffFunc {
	return func(retry int) time.Duration {
		return time.Duration(retry) * step
	}
}

// Exponential waits initial * 2^(retry-1), capped at ceiling.
func Exponential(initial, ceiling time.Duration) BackoffFunc {
	return func(retry int) time.Duration {
		if retry < 1 {
			retry = 1
		}
		d := initial
		for i := 1; i < retry; i++ {
			d *= 2
			if d >= ceiling {
				return ceiling
			}
		}
		if d > ceiling {
			return ceiling
		}
		return d
	}
}

// =============================================================================
// Retry Policy
// =============================================================================

// RetryPolicy drives the send loop.
//
// # Description
//
// The first attempt runs immediately. After each failure the onFailure
// callback runs, then the policy sleeps Backoff(retry) and tries again, up
// to MaxRetries retries. Context cancellation ends the loop at once and is
// not counted as a failure.
//
// The counter lives in Do's stack frame, so every outer call starts from
// zero.
//
// # Defaults
//
// DefaultRetryPolicy: 3 retries, linear 1s step.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// Backoff computes the delay before each retry. Nil means Linear(1s).
	Backoff BackoffFunc

	// Sleep waits for d or until ctx is done. Nil means SleepContext.
	// Tests replace it to avoid real delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy returns 3 retries with a linear 1s step.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		Backoff:    Linear(time.Second),
		Sleep:      SleepContext,
	}
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do runs attempt until it succeeds, the budget is spent or ctx ends.
//
// # Inputs
//
//   - attempt: Receives the zero-based attempt number.
//   - onFailure: Called after every failed attempt, before any backoff.
//     May be nil.
//
// # Outputs
//
//   - int: Attempts made.
//   - error: nil, ctx.Err(), or an error wrapping both ErrRetriesExhausted
//     and the last attempt's error.
func (p RetryPolicy) Do(ctx context.Context, attempt func(ctx context.Context, n int) error, onFailure func(n int, err error)) (int, error) {
	backoff := p.Backoff
	if backoff == nil {
		backoff = Linear(time.Second)
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepContext
	}
	maxRetries := p.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	for n := 0; ; n++ {
		if err := ctx.Err(); err != nil {
			return n, err
		}

		err := attempt(ctx, n)
		if err == nil {
			return n + 1, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return n + 1, ctxErr
		}

		if onFailure != nil {
			onFailure(n, err)
		}
		if n >= maxRetries {
			return n + 1, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, n+1, err)
		}
		if err := sleep(ctx, backoff(n+1)); err != nil {
			return n + 1, err
		}
	}
}
