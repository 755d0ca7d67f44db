// SPDX-FileCopyrightText: © 2025 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package retry provides shared retry logic with exponential backoff.
package retry

import (
	"errors"
	"math"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/rand"
)

// Default retry configuration constants
const (
	// DefaultBaseDelay is the default base delay between retries
	DefaultBaseDelay = 5 * time.Second

	// DefaultMaxDelay is the default maximum delay between retries
	DefaultMaxDelay = 5 * time.Minute

	// DefaultJitter is the default jitter factor (0.0 to 1.0)
	DefaultJitter = 0.2
)

// Delay calculates the delay for a given retry attempt using exponential
// backoff with jitter.
func Delay(baseDelay, maxDelay time.Duration, jitter float64, attempt int) time.Duration {
	delay := float64(baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}

	if jitter > 0 {
		r := rand.NewMath()
		delay *= 1 - jitter + r.Float64()*2*jitter
	}

	return time.Duration(delay)
}

// Backoff tracks consecutive failures of a single operation and yields the
// delay before the next attempt.  It is safe for concurrent use.
type Backoff struct {
	sync.Mutex

	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    float64

	attempt int
}

// Next records a failure and returns how long to wait before retrying.
func (b *Backoff) Next() time.Duration {
	b.Lock()
	defer b.Unlock()

	base, max := b.BaseDelay, b.MaxDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if max <= 0 {
		max = DefaultMaxDelay
	}
	d := Delay(base, max, b.Jitter, b.attempt)
	if d < max {
		b.attempt++
	}
	return d
}

// Reset clears the failure count after a success.
func (b *Backoff) Reset() {
	b.Lock()
	defer b.Unlock()
	b.attempt = 0
}

// Attempts returns the number of consecutive failures recorded.
func (b *Backoff) Attempts() int {
	b.Lock()
	defer b.Unlock()
	return b.attempt
}

// IsTransientError returns true if the error is likely transient and worth
// retrying, such as network timeouts or a refused or reset connection.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	transientPatterns := []string{
		"connection refused",
		"connection reset",
		"connection timed out",
		"timeout",
		"temporary failure",
		"no route to host",
		"network is unreachable",
		"eof",
		"broken pipe",
		"connection closed",
	}
	lowerErr := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(lowerErr, pattern) {
			return true
		}
	}
	return false
}
