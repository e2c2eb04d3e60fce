// Package singleusecoin provides a one-shot atomic guard: a single
// "spend" that succeeds exactly once, used to serialize build teardown
// across any number of concurrent callers without sprinkling a
// mutex-guarded boolean at every call site.
package singleusecoin

import "go.uber.org/atomic"

// Coin may be spent exactly once. The zero value is unspent.
type Coin struct {
	spent atomic.Bool
}

// New returns a fresh, unspent Coin.
func New() *Coin {
	return &Coin{}
}

// Spend attempts to spend the coin. It returns true for exactly one
// caller across any number of concurrent invocations, and false for
// every other caller (including ones that race the winner).
func (c *Coin) Spend() bool {
	if c == nil {
		return false
	}
	return c.spent.CompareAndSwap(false, true)
}

// Spent reports whether the coin has already been spent.
func (c *Coin) Spent() bool {
	if c == nil {
		return true
	}
	return c.spent.Load()
}
