package singleusecoin

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCoin_SpendOnce(t *testing.T) {
	c := New()
	assert.True(t, c.Spend())
	assert.False(t, c.Spend())
	assert.False(t, c.Spend())
	assert.True(t, c.Spent())
}

func TestCoin_ConcurrentSpend(t *testing.T) {
	c := New()
	const n = 64
	wins := make([]bool, n)

	wg := sync.WaitGroup{}
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			wins[i] = c.Spend()
		}()
	}
	wg.Wait()

	count := 0
	for _, w := range wins {
		if w {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestCoin_NilIsSafe(t *testing.T) {
	var c *Coin
	assert.False(t, c.Spend())
	assert.True(t, c.Spent())
}
