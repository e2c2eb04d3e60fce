package shutdown

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

// Callbacks run in exactly reverse registration order, and a panicking
// callback does not stop later ones from running.
func TestCoordinator_ReverseOrderAndPanicIsolation(t *testing.T) {
	c := New(zap.NewNop())
	c.exitFunc = func(int) {}

	var order []string
	c.AddTeardownCallback("first", func() error {
		order = append(order, "first")
		return nil
	})
	c.AddTeardownCallback("second-panics", func() error {
		order = append(order, "second")
		panic("boom")
	})
	c.AddTeardownCallback("third", func() error {
		order = append(order, "third")
		return errors.New("also fails")
	})

	c.Teardown()

	assert.Equal(t, []string{"third", "second", "first"}, order)
}

// Teardown is idempotent.
func TestCoordinator_TeardownIsIdempotent(t *testing.T) {
	c := New(zap.NewNop())
	c.exitFunc = func(int) {}

	calls := 0
	c.AddTeardownCallback("once", func() error {
		calls++
		return nil
	})

	c.Teardown()
	c.Teardown()
	c.Teardown()

	assert.Equal(t, 1, calls)
}

func TestCoordinator_KillExitsAfterTeardown(t *testing.T) {
	c := New(zap.NewNop())

	var exited bool
	c.exitFunc = func(code int) {
		exited = true
		assert.Equal(t, 0, code)
	}

	ranTeardown := false
	c.AddTeardownCallback("cb", func() error {
		ranTeardown = true
		return nil
	})

	c.Kill()
	assert.True(t, ranTeardown)
	assert.True(t, exited)
}
