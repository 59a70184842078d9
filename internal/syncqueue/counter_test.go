package syncqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPendingCounterSubscribe(t *testing.T) {
	c := newPendingCounter()
	ch, cancel := c.Subscribe()
	assert.Equal(t, 0, <-ch, "subscribers get the current value first")

	c.set(2)
	c.set(5)
	assert.Equal(t, 5, <-ch, "only the newest value is kept")
	assert.Equal(t, 5, c.Value())

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)

	c.set(7) // no panic on a cancelled subscriber
	assert.Equal(t, 7, c.Value())
}

func TestPendingCounterNoDuplicateNotifications(t *testing.T) {
	c := newPendingCounter()
	ch, cancel := c.Subscribe()
	defer cancel()
	<-ch
	c.set(0)
	select {
	case v := <-ch:
		t.Fatalf("unexpected notification %d", v)
	default:
	}
}
