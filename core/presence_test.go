package core

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresenceLastWriterWins(t *testing.T) {
	p := NewPresence()
	first := newMockHandle("c1", "alice")
	second := newMockHandle("c2", "alice")

	p.Register("alice", first)
	p.Register("alice", second)

	got, ok := p.Resolve("alice")
	require.True(t, ok)
	assert.Equal(t, "c2", got.ID())
	assert.False(t, first.Closed(), "the replaced connection must stay open")
	assert.Equal(t, 1, p.Count())
}

func TestPresenceStaleUnregister(t *testing.T) {
	p := NewPresence()
	first := newMockHandle("c1", "alice")
	second := newMockHandle("c2", "alice")
	p.Register("alice", first)
	p.Register("alice", second)

	assert.False(t, p.Unregister("alice", first), "a stale handle must not remove the current entry")
	assert.True(t, p.IsOnline("alice"))

	assert.True(t, p.Unregister("alice", second))
	assert.False(t, p.IsOnline("alice"))
	assert.False(t, p.Unregister("alice", second))
}

func TestPresenceConcurrentUsers(t *testing.T) {
	p := NewPresence()
	n := 200

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			userID := fmt.Sprintf("user-%d", i)
			p.Register(userID, newMockHandle(fmt.Sprintf("c-%d", i), userID))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, n, p.Count())

	for i := 0; i < n; i++ {
		h, ok := p.Resolve(fmt.Sprintf("user-%d", i))
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("c-%d", i), h.ID())
	}
}
