package server

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterLookupUnregister(t *testing.T) {
	registry := NewRegistry()
	session, _ := newFakeSession("alice")

	require.NoError(t, registry.Register(session))
	assert.Same(t, session, registry.Lookup("alice"))
	assert.Equal(t, 1, registry.Count())

	registry.Unregister(session)
	assert.Nil(t, registry.Lookup("alice"))
	assert.Equal(t, 0, registry.Count())
}

func TestRegisterDuplicateRejected(t *testing.T) {
	registry := NewRegistry()
	first, _ := newFakeSession("alice")
	second, _ := newFakeSession("alice")

	require.NoError(t, registry.Register(first))
	assert.ErrorIs(t, registry.Register(second), ErrUsernameTaken)
	assert.Same(t, first, registry.Lookup("alice"))
}

func TestConcurrentRegistrationSingleWinner(t *testing.T) {
	registry := NewRegistry()
	const contenders = 32

	var wins int32
	wg := sync.WaitGroup{}
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			session, _ := newFakeSession("alice")
			if registry.Register(session) == nil {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
	assert.Equal(t, 1, registry.Count())
}

func TestStaleUnregisterKeepsSuccessor(t *testing.T) {
	registry := NewRegistry()
	old, _ := newFakeSession("alice")
	require.NoError(t, registry.Register(old))
	registry.Unregister(old)

	successor, _ := newFakeSession("alice")
	require.NoError(t, registry.Register(successor))

	// The dead handler finishing its teardown late must not evict the
	// successor.
	registry.Unregister(old)
	assert.Same(t, successor, registry.Lookup("alice"))
}

func TestListOnlineSorted(t *testing.T) {
	registry := NewRegistry()
	for _, name := range []string{"mallory", "alice", "bob"} {
		session, _ := newFakeSession(name)
		require.NoError(t, registry.Register(session))
	}
	assert.Equal(t, []string{"alice", "bob", "mallory"}, registry.ListOnline())
}

func TestVisitSeesEverySession(t *testing.T) {
	registry := NewRegistry()
	for i := 0; i < 5; i++ {
		session, _ := newFakeSession(fmt.Sprintf("user%d", i))
		require.NoError(t, registry.Register(session))
	}
	seen := 0
	registry.Visit(func(*Session) { seen++ })
	assert.Equal(t, 5, seen)
}
