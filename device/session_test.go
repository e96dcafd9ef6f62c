package device

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotGetTakesReference(t *testing.T) {
	var slot sessionSlot

	assert.Nil(t, slot.Get())

	sess := newSession(":1.1", "alice")
	require.True(t, slot.Replace(nil, sess))
	assert.Equal(t, int32(1), sess.Refs())

	got := slot.Get()
	require.Same(t, sess, got)
	assert.Equal(t, int32(2), sess.Refs())
	got.Unref()
	assert.Equal(t, int32(1), sess.Refs())
}

func TestSlotReplaceArbitrates(t *testing.T) {
	var slot sessionSlot

	first := newSession(":1.1", "alice")
	second := newSession(":1.2", "bob")

	require.True(t, slot.Replace(nil, first))

	// A second installer loses: the slot no longer holds nil.
	assert.False(t, slot.Replace(nil, second))
	assert.Same(t, first, slot.Peek())

	// Teardown requires naming the session being torn down.
	assert.False(t, slot.Replace(second, nil))
	require.True(t, slot.Replace(first, nil))
	assert.Nil(t, slot.Peek())
	assert.Equal(t, int32(0), first.Refs())
}

func TestSlotConcurrentReaders(t *testing.T) {
	var slot sessionSlot
	sess := newSession(":1.1", "alice")
	require.True(t, slot.Replace(nil, sess))

	// Hammer Get/Unref against a swap; every reader must observe either
	// the old session or nil, never a torn state.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				if got := slot.Get(); got != nil {
					assert.Same(t, sess, got)
					got.Unref()
				}
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		slot.Replace(sess, nil)
	}()
	wg.Wait()

	assert.Nil(t, slot.Peek())
}
