package realtime

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutbox_Push(t *testing.T) {
	o := newOutbox("c1", 4)
	require.NoError(t, o.Push([]byte("hello")))

	data := <-o.Events()
	assert.Equal(t, []byte("hello"), data)
}

func TestOutbox_PushClosed(t *testing.T) {
	o := newOutbox("c1", 4)
	o.Close()
	assert.True(t, o.IsClosed())
	err := o.Push([]byte("fail"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "c1")
}

func TestOutbox_PushFull(t *testing.T) {
	o := newOutbox("c1", 1)
	require.NoError(t, o.Push([]byte("first")))
	err := o.Push([]byte("overflow"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "buffer full")
}

func TestOutbox_CloseIdempotent(t *testing.T) {
	o := newOutbox("c1", 4)
	o.Close()
	o.Close()
	assert.True(t, o.IsClosed())

	_, ok := <-o.Events()
	assert.False(t, ok)
}

func TestOutbox_DefaultBuffer(t *testing.T) {
	o := newOutbox("c1", 0)
	assert.Equal(t, 64, cap(o.events))
}

func TestOutbox_ConcurrentPushAndClose(t *testing.T) {
	o := newOutbox("c1", 8)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = o.Push([]byte("x"))
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		o.Close()
	}()
	wg.Wait()

	n := 0
	for range o.Events() {
		n++
	}
	assert.LessOrEqual(t, n, 8)
}
