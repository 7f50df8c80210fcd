package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailbox_FIFO(t *testing.T) {
	mb := newMailbox()
	mb.Push("first")
	mb.Push("second")
	mb.Push("third")
	assert.Equal(t, 3, mb.Len())

	for _, want := range []string{"first", "second", "third"} {
		got, ok := mb.Wait(context.Background())
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, 0, mb.Len())
}

func TestMailbox_WaitBlocksUntilPush(t *testing.T) {
	mb := newMailbox()

	got := make(chan string, 1)
	go func() {
		msg, ok := mb.Wait(context.Background())
		if ok {
			got <- msg
		}
	}()

	time.Sleep(20 * time.Millisecond)
	mb.Push("hello")

	select {
	case msg := <-got:
		assert.Equal(t, "hello", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after Push")
	}
}

func TestMailbox_WaitCancelled(t *testing.T) {
	mb := newMailbox()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan bool, 1)
	go func() {
		_, ok := mb.Wait(ctx)
		done <- ok
	}()

	cancel()
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after cancellation")
	}
}

func TestMailbox_SignalSurvivesBatchedPushes(t *testing.T) {
	// Two pushes while nobody waits must still hand out both messages.
	mb := newMailbox()
	mb.Push("a")
	mb.Push("b")

	msg, ok := mb.Wait(context.Background())
	require.True(t, ok)
	assert.Equal(t, "a", msg)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok = mb.Wait(ctx)
	require.True(t, ok)
	assert.Equal(t, "b", msg)
}
