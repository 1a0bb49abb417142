package ws

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendQueueFIFO(t *testing.T) {
	q := newSendQueue(8)
	q.push([]byte("a"), false)
	q.push([]byte("b"), false)

	ctx := context.Background()
	d1, ok := q.pop(ctx)
	require.True(t, ok)
	d2, ok := q.pop(ctx)
	require.True(t, ok)
	assert.Equal(t, "a", string(d1))
	assert.Equal(t, "b", string(d2))
}

func TestSendQueueEvictsOldestNonCritical(t *testing.T) {
	q := newSendQueue(4)
	for i := 0; i < 4; i++ {
		q.push([]byte("f"+strconv.Itoa(i)), false)
	}
	// A critical push into a full queue displaces the oldest non-critical
	// frame rather than being dropped.
	assert.True(t, q.push([]byte("logout"), true))

	ctx := context.Background()
	var got []string
	for i := 0; i < 4; i++ {
		d, ok := q.pop(ctx)
		require.True(t, ok)
		got = append(got, string(d))
	}
	assert.Equal(t, []string{"f1", "f2", "f3", "logout"}, got)
	assert.Equal(t, uint64(1), q.droppedCount())
}

func TestSendQueueDropsNonCriticalWhenFullOfCritical(t *testing.T) {
	q := newSendQueue(2)
	require.True(t, q.push([]byte("c1"), true))
	require.True(t, q.push([]byte("c2"), true))

	assert.False(t, q.push([]byte("noise"), false))
	assert.Equal(t, 2, q.len())
}

func TestSendQueueNonCriticalOverflowDropsOldest(t *testing.T) {
	q := newSendQueue(2)
	q.push([]byte("old"), false)
	q.push([]byte("mid"), false)
	assert.True(t, q.push([]byte("new"), false))

	ctx := context.Background()
	d, _ := q.pop(ctx)
	assert.Equal(t, "mid", string(d))
}

func TestSendQueueCloseFlushesRemaining(t *testing.T) {
	q := newSendQueue(8)
	q.push([]byte("a"), false)
	q.close()
	assert.False(t, q.push([]byte("late"), true))

	ctx := context.Background()
	d, ok := q.pop(ctx)
	require.True(t, ok)
	assert.Equal(t, "a", string(d))
	_, ok = q.pop(ctx)
	assert.False(t, ok)
}

func TestSendQueuePopBlocksUntilPush(t *testing.T) {
	q := newSendQueue(8)
	done := make(chan string, 1)
	go func() {
		d, ok := q.pop(context.Background())
		if ok {
			done <- string(d)
		}
	}()
	time.Sleep(20 * time.Millisecond)
	q.push([]byte("x"), false)

	select {
	case v := <-done:
		assert.Equal(t, "x", v)
	case <-time.After(time.Second):
		t.Fatal("pop did not wake up")
	}
}

func TestSendQueuePopHonorsContext(t *testing.T) {
	q := newSendQueue(8)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, ok := q.pop(ctx)
	assert.False(t, ok)
}
