package notify_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/humus/pkg/notify"
)

func TestHub_DeliversInOrder(t *testing.T) {
	hub := notify.NewHub[int]("test", nil)
	defer hub.Close()

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	hub.Add(func(v int) {
		mu.Lock()
		got = append(got, v)
		n := len(got)
		mu.Unlock()
		if n == 100 {
			close(done)
		}
	})

	for i := 0; i < 100; i++ {
		hub.Publish(i)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for deliveries")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestHub_NoRetroactiveDelivery(t *testing.T) {
	hub := notify.NewHub[string]("test", nil)

	first := make(chan string, 4)
	hub.Add(func(v string) { first <- v })
	hub.Publish("before")

	late := make(chan string, 4)
	hub.Add(func(v string) { late <- v })
	hub.Publish("after")

	hub.Close()

	assert.Equal(t, "before", <-first)
	assert.Equal(t, "after", <-first)
	assert.Equal(t, "after", <-late)
	assert.Len(t, late, 0)
}

func TestHub_RemoveIsIdempotent(t *testing.T) {
	hub := notify.NewHub[int]("test", nil)
	defer hub.Close()

	token := hub.Add(func(int) {})
	assert.Equal(t, 1, hub.Len())
	assert.True(t, hub.Remove(token))
	assert.False(t, hub.Remove(token))
	assert.Equal(t, 0, hub.Len())
}

func TestHub_ListenerPanicDoesNotStopDispatch(t *testing.T) {
	hub := notify.NewHub[int]("test", nil)

	received := make(chan int, 2)
	hub.Add(func(v int) {
		if v == 1 {
			panic("boom")
		}
		received <- v
	})
	hub.Publish(1)
	hub.Publish(2)
	hub.Close()

	assert.Equal(t, 2, <-received)
}

func TestDispatcher_RejectsAfterClose(t *testing.T) {
	d := notify.NewDispatcher("test", nil)
	ran := make(chan struct{}, 1)
	require.True(t, d.Enqueue(func() { ran <- struct{}{} }))
	d.Close()
	<-ran
	assert.False(t, d.Enqueue(func() {}))
	d.Close()
}
