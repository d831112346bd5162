package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pan/internal/shared/logger"
)

func TestEmit_DeliversToAllSubscribers(t *testing.T) {
	b := New(logger.NewLogger())

	var wg sync.WaitGroup
	wg.Add(2)
	var mu sync.Mutex
	var got []any

	for i := 0; i < 2; i++ {
		b.Subscribe("test:event", func(payload any) {
			mu.Lock()
			got = append(got, payload)
			mu.Unlock()
			wg.Done()
		})
	}

	b.Emit("test:event", "hello")
	wg.Wait()

	assert.Equal(t, []any{"hello", "hello"}, got)
}

func TestEmit_RegistrationOrderWithinOneEmit(t *testing.T) {
	b := New(logger.NewLogger())

	done := make(chan struct{})
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		b.Subscribe("ordered", func(any) {
			order = append(order, i)
			if i == 4 {
				close(done)
			}
		})
	}

	b.Emit("ordered", nil)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handlers did not run")
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestEmit_OffPublisherStack(t *testing.T) {
	b := New(logger.NewLogger())

	blocked := make(chan struct{})
	b.Subscribe("slow", func(any) {
		<-blocked
	})

	start := time.Now()
	b.Emit("slow", nil)
	require.Less(t, time.Since(start), 100*time.Millisecond, "Emit must not wait for handlers")
	close(blocked)
}

func TestEmit_PanicDoesNotStarveSiblings(t *testing.T) {
	b := New(logger.NewLogger())

	done := make(chan struct{})
	b.Subscribe("boom", func(any) {
		panic("handler exploded")
	})
	b.Subscribe("boom", func(any) {
		close(done)
	})

	b.Emit("boom", nil)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second handler never ran after sibling panic")
	}
}

func TestEmit_NoSubscribers(t *testing.T) {
	b := New(logger.NewLogger())
	assert.NotPanics(t, func() { b.Emit("nobody:listens", 42) })
}
