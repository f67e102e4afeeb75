package collab

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestCoalescerCollapsesBurst(t *testing.T) {
	var mutex sync.Mutex
	flushed := []string{}
	coalescer := NewCoalescer(100*time.Millisecond, func(value string) {
		mutex.Lock()
		flushed = append(flushed, value)
		mutex.Unlock()
	})
	defer coalescer.Close()

	// a steady burst faster than the window, then silence
	for i := 0; i < 25; i += 1 {
		coalescer.Set(fmt.Sprintf("v%d", i))
		time.Sleep(10 * time.Millisecond)
	}

	waitFor(t, 2*time.Second, func() bool {
		mutex.Lock()
		defer mutex.Unlock()
		return 1 <= len(flushed)
	})
	holdFor(t, 300*time.Millisecond, func() bool {
		mutex.Lock()
		defer mutex.Unlock()
		return len(flushed) == 1
	})

	mutex.Lock()
	defer mutex.Unlock()
	assert.Equal(t, []string{"v24"}, flushed)
}

func TestCoalescerSeparateQuietPeriods(t *testing.T) {
	var mutex sync.Mutex
	flushed := []string{}
	coalescer := NewCoalescer(30*time.Millisecond, func(value string) {
		mutex.Lock()
		flushed = append(flushed, value)
		mutex.Unlock()
	})
	defer coalescer.Close()

	coalescer.Set("a")
	waitFor(t, time.Second, func() bool {
		mutex.Lock()
		defer mutex.Unlock()
		return len(flushed) == 1
	})
	coalescer.Set("b")
	waitFor(t, time.Second, func() bool {
		mutex.Lock()
		defer mutex.Unlock()
		return len(flushed) == 2
	})

	mutex.Lock()
	defer mutex.Unlock()
	assert.Equal(t, []string{"a", "b"}, flushed)
}

func TestCoalescerCloseDropsPending(t *testing.T) {
	var mutex sync.Mutex
	flushCount := 0
	coalescer := NewCoalescer(30*time.Millisecond, func(value string) {
		mutex.Lock()
		flushCount += 1
		mutex.Unlock()
	})

	coalescer.Set("pending")
	coalescer.Close()
	// sets after close are dropped too
	coalescer.Set("late")

	holdFor(t, 200*time.Millisecond, func() bool {
		mutex.Lock()
		defer mutex.Unlock()
		return flushCount == 0
	})
}
