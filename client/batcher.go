package client

import (
	"sync"
	"time"
)

// NewBatcher returns an intake function that coalesces items into
// time-windowed batches. The first item after an idle period arms a timer
// for window; when it fires, everything accumulated so far is handed to
// flush as one slice in arrival order and the timer is cleared, so the next
// intake arms a fresh window. Every item reaches flush exactly once, and
// flush invocations never overlap: a flush that outlasts the window delays
// the next batch instead of racing it.
func NewBatcher[T any](flush func([]T), window time.Duration, clk Clock) func(T) {
	if clk == nil {
		clk = SystemClock
	}
	var mu sync.Mutex
	var flushMu sync.Mutex
	var buf []T
	armed := false
	return func(item T) {
		mu.Lock()
		defer mu.Unlock()
		buf = append(buf, item)
		if armed {
			return
		}
		armed = true
		clk.AfterFunc(window, func() {
			// The buffer is drained under flushMu so a timer that waited out
			// a slow flush picks up everything queued in the meantime, and
			// items still reach flush in arrival order.
			flushMu.Lock()
			defer flushMu.Unlock()
			mu.Lock()
			batch := buf
			buf = nil
			armed = false
			mu.Unlock()
			if len(batch) == 0 {
				return
			}
			flush(batch)
		})
	}
}
