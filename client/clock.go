// Package client consumes the simulator's broadcast channel from the
// dashboard side: a reconnecting WebSocket channel, a batching relay, the
// reconciliation store the UI reads, and the reboot commander. The store is
// the single source of truth; everything else feeds it.
package client

import "time"

// Clock abstracts timer scheduling so the reconnect backoff and the batch
// window are driven by an injectable source in tests instead of wall-clock
// sleeps.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a stoppable pending callback.
type Timer interface {
	Stop() bool
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// SystemClock is the wall-clock implementation used outside tests.
var SystemClock Clock = systemClock{}
