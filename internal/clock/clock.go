// Package clock abstracts wall-clock reads and waits so expiry and
// rotation logic can be driven deterministically in tests.
package clock

import "time"

// Clock is the time source injected into services and the scheduler.
type Clock interface {
	Now() time.Time
	// After returns a channel that receives once d has elapsed. A
	// non-positive d fires immediately.
	After(d time.Duration) <-chan time.Time
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
