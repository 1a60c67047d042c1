package dhcp6

import "time"

// Clock is the engine's time source. Every place that would otherwise
// call time.Now() directly goes through a Clock so retransmission jitter
// and lease-expiry tests can run against a fake one.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the default Clock, backed by time.Now()'s monotonic
// reading.
var SystemClock Clock = systemClock{}
