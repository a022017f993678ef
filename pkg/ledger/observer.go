package ledger

import "time"

// Observer receives the outcome of every mutating operation. Implementations
// must not block. They run after the record's key is released.
type Observer interface {
	Observe(op string, err error)
}

// NopObserver discards observations.
type NopObserver struct{}

func (NopObserver) Observe(string, error) {}

// Clock returns the current time. Stores truncate to microseconds to match
// PostgreSQL TIMESTAMPTZ precision.
type Clock func() time.Time

// Now is the default Clock.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
