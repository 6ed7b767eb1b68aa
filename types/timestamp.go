package types

import (
	"time"
)

// Timestamp is a unix timestamp in seconds. The zero value means "never"
// when used as a deadline.
type Timestamp int64

// Now returns the current time as a Timestamp.
func Now() Timestamp {
	return Timestamp(time.Now().Unix())
}

// Add returns the timestamp shifted by d.
func (t Timestamp) Add(d time.Duration) Timestamp {
	return t + Timestamp(d/time.Second)
}

// IsNever reports whether the timestamp is the zero "never" deadline.
func (t Timestamp) IsNever() bool {
	return t == 0
}

// Before reports whether t is strictly earlier than u. A "never" deadline is
// after everything.
func (t Timestamp) Before(u Timestamp) bool {
	if t.IsNever() {
		return false
	}
	if u.IsNever() {
		return true
	}
	return t < u
}

// Expired reports whether the deadline t has passed at time now.
func (t Timestamp) Expired(now Timestamp) bool {
	return !t.IsNever() && t < now
}

// Time converts the timestamp to a time.Time.
func (t Timestamp) Time() time.Time {
	return time.Unix(int64(t), 0)
}
