package race

import "time"

// Clock supplies wall-clock time to components that stamp or age records.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time {
	return time.Now()
}

// NowMillis returns the clock's current time as a Timestamp.
func NowMillis(c Clock) Timestamp {
	return FromTime(c.Now())
}
