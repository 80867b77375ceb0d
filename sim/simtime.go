package sim

import (
	"fmt"
	"math"
	"time"
)

// SimTime is a point on the simulated timeline, counted in nanoseconds from
// the plan epoch. Durations are regular time.Duration values, so repeated
// addition is exact integer arithmetic and never drifts.
type SimTime int64

// Epoch is the origin of the simulated timeline.
const Epoch SimTime = 0

// TimeNever is later than every reachable simulated time.
const TimeNever SimTime = math.MaxInt64

// Add returns the time d after t.
func (t SimTime) Add(d time.Duration) SimTime {
	return t + SimTime(d)
}

// Sub returns the duration from o to t.
func (t SimTime) Sub(o SimTime) time.Duration {
	return time.Duration(t - o)
}

// Before reports whether t is strictly earlier than o.
func (t SimTime) Before(o SimTime) bool {
	return t < o
}

// After reports whether t is strictly later than o.
func (t SimTime) After(o SimTime) bool {
	return t > o
}

// Seconds returns the time as a floating-point number of seconds since the
// epoch. It is meant for logging and display only; ordering and arithmetic
// always use the integer representation.
func (t SimTime) Seconds() float64 {
	return float64(t) / float64(time.Second)
}

func (t SimTime) String() string {
	if t == TimeNever {
		return "never"
	}

	return fmt.Sprintf("%.9f", t.Seconds())
}
