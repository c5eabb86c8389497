package notifyflow

import "time"

// Clock abstracts the wall clock so schedules can be tested.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC().Round(time.Microsecond) }

// SystemClock is the default UTC clock, rounded to what the SQL stores keep.
var SystemClock Clock = systemClock{}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }
