package ratelimit

import "time"

// Clock abstracts time.Now so rate limiting and liveness logic can be tested
// deterministically.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
