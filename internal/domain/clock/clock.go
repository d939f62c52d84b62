// Package clock provides the injectable time source used wherever the gateway
// measures or stamps time. Production code uses System(); tests inject a
// Sequence or Fixed source for deterministic values.
package clock

import (
	"sync"
	"time"
)

// TimeService returns the current time in milliseconds since the Unix epoch.
// Implementations must be safe for concurrent use.
type TimeService interface {
	Now() int64
}

// Func adapts an ordinary function to a TimeService.
type Func func() int64

// Now calls f().
func (f Func) Now() int64 { return f() }

type systemTime struct{}

func (systemTime) Now() int64 { return time.Now().UnixMilli() }

// System returns the wall-clock time service.
func System() TimeService { return systemTime{} }

// Fixed returns a time service that always reports ms.
func Fixed(ms int64) TimeService {
	return Func(func() int64 { return ms })
}

// Since returns the milliseconds elapsed between past and ts.Now().
func Since(ts TimeService, past int64) int64 {
	return ts.Now() - past
}

// ToTime converts a millisecond timestamp into a UTC time.Time.
func ToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// Sequence replays a fixed list of timestamps, one per call. Once exhausted
// it keeps returning the last value.
type Sequence struct {
	mu     sync.Mutex
	values []int64
	calls  int
}

// NewSequence returns a Sequence replaying values.
func NewSequence(values ...int64) *Sequence {
	return &Sequence{values: values}
}

// Now returns the next value of the sequence.
func (s *Sequence) Now() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.values) == 0 {
		return 0
	}
	i := s.calls - 1
	if i >= len(s.values) {
		i = len(s.values) - 1
	}
	return s.values[i]
}

// Calls returns how many times Now has been called.
func (s *Sequence) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

var _ TimeService = (*Sequence)(nil)
