package transport

import "time"

// Backoff decides how long a stalled send sleeps before retry attempt n,
// counting from 0.
type Backoff interface {
	Delay(attempt int) time.Duration
}

// ExponentialBackoff doubles from Min up to Max.
type ExponentialBackoff struct {
	Min time.Duration
	Max time.Duration
}

var DefaultBackoff Backoff = ExponentialBackoff{
	Min: time.Millisecond,
	Max: 100 * time.Millisecond,
}

func (b ExponentialBackoff) Delay(attempt int) time.Duration {
	d := b.Min << min(attempt, 30)

	if d <= 0 || d > b.Max {
		return b.Max
	}

	return d
}

// stall tracks one send's wait for memory and rate-limits its log lines.
type stall struct {
	t       *Transport
	attempt int
	since   time.Time
	logged  time.Time
}

func (s *stall) wait(reason string, args ...any) {
	now := time.Now()

	if s.attempt == 0 {
		s.since, s.logged = now, now
		s.t.log.Debug(reason, args...)
	} else if now.Sub(s.logged) >= s.t.logEvery {
		s.logged = now
		s.t.log.Warn(reason, append(args, "waited", now.Sub(s.since).Round(time.Millisecond))...)
	}

	time.Sleep(s.t.backoff.Delay(s.attempt))
	s.attempt++
}
