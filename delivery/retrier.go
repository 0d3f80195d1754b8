package delivery

import "time"

// Decision is the outcome of evaluating a delivery attempt.
type Decision int

const (
	// Succeeded means the receiver acknowledged the delivery (2xx).
	Succeeded Decision = iota

	// Retry means the delivery should be re-attempted after a backoff.
	Retry

	// Fail means the delivery has exhausted its attempt budget.
	Fail
)

// DefaultSchedule is the fixed backoff table applied between attempts:
// 60s after the first failure, 5 minutes after the second, 15 minutes after
// the third and every failure beyond it.
var DefaultSchedule = []time.Duration{
	60 * time.Second,
	5 * time.Minute,
	15 * time.Minute,
}

// Result holds the outcome of a single delivery attempt.
type Result struct {
	StatusCode int
	Error      string
	Response   string
	LatencyMs  int
}

// Success reports whether the attempt got a 2xx response.
func (r Result) Success() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Retrier decides what to do after a delivery attempt.
//
// Any non-2xx outcome — error status, network failure, timeout — retries
// until the attempt budget is spent. Receivers that are permanently broken
// are handled by the subscription's consecutive-failure auto-disable, not by
// classifying individual status codes.
type Retrier struct {
	schedule []time.Duration
}

// NewRetrier creates a retrier with the given backoff schedule.
// A nil schedule selects DefaultSchedule.
func NewRetrier(schedule []time.Duration) *Retrier {
	if len(schedule) == 0 {
		schedule = DefaultSchedule
	}
	return &Retrier{schedule: schedule}
}

// Decide determines what to do with a delivery after an attempt.
// AttemptCount must already include the attempt being evaluated.
func (r *Retrier) Decide(res Result, d *Delivery) Decision {
	if res.Success() {
		return Succeeded
	}
	if d.AttemptCount < d.MaxAttempts {
		return Retry
	}
	return Fail
}

// NextAttempt returns the time of the next attempt after the given number of
// failures. Failures beyond the schedule reuse its last interval.
func (r *Retrier) NextAttempt(failures int) time.Time {
	idx := failures - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(r.schedule) {
		idx = len(r.schedule) - 1
	}
	return time.Now().UTC().Add(r.schedule[idx])
}
