package gateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Default per-client limits
const (
	DefaultRequestsPerMinute = 120
	DefaultMaxConcurrent     = 8
)

// Rejection reasons reported by Allow
const (
	reasonRateLimited   = "rate limit exceeded"
	reasonTooConcurrent = "too many concurrent requests"
)

// ClientRateLimiter throttles one client's request rate and caps its
// requests in flight. Long-lived streaming calls such as agent.run count
// against the concurrency cap until they finish.
type ClientRateLimiter struct {
	limiter       *rate.Limiter
	maxConcurrent int

	mu       sync.Mutex
	inFlight int
}

// NewClientRateLimiter creates a limiter. Non-positive values use the defaults.
func NewClientRateLimiter(requestsPerMinute, maxConcurrent int) *ClientRateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = DefaultRequestsPerMinute
	}
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}

	return &ClientRateLimiter{
		limiter:       rate.NewLimiter(rate.Every(time.Minute/time.Duration(requestsPerMinute)), requestsPerMinute),
		maxConcurrent: maxConcurrent,
	}
}

// Acquire admits a request or reports why it was rejected. An admitted
// request must be finished with Release.
func (r *ClientRateLimiter) Acquire() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inFlight >= r.maxConcurrent {
		return false, reasonTooConcurrent
	}
	if !r.limiter.Allow() {
		return false, reasonRateLimited
	}
	r.inFlight++
	return true, ""
}

// Release ends an admitted request
func (r *ClientRateLimiter) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inFlight > 0 {
		r.inFlight--
	}
}

// InFlight returns the number of admitted requests not yet released
func (r *ClientRateLimiter) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inFlight
}
