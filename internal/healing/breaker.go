package healing

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

const (
	breakerInterval = 1 * time.Hour // closed-state failure counts reset hourly
	breakerTimeout  = 2 * time.Hour // open -> half-open after this long
	breakerTrips    = 3             // failures within the interval before opening
)

// BreakerSet holds one circuit breaker per (host, check_type) bucket. Three
// failed remediations within an hour open the bucket for two hours; while
// open, attempts are deferred instead of executed.
type BreakerSet struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewBreakerSet() *BreakerSet {
	return &BreakerSet{breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

func bucketKey(host, checkType string) string {
	return host + "|" + checkType
}

func (b *BreakerSet) get(host, checkType string) *gobreaker.CircuitBreaker {
	key := bucketKey(host, checkType)

	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.breakers[key]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: 1,
		Interval:    breakerInterval,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.TotalFailures >= breakerTrips
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("[breaker] %s: %s -> %s", name, from, to)
		},
	})
	b.breakers[key] = cb
	return cb
}

// Execute runs fn through the bucket's breaker. When the bucket is open the
// function is not called and ErrBucketOpen is returned.
func (b *BreakerSet) Execute(host, checkType string, fn func() (interface{}, error)) (interface{}, error) {
	out, err := b.get(host, checkType).Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrBucketOpen
	}
	return out, err
}

// State reports the bucket's breaker state without creating one.
func (b *BreakerSet) State(host, checkType string) gobreaker.State {
	b.mu.Lock()
	cb, ok := b.breakers[bucketKey(host, checkType)]
	b.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}

// ErrBucketOpen means the (host, check_type) bucket's breaker refused the
// attempt. The classifier maps it to a deferred outcome.
var ErrBucketOpen = errors.New("remediation bucket open")
