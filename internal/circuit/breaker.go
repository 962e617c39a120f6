package circuit

import (
	"fmt"
	"sync"
	"time"
)

// BreakerState represents the circuit breaker state
type BreakerState string

const (
	StateClosed BreakerState = "closed" // Normal operation
	StateOpen   BreakerState = "open"   // Trading halted
)

// BreakerConfig holds circuit breaker configuration
type BreakerConfig struct {
	MaxConsecutiveFailures int `json:"max_consecutive_failures"` // API failures in a row before trip
	CooldownMinutes        int `json:"cooldown_minutes"`         // Halt duration after trip
}

// DefaultBreakerConfig returns safe defaults
func DefaultBreakerConfig() *BreakerConfig {
	return &BreakerConfig{
		MaxConsecutiveFailures: 5,
		CooldownMinutes:        5,
	}
}

// Breaker halts trading after repeated API failures. Any successful API call
// closes it again; an open breaker also closes once its cooldown expires.
type Breaker struct {
	config              *BreakerConfig
	state               BreakerState
	consecutiveFailures int
	lastTripTime        time.Time
	tripReason          string
	mu                  sync.RWMutex
	onTrip              func(reason string)
	onReset             func()
}

// NewBreaker creates a closed breaker.
func NewBreaker(config *BreakerConfig) *Breaker {
	if config == nil {
		config = DefaultBreakerConfig()
	}
	return &Breaker{
		config: config,
		state:  StateClosed,
	}
}

// OnTrip sets the callback invoked when the breaker trips.
func (b *Breaker) OnTrip(handler func(reason string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTrip = handler
}

// OnReset sets the callback invoked when the breaker closes again.
func (b *Breaker) OnReset(handler func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onReset = handler
}

// Allow reports whether trading calls may proceed. An expired cooldown closes
// the breaker as a side effect.
func (b *Breaker) Allow() (bool, string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return true, ""
	}

	cooldown := time.Duration(b.config.CooldownMinutes) * time.Minute
	elapsed := time.Since(b.lastTripTime)
	if elapsed < cooldown {
		remaining := cooldown - elapsed
		return false, fmt.Sprintf("circuit breaker open, cooldown remaining: %v (reason: %s)",
			remaining.Round(time.Second), b.tripReason)
	}

	b.state = StateClosed
	b.consecutiveFailures = 0
	b.tripReason = ""
	if b.onReset != nil {
		go b.onReset()
	}
	return true, ""
}

// RecordFailure counts a failed API call, tripping at the threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	if b.state == StateClosed && b.consecutiveFailures >= b.config.MaxConsecutiveFailures {
		b.state = StateOpen
		b.lastTripTime = time.Now()
		b.tripReason = fmt.Sprintf("consecutive API failures: %d", b.consecutiveFailures)
		if b.onTrip != nil {
			go b.onTrip(b.tripReason)
		}
	}
}

// RecordSuccess resets the failure count and closes an open breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	if b.state == StateOpen {
		b.state = StateClosed
		b.tripReason = ""
		if b.onReset != nil {
			go b.onReset()
		}
	}
}

// ForceReset manually closes the breaker.
func (b *Breaker) ForceReset() {
	b.mu.Lock()
	b.state = StateClosed
	b.consecutiveFailures = 0
	b.tripReason = ""
	handler := b.onReset
	b.mu.Unlock()

	if handler != nil {
		go handler()
	}
}

// GetState returns the current breaker state.
func (b *Breaker) GetState() BreakerState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// GetStats returns current statistics.
func (b *Breaker) GetStats() map[string]interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := map[string]interface{}{
		"state":                string(b.state),
		"consecutive_failures": b.consecutiveFailures,
		"trip_reason":          b.tripReason,
	}
	if !b.lastTripTime.IsZero() {
		stats["last_trip_time"] = b.lastTripTime
	}
	return stats
}
