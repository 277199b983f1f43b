package l2planner

import (
	"fmt"
	"sync"
	"time"
)

// Local price estimate for the sidecar's model, per million tokens. The
// control plane tracks authoritative spend; these keep the appliance-side
// ceiling honest between checkins.
const (
	InputPricePerMTok  = 0.80
	OutputPricePerMTok = 4.00
)

// BudgetConfig bounds what the appliance may spend on L2 calls.
type BudgetConfig struct {
	DailyBudgetUSD     float64
	MaxCallsPerHour    int
	MaxConcurrentCalls int
}

func DefaultBudgetConfig() BudgetConfig {
	return BudgetConfig{
		DailyBudgetUSD:     10.00,
		MaxCallsPerHour:    60,
		MaxConcurrentCalls: 3,
	}
}

// BudgetTracker enforces the daily USD ceiling, the hourly call cap, and
// the concurrency limit for L2 planning calls. The daily window rolls at
// UTC midnight; the hourly window resets one hour after it last emptied.
type BudgetTracker struct {
	limits BudgetConfig
	sem    chan struct{}

	mu          sync.Mutex
	spentToday  float64
	today       string // UTC YYYY-MM-DD the spend belongs to
	callsInHour int
	hourRollsAt time.Time
}

func NewBudgetTracker(cfg BudgetConfig) *BudgetTracker {
	def := DefaultBudgetConfig()
	if cfg.DailyBudgetUSD <= 0 {
		cfg.DailyBudgetUSD = def.DailyBudgetUSD
	}
	if cfg.MaxCallsPerHour <= 0 {
		cfg.MaxCallsPerHour = def.MaxCallsPerHour
	}
	if cfg.MaxConcurrentCalls <= 0 {
		cfg.MaxConcurrentCalls = def.MaxConcurrentCalls
	}
	now := time.Now().UTC()
	return &BudgetTracker{
		limits:      cfg,
		sem:         make(chan struct{}, cfg.MaxConcurrentCalls),
		today:       now.Format("2006-01-02"),
		hourRollsAt: now.Add(time.Hour),
	}
}

// CheckBudget reports whether another call fits under the limits.
func (b *BudgetTracker) CheckBudget() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.roll()

	if b.spentToday >= b.limits.DailyBudgetUSD {
		return fmt.Errorf("daily budget exhausted: $%.4f of $%.2f spent", b.spentToday, b.limits.DailyBudgetUSD)
	}
	if b.callsInHour >= b.limits.MaxCallsPerHour {
		return fmt.Errorf("hourly rate limit: %d of %d calls used", b.callsInHour, b.limits.MaxCallsPerHour)
	}
	return nil
}

// Acquire blocks for a concurrency slot and returns its release func.
func (b *BudgetTracker) Acquire() func() {
	b.sem <- struct{}{}
	return func() { <-b.sem }
}

// TryAcquire is the non-blocking variant; ok is false at capacity.
func (b *BudgetTracker) TryAcquire() (release func(), ok bool) {
	select {
	case b.sem <- struct{}{}:
		return func() { <-b.sem }, true
	default:
		return nil, false
	}
}

// RecordCost charges a completed call against the windows and returns
// its estimated cost.
func (b *BudgetTracker) RecordCost(inputTokens, outputTokens int) float64 {
	cost := CalculateCost(inputTokens, outputTokens)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.roll()
	b.spentToday += cost
	b.callsInHour++
	return cost
}

// CalculateCost estimates the USD cost of one call from token counts.
func CalculateCost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1_000_000*InputPricePerMTok +
		float64(outputTokens)/1_000_000*OutputPricePerMTok
}

// BudgetStats is a point-in-time snapshot for status reporting.
type BudgetStats struct {
	DailySpendUSD      float64
	DailyBudgetUSD     float64
	DailyRemaining     float64
	HourlyCalls        int
	MaxCallsPerHour    int
	HourlyRemaining    int
	ConcurrentCapacity int
}

func (b *BudgetTracker) Stats() BudgetStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.roll()

	return BudgetStats{
		DailySpendUSD:      b.spentToday,
		DailyBudgetUSD:     b.limits.DailyBudgetUSD,
		DailyRemaining:     b.limits.DailyBudgetUSD - b.spentToday,
		HourlyCalls:        b.callsInHour,
		MaxCallsPerHour:    b.limits.MaxCallsPerHour,
		HourlyRemaining:    b.limits.MaxCallsPerHour - b.callsInHour,
		ConcurrentCapacity: b.limits.MaxConcurrentCalls,
	}
}

// roll expires the daily and hourly windows. Caller holds mu.
func (b *BudgetTracker) roll() {
	now := time.Now().UTC()
	if day := now.Format("2006-01-02"); day != b.today {
		b.spentToday = 0
		b.today = day
	}
	if now.After(b.hourRollsAt) {
		b.callsInHour = 0
		b.hourRollsAt = now.Add(time.Hour)
	}
}
