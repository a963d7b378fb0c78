package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"SaleOracle/internal/domain/models"
)

type window struct {
	blockedUntil time.Time
	budget       *rate.Limiter
}

// Limiter tracks upstream block windows and an optional local call budget per provider.
type Limiter struct {
	mu             sync.Mutex
	m              map[string]*window
	callsPerMinute int
	now            func() time.Time
}

type Option func(*Limiter)

// WithCallsPerMinute caps calls per provider per minute. Zero disables the budget.
func WithCallsPerMinute(n int) Option {
	return func(l *Limiter) { l.callsPerMinute = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func New(opts ...Option) *Limiter {
	l := &Limiter{m: make(map[string]*window), now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) get(provider string) *window {
	w, ok := l.m[provider]
	if !ok {
		w = &window{}
		if l.callsPerMinute > 0 {
			w.budget = rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.callsPerMinute)), l.callsPerMinute)
		}
		l.m[provider] = w
	}
	return w
}

// Allow reports whether provider may be called now and consumes one budget token if so.
// A blocked provider never consumes budget.
func (l *Limiter) Allow(provider string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.get(provider)
	if now.Before(w.blockedUntil) {
		return false
	}
	if w.budget != nil && !w.budget.AllowN(now, 1) {
		return false
	}
	return true
}

// Block marks provider ineligible until until. An earlier deadline never shortens an existing block.
func (l *Limiter) Block(provider string, until time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.get(provider)
	if until.After(w.blockedUntil) {
		w.blockedUntil = until
	}
}

// BlockedUntil returns the block deadline for provider, or the zero time when it is eligible.
func (l *Limiter) BlockedUntil(provider string) time.Time {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.m[provider]
	if !ok || !now.Before(w.blockedUntil) {
		return time.Time{}
	}
	return w.blockedUntil
}

// State returns a snapshot of every provider's block window.
func (l *Limiter) State() []models.RateLimitState {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]models.RateLimitState, 0, len(l.m))
	for name, w := range l.m {
		s := models.RateLimitState{Provider: name}
		if now.Before(w.blockedUntil) {
			s.BlockedUntil = w.blockedUntil
		}
		out = append(out, s)
	}
	return out
}

// Reset clears every block window and budget.
func (l *Limiter) Reset() {
	l.mu.Lock()
	l.m = make(map[string]*window)
	l.mu.Unlock()
}
