package memory

import (
	"log/slog"
	"sync"
	"time"

	"github.com/kaylacar/agent-door/internal/domain/ratelimit"
)

// DefaultLimiterCompaction is how often empty windows are dropped.
const DefaultLimiterCompaction = 30 * time.Second

// SlidingWindowLimiter implements ratelimit.Limiter with an ordered
// timestamp sequence per key. A burst of n > limit requests inside one
// window admits exactly limit of them, which fixed-window counters cannot
// guarantee at window boundaries.
type SlidingWindowLimiter struct {
	mu       sync.Mutex
	windows  map[string][]time.Time
	window   time.Duration
	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
	logger   *slog.Logger
}

// NewSlidingWindowLimiter creates a limiter over the standard 60s window
// and starts its compaction goroutine.
func NewSlidingWindowLimiter(logger *slog.Logger) *SlidingWindowLimiter {
	return NewSlidingWindowLimiterWithConfig(ratelimit.Window, DefaultLimiterCompaction, logger)
}

// NewSlidingWindowLimiterWithConfig creates a limiter with a custom window
// and compaction interval, used in tests with compressed time.
func NewSlidingWindowLimiterWithConfig(window, compactionInterval time.Duration, logger *slog.Logger) *SlidingWindowLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	l := &SlidingWindowLimiter{
		windows:  make(map[string][]time.Time),
		window:   window,
		stopChan: make(chan struct{}),
		logger:   logger,
	}
	l.wg.Add(1)
	go l.compactLoop(compactionInterval)
	return l
}

// Check records an attempt for key under the given per-window limit.
func (l *SlidingWindowLimiter) Check(key string, limit int) ratelimit.Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-l.window)

	stamps := l.windows[key]
	// Trim entries that have slid out of the window. Stamps are appended
	// in order, so the first in-window index bounds the live suffix.
	live := 0
	for live < len(stamps) && !stamps[live].After(cutoff) {
		live++
	}
	stamps = stamps[live:]

	if len(stamps) >= limit {
		l.windows[key] = stamps
		return ratelimit.Result{
			Allowed: false,
			ResetAt: stamps[0].Add(l.window),
		}
	}

	stamps = append(stamps, now)
	l.windows[key] = stamps
	return ratelimit.Result{
		Allowed:   true,
		Remaining: limit - len(stamps),
		ResetAt:   now.Add(l.window),
	}
}

// Destroy stops the compaction goroutine. Safe to call multiple times.
func (l *SlidingWindowLimiter) Destroy() {
	l.once.Do(func() {
		close(l.stopChan)
	})
	l.wg.Wait()
}

// Size returns the number of tracked keys.
func (l *SlidingWindowLimiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

func (l *SlidingWindowLimiter) compactLoop(interval time.Duration) {
	defer l.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopChan:
			return
		case <-ticker.C:
			l.compact()
		}
	}
}

// compact drops keys whose every timestamp has slid out of the window.
func (l *SlidingWindowLimiter) compact() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-l.window)
	dropped := 0
	for key, stamps := range l.windows {
		if len(stamps) == 0 || !stamps[len(stamps)-1].After(cutoff) {
			delete(l.windows, key)
			dropped++
		}
	}
	if dropped > 0 {
		l.logger.Debug("rate limiter compaction", "dropped_keys", dropped, "remaining_keys", len(l.windows))
	}
}

// Compile-time interface verification.
var _ ratelimit.Limiter = (*SlidingWindowLimiter)(nil)
