package scraper

import (
	"sync"
	"time"

	"github.com/aluiziolira/go-scrape-elections/config"
)

// retryManager enforces the retry budget of a single fetch and computes
// backoff delays. It also counts retries across the whole run.
type retryManager struct {
	cfg     *config.Config
	metrics *Metrics

	mu           sync.Mutex
	totalRetries int
}

func newRetryManager(cfg *config.Config, metrics *Metrics) *retryManager {
	return &retryManager{
		cfg:     cfg,
		metrics: metrics,
	}
}

// Schedule decides whether a fetch that has already retried `retried` times
// may try again, and returns the delay to wait first. ok is false once the
// budget is spent.
func (rm *retryManager) Schedule(retried int) (delay time.Duration, ok bool) {
	if retried >= rm.cfg.MaxRetries {
		return 0, false
	}

	rm.mu.Lock()
	rm.totalRetries++
	rm.mu.Unlock()
	if rm.metrics != nil {
		rm.metrics.IncRetries()
	}
	return rm.backoff(retried + 1), true
}

func (rm *retryManager) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}

	base := rm.cfg.RetryBackoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	delay := base * time.Duration(1<<(attempt-1))
	if max := rm.cfg.RetryBackoffMax; max > 0 && delay > max {
		delay = max
	}
	return delay
}

func (rm *retryManager) TotalRetries() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.totalRetries
}
