package llmclient

import "sync/atomic"

// Counter tracks cumulative token/call usage for one Client instance.
// Safe for concurrent use by multiple goroutines issuing calls at once.
type Counter struct {
	totalTokens int64
	totalCalls  int64
}

// Record adds one call's usage to the running totals.
func (c *Counter) Record(tokens int) {
	atomic.AddInt64(&c.totalTokens, int64(tokens))
	atomic.AddInt64(&c.totalCalls, 1)
}

// Snapshot returns the current totals.
func (c *Counter) Snapshot() PerformanceMetrics {
	return PerformanceMetrics{
		TotalTokens: int(atomic.LoadInt64(&c.totalTokens)),
		TotalCalls:  int(atomic.LoadInt64(&c.totalCalls)),
	}
}
