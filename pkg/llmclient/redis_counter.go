package llmclient

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisCounter mirrors Counter's accounting into Redis so usage can be
// aggregated across multiple pipeline-runner processes sharing one LLM
// budget. It is an optional decorator: callers that don't need
// cross-process accounting should use Counter directly.
type RedisCounter struct {
	rdb       *redis.Client
	keyPrefix string
	local     Counter
}

// NewRedisCounter builds a RedisCounter keyed under keyPrefix (typically
// the source id, so per-source usage can be queried independently).
func NewRedisCounter(rdb *redis.Client, keyPrefix string) *RedisCounter {
	return &RedisCounter{rdb: rdb, keyPrefix: keyPrefix}
}

// Record increments both the local in-process counter and the shared
// Redis counters. Redis failures are swallowed after being folded into
// the local counter, since token accounting must never block a call on
// an unrelated cache outage.
func (r *RedisCounter) Record(ctx context.Context, tokens int) {
	r.local.Record(tokens)

	pipe := r.rdb.TxPipeline()
	pipe.IncrBy(ctx, r.tokensKey(), int64(tokens))
	pipe.Incr(ctx, r.callsKey())
	_, _ = pipe.Exec(ctx)
}

// Snapshot returns the shared, cross-process totals when Redis is
// reachable, falling back to the local in-process totals otherwise.
func (r *RedisCounter) Snapshot(ctx context.Context) PerformanceMetrics {
	tokens, tokErr := r.rdb.Get(ctx, r.tokensKey()).Int64()
	calls, callErr := r.rdb.Get(ctx, r.callsKey()).Int64()
	if tokErr != nil || callErr != nil {
		return r.local.Snapshot()
	}
	return PerformanceMetrics{TotalTokens: int(tokens), TotalCalls: int(calls)}
}

func (r *RedisCounter) tokensKey() string {
	return fmt.Sprintf("pipeline:llm:%s:tokens", r.keyPrefix)
}

func (r *RedisCounter) callsKey() string {
	return fmt.Sprintf("pipeline:llm:%s:calls", r.keyPrefix)
}
