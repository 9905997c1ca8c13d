// Package llmclient wraps the LLM vendor call with schema-bound requests,
// token/call accounting, and adaptive batch-size hinting (C4). The
// pipeline depends only on Client; concrete adapters (e.g. the Anthropic
// adapter in this package) own the vendor-specific wire format.
package llmclient

import "context"

// CallOptions configures one schema-bound call.
type CallOptions struct {
	MaxTokens   int
	Temperature float64
}

// CallResult is the outcome of one schema-bound call: the raw JSON text
// the model returned (callers unmarshal it themselves) and the tokens it
// consumed.
type CallResult struct {
	Data   []byte // JSON payload conforming to the requested schema
	Tokens int
}

// PerformanceMetrics is a point-in-time snapshot of cumulative usage.
type PerformanceMetrics struct {
	TotalTokens int
	TotalCalls  int
}

// BatchSizeHint is the result of adaptive batch-size calculation.
type BatchSizeHint struct {
	BatchSize            int
	MaxTokens            int
	ModelCapacity        int
	TokensPerOpportunity int
	BaseTokens           int
	ModelName            string
	Reason               string
}

// Client is the LLM vendor contract required by the pipeline (spec §6).
// Implementations must be safe for concurrent use: the extraction and
// analysis engines call it from multiple goroutines within one run.
type Client interface {
	// CallWithSchema issues one schema-constrained prompt and returns the
	// decoded payload plus token usage. schema is a JSON Schema document;
	// implementations are expected to force the model to conform to it.
	CallWithSchema(ctx context.Context, prompt string, schema []byte, opts CallOptions) (CallResult, error)

	// GetPerformanceMetrics returns a snapshot of cumulative usage since
	// the client was constructed.
	GetPerformanceMetrics() PerformanceMetrics

	// CalculateOptimalBatchSize derives a batch-size hint from the mean
	// character length of the opportunities about to be processed.
	CalculateOptimalBatchSize(avgCharLen int) BatchSizeHint
}
