package llmclient

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// modelCapacity is the context-window budget used for adaptive batch
// sizing (spec §4.4 step 1): the model's declared capacity minus a
// reserved headroom for the prompt scaffolding itself.
const (
	modelCapacity                = 200_000
	baseTokens                   = 800 // fixed prompt scaffolding: instructions + schema
	tokensPerOpportunityEstimate = 350
)

// AnthropicAdapter is the concrete Client implementation backing
// production runs. It wraps anthropic-sdk-go and forces schema
// conformance by embedding the JSON Schema document in the prompt and
// instructing the model to respond with schema-conformant JSON only.
type AnthropicAdapter struct {
	client      anthropic.Client
	model       anthropic.Model
	counter     Counter
	redisMirror *RedisCounter
}

// NewAnthropicAdapter builds an adapter using the given API key and
// model. model is typically anthropic.ModelClaude3_7SonnetLatest or an
// equivalent current model constant from the SDK.
func NewAnthropicAdapter(apiKey string, model anthropic.Model) *AnthropicAdapter {
	return &AnthropicAdapter{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// WithRedisMirror mirrors token/call accounting into rc in addition to
// the adapter's local Counter, so multiple pipeline-runner processes
// sharing one source can see combined usage. Returns a for chaining.
func (a *AnthropicAdapter) WithRedisMirror(rc *RedisCounter) *AnthropicAdapter {
	a.redisMirror = rc
	return a
}

func (a *AnthropicAdapter) CallWithSchema(ctx context.Context, prompt string, schema []byte, opts CallOptions) (CallResult, error) {
	maxTokens := int64(opts.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	fullPrompt := fmt.Sprintf(
		"%s\n\nRespond with JSON matching exactly this schema, and nothing else:\n%s",
		prompt, string(schema),
	)

	message, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       a.model,
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(opts.Temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(fullPrompt)),
		},
	})
	if err != nil {
		return CallResult{}, fmt.Errorf("anthropic call: %w", err)
	}

	var text string
	for _, block := range message.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	tokens := int(message.Usage.InputTokens + message.Usage.OutputTokens)
	a.counter.Record(tokens)
	if a.redisMirror != nil {
		a.redisMirror.Record(ctx, tokens)
	}

	return CallResult{Data: []byte(text), Tokens: tokens}, nil
}

func (a *AnthropicAdapter) GetPerformanceMetrics() PerformanceMetrics {
	if a.redisMirror != nil {
		return a.redisMirror.Snapshot(context.Background())
	}
	return a.counter.Snapshot()
}

func (a *AnthropicAdapter) CalculateOptimalBatchSize(avgCharLen int) BatchSizeHint {
	tokensPerOpportunity := avgCharLen/4 + 150 // rough chars-per-token plus scoring overhead
	if tokensPerOpportunity <= 0 {
		tokensPerOpportunity = tokensPerOpportunityEstimate
	}

	available := modelCapacity - baseTokens
	batchSize := available / tokensPerOpportunity
	if batchSize < 1 {
		batchSize = 1
	}
	if batchSize > 50 {
		batchSize = 50 // diminishing returns beyond this, and keeps one failed batch small
	}

	return BatchSizeHint{
		BatchSize:            batchSize,
		MaxTokens:            batchSize * tokensPerOpportunity,
		ModelCapacity:        modelCapacity,
		TokensPerOpportunity: tokensPerOpportunity,
		BaseTokens:           baseTokens,
		ModelName:            string(a.model),
		Reason:               "derived from average description length and reserved prompt overhead",
	}
}
