// pipeline-runner is the minimal process entrypoint for one pipeline
// run: load config, connect to Postgres, fetch raw items for one
// source, and invoke the Coordinator. There is no HTTP admin surface,
// daemon loop, or subcommand framework (explicit Non-goals) — the
// binary exits after the run completes.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/fundflowhq/pipeline/pkg/llmclient"
	"github.com/fundflowhq/pipeline/pkg/pgstore"
	"github.com/fundflowhq/pipeline/pkg/pipeline"
	"github.com/fundflowhq/pipeline/pkg/pipelineconfig"
	"github.com/fundflowhq/pipeline/pkg/runmanager"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	sourceID := flag.String("source-id", getEnv("SOURCE_ID", ""),
		"ID of the api_sources row to process")
	forceFullReprocessing := flag.Bool("force-full-reprocessing", false,
		"bypass Early Duplicate Detection and treat every item as NEW")
	flag.Parse()

	if *sourceID == "" {
		log.Fatal("source-id is required (flag -source-id or env SOURCE_ID)")
	}

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("Warning: could not load %s: %v", envPath, err)
		log.Printf("Continuing with existing environment variables...")
	} else {
		log.Printf("Loaded environment from %s", envPath)
	}

	ctx := context.Background()

	dbCfg, err := pipelineconfig.LoadDBConfigFromEnv()
	if err != nil {
		log.Fatalf("Failed to load database config: %v", err)
	}
	extractCfg := pipelineconfig.LoadExtractionConfigFromEnv()
	analysisCfg := pipelineconfig.LoadAnalysisConfigFromEnv()
	runMgrCfg := pipelineconfig.DefaultRunManagerConfig()

	client, err := pgstore.NewClient(ctx, dbCfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer func() {
		if err := client.DB().Close(); err != nil {
			log.Printf("Error closing database connection: %v", err)
		}
	}()
	log.Println("Connected to PostgreSQL, migrations applied")

	store := pgstore.NewStore(client.DB())
	runStore := pgstore.NewRunStore(client.DB())
	runMgr := runmanager.New(runStore, runMgrCfg)

	llmClient := buildLLMClient()

	coordinator := pipeline.New(store, runMgr, llmClient, extractCfg, analysisCfg)

	source, err := store.GetSource(ctx, *sourceID)
	if err != nil {
		log.Fatalf("Failed to load source %s: %v", *sourceID, err)
	}
	if !source.Active {
		log.Fatalf("Source %s is not active", *sourceID)
	}

	log.Printf("Fetching raw items from %s", source.Endpoint)
	rawItems, err := fetchRawItems(ctx, source.Endpoint)
	if err != nil {
		log.Fatalf("Failed to fetch raw items: %v", err)
	}
	log.Printf("Fetched %d raw items", len(rawItems))

	result := coordinator.ProcessSource(ctx, *sourceID, rawItems, pipeline.Options{
		ForceFullReprocessing: *forceFullReprocessing,
	})

	output, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		log.Fatalf("Failed to encode result: %v", err)
	}
	fmt.Println(string(output))

	if result.Status != "success" {
		os.Exit(1)
	}
}

// buildLLMClient wires the Anthropic adapter, optionally backed by a
// Redis-mirrored counter when REDIS_ADDR is set so token/call usage is
// visible across process restarts and concurrent runners.
func buildLLMClient() llmclient.Client {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	model := anthropic.Model(getEnv("ANTHROPIC_MODEL", string(anthropic.ModelClaude3_7SonnetLatest)))
	adapter := llmclient.NewAnthropicAdapter(apiKey, model)

	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
		adapter.WithRedisMirror(llmclient.NewRedisCounter(rdb, getEnv("SOURCE_ID", "default")))
		log.Printf("LLM usage counters mirrored to Redis at %s", redisAddr)
	}

	return adapter
}

// rawItemsResponse is one recognized shape for a source's raw feed: a
// JSON object wrapping the item list. If the endpoint instead returns a
// bare JSON array of strings, or a body that isn't valid JSON at all,
// fetchRawItems falls back accordingly — sources are free-form upstream
// feeds and this binary doesn't assume a single wire shape (spec
// Non-goal: no upstream API client implementation).
type rawItemsResponse struct {
	Items []string `json:"items"`
}

func fetchRawItems(ctx context.Context, endpoint string) ([]string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}

	var wrapped rawItemsResponse
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Items != nil {
		return wrapped.Items, nil
	}

	var items []string
	if err := json.Unmarshal(body, &items); err == nil {
		return items, nil
	}

	return []string{string(body)}, nil
}
