package runmanager

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/fundflowhq/pipeline/pkg/models"
	"github.com/fundflowhq/pipeline/pkg/pipelineconfig"
	"github.com/fundflowhq/pipeline/pkg/pipelineerrors"
)

// Manager drives Run and PipelineStage lifecycle and enforces the
// run-wide watchdog timeout (spec §4.7).
type Manager struct {
	store   Store
	cfg     pipelineconfig.RunManagerConfig
	metrics *Metrics

	mu      sync.Mutex
	handles map[string]*runState
}

type runState struct {
	cancel    context.CancelFunc
	sequence  int64
	startedAt time.Time
}

// New builds a Manager backed by store, registering its own Prometheus
// collectors (see Metrics).
func New(store Store, cfg pipelineconfig.RunManagerConfig) *Manager {
	return &Manager{store: store, cfg: cfg, metrics: NewMetrics(), handles: make(map[string]*runState)}
}

// Metrics returns the Manager's Prometheus collector registry, so an
// embedding process can mount it on its own /metrics handler.
func (m *Manager) Metrics() *Metrics {
	return m.metrics
}

// Handle is returned by StartRun: callers drive the pipeline using Ctx,
// which is cancelled when the watchdog fires or the run completes.
type Handle struct {
	RunID string
	Ctx   context.Context
}

// StartRun creates a Run row in pending→processing state and arms the
// watchdog. The returned Handle.Ctx is derived from ctx and is cancelled
// either by the watchdog firing or by a later CompleteRun/FailRun call.
func (m *Manager) StartRun(ctx context.Context, sourceID, pipelineVersion string) (Handle, error) {
	runID := uuid.NewString()

	run := models.Run{
		ID:              runID,
		SourceID:        sourceID,
		PipelineVersion: pipelineVersion,
		Status:          models.RunStatusProcessing,
		StartedAt:       time.Now(),
	}
	if _, err := m.store.CreateRun(ctx, run); err != nil {
		return Handle{}, fmt.Errorf("create run: %w", err)
	}

	watchdogCtx, cancel := context.WithTimeout(ctx, m.cfg.WatchdogTimeout)

	m.mu.Lock()
	m.handles[runID] = &runState{cancel: cancel, startedAt: time.Now()}
	m.mu.Unlock()

	go m.watch(watchdogCtx, runID)

	return Handle{RunID: runID, Ctx: watchdogCtx}, nil
}

// watch marks the run failed with reason timeout if its context expires
// from the watchdog rather than from an explicit Complete/FailRun call.
func (m *Manager) watch(ctx context.Context, runID string) {
	<-ctx.Done()
	if ctx.Err() != context.DeadlineExceeded {
		return
	}

	m.mu.Lock()
	state, ok := m.handles[runID]
	if ok {
		delete(m.handles, runID)
	}
	m.mu.Unlock()
	if ok {
		m.metrics.observeRun(string(models.RunStatusFailed), time.Since(state.startedAt).Seconds())
	}

	_ = m.store.UpdateRunStatus(context.Background(), runID, models.RunStatusFailed, pipelineerrors.ErrTimeout.Error(), RunCounts{})
}

// UpdateStage records one stage transition. Sequence numbers are
// allocated per-run so repeated calls for the same stage are idempotent
// (latest write, by sequence, wins) even under concurrent updates.
func (m *Manager) UpdateStage(ctx context.Context, runID, jobID, stageName string, status models.StageStatus, inputCount, outputCount int, tokensUsed, apiCalls int, executionMS int64, errMsg string, results map[string]any) error {
	seq := m.nextSequence(runID)

	stage := models.PipelineStage{
		RunID:        runID,
		JobID:        jobID,
		StageName:    stageName,
		Status:       status,
		InputCount:   inputCount,
		OutputCount:  outputCount,
		ExecutionMS:  executionMS,
		TokensUsed:   tokensUsed,
		APICalls:     apiCalls,
		ErrorMessage: errMsg,
		StageResults: results,
		Sequence:     seq,
	}
	m.metrics.observeStage(stageName, executionMS, tokensUsed, apiCalls)
	return m.store.UpsertStage(ctx, stage)
}

func (m *Manager) nextSequence(runID string) int64 {
	m.mu.Lock()
	state, ok := m.handles[runID]
	m.mu.Unlock()
	if !ok {
		return time.Now().UnixNano()
	}
	return atomic.AddInt64(&state.sequence, 1)
}

// CompleteRun marks the run completed, records aggregate counters, and
// disarms the watchdog.
func (m *Manager) CompleteRun(ctx context.Context, runID string, counts RunCounts) error {
	m.disarm(runID, string(models.RunStatusCompleted))
	return m.store.UpdateRunStatus(ctx, runID, models.RunStatusCompleted, "", counts)
}

// FailRun marks the run failed with err's message and disarms the watchdog.
func (m *Manager) FailRun(ctx context.Context, runID string, err error) error {
	m.disarm(runID, string(models.RunStatusFailed))
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return m.store.UpdateRunStatus(ctx, runID, models.RunStatusFailed, msg, RunCounts{})
}

func (m *Manager) disarm(runID, status string) {
	m.mu.Lock()
	state, ok := m.handles[runID]
	if ok {
		delete(m.handles, runID)
	}
	m.mu.Unlock()
	if ok {
		state.cancel()
		m.metrics.observeRun(status, time.Since(state.startedAt).Seconds())
	}
}
