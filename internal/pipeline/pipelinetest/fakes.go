// Package pipelinetest holds in-memory fakes for stage handler tests.
package pipelinetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jmalhotra/crashlake/internal/objstore"
	"github.com/jmalhotra/crashlake/internal/pipeline"
	"github.com/jmalhotra/crashlake/internal/queue"
	"github.com/jmalhotra/crashlake/internal/registry"
	"github.com/jmalhotra/crashlake/internal/store/postgres"
)

// MemStore is an in-memory objstore.Store.
type MemStore struct {
	mu      sync.Mutex
	Objects map[string][]byte
	Meta    map[string]map[string]string
	PutErr  error
}

var _ objstore.Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		Objects: make(map[string][]byte),
		Meta:    make(map[string]map[string]string),
	}
}

func (m *MemStore) Put(_ context.Context, key string, data []byte, meta map[string]string) error {
	if m.PutErr != nil {
		return m.PutErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Objects[key] = append([]byte(nil), data...)
	m.Meta[key] = meta
	return nil
}

func (m *MemStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.Objects[key]
	if !ok {
		return nil, objstore.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *MemStore) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.Objects {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *MemStore) DeletePrefix(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.Objects {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(m.Objects, k)
			delete(m.Meta, k)
		}
	}
	return nil
}

func (m *MemStore) DeleteBucket(_ context.Context, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Objects = make(map[string][]byte)
	m.Meta = make(map[string]map[string]string)
	return nil
}

// MemRegistry is an in-memory registry.Registry with the same duplicate
// semantics as the Postgres one: a transition whose ordinal guard misses is
// a no-op when the run is already in or past the target stage.
type MemRegistry struct {
	mu          sync.Mutex
	Runs        map[uuid.UUID]*postgres.Run
	Transitions []string
}

var _ registry.Registry = (*MemRegistry)(nil)

func NewMemRegistry() *MemRegistry {
	return &MemRegistry{Runs: make(map[uuid.UUID]*postgres.Run)}
}

// Seed registers a run already at the given stage.
func (m *MemRegistry) Seed(corrID uuid.UUID, stage registry.Stage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Runs[corrID] = &postgres.Run{
		CorrID:     corrID,
		Mode:       string(pipeline.ModeStreaming),
		Stage:      string(stage),
		StageOrd:   registry.Ord(stage),
		Status:     string(registry.StatusFor(stage)),
		StageTimes: map[string]time.Time{},
		StartedAt:  time.Now().UTC(),
	}
}

func (m *MemRegistry) CreateRun(_ context.Context, mode pipeline.Mode, w pipeline.Window, datasets []string, columns map[string][]string) (postgres.Run, error) {
	if err := registry.ValidateWindow(mode, w); err != nil {
		return postgres.Run{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	run := &postgres.Run{
		CorrID:     registry.NewCorrID(),
		Mode:       string(mode),
		Window:     w,
		Datasets:   datasets,
		Columns:    columns,
		Stage:      string(registry.StagePending),
		StageOrd:   registry.Ord(registry.StagePending),
		Status:     string(registry.StatusPending),
		StageTimes: map[string]time.Time{},
		StartedAt:  time.Now().UTC(),
	}
	m.Runs[run.CorrID] = run
	return *run, nil
}

func (m *MemRegistry) Transition(_ context.Context, corrID uuid.UUID, from, to registry.Stage, outcome registry.Outcome) error {
	if !registry.Next(from, to) {
		return fmt.Errorf("%w: %s -> %s", registry.ErrInvalidTransition, from, to)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.Runs[corrID]
	if !ok {
		return registry.ErrRunNotFound
	}
	if run.StageOrd != registry.Ord(from) || registry.Terminal(registry.Status(run.Status)) {
		if run.StageOrd >= registry.Ord(to) || registry.Terminal(registry.Status(run.Status)) {
			return nil // duplicate signal
		}
		return fmt.Errorf("%w: run at %s, cannot move %s -> %s",
			registry.ErrInvalidTransition, run.Stage, from, to)
	}
	run.Stage = string(to)
	run.StageOrd = registry.Ord(to)
	run.Status = string(registry.StatusFor(to))
	run.RowsProcessed += outcome.RowsProcessed
	run.RowsRejected += outcome.RowsRejected
	run.StageTimes[string(to)] = time.Now().UTC()
	m.Transitions = append(m.Transitions, fmt.Sprintf("%s->%s", from, to))
	return nil
}

func (m *MemRegistry) Fail(_ context.Context, corrID uuid.UUID, category pipeline.Category, summary string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.Runs[corrID]
	if !ok {
		return registry.ErrRunNotFound
	}
	if registry.Terminal(registry.Status(run.Status)) {
		return nil
	}
	cat, sum := string(category), summary
	run.Status = string(registry.StatusFailed)
	run.ErrorCategory = &cat
	run.ErrorSummary = &sum
	return nil
}

func (m *MemRegistry) GetRun(_ context.Context, corrID uuid.UUID) (postgres.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.Runs[corrID]
	if !ok {
		return postgres.Run{}, registry.ErrRunNotFound
	}
	return *run, nil
}

func (m *MemRegistry) ListRuns(_ context.Context, status registry.Status, _, _ int32) ([]postgres.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []postgres.Run
	for _, run := range m.Runs {
		if status == "" || run.Status == string(status) {
			out = append(out, *run)
		}
	}
	return out, nil
}

// CapturePublisher records published envelopes instead of touching a broker.
type CapturePublisher struct {
	mu         sync.Mutex
	Published  map[string][]queue.Envelope
	PublishErr error
}

var _ queue.Publisher = (*CapturePublisher)(nil)

func NewCapturePublisher() *CapturePublisher {
	return &CapturePublisher{Published: make(map[string][]queue.Envelope)}
}

func (p *CapturePublisher) Publish(_ context.Context, queueName string, env queue.Envelope) error {
	if p.PublishErr != nil {
		return p.PublishErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Published[queueName] = append(p.Published[queueName], env)
	return nil
}

// Envelopes returns what was published to a queue.
func (p *CapturePublisher) Envelopes(queueName string) []queue.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]queue.Envelope(nil), p.Published[queueName]...)
}
