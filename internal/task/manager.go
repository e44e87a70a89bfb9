package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Manager owns task lifecycles on top of a Store.
type Manager struct {
	store  Store
	logger *zap.Logger

	mu    sync.Mutex
	now   func() time.Time
	newID func() string
}

func NewManager(store Store, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
}

func (m *Manager) Create(ctx context.Context, kind Kind) (Task, error) {
	now := m.now()
	t := Task{
		ID:        m.newID(),
		Kind:      kind,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.Put(ctx, t); err != nil {
		return Task{}, err
	}
	m.logger.Debug("task created", zap.String("task_id", t.ID), zap.String("type", string(kind)))
	return t, nil
}

// Update applies p to the task. Unknown IDs and finished tasks are left
// alone; only storage failures are reported.
func (m *Manager) Update(ctx context.Context, id string, p Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		m.logger.Debug("ignoring update for unknown task", zap.String("task_id", id))
		return nil
	}
	if err != nil {
		return err
	}

	before := t.Status
	if !t.apply(p, m.now()) {
		m.logger.Debug("ignoring update for finished task", zap.String("task_id", id), zap.String("status", string(t.Status)))
		return nil
	}
	if err := m.store.Put(ctx, t); err != nil {
		return err
	}
	if before != t.Status {
		m.logger.Info("task status changed",
			zap.String("task_id", id),
			zap.String("type", string(t.Kind)),
			zap.String("from", string(before)),
			zap.String("to", string(t.Status)),
		)
	}
	return nil
}

// Report is Update for worker code paths that cannot do anything useful
// with a storage error besides logging it.
func (m *Manager) Report(ctx context.Context, id string, p Patch) {
	if err := m.Update(ctx, id, p); err != nil {
		m.logger.Warn("failed to update task", zap.String("task_id", id), zap.Error(err))
	}
}

func (m *Manager) Get(ctx context.Context, id string) (Task, error) {
	return m.store.Get(ctx, id)
}

// List returns tasks newest first. An empty kind lists everything.
func (m *Manager) List(ctx context.Context, kind Kind) ([]Task, error) {
	return m.store.List(ctx, kind)
}

func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Delete(ctx, id)
}

// Prune deletes finished tasks not touched within retention.
func (m *Manager) Prune(ctx context.Context, retention time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := m.store.DeleteFinishedBefore(ctx, m.now().Add(-retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.Info("pruned finished tasks", zap.Int("count", n))
	}
	return n, nil
}

// RecoverInterrupted fails tasks a previous process left unfinished. Their
// workers are gone, so they would otherwise stay pending forever.
func (m *Manager) RecoverInterrupted(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stale, err := m.store.ListByStatus(ctx, StatusPending, StatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("list unfinished tasks: %w", err)
	}
	now := m.now()
	for _, t := range stale {
		t.apply(Failed(NewFailure(CodeInterrupted, "Task interrupted by server restart", nil)), now)
		if err := m.store.Put(ctx, t); err != nil {
			return 0, err
		}
	}
	if len(stale) > 0 {
		m.logger.Warn("marked interrupted tasks as failed", zap.Int("count", len(stale)))
	}
	return len(stale), nil
}

// RunJanitor prunes finished tasks every interval until ctx is done.
func (m *Manager) RunJanitor(ctx context.Context, interval, retention time.Duration) {
	if interval <= 0 || retention <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Prune(ctx, retention); err != nil && ctx.Err() == nil {
				m.logger.Warn("failed to prune tasks", zap.Error(err))
			}
		}
	}
}

func (m *Manager) Close() error {
	return m.store.Close()
}
