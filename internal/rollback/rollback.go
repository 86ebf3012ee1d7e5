// Package rollback captures project state before a deployment and restores
// it when the deployment fails. Restores are idempotent; a failed restore is
// surfaced loudly so the caller can flag the attempt for manual recovery.
package rollback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrSnapshotNotFound is returned when the referenced snapshot does
	// not exist.
	ErrSnapshotNotFound = errors.New("rollback: snapshot not found")

	// ErrRestoreFailed is returned when applying a snapshot to the target
	// environment fails. Callers must treat this as requiring manual
	// intervention, never as silently recovered.
	ErrRestoreFailed = errors.New("rollback: restore failed")
)

// Snapshot is a point-in-time capture of a project's deployed state.
type Snapshot struct {
	ID         string          `json:"id"`
	ProjectID  string          `json:"project_id"`
	AttemptID  string          `json:"attempt_id"`
	State      json.RawMessage `json:"state"`
	RestoredAt *time.Time      `json:"restored_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Target is the deployment environment whose state is captured and restored.
type Target interface {
	// CaptureState serializes the project's current deployed state.
	CaptureState(ctx context.Context, projectID string) (json.RawMessage, error)

	// RestoreState replaces the project's deployed state with the given
	// capture. Applying the same capture twice must yield the same result.
	RestoreState(ctx context.Context, projectID string, state json.RawMessage) error
}

// SnapshotStore persists snapshots.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snapshot *Snapshot) error
	GetSnapshot(ctx context.Context, id string) (*Snapshot, error)
	ListSnapshots(ctx context.Context) ([]*Snapshot, error)
	DeleteSnapshot(ctx context.Context, id string) error
}

// AttemptOutcomes reports the standing of a snapshot's owning integration
// attempt. A snapshot whose attempt is still running must never be pruned;
// its rollback may not have happened yet.
type AttemptOutcomes interface {
	// AttemptOutcome reports whether the attempt has reached a terminal
	// state and whether that state is a rollback. An unknown attempt id
	// counts as terminal.
	AttemptOutcome(ctx context.Context, attemptID string) (terminal, rolledBack bool, err error)
}

// Config configures snapshot retention.
type Config struct {
	// Retention is how long an unused snapshot is kept. Default: 24h.
	Retention time.Duration `koanf:"retention"`

	// RestoredRetention is how long a snapshot that was actually restored
	// is kept, to support post-incident review. Default: 168h.
	RestoredRetention time.Duration `koanf:"restored_retention"`

	// PruneInterval is how often the retention sweep runs. Default: 1h.
	PruneInterval time.Duration `koanf:"prune_interval"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Retention == 0 {
		c.Retention = 24 * time.Hour
	}
	if c.RestoredRetention == 0 {
		c.RestoredRetention = 7 * 24 * time.Hour
	}
	if c.PruneInterval == 0 {
		c.PruneInterval = time.Hour
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Retention < 0 || c.RestoredRetention < 0 || c.PruneInterval < 0 {
		return errors.New("rollback: retention durations must be non-negative")
	}
	if c.RestoredRetention < c.Retention {
		return errors.New("rollback: restored_retention must be at least retention")
	}
	return nil
}

// Manager captures and restores project snapshots.
type Manager struct {
	config   Config
	store    SnapshotStore
	target   Target
	attempts AttemptOutcomes
	logger   *zap.Logger

	now func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a rollback manager.
func NewManager(cfg Config, store SnapshotStore, target Target, attempts AttemptOutcomes, logger *zap.Logger) (*Manager, error) {
	if store == nil {
		return nil, errors.New("rollback: snapshot store is required")
	}
	if target == nil {
		return nil, errors.New("rollback: target is required")
	}
	if attempts == nil {
		return nil, errors.New("rollback: attempt outcomes are required")
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		config:   cfg,
		store:    store,
		target:   target,
		attempts: attempts,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Snapshot captures the project's current state and persists it. The
// snapshot must exist before any deployment step runs.
func (m *Manager) Snapshot(ctx context.Context, projectID, attemptID string) (*Snapshot, error) {
	state, err := m.target.CaptureState(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("rollback: capturing state for project %s: %w", projectID, err)
	}

	snapshot := &Snapshot{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		AttemptID: attemptID,
		State:     state,
		CreatedAt: m.now().UTC(),
	}
	if err := m.store.SaveSnapshot(ctx, snapshot); err != nil {
		return nil, fmt.Errorf("rollback: persisting snapshot: %w", err)
	}

	snapshotsTotal.Inc()
	m.logger.Info("snapshot captured",
		zap.String("snapshot", snapshot.ID),
		zap.String("project", projectID),
		zap.String("attempt", attemptID))
	return snapshot, nil
}

// Restore applies the snapshot to the target environment. Restoring an
// already-restored snapshot reapplies the same state and is safe.
func (m *Manager) Restore(ctx context.Context, snapshotID string) error {
	snapshot, err := m.store.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return err
	}

	if err := m.target.RestoreState(ctx, snapshot.ProjectID, snapshot.State); err != nil {
		restoresTotal.WithLabelValues("failure").Inc()
		m.logger.Error("restore failed",
			zap.String("snapshot", snapshot.ID),
			zap.String("project", snapshot.ProjectID),
			zap.Error(err))
		return fmt.Errorf("%w: snapshot %s for project %s: %v",
			ErrRestoreFailed, snapshot.ID, snapshot.ProjectID, err)
	}

	restored := m.now().UTC()
	snapshot.RestoredAt = &restored
	if err := m.store.SaveSnapshot(ctx, snapshot); err != nil {
		m.logger.Warn("recording restore timestamp failed",
			zap.String("snapshot", snapshot.ID),
			zap.Error(err))
	}

	restoresTotal.WithLabelValues("success").Inc()
	m.logger.Info("snapshot restored",
		zap.String("snapshot", snapshot.ID),
		zap.String("project", snapshot.ProjectID))
	return nil
}

// Get returns a snapshot by ID.
func (m *Manager) Get(ctx context.Context, snapshotID string) (*Snapshot, error) {
	return m.store.GetSnapshot(ctx, snapshotID)
}

// Prune deletes snapshots past their retention window. Snapshots whose
// owning attempt has not reached a terminal state are kept regardless of
// age; snapshots of rolled-back or restored attempts use the longer
// RestoredRetention window. Returns the number deleted.
func (m *Manager) Prune(ctx context.Context) (int, error) {
	snapshots, err := m.store.ListSnapshots(ctx)
	if err != nil {
		return 0, fmt.Errorf("rollback: listing snapshots: %w", err)
	}

	now := m.now()
	deleted := 0
	for _, snapshot := range snapshots {
		terminal, rolledBack, err := m.attempts.AttemptOutcome(ctx, snapshot.AttemptID)
		if err != nil {
			m.logger.Warn("resolving attempt for snapshot failed",
				zap.String("snapshot", snapshot.ID),
				zap.String("attempt", snapshot.AttemptID),
				zap.Error(err))
			continue
		}
		if !terminal {
			continue
		}
		retention := m.config.Retention
		if rolledBack || snapshot.RestoredAt != nil {
			retention = m.config.RestoredRetention
		}
		if now.Sub(snapshot.CreatedAt) <= retention {
			continue
		}
		if err := m.store.DeleteSnapshot(ctx, snapshot.ID); err != nil {
			m.logger.Warn("pruning snapshot failed",
				zap.String("snapshot", snapshot.ID),
				zap.Error(err))
			continue
		}
		deleted++
	}

	if deleted > 0 {
		prunedTotal.Add(float64(deleted))
		m.logger.Info("pruned expired snapshots", zap.Int("count", deleted))
	}
	return deleted, nil
}

// Start runs the retention sweep until Stop is called or the context ends.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.config.PruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := m.Prune(ctx); err != nil {
					m.logger.Warn("retention sweep failed", zap.Error(err))
				}
			}
		}
	}()
}

// Stop halts the retention sweep and waits for it to exit.
func (m *Manager) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}
