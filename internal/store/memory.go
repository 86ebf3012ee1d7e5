package store

import (
	"context"
	"sync"

	"github.com/fyrsmithlabs/integrationd/internal/integrator"
	"github.com/fyrsmithlabs/integrationd/internal/quality"
	"github.com/fyrsmithlabs/integrationd/internal/rollback"
)

// Memory is an in-memory store with the same semantics as SQLite. Used for
// tests and ephemeral runs; everything is lost on restart.
type Memory struct {
	mu                  sync.RWMutex
	submissions         map[string]*integrator.Submission
	reports             map[string][]*quality.Report
	attempts            map[string]*integrator.IntegrationAttempt
	byAttemptSubmission map[string][]string
	snapshots           map[string]*rollback.Snapshot
	snapshotIDs         []string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		submissions:         make(map[string]*integrator.Submission),
		reports:             make(map[string][]*quality.Report),
		attempts:            make(map[string]*integrator.IntegrationAttempt),
		byAttemptSubmission: make(map[string][]string),
		snapshots:           make(map[string]*rollback.Snapshot),
	}
}

func (m *Memory) SaveSubmission(_ context.Context, submission *integrator.Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *submission
	m.submissions[submission.ID] = &clone
	return nil
}

func (m *Memory) GetSubmission(_ context.Context, id string) (*integrator.Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	submission, ok := m.submissions[id]
	if !ok {
		return nil, integrator.ErrSubmissionNotFound
	}
	clone := *submission
	return &clone, nil
}

func (m *Memory) SaveReport(_ context.Context, report *quality.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *report
	m.reports[report.SubmissionID] = append(m.reports[report.SubmissionID], &clone)
	return nil
}

func (m *Memory) LatestReport(_ context.Context, submissionID string) (*quality.Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	reports := m.reports[submissionID]
	if len(reports) == 0 {
		return nil, integrator.ErrReportNotFound
	}
	clone := *reports[len(reports)-1]
	return &clone, nil
}

func (m *Memory) SaveAttempt(_ context.Context, attempt *integrator.IntegrationAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *attempt
	if _, exists := m.attempts[attempt.ID]; !exists {
		m.byAttemptSubmission[attempt.SubmissionID] = append(m.byAttemptSubmission[attempt.SubmissionID], attempt.ID)
	}
	m.attempts[attempt.ID] = &clone
	return nil
}

func (m *Memory) GetAttempt(_ context.Context, id string) (*integrator.IntegrationAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	attempt, ok := m.attempts[id]
	if !ok {
		return nil, integrator.ErrAttemptNotFound
	}
	clone := *attempt
	return &clone, nil
}

func (m *Memory) LatestAttempt(_ context.Context, submissionID string) (*integrator.IntegrationAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.byAttemptSubmission[submissionID]
	if len(ids) == 0 {
		return nil, integrator.ErrAttemptNotFound
	}
	clone := *m.attempts[ids[len(ids)-1]]
	return &clone, nil
}

func (m *Memory) SaveSnapshot(_ context.Context, snapshot *rollback.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *snapshot
	if _, exists := m.snapshots[snapshot.ID]; !exists {
		m.snapshotIDs = append(m.snapshotIDs, snapshot.ID)
	}
	m.snapshots[snapshot.ID] = &clone
	return nil
}

func (m *Memory) GetSnapshot(_ context.Context, id string) (*rollback.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snapshot, ok := m.snapshots[id]
	if !ok {
		return nil, rollback.ErrSnapshotNotFound
	}
	clone := *snapshot
	return &clone, nil
}

func (m *Memory) ListSnapshots(_ context.Context) ([]*rollback.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*rollback.Snapshot, 0, len(m.snapshotIDs))
	for _, id := range m.snapshotIDs {
		if snapshot, ok := m.snapshots[id]; ok {
			clone := *snapshot
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (m *Memory) DeleteSnapshot(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snapshots, id)
	return nil
}

func (m *Memory) AttemptOutcome(_ context.Context, attemptID string) (bool, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	attempt, ok := m.attempts[attemptID]
	if !ok {
		return true, false, nil
	}
	return attempt.State.Terminal(), attempt.State == integrator.AttemptRolledBack, nil
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() error { return nil }
