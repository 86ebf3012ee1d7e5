package integrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/integrationd/internal/deploy"
	"github.com/fyrsmithlabs/integrationd/internal/quality"
	"github.com/fyrsmithlabs/integrationd/internal/rollback"
)

type memStore struct {
	mu          sync.Mutex
	submissions map[string]*Submission
	attempts    map[string]*IntegrationAttempt
	reports     map[string]*quality.Report
}

func newMemStore() *memStore {
	return &memStore{
		submissions: make(map[string]*Submission),
		attempts:    make(map[string]*IntegrationAttempt),
		reports:     make(map[string]*quality.Report),
	}
}

func (s *memStore) SaveSubmission(_ context.Context, submission *Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *submission
	s.submissions[submission.ID] = &clone
	return nil
}

func (s *memStore) GetSubmission(_ context.Context, id string) (*Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	submission, ok := s.submissions[id]
	if !ok {
		return nil, ErrSubmissionNotFound
	}
	clone := *submission
	return &clone, nil
}

func (s *memStore) SaveAttempt(_ context.Context, attempt *IntegrationAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *attempt
	s.attempts[attempt.ID] = &clone
	return nil
}

func (s *memStore) GetAttempt(_ context.Context, id string) (*IntegrationAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	attempt, ok := s.attempts[id]
	if !ok {
		return nil, ErrAttemptNotFound
	}
	clone := *attempt
	return &clone, nil
}

func (s *memStore) LatestAttempt(_ context.Context, submissionID string) (*IntegrationAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *IntegrationAttempt
	for _, attempt := range s.attempts {
		if attempt.SubmissionID != submissionID {
			continue
		}
		if latest == nil || attempt.StartedAt.After(latest.StartedAt) {
			latest = attempt
		}
	}
	if latest == nil {
		return nil, ErrAttemptNotFound
	}
	clone := *latest
	return &clone, nil
}

func (s *memStore) LatestReport(_ context.Context, submissionID string) (*quality.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	report, ok := s.reports[submissionID]
	if !ok {
		return nil, ErrReportNotFound
	}
	return report, nil
}

type stubVerifier struct {
	report *quality.Report
	err    error
}

func (v *stubVerifier) Verify(_ context.Context, submissionID string, _ []byte) (*quality.Report, error) {
	if v.err != nil {
		return nil, v.err
	}
	report := *v.report
	report.SubmissionID = submissionID
	return &report, nil
}

type calls struct {
	mu  sync.Mutex
	log []string
}

func (c *calls) add(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = append(c.log, name)
}

func (c *calls) list() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.log...)
}

type stubDeployer struct {
	calls   *calls
	outcome *deploy.Outcome
	err     error
}

func (d *stubDeployer) Deploy(_ context.Context, strategy deploy.Strategy, _ string, _ []byte) (*deploy.Outcome, error) {
	d.calls.add("deploy")
	if d.err != nil {
		outcome := *d.outcome
		outcome.Strategy = strategy
		return &outcome, d.err
	}
	return &deploy.Outcome{Strategy: strategy, Success: true}, nil
}

type stubSnaps struct {
	calls       *calls
	snapshotErr error
	restoreErr  error

	mu       sync.Mutex
	restored []string
}

func (s *stubSnaps) Snapshot(_ context.Context, projectID, attemptID string) (*rollback.Snapshot, error) {
	s.calls.add("snapshot")
	if s.snapshotErr != nil {
		return nil, s.snapshotErr
	}
	return &rollback.Snapshot{ID: "snap-" + attemptID, ProjectID: projectID, AttemptID: attemptID}, nil
}

func (s *stubSnaps) Restore(_ context.Context, snapshotID string) error {
	s.calls.add("restore")
	if s.restoreErr != nil {
		return s.restoreErr
	}
	s.mu.Lock()
	s.restored = append(s.restored, snapshotID)
	s.mu.Unlock()
	return nil
}

type stubSmoke struct {
	calls *calls
	err   error
}

func (s *stubSmoke) RunSmoke(context.Context, string) error {
	s.calls.add("smoke")
	return s.err
}

type captureNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *captureNotifier) Publish(_ context.Context, event Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *captureNotifier) byType(eventType string) []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Event
	for _, event := range n.events {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

type blockingValidator struct {
	entered chan struct{}
	release chan struct{}
}

func (v *blockingValidator) ValidateSubmission(context.Context, *Submission) error {
	close(v.entered)
	<-v.release
	return nil
}

type harness struct {
	service  *Service
	store    *memStore
	deployer *stubDeployer
	snaps    *stubSnaps
	smoke    *stubSmoke
	notifier *captureNotifier
	calls    *calls
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	callLog := &calls{}
	h := &harness{
		store:    newMemStore(),
		deployer: &stubDeployer{calls: callLog},
		snaps:    &stubSnaps{calls: callLog},
		smoke:    &stubSmoke{calls: callLog},
		notifier: &captureNotifier{},
		calls:    callLog,
	}
	verifier := &stubVerifier{report: &quality.Report{
		ID:            "report-1",
		WeightedScore: 92,
		Verdict:       quality.VerdictAccept,
		Reason:        "weighted score 92.0 meets threshold 85.0",
	}}
	service, err := NewService(Config{}, h.store, verifier, h.deployer, h.snaps, h.smoke, h.notifier, nil, opts...)
	require.NoError(t, err)
	h.service = service
	return h
}

func (h *harness) acceptedSubmission(t *testing.T, projectID string) *Submission {
	t.Helper()
	submission, err := h.service.Submit(context.Background(), projectID, []byte(`{"v":2}`), nil)
	require.NoError(t, err)
	_, err = h.service.VerifySubmission(context.Background(), submission.ID)
	require.NoError(t, err)
	submission, err = h.store.GetSubmission(context.Background(), submission.ID)
	require.NoError(t, err)
	require.Equal(t, SubmissionAccepted, submission.Status)
	return submission
}

func TestSubmitPersistsSubmission(t *testing.T) {
	h := newHarness(t)
	submission, err := h.service.Submit(context.Background(), "proj-1", []byte(`{}`), map[string]string{"author": "ci"})
	require.NoError(t, err)
	assert.Equal(t, SubmissionReceived, submission.Status)

	stored, err := h.store.GetSubmission(context.Background(), submission.ID)
	require.NoError(t, err)
	assert.Equal(t, "proj-1", stored.ProjectID)
}

func TestSubmitRejectsEmptyArtifact(t *testing.T) {
	h := newHarness(t)
	_, err := h.service.Submit(context.Background(), "proj-1", nil, nil)
	require.Error(t, err)
}

func TestVerifySubmissionAccepts(t *testing.T) {
	h := newHarness(t)
	submission := h.acceptedSubmission(t, "proj-1")

	events := h.notifier.byType(EventVerificationFinished)
	require.Len(t, events, 1)
	assert.Equal(t, submission.ID, events[0].SubmissionID)
	assert.Equal(t, string(SubmissionAccepted), events[0].Status)
}

func TestVerifySubmissionRejects(t *testing.T) {
	h := newHarness(t)
	submission, err := h.service.Submit(context.Background(), "proj-1", []byte(`{}`), nil)
	require.NoError(t, err)

	verifier := &stubVerifier{report: &quality.Report{
		Verdict: quality.VerdictReject,
		Reason:  "weighted score 70.0 below threshold 85.0",
	}}
	h.service.verifier = verifier

	report, err := h.service.VerifySubmission(context.Background(), submission.ID)
	require.NoError(t, err)
	assert.Equal(t, quality.VerdictReject, report.Verdict)

	stored, err := h.store.GetSubmission(context.Background(), submission.ID)
	require.NoError(t, err)
	assert.Equal(t, SubmissionRejected, stored.Status)
}

func TestIntegrateHappyPath(t *testing.T) {
	h := newHarness(t)
	submission := h.acceptedSubmission(t, "proj-1")

	attempt, err := h.service.IntegrateSubmission(context.Background(), submission.ID, "")
	require.NoError(t, err)
	assert.Equal(t, AttemptCompleted, attempt.State)
	assert.Equal(t, deploy.StrategyBlueGreen, attempt.Strategy)
	assert.NotEmpty(t, attempt.SnapshotID)
	assert.NotNil(t, attempt.EndedAt)

	// Snapshot must be captured before the deployment touches anything.
	assert.Equal(t, []string{"snapshot", "deploy", "smoke"}, h.calls.list())

	stored, err := h.store.GetSubmission(context.Background(), submission.ID)
	require.NoError(t, err)
	assert.Equal(t, SubmissionIntegrated, stored.Status)

	events := h.notifier.byType(EventIntegrationFinished)
	require.Len(t, events, 1)
	assert.Equal(t, string(AttemptCompleted), events[0].Status)
}

func TestSubmitRejectsUncleanProjectID(t *testing.T) {
	h := newHarness(t)

	for _, id := range []string{"../evil", "..", ".", "a/b", `a\b`} {
		_, err := h.service.Submit(context.Background(), id, []byte(`{}`), nil)
		require.ErrorIs(t, err, ErrInvalidProjectID, "id %q", id)
	}

	_, err := h.service.Submit(context.Background(), "proj-1", []byte(`{}`), nil)
	require.NoError(t, err)
}

func TestIntegrateRejectedSubmission(t *testing.T) {
	h := newHarness(t)
	submission := &Submission{
		ID:        "sub-rejected",
		ProjectID: "proj-1",
		Artifact:  []byte(`{}`),
		Status:    SubmissionRejected,
	}
	require.NoError(t, h.store.SaveSubmission(context.Background(), submission))

	_, err := h.service.IntegrateSubmission(context.Background(), submission.ID, "")
	require.ErrorIs(t, err, ErrNotIntegrable)
	assert.Empty(t, h.calls.list())
}

func TestIntegrateVerifiesUnverifiedSubmission(t *testing.T) {
	h := newHarness(t)
	submission, err := h.service.Submit(context.Background(), "proj-1", []byte(`{}`), nil)
	require.NoError(t, err)

	attempt, err := h.service.IntegrateSubmission(context.Background(), submission.ID, "")
	require.NoError(t, err)
	assert.Equal(t, AttemptCompleted, attempt.State)

	events := h.notifier.byType(EventVerificationFinished)
	require.Len(t, events, 1)
	assert.Equal(t, string(SubmissionAccepted), events[0].Status)
}

func TestIntegrateStrategyHint(t *testing.T) {
	h := newHarness(t)
	submission := h.acceptedSubmission(t, "proj-1")

	attempt, err := h.service.IntegrateSubmission(context.Background(), submission.ID, "canary")
	require.NoError(t, err)
	assert.Equal(t, deploy.StrategyCanary, attempt.Strategy)
}

func TestIntegrateUnknownHintFallsBack(t *testing.T) {
	h := newHarness(t)
	submission := h.acceptedSubmission(t, "proj-1")

	attempt, err := h.service.IntegrateSubmission(context.Background(), submission.ID, "yolo")
	require.NoError(t, err)
	assert.Equal(t, deploy.StrategyBlueGreen, attempt.Strategy)
}

func TestIntegrateDeployFailureTriggersRollback(t *testing.T) {
	h := newHarness(t)
	submission := h.acceptedSubmission(t, "proj-1")

	h.deployer.outcome = &deploy.Outcome{NeedsRollback: true, Reason: "in-place apply failed"}
	h.deployer.err = errors.New("apply failed")

	attempt, err := h.service.IntegrateSubmission(context.Background(), submission.ID, "hot_reload")
	require.NoError(t, err)
	assert.Equal(t, AttemptRolledBack, attempt.State)
	assert.False(t, attempt.RollbackFailed)
	assert.Equal(t, []string{attempt.SnapshotID}, h.snaps.restored)

	stored, err := h.store.GetSubmission(context.Background(), submission.ID)
	require.NoError(t, err)
	assert.Equal(t, SubmissionRolledBack, stored.Status)
}

func TestIntegrateBlueGreenFailureSkipsRestore(t *testing.T) {
	h := newHarness(t)
	submission := h.acceptedSubmission(t, "proj-1")

	h.deployer.outcome = &deploy.Outcome{NeedsRollback: false, Reason: "smoke checks failed against staged environment"}
	h.deployer.err = errors.New("smoke failed")

	attempt, err := h.service.IntegrateSubmission(context.Background(), submission.ID, "blue_green")
	require.NoError(t, err)
	assert.Equal(t, AttemptFailed, attempt.State)
	assert.NotContains(t, h.calls.list(), "restore")
}

func TestIntegrateSmokeFailureTriggersRollback(t *testing.T) {
	h := newHarness(t)
	submission := h.acceptedSubmission(t, "proj-1")

	h.smoke.err = errors.New("health check 500")

	attempt, err := h.service.IntegrateSubmission(context.Background(), submission.ID, "")
	require.NoError(t, err)
	assert.Equal(t, AttemptRolledBack, attempt.State)
	assert.Contains(t, attempt.Reason, "smoke")
}

func TestIntegrateRollbackFailureSetsFlag(t *testing.T) {
	h := newHarness(t)
	submission := h.acceptedSubmission(t, "proj-1")

	h.deployer.outcome = &deploy.Outcome{NeedsRollback: true, Reason: "canary aborted"}
	h.deployer.err = errors.New("canary aborted")
	h.snaps.restoreErr = rollback.ErrRestoreFailed

	attempt, err := h.service.IntegrateSubmission(context.Background(), submission.ID, "canary")
	require.NoError(t, err)
	assert.Equal(t, AttemptFailed, attempt.State)
	assert.True(t, attempt.RollbackFailed)

	events := h.notifier.byType(EventRollbackFailed)
	require.Len(t, events, 1)
	assert.Equal(t, attempt.ID, events[0].AttemptID)
}

func TestIntegrateSnapshotFailureFailsWithoutDeploy(t *testing.T) {
	h := newHarness(t)
	submission := h.acceptedSubmission(t, "proj-1")

	h.snaps.snapshotErr = errors.New("capture failed")

	attempt, err := h.service.IntegrateSubmission(context.Background(), submission.ID, "")
	require.NoError(t, err)
	assert.Equal(t, AttemptFailed, attempt.State)
	assert.NotContains(t, h.calls.list(), "deploy")
}

func TestIntegrateConflictOnSameProject(t *testing.T) {
	validator := &blockingValidator{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	h := newHarness(t, WithValidator(validator))

	first := h.acceptedSubmission(t, "proj-1")
	second := h.acceptedSubmission(t, "proj-1")

	done := make(chan *IntegrationAttempt, 1)
	go func() {
		attempt, err := h.service.IntegrateSubmission(context.Background(), first.ID, "")
		require.NoError(t, err)
		done <- attempt
	}()

	<-validator.entered

	attempt, err := h.service.IntegrateSubmission(context.Background(), second.ID, "")
	require.ErrorIs(t, err, ErrIntegrationConflict)
	assert.Equal(t, AttemptFailed, attempt.State)
	assert.NotContains(t, h.calls.list(), "deploy")

	close(validator.release)
	finished := <-done
	assert.Equal(t, AttemptCompleted, finished.State)
}

func TestIntegrateDifferentProjectsProceedConcurrently(t *testing.T) {
	validator := &blockingValidator{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	h := newHarness(t, WithValidator(validator))

	first := h.acceptedSubmission(t, "proj-1")

	go func() {
		_, _ = h.service.IntegrateSubmission(context.Background(), first.ID, "")
	}()
	<-validator.entered

	// A different project is not blocked by proj-1's lock.
	assert.True(t, h.service.tryLockProject("proj-2"))
	h.service.unlockProject("proj-2")

	close(validator.release)
}

func TestCancelDuringValidating(t *testing.T) {
	validator := &blockingValidator{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	h := newHarness(t, WithValidator(validator))
	submission := h.acceptedSubmission(t, "proj-1")

	done := make(chan *IntegrationAttempt, 1)
	go func() {
		attempt, err := h.service.IntegrateSubmission(context.Background(), submission.ID, "")
		require.NoError(t, err)
		done <- attempt
	}()

	<-validator.entered

	latest, err := h.store.LatestAttempt(context.Background(), submission.ID)
	require.NoError(t, err)
	require.NoError(t, h.service.Cancel(context.Background(), latest.ID))

	close(validator.release)
	attempt := <-done
	assert.Equal(t, AttemptFailed, attempt.State)
	assert.Contains(t, attempt.Reason, "cancelled")
	assert.NotContains(t, h.calls.list(), "deploy")
}

func TestCancelAfterTerminalState(t *testing.T) {
	h := newHarness(t)
	submission := h.acceptedSubmission(t, "proj-1")

	attempt, err := h.service.IntegrateSubmission(context.Background(), submission.ID, "")
	require.NoError(t, err)

	err = h.service.Cancel(context.Background(), attempt.ID)
	require.ErrorIs(t, err, ErrCancelNotAllowed)
}

func TestCancelUnknownAttempt(t *testing.T) {
	h := newHarness(t)
	err := h.service.Cancel(context.Background(), "missing")
	require.ErrorIs(t, err, ErrAttemptNotFound)
}

func TestGetStatus(t *testing.T) {
	h := newHarness(t)
	submission := h.acceptedSubmission(t, "proj-1")

	h.store.mu.Lock()
	h.store.reports[submission.ID] = &quality.Report{
		ID:            "report-1",
		SubmissionID:  submission.ID,
		WeightedScore: 92,
		Verdict:       quality.VerdictAccept,
		CreatedAt:     time.Now().UTC(),
	}
	h.store.mu.Unlock()

	_, err := h.service.IntegrateSubmission(context.Background(), submission.ID, "")
	require.NoError(t, err)

	status, err := h.service.GetStatus(context.Background(), submission.ID)
	require.NoError(t, err)
	assert.Equal(t, SubmissionIntegrated, status.Submission.Status)
	require.NotNil(t, status.Report)
	assert.Equal(t, "accept", status.Report.Verdict)
	require.NotNil(t, status.Attempt)
	assert.Equal(t, AttemptCompleted, status.Attempt.State)
}

func TestGetStatusUnknownSubmission(t *testing.T) {
	h := newHarness(t)
	_, err := h.service.GetStatus(context.Background(), "missing")
	require.ErrorIs(t, err, ErrSubmissionNotFound)
}
