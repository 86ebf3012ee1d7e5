package integrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/integrationd/internal/deploy"
	"github.com/fyrsmithlabs/integrationd/internal/quality"
	"github.com/fyrsmithlabs/integrationd/internal/rollback"
)

// ErrReportNotFound is returned by Store implementations when a submission
// has no quality report yet.
var ErrReportNotFound = errors.New("integrator: quality report not found")

// Store persists submissions, attempts, and exposes the latest quality
// report for a submission.
type Store interface {
	SaveSubmission(ctx context.Context, submission *Submission) error
	GetSubmission(ctx context.Context, id string) (*Submission, error)
	SaveAttempt(ctx context.Context, attempt *IntegrationAttempt) error
	GetAttempt(ctx context.Context, id string) (*IntegrationAttempt, error)
	LatestAttempt(ctx context.Context, submissionID string) (*IntegrationAttempt, error)
	LatestReport(ctx context.Context, submissionID string) (*quality.Report, error)
}

// Verifier produces a quality report for an artifact.
type Verifier interface {
	Verify(ctx context.Context, submissionID string, artifact []byte) (*quality.Report, error)
}

// Deployer applies an artifact with a rollout strategy. Deploy returns a
// non-nil outcome even when it returns an error.
type Deployer interface {
	Deploy(ctx context.Context, strategy deploy.Strategy, projectID string, artifact []byte) (*deploy.Outcome, error)
}

// Snapshots captures and restores project state around a deployment.
type Snapshots interface {
	Snapshot(ctx context.Context, projectID, attemptID string) (*rollback.Snapshot, error)
	Restore(ctx context.Context, snapshotID string) error
}

// Notifier delivers terminal-state events to the notification collaborator.
type Notifier interface {
	Publish(ctx context.Context, event Event) error
}

// Validator runs pre-integration checks before any target state is touched.
type Validator interface {
	ValidateSubmission(ctx context.Context, submission *Submission) error
}

// Config configures the integrator.
type Config struct {
	// DefaultStrategy is used when the caller gives no strategy hint.
	// Default: blue_green.
	DefaultStrategy string `koanf:"default_strategy"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.DefaultStrategy == "" {
		c.DefaultStrategy = string(deploy.StrategyBlueGreen)
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	_, err := deploy.ParseStrategy(c.DefaultStrategy)
	return err
}

// attemptRun tracks an in-flight attempt for cancellation. Cancellation is
// only honored while the attempt is validating.
type attemptRun struct {
	mu        sync.Mutex
	state     AttemptState
	cancelled bool
}

// Service drives submissions through verification and integration.
type Service struct {
	config    Config
	store     Store
	verifier  Verifier
	deployer  Deployer
	snaps     Snapshots
	smoke     deploy.SmokeRunner
	notifier  Notifier
	validator Validator
	logger    *zap.Logger

	now func() time.Time

	lockMu sync.Mutex
	locks  map[string]bool

	runMu sync.Mutex
	runs  map[string]*attemptRun
}

// Option customizes the service.
type Option func(*Service)

// WithValidator installs a pre-integration validator.
func WithValidator(v Validator) Option {
	return func(s *Service) { s.validator = v }
}

// NewService creates the integrator service.
func NewService(cfg Config, store Store, verifier Verifier, deployer Deployer,
	snaps Snapshots, smoke deploy.SmokeRunner, notifier Notifier,
	logger *zap.Logger, opts ...Option) (*Service, error) {

	if store == nil {
		return nil, errors.New("integrator: store is required")
	}
	if verifier == nil {
		return nil, errors.New("integrator: verifier is required")
	}
	if deployer == nil {
		return nil, errors.New("integrator: deployer is required")
	}
	if snaps == nil {
		return nil, errors.New("integrator: snapshot manager is required")
	}
	if smoke == nil {
		return nil, errors.New("integrator: smoke runner is required")
	}
	if notifier == nil {
		return nil, errors.New("integrator: notifier is required")
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		config:   cfg,
		store:    store,
		verifier: verifier,
		deployer: deployer,
		snaps:    snaps,
		smoke:    smoke,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
		locks:    make(map[string]bool),
		runs:     make(map[string]*attemptRun),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Submit records a new submission and returns it immediately. Verification
// and integration are requested separately.
func (s *Service) Submit(ctx context.Context, projectID string, artifact []byte, metadata map[string]string) (*Submission, error) {
	if projectID == "" {
		return nil, errors.New("integrator: project id is required")
	}
	if projectID == "." || projectID == ".." || strings.ContainsAny(projectID, `/\`) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidProjectID, projectID)
	}
	if len(artifact) == 0 {
		return nil, errors.New("integrator: artifact payload is required")
	}

	now := s.now().UTC()
	submission := &Submission{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Artifact:  artifact,
		Metadata:  metadata,
		Status:    SubmissionReceived,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.SaveSubmission(ctx, submission); err != nil {
		return nil, fmt.Errorf("integrator: persisting submission: %w", err)
	}

	s.logger.Info("submission received",
		zap.String("submission", submission.ID),
		zap.String("project", projectID))
	return submission, nil
}

// VerifySubmission runs quality verification and records the verdict on the
// submission. A REJECT verdict is a normal outcome, not an error.
func (s *Service) VerifySubmission(ctx context.Context, submissionID string) (*quality.Report, error) {
	submission, err := s.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}

	s.setSubmissionStatus(ctx, submission, SubmissionVerifying, "")

	report, err := s.verifier.Verify(ctx, submissionID, submission.Artifact)
	if err != nil {
		s.setSubmissionStatus(ctx, submission, SubmissionReceived, "")
		return nil, fmt.Errorf("integrator: verification: %w", err)
	}

	status := SubmissionAccepted
	if report.Verdict != quality.VerdictAccept {
		status = SubmissionRejected
	}
	s.setSubmissionStatus(ctx, submission, status, report.Reason)

	s.publish(ctx, Event{
		Type:         EventVerificationFinished,
		SubmissionID: submission.ID,
		ProjectID:    submission.ProjectID,
		Status:       string(status),
		Reason:       report.Reason,
		At:           s.now().UTC(),
	})
	return report, nil
}

// IntegrateSubmission runs one integration attempt to a terminal state and
// returns it. The strategy hint is advisory; an unknown hint falls back to
// the configured default.
func (s *Service) IntegrateSubmission(ctx context.Context, submissionID, strategyHint string) (*IntegrationAttempt, error) {
	submission, err := s.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}

	// Integration never runs ahead of a verdict. A submission that was
	// never verified gets verified now; a rejected one stays rejected.
	if submission.Status == SubmissionReceived {
		if _, err := s.VerifySubmission(ctx, submissionID); err != nil {
			return nil, err
		}
		submission, err = s.store.GetSubmission(ctx, submissionID)
		if err != nil {
			return nil, err
		}
	}

	switch submission.Status {
	case SubmissionAccepted, SubmissionFailed, SubmissionRolledBack:
	default:
		return nil, fmt.Errorf("%w: status %s", ErrNotIntegrable, submission.Status)
	}

	strategy := deploy.Strategy(s.config.DefaultStrategy)
	if strategyHint != "" {
		if parsed, err := deploy.ParseStrategy(strategyHint); err == nil {
			strategy = parsed
		} else {
			s.logger.Warn("ignoring unknown strategy hint",
				zap.String("hint", strategyHint),
				zap.String("submission", submissionID))
		}
	}

	now := s.now().UTC()
	attempt := &IntegrationAttempt{
		ID:           uuid.New().String(),
		SubmissionID: submission.ID,
		ProjectID:    submission.ProjectID,
		Strategy:     strategy,
		State:        AttemptPending,
		StartedAt:    now,
	}

	if !s.tryLockProject(submission.ProjectID) {
		conflictsTotal.Inc()
		ended := s.now().UTC()
		attempt.State = AttemptFailed
		attempt.Reason = "another attempt is already integrating this project"
		attempt.EndedAt = &ended
		if err := s.store.SaveAttempt(ctx, attempt); err != nil {
			s.logger.Warn("persisting conflicted attempt failed", zap.Error(err))
		}
		return attempt, ErrIntegrationConflict
	}

	if err := s.store.SaveAttempt(ctx, attempt); err != nil {
		s.unlockProject(submission.ProjectID)
		return nil, fmt.Errorf("integrator: persisting attempt: %w", err)
	}

	run := &attemptRun{state: AttemptPending}
	s.runMu.Lock()
	s.runs[attempt.ID] = run
	s.runMu.Unlock()

	s.setSubmissionStatus(ctx, submission, SubmissionIntegrating, "")
	s.runAttempt(ctx, submission, attempt, run)
	return attempt, nil
}

// Cancel aborts an attempt that has not yet begun deploying. Once deployment
// starts the attempt must run to a terminal state.
func (s *Service) Cancel(ctx context.Context, attemptID string) error {
	s.runMu.Lock()
	run, ok := s.runs[attemptID]
	s.runMu.Unlock()
	if !ok {
		if _, err := s.store.GetAttempt(ctx, attemptID); err != nil {
			return err
		}
		return ErrCancelNotAllowed
	}

	run.mu.Lock()
	defer run.mu.Unlock()
	if run.state != AttemptPending && run.state != AttemptValidating {
		return ErrCancelNotAllowed
	}
	run.cancelled = true
	return nil
}

// GetStatus returns the submission with its latest report summary and
// attempt, for polling callers.
func (s *Service) GetStatus(ctx context.Context, submissionID string) (*Status, error) {
	submission, err := s.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	status := &Status{Submission: submission}

	report, err := s.store.LatestReport(ctx, submissionID)
	switch {
	case err == nil:
		status.Report = &ReportSummary{
			ReportID:      report.ID,
			WeightedScore: report.WeightedScore,
			Verdict:       string(report.Verdict),
			IssueCount:    len(report.Issues),
			CreatedAt:     report.CreatedAt,
		}
	case !errors.Is(err, ErrReportNotFound):
		return nil, err
	}

	attempt, err := s.store.LatestAttempt(ctx, submissionID)
	switch {
	case err == nil:
		status.Attempt = attempt
	case !errors.Is(err, ErrAttemptNotFound):
		return nil, err
	}
	return status, nil
}

// runAttempt drives the attempt state machine. The project lock is held for
// the whole run and released in finish.
func (s *Service) runAttempt(ctx context.Context, submission *Submission, attempt *IntegrationAttempt, run *attemptRun) {
	s.setAttemptState(ctx, attempt, run, AttemptValidating)

	if err := s.validate(ctx, submission); err != nil {
		s.finish(ctx, submission, attempt, run, AttemptFailed,
			fmt.Sprintf("validation failed: %v", err), SubmissionFailed)
		return
	}

	run.mu.Lock()
	cancelled := run.cancelled
	run.mu.Unlock()
	if cancelled {
		s.finish(ctx, submission, attempt, run, AttemptFailed,
			"cancelled before deployment", SubmissionFailed)
		return
	}

	s.setAttemptState(ctx, attempt, run, AttemptDeploying)

	snapshot, err := s.snaps.Snapshot(ctx, submission.ProjectID, attempt.ID)
	if err != nil {
		s.finish(ctx, submission, attempt, run, AttemptFailed,
			fmt.Sprintf("snapshot failed before deployment: %v", err), SubmissionFailed)
		return
	}
	attempt.SnapshotID = snapshot.ID
	if err := s.store.SaveAttempt(ctx, attempt); err != nil {
		s.logger.Warn("persisting snapshot reference failed", zap.Error(err))
	}

	needsRollback, reason, err := s.deployAndVerify(ctx, submission, attempt, run)
	if err == nil {
		s.finish(ctx, submission, attempt, run, AttemptCompleted, "", SubmissionIntegrated)
		return
	}
	if !needsRollback {
		s.finish(ctx, submission, attempt, run, AttemptFailed, reason, SubmissionFailed)
		return
	}
	s.rollbackAndFinish(ctx, submission, attempt, run, reason)
}

// deployAndVerify covers DEPLOYING and VERIFYING. A panic anywhere in here
// leaves target state indeterminate, so it is converted into a
// rollback-requiring failure.
func (s *Service) deployAndVerify(ctx context.Context, submission *Submission, attempt *IntegrationAttempt, run *attemptRun) (needsRollback bool, reason string, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic during integration",
				zap.String("attempt", attempt.ID),
				zap.Any("panic", r))
			needsRollback = true
			reason = fmt.Sprintf("unexpected failure during integration: %v", r)
			err = fmt.Errorf("integrator: %s", reason)
		}
	}()

	outcome, err := s.deployer.Deploy(ctx, attempt.Strategy, submission.ProjectID, submission.Artifact)
	if err != nil {
		return outcome.NeedsRollback, outcome.Reason, err
	}

	s.setAttemptState(ctx, attempt, run, AttemptVerifying)

	if err := s.smoke.RunSmoke(ctx, submission.ProjectID); err != nil {
		return true, fmt.Sprintf("post-deploy smoke checks failed: %v", err), err
	}
	return false, "", nil
}

// rollbackAndFinish restores the snapshot. A restore failure is the only
// non-self-healing outcome and sets the rollback-failed flag.
func (s *Service) rollbackAndFinish(ctx context.Context, submission *Submission, attempt *IntegrationAttempt, run *attemptRun, reason string) {
	if err := s.snaps.Restore(ctx, attempt.SnapshotID); err != nil {
		rollbackFailuresTotal.Inc()
		attempt.RollbackFailed = true
		s.logger.Error("rollback failed, manual intervention required",
			zap.String("attempt", attempt.ID),
			zap.String("project", submission.ProjectID),
			zap.String("snapshot", attempt.SnapshotID),
			zap.Error(err))
		s.finish(ctx, submission, attempt, run, AttemptFailed,
			fmt.Sprintf("%s; rollback also failed: %v", reason, err), SubmissionFailed)
		s.publish(ctx, Event{
			Type:         EventRollbackFailed,
			SubmissionID: submission.ID,
			ProjectID:    submission.ProjectID,
			AttemptID:    attempt.ID,
			Status:       string(AttemptFailed),
			Reason:       attempt.Reason,
			At:           s.now().UTC(),
		})
		return
	}
	s.finish(ctx, submission, attempt, run, AttemptRolledBack, reason, SubmissionRolledBack)
}

func (s *Service) validate(ctx context.Context, submission *Submission) error {
	if len(submission.Artifact) == 0 {
		return errors.New("artifact payload is empty")
	}
	if s.validator != nil {
		return s.validator.ValidateSubmission(ctx, submission)
	}
	return nil
}

func (s *Service) setAttemptState(ctx context.Context, attempt *IntegrationAttempt, run *attemptRun, state AttemptState) {
	run.mu.Lock()
	run.state = state
	run.mu.Unlock()

	attempt.State = state
	if err := s.store.SaveAttempt(ctx, attempt); err != nil {
		s.logger.Warn("persisting attempt state failed",
			zap.String("attempt", attempt.ID),
			zap.String("state", string(state)),
			zap.Error(err))
	}
}

// finish moves the attempt to a terminal state, updates the submission,
// releases the project lock, and emits the terminal notification.
func (s *Service) finish(ctx context.Context, submission *Submission, attempt *IntegrationAttempt, run *attemptRun, state AttemptState, reason string, subStatus SubmissionStatus) {
	ended := s.now().UTC()
	attempt.State = state
	attempt.Reason = reason
	attempt.EndedAt = &ended

	run.mu.Lock()
	run.state = state
	run.mu.Unlock()

	if err := s.store.SaveAttempt(ctx, attempt); err != nil {
		s.logger.Error("persisting terminal attempt failed",
			zap.String("attempt", attempt.ID),
			zap.Error(err))
	}
	s.setSubmissionStatus(ctx, submission, subStatus, reason)

	s.runMu.Lock()
	delete(s.runs, attempt.ID)
	s.runMu.Unlock()
	s.unlockProject(submission.ProjectID)

	attemptsTotal.WithLabelValues(string(state)).Inc()
	s.logger.Info("integration attempt finished",
		zap.String("attempt", attempt.ID),
		zap.String("submission", submission.ID),
		zap.String("project", submission.ProjectID),
		zap.String("state", string(state)),
		zap.Bool("rollback_failed", attempt.RollbackFailed),
		zap.String("reason", reason))

	s.publish(ctx, Event{
		Type:         EventIntegrationFinished,
		SubmissionID: submission.ID,
		ProjectID:    submission.ProjectID,
		AttemptID:    attempt.ID,
		Status:       string(state),
		Reason:       reason,
		At:           ended,
	})
}

func (s *Service) setSubmissionStatus(ctx context.Context, submission *Submission, status SubmissionStatus, reason string) {
	submission.Status = status
	submission.Reason = reason
	submission.UpdatedAt = s.now().UTC()
	if err := s.store.SaveSubmission(ctx, submission); err != nil {
		s.logger.Warn("persisting submission status failed",
			zap.String("submission", submission.ID),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}

func (s *Service) publish(ctx context.Context, event Event) {
	if err := s.notifier.Publish(ctx, event); err != nil {
		s.logger.Warn("publishing notification failed",
			zap.String("type", event.Type),
			zap.String("submission", event.SubmissionID),
			zap.Error(err))
	}
}

func (s *Service) tryLockProject(projectID string) bool {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	if s.locks[projectID] {
		return false
	}
	s.locks[projectID] = true
	return true
}

func (s *Service) unlockProject(projectID string) {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	delete(s.locks, projectID)
}
