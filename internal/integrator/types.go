// Package integrator coordinates the life of a submission: quality
// verification, deployment with a chosen strategy, post-deploy smoke checks,
// and rollback when anything after the snapshot fails.
package integrator

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/fyrsmithlabs/integrationd/internal/deploy"
)

var (
	// ErrSubmissionNotFound is returned when the submission id is unknown.
	ErrSubmissionNotFound = errors.New("integrator: submission not found")

	// ErrAttemptNotFound is returned when the attempt id is unknown.
	ErrAttemptNotFound = errors.New("integrator: attempt not found")

	// ErrIntegrationConflict is returned when another attempt already holds
	// the project lock. The caller may retry once that attempt reaches a
	// terminal state.
	ErrIntegrationConflict = errors.New("integrator: project already mid-integration")

	// ErrNotIntegrable is returned when the submission's status does not
	// permit integration.
	ErrNotIntegrable = errors.New("integrator: submission is not in an integrable state")

	// ErrCancelNotAllowed is returned when cancellation is requested after
	// deployment has begun.
	ErrCancelNotAllowed = errors.New("integrator: attempt can only be cancelled while validating")

	// ErrInvalidProjectID is returned when the project id is not a single
	// clean path element. Project ids name environment slots and snapshot
	// rows, so separators and dot elements are rejected at intake.
	ErrInvalidProjectID = errors.New("integrator: invalid project id")
)

// SubmissionStatus tracks a submission through its lifecycle. Terminal
// statuses are never mutated; a new attempt moves the submission back
// through INTEGRATING.
type SubmissionStatus string

const (
	SubmissionReceived    SubmissionStatus = "received"
	SubmissionVerifying   SubmissionStatus = "verifying"
	SubmissionAccepted    SubmissionStatus = "accepted"
	SubmissionRejected    SubmissionStatus = "rejected"
	SubmissionIntegrating SubmissionStatus = "integrating"
	SubmissionIntegrated  SubmissionStatus = "integrated"
	SubmissionFailed      SubmissionStatus = "failed"
	SubmissionRolledBack  SubmissionStatus = "rolled_back"
)

// Submission is an artifact handed in by an external collaborator.
type Submission struct {
	ID        string            `json:"id"`
	ProjectID string            `json:"project_id"`
	Artifact  json.RawMessage   `json:"artifact"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Status    SubmissionStatus  `json:"status"`
	Reason    string            `json:"reason,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// AttemptState is the integration attempt state machine.
type AttemptState string

const (
	AttemptPending    AttemptState = "pending"
	AttemptValidating AttemptState = "validating"
	AttemptDeploying  AttemptState = "deploying"
	AttemptVerifying  AttemptState = "verifying"
	AttemptCompleted  AttemptState = "completed"
	AttemptRolledBack AttemptState = "rolled_back"
	AttemptFailed     AttemptState = "failed"
)

// Terminal reports whether the state ends the attempt.
func (s AttemptState) Terminal() bool {
	switch s {
	case AttemptCompleted, AttemptRolledBack, AttemptFailed:
		return true
	}
	return false
}

// IntegrationAttempt is one try at integrating a submission. A failed
// attempt is never mutated back to life; retries create a fresh attempt.
type IntegrationAttempt struct {
	ID           string          `json:"id"`
	SubmissionID string          `json:"submission_id"`
	ProjectID    string          `json:"project_id"`
	Strategy     deploy.Strategy `json:"strategy"`
	State        AttemptState    `json:"state"`
	SnapshotID   string          `json:"snapshot_id,omitempty"`

	// RollbackFailed marks the one non-self-healing outcome: deployment
	// failed and the snapshot restore failed too. Requires operator
	// intervention.
	RollbackFailed bool       `json:"rollback_failed,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
}

// Event is a terminal-state notification emitted to the notification
// collaborator.
type Event struct {
	Type         string    `json:"type"`
	SubmissionID string    `json:"submission_id"`
	ProjectID    string    `json:"project_id"`
	AttemptID    string    `json:"attempt_id,omitempty"`
	Status       string    `json:"status"`
	Reason       string    `json:"reason,omitempty"`
	At           time.Time `json:"at"`
}

// Event types emitted on terminal transitions.
const (
	EventVerificationFinished = "verification.finished"
	EventIntegrationFinished  = "integration.finished"
	EventRollbackFailed       = "integration.rollback_failed"
)

// Status is the polling view returned by GetStatus.
type Status struct {
	Submission *Submission         `json:"submission"`
	Report     *ReportSummary      `json:"report,omitempty"`
	Attempt    *IntegrationAttempt `json:"attempt,omitempty"`
}

// ReportSummary is the condensed quality report embedded in Status.
type ReportSummary struct {
	ReportID      string    `json:"report_id"`
	WeightedScore float64   `json:"weighted_score"`
	Verdict       string    `json:"verdict"`
	IssueCount    int       `json:"issue_count"`
	CreatedAt     time.Time `json:"created_at"`
}
