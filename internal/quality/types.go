// Package quality runs independent checkers against a submitted artifact and
// produces a weighted accept/reject decision.
package quality

import (
	"time"
)

// Severity classifies an issue found by a checker.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Verdict is the final accept/reject decision for a verification attempt.
type Verdict string

const (
	VerdictAccept Verdict = "accept"
	VerdictReject Verdict = "reject"
)

// Issue is a single finding reported by a checker.
type Issue struct {
	Checker  string   `json:"checker"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// CheckerResult is the outcome of one checker run: a score in [0,100] and
// zero or more issues.
type CheckerResult struct {
	Checker string  `json:"checker"`
	Score   float64 `json:"score"`
	Issues  []Issue `json:"issues"`
}

// Report is the immutable result of one verification attempt.
// Re-verification produces a new report; reports are never mutated.
type Report struct {
	ID            string             `json:"id"`
	SubmissionID  string             `json:"submission_id"`
	Scores        map[string]float64 `json:"scores"`
	Issues        []Issue            `json:"issues"`
	WeightedScore float64            `json:"weighted_score"`
	Verdict       Verdict            `json:"verdict"`
	Reason        string             `json:"reason"`
	CreatedAt     time.Time          `json:"created_at"`
}

// HasCritical reports whether any issue carries CRITICAL severity.
func (r *Report) HasCritical() bool {
	for _, issue := range r.Issues {
		if issue.Severity == SeverityCritical {
			return true
		}
	}
	return false
}
