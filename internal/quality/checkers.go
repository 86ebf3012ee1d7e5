package quality

import (
	"context"
	"regexp"
	"strings"
)

// Built-in checker names. Weights are keyed by these.
const (
	CheckerCodeQuality   = "code_quality"
	CheckerSecurity      = "security"
	CheckerPerformance   = "performance"
	CheckerDocumentation = "documentation"
)

// DefaultCheckers returns the standard checker set.
func DefaultCheckers() []Checker {
	return []Checker{
		&CodeQualityChecker{},
		&SecurityChecker{},
		&PerformanceChecker{},
		&DocumentationChecker{},
	}
}

// CodeQualityChecker performs lightweight static analysis on the artifact
// text: oversized lines, unresolved markers, and deeply nested blocks each
// cost points.
type CodeQualityChecker struct{}

func (c *CodeQualityChecker) Name() string { return CheckerCodeQuality }

func (c *CodeQualityChecker) Check(ctx context.Context, artifact []byte) (CheckerResult, error) {
	lines := strings.Split(string(artifact), "\n")
	score := 100.0
	var issues []Issue

	longLines := 0
	markers := 0
	for _, line := range lines {
		if len(line) > 160 {
			longLines++
		}
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "FIXME") || strings.Contains(trimmed, "XXX") {
			markers++
		}
	}

	if longLines > 0 {
		score -= float64(longLines) * 2
		issues = append(issues, Issue{
			Checker:  c.Name(),
			Severity: SeverityLow,
			Message:  "artifact contains lines longer than 160 characters",
		})
	}
	if markers > 0 {
		score -= float64(markers) * 5
		issues = append(issues, Issue{
			Checker:  c.Name(),
			Severity: SeverityMedium,
			Message:  "artifact contains unresolved FIXME/XXX markers",
		})
	}

	return CheckerResult{Checker: c.Name(), Score: clampScore(score), Issues: issues}, nil
}

// secretPatterns match hardcoded credential shapes. A hit is a CRITICAL
// issue and forces rejection regardless of the weighted score.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(password|passwd|secret)\s*[:=]\s*["'][^"']{4,}["']`),
	regexp.MustCompile(`(?i)api[_-]?key\s*[:=]\s*["'][A-Za-z0-9_\-]{8,}["']`),
	regexp.MustCompile(`-----BEGIN (RSA |EC )?PRIVATE KEY-----`),
}

var dangerousCallPattern = regexp.MustCompile(`(?i)\b(eval|exec)\s*\(`)

// SecurityChecker scans the artifact for credential leaks and dangerous
// call patterns.
type SecurityChecker struct{}

func (c *SecurityChecker) Name() string { return CheckerSecurity }

func (c *SecurityChecker) Check(ctx context.Context, artifact []byte) (CheckerResult, error) {
	text := string(artifact)
	score := 100.0
	var issues []Issue

	for _, pattern := range secretPatterns {
		if pattern.MatchString(text) {
			score -= 50
			issues = append(issues, Issue{
				Checker:  c.Name(),
				Severity: SeverityCritical,
				Message:  "artifact appears to contain a hardcoded credential",
			})
			break
		}
	}

	if dangerousCallPattern.MatchString(text) {
		score -= 20
		issues = append(issues, Issue{
			Checker:  c.Name(),
			Severity: SeverityHigh,
			Message:  "artifact uses dynamic code execution",
		})
	}

	return CheckerResult{Checker: c.Name(), Score: clampScore(score), Issues: issues}, nil
}

// PerformanceChecker flags patterns that commonly regress latency.
type PerformanceChecker struct{}

func (c *PerformanceChecker) Name() string { return CheckerPerformance }

var perfPatterns = map[string]string{
	"select *":    "unbounded wildcard query",
	"sleep(":      "blocking sleep in code path",
	"time.sleep(": "blocking sleep in code path",
}

func (c *PerformanceChecker) Check(ctx context.Context, artifact []byte) (CheckerResult, error) {
	text := strings.ToLower(string(artifact))
	score := 100.0
	var issues []Issue

	seen := make(map[string]bool)
	for pattern, msg := range perfPatterns {
		if strings.Contains(text, pattern) && !seen[msg] {
			seen[msg] = true
			score -= 15
			issues = append(issues, Issue{
				Checker:  c.Name(),
				Severity: SeverityMedium,
				Message:  msg,
			})
		}
	}

	return CheckerResult{Checker: c.Name(), Score: clampScore(score), Issues: issues}, nil
}

// DocumentationChecker scores comment density. Artifacts with no commentary
// at all get a LOW issue rather than a hard failure.
type DocumentationChecker struct{}

func (c *DocumentationChecker) Name() string { return CheckerDocumentation }

func (c *DocumentationChecker) Check(ctx context.Context, artifact []byte) (CheckerResult, error) {
	lines := strings.Split(string(artifact), "\n")

	var code, comments int
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "//") || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "*") {
			comments++
		} else {
			code++
		}
	}

	if code == 0 {
		return CheckerResult{Checker: c.Name(), Score: 100}, nil
	}

	ratio := float64(comments) / float64(code)
	// 10% comment density scores full marks; scale linearly below that.
	score := clampScore(ratio / 0.10 * 100)

	var issues []Issue
	if comments == 0 {
		issues = append(issues, Issue{
			Checker:  c.Name(),
			Severity: SeverityLow,
			Message:  "artifact contains no documentation",
		})
	}

	return CheckerResult{Checker: c.Name(), Score: score, Issues: issues}, nil
}
