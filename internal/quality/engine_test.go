package quality

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memReportStore struct {
	mu      sync.Mutex
	reports []*Report
	err     error
}

func (s *memReportStore) SaveReport(_ context.Context, report *Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.reports = append(s.reports, report)
	return nil
}

type fixedChecker struct {
	name   string
	score  float64
	issues []Issue
	err    error
	panics bool
	delay  time.Duration
	calls  int
	mu     sync.Mutex
}

func (c *fixedChecker) Name() string { return c.name }

func (c *fixedChecker) Check(ctx context.Context, _ []byte) (CheckerResult, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return CheckerResult{}, ctx.Err()
		}
	}
	if c.panics {
		panic("checker exploded")
	}
	if c.err != nil {
		return CheckerResult{}, c.err
	}
	return CheckerResult{Checker: c.name, Score: c.score, Issues: c.issues}, nil
}

func fourCheckers(codeQuality, security, performance, documentation float64) []Checker {
	return []Checker{
		&fixedChecker{name: CheckerCodeQuality, score: codeQuality},
		&fixedChecker{name: CheckerSecurity, score: security},
		&fixedChecker{name: CheckerPerformance, score: performance},
		&fixedChecker{name: CheckerDocumentation, score: documentation},
	}
}

func TestVerifyWeightedRejection(t *testing.T) {
	store := &memReportStore{}
	engine, err := NewEngine(Config{}, fourCheckers(90, 40, 80, 70), store, nil)
	require.NoError(t, err)

	report, err := engine.Verify(context.Background(), "sub-1", []byte("artifact"))
	require.NoError(t, err)

	// 90*0.35 + 40*0.30 + 80*0.20 + 70*0.15 = 70.0
	assert.InDelta(t, 70.0, report.WeightedScore, 1e-9)
	assert.Equal(t, VerdictReject, report.Verdict)
	assert.Contains(t, report.Reason, "below threshold")
}

func TestVerifyAcceptAboveThreshold(t *testing.T) {
	store := &memReportStore{}
	engine, err := NewEngine(Config{}, fourCheckers(95, 90, 85, 90), store, nil)
	require.NoError(t, err)

	report, err := engine.Verify(context.Background(), "sub-2", nil)
	require.NoError(t, err)
	assert.Equal(t, VerdictAccept, report.Verdict)
	assert.GreaterOrEqual(t, report.WeightedScore, 85.0)
}

func TestVerifyCriticalIssueForcesReject(t *testing.T) {
	checkers := []Checker{
		&fixedChecker{name: CheckerCodeQuality, score: 100},
		&fixedChecker{name: CheckerSecurity, score: 95, issues: []Issue{{
			Checker:  CheckerSecurity,
			Severity: SeverityCritical,
			Message:  "hardcoded credential",
		}}},
		&fixedChecker{name: CheckerPerformance, score: 100},
		&fixedChecker{name: CheckerDocumentation, score: 100},
	}
	store := &memReportStore{}
	engine, err := NewEngine(Config{}, checkers, store, nil)
	require.NoError(t, err)

	report, err := engine.Verify(context.Background(), "sub-3", nil)
	require.NoError(t, err)
	assert.Greater(t, report.WeightedScore, 85.0)
	assert.Equal(t, VerdictReject, report.Verdict)
	assert.Contains(t, report.Reason, "critical")
}

func TestVerifyCheckerErrorScoresZero(t *testing.T) {
	checkers := []Checker{
		&fixedChecker{name: CheckerCodeQuality, score: 100},
		&fixedChecker{name: CheckerSecurity, err: errors.New("scanner unavailable")},
		&fixedChecker{name: CheckerPerformance, score: 100},
		&fixedChecker{name: CheckerDocumentation, score: 100},
	}
	store := &memReportStore{}
	engine, err := NewEngine(Config{}, checkers, store, nil)
	require.NoError(t, err)

	report, err := engine.Verify(context.Background(), "sub-4", nil)
	require.NoError(t, err)
	assert.Zero(t, report.Scores[CheckerSecurity])

	var high bool
	for _, issue := range report.Issues {
		if issue.Checker == CheckerSecurity && issue.Severity == SeverityHigh {
			high = true
		}
	}
	assert.True(t, high, "failed checker should raise a HIGH issue")
}

func TestVerifyCheckerPanicScoresZero(t *testing.T) {
	checkers := []Checker{
		&fixedChecker{name: CheckerCodeQuality, score: 100},
		&fixedChecker{name: CheckerSecurity, panics: true},
		&fixedChecker{name: CheckerPerformance, score: 100},
		&fixedChecker{name: CheckerDocumentation, score: 100},
	}
	store := &memReportStore{}
	engine, err := NewEngine(Config{}, checkers, store, nil)
	require.NoError(t, err)

	report, err := engine.Verify(context.Background(), "sub-5", nil)
	require.NoError(t, err)
	assert.Zero(t, report.Scores[CheckerSecurity])
	assert.Equal(t, VerdictReject, report.Verdict)
}

func TestVerifyCheckerTimeoutScoresZero(t *testing.T) {
	checkers := []Checker{
		&fixedChecker{name: CheckerCodeQuality, score: 100},
		&fixedChecker{name: CheckerSecurity, score: 100, delay: time.Second},
		&fixedChecker{name: CheckerPerformance, score: 100},
		&fixedChecker{name: CheckerDocumentation, score: 100},
	}
	store := &memReportStore{}
	engine, err := NewEngine(Config{CheckTimeout: 50 * time.Millisecond}, checkers, store, nil)
	require.NoError(t, err)

	report, err := engine.Verify(context.Background(), "sub-6", nil)
	require.NoError(t, err)
	assert.Zero(t, report.Scores[CheckerSecurity])
}

// ctxReportStore refuses the write once its context is no longer alive, the
// way a database driver's ExecContext does.
type ctxReportStore struct {
	memReportStore
}

func (s *ctxReportStore) SaveReport(ctx context.Context, report *Report) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.memReportStore.SaveReport(ctx, report)
}

func TestVerifyTimeoutStillPersistsAndReturnsVerdict(t *testing.T) {
	checkers := []Checker{
		&fixedChecker{name: CheckerCodeQuality, score: 100},
		&fixedChecker{name: CheckerSecurity, score: 100, delay: time.Second},
		&fixedChecker{name: CheckerPerformance, score: 100},
		&fixedChecker{name: CheckerDocumentation, score: 100},
	}
	store := &ctxReportStore{}
	engine, err := NewEngine(Config{CheckTimeout: 50 * time.Millisecond}, checkers, store, nil)
	require.NoError(t, err)

	report, err := engine.Verify(context.Background(), "sub-10", nil)
	require.NoError(t, err)
	assert.Zero(t, report.Scores[CheckerSecurity])
	assert.Equal(t, VerdictReject, report.Verdict)

	require.Len(t, store.reports, 1)
	assert.Equal(t, report.ID, store.reports[0].ID)
}

func TestVerifyWeightedSumIsExactlyReproducible(t *testing.T) {
	store := &memReportStore{}
	engine, err := NewEngine(Config{}, fourCheckers(90, 40, 80, 70), store, nil)
	require.NoError(t, err)

	first, err := engine.Verify(context.Background(), "sub-11", nil)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		next, err := engine.Verify(context.Background(), "sub-11", nil)
		require.NoError(t, err)
		assert.Equal(t, first.WeightedScore, next.WeightedScore)
	}
}

func TestVerifyPersistsReportBeforeVerdict(t *testing.T) {
	store := &memReportStore{}
	engine, err := NewEngine(Config{}, fourCheckers(90, 90, 90, 90), store, nil)
	require.NoError(t, err)

	report, err := engine.Verify(context.Background(), "sub-7", nil)
	require.NoError(t, err)

	require.Len(t, store.reports, 1)
	assert.Equal(t, report.ID, store.reports[0].ID)
	assert.NotEmpty(t, report.ID)
	assert.Equal(t, "sub-7", report.SubmissionID)
}

func TestVerifyPersistFailureReturnsError(t *testing.T) {
	store := &memReportStore{err: errors.New("disk full")}
	engine, err := NewEngine(Config{}, fourCheckers(90, 90, 90, 90), store, nil)
	require.NoError(t, err)

	_, err = engine.Verify(context.Background(), "sub-8", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persisting report")
}

func TestVerifyDeterministicForSameInput(t *testing.T) {
	store := &memReportStore{}
	engine, err := NewEngine(Config{}, DefaultCheckers(), store, nil)
	require.NoError(t, err)

	artifact := []byte("// adds two numbers\nfunc add(a, b int) int { return a + b }\n")

	first, err := engine.Verify(context.Background(), "sub-9", artifact)
	require.NoError(t, err)
	second, err := engine.Verify(context.Background(), "sub-9", artifact)
	require.NoError(t, err)

	assert.Equal(t, first.Scores, second.Scores)
	assert.Equal(t, first.Verdict, second.Verdict)
	assert.InDelta(t, first.WeightedScore, second.WeightedScore, 1e-9)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestConfigValidateWeightSum(t *testing.T) {
	cfg := Config{
		Weights: map[string]float64{
			CheckerCodeQuality: 0.50,
			CheckerSecurity:    0.30,
		},
	}
	cfg.ApplyDefaults()
	require.Error(t, cfg.Validate())

	cfg.Weights[CheckerSecurity] = 0.50
	require.NoError(t, cfg.Validate())
}

func TestNewEngineRejectsUnweightedChecker(t *testing.T) {
	cfg := Config{Weights: map[string]float64{CheckerCodeQuality: 1.0}}
	_, err := NewEngine(cfg, DefaultCheckers(), &memReportStore{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no weight configured")
}

func TestNewEngineRequiresStore(t *testing.T) {
	_, err := NewEngine(Config{}, DefaultCheckers(), nil, nil)
	require.Error(t, err)
}
