package policy

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/prdloop/internal/worker"
	"github.com/ShayCichocki/prdloop/pkg/models"
)

// recordingPolicy logs its hook calls into a shared slice.
type recordingPolicy struct {
	name      string
	log       *[]string
	beforeErr error
	afterErr  error
}

func (p *recordingPolicy) Name() string { return p.name }

func (p *recordingPolicy) Before(ctx context.Context, a *Attempt) error {
	*p.log = append(*p.log, "before:"+p.name)
	return p.beforeErr
}

func (p *recordingPolicy) After(ctx context.Context, a *Attempt, out *Outcome) error {
	*p.log = append(*p.log, "after:"+p.name)
	return p.afterErr
}

func newAttempt(taskID string) *Attempt {
	return &Attempt{
		SessionID: "s1",
		Task:      &models.Task{ID: taskID, Title: taskID},
		Number:    1,
		Model:     "m",
	}
}

func okResponse(cost float64, files ...string) func(ctx context.Context) (*worker.Response, error) {
	return func(ctx context.Context) (*worker.Response, error) {
		resp := &worker.Response{
			Success: true,
			Usage:   models.Usage{InputTokens: 100, OutputTokens: 50, CostUSD: cost},
		}
		for _, f := range files {
			resp.FileChanges = append(resp.FileChanges, models.FileChange{Path: f, Action: models.FileModified})
		}
		return resp, nil
	}
}

func failResponse(ctx context.Context) (*worker.Response, error) {
	return nil, &worker.ProcessError{Worker: "fake", ExitCode: 1, Message: "boom"}
}

func TestPipeline_Order(t *testing.T) {
	var calls []string
	p := NewPipeline(
		&recordingPolicy{name: "a", log: &calls},
		&recordingPolicy{name: "b", log: &calls},
		&recordingPolicy{name: "c", log: &calls},
	)

	ran := false
	out := p.Run(context.Background(), newAttempt("t1"), func(ctx context.Context) (*worker.Response, error) {
		ran = true
		calls = append(calls, "attempt")
		return &worker.Response{Success: true}, nil
	})

	assert.True(t, ran)
	assert.True(t, out.Success())
	assert.Equal(t, []string{
		"before:a", "before:b", "before:c",
		"attempt",
		"after:c", "after:b", "after:a",
	}, calls)
}

func TestPipeline_BlockedStillRunsEveryAfter(t *testing.T) {
	var calls []string
	blockErr := errors.New("nope")
	p := NewPipeline(
		&recordingPolicy{name: "a", log: &calls},
		&recordingPolicy{name: "b", log: &calls, beforeErr: blockErr},
		&recordingPolicy{name: "c", log: &calls},
	)

	out := p.Run(context.Background(), newAttempt("t1"), func(ctx context.Context) (*worker.Response, error) {
		t.Fatal("attempt must not run when blocked")
		return nil, nil
	})

	assert.True(t, out.Blocked)
	assert.ErrorIs(t, out.Err, blockErr)
	assert.False(t, out.Success())
	assert.Equal(t, []string{"before:a", "before:b", "after:c", "after:b", "after:a"}, calls)
}

func TestPipeline_AfterErrorFailsAttempt(t *testing.T) {
	var calls []string
	qg := &QualityGateBlockedError{Mode: ModePreCommit, Feedback: "fix it"}
	p := NewPipeline(&recordingPolicy{name: "q", log: &calls, afterErr: qg})

	out := p.Run(context.Background(), newAttempt("t1"), okResponse(0.01))
	assert.False(t, out.Success())
	assert.Equal(t, "fix it", out.Feedback)
	assert.False(t, out.Fatal)

	var got *QualityGateBlockedError
	assert.ErrorAs(t, out.Err, &got)
}

func TestCostPolicy_BudgetExceeded(t *testing.T) {
	var updates []CostUpdate
	cost := NewCostPolicy(CostConfig{MaxCostUSD: 0.05, WarningThreshold: 0.8}, func(u CostUpdate) {
		updates = append(updates, u)
	})
	p := NewPipeline(cost)

	out := p.Run(context.Background(), newAttempt("t1"), okResponse(0.03))
	require.True(t, out.Success())
	assert.False(t, cost.Exceeded())

	out = p.Run(context.Background(), newAttempt("t2"), okResponse(0.03))
	assert.True(t, out.Fatal)
	var be *BudgetExceededError
	require.ErrorAs(t, out.Err, &be)
	assert.InDelta(t, 0.06, be.SpentUSD, 1e-9)
	assert.True(t, cost.Exceeded())

	// Later attempts are blocked before they run.
	ran := false
	out = p.Run(context.Background(), newAttempt("t3"), func(ctx context.Context) (*worker.Response, error) {
		ran = true
		return nil, nil
	})
	assert.False(t, ran)
	assert.True(t, out.Blocked)
	assert.True(t, out.Fatal)

	require.Len(t, updates, 2)
	assert.InDelta(t, 0.03, updates[0].TotalCostUSD, 1e-9)
	assert.InDelta(t, 0.06, updates[1].TotalCostUSD, 1e-9)
	assert.Equal(t, int64(300), updates[1].TotalTokens)
	assert.Equal(t, "t2", updates[1].TaskID)
}

func TestCostPolicy_ExactLimitIsNotExceeded(t *testing.T) {
	cost := NewCostPolicy(CostConfig{MaxCostUSD: 0.5}, nil)
	out := NewPipeline(cost).Run(context.Background(), newAttempt("t1"), okResponse(0.5))
	assert.True(t, out.Success())
	assert.False(t, cost.Exceeded())
}

func TestCostPolicy_Seed(t *testing.T) {
	cost := NewCostPolicy(CostConfig{MaxCostUSD: 1}, nil)
	cost.Seed(2, 1000)
	assert.True(t, cost.Exceeded())
	c, tok := cost.Totals()
	assert.Equal(t, 2.0, c)
	assert.Equal(t, int64(1000), tok)
}

func TestRetryPolicy_Counts(t *testing.T) {
	r := NewRetryPolicy(RetryConfig{MaxAttempts: 2})
	a := newAttempt("t1")

	require.NoError(t, r.Before(context.Background(), a))
	assert.True(t, r.ShouldRetry("s1", "t1"))
	require.NoError(t, r.Before(context.Background(), a))
	assert.False(t, r.ShouldRetry("s1", "t1"))
	assert.Equal(t, 2, r.Attempts("s1", "t1"))

	// Other tasks and sessions are independent.
	assert.Equal(t, 0, r.Attempts("s1", "t2"))
	assert.Equal(t, 0, r.Attempts("s2", "t1"))

	r.Reset("s1", "t1")
	assert.True(t, r.ShouldRetry("s1", "t1"))
}

func TestRetryPolicy_Delay(t *testing.T) {
	r := NewRetryPolicy(RetryConfig{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 400 * time.Millisecond})

	assert.Equal(t, time.Duration(0), r.Delay(0))
	assert.Equal(t, 100*time.Millisecond, r.Delay(1))
	assert.Equal(t, 200*time.Millisecond, r.Delay(2))
	assert.Equal(t, 400*time.Millisecond, r.Delay(3))
	assert.Equal(t, 400*time.Millisecond, r.Delay(6))

	jittered := NewRetryPolicy(RetryConfig{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Jitter: 0.5})
	for i := 0; i < 20; i++ {
		d := jittered.Delay(1)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}

func TestRetryPolicy_WaitHonorsContext(t *testing.T) {
	r := NewRetryPolicy(RetryConfig{BaseDelay: time.Hour, MaxDelay: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, r.Wait(ctx, 1), context.Canceled)
}

func TestCircuitBreaker_TripAndRecover(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var trips []CircuitTrip
	cb := NewCircuitBreaker(CircuitConfig{Threshold: 2, Cooldown: time.Minute}, func(tr CircuitTrip) {
		trips = append(trips, tr)
	})
	cb.now = func() time.Time { return now }
	p := NewPipeline(cb)

	p.Run(context.Background(), newAttempt("a"), failResponse)
	assert.Equal(t, CircuitClosed, cb.State())
	p.Run(context.Background(), newAttempt("b"), failResponse)
	assert.Equal(t, CircuitOpen, cb.State())
	require.Len(t, trips, 1)
	assert.Equal(t, 2, trips[0].ConsecutiveFailures)
	assert.Equal(t, "b", trips[0].TaskID)
	assert.Equal(t, now.Add(time.Minute), trips[0].Until)

	out := p.Run(context.Background(), newAttempt("c"), okResponse(0))
	assert.True(t, out.Blocked)
	assert.ErrorIs(t, out.Err, ErrCircuitOpen)
	assert.Equal(t, CircuitOpen, cb.State())

	// After cooldown one probe is allowed; its failure re-opens.
	now = now.Add(2 * time.Minute)
	out = p.Run(context.Background(), newAttempt("d"), failResponse)
	assert.False(t, out.Blocked)
	assert.Equal(t, CircuitOpen, cb.State())
	assert.Len(t, trips, 2)

	// A successful probe closes it.
	now = now.Add(2 * time.Minute)
	out = p.Run(context.Background(), newAttempt("e"), okResponse(0))
	assert.True(t, out.Success())
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, 0, cb.ConsecutiveFailures())
}

func TestCircuitBreaker_SingleProbe(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(CircuitConfig{Threshold: 1, Cooldown: time.Second}, nil)
	cb.now = func() time.Time { return now }

	NewPipeline(cb).Run(context.Background(), newAttempt("a"), failResponse)
	require.Equal(t, CircuitOpen, cb.State())

	now = now.Add(time.Hour)
	probe := newAttempt("probe")
	require.NoError(t, cb.Before(context.Background(), probe))
	assert.Equal(t, CircuitHalfOpen, cb.State())
	assert.ErrorIs(t, cb.Before(context.Background(), newAttempt("other")), ErrCircuitOpen)

	// A blocked probe frees the slot.
	require.NoError(t, cb.After(context.Background(), probe, &Outcome{Blocked: true}))
	assert.NoError(t, cb.Before(context.Background(), newAttempt("next")))
}

func TestCircuitBreaker_SuccessResetsStreak(t *testing.T) {
	cb := NewCircuitBreaker(CircuitConfig{Threshold: 3, Cooldown: time.Minute}, nil)
	p := NewPipeline(cb)
	p.Run(context.Background(), newAttempt("a"), failResponse)
	p.Run(context.Background(), newAttempt("b"), failResponse)
	p.Run(context.Background(), newAttempt("c"), okResponse(0))
	p.Run(context.Background(), newAttempt("d"), failResponse)
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, 1, cb.ConsecutiveFailures())
}

func TestAuditReport_Passes(t *testing.T) {
	tests := []struct {
		name   string
		report AuditReport
		mode   Mode
		want   bool
	}{
		{"pre-commit clean", AuditReport{High: 3, Medium: 9}, ModePreCommit, true},
		{"pre-commit critical", AuditReport{Critical: 1}, ModePreCommit, false},
		{"release high", AuditReport{High: 1}, ModeRelease, false},
		{"release medium", AuditReport{Medium: 4}, ModeRelease, true},
		{"full medium", AuditReport{Medium: 1}, ModeFull, false},
		{"full low", AuditReport{Low: 10}, ModeFull, true},
		{"none", AuditReport{Critical: 5}, ModeNone, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.report.Passes(tt.mode))
		})
	}
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModePreCommit, m)

	m, err = ParseMode("Release")
	require.NoError(t, err)
	assert.Equal(t, ModeRelease, m)

	_, err = ParseMode("strict")
	assert.Error(t, err)
}

func TestQualityGate_BlockingFeedback(t *testing.T) {
	auditor := AuditorFunc(func(ctx context.Context, root string) (*AuditReport, error) {
		return &AuditReport{Critical: 2, Categories: map[string]int{"security": 2}}, nil
	})
	gate := NewQualityGate(QualityConfig{Mode: ModePreCommit, Blocking: true}, auditor, t.TempDir())

	out := NewPipeline(gate).Run(context.Background(), newAttempt("t1"), okResponse(0, "main.go"))
	assert.False(t, out.Success())
	assert.Contains(t, out.Feedback, "security: 2")
	assert.Contains(t, out.Feedback, "2 critical")
}

func TestQualityGate_BlockedReportIsNotReused(t *testing.T) {
	var calls int32
	auditor := AuditorFunc(func(ctx context.Context, root string) (*AuditReport, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return &AuditReport{Critical: 1}, nil
		}
		return &AuditReport{}, nil
	})
	cfg := Default().Quality
	cfg.Mode = ModePreCommit
	cfg.Blocking = true
	require.Greater(t, cfg.Debounce, time.Duration(0))
	gate := NewQualityGate(cfg, auditor, "/repo")

	out := NewPipeline(gate).Run(context.Background(), newAttempt("t1"), okResponse(0, "main.go"))
	require.False(t, out.Success())

	out = NewPipeline(gate).Run(context.Background(), newAttempt("t1"), okResponse(0, "main.go"))
	assert.True(t, out.Success())
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))

	// A passing report is still cached inside the debounce window.
	out = NewPipeline(gate).Run(context.Background(), newAttempt("t2"), okResponse(0, "main.go"))
	assert.True(t, out.Success())
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestQualityGate_NonBlockingOnlyWarns(t *testing.T) {
	auditor := AuditorFunc(func(ctx context.Context, root string) (*AuditReport, error) {
		return &AuditReport{Critical: 2}, nil
	})
	gate := NewQualityGate(QualityConfig{Mode: ModePreCommit}, auditor, t.TempDir())

	out := NewPipeline(gate).Run(context.Background(), newAttempt("t1"), okResponse(0, "main.go"))
	assert.True(t, out.Success())
	assert.Empty(t, out.Feedback)
}

func TestQualityGate_SkipsWithoutFileChanges(t *testing.T) {
	var calls int32
	auditor := AuditorFunc(func(ctx context.Context, root string) (*AuditReport, error) {
		atomic.AddInt32(&calls, 1)
		return &AuditReport{Critical: 1}, nil
	})
	gate := NewQualityGate(QualityConfig{Mode: ModeFull, Blocking: true}, auditor, t.TempDir())

	out := NewPipeline(gate).Run(context.Background(), newAttempt("t1"), okResponse(0))
	assert.True(t, out.Success())
	out = NewPipeline(gate).Run(context.Background(), newAttempt("t2"), failResponse)
	assert.False(t, out.Success())
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestQualityGate_AuditErrorPasses(t *testing.T) {
	auditor := AuditorFunc(func(ctx context.Context, root string) (*AuditReport, error) {
		return nil, errors.New("detector crashed")
	})
	gate := NewQualityGate(QualityConfig{Mode: ModePreCommit, Blocking: true}, auditor, t.TempDir())
	out := NewPipeline(gate).Run(context.Background(), newAttempt("t1"), okResponse(0, "a.go"))
	assert.True(t, out.Success())
}

func TestQualityGate_DebounceAndSingleflight(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	auditor := AuditorFunc(func(ctx context.Context, root string) (*AuditReport, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return &AuditReport{}, nil
	})
	gate := NewQualityGate(QualityConfig{Mode: ModePreCommit, Blocking: true, Debounce: time.Hour}, auditor, "/repo")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = gate.audit(context.Background(), "/repo")
		}()
	}
	// Give the goroutines time to join the in-flight call.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	_, err := gate.audit(context.Background(), "/repo")
	require.NoError(t, err)
	assert.LessOrEqual(t, atomic.LoadInt32(&calls), int32(2))

	before := atomic.LoadInt32(&calls)
	_, _ = gate.audit(context.Background(), "/repo")
	assert.Equal(t, before, atomic.LoadInt32(&calls), "cached report within debounce")

	gate.Invalidate()
	_, _ = gate.audit(context.Background(), "/repo")
	assert.Equal(t, before+1, atomic.LoadInt32(&calls))
}

type fakeStepRunner struct {
	got     []string
	failure *StepFailure
	err     error
}

func (f *fakeStepRunner) RunSteps(ctx context.Context, dir string, steps []string) (*StepFailure, error) {
	f.got = steps
	return f.failure, f.err
}

func TestValidationPolicy(t *testing.T) {
	runner := &fakeStepRunner{failure: &StepFailure{Step: "go test ./...", ExitCode: 1, Output: "FAIL"}}
	v := NewValidationPolicy(ValidationConfig{Steps: []string{"go build ./..."}, RunCriteria: true}, runner)

	a := newAttempt("t1")
	a.Task.AcceptanceCriteria = []models.AcceptanceCriterion{
		{ID: "t1-ac1", Description: "tests pass", TestCommand: "go test ./..."},
		{ID: "t1-ac2", Description: "no command"},
	}

	out := NewPipeline(v).Run(context.Background(), a, okResponse(0))
	assert.False(t, out.Success())
	assert.Equal(t, []string{"go build ./...", "go test ./..."}, runner.got)

	var vf *ValidationFailedError
	require.ErrorAs(t, out.Err, &vf)
	assert.Equal(t, "go test ./...", vf.Step)
	assert.Equal(t, 1, vf.ExitCode)
	assert.False(t, IsFatal(out.Err))
}

func TestValidationPolicy_SkipsFailedAttempts(t *testing.T) {
	runner := &fakeStepRunner{}
	v := NewValidationPolicy(ValidationConfig{Steps: []string{"true"}}, runner)
	NewPipeline(v).Run(context.Background(), newAttempt("t1"), failResponse)
	assert.Nil(t, runner.got)
}

func TestShellStepRunner(t *testing.T) {
	dir := t.TempDir()
	r := NewShellStepRunner(nil)

	failure, err := r.RunSteps(context.Background(), dir, []string{"true", "echo out; exit 3", "echo never"})
	require.NoError(t, err)
	require.NotNil(t, failure)
	assert.Equal(t, 1, failure.Index)
	assert.Equal(t, 3, failure.ExitCode)
	assert.Contains(t, failure.Output, "out")

	failure, err = r.RunSteps(context.Background(), dir, []string{"true", ""})
	require.NoError(t, err)
	assert.Nil(t, failure)
}

func TestCommandAuditor(t *testing.T) {
	a := NewCommandAuditor(`echo 'scan done'; echo '{"critical":1,"high":2,"categories":{"sql":1}}'; exit 1`, nil)
	report, err := a.RunAudit(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Critical)
	assert.Equal(t, 2, report.High)
	assert.Equal(t, 3, report.TotalIssues)
	assert.Equal(t, 1, report.Categories["sql"])

	_, err = NewCommandAuditor("echo nothing", nil).RunAudit(context.Background(), t.TempDir())
	assert.Error(t, err)
}

func TestRateLimitPolicy(t *testing.T) {
	rl := NewRateLimitPolicy(RateLimitConfig{Attempts: 2, Window: time.Hour})
	ctx := context.Background()
	require.NoError(t, rl.Before(ctx, newAttempt("a")))
	require.NoError(t, rl.Before(ctx, newAttempt("b")))

	ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.Error(t, rl.Before(ctx, newAttempt("c")))

	unlimited := NewRateLimitPolicy(RateLimitConfig{})
	for i := 0; i < 100; i++ {
		require.NoError(t, unlimited.Before(context.Background(), newAttempt("x")))
	}
}

func TestBuild(t *testing.T) {
	cfg := Default()
	cfg.Validation.Steps = []string{"make check"}
	auditor := AuditorFunc(func(ctx context.Context, root string) (*AuditReport, error) { return &AuditReport{}, nil })

	set, err := Build(cfg, Deps{Auditor: auditor})
	require.NoError(t, err)

	var names []string
	for _, p := range set.Pipeline.Policies() {
		names = append(names, p.Name())
	}
	assert.Equal(t, []string{"cost", "retry", "circuit", "ratelimit", "quality", "validation"}, names)
	assert.NotNil(t, set.Quality)

	cfg = Default()
	cfg.Quality.Mode = ModeNone
	cfg.Validation.RunCriteria = false
	cfg.RateLimit.Attempts = 0
	set, err = Build(cfg, Deps{Auditor: auditor})
	require.NoError(t, err)
	assert.Len(t, set.Pipeline.Policies(), 3)
	assert.Nil(t, set.Quality)
}

func TestConfigValidateClamps(t *testing.T) {
	cfg := &Config{
		Cost:    CostConfig{MaxCostUSD: -1, WarningThreshold: 4},
		Retry:   RetryConfig{MaxAttempts: 0, BaseDelay: time.Second, MaxDelay: time.Millisecond, Jitter: 3},
		Quality: QualityConfig{Mode: "bogus"},
	}
	require.NoError(t, cfg.Validate())
	d := Default()
	assert.Equal(t, 0.0, cfg.Cost.MaxCostUSD)
	assert.Equal(t, d.Cost.WarningThreshold, cfg.Cost.WarningThreshold)
	assert.Equal(t, d.Retry.MaxAttempts, cfg.Retry.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Retry.MaxDelay)
	assert.Equal(t, d.Retry.Jitter, cfg.Retry.Jitter)
	assert.Equal(t, d.Circuit.Threshold, cfg.Circuit.Threshold)
	assert.Equal(t, ModePreCommit, cfg.Quality.Mode)
}
