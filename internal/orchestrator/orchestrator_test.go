package orchestrator

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/prdloop/internal/checkpoint"
	"github.com/ShayCichocki/prdloop/internal/graph"
	"github.com/ShayCichocki/prdloop/internal/orchestrator/policy"
	"github.com/ShayCichocki/prdloop/internal/router"
	"github.com/ShayCichocki/prdloop/internal/state"
	"github.com/ShayCichocki/prdloop/internal/worker"
	"github.com/ShayCichocki/prdloop/pkg/models"
)

// fakeWorker records invocations and answers through fn.
type fakeWorker struct {
	mu    sync.Mutex
	calls []worker.Request
	fn    func(req worker.Request) (*worker.Response, error)
}

func (f *fakeWorker) Name() string { return "fake" }

func (f *fakeWorker) Invoke(ctx context.Context, req worker.Request) (*worker.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(req)
	}
	return ok(), nil
}

func (f *fakeWorker) taskCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		ids = append(ids, c.TaskID)
	}
	return ids
}

func (f *fakeWorker) callsFor(taskID string) []worker.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []worker.Request
	for _, c := range f.calls {
		if c.TaskID == taskID {
			out = append(out, c)
		}
	}
	return out
}

func ok() *worker.Response {
	return &worker.Response{
		Success: true,
		Output:  "done",
		Usage:   models.Usage{InputTokens: 100, OutputTokens: 50, CostUSD: 0.01},
	}
}

func fail(msg string) *worker.Response {
	return &worker.Response{
		Success:  false,
		Output:   msg,
		ExitCode: 1,
		Usage:    models.Usage{InputTokens: 10, OutputTokens: 5, CostUSD: 0.001},
	}
}

func task(id string, deps ...string) *models.Task {
	return &models.Task{ID: id, Title: "Task " + id, Complexity: models.ComplexitySimple, DependsOn: deps}
}

func spec(tasks ...*models.Task) *models.WorkSpec {
	return &models.WorkSpec{Project: "demo", Tasks: tasks}
}

func testConfig() RunConfig {
	cfg := DefaultRunConfig()
	cfg.Backend = "fake"
	cfg.QualityGateMode = string(policy.ModeNone)
	cfg.MaxAttempts = 1
	cfg.Model = router.ModelOpus
	cfg.SessionID = "test-session"
	return cfg
}

func fastPolicy() *policy.Config {
	p := policy.Default()
	p.Retry.BaseDelay = 0
	p.Retry.MaxDelay = 0
	p.RateLimit.Attempts = 0
	p.Validation.RunCriteria = false
	p.Circuit.Threshold = 100
	return p
}

func newTestOrchestrator(t *testing.T, s *models.WorkSpec, cfg RunConfig, w worker.Worker, opts ...Option) *Orchestrator {
	t.Helper()
	reg := worker.NewRegistry()
	reg.Register("fake", w)
	all := append([]Option{WithWorkers(reg), WithPolicy(fastPolicy())}, opts...)
	o, err := New(s, cfg, all...)
	require.NoError(t, err)
	t.Cleanup(func() { o.Close() })
	return o
}

func openStore(t *testing.T) *state.DB {
	t.Helper()
	db, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })
	return db
}

func collect(t *testing.T, o *Orchestrator, ch <-chan Event) []Event {
	t.Helper()
	require.NoError(t, o.Close())
	var events []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, open := <-ch:
			if !open {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("timed out draining events")
		}
	}
}

func types(events []Event) []EventType {
	out := make([]EventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = -1
	_, err := New(spec(task("A")), cfg)
	require.Error(t, err)

	cfg = testConfig()
	cfg.QualityGateMode = "strict"
	_, err = New(spec(task("A")), cfg)
	require.Error(t, err)

	_, err = New(nil, testConfig())
	require.Error(t, err)
}

func TestNew_GeneratesSessionID(t *testing.T) {
	cfg := testConfig()
	cfg.SessionID = ""
	o := newTestOrchestrator(t, spec(task("A")), cfg, &fakeWorker{})
	assert.NotEmpty(t, o.SessionID())
}

func TestRun_RejectsCycleBeforeAnyTask(t *testing.T) {
	w := &fakeWorker{}
	o := newTestOrchestrator(t, spec(task("A", "B"), task("B", "A")), testConfig(), w)

	_, err := o.Run(context.Background())
	var cycle *graph.CycleError
	require.ErrorAs(t, err, &cycle)
	assert.Empty(t, w.taskCalls())
}

func TestRun_SequentialFollowsDependencies(t *testing.T) {
	w := &fakeWorker{}
	s := spec(task("C", "B"), task("A"), task("B", "A"))
	o := newTestOrchestrator(t, s, testConfig(), w)

	res, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, models.LoopCompleted, res.Status)
	assert.Equal(t, []string{"A", "B", "C"}, w.taskCalls())
	assert.Equal(t, []string{"A", "B", "C"}, res.CompletedTasks)
	assert.InDelta(t, 0.03, res.TotalCostUSD, 1e-9)
	assert.Equal(t, int64(450), res.TotalTokens)
	assert.Len(t, o.Results(), 3)
}

func TestRun_DryRunInvokesNoWorker(t *testing.T) {
	w := &fakeWorker{}
	cfg := testConfig()
	cfg.DryRun = true
	o := newTestOrchestrator(t, spec(task("A"), task("B", "A")), cfg, w)

	res, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, w.taskCalls())
	assert.Equal(t, models.LoopIdle, res.Status)
	require.NotNil(t, res.Estimate)
	assert.Len(t, o.Levels(), 2)
}

func TestRun_ParallelLevelRunsConcurrently(t *testing.T) {
	var arrived sync.WaitGroup
	arrived.Add(2)
	release := make(chan struct{})
	go func() {
		arrived.Wait()
		close(release)
	}()

	w := &fakeWorker{}
	w.fn = func(req worker.Request) (*worker.Response, error) {
		if req.TaskID == "B" || req.TaskID == "C" {
			arrived.Done()
			select {
			case <-release:
			case <-time.After(5 * time.Second):
				return fail("sibling never started"), nil
			}
		}
		return ok(), nil
	}

	cfg := testConfig()
	cfg.EnableParallelExecution = true
	cfg.MaxParallelTasks = 4
	o := newTestOrchestrator(t, spec(task("A"), task("B", "A"), task("C", "A")), cfg, w)

	res, err := o.Run(context.Background())
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)

	calls := w.taskCalls()
	assert.Equal(t, "A", calls[0])
	assert.ElementsMatch(t, []string{"B", "C"}, calls[1:])

	d, found := o.Decision("B")
	require.True(t, found)
	assert.Equal(t, models.ExecutionParallel, d.Plan.Mode)
	assert.Equal(t, 2, d.Plan.SuggestedConcurrency)
}

func TestRun_CurrentTaskOnlyTrackedSequentially(t *testing.T) {
	for _, parallel := range []bool{false, true} {
		var o *Orchestrator
		var mu sync.Mutex
		seen := map[string]string{}
		w := &fakeWorker{fn: func(req worker.Request) (*worker.Response, error) {
			cur := o.State().CurrentTaskID
			mu.Lock()
			seen[req.TaskID] = cur
			mu.Unlock()
			return ok(), nil
		}}
		cfg := testConfig()
		cfg.EnableParallelExecution = parallel
		cfg.MaxParallelTasks = 4
		o = newTestOrchestrator(t, spec(task("A"), task("B", "A"), task("C", "A")), cfg, w)

		res, err := o.Run(context.Background())
		require.NoError(t, err)
		require.True(t, res.Success)
		assert.Empty(t, o.State().CurrentTaskID)
		for id, cur := range seen {
			if parallel {
				assert.Empty(t, cur, "parallel task %s", id)
			} else {
				assert.Equal(t, id, cur)
			}
		}
	}
}

func TestRun_FailureStopsAfterChunkFinishes(t *testing.T) {
	w := &fakeWorker{}
	w.fn = func(req worker.Request) (*worker.Response, error) {
		switch req.TaskID {
		case "B":
			return fail("B is broken"), nil
		case "C":
			time.Sleep(50 * time.Millisecond)
		}
		return ok(), nil
	}

	cfg := testConfig()
	cfg.EnableParallelExecution = true
	cfg.ContinueOnFailure = false
	s := spec(task("A"), task("B", "A"), task("C", "A"), task("D", "B", "C"), task("E", "C"))
	o := newTestOrchestrator(t, s, cfg, w)

	res, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, models.LoopFailed, res.Status)
	assert.ElementsMatch(t, []string{"A", "C"}, res.CompletedTasks)
	assert.Equal(t, []string{"B"}, res.FailedTasks)
	assert.Empty(t, res.SkippedTasks, "untried tasks are not marked skipped")
	assert.NotContains(t, w.taskCalls(), "D")
	assert.NotContains(t, w.taskCalls(), "E")
}

func TestRun_SequentialStopsOnFirstFailure(t *testing.T) {
	w := &fakeWorker{}
	w.fn = func(req worker.Request) (*worker.Response, error) {
		if req.TaskID == "A" {
			return fail("nope"), nil
		}
		return ok(), nil
	}
	o := newTestOrchestrator(t, spec(task("A"), task("B")), testConfig(), w)

	res, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"A"}, w.taskCalls())
	assert.Equal(t, []string{"A"}, res.FailedTasks)
	assert.Empty(t, res.CompletedTasks)
	assert.Empty(t, res.SkippedTasks)
}

func TestRun_ContinueOnFailureSkipsDependents(t *testing.T) {
	w := &fakeWorker{}
	w.fn = func(req worker.Request) (*worker.Response, error) {
		if req.TaskID == "B" {
			return fail("nope"), nil
		}
		return ok(), nil
	}
	cfg := testConfig()
	cfg.ContinueOnFailure = true
	o := newTestOrchestrator(t, spec(task("A"), task("B", "A"), task("C", "B"), task("D", "A")), cfg, w)
	events := o.Events()

	res, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.LoopFailed, res.Status)
	assert.ElementsMatch(t, []string{"A", "D"}, res.CompletedTasks)
	assert.Equal(t, []string{"B"}, res.FailedTasks)
	assert.Equal(t, []string{"C"}, res.SkippedTasks)
	assert.Equal(t, "dependency failed: B", o.State().SkipReasons["C"])
	assert.NotContains(t, w.taskCalls(), "C")

	var skipped []Event
	for _, ev := range collect(t, o, events) {
		if ev.Type == EventTaskSkipped {
			skipped = append(skipped, ev)
		}
	}
	require.Len(t, skipped, 1)
	assert.Equal(t, "C", skipped[0].TaskID)
}

func TestRun_PRDSettingsOverrideRunConfig(t *testing.T) {
	w := &fakeWorker{}
	w.fn = func(req worker.Request) (*worker.Response, error) {
		if req.TaskID == "A" {
			return fail("nope"), nil
		}
		return ok(), nil
	}
	cont := true
	s := spec(task("A"), task("B"))
	s.Config = models.RunSettings{MaxAttempts: 2, ContinueOnFailure: &cont}
	o := newTestOrchestrator(t, s, testConfig(), w)

	res, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Len(t, w.callsFor("A"), 2)
	assert.Equal(t, []string{"B"}, res.CompletedTasks)
}

func TestRun_BudgetExceededAbortsWholeRun(t *testing.T) {
	w := &fakeWorker{}
	cfg := testConfig()
	cfg.MaxCostUSD = 0.015
	cfg.ContinueOnFailure = true
	o := newTestOrchestrator(t, spec(task("A"), task("B"), task("C")), cfg, w)

	res, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.LoopFailed, res.Status)
	assert.Equal(t, "budget exceeded", res.Error)
	assert.Equal(t, []string{"A"}, res.CompletedTasks)
	assert.Equal(t, []string{"B"}, res.FailedTasks)
	assert.Equal(t, []string{"A", "B"}, w.taskCalls())
}

func TestRun_RetriesThenEscalates(t *testing.T) {
	w := &fakeWorker{}
	w.fn = func(req worker.Request) (*worker.Response, error) {
		if req.Model == router.ModelHaiku {
			return fail("too weak"), nil
		}
		return ok(), nil
	}
	cfg := testConfig()
	cfg.Model = router.ModelHaiku
	cfg.MaxAttempts = 2
	o := newTestOrchestrator(t, spec(task("A")), cfg, w)
	events := o.Events()

	res, err := o.Run(context.Background())
	require.NoError(t, err)
	require.True(t, res.Success)

	calls := w.callsFor("A")
	require.Len(t, calls, 3)
	assert.Equal(t, router.ModelHaiku, calls[0].Model)
	assert.Equal(t, router.ModelHaiku, calls[1].Model)
	assert.Equal(t, router.ModelSonnet, calls[2].Model)
	assert.Contains(t, calls[1].Prompt, "Previous attempt failed")

	r := o.Results()[0]
	assert.Equal(t, 3, r.Attempts)
	assert.Equal(t, router.ModelSonnet, r.Model)
	assert.Equal(t, models.TierStandard, r.Tier)

	d, _ := o.Decision("A")
	assert.Equal(t, models.SourceEscalation, d.Source)
	assert.Equal(t, []string{router.ModelOpus}, d.EscalationPath)

	assert.Contains(t, types(collect(t, o, events)), EventTaskEscalated)
}

func TestRun_PromptListsCompletedPrerequisites(t *testing.T) {
	w := &fakeWorker{}
	a := task("A")
	a.Title = "Create schema"
	o := newTestOrchestrator(t, spec(a, task("B", "A")), testConfig(), w)

	res, err := o.Run(context.Background())
	require.NoError(t, err)
	require.True(t, res.Success)

	assert.NotContains(t, w.callsFor("A")[0].Prompt, "Builds on")
	assert.Contains(t, w.callsFor("B")[0].Prompt, "- A: Create schema")
}

func TestRun_MissingWorkerIsNotRetried(t *testing.T) {
	w := &fakeWorker{}
	cfg := testConfig()
	cfg.Backend = "missing"
	cfg.MaxAttempts = 3
	o := newTestOrchestrator(t, spec(task("A")), cfg, w)

	res, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Empty(t, w.taskCalls())

	r := o.Results()[0]
	assert.Equal(t, 1, r.Attempts)
	assert.Contains(t, r.Error, "no worker registered")
}

func TestRun_EscalationExhaustedFailsTask(t *testing.T) {
	w := &fakeWorker{fn: func(worker.Request) (*worker.Response, error) { return fail("always"), nil }}
	cfg := testConfig()
	cfg.Model = router.ModelHaiku
	cfg.MaxAttempts = 2
	o := newTestOrchestrator(t, spec(task("A")), cfg, w)

	res, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"A"}, res.FailedTasks)
	assert.Len(t, w.callsFor("A"), 6)
	d, _ := o.Decision("A")
	assert.Equal(t, router.ModelOpus, d.Model)
	assert.False(t, d.CanEscalate)
	assert.Contains(t, o.Results()[0].Error, "always")
}

func TestRun_TopTierCannotEscalate(t *testing.T) {
	w := &fakeWorker{fn: func(worker.Request) (*worker.Response, error) { return fail("always"), nil }}
	cfg := testConfig()
	cfg.MaxAttempts = 2
	o := newTestOrchestrator(t, spec(task("A")), cfg, w)

	_, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, w.callsFor("A"), 2)
}

func TestRun_CircuitOpenFailsLaterTasks(t *testing.T) {
	w := &fakeWorker{fn: func(worker.Request) (*worker.Response, error) { return fail("down"), nil }}
	cfg := testConfig()
	cfg.ContinueOnFailure = true
	p := fastPolicy()
	p.Circuit.Threshold = 1
	o := newTestOrchestrator(t, spec(task("A"), task("B")), cfg, w, WithPolicy(p))
	events := o.Events()

	res, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"A"}, w.taskCalls())
	assert.Equal(t, []string{"A", "B"}, res.FailedTasks)
	assert.Contains(t, o.Results()[1].Error, "circuit breaker open")
	assert.Equal(t, 0, o.Results()[1].Attempts)
	assert.Contains(t, types(collect(t, o, events)), EventCircuitBreakerTripped)
}

func TestRun_QualityFeedbackReachesNextAttempt(t *testing.T) {
	w := &fakeWorker{fn: func(worker.Request) (*worker.Response, error) {
		r := ok()
		r.FileChanges = []models.FileChange{{Path: "main.go", Action: models.FileModified}}
		return r, nil
	}}
	var audits atomic.Int32
	auditor := policy.AuditorFunc(func(context.Context, string) (*policy.AuditReport, error) {
		if audits.Add(1) == 1 {
			return &policy.AuditReport{Critical: 1, TotalIssues: 1, Categories: map[string]int{"security": 1}}, nil
		}
		return &policy.AuditReport{}, nil
	})

	cfg := testConfig()
	cfg.MaxAttempts = 2
	cfg.QualityGateMode = string(policy.ModePreCommit)
	p := fastPolicy()
	require.Equal(t, policy.Default().Quality.Debounce, p.Quality.Debounce)
	o := newTestOrchestrator(t, spec(task("A")), cfg, w, WithPolicy(p), WithAuditor(auditor))

	res, err := o.Run(context.Background())
	require.NoError(t, err)
	require.True(t, res.Success)

	calls := w.callsFor("A")
	require.Len(t, calls, 2)
	assert.NotContains(t, calls[0].Prompt, "Quality feedback")
	assert.Contains(t, calls[1].Prompt, "Quality feedback")
	assert.Contains(t, calls[1].Prompt, "security: 1")
	assert.Equal(t, int32(2), audits.Load(), "the corrected attempt is audited again")
}

func TestRun_QualityFeedbackSurvivesEscalation(t *testing.T) {
	w := &fakeWorker{fn: func(worker.Request) (*worker.Response, error) {
		r := ok()
		r.FileChanges = []models.FileChange{{Path: "main.go", Action: models.FileModified}}
		return r, nil
	}}
	var audits atomic.Int32
	auditor := policy.AuditorFunc(func(context.Context, string) (*policy.AuditReport, error) {
		if audits.Add(1) == 1 {
			return &policy.AuditReport{Critical: 1, TotalIssues: 1, Categories: map[string]int{"injection": 1}}, nil
		}
		return &policy.AuditReport{}, nil
	})

	cfg := testConfig()
	cfg.Model = router.ModelHaiku
	cfg.MaxAttempts = 1
	cfg.QualityGateMode = string(policy.ModePreCommit)
	o := newTestOrchestrator(t, spec(task("A")), cfg, w, WithAuditor(auditor))

	res, err := o.Run(context.Background())
	require.NoError(t, err)
	require.True(t, res.Success)

	calls := w.callsFor("A")
	require.Len(t, calls, 2)
	assert.Equal(t, router.ModelSonnet, calls[1].Model)
	assert.Contains(t, calls[1].Prompt, "Quality feedback")
	assert.Contains(t, calls[1].Prompt, "injection: 1")
}

func TestRun_ValidationStepsGateSuccess(t *testing.T) {
	w := &fakeWorker{}
	steps := &recordingSteps{failFirst: true}
	cfg := testConfig()
	cfg.MaxAttempts = 2
	cfg.ValidationSteps = []string{"go test ./..."}
	o := newTestOrchestrator(t, spec(task("A")), cfg, w, WithStepRunner(steps))

	res, err := o.Run(context.Background())
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Len(t, w.callsFor("A"), 2)
	assert.Equal(t, 2, steps.runs)
}

type recordingSteps struct {
	mu        sync.Mutex
	runs      int
	failFirst bool
}

func (r *recordingSteps) RunSteps(ctx context.Context, workDir string, steps []string) (*policy.StepFailure, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs++
	if r.failFirst && r.runs == 1 {
		return &policy.StepFailure{Step: steps[0], ExitCode: 1, Output: "FAIL"}, nil
	}
	return nil, nil
}

func TestRun_CostCallbackSeesEveryAttempt(t *testing.T) {
	var updates []policy.CostUpdate
	var mu sync.Mutex
	o := newTestOrchestrator(t, spec(task("A"), task("B")), testConfig(), &fakeWorker{},
		WithCostCallback(func(u policy.CostUpdate) {
			mu.Lock()
			updates = append(updates, u)
			mu.Unlock()
		}))

	_, err := o.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, updates, 2)
	assert.InDelta(t, 0.02, updates[1].TotalCostUSD, 1e-9)
}

func TestRun_PricesUsageWithoutCost(t *testing.T) {
	w := &fakeWorker{fn: func(worker.Request) (*worker.Response, error) {
		return &worker.Response{Success: true, Usage: models.Usage{InputTokens: 1_000_000}}, nil
	}}
	cfg := testConfig()
	cfg.Model = router.ModelSonnet
	o := newTestOrchestrator(t, spec(task("A")), cfg, w)

	res, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 3.0, res.TotalCostUSD, 1e-9)
}

func TestRun_EventsAreOrderedAndPersisted(t *testing.T) {
	db := openStore(t)
	o := newTestOrchestrator(t, spec(task("A"), task("B", "A")), testConfig(), &fakeWorker{}, WithStore(db))
	ch := o.Events()

	_, err := o.Run(context.Background())
	require.NoError(t, err)
	events := collect(t, o, ch)

	assert.Equal(t, []EventType{
		EventLoopStarted,
		EventTaskStarted, EventTaskCompleted,
		EventTaskStarted, EventTaskCompleted,
		EventLoopCompleted,
	}, types(events))
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Seq)
		assert.Equal(t, "test-session", ev.SessionID)
		assert.False(t, ev.Timestamp.IsZero())
	}

	stored, err := db.ListEvents(context.Background(), "test-session")
	require.NoError(t, err)
	assert.Len(t, stored, len(events))

	sess, err := db.GetSession(context.Background(), "test-session")
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, state.SessionCompleted, sess.State.Status)
	assert.Equal(t, 2, sess.State.CompletedTasks)
}

func TestRun_CheckpointResumeSkipsCompletedWork(t *testing.T) {
	db := openStore(t)
	s := spec(task("A"), task("B", "A"), task("C", "B"))

	first := &fakeWorker{fn: func(req worker.Request) (*worker.Response, error) {
		if req.TaskID == "B" {
			return fail("crash"), nil
		}
		return ok(), nil
	}}
	cfg := testConfig()
	cfg.SessionID = "s1"
	o := newTestOrchestrator(t, s, cfg, first, WithStore(db))
	res, err := o.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, models.LoopFailed, res.Status)

	store := checkpoint.NewStore(db)
	cp, err := store.LoadBySession(context.Background(), "s1")
	require.NoError(t, err)
	require.NotNil(t, cp, "failed runs keep their checkpoint")
	assert.Equal(t, []string{"A"}, cp.State.CompletedTasks)
	assert.Equal(t, []string{"B"}, cp.State.FailedTasks)

	second := &fakeWorker{}
	resumeCfg := RunConfigFromCheckpoint(cp)
	resumeCfg.Backend = "fake"
	resumeCfg.QualityGateMode = string(policy.ModeNone)
	resumeCfg.RetryFailed = true
	o2 := newTestOrchestrator(t, s, resumeCfg, second, WithStore(db), WithResume(cp))
	res, err = o2.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, res.Success, res.Error)
	assert.Equal(t, "s1", res.SessionID)
	assert.Equal(t, []string{"B", "C"}, second.taskCalls())
	assert.Equal(t, []string{"A", "B", "C"}, res.CompletedTasks)
	assert.InDelta(t, 0.031, res.TotalCostUSD, 1e-9)

	cp, err = store.LoadBySession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Nil(t, cp, "completed runs clear their checkpoint")
}

func TestRun_ResumeWithoutRetryKeepsFailures(t *testing.T) {
	cp := &checkpoint.Checkpoint{
		SessionID: "s2",
		State: &models.LoopState{
			Status:         models.LoopFailed,
			CompletedTasks: []string{"A"},
			FailedTasks:    []string{"B"},
		},
	}
	w := &fakeWorker{}
	cfg := testConfig()
	cfg.SessionID = ""
	cfg.ContinueOnFailure = true
	o := newTestOrchestrator(t, spec(task("A"), task("B"), task("C", "B"), task("D")), cfg, w, WithResume(cp))

	res, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "s2", o.SessionID())
	assert.Equal(t, []string{"D"}, w.taskCalls())
	assert.Equal(t, models.LoopFailed, res.Status)
	assert.Equal(t, []string{"C"}, res.SkippedTasks)
}

func TestPauseAndResume(t *testing.T) {
	var o *Orchestrator
	w := &fakeWorker{}
	w.fn = func(req worker.Request) (*worker.Response, error) {
		if req.TaskID == "A" {
			assert.True(t, o.Pause())
		}
		return ok(), nil
	}
	o = newTestOrchestrator(t, spec(task("A"), task("B", "A")), testConfig(), w)
	ch := o.Events()

	res, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.LoopPaused, res.Status)
	assert.Equal(t, []string{"A"}, res.CompletedTasks)
	assert.Equal(t, []string{"A"}, w.taskCalls())
	assert.False(t, o.Pause(), "pause only applies to a running loop")

	_, err = o.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyStarted)

	res, err = o.Resume(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{"A", "B"}, w.taskCalls())

	_, err = o.Resume(context.Background())
	assert.ErrorIs(t, err, ErrNotPaused)

	evTypes := types(collect(t, o, ch))
	assert.Contains(t, evTypes, EventLoopPaused)
	assert.Equal(t, EventLoopCompleted, evTypes[len(evTypes)-1])
}

func TestCancel_DiscardsInFlightResult(t *testing.T) {
	var o *Orchestrator
	w := &fakeWorker{}
	w.fn = func(req worker.Request) (*worker.Response, error) {
		o.Cancel()
		return ok(), nil
	}
	o = newTestOrchestrator(t, spec(task("A"), task("B")), testConfig(), w)
	ch := o.Events()

	res, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.LoopCancelled, res.Status)
	assert.Empty(t, res.CompletedTasks)
	assert.Empty(t, o.Results())
	assert.Equal(t, []string{"A"}, w.taskCalls())

	evTypes := types(collect(t, o, ch))
	assert.Contains(t, evTypes, EventTaskCompleted)
	assert.Equal(t, EventLoopCancelled, evTypes[len(evTypes)-1])
}

func TestRun_ContextCancellationAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var o *Orchestrator
	w := &fakeWorker{}
	w.fn = func(req worker.Request) (*worker.Response, error) {
		cancel()
		deadline := time.Now().Add(5 * time.Second)
		for !o.Cancelled() && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		return ok(), nil
	}
	o = newTestOrchestrator(t, spec(task("A"), task("B")), testConfig(), w)

	res, err := o.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.LoopCancelled, res.Status)
	assert.Equal(t, []string{"A"}, w.taskCalls())
}

func TestCancel_CheckpointKeepsPriorProgress(t *testing.T) {
	db := openStore(t)
	var o *Orchestrator
	w := &fakeWorker{}
	w.fn = func(req worker.Request) (*worker.Response, error) {
		if req.TaskID == "B" {
			o.Cancel()
		}
		return ok(), nil
	}
	o = newTestOrchestrator(t, spec(task("A"), task("B", "A")), testConfig(), w, WithStore(db))

	res, err := o.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, models.LoopCancelled, res.Status)

	cp, err := checkpoint.NewStore(db).LoadBySession(context.Background(), "test-session")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, []string{"A"}, cp.State.CompletedTasks)
	assert.Equal(t, models.LoopCancelled, cp.State.Status)
}

func TestState_ReturnsCopy(t *testing.T) {
	o := newTestOrchestrator(t, spec(task("A")), testConfig(), &fakeWorker{})
	_, err := o.Run(context.Background())
	require.NoError(t, err)

	st := o.State()
	st.CompletedTasks[0] = "mutated"
	assert.Equal(t, []string{"A"}, o.State().CompletedTasks)
}

func TestRun_MissingWorkerFailsTask(t *testing.T) {
	cfg := testConfig()
	cfg.Backend = "nowhere"
	o := newTestOrchestrator(t, spec(task("A")), cfg, &fakeWorker{})

	res, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, res.FailedTasks)
	assert.True(t, strings.Contains(o.Results()[0].Error, "nowhere"))
}
