package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ShayCichocki/prdloop/pkg/models"
)

type funcWorker struct {
	fn func(ctx context.Context, req Request) (*Response, error)
}

func (f funcWorker) Name() string { return "func" }

func (f funcWorker) Invoke(ctx context.Context, req Request) (*Response, error) {
	return f.fn(ctx, req)
}

func TestScaledTimeout(t *testing.T) {
	base := 10 * time.Minute
	tests := []struct {
		c    models.Complexity
		want time.Duration
	}{
		{models.ComplexityTrivial, 5 * time.Minute},
		{models.ComplexitySimple, 10 * time.Minute},
		{models.ComplexityModerate, 20 * time.Minute},
		{models.ComplexityComplex, 30 * time.Minute},
		{models.ComplexityEpic, 40 * time.Minute},
		{models.Complexity("bogus"), 20 * time.Minute},
	}
	for _, tt := range tests {
		if got := ScaledTimeout(base, tt.c); got != tt.want {
			t.Errorf("ScaledTimeout(%s) = %v, want %v", tt.c, got, tt.want)
		}
	}
}

func TestCall_NormalizesOutcomes(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		w := funcWorker{fn: func(context.Context, Request) (*Response, error) {
			return &Response{Success: true, Output: "ok"}, nil
		}}
		resp, err := Call(ctx, w, Request{TaskID: "a"})
		if err != nil || resp.Output != "ok" {
			t.Fatalf("Call() = %v, %v", resp, err)
		}
	})

	t.Run("reported failure becomes ProcessError", func(t *testing.T) {
		w := funcWorker{fn: func(context.Context, Request) (*Response, error) {
			return &Response{Success: false, ExitCode: 2, Output: "boom"}, nil
		}}
		_, err := Call(ctx, w, Request{TaskID: "a"})
		var pe *ProcessError
		if !errors.As(err, &pe) || pe.ExitCode != 2 {
			t.Fatalf("Call() error = %v, want ProcessError exit 2", err)
		}
		if !Retryable(err) {
			t.Error("ProcessError should be retryable")
		}
	})

	t.Run("plain error is wrapped", func(t *testing.T) {
		sentinel := errors.New("network down")
		w := funcWorker{fn: func(context.Context, Request) (*Response, error) {
			return nil, sentinel
		}}
		_, err := Call(ctx, w, Request{TaskID: "a"})
		var pe *ProcessError
		if !errors.As(err, &pe) || !errors.Is(err, sentinel) {
			t.Fatalf("Call() error = %v, want wrapped ProcessError", err)
		}
	})

	t.Run("deadline becomes TimeoutError", func(t *testing.T) {
		w := funcWorker{fn: func(ctx context.Context, _ Request) (*Response, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}}
		_, err := Call(ctx, w, Request{TaskID: "slow", Timeout: 20 * time.Millisecond})
		var te *TimeoutError
		if !errors.As(err, &te) || te.TaskID != "slow" {
			t.Fatalf("Call() error = %v, want TimeoutError", err)
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Error("TimeoutError should unwrap to DeadlineExceeded")
		}
	})
}

// fakeCLI writes a shell script standing in for the agent CLI.
func fakeCLI(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-agent")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestCLIWorker_ParsesStream(t *testing.T) {
	bin := fakeCLI(t, `cat <<'JSON'
{"type":"system","subtype":"init"}
{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Write","input":{"file_path":"a.go"}}]}}
{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Edit","input":{"file_path":"b.go"}},{"type":"tool_use","name":"Read","input":{"file_path":"c.go"}}]}}
not json at all
{"type":"result","subtype":"success","is_error":false,"result":"done","total_cost_usd":0.25,"usage":{"input_tokens":1000,"output_tokens":200}}
JSON`)

	w := NewCLIWorker(WithBinary(bin))
	resp, err := w.Invoke(context.Background(), Request{TaskID: "a", Model: "m", Prompt: "p"})
	if err != nil {
		t.Fatalf("Invoke() error: %v", err)
	}
	if !resp.Success || resp.Output != "done" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Usage.InputTokens != 1000 || resp.Usage.OutputTokens != 200 || resp.Usage.CostUSD != 0.25 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if len(resp.FileChanges) != 2 {
		t.Fatalf("FileChanges = %+v, want 2 (Read is not a change)", resp.FileChanges)
	}
	if resp.FileChanges[0].Action != models.FileCreated || resp.FileChanges[1].Action != models.FileModified {
		t.Errorf("actions = %+v", resp.FileChanges)
	}
}

func TestCLIWorker_PricingFallback(t *testing.T) {
	bin := fakeCLI(t, `echo '{"type":"result","subtype":"success","result":"ok","usage":{"input_tokens":10,"output_tokens":5}}'`)
	w := NewCLIWorker(WithBinary(bin), WithPricing(func(model string, in, out int64) float64 {
		return float64(in+out) / 100
	}))

	resp, err := w.Invoke(context.Background(), Request{Model: "m"})
	if err != nil {
		t.Fatalf("Invoke() error: %v", err)
	}
	if resp.Usage.CostUSD != 0.15 {
		t.Errorf("CostUSD = %v, want 0.15", resp.Usage.CostUSD)
	}
}

func TestCLIWorker_NonZeroExit(t *testing.T) {
	bin := fakeCLI(t, `echo "rate limited" >&2; exit 3`)
	w := NewCLIWorker(WithBinary(bin))

	_, err := w.Invoke(context.Background(), Request{TaskID: "a"})
	var pe *ProcessError
	if !errors.As(err, &pe) {
		t.Fatalf("Invoke() error = %v, want ProcessError", err)
	}
	if pe.ExitCode != 3 || !strings.Contains(pe.Message, "rate limited") {
		t.Errorf("ProcessError = %+v", pe)
	}
}

func TestCLIWorker_TimeoutThroughCall(t *testing.T) {
	bin := fakeCLI(t, `exec sleep 5`)
	w := NewCLIWorker(WithBinary(bin))

	start := time.Now()
	_, err := Call(context.Background(), w, Request{TaskID: "slow", Timeout: 100 * time.Millisecond})
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("Call() error = %v, want TimeoutError", err)
	}
	if time.Since(start) > 4*time.Second {
		t.Error("process was not killed on timeout")
	}
}

func TestBedrockModel(t *testing.T) {
	if got := bedrockModel("claude-sonnet-4-20250514"); got != "us.anthropic.claude-sonnet-4-20250514-v1:0" {
		t.Errorf("bedrockModel() = %s", got)
	}
	if got := bedrockModel("us.anthropic.custom-v1:0"); got != "us.anthropic.custom-v1:0" {
		t.Errorf("bedrock ids should pass through, got %s", got)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register("cli", NewCLIWorker())

	if _, err := r.For("cli"); err != nil {
		t.Errorf("For(cli) error: %v", err)
	}
	if _, err := r.For("api"); err == nil {
		t.Error("For(api) should fail when unregistered")
	}
	if got := r.Backends(); len(got) != 1 || got[0] != "cli" {
		t.Errorf("Backends() = %v", got)
	}
}
