package exec

import (
	"context"
	"strings"
	"testing"
)

func TestRunShell_OutputAndExitCode(t *testing.T) {
	r := NewRunner("PRDLOOP_TEST_VAR=hello")
	ctx := context.Background()

	out, err := r.RunShell(ctx, t.TempDir(), `echo "$PRDLOOP_TEST_VAR"; pwd`)
	if err != nil {
		t.Fatalf("RunShell() error: %v", err)
	}
	if !strings.HasPrefix(string(out), "hello\n") {
		t.Errorf("output = %q", out)
	}

	_, err = r.RunShell(ctx, "", "exit 7")
	if got := ExitCode(err); got != 7 {
		t.Errorf("ExitCode() = %d, want 7", got)
	}
	if ExitCode(nil) != 0 {
		t.Error("ExitCode(nil) should be 0")
	}
}

func TestRun_MissingBinary(t *testing.T) {
	_, err := NewRunner().Run(context.Background(), "", "definitely-not-a-real-binary-xyz")
	if err == nil {
		t.Fatal("expected error")
	}
	if ExitCode(err) != -1 {
		t.Errorf("ExitCode() = %d, want -1", ExitCode(err))
	}
}

func TestRunShell_ZeroValueUsesSh(t *testing.T) {
	var r ExecRunner
	out, err := r.RunShell(context.Background(), "", "echo ok")
	if err != nil {
		t.Fatalf("RunShell() error: %v", err)
	}
	if strings.TrimSpace(string(out)) != "ok" {
		t.Errorf("output = %q", out)
	}
}

func TestRun_ErrorNamesCommand(t *testing.T) {
	_, err := NewRunner().RunShell(context.Background(), "", "exit 3")
	if err == nil || !strings.HasPrefix(err.Error(), "sh: ") {
		t.Fatalf("error = %v, want prefix %q", err, "sh: ")
	}
	if ExitCode(err) != 3 {
		t.Errorf("ExitCode() = %d, want 3", ExitCode(err))
	}
}
