package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/ShayCichocki/prdloop/pkg/models"
)

// PriceFunc returns the USD cost of token counts on a model.
type PriceFunc func(model string, inputTokens, outputTokens int64) float64

// CLIWorker runs a coding-agent CLI as a subprocess and reads its
// stream-json output. The default binary is "claude".
type CLIWorker struct {
	binary    string
	extraArgs []string
	price     PriceFunc
}

// CLIOption configures a CLIWorker.
type CLIOption func(*CLIWorker)

// WithBinary overrides the executable.
func WithBinary(path string) CLIOption {
	return func(w *CLIWorker) { w.binary = path }
}

// WithArgs appends extra arguments before the prompt.
func WithArgs(args ...string) CLIOption {
	return func(w *CLIWorker) { w.extraArgs = append(w.extraArgs, args...) }
}

// WithPricing sets the fallback cost function used when the CLI does not report cost.
func WithPricing(fn PriceFunc) CLIOption {
	return func(w *CLIWorker) { w.price = fn }
}

// NewCLIWorker creates a subprocess worker.
func NewCLIWorker(opts ...CLIOption) *CLIWorker {
	w := &CLIWorker{binary: "claude"}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Name implements Worker.
func (w *CLIWorker) Name() string { return "cli" }

// streamLine is the subset of stream-json we read.
type streamLine struct {
	Type         string          `json:"type"`
	Subtype      string          `json:"subtype"`
	IsError      bool            `json:"is_error"`
	Result       string          `json:"result"`
	TotalCostUSD float64         `json:"total_cost_usd"`
	Usage        *streamUsage    `json:"usage"`
	Message      json.RawMessage `json:"message"`
}

type streamUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

type streamMessage struct {
	Content []struct {
		Type  string                 `json:"type"`
		Name  string                 `json:"name"`
		Text  string                 `json:"text"`
		Input map[string]interface{} `json:"input"`
	} `json:"content"`
}

// Invoke implements Worker. The process is killed only when ctx ends,
// which Call ties to the task's own timeout.
func (w *CLIWorker) Invoke(ctx context.Context, req Request) (*Response, error) {
	args := []string{
		"--output-format", "stream-json",
		"--print",
		"--verbose",
		"--allowedTools", "Read,Write,Edit,Bash,Glob,Grep",
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.System != "" {
		args = append(args, "--append-system-prompt", req.System)
	}
	args = append(args, w.extraArgs...)
	args = append(args, "-p", req.Prompt)

	cmd := exec.CommandContext(ctx, w.binary, args...)
	if req.WorkDir != "" {
		cmd.Dir = req.WorkDir
	}
	cmd.WaitDelay = 2 * time.Second
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, &ProcessError{Worker: w.Name(), ExitCode: -1, Message: "start " + w.binary, Err: err}
	}

	resp := parseStream(stdout)
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return resp, ctx.Err()
	}

	if resp.Usage.CostUSD == 0 && w.price != nil {
		resp.Usage.CostUSD = w.price(req.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			resp.ExitCode = exitErr.ExitCode()
		} else {
			resp.ExitCode = -1
		}
		resp.Success = false
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = resp.Output
		}
		return resp, &ProcessError{Worker: w.Name(), ExitCode: resp.ExitCode, Message: tail(msg, 500), Err: waitErr}
	}
	return resp, nil
}

// parseStream reads stream-json lines, collecting usage, the final result
// text and files written or edited by tool calls. Unparseable lines are ignored.
func parseStream(r io.Reader) *Response {
	resp := &Response{}
	seen := make(map[string]bool)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev streamLine
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "assistant":
			var msg streamMessage
			if len(ev.Message) > 0 && json.Unmarshal(ev.Message, &msg) == nil {
				for _, block := range msg.Content {
					if block.Type != "tool_use" {
						continue
					}
					if fc, ok := fileChange(block.Name, block.Input); ok && !seen[fc.Path] {
						seen[fc.Path] = true
						resp.FileChanges = append(resp.FileChanges, fc)
					}
				}
			}
		case "result":
			resp.Output = ev.Result
			resp.Success = !ev.IsError && ev.Subtype != "error"
			resp.Usage.CostUSD = ev.TotalCostUSD
			if ev.Usage != nil {
				resp.Usage.InputTokens = ev.Usage.InputTokens
				resp.Usage.OutputTokens = ev.Usage.OutputTokens
			}
		}
	}
	return resp
}

func fileChange(tool string, input map[string]interface{}) (models.FileChange, bool) {
	path, _ := input["file_path"].(string)
	if path == "" {
		return models.FileChange{}, false
	}
	switch tool {
	case "Write":
		return models.FileChange{Path: path, Action: models.FileCreated}, true
	case "Edit", "MultiEdit":
		return models.FileChange{Path: path, Action: models.FileModified}, true
	default:
		return models.FileChange{}, false
	}
}
