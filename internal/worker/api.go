package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/config"
)

const defaultMaxTokens = 8192

// APIConfig configures an APIWorker.
type APIConfig struct {
	// APIKey is the Anthropic API key. If empty, uses ANTHROPIC_API_KEY.
	APIKey string
	// UseBedrock routes calls through AWS Bedrock instead of the direct API.
	UseBedrock bool
	// AWSRegion is the Bedrock region (e.g. "us-west-2").
	AWSRegion string
	// AWSProfile is an optional shared-config profile.
	AWSProfile string
	// MaxTokens caps each response. Zero means 8192.
	MaxTokens int64
	// Pricing converts token counts into cost.
	Pricing PriceFunc
}

// APIWorker sends a single-turn message per invocation.
type APIWorker struct {
	client    anthropic.Client
	bedrock   bool
	maxTokens int64
	price     PriceFunc
}

// NewAPIWorker creates an Anthropic API worker, optionally via Bedrock.
func NewAPIWorker(ctx context.Context, cfg APIConfig) (*APIWorker, error) {
	var opts []option.RequestOption

	if cfg.UseBedrock {
		var loadOpts []func(*config.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, config.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.AWSProfile))
		}
		opts = append(opts, bedrock.WithLoadDefaultConfig(ctx, loadOpts...))
	} else {
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY environment variable is not set")
		}
		opts = append(opts, option.WithAPIKey(apiKey))
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	return &APIWorker{
		client:    anthropic.NewClient(opts...),
		bedrock:   cfg.UseBedrock,
		maxTokens: maxTokens,
		price:     cfg.Pricing,
	}, nil
}

// Name implements Worker.
func (w *APIWorker) Name() string {
	if w.bedrock {
		return "bedrock"
	}
	return "api"
}

// Invoke implements Worker.
func (w *APIWorker) Invoke(ctx context.Context, req Request) (*Response, error) {
	model := anthropic.Model(req.Model)
	if w.bedrock {
		model = bedrockModel(model)
	}

	params := anthropic.MessageNewParams{
		Model:     model,
		MaxTokens: w.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	msg, err := w.client.Messages.New(ctx, params)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		pe := &ProcessError{Worker: w.Name(), ExitCode: -1, Err: err}
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			pe.Code = strconv.Itoa(apiErr.StatusCode)
		}
		return nil, pe
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(tb.Text)
		}
	}

	resp := &Response{
		Success: msg.StopReason != anthropic.StopReasonMaxTokens,
		Output:  text.String(),
	}
	resp.Usage.InputTokens = msg.Usage.InputTokens
	resp.Usage.OutputTokens = msg.Usage.OutputTokens
	if w.price != nil {
		resp.Usage.CostUSD = w.price(req.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	}
	if !resp.Success {
		resp.Output += "\n[response truncated at max tokens]"
	}
	return resp, nil
}

// bedrockModel converts Anthropic model names to Bedrock cross-region inference profiles.
func bedrockModel(model anthropic.Model) anthropic.Model {
	if strings.Contains(string(model), "anthropic.") {
		return model
	}
	return anthropic.Model("us.anthropic." + string(model) + "-v1:0")
}
