package enrichment

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"research-orchestrator/internal/models"
)

const (
	defaultClaudeModel     = "claude-sonnet-4-5"
	defaultClaudeMaxTokens = 1024
)

// ClaudeConfig configures the Anthropic Messages API adapter
type ClaudeConfig struct {
	APIKey    string
	Model     string
	MaxTokens int64
	// BaseURL overrides the API endpoint; empty uses the SDK default.
	BaseURL string
}

// ClaudeClient enriches items through the Anthropic Messages API
type ClaudeClient struct {
	messages  *anthropic.MessageService
	model     string
	maxTokens int64
	logger    *logrus.Entry
}

// NewClaudeClient creates a Claude-backed client. SDK retries are disabled; the
// scheduler owns the retry budget.
func NewClaudeClient(cfg ClaudeConfig, logger *logrus.Entry) (*ClaudeClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("claude api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultClaudeModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultClaudeMaxTokens
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	return &ClaudeClient{
		messages:  &client.Messages,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		logger:    logger.WithField("provider", "claude"),
	}, nil
}

// Enrich sends one item to Claude and returns the decoded JSON result
func (c *ClaudeClient) Enrich(ctx context.Context, kind models.JobKind, payload json.RawMessage) (json.RawMessage, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(Prompt(kind, payload))),
		},
		System: []anthropic.TextBlockParam{
			{Text: Instruction(kind)},
		},
	}

	resp, err := c.messages.New(ctx, params)
	if err != nil {
		return nil, classifyClaudeError(err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	c.logger.WithField("kind", kind).Debugf("received %d bytes", text.Len())
	return decodeResult(text.String())
}

func classifyClaudeError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &Error{
			Class:   ClassifyStatus(apiErr.StatusCode, apiErr.Error()),
			Message: apiErr.Error(),
			Err:     err,
		}
	}
	return Classify(err)
}
