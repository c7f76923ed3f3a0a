package enrichment

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/genai"

	"research-orchestrator/internal/models"
)

const defaultGeminiModel = "gemini-2.5-flash"

// GeminiConfig configures the Google Gemini adapter
type GeminiConfig struct {
	APIKey string
	Model  string
}

// GeminiClient enriches items through the Gemini generateContent API
type GeminiClient struct {
	client *genai.Client
	model  string
	logger *logrus.Entry
}

// NewGeminiClient creates a Gemini-backed client
func NewGeminiClient(ctx context.Context, cfg GeminiConfig, logger *logrus.Entry) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultGeminiModel
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create gemini client")
	}

	return &GeminiClient{
		client: client,
		model:  cfg.Model,
		logger: logger.WithField("provider", "gemini"),
	}, nil
}

// Enrich sends one item to Gemini and returns the decoded JSON result
func (c *GeminiClient) Enrich(ctx context.Context, kind models.JobKind, payload json.RawMessage) (json.RawMessage, error) {
	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(Instruction(kind), genai.RoleUser),
		ResponseMIMEType:  "application/json",
	}
	contents := []*genai.Content{genai.NewContentFromText(Prompt(kind, payload), genai.RoleUser)}

	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, config)
	if err != nil {
		return nil, Classify(err)
	}

	var text strings.Builder
	if resp != nil {
		for _, candidate := range resp.Candidates {
			if candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part.Text != "" {
					text.WriteString(part.Text)
				}
			}
			if text.Len() > 0 {
				break
			}
		}
	}

	c.logger.WithField("kind", kind).Debugf("received %d bytes", text.Len())
	return decodeResult(text.String())
}
