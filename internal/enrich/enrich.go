// Package enrich provides the AI text generation behind the ai-enrich bulk
// action, backed by the Anthropic API.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/kestrelworks/handlebar/internal/backend"
	"github.com/kestrelworks/handlebar/internal/telemetry"
)

const (
	// DefaultModel keeps enrichment on the cheapest tier; per-item calls
	// multiply quickly across a bulk action.
	DefaultModel = "claude-3-5-haiku-latest"

	maxRetries     = 3
	initialBackoff = 1 * time.Second
	maxOutputChars = 8000
)

// errAPIKeyRequired is returned when an API key is needed but not provided.
var errAPIKeyRequired = errors.New("API key required")

// Client wraps the Anthropic API for per-item enrichment.
type Client struct {
	client         anthropic.Client
	model          anthropic.Model
	maxRetries     int
	initialBackoff time.Duration
}

// New creates an enrichment client. Env var ANTHROPIC_API_KEY takes
// precedence over the explicit apiKey; an empty model uses DefaultModel.
func New(apiKey, model string) (*Client, error) {
	if envKey := os.Getenv("ANTHROPIC_API_KEY"); envKey != "" {
		apiKey = envKey
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: set ANTHROPIC_API_KEY or provide via config", errAPIKeyRequired)
	}
	if model == "" {
		model = DefaultModel
	}
	return &Client{
		client:         anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:          anthropic.Model(model),
		maxRetries:     maxRetries,
		initialBackoff: initialBackoff,
	}, nil
}

// Enrich generates replacement description text for one work item from the
// caller's instruction and the item's current state.
func (c *Client) Enrich(ctx context.Context, prompt string, item *backend.WorkItem) (string, error) {
	rendered := renderPrompt(prompt, item)
	text, err := c.callWithRetry(ctx, rendered)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("model returned empty enrichment")
	}
	if len(text) > maxOutputChars {
		text = text[:maxOutputChars]
	}
	return text, nil
}

func renderPrompt(instruction string, item *backend.WorkItem) string {
	var b strings.Builder
	b.WriteString("You are improving a work-tracking item. Follow the instruction and ")
	b.WriteString("return only the replacement description text, no preamble.\n\n")
	fmt.Fprintf(&b, "Instruction: %s\n\n", instruction)
	fmt.Fprintf(&b, "Item #%d\n", item.ID)
	fmt.Fprintf(&b, "Title: %s\n", backend.StringField(item.Fields, backend.FieldTitle))
	fmt.Fprintf(&b, "Type: %s\n", backend.StringField(item.Fields, backend.FieldWorkItemType))
	fmt.Fprintf(&b, "State: %s\n", backend.StringField(item.Fields, backend.FieldState))
	if desc := backend.StringField(item.Fields, backend.FieldDescription); desc != "" {
		fmt.Fprintf(&b, "Current description:\n%s\n", desc)
	}
	return b.String()
}

func (c *Client) callWithRetry(ctx context.Context, prompt string) (string, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "anthropic.messages.new")
	defer span.End()
	span.SetAttributes(attribute.String("hb.ai.model", string(c.model)))

	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 1024,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoffDelay := c.initialBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-time.After(backoffDelay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		message, err := c.client.Messages.New(ctx, params)
		if err == nil {
			span.SetAttributes(
				attribute.Int64("hb.ai.input_tokens", message.Usage.InputTokens),
				attribute.Int64("hb.ai.output_tokens", message.Usage.OutputTokens),
				attribute.Int("hb.ai.attempts", attempt+1),
			)
			if len(message.Content) > 0 {
				content := message.Content[0]
				if content.Type == "text" {
					return content.Text, nil
				}
				return "", fmt.Errorf("unexpected response format: not a text block (type=%s)", content.Type)
			}
			return "", fmt.Errorf("unexpected response format: no content blocks")
		}

		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !isRetryable(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return "", fmt.Errorf("non-retryable error: %w", err)
		}
	}

	if lastErr != nil {
		span.RecordError(lastErr)
		span.SetStatus(codes.Error, lastErr.Error())
	}
	return "", fmt.Errorf("failed after %d retries: %w", c.maxRetries+1, lastErr)
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}
