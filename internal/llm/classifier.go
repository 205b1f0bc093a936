// Package llm classifies free-text chat messages into structured commands
// using the Anthropic Messages API. The classifier is the only place raw
// user text meets a model; everything downstream works on command.Command.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/proxmox-agent/internal/command"
	perrors "github.com/p-blackswan/proxmox-agent/internal/errors"
)

const (
	anthropicAPIBase    = "https://api.anthropic.com/v1"
	anthropicAPIVersion = "2023-06-01"
	defaultModel        = "claude-sonnet-4-5"
	classifyMaxTokens   = 256
)

const systemPrompt = `You classify requests for a Proxmox container management bot.
Given a user message, respond with ONLY a JSON object of this shape:
{"intent": "<intent>", "container_id": "<id or null>"}

Valid intents:
- list_resources: the user wants to list containers
- start_resource: the user wants to start a container
- stop_resource: the user wants to stop a container
- schedule_deletion: the user wants a container deleted (deletion is always scheduled, never immediate)
- list_scheduled: the user wants to see scheduled deletions
- unknown: none of the above

For start_resource, stop_resource and schedule_deletion, extract the numeric container id.`

// HTTPClient abstracts HTTP calls for testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Classifier turns free text into commands via the Anthropic API.
type Classifier struct {
	apiKey string
	model  string
	client HTTPClient
	logger zerolog.Logger
}

// NewClassifier constructs a classifier. An empty model selects the default.
func NewClassifier(apiKey, model string, logger zerolog.Logger) *Classifier {
	if model == "" {
		model = defaultModel
	}
	return &Classifier{
		apiKey: apiKey,
		model:  model,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger.With().Str("component", "llm").Logger(),
	}
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Classifier) SetHTTPClient(hc HTTPClient) {
	c.client = hc
}

// ---- Anthropic wire types ----

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Classify sends the message to the model and parses the structured verdict.
// Any failure returns a KindUnknown command alongside the error, so callers
// can degrade to "I didn't understand" without special cases.
func (c *Classifier) Classify(ctx context.Context, text string) (command.Command, error) {
	reqBody := anthropicRequest{
		Model:     c.model,
		MaxTokens: classifyMaxTokens,
		System:    systemPrompt,
		Messages:  []anthropicMessage{{Role: "user", Content: text}},
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return command.Command{Kind: command.KindUnknown}, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, anthropicAPIBase+"/messages", bytes.NewReader(payload))
	if err != nil {
		return command.Command{Kind: command.KindUnknown}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("Anthropic-Version", anthropicAPIVersion)

	resp, err := c.client.Do(req)
	if err != nil {
		return command.Command{Kind: command.KindUnknown}, &perrors.APIError{Service: "anthropic", Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return command.Command{Kind: command.KindUnknown},
			perrors.NewAPIError("anthropic", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var ar anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return command.Command{Kind: command.KindUnknown}, fmt.Errorf("decoding response: %w", err)
	}
	if ar.Error != nil {
		return command.Command{Kind: command.KindUnknown},
			perrors.NewAPIError("anthropic", resp.StatusCode, ar.Error.Message)
	}

	var raw string
	for _, block := range ar.Content {
		if block.Type == "text" {
			raw += block.Text
		}
	}

	cmd, err := parseVerdict(raw)
	if err != nil {
		c.logger.Warn().Err(err).Str("raw", raw).Msg("unparseable classifier verdict")
		return command.Command{Kind: command.KindUnknown}, err
	}
	return cmd, nil
}

var jsonFence = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```|(\\{.*\\})")

// parseVerdict extracts the JSON object from the model output, tolerating
// markdown fences and surrounding prose.
func parseVerdict(raw string) (command.Command, error) {
	m := jsonFence.FindStringSubmatch(raw)
	if m == nil {
		return command.Command{}, fmt.Errorf("no JSON object in classifier output")
	}
	blob := m[1]
	if blob == "" {
		blob = m[2]
	}

	var verdict struct {
		Intent      string  `json:"intent"`
		ContainerID *string `json:"container_id"`
	}
	if err := json.Unmarshal([]byte(blob), &verdict); err != nil {
		return command.Command{}, fmt.Errorf("parsing classifier verdict: %w", err)
	}

	kind := command.Kind(verdict.Intent)
	switch kind {
	case command.KindListResources, command.KindStartResource, command.KindStopResource,
		command.KindScheduleDeletion, command.KindListScheduled, command.KindUnknown:
	default:
		kind = command.KindUnknown
	}

	cmd := command.Command{Kind: kind}
	if verdict.ContainerID != nil {
		cmd.ResourceID = strings.TrimSpace(*verdict.ContainerID)
	}
	if err := cmd.Validate(); err != nil {
		return command.Command{}, err
	}
	return cmd, nil
}
