package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"npc-dialogue-agent/internal/domain"
)

const (
	anthropicVersion = "bedrock-2023-05-31"
	maxOutputTokens  = 500
	temperature      = 0.7
)

// bedrockAPI is the minimal Bedrock Runtime interface required by Client.
// Defined here for testability.
type bedrockAPI interface {
	InvokeModel(ctx context.Context, in *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// invokeRequest is the Anthropic messages body accepted by Bedrock.
type invokeRequest struct {
	AnthropicVersion string          `json:"anthropic_version"`
	MaxTokens        int             `json:"max_tokens"`
	Temperature      float64         `json:"temperature"`
	System           string          `json:"system,omitempty"`
	Messages         []invokeMessage `json:"messages"`
}

type invokeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// invokeResponse is the minimal response shape returned by Anthropic models.
type invokeResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

// Client generates NPC replies through Bedrock Runtime. The model ID is
// fetched from SSM on the first call and reused for the lifetime of the
// process.
type Client struct {
	api         bedrockAPI
	getter      Getter
	paramPrefix string

	modelOnce sync.Once
	modelID   string
	modelErr  error
}

// NewClient creates a Client backed by the given paramstore getter for
// model-ID resolution.
func NewClient(api bedrockAPI, ps Getter, paramPrefix string) (*Client, error) {
	if api == nil {
		return nil, errors.New("bedrock: api must not be nil")
	}
	if ps == nil {
		return nil, errors.New("bedrock: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("bedrock: parameter prefix must not be empty")
	}
	return &Client{api: api, getter: ps, paramPrefix: paramPrefix}, nil
}

func (c *Client) resolveModelID(ctx context.Context) (string, error) {
	c.modelOnce.Do(func() {
		id, err := c.getter.GetParameter(ctx, c.paramPrefix+"/config/model_id")
		if err != nil {
			c.modelErr = fmt.Errorf("bedrock: fetch model id: %w", err)
			return
		}
		id = strings.TrimSpace(id)
		if id == "" {
			c.modelErr = errors.New("bedrock: model id parameter is empty")
			return
		}
		c.modelID = id
	})
	return c.modelID, c.modelErr
}

// Generate invokes the model with the assembled context and returns the
// generated text. System segments are folded into the Anthropic system
// field; the remaining segments become the messages array in order.
func (c *Client) Generate(ctx context.Context, messages []domain.ChatMessage) (string, error) {
	if len(messages) == 0 {
		return "", errors.New("bedrock: messages must not be empty")
	}

	modelID, err := c.resolveModelID(ctx)
	if err != nil {
		return "", err
	}

	var system []string
	turns := make([]invokeMessage, 0, len(messages))
	for _, m := range messages {
		if m.Role == domain.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		turns = append(turns, invokeMessage{Role: m.Role, Content: m.Content})
	}
	if len(turns) == 0 {
		return "", errors.New("bedrock: no user messages in context")
	}

	body, err := json.Marshal(invokeRequest{
		AnthropicVersion: anthropicVersion,
		MaxTokens:        maxOutputTokens,
		Temperature:      temperature,
		System:           strings.Join(system, "\n\n"),
		Messages:         turns,
	})
	if err != nil {
		return "", fmt.Errorf("bedrock: marshal request: %w", err)
	}

	out, err := c.api.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return "", fmt.Errorf("bedrock: invoke model: %w", err)
	}

	var payload invokeResponse
	if err := json.Unmarshal(out.Body, &payload); err != nil {
		return "", fmt.Errorf("bedrock: decode response: %w", err)
	}
	var reply strings.Builder
	for _, block := range payload.Content {
		if block.Type == "text" {
			reply.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(reply.String())
	if text == "" {
		return "", errors.New("bedrock: no text content in response")
	}
	return text, nil
}
