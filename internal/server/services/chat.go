// This file implements ChatService, a thin proxy to an OpenAI-compatible
// responses endpoint with per-call cost computation.
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/mealmetric/server/internal/imagex"
	"github.com/mealmetric/server/internal/server/config"
)

// Per-million-token prices (USD) for the default model.
const (
	inputTokenPrice  = 0.4
	outputTokenPrice = 1.6
)

// ChatMessage is one turn of a conversation. Image, when present, is a
// base64-encoded JPEG or PNG (a data-URL prefix is tolerated).
type ChatMessage struct {
	Role  string `json:"role"`
	Text  string `json:"text"`
	Image string `json:"image,omitempty"`
}

// ChatResult is the provider's reply plus the metered cost of the call.
type ChatResult struct {
	Text         string  `json:"text"`
	Cost         float64 `json:"cost"`
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
}

// ChatConfig configures the upstream endpoint and HTTP behavior.
type ChatConfig struct {
	ResponsesURL string
	APIKey       string
	Model        string
	HTTPClient   *http.Client
}

// ChatService forwards conversations to the LLM provider. A failed call is
// surfaced immediately; there are no retries.
type ChatService struct {
	cfg ChatConfig
}

// NewChatService builds a ChatService. Missing optional fields fall back to
// the public endpoint and a default client.
func NewChatService(cfg ChatConfig) *ChatService {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if strings.TrimSpace(cfg.ResponsesURL) == "" {
		cfg.ResponsesURL = "https://api.openai.com/v1/responses"
	}
	return &ChatService{cfg: cfg}
}

// ChatConfigFromServer derives the upstream settings from server config.
func ChatConfigFromServer(cfg *config.Config) ChatConfig {
	return ChatConfig{
		ResponsesURL: strings.TrimRight(cfg.LLMBaseURL, "/") + "/v1/responses",
		APIKey:       cfg.LLMAPIKey,
		Model:        cfg.LLMModel,
	}
}

// Complete sends the conversation upstream and returns the reply with its
// cost. Oversized images are scaled down before they enter the prompt.
func (s *ChatService) Complete(ctx context.Context, messages []ChatMessage) (*ChatResult, error) {
	apiKey := strings.TrimSpace(s.cfg.APIKey)
	model := strings.TrimSpace(s.cfg.Model)
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("at least one message is required")
	}

	input, err := buildInput(messages)
	if err != nil {
		return nil, err
	}

	requestBody, err := json.Marshal(map[string]any{
		"model": model,
		"input": input,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.ResponsesURL, bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	// Credential material is sent only as an Authorization header and is
	// never echoed in errors or response payloads.
	req.Header.Set("Authorization", "Bearer "+apiKey)

	res, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat request failed: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, err := io.ReadAll(io.LimitReader(res.Body, 4096))
		if err != nil {
			return nil, fmt.Errorf("read chat error body: %w", err)
		}
		return nil, fmt.Errorf("chat request status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		OutputText string `json:"output_text"`
		Output     []struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"output"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode chat response: %w", err)
	}

	outputText := strings.TrimSpace(payload.OutputText)
	if outputText == "" {
		for _, item := range payload.Output {
			for _, content := range item.Content {
				if strings.TrimSpace(content.Text) != "" {
					outputText = strings.TrimSpace(content.Text)
					break
				}
			}
			if outputText != "" {
				break
			}
		}
	}
	if outputText == "" {
		return nil, fmt.Errorf("chat response missing output text")
	}

	return &ChatResult{
		Text:         outputText,
		Cost:         computeCost(payload.Usage.InputTokens, payload.Usage.OutputTokens),
		InputTokens:  payload.Usage.InputTokens,
		OutputTokens: payload.Usage.OutputTokens,
	}, nil
}

// computeCost prices a call in USD, rounded to five decimal places.
func computeCost(inputTokens, outputTokens int) float64 {
	cost := float64(inputTokens)/1e6*inputTokenPrice + float64(outputTokens)/1e6*outputTokenPrice
	return math.Round(cost*1e5) / 1e5
}

// buildInput converts the conversation into the provider's input items,
// downscaling any attached images first.
func buildInput(messages []ChatMessage) ([]map[string]any, error) {
	input := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		role := m.Role
		if role == "" {
			role = "user"
		}
		content := []map[string]any{}
		if strings.TrimSpace(m.Text) != "" {
			content = append(content, map[string]any{
				"type": "input_text",
				"text": m.Text,
			})
		}
		if m.Image != "" {
			resized, err := imagex.ResizeBase64(m.Image, imagex.FoodAnalysis)
			if err != nil {
				return nil, fmt.Errorf("prepare image: %w", err)
			}
			content = append(content, map[string]any{
				"type":      "input_image",
				"image_url": "data:image/jpeg;base64," + stripDataURL(resized),
			})
		}
		if len(content) == 0 {
			return nil, fmt.Errorf("message must carry text or an image")
		}
		input = append(input, map[string]any{
			"role":    role,
			"content": content,
		})
	}
	return input, nil
}

func stripDataURL(s string) string {
	if !strings.HasPrefix(s, "data:") {
		return s
	}
	if idx := strings.Index(s, ","); idx >= 0 {
		return s[idx+1:]
	}
	return s
}
