package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"finrisk/internal/config"
	"finrisk/internal/domain"
)

// LLMError wraps failures talking to the chat completions API.
type LLMError struct {
	Message string
	Err     error
}

func (e *LLMError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *LLMError) Unwrap() error { return e.Err }

// LLMClient generates risk summaries through an OpenAI-compatible endpoint.
type LLMClient struct {
	BaseURL    string
	APIKey     string
	Model      string
	HTTPClient *http.Client
}

func NewLLMClient(cfg *config.Config) *LLMClient {
	return &LLMClient{
		BaseURL:    strings.TrimRight(cfg.OpenAI.BaseURL, "/"),
		APIKey:     cfg.OpenAI.APIKey,
		Model:      cfg.OpenAI.Model,
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *LLMClient) HasCredentials() bool { return c.APIKey != "" }

const summarySystemPrompt = "You are a financial analyst assistant. Generate a concise risk summary " +
	"based ONLY on the provided document sections. Every claim must be traceable " +
	"to a specific source section. Do not infer facts not present in the sources. " +
	"Format citations as [Section Title, Page N]."

// GenerateSummary asks the model for a grounded risk summary over the
// retrieved sections.
func (c *LLMClient) GenerateSummary(ctx context.Context, ticker, query string, nodes []domain.RetrievalNode) (string, error) {
	if c.APIKey == "" {
		return "", &LLMError{Message: "openai api_key is not configured"}
	}
	if len(nodes) == 0 {
		return "", &LLMError{Message: "cannot generate summary with empty node list"}
	}

	sections := make([]string, 0, len(nodes))
	for _, node := range nodes {
		sections = append(sections, fmt.Sprintf("Section: %s (Page %d)\n%s", node.Title, node.PageIndex, node.RelevantContent))
	}

	userPrompt := fmt.Sprintf("Ticker: %s\nQuery: %s\n\nRelevant Document Sections:\n---\n%s\n---\n\n"+
		"Generate a structured risk summary (300-500 words) with:\n"+
		"1. Executive overview\n"+
		"2. Key risk categories identified\n"+
		"3. Specific risk details with inline citations [Section Title, Page N]\n"+
		"4. Potential impact assessment based on disclosed information",
		ticker, query, strings.Join(sections, "\n---\n"))

	payload := map[string]any{
		"model": c.Model,
		"messages": []map[string]string{
			{"role": "system", "content": summarySystemPrompt},
			{"role": "user", "content": userPrompt},
		},
		"temperature": 0.2,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", &LLMError{Message: "encode chat request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", &LLMError{Message: "build chat request", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", &LLMError{Message: "openai http error", Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &LLMError{Message: "read chat response", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &LLMError{Message: fmt.Sprintf("openai returned status %d", resp.StatusCode)}
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", &LLMError{Message: "decode chat response", Err: err}
	}
	if len(parsed.Choices) == 0 {
		return "", &LLMError{Message: "openai response contained no choices"}
	}
	content := parsed.Choices[0].Message.Content
	if content == "" {
		return "", &LLMError{Message: "openai response contained empty content"}
	}
	return content, nil
}
