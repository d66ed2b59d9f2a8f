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

// PageIndexError wraps any failure talking to the PageIndex API, including
// poll timeouts. Callers fall back to the mock engine when configured to.
type PageIndexError struct {
	Message string
	Err     error
}

func (e *PageIndexError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *PageIndexError) Unwrap() error { return e.Err }

// RetrievalOutcome is a completed PageIndex retrieval.
type RetrievalOutcome struct {
	RetrievalID string
	Nodes       []domain.RetrievalNode
}

// PageIndexClient submits retrievals and polls them to completion.
type PageIndexClient struct {
	BaseURL        string
	APIKey         string
	DocMap         map[string]string
	PollInterval   time.Duration
	PollTimeout    time.Duration
	EnableThinking bool
	HTTPClient     *http.Client
}

func NewPageIndexClient(cfg *config.Config) *PageIndexClient {
	return &PageIndexClient{
		BaseURL:        strings.TrimRight(cfg.PageIndex.BaseURL, "/"),
		APIKey:         cfg.PageIndex.APIKey,
		DocMap:         ParseDocMap(cfg.PageIndex.DocMap),
		PollInterval:   time.Duration(cfg.PageIndex.PollIntervalSeconds * float64(time.Second)),
		PollTimeout:    time.Duration(cfg.PageIndex.PollTimeoutSeconds) * time.Second,
		EnableThinking: cfg.PageIndex.EnableThinking,
		HTTPClient:     &http.Client{Timeout: 30 * time.Second},
	}
}

// ParseDocMap parses "MSFT:doc1,AAPL:doc2" into a ticker to doc id map.
func ParseDocMap(raw string) map[string]string {
	mapping := map[string]string{}
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		ticker, docID, ok := strings.Cut(item, ":")
		if !ok {
			continue
		}
		mapping[strings.ToUpper(strings.TrimSpace(ticker))] = strings.TrimSpace(docID)
	}
	return mapping
}

// HasCredentials reports whether the client can make live calls at all.
func (c *PageIndexClient) HasCredentials() bool {
	return c.APIKey != "" && len(c.DocMap) > 0
}

func (c *PageIndexClient) docID(ticker string) (string, error) {
	docID := c.DocMap[strings.ToUpper(ticker)]
	if docID == "" {
		return "", &PageIndexError{Message: fmt.Sprintf("no PageIndex doc_id configured for ticker %s", ticker)}
	}
	return docID, nil
}

// Retrieve submits a retrieval for the ticker's 10-K and polls until it
// completes, fails, or the poll window closes.
func (c *PageIndexClient) Retrieve(ctx context.Context, ticker, query string) (RetrievalOutcome, error) {
	if c.APIKey == "" {
		return RetrievalOutcome{}, &PageIndexError{Message: "pageindex api_key is not configured"}
	}
	docID, err := c.docID(ticker)
	if err != nil {
		return RetrievalOutcome{}, err
	}

	body := map[string]any{"doc_id": docID, "query": query}
	if c.EnableThinking {
		body["thinking"] = true
	}

	status, data, err := c.post(ctx, "/retrieval/", body)
	if err != nil {
		return RetrievalOutcome{}, err
	}
	if status == http.StatusForbidden && c.EnableThinking {
		// Thinking quota exhausted: downgrade to standard retrieval.
		var detail struct {
			Detail string `json:"detail"`
		}
		_ = json.Unmarshal(data, &detail)
		if strings.EqualFold(detail.Detail, "limitreached") {
			delete(body, "thinking")
			status, data, err = c.post(ctx, "/retrieval/", body)
			if err != nil {
				return RetrievalOutcome{}, err
			}
		}
	}
	if status < 200 || status >= 300 {
		return RetrievalOutcome{}, &PageIndexError{Message: fmt.Sprintf("pageindex submit returned status %d", status)}
	}

	var submit struct {
		RetrievalID string `json:"retrieval_id"`
	}
	if err := json.Unmarshal(data, &submit); err != nil || submit.RetrievalID == "" {
		return RetrievalOutcome{}, &PageIndexError{Message: "pageindex retrieval response missing retrieval_id"}
	}

	return c.poll(ctx, ticker, submit.RetrievalID)
}

func (c *PageIndexClient) poll(ctx context.Context, ticker, retrievalID string) (RetrievalOutcome, error) {
	deadline := time.Now().Add(c.PollTimeout)
	for time.Now().Before(deadline) {
		status, data, err := c.get(ctx, "/retrieval/"+retrievalID+"/")
		if err != nil {
			return RetrievalOutcome{}, err
		}
		if status < 200 || status >= 300 {
			return RetrievalOutcome{}, &PageIndexError{Message: fmt.Sprintf("pageindex poll returned status %d", status)}
		}
		var payload struct {
			Status         string    `json:"status"`
			RetrievedNodes []RawNode `json:"retrieved_nodes"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return RetrievalOutcome{}, &PageIndexError{Message: "decode pageindex poll response", Err: err}
		}
		switch payload.Status {
		case "completed":
			return RetrievalOutcome{
				RetrievalID: retrievalID,
				Nodes:       NormalizeNodes(strings.ToUpper(ticker), payload.RetrievedNodes),
			}, nil
		case "failed", "error":
			return RetrievalOutcome{}, &PageIndexError{Message: fmt.Sprintf("pageindex retrieval failed (status=%s)", payload.Status)}
		}
		select {
		case <-ctx.Done():
			return RetrievalOutcome{}, &PageIndexError{Message: "pageindex retrieval canceled", Err: ctx.Err()}
		case <-time.After(c.PollInterval):
		}
	}
	return RetrievalOutcome{}, &PageIndexError{Message: "pageindex retrieval polling timed out"}
}

func (c *PageIndexClient) post(ctx context.Context, path string, body map[string]any) (int, []byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, nil, &PageIndexError{Message: "encode pageindex request", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, &PageIndexError{Message: "build pageindex request", Err: err}
	}
	req.Header.Set("api_key", c.APIKey)
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *PageIndexClient) get(ctx context.Context, path string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return 0, nil, &PageIndexError{Message: "build pageindex request", Err: err}
	}
	req.Header.Set("api_key", c.APIKey)
	return c.do(req)
}

func (c *PageIndexClient) do(req *http.Request) (int, []byte, error) {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, nil, &PageIndexError{Message: "pageindex http error", Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, &PageIndexError{Message: "read pageindex response", Err: err}
	}
	return resp.StatusCode, data, nil
}
