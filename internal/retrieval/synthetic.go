package retrieval

import (
	"math/rand"
	"strings"
	"time"

	"finrisk/internal/config"
)

// SyntheticNode is a raw-shaped node in synthetic responses, passages only.
type SyntheticNode struct {
	Title            string           `json:"title"`
	NodeID           string           `json:"node_id"`
	RelevantContents []SyntheticChunk `json:"relevant_contents"`
}

type SyntheticChunk struct {
	PageIndex       int    `json:"page_index"`
	RelevantContent string `json:"relevant_content"`
}

type SyntheticRetrieveResult struct {
	RetrievalID    string          `json:"retrieval_id"`
	DocID          string          `json:"doc_id"`
	Status         string          `json:"status"`
	Query          string          `json:"query"`
	Scenario       string          `json:"scenario"`
	LatencyMS      int             `json:"latency_ms"`
	RetrievedNodes []SyntheticNode `json:"retrieved_nodes"`
}

type SyntheticGenerateResult struct {
	GenerationID string   `json:"generation_id"`
	RetrievalID  string   `json:"retrieval_id"`
	Status       string   `json:"status"`
	Scenario     string   `json:"scenario"`
	LatencyMS    int      `json:"latency_ms"`
	Summary      string   `json:"summary"`
	Citations    []string `json:"citations"`
}

// Synthetic exposes the mock pipeline as a standalone surface with simulated
// latency, for frontend development and demos without any credentials.
type Synthetic struct {
	Config *config.Config
	// Sleep is swapped out in tests.
	Sleep func(time.Duration)
}

func NewSynthetic(cfg *config.Config) *Synthetic {
	return &Synthetic{Config: cfg, Sleep: time.Sleep}
}

func (s *Synthetic) scenario(requested string) string {
	scenario := strings.ToLower(strings.TrimSpace(requested))
	if scenario == "" {
		scenario = s.Config.Mock.Scenario
	}
	return scenario
}

func (s *Synthetic) sleepWindow(minMS, maxMS int) {
	if minMS < 0 {
		minMS = 0
	}
	if maxMS < minMS {
		maxMS = minMS
	}
	d := minMS
	if maxMS > minMS {
		d += rand.Intn(maxMS - minMS + 1)
	}
	if s.Sleep != nil && d > 0 {
		s.Sleep(time.Duration(d) * time.Millisecond)
	}
}

// Retrieve runs the mock engine and reshapes its raw nodes, dropping nodes
// with no usable passages.
func (s *Synthetic) Retrieve(ticker, query, scenario string) (SyntheticRetrieveResult, error) {
	engine := NewMockEngine(s.scenario(scenario), s.Config.Mock.SeedSalt)

	start := time.Now()
	s.sleepWindow(s.Config.Synthetic.RetrievalLatencyMinMS, s.Config.Synthetic.RetrievalLatencyMaxMS)

	result, err := engine.Retrieve(ticker, query)
	if err != nil {
		return SyntheticRetrieveResult{}, err
	}

	nodes := make([]SyntheticNode, 0, len(result.RawNodes))
	for _, raw := range result.RawNodes {
		title := raw.Title
		if title == "" {
			title = "Untitled Section"
		}
		chunks := make([]SyntheticChunk, 0, len(raw.RelevantContents))
		for _, content := range raw.RelevantContents {
			if strings.TrimSpace(content.RelevantContent) == "" {
				continue
			}
			chunks = append(chunks, SyntheticChunk{
				PageIndex:       content.PageIndex,
				RelevantContent: content.RelevantContent,
			})
		}
		if len(chunks) == 0 {
			continue
		}
		nodes = append(nodes, SyntheticNode{Title: title, NodeID: raw.NodeID, RelevantContents: chunks})
	}

	return SyntheticRetrieveResult{
		RetrievalID:    result.RetrievalID,
		DocID:          result.DocID,
		Status:         result.Status,
		Query:          result.Query,
		Scenario:       result.Scenario,
		LatencyMS:      int(time.Since(start).Milliseconds()),
		RetrievedNodes: nodes,
	}, nil
}

// Generate composes the mock summary over the caller's retrieved nodes.
func (s *Synthetic) Generate(ticker, query, retrievalID, scenario string, nodes []SyntheticNode) SyntheticGenerateResult {
	start := time.Now()
	s.sleepWindow(s.Config.Synthetic.GenerateLatencyMinMS, s.Config.Synthetic.GenerateLatencyMaxMS)

	rawNodes := make([]RawNode, 0, len(nodes))
	for _, node := range nodes {
		contents := make([]RawContent, 0, len(node.RelevantContents))
		for _, chunk := range node.RelevantContents {
			contents = append(contents, RawContent{
				PageIndex:       chunk.PageIndex,
				RelevantContent: chunk.RelevantContent,
			})
		}
		rawNodes = append(rawNodes, RawNode{Title: node.Title, NodeID: node.NodeID, RelevantContents: contents})
	}

	normalized := NormalizeNodes(strings.ToUpper(ticker), rawNodes)
	return SyntheticGenerateResult{
		GenerationID: "gen-mock-" + shortHex(),
		RetrievalID:  retrievalID,
		Status:       "completed",
		Scenario:     NormalizeScenario(s.scenario(scenario)),
		LatencyMS:    int(time.Since(start).Milliseconds()),
		Summary:      MockSummary(ticker, query, normalized),
		Citations:    ExtractCitations(rawNodes),
	}
}
