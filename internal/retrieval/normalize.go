package retrieval

import (
	"fmt"
	"strings"

	"finrisk/internal/domain"
)

// NormalizeNodes flattens raw PageIndex nodes into one RetrievalNode per
// passage. A node with N passages yields ids "nodeid:1".."nodeid:N"; nodes
// without passages fall back to their body text.
func NormalizeNodes(ticker string, rawNodes []RawNode) []domain.RetrievalNode {
	var normalized []domain.RetrievalNode
	for _, raw := range rawNodes {
		title := raw.Title
		if title == "" {
			title = "Untitled Section"
		}

		if len(raw.RelevantContents) == 0 {
			if raw.Text == "" {
				continue
			}
			normalized = append(normalized, domain.RetrievalNode{
				NodeID:          fallbackNodeID(raw.NodeID, ticker, len(normalized)),
				Title:           title,
				RelevantContent: raw.Text,
			})
			continue
		}

		for idx, content := range raw.RelevantContents {
			if content.RelevantContent == "" {
				continue
			}
			nodeID := fallbackNodeID(raw.NodeID, ticker, len(normalized))
			if raw.NodeID != "" {
				nodeID = fmt.Sprintf("%s:%d", raw.NodeID, idx+1)
			}
			normalized = append(normalized, domain.RetrievalNode{
				NodeID:          nodeID,
				Title:           title,
				PageIndex:       content.PageIndex,
				RelevantContent: content.RelevantContent,
			})
		}
	}
	return normalized
}

func fallbackNodeID(nodeID, ticker string, count int) string {
	if nodeID != "" {
		return nodeID
	}
	return fmt.Sprintf("%s-%03d", ticker, count+1)
}

// MockSummary composes a deterministic risk summary over normalized nodes,
// with key points from the first five passages and up to eight citations.
func MockSummary(ticker, query string, nodes []domain.RetrievalNode) string {
	var citations []string
	seen := map[string]bool{}
	for _, node := range nodes {
		citation := fmt.Sprintf("[%s, Page %d]", node.Title, node.PageIndex)
		if seen[citation] {
			continue
		}
		seen[citation] = true
		citations = append(citations, citation)
	}

	var keyPoints []string
	for _, node := range nodes {
		if len(keyPoints) == 5 {
			break
		}
		keyPoints = append(keyPoints, fmt.Sprintf("- %s [%s, Page %d]", node.RelevantContent, node.Title, node.PageIndex))
	}

	citationsLine := "[No sources]"
	if len(citations) > 0 {
		if len(citations) > 8 {
			citations = citations[:8]
		}
		citationsLine = strings.Join(citations, " ")
	}
	keyPointsText := "- No retrieved evidence available."
	if len(keyPoints) > 0 {
		keyPointsText = strings.Join(keyPoints, "\n")
	}

	return fmt.Sprintf("Executive overview: For %s, disclosures relevant to '%s' indicate a multi-factor risk "+
		"profile spanning operations, regulation, technology resilience, and external dependencies.\n\n"+
		"Key disclosed risk signals:\n%s\n\n"+
		"Potential impact:\n"+
		"- Margin pressure from compliance and remediation costs.\n"+
		"- Revenue and retention sensitivity if service reliability weakens.\n"+
		"- Execution delays when supplier, regulatory, or macro conditions deteriorate.\n\n"+
		"Source attribution: %s",
		ticker, query, keyPointsText, citationsLine)
}

// ExtractCitations lists unique "[Title, Page N]" citations over raw nodes in
// encounter order.
func ExtractCitations(nodes []RawNode) []string {
	var citations []string
	seen := map[string]bool{}
	for _, node := range nodes {
		for _, content := range node.RelevantContents {
			citation := fmt.Sprintf("[%s, Page %d]", node.Title, content.PageIndex)
			if seen[citation] {
				continue
			}
			seen[citation] = true
			citations = append(citations, citation)
		}
	}
	return citations
}
