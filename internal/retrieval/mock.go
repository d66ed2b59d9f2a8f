package retrieval

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/rand"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"finrisk/internal/domain"
)

// Mock scenarios drive the synthetic retrieval engine. Unknown scenario names
// fall back to happy_path.
const (
	ScenarioHappyPath       = "happy_path"
	ScenarioSlowProcessing  = "slow_processing"
	ScenarioEmptyCompleted  = "empty_completed"
	ScenarioFailedRetrieval = "failed_retrieval"
	ScenarioLimitReached    = "limit_reached"
	ScenarioMixedRelevance  = "mixed_relevance"
	ScenarioLongContext     = "long_context"
)

var supportedScenarios = map[string]bool{
	ScenarioHappyPath:       true,
	ScenarioSlowProcessing:  true,
	ScenarioEmptyCompleted:  true,
	ScenarioFailedRetrieval: true,
	ScenarioLimitReached:    true,
	ScenarioMixedRelevance:  true,
	ScenarioLongContext:     true,
}

// NormalizeScenario lowercases and validates a scenario name.
func NormalizeScenario(scenario string) string {
	s := strings.ToLower(strings.TrimSpace(scenario))
	if supportedScenarios[s] {
		return s
	}
	return ScenarioHappyPath
}

// MockError is a simulated upstream failure with the HTTP status the real
// service would have produced.
type MockError struct {
	Message    string
	StatusCode int
}

func (e *MockError) Error() string { return e.Message }

// RawContent is one passage inside a raw PageIndex-shaped node.
type RawContent struct {
	ContentIndex    int    `json:"content_index"`
	PageIndex       int    `json:"page_index"`
	RelevantContent string `json:"relevant_content"`
}

// RawNode mirrors the PageIndex retrieval node shape before normalization.
type RawNode struct {
	Title            string       `json:"title"`
	NodeID           string       `json:"node_id"`
	ParentNodeID     *string      `json:"parent_node_id"`
	ChildrenNodeIDs  []string     `json:"children_node_ids"`
	NextNodeID       *string      `json:"next_node_id"`
	PrevNodeID       *string      `json:"prev_node_id"`
	Path             string       `json:"path"`
	Text             string       `json:"text"`
	RelevantContents []RawContent `json:"relevant_contents"`
}

// MockResult is everything a mock retrieval produced.
type MockResult struct {
	RetrievalID     string
	DocID           string
	Status          string
	Query           string
	RawNodes        []RawNode
	Nodes           []domain.RetrievalNode
	Scenario        string
	ProcessingPolls int
}

type topic struct {
	key       string
	title     string
	path      string
	templates []string
}

var topicLibrary = []topic{
	{
		key:   "regulatory",
		title: "Item 1A. Risk Factors - Regulatory and Compliance",
		path:  "PART I > ITEM 1A. Risk Factors > Regulatory",
		templates: []string{
			"{ticker} indicates that {focus} may increase compliance costs across {region} and create legal exposure if control frameworks lag.",
			"Management notes evolving privacy, AI, and cross-border data rules that may delay launches and require additional audit coverage.",
			"The filing cites policy divergence across jurisdictions as a source of execution friction and periodic remediation spend.",
		},
	},
	{
		key:   "cyber",
		title: "Item 1A. Risk Factors - Technology and Cybersecurity",
		path:  "PART I > ITEM 1A. Risk Factors > Technology",
		templates: []string{
			"{ticker} reports that cyber incidents, service outages, and third-party software defects could weaken customer trust and require significant recovery costs.",
			"The filing emphasizes dependency on secure identity, telemetry, and incident-response systems to preserve business continuity.",
			"Management highlights increased attack surface from cloud-scale infrastructure and supply-chain software integrations.",
		},
	},
	{
		key:   "operations",
		title: "Item 7. Management's Discussion and Analysis - Operational Risks",
		path:  "PART II > ITEM 7. MD&A > Operating Context",
		templates: []string{
			"Operational performance remains sensitive to demand shifts in {region}, execution bottlenecks, and partner dependencies tied to {focus}.",
			"The company notes that uneven capacity planning can pressure service levels and extend delivery timelines in strategic segments.",
			"Leadership frames resilience programs as necessary to reduce volatility from external providers and constrained talent pools.",
		},
	},
	{
		key:   "supply_chain",
		title: "Item 1. Business - Supply Chain and External Dependencies",
		path:  "PART I > ITEM 1. Business > Supply Chain",
		templates: []string{
			"{ticker} describes exposure to supplier concentration, logistics volatility, and input-cost inflation that may affect margin and fulfillment.",
			"The filing references geopolitical disruptions and long lead times for specialized components as recurring operational risks.",
			"Management indicates continuity planning for critical vendors, but acknowledges potential delivery and quality variability.",
		},
	},
	{
		key:   "financial",
		title: "Item 7A. Quantitative and Qualitative Market Risk",
		path:  "PART II > ITEM 7A. Market Risk",
		templates: []string{
			"Foreign exchange, rate movements, and commodity variability could alter cost structure and reduce forecasting confidence.",
			"The company reports that macro uncertainty may affect enterprise spending cycles and near-term demand conversion.",
			"Management identifies sensitivity to capital-market conditions that can influence investment pace and risk appetite.",
		},
	},
}

// mockFaker produces deterministic filler detail from the seeded RNG.
type mockFaker struct {
	rng *rand.Rand
}

var (
	fakerCompanies = []string{"Northwind Dynamics", "Granite Cloud Systems", "Summit Horizon Labs", "Blue Harbor Technologies", "Evercrest Holdings", "Vector Peak Analytics"}
	fakerCities    = []string{"Seattle", "Austin", "Chicago", "London", "Singapore", "Dublin"}
	fakerCountries = []string{"United States", "United Kingdom", "Germany", "Japan", "Singapore", "Canada"}
	fakerRegions   = []string{"North America", "EMEA", "APAC", "Latin America"}
	fakerWords     = []string{"operational", "resilience", "compliance", "platform", "security", "forecast", "execution", "continuity", "governance", "oversight", "dependency", "scalability"}
)

func (f mockFaker) company() string { return fakerCompanies[f.rng.Intn(len(fakerCompanies))] }
func (f mockFaker) city() string    { return fakerCities[f.rng.Intn(len(fakerCities))] }
func (f mockFaker) country() string { return fakerCountries[f.rng.Intn(len(fakerCountries))] }
func (f mockFaker) region() string  { return fakerRegions[f.rng.Intn(len(fakerRegions))] }

func (f mockFaker) sentence(nbWords int) string {
	if nbWords < 5 {
		nbWords = 5
	}
	words := make([]string, nbWords)
	for i := range words {
		words[i] = fakerWords[f.rng.Intn(len(fakerWords))]
	}
	s := strings.Join(words, " ")
	return strings.ToUpper(s[:1]) + s[1:] + "."
}

// StableSeed derives a 32-bit seed from its parts so the same salt, ticker,
// query, and scenario always produce the same nodes.
func StableSeed(parts ...string) uint32 {
	cleaned := make([]string, len(parts))
	for i, p := range parts {
		cleaned[i] = strings.ToLower(strings.TrimSpace(p))
	}
	sum := sha256.Sum256([]byte(strings.Join(cleaned, "::")))
	return binary.BigEndian.Uint32(sum[28:32])
}

// shortHex is an 18-char hex id fragment for mock identifiers.
func shortHex() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:18]
}

var scenarioOverrideRe = regexp.MustCompile(`(?i)^\s*scenario:([a-z_]+)::(.*)$`)

// ExtractScenarioOverride strips an inline "scenario:NAME::query" prefix,
// used for quick manual testing.
func ExtractScenarioOverride(query string) (scenario, cleanQuery string) {
	m := scenarioOverrideRe.FindStringSubmatch(query)
	if m == nil {
		return "", query
	}
	return strings.ToLower(strings.TrimSpace(m[1])), strings.TrimSpace(m[2])
}

func focusPhrase(query string) string {
	cleaned := strings.Join(strings.Fields(query), " ")
	if cleaned == "" {
		return "the requested risk area"
	}
	if len(cleaned) > 140 {
		return cleaned[:140]
	}
	return cleaned
}

// MockEngine fabricates 10-K retrieval results without touching the network.
type MockEngine struct {
	Scenario string
	SeedSalt string
}

func NewMockEngine(scenario, seedSalt string) MockEngine {
	salt := strings.TrimSpace(seedSalt)
	if salt == "" {
		salt = "finrisk"
	}
	return MockEngine{Scenario: strings.ToLower(strings.TrimSpace(scenario)), SeedSalt: salt}
}

func (e MockEngine) Retrieve(ticker, query string) (MockResult, error) {
	override, cleanQuery := ExtractScenarioOverride(query)
	scenario := e.Scenario
	if override != "" {
		scenario = override
	}
	scenario = NormalizeScenario(scenario)

	switch scenario {
	case ScenarioFailedRetrieval:
		return MockResult{}, &MockError{Message: "Mock retrieval failed (scenario=failed_retrieval)", StatusCode: 502}
	case ScenarioLimitReached:
		return MockResult{}, &MockError{Message: "LimitReached", StatusCode: 429}
	}

	seed := StableSeed(e.SeedSalt, ticker, cleanQuery, scenario)
	rng := rand.New(rand.NewSource(int64(seed)))
	faker := mockFaker{rng: rng}

	processingPolls := 1
	if scenario == ScenarioSlowProcessing {
		processingPolls = 3 + rng.Intn(4)
	}

	var rawNodes []RawNode
	if scenario != ScenarioEmptyCompleted {
		rawNodes = e.buildRawNodes(strings.ToUpper(ticker), cleanQuery, rng, faker, scenario)
	}

	return MockResult{
		RetrievalID:     "sr-mock-" + shortHex(),
		DocID:           "pi-mock-" + strings.ToLower(ticker),
		Status:          "completed",
		Query:           cleanQuery,
		RawNodes:        rawNodes,
		Nodes:           NormalizeNodes(strings.ToUpper(ticker), rawNodes),
		Scenario:        scenario,
		ProcessingPolls: processingPolls,
	}, nil
}

func (e MockEngine) buildRawNodes(ticker, query string, rng *rand.Rand, faker mockFaker, scenario string) []RawNode {
	var nodeCount int
	switch scenario {
	case ScenarioLongContext:
		nodeCount = 9 + rng.Intn(4)
	case ScenarioMixedRelevance:
		nodeCount = 6 + rng.Intn(4)
	default:
		nodeCount = 4 + rng.Intn(5)
	}

	focus := focusPhrase(query)
	basePage := 12 + rng.Intn(6)

	nodeIDs := make([]string, nodeCount)
	for i := range nodeIDs {
		nodeIDs[i] = fmt.Sprintf("%04d", i+1)
	}

	rawNodes := make([]RawNode, 0, nodeCount)
	for idx, nodeID := range nodeIDs {
		top := topicLibrary[idx%len(topicLibrary)]
		relevantCount := 1
		if idx%3 == 0 {
			switch scenario {
			case ScenarioHappyPath, ScenarioSlowProcessing, ScenarioMixedRelevance:
				relevantCount = 2
			}
		}
		if scenario == ScenarioLongContext {
			relevantCount = 2
			if idx%2 == 0 {
				relevantCount = 3
			}
		}

		contents := make([]RawContent, 0, relevantCount)
		for ci := 0; ci < relevantCount; ci++ {
			contents = append(contents, RawContent{
				ContentIndex:    ci,
				PageIndex:       basePage + idx*2 + ci,
				RelevantContent: e.composeContent(ticker, focus, top, query, rng, faker, scenario),
			})
		}

		node := RawNode{
			Title:            top.title,
			NodeID:           nodeID,
			ChildrenNodeIDs:  []string{},
			Path:             top.path,
			RelevantContents: contents,
		}
		if idx+1 < len(nodeIDs) {
			node.NextNodeID = &nodeIDs[idx+1]
		}
		if idx > 0 {
			node.PrevNodeID = &nodeIDs[idx-1]
		}
		rawNodes = append(rawNodes, node)
	}
	return rawNodes
}

func (e MockEngine) composeContent(ticker, focus string, top topic, query string, rng *rand.Rand, faker mockFaker, scenario string) string {
	if scenario == ScenarioMixedRelevance && rng.Float64() < 0.32 {
		return fmt.Sprintf("Context note: %s updated internal reporting rhythms in %s. This disclosure has weak direct relevance to '%s'.",
			faker.company(), faker.city(), query)
	}

	template := top.templates[rng.Intn(len(top.templates))]
	rendered := strings.NewReplacer(
		"{ticker}", ticker,
		"{focus}", focus,
		"{region}", faker.region(),
	).Replace(template)

	sentenceTwo := fmt.Sprintf("Supporting detail from %s and %s operations indicates continued dependence on third-party controls and execution quality.",
		faker.country(), faker.city())

	if scenario != ScenarioLongContext {
		return rendered + " " + sentenceTwo
	}

	sentenceThree := "The filing also describes scenario planning assumptions, governance checkpoints, and contingency actions that may influence timeline and cost outcomes under stressed conditions."
	return rendered + " " + sentenceTwo + " " + sentenceThree + " " + faker.sentence(16)
}
