package retrieval

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// QueryType is the kind of question being asked of the history.
type QueryType string

// Query types.
const (
	Temporal QueryType = "temporal"
	Semantic QueryType = "semantic"
	Personal QueryType = "personal"
	Recent   QueryType = "recent"
	General  QueryType = "general"
)

// Valid reports whether q is a known query type.
func (q QueryType) Valid() bool {
	switch q {
	case Temporal, Semantic, Personal, Recent, General:
		return true
	}
	return false
}

// Bounds applied to every strategy.
const (
	MinThreshold   = 0.3
	MaxThreshold   = 0.8
	MinMaxMessages = 1
	MaxMaxMessages = 20
)

// Strategy is the set of retrieval parameters chosen for one query.
type Strategy struct {
	QueryType               QueryType `json:"query_type"`
	SimilarityThreshold     float64   `json:"similarity_threshold"`
	MaxMessages             int       `json:"max_messages"`
	IncludeEarliest         bool      `json:"include_earliest"`
	IncludeRecent           bool      `json:"include_recent"`
	PrioritizeChronological bool      `json:"prioritize_chronological"`
	Reasoning               string    `json:"reasoning"`
}

// DefaultStrategy is used whenever classification fails.
func DefaultStrategy() Strategy {
	return Strategy{
		QueryType:           General,
		SimilarityThreshold: 0.5,
		MaxMessages:         5,
		IncludeRecent:       true,
		Reasoning:           "default strategy",
	}
}

// Clamp returns s with the threshold and message limit forced into range.
func (s Strategy) Clamp() Strategy {
	s.SimilarityThreshold = min(max(s.SimilarityThreshold, MinThreshold), MaxThreshold)
	s.MaxMessages = min(max(s.MaxMessages, MinMaxMessages), MaxMaxMessages)
	return s
}

// ParseStrategy decodes a classifier reply. The reply may wrap the JSON
// object in prose or a code fence. Fields the model omitted keep their
// default values; an unknown query type is an error.
func ParseStrategy(reply string) (Strategy, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end < start {
		return Strategy{}, errors.New("no JSON object in classifier reply")
	}

	s := DefaultStrategy()
	s.Reasoning = ""
	if err := json.Unmarshal([]byte(reply[start:end+1]), &s); err != nil {
		return Strategy{}, fmt.Errorf("decode strategy: %w", err)
	}
	s.QueryType = QueryType(strings.ToLower(strings.TrimSpace(string(s.QueryType))))
	if !s.QueryType.Valid() {
		return Strategy{}, fmt.Errorf("unknown query type %q", s.QueryType)
	}
	return s.Clamp(), nil
}

// heuristicKeywords are checked in order; the first match wins.
var heuristicKeywords = []struct {
	kind  QueryType
	words []string
}{
	{Recent, []string{"just now", "just said", "a moment ago", "you just", "what did i just", "earlier today", "a minute ago"}},
	{Temporal, []string{"first", "earliest", "beginning", "originally", "when did", "last time", "how long ago", "in the start"}},
	{Personal, []string{"my name", "about me", "who am i", "remember me", "my favorite", "do i like", "what do i", "know about me"}},
	{Semantic, []string{"talk about", "talked about", "said about", "regarding", "mentioned", "discuss"}},
}

// Heuristic classifies text with keyword rules. It stands in for the
// LLM classifier when none is configured.
func Heuristic(text string) Strategy {
	lower := strings.ToLower(text)
	kind := General
	for _, rule := range heuristicKeywords {
		if containsAny(lower, rule.words) {
			kind = rule.kind
			break
		}
	}
	s := presetFor(kind)
	s.Reasoning = "keyword heuristic: " + string(kind)
	return s
}

func presetFor(kind QueryType) Strategy {
	switch kind {
	case Temporal:
		return Strategy{QueryType: Temporal, SimilarityThreshold: 0.45, MaxMessages: 10,
			IncludeEarliest: true, PrioritizeChronological: true}
	case Semantic:
		return Strategy{QueryType: Semantic, SimilarityThreshold: 0.65, MaxMessages: 8}
	case Personal:
		return Strategy{QueryType: Personal, SimilarityThreshold: 0.55, MaxMessages: 10,
			IncludeEarliest: true, IncludeRecent: true}
	case Recent:
		return Strategy{QueryType: Recent, SimilarityThreshold: 0.7, MaxMessages: 6,
			IncludeRecent: true, PrioritizeChronological: true}
	default:
		return DefaultStrategy()
	}
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
