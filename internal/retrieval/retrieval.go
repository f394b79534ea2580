// Package retrieval chooses how to search a channel's conversation
// history for a new message and runs that search. A query is first
// classified into a [Strategy] (by an LLM, or by keyword rules when no
// classifier model is configured), then earliest, similar and recent
// turns are fetched concurrently and merged.
//
// Retrieval never fails: every error degrades to a default strategy or
// an empty set, and an empty result renders as an empty context string.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/nugget/mobo/internal/llm"
	"github.com/nugget/mobo/internal/memory"
	"github.com/nugget/mobo/internal/prompts"
	"golang.org/x/sync/errgroup"
)

// DefaultClassifyTimeout bounds the classifier call when no timeout is
// configured.
const DefaultClassifyTimeout = 4 * time.Second

// maxContextRunes truncates each turn when rendering context.
const maxContextRunes = 500

// Chronology reads turns in time order.
type Chronology interface {
	Earliest(ctx context.Context, f memory.Filter, limit int) ([]memory.Turn, error)
	Recent(ctx context.Context, f memory.Filter, limit int) ([]memory.Turn, error)
}

// Embedder turns text into an embedding vector.
type Embedder interface {
	Generate(ctx context.Context, text string) ([]float32, error)
}

// Query is one retrieval request.
type Query struct {
	Text      string
	ActorID   string
	ChannelID string
}

// Result is the merged history for a query.
type Result struct {
	Strategy Strategy
	Turns    []memory.Turn
	// Classification is the classifier's LLM response, nil when the
	// heuristic was used or the call failed.
	Classification *llm.Response
}

// Context renders the turns as a prompt block, or "" when there are none.
func (r Result) Context() string {
	if len(r.Turns) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Relevant conversation history:")
	for _, t := range r.Turns {
		fmt.Fprintf(&sb, "\n- %s: %s", t.Role, truncate(t.Content, maxContextRunes))
	}
	return sb.String()
}

// Config selects the classifier model. An empty Model uses [Heuristic].
type Config struct {
	Model       string
	Temperature *float64
	// ClassifyTimeout bounds the classifier call. Zero means
	// [DefaultClassifyTimeout]. It should be well inside the caller's
	// retrieval budget so a slow classifier still leaves time to fetch.
	ClassifyTimeout time.Duration
}

// Strategist classifies queries and retrieves history.
type Strategist struct {
	llm      llm.Client
	turns    Chronology
	index    memory.VectorIndex
	embedder Embedder
	cfg      Config
	logger   *slog.Logger
}

// New creates a strategist. client may be nil when cfg.Model is empty;
// index or embedder may be nil, which disables similarity search.
func New(client llm.Client, turns Chronology, index memory.VectorIndex, embedder Embedder, cfg Config, logger *slog.Logger) *Strategist {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClassifyTimeout <= 0 {
		cfg.ClassifyTimeout = DefaultClassifyTimeout
	}
	return &Strategist{
		llm:      client,
		turns:    turns,
		index:    index,
		embedder: embedder,
		cfg:      cfg,
		logger:   logger,
	}
}

// Classify chooses a strategy for text. The returned response is nil
// unless the LLM classifier answered.
func (s *Strategist) Classify(ctx context.Context, text string) (Strategy, *llm.Response) {
	if s.cfg.Model == "" || s.llm == nil {
		return Heuristic(text), nil
	}

	cctx, cancel := context.WithTimeout(ctx, s.cfg.ClassifyTimeout)
	defer cancel()

	resp, err := s.llm.Chat(cctx, llm.Request{
		Model:       s.cfg.Model,
		Temperature: s.cfg.Temperature,
		MaxTokens:   256,
		Messages: []llm.Message{
			llm.SystemMessage{Content: prompts.ClassifyQuerySystemPrompt()},
			llm.UserMessage{Content: prompts.ClassifyQueryUserPrompt(text)},
		},
	})
	if err != nil {
		s.logger.Warn("query classification failed, using default strategy", "error", err)
		return DefaultStrategy(), nil
	}

	strategy, err := ParseStrategy(resp.Text)
	if err != nil {
		s.logger.Warn("malformed classifier reply, using default strategy",
			"error", err,
			"reply", truncate(resp.Text, 200),
		)
		return DefaultStrategy(), resp
	}
	return strategy, resp
}

// Retrieve classifies q and fetches the matching history.
func (s *Strategist) Retrieve(ctx context.Context, q Query) Result {
	strategy, resp := s.Classify(ctx, q.Text)
	strategy = strategy.Clamp()

	filter := memory.Filter{ChannelID: q.ChannelID}
	if strategy.QueryType == Personal {
		filter.ActorID = q.ActorID
	}

	var earliest, similar, recent []memory.Turn
	var g errgroup.Group
	if strategy.IncludeEarliest && s.turns != nil {
		g.Go(func() error {
			earliest = s.fetch("earliest", func() ([]memory.Turn, error) {
				return s.turns.Earliest(ctx, filter, strategy.MaxMessages)
			})
			return nil
		})
	}
	g.Go(func() error {
		similar = s.fetch("similar", func() ([]memory.Turn, error) {
			return s.similar(ctx, q.Text, filter, strategy)
		})
		return nil
	})
	if strategy.IncludeRecent && s.turns != nil {
		g.Go(func() error {
			recent = s.fetch("recent", func() ([]memory.Turn, error) {
				return s.turns.Recent(ctx, filter, strategy.MaxMessages)
			})
			return nil
		})
	}
	_ = g.Wait()

	turns := Merge(strategy, earliest, similar, recent)
	s.logger.Debug("history retrieved",
		"channel_id", q.ChannelID,
		"query_type", strategy.QueryType,
		"threshold", strategy.SimilarityThreshold,
		"earliest", len(earliest),
		"similar", len(similar),
		"recent", len(recent),
		"merged", len(turns),
	)
	return Result{Strategy: strategy, Turns: turns, Classification: resp}
}

func (s *Strategist) fetch(kind string, fn func() ([]memory.Turn, error)) []memory.Turn {
	turns, err := fn()
	if err != nil {
		s.logger.Warn("history fetch failed", "kind", kind, "error", err)
		return nil
	}
	return turns
}

func (s *Strategist) similar(ctx context.Context, text string, filter memory.Filter, strategy Strategy) ([]memory.Turn, error) {
	if s.index == nil || s.embedder == nil || strings.TrimSpace(text) == "" {
		return nil, nil
	}
	vec, err := s.embedder.Generate(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	scored, err := s.index.Search(ctx, memory.SearchQuery{
		Filter:    filter,
		Embedding: vec,
		Threshold: float32(strategy.SimilarityThreshold),
		Limit:     strategy.MaxMessages,
	})
	if err != nil {
		return nil, err
	}
	turns := make([]memory.Turn, len(scored))
	for i, sc := range scored {
		turns[i] = sc.Turn
	}
	return turns, nil
}

// Merge unions the three fetched sets by turn ID, keeping the first
// occurrence in the order earliest, similar, recent. The union is
// sorted by creation time when the strategy asks for chronological
// order, then truncated to MaxMessages.
func Merge(strategy Strategy, earliest, similar, recent []memory.Turn) []memory.Turn {
	seen := make(map[string]bool, len(earliest)+len(similar)+len(recent))
	out := make([]memory.Turn, 0, len(earliest)+len(similar)+len(recent))
	for _, set := range [][]memory.Turn{earliest, similar, recent} {
		for _, t := range set {
			if seen[t.ID] {
				continue
			}
			seen[t.ID] = true
			out = append(out, t)
		}
	}

	if strategy.PrioritizeChronological {
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		})
	}
	if strategy.MaxMessages > 0 && len(out) > strategy.MaxMessages {
		out = out[:strategy.MaxMessages]
	}
	return out
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
