package tools

import (
	"context"
	"fmt"

	"github.com/nugget/mobo/internal/retrieval"
)

// HistoryRetriever searches conversation history.
type HistoryRetriever interface {
	Retrieve(ctx context.Context, q retrieval.Query) retrieval.Result
}

// SetHistoryRetriever adds the search_conversation_history tool.
func (r *Registry) SetHistoryRetriever(hr HistoryRetriever) {
	r.retriever = hr
	r.registerHistoryTools()
}

func (r *Registry) registerHistoryTools() {
	if r.retriever == nil {
		return
	}

	r.Register(&Tool{
		Name: "search_conversation_history",
		Description: "Search earlier messages in this channel. Use when the history already in your " +
			"context does not answer the question, e.g. 'what did we talk about last week?'.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "What to look for, phrased as a question or topic",
				},
			},
			"required": []string{"query"},
		},
		Handler: r.handleSearchHistory,
	})
}

func (r *Registry) handleSearchHistory(ctx context.Context, rc RequestContext, args map[string]any) (Result, error) {
	query := stringArg(args, "query")
	if query == "" {
		return Result{}, fmt.Errorf("query is required")
	}

	res := r.retriever.Retrieve(ctx, retrieval.Query{
		Text:      query,
		ActorID:   rc.ActorID,
		ChannelID: rc.ChannelID,
	})
	if len(res.Turns) == 0 {
		return Result{Text: fmt.Sprintf("No earlier messages found for %q.", query)}, nil
	}
	return Result{Text: res.Context()}, nil
}
