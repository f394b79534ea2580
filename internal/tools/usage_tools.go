package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nugget/mobo/internal/usage"
)

// SetUsageStore adds the cost_summary tool.
func (r *Registry) SetUsageStore(store *usage.Store) {
	r.usageStore = store
	r.registerCostSummary()
}

// registerCostSummary registers the cost_summary tool for querying
// token usage and API costs.
func (r *Registry) registerCostSummary() {
	if r.usageStore == nil {
		return
	}

	r.Register(&Tool{
		Name:        "cost_summary",
		Description: "Query your own token usage and API costs. Returns totals and an optional breakdown by model, pipeline step, or channel.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"period": map[string]any{
					"type":        "string",
					"enum":        []string{"today", "yesterday", "week", "month", "all"},
					"description": "Time period to summarize.",
				},
				"group_by": map[string]any{
					"type":        "string",
					"enum":        []string{"model", "step", "channel"},
					"description": "Optional: group results by model, step, or channel.",
				},
			},
			"required": []string{"period"},
		},
		Handler: func(ctx context.Context, _ RequestContext, args map[string]any) (Result, error) {
			period := stringArg(args, "period")
			groupBy := stringArg(args, "group_by")

			start, end := parsePeriod(period, time.Now())

			summary, err := r.usageStore.Summary(ctx, start, end)
			if err != nil {
				return Result{}, fmt.Errorf("query usage summary: %w", err)
			}

			var sb strings.Builder
			fmt.Fprintf(&sb, "Cost Summary (%s):\n", period)
			fmt.Fprintf(&sb, "  Total requests: %d\n", summary.TotalRecords)
			fmt.Fprintf(&sb, "  Input tokens: %s\n", formatTokenCount(summary.TotalInputTokens))
			fmt.Fprintf(&sb, "  Output tokens: %s\n", formatTokenCount(summary.TotalOutputTokens))
			fmt.Fprintf(&sb, "  Estimated cost: $%.4f\n", summary.TotalCostUSD)

			if groupBy != "" {
				grouped, groupLabel, err := queryGrouped(ctx, r.usageStore, groupBy, start, end)
				if err != nil {
					return Result{}, err
				}
				if len(grouped) > 0 {
					keys := make([]string, 0, len(grouped))
					for k := range grouped {
						keys = append(keys, k)
					}
					sort.Slice(keys, func(i, j int) bool {
						ci, cj := grouped[keys[i]].TotalCostUSD, grouped[keys[j]].TotalCostUSD
						if ci != cj {
							return ci > cj
						}
						return keys[i] < keys[j]
					})

					fmt.Fprintf(&sb, "\nBy %s:\n", groupLabel)
					for _, key := range keys {
						sum := grouped[key]
						display := key
						if display == "" {
							display = "(none)"
						}
						fmt.Fprintf(&sb, "  %s: $%.4f (%d requests, %s in / %s out)\n",
							display, sum.TotalCostUSD, sum.TotalRecords,
							formatTokenCount(sum.TotalInputTokens),
							formatTokenCount(sum.TotalOutputTokens),
						)
					}
				}
			}

			return Result{Text: sb.String()}, nil
		},
	})
}

// queryGrouped dispatches the grouped summary query based on the
// group_by parameter.
func queryGrouped(ctx context.Context, store *usage.Store, groupBy string, start, end time.Time) (map[string]*usage.Summary, string, error) {
	switch groupBy {
	case "model":
		result, err := store.SummaryByModel(ctx, start, end)
		return result, "Model", err
	case "step":
		result, err := store.SummaryByStep(ctx, start, end)
		return result, "Step", err
	case "channel":
		result, err := store.SummaryByChannel(ctx, start, end)
		return result, "Channel", err
	default:
		return nil, "", fmt.Errorf("unknown group_by %q", groupBy)
	}
}

// parsePeriod converts a period name to a start/end time range.
func parsePeriod(period string, now time.Time) (time.Time, time.Time) {
	end := now.Add(1 * time.Minute) // slight future buffer

	switch period {
	case "today":
		start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		return start, end
	case "yesterday":
		yesterday := now.AddDate(0, 0, -1)
		start := time.Date(yesterday.Year(), yesterday.Month(), yesterday.Day(), 0, 0, 0, 0, yesterday.Location())
		endOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		return start, endOfDay
	case "week":
		return now.AddDate(0, 0, -7), end
	case "month":
		return now.AddDate(0, -1, 0), end
	default:
		return time.Time{}, end
	}
}

// formatTokenCount formats a token count as a compact string (e.g.,
// "1.23M", "456.0K", "789").
func formatTokenCount(n int64) string {
	if n >= 1_000_000 {
		return fmt.Sprintf("%.2fM", float64(n)/1_000_000.0)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.1fK", float64(n)/1_000.0)
	}
	return fmt.Sprintf("%d", n)
}
