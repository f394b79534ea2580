package usage

import (
	"context"
	"testing"
	"time"

	"github.com/nugget/mobo/internal/config"
	"github.com/nugget/mobo/internal/database"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.Open(database.DriverPureGo, ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := NewStore(db, testPricing(), nil)
	if err != nil {
		t.Fatalf("NewStore(): %v", err)
	}
	return s
}

// testPricing returns a pricing table for tests.
func testPricing() map[string]config.PricingEntry {
	return map[string]config.PricingEntry{
		"claude-opus-4-20250514":   {InputPerMillion: 15.0, OutputPerMillion: 75.0},
		"claude-sonnet-4-20250514": {InputPerMillion: 3.0, OutputPerMillion: 15.0},
	}
}

func approx(a, b float64) bool {
	d := a - b
	return d < 0.0001 && d > -0.0001
}

func TestRecord_And_Summary(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	recs := []Record{
		{
			Timestamp:    now,
			TurnID:       "t_001",
			ChannelID:    "chan-1",
			Step:         StepDecide,
			Model:        "claude-opus-4-20250514",
			InputTokens:  1000,
			OutputTokens: 500,
			CostUSD:      0.0525, // 1000/1M*15 + 500/1M*75
		},
		{
			Timestamp:    now,
			TurnID:       "t_001",
			ChannelID:    "chan-1",
			Step:         StepSynthesize,
			Model:        "claude-sonnet-4-20250514",
			InputTokens:  2000,
			OutputTokens: 1000,
			CostUSD:      0.021, // 2000/1M*3 + 1000/1M*15
		},
	}
	for _, rec := range recs {
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	sum, err := s.Summary(ctx, now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TotalRecords != 2 {
		t.Errorf("TotalRecords = %d, want 2", sum.TotalRecords)
	}
	if sum.TotalInputTokens != 3000 {
		t.Errorf("TotalInputTokens = %d, want 3000", sum.TotalInputTokens)
	}
	if sum.TotalOutputTokens != 1500 {
		t.Errorf("TotalOutputTokens = %d, want 1500", sum.TotalOutputTokens)
	}
	if !approx(sum.TotalCostUSD, 0.0735) {
		t.Errorf("TotalCostUSD = %f, want ~0.0735", sum.TotalCostUSD)
	}
}

func TestRecord_ComputesCost(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now()
	err := s.Record(ctx, Record{
		TurnID:       "t_1",
		Step:         StepDecide,
		Model:        "claude-opus-4-20250514",
		InputTokens:  1000,
		OutputTokens: 500,
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	sum, err := s.Summary(ctx, now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TotalRecords != 1 {
		t.Fatalf("TotalRecords = %d, want 1", sum.TotalRecords)
	}
	if !approx(sum.TotalCostUSD, 0.0525) {
		t.Errorf("TotalCostUSD = %f, want 0.0525", sum.TotalCostUSD)
	}
	if got := s.Cost("claude-opus-4-20250514", 1000, 500); !approx(got, 0.0525) {
		t.Errorf("Cost() = %f, want 0.0525", got)
	}
}

func TestSummaryGrouping(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	recs := []Record{
		{Timestamp: now, TurnID: "t1", ChannelID: "a", Step: StepClassify, Model: "small", InputTokens: 100, OutputTokens: 10, CostUSD: 0.5},
		{Timestamp: now, TurnID: "t1", ChannelID: "a", Step: StepDecide, Model: "big", InputTokens: 200, OutputTokens: 100, CostUSD: 1.0},
		{Timestamp: now, TurnID: "t1", ChannelID: "a", Step: StepSynthesize, Model: "big", InputTokens: 300, OutputTokens: 150, CostUSD: 2.0},
		{Timestamp: now, TurnID: "t2", ChannelID: "b", Step: StepDecide, Model: "big", InputTokens: 50, OutputTokens: 25, CostUSD: 3.0},
	}
	for _, rec := range recs {
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	start, end := now.Add(-time.Minute), now.Add(time.Minute)

	byModel, err := s.SummaryByModel(ctx, start, end)
	if err != nil {
		t.Fatalf("SummaryByModel: %v", err)
	}
	if len(byModel) != 2 || byModel["big"].TotalRecords != 3 || byModel["big"].TotalInputTokens != 550 {
		t.Errorf("SummaryByModel = %+v", byModel)
	}

	byStep, err := s.SummaryByStep(ctx, start, end)
	if err != nil {
		t.Fatalf("SummaryByStep: %v", err)
	}
	if len(byStep) != 3 || byStep[StepDecide].TotalCostUSD != 4.0 {
		t.Errorf("SummaryByStep = %+v", byStep)
	}

	byChannel, err := s.SummaryByChannel(ctx, start, end)
	if err != nil {
		t.Fatalf("SummaryByChannel: %v", err)
	}
	if byChannel["a"].TotalRecords != 3 || byChannel["b"].TotalRecords != 1 {
		t.Errorf("SummaryByChannel = %+v", byChannel)
	}
}

func TestSummary_FiltersByPeriod(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	recs := []Record{
		{Timestamp: base.Add(-2 * time.Hour), TurnID: "old", Step: StepDecide, Model: "m", CostUSD: 1.0},
		{Timestamp: base, TurnID: "in-range", Step: StepDecide, Model: "m", CostUSD: 2.0},
		{Timestamp: base.Add(2 * time.Hour), TurnID: "future", Step: StepDecide, Model: "m", CostUSD: 3.0},
	}
	for _, rec := range recs {
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	sum, err := s.Summary(ctx, base.Add(-time.Minute), base.Add(time.Minute))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TotalRecords != 1 {
		t.Errorf("TotalRecords = %d, want 1 (only in-range)", sum.TotalRecords)
	}
	if sum.TotalCostUSD != 2.0 {
		t.Errorf("TotalCostUSD = %f, want 2.0", sum.TotalCostUSD)
	}
}

func TestSummary_EmptyDB(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	sum, err := s.Summary(ctx, time.Now().Add(-24*time.Hour), time.Now().Add(24*time.Hour))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum == nil || sum.TotalRecords != 0 || sum.TotalCostUSD != 0 {
		t.Errorf("Summary on empty db = %+v, want zero", sum)
	}

	byModel, err := s.SummaryByModel(ctx, time.Now().Add(-24*time.Hour), time.Now().Add(24*time.Hour))
	if err != nil {
		t.Fatalf("SummaryByModel: %v", err)
	}
	if byModel == nil || len(byModel) != 0 {
		t.Errorf("SummaryByModel on empty db = %v, want empty map", byModel)
	}
}

func TestComputeCost(t *testing.T) {
	pricing := testPricing()

	tests := []struct {
		name   string
		model  string
		input  int
		output int
		want   float64
	}{
		{"opus_normal", "claude-opus-4-20250514", 1_000_000, 100_000, 22.5},
		{"sonnet_normal", "claude-sonnet-4-20250514", 1_000_000, 100_000, 4.5},
		{"unknown_model", "gpt-oss:120b", 1_000_000, 1_000_000, 0},
		{"zero_tokens", "claude-opus-4-20250514", 0, 0, 0},
		{"small_usage", "claude-opus-4-20250514", 1000, 500, 0.0525},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeCost(tt.model, tt.input, tt.output, pricing)
			if !approx(got, tt.want) {
				t.Errorf("ComputeCost(%q, %d, %d) = %f, want %f", tt.model, tt.input, tt.output, got, tt.want)
			}
		})
	}

	if got := ComputeCost("claude-opus-4-20250514", 1000, 500, nil); got != 0 {
		t.Errorf("ComputeCost with nil pricing = %f, want 0", got)
	}
}
