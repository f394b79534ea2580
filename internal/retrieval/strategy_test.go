package retrieval

import (
	"testing"
)

func TestStrategyClamp(t *testing.T) {
	tests := []struct {
		name          string
		in            Strategy
		wantThreshold float64
		wantMax       int
	}{
		{name: "in range", in: Strategy{SimilarityThreshold: 0.6, MaxMessages: 7}, wantThreshold: 0.6, wantMax: 7},
		{name: "too low", in: Strategy{SimilarityThreshold: 0.1, MaxMessages: 0}, wantThreshold: 0.3, wantMax: 1},
		{name: "too high", in: Strategy{SimilarityThreshold: 0.95, MaxMessages: 50}, wantThreshold: 0.8, wantMax: 20},
		{name: "negative", in: Strategy{SimilarityThreshold: -1, MaxMessages: -3}, wantThreshold: 0.3, wantMax: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.in.Clamp()
			if got.SimilarityThreshold != tt.wantThreshold || got.MaxMessages != tt.wantMax {
				t.Errorf("Clamp() = (%v, %d), want (%v, %d)",
					got.SimilarityThreshold, got.MaxMessages, tt.wantThreshold, tt.wantMax)
			}
		})
	}
}

func TestParseStrategy(t *testing.T) {
	reply := "```json\n" + `{"query_type": "Temporal", "similarity_threshold": 0.95, "max_messages": 40,
"include_earliest": true, "include_recent": false, "prioritize_chronological": true, "reasoning": "asks about the first topic"}` + "\n```"

	got, err := ParseStrategy(reply)
	if err != nil {
		t.Fatalf("ParseStrategy(): %v", err)
	}
	want := Strategy{
		QueryType:               Temporal,
		SimilarityThreshold:     0.8,
		MaxMessages:             20,
		IncludeEarliest:         true,
		PrioritizeChronological: true,
		Reasoning:               "asks about the first topic",
	}
	if got != want {
		t.Errorf("ParseStrategy() = %+v, want %+v", got, want)
	}
}

func TestParseStrategy_MissingFieldsKeepDefaults(t *testing.T) {
	got, err := ParseStrategy(`{"query_type": "semantic"}`)
	if err != nil {
		t.Fatalf("ParseStrategy(): %v", err)
	}
	if got.SimilarityThreshold != 0.5 || got.MaxMessages != 5 || !got.IncludeRecent {
		t.Errorf("ParseStrategy() = %+v, want default numeric fields", got)
	}
}

func TestParseStrategy_Errors(t *testing.T) {
	for _, reply := range []string{
		"",
		"I think this is a temporal query.",
		`{"query_type": "temporal", "max_messages": "ten"}`,
		`{"query_type": "astrology"}`,
		`} backwards {`,
	} {
		if _, err := ParseStrategy(reply); err == nil {
			t.Errorf("ParseStrategy(%q) succeeded, want error", reply)
		}
	}
}

func TestHeuristic(t *testing.T) {
	tests := []struct {
		text string
		want QueryType
	}{
		{text: "What did we first talk about?", want: Temporal},
		{text: "what did you just say", want: Recent},
		{text: "Do you remember my name?", want: Personal},
		{text: "what have we said about cats", want: Semantic},
		{text: "hello there", want: General},
	}
	for _, tt := range tests {
		got := Heuristic(tt.text)
		if got.QueryType != tt.want {
			t.Errorf("Heuristic(%q).QueryType = %q, want %q", tt.text, got.QueryType, tt.want)
		}
		if got.Clamp() != got {
			t.Errorf("Heuristic(%q) = %+v is out of range", tt.text, got)
		}
	}
}

func TestDefaultStrategy(t *testing.T) {
	s := DefaultStrategy()
	if s.QueryType != General || s.SimilarityThreshold != 0.5 || s.MaxMessages != 5 {
		t.Errorf("DefaultStrategy() = %+v", s)
	}
	if s.IncludeEarliest || !s.IncludeRecent || s.PrioritizeChronological {
		t.Errorf("DefaultStrategy() flags = %+v, want recent only, not chronological", s)
	}
}
