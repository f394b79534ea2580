// Package memory provides conversation memory: a chronological SQLite
// store of conversation turns and pluggable vector indexes over their
// embeddings.
package memory

import (
	"context"
	"time"
)

// Role identifies who authored a turn.
type Role string

// Turn roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one persisted message in a channel's history. Turns are
// immutable once stored except for attaching an embedding.
type Turn struct {
	ID        string
	ActorID   string
	ChannelID string
	Role      Role
	Content   string
	CreatedAt time.Time
	Embedding []float32
}

// Filter scopes a query to a channel and, optionally, one actor.
type Filter struct {
	ChannelID string
	ActorID   string
}

// SearchQuery is a similarity search request.
type SearchQuery struct {
	Filter
	Embedding []float32
	// Threshold is the minimum cosine similarity, inclusive.
	Threshold float32
	Limit     int
}

// Scored pairs a turn with its similarity to the query.
type Scored struct {
	Turn       Turn
	Similarity float32
}

// VectorIndex stores turn embeddings and answers similarity queries.
// Results are ordered by descending similarity.
type VectorIndex interface {
	Index(ctx context.Context, turn Turn) error
	Search(ctx context.Context, q SearchQuery) ([]Scored, error)
}
