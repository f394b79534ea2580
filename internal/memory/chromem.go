package memory

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/nugget/mobo/internal/database"
	"github.com/philippgille/chromem-go"
)

const turnsCollection = "conversation_turns"

// Document metadata keys.
const (
	metaChannel   = "channel_id"
	metaActor     = "actor_id"
	metaRole      = "role"
	metaCreatedAt = "created_at"
)

// ChromemIndex is a [VectorIndex] backed by chromem-go. With a path it
// persists to disk under that directory; with an empty path it lives
// in memory only.
type ChromemIndex struct {
	db     *chromem.DB
	turns  *chromem.Collection
	logger *slog.Logger
}

// NewChromemIndex opens the index. embed is used only for turns
// indexed without a precomputed embedding; it may be nil when callers
// always supply one.
func NewChromemIndex(path string, embed chromem.EmbeddingFunc, logger *slog.Logger) (*ChromemIndex, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var db *chromem.DB
	if path == "" {
		db = chromem.NewDB()
	} else {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("create vector dir: %w", err)
		}
		var err error
		db, err = chromem.NewPersistentDB(path, false)
		if err != nil {
			return nil, fmt.Errorf("open vector db: %w", err)
		}
	}

	turns, err := db.GetOrCreateCollection(turnsCollection, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("open %s collection: %w", turnsCollection, err)
	}

	logger.Info("vector index opened",
		"path", path,
		"turns", turns.Count(),
	)
	return &ChromemIndex{db: db, turns: turns, logger: logger}, nil
}

// Count returns the number of indexed turns.
func (x *ChromemIndex) Count() int {
	return x.turns.Count()
}

// Index adds or replaces the document for turn.
func (x *ChromemIndex) Index(ctx context.Context, turn Turn) error {
	if err := x.turns.AddDocument(ctx, turnDocument(turn)); err != nil {
		return fmt.Errorf("index turn %s: %w", turn.ID, err)
	}
	return nil
}

// IndexBatch adds many turns at once.
func (x *ChromemIndex) IndexBatch(ctx context.Context, turns []Turn) error {
	if len(turns) == 0 {
		return nil
	}
	docs := make([]chromem.Document, len(turns))
	for i, t := range turns {
		docs[i] = turnDocument(t)
	}
	if err := x.turns.AddDocuments(ctx, docs, 4); err != nil {
		return fmt.Errorf("index %d turns: %w", len(turns), err)
	}
	return nil
}

// Search returns turns in the filter's scope at or above the threshold,
// most similar first.
func (x *ChromemIndex) Search(ctx context.Context, q SearchQuery) ([]Scored, error) {
	total := x.turns.Count()
	if total == 0 || len(q.Embedding) == 0 || q.Limit <= 0 {
		return nil, nil
	}
	n := q.Limit
	if n > total {
		n = total
	}

	where := map[string]string{metaChannel: q.ChannelID}
	if q.ActorID != "" {
		where[metaActor] = q.ActorID
	}

	results, err := x.turns.QueryEmbedding(ctx, q.Embedding, n, where, nil)
	if err != nil {
		return nil, fmt.Errorf("query vector index: %w", err)
	}

	out := make([]Scored, 0, len(results))
	for _, r := range results {
		if r.Similarity < q.Threshold {
			continue
		}
		t, err := resultTurn(r)
		if err != nil {
			x.logger.Warn("skipping malformed vector document", "doc_id", r.ID, "error", err)
			continue
		}
		out = append(out, Scored{Turn: t, Similarity: r.Similarity})
	}
	return out, nil
}

func turnDocument(t Turn) chromem.Document {
	return chromem.Document{
		ID:        t.ID,
		Content:   t.Content,
		Embedding: t.Embedding,
		Metadata: map[string]string{
			metaChannel:   t.ChannelID,
			metaActor:     t.ActorID,
			metaRole:      string(t.Role),
			metaCreatedAt: database.FormatTime(t.CreatedAt),
		},
	}
}

func resultTurn(r chromem.Result) (Turn, error) {
	created, err := database.ParseTime(r.Metadata[metaCreatedAt])
	if err != nil {
		return Turn{}, fmt.Errorf("parse %s: %w", metaCreatedAt, err)
	}
	return Turn{
		ID:        r.ID,
		ActorID:   r.Metadata[metaActor],
		ChannelID: r.Metadata[metaChannel],
		Role:      Role(r.Metadata[metaRole]),
		Content:   r.Content,
		CreatedAt: created,
	}, nil
}
