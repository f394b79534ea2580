package memory

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nugget/mobo/internal/database"
	"github.com/nugget/mobo/internal/embeddings"
)

// ErrTurnNotFound is returned by [TurnStore.Get] for unknown IDs.
var ErrTurnNotFound = errors.New("turn not found")

// TurnStore is the chronological conversation store. It also
// implements [VectorIndex] with a brute-force cosine scan over stored
// embeddings, which is adequate for a single bot's history.
type TurnStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewTurnStore creates a turn store on db, running migrations.
func NewTurnStore(db *sql.DB, logger *slog.Logger) (*TurnStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &TurnStore{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate conversation turns: %w", err)
	}
	return s, nil
}

func (s *TurnStore) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS conversation_turns (
		id         TEXT PRIMARY KEY,
		actor_id   TEXT NOT NULL,
		channel_id TEXT NOT NULL,
		role       TEXT NOT NULL,
		content    TEXT NOT NULL,
		embedding  BLOB,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_channel_time ON conversation_turns(channel_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_turns_actor_time ON conversation_turns(channel_id, actor_id, created_at);
	`)
	return err
}

// Append stores a new turn. A UUIDv7 ID and the current time are
// assigned when t.ID or t.CreatedAt are empty; the assigned values are
// written back into t.
func (s *TurnStore) Append(ctx context.Context, t *Turn) error {
	if t.ChannelID == "" {
		return errors.New("turn channel is required")
	}
	if t.Role != RoleUser && t.Role != RoleAssistant {
		return fmt.Errorf("invalid turn role %q", t.Role)
	}
	if t.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate turn ID: %w", err)
		}
		t.ID = id.String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}

	var blob []byte
	if len(t.Embedding) > 0 {
		blob = encodeEmbedding(t.Embedding)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_turns (id, actor_id, channel_id, role, content, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ActorID, t.ChannelID, string(t.Role), t.Content, blob, database.FormatTime(t.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return nil
}

// SetEmbedding attaches an embedding to an existing turn.
func (s *TurnStore) SetEmbedding(ctx context.Context, id string, embedding []float32) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversation_turns SET embedding = ? WHERE id = ?`,
		encodeEmbedding(embedding), id,
	)
	if err != nil {
		return fmt.Errorf("update turn embedding: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set embedding for %s: %w", id, ErrTurnNotFound)
	}
	return nil
}

// Get returns one turn by ID.
func (s *TurnStore) Get(ctx context.Context, id string) (*Turn, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, actor_id, channel_id, role, content, embedding, created_at
		FROM conversation_turns WHERE id = ?`, id)
	t, err := scanTurn(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get turn %s: %w", id, ErrTurnNotFound)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Earliest returns up to limit of the oldest turns matching f, oldest
// first.
func (s *TurnStore) Earliest(ctx context.Context, f Filter, limit int) ([]Turn, error) {
	return s.chronological(ctx, f, limit, "ASC")
}

// Recent returns up to limit of the newest turns matching f, oldest
// first.
func (s *TurnStore) Recent(ctx context.Context, f Filter, limit int) ([]Turn, error) {
	turns, err := s.chronological(ctx, f, limit, "DESC")
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

func (s *TurnStore) chronological(ctx context.Context, f Filter, limit int, order string) ([]Turn, error) {
	if limit <= 0 {
		return nil, nil
	}
	where, args := f.clause()
	// order is one of two constants chosen by Earliest and Recent.
	query := fmt.Sprintf(`
		SELECT id, actor_id, channel_id, role, content, embedding, created_at
		FROM conversation_turns
		WHERE %s
		ORDER BY created_at %s, id %s
		LIMIT ?`, where, order, order)

	rows, err := s.db.QueryContext(ctx, query, append(args, limit)...)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()
	return scanTurns(rows)
}

// Count returns the number of turns matching f.
func (s *TurnStore) Count(ctx context.Context, f Filter) (int, error) {
	where, args := f.clause()
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversation_turns WHERE `+where, args...,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count turns: %w", err)
	}
	return n, nil
}

// Embedded returns up to limit turns that carry an embedding and whose
// ID sorts after afterID. Turn IDs are UUIDv7 so this pages through
// history in creation order.
func (s *TurnStore) Embedded(ctx context.Context, afterID string, limit int) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_id, channel_id, role, content, embedding, created_at
		FROM conversation_turns
		WHERE embedding IS NOT NULL AND id > ?
		ORDER BY id ASC
		LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("query embedded turns: %w", err)
	}
	defer rows.Close()
	return scanTurns(rows)
}

// Index attaches turn.Embedding to the stored turn.
func (s *TurnStore) Index(ctx context.Context, turn Turn) error {
	if len(turn.Embedding) == 0 {
		return fmt.Errorf("index turn %s: no embedding", turn.ID)
	}
	return s.SetEmbedding(ctx, turn.ID, turn.Embedding)
}

// Search scans every embedded turn matching the filter and returns
// those at or above the threshold, most similar first.
func (s *TurnStore) Search(ctx context.Context, q SearchQuery) ([]Scored, error) {
	if len(q.Embedding) == 0 || q.Limit <= 0 {
		return nil, nil
	}
	where, args := q.Filter.clause()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_id, channel_id, role, content, embedding, created_at
		FROM conversation_turns
		WHERE embedding IS NOT NULL AND `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query embedded turns: %w", err)
	}
	defer rows.Close()

	turns, err := scanTurns(rows)
	if err != nil {
		return nil, err
	}

	var scored []Scored
	for _, t := range turns {
		if len(t.Embedding) != len(q.Embedding) {
			s.logger.Debug("skipping turn with mismatched embedding dimension",
				"turn_id", t.ID,
				"dims", len(t.Embedding),
				"want", len(q.Embedding),
			)
			continue
		}
		sim := embeddings.CosineSimilarity(q.Embedding, t.Embedding)
		if sim >= q.Threshold {
			scored = append(scored, Scored{Turn: t, Similarity: sim})
		}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Similarity > scored[j].Similarity
	})
	if len(scored) > q.Limit {
		scored = scored[:q.Limit]
	}
	return scored, nil
}

func (f Filter) clause() (string, []any) {
	conds := []string{"channel_id = ?"}
	args := []any{f.ChannelID}
	if f.ActorID != "" {
		conds = append(conds, "actor_id = ?")
		args = append(args, f.ActorID)
	}
	return strings.Join(conds, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTurn(r rowScanner) (*Turn, error) {
	var (
		t       Turn
		role    string
		blob    []byte
		created string
	)
	if err := r.Scan(&t.ID, &t.ActorID, &t.ChannelID, &role, &t.Content, &blob, &created); err != nil {
		return nil, err
	}
	t.Role = Role(role)

	var err error
	t.CreatedAt, err = database.ParseTime(created)
	if err != nil {
		return nil, fmt.Errorf("parse created_at %q: %w", created, err)
	}
	if len(blob) > 0 {
		t.Embedding, err = decodeEmbedding(blob)
		if err != nil {
			return nil, fmt.Errorf("decode embedding for %s: %w", t.ID, err)
		}
	}
	return &t, nil
}

func scanTurns(rows *sql.Rows) ([]Turn, error) {
	var turns []Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turns = append(turns, *t)
	}
	return turns, rows.Err()
}

// Embeddings are stored as little-endian float32 arrays.
func encodeEmbedding(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeEmbedding(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, v); err != nil {
		return nil, err
	}
	return v, nil
}
