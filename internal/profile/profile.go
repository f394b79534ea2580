// Package profile stores what the bot has learned about each person it
// talks to: the tone it should use with them, their likes and dislikes,
// and the names they prefer to be called.
package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/mobo/internal/database"
)

// DefaultTone is assigned to new profiles.
const DefaultTone = "casual"

// TermKind distinguishes the term lists kept per profile.
type TermKind string

// Term kinds.
const (
	KindLike    TermKind = "like"
	KindDislike TermKind = "dislike"
	KindAlias   TermKind = "alias"
)

// Valid reports whether k is a known term kind.
func (k TermKind) Valid() bool {
	switch k {
	case KindLike, KindDislike, KindAlias:
		return true
	}
	return false
}

// Profile is one person's profile.
type Profile struct {
	ActorID     string
	DisplayName string
	Tone        string
	Likes       []string
	Dislikes    []string
	Aliases     []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastSeenAt  time.Time
}

// Store persists profiles in SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewStore creates a profile store on db and migrates its schema.
func NewStore(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, logger: logger, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate profile schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS user_profiles (
		actor_id     TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		tone         TEXT NOT NULL DEFAULT 'casual',
		created_at   TEXT NOT NULL,
		updated_at   TEXT NOT NULL,
		last_seen_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS user_profile_terms (
		actor_id   TEXT NOT NULL REFERENCES user_profiles(actor_id) ON DELETE CASCADE,
		kind       TEXT NOT NULL,
		term       TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (actor_id, kind, term)
	);
	`)
	return err
}

// GetOrCreate returns the profile for actorID, creating a default one
// the first time the actor is seen. A non-empty displayName replaces
// the stored one.
func (s *Store) GetOrCreate(ctx context.Context, actorID, displayName string) (*Profile, error) {
	if actorID == "" {
		return nil, errors.New("actor ID is required")
	}
	now := database.FormatTime(s.now())

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_profiles (actor_id, display_name, tone, created_at, updated_at, last_seen_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(actor_id) DO UPDATE SET
			display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE display_name END`,
		actorID, displayName, DefaultTone, now, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert profile %s: %w", actorID, err)
	}
	return s.Get(ctx, actorID)
}

// Get loads an existing profile. It returns sql.ErrNoRows (wrapped)
// when the actor has no profile.
func (s *Store) Get(ctx context.Context, actorID string) (*Profile, error) {
	p := &Profile{ActorID: actorID}
	var created, updated, seen string
	err := s.db.QueryRowContext(ctx,
		`SELECT display_name, tone, created_at, updated_at, last_seen_at
		 FROM user_profiles WHERE actor_id = ?`, actorID,
	).Scan(&p.DisplayName, &p.Tone, &created, &updated, &seen)
	if err != nil {
		return nil, fmt.Errorf("get profile %s: %w", actorID, err)
	}
	if p.CreatedAt, err = database.ParseTime(created); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = database.ParseTime(updated); err != nil {
		return nil, err
	}
	if p.LastSeenAt, err = database.ParseTime(seen); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, term FROM user_profile_terms
		 WHERE actor_id = ? ORDER BY created_at, term`, actorID)
	if err != nil {
		return nil, fmt.Errorf("list terms for %s: %w", actorID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind, term string
		if err := rows.Scan(&kind, &term); err != nil {
			return nil, fmt.Errorf("scan term: %w", err)
		}
		switch TermKind(kind) {
		case KindLike:
			p.Likes = append(p.Likes, term)
		case KindDislike:
			p.Dislikes = append(p.Dislikes, term)
		case KindAlias:
			p.Aliases = append(p.Aliases, term)
		}
	}
	return p, rows.Err()
}

// SetTone changes the tone the bot uses with actorID.
func (s *Store) SetTone(ctx context.Context, actorID, tone string) error {
	tone = strings.TrimSpace(tone)
	if tone == "" {
		return errors.New("tone must not be empty")
	}
	if _, err := s.GetOrCreate(ctx, actorID, ""); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE user_profiles SET tone = ?, updated_at = ? WHERE actor_id = ?`,
		tone, database.FormatTime(s.now()), actorID)
	if err != nil {
		return fmt.Errorf("set tone for %s: %w", actorID, err)
	}
	s.logger.Info("profile tone updated", "actor_id", actorID, "tone", tone)
	return nil
}

// AddTerms adds terms of kind to the profile and returns the ones that
// were not already present. Likes and dislikes are normalized to lower
// case; aliases keep their case.
func (s *Store) AddTerms(ctx context.Context, actorID string, kind TermKind, terms []string) ([]string, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown term kind %q", kind)
	}
	if _, err := s.GetOrCreate(ctx, actorID, ""); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := database.FormatTime(s.now())
	var added []string
	for _, term := range normalizeTerms(kind, terms) {
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO user_profile_terms (actor_id, kind, term, created_at)
			 VALUES (?, ?, ?, ?)`, actorID, string(kind), term, now)
		if err != nil {
			return nil, fmt.Errorf("add %s %q: %w", kind, term, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added = append(added, term)
		}
	}
	if len(added) > 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE user_profiles SET updated_at = ? WHERE actor_id = ?`, now, actorID); err != nil {
			return nil, fmt.Errorf("touch profile: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	if len(added) > 0 {
		s.logger.Info("profile terms added", "actor_id", actorID, "kind", kind, "terms", added)
	}
	return added, nil
}

// RemoveTerms deletes terms of kind and returns the ones that existed.
func (s *Store) RemoveTerms(ctx context.Context, actorID string, kind TermKind, terms []string) ([]string, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown term kind %q", kind)
	}

	var removed []string
	for _, term := range normalizeTerms(kind, terms) {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM user_profile_terms WHERE actor_id = ? AND kind = ? AND term = ?`,
			actorID, string(kind), term)
		if err != nil {
			return removed, fmt.Errorf("remove %s %q: %w", kind, term, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			removed = append(removed, term)
		}
	}
	if len(removed) > 0 {
		s.logger.Info("profile terms removed", "actor_id", actorID, "kind", kind, "terms", removed)
	}
	return removed, nil
}

// Touch records that actorID was seen at the current time.
func (s *Store) Touch(ctx context.Context, actorID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE user_profiles SET last_seen_at = ? WHERE actor_id = ?`,
		database.FormatTime(s.now()), actorID)
	if err != nil {
		return fmt.Errorf("touch profile %s: %w", actorID, err)
	}
	return nil
}

func normalizeTerms(kind TermKind, terms []string) []string {
	seen := make(map[string]bool, len(terms))
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.TrimSpace(t)
		if kind != KindAlias {
			t = strings.ToLower(t)
		}
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// Format renders the profile as prompt context. A nil profile renders
// as the empty string.
func Format(p *Profile) string {
	if p == nil {
		return ""
	}
	var sb strings.Builder
	name := p.DisplayName
	if name == "" {
		name = p.ActorID
	}
	fmt.Fprintf(&sb, "User profile for %s:\n", name)
	fmt.Fprintf(&sb, "- Preferred tone: %s\n", p.Tone)
	if len(p.Aliases) > 0 {
		fmt.Fprintf(&sb, "- Likes to be called: %s\n", strings.Join(p.Aliases, ", "))
	}
	if len(p.Likes) > 0 {
		fmt.Fprintf(&sb, "- Likes: %s\n", strings.Join(p.Likes, ", "))
	}
	if len(p.Dislikes) > 0 {
		fmt.Fprintf(&sb, "- Dislikes: %s\n", strings.Join(p.Dislikes, ", "))
	}
	return strings.TrimRight(sb.String(), "\n")
}
