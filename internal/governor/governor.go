// Package governor stops bot-to-bot reply loops. It tracks how many
// consecutive times each bot actor has been answered in a channel and
// refuses to answer once a ceiling is reached, until either a human
// speaks in the channel or the cooldown elapses.
//
// The governor is a soft safety net: any storage failure admits the
// message rather than silencing the bot.
package governor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/mobo/internal/database"
	"github.com/nugget/mobo/internal/ratelimit"
)

// Defaults used when no configuration is given.
const (
	DefaultMaxConsecutive = 5
	DefaultCooldown       = 60 * time.Second
)

// hourlyResource is the rate-limit resource prefix for the optional
// per-hour ceiling. The channel ID is appended.
const hourlyResource = "bot_interactions:"

// Config controls the governor's thresholds.
type Config struct {
	// MaxConsecutive is the number of bot interactions admitted per
	// actor and channel before suppression. Zero disables the ceiling.
	MaxConsecutive int
	// Cooldown is the quiet period after which a counter silently
	// resets. Zero disables time-based reset.
	Cooldown time.Duration
	// MaxPerHour additionally caps bot interactions per actor and
	// channel per clock hour. Zero disables it.
	MaxPerHour int
}

// Admission is the governor's verdict for one inbound message.
type Admission struct {
	Allowed bool
	// CurrentCount is the number of interactions already recorded for
	// the actor in the current window, not counting this message.
	CurrentCount int
	Reason       string
}

// Counter is one persisted interaction counter.
type Counter struct {
	ActorID    string
	ChannelID  string
	Count      int
	LastSeenAt time.Time
	Active     bool
}

// Governor decides whether bot messages may be answered. Safe for
// concurrent use.
type Governor struct {
	db      *sql.DB
	cfg     Config
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a governor on db. limiter may be nil, in which case
// cfg.MaxPerHour is ignored.
func New(db *sql.DB, cfg Config, limiter *ratelimit.Limiter, logger *slog.Logger) (*Governor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Governor{db: db, cfg: cfg, limiter: limiter, logger: logger, now: time.Now}
	if err := g.migrate(); err != nil {
		return nil, fmt.Errorf("migrate interaction counters: %w", err)
	}
	return g, nil
}

func (g *Governor) migrate() error {
	_, err := g.db.Exec(`
	CREATE TABLE IF NOT EXISTS interaction_counters (
		actor_id     TEXT NOT NULL,
		channel_id   TEXT NOT NULL,
		count        INTEGER NOT NULL DEFAULT 0,
		last_seen_at TEXT NOT NULL,
		active       INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (actor_id, channel_id)
	);
	CREATE INDEX IF NOT EXISTS idx_interaction_counters_channel ON interaction_counters(channel_id);
	CREATE INDEX IF NOT EXISTS idx_interaction_counters_seen ON interaction_counters(last_seen_at);
	`)
	return err
}

// Admit decides whether a message from actorID in channelID may be
// answered. Human messages are always admitted and reset every bot
// counter in the channel. Bot messages are admitted until the
// configured ceiling is reached.
func (g *Governor) Admit(ctx context.Context, actorID, channelID string, isBot bool) Admission {
	if !isBot {
		if err := g.resetChannel(ctx, channelID); err != nil {
			g.logger.Warn("failed to reset bot counters",
				"channel_id", channelID,
				"error", err,
			)
		}
		return Admission{Allowed: true, Reason: "human message"}
	}
	return g.admitBot(ctx, actorID, channelID)
}

func (g *Governor) admitBot(ctx context.Context, actorID, channelID string) Admission {
	now := g.now()
	log := g.logger.With("actor_id", actorID, "channel_id", channelID)

	c, err := g.Counter(ctx, actorID, channelID)
	if err != nil {
		log.Warn("interaction counter unreadable, admitting", "error", err)
		return Admission{Allowed: true, Reason: "counter store unavailable"}
	}

	count := 0
	reason := "first interaction"
	if c != nil {
		count = c.Count
		reason = "within limits"
		if g.cfg.Cooldown > 0 && now.Sub(c.LastSeenAt) >= g.cfg.Cooldown {
			if count > 0 {
				log.Debug("interaction cooldown elapsed, resetting",
					"previous_count", count,
					"idle", now.Sub(c.LastSeenAt).Round(time.Second),
				)
			}
			count = 0
			reason = "cooldown elapsed"
		}
	}

	if g.cfg.MaxConsecutive > 0 && count >= g.cfg.MaxConsecutive {
		log.Info("bot interaction suppressed",
			"count", count,
			"ceiling", g.cfg.MaxConsecutive,
		)
		return Admission{
			Allowed:      false,
			CurrentCount: count,
			Reason:       fmt.Sprintf("consecutive bot interaction ceiling reached (%d/%d)", count, g.cfg.MaxConsecutive),
		}
	}

	if g.cfg.MaxPerHour > 0 && g.limiter != nil {
		_, err := g.limiter.CheckAndIncrement(ctx, ratelimit.Request{
			Resource:    hourlyResource + channelID,
			MaxRequests: g.cfg.MaxPerHour,
			Period:      ratelimit.PeriodHour,
			ActorID:     actorID,
		})
		var exceeded *ratelimit.ExceededError
		switch {
		case errors.As(err, &exceeded):
			log.Info("bot interaction suppressed by hourly ceiling",
				"ceiling", exceeded.Limit,
				"reset_at", exceeded.ResetAt,
			)
			return Admission{
				Allowed:      false,
				CurrentCount: count,
				Reason:       fmt.Sprintf("hourly bot interaction ceiling reached (%d)", exceeded.Limit),
			}
		case err != nil:
			log.Warn("hourly bot ceiling unavailable, ignoring", "error", err)
		}
	}

	if err := g.record(ctx, actorID, channelID, count+1, now); err != nil {
		log.Warn("failed to record bot interaction", "error", err)
	}

	return Admission{Allowed: true, CurrentCount: count, Reason: reason}
}

// Counter returns the stored counter for a pair, or nil if the pair
// has never been seen.
func (g *Governor) Counter(ctx context.Context, actorID, channelID string) (*Counter, error) {
	var (
		c      = Counter{ActorID: actorID, ChannelID: channelID}
		seen   string
		active int
	)
	err := g.db.QueryRowContext(ctx, `
		SELECT count, last_seen_at, active FROM interaction_counters
		WHERE actor_id = ? AND channel_id = ?`,
		actorID, channelID,
	).Scan(&c.Count, &seen, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read interaction counter: %w", err)
	}

	c.LastSeenAt, err = database.ParseTime(seen)
	if err != nil {
		return nil, fmt.Errorf("parse last_seen_at %q: %w", seen, err)
	}
	c.Active = active != 0
	return &c, nil
}

func (g *Governor) record(ctx context.Context, actorID, channelID string, count int, at time.Time) error {
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO interaction_counters (actor_id, channel_id, count, last_seen_at, active)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT (actor_id, channel_id) DO UPDATE SET
			count = excluded.count,
			last_seen_at = excluded.last_seen_at,
			active = 1`,
		actorID, channelID, count, database.FormatTime(at),
	)
	return err
}

func (g *Governor) resetChannel(ctx context.Context, channelID string) error {
	res, err := g.db.ExecContext(ctx, `
		UPDATE interaction_counters SET count = 0, active = 0
		WHERE channel_id = ? AND (count != 0 OR active != 0)`,
		channelID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		g.logger.Debug("human message reset bot counters",
			"channel_id", channelID,
			"counters", n,
		)
	}
	return nil
}

// Sweep deletes counters last touched before cutoff. When time-based
// reset is disabled, active counters are kept because deleting them
// would lift a suppression.
func (g *Governor) Sweep(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM interaction_counters WHERE last_seen_at < ?`
	if g.cfg.Cooldown <= 0 {
		query += ` AND active = 0`
	}
	res, err := g.db.ExecContext(ctx, query, database.FormatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("sweep interaction counters: %w", err)
	}
	return res.RowsAffected()
}
