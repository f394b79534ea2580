// Package discord connects the engine to Discord: it filters inbound
// messages, runs them through the pipeline and posts the replies.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/nugget/mobo/internal/config"
	"github.com/nugget/mobo/internal/engine"
	"github.com/nugget/mobo/internal/events"
)

// Processor runs one inbound message through the pipeline. The real
// implementation is *engine.Engine.
type Processor interface {
	Process(ctx context.Context, in engine.Inbound) (*engine.Outcome, error)
}

// sender is the subset of *discordgo.Session the bridge writes with.
type sender interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
}

// defaultReplyTimeout bounds one inbound message when the config
// leaves it unset.
const defaultReplyTimeout = 2 * time.Minute

// typingInterval refreshes the typing indicator, which Discord clears
// after about ten seconds.
const typingInterval = 8 * time.Second

// BridgeConfig holds the dependencies for a Bridge.
type BridgeConfig struct {
	Token     string
	Processor Processor
	Events    *events.Bus
	Logger    *slog.Logger

	ReplyTimeout    time.Duration
	RespondToAll    bool
	AllowedChannels []string
}

// Bridge receives Discord messages, routes them through the engine,
// and sends replies back to the channel.
type Bridge struct {
	session *discordgo.Session
	send    sender
	proc    Processor
	bus     *events.Bus
	logger  *slog.Logger

	replyTimeout time.Duration
	respondToAll bool
	allowed      map[string]bool

	mu      sync.RWMutex
	botID   string
	botName string
	ctx     context.Context

	wg sync.WaitGroup
}

// NewBridge creates a Discord bridge. The connection is opened by
// Start.
func NewBridge(cfg BridgeConfig) (*Bridge, error) {
	if cfg.Token == "" {
		return nil, errors.New("discord token is required")
	}
	if cfg.Processor == nil {
		return nil, errors.New("discord bridge requires a processor")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	session.LogLevel = discordgo.LogWarning

	b := newBridge(cfg, session)
	b.session = session
	routeGatewayLogs(b.logger)
	return b, nil
}

func newBridge(cfg BridgeConfig, send sender) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.ReplyTimeout
	if timeout <= 0 {
		timeout = defaultReplyTimeout
	}
	allowed := make(map[string]bool, len(cfg.AllowedChannels))
	for _, id := range cfg.AllowedChannels {
		allowed[id] = true
	}
	return &Bridge{
		send:         send,
		proc:         cfg.Processor,
		bus:          cfg.Events,
		logger:       logger,
		replyTimeout: timeout,
		respondToAll: cfg.RespondToAll,
		allowed:      allowed,
		ctx:          context.Background(),
	}
}

// Start registers event handlers and opens the gateway connection.
// Messages are handled under ctx until Stop.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	b.ctx = ctx
	b.mu.Unlock()

	b.session.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		b.onReady(r)
	})
	b.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		b.onMessage(m.Message)
	})

	if err := b.session.Open(); err != nil {
		return fmt.Errorf("open discord gateway: %w", err)
	}
	b.logger.Info("discord bridge started")
	return nil
}

// Stop closes the gateway connection and waits for in-flight messages.
func (b *Bridge) Stop() error {
	var err error
	if b.session != nil {
		err = b.session.Close()
	}
	b.wg.Wait()
	b.logger.Info("discord bridge stopped")
	return err
}

func (b *Bridge) onReady(r *discordgo.Ready) {
	if r.User == nil {
		return
	}
	b.mu.Lock()
	b.botID = r.User.ID
	b.botName = r.User.Username
	b.mu.Unlock()
	b.logger.Info("discord connected",
		"bot_id", r.User.ID,
		"bot_name", r.User.Username,
		"guilds", len(r.Guilds),
	)
}

func (b *Bridge) onMessage(m *discordgo.Message) {
	b.mu.RLock()
	f := filter{botID: b.botID, respondToAll: b.respondToAll, allowed: b.allowed}
	ctx := b.ctx
	b.mu.RUnlock()

	if f.botID == "" {
		b.logger.Debug("discord message before ready, ignoring", "message_id", m.ID)
		return
	}
	ok, reason := f.accept(m)
	if !ok {
		b.logger.Log(ctx, config.LevelTrace, "discord message ignored",
			"message_id", m.ID,
			"channel_id", m.ChannelID,
			"reason", reason,
		)
		return
	}

	b.wg.Add(1)
	defer b.wg.Done()
	b.handleMessage(ctx, m, f.botID, reason)
}

// handleMessage runs one accepted message through the engine and sends
// the reply. Failures are logged and nothing is sent.
func (b *Bridge) handleMessage(ctx context.Context, m *discordgo.Message, botID, reason string) {
	ctx, cancel := context.WithTimeout(ctx, b.replyTimeout)
	defer cancel()

	in := toInbound(m, botID)
	log := b.logger.With(
		"message_id", m.ID,
		"channel_id", m.ChannelID,
		"author_id", in.ActorID,
	)
	log.Info("discord message received",
		"reason", reason,
		"is_bot", in.IsBot,
		"message_len", len(in.Text),
	)
	b.bus.Emit(events.SourceDiscord, events.KindMessageReceived, map[string]any{
		"message_id": m.ID,
		"channel_id": m.ChannelID,
		"author_id":  in.ActorID,
		"is_bot":     in.IsBot,
	})

	stopTyping := b.keepTyping(m.ChannelID, log)
	out, err := b.proc.Process(ctx, in)
	stopTyping()

	var perr *engine.PersistenceError
	switch {
	case errors.As(err, &perr):
		log.Warn("reply not persisted, sending anyway", "error", err)
	case err != nil:
		log.Error("message processing failed", "error", err)
		return
	}
	if out == nil || out.Silent {
		log.Debug("no reply", "state", outcomeState(out))
		return
	}

	sends := buildReplies(out, m.Reference())
	for i, msg := range sends {
		if _, err := b.send.ChannelMessageSendComplex(m.ChannelID, msg); err != nil {
			log.Error("discord reply send failed",
				"part", i+1,
				"parts", len(sends),
				"error", err,
			)
			return
		}
	}

	log.Info("discord reply sent",
		"turn_id", out.TurnID,
		"parts", len(sends),
		"artifacts", len(out.Artifacts),
		"duration", out.Duration.Round(time.Millisecond),
	)
	b.bus.Emit(events.SourceDiscord, events.KindReplySent, map[string]any{
		"turn_id":    out.TurnID,
		"channel_id": m.ChannelID,
		"parts":      len(sends),
	})
}

// keepTyping shows the typing indicator until the returned func is
// called. Errors are logged at debug and otherwise ignored.
func (b *Bridge) keepTyping(channelID string, log *slog.Logger) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(typingInterval)
		defer ticker.Stop()
		for {
			if err := b.send.ChannelTyping(channelID); err != nil {
				log.Debug("discord typing indicator failed", "error", err)
			}
			select {
			case <-done:
				return
			case <-ticker.C:
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func outcomeState(out *engine.Outcome) string {
	if out == nil {
		return ""
	}
	return string(out.State())
}
