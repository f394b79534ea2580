// Package engine runs the message pipeline: admission, context
// gathering, the tool decision loop, reply synthesis and persistence.
//
// Every external call runs under its own timeout, and every failure
// except synthesis degrades to a smaller reply rather than an error.
// Messages in the same channel are processed one at a time; different
// channels proceed concurrently.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nugget/mobo/internal/events"
	"github.com/nugget/mobo/internal/governor"
	"github.com/nugget/mobo/internal/llm"
	"github.com/nugget/mobo/internal/memory"
	"github.com/nugget/mobo/internal/profile"
	"github.com/nugget/mobo/internal/prompts"
	"github.com/nugget/mobo/internal/retrieval"
	"github.com/nugget/mobo/internal/tools"
	"github.com/nugget/mobo/internal/usage"
)

// ErrClosed is returned by Process after Close.
var ErrClosed = errors.New("engine closed")

// Admitter decides whether a message may be answered.
type Admitter interface {
	Admit(ctx context.Context, actorID, channelID string, isBot bool) governor.Admission
}

// Retriever gathers conversation history for a message.
type Retriever interface {
	Retrieve(ctx context.Context, q retrieval.Query) retrieval.Result
}

// TurnWriter stores conversation turns.
type TurnWriter interface {
	Append(ctx context.Context, t *memory.Turn) error
}

// EmbeddingWriter is implemented by turn stores that keep each turn's
// embedding next to it. When Turns implements it, every embedding is
// written there before it is indexed, so the vector index can always
// be rebuilt from the turn store.
type EmbeddingWriter interface {
	SetEmbedding(ctx context.Context, id string, embedding []float32) error
}

// Profiles looks up and updates actor profiles.
type Profiles interface {
	GetOrCreate(ctx context.Context, actorID, displayName string) (*profile.Profile, error)
	Touch(ctx context.Context, actorID string) error
}

// UsageRecorder stores token usage.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Deps are the engine's collaborators. LLM, Governor and Turns are
// required; the rest may be nil, which disables the feature.
type Deps struct {
	LLM       llm.Client
	Governor  Admitter
	Retriever Retriever
	Turns     TurnWriter
	Tools     *tools.Registry
	Profiles  Profiles
	Embedder  retrieval.Embedder
	Index     memory.VectorIndex
	Usage     UsageRecorder
	Events    *events.Bus
}

// Timeouts bound each external step.
type Timeouts struct {
	Retrieval time.Duration
	Decision  time.Duration
	Tool      time.Duration
	Synthesis time.Duration
	Persist   time.Duration
	Embedding time.Duration
}

// Config tunes the pipeline.
type Config struct {
	// BotID is stored as the actor of assistant turns.
	BotID   string
	Persona string

	DecideModel       string
	DecideTemperature *float64
	DecideMaxTokens   int

	SynthesizeModel       string
	SynthesizeTemperature *float64
	SynthesizeMaxTokens   int

	// MaxToolIterations bounds execute-then-redecide rounds.
	MaxToolIterations int
	Timeouts          Timeouts
}

const defaultRetrievalTimeout = 10 * time.Second

func (c *Config) applyDefaults() {
	if c.BotID == "" {
		c.BotID = "mobo"
	}
	if c.SynthesizeModel == "" {
		c.SynthesizeModel = c.DecideModel
	}
	if c.MaxToolIterations <= 0 {
		c.MaxToolIterations = 3
	}
	t := &c.Timeouts
	for _, d := range []struct {
		v   *time.Duration
		def time.Duration
	}{
		{&t.Retrieval, defaultRetrievalTimeout},
		{&t.Decision, 30 * time.Second},
		{&t.Tool, 60 * time.Second},
		{&t.Synthesis, 60 * time.Second},
		{&t.Persist, 5 * time.Second},
		{&t.Embedding, 20 * time.Second},
	} {
		if *d.v <= 0 {
			*d.v = d.def
		}
	}
}

// Engine processes inbound messages. Safe for concurrent use.
type Engine struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
	locks  *channelLocks

	bgMu   sync.Mutex
	bg     sync.WaitGroup
	closed bool
}

// New creates an engine.
func New(deps Deps, cfg Config, logger *slog.Logger) (*Engine, error) {
	if deps.LLM == nil {
		return nil, errors.New("engine requires an LLM client")
	}
	if deps.Governor == nil {
		return nil, errors.New("engine requires a governor")
	}
	if deps.Turns == nil {
		return nil, errors.New("engine requires a turn store")
	}
	if cfg.DecideModel == "" {
		return nil, errors.New("engine requires a decision model")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	return &Engine{
		deps:   deps,
		cfg:    cfg,
		logger: logger,
		locks:  newChannelLocks(),
	}, nil
}

// Close waits for background embedding work to finish. Process
// returns [ErrClosed] afterwards.
func (e *Engine) Close() error {
	e.bgMu.Lock()
	e.closed = true
	e.bgMu.Unlock()
	e.bg.Wait()
	return nil
}

// turn carries per-message state through the pipeline.
type turn struct {
	in      Inbound
	out     *Outcome
	rc      tools.RequestContext
	log     *slog.Logger
	profile string
	history string
	draft   string
	results []prompts.ToolOutcome
	start   time.Time
}

// Process runs one message through the pipeline. A suppressed message
// returns an outcome in [StateSuppressed] and a nil error. A synthesis
// failure returns the outcome in [StateFailed] with an [*UpstreamError].
// A storage failure returns the complete outcome together with a
// [*PersistenceError]; the reply is still valid and may be sent.
func (e *Engine) Process(ctx context.Context, in Inbound) (*Outcome, error) {
	e.bgMu.Lock()
	closed := e.closed
	e.bgMu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if in.ChannelID == "" {
		return nil, errors.New("inbound message has no channel")
	}

	release := e.locks.lock(in.ChannelID)
	defer release()

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate turn ID: %w", err)
	}
	t := &turn{
		in:    in,
		out:   &Outcome{TurnID: id.String()},
		start: time.Now(),
		rc: tools.RequestContext{
			TurnID:    id.String(),
			ActorID:   in.ActorID,
			ActorName: in.ActorName,
			ChannelID: in.ChannelID,
			IsBot:     in.IsBot,
			IsDM:      in.IsDM,
		},
		log: e.logger.With(
			"turn_id", id.String(),
			"channel_id", in.ChannelID,
			"actor_id", in.ActorID,
		),
	}
	defer func() { t.out.Duration = time.Since(t.start) }()

	e.emit(events.KindTurnStart, map[string]any{
		"turn_id":    t.out.TurnID,
		"channel_id": in.ChannelID,
		"actor_id":   in.ActorID,
		"is_bot":     in.IsBot,
	})
	t.log.Debug("processing message",
		"is_bot", in.IsBot,
		"is_dm", in.IsDM,
		"mentions_bot", in.MentionsBot,
		"length", len(in.Text),
	)

	// Admission.
	t.out.Admission = e.deps.Governor.Admit(ctx, in.ActorID, in.ChannelID, in.IsBot)
	if !t.out.Admission.Allowed {
		t.out.Silent = true
		e.enter(t, StateSuppressed)
		t.log.Info("turn suppressed",
			"reason", t.out.Admission.Reason,
			"count", t.out.Admission.CurrentCount,
		)
		e.complete(t)
		return t.out, nil
	}
	e.enter(t, StateAdmitted)

	// Context.
	if err := ctx.Err(); err != nil {
		return e.fail(t, err)
	}
	e.gatherContext(ctx, t)
	e.enter(t, StateContext)

	// Decision, then up to MaxToolIterations rounds of tools.
	if err := ctx.Err(); err != nil {
		return e.fail(t, err)
	}
	messages := []llm.Message{
		llm.SystemMessage{Content: prompts.DecisionSystemPrompt(
			e.cfg.Persona, displayName(in), actorKind(in), t.profile, t.history)},
		llm.UserMessage{Content: in.Text},
	}
	resp := e.decide(ctx, t, messages)
	e.enter(t, StateDecided)

	for iter := 0; resp != nil && len(resp.ToolCalls) > 0; iter++ {
		if err := ctx.Err(); err != nil {
			return e.fail(t, err)
		}
		messages = append(messages, llm.AssistantMessage{Content: resp.Text, ToolCalls: resp.ToolCalls})
		for _, tc := range resp.ToolCalls {
			messages = append(messages, e.executeTool(ctx, t, tc))
		}
		e.enter(t, StateToolExecuted)

		if iter+1 >= e.cfg.MaxToolIterations {
			t.log.Info("tool iteration limit reached", "iterations", iter+1)
			break
		}
		if err := ctx.Err(); err != nil {
			return e.fail(t, err)
		}
		resp = e.decide(ctx, t, messages)
		e.enter(t, StateDecided)
	}

	// Synthesis.
	if err := ctx.Err(); err != nil {
		return e.fail(t, err)
	}
	text, err := e.synthesize(ctx, t)
	if err != nil {
		t.log.Error("synthesis failed, staying silent", "error", err)
		t.out.Silent = true
		t.out.Artifacts = nil
		e.enter(t, StateFailed)
		e.complete(t)
		return t.out, &UpstreamError{Step: StepSynthesis, Err: err}
	}
	if strings.TrimSpace(text) == "" {
		t.out.Silent = true
		t.out.Artifacts = nil
		t.log.Info("empty synthesis, staying silent")
	} else {
		t.out.Text = strings.TrimSpace(text)
	}
	e.enter(t, StateSynthesized)

	// Persistence runs to completion once started.
	if err := e.persist(ctx, t); err != nil {
		t.log.Error("failed to persist turn", "error", err)
		e.complete(t)
		return t.out, err
	}
	e.enter(t, StatePersisted)
	e.complete(t)
	return t.out, nil
}

func (e *Engine) enter(t *turn, s State) {
	t.out.enter(s)
	e.emit(events.KindState, map[string]any{
		"turn_id": t.out.TurnID,
		"state":   string(s),
	})
}

func (e *Engine) fail(t *turn, err error) (*Outcome, error) {
	t.log.Info("turn cancelled", "state", t.out.State(), "error", err)
	t.out.Silent = true
	t.out.Text = ""
	t.out.Artifacts = nil
	e.enter(t, StateFailed)
	e.complete(t)
	return t.out, err
}

func (e *Engine) complete(t *turn) {
	e.emit(events.KindTurnComplete, map[string]any{
		"turn_id":    t.out.TurnID,
		"state":      string(t.out.State()),
		"silent":     t.out.Silent,
		"path":       statesToStrings(t.out.Path),
		"elapsed_ms": time.Since(t.start).Milliseconds(),
	})
}

// gatherContext fills in the retrieved history and profile. Both
// degrade to empty on failure.
func (e *Engine) gatherContext(ctx context.Context, t *turn) {
	if e.deps.Profiles != nil && t.in.ActorID != "" {
		p, err := e.deps.Profiles.GetOrCreate(ctx, t.in.ActorID, t.in.ActorName)
		if err != nil {
			t.log.Warn("profile lookup failed", "error", err)
		} else {
			t.profile = profile.Format(p)
		}
	}

	if e.deps.Retriever == nil {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, e.cfg.Timeouts.Retrieval)
	defer cancel()
	res := e.deps.Retriever.Retrieve(rctx, retrieval.Query{
		Text:      t.in.Text,
		ActorID:   t.in.ActorID,
		ChannelID: t.in.ChannelID,
	})
	t.out.Strategy = res.Strategy
	t.history = res.Context()
	if res.Classification != nil {
		e.recordUsage(t, usage.StepClassify, res.Classification)
	}
	t.log.Debug("context gathered",
		"query_type", res.Strategy.QueryType,
		"history_turns", len(res.Turns),
		"has_profile", t.profile != "",
	)
}

// decide makes one decision call. A failure is logged and reported as
// a nil response, which sends the turn straight to synthesis.
func (e *Engine) decide(ctx context.Context, t *turn, messages []llm.Message) *llm.Response {
	dctx, cancel := context.WithTimeout(ctx, e.cfg.Timeouts.Decision)
	defer cancel()

	var defs []llm.ToolDefinition
	if e.deps.Tools != nil {
		defs = e.deps.Tools.Definitions()
	}
	resp, err := e.call(dctx, t, usage.StepDecide, llm.Request{
		Model:       e.cfg.DecideModel,
		Temperature: e.cfg.DecideTemperature,
		MaxTokens:   e.cfg.DecideMaxTokens,
		Messages:    messages,
		Tools:       defs,
	})
	if err != nil {
		t.log.Warn("decision failed, continuing without tools",
			"error", &UpstreamError{Step: StepDecision, Err: err})
		return nil
	}
	if strings.TrimSpace(resp.Text) != "" {
		t.draft = resp.Text
	}
	return resp
}

// executeTool runs one tool call on a context detached from the
// caller's cancellation, bounded by the tool timeout. Failures become
// error results for the model.
func (e *Engine) executeTool(ctx context.Context, t *turn, tc llm.ToolCall) llm.ToolResultMessage {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.Timeouts.Tool)
	defer cancel()

	e.emit(events.KindToolCall, map[string]any{
		"turn_id": t.out.TurnID,
		"tool":    tc.Name,
	})
	start := time.Now()

	var res tools.Result
	err := error(&tools.ErrToolUnavailable{ToolName: tc.Name})
	if e.deps.Tools != nil {
		res, err = e.deps.Tools.Execute(tctx, t.rc, tc.Name, tc.Arguments)
	}
	elapsed := time.Since(start)

	msg := llm.ToolResultMessage{CallID: tc.ID, Name: tc.Name}
	if err != nil {
		t.log.Warn("tool call failed", "tool", tc.Name, "error", err, "elapsed", elapsed.Round(time.Millisecond))
		msg.Content = "Error: " + err.Error()
		msg.IsError = true
	} else {
		t.log.Info("tool call complete", "tool", tc.Name, "elapsed", elapsed.Round(time.Millisecond))
		msg.Content = res.Text
		if res.Artifact != nil {
			t.out.Artifacts = append(t.out.Artifacts, *res.Artifact)
		}
	}
	t.results = append(t.results, prompts.ToolOutcome{Name: tc.Name, Text: msg.Content, Failed: msg.IsError})

	e.emit(events.KindToolDone, map[string]any{
		"turn_id":    t.out.TurnID,
		"tool":       tc.Name,
		"error":      msg.IsError,
		"elapsed_ms": elapsed.Milliseconds(),
	})
	return msg
}

func (e *Engine) synthesize(ctx context.Context, t *turn) (string, error) {
	sctx, cancel := context.WithTimeout(ctx, e.cfg.Timeouts.Synthesis)
	defer cancel()

	system := prompts.SynthesisSystemPrompt(
		e.cfg.Persona, displayName(t.in), actorKind(t.in), t.profile, t.history)
	for _, block := range []string{prompts.ToolResultsBlock(t.results), prompts.DraftBlock(t.draft)} {
		if block != "" {
			system += "\n\n" + block
		}
	}

	resp, err := e.call(sctx, t, usage.StepSynthesize, llm.Request{
		Model:       e.cfg.SynthesizeModel,
		Temperature: e.cfg.SynthesizeTemperature,
		MaxTokens:   e.cfg.SynthesizeMaxTokens,
		Messages: []llm.Message{
			llm.SystemMessage{Content: system},
			llm.UserMessage{Content: t.in.Text},
		},
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// call wraps an LLM request with usage recording and events.
func (e *Engine) call(ctx context.Context, t *turn, step string, req llm.Request) (*llm.Response, error) {
	start := time.Now()
	resp, err := e.deps.LLM.Chat(ctx, req)
	elapsed := time.Since(start)

	data := map[string]any{
		"turn_id":    t.out.TurnID,
		"step":       step,
		"model":      req.Model,
		"elapsed_ms": elapsed.Milliseconds(),
	}
	if err != nil {
		data["error"] = err.Error()
		e.emit(events.KindLLMCall, data)
		return nil, err
	}
	data["input_tokens"] = resp.InputTokens
	data["output_tokens"] = resp.OutputTokens
	data["tool_calls"] = len(resp.ToolCalls)
	e.emit(events.KindLLMCall, data)

	e.recordUsage(t, step, resp)
	return resp, nil
}

func (e *Engine) recordUsage(t *turn, step string, resp *llm.Response) {
	if e.deps.Usage == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Timeouts.Persist)
	defer cancel()
	err := e.deps.Usage.Record(ctx, usage.Record{
		TurnID:       t.out.TurnID,
		ChannelID:    t.in.ChannelID,
		ActorID:      t.in.ActorID,
		Step:         step,
		Model:        resp.Model,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
	})
	if err != nil {
		t.log.Warn("failed to record usage", "step", step, "error", err)
	}
}

// persist stores the user turn and, unless silent, the assistant turn,
// then starts background embedding for each stored turn.
func (e *Engine) persist(ctx context.Context, t *turn) error {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.Timeouts.Persist)
	defer cancel()

	stored := []*memory.Turn{{
		ActorID:   t.in.ActorID,
		ChannelID: t.in.ChannelID,
		Role:      memory.RoleUser,
		Content:   t.in.Text,
	}}
	if !t.out.Silent {
		stored = append(stored, &memory.Turn{
			ActorID:   e.cfg.BotID,
			ChannelID: t.in.ChannelID,
			Role:      memory.RoleAssistant,
			Content:   t.out.Text,
		})
	}

	for i, st := range stored {
		if err := e.deps.Turns.Append(pctx, st); err != nil {
			e.embedAsync(t.log, stored[:i])
			return &PersistenceError{TurnID: t.out.TurnID, Err: err}
		}
	}
	e.embedAsync(t.log, stored)

	if e.deps.Profiles != nil && t.in.ActorID != "" {
		if err := e.deps.Profiles.Touch(pctx, t.in.ActorID); err != nil {
			t.log.Warn("failed to touch profile", "error", err)
		}
	}
	return nil
}

// embedAsync embeds turns in the background, stores each embedding
// with its turn and adds it to the vector index. Close waits for these
// goroutines.
func (e *Engine) embedAsync(log *slog.Logger, turns []*memory.Turn) {
	writer, _ := e.deps.Turns.(EmbeddingWriter)
	index := e.deps.Index
	if w, ok := index.(EmbeddingWriter); ok && writer != nil && w == writer {
		// The turn store is its own index.
		index = nil
	}
	if e.deps.Embedder == nil || (writer == nil && index == nil) || len(turns) == 0 {
		return
	}

	e.bgMu.Lock()
	defer e.bgMu.Unlock()
	if e.closed {
		return
	}
	for _, st := range turns {
		tr := *st
		if strings.TrimSpace(tr.Content) == "" {
			continue
		}
		e.bg.Add(1)
		go func() {
			defer e.bg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Timeouts.Embedding)
			defer cancel()

			vec, err := e.deps.Embedder.Generate(ctx, tr.Content)
			if err != nil {
				log.Warn("failed to embed turn", "stored_turn_id", tr.ID, "error", err)
				return
			}
			tr.Embedding = vec
			if writer != nil {
				if err := writer.SetEmbedding(ctx, tr.ID, vec); err != nil {
					log.Warn("failed to store turn embedding", "stored_turn_id", tr.ID, "error", err)
				}
			}
			if index != nil {
				if err := index.Index(ctx, tr); err != nil {
					log.Warn("failed to index turn", "stored_turn_id", tr.ID, "error", err)
				}
			}
		}()
	}
}

func (e *Engine) emit(kind string, data map[string]any) {
	if e.deps.Events == nil {
		return
	}
	e.deps.Events.Emit(events.SourceEngine, kind, data)
}

func displayName(in Inbound) string {
	if in.ActorName != "" {
		return in.ActorName
	}
	return in.ActorID
}

func actorKind(in Inbound) string {
	if in.IsBot {
		return "bot"
	}
	return "human"
}

func statesToStrings(path []State) []string {
	out := make([]string, len(path))
	for i, s := range path {
		out[i] = string(s)
	}
	return out
}
