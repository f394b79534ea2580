package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/nugget/mobo/internal/engine"
	"github.com/nugget/mobo/internal/memory"
)

// cliChannel is the channel ID used for messages sent with ask, so CLI
// conversations keep their own history.
const cliChannel = "cli"

// runAsk runs one message through the full pipeline as the local user
// and prints the reply. Logs go to stderr so stdout carries only the
// answer.
func runAsk(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string, args []string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(false); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger := newLogger(stderr, cfg)

	a, err := newApp(ctx, cfg, cfgPath, logger)
	if err != nil {
		return err
	}
	defer a.close()

	actor := os.Getenv("USER")
	if actor == "" {
		actor = "cli"
	}
	out, err := a.engine.Process(ctx, engine.Inbound{
		ActorID:     "cli:" + actor,
		ActorName:   actor,
		ChannelID:   cliChannel,
		IsDM:        true,
		Text:        strings.Join(args, " "),
		MentionsBot: true,
	})
	var perr *engine.PersistenceError
	if err != nil && !errors.As(err, &perr) {
		return fmt.Errorf("ask: %w", err)
	}
	if perr != nil {
		logger.Warn("reply not persisted", "error", perr)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(askResult(out))
	}
	if out.Silent {
		fmt.Fprintln(stdout, "(no reply)")
		return nil
	}
	fmt.Fprintln(stdout, out.Text)
	for _, art := range out.Artifacts {
		if art.URL != "" {
			fmt.Fprintf(stdout, "[%s] %s\n", art.Type, art.URL)
		} else {
			fmt.Fprintf(stdout, "[%s] %d bytes\n", art.Type, len(art.Data))
		}
	}
	return nil
}

type askOutput struct {
	TurnID     string   `json:"turn_id"`
	Text       string   `json:"text"`
	Silent     bool     `json:"silent"`
	Path       []string `json:"path"`
	QueryType  string   `json:"query_type"`
	Artifacts  []string `json:"artifacts,omitempty"`
	DurationMS int64    `json:"duration_ms"`
}

func askResult(out *engine.Outcome) askOutput {
	res := askOutput{
		TurnID:     out.TurnID,
		Text:       out.Text,
		Silent:     out.Silent,
		QueryType:  string(out.Strategy.QueryType),
		DurationMS: out.Duration.Milliseconds(),
	}
	for _, s := range out.Path {
		res.Path = append(res.Path, string(s))
	}
	for _, art := range out.Artifacts {
		if art.URL != "" {
			res.Artifacts = append(res.Artifacts, art.URL)
		}
	}
	return res
}

// runSweep runs one retention sweep immediately.
func runSweep(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(false); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger := newLogger(stderr, cfg)

	a, err := newApp(ctx, cfg, cfgPath, logger)
	if err != nil {
		return err
	}
	defer a.close()

	run, err := a.janitor.RunOnce(ctx, time.Time{})
	if run == nil {
		return fmt.Errorf("sweep: %w", err)
	}
	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(run); encErr != nil {
			return encErr
		}
	} else {
		fmt.Fprintf(stdout, "Sweep %s: removed %d interaction counters and %d rate buckets older than %s\n",
			run.Status, run.CountersRemoved, run.BucketsRemoved, run.Cutoff.Format(time.RFC3339))
	}
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	return nil
}

// runReindex copies every embedded turn into the chromem index.
func runReindex(ctx context.Context, stdout, stderr io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(false); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if !cfg.Embeddings.Enabled || cfg.Memory.VectorBackend != "chromem" {
		return errors.New("reindex needs embeddings enabled and memory.vector_backend: chromem")
	}
	logger := newLogger(stderr, cfg)

	a, err := newApp(ctx, cfg, cfgPath, logger)
	if err != nil {
		return err
	}
	defer a.close()

	stats, err := memory.Reindex(ctx, a.turns, a.chromem, 0, logger)
	if err != nil {
		return fmt.Errorf("reindex: %w", err)
	}
	fmt.Fprintf(stdout, "Reindexed %d turns in %d batches\n", stats.Turns, stats.Batches)
	return nil
}
