package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/nugget/mobo/internal/buildinfo"
	"github.com/nugget/mobo/internal/discord"
	"github.com/nugget/mobo/internal/events"
)

// runServe connects to Discord and answers messages until SIGINT or
// SIGTERM. Shutdown closes the gateway first, then waits for in-flight
// messages, the janitor and background embeddings before closing the
// database.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(true); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger := newLogger(stdout, cfg)
	logger.Info("starting mobo", buildinfo.LogAttrs()...)
	if cfgPath != "" {
		logger.Info("config loaded", "path", cfgPath)
	} else {
		logger.Info("no config file found, using environment")
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, cfgPath, logger)
	if err != nil {
		return err
	}
	defer a.close()

	go events.LogEvents(ctx, a.bus, logger)

	if err := a.janitor.Start(ctx); err != nil {
		return fmt.Errorf("start janitor: %w", err)
	}

	bridge, err := discord.NewBridge(discord.BridgeConfig{
		Token:           cfg.Discord.Token,
		Processor:       a.engine,
		Events:          a.bus,
		Logger:          logger,
		ReplyTimeout:    cfg.Discord.ReplyTimeout,
		RespondToAll:    cfg.Discord.RespondToAll,
		AllowedChannels: cfg.Discord.AllowedChannels,
	})
	if err != nil {
		return err
	}
	if err := bridge.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")
	if err := bridge.Stop(); err != nil {
		logger.Warn("discord close failed", "error", err)
	}
	logger.Info("mobo stopped", "uptime", buildinfo.Uptime())
	return nil
}
