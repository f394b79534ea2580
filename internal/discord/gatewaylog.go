package discord

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
)

func gatewayLevel(msgL int) slog.Level {
	switch msgL {
	case discordgo.LogError:
		return slog.LevelError
	case discordgo.LogWarning:
		return slog.LevelWarn
	case discordgo.LogInformational:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// routeGatewayLogs sends discordgo's own log output through logger.
// discordgo.Logger is process-wide, so the last bridge created wins.
func routeGatewayLogs(logger *slog.Logger) {
	discordgo.Logger = func(msgL, _ int, format string, a ...any) {
		logger.Log(context.Background(), gatewayLevel(msgL), fmt.Sprintf(format, a...), "component", "discordgo")
	}
}
