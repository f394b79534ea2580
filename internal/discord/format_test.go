package discord

import (
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/google/go-cmp/cmp"
	"github.com/nugget/mobo/internal/engine"
	"github.com/nugget/mobo/internal/tools"
)

const botID = "999"

func msg(content string, opts ...func(*discordgo.Message)) *discordgo.Message {
	m := &discordgo.Message{
		ID:        "m1",
		ChannelID: "C1",
		GuildID:   "G1",
		Content:   content,
		Author:    &discordgo.User{ID: "u1", Username: "sam"},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func mentioning(id string) func(*discordgo.Message) {
	return func(m *discordgo.Message) {
		m.Mentions = append(m.Mentions, &discordgo.User{ID: id})
	}
}

func TestFilterAccept(t *testing.T) {
	base := filter{botID: botID}

	tests := []struct {
		name   string
		filter filter
		msg    *discordgo.Message
		want   bool
		reason string
	}{
		{"mention", base, msg("<@999> hi", mentioning(botID)), true, "mention"},
		{"other mention", base, msg("<@123> hi", mentioning("123")), false, "not addressed to bot"},
		{"plain", base, msg("hello all"), false, "not addressed to bot"},
		{"dm", base, msg("hi", func(m *discordgo.Message) { m.GuildID = "" }), true, "direct message"},
		{"reply to bot", base, msg("thanks", func(m *discordgo.Message) {
			m.ReferencedMessage = &discordgo.Message{Author: &discordgo.User{ID: botID}}
		}), true, "reply"},
		{"reply to someone else", base, msg("thanks", func(m *discordgo.Message) {
			m.ReferencedMessage = &discordgo.Message{Author: &discordgo.User{ID: "u2"}}
		}), false, "not addressed to bot"},
		{"own message", base, msg("<@999>", mentioning(botID), func(m *discordgo.Message) {
			m.Author = &discordgo.User{ID: botID, Bot: true}
		}), false, "own message"},
		{"empty", base, msg("   ", mentioning(botID)), false, "empty message"},
		{"no author", base, msg("hi", func(m *discordgo.Message) { m.Author = nil }), false, "no author"},
		{"respond to all", filter{botID: botID, respondToAll: true}, msg("hello all"), true, "respond to all"},
		{"channel not allowed", filter{botID: botID, allowed: map[string]bool{"C2": true}},
			msg("<@999> hi", mentioning(botID)), false, "channel not allowed"},
		{"channel allowed", filter{botID: botID, allowed: map[string]bool{"C1": true}},
			msg("<@999> hi", mentioning(botID)), true, "mention"},
		{"dm ignores allow list", filter{botID: botID, allowed: map[string]bool{"C2": true}},
			msg("hi", func(m *discordgo.Message) { m.GuildID = "" }), true, "direct message"},
		{"other bot mention", base, msg("<@999> ping", mentioning(botID), func(m *discordgo.Message) {
			m.Author = &discordgo.User{ID: "b1", Bot: true}
		}), true, "mention"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := tt.filter.accept(tt.msg)
			if got != tt.want || reason != tt.reason {
				t.Errorf("accept() = %v, %q; want %v, %q", got, reason, tt.want, tt.reason)
			}
		})
	}
}

func TestToInbound(t *testing.T) {
	m := msg("<@999> what's up <@!999>?", mentioning(botID), func(m *discordgo.Message) {
		m.Member = &discordgo.Member{Nick: "Sammy"}
	})
	got := toInbound(m, botID)
	want := engine.Inbound{
		ActorID:     "u1",
		ActorName:   "Sammy",
		ChannelID:   "C1",
		Text:        "what's up ?",
		MentionsBot: true,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("toInbound() mismatch (-want +got):\n%s", diff)
	}
}

func TestToInbound_MentionOnly(t *testing.T) {
	m := msg("<@999>", mentioning(botID), func(m *discordgo.Message) {
		m.GuildID = ""
		m.Author = &discordgo.User{ID: "b1", Username: "robo", GlobalName: "Robo Bot", Bot: true}
	})
	got := toInbound(m, botID)
	if got.Text != mentionOnlyText {
		t.Errorf("Text = %q, want %q", got.Text, mentionOnlyText)
	}
	if !got.IsBot || !got.IsDM || got.ActorName != "Robo Bot" {
		t.Errorf("toInbound() = %+v", got)
	}
}

func TestSplitMessage(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		limit int
		want  []string
	}{
		{"short", "hello", 10, []string{"hello"}},
		{"empty", "   ", 10, nil},
		{"at newline", "first line\nsecond line", 15, []string{"first line", "second line"}},
		{"at space", "alpha beta gamma", 11, []string{"alpha beta", "gamma"}},
		{"hard cut", "abcdefghij", 4, []string{"abcd", "efgh", "ij"}},
		{"runes", "ééééé", 2, []string{"éé", "éé", "é"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitMessage(tt.text, tt.limit)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("splitMessage() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSplitMessage_DiscordLimit(t *testing.T) {
	text := strings.Repeat("word ", 900) // 4500 chars
	parts := splitMessage(text, maxMessageLen)
	if len(parts) != 3 {
		t.Fatalf("parts = %d, want 3", len(parts))
	}
	var total int
	for i, p := range parts {
		if n := len([]rune(p)); n > maxMessageLen {
			t.Errorf("part %d has %d runes", i, n)
		}
		total += len(strings.Fields(p))
	}
	if total != 900 {
		t.Errorf("words across parts = %d, want 900", total)
	}
}

func TestBuildReplies(t *testing.T) {
	ref := &discordgo.MessageReference{MessageID: "m1", ChannelID: "C1"}
	out := &engine.Outcome{
		Text: strings.Repeat("a", 2500),
		Artifacts: []tools.Artifact{
			{Type: tools.ArtifactImage, URL: "https://img/cat.png"},
			{Type: tools.ArtifactImage, Data: []byte("\x89PNG\r\n\x1a\nrest")},
			{Type: "audio", URL: "https://x/y.mp3"},
		},
	}

	sends := buildReplies(out, ref)
	if len(sends) != 2 {
		t.Fatalf("messages = %d, want 2", len(sends))
	}
	if sends[0].Reference != ref || sends[1].Reference != nil {
		t.Error("only the first message should reply to the original")
	}
	if len(sends[0].Embeds) != 0 || len(sends[1].Embeds) != 1 {
		t.Errorf("embeds: first %d, last %d; want 0 and 1", len(sends[0].Embeds), len(sends[1].Embeds))
	}
	if got := sends[1].Embeds[0].Image.URL; got != "https://img/cat.png" {
		t.Errorf("embed URL = %q", got)
	}
	if len(sends[1].Files) != 1 {
		t.Fatalf("files = %d, want 1", len(sends[1].Files))
	}
	f := sends[1].Files[0]
	if f.Name != "image-2.png" || f.ContentType != "image/png" {
		t.Errorf("file = %q %q", f.Name, f.ContentType)
	}
	data, _ := io.ReadAll(f.Reader)
	if string(data) != "\x89PNG\r\n\x1a\nrest" {
		t.Errorf("file data = %q", data)
	}
	for i, s := range sends {
		if s.AllowedMentions == nil || len(s.AllowedMentions.Parse) != 1 {
			t.Errorf("message %d allows unrestricted mentions", i)
		}
	}
}

func TestBuildReplies_ArtifactOnly(t *testing.T) {
	out := &engine.Outcome{Artifacts: []tools.Artifact{{Type: tools.ArtifactImage, URL: "https://img/a.png", Filename: "a.png"}}}
	sends := buildReplies(out, nil)
	if len(sends) != 1 || sends[0].Content != "" || len(sends[0].Embeds) != 1 {
		t.Errorf("buildReplies() = %+v, want one embed-only message", sends)
	}
}

func TestGatewayLevel(t *testing.T) {
	tests := []struct {
		in   int
		want slog.Level
	}{
		{discordgo.LogError, slog.LevelError},
		{discordgo.LogWarning, slog.LevelWarn},
		{discordgo.LogInformational, slog.LevelInfo},
		{discordgo.LogDebug, slog.LevelDebug},
	}
	for _, tt := range tests {
		if got := gatewayLevel(tt.in); got != tt.want {
			t.Errorf("gatewayLevel(%d) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
