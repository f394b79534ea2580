package discord

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"github.com/nugget/mobo/internal/engine"
	"github.com/nugget/mobo/internal/tools"
)

// maxMessageLen is Discord's per-message content limit.
const maxMessageLen = 2000

// maxEmbeds is Discord's per-message embed limit.
const maxEmbeds = 10

// mentionOnlyText stands in for a message that was nothing but a
// mention of the bot.
const mentionOnlyText = "(mentioned you without saying anything else)"

// filter decides which messages reach the engine.
type filter struct {
	botID        string
	respondToAll bool
	allowed      map[string]bool // empty means every channel
}

// accept reports whether m should be answered, with a reason for the
// debug log.
func (f filter) accept(m *discordgo.Message) (bool, string) {
	switch {
	case m.Author == nil:
		return false, "no author"
	case f.botID != "" && m.Author.ID == f.botID:
		return false, "own message"
	case strings.TrimSpace(m.Content) == "":
		return false, "empty message"
	}

	isDM := m.GuildID == ""
	if !isDM && len(f.allowed) > 0 && !f.allowed[m.ChannelID] {
		return false, "channel not allowed"
	}

	switch {
	case isDM:
		return true, "direct message"
	case mentionsUser(m, f.botID):
		return true, "mention"
	case isReplyTo(m, f.botID):
		return true, "reply"
	case f.respondToAll:
		return true, "respond to all"
	}
	return false, "not addressed to bot"
}

func mentionsUser(m *discordgo.Message, userID string) bool {
	if userID == "" {
		return false
	}
	for _, u := range m.Mentions {
		if u != nil && u.ID == userID {
			return true
		}
	}
	return false
}

func isReplyTo(m *discordgo.Message, userID string) bool {
	return userID != "" &&
		m.ReferencedMessage != nil &&
		m.ReferencedMessage.Author != nil &&
		m.ReferencedMessage.Author.ID == userID
}

// toInbound converts a Discord message for the engine, stripping
// mentions of the bot from the text.
func toInbound(m *discordgo.Message, botID string) engine.Inbound {
	text := m.Content
	if botID != "" {
		text = strings.ReplaceAll(text, "<@"+botID+">", "")
		text = strings.ReplaceAll(text, "<@!"+botID+">", "")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		text = mentionOnlyText
	}

	return engine.Inbound{
		ActorID:     m.Author.ID,
		ActorName:   authorName(m),
		ChannelID:   m.ChannelID,
		IsBot:       m.Author.Bot,
		IsDM:        m.GuildID == "",
		Text:        text,
		MentionsBot: mentionsUser(m, botID),
	}
}

// authorName prefers the server nickname, then the global display
// name, then the username.
func authorName(m *discordgo.Message) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

// splitMessage breaks text into chunks of at most limit runes,
// preferring line breaks and then spaces as cut points.
func splitMessage(text string, limit int) []string {
	text = strings.TrimSpace(text)
	var parts []string
	for text != "" {
		if utf8.RuneCountInString(text) <= limit {
			parts = append(parts, text)
			break
		}
		runes := []rune(text)
		head := string(runes[:limit])
		cut := len(head)
		if i := strings.LastIndex(head, "\n"); i > 0 {
			cut = i
		} else if i := strings.LastIndex(head, " "); i > 0 {
			cut = i
		}
		parts = append(parts, strings.TrimRight(text[:cut], " \n"))
		text = strings.TrimLeft(text[cut:], " \n")
	}
	return parts
}

// buildReplies renders an outcome as Discord messages. The first one
// replies to ref; image artifacts ride on the last one.
func buildReplies(out *engine.Outcome, ref *discordgo.MessageReference) []*discordgo.MessageSend {
	var sends []*discordgo.MessageSend
	for _, chunk := range splitMessage(out.Text, maxMessageLen) {
		sends = append(sends, &discordgo.MessageSend{Content: chunk})
	}

	var embeds []*discordgo.MessageEmbed
	var files []*discordgo.File
	for i, a := range out.Artifacts {
		if a.Type != tools.ArtifactImage {
			continue
		}
		switch {
		case a.URL != "" && len(embeds) < maxEmbeds:
			embeds = append(embeds, &discordgo.MessageEmbed{
				Image: &discordgo.MessageEmbedImage{URL: a.URL},
			})
		case len(a.Data) > 0:
			files = append(files, &discordgo.File{
				Name:        artifactFilename(a, i),
				ContentType: http.DetectContentType(a.Data),
				Reader:      bytes.NewReader(a.Data),
			})
		}
	}
	if len(embeds) > 0 || len(files) > 0 {
		if len(sends) == 0 {
			sends = append(sends, &discordgo.MessageSend{})
		}
		last := sends[len(sends)-1]
		last.Embeds = embeds
		last.Files = files
	}

	for i, s := range sends {
		s.AllowedMentions = &discordgo.MessageAllowedMentions{
			Parse: []discordgo.AllowedMentionType{discordgo.AllowedMentionTypeUsers},
		}
		if i == 0 {
			s.Reference = ref
		}
	}
	return sends
}

func artifactFilename(a tools.Artifact, i int) string {
	if a.Filename != "" {
		return a.Filename
	}
	return fmt.Sprintf("image-%d.png", i+1)
}
