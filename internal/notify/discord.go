package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// discordSession is the subset of *discordgo.Session used for posting.
type discordSession interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// DiscordNotifier posts notices to a Discord channel as embeds. It uses the
// REST API only and never opens a gateway connection.
type DiscordNotifier struct {
	sess      discordSession
	channelID string
}

// DiscordOpts holds parameters for creating a DiscordNotifier.
type DiscordOpts struct {
	BotToken  string
	ChannelID string
}

// NewDiscord creates a DiscordNotifier.
func NewDiscord(opts DiscordOpts) (*DiscordNotifier, error) {
	if opts.BotToken == "" {
		return nil, fmt.Errorf("notify: discord: bot token is required")
	}
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("notify: discord: channel id is required")
	}
	s, err := discordgo.New("Bot " + opts.BotToken)
	if err != nil {
		return nil, fmt.Errorf("notify: discord: create session: %w", err)
	}
	return &DiscordNotifier{sess: s, channelID: opts.ChannelID}, nil
}

// Notify implements Notifier.
func (d *DiscordNotifier) Notify(ctx context.Context, n Notice) error {
	if _, err := d.sess.ChannelMessageSendEmbed(d.channelID, noticeToEmbed(n), discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("notify: discord: send embed: %w", err)
	}
	return nil
}

func noticeToEmbed(n Notice) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       n.Title,
		Description: n.Body,
		Color:       parseHexColor(n.Severity.Color()),
	}
	for _, f := range n.Fields {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:   f.Name,
			Value:  f.Value,
			Inline: f.Short,
		})
	}
	return embed
}

// parseHexColor converts a hex color string (e.g. "#36a64f") to an int.
func parseHexColor(hex string) int {
	if len(hex) > 0 && hex[0] == '#' {
		hex = hex[1:]
	}
	var color int
	for _, c := range hex {
		color <<= 4
		switch {
		case c >= '0' && c <= '9':
			color |= int(c - '0')
		case c >= 'a' && c <= 'f':
			color |= int(c-'a') + 10
		case c >= 'A' && c <= 'F':
			color |= int(c-'A') + 10
		}
	}
	return color
}
