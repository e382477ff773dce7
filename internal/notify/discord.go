// Package notify pushes owner notifications when a visitor leaves a
// contact message. Delivery runs over a Discord webhook, is best-effort
// and never blocks the chat reply: failures are logged and forgotten,
// the inbox file on disk is the source of truth.
package notify

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/kbrengel/talkingrock/internal/inbox"
)

// bodyExcerptLen caps how much of the message body the embed shows.
const bodyExcerptLen = 500

const embedColor = 0x5b8c5a // muted green, matches the site accent

// webhookExecutor is the slice of [discordgo.Session] used here,
// extracted so tests can record sends.
type webhookExecutor interface {
	WebhookExecute(webhookID, token string, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord sends new-message notifications through a webhook.
// All methods are safe for concurrent use.
type Discord struct {
	exec     webhookExecutor
	id       string
	token    string
	username string
}

// Option configures a [Discord] notifier.
type Option func(*Discord)

// WithUsername overrides the webhook's display name on delivered
// notifications. Empty keeps the name configured on the webhook itself.
func WithUsername(name string) Option {
	return func(d *Discord) { d.username = name }
}

// NewDiscord creates a notifier for the given webhook URL
// (https://discord.com/api/webhooks/<id>/<token>). Webhook execution
// needs no bot token.
func NewDiscord(webhookURL string, opts ...Option) (*Discord, error) {
	id, token, err := parseWebhookURL(webhookURL)
	if err != nil {
		return nil, err
	}
	session, err := discordgo.New("")
	if err != nil {
		return nil, fmt.Errorf("notify: create session: %w", err)
	}
	d := &Discord{exec: session, id: id, token: token}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// MessageSaved notifies the owner about a newly stored contact message.
// It returns immediately; the webhook call runs in the background.
func (d *Discord) MessageSaved(msg inbox.Message) {
	go d.send(msg)
}

func (d *Discord) send(msg inbox.Message) {
	_, err := d.exec.WebhookExecute(d.id, d.token, false, &discordgo.WebhookParams{
		Username: d.username,
		Embeds:   []*discordgo.MessageEmbed{buildEmbed(msg)},
	})
	if err != nil {
		slog.Warn("discord: failed to send contact notification", "err", err, "message_id", msg.ID)
	}
}

func buildEmbed(msg inbox.Message) *discordgo.MessageEmbed {
	sender := msg.SenderName
	if sender == "" {
		sender = "anonymous"
	}

	fields := []*discordgo.MessageEmbedField{
		{Name: "From", Value: sender, Inline: true},
	}
	if msg.SenderEmail != "" {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Email", Value: msg.SenderEmail, Inline: true})
	}
	fields = append(fields, &discordgo.MessageEmbedField{Name: "Message ID", Value: msg.ID, Inline: true})

	return &discordgo.MessageEmbed{
		Title:       "New contact message",
		Description: excerpt(msg.Body, bodyExcerptLen),
		Color:       embedColor,
		Fields:      fields,
		Timestamp:   msg.Timestamp.UTC().Format(time.RFC3339),
	}
}

func excerpt(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}

// parseWebhookURL splits a Discord webhook URL into its id and token.
func parseWebhookURL(raw string) (id, token string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("notify: parse webhook url: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, part := range parts {
		if part == "webhooks" && i+2 < len(parts) && parts[i+1] != "" && parts[i+2] != "" {
			return parts[i+1], parts[i+2], nil
		}
	}
	return "", "", fmt.Errorf("notify: not a webhook url: %q", raw)
}
