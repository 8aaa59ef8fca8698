package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// Embed colours per event; anything else is grey.
var discordColours = map[string]int{
	EventKillSwitch:    0xE74C3C,
	EventSessionKilled: 0xE67E22,
	EventAuditFailure:  0xC0392B,
	EventOrderFilled:   0x2ECC71,
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordEmbed struct {
	Title     string         `json:"title"`
	Color     int            `json:"color"`
	Fields    []discordField `json:"fields,omitempty"`
	Timestamp string         `json:"timestamp"`
}

type discordPayload struct {
	Embeds []discordEmbed `json:"embeds"`
}

// DiscordSender posts alerts as webhook embeds.
type DiscordSender struct {
	webhookURL string
	client     *resty.Client
	now        func() time.Time
}

// NewDiscordSender creates a DiscordSender for the given webhook URL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		client:     resty.New().SetTimeout(10 * time.Second),
		now:        time.Now,
	}
}

func (d *DiscordSender) Send(ctx context.Context, a Alert) error {
	colour, ok := discordColours[a.Event]
	if !ok {
		colour = 0x95A5A6
	}
	embed := discordEmbed{Title: a.Title, Color: colour, Timestamp: d.now().UTC().Format(time.RFC3339)}
	for _, f := range a.Fields {
		embed.Fields = append(embed.Fields, discordField{Name: f.Key, Value: f.Value, Inline: true})
	}

	resp, err := d.client.R().
		SetContext(ctx).
		SetBody(discordPayload{Embeds: []discordEmbed{embed}}).
		Post(d.webhookURL)
	if err != nil {
		return fmt.Errorf("discord: post webhook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("discord: status %d: %s", resp.StatusCode(), truncate(resp.String(), 512))
	}
	return nil
}

func (d *DiscordSender) Name() string { return "discord" }
