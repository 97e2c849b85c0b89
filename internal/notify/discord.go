package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// Embed side colours, as 0xRRGGBB.
const (
	colorOpen  = 0x3498DB
	colorTP    = 0x2ECC71
	colorSL    = 0xE74C3C
	colorClose = 0x95A5A6
)

// DiscordSender posts position events to a Discord webhook as embeds.
type DiscordSender struct {
	webhookURL string
	username   string
	client     *http.Client
}

// NewDiscordSender creates a DiscordSender for the given webhook URL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		username:   "perpbot",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

type discordPayload struct {
	Username string         `json:"username,omitempty"`
	Embeds   []discordEmbed `json:"embeds"`
}

type discordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Color       int            `json:"color"`
	Fields      []discordField `json:"fields,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

// Send posts a free-form notice as a plain embed.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	return d.post(ctx, discordEmbed{Title: title, Description: message, Color: colorClose})
}

// SendEvent renders evt as an embed coloured by its kind.
func (d *DiscordSender) SendEvent(ctx context.Context, evt domain.Event) error {
	return d.post(ctx, eventEmbed(evt))
}

// eventEmbed builds the embed for evt. Closing events carry PnL.
func eventEmbed(evt domain.Event) discordEmbed {
	title, _ := Format(evt)
	e := discordEmbed{Title: title, Color: eventColor(evt.Kind)}
	e.Fields = append(e.Fields,
		discordField{Name: "Side", Value: string(evt.Side), Inline: true},
		discordField{Name: "Price", Value: strconv.FormatFloat(evt.Price, 'f', -1, 64), Inline: true},
		discordField{Name: "Qty", Value: strconv.FormatFloat(evt.Qty, 'f', -1, 64), Inline: true},
	)
	if evt.Kind != domain.EventOpen {
		e.Fields = append(e.Fields, discordField{Name: "PnL", Value: strconv.FormatFloat(evt.PnL, 'f', 4, 64), Inline: true})
	}
	if evt.Reason != "" {
		e.Fields = append(e.Fields, discordField{Name: "Reason", Value: evt.Reason, Inline: true})
	}
	if !evt.At.IsZero() {
		e.Timestamp = evt.At.UTC().Format(time.RFC3339)
	}
	return e
}

func eventColor(kind domain.EventKind) int {
	switch kind {
	case domain.EventOpen:
		return colorOpen
	case domain.EventTP:
		return colorTP
	case domain.EventSL:
		return colorSL
	}
	return colorClose
}

func (d *DiscordSender) post(ctx context.Context, embed discordEmbed) error {
	body, err := json.Marshal(discordPayload{Username: d.username, Embeds: []discordEmbed{embed}})
	if err != nil {
		return fmt.Errorf("discord: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("discord: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("discord: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("discord: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// Name returns the sender identifier.
func (d *DiscordSender) Name() string {
	return "discord"
}
