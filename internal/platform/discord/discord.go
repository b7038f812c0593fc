// Package discord implements the Discord platform provider: REST delivery
// through the Bot API and a long-lived gateway websocket per adapter for
// inbound messages and reactions.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gatekit-chat/gatekit-server/internal/message"
	"github.com/gatekit-chat/gatekit-server/internal/platform"
)

// Credentials is the decrypted credential schema for a Discord config.
type Credentials struct {
	BotToken string `json:"botToken"`
}

// Provider is the Discord provider singleton. Inbound events flow from
// each adapter's gateway session into the shared sink.
type Provider struct {
	sink platform.InboundSink
	log  zerolog.Logger
}

// NewProvider creates the Discord provider. sink may be nil when inbound
// ingestion is not wired (send-only deployments, tests).
func NewProvider(sink platform.InboundSink, logger zerolog.Logger) *Provider {
	return &Provider{sink: sink, log: logger}
}

// Name returns the registry name.
func (p *Provider) Name() string { return "discord" }

// DisplayName returns the human-facing platform name.
func (p *Provider) DisplayName() string { return "Discord" }

// ConnectionType reports that the provider holds a websocket per adapter.
func (p *Provider) ConnectionType() platform.ConnectionType { return platform.ConnectionWebsocket }

// Initialize is a no-op: adapters are created on demand.
func (p *Provider) Initialize(_ context.Context) error { return nil }

// Shutdown is a no-op: live adapters are torn down by the registry.
func (p *Provider) Shutdown(_ context.Context) error { return nil }

// IsHealthy reports provider liveness.
func (p *Provider) IsHealthy() bool { return true }

// ValidateCredentials checks the credential blob shape without contacting
// Discord.
func (p *Provider) ValidateCredentials(credentials []byte) error {
	var c Credentials
	if err := json.Unmarshal(credentials, &c); err != nil {
		return fmt.Errorf("credentials must be a JSON object: %w", err)
	}
	if c.BotToken == "" {
		return errors.New("botToken is required")
	}
	return nil
}

// CreateAdapter builds an adapter for key and starts its gateway session.
// The REST client is usable immediately; the adapter reports Connecting
// until the gateway handshake completes.
func (p *Provider) CreateAdapter(_ context.Context, cfg platform.Config, credentials []byte) (platform.Adapter, error) {
	var c Credentials
	if err := json.Unmarshal(credentials, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", platform.ErrInvalidCredentials, err)
	}
	if c.BotToken == "" {
		return nil, fmt.Errorf("%w: botToken is required", platform.ErrInvalidCredentials)
	}

	rest, err := discordgo.New("Bot " + c.BotToken)
	if err != nil {
		return nil, platform.NewProviderError(false, fmt.Errorf("discord session: %w", err))
	}

	key := cfg.Key()
	logger := p.log.With().Str("adapter", string(key)).Logger()
	a := &Adapter{key: key, configID: cfg.ID, rest: rest, log: logger}
	a.state.Store(int32(platform.StateConnecting))

	gwCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.gw = newGatewaySession(c.BotToken, cfg, p.sink, &a.state, logger)
	go a.gw.Run(gwCtx)

	return a, nil
}

// Adapter is one live Discord binding: a REST client plus a gateway
// websocket session.
type Adapter struct {
	key      platform.ConnectionKey
	configID uuid.UUID
	rest     *discordgo.Session
	gw       *gatewaySession
	state    atomic.Int32
	cancel   context.CancelFunc
	log      zerolog.Logger
}

// Key returns the adapter's registry identity.
func (a *Adapter) Key() platform.ConnectionKey { return a.key }

// State returns the adapter lifecycle state.
func (a *Adapter) State() platform.AdapterState { return platform.AdapterState(a.state.Load()) }

// Shutdown stops the gateway session and marks the adapter terminated.
func (a *Adapter) Shutdown(_ context.Context) error {
	a.state.Store(int32(platform.StateShuttingDown))
	if a.cancel != nil {
		a.cancel()
	}
	if a.gw != nil {
		a.gw.Close()
	}
	a.state.Store(int32(platform.StateTerminated))
	return nil
}

// SendMessage delivers one message. User targets are resolved to a DM
// channel first; channel and group targets are sent to directly.
func (a *Adapter) SendMessage(ctx context.Context, in platform.SendInput) (platform.SendResult, error) {
	if a.State() == platform.StateTerminated {
		return platform.SendResult{}, platform.NewProviderError(false, errors.New("adapter is terminated"))
	}

	channelID := in.Target.ID
	if in.Target.Type == message.TargetUser {
		ch, err := a.rest.UserChannelCreate(in.Target.ID, discordgo.WithContext(ctx))
		if err != nil {
			return platform.SendResult{}, classify(err)
		}
		channelID = ch.ID
	}

	sent, err := a.rest.ChannelMessageSendComplex(channelID, buildMessageSend(in), discordgo.WithContext(ctx))
	if err != nil {
		return platform.SendResult{}, classify(err)
	}
	return platform.SendResult{ProviderMessageID: sent.ID}, nil
}

// SendReaction adds an emoji reaction to a delivered message.
func (a *Adapter) SendReaction(ctx context.Context, chatID, messageID, emoji string, _ bool) error {
	if err := a.rest.MessageReactionAdd(chatID, messageID, emoji, discordgo.WithContext(ctx)); err != nil {
		return classify(err)
	}
	return nil
}

// RemoveReaction removes the bot's own reaction from a message.
func (a *Adapter) RemoveReaction(ctx context.Context, chatID, messageID, emoji string, _ bool) error {
	if err := a.rest.MessageReactionRemove(chatID, messageID, emoji, "@me", discordgo.WithContext(ctx)); err != nil {
		return classify(err)
	}
	return nil
}

// buildMessageSend maps canonical content onto Discord's message shape.
func buildMessageSend(in platform.SendInput) *discordgo.MessageSend {
	send := &discordgo.MessageSend{Content: in.Content.Text}

	for _, e := range in.Content.Embeds {
		embed := &discordgo.MessageEmbed{
			Title:       e.Title,
			Description: e.Description,
			Color:       parseColor(e.Color),
		}
		if e.ImageURL != "" {
			embed.Image = &discordgo.MessageEmbedImage{URL: e.ImageURL}
		}
		if e.ThumbnailURL != "" {
			embed.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: e.ThumbnailURL}
		}
		send.Embeds = append(send.Embeds, embed)
	}

	if len(in.Content.Buttons) > 0 {
		row := discordgo.ActionsRow{}
		for _, b := range in.Content.Buttons {
			row.Components = append(row.Components, discordgo.Button{
				Label:    b.Text,
				Style:    discordgo.PrimaryButton,
				CustomID: b.Value,
			})
		}
		send.Components = []discordgo.MessageComponent{row}
	}

	for _, att := range in.Attachments {
		send.Files = append(send.Files, &discordgo.File{
			Name:        att.Filename,
			ContentType: att.MimeType,
			Reader:      bytes.NewReader(att.Bytes),
		})
	}

	if in.Options.ReplyTo != "" {
		send.Reference = &discordgo.MessageReference{MessageID: in.Options.ReplyTo}
	}
	if in.Options.Silent {
		send.Flags = discordgo.MessageFlagsSuppressNotifications
	}
	return send
}

// parseColor converts "#RRGGBB" (or bare hex) into Discord's integer
// color. Unparseable input yields zero, Discord's "no color".
func parseColor(c string) int {
	c = strings.TrimPrefix(strings.TrimPrefix(c, "#"), "0x")
	if c == "" {
		return 0
	}
	n, err := strconv.ParseInt(c, 16, 32)
	if err != nil {
		return 0
	}
	return int(n)
}

// classify wraps a Discord REST error with retryability: rate limits and
// server errors retry, other API rejections are permanent.
func classify(err error) error {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		code := restErr.Response.StatusCode
		retryable := code == http.StatusTooManyRequests || code >= 500
		return platform.NewProviderError(retryable, err)
	}
	var rateErr *discordgo.RateLimitError
	if errors.As(err, &rateErr) {
		return platform.NewProviderError(true, err)
	}
	// Transport-level failure: worth retrying.
	return platform.NewProviderError(true, err)
}

// Ensure the optional capabilities are wired.
var (
	_ platform.Reactor = (*Adapter)(nil)
)
