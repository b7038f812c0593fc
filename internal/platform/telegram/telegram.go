// Package telegram implements the Telegram platform provider. Outbound
// delivery uses the Bot API; inbound delivery arrives via webhook, which
// the provider registers externally with setWebhook.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gatekit-chat/gatekit-server/internal/attachment"
	"github.com/gatekit-chat/gatekit-server/internal/message"
	"github.com/gatekit-chat/gatekit-server/internal/platform"
)

// Credentials is the decrypted credential schema for a Telegram config.
type Credentials struct {
	BotToken string `json:"botToken"`
}

// Provider is the Telegram provider singleton.
type Provider struct {
	log zerolog.Logger
}

// NewProvider creates the Telegram provider.
func NewProvider(logger zerolog.Logger) *Provider {
	return &Provider{log: logger}
}

// Name returns the registry name.
func (p *Provider) Name() string { return "telegram" }

// DisplayName returns the human-facing platform name.
func (p *Provider) DisplayName() string { return "Telegram" }

// ConnectionType reports that inbound delivery arrives over webhooks.
func (p *Provider) ConnectionType() platform.ConnectionType { return platform.ConnectionWebhook }

// Initialize is a no-op: adapters are created on demand.
func (p *Provider) Initialize(_ context.Context) error { return nil }

// Shutdown is a no-op: live adapters are torn down by the registry.
func (p *Provider) Shutdown(_ context.Context) error { return nil }

// IsHealthy reports provider liveness. The Bot API is stateless per
// adapter, so the provider itself is always healthy.
func (p *Provider) IsHealthy() bool { return true }

// ValidateCredentials checks the credential blob shape without contacting
// Telegram.
func (p *Provider) ValidateCredentials(credentials []byte) error {
	var c Credentials
	if err := json.Unmarshal(credentials, &c); err != nil {
		return fmt.Errorf("credentials must be a JSON object: %w", err)
	}
	if c.BotToken == "" {
		return errors.New("botToken is required")
	}
	if !strings.Contains(c.BotToken, ":") {
		return errors.New("botToken must look like <bot id>:<secret>")
	}
	return nil
}

// CreateAdapter connects a bot client for cfg. The Bot API client performs
// a getMe call, so a bad token fails here rather than on first send.
func (p *Provider) CreateAdapter(_ context.Context, cfg platform.Config, credentials []byte) (platform.Adapter, error) {
	var c Credentials
	if err := json.Unmarshal(credentials, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", platform.ErrInvalidCredentials, err)
	}

	bot, err := tgbotapi.NewBotAPI(c.BotToken)
	if err != nil {
		return nil, platform.NewProviderError(false, fmt.Errorf("telegram getMe: %w", err))
	}

	key := cfg.Key()
	a := &Adapter{key: key, configID: cfg.ID, bot: bot, log: p.log.With().Str("adapter", string(key)).Logger()}
	a.state.Store(int32(platform.StateReady))
	return a, nil
}

// OnPlatformEvent cleans up the remote webhook registration when a config
// is deleted, using the decrypted credentials carried by the event. Other
// transitions need no remote action.
func (p *Provider) OnPlatformEvent(ctx context.Context, ev platform.Event) error {
	if ev.Type != platform.EventDeleted || len(ev.Credentials) == 0 {
		return nil
	}
	var c Credentials
	if err := json.Unmarshal(ev.Credentials, &c); err != nil {
		return fmt.Errorf("decode credentials: %w", err)
	}
	bot, err := tgbotapi.NewBotAPI(c.BotToken)
	if err != nil {
		return fmt.Errorf("telegram getMe: %w", err)
	}
	if _, err := bot.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	p.log.Info().Str("config_id", ev.Config.ID.String()).Msg("Telegram webhook deregistered")
	return nil
}

// RegisterWebhook points the bot's webhook at webhookURL. Telegram replaces
// any prior registration, so the call is idempotent.
func (p *Provider) RegisterWebhook(_ context.Context, _ platform.Config, credentials []byte, webhookURL string) (map[string]any, error) {
	var c Credentials
	if err := json.Unmarshal(credentials, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", platform.ErrInvalidCredentials, err)
	}
	bot, err := tgbotapi.NewBotAPI(c.BotToken)
	if err != nil {
		return nil, platform.NewProviderError(false, fmt.Errorf("telegram getMe: %w", err))
	}

	wh, err := tgbotapi.NewWebhook(webhookURL)
	if err != nil {
		return nil, fmt.Errorf("build webhook config: %w", err)
	}
	if _, err := bot.Request(wh); err != nil {
		return nil, classify(err)
	}

	info, err := bot.GetWebhookInfo()
	if err != nil {
		return nil, classify(err)
	}
	return map[string]any{
		"url":                  info.URL,
		"pendingUpdateCount":   info.PendingUpdateCount,
		"lastErrorMessage":     info.LastErrorMessage,
		"hasCustomCertificate": info.HasCustomCertificate,
	}, nil
}

// ParseInbound converts a Telegram update envelope into canonical events.
// Updates without a message (edits, channel posts, callbacks) yield zero
// events; every update with a message, service messages included, yields
// one received_message event.
func (p *Provider) ParseInbound(_ context.Context, _ platform.Config, _ string, body []byte, _ http.Header) ([]message.InboundEvent, error) {
	var update tgbotapi.Update
	if err := json.Unmarshal(body, &update); err != nil {
		return nil, fmt.Errorf("decode telegram update: %w", err)
	}
	if update.Message == nil {
		return nil, nil
	}

	msg := update.Message
	ev := message.InboundEvent{
		Type:              message.InboundReceivedMessage,
		ProviderMessageID: strconv.Itoa(msg.MessageID),
		ChatID:            strconv.FormatInt(msg.Chat.ID, 10),
		Text:              msg.Text,
		Timestamp:         time.Unix(int64(msg.Date), 0),
		Raw:               json.RawMessage(body),
	}
	if msg.From != nil {
		ev.ProviderUserID = strconv.FormatInt(msg.From.ID, 10)
		ev.ProviderUserName = msg.From.UserName
	}
	if ev.Text == "" {
		ev.Text = msg.Caption
	}
	return []message.InboundEvent{ev}, nil
}

// Adapter is one live Telegram bot client.
type Adapter struct {
	key      platform.ConnectionKey
	configID uuid.UUID
	bot      *tgbotapi.BotAPI
	state    atomic.Int32
	log      zerolog.Logger
}

// Key returns the adapter's registry identity.
func (a *Adapter) Key() platform.ConnectionKey { return a.key }

// State returns the adapter lifecycle state.
func (a *Adapter) State() platform.AdapterState { return platform.AdapterState(a.state.Load()) }

// Shutdown marks the adapter terminated. The Bot API client holds no
// persistent connection.
func (a *Adapter) Shutdown(_ context.Context) error {
	a.state.Store(int32(platform.StateTerminated))
	return nil
}

// SendMessage delivers one message to one chat. Text (with buttons) is sent
// first, then each attachment; the id of the first delivered piece becomes
// the provider message id.
func (a *Adapter) SendMessage(_ context.Context, in platform.SendInput) (platform.SendResult, error) {
	if a.State() == platform.StateTerminated {
		return platform.SendResult{}, platform.NewProviderError(false, errors.New("adapter is terminated"))
	}

	chat, err := parseChat(in.Target.ID)
	if err != nil {
		return platform.SendResult{}, platform.NewProviderError(false, err)
	}

	var providerMessageID string

	if text := renderText(in.Content); text != "" {
		msg := tgbotapi.NewMessage(chat.id, text)
		msg.ChannelUsername = chat.username
		msg.DisableNotification = in.Options.Silent
		if in.Options.ReplyTo != "" {
			if replyID, err := strconv.Atoi(in.Options.ReplyTo); err == nil {
				msg.ReplyToMessageID = replyID
			}
		}
		if markup, ok := buttonMarkup(in.Content.Buttons); ok {
			msg.ReplyMarkup = markup
		}

		sent, err := a.bot.Send(msg)
		if err != nil {
			return platform.SendResult{}, classify(err)
		}
		providerMessageID = strconv.Itoa(sent.MessageID)
	}

	for _, att := range in.Attachments {
		sent, err := a.bot.Send(mediaFor(chat, att, in.Options.Silent))
		if err != nil {
			return platform.SendResult{}, classify(err)
		}
		if providerMessageID == "" {
			providerMessageID = strconv.Itoa(sent.MessageID)
		}
	}

	if providerMessageID == "" {
		return platform.SendResult{}, platform.NewProviderError(false, errors.New("nothing to send"))
	}
	return platform.SendResult{ProviderMessageID: providerMessageID}, nil
}

// chatRef is a parsed Telegram chat reference: a numeric chat id or a
// public @username.
type chatRef struct {
	id       int64
	username string
}

func parseChat(raw string) (chatRef, error) {
	if strings.HasPrefix(raw, "@") {
		return chatRef{username: raw}, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return chatRef{}, fmt.Errorf("chat id %q is neither numeric nor @username", raw)
	}
	return chatRef{id: id}, nil
}

// renderText folds embeds into plain text, since Telegram has no embed
// construct.
func renderText(c message.Content) string {
	parts := make([]string, 0, 1+len(c.Embeds))
	if c.Text != "" {
		parts = append(parts, c.Text)
	}
	for _, e := range c.Embeds {
		switch {
		case e.Title != "" && e.Description != "":
			parts = append(parts, e.Title+"\n"+e.Description)
		case e.Title != "":
			parts = append(parts, e.Title)
		case e.Description != "":
			parts = append(parts, e.Description)
		}
	}
	return strings.Join(parts, "\n\n")
}

func buttonMarkup(buttons []message.Button) (tgbotapi.InlineKeyboardMarkup, bool) {
	if len(buttons) == 0 {
		return tgbotapi.InlineKeyboardMarkup{}, false
	}
	row := make([]tgbotapi.InlineKeyboardButton, 0, len(buttons))
	for _, b := range buttons {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Value))
	}
	return tgbotapi.NewInlineKeyboardMarkup(row), true
}

// mediaFor picks the Bot API method matching the attachment's kind.
func mediaFor(chat chatRef, att attachment.Resolved, silent bool) tgbotapi.Chattable {
	file := tgbotapi.FileBytes{Name: att.Filename, Bytes: att.Bytes}

	switch att.Kind {
	case attachment.KindImage:
		m := tgbotapi.NewPhoto(chat.id, file)
		m.ChannelUsername = chat.username
		m.Caption = att.Caption
		m.DisableNotification = silent
		return m
	case attachment.KindVideo:
		m := tgbotapi.NewVideo(chat.id, file)
		m.ChannelUsername = chat.username
		m.Caption = att.Caption
		m.DisableNotification = silent
		return m
	case attachment.KindAudio:
		m := tgbotapi.NewAudio(chat.id, file)
		m.ChannelUsername = chat.username
		m.Caption = att.Caption
		m.DisableNotification = silent
		return m
	default:
		m := tgbotapi.NewDocument(chat.id, file)
		m.ChannelUsername = chat.username
		m.Caption = att.Caption
		m.DisableNotification = silent
		return m
	}
}

// classify wraps a Bot API error with retryability: rate limits and server
// errors retry, everything else is permanent.
func classify(err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		retryable := apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500
		return platform.NewProviderError(retryable, err)
	}
	// Transport-level failure: worth retrying.
	return platform.NewProviderError(true, err)
}
