// Package whatsapp implements the WhatsApp platform provider against an
// Evolution API gateway instance: outbound sends and reactions are plain
// HTTP calls, inbound delivery arrives via the instance's webhook.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gatekit-chat/gatekit-server/internal/message"
	"github.com/gatekit-chat/gatekit-server/internal/platform"
)

const requestTimeout = 30 * time.Second

// Credentials is the decrypted credential schema for a WhatsApp config.
type Credentials struct {
	BaseURL      string `json:"baseUrl"`
	APIKey       string `json:"apiKey"`
	InstanceName string `json:"instanceName"`
}

// Provider is the WhatsApp provider singleton.
type Provider struct {
	client *http.Client
	log    zerolog.Logger
}

// NewProvider creates the WhatsApp provider.
func NewProvider(logger zerolog.Logger) *Provider {
	return &Provider{
		client: &http.Client{Timeout: requestTimeout},
		log:    logger,
	}
}

// Name returns the registry name.
func (p *Provider) Name() string { return "whatsapp-evo" }

// DisplayName returns the human-facing platform name.
func (p *Provider) DisplayName() string { return "WhatsApp (Evolution)" }

// ConnectionType reports that the provider talks plain HTTP both ways.
func (p *Provider) ConnectionType() platform.ConnectionType { return platform.ConnectionHTTP }

// Initialize is a no-op: adapters are created on demand.
func (p *Provider) Initialize(_ context.Context) error { return nil }

// Shutdown is a no-op: live adapters are torn down by the registry.
func (p *Provider) Shutdown(_ context.Context) error { return nil }

// IsHealthy reports provider liveness.
func (p *Provider) IsHealthy() bool { return true }

// ValidateCredentials checks the credential blob shape without contacting
// the Evolution instance.
func (p *Provider) ValidateCredentials(credentials []byte) error {
	c, err := parseCredentials(credentials)
	if err != nil {
		return err
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("baseUrl must be an absolute http(s) URL")
	}
	return nil
}

// CreateAdapter builds a live adapter for cfg. No connection is held; the
// Evolution instance is contacted per request.
func (p *Provider) CreateAdapter(_ context.Context, cfg platform.Config, credentials []byte) (platform.Adapter, error) {
	c, err := parseCredentials(credentials)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", platform.ErrInvalidCredentials, err)
	}
	key := cfg.Key()
	a := &Adapter{
		key:      key,
		configID: cfg.ID,
		creds:    *c,
		client:   p.client,
		log:      p.log.With().Str("adapter", string(key)).Logger(),
	}
	a.state.Store(int32(platform.StateReady))
	return a, nil
}

// OnPlatformEvent logs the instance out of its WhatsApp session when the
// config is deleted, using the decrypted credentials carried by the event.
func (p *Provider) OnPlatformEvent(ctx context.Context, ev platform.Event) error {
	if ev.Type != platform.EventDeleted || len(ev.Credentials) == 0 {
		return nil
	}
	c, err := parseCredentials(ev.Credentials)
	if err != nil {
		return err
	}
	_, err = doJSON(ctx, p.client, http.MethodDelete,
		fmt.Sprintf("%s/instance/logout/%s", strings.TrimSuffix(c.BaseURL, "/"), c.InstanceName),
		c.APIKey, nil)
	if err != nil {
		return fmt.Errorf("instance logout: %w", err)
	}
	p.log.Info().Str("config_id", ev.Config.ID.String()).Msg("WhatsApp instance logged out")
	return nil
}

// RegisterWebhook points the Evolution instance's webhook at webhookURL.
// The instance keeps a single webhook, so re-registering is idempotent.
func (p *Provider) RegisterWebhook(ctx context.Context, _ platform.Config, credentials []byte, webhookURL string) (map[string]any, error) {
	c, err := parseCredentials(credentials)
	if err != nil {
		return nil, err
	}
	body := map[string]any{
		"webhook": map[string]any{
			"url":     webhookURL,
			"enabled": true,
			"events":  []string{"MESSAGES_UPSERT"},
		},
	}
	resp, err := doJSON(ctx, p.client, http.MethodPost,
		fmt.Sprintf("%s/webhook/set/%s", strings.TrimSuffix(c.BaseURL, "/"), c.InstanceName),
		c.APIKey, body)
	if err != nil {
		return nil, err
	}
	var info map[string]any
	if err := json.Unmarshal(resp, &info); err != nil {
		info = map[string]any{"raw": string(resp)}
	}
	return info, nil
}

// inboundEnvelope is the Evolution webhook payload shape the gateway cares
// about.
type inboundEnvelope struct {
	Event string `json:"event"`
	Data  struct {
		Key struct {
			ID        string `json:"id"`
			RemoteJid string `json:"remoteJid"`
			FromMe    bool   `json:"fromMe"`
		} `json:"key"`
		PushName string `json:"pushName"`
		Message  struct {
			Conversation    string `json:"conversation"`
			ReactionMessage *struct {
				Key struct {
					ID string `json:"id"`
				} `json:"key"`
				Text string `json:"text"`
			} `json:"reactionMessage"`
		} `json:"message"`
		MessageTimestamp int64 `json:"messageTimestamp"`
	} `json:"data"`
}

// ParseInbound converts an Evolution webhook envelope into canonical
// events. A reaction payload with empty text means the reaction was
// withdrawn.
func (p *Provider) ParseInbound(_ context.Context, _ platform.Config, _ string, body []byte, _ http.Header) ([]message.InboundEvent, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode evolution payload: %w", err)
	}
	if !strings.EqualFold(env.Event, "messages.upsert") {
		return nil, nil
	}

	ts := time.Unix(env.Data.MessageTimestamp, 0)
	userID := strings.TrimSuffix(env.Data.Key.RemoteJid, "@s.whatsapp.net")

	if r := env.Data.Message.ReactionMessage; r != nil {
		typ := message.InboundReactionAdded
		if r.Text == "" {
			typ = message.InboundReactionRemoved
		}
		return []message.InboundEvent{{
			Type:              typ,
			ProviderMessageID: r.Key.ID,
			ProviderUserID:    userID,
			ProviderUserName:  env.Data.PushName,
			ChatID:            env.Data.Key.RemoteJid,
			Emoji:             r.Text,
			ReactionType:      "emoji",
			FromMe:            env.Data.Key.FromMe,
			Timestamp:         ts,
			Raw:               json.RawMessage(body),
		}}, nil
	}

	if env.Data.Key.ID == "" {
		return nil, nil
	}
	return []message.InboundEvent{{
		Type:              message.InboundReceivedMessage,
		ProviderMessageID: env.Data.Key.ID,
		ProviderUserID:    userID,
		ProviderUserName:  env.Data.PushName,
		ChatID:            env.Data.Key.RemoteJid,
		Text:              env.Data.Message.Conversation,
		FromMe:            env.Data.Key.FromMe,
		Timestamp:         ts,
		Raw:               json.RawMessage(body),
	}}, nil
}

// Adapter is one live Evolution instance binding.
type Adapter struct {
	key      platform.ConnectionKey
	configID uuid.UUID
	creds    Credentials
	client   *http.Client
	state    atomic.Int32
	log      zerolog.Logger
}

// Key returns the adapter's registry identity.
func (a *Adapter) Key() platform.ConnectionKey { return a.key }

// State returns the adapter lifecycle state.
func (a *Adapter) State() platform.AdapterState { return platform.AdapterState(a.state.Load()) }

// Shutdown marks the adapter terminated.
func (a *Adapter) Shutdown(_ context.Context) error {
	a.state.Store(int32(platform.StateTerminated))
	return nil
}

// sendKeyResponse is the Evolution response carrying the delivered
// message's key.
type sendKeyResponse struct {
	Key struct {
		ID string `json:"id"`
	} `json:"key"`
}

// SendMessage delivers one message to one chat: text (with embeds folded
// in) via sendText, each attachment via sendMedia. The id of the first
// delivered piece becomes the provider message id.
func (a *Adapter) SendMessage(ctx context.Context, in platform.SendInput) (platform.SendResult, error) {
	if a.State() == platform.StateTerminated {
		return platform.SendResult{}, platform.NewProviderError(false, errors.New("adapter is terminated"))
	}

	var providerMessageID string

	if text := renderText(in.Content); text != "" {
		body := map[string]any{
			"number": in.Target.ID,
			"text":   text,
		}
		if in.Options.ReplyTo != "" {
			body["quoted"] = map[string]any{"key": map[string]any{"id": in.Options.ReplyTo}}
		}
		resp, err := a.do(ctx, "/message/sendText/", body)
		if err != nil {
			return platform.SendResult{}, err
		}
		providerMessageID = keyID(resp)
	}

	for _, att := range in.Attachments {
		body := map[string]any{
			"number":    in.Target.ID,
			"mediatype": string(att.Kind),
			"mimetype":  att.MimeType,
			"media":     base64.StdEncoding.EncodeToString(att.Bytes),
			"fileName":  att.Filename,
			"caption":   att.Caption,
		}
		resp, err := a.do(ctx, "/message/sendMedia/", body)
		if err != nil {
			return platform.SendResult{}, err
		}
		if providerMessageID == "" {
			providerMessageID = keyID(resp)
		}
	}

	if providerMessageID == "" {
		return platform.SendResult{}, platform.NewProviderError(false, errors.New("nothing to send"))
	}
	return platform.SendResult{ProviderMessageID: providerMessageID}, nil
}

// SendReaction attaches an emoji reaction to a delivered message.
func (a *Adapter) SendReaction(ctx context.Context, chatID, messageID, emoji string, fromMe bool) error {
	_, err := a.do(ctx, "/message/sendReaction/", reactionBody(chatID, messageID, emoji, fromMe))
	return err
}

// RemoveReaction withdraws a reaction; Evolution models withdrawal as
// reacting with an empty string.
func (a *Adapter) RemoveReaction(ctx context.Context, chatID, messageID, _ string, fromMe bool) error {
	_, err := a.do(ctx, "/message/sendReaction/", reactionBody(chatID, messageID, "", fromMe))
	return err
}

func reactionBody(chatID, messageID, emoji string, fromMe bool) map[string]any {
	return map[string]any{
		"reactionMessage": map[string]any{
			"key": map[string]any{
				"remoteJid": chatID,
				"fromMe":    fromMe,
				"id":        messageID,
			},
			"reaction": emoji,
		},
	}
}

func (a *Adapter) do(ctx context.Context, pathPrefix string, body map[string]any) ([]byte, error) {
	return doJSON(ctx, a.client, http.MethodPost,
		strings.TrimSuffix(a.creds.BaseURL, "/")+pathPrefix+a.creds.InstanceName,
		a.creds.APIKey, body)
}

// doJSON performs one JSON request against an Evolution instance and
// classifies failures by status code.
func doJSON(ctx context.Context, client *http.Client, method, rawURL, apiKey string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", apiKey)

	resp, err := client.Do(req)
	if err != nil {
		return nil, platform.NewProviderError(true, fmt.Errorf("evolution request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, platform.NewProviderError(true, fmt.Errorf("read evolution response: %w", err))
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return respBody, nil
	}
	retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
	return nil, platform.NewProviderError(retryable,
		fmt.Errorf("evolution returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))))
}

func keyID(resp []byte) string {
	var parsed sendKeyResponse
	if err := json.Unmarshal(resp, &parsed); err != nil {
		return ""
	}
	return parsed.Key.ID
}

// renderText folds embeds into plain text, since WhatsApp has no embed
// construct.
func renderText(c message.Content) string {
	parts := make([]string, 0, 1+len(c.Embeds))
	if c.Text != "" {
		parts = append(parts, c.Text)
	}
	for _, e := range c.Embeds {
		switch {
		case e.Title != "" && e.Description != "":
			parts = append(parts, "*"+e.Title+"*\n"+e.Description)
		case e.Title != "":
			parts = append(parts, "*"+e.Title+"*")
		case e.Description != "":
			parts = append(parts, e.Description)
		}
	}
	text := strings.Join(parts, "\n\n")
	for _, b := range c.Buttons {
		text += "\n• " + b.Text
	}
	return text
}

func parseCredentials(credentials []byte) (*Credentials, error) {
	var c Credentials
	if err := json.Unmarshal(credentials, &c); err != nil {
		return nil, fmt.Errorf("credentials must be a JSON object: %w", err)
	}
	switch {
	case c.BaseURL == "":
		return nil, errors.New("baseUrl is required")
	case c.APIKey == "":
		return nil, errors.New("apiKey is required")
	case c.InstanceName == "":
		return nil, errors.New("instanceName is required")
	}
	return &c, nil
}

// Ensure the optional capabilities are wired.
var (
	_ platform.Reactor          = (*Adapter)(nil)
	_ platform.EventHandler     = (*Provider)(nil)
	_ platform.WebhookRegistrar = (*Provider)(nil)
	_ platform.InboundParser    = (*Provider)(nil)
)
