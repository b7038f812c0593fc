package telegram

import (
	"context"
	"errors"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/gatekit-chat/gatekit-server/internal/message"
	"github.com/gatekit-chat/gatekit-server/internal/platform"
)

func TestValidateCredentials(t *testing.T) {
	p := NewProvider(zerolog.Nop())
	tests := []struct {
		name    string
		creds   string
		wantErr bool
	}{
		{"valid", `{"botToken":"123456:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw"}`, false},
		{"missing token", `{}`, true},
		{"malformed token", `{"botToken":"no-colon"}`, true},
		{"not json", `"hi"`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.ValidateCredentials([]byte(tt.creds))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateCredentials = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseInboundMessage(t *testing.T) {
	p := NewProvider(zerolog.Nop())
	body := []byte(`{
		"update_id": 10000,
		"message": {
			"message_id": 1365,
			"from": {"id": 1111, "is_bot": false, "first_name": "Ada", "username": "ada"},
			"chat": {"id": -100123456, "type": "supergroup", "title": "ops"},
			"date": 1441645532,
			"text": "hello gateway"
		}
	}`)

	events, err := p.ParseInbound(context.Background(), platform.Config{}, "", body, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.Type != message.InboundReceivedMessage {
		t.Errorf("type = %q", ev.Type)
	}
	if ev.ProviderMessageID != "1365" || ev.ChatID != "-100123456" || ev.ProviderUserID != "1111" {
		t.Errorf("ids = %q/%q/%q", ev.ProviderMessageID, ev.ChatID, ev.ProviderUserID)
	}
	if ev.Text != "hello gateway" || ev.ProviderUserName != "ada" {
		t.Errorf("text/user = %q/%q", ev.Text, ev.ProviderUserName)
	}
}

func TestParseInboundIgnoresNonMessageUpdates(t *testing.T) {
	p := NewProvider(zerolog.Nop())
	events, err := p.ParseInbound(context.Background(), platform.Config{}, "", []byte(`{"update_id": 1}`), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events, got %d", len(events))
	}
}

func TestParseInboundRejectsGarbage(t *testing.T) {
	p := NewProvider(zerolog.Nop())
	if _, err := p.ParseInbound(context.Background(), platform.Config{}, "", []byte("not json"), nil); err == nil {
		t.Fatal("expected a parse error")
	}
}

func TestParseChat(t *testing.T) {
	if c, err := parseChat("-1001234"); err != nil || c.id != -1001234 || c.username != "" {
		t.Fatalf("numeric chat: %+v, %v", c, err)
	}
	if c, err := parseChat("@mychannel"); err != nil || c.username != "@mychannel" {
		t.Fatalf("username chat: %+v, %v", c, err)
	}
	if _, err := parseChat("bogus"); err == nil {
		t.Fatal("expected error for non-numeric, non-@ chat id")
	}
}

func TestRenderTextFoldsEmbeds(t *testing.T) {
	c := message.Content{
		Text: "intro",
		Embeds: []message.Embed{
			{Title: "Status", Description: "all good"},
			{Description: "footer"},
		},
	}
	got := renderText(c)
	want := "intro\n\nStatus\nall good\n\nfooter"
	if got != want {
		t.Fatalf("renderText = %q, want %q", got, want)
	}
}

func TestButtonMarkup(t *testing.T) {
	if _, ok := buttonMarkup(nil); ok {
		t.Fatal("no buttons should yield no markup")
	}
	markup, ok := buttonMarkup([]message.Button{{Text: "Yes", Value: "yes"}, {Text: "No", Value: "no"}})
	if !ok {
		t.Fatal("expected markup")
	}
	if len(markup.InlineKeyboard) != 1 || len(markup.InlineKeyboard[0]) != 2 {
		t.Fatalf("unexpected keyboard shape: %+v", markup.InlineKeyboard)
	}
	if *markup.InlineKeyboard[0][0].CallbackData != "yes" {
		t.Fatalf("callback data = %v", markup.InlineKeyboard[0][0].CallbackData)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"rate limited", &tgbotapi.Error{Code: 429, Message: "Too Many Requests"}, true},
		{"server error", &tgbotapi.Error{Code: 502, Message: "Bad Gateway"}, true},
		{"bad request", &tgbotapi.Error{Code: 400, Message: "chat not found"}, false},
		{"unauthorized", &tgbotapi.Error{Code: 401, Message: "Unauthorized"}, false},
		{"transport", errors.New("connection reset"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := platform.IsRetryable(classify(tt.err)); got != tt.retryable {
				t.Fatalf("retryable = %v, want %v", got, tt.retryable)
			}
		})
	}
}
