package discord

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/gatekit-chat/gatekit-server/internal/attachment"
	"github.com/gatekit-chat/gatekit-server/internal/message"
	"github.com/gatekit-chat/gatekit-server/internal/platform"
)

func TestValidateCredentials(t *testing.T) {
	p := NewProvider(nil, zerolog.Nop())
	if err := p.ValidateCredentials([]byte(`{"botToken":"abc"}`)); err != nil {
		t.Fatalf("valid credentials rejected: %v", err)
	}
	if err := p.ValidateCredentials([]byte(`{}`)); err == nil {
		t.Fatal("missing botToken should be rejected")
	}
	if err := p.ValidateCredentials([]byte(`nope`)); err == nil {
		t.Fatal("non-JSON should be rejected")
	}
}

func TestBuildMessageSend(t *testing.T) {
	in := platform.SendInput{
		Target: message.Target{Type: message.TargetChannel, ID: "C1"},
		Content: message.Content{
			Text:    "hello",
			Buttons: []message.Button{{Text: "Approve", Value: "approve"}},
			Embeds: []message.Embed{{
				Title:        "Deploy",
				Description:  "v1.2.3",
				Color:        "#5865F2",
				ImageURL:     "https://example.com/i.png",
				ThumbnailURL: "https://example.com/t.png",
			}},
		},
		Attachments: []attachment.Resolved{
			{Filename: "log.txt", MimeType: "text/plain", Kind: attachment.KindDocument, Bytes: []byte("x")},
		},
		Options: message.Options{ReplyTo: "M9", Silent: true},
	}

	send := buildMessageSend(in)
	if send.Content != "hello" {
		t.Errorf("content = %q", send.Content)
	}
	if len(send.Embeds) != 1 || send.Embeds[0].Color != 0x5865F2 {
		t.Errorf("embeds = %+v", send.Embeds)
	}
	if send.Embeds[0].Image == nil || send.Embeds[0].Thumbnail == nil {
		t.Error("embed image/thumbnail should be set")
	}
	if len(send.Components) != 1 {
		t.Fatalf("components = %d", len(send.Components))
	}
	row := send.Components[0].(discordgo.ActionsRow)
	if row.Components[0].(discordgo.Button).CustomID != "approve" {
		t.Errorf("button = %+v", row.Components[0])
	}
	if len(send.Files) != 1 || send.Files[0].Name != "log.txt" {
		t.Errorf("files = %+v", send.Files)
	}
	if send.Reference == nil || send.Reference.MessageID != "M9" {
		t.Errorf("reference = %+v", send.Reference)
	}
	if send.Flags != discordgo.MessageFlagsSuppressNotifications {
		t.Errorf("flags = %v", send.Flags)
	}
}

func TestParseColor(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"#ff0000", 0xff0000},
		{"0x00ff00", 0x00ff00},
		{"5865F2", 0x5865F2},
		{"", 0},
		{"notahex", 0},
	}
	for _, tt := range tests {
		if got := parseColor(tt.in); got != tt.want {
			t.Errorf("parseColor(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestClassify(t *testing.T) {
	restErr := func(status int) error {
		return &discordgo.RESTError{Response: &http.Response{StatusCode: status}}
	}
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"server error", restErr(502), true},
		{"rate limited", restErr(429), true},
		{"forbidden", restErr(403), false},
		{"not found", restErr(404), false},
		{"transport", errors.New("dial tcp: timeout"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := platform.IsRetryable(classify(tt.err)); got != tt.retryable {
				t.Fatalf("retryable = %v, want %v", got, tt.retryable)
			}
		})
	}
}

// recordingSink captures ingested events.
type recordingSink struct {
	mu     sync.Mutex
	events []message.InboundEvent
}

func (s *recordingSink) Ingest(_ context.Context, _ platform.Config, events []message.InboundEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

func newTestGateway(sink platform.InboundSink) (*gatewaySession, *atomic.Int32) {
	var state atomic.Int32
	g := newGatewaySession("tok", platform.Config{Platform: "discord"}, sink, &state, zerolog.Nop())
	return g, &state
}

func TestHandleDispatchReadySetsState(t *testing.T) {
	g, state := newTestGateway(nil)
	g.handleDispatch(context.Background(), "READY", json.RawMessage(`{}`))
	if platform.AdapterState(state.Load()) != platform.StateReady {
		t.Fatalf("state = %v, want ready", platform.AdapterState(state.Load()))
	}
}

func TestHandleDispatchMessageCreate(t *testing.T) {
	sink := &recordingSink{}
	g, _ := newTestGateway(sink)

	g.handleDispatch(context.Background(), "MESSAGE_CREATE", json.RawMessage(`{
		"id": "M1", "channel_id": "C1", "content": "hi there",
		"timestamp": "2026-01-02T03:04:05Z",
		"author": {"id": "U1", "username": "ada", "bot": false}
	}`))

	if len(sink.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(sink.events))
	}
	ev := sink.events[0]
	if ev.Type != message.InboundReceivedMessage || ev.ProviderMessageID != "M1" || ev.ChatID != "C1" {
		t.Fatalf("event = %+v", ev)
	}
	if ev.Text != "hi there" || ev.ProviderUserName != "ada" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestHandleDispatchReactions(t *testing.T) {
	sink := &recordingSink{}
	g, _ := newTestGateway(sink)

	payload := json.RawMessage(`{"user_id":"U1","channel_id":"C1","message_id":"M1","emoji":{"name":"👍"}}`)
	g.handleDispatch(context.Background(), "MESSAGE_REACTION_ADD", payload)
	g.handleDispatch(context.Background(), "MESSAGE_REACTION_REMOVE", payload)

	if len(sink.events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(sink.events))
	}
	if sink.events[0].Type != message.InboundReactionAdded || sink.events[1].Type != message.InboundReactionRemoved {
		t.Fatalf("events = %+v", sink.events)
	}
	if sink.events[0].Emoji != "👍" {
		t.Fatalf("emoji = %q", sink.events[0].Emoji)
	}
}

func TestHandleDispatchIgnoresUnknownAndMalformed(t *testing.T) {
	sink := &recordingSink{}
	g, _ := newTestGateway(sink)

	g.handleDispatch(context.Background(), "TYPING_START", json.RawMessage(`{}`))
	g.handleDispatch(context.Background(), "MESSAGE_CREATE", json.RawMessage(`not json`))
	if len(sink.events) != 0 {
		t.Fatalf("expected no events, got %d", len(sink.events))
	}
}

func TestSeqPayload(t *testing.T) {
	if string(seqPayload(0)) != "null" {
		t.Fatalf("zero seq should marshal to null, got %s", seqPayload(0))
	}
	if string(seqPayload(42)) != "42" {
		t.Fatalf("seq 42 = %s", seqPayload(42))
	}
}
