package sanitize

import (
	"testing"

	"github.com/gatekit-chat/gatekit-server/internal/message"
)

func TestTextStripsMarkup(t *testing.T) {
	s := New()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain text untouched", "hello world", "hello world"},
		{"script removed", `before<script>alert("x")</script>after`, "beforeafter"},
		{"tags stripped, text kept", "<b>bold</b> and <i>italic</i>", "bold and italic"},
		{"link text kept", `<a href="https://evil.example">click</a>`, "click"},
		{"ampersand preserved", "fish & chips", "fish & chips"},
		{"angle comparison preserved", "1 < 2", "1 < 2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.Text(tt.in); got != tt.want {
				t.Fatalf("Text(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestContentSanitizesAllTextFields(t *testing.T) {
	s := New()
	c := message.Content{
		Text:        "<b>hi</b>",
		Attachments: []message.Attachment{{URL: "https://example.com/a.png", Caption: "<i>cap</i>"}},
		Buttons:     []message.Button{{Text: "<u>ok</u>", Value: "ok"}},
		Embeds:      []message.Embed{{Title: "<script>x</script>t", Description: "<p>d</p>"}},
	}

	got := s.Content(c)
	if got.Text != "hi" {
		t.Errorf("text = %q", got.Text)
	}
	if got.Attachments[0].Caption != "cap" {
		t.Errorf("caption = %q", got.Attachments[0].Caption)
	}
	if got.Attachments[0].URL != "https://example.com/a.png" {
		t.Errorf("url should be untouched, got %q", got.Attachments[0].URL)
	}
	if got.Buttons[0].Text != "ok" {
		t.Errorf("button text = %q", got.Buttons[0].Text)
	}
	if got.Embeds[0].Title != "t" || got.Embeds[0].Description != "d" {
		t.Errorf("embed = %q / %q", got.Embeds[0].Title, got.Embeds[0].Description)
	}
}
