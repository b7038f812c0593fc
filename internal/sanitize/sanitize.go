// Package sanitize strips HTML from tenant-supplied message text before it
// is handed to platform adapters or stored, so a malicious sender cannot
// smuggle markup into a dashboard that later renders delivered history.
package sanitize

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/gatekit-chat/gatekit-server/internal/message"
)

// Sanitizer applies a strict no-markup policy to outbound message content.
type Sanitizer struct {
	policy *bluemonday.Policy
}

// New creates a Sanitizer with a strict policy: all tags removed, text
// content kept.
func New() *Sanitizer {
	return &Sanitizer{policy: bluemonday.StrictPolicy()}
}

// Text strips markup from one string. bluemonday entity-escapes the
// surviving text for HTML embedding; chat platforms want the literal
// characters, so the escaping is reversed after stripping.
func (s *Sanitizer) Text(in string) string {
	if in == "" || !strings.ContainsAny(in, "<>&") {
		return in
	}
	return html.UnescapeString(s.policy.Sanitize(in))
}

// Content returns c with text, captions, button labels, and embed text
// fields stripped of markup. Attachment, button and embed elements are
// rewritten in place, so the caller's slices see the same changes. URLs are
// left untouched; they are validated elsewhere.
func (s *Sanitizer) Content(c message.Content) message.Content {
	c.Text = s.Text(c.Text)
	for i := range c.Attachments {
		c.Attachments[i].Caption = s.Text(c.Attachments[i].Caption)
	}
	for i := range c.Buttons {
		c.Buttons[i].Text = s.Text(c.Buttons[i].Text)
	}
	for i := range c.Embeds {
		c.Embeds[i].Title = s.Text(c.Embeds[i].Title)
		c.Embeds[i].Description = s.Text(c.Embeds[i].Description)
	}
	return c
}
