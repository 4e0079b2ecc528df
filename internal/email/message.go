// Package email defines the parsed message model shared by the parser,
// the relay pipeline, and the outbound mailers.
package email

import (
	"errors"
	"fmt"
)

// ErrMalformed indicates a message missing one of the fields every relayed
// message must carry. Malformed messages are never forwarded or auto-accepted.
var ErrMalformed = errors.New("malformed message")

// Email represents a parsed email message.
type Email struct {
	From        string
	To          []string
	Cc          []string
	Subject     string
	TextBody    string
	HtmlBody    string
	Attachments []Attachment
	MessageID   string
}

// Attachment represents a file attached to an email message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Validate reports whether the message carries the four fields the relay
// requires: from, subject, text body, and HTML body. A message failing this
// check is a terminal failure for the recipient being processed.
func (e *Email) Validate() error {
	for _, f := range []struct {
		name, value string
	}{
		{"from", e.From},
		{"subject", e.Subject},
		{"text", e.TextBody},
		{"html", e.HtmlBody},
	} {
		if f.value == "" {
			return fmt.Errorf("%w: missing %s", ErrMalformed, f.name)
		}
	}
	return nil
}
