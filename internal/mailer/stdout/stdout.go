// Package stdout implements a Mailer that prints messages to standard
// output, for development and tests.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/relaysmith/account-relay/internal/email"
)

// Mailer prints messages in a human-readable format.
type Mailer struct {
	writer io.Writer
}

// New creates a Mailer writing to os.Stdout.
func New() *Mailer {
	return &Mailer{writer: os.Stdout}
}

// NewWithWriter creates a Mailer writing to w, useful for testing.
func NewWithWriter(w io.Writer) *Mailer {
	return &Mailer{writer: w}
}

// Send prints the message and always succeeds.
func (m *Mailer) Send(_ context.Context, msg *email.Email) error {
	var b strings.Builder

	b.WriteString("========================================\n")
	fmt.Fprintf(&b, "From: %s\n", msg.From)
	fmt.Fprintf(&b, "To: %s\n", strings.Join(msg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
	b.WriteString("Body:\n")

	body := msg.TextBody
	if body == "" {
		body = msg.HtmlBody
	}
	b.WriteString(body + "\n")

	if len(msg.Attachments) > 0 {
		names := make([]string, 0, len(msg.Attachments))
		for _, att := range msg.Attachments {
			names = append(names, fmt.Sprintf("%s (%d B)", att.Filename, len(att.Content)))
		}
		fmt.Fprintf(&b, "Attachments: %s\n", strings.Join(names, ", "))
	}

	b.WriteString("========================================\n")

	fmt.Fprint(m.writer, b.String())
	return nil
}

// Name returns the backend name.
func (m *Mailer) Name() string {
	return "stdout"
}
