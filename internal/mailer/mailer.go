// Package mailer defines the interface for outbound email delivery backends.
package mailer

import (
	"context"

	"github.com/relaysmith/account-relay/internal/email"
)

// Mailer is the interface that delivery backends implement. A failed Send is
// a delivery failure for the recipient being processed; the relay does not
// retry sends in-process, it quarantines the message for external retry.
type Mailer interface {
	// Send delivers the message. The To field names the resolved mailbox.
	Send(ctx context.Context, msg *email.Email) error

	// Name returns the human-readable name of this backend.
	Name() string
}
