package relay

import (
	"strings"

	"github.com/relaysmith/account-relay/internal/email"
)

// Decision is the dispatch outcome for a parsed message.
type Decision int

const (
	// DecisionForward sends the message on to the resolved mailbox.
	DecisionForward Decision = iota
	// DecisionAccept completes the registration the message confirms.
	DecisionAccept
)

// Classifier decides whether a message is a registration confirmation or a
// general message. The decision is a substring match on the subject against
// the identity provider's confirmation wording, which is why the marker is
// configuration rather than a literal: upstream wording changes must not
// require a rebuild.
type Classifier struct {
	// Marker is the registration-confirmation subject phrase.
	Marker string
}

// Classify returns the dispatch decision for msg.
func (c Classifier) Classify(msg *email.Email) Decision {
	if c.Marker != "" && strings.Contains(msg.Subject, c.Marker) {
		return DecisionAccept
	}
	return DecisionForward
}
