// Package relay implements the ingestion-resolution-dispatch pipeline: the
// per-recipient fan-out on message receipt, the resolve-classify-act state
// machine, and the quarantine policy for failures.
package relay

import (
	"fmt"
	"strings"
)

// Recipient is one parsed destination address from a transaction's
// recipient list. The Local part is the account identifier to resolve.
type Recipient struct {
	Local  string
	Domain string
	Raw    string
}

// ParseRecipient splits an envelope address into its components.
func ParseRecipient(raw string) (Recipient, error) {
	at := strings.LastIndex(raw, "@")
	if at <= 0 || at == len(raw)-1 {
		return Recipient{}, fmt.Errorf("invalid recipient address %q", raw)
	}
	return Recipient{
		Local:  raw[:at],
		Domain: raw[at+1:],
		Raw:    raw,
	}, nil
}
