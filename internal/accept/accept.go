// Package accept completes pending registrations by following the
// confirmation link embedded in a registration email.
package accept

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"
)

// ErrNoLink means the HTML body contains no anchor with an href. This marks
// a malformed or non-registration message and is never retried.
var ErrNoLink = errors.New("no registration link found")

// defaultTimeout bounds the confirmation GET when no timeout is configured.
const defaultTimeout = 30 * time.Second

// Acceptor triggers registration completion on the remote identity service.
type Acceptor struct {
	client *http.Client
}

// New creates an Acceptor whose confirmation requests time out after the
// given duration.
func New(timeout time.Duration) *Acceptor {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Acceptor{client: &http.Client{Timeout: timeout}}
}

// NewWithClient creates an Acceptor with a custom HTTP client, used in tests.
func NewWithClient(client *http.Client) *Acceptor {
	return &Acceptor{client: client}
}

// Accept extracts the first action link from htmlBody and issues a single
// GET against it. The GET itself is what completes the registration on the
// remote service; this component tracks no state beyond the one call.
func (a *Acceptor) Accept(ctx context.Context, htmlBody string) error {
	link, err := FirstLink(htmlBody)
	if err != nil {
		return err
	}

	slog.Info("auto accepting registration", "url", link)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return fmt.Errorf("invalid registration link: %w", err)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("registration request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("registration endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// FirstLink returns the href of the first anchor element in htmlBody, or
// ErrNoLink when no anchor carries one.
func FirstLink(htmlBody string) (string, error) {
	tokenizer := html.NewTokenizer(strings.NewReader(htmlBody))

	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			// Tokenizer errors, including EOF, mean no link was found.
			return "", ErrNoLink
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := tokenizer.TagName()
			if string(name) != "a" || !hasAttr {
				continue
			}
			for {
				key, value, more := tokenizer.TagAttr()
				if string(key) == "href" && len(value) > 0 {
					return string(value), nil
				}
				if !more {
					break
				}
			}
		}
	}
}
