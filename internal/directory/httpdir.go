package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// httpTimeout bounds a single directory API round trip. The retry layer
// owns the overall budget.
const httpTimeout = 15 * time.Second

// HTTPConfig holds the vendor API endpoint and basic-auth credentials.
type HTTPConfig struct {
	BaseURL  string
	ID       string
	Password string
}

// HTTPResolver looks accounts up against the vendor HTTP API:
// GET {base}/vendor/apps/{id} with basic auth, expecting a JSON body
// carrying the owner's email address.
type HTTPResolver struct {
	cfg    HTTPConfig
	client *http.Client
}

// NewHTTPResolver creates an HTTPResolver for the given endpoint.
func NewHTTPResolver(cfg HTTPConfig) *HTTPResolver {
	return &HTTPResolver{
		cfg:    cfg,
		client: &http.Client{Timeout: httpTimeout},
	}
}

// Resolve fetches the mailbox address for accountID.
// Status 404 is ErrNotFound, 401/403 is ErrUnauthorized, everything else
// that is not a 200 with a usable address is a transient error.
func (r *HTTPResolver) Resolve(ctx context.Context, accountID string) (string, error) {
	endpoint := fmt.Sprintf("%s/vendor/apps/%s",
		strings.TrimRight(r.cfg.BaseURL, "/"), url.PathEscape(accountID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build directory request: %w", err)
	}
	req.SetBasicAuth(r.cfg.ID, r.cfg.Password)
	req.Header.Set("Accept", "application/json")

	slog.Debug("directory lookup", "account", accountID)

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("directory request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", fmt.Errorf("%w: %s", ErrNotFound, accountID)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("directory returned status %d", resp.StatusCode)
	}

	var body struct {
		OwnerEmail string `json:"owner_email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode directory response: %w", err)
	}

	// A 200 without an address still leaves us nowhere to deliver.
	if body.OwnerEmail == "" {
		return "", fmt.Errorf("%w: no owner email for %s", ErrNotFound, accountID)
	}

	return body.OwnerEmail, nil
}
