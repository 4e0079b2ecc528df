// Package spool stores inbound message bodies on disk while they are being
// processed, and retains failed ones with structured metadata for operator
// recovery.
package spool

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// Kind classifies why a message ended up in quarantine.
type Kind string

const (
	KindNotFound      Kind = "not_found"
	KindUnauthorized  Kind = "unauthorized"
	KindResolveFailed Kind = "resolve_failed"
	KindMalformed     Kind = "malformed_message"
	KindExtraction    Kind = "extraction_failure"
	KindDelivery      Kind = "delivery_failure"
)

// Report is the failure context written next to a quarantined message body.
type Report struct {
	Recipient     string    `json:"recipient"`
	TransactionID string    `json:"transaction_id"`
	Kind          Kind      `json:"kind"`
	Error         string    `json:"error"`
	QuarantinedAt time.Time `json:"quarantined_at"`
}

// Spool manages cached message bodies in a scoped directory. Bodies are
// written under cryptographically random names, removed idempotently once a
// transaction has fully completed, and copied into the quarantine directory
// together with a JSON report when a recipient's processing fails.
type Spool struct {
	dir           string
	quarantineDir string
}

// New creates a Spool rooted at dir with quarantined messages under
// quarantineDir. An empty dir defaults to a scoped directory under the
// system temp dir; an empty quarantineDir defaults to dir/quarantine.
// Both directories are created if missing.
func New(dir, quarantineDir string) (*Spool, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "account-relay")
	}
	if quarantineDir == "" {
		quarantineDir = filepath.Join(dir, "quarantine")
	}
	for _, d := range []string{dir, quarantineDir} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create spool directory %s: %w", d, err)
		}
	}
	return &Spool{dir: dir, quarantineDir: quarantineDir}, nil
}

// Dir returns the spool directory.
func (s *Spool) Dir() string { return s.dir }

// QuarantineDir returns the quarantine directory.
func (s *Spool) QuarantineDir() string { return s.quarantineDir }

// Write streams body into a new cached message file and returns its path.
// On any error the partially written file is removed and body is drained to
// completion so the caller's transport can finish its exchange cleanly.
func (s *Spool) Write(body io.Reader) (string, error) {
	name, err := randomName()
	if err != nil {
		io.Copy(io.Discard, body)
		return "", fmt.Errorf("failed to generate message name: %w", err)
	}

	path := filepath.Join(s.dir, name+".eml")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		io.Copy(io.Discard, body)
		return "", fmt.Errorf("failed to create cached message: %w", err)
	}

	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		os.Remove(path)
		io.Copy(io.Discard, body)
		return "", fmt.Errorf("failed to write cached message: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to flush cached message: %w", err)
	}

	return path, nil
}

// Remove deletes a cached message. Removing a message that is already gone
// is not an error; concurrent completions may race on the delete.
func (s *Spool) Remove(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove cached message: %w", err)
	}
	return nil
}

// Quarantine retains a copy of the cached message at path for manual
// recovery, tagged with the failure report. The copy is named after the
// transaction and recipient so that per-recipient failures within one
// transaction do not collide.
func (s *Spool) Quarantine(path string, rep Report) error {
	if rep.QuarantinedAt.IsZero() {
		rep.QuarantinedAt = time.Now().UTC()
	}

	base := fmt.Sprintf("%s-%s", rep.TransactionID, sanitize(rep.Recipient))
	bodyPath := filepath.Join(s.quarantineDir, base+".eml")
	reportPath := filepath.Join(s.quarantineDir, base+".json")

	if err := copyFile(path, bodyPath); err != nil {
		return fmt.Errorf("failed to retain message body: %w", err)
	}

	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal quarantine report: %w", err)
	}
	if err := os.WriteFile(reportPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write quarantine report: %w", err)
	}

	return nil
}

// randomName returns a 64-character hex name from 32 random bytes.
func randomName() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

// sanitize makes a recipient address safe to embed in a file name.
func sanitize(addr string) string {
	out := make([]rune, 0, len(addr))
	for _, r := range addr {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_', r == '@':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
