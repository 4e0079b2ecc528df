package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/relaysmith/account-relay/internal/accept"
	"github.com/relaysmith/account-relay/internal/directory"
	"github.com/relaysmith/account-relay/internal/email"
	"github.com/relaysmith/account-relay/internal/spool"
)

const testMarker = "Confirm Your Email Address"

// fakeResolver maps account IDs to mailboxes and records lookups.
type fakeResolver struct {
	mu       sync.Mutex
	accounts map[string]string
	err      error
	calls    []string
}

func (f *fakeResolver) Resolve(ctx context.Context, accountID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, accountID)
	if f.err != nil {
		return "", f.err
	}
	mailbox, ok := f.accounts[accountID]
	if !ok {
		return "", fmt.Errorf("%w: %s", directory.ErrNotFound, accountID)
	}
	return mailbox, nil
}

// fakeMailer records sent messages.
type fakeMailer struct {
	mu      sync.Mutex
	sent    []*email.Email
	err     error
	release chan struct{}
}

func (f *fakeMailer) Send(ctx context.Context, msg *email.Email) error {
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeMailer) Name() string { return "fake" }

func (f *fakeMailer) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// fakeAcceptor records the HTML bodies it was asked to act on.
type fakeAcceptor struct {
	mu     sync.Mutex
	bodies []string
	err    error
}

func (f *fakeAcceptor) Accept(ctx context.Context, htmlBody string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.bodies = append(f.bodies, htmlBody)
	return nil
}

type pipelineFixture struct {
	pipeline *Pipeline
	resolver *fakeResolver
	mailer   *fakeMailer
	acceptor *fakeAcceptor
	spool    *spool.Spool
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	root := t.TempDir()
	s, err := spool.New(filepath.Join(root, "spool"), filepath.Join(root, "quarantine"))
	if err != nil {
		t.Fatalf("failed to create spool: %v", err)
	}

	f := &pipelineFixture{
		resolver: &fakeResolver{accounts: map[string]string{"acct-1": "owner@example.com"}},
		mailer:   &fakeMailer{},
		acceptor: &fakeAcceptor{},
		spool:    s,
	}
	f.pipeline = NewPipeline(f.resolver, f.mailer, f.acceptor, Classifier{Marker: testMarker}, s)
	return f
}

// cacheMessage writes a raw message into the fixture's spool.
func (f *pipelineFixture) cacheMessage(t *testing.T, raw string) string {
	t.Helper()
	path, err := f.spool.Write(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("failed to cache message: %v", err)
	}
	return path
}

// quarantineReports decodes every report in the fixture's quarantine dir.
func (f *pipelineFixture) quarantineReports(t *testing.T) []spool.Report {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(f.spool.QuarantineDir(), "*.json"))
	if err != nil {
		t.Fatalf("failed to list quarantine: %v", err)
	}
	reports := make([]spool.Report, 0, len(matches))
	for _, m := range matches {
		data, err := os.ReadFile(m)
		if err != nil {
			t.Fatalf("failed to read report %s: %v", m, err)
		}
		var rep spool.Report
		if err := json.Unmarshal(data, &rep); err != nil {
			t.Fatalf("failed to decode report %s: %v", m, err)
		}
		reports = append(reports, rep)
	}
	return reports
}

func rawMessage(subject string) string {
	return strings.Join([]string{
		"From: sender@service.example",
		"To: acct-1@relay.example.com",
		"Subject: " + subject,
		"MIME-Version: 1.0",
		`Content-Type: multipart/alternative; boundary="B"`,
		"",
		"--B",
		"Content-Type: text/plain",
		"",
		"Visit https://id.example/confirm?token=t1",
		"--B",
		"Content-Type: text/html",
		"",
		`<html><body><a href="https://id.example/confirm?token=t1">Confirm</a></body></html>`,
		"--B--",
		"",
	}, "\r\n")
}

func mustRecipient(t *testing.T, raw string) Recipient {
	t.Helper()
	rcpt, err := ParseRecipient(raw)
	if err != nil {
		t.Fatalf("bad recipient %q: %v", raw, err)
	}
	return rcpt
}

func TestPipelineForwards(t *testing.T) {
	t.Parallel()
	f := newPipelineFixture(t)
	path := f.cacheMessage(t, rawMessage("Your monthly statement"))

	err := f.pipeline.Process(context.Background(), "tx-1", mustRecipient(t, "acct-1@relay.example.com"), path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(f.mailer.sent) != 1 {
		t.Fatalf("sent: got %d messages, want 1", len(f.mailer.sent))
	}
	out := f.mailer.sent[0]
	if len(out.To) != 1 || out.To[0] != "owner@example.com" {
		t.Errorf("To: got %v, want the resolved mailbox", out.To)
	}
	if out.Cc != nil {
		t.Errorf("Cc must be stripped on forward, got %v", out.Cc)
	}
	if out.Subject != "Your monthly statement" {
		t.Errorf("Subject: got %q", out.Subject)
	}
	if len(f.acceptor.bodies) != 0 {
		t.Errorf("acceptor invoked for a non-registration message")
	}
	if reports := f.quarantineReports(t); len(reports) != 0 {
		t.Errorf("unexpected quarantine entries: %+v", reports)
	}
}

func TestPipelineAutoAcceptsRegistration(t *testing.T) {
	t.Parallel()
	f := newPipelineFixture(t)
	path := f.cacheMessage(t, rawMessage(testMarker))

	err := f.pipeline.Process(context.Background(), "tx-2", mustRecipient(t, "acct-1@relay.example.com"), path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(f.acceptor.bodies) != 1 {
		t.Fatalf("acceptor calls: got %d, want 1", len(f.acceptor.bodies))
	}
	if !strings.Contains(f.acceptor.bodies[0], "https://id.example/confirm?token=t1") {
		t.Errorf("acceptor got wrong body: %q", f.acceptor.bodies[0])
	}
	if f.mailer.sentCount() != 0 {
		t.Errorf("registration message must not be forwarded")
	}
}

func TestPipelineQuarantinesUnknownAccount(t *testing.T) {
	t.Parallel()
	f := newPipelineFixture(t)
	path := f.cacheMessage(t, rawMessage("hello"))

	err := f.pipeline.Process(context.Background(), "tx-3", mustRecipient(t, "stranger@relay.example.com"), path)
	if !errors.Is(err, directory.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if f.mailer.sentCount() != 0 || len(f.acceptor.bodies) != 0 {
		t.Error("no outbound action may happen for an unresolved recipient")
	}

	reports := f.quarantineReports(t)
	if len(reports) != 1 {
		t.Fatalf("quarantine reports: got %d, want 1", len(reports))
	}
	rep := reports[0]
	if rep.Kind != spool.KindNotFound {
		t.Errorf("Kind: got %s, want %s", rep.Kind, spool.KindNotFound)
	}
	if rep.Recipient != "stranger@relay.example.com" || rep.TransactionID != "tx-3" {
		t.Errorf("report identity mismatch: %+v", rep)
	}
}

func TestPipelineQuarantineKinds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*pipelineFixture)
		subject string
		want    spool.Kind
	}{
		{
			name:   "unauthorized directory",
			mutate: func(f *pipelineFixture) { f.resolver.err = fmt.Errorf("%w: status 401", directory.ErrUnauthorized) },
			want:   spool.KindUnauthorized,
		},
		{
			name:   "transient resolution exhausted",
			mutate: func(f *pipelineFixture) { f.resolver.err = errors.New("directory returned status 503") },
			want:   spool.KindResolveFailed,
		},
		{
			name:    "registration without a link",
			mutate:  func(f *pipelineFixture) { f.acceptor.err = accept.ErrNoLink },
			subject: testMarker,
			want:    spool.KindExtraction,
		},
		{
			name:    "registration endpoint failure",
			mutate:  func(f *pipelineFixture) { f.acceptor.err = errors.New("registration endpoint returned status 500") },
			subject: testMarker,
			want:    spool.KindDelivery,
		},
		{
			name:   "forward delivery failure",
			mutate: func(f *pipelineFixture) { f.mailer.err = errors.New("smtp submission refused") },
			want:   spool.KindDelivery,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newPipelineFixture(t)
			tt.mutate(f)

			subject := tt.subject
			if subject == "" {
				subject = "ordinary subject"
			}
			path := f.cacheMessage(t, rawMessage(subject))

			if err := f.pipeline.Process(context.Background(), "tx-k", mustRecipient(t, "acct-1@relay.example.com"), path); err == nil {
				t.Fatal("expected error")
			}

			reports := f.quarantineReports(t)
			if len(reports) != 1 {
				t.Fatalf("quarantine reports: got %d, want 1", len(reports))
			}
			if reports[0].Kind != tt.want {
				t.Errorf("Kind: got %s, want %s", reports[0].Kind, tt.want)
			}
		})
	}
}

func TestPipelineQuarantinesMalformedMessage(t *testing.T) {
	t.Parallel()
	f := newPipelineFixture(t)

	// Parseable but missing the HTML body.
	raw := "From: a@b.c\r\nSubject: hi\r\nContent-Type: text/plain\r\n\r\nonly text\r\n"
	path := f.cacheMessage(t, raw)

	err := f.pipeline.Process(context.Background(), "tx-4", mustRecipient(t, "acct-1@relay.example.com"), path)
	if !errors.Is(err, email.ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}

	reports := f.quarantineReports(t)
	if len(reports) != 1 || reports[0].Kind != spool.KindMalformed {
		t.Fatalf("expected one malformed_message report, got %+v", reports)
	}
	if f.mailer.sentCount() != 0 {
		t.Error("malformed message must not be forwarded")
	}
}

func TestPipelineLeavesCachedMessageInPlace(t *testing.T) {
	t.Parallel()
	f := newPipelineFixture(t)
	path := f.cacheMessage(t, rawMessage("hello"))

	if err := f.pipeline.Process(context.Background(), "tx-5", mustRecipient(t, "acct-1@relay.example.com"), path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Cleanup belongs to the fan-out; other recipients may still be reading.
	if _, err := os.Stat(path); err != nil {
		t.Errorf("cached message gone after processing: %v", err)
	}
}
