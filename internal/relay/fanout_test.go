package relay

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/relaysmith/account-relay/internal/smtp"
)

func newFanoutFixture(t *testing.T, mode AckMode) (*Fanout, *pipelineFixture) {
	t.Helper()
	f := newPipelineFixture(t)
	f.resolver.accounts["acct-2"] = "second@example.com"
	return NewFanout(f.spool, f.pipeline, mode), f
}

func (f *pipelineFixture) spooledMessages(t *testing.T) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(f.spool.Dir(), "*.eml"))
	if err != nil {
		t.Fatalf("failed to list spool: %v", err)
	}
	return matches
}

func TestFanoutProcessesEveryRecipient(t *testing.T) {
	t.Parallel()
	fanout, f := newFanoutFixture(t, AckWait)

	env := smtp.Envelope{
		From:       "sender@service.example",
		Recipients: []string{"acct-1@relay.example.com", "acct-2@relay.example.com"},
	}

	err := fanout.HandleMessage(context.Background(), env, strings.NewReader(rawMessage("fan out")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := f.mailer.sentCount(); got != 2 {
		t.Errorf("sent: got %d messages, want 2", got)
	}

	// In wait mode the return is the acknowledgment: by now the countdown
	// has hit zero and the cached body is gone.
	if left := f.spooledMessages(t); len(left) != 0 {
		t.Errorf("cached messages left after acknowledgment: %v", left)
	}

	mailboxes := map[string]bool{}
	f.mailer.mu.Lock()
	for _, msg := range f.mailer.sent {
		mailboxes[msg.To[0]] = true
	}
	f.mailer.mu.Unlock()
	if !mailboxes["owner@example.com"] || !mailboxes["second@example.com"] {
		t.Errorf("delivered mailboxes: %v", mailboxes)
	}
}

func TestFanoutSkipsUnparseableRecipients(t *testing.T) {
	t.Parallel()
	fanout, f := newFanoutFixture(t, AckWait)

	env := smtp.Envelope{
		From:       "sender@service.example",
		Recipients: []string{"not-an-address", "acct-1@relay.example.com"},
	}

	if err := fanout.HandleMessage(context.Background(), env, strings.NewReader(rawMessage("partial"))); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := f.mailer.sentCount(); got != 1 {
		t.Errorf("sent: got %d messages, want 1", got)
	}
}

func TestFanoutRejectsEmptyRecipientList(t *testing.T) {
	t.Parallel()
	fanout, f := newFanoutFixture(t, AckWait)

	body := strings.NewReader(rawMessage("nobody home"))
	env := smtp.Envelope{From: "sender@service.example", Recipients: []string{"garbage"}}

	if err := fanout.HandleMessage(context.Background(), env, body); err == nil {
		t.Fatal("expected error for a transaction without usable recipients")
	}

	// The body must be drained so the transport can finish its exchange.
	if body.Len() != 0 {
		t.Errorf("body not drained: %d bytes left", body.Len())
	}
	if left := f.spooledMessages(t); len(left) != 0 {
		t.Errorf("nothing should be cached: %v", left)
	}
	if f.mailer.sentCount() != 0 {
		t.Error("nothing should be delivered")
	}
}

func TestFanoutQuarantineRetainsCopyBeforeCleanup(t *testing.T) {
	t.Parallel()
	fanout, f := newFanoutFixture(t, AckWait)

	env := smtp.Envelope{
		From:       "sender@service.example",
		Recipients: []string{"acct-1@relay.example.com", "stranger@relay.example.com"},
	}

	if err := fanout.HandleMessage(context.Background(), env, strings.NewReader(rawMessage("mixed outcome"))); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The resolvable recipient was delivered, the unknown one retained.
	if got := f.mailer.sentCount(); got != 1 {
		t.Errorf("sent: got %d messages, want 1", got)
	}
	reports := f.quarantineReports(t)
	if len(reports) != 1 || reports[0].Recipient != "stranger@relay.example.com" {
		t.Fatalf("quarantine reports: %+v", reports)
	}

	// The cached body was removed, but the quarantined copy survives.
	if left := f.spooledMessages(t); len(left) != 0 {
		t.Errorf("cached messages left: %v", left)
	}
	quarantined, err := filepath.Glob(filepath.Join(f.spool.QuarantineDir(), "*.eml"))
	if err != nil || len(quarantined) != 1 {
		t.Errorf("quarantined bodies: %v (err %v)", quarantined, err)
	}
}

func TestFanoutBackgroundAcknowledgesBeforeCompletion(t *testing.T) {
	t.Parallel()
	fanout, f := newFanoutFixture(t, AckBackground)
	f.mailer.release = make(chan struct{})

	env := smtp.Envelope{
		From:       "sender@service.example",
		Recipients: []string{"acct-1@relay.example.com"},
	}

	done := make(chan error, 1)
	go func() {
		done <- fanout.HandleMessage(context.Background(), env, strings.NewReader(rawMessage("deferred")))
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("background mode did not acknowledge while delivery was in flight")
	}

	if got := f.mailer.sentCount(); got != 0 {
		t.Fatalf("delivery finished before being released: %d sends", got)
	}

	close(f.mailer.release)

	deadline := time.Now().Add(2 * time.Second)
	for f.mailer.sentCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("delivery never completed after release")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestFanoutHandlerContract(t *testing.T) {
	t.Parallel()

	// Fanout is the transport's message handler.
	var _ smtp.Handler = (*Fanout)(nil)

	// A reader that is not a *strings.Reader exercises the io.Reader path.
	fanout, f := newFanoutFixture(t, AckWait)
	env := smtp.Envelope{From: "s@e.x", Recipients: []string{"acct-1@relay.example.com"}}
	var body io.Reader = strings.NewReader(rawMessage("contract"))

	if err := fanout.HandleMessage(context.Background(), env, body); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.mailer.sentCount() != 1 {
		t.Errorf("sent: got %d, want 1", f.mailer.sentCount())
	}
}
