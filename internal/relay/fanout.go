package relay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/relaysmith/account-relay/internal/smtp"
	"github.com/relaysmith/account-relay/internal/spool"
)

// AckMode controls when a transaction is acknowledged to the transport.
type AckMode string

const (
	// AckWait acknowledges only after every recipient reached a terminal
	// state. A crash before the ack leaves the sender responsible for
	// retrying, so no accepted message is ever lost, at the cost of holding
	// the SMTP exchange open through directory retries.
	AckWait AckMode = "wait"

	// AckBackground acknowledges as soon as the body is spooled, with
	// per-recipient processing continuing detached from the connection.
	// Slow retries cannot trip the sender's timeout, but a crash after the
	// ack can lose a message the sender believes was accepted.
	AckBackground AckMode = "background"
)

// Fanout receives completed transactions from the transport, persists the
// body, and runs the pipeline once per recipient. It implements
// smtp.Handler.
type Fanout struct {
	spool    *spool.Spool
	pipeline *Pipeline
	mode     AckMode
}

// NewFanout creates a Fanout with the given acknowledgment mode.
func NewFanout(s *spool.Spool, p *Pipeline, mode AckMode) *Fanout {
	if mode == "" {
		mode = AckWait
	}
	return &Fanout{spool: s, pipeline: p, mode: mode}
}

// HandleMessage caches the message body and fans processing out across the
// transaction's recipients. Each recipient runs independently and
// concurrently; a shared countdown reaches zero exactly once, at which point
// the cached body is removed (every failure path has retained its own copy
// in quarantine by then). The return is the transaction's single
// acknowledgment: in wait mode it is deferred to countdown zero, in
// background mode it happens as soon as the body is safely spooled.
func (f *Fanout) HandleMessage(ctx context.Context, env smtp.Envelope, body io.Reader) error {
	txID := uuid.NewString()
	log := slog.With("tx", txID)

	recipients := make([]Recipient, 0, len(env.Recipients))
	for _, raw := range env.Recipients {
		rcpt, err := ParseRecipient(raw)
		if err != nil {
			log.Warn("skipping unparseable recipient", "recipient", raw, "error", err)
			continue
		}
		recipients = append(recipients, rcpt)
	}
	if len(recipients) == 0 {
		io.Copy(io.Discard, body)
		return fmt.Errorf("no usable recipients in transaction")
	}

	// Spool.Write drains body itself on failure so the transport can
	// finish the exchange cleanly.
	path, err := f.spool.Write(body)
	if err != nil {
		log.Error("failed to cache message", "error", err)
		return err
	}

	log.Info("message received",
		"from", env.From,
		"recipients", len(recipients),
		"path", path,
	)

	procCtx := ctx
	if f.mode == AckBackground {
		// Processing outlives the connection in background mode.
		procCtx = context.WithoutCancel(ctx)
	}

	var remaining atomic.Int32
	remaining.Store(int32(len(recipients)))
	settled := make(chan struct{})

	for _, rcpt := range recipients {
		go func(rcpt Recipient) {
			// Process quarantines and logs its own failures; the fan-out
			// only tracks completion.
			_ = f.pipeline.Process(procCtx, txID, rcpt, path)

			if remaining.Add(-1) == 0 {
				if err := f.spool.Remove(path); err != nil {
					log.Error("failed to remove cached message", "error", err)
				}
				close(settled)
			}
		}(rcpt)
	}

	if f.mode == AckWait {
		<-settled
	}
	return nil
}
