package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/relaysmith/account-relay/internal/accept"
	"github.com/relaysmith/account-relay/internal/directory"
	"github.com/relaysmith/account-relay/internal/email"
	"github.com/relaysmith/account-relay/internal/mailer"
	"github.com/relaysmith/account-relay/internal/parser"
	"github.com/relaysmith/account-relay/internal/spool"
)

// Acceptor triggers registration completion from an HTML message body.
type Acceptor interface {
	Accept(ctx context.Context, htmlBody string) error
}

// Pipeline processes one recipient of a cached message to a terminal state:
// delivered (forwarded or registration completed, nothing retained) or
// quarantined (body retained with failure metadata for an operator).
type Pipeline struct {
	resolver   directory.Resolver
	mailer     mailer.Mailer
	acceptor   Acceptor
	classifier Classifier
	spool      *spool.Spool
}

// NewPipeline wires the pipeline's collaborators.
func NewPipeline(resolver directory.Resolver, m mailer.Mailer, a Acceptor, c Classifier, s *spool.Spool) *Pipeline {
	return &Pipeline{
		resolver:   resolver,
		mailer:     m,
		acceptor:   a,
		classifier: c,
		spool:      s,
	}
}

// Process runs the resolve, parse, classify, act sequence for one recipient.
// Failures are quarantined locally and returned for the caller's accounting;
// they are never fatal to the process. Cached-message cleanup is the
// fan-out's job, so concurrent recipients of the same message never see the
// file disappear mid-flight.
func (p *Pipeline) Process(ctx context.Context, txID string, rcpt Recipient, path string) error {
	log := slog.With("tx", txID, "recipient", rcpt.Raw)

	// Resolving
	mailbox, err := p.resolver.Resolve(ctx, rcpt.Local)
	if err != nil {
		log.Error("resolution failed", "error", err)
		p.quarantine(log, txID, rcpt, path, resolveKind(err), err)
		return err
	}
	log.Info("resolved recipient", "mailbox", mailbox)

	// Parsing
	msg, err := p.readMessage(path)
	if err != nil {
		log.Error("message rejected", "error", err)
		p.quarantine(log, txID, rcpt, path, spool.KindMalformed, err)
		return err
	}

	// Classifying, then acting
	switch p.classifier.Classify(msg) {
	case DecisionAccept:
		log.Info("auto accepting registration", "mailbox", mailbox)
		if err := p.acceptor.Accept(ctx, msg.HtmlBody); err != nil {
			log.Error("auto accept failed", "error", err)
			p.quarantine(log, txID, rcpt, path, acceptKind(err), err)
			return err
		}

	case DecisionForward:
		out := *msg
		out.To = []string{mailbox}
		out.Cc = nil
		log.Info("forwarding message", "mailbox", mailbox, "mailer", p.mailer.Name())
		if err := p.mailer.Send(ctx, &out); err != nil {
			// A failed send is retained for external retry, never dropped.
			log.Error("forward failed", "error", err)
			p.quarantine(log, txID, rcpt, path, spool.KindDelivery, err)
			return err
		}
	}

	log.Info("recipient delivered")
	return nil
}

// readMessage loads and parses the cached message, enforcing the required
// field set.
func (p *Pipeline) readMessage(path string) (*email.Email, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cached message: %w", err)
	}
	msg, err := parser.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", email.ErrMalformed, err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

// quarantine retains the message and failure context. A quarantine failure
// is itself only logged; there is nothing further to fall back to.
func (p *Pipeline) quarantine(log *slog.Logger, txID string, rcpt Recipient, path string, kind spool.Kind, cause error) {
	rep := spool.Report{
		Recipient:     rcpt.Raw,
		TransactionID: txID,
		Kind:          kind,
		Error:         cause.Error(),
	}
	if err := p.spool.Quarantine(path, rep); err != nil {
		log.Error("failed to quarantine message", "kind", kind, "error", err)
		return
	}
	log.Warn("recipient quarantined", "kind", kind)
}

func resolveKind(err error) spool.Kind {
	switch {
	case errors.Is(err, directory.ErrNotFound):
		return spool.KindNotFound
	case errors.Is(err, directory.ErrUnauthorized):
		return spool.KindUnauthorized
	default:
		return spool.KindResolveFailed
	}
}

func acceptKind(err error) spool.Kind {
	if errors.Is(err, accept.ErrNoLink) {
		return spool.KindExtraction
	}
	return spool.KindDelivery
}
