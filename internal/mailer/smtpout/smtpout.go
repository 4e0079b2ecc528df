// Package smtpout implements a Mailer that submits messages to an upstream
// SMTP server over smtps, starttls, or a plain connection.
package smtpout

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"

	"github.com/relaysmith/account-relay/internal/email"
)

// Config holds the upstream submission settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string

	// TLSMode is "smtps" (implicit TLS), "starttls", or "plain".
	TLSMode    string
	SkipVerify bool
}

// Mailer submits messages over SMTP.
type Mailer struct {
	cfg Config
}

// New creates an SMTP submission Mailer.
func New(cfg Config) *Mailer {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.TLSMode == "" {
		cfg.TLSMode = "starttls"
	}
	return &Mailer{cfg: cfg}
}

// Send connects to the upstream server, authenticates when credentials are
// configured, and submits the message to every recipient in msg.To.
func (m *Mailer) Send(_ context.Context, msg *email.Email) error {
	if len(msg.To) == 0 {
		return fmt.Errorf("no recipients specified")
	}

	client, err := m.dial()
	if err != nil {
		return err
	}
	defer client.Close()

	if err := m.authenticate(client); err != nil {
		return err
	}

	if err := client.Mail(msg.From); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	for _, to := range msg.To {
		if err := client.Rcpt(to); err != nil {
			return fmt.Errorf("failed to set recipient %s: %w", to, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to initiate data transfer: %w", err)
	}
	raw, err := BuildMessage(msg)
	if err != nil {
		return err
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close data transfer: %w", err)
	}

	if err := client.Quit(); err != nil {
		return fmt.Errorf("failed to quit SMTP session: %w", err)
	}

	slog.Debug("message submitted", "host", m.cfg.Host, "recipients", len(msg.To))
	return nil
}

// Name returns the backend name.
func (m *Mailer) Name() string {
	return "smtp"
}

func (m *Mailer) dial() (*smtp.Client, error) {
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	tlsConfig := &tls.Config{
		ServerName:         m.cfg.Host,
		InsecureSkipVerify: m.cfg.SkipVerify,
	}

	switch m.cfg.TLSMode {
	case "smtps":
		conn, err := tls.Dial("tcp", addr, tlsConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to connect via SMTPS: %w", err)
		}
		client, err := smtp.NewClient(conn, m.cfg.Host)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create SMTP client: %w", err)
		}
		return client, nil

	case "starttls":
		client, err := smtp.Dial(addr)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to SMTP server: %w", err)
		}
		if err := client.StartTLS(tlsConfig); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to start TLS: %w", err)
		}
		return client, nil

	case "plain":
		client, err := smtp.Dial(addr)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to SMTP server: %w", err)
		}
		return client, nil

	default:
		return nil, fmt.Errorf("unknown TLS mode %q", m.cfg.TLSMode)
	}
}

func (m *Mailer) authenticate(client *smtp.Client) error {
	if m.cfg.Username == "" || m.cfg.Password == "" {
		return nil
	}
	auth := smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	if err := client.Auth(auth); err != nil {
		return fmt.Errorf("SMTP authentication failed: %w", err)
	}
	return nil
}
