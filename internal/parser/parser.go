// Package parser turns raw RFC 5322 messages into the relay's email model.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	_ "github.com/emersion/go-message/charset"
	gomail "github.com/emersion/go-message/mail"

	"github.com/relaysmith/account-relay/internal/email"
)

// Parse parses a raw message into an Email. It handles single-part and
// multipart messages, decodes transfer encodings and non-UTF-8 charsets, and
// collects attachments. It does not judge whether the result is complete;
// callers use Email.Validate for that.
func Parse(raw []byte) (*email.Email, error) {
	reader, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	defer reader.Close()

	result := &email.Email{}
	readHeader(&reader.Header, result)

	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read message part: %w", err)
		}

		switch h := part.Header.(type) {
		case *gomail.InlineHeader:
			readInline(part, h, result)
		case *gomail.AttachmentHeader:
			readAttachment(part, h, result)
		}
	}

	return result, nil
}

// readHeader extracts the envelope-level fields from the message header.
func readHeader(h *gomail.Header, result *email.Email) {
	if subject, err := h.Subject(); err == nil {
		result.Subject = subject
	} else {
		result.Subject = h.Get("Subject")
	}
	result.From = firstAddress(h, "From")
	result.To = addressList(h, "To")
	result.Cc = addressList(h, "Cc")
	result.MessageID = h.Get("Message-Id")
}

// readInline records the first text/plain and text/html bodies encountered.
// Later duplicates are ignored, matching the usual multipart/alternative
// layout where the first candidate of each type is authoritative.
func readInline(part *gomail.Part, h *gomail.InlineHeader, result *email.Email) {
	mediaType, _, err := h.ContentType()
	if err != nil {
		mediaType = "text/plain"
	}
	mediaType = strings.ToLower(mediaType)

	body, err := io.ReadAll(part.Body)
	if err != nil {
		slog.Warn("failed to read inline part", "content_type", mediaType, "error", err)
		return
	}

	switch {
	case strings.HasPrefix(mediaType, "text/html"):
		if result.HtmlBody == "" {
			result.HtmlBody = string(body)
		}
	default:
		// text/plain and anything unrecognized inline
		if result.TextBody == "" {
			result.TextBody = string(body)
		}
	}
}

// readAttachment collects an attachment part.
func readAttachment(part *gomail.Part, h *gomail.AttachmentHeader, result *email.Email) {
	filename, err := h.Filename()
	if err != nil || filename == "" {
		filename = "attachment"
	}
	mediaType, _, err := h.ContentType()
	if err != nil || mediaType == "" {
		mediaType = "application/octet-stream"
	}

	content, err := io.ReadAll(part.Body)
	if err != nil {
		slog.Warn("failed to read attachment", "filename", filename, "error", err)
		return
	}

	result.Attachments = append(result.Attachments, email.Attachment{
		Filename:    filename,
		ContentType: strings.ToLower(mediaType),
		Content:     content,
	})
}

// firstAddress returns the first address in the named header field, or the
// raw field value when it does not parse as an address list.
func firstAddress(h *gomail.Header, field string) string {
	if list, err := h.AddressList(field); err == nil && len(list) > 0 {
		return list[0].Address
	}
	return strings.TrimSpace(h.Get(field))
}

// addressList returns all addresses in the named header field.
func addressList(h *gomail.Header, field string) []string {
	list, err := h.AddressList(field)
	if err != nil || len(list) == 0 {
		raw := strings.TrimSpace(h.Get(field))
		if raw == "" {
			return nil
		}
		parts := strings.Split(raw, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out
	}
	out := make([]string, 0, len(list))
	for _, addr := range list {
		out = append(out, addr.Address)
	}
	return out
}
