package smtpout

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strings"

	"github.com/relaysmith/account-relay/internal/email"
)

// BuildMessage renders msg into wire-format MIME bytes for SMTP submission.
// Text and HTML bodies go into a multipart/alternative; attachments wrap the
// whole thing in multipart/mixed.
func BuildMessage(msg *email.Email) ([]byte, error) {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "From: %s\r\n", msg.From)
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(msg.To, ", "))
	if len(msg.Cc) > 0 {
		fmt.Fprintf(&buf, "Cc: %s\r\n", strings.Join(msg.Cc, ", "))
	}
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("UTF-8", msg.Subject))
	if msg.MessageID != "" {
		fmt.Fprintf(&buf, "Message-ID: %s\r\n", msg.MessageID)
	}
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")

	if len(msg.Attachments) == 0 {
		if err := writeBody(&buf, msg); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	mixed := multipart.NewWriter(&buf)
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", mixed.Boundary())

	var bodyBuf bytes.Buffer
	if err := writeBody(&bodyBuf, msg); err != nil {
		return nil, err
	}
	// writeBody emits Content-Type and body; split them back into part
	// header and content for the mixed writer.
	headerLine, content, found := strings.Cut(bodyBuf.String(), "\r\n\r\n")
	if !found {
		return nil, fmt.Errorf("malformed body part")
	}
	bodyHeader := make(textproto.MIMEHeader)
	bodyHeader.Set("Content-Type", strings.TrimPrefix(headerLine, "Content-Type: "))
	part, err := mixed.CreatePart(bodyHeader)
	if err != nil {
		return nil, fmt.Errorf("failed to create body part: %w", err)
	}
	io.WriteString(part, content)

	for _, att := range msg.Attachments {
		attHeader := make(textproto.MIMEHeader)
		attHeader.Set("Content-Type", att.ContentType)
		attHeader.Set("Content-Transfer-Encoding", "base64")
		attHeader.Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=%s", mime.QEncoding.Encode("UTF-8", att.Filename)))

		part, err := mixed.CreatePart(attHeader)
		if err != nil {
			return nil, fmt.Errorf("failed to create attachment part: %w", err)
		}
		io.WriteString(part, encodeBase64WithLineBreaks(att.Content))
	}

	mixed.Close()
	return buf.Bytes(), nil
}

// writeBody writes the Content-Type header line and the text/html content
// of msg, separated by a blank line.
func writeBody(buf *bytes.Buffer, msg *email.Email) error {
	switch {
	case msg.TextBody != "" && msg.HtmlBody != "":
		alt := multipart.NewWriter(buf)
		fmt.Fprintf(buf, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", alt.Boundary())

		textHeader := make(textproto.MIMEHeader)
		textHeader.Set("Content-Type", "text/plain; charset=UTF-8")
		part, err := alt.CreatePart(textHeader)
		if err != nil {
			return fmt.Errorf("failed to create text part: %w", err)
		}
		io.WriteString(part, msg.TextBody)

		htmlHeader := make(textproto.MIMEHeader)
		htmlHeader.Set("Content-Type", "text/html; charset=UTF-8")
		part, err = alt.CreatePart(htmlHeader)
		if err != nil {
			return fmt.Errorf("failed to create html part: %w", err)
		}
		io.WriteString(part, msg.HtmlBody)

		return alt.Close()

	case msg.HtmlBody != "":
		fmt.Fprintf(buf, "Content-Type: text/html; charset=UTF-8\r\n\r\n")
		buf.WriteString(msg.HtmlBody)

	default:
		fmt.Fprintf(buf, "Content-Type: text/plain; charset=UTF-8\r\n\r\n")
		buf.WriteString(msg.TextBody)
	}
	return nil
}

// encodeBase64WithLineBreaks encodes bytes to base64 with 76-character line
// breaks per RFC 2045.
func encodeBase64WithLineBreaks(data []byte) string {
	encoded := base64.StdEncoding.EncodeToString(data)
	var lines []string
	for i := 0; i < len(encoded); i += 76 {
		end := i + 76
		if end > len(encoded) {
			end = len(encoded)
		}
		lines = append(lines, encoded[i:end])
	}
	return strings.Join(lines, "\r\n")
}
