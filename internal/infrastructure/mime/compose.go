// SPDX-License-Identifier: AGPL-3.0-or-later

// Package mime composes the outbound MIME envelope for one Message,
// following spec §6's composition rules. It builds on go-mail/mail/v2's
// Message type, the same library the teacher uses in
// internal/infrastructure/email/sender.go for header/body/attachment
// assembly, rather than hand-rolling multipart writers against net/mime.
package mime

import (
	"io"
	gomime "mime"
	"net/url"

	mail "github.com/go-mail/mail/v2"

	"github.com/relaycore/smtprelay/internal/domain/models"
)

// ResolvedAttachment is an attachment whose bytes have already been
// materialized by the resolver.
type ResolvedAttachment struct {
	Filename string
	MimeType string
	Bytes    []byte
}

// Compose builds the outbound *mail.Message for one queued Message. The
// surrogateID is injected as a stable X-Mail-ID header (spec §6) to enable
// later bounce correlation.
func Compose(msg *models.Message, surrogateID string, attachments []ResolvedAttachment) *mail.Message {
	m := mail.NewMessage()

	from := msg.Payload.From
	returnPath := msg.Payload.ReturnPath
	if returnPath == "" {
		returnPath = from
	}

	m.SetHeader("From", from)
	m.SetHeader("To", msg.Payload.To...)
	if len(msg.Payload.Cc) > 0 {
		m.SetHeader("Cc", msg.Payload.Cc...)
	}
	if len(msg.Payload.Bcc) > 0 {
		m.SetHeader("Bcc", msg.Payload.Bcc...)
	}
	m.SetHeader("Subject", gomime.QEncoding.Encode("utf-8", msg.Payload.Subject))
	if msg.Payload.ReplyTo != "" {
		m.SetHeader("Reply-To", msg.Payload.ReplyTo)
	}
	m.SetHeader("Return-Path", returnPath)
	m.SetHeader("X-Mail-ID", surrogateID)

	for k, v := range msg.Payload.Headers {
		m.SetHeader(k, gomime.QEncoding.Encode("utf-8", v))
	}

	setBody(m, msg)

	for _, a := range attachments {
		attach(m, a)
	}

	return m
}

// setBody implements spec §6's content-type rules: a single part when only
// one body is supplied, multipart/alternative when both plain and html text
// are present.
func setBody(m *mail.Message, msg *models.Message) {
	hasHTML := msg.Payload.HTMLBody != ""
	switch {
	case hasHTML && msg.Payload.ContentType == models.ContentTypePlain && msg.Payload.Body != "":
		m.SetBody("text/plain; charset=utf-8", msg.Payload.Body)
		m.AddAlternative("text/html; charset=utf-8", msg.Payload.HTMLBody)
	case msg.Payload.ContentType == models.ContentTypeHTML:
		m.SetBody("text/html; charset=utf-8", msg.Payload.Body)
	default:
		m.SetBody("text/plain; charset=utf-8", msg.Payload.Body)
	}
}

// attach adds one in-memory resolved attachment as a MIME part with an
// RFC 2231/5987-encoded filename, per spec §6.
func attach(m *mail.Message, a ResolvedAttachment) {
	encoded := url.PathEscape(a.Filename)
	disposition := "attachment; filename*=UTF-8''" + encoded

	data := a.Bytes
	m.Attach(a.Filename,
		mail.SetCopyFunc(func(w io.Writer) error {
			_, err := w.Write(data)
			return err
		}),
		mail.SetHeader(map[string][]string{
			"Content-Disposition": {disposition},
			"Content-Type":        {a.MimeType},
		}),
	)
}
