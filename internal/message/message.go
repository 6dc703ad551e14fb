// Package message pulls the calendar payload and its attachments out of a
// groupware export mail.
package message

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"golang.org/x/text/encoding/charmap"

	"gwics/internal/model"
)

func init() {
	// GroupWise mails frequently declare Western European charsets.
	charset.RegisterEncoding("windows-1252", charmap.Windows1252)
	charset.RegisterEncoding("iso-8859-1", charmap.ISO8859_1)
	charset.RegisterEncoding("iso-8859-15", charmap.ISO8859_15)
}

// Extracted is what a message carries for the calendar parser.
type Extracted struct {
	// MessageID is the Message-Id header, for logging.
	MessageID string
	// Payload is the first text/calendar part, nil if the message has none.
	Payload []byte
	// Attachments are the attachment parts in message order.
	Attachments []model.Attachment
}

// Extract walks the MIME tree of raw. The first text/calendar part becomes
// the payload whatever its disposition; other parts are kept as attachments
// when their disposition says so.
func Extract(raw []byte) (*Extracted, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("message: failed to create mail reader: %w", err)
	}
	defer mr.Close()

	out := &Extracted{
		MessageID: strings.TrimSpace(mr.Header.Get("Message-Id")),
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("message: failed to read part: %w", err)
		}

		var contentType string
		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ = h.ContentType()
		case *mail.AttachmentHeader:
			contentType, _, _ = h.ContentType()
		}

		if strings.HasPrefix(contentType, "text/calendar") && out.Payload == nil {
			body, err := io.ReadAll(part.Body)
			if err != nil {
				return nil, fmt.Errorf("message: failed to read calendar part: %w", err)
			}
			out.Payload = body
			continue
		}

		h, ok := part.Header.(*mail.AttachmentHeader)
		if !ok {
			continue
		}
		filename, _ := h.Filename()
		data, err := io.ReadAll(part.Body)
		if err != nil {
			return nil, fmt.Errorf("message: failed to read attachment: %w", err)
		}
		out.Attachments = append(out.Attachments, model.Attachment{
			Filename:    filename,
			ContentType: contentType,
			Data:        data,
		})
	}

	return out, nil
}
