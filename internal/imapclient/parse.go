package imapclient

import (
	"bytes"
	"io"
	"strings"

	"github.com/aaronromeo/paywatch/internal/mailbox"
	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// ParseMessage builds a RawMessage from the fetched envelope and the full
// RFC 822 message. Header values from the message take precedence over the
// envelope; the first text/html and text/plain parts become the bodies.
func ParseMessage(uid uint32, envelope *imap.Envelope, raw []byte) mailbox.RawMessage {
	msg := mailbox.RawMessage{UID: uid}
	if envelope != nil {
		msg.Subject = envelope.Subject
		msg.Date = envelope.Date
		for _, addr := range envelope.From {
			msg.Sender.Addresses = append(msg.Sender.Addresses, mailbox.Address{Name: addr.Name, Address: addr.Addr()})
		}
		if len(envelope.From) > 0 {
			msg.Sender.Address = envelope.From[0].Addr()
		}
	}
	if len(raw) == 0 {
		return msg
	}

	reader, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return msg
	}
	defer reader.Close()

	parseHeader(&msg, reader.Header)

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) {
				continue
			}
			break
		}
		header, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, err := header.ContentType()
		if err != nil {
			contentType = "text/plain"
		}
		body, err := io.ReadAll(part.Body)
		if err != nil {
			continue
		}
		switch strings.ToLower(contentType) {
		case "text/html":
			if msg.HTML == "" {
				msg.HTML = string(body)
			}
		case "text/plain":
			if msg.Text == "" {
				msg.Text = string(body)
			}
		}
	}

	return msg
}

func parseHeader(msg *mailbox.RawMessage, header mail.Header) {
	if text, err := header.Text("From"); err == nil && text != "" {
		msg.Sender.Text = text
	}
	if addrs, err := header.AddressList("From"); err == nil && len(addrs) > 0 {
		msg.Sender.Addresses = msg.Sender.Addresses[:0]
		for _, addr := range addrs {
			msg.Sender.Addresses = append(msg.Sender.Addresses, mailbox.Address{Name: addr.Name, Address: addr.Address})
		}
		if msg.Sender.Address == "" {
			msg.Sender.Address = addrs[0].Address
		}
	}
	if subject, err := header.Subject(); err == nil && subject != "" {
		msg.Subject = subject
	}
	if date, err := header.Date(); err == nil && !date.IsZero() {
		msg.Date = date
	}
}
