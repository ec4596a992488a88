// Package payment builds payment events out of allow-listed notification
// messages.
package payment

import (
	"time"

	"github.com/aaronromeo/paywatch/internal/extract"
	"github.com/aaronromeo/paywatch/internal/mailbox"
	"github.com/aaronromeo/paywatch/internal/matchers"
	"github.com/google/uuid"
)

// Event is one extracted payment notification.
type Event struct {
	ID            string    `json:"id"`
	From          string    `json:"from"`
	FromEmail     string    `json:"fromEmail"`
	Subject       string    `json:"subject"`
	Date          time.Time `json:"date"`
	IsPaymentMail bool      `json:"isPaymentMail"`
	Amount        string    `json:"amount"`
	Note          string    `json:"note"`
}

// Build extracts the payment fields of msg. The HTML body is preferred and
// normalized; a plain text body is used as is.
func Build(msg mailbox.RawMessage) Event {
	text, lines := body(msg)
	return Event{
		ID:            uuid.NewString(),
		From:          displayFrom(msg.Sender),
		FromEmail:     matchers.ResolveSender(msg.Sender),
		Subject:       msg.Subject,
		Date:          msg.Date,
		IsPaymentMail: true,
		Amount:        extract.Amount(text),
		Note:          extract.NoteFromLines(text, lines),
	}
}

func body(msg mailbox.RawMessage) (string, []string) {
	if msg.HTML != "" {
		return extract.Normalize(msg.HTML), extract.Lines(msg.HTML)
	}
	return msg.Text, extract.SplitLines(msg.Text)
}

func displayFrom(sender mailbox.Sender) string {
	if sender.Text != "" {
		return sender.Text
	}
	if len(sender.Addresses) > 0 {
		first := sender.Addresses[0]
		if first.Name != "" {
			return first.Name + " <" + first.Address + ">"
		}
		return first.Address
	}
	return sender.Address
}

// Processor runs the classifier and the builder for one allow-list.
type Processor struct {
	Allow matchers.AllowList
}

// Process returns the event for msg, or false when the sender is not
// allow-listed.
func (p Processor) Process(msg mailbox.RawMessage) (Event, bool) {
	if !matchers.IsPaymentMail(p.Allow, msg.Sender) {
		return Event{}, false
	}
	return Build(msg), true
}
