package payment

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/aaronromeo/paywatch/internal/extract"
	"github.com/aaronromeo/paywatch/internal/mailbox"
	"github.com/aaronromeo/paywatch/internal/matchers"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chimeSender() mailbox.Sender {
	return mailbox.Sender{
		Text:      "Chime <alerts@account.chime.com>",
		Addresses: []mailbox.Address{{Name: "Chime", Address: "alerts@account.chime.com"}},
	}
}

func TestProcessChimeTextMessage(t *testing.T) {
	date := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
	p := Processor{Allow: matchers.NewAllowList("alerts@account.chime.com")}

	event, ok := p.Process(mailbox.RawMessage{
		Sender:  chimeSender(),
		Subject: "You received money",
		Date:    date,
		Text:    "Zam, you just received $5.00 from John D. for *coffee*.",
	})
	require.True(t, ok)

	assert.Equal(t, "$5.00", event.Amount)
	assert.Equal(t, "coffee", event.Note)
	assert.Equal(t, "alerts@account.chime.com", event.FromEmail)
	assert.Equal(t, "Chime <alerts@account.chime.com>", event.From)
	assert.Equal(t, "You received money", event.Subject)
	assert.Equal(t, date, event.Date)
	assert.True(t, event.IsPaymentMail)
	_, err := uuid.Parse(event.ID)
	assert.NoError(t, err)
}

func TestProcessDropsUnknownSender(t *testing.T) {
	p := Processor{Allow: matchers.NewAllowList("alerts@account.chime.com")}

	_, ok := p.Process(mailbox.RawMessage{
		Sender: mailbox.Sender{Text: "Deals <promo@example.com>"},
		Text:   "You received $5.00 from John D. for *coffee*.",
	})
	assert.False(t, ok)
}

func TestBuildPrefersHTML(t *testing.T) {
	event := Build(mailbox.RawMessage{
		Sender: chimeSender(),
		HTML: "<html><body><div>Ana sent you money</div><div>Amount: <b>$20.00</b></div>" +
			"<div>Note: <i>utilities</i></div></body></html>",
		Text: "Amount: $1.00 Note: ignored",
	})

	assert.Equal(t, "$20.00", event.Amount)
	assert.Equal(t, "utilities", event.Note)
}

func TestBuildKeepsHTMLNoteOnItsLine(t *testing.T) {
	event := Build(mailbox.RawMessage{
		Sender: chimeSender(),
		HTML: "<p>Ana sent you money</p><p>Amount: $20.00</p>" +
			"<p>Note: utilities</p><p>Thanks, The Chime Team</p>",
	})

	assert.Equal(t, "$20.00", event.Amount)
	assert.Equal(t, "utilities", event.Note)
}

func TestBuildUsesLineStructureOfHTML(t *testing.T) {
	event := Build(mailbox.RawMessage{
		Sender: chimeSender(),
		HTML:   "<p>Payment details</p><p>Sent by Ana for dinner.</p><p>View in app</p>",
	})

	assert.Equal(t, extract.NotAvailable, event.Amount)
	assert.Equal(t, "dinner", event.Note)
}

func TestBuildWithoutBodyUsesSentinels(t *testing.T) {
	event := Build(mailbox.RawMessage{Sender: chimeSender()})

	assert.Equal(t, extract.NotAvailable, event.Amount)
	assert.Equal(t, extract.NotAvailable, event.Note)
}

func TestDisplayFromFallbacks(t *testing.T) {
	assert.Equal(t, "Chime <alerts@account.chime.com>", displayFrom(mailbox.Sender{
		Addresses: []mailbox.Address{{Name: "Chime", Address: "alerts@account.chime.com"}},
	}))
	assert.Equal(t, "alerts@account.chime.com", displayFrom(mailbox.Sender{
		Addresses: []mailbox.Address{{Address: "alerts@account.chime.com"}},
	}))
	assert.Equal(t, "bare@account.chime.com", displayFrom(mailbox.Sender{Address: "bare@account.chime.com"}))
}

func TestEventJSONKeys(t *testing.T) {
	encoded, err := json.Marshal(Event{ID: "id-1", FromEmail: "alerts@account.chime.com", IsPaymentMail: true})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	for _, key := range []string{"id", "from", "fromEmail", "subject", "date", "isPaymentMail", "amount", "note"} {
		assert.Contains(t, decoded, key)
	}
}
