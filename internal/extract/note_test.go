package extract

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ruleByName(t *testing.T, name string) Rule {
	t.Helper()
	for _, rule := range NoteRules {
		if rule.Name == name {
			return rule
		}
	}
	require.FailNowf(t, "unknown rule", "no note rule named %q", name)
	return Rule{}
}

func TestNoteRulesInIsolation(t *testing.T) {
	cases := []struct {
		rule   string
		in     Input
		want   string
		wantOK bool
	}{
		{rule: "explicit-label", in: Input{Text: "Note: rent for March"}, want: "rent for March", wantOK: true},
		{rule: "explicit-label", in: Input{Text: `Note "pizza night"`}, want: "pizza night", wantOK: true},
		{rule: "explicit-label", in: Input{Text: "Note:   \nAmount: $3.00"}, wantOK: false},
		{rule: "explicit-label", in: Input{Text: "Notes are available online"}, wantOK: false},
		{
			rule:   "sent-you-money",
			in:     Input{Text: "Ana sent you money\nAmount: $20.00\nNote:\nutilities"},
			want:   "utilities",
			wantOK: true,
		},
		{rule: "sent-you-money", in: Input{Text: "Ana sent you a message"}, wantOK: false},
		{
			rule:   "received-for-asterisk",
			in:     Input{Text: "Zam, you just received $5.00 from John D. for *coffee*."},
			want:   "coffee",
			wantOK: true,
		},
		{
			rule:   "received-for-quoted",
			in:     Input{Text: `You received $12.00 from Maria L. for "movie tickets".`},
			want:   "movie tickets",
			wantOK: true,
		},
		{
			rule:   "greeting-received-for",
			in:     Input{Text: "Hi Zam! You've just received $9.99 from Sam for lunch. View in app"},
			want:   "lunch",
			wantOK: true,
		},
		{
			rule:   "received-for-plain",
			in:     Input{Text: "You received $30.00 from Lee K. for gas money! Open the app"},
			want:   "gas money",
			wantOK: true,
		},
		{rule: "received-for-plain", in: Input{Text: "You received $30.00 from Lee K."}, wantOK: false},
		{
			rule:   "line-note-fallback",
			in:     Input{Lines: []string{"Payment details", "memo note - groceries", "Thanks"}},
			want:   "groceries",
			wantOK: true,
		},
		{rule: "line-note-fallback", in: Input{Lines: []string{"NOTE:", "nothing here"}}, wantOK: false},
		{
			rule:   "line-for-fallback",
			in:     Input{Lines: []string{"Hello", "Sent by Ana for dinner.", "Paid for snacks"}},
			want:   "dinner",
			wantOK: true,
		},
		{rule: "line-for-fallback", in: Input{Lines: []string{"Nothing before the end"}}, wantOK: false},
	}

	for _, tc := range cases {
		t.Run(tc.rule+"/"+tc.want, func(t *testing.T) {
			got, ok := ruleByName(t, tc.rule).Apply(tc.in)
			assert.Equal(t, tc.wantOK, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNoteFallsBackToSentinel(t *testing.T) {
	for _, text := range []string{
		"",
		"   ",
		"Your statement is ready to view.",
		"You received $30.00 from Lee K.",
	} {
		assert.Equal(t, NotAvailable, Note(text), text)
	}
}

func TestNoteExplicitLabelBeatsTemplate(t *testing.T) {
	text := "You received $5.00 from John for *coffee*. Note: rent"
	note, rule := Cascade(NoteRules, Input{Text: text})
	assert.Equal(t, "rent", note)
	assert.Equal(t, "explicit-label", rule)
}

func TestNoteCascadeOrder(t *testing.T) {
	cases := []struct {
		name     string
		text     string
		lines    []string
		want     string
		wantRule string
	}{
		{
			name:     "asterisk template",
			text:     "Zam, you just received $5.00 from John D. for *coffee*.",
			want:     "coffee",
			wantRule: "received-for-asterisk",
		},
		{
			name:     "quoted template beats plain",
			text:     `You received $12.00 from Maria for "tickets" and more`,
			want:     "tickets",
			wantRule: "received-for-quoted",
		},
		{
			name:     "line note fallback from lines",
			text:     "Payment details memo note - groceries",
			lines:    []string{"Payment details", "memo note - groceries"},
			want:     "groceries",
			wantRule: "line-note-fallback",
		},
		{
			name:     "first trailing for line wins",
			text:     "Sent by Ana for dinner. Paid for snacks",
			lines:    []string{"Sent by Ana for dinner.", "Paid for snacks"},
			want:     "dinner",
			wantRule: "line-for-fallback",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			note, rule := Cascade(NoteRules, Input{Text: tc.text, Lines: tc.lines})
			assert.Equal(t, tc.want, note)
			assert.Equal(t, tc.wantRule, rule)
		})
	}
}

func TestPatternRulesStopAtLineEnd(t *testing.T) {
	lines := []string{"Ana sent you money", "Amount: $20.00", "Note: utilities", "Thanks, The Chime Team"}
	in := Input{Text: strings.Join(lines, " "), Lines: lines}

	got, ok := ruleByName(t, "explicit-label").Apply(in)
	require.True(t, ok)
	assert.Equal(t, "utilities", got)

	got, ok = ruleByName(t, "sent-you-money").Apply(in)
	require.True(t, ok)
	assert.Equal(t, "utilities", got)
}

func TestPatternRulesFallBackToText(t *testing.T) {
	in := Input{
		Text:  "Payment details Note: rent",
		Lines: []string{"Payment details", "Note:"},
	}

	got, ok := ruleByName(t, "explicit-label").Apply(in)
	require.True(t, ok)
	assert.Equal(t, "rent", got)
}

func TestCascadeAcceptsInsertedRule(t *testing.T) {
	custom := Rule{Name: "custom", Scan: func([]string) string { return " *tip* " }}
	rules := append([]Rule{custom}, NoteRules...)

	note, rule := Cascade(rules, Input{Text: "Note: rent"})
	assert.Equal(t, "tip", note)
	assert.Equal(t, "custom", rule)
}
