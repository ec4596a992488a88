package extract

import (
	"regexp"
	"strings"
)

// Input is what a note rule sees: the normalized text and, when the body had
// any, its line structure.
type Input struct {
	Text  string
	Lines []string
}

// Rule is one step of the note cascade. Pattern rules return their first
// submatch, trying the lines joined by newlines before Text so a capture
// stops at the end of its own line; Scan rules look at Lines.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
	Scan    func(lines []string) string
}

// Apply runs the rule alone. ok is false when the rule did not produce a
// non-blank capture.
func (r Rule) Apply(in Input) (string, bool) {
	var captured string
	switch {
	case r.Pattern != nil:
		captured = r.match(in)
	case r.Scan != nil:
		lines := in.Lines
		if lines == nil {
			lines = SplitLines(in.Text)
		}
		captured = r.Scan(lines)
	default:
		return "", false
	}
	captured = cleanCapture(captured)
	if captured == "" {
		return "", false
	}
	return captured, true
}

func (r Rule) match(in Input) string {
	if len(in.Lines) > 0 {
		match := r.Pattern.FindStringSubmatch(strings.Join(in.Lines, "\n"))
		if len(match) >= 2 && cleanCapture(match[1]) != "" {
			return match[1]
		}
	}
	match := r.Pattern.FindStringSubmatch(in.Text)
	if len(match) < 2 {
		return ""
	}
	return match[1]
}

const receivedFrom = `received\s+\$\s?[\d,.]+\s+from\s+[^\n]+?\s+for\s+`

var (
	noteLabelPattern = regexp.MustCompile(`(?i)\bnotes?\b:?`)
	trailingForRule  = regexp.MustCompile(`(?i)^.*\bfor\s+([^.!?]{1,100}?)[.!?]*\s*$`)
)

// NoteRules is the note cascade in priority order. Add new template
// variants by inserting a rule at the right priority.
var NoteRules = []Rule{
	{
		Name:    "explicit-label",
		Pattern: regexp.MustCompile(`\bNote\b:?[ \t]*["“]?([^"”\n]+)`),
	},
	{
		Name:    "sent-you-money",
		Pattern: regexp.MustCompile(`(?i)sent you money[\s\S]*?\bAmount:?\s*\$\s?[\d,.]+[\s\S]*?\bNote:?\s*["“]?([^"”\n]+)`),
	},
	{
		Name:    "received-for-asterisk",
		Pattern: regexp.MustCompile(`(?i)` + receivedFrom + `\*+([^*\n]+?)\*+`),
	},
	{
		Name:    "received-for-quoted",
		Pattern: regexp.MustCompile(`(?i)` + receivedFrom + `["“']([^"”'\n]+)["”']`),
	},
	{
		Name:    "greeting-received-for",
		Pattern: regexp.MustCompile(`(?i)you(?:'ve| have)?\s+just\s+` + receivedFrom + `([^.!?\n]+)`),
	},
	{
		Name:    "received-for-plain",
		Pattern: regexp.MustCompile(`(?i)` + receivedFrom + `([^.!?\n]+)`),
	},
	{
		Name: "line-note-fallback",
		Scan: scanNoteLines,
	},
	{
		Name: "line-for-fallback",
		Scan: scanTrailingFor,
	},
}

// Note returns the payment memo found in normalized text, or NotAvailable.
func Note(text string) string {
	return NoteFromLines(text, nil)
}

// NoteFromLines is Note with an explicit line structure for the line rules.
func NoteFromLines(text string, lines []string) string {
	note, _ := Cascade(NoteRules, Input{Text: text, Lines: lines})
	return note
}

// Cascade evaluates rules in order and returns the first capture together
// with the name of the rule that produced it. It returns NotAvailable and an
// empty name when no rule matched.
func Cascade(rules []Rule, in Input) (string, string) {
	for _, rule := range rules {
		if captured, ok := rule.Apply(in); ok {
			return captured, rule.Name
		}
	}
	return NotAvailable, ""
}

func scanNoteLines(lines []string) string {
	for _, line := range lines {
		if !strings.Contains(strings.ToLower(line), "note") {
			continue
		}
		parts := noteLabelPattern.Split(line, 2)
		if len(parts) < 2 {
			continue
		}
		if remainder := cleanCapture(parts[1]); remainder != "" {
			return remainder
		}
	}
	return ""
}

// scanTrailingFor returns the reason of the first line ending in
// "for <reason>".
func scanTrailingFor(lines []string) string {
	for _, line := range lines {
		match := trailingForRule.FindStringSubmatch(line)
		if match == nil {
			continue
		}
		if reason := cleanCapture(match[1]); reason != "" {
			return reason
		}
	}
	return ""
}

const emphasis = " \t\"'`*_“”‘’"

func cleanCapture(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimLeft(s, ":-–— \t")
	s = strings.Trim(s, emphasis)
	s = strings.TrimRight(s, ".,;!? \t")
	s = strings.Trim(s, emphasis)
	return strings.TrimSpace(s)
}
