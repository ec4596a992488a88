// Package extract turns notification bodies into payment fields.
//
// Every extractor is a pure function over text and never fails: a field that
// cannot be determined is reported as NotAvailable.
package extract

import (
	"regexp"
	"strings"
)

// NotAvailable is the sentinel for a field no rule could determine.
const NotAvailable = "N/A"

var (
	tagPattern             = regexp.MustCompile(`<[^>]*>`)
	quotedPrintablePattern = regexp.MustCompile(`=[0-9A-Fa-f]{2}`)
	entityPattern          = regexp.MustCompile(`&(?:[a-zA-Z][a-zA-Z0-9]*|#[0-9]+|#[xX][0-9a-fA-F]+);`)
	whitespacePattern      = regexp.MustCompile(`\s+`)
	inlineSpacePattern     = regexp.MustCompile(`[ \t\f\v]+`)
	blockBreakPattern      = regexp.MustCompile(`(?i)<br\s*/?>|</(?:p|div|tr|li|h[1-6])\s*>`)
)

// Normalize strips markup, quoted-printable escapes and HTML entities, then
// collapses every whitespace run to a single space. Tags and entities are
// replaced with a space so neighbouring words stay apart.
func Normalize(s string) string {
	if s == "" {
		return ""
	}
	s = strip(s)
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(s, " "))
}

// Lines is the line-preserving counterpart of Normalize. Block level
// closing tags and <br> become line breaks, each line is stripped like
// Normalize and empty lines are dropped.
func Lines(s string) []string {
	if s == "" {
		return nil
	}
	s = blockBreakPattern.ReplaceAllString(s, "\n")
	return splitLines(strip(s))
}

// SplitLines splits already-normalized text into trimmed, non-empty lines.
func SplitLines(s string) []string {
	return splitLines(s)
}

func strip(s string) string {
	s = tagPattern.ReplaceAllString(s, " ")
	s = quotedPrintablePattern.ReplaceAllString(s, "")
	return entityPattern.ReplaceAllString(s, " ")
}

func splitLines(s string) []string {
	raw := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	lines := make([]string, 0, len(raw))
	for _, line := range raw {
		line = strings.TrimSpace(inlineSpacePattern.ReplaceAllString(line, " "))
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}
