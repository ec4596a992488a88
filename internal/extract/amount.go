package extract

import "regexp"

// The comma-grouped alternative comes first so "$1,234.56" is not cut at the
// first comma.
var amountPattern = regexp.MustCompile(`(?:\bAmount:?\s*)?\$\s?((?:\d{1,3}(?:,\d{3})+|\d+)(?:\.\d{2})?)`)

// Amount returns the first dollar amount in text, formatted as "$12.34", or
// NotAvailable. An "Amount:" label in front of it is accepted but never part
// of the result.
func Amount(text string) string {
	match := amountPattern.FindStringSubmatch(text)
	if match == nil {
		return NotAvailable
	}
	return "$" + match[1]
}
