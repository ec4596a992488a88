package matchers

import (
	"regexp"
	"strings"

	"github.com/aaronromeo/paywatch/internal/mailbox"
)

var (
	angleAddressPattern = regexp.MustCompile(`<([^<>\s]+@[^<>\s]+)>`)
	addressPattern      = regexp.MustCompile(`^[^@\s<>"]+@[^@\s<>"]+\.[^@\s<>"]+$`)
)

// AllowList is the set of sender addresses treated as payment notifiers.
// Membership is an exact, case-sensitive comparison.
type AllowList map[string]struct{}

func NewAllowList(addresses ...string) AllowList {
	allow := make(AllowList, len(addresses))
	for _, address := range addresses {
		address = strings.TrimSpace(address)
		if address == "" {
			continue
		}
		allow[address] = struct{}{}
	}
	return allow
}

// Contains reports whether address is allow-listed.
func (a AllowList) Contains(address string) bool {
	if address == "" {
		return false
	}
	_, ok := a[address]
	return ok
}

// Addresses returns the members in no particular order.
func (a AllowList) Addresses() []string {
	out := make([]string, 0, len(a))
	for address := range a {
		out = append(out, address)
	}
	return out
}

// ResolveSender picks the sender address from the structured address list,
// then an angle-bracket address in the header text, then the bare address
// field. It returns "" when none of them yields a valid address.
func ResolveSender(sender mailbox.Sender) string {
	for _, addr := range sender.Addresses {
		if candidate := strings.TrimSpace(addr.Address); IsAddress(candidate) {
			return candidate
		}
	}
	if match := angleAddressPattern.FindStringSubmatch(sender.Text); match != nil {
		if candidate := strings.TrimSpace(match[1]); IsAddress(candidate) {
			return candidate
		}
	}
	if candidate := strings.TrimSpace(sender.Address); IsAddress(candidate) {
		return candidate
	}
	return ""
}

// IsAddress reports whether s looks like an email address.
func IsAddress(s string) bool {
	return addressPattern.MatchString(s)
}

// IsPaymentMail reports whether the message sender is allow-listed.
func IsPaymentMail(allow AllowList, sender mailbox.Sender) bool {
	return allow.Contains(ResolveSender(sender))
}
