package service

import (
	"regexp"
	"strings"
)

var emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
var emailExact = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// ExtractRecipients pulls every address out of free text (a pasted CSV or
// a plain list), lowercased and de-duplicated in first-seen order.
func ExtractRecipients(text string) []string {
	return NormalizeRecipients(emailPattern.FindAllString(text, -1))
}

// NormalizeRecipients lowercases and de-duplicates addresses. Malformed
// entries are dropped.
func NormalizeRecipients(list []string) []string {
	seen := make(map[string]bool, len(list))
	out := make([]string, 0, len(list))
	for _, raw := range list {
		addr := strings.ToLower(strings.TrimSpace(raw))
		if !emailExact.MatchString(addr) || seen[addr] {
			continue
		}
		seen[addr] = true
		out = append(out, addr)
	}
	return out
}

func validEmail(addr string) bool {
	return emailExact.MatchString(strings.TrimSpace(addr))
}
