package gateway

import (
	"html"
	"regexp"
	"strings"
)

var (
	roomCodePattern  = regexp.MustCompile(`^[A-Za-z0-9_-]{1,50}$`)
	nicknamePattern  = regexp.MustCompile(`^[A-Za-z0-9 _-]+$`)
)

// profanityStems is a small closed list; exact matches are always
// blocked, and stems of at least 3 letters also block variants that
// start or end with the stem.
var profanityStems = []string{"damn", "hell", "crap"}

// ValidateRoomCode enforces spec.md §6: 1-50 chars, alnum/-/_, lowered.
func ValidateRoomCode(raw string) (string, bool) {
	if !roomCodePattern.MatchString(raw) {
		return "", false
	}
	return strings.ToLower(raw), true
}

// ValidateNickname enforces spec.md §6: 1-30 chars after trimming,
// matching [A-Za-z0-9 _-]+, markup-escaped, profanity-filtered.
func ValidateNickname(raw string) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	if len(trimmed) < 1 || len(trimmed) > 30 {
		return "", false
	}
	if !nicknamePattern.MatchString(trimmed) {
		return "", false
	}
	if containsProfanity(trimmed) {
		return "", false
	}
	return html.EscapeString(trimmed), true
}

// ValidateMessageContent enforces spec.md §6: 1-500 chars trimmed,
// markup-escaped.
func ValidateMessageContent(raw string) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	if len(trimmed) < 1 || len(trimmed) > 500 {
		return "", false
	}
	return html.EscapeString(trimmed), true
}

// containsProfanity checks the exact-match + affix-heuristic rule: a
// stem of at least 3 letters blocks a nickname that begins or ends with
// it, whatever the length of the affix on the other side ("damnit",
// "godsdamn"). Only the first occurrence is checked, and a stem found
// only in the middle of a nickname does not block it.
func containsProfanity(nickname string) bool {
	lower := strings.ToLower(nickname)
	for _, stem := range profanityStems {
		if lower == stem {
			return true
		}
		if len(stem) < 3 {
			continue
		}
		idx := strings.Index(lower, stem)
		if idx == -1 {
			continue
		}
		if idx == 0 || idx+len(stem) == len(lower) {
			return true
		}
	}
	return false
}
