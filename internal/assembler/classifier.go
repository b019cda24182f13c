package assembler

import "strings"

// greetings are message shapes that carry no retrievable content. A turn
// classified as trivial skips the memory search entirely.
var greetings = map[string]struct{}{
	"hi":           {},
	"hello":        {},
	"hey":          {},
	"yo":           {},
	"sup":          {},
	"good morning": {},
	"good evening": {},
	"good night":   {},
	"thanks":       {},
	"thank you":    {},
	"ok":           {},
	"okay":         {},
	"bye":          {},
	"goodbye":      {},
}

// IsTrivial reports whether the message is a bare greeting or
// acknowledgement. Anything longer than a few words is never trivial.
func IsTrivial(message string) bool {
	normalized := strings.ToLower(strings.TrimSpace(message))
	normalized = strings.TrimRight(normalized, ".!?, ")
	if normalized == "" {
		return true
	}
	if len(strings.Fields(normalized)) > 3 {
		return false
	}
	_, ok := greetings[normalized]
	return ok
}
