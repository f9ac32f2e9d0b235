package kvstore

import "strings"

var segmentEscaper = strings.NewReplacer(
	"%", "%25",
	":", "%3A",
	"{", "%7B",
	"}", "%7D",
	"*", "%2A",
	"?", "%3F",
	"[", "%5B",
	"]", "%5D",
	"\\", "%5C",
)

// EscapeSegment percent-encodes the characters that delimit key segments,
// hash tags or MATCH patterns so arbitrary ids cannot collide.
func EscapeSegment(s string) string {
	return segmentEscaper.Replace(s)
}

// HashTag wraps an escaped id in braces so every key built with it maps to
// the same Redis Cluster slot.
func HashTag(id string) string {
	return "{" + EscapeSegment(id) + "}"
}
