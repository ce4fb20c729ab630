package message

import (
	"fmt"
	"strings"
)

type DisplayType string

const (
	Dialogue DisplayType = "dialogue"
	Thought  DisplayType = "thought"
	Narrator DisplayType = "narrator"
)

// ParseDisplayType accepts the stored enum values plus "narration" as an alias.
func ParseDisplayType(raw string) (DisplayType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "dialogue":
		return Dialogue, nil
	case "thought":
		return Thought, nil
	case "narrator", "narration":
		return Narrator, nil
	default:
		return "", fmt.Errorf("unknown display type %q", raw)
	}
}

// Encode wraps content in the text markers used by the direct-message transport:
// thoughts in parentheses, narration in single asterisks.
func Encode(t DisplayType, content string) string {
	switch t {
	case Thought:
		return "(" + content + ")"
	case Narrator:
		return "*" + content + "*"
	default:
		return content
	}
}

// Decode sniffs the markers written by Encode. A body wrapped in asterisks
// only counts as narration when it has no inner asterisk.
func Decode(content string) (DisplayType, string) {
	if isThought(content) {
		return Thought, content[1 : len(content)-1]
	}
	if isNarration(content) {
		return Narrator, content[1 : len(content)-1]
	}
	return Dialogue, content
}

// DecodeAs resolves a stored message whose display type is known. Markers are
// stripped only when they agree with the stored type, so a dialogue line that
// happens to look like "(this)" survives a reload untouched. An empty stored
// type falls back to Decode.
func DecodeAs(stored DisplayType, content string) (DisplayType, string) {
	switch stored {
	case "":
		return Decode(content)
	case Thought:
		if isThought(content) {
			return Thought, content[1 : len(content)-1]
		}
	case Narrator:
		if isNarration(content) {
			return Narrator, content[1 : len(content)-1]
		}
	}
	return stored, content
}

func isThought(s string) bool {
	return len(s) >= 2 && strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")")
}

func isNarration(s string) bool {
	return len(s) >= 2 && strings.HasPrefix(s, "*") && strings.HasSuffix(s, "*") &&
		!strings.Contains(s[1:len(s)-1], "*")
}
