package directory

import "strings"

const DefaultDeckType = "fibonacci"

var deckTypes = map[string]struct{}{
	"fibonacci": {},
	"modified":  {},
	"powers":    {},
	"linear":    {},
	"tshirt":    {},
}

// NormalizeDeckType lowercases the deck name and falls back to the default
// when it is blank. ok is false for unknown decks.
func NormalizeDeckType(deckType string) (string, bool) {
	d := strings.ToLower(strings.TrimSpace(deckType))
	if d == "" {
		return DefaultDeckType, true
	}
	_, ok := deckTypes[d]
	return d, ok
}
