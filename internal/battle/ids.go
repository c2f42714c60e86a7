// Package battle classifies Showdown page text into battle lifecycle signals and derives
// the identifiers used to address archived replays.
package battle

import (
	"strings"
	"unicode"
)

// MatchPrefix starts every battle room identifier.
const MatchPrefix = "battle-"

// UnknownFormat labels records whose identifier carries no format token.
const UnknownFormat = "Unknown Format"

// DefaultReplayHost serves saved replays.
const DefaultReplayHost = "https://replay.pokemonshowdown.com"

// MatchID names a live battle room, e.g. "battle-gen9ou-12345".
type MatchID string

// Valid reports whether the identifier carries the battle room prefix and a body.
func (id MatchID) Valid() bool {
	return strings.HasPrefix(string(id), MatchPrefix) && len(id) > len(MatchPrefix)
}

// RecordID returns the store-facing identifier: the room id without its prefix.
func (id MatchID) RecordID() string {
	return strings.TrimPrefix(string(id), MatchPrefix)
}

// Format returns the human-readable format label, e.g. "Gen9ou" for battle-gen9ou-12345.
func (id MatchID) Format() string {
	rest, ok := strings.CutPrefix(string(id), MatchPrefix)
	if !ok {
		return UnknownFormat
	}
	token, _, found := strings.Cut(rest, "-")
	if !found || token == "" {
		return UnknownFormat
	}
	return humanize(token)
}

// humanize splits lowercase-to-uppercase humps with a space and capitalises the first rune.
func humanize(token string) string {
	runes := []rune(token)
	var b strings.Builder
	for i, r := range runes {
		if i > 0 && unicode.IsLower(runes[i-1]) && unicode.IsUpper(r) {
			b.WriteByte(' ')
		}
		if i == 0 {
			r = unicode.ToUpper(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}

// RecordURL returns the canonical replay address for a record id.
func RecordURL(host, recordID string) string {
	if host == "" {
		host = DefaultReplayHost
	}
	return strings.TrimRight(host, "/") + "/" + recordID
}

// ResolveID picks the battle identifier out of page context candidates, in priority order:
// the page address fragment, the active room tab target, the room the text came from.
// Candidates may carry a leading "#", "/" or "room-". It returns false when none names a
// battle room.
func ResolveID(candidates ...string) (MatchID, bool) {
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		c = strings.TrimLeft(c, "#/")
		c = strings.TrimPrefix(c, "room-")
		if id := MatchID(c); id.Valid() {
			return id, true
		}
	}
	return "", false
}
