package battle

import "strings"

// Kind is the lifecycle meaning of a line.
type Kind int

const (
	Irrelevant Kind = iota
	MatchStarted
	MatchEnded
)

func (k Kind) String() string {
	switch k {
	case MatchStarted:
		return "started"
	case MatchEnded:
		return "ended"
	default:
		return "irrelevant"
	}
}

// Source says where a line was observed.
type Source int

const (
	// SourceConsole is protocol or console text logged by the client.
	SourceConsole Source = iota
	// SourceDOM is text added to a battle log element.
	SourceDOM
	// SourceRoom means a battle room element appeared; it always counts as a start.
	SourceRoom
)

func (s Source) String() string {
	switch s {
	case SourceDOM:
		return "dom"
	case SourceRoom:
		return "room"
	default:
		return "console"
	}
}

// Strength separates authoritative markers from heuristics.
type Strength int

const (
	Decisive Strength = iota
	Loose
)

// Signal is a classified line.
type Signal struct {
	Kind     Kind
	ID       MatchID
	Raw      string
	Source   Source
	Strength Strength
}

type match func(line string) bool

func contains(subs ...string) match {
	return func(line string) bool {
		for _, s := range subs {
			if !strings.Contains(line, s) {
				return false
			}
		}
		return true
	}
}

// lineStart matches when one protocol line of a chunk begins with prefix.
func lineStart(prefix string) match {
	return func(line string) bool {
		for _, l := range strings.Split(line, "\n") {
			if strings.HasPrefix(strings.TrimSpace(l), prefix) {
				return true
			}
		}
		return false
	}
}

// announcement matches battle-history text of the form "<name><suffix>". Chat renders as
// "<name>: <message>", so a line with a colon separator is rejected.
func announcement(suffix string) match {
	return func(line string) bool {
		l := strings.TrimSpace(line)
		if !strings.HasSuffix(l, suffix) || strings.Contains(l, ": ") {
			return false
		}
		return strings.TrimSpace(strings.TrimSuffix(l, suffix)) != ""
	}
}

func wholeLine(want string) match {
	return func(line string) bool {
		for _, l := range strings.Split(line, "\n") {
			if strings.TrimSpace(l) == want {
				return true
			}
		}
		return false
	}
}

type pattern struct {
	name     string
	kind     Kind
	strength Strength
	sources  []Source
	match    match
}

func (p pattern) accepts(src Source) bool {
	for _, s := range p.sources {
		if s == src {
			return true
		}
	}
	return false
}

// patterns is the single table of lifecycle markers. End patterns come first so a line
// carrying both kinds (a protocol chunk with |player| and |win|) classifies as an end.
var patterns = []pattern{
	{"win", MatchEnded, Decisive, []Source{SourceConsole}, lineStart(WinMarker)},
	{"tie", MatchEnded, Decisive, []Source{SourceConsole}, wholeLine("|tie")},
	{"won-the-battle", MatchEnded, Decisive, []Source{SourceDOM}, announcement(" won the battle!")},
	{"forfeited", MatchEnded, Loose, []Source{SourceConsole}, contains("forfeited")},
	{"tie-exclaimed", MatchEnded, Loose, []Source{SourceConsole}, contains("tie!")},
	{"inactivity", MatchEnded, Loose, []Source{SourceConsole}, contains("lost due to inactivity")},
	{"battle-ended", MatchEnded, Loose, []Source{SourceConsole}, contains("battle ended")},

	{"init", MatchStarted, Decisive, []Source{SourceConsole}, contains("|init|battle")},
	{"request-active", MatchStarted, Decisive, []Source{SourceConsole}, contains("|request|", `"active"`)},
	{"player-assigned", MatchStarted, Decisive, []Source{SourceConsole}, contains("|player|", "|p1|")},
	{"battle-started", MatchStarted, Decisive, []Source{SourceConsole, SourceDOM}, contains("battle started")},
}

// Classifier turns lines into Signals.
type Classifier struct {
	// AllowLoose enables heuristic end patterns for console text. They can match
	// unrelated chat, so they are off by default.
	AllowLoose bool
}

// Classify returns the lifecycle meaning of line. The battle id comes from id, never from
// the line; a relevant line with an invalid id still classifies, and callers drop it.
func (c Classifier) Classify(line string, src Source, id MatchID) Signal {
	if src == SourceRoom {
		return Signal{Kind: MatchStarted, ID: id, Raw: line, Source: src}
	}
	for _, p := range patterns {
		if !p.accepts(src) {
			continue
		}
		if p.strength == Loose && !c.AllowLoose {
			continue
		}
		if p.match(line) {
			return Signal{Kind: p.kind, ID: id, Raw: line, Source: src, Strength: p.strength}
		}
	}
	return Signal{Kind: Irrelevant, ID: id, Raw: line, Source: src}
}
