package battle

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// WinMarker starts the protocol line naming the winner.
const WinMarker = "|win|"

// Log is what a replay log says about a battle.
type Log struct {
	Winner  string
	Players []string
}

// ParseLog scans a line-oriented replay log. The remainder of the first line beginning with
// WinMarker is the winner, taken as written; a log without one has no winner and is not an
// error.
// Players come from the |player|p1| and |player|p2| lines.
func ParseLog(r io.Reader) (Log, error) {
	var out Log
	var p1, p2 string
	sawWin := false
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			line = strings.TrimRight(line, "\r\n")
			switch {
			case strings.HasPrefix(line, WinMarker):
				if !sawWin {
					sawWin = true
					out.Winner = strings.TrimPrefix(line, WinMarker)
				}
			case strings.HasPrefix(line, "|player|p1|"):
				if name := playerName(line); name != "" {
					p1 = name
				}
			case strings.HasPrefix(line, "|player|p2|"):
				if name := playerName(line); name != "" {
					p2 = name
				}
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return out, err
		}
	}
	if p1 != "" && p2 != "" {
		out.Players = []string{p1, p2}
	}
	return out, nil
}

// playerName extracts Name from "|player|p1|Name|avatar|rating".
func playerName(line string) string {
	fields := strings.Split(line, "|")
	if len(fields) < 4 {
		return ""
	}
	return strings.TrimSpace(fields[3])
}

// ToID normalises a display name the way Showdown user ids are formed.
func ToID(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
