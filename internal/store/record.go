package store

import (
	"errors"
	"sort"
	"time"
)

// ErrNotFound is returned when no record carries the requested id.
var ErrNotFound = errors.New("record not found")

// Record is one archived battle. The JSON layout is the persisted schema.
type Record struct {
	URL           string     `json:"url"`
	ID            string     `json:"id"`
	CreatedAt     time.Time  `json:"createdAt"`
	EndedAt       *time.Time `json:"endedAt,omitempty"`
	Format        string     `json:"format"`
	Players       []string   `json:"players"`
	Winner        string     `json:"winner,omitempty"`
	IsProvisional bool       `json:"isProvisional"`
}

// Finalized reports whether the record was reconciled with end information.
func (r Record) Finalized() bool {
	return !r.IsProvisional && r.EndedAt != nil
}

// Won reports whether player is the recorded winner.
func (r Record) Won(player string) bool {
	return r.Winner != "" && r.Winner == player
}

func (r Record) clone() Record {
	if r.Players != nil {
		r.Players = append([]string(nil), r.Players...)
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		r.EndedAt = &t
	}
	return r
}

func indexOf(records []Record, id string) int {
	for i := range records {
		if records[i].ID == id {
			return i
		}
	}
	return -1
}

// sortNewestFirst orders records by creation time, most recent first.
func sortNewestFirst(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
}
