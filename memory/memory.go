// Package memory stores past tool failures so the planner can avoid
// repeating them. Lookups are lexical: records are ranked by how many
// words they share with the query.
package memory

import (
	"context"
	"sort"
	"strings"
	"time"
	"unicode"
)

// Record is one remembered failure. LogID and StepIndex locate the failed
// step in its audit log.
type Record struct {
	ID        string         `json:"id"`
	LogID     string         `json:"audit_log_id,omitempty"`
	StepIndex int            `json:"step_index"`
	CallerID  string         `json:"caller_id"`
	Intent    string         `json:"intent,omitempty"`
	ToolName  string         `json:"tool_name"`
	Error     string         `json:"error"`
	ErrorKind string         `json:"error_kind,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
	Remedy    string         `json:"remedy,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Text is the content a record is matched on.
func (r Record) Text() string {
	return strings.Join([]string{r.Intent, r.ToolName, r.Error, r.Remedy}, " ")
}

// Store saves and recalls failure records.
type Store interface {
	Save(ctx context.Context, rec Record) error

	// Relevant returns up to limit records of callerID that share words
	// with text, best match first. An empty callerID matches every caller.
	Relevant(ctx context.Context, text, callerID string, limit int) ([]Record, error)
}

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "was": true,
	"not": true, "are": true, "this": true, "that": true, "from": true,
}

func tokenize(s string) map[string]bool {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	out := make(map[string]bool, len(words))
	for _, w := range words {
		if len(w) < 3 || stopWords[w] {
			continue
		}
		out[w] = true
	}
	return out
}

type scored struct {
	rec   Record
	score int
}

// rank keeps records sharing at least one word with text, best first,
// newest first on ties.
func rank(records []Record, text string, limit int) []Record {
	query := tokenize(text)
	if len(query) == 0 || limit <= 0 {
		return nil
	}

	var hits []scored
	for _, rec := range records {
		score := 0
		for w := range tokenize(rec.Text()) {
			if query[w] {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, scored{rec: rec, score: score})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].rec.CreatedAt.After(hits[j].rec.CreatedAt)
	})

	if len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]Record, len(hits))
	for i, h := range hits {
		out[i] = h.rec
	}
	return out
}
