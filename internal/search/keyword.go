// Package search ranks tasks and documents against a keyword query.
package search

import (
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"text2tasks/internal/domain"
)

var (
	wordRe   = regexp.MustCompile(`[\p{L}\p{N}_]+`)
	phraseRe = regexp.MustCompile(`"([^"]*)"`)

	stopWords = map[string]struct{}{
		"the": {}, "and": {}, "but": {}, "for": {}, "with": {}, "are": {}, "was": {}, "were": {},
		"been": {}, "have": {}, "has": {}, "had": {}, "does": {}, "did": {}, "will": {},
		"would": {}, "could": {}, "should": {},
	}
)

const (
	maxTextMatches = 10
	snippetBefore  = 50
	snippetAfter   = 100
	summaryRunes   = 200
	leadRunes      = 150
)

// TaskHit is a matching task with its relevance score.
type TaskHit struct {
	Task  domain.Task `json:"task"`
	Score float64     `json:"score"`
}

// DocumentHit is a matching document with its score and a preview around the
// first match.
type DocumentHit struct {
	Document domain.Document `json:"document"`
	Score    float64         `json:"score"`
	Snippet  string          `json:"snippet"`
}

// Terms splits a query into lowercase search terms: words longer than two
// characters that are not stop words, then each non-empty "quoted phrase".
func Terms(query string) []string {
	var terms []string
	for _, w := range wordRe.FindAllString(strings.ToLower(query), -1) {
		if utf8.RuneCountInString(w) <= 2 {
			continue
		}
		if _, stop := stopWords[w]; stop {
			continue
		}
		terms = append(terms, w)
	}
	for _, m := range phraseRe.FindAllStringSubmatch(query, -1) {
		if p := strings.TrimSpace(m[1]); p != "" {
			terms = append(terms, strings.ToLower(p))
		}
	}
	return terms
}

// ScoreTask weighs title matches over description matches. The whole query
// appearing verbatim adds a bonus, recent tasks and high or urgent ones are
// boosted.
func ScoreTask(t domain.Task, query string, terms []string, now time.Time) float64 {
	title := strings.ToLower(t.Title)
	desc := strings.ToLower(t.Description)
	var owner string
	if t.Owner != nil {
		owner = strings.ToLower(*t.Owner)
	}

	score := 0.0
	if q := strings.ToLower(strings.TrimSpace(query)); q != "" && strings.Contains(title+" "+desc, q) {
		score += 10
	}
	for _, term := range terms {
		score += 3 * float64(strings.Count(title, term))
		score += 1.5 * float64(strings.Count(desc, term))
		if owner != "" && strings.Contains(owner, term) {
			score += 2
		}
	}
	if score == 0 {
		return 0
	}
	switch age := now.Sub(t.CreatedAt); {
	case age < 7*24*time.Hour:
		score *= 1.2
	case age < 30*24*time.Hour:
		score *= 1.1
	}
	if t.Priority.Elevated() {
		score *= 1.15
	}
	return score
}

// ScoreDocument weighs summary matches highest. Text matches count up to
// maxTextMatches per term.
func ScoreDocument(d domain.Document, query string, terms []string) float64 {
	text := strings.ToLower(d.Text)
	summary := strings.ToLower(d.Summary)
	source := strings.ToLower(d.Source)

	score := 0.0
	if q := strings.ToLower(strings.TrimSpace(query)); q != "" && strings.Contains(text+" "+summary, q) {
		score += 15
	}
	for _, term := range terms {
		score += 4 * float64(strings.Count(summary, term))
		score += float64(min(strings.Count(text, term), maxTextMatches))
		if source != "" && strings.Contains(source, term) {
			score += 2
		}
	}
	return score
}

// Snippet previews a document: the summary when it mentions a term, else the
// text around the first term found, else the start of the text.
func Snippet(d domain.Document, terms []string) string {
	lowSummary := strings.ToLower(d.Summary)
	for _, term := range terms {
		if d.Summary != "" && strings.Contains(lowSummary, term) {
			return cut(d.Summary, 0, summaryRunes)
		}
	}
	text := []rune(d.Text)
	lower := []rune(strings.ToLower(d.Text))
	if len(lower) == len(text) {
		for _, term := range terms {
			idx := strings.Index(string(lower), term)
			if idx < 0 {
				continue
			}
			at := utf8.RuneCountInString(string(lower)[:idx])
			return cut(d.Text, max(0, at-snippetBefore), at+snippetAfter)
		}
	}
	return cut(d.Text, 0, leadRunes)
}

// cut returns runes [from, to) of s with "..." marking dropped ends.
func cut(s string, from, to int) string {
	r := []rune(s)
	to = min(to, len(r))
	out := string(r[from:to])
	if from > 0 {
		out = "..." + out
	}
	if to < len(r) {
		out += "..."
	}
	return out
}

// Tasks scores every task and returns the matches best first, ties by id,
// along with the number of matches before limit is applied.
func Tasks(candidates []domain.Task, query string, now time.Time, limit int) ([]TaskHit, int) {
	terms := Terms(query)
	hits := []TaskHit{}
	for _, t := range candidates {
		if s := ScoreTask(t, query, terms, now); s > 0 {
			hits = append(hits, TaskHit{Task: t, Score: s})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Task.ID < hits[j].Task.ID
	})
	total := len(hits)
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, total
}

// Documents is Tasks for documents. Hits carry a snippet.
func Documents(candidates []domain.Document, query string, limit int) ([]DocumentHit, int) {
	terms := Terms(query)
	hits := []DocumentHit{}
	for _, d := range candidates {
		if s := ScoreDocument(d, query, terms); s > 0 {
			hits = append(hits, DocumentHit{Document: d, Score: s, Snippet: Snippet(d, terms)})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Document.ID < hits[j].Document.ID
	})
	total := len(hits)
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, total
}
