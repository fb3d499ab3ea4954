// Package local provides offline providers. They need no network and give
// stable output for the same input, so they back tests and keyless setups.
package local

import (
	"context"
	"encoding/binary"
	"math"
	"regexp"
	"strings"
	"unicode"

	"github.com/zeebo/blake3"

	"text2tasks/internal/provider"
)

var (
	_ provider.Embedder  = (*Embedder)(nil)
	_ provider.Extractor = Extractor{}
	_ provider.Answerer  = Answerer{}
)

// Embedder is a feature-hashing bag of words. Each token lands in one bucket
// with a sign taken from its hash, and the result is L2-normalized.
type Embedder struct {
	dim int
}

func NewEmbedder(dimension int) *Embedder {
	if dimension <= 0 {
		dimension = 256
	}
	return &Embedder{dim: dimension}
}

func (e *Embedder) Dimensions() int { return e.dim }

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vec := make([]float64, e.dim)
	for _, tok := range tokenize(text) {
		sum := blake3.Sum256([]byte(tok))
		h := binary.LittleEndian.Uint64(sum[:8])
		idx := int(h % uint64(e.dim))
		if sum[8]&1 == 1 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	out := make([]float32, e.dim)
	if norm == 0 {
		return out, nil
	}
	norm = math.Sqrt(norm)
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out, nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

var (
	actionPrefixes = []string{"todo:", "- [ ]", "* [ ]", "action:", "action item:", "ai:"}
	ownerRe        = regexp.MustCompile(`(?:^|\s)@([\p{L}\p{N}_.-]+)`)
	dueRe          = regexp.MustCompile(`(?i)\bdue:\s*(\d{4}-\d{2}-\d{2})\b`)
	priorityRe     = regexp.MustCompile(`(?i)(?:^|\s)!(low|medium|high|urgent)\b`)
)

// Extractor recognizes action lines such as "TODO: ...", "- [ ] ..." and
// "Action: ...". Inline "@owner", "due:YYYY-MM-DD" and "!priority" markers are
// lifted into the draft and removed from the title.
type Extractor struct{}

func (Extractor) Extract(ctx context.Context, text string) (provider.Extraction, error) {
	if err := ctx.Err(); err != nil {
		return provider.Extraction{}, err
	}
	out := provider.Extraction{Summary: summarize(text)}
	for _, line := range strings.Split(text, "\n") {
		rest, ok := cutActionPrefix(strings.TrimSpace(line))
		if !ok {
			continue
		}
		var d provider.TaskDraft
		if m := ownerRe.FindStringSubmatch(rest); m != nil {
			d.Owner = m[1]
			rest = ownerRe.ReplaceAllString(rest, " ")
		}
		if m := dueRe.FindStringSubmatch(rest); m != nil {
			d.DueDate = m[1]
			rest = dueRe.ReplaceAllString(rest, " ")
		}
		if m := priorityRe.FindStringSubmatch(rest); m != nil {
			d.Priority = strings.ToLower(m[1])
			rest = priorityRe.ReplaceAllString(rest, " ")
		}
		d.Title = strings.Join(strings.Fields(rest), " ")
		if d.Title != "" {
			out.Drafts = append(out.Drafts, d)
		}
	}
	return out, nil
}

func cutActionPrefix(line string) (string, bool) {
	lower := strings.ToLower(line)
	for _, p := range actionPrefixes {
		if strings.HasPrefix(lower, p) {
			return line[len(p):], true
		}
	}
	return "", false
}

const summaryRunes = 200

// summarize keeps the first non-empty line, cut at summaryRunes.
func summarize(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		r := []rune(line)
		if len(r) > summaryRunes {
			return string(r[:summaryRunes]) + "…"
		}
		return line
	}
	return ""
}

// Answerer echoes the best-ranked context block without its label.
type Answerer struct{}

func (Answerer) Answer(ctx context.Context, question, contextText string) (provider.Answer, error) {
	if err := ctx.Err(); err != nil {
		return provider.Answer{}, err
	}
	block, _, _ := strings.Cut(contextText, "\n\n[doc:")
	if strings.HasPrefix(block, "[doc:") {
		if _, body, ok := strings.Cut(block, "\n"); ok {
			block = body
		}
	}
	block = strings.TrimSpace(block)
	if block == "" {
		return provider.FallbackAnswer(), nil
	}
	return provider.Answer{Text: block, NextSteps: []string{}}, nil
}
