// Package provider defines the ports the engine uses to reach embedding and
// language models, plus the JSON shapes shared by the remote adapters.
package provider

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
)

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// TaskDraft is one action item pulled out of a document. Fields other than
// Title may be empty.
type TaskDraft struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Owner       string `json:"owner,omitempty"`
	DueDate     string `json:"due,omitempty"`
	Priority    string `json:"priority,omitempty"`
}

type Extraction struct {
	Summary string      `json:"summary"`
	Drafts  []TaskDraft `json:"actions"`
}

type Extractor interface {
	Extract(ctx context.Context, text string) (Extraction, error)
}

type Answer struct {
	Text      string   `json:"answer"`
	NextSteps []string `json:"suggested_next_steps"`
}

type Answerer interface {
	Answer(ctx context.Context, question, context string) (Answer, error)
}

// FallbackAnswer is returned when a model reply cannot be decoded.
func FallbackAnswer() Answer {
	return Answer{
		Text:      "There is not enough information in the system to answer this question.",
		NextSteps: slices.Clone(fallbackSteps),
	}
}

var fallbackSteps = []string{"Ingest related notes", "Rephrase the question"}

const (
	ExtractInstructions = `You extract work items from text. Reply with JSON only, shaped as
{"summary": string, "actions": [{"title": string, "owner": string|null, "due": "YYYY-MM-DD"|null, "priority": "low"|"medium"|"high"|"urgent"|null}]}.
Keep the summary under 120 words. Use only facts present in the text. actions may be empty.`

	AnswerInstructions = `Answer using only the CONTEXT blocks. If they are not enough, say so.
Reply with JSON only, shaped as {"answer": string, "suggested_next_steps": [string]} with one or two next steps.`
)

// AnswerPrompt renders the user turn for an answer request.
func AnswerPrompt(question, context string) string {
	return "CONTEXT\n\n" + context + "\n\nQUESTION\n" + question
}

// ParseExtraction decodes a model reply. Replies that are not JSON yield an
// empty extraction rather than an error.
func ParseExtraction(reply string) Extraction {
	var out Extraction
	if err := json.Unmarshal([]byte(stripFence(reply)), &out); err != nil {
		return Extraction{}
	}
	drafts := out.Drafts[:0]
	for _, d := range out.Drafts {
		d.Title = strings.TrimSpace(d.Title)
		if d.Title != "" {
			drafts = append(drafts, d)
		}
	}
	out.Drafts = drafts
	return out
}

// ParseAnswer decodes a model reply, falling back to FallbackAnswer.
func ParseAnswer(reply string) Answer {
	var out Answer
	if err := json.Unmarshal([]byte(stripFence(reply)), &out); err != nil || strings.TrimSpace(out.Text) == "" {
		return FallbackAnswer()
	}
	return out
}

// stripFence removes a surrounding ``` block some models wrap JSON in.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
