package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"text2tasks/internal/retrieval"
)

// NoContextAnswer is returned when nothing relevant was found.
const NoContextAnswer = "There is not enough information in the system to answer this question."

type AskOptions struct {
	Question string
	// Zero values fall back to the retrieval config.
	TopK          int
	MaxChars      int
	MinSimilarity *float64
}

type AskResult struct {
	Answer    string             `json:"answer"`
	NextSteps []string           `json:"suggested_next_steps"`
	Refs      []string           `json:"refs"`
	Scores    []retrieval.Scored `json:"scores"`
	NoContext bool               `json:"no_context"`
}

// Ask answers a question from the stored documents. The answerer is only
// called when at least one document made it into the assembled context.
func (e *Engine) Ask(ctx context.Context, opts AskOptions) (AskResult, error) {
	question := strings.TrimSpace(opts.Question)
	if question == "" {
		return AskResult{}, errors.New("question is required")
	}

	e.mu.RLock()
	if err := e.ready(); err != nil {
		e.mu.RUnlock()
		return AskResult{}, err
	}
	settings := e.Config.Retrieval
	empty := e.docs.Len() == 0
	e.mu.RUnlock()
	if opts.TopK > 0 {
		settings.TopK = opts.TopK
	}
	if opts.MaxChars > 0 {
		settings.MaxChars = opts.MaxChars
	}
	if opts.MinSimilarity != nil {
		settings.MinSimilarity = *opts.MinSimilarity
	}
	if empty {
		return noContext(), nil
	}

	if e.Embedder == nil {
		return AskResult{}, errors.New("no embedder configured")
	}
	query, err := e.Embedder.Embed(ctx, question)
	if err != nil {
		return AskResult{}, fmt.Errorf("embed question: %w", err)
	}

	e.mu.RLock()
	if err := e.docs.Validate(query); err != nil {
		e.mu.RUnlock()
		return AskResult{}, err
	}
	scored := retrieval.RankScored(query, e.docs.Corpus(), settings.TopK)
	hits := make([]retrieval.Scored, 0, len(scored))
	ids := make([]string, 0, len(scored))
	for _, s := range scored {
		if s.Score < settings.MinSimilarity {
			continue
		}
		hits = append(hits, s)
		ids = append(ids, s.ID)
	}
	contextText, refs := retrieval.Assemble(ids, e.docs, settings.MaxChars)
	e.mu.RUnlock()

	if contextText == "" {
		res := noContext()
		res.Scores = hits
		return res, nil
	}
	if e.Answerer == nil {
		return AskResult{}, errors.New("no answerer configured")
	}
	ans, err := e.Answerer.Answer(ctx, question, contextText)
	if err != nil {
		return AskResult{}, fmt.Errorf("answer question: %w", err)
	}
	steps := ans.NextSteps
	if steps == nil {
		steps = []string{}
	}
	e.log().Debug("question answered", "refs", refs, "candidates", len(scored))
	return AskResult{Answer: ans.Text, NextSteps: steps, Refs: refs, Scores: hits}, nil
}

func noContext() AskResult {
	return AskResult{Answer: NoContextAnswer, NextSteps: []string{}, Refs: []string{}, Scores: []retrieval.Scored{}, NoContext: true}
}
