// Copyright (C) 2025 Pocketsage Labs (oss@pocketsage.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"

	"github.com/pocketsage/pocketsage/services/query/routing"
)

// classifyPrompt instructs the model to behave as a zero-shot classifier and
// answer in strict JSON. Small local models drift into prose without the
// explicit output contract at the end.
const classifyPrompt = `You are a zero-shot intent classifier for a personal finance assistant.

Given a user query and a list of candidate intent labels, rank ALL candidate
labels from best to worst match and assign each a confidence score between
0.0 and 1.0.

Candidate labels:
%s

User query: %s

Respond with ONLY a JSON object of the form
{"labels": ["best", "second", ...], "scores": [0.91, 0.42, ...]}
using exactly the candidate labels given. Do not include any explanation or
markdown formatting.`

// rankingPayload is the JSON shape the model is asked to produce.
type rankingPayload struct {
	Labels []string  `json:"labels"`
	Scores []float64 `json:"scores"`
}

// LangchainClassifier adapts an LLM to the zero-shot classification contract.
//
// # Description
//
// Any llms.Model works; production runs a small local Ollama model. The
// classifier prompts for a best-first ranking in JSON and parses it
// defensively — code fences stripped, the first JSON object located, and the
// label/score arrays length-checked.
//
// # Thread Safety
//
// Safe for concurrent use.
type LangchainClassifier struct {
	llm    llms.Model
	logger *slog.Logger
}

// NewLangchainClassifier wraps an existing model.
func NewLangchainClassifier(llm llms.Model, logger *slog.Logger) (*LangchainClassifier, error) {
	if llm == nil {
		return nil, fmt.Errorf("llm must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LangchainClassifier{llm: llm, logger: logger}, nil
}

// NewOllamaClassifier builds a classifier over a local Ollama model.
//
// Reads CLASSIFIER_SERVICE_URL and CLASSIFIER_MODEL from the environment,
// defaulting to the local Ollama daemon and a small instruction-tuned model.
func NewOllamaClassifier(logger *slog.Logger) (*LangchainClassifier, error) {
	url := os.Getenv("CLASSIFIER_SERVICE_URL")
	if url == "" {
		url = "http://host.containers.internal:11434"
	}
	model := os.Getenv("CLASSIFIER_MODEL")
	if model == "" {
		model = "qwen2.5:3b-instruct"
	}

	llm, err := ollama.New(ollama.WithServerURL(url), ollama.WithModel(model))
	if err != nil {
		return nil, fmt.Errorf("create ollama classifier: %w", err)
	}
	return NewLangchainClassifier(llm, logger)
}

// Classify ranks the candidate labels against the text, best-first.
//
// # Inputs
//
//   - ctx: Context for the model call; the caller owns the deadline.
//   - text: The utterance to classify.
//   - labels: Candidate intent labels. Must not be empty.
//
// # Outputs
//
//   - *routing.Ranking: Labels and scores, best-first.
//   - error: Non-nil on model or parse failure.
func (c *LangchainClassifier) Classify(ctx context.Context, text string, labels []string) (*routing.Ranking, error) {
	if len(labels) == 0 {
		return nil, fmt.Errorf("no candidate labels")
	}

	prompt := fmt.Sprintf(classifyPrompt, "- "+strings.Join(labels, "\n- "), text)

	response, err := llms.GenerateFromSinglePrompt(ctx, c.llm, prompt,
		llms.WithTemperature(0.0),
		llms.WithMaxTokens(512),
	)
	if err != nil {
		return nil, fmt.Errorf("classification call: %w", err)
	}

	ranking, err := parseRanking(response)
	if err != nil {
		c.logger.Warn("classifier: unparseable model response",
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	return ranking, nil
}

// parseRanking extracts the JSON ranking from a model response.
func parseRanking(response string) (*routing.Ranking, error) {
	response = strings.TrimSpace(response)
	if response == "" {
		return nil, fmt.Errorf("empty response from model")
	}

	// Strip markdown code fences.
	response = strings.TrimPrefix(response, "```json")
	response = strings.TrimPrefix(response, "```")
	response = strings.TrimSuffix(response, "```")
	response = strings.TrimSpace(response)

	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("no JSON object found in response")
	}

	var payload rankingPayload
	if err := json.Unmarshal([]byte(response[start:end+1]), &payload); err != nil {
		return nil, fmt.Errorf("parse ranking JSON: %w", err)
	}
	if len(payload.Labels) == 0 {
		return nil, fmt.Errorf("ranking has no labels")
	}
	if len(payload.Labels) != len(payload.Scores) {
		return nil, fmt.Errorf("ranking has %d labels but %d scores",
			len(payload.Labels), len(payload.Scores))
	}

	return &routing.Ranking{Labels: payload.Labels, Scores: payload.Scores}, nil
}
