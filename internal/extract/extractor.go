package extract

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/polzovatel/course-scout/internal/llm"
)

const extractionTemperature = 0.1

// Extractor sends markup to a language model and decodes the reply strictly.
// Budgeting the markup is the caller's job.
type Extractor struct {
	client llm.Client
	logger zerolog.Logger
}

func NewExtractor(client llm.Client, logger zerolog.Logger) *Extractor {
	return &Extractor{client: client, logger: logger}
}

func (e *Extractor) Extract(ctx context.Context, markup, instructions string) (*CourseList, error) {
	resp, err := e.client.Generate(ctx, llm.Request{
		System:      SystemPrompt(instructions),
		Messages:    []llm.Message{{Role: "user", Content: markup}},
		Schema:      Schema(),
		Temperature: extractionTemperature,
	})
	if err != nil {
		return nil, fmt.Errorf("generate with %s: %w", e.client.Name(), err)
	}

	list, err := Decode(resp.Text)
	if err != nil {
		e.logger.Warn().Err(err).Int("reply_size", len(resp.Text)).Msg("model reply rejected")
		return nil, err
	}
	e.logger.Debug().Int("courses", len(list.Courses)).Str("model", e.client.Name()).Msg("courses extracted")
	return list, nil
}
