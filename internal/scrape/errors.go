package scrape

import (
	"errors"
	"fmt"

	"github.com/polzovatel/course-scout/internal/extract"
)

type Stage string

const (
	StageLaunch   Stage = "launch"
	StageNavigate Stage = "navigate"
	StageSettle   Stage = "settle"
	StageContent  Stage = "content"
	StageModel    Stage = "model"
	StageSchema   Stage = "schema"
)

// ScrapeFailure means the page could not be loaded or read.
type ScrapeFailure struct {
	Stage Stage
	URL   string
	Err   error
}

func (e *ScrapeFailure) Error() string {
	return fmt.Sprintf("scrape %s %s: %v", e.Stage, e.URL, e.Err)
}

func (e *ScrapeFailure) Unwrap() error { return e.Err }

// ExtractionFailure means the model call failed or its reply broke the schema.
type ExtractionFailure struct {
	Stage Stage
	Err   error
}

func (e *ExtractionFailure) Error() string {
	return fmt.Sprintf("extract %s: %v", e.Stage, e.Err)
}

func (e *ExtractionFailure) Unwrap() error { return e.Err }

func extractionFailure(err error) *ExtractionFailure {
	if errors.Is(err, extract.ErrSchemaViolation) {
		return &ExtractionFailure{Stage: StageSchema, Err: err}
	}
	return &ExtractionFailure{Stage: StageModel, Err: err}
}
