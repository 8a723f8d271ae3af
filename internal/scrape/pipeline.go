// Package scrape loads a listing page in a local headless browser and hands
// its markup to course extraction. Failures come back in the Result, never
// as a returned error, and the browser is released on every path.
package scrape

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/polzovatel/course-scout/internal/extract"
)

const (
	DefaultSettleDelay    = 2 * time.Second
	DefaultMaxMarkupChars = 150000

	failureShotTimeout = 5 * time.Second
)

// Browser is one live page. Close must be safe to call more than once.
type Browser interface {
	Navigate(ctx context.Context, url string) error
	Content(ctx context.Context) (string, error)
	Screenshot(ctx context.Context, fullPage bool) ([]byte, error)
	Closed() bool
	Close() error
}

type LaunchFunc func(ctx context.Context) (Browser, error)

type Extractor interface {
	Extract(ctx context.Context, markup, instructions string) (*extract.CourseList, error)
}

type Result struct {
	// Courses is nil whenever Err is set.
	Courses    *extract.CourseList
	Screenshot []byte
	Err        error
}

type Option func(*Pipeline)

func WithSettleDelay(d time.Duration) Option {
	return func(p *Pipeline) {
		if d >= 0 {
			p.settleDelay = d
		}
	}
}

// WithMaxMarkupChars caps the markup handed to extraction. Zero disables the cap.
func WithMaxMarkupChars(n int) Option {
	return func(p *Pipeline) {
		if n >= 0 {
			p.maxMarkupChars = n
		}
	}
}

func WithCondense(on bool) Option {
	return func(p *Pipeline) { p.condense = on }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

type Pipeline struct {
	launch    LaunchFunc
	extractor Extractor

	settleDelay    time.Duration
	maxMarkupChars int
	condense       bool
	logger         zerolog.Logger

	// mu gives one Run at a time ownership of browser.
	mu      sync.Mutex
	browser Browser
}

func New(launch LaunchFunc, extractor Extractor, opts ...Option) *Pipeline {
	p := &Pipeline{
		launch:         launch,
		extractor:      extractor,
		settleDelay:    DefaultSettleDelay,
		maxMarkupChars: DefaultMaxMarkupChars,
		logger:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run scrapes targetURL and extracts courses following instructions.
func (p *Pipeline) Run(ctx context.Context, targetURL, instructions string) (res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()

	runID := uuid.NewString()
	logger := p.logger.With().Str("run_id", runID).Str("url", targetURL).Logger()
	start := time.Now()
	stage := StageLaunch

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic during %s: %v", stage, r)
			if stage == StageModel {
				res = Result{Screenshot: res.Screenshot, Err: &ExtractionFailure{Stage: stage, Err: err}}
			} else {
				res = Result{Screenshot: res.Screenshot, Err: &ScrapeFailure{Stage: stage, URL: targetURL, Err: err}}
			}
		}
		p.release(logger)
		p.report(logger, res, time.Since(start))
	}()

	b, err := p.ensureBrowser(ctx)
	if err != nil {
		return Result{Err: &ScrapeFailure{Stage: StageLaunch, URL: targetURL, Err: err}}
	}

	stage = StageNavigate
	logger.Info().Msg("loading page")
	if err := b.Navigate(ctx, targetURL); err != nil {
		return Result{Screenshot: p.bestEffortScreenshot(ctx, b, logger), Err: &ScrapeFailure{Stage: stage, URL: targetURL, Err: err}}
	}

	stage = StageSettle
	if err := p.settle(ctx); err != nil {
		// The run context is already done here, so the picture needs its own.
		shotCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureShotTimeout)
		defer cancel()
		return Result{Screenshot: p.bestEffortScreenshot(shotCtx, b, logger), Err: &ScrapeFailure{Stage: stage, URL: targetURL, Err: err}}
	}

	stage = StageContent
	markup, err := b.Content(ctx)
	if err != nil {
		return Result{Screenshot: p.bestEffortScreenshot(ctx, b, logger), Err: &ScrapeFailure{Stage: stage, URL: targetURL, Err: err}}
	}
	res.Screenshot = p.bestEffortScreenshot(ctx, b, logger)

	stage = StageModel
	markup = p.prepare(markup, logger)
	courses, err := p.extractor.Extract(ctx, markup, instructions)
	if err != nil {
		return Result{Screenshot: res.Screenshot, Err: extractionFailure(err)}
	}
	if courses == nil {
		return Result{Screenshot: res.Screenshot, Err: extractionFailure(fmt.Errorf("%w: no result", extract.ErrSchemaViolation))}
	}
	res.Courses = courses
	return res
}

func (p *Pipeline) ensureBrowser(ctx context.Context) (Browser, error) {
	if p.browser != nil && !p.browser.Closed() {
		return p.browser, nil
	}
	if p.launch == nil {
		return nil, errors.New("no browser launcher")
	}
	b, err := p.launch(ctx)
	if err != nil {
		if b != nil {
			_ = b.Close()
		}
		return nil, err
	}
	if b == nil {
		return nil, errors.New("launcher returned no browser")
	}
	p.browser = b
	return b, nil
}

// release closes the browser held by the current run. Later calls are no-ops.
func (p *Pipeline) release(logger zerolog.Logger) {
	if p.browser == nil {
		return
	}
	b := p.browser
	p.browser = nil
	if err := b.Close(); err != nil {
		logger.Warn().Err(err).Msg("close browser")
	}
}

func (p *Pipeline) settle(ctx context.Context) error {
	if p.settleDelay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(p.settleDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// prepare condenses markup when enabled and cuts it to the character budget.
func (p *Pipeline) prepare(markup string, logger zerolog.Logger) string {
	raw := len(markup)
	if p.condense {
		condensed, err := extract.Condense(markup)
		if err != nil {
			logger.Warn().Err(err).Msg("condense markup, sending it as is")
		} else {
			markup = condensed
		}
	}
	markup = extract.Truncate(markup, p.maxMarkupChars)
	logger.Debug().Int("raw_bytes", raw).Int("sent_bytes", len(markup)).Msg("markup prepared")
	return markup
}

// bestEffortScreenshot grabs the viewport. Failure only costs the picture.
func (p *Pipeline) bestEffortScreenshot(ctx context.Context, b Browser, logger zerolog.Logger) []byte {
	shot, err := b.Screenshot(ctx, false)
	if err != nil {
		logger.Warn().Err(err).Msg("screenshot")
		return nil
	}
	return shot
}

func (p *Pipeline) report(logger zerolog.Logger, res Result, took time.Duration) {
	outcome := outcomeOf(res.Err)
	metricScrapes.WithLabelValues(outcome).Inc()
	metricScrapeDuration.Observe(took.Seconds())

	if res.Err != nil {
		kind := "extract"
		var sf *ScrapeFailure
		if errors.As(res.Err, &sf) {
			kind = "scrape"
		}
		logger.Error().Err(res.Err).Str("kind", kind).Dur("took", took).Msg("scrape run failed")
		return
	}
	logger.Info().
		Int("courses", len(res.Courses.Courses)).
		Int("screenshot_bytes", len(res.Screenshot)).
		Dur("took", took).
		Msg("scrape run finished")
}
