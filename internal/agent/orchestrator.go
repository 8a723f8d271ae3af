package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultMaxSteps      = 10
	defaultMaxImageWidth = 500
	closeTimeout         = 30 * time.Second
)

// Sink renders observations between steps. Rendering is up to the caller.
type Sink interface {
	Header(label string, step int)
	Observe(obs Observation, maxImageWidth int)
}

type Config struct {
	MaxSteps      int
	MaxImageWidth int
	// CloseOnFinish closes the remote session when a run that opened it ends.
	CloseOnFinish bool
}

// Termination says why a step loop stopped.
type Termination string

const (
	TerminationDone            Termination = "done"
	TerminationError           Termination = "error"
	TerminationBudgetExhausted Termination = "budget_exhausted"
)

type Outcome struct {
	Termination Termination
	Steps       int
	Last        Observation
}

type Orchestrator struct {
	cfg    Config
	driver *Driver
	sink   Sink
	logger zerolog.Logger
}

func NewOrchestrator(cfg Config, driver *Driver, sink Sink, logger zerolog.Logger) *Orchestrator {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = defaultMaxSteps
	}
	if cfg.MaxImageWidth <= 0 {
		cfg.MaxImageWidth = defaultMaxImageWidth
	}
	if sink == nil {
		sink = nopSink{}
	}
	return &Orchestrator{cfg: cfg, driver: driver, sink: sink, logger: logger}
}

// RunTask opens a session at url and repeats instruction until the service
// reports DONE or ERROR, or MaxSteps steps have been issued.
func (o *Orchestrator) RunTask(ctx context.Context, url, instruction string) (Outcome, error) {
	obs, err := o.driver.CreateSession(ctx, url)
	if err != nil {
		return Outcome{Termination: TerminationError}, err
	}
	defer o.finish(ctx)

	out, err := o.loop(ctx, obs, instruction, "Step", false)
	o.sink.Observe(out.Last, o.cfg.MaxImageWidth)
	o.logOutcome(out, err)
	return out, err
}

// RunInstructions issues instructions in order within one session. Each
// instruction gets its own step budget; DONE or an exhausted budget moves on
// to the next one, ERROR stops the sequence.
func (o *Orchestrator) RunInstructions(ctx context.Context, url string, instructions []string) (Outcome, error) {
	opened := !o.driver.State().Active()
	obs, err := o.driver.NavigateToURL(ctx, url)
	if err != nil {
		return Outcome{Termination: TerminationError}, err
	}
	if opened {
		defer o.finish(ctx)
	}

	total := Outcome{Termination: TerminationDone, Last: obs}
	if obs.Status == StatusError {
		total.Termination = TerminationError
		o.sink.Observe(obs, o.cfg.MaxImageWidth)
		o.logOutcome(total, nil)
		return total, nil
	}

	for i, instruction := range instructions {
		label := fmt.Sprintf("Instruction %d", i+1)
		out, err := o.loop(ctx, total.Last, instruction, label, true)
		total.Steps += out.Steps
		total.Last = out.Last
		total.Termination = out.Termination
		o.logger.Info().
			Int("instruction", i+1).
			Int("steps", out.Steps).
			Str("termination", string(out.Termination)).
			Msg("instruction finished")
		if err != nil || out.Termination == TerminationError {
			o.sink.Observe(total.Last, o.cfg.MaxImageWidth)
			o.logOutcome(total, err)
			return total, err
		}
	}

	o.sink.Observe(total.Last, o.cfg.MaxImageWidth)
	o.logOutcome(total, nil)
	return total, nil
}

// loop renders the current observation before every step. When force is set
// the first step is issued regardless of the current status.
func (o *Orchestrator) loop(ctx context.Context, obs Observation, instruction, label string, force bool) (Outcome, error) {
	step := 0
	for (obs.Status == StatusContinue || (force && step == 0)) && step < o.cfg.MaxSteps {
		if err := ctx.Err(); err != nil {
			return Outcome{Termination: TerminationError, Steps: step, Last: obs}, err
		}
		o.sink.Header(label, step)
		o.sink.Observe(obs, o.cfg.MaxImageWidth)

		next, err := o.driver.ExecuteTask(ctx, instruction)
		step++
		if err != nil {
			return Outcome{Termination: TerminationError, Steps: step, Last: obs}, err
		}
		obs = next
		o.logger.Info().
			Int("step", step).
			Str("url", obs.URL).
			Str("status", string(obs.Status)).
			Msg("step observed")
	}
	return Outcome{Termination: terminationFor(obs.Status), Steps: step, Last: obs}, nil
}

func terminationFor(s Status) Termination {
	switch s {
	case StatusContinue:
		return TerminationBudgetExhausted
	case StatusDone:
		return TerminationDone
	default:
		return TerminationError
	}
}

func (o *Orchestrator) finish(ctx context.Context) {
	if !o.cfg.CloseOnFinish {
		return
	}
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	if err := o.driver.CloseSession(closeCtx); err != nil {
		o.logger.Warn().Err(err).Msg("close session after run")
	}
}

func (o *Orchestrator) logOutcome(out Outcome, err error) {
	ev := o.logger.Info()
	if err != nil {
		ev = o.logger.Error().Err(err)
	}
	ev.Str("termination", string(out.Termination)).
		Int("steps", out.Steps).
		Str("url", out.Last.URL).
		Msg("run finished")
}

type nopSink struct{}

func (nopSink) Header(string, int) {}

func (nopSink) Observe(Observation, int) {}
