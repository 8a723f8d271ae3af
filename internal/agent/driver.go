package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/polzovatel/course-scout/internal/remote"
)

// Status is the remote service's verdict after each step.
type Status string

const (
	StatusContinue Status = "CONTINUE"
	StatusDone     Status = "DONE"
	StatusError    Status = "ERROR"
)

const (
	navigateMode = "standard"

	taskPreamble = "IMPORTANT: DO NOT ASK THE USER ANY QUESTIONS. " +
		"All the necessary information is already provided and is on the current Page.\n" +
		"Complete the task to the best of your abilities.\n\n" +
		"Task:\n\n"
)

// Service is the automation API surface the driver depends on.
type Service interface {
	CreateSession(ctx context.Context, req remote.CreateSessionRequest) (remote.SessionResponse, error)
	Step(ctx context.Context, req remote.StepRequest) (remote.SessionResponse, error)
	CloseSession(ctx context.Context, sessionID string) error
	ListSessions(ctx context.Context) ([]string, error)
}

// Observation is what the service reported after a create or step call.
type Observation struct {
	Status     Status
	URL        string
	Message    string
	Screenshot []byte
}

// SessionState is a copy of the driver's view of its session.
type SessionState struct {
	SessionID      string
	CurrentURL     string
	LastScreenshot []byte
	Status         Status
}

// Active reports whether a session id is held.
func (s SessionState) Active() bool { return s.SessionID != "" }

// Driver holds exactly one remote session at a time. Separate drivers never
// share state.
type Driver struct {
	svc    Service
	logger zerolog.Logger

	mu    sync.Mutex
	state SessionState
}

func NewDriver(svc Service, logger zerolog.Logger) *Driver {
	return &Driver{svc: svc, logger: logger}
}

func (d *Driver) State() SessionState {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.state
	st.LastScreenshot = append([]byte(nil), d.state.LastScreenshot...)
	return st
}

// CreateSession opens a new session at url with screenshots enabled. A session
// already held is closed once the new one exists; a failed close is only
// logged. On failure the previous local state is left untouched.
func (d *Driver) CreateSession(ctx context.Context, url string) (Observation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.createLocked(ctx, url)
}

func (d *Driver) createLocked(ctx context.Context, url string) (Observation, error) {
	resp, err := d.svc.CreateSession(ctx, remote.CreateSessionRequest{URL: url, IncludeScreenshot: true})
	if err != nil {
		metricSessionErrors.Inc()
		return Observation{}, fmt.Errorf("%w: %w", ErrSessionCreation, err)
	}
	if strings.TrimSpace(resp.SessionID) == "" {
		metricSessionErrors.Inc()
		return Observation{}, fmt.Errorf("%w: service returned no session id", ErrSessionCreation)
	}
	metricSessionsCreated.Inc()
	if prev := d.state.SessionID; prev != "" && prev != resp.SessionID {
		if err := d.svc.CloseSession(ctx, prev); err != nil {
			d.logger.Warn().Err(err).Str("session", prev).Msg("close replaced session")
		} else {
			d.logger.Info().Str("session", prev).Msg("replaced session closed")
		}
	}
	obs := toObservation(resp)
	d.state = SessionState{
		SessionID:      resp.SessionID,
		CurrentURL:     obs.URL,
		LastScreenshot: obs.Screenshot,
		Status:         obs.Status,
	}
	d.logger.Info().
		Str("session", resp.SessionID).
		Str("url", obs.URL).
		Str("status", string(obs.Status)).
		Msg("session created")
	return obs, nil
}

// CloseSession is a no-op without an active session.
func (d *Driver) CloseSession(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state.SessionID == "" {
		return nil
	}
	id := d.state.SessionID
	if err := d.svc.CloseSession(ctx, id); err != nil {
		return fmt.Errorf("close session %s: %w", id, err)
	}
	d.state = SessionState{}
	d.logger.Info().Str("session", id).Msg("session closed")
	return nil
}

func (d *Driver) ListSessions(ctx context.Context) ([]string, error) {
	ids, err := d.svc.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return ids, nil
}

// CloseAllSessions closes every session owned by the credentials. Each close
// is attempted; failures are joined.
func (d *Driver) CloseAllSessions(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids, err := d.svc.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	var errs []error
	for _, id := range ids {
		if err := d.svc.CloseSession(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("close session %s: %w", id, err))
			continue
		}
		if id == d.state.SessionID {
			d.state = SessionState{}
		}
	}
	d.logger.Info().Int("sessions", len(ids)).Int("failed", len(errs)).Msg("closed all sessions")
	return errors.Join(errs...)
}

// NavigateToURL opens a session at url when none exists, otherwise steps the
// active session to url.
func (d *Driver) NavigateToURL(ctx context.Context, url string) (Observation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state.SessionID == "" {
		return d.createLocked(ctx, url)
	}
	obs, err := d.stepLocked(ctx, "GO TO URL "+url, navigateMode)
	if err != nil {
		return Observation{}, fmt.Errorf("%w: %w", ErrNavigation, err)
	}
	return obs, nil
}

// ExecuteTask sends instruction to the active session behind the fixed
// preamble.
func (d *Driver) ExecuteTask(ctx context.Context, instruction string) (Observation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state.SessionID == "" {
		return Observation{}, ErrNoActiveSession
	}
	obs, err := d.stepLocked(ctx, taskCommand(instruction), "")
	if err != nil {
		return Observation{}, fmt.Errorf("%w: %w", ErrStep, err)
	}
	return obs, nil
}

func (d *Driver) stepLocked(ctx context.Context, cmd, mode string) (Observation, error) {
	resp, err := d.svc.Step(ctx, remote.StepRequest{
		SessionID:         d.state.SessionID,
		Cmd:               cmd,
		IncludeScreenshot: true,
		Mode:              mode,
	})
	metricSteps.Inc()
	if err != nil {
		metricStepErrors.Inc()
		return Observation{}, err
	}
	obs := toObservation(resp)
	d.state.CurrentURL = obs.URL
	d.state.LastScreenshot = obs.Screenshot
	d.state.Status = obs.Status
	d.logger.Debug().
		Str("session", d.state.SessionID).
		Str("url", obs.URL).
		Str("status", string(obs.Status)).
		Int("screenshot_bytes", len(obs.Screenshot)).
		Msg("step")
	return obs, nil
}

func taskCommand(instruction string) string {
	return taskPreamble + instruction
}

func toObservation(resp remote.SessionResponse) Observation {
	return Observation{
		Status:     parseStatus(resp.Status),
		URL:        resp.URL,
		Message:    resp.Message,
		Screenshot: resp.Screenshot,
	}
}

// parseStatus maps unknown service statuses to ERROR so loops never spin on them.
func parseStatus(s string) Status {
	switch Status(strings.ToUpper(strings.TrimSpace(s))) {
	case StatusContinue:
		return StatusContinue
	case StatusDone:
		return StatusDone
	default:
		return StatusError
	}
}
