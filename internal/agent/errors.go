package agent

import "errors"

var (
	ErrNoActiveSession = errors.New("no active session, create a session first")
	ErrSessionCreation = errors.New("session creation failed")
	ErrNavigation      = errors.New("navigation failed")
	ErrStep            = errors.New("step failed")
)
