package triage

import "errors"

var (
	// ErrInput marks requests rejected before any collaborator is called.
	ErrInput = errors.New("invalid input")

	// ErrCollaboratorUnavailable wraps timeouts and transport failures of the
	// classifier, an assessor, or an alert channel.
	ErrCollaboratorUnavailable = errors.New("collaborator unavailable")

	// ErrCouncilUnavailable means no assessor produced a vote. It is never a
	// non-emergency verdict.
	ErrCouncilUnavailable = errors.New("council unavailable")

	ErrSessionEnded    = errors.New("session ended")
	ErrSessionNotFound = errors.New("session not found")
)
