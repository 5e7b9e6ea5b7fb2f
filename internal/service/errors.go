package service

import (
	"errors"

	"teleconsult/internal/repository"
)

var (
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrNotPending        = errors.New("session is not pending review")
	ErrUnauthorized      = errors.New("caller is not authorized for this session")
	ErrAlreadyInCall     = errors.New("already in a call for this session")
	ErrNotInCall         = errors.New("not in a call for this session")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrFinalizeFailed    = errors.New("session completed but the billing and records hand-off failed")
	ErrSessionNotFound   = repository.ErrSessionNotFound
)
