package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrValidation         = errors.New("invalid input")
	ErrQuotaExceeded      = errors.New("quota exceeded")
	ErrPlanExpired        = errors.New("plan expired")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrDuplicateEntry     = errors.New("duplicate queue entry")
	ErrUnauthorizedWorker = errors.New("unauthorized worker callback")
)
