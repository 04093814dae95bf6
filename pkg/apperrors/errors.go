package apperrors

import "errors"

var (
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrAlreadyRolledBack    = errors.New("deployment already rolled back")
	ErrNotRollbackEligible  = errors.New("deployment is not eligible for rollback")
	ErrDeploymentInProgress = errors.New("deployment in progress")
	ErrValidationFailed     = errors.New("validation failed")
	ErrCancelled            = errors.New("deployment cancelled")
	ErrInvalidEnvironment   = errors.New("unknown or misconfigured environment")
)
