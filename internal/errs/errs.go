// Package errs holds the error kinds shared across the runtime. Callers wrap
// them with goerr and match with errors.Is.
package errs

import (
	"errors"

	"github.com/m-mizutani/goerr/v2"
)

var (
	ErrNotFound          = goerr.New("not found")
	ErrAlreadyRegistered = goerr.New("already registered")
	ErrValidation        = goerr.New("validation error")
	ErrUnknownTool       = goerr.New("unknown tool")
	ErrInvalidParameters = goerr.New("invalid parameters")
	ErrNoAgentContext    = goerr.New("no_agent_context")
	ErrProvider          = goerr.New("provider error")
	ErrSpawnFailed       = goerr.New("spawn failed")
	ErrCalculation       = goerr.New("calculation error")
	ErrInvalidExpression = goerr.New("invalid expression")
)

// Kind returns the short name of the first known kind in err's chain, or
// "internal" when none matches.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyRegistered):
		return "already_registered"
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrUnknownTool):
		return "unknown_tool"
	case errors.Is(err, ErrInvalidParameters):
		return "invalid_parameters"
	case errors.Is(err, ErrNoAgentContext):
		return "no_agent_context"
	case errors.Is(err, ErrProvider):
		return "provider_error"
	case errors.Is(err, ErrSpawnFailed):
		return "spawn_failed"
	case errors.Is(err, ErrCalculation):
		return "calculation_error"
	case errors.Is(err, ErrInvalidExpression):
		return "invalid_expression"
	}
	return "internal"
}
