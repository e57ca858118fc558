package cli

import (
	"context"
	"errors"

	"ndb/internal/config"
	"ndb/internal/nextdns"
	"ndb/internal/override"
	"ndb/internal/policy"
	"ndb/internal/protection"
)

// errPermission tags refusals that should exit with the permission code.
var errPermission = errors.New("permission denied")

// errValidation tags operator input the policy rejects.
var errValidation = errors.New("validation failed")

// ExitCode maps an error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return config.ExitOK
	}
	var cfgErr *policy.ConfigError
	var apiErr *nextdns.APIError
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return config.ExitInterrupted
	case errors.Is(err, override.ErrPanicActive),
		errors.Is(err, protection.ErrLockedOut),
		errors.Is(err, protection.ErrBadPIN),
		errors.Is(err, errPermission):
		return config.ExitPermission
	case errors.Is(err, errValidation), errors.Is(err, nextdns.ErrInvalidDomain):
		return config.ExitValidation
	case errors.As(err, &cfgErr):
		return config.ExitConfig
	case errors.As(err, &apiErr):
		return config.ExitRemote
	default:
		return config.ExitGeneral
	}
}
