package providers

import (
	"errors"
	"fmt"
)

// ErrToolNotFound is matched by [ToolNotFoundError].
var ErrToolNotFound = errors.New("tool not found")

// ErrNotFound is returned by the store for an unknown provider id.
var ErrNotFound = errors.New("provider not found")

// ConfigurationError reports an unusable provider definition.
type ConfigurationError struct {
	Provider string
	Field    string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	switch {
	case e.Provider != "" && e.Field != "":
		return fmt.Sprintf("provider %s: %s %s", e.Provider, e.Field, e.Reason)
	case e.Field != "":
		return fmt.Sprintf("provider %s %s", e.Field, e.Reason)
	case e.Provider != "":
		return fmt.Sprintf("provider %s: %s", e.Provider, e.Reason)
	default:
		return "provider configuration: " + e.Reason
	}
}

// Attempt records one provider's failure to run a tool.
type Attempt struct {
	Provider string
	Err      error
}

func (a Attempt) Error() string {
	return fmt.Sprintf("%s: %v", a.Provider, a.Err)
}

func (a Attempt) Unwrap() error { return a.Err }

// ToolNotFoundError reports that no active provider could run a tool.
// Attempts holds each provider's failure in the order tried; it is
// empty when there were no active providers.
type ToolNotFoundError struct {
	Name     string
	Attempts []Attempt
}

func (e *ToolNotFoundError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("tool %s not found: no active providers", e.Name)
	}
	last := e.Attempts[len(e.Attempts)-1]
	return fmt.Sprintf("tool %s not found on any of %d active providers (last: %v)", e.Name, len(e.Attempts), last)
}

// Unwrap exposes ErrToolNotFound and every per-provider cause.
func (e *ToolNotFoundError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts)+1)
	errs = append(errs, ErrToolNotFound)
	for _, a := range e.Attempts {
		errs = append(errs, a)
	}
	return errs
}
