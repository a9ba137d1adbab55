// Package providers knows where tools come from. A [Provider] is either
// a remote HTTP endpoint or a local command speaking the tool protocol
// over stdio. The [Aggregator] discovers tools across every active
// provider and routes calls to them, falling back in configured order.
package providers

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Kind selects how a provider is reached.
type Kind string

// Provider kinds.
const (
	KindRemote Kind = "remote"
	KindLocal  Kind = "local"
)

// Provider is one configured tool source.
type Provider struct {
	ID      string            `json:"id" yaml:"id" validate:"omitempty,max=64"`
	Name    string            `json:"name,omitempty" yaml:"name" validate:"omitempty,max=128"`
	Kind    Kind              `json:"kind" yaml:"kind" validate:"required,oneof=remote local"`
	URL     string            `json:"url,omitempty" yaml:"url" validate:"omitempty,url"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers"`
	Command string            `json:"command,omitempty" yaml:"command"`
	Args    []string          `json:"args,omitempty" yaml:"args"`
	Env     map[string]string `json:"env,omitempty" yaml:"env"`
	Active  bool              `json:"active" yaml:"active"`
}

var validate = validator.New()

// Validate checks that the provider can be turned into a client. It
// returns a *ConfigurationError naming the offending field.
func (p Provider) Validate() error {
	if err := validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &ConfigurationError{Provider: p.Label(), Field: strings.ToLower(fe.Field()), Reason: describeTag(fe)}
		}
		return &ConfigurationError{Provider: p.Label(), Reason: err.Error()}
	}

	switch p.Kind {
	case KindRemote:
		if p.URL == "" {
			return &ConfigurationError{Provider: p.Label(), Field: "url", Reason: "required for remote providers"}
		}
		if p.Command != "" {
			return &ConfigurationError{Provider: p.Label(), Field: "command", Reason: "not allowed for remote providers"}
		}
	case KindLocal:
		if p.Command == "" {
			return &ConfigurationError{Provider: p.Label(), Field: "command", Reason: "required for local providers"}
		}
		if p.URL != "" {
			return &ConfigurationError{Provider: p.Label(), Field: "url", Reason: "not allowed for local providers"}
		}
	}
	for k := range p.Env {
		if k == "" || strings.Contains(k, "=") {
			return &ConfigurationError{Provider: p.Label(), Field: "env", Reason: fmt.Sprintf("invalid variable name %q", k)}
		}
	}
	return nil
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	case "url":
		return fmt.Sprintf("%q is not a valid URL", fe.Value())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}

// Label is the name used in logs and errors: Name if set, else ID.
func (p Provider) Label() string {
	if p.Name != "" {
		return p.Name
	}
	if p.ID != "" {
		return p.ID
	}
	return string(p.Kind)
}

// EnvList renders Env as sorted KEY=VALUE pairs.
func (p Provider) EnvList() []string {
	if len(p.Env) == 0 {
		return nil
	}
	keys := slices.Sorted(maps.Keys(p.Env))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+p.Env[k])
	}
	return out
}

// Active filters providers to the active ones, keeping order.
func Active(all []Provider) []Provider {
	var out []Provider
	for _, p := range all {
		if p.Active {
			out = append(out, p)
		}
	}
	return out
}
