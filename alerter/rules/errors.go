package rules

import (
	"fmt"
	"strings"
)

type ValidationError struct {
	Rule   string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Rule == "" {
		return fmt.Sprintf("field %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("rule %s: field %s: %s", e.Rule, e.Field, e.Reason)
}

// ConfigError aggregates every validation failure in a document.  A document
// with any failure activates nothing.
type ConfigError struct {
	Errors []error
}

func (e *ConfigError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("invalid config: %s", strings.Join(msgs, "; "))
}

func (e *ConfigError) Unwrap() []error {
	return e.Errors
}
