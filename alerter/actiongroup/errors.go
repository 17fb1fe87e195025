package actiongroup

import "fmt"

type ValidationError struct {
	Group  string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Group == "" {
		return fmt.Sprintf("receiver field %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("action group %s: field %s: %s", e.Group, e.Field, e.Reason)
}

type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("action group %q not found", e.ID)
}
