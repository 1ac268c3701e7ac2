package models

import "fmt"

// ValidationError reports a job that cannot start because its inputs are incomplete
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}
