package reminder

import "fmt"

// ValidationError reports a malformed rule spec. Nothing is persisted or
// scheduled when it is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid reminder: " + e.Reason
	}
	return fmt.Sprintf("invalid reminder: %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// NotFoundError is returned when a rule id is unknown or the rule is inactive.
type NotFoundError struct {
	RuleID string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("reminder %s not found", e.RuleID) }

// DeliveryError wraps a failure of the outbound message sender.
type DeliveryError struct {
	UserID int64
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %d: %v", e.UserID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// SchedulingError reports that timers for a rule could not be armed. The rule
// stays without timers until the next reload.
type SchedulingError struct {
	RuleID string
	Err    error
}

func (e *SchedulingError) Error() string {
	return fmt.Sprintf("schedule reminder %s: %v", e.RuleID, e.Err)
}

func (e *SchedulingError) Unwrap() error { return e.Err }
