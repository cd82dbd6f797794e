// Package reminder holds the reminder rule model: recurrence kinds, quiet
// windows, validation and the pure next-fire calculations used by the
// scheduler and the delivery executor.
package reminder
