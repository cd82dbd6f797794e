// Package scheduler is the reminder job registry: an in-memory table of armed
// timers keyed by rule id.
//
// Fixed rules get one daily cron entry per time of day, interval rules a
// constant-delay cron entry, random rules a one-shot timer that the delivery
// executor re-arms after each firing. A single loop goroutine owns the table;
// timer callbacks and API calls reach it through channels. Fire events are
// dispatched to the task engine and never block the loop.
package scheduler
