// Package work tracks the recurring jobs of the live-data core: which jobs exist,
// when each last completed, and which external calls are currently in flight.
package work
