// Package scheduler runs named repeating tasks in the background.
//
// A task never overlaps with itself: a tick that arrives while the previous
// run is still busy is skipped. A run that returns an error or panics delays
// the next run with exponential backoff. [Scheduler.Close] cancels every
// task and waits for the running ones to return.
package scheduler
