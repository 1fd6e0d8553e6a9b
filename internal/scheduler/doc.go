// Package scheduler triggers named maintenance jobs on cron specs or fixed
// intervals. Jobs run on cron's goroutines with a per-run timeout; a run
// that is still in flight when its next tick fires is skipped.
package scheduler
