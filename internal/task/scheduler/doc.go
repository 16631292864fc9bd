// Package scheduler is the dispatch loop.
//
// One dispatcher per store advances time. Each cycle it:
//   - drains the spool (add, change, del, shutdown)
//   - reaps workers that have exited
//   - promotes the earliest due waiting task to the running list and
//     launches a worker for it
//
// When nothing is due it sleeps and, now and then, looks for AWOL tasks.
// All collections are touched only from here; clients go through the spool.
package scheduler
