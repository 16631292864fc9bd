// Package task holds the task model shared by the dispatcher, the workers and
// the client: the status state machine, one-shot and periodic tasks,
// occurrences, the Result returned by task bodies and the kind registry.
package task
