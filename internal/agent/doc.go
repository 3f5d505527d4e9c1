// Package agent contains the autonomous reasoning loop at the core of the
// daemon. It coordinates continuous thought generation, scheduled behaviors
// and pending actions, and executes synchronous directives coming from the
// task pipeline, the scheduler, the event monitor and the HTTP API.
package agent
