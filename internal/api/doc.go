// Package api hosts the service layer shared by the HTTP server and the CLI:
// duplicate-suppressed enqueue, job actions, and the library delete cascade.
// Handlers and commands call these services instead of the stores directly so
// both surfaces resolve requests identically.
package api
