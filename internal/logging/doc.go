// Package logging centralizes slog construction and the structured field
// conventions shared by every crate component. Console output targets
// interactive terminals; JSON output targets log shippers.
package logging
