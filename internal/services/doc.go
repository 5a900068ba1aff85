// Package services defines the shared error taxonomy used across crate's
// download pipeline and external collaborators. Errors are tagged with
// sentinel markers so callers can classify failures without string matching.
package services
