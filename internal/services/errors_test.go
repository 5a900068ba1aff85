package services_test

import (
	"errors"
	"testing"

	"crate/internal/services"
)

func TestWrapTagsAndChains(t *testing.T) {
	cause := errors.New("connection reset")
	err := services.Wrap(services.ErrTransient, "cdn", "download", "transfer failed", cause)

	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("marker lost: %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("cause lost: %v", err)
	}

	// A nil marker defaults to transient.
	if err := services.Wrap(nil, "x", "y", "z", nil); !errors.Is(err, services.ErrTransient) {
		t.Fatalf("nil marker not defaulted: %v", err)
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"transient", services.Wrap(services.ErrTransient, "cdn", "download", "timeout", nil), true},
		{"external tool", services.Wrap(services.ErrExternalTool, "extractor", "fetch", "exit 1", nil), true},
		{"plain error", errors.New("boom"), true},
		{"validation", services.Wrap(services.ErrValidation, "queue", "enqueue", "missing title", nil), false},
		{"configuration", services.Wrap(services.ErrConfiguration, "cdn", "fetch", "no token", nil), false},
		{"not found", services.Wrap(services.ErrNotFound, "cdn", "resolve", "unknown track", nil), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := services.IsRetryable(tc.err); got != tc.want {
				t.Fatalf("IsRetryable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
