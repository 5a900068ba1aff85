// Package ratelimit provides the two throttles crate needs: a blocking
// per-source limiter that paces outbound calls, and a non-blocking gate that
// protects user-facing endpoints.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// SourceConfig bounds outbound calls for one source key.
type SourceConfig struct {
	// MaxCalls is the burst capacity within Window.
	MaxCalls int
	// Window is the sliding window the burst capacity applies to.
	Window time.Duration
	// MinSpacing is enforced between consecutive calls even when the window
	// has capacity; courteous pacing independent of burst limits.
	MinSpacing time.Duration
}

type sourceState struct {
	calls    []time.Time
	lastCall time.Time
}

// Limiter is a per-source sliding-window limiter with minimum pacing. Waits
// block the calling goroutine; callers are short-lived request handlers, not
// long-lived workers, so sleeping is acceptable.
type Limiter struct {
	mu      sync.Mutex
	configs map[string]SourceConfig
	state   map[string]*sourceState

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// NewLimiter builds a limiter from per-source configurations. Sources without
// a configuration pass through unthrottled.
func NewLimiter(configs map[string]SourceConfig) *Limiter {
	cp := make(map[string]SourceConfig, len(configs))
	for key, cfg := range configs {
		cp[key] = cfg
	}
	return &Limiter{
		configs: cp,
		state:   make(map[string]*sourceState),
		now:     time.Now,
		sleep:   sleepContext,
	}
}

// Wait blocks until the source's window has capacity and the minimum spacing
// has elapsed, then records the call. It returns early only when ctx ends.
func (l *Limiter) Wait(ctx context.Context, source string) error {
	l.mu.Lock()
	cfg, ok := l.configs[source]
	l.mu.Unlock()
	if !ok {
		return nil
	}

	for {
		l.mu.Lock()
		now := l.now()
		st := l.state[source]
		if st == nil {
			st = &sourceState{}
			l.state[source] = st
		}

		// Drop window entries older than the window.
		cutoff := now.Add(-cfg.Window)
		kept := st.calls[:0]
		for _, ts := range st.calls {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		st.calls = kept

		var wait time.Duration
		if cfg.MaxCalls > 0 && len(st.calls) >= cfg.MaxCalls {
			wait = st.calls[0].Add(cfg.Window).Sub(now)
		} else if cfg.MinSpacing > 0 && !st.lastCall.IsZero() {
			if since := now.Sub(st.lastCall); since < cfg.MinSpacing {
				wait = cfg.MinSpacing - since
			}
		}

		if wait <= 0 {
			st.calls = append(st.calls, now)
			st.lastCall = now
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
