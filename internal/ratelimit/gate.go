package ratelimit

import (
	"sync"
	"time"
)

// GateConfig bounds user-facing endpoint calls over a shared window.
type GateConfig struct {
	// Window is the sliding window shared by both limits.
	Window time.Duration
	// PerAction caps calls to one action class regardless of caller.
	PerAction int
	// PerClient caps calls to one action class from one caller identity.
	PerClient int
}

// Gate is the allow/deny counterpart of Limiter: it never blocks, it just
// answers whether a call may proceed. Used on enqueue and trigger endpoints.
type Gate struct {
	mu     sync.Mutex
	cfg    GateConfig
	action map[string][]time.Time
	client map[string][]time.Time
	now    func() time.Time
}

// NewGate builds a gate with the provided configuration.
func NewGate(cfg GateConfig) *Gate {
	return &Gate{
		cfg:    cfg,
		action: make(map[string][]time.Time),
		client: make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Allow reports whether the caller identified by clientKey may perform the
// action now, and records the call when allowed.
func (g *Gate) Allow(action, clientKey string) bool {
	if g == nil {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	cutoff := now.Add(-g.cfg.Window)

	actionCalls := prune(g.action[action], cutoff)
	clientCalls := prune(g.client[action+"|"+clientKey], cutoff)

	if g.cfg.PerAction > 0 && len(actionCalls) >= g.cfg.PerAction {
		g.action[action] = actionCalls
		g.client[action+"|"+clientKey] = clientCalls
		return false
	}
	if g.cfg.PerClient > 0 && len(clientCalls) >= g.cfg.PerClient {
		g.action[action] = actionCalls
		g.client[action+"|"+clientKey] = clientCalls
		return false
	}

	g.action[action] = append(actionCalls, now)
	g.client[action+"|"+clientKey] = append(clientCalls, now)
	return true
}

func prune(calls []time.Time, cutoff time.Time) []time.Time {
	kept := calls[:0]
	for _, ts := range calls {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}
