package proxy

import "podhost/internal/engine"

// State is the reconcile decision for the proxy. It is computed on every
// invocation and never stored.
type State uint8

const (
	NeedsCreate State = iota + 1
	HealthyReuse
	StaleRestart
	StaleRecreate
	BindFailed
)

func (s State) String() string {
	switch s {
	case NeedsCreate:
		return "needs_create"
	case HealthyReuse:
		return "healthy_reuse"
	case StaleRestart:
		return "stale_restart"
	case StaleRecreate:
		return "stale_recreate"
	case BindFailed:
		return "bind_failed"
	default:
		return "unknown"
	}
}

// Observation is what the host reveals about the current proxy instance.
type Observation struct {
	Status       engine.Status
	RecordedHash string
	HasHash      bool
	Listening    map[int]bool
}

// Observe builds an Observation from an inspected container and the host's
// listening ports.
func Observe(c engine.Container, listening map[int]bool) Observation {
	obs := Observation{Status: c.Status, Listening: listening}
	if c.Status == 0 {
		obs.Status = engine.StatusAbsent
	}
	if c.Exists() {
		obs.RecordedHash, obs.HasHash = c.Labels[ConfighashLabel]
	}
	return obs
}

// Decide picks the transition for desiredHash against obs. ports are the
// listeners a healthy instance has bound.
func Decide(desiredHash string, obs Observation, ports []int) State {
	if obs.Status == engine.StatusAbsent || obs.Status == 0 {
		return NeedsCreate
	}
	if !obs.HasHash || obs.RecordedHash != desiredHash {
		return StaleRecreate
	}
	if obs.Status == engine.StatusRunning && allListening(obs.Listening, ports) {
		return HealthyReuse
	}
	return StaleRestart
}

func allListening(listening map[int]bool, ports []int) bool {
	for _, p := range ports {
		if !listening[p] {
			return false
		}
	}
	return true
}
