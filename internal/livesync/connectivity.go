package livesync

import "sync/atomic"

// Connectivity reports whether the network is believed to be up.
// The reconciler skips all remote calls while Online is false.
type Connectivity interface {
	Online() bool
}

// Notifier is implemented by a Connectivity that can signal changes.
// The reconciler reconciles immediately when Changed fires.
type Notifier interface {
	Changed() <-chan struct{}
}

// AlwaysOnline is the Connectivity used when none is configured.
type AlwaysOnline struct{}

// Online always returns true.
func (AlwaysOnline) Online() bool { return true }

// Monitor is a manually driven Connectivity.
type Monitor struct {
	online  atomic.Bool
	changed chan struct{}
}

var (
	_ Connectivity = (*Monitor)(nil)
	_ Notifier     = (*Monitor)(nil)
)

// NewMonitor creates a monitor in the given state.
func NewMonitor(online bool) *Monitor {
	m := &Monitor{changed: make(chan struct{}, 1)}
	m.online.Store(online)
	return m
}

// Online implements Connectivity.
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// Set records the connectivity state and signals Changed on a transition.
func (m *Monitor) Set(online bool) {
	if m.online.Swap(online) == online {
		return
	}
	select {
	case m.changed <- struct{}{}:
	default:
	}
}

// Changed implements Notifier. Transitions coalesce into one signal.
func (m *Monitor) Changed() <-chan struct{} {
	return m.changed
}
