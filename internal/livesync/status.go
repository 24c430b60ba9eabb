package livesync

// Status is the reconciler's user-visible connection state.
type Status string

const (
	// StatusLocal: no remote configured. The store works purely locally.
	StatusLocal Status = "Local"

	// StatusSyncing: the initial pull is in progress.
	StatusSyncing Status = "Syncing"

	// StatusLive: connected, subscribed and the journal tail is pushed.
	StatusLive Status = "Live"

	// StatusOffline: connectivity is down or the remote is unreachable.
	StatusOffline Status = "Offline"

	// StatusDegraded: the remote is reachable but a push, pull or
	// subscription failed. Retried on the next tick.
	StatusDegraded Status = "Degraded"
)

func (s Status) String() string { return string(s) }
