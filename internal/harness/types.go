package harness

import (
	"github.com/roach88/fecore/internal/ir"
	"github.com/roach88/fecore/internal/livesync"
	"github.com/roach88/fecore/internal/remote"
)

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true if every final assertion held.
	Pass bool `json:"pass"`

	// Errors lists the final assertions that did not hold.
	Errors []string `json:"errors,omitempty"`

	// Pushes is every row accepted by the replica, in order.
	Pushes []remote.Push `json:"pushes"`

	// States is each device's materialized state after the run.
	States map[string]ir.State `json:"states"`

	// Stats is each device's reconciler counters after the run.
	Stats map[string]livesync.Stats `json:"stats"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Errors: []string{},
		States: make(map[string]ir.State),
		Stats:  make(map[string]livesync.Stats),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
