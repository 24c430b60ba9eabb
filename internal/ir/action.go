package ir

import (
	"fmt"
)

// Op is the mutation kind carried by an Action.
type Op string

const (
	OpPut    Op = "put"
	OpDelete Op = "delete"
)

// Source records where an action originated.
// Remote-origin actions are never pushed back to the remote replica.
type Source string

const (
	SourceLocal  Source = "local"
	SourceRemote Source = "remote"
)

// Meta carries origin information for an action.
type Meta struct {
	Source   Source `json:"source"`
	DeviceID string `json:"deviceId,omitempty"`
}

// Action is a single mutation of one record.
//
// Wire and persisted shape:
//
//	{"type":"card","op":"put","id":"c1","data":{...},"meta":{"source":"local"}}
//
// Data is required iff Op is put; a delete never carries data.
type Action struct {
	Type string `json:"type"`
	Op   Op     `json:"op"`
	ID   string `json:"id"`
	Data Record `json:"data,omitempty"`
	Meta Meta   `json:"meta"`
}

// IsRemote reports whether the action was ingested from the remote replica.
func (a Action) IsRemote() bool {
	return a.Meta.Source == SourceRemote
}

// Validate checks the structural invariants of an action.
// Returns the first violation found wrapped as an INVALID_ACTION error.
func (a Action) Validate() error {
	switch {
	case a.Type == "":
		return invalidAction("type is required")
	case a.ID == "":
		return invalidAction("id is required")
	}

	switch a.Op {
	case OpPut:
		if a.Data == nil {
			return invalidAction(fmt.Sprintf("put %s/%s requires data", a.Type, a.ID))
		}
	case OpDelete:
		if a.Data != nil {
			return invalidAction(fmt.Sprintf("delete %s/%s must not carry data", a.Type, a.ID))
		}
	default:
		return invalidAction(fmt.Sprintf("unknown op %q", a.Op))
	}

	switch a.Meta.Source {
	case "", SourceLocal, SourceRemote:
	default:
		return invalidAction(fmt.Sprintf("unknown source %q", a.Meta.Source))
	}

	return nil
}

func invalidAction(msg string) error {
	return &Error{Code: CodeInvalidAction, Op: "validate action", Message: msg}
}

// Put builds a put action. Convenience for callers and tests.
func Put(typ, id string, data Record) Action {
	return Action{Type: typ, Op: OpPut, ID: id, Data: data}
}

// Delete builds a delete action.
func Delete(typ, id string) Action {
	return Action{Type: typ, Op: OpDelete, ID: id}
}
