package ir

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestActionValidate(t *testing.T) {
	tests := []struct {
		name    string
		action  Action
		wantErr bool
	}{
		{"put with data", Put("card", "c1", Record{"title": "A"}), false},
		{"put with empty data", Put("card", "c1", Record{}), false},
		{"delete", Delete("card", "c1"), false},
		{"remote source", Action{Type: "card", Op: OpDelete, ID: "c1", Meta: Meta{Source: SourceRemote}}, false},
		{"missing type", Put("", "c1", Record{}), true},
		{"missing id", Put("card", "", Record{}), true},
		{"put without data", Action{Type: "card", Op: OpPut, ID: "c1"}, true},
		{"delete with data", Action{Type: "card", Op: OpDelete, ID: "c1", Data: Record{}}, true},
		{"unknown op", Action{Type: "card", Op: "patch", ID: "c1"}, true},
		{"unknown source", Action{Type: "card", Op: OpDelete, ID: "c1", Meta: Meta{Source: "peer"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.action.Validate()
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			assert.Error(t, err)
			assert.True(t, IsCode(err, CodeInvalidAction))
		})
	}
}

func TestActionIsRemote(t *testing.T) {
	a := Put("card", "c1", Record{})
	assert.False(t, a.IsRemote())

	a.Meta.Source = SourceRemote
	assert.True(t, a.IsRemote())
}

func TestErrorChain(t *testing.T) {
	cause := errors.New("disk full")
	err := fmt.Errorf("mutate: %w", Wrap(CodeAppendFailure, "append", cause))

	assert.True(t, IsCode(err, CodeAppendFailure))
	assert.False(t, IsCode(err, CodePushFailure))
	assert.Equal(t, CodeAppendFailure, CodeOf(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "APPEND_FAILURE: append: disk full")
}

func TestErrorChainNested(t *testing.T) {
	inner := Wrap(CodeStorageUnavailable, "open", errors.New("no such dir"))
	outer := Wrap(CodeAppendFailure, "append", inner)

	assert.True(t, IsCode(outer, CodeAppendFailure))
	assert.True(t, IsCode(outer, CodeStorageUnavailable))
	assert.Nil(t, Wrap(CodePushFailure, "push", nil))
}
