package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fecore/internal/ir"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	err := formatter.Success(map[string]string{"result": "success"}, "ignored in json mode")
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, map[string]any{"result": "success"}, resp.Data)
	assert.Nil(t, resp.Error)
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	cause := ir.Errorf(ir.CodeInvalidAction, "mutate", "missing id")
	require.NoError(t, formatter.Error(WrapExitError(ExitCommandError, "put card/ failed", cause)))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "INVALID_ACTION", resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "missing id")
}

func TestOutputFormatter_ErrorWithoutCode(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, formatter.Error(errors.New("boom")))
	assert.Equal(t, "Error [ERROR]: boom\n", buf.String())
}

func TestOutputFormatter_TextSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, formatter.Success(nil, "Snapshot saved"))
	assert.Equal(t, "Snapshot saved\n", buf.String())
}

func TestOutputFormatter_TextIndentsData(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	rec := ir.Record{"title": "<b>", "id": "c1"}
	require.NoError(t, formatter.Success(rec, ""))
	// Sorted keys, no HTML escaping.
	assert.Equal(t, "{\n  \"id\": \"c1\",\n  \"title\": \"<b>\"\n}\n", buf.String())
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "bad flag")))
	assert.Equal(t, ExitFailure, GetExitCode(WrapExitError(ExitFailure, "not found", errors.New("x"))))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
}

func TestExitError_Message(t *testing.T) {
	assert.Equal(t, "bad flag", NewExitError(ExitCommandError, "bad flag").Error())
	err := WrapExitError(ExitCommandError, "open failed", errors.New("disk"))
	assert.Equal(t, "open failed: disk", err.Error())
	assert.ErrorContains(t, errors.Unwrap(err), "disk")
}
