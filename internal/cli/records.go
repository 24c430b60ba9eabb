package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/fecore/internal/ir"
)

// entryResult is the JSON payload for put and delete.
type entryResult struct {
	Seq  int64  `json:"seq"`
	Op   ir.Op  `json:"op"`
	Type string `json:"type"`
	ID   string `json:"id"`
}

// NewPutCommand creates the put command.
func NewPutCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "put <type> <id> <json>",
		Short: "Create or replace a record",
		Long: `Create or replace a record. The record body is a JSON object; "id" is
set from the argument and "updated_at" defaults to the current time.`,
		Example: `  fecore put card c1 '{"title":"Write tests","laneId":"l1"}'`,
		Args:    cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data ir.Record
			if err := ir.DecodeJSON([]byte(args[2]), &data); err != nil {
				return WrapExitError(ExitCommandError, "record body must be a JSON object", err)
			}
			if data == nil {
				return NewExitError(ExitCommandError, "record body must be a JSON object")
			}
			return mutate(cmd, rootOpts, ir.Put(args[0], args[1], data))
		},
	}
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <type> <id>",
		Short: "Delete a record",
		Long:  "Delete a record. Deleting a record that does not exist is recorded and succeeds.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutate(cmd, rootOpts, ir.Delete(args[0], args[1]))
		},
	}
}

func mutate(cmd *cobra.Command, rootOpts *RootOptions, action ir.Action) error {
	sess, err := rootOpts.openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer sess.Close()

	entry, err := sess.store.Mutate(cmd.Context(), action)
	if err != nil {
		return WrapExitError(ExitCommandError, fmt.Sprintf("%s %s/%s failed", action.Op, action.Type, action.ID), err)
	}

	res := entryResult{Seq: entry.Seq, Op: action.Op, Type: action.Type, ID: action.ID}
	text := fmt.Sprintf("%s %s/%s (seq %d)", action.Op, action.Type, action.ID, entry.Seq)
	return rootOpts.formatter(cmd.OutOrStdout()).Success(res, text)
}

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <type> <id>",
		Short: "Print one record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := rootOpts.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer sess.Close()

			rec, ok := sess.store.Get(args[0], args[1])
			if !ok {
				return NewExitError(ExitFailure, fmt.Sprintf("%s/%s not found", args[0], args[1]))
			}
			return rootOpts.formatter(cmd.OutOrStdout()).Success(rec, "")
		},
	}
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list <type>",
		Short: "Print every record of a type, ordered by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := rootOpts.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer sess.Close()

			recs := sess.store.List(args[0])
			if recs == nil {
				recs = []ir.Record{}
			}
			text := ""
			if len(recs) == 0 {
				text = fmt.Sprintf("no %s records", args[0])
			}
			return rootOpts.formatter(cmd.OutOrStdout()).Success(recs, text)
		},
	}
}
