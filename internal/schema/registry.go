package schema

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"

	"github.com/roach88/fecore/internal/ir"
)

// Registry holds the compiled definition of every known record type.
// Safe for concurrent use.
type Registry struct {
	mu   sync.Mutex // cue.Context is not safe for concurrent use
	ctx  *cue.Context
	defs map[string]cue.Value
}

// Compile builds a registry from CUE source. filename is used in error
// positions only.
func Compile(src []byte, filename string) (*Registry, error) {
	ctx := cuecontext.New()
	root := ctx.CompileBytes(src, cue.Filename(filename))
	if err := root.Err(); err != nil {
		return nil, fmt.Errorf("compile schema: %w", formatCUEError(err))
	}

	it, err := root.Fields(cue.Definitions(true))
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", formatCUEError(err))
	}

	defs := make(map[string]cue.Value)
	for it.Next() {
		sel := it.Selector()
		if !sel.IsDefinition() {
			continue
		}
		name := strings.TrimPrefix(sel.String(), "#")
		defs[name] = it.Value()
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("compile schema %s: no #type definitions found", filename)
	}

	return &Registry{ctx: ctx, defs: defs}, nil
}

// LoadFile reads and compiles a schema file.
func LoadFile(path string) (*Registry, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}
	return Compile(src, path)
}

// Types returns the known record types in sorted order.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.defs))
	for name := range r.defs {
		types = append(types, name)
	}
	slices.Sort(types)
	return types
}

// Known reports whether typ has a definition.
func (r *Registry) Known(typ string) bool {
	_, ok := r.defs[typ]
	return ok
}

// Validate checks a materialized record against the definition of typ.
// Unknown types and non-conforming records fail with INVALID_ACTION.
func (r *Registry) Validate(typ string, rec ir.Record) error {
	def, ok := r.defs[typ]
	if !ok {
		return ir.Errorf(ir.CodeInvalidAction, "validate record", "unknown record type %q", typ)
	}

	data, err := ir.MarshalCanonical(rec)
	if err != nil {
		return ir.Wrap(ir.CodeInvalidAction, "validate record", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	v := r.ctx.CompileBytes(data, cue.Filename(typ+".json"))
	if err := v.Err(); err != nil {
		return ir.Wrap(ir.CodeInvalidAction, "validate record", formatCUEError(err))
	}
	if err := def.Unify(v).Validate(cue.Concrete(true)); err != nil {
		return &ir.Error{
			Code:    ir.CodeInvalidAction,
			Op:      "validate record",
			Message: fmt.Sprintf("%s/%v does not match #%s", typ, rec[ir.FieldID], typ),
			Err:     formatCUEError(err),
		}
	}
	return nil
}

// formatCUEError reduces a CUE error list to its first error.
func formatCUEError(err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	if len(errs) == 1 {
		return errs[0]
	}
	return fmt.Errorf("%w (and %d more)", errs[0], len(errs)-1)
}
