package rules

import (
	"context"
	"errors"
	"fmt"

	"github.com/medrelay/agent/internal/item"
)

// Compiled is an opaque handle to a compiled script, produced by a
// Runtime and passed back to it for execution.
type Compiled interface{}

// Runtime is the script-compilation/execution boundary. The engine treats
// scripts as opaque predicates/mutators: a script may mutate the item's
// tag data or veto continued routing by returning an error.
//
// For tag-level scripts (bound via Tag.ScriptName and fired by the
// "ruleTags" sentinel) tag identifies the specific tag being processed;
// for connection-level scripts tag is nil.
type Runtime interface {
	Compile(name, source string) (Compiled, error)
	Execute(ctx context.Context, script Compiled, it *item.WorkItem, tag *Tag) error
}

// ScriptError marks a script compile or execution failure during rule
// evaluation. The rules-delivery loop returns the affected item to its
// source queue with attempts unchanged, so a broken script stalls that
// item rather than consuming its retry budget.
type ScriptError struct {
	Rule   string
	Script string
	Err    error
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("rule %s: script %s: %v", e.Rule, e.Script, e.Err)
}

func (e *ScriptError) Unwrap() error {
	return e.Err
}

// IsScriptError reports whether err is (or wraps) a ScriptError.
func IsScriptError(err error) bool {
	var se *ScriptError
	return errors.As(err, &se)
}
