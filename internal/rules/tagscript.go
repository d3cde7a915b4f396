package rules

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/medrelay/agent/internal/item"
)

// TagScriptRuntime is the built-in Runtime: a line-oriented command
// language over an item's tag data. One command per line, # starts a
// comment. Commands:
//
//	set <name> <value...>    write a tag
//	drop <name>              delete a tag
//	copy <src> <dst>         duplicate a tag under a new name
//	require <name> <regex>   veto routing unless the tag matches
//
// In tag-bound execution (scripts attached to a rule tag and fired by
// the "ruleTags" sentinel) the name "$tag" resolves to the bound tag's
// name, so one de-identification script can serve many tags.
type TagScriptRuntime struct{}

// NewTagScriptRuntime returns the built-in script runtime.
func NewTagScriptRuntime() *TagScriptRuntime {
	return &TagScriptRuntime{}
}

const tagRef = "$tag"

type tagScriptOp struct {
	verb    string
	args    []string
	pattern *regexp.Regexp // compiled for require
}

type tagScript struct {
	name string
	ops  []tagScriptOp
}

// Compile parses source into an executable script. Unknown verbs, wrong
// arity, and invalid regexes fail here, not at delivery time.
func (r *TagScriptRuntime) Compile(name, source string) (Compiled, error) {
	script := &tagScript{name: name}
	for i, line := range strings.Split(source, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		op := tagScriptOp{verb: fields[0], args: fields[1:]}

		switch op.verb {
		case "set":
			if len(op.args) < 2 {
				return nil, fmt.Errorf("script %s line %d: set needs a name and a value", name, i+1)
			}
			// Re-join so values may contain spaces.
			op.args = []string{op.args[0], strings.Join(op.args[1:], " ")}
		case "drop":
			if len(op.args) != 1 {
				return nil, fmt.Errorf("script %s line %d: drop needs exactly one name", name, i+1)
			}
		case "copy":
			if len(op.args) != 2 {
				return nil, fmt.Errorf("script %s line %d: copy needs a source and a destination", name, i+1)
			}
		case "require":
			if len(op.args) != 2 {
				return nil, fmt.Errorf("script %s line %d: require needs a name and a regex", name, i+1)
			}
			pattern, err := regexp.Compile(op.args[1])
			if err != nil {
				return nil, fmt.Errorf("script %s line %d: %w", name, i+1, err)
			}
			op.pattern = pattern
		default:
			return nil, fmt.Errorf("script %s line %d: unknown command %q", name, i+1, op.verb)
		}
		script.ops = append(script.ops, op)
	}
	return script, nil
}

// Execute runs the compiled script against the item's tag data. A failed
// require returns an error, which the engine surfaces as a ScriptError
// and the delivery loop treats as a veto.
func (r *TagScriptRuntime) Execute(ctx context.Context, compiled Compiled, it *item.WorkItem, tag *Tag) error {
	script, ok := compiled.(*tagScript)
	if !ok {
		return fmt.Errorf("not a tag script: %T", compiled)
	}
	if it.TagData == nil {
		it.TagData = item.NewTagData()
	}

	for _, op := range script.ops {
		if err := ctx.Err(); err != nil {
			return err
		}
		name, err := resolveTagRef(op.args[0], tag)
		if err != nil {
			return fmt.Errorf("script %s: %w", script.name, err)
		}

		switch op.verb {
		case "set":
			it.TagData.Set(name, op.args[1])
		case "drop":
			it.TagData.Delete(name)
		case "copy":
			dst, err := resolveTagRef(op.args[1], tag)
			if err != nil {
				return fmt.Errorf("script %s: %w", script.name, err)
			}
			if value, ok := it.TagData.Get(name); ok {
				it.TagData.Set(dst, value)
			}
		case "require":
			value, ok := it.TagData.Get(name)
			if !ok || !op.pattern.MatchString(value) {
				return fmt.Errorf("script %s: tag %s=%q does not match %s", script.name, name, value, op.pattern)
			}
		}
	}
	return nil
}

func resolveTagRef(name string, tag *Tag) (string, error) {
	if name != tagRef {
		return name, nil
	}
	if tag == nil {
		return "", fmt.Errorf("%s used outside a tag-bound script", tagRef)
	}
	return tag.Name, nil
}

var _ Runtime = (*TagScriptRuntime)(nil)
