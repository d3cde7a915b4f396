package rules

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/medrelay/agent/internal/item"
)

// Engine evaluates declarative rules (plus optional scripts) against a
// WorkItem to compute its destination set.
//
// Rules are held in declaration order and evaluated in that order, so
// given an unchanged rule set and unchanged item tag data, Evaluate is
// deterministic and idempotent absent script side effects.
//
// Thread-safety: an Engine is immutable after construction and safe for
// concurrent Evaluate calls on DISTINCT items. Two goroutines must never
// evaluate the same item concurrently (single-threaded processing per
// item is the system-wide ownership rule).
type Engine struct {
	rules   []compiledRule
	runtime Runtime
	scripts map[string]Compiled
}

// compiledRule pairs a rule with its pre-compiled regex filters.
type compiledRule struct {
	rule      Rule
	physician *regexp.Regexp
	tags      []*regexp.Regexp // parallel to rule.Tags
}

// NewEngine compiles ruleset and every referenced script up front, so a
// bad regex or missing script source fails at load time instead of
// mid-routing.
//
// scriptSources maps script name → source text. runtime may be nil when
// no rule references a script.
func NewEngine(ruleset []Rule, runtime Runtime, scriptSources map[string]string) (*Engine, error) {
	e := &Engine{
		runtime: runtime,
		scripts: make(map[string]Compiled),
	}

	for _, r := range ruleset {
		if err := r.Validate(); err != nil {
			return nil, err
		}

		cr := compiledRule{rule: r}

		if r.ReferringPhysician != "" {
			re, err := regexp.Compile(r.ReferringPhysician)
			if err != nil {
				return nil, fmt.Errorf("rule %s: referringPhysician: %w", r.Name, err)
			}
			cr.physician = re
		}
		for _, tag := range r.Tags {
			re, err := regexp.Compile(tag.Value)
			if err != nil {
				return nil, fmt.Errorf("rule %s: tag %s: %w", r.Name, tag.Name, err)
			}
			cr.tags = append(cr.tags, re)
		}

		for _, name := range r.scriptNames() {
			if _, ok := e.scripts[name]; ok {
				continue
			}
			if runtime == nil {
				return nil, fmt.Errorf("rule %s references script %s but no script runtime is configured", r.Name, name)
			}
			src, ok := scriptSources[name]
			if !ok {
				return nil, fmt.Errorf("rule %s references unknown script %s", r.Name, name)
			}
			compiled, err := runtime.Compile(name, src)
			if err != nil {
				return nil, fmt.Errorf("compile script %s: %w", name, err)
			}
			e.scripts[name] = compiled
		}

		e.rules = append(e.rules, cr)
	}

	return e, nil
}

// Rules returns the rule set in declaration order. Used for introspection
// and the validate command.
func (e *Engine) Rules() []Rule {
	out := make([]Rule, len(e.rules))
	for i := range e.rules {
		out[i] = e.rules[i].rule
	}
	return out
}

// Evaluate computes it.ToConnections from the rule set.
//
// The destination set is cleared first so stale fan-out never survives a
// re-evaluation. For each enabled rule whose fromConnection and filters
// match, the pipeline runs in order: the rule's pre-from scripts once per
// item, then per destination its pre-to scripts, the destination merge
// (dedup by connection name, union of share targets), and its post-to
// scripts. After all rules are processed, each matched rule's post-from
// scripts run once, in rule order.
//
// A script failure aborts the pass and is returned as a *ScriptError; the
// caller returns the item to its source queue without charging a delivery
// attempt. Zero matching rules leave ToConnections empty — the caller
// decides what "no destination" means for the item's kind.
func (e *Engine) Evaluate(ctx context.Context, it *item.WorkItem) error {
	it.ClearDestinations()

	var matched []*compiledRule
	for i := range e.rules {
		cr := &e.rules[i]
		if !cr.rule.Enabled || cr.rule.FromConnection != it.FromConnection {
			continue
		}
		if !cr.matches(it) {
			continue
		}
		matched = append(matched, cr)

		// Fast path: simple rules only contribute their destinations.
		if cr.rule.IsSimple() {
			for _, dest := range cr.rule.ToConnections {
				it.MergeDestination(dest)
			}
			continue
		}

		if err := e.runScripts(ctx, cr, cr.rule.PreFromScripts, it); err != nil {
			return err
		}
		for _, dest := range cr.rule.ToConnections {
			if err := e.runScripts(ctx, cr, cr.rule.PreToScripts, it); err != nil {
				return err
			}
			it.MergeDestination(dest)
			if err := e.runScripts(ctx, cr, cr.rule.PostToScripts, it); err != nil {
				return err
			}
		}

		slog.Debug("rule matched",
			"rule", cr.rule.Name,
			"instance_id", it.InstanceID,
			"destinations", len(cr.rule.ToConnections),
		)
	}

	for _, cr := range matched {
		if err := e.runScripts(ctx, cr, cr.rule.PostFromScripts, it); err != nil {
			return err
		}
	}

	return nil
}

// matches applies the declarative filters: modality exact match,
// referring-physician regex, and every tag regex (AND semantics, vacuous
// on empty). A filter whose tag-data entry is absent does not match.
func (cr *compiledRule) matches(it *item.WorkItem) bool {
	if cr.rule.Modality != "" {
		v, ok := it.TagData.Get(TagModality)
		if !ok || v != cr.rule.Modality {
			return false
		}
	}
	if cr.physician != nil {
		v, ok := it.TagData.Get(TagReferringPhysician)
		if !ok || !cr.physician.MatchString(v) {
			return false
		}
	}
	for i, tag := range cr.rule.Tags {
		v, ok := it.TagData.Get(tag.Name)
		if !ok || !cr.tags[i].MatchString(v) {
			return false
		}
	}
	return true
}

// runScripts executes a script-name list. The "ruleTags" sentinel expands
// to the rule's tag-bound scripts at that position, each executed with its
// tag as context.
func (e *Engine) runScripts(ctx context.Context, cr *compiledRule, names []string, it *item.WorkItem) error {
	for _, name := range names {
		if name == RuleTagsScript {
			for i := range cr.rule.Tags {
				tag := cr.rule.Tags[i]
				if tag.ScriptName == "" {
					continue
				}
				if err := e.execute(ctx, cr.rule.Name, tag.ScriptName, it, &tag); err != nil {
					return err
				}
			}
			continue
		}
		if err := e.execute(ctx, cr.rule.Name, name, it, nil); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) execute(ctx context.Context, ruleName, scriptName string, it *item.WorkItem, tag *Tag) error {
	compiled, ok := e.scripts[scriptName]
	if !ok {
		return &ScriptError{Rule: ruleName, Script: scriptName, Err: fmt.Errorf("script not compiled")}
	}
	if err := e.runtime.Execute(ctx, compiled, it, tag); err != nil {
		return &ScriptError{Rule: ruleName, Script: scriptName, Err: err}
	}
	return nil
}
