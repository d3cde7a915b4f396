package rules

import (
	"fmt"

	"github.com/medrelay/agent/internal/item"
)

// Well-known tag-data keys consumed by rule filters.
const (
	TagModality           = "modality"
	TagReferringPhysician = "referringPhysician"
)

// RuleTagsScript is the sentinel script name. Placed in a script-name
// list, it triggers execution of the rule's own tag-level scripts at that
// pipeline position, letting a rule interleave tag mutation (e.g.
// de-identification) with connection-level scripts in caller order.
const RuleTagsScript = "ruleTags"

// Tag is one AND-combined match predicate: Value is evaluated as a regex
// against the item's tag-data entry named Name. ScriptName optionally
// binds a mutating script that runs when the sentinel fires.
type Tag struct {
	Name       string `json:"name" yaml:"name"`
	Value      string `json:"value" yaml:"value"`
	ScriptName string `json:"script_name,omitempty" yaml:"scriptName,omitempty"`
}

// Rule is a declarative routing rule: a predicate over work items from
// one connection, a default destination set, and four script-hook lists.
type Rule struct {
	Name           string `json:"name" yaml:"name"`
	Enabled        bool   `json:"enabled" yaml:"enabled"`
	FromConnection string `json:"from_connection" yaml:"fromConnection"`

	ToConnections []item.Destination `json:"to_connections" yaml:"toConnections"`

	// Modality is an exact-match filter; ReferringPhysician is a regex.
	// Empty means unconstrained.
	Modality           string `json:"modality,omitempty" yaml:"modality,omitempty"`
	ReferringPhysician string `json:"referring_physician,omitempty" yaml:"referringPhysician,omitempty"`

	// Tags are AND-combined; an empty list is vacuously true.
	Tags []Tag `json:"tags,omitempty" yaml:"tags,omitempty"`

	PreFromScripts  []string `json:"pre_from_scripts,omitempty" yaml:"preFromScripts,omitempty"`
	PostFromScripts []string `json:"post_from_scripts,omitempty" yaml:"postFromScripts,omitempty"`
	PreToScripts    []string `json:"pre_to_scripts,omitempty" yaml:"preToScripts,omitempty"`
	PostToScripts   []string `json:"post_to_scripts,omitempty" yaml:"postToScripts,omitempty"`
}

// IsSimple reports whether the rule has no filter or script constraints.
// Simple rules bypass the matching and script pipeline entirely and only
// merge their default destinations.
func (r *Rule) IsSimple() bool {
	return r.Modality == "" &&
		r.ReferringPhysician == "" &&
		len(r.Tags) == 0 &&
		len(r.PreFromScripts) == 0 &&
		len(r.PostFromScripts) == 0 &&
		len(r.PreToScripts) == 0 &&
		len(r.PostToScripts) == 0
}

// scriptNames returns every script name the rule references, including
// tag-bound scripts, excluding the sentinel.
func (r *Rule) scriptNames() []string {
	var names []string
	add := func(list []string) {
		for _, n := range list {
			if n != RuleTagsScript {
				names = append(names, n)
			}
		}
	}
	add(r.PreFromScripts)
	add(r.PostFromScripts)
	add(r.PreToScripts)
	add(r.PostToScripts)
	for _, tag := range r.Tags {
		if tag.ScriptName != "" {
			names = append(names, tag.ScriptName)
		}
	}
	return names
}

// Validate checks rule fields that must hold before compilation.
func (r *Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule with empty name")
	}
	if r.FromConnection == "" {
		return fmt.Errorf("rule %s: missing fromConnection", r.Name)
	}
	if len(r.ToConnections) == 0 {
		return fmt.Errorf("rule %s: no destination connections", r.Name)
	}
	for _, d := range r.ToConnections {
		if d.Connection == "" {
			return fmt.Errorf("rule %s: destination with empty connection name", r.Name)
		}
	}
	return nil
}
