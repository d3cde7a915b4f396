package rules

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medrelay/agent/internal/item"
)

func compileScript(t *testing.T, source string) Compiled {
	t.Helper()
	compiled, err := NewTagScriptRuntime().Compile("test", source)
	require.NoError(t, err)
	return compiled
}

func scriptItem() *item.WorkItem {
	it := item.New(item.NewFixedGenerator("i-1"), item.KindDicom, "study-1")
	it.TagData.Set("modality", "CT")
	it.TagData.Set("patientName", "DOE^JANE")
	return it
}

func TestTagScriptSetDropCopy(t *testing.T) {
	rt := NewTagScriptRuntime()
	compiled := compileScript(t, `
# de-identify
copy patientName originalName
set patientName ANONYMIZED
drop accession
`)

	it := scriptItem()
	require.NoError(t, rt.Execute(context.Background(), compiled, it, nil))

	name, _ := it.TagData.Get("patientName")
	assert.Equal(t, "ANONYMIZED", name)
	original, _ := it.TagData.Get("originalName")
	assert.Equal(t, "DOE^JANE", original)
}

func TestTagScriptSetValueWithSpaces(t *testing.T) {
	rt := NewTagScriptRuntime()
	compiled := compileScript(t, "set institution General Hospital West")

	it := scriptItem()
	require.NoError(t, rt.Execute(context.Background(), compiled, it, nil))

	v, _ := it.TagData.Get("institution")
	assert.Equal(t, "General Hospital West", v)
}

func TestTagScriptRequireVeto(t *testing.T) {
	rt := NewTagScriptRuntime()
	compiled := compileScript(t, "require modality ^(CT|MR)$")

	it := scriptItem()
	require.NoError(t, rt.Execute(context.Background(), compiled, it, nil))

	it.TagData.Set("modality", "US")
	err := rt.Execute(context.Background(), compiled, it, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")
}

func TestTagScriptTagReference(t *testing.T) {
	rt := NewTagScriptRuntime()
	compiled := compileScript(t, "set $tag REDACTED")

	it := scriptItem()
	require.NoError(t, rt.Execute(context.Background(), compiled, it, &Tag{Name: "patientName"}))
	v, _ := it.TagData.Get("patientName")
	assert.Equal(t, "REDACTED", v)

	// Outside tag-bound execution the reference is an error.
	err := rt.Execute(context.Background(), compiled, it, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "$tag")
}

func TestTagScriptCompileErrors(t *testing.T) {
	rt := NewTagScriptRuntime()

	tests := []struct {
		name   string
		source string
	}{
		{"unknown verb", "transmogrify modality"},
		{"set missing value", "set modality"},
		{"drop extra args", "drop a b"},
		{"bad regex", "require modality ["},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := rt.Compile("bad", tt.source)
			require.Error(t, err)
		})
	}
}

func TestTagScriptThroughEngine(t *testing.T) {
	ruleset := []Rule{{
		Name:           "deidentify",
		Enabled:        true,
		FromConnection: "pacs",
		ToConnections:  []item.Destination{{Connection: "archive"}},
		Tags:           []Tag{{Name: "patientName", Value: ".+", ScriptName: "redact"}},
		PreToScripts:   []string{RuleTagsScript},
	}}
	scripts := map[string]string{"redact": "set $tag REDACTED"}

	engine, err := NewEngine(ruleset, NewTagScriptRuntime(), scripts)
	require.NoError(t, err)

	it := scriptItem()
	it.FromConnection = "pacs"
	require.NoError(t, engine.Evaluate(context.Background(), it))

	require.Len(t, it.ToConnections, 1)
	v, _ := it.TagData.Get("patientName")
	assert.Equal(t, "REDACTED", v)
}
