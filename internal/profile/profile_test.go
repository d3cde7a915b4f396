package profile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medrelay/agent/internal/conn"
	"github.com/medrelay/agent/internal/item"
	"github.com/medrelay/agent/internal/rules"
)

func makeRule(name, from, to string) rules.Rule {
	return rules.Rule{
		Name:           name,
		Enabled:        true,
		FromConnection: from,
		ToConnections:  []item.Destination{{Connection: to}},
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const baseProfile = `
tempRoot: /var/spool/agent
kickOffIntervalSeconds: 30
historyDB: /var/lib/agent/history.db
connections:
  - name: pacs
    kind: dicom
    enabled: true
    primary: true
    maxAttempts: 5
    retryDelayMinutes: 2
  - name: archive
    kind: cloud
    enabled: true
rules:
  - name: pacsToArchive
    enabled: true
    fromConnection: pacs
    toConnections:
      - connection: archive
`

func TestLoadProfile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "profile.yaml", baseProfile)

	p, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/spool/agent", p.TempRoot)
	assert.Equal(t, 30*time.Second, p.KickOffInterval())
	assert.Equal(t, DefaultBacklogIntervalSeconds*time.Second, p.BacklogInterval())
	assert.Equal(t, DefaultMaxLoginAttempts, p.LoginAttempts())
	assert.Equal(t, "/var/lib/agent/history.db", p.HistoryDB)

	require.Len(t, p.Connections, 2)
	pacs := p.Connections[0].Config()
	assert.Equal(t, conn.KindDicom, pacs.Kind)
	assert.True(t, pacs.Primary)
	assert.Equal(t, 5, pacs.MaxAttempts)
	assert.Equal(t, 2*time.Minute, pacs.RetryDelay)

	// Defaults fill in for the second connection.
	archive := p.Connections[1].Config()
	assert.Equal(t, DefaultMaxAttempts, archive.MaxAttempts)
	assert.Equal(t, DefaultRetryDelayMinutes*time.Minute, archive.RetryDelay)

	require.Len(t, p.Rules, 1)
	assert.Equal(t, "pacsToArchive", p.Rules[0].Name)

	primary, ok := p.Primary()
	require.True(t, ok)
	assert.Equal(t, "pacs", primary.Name)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "profile.yaml", `
tempRoot: /tmp/agent
kickofIntervalSeconds: 30
connections:
  - name: pacs
    kind: dicom
    enabled: true
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kickofIntervalSeconds")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadAppendsCUERules(t *testing.T) {
	dir := t.TempDir()
	rulesDir := filepath.Join(dir, "rules.d")
	require.NoError(t, os.Mkdir(rulesDir, 0o755))
	writeFile(t, rulesDir, "routing.cue", `
package rules

rules: [
	{
		name:           "ctToArchive"
		enabled:        true
		fromConnection: "pacs"
		modality:       "CT"
		toConnections: [{connection: "archive", shareTargets: ["radiology"]}]
		tags: [{name: "modality", value: "CT", scriptName: "deident"}]
		preFromScripts: ["audit"]
	},
	{
		name:           "fallback"
		enabled:        true
		fromConnection: "pacs"
		toConnections: [{connection: "archive"}]
	},
]
`)

	path := writeFile(t, dir, "profile.yaml", `
tempRoot: /tmp/agent
rulesDir: `+rulesDir+`
scripts:
  deident: "drop(tag)"
  audit: "log(item)"
connections:
  - name: pacs
    kind: dicom
    enabled: true
  - name: archive
    kind: cloud
    enabled: true
rules:
  - name: inline
    enabled: true
    fromConnection: archive
    toConnections:
      - connection: pacs
`)

	p, err := Load(path)
	require.NoError(t, err)

	// Inline rules first, then CUE rules in declaration order.
	require.Len(t, p.Rules, 3)
	assert.Equal(t, "inline", p.Rules[0].Name)
	assert.Equal(t, "ctToArchive", p.Rules[1].Name)
	assert.Equal(t, "fallback", p.Rules[2].Name)

	ct := p.Rules[1]
	assert.Equal(t, "CT", ct.Modality)
	require.Len(t, ct.ToConnections, 1)
	assert.Equal(t, "archive", ct.ToConnections[0].Connection)
	assert.Equal(t, []string{"radiology"}, ct.ToConnections[0].ShareTargets)
	require.Len(t, ct.Tags, 1)
	assert.Equal(t, "deident", ct.Tags[0].ScriptName)
	assert.Equal(t, []string{"audit"}, ct.PreFromScripts)
}

func TestLoadCUERulesMissingDir(t *testing.T) {
	_, err := LoadCUERules(filepath.Join(t.TempDir(), "absent"))
	require.Error(t, err)
}

func TestLoadCUERulesEmptyDir(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadCUERules(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no CUE files")
}

func TestLoadCUERulesMissingList(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "empty.cue", "package rules\n\nsomething: 1\n")
	_, err := LoadCUERules(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no top-level rules list")
}

func TestValidateErrors(t *testing.T) {
	valid := func() *Profile {
		return &Profile{
			TempRoot: "/tmp/agent",
			Connections: []Connection{
				{Name: "pacs", Kind: "dicom", Enabled: true},
				{Name: "archive", Kind: "cloud", Enabled: true},
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Profile)
		wantErr string
	}{
		{
			name:    "missing temp root",
			mutate:  func(p *Profile) { p.TempRoot = "" },
			wantErr: "tempRoot",
		},
		{
			name:    "no connections",
			mutate:  func(p *Profile) { p.Connections = nil },
			wantErr: "no connections",
		},
		{
			name: "duplicate connection name",
			mutate: func(p *Profile) {
				p.Connections = append(p.Connections, Connection{Name: "pacs", Kind: "hl7", Enabled: true})
			},
			wantErr: "duplicate connection",
		},
		{
			name: "unknown kind",
			mutate: func(p *Profile) {
				p.Connections[0].Kind = "fax"
			},
			wantErr: "unknown kind",
		},
		{
			name: "two primaries",
			mutate: func(p *Profile) {
				p.Connections[0].Primary = true
				p.Connections[1].Primary = true
			},
			wantErr: "primary",
		},
		{
			name: "rule from unknown connection",
			mutate: func(p *Profile) {
				p.Rules = append(p.Rules, makeRule("r", "ghost", "archive"))
			},
			wantErr: "unknown fromConnection",
		},
		{
			name: "rule to unknown connection",
			mutate: func(p *Profile) {
				p.Rules = append(p.Rules, makeRule("r", "pacs", "ghost"))
			},
			wantErr: "unknown destination",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid()
			tt.mutate(p)
			err := p.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestPrimaryAbsent(t *testing.T) {
	p := &Profile{Connections: []Connection{{Name: "pacs", Kind: "dicom"}}}
	_, ok := p.Primary()
	assert.False(t, ok)
}
