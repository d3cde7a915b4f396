package profile

import (
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"

	"github.com/medrelay/agent/internal/item"
	"github.com/medrelay/agent/internal/rules"
)

// cueRule mirrors rules.Rule with the same field names CUE rule files
// use as the inline YAML rules, so a rule can move between the profile
// and a .cue file without renaming keys. CUE decoding follows json tags.
type cueRule struct {
	Name           string           `json:"name"`
	Enabled        bool             `json:"enabled"`
	FromConnection string           `json:"fromConnection"`
	ToConnections  []cueDestination `json:"toConnections"`

	Modality           string   `json:"modality,omitempty"`
	ReferringPhysician string   `json:"referringPhysician,omitempty"`
	Tags               []cueTag `json:"tags,omitempty"`

	PreFromScripts  []string `json:"preFromScripts,omitempty"`
	PostFromScripts []string `json:"postFromScripts,omitempty"`
	PreToScripts    []string `json:"preToScripts,omitempty"`
	PostToScripts   []string `json:"postToScripts,omitempty"`
}

type cueDestination struct {
	Connection   string   `json:"connection"`
	ShareTargets []string `json:"shareTargets,omitempty"`
}

type cueTag struct {
	Name       string `json:"name"`
	Value      string `json:"value"`
	ScriptName string `json:"scriptName,omitempty"`
}

func (r cueRule) rule() rules.Rule {
	out := rules.Rule{
		Name:               r.Name,
		Enabled:            r.Enabled,
		FromConnection:     r.FromConnection,
		Modality:           r.Modality,
		ReferringPhysician: r.ReferringPhysician,
		PreFromScripts:     r.PreFromScripts,
		PostFromScripts:    r.PostFromScripts,
		PreToScripts:       r.PreToScripts,
		PostToScripts:      r.PostToScripts,
	}
	for _, d := range r.ToConnections {
		out.ToConnections = append(out.ToConnections, item.Destination{
			Connection:   d.Connection,
			ShareTargets: d.ShareTargets,
		})
	}
	for _, t := range r.Tags {
		out.Tags = append(out.Tags, rules.Tag{
			Name:       t.Name,
			Value:      t.Value,
			ScriptName: t.ScriptName,
		})
	}
	return out
}

// LoadCUERules loads routing rules from a directory of CUE files. All
// files in the directory unify into a single instance; the rules live
// under a top-level "rules" list. Declaration order within the list is
// preserved since the engine matches rules in order.
func LoadCUERules(dir string) ([]rules.Rule, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("rules directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("rules directory: not a directory: %s", dir)
	}

	files, err := findCUEFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("scanning rules directory: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no CUE files found in %s", dir)
	}

	ctx := cuecontext.New()
	instances := load.Instances(files, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, fmt.Errorf("no CUE instances loaded from %s", dir)
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, fmt.Errorf("loading CUE files: %w", inst.Err)
	}

	value := ctx.BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, fmt.Errorf("building CUE value: %w", err)
	}

	rulesVal := value.LookupPath(cue.ParsePath("rules"))
	if !rulesVal.Exists() {
		return nil, fmt.Errorf("no top-level rules list in %s", dir)
	}

	var decoded []cueRule
	if err := rulesVal.Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decoding rules: %w", err)
	}

	loaded := make([]rules.Rule, 0, len(decoded))
	for _, r := range decoded {
		loaded = append(loaded, r.rule())
	}
	return loaded, nil
}

// findCUEFiles walks the directory and returns all .cue file paths.
func findCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}
