package rules

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"

	"github.com/medrelay/agent/internal/item"
)

// routeTrace is the serialized outcome of one evaluation, compared
// against a golden file for deterministic-routing regression coverage.
//
// To regenerate golden files, run:
//
//	go test ./internal/rules -update
type routeTrace struct {
	ID           string             `json:"id"`
	From         string             `json:"from"`
	Destinations []item.Destination `json:"destinations"`
}

func TestEvaluate_GoldenRouteTrace(t *testing.T) {
	ruleset := []Rule{
		{
			Name:           "cloud-to-dicom",
			Enabled:        true,
			FromConnection: "cloudIn",
			ToConnections:  []item.Destination{{Connection: "dicomOut"}},
		},
		{
			Name:           "ct-archive",
			Enabled:        true,
			FromConnection: "cloudIn",
			Modality:       "CT",
			ToConnections:  []item.Destination{{Connection: "archive", ShareTargets: []string{"ct-share"}}},
		},
		{
			Name:           "hl7-disabled",
			Enabled:        false,
			FromConnection: "hl7In",
			ToConnections:  []item.Destination{{Connection: "cloudOut"}},
		},
	}

	eng, err := NewEngine(ruleset, nil, nil)
	require.NoError(t, err)

	inputs := []*item.WorkItem{
		itemFrom("cloudIn", map[string]string{"modality": "CT"}),
		itemFrom("cloudIn", map[string]string{"modality": "MR"}),
		itemFrom("hl7In", nil),
	}
	inputs[0].ID = "study-ct"
	inputs[1].ID = "study-mr"
	inputs[2].ID = "oru-1"

	var traces []routeTrace
	for _, it := range inputs {
		require.NoError(t, eng.Evaluate(context.Background(), it))
		dests := it.ToConnections
		if dests == nil {
			dests = []item.Destination{}
		}
		traces = append(traces, routeTrace{
			ID:           it.ID,
			From:         it.FromConnection,
			Destinations: dests,
		})
	}

	data, err := json.MarshalIndent(traces, "", "  ")
	require.NoError(t, err)
	data = append(data, '\n')

	g := goldie.New(t)
	g.Assert(t, "route_trace", data)
}
