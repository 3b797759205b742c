// Package diff compares workflow definitions structurally and classifies
// runtime synchronization state. Comparisons operate on the canonical form:
// fields the normalizer strips never produce differences.
package diff

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/driftwarden/driftwarden/pkg/workflow"
)

// DifferenceType classifies a single structural difference.
type DifferenceType string

const (
	DifferenceAdded    DifferenceType = "added"
	DifferenceRemoved  DifferenceType = "removed"
	DifferenceModified DifferenceType = "modified"
)

// DriftDifference is one structural divergence between the source-of-truth
// definition and the runtime definition, addressed by a dotted path.
type DriftDifference struct {
	Path         string         `json:"path"`
	Type         DifferenceType `json:"type"`
	SourceValue  interface{}    `json:"source_value,omitempty"`
	RuntimeValue interface{}    `json:"runtime_value,omitempty"`
}

// DriftSummary aggregates a difference list into the counts the policy
// engine classifies severity from.
type DriftSummary struct {
	NodesAdded         int  `json:"nodes_added"`
	NodesRemoved       int  `json:"nodes_removed"`
	NodesModified      int  `json:"nodes_modified"`
	ConnectionsChanged bool `json:"connections_changed"`
	SettingsChanged    bool `json:"settings_changed"`
	NameChanged        bool `json:"name_changed"`
}

// DriftResult is the outcome of comparing one runtime workflow against its
// snapshot counterpart.
type DriftResult struct {
	SourceVersion  workflow.ContentHash `json:"source_version,omitempty"`
	RuntimeVersion workflow.ContentHash `json:"runtime_version"`
	HasDrift       bool                 `json:"has_drift"`
	Differences    []DriftDifference    `json:"differences,omitempty"`
	Summary        DriftSummary         `json:"summary"`
}

// CompareWorkflows diffs a runtime definition against the snapshot source of
// truth. A nil source means the environment has no baseline for the
// workflow: nothing to drift from, so HasDrift is false and no differences
// are reported. Nodes are matched by name; identity, activation, and UI
// positioning fields never contribute differences.
func CompareWorkflows(source *workflow.Definition, runtime workflow.Definition) (DriftResult, error) {
	runtimeHash, err := workflow.Hash(runtime)
	if err != nil {
		return DriftResult{}, fmt.Errorf("failed to hash runtime workflow: %w", err)
	}

	result := DriftResult{RuntimeVersion: runtimeHash}
	if source == nil {
		return result, nil
	}

	sourceHash, err := workflow.Hash(*source)
	if err != nil {
		return DriftResult{}, fmt.Errorf("failed to hash source workflow: %w", err)
	}
	result.SourceVersion = sourceHash
	if sourceHash == runtimeHash {
		return result, nil
	}

	result.Differences = compare(*source, runtime, &result.Summary)
	result.HasDrift = len(result.Differences) > 0
	return result, nil
}

func compare(source, runtime workflow.Definition, summary *DriftSummary) []DriftDifference {
	var diffs []DriftDifference

	if source.Name != runtime.Name {
		summary.NameChanged = true
		diffs = append(diffs, DriftDifference{
			Path:         "name",
			Type:         DifferenceModified,
			SourceValue:  source.Name,
			RuntimeValue: runtime.Name,
		})
	}

	diffs = append(diffs, compareNodes(source.Nodes, runtime.Nodes, summary)...)

	if (len(source.Connections) > 0 || len(runtime.Connections) > 0) &&
		!valuesEqual(source.Connections, runtime.Connections) {
		summary.ConnectionsChanged = true
		diffs = append(diffs, DriftDifference{
			Path:         "connections",
			Type:         DifferenceModified,
			SourceValue:  source.Connections,
			RuntimeValue: runtime.Connections,
		})
	}

	diffs = append(diffs, compareSettings(source.Settings, runtime.Settings, summary)...)
	return diffs
}

func compareNodes(source, runtime []workflow.Node, summary *DriftSummary) []DriftDifference {
	sourceByName := nodesByName(source)
	runtimeByName := nodesByName(runtime)

	var diffs []DriftDifference
	for _, name := range sortedKeys(sourceByName) {
		sn := sourceByName[name]
		rn, ok := runtimeByName[name]
		if !ok {
			summary.NodesRemoved++
			diffs = append(diffs, DriftDifference{
				Path:        "nodes." + name,
				Type:        DifferenceRemoved,
				SourceValue: sn.Type,
			})
			continue
		}
		nodeDiffs := compareNode(name, sn, rn)
		if len(nodeDiffs) > 0 {
			summary.NodesModified++
			diffs = append(diffs, nodeDiffs...)
		}
	}
	for _, name := range sortedKeys(runtimeByName) {
		if _, ok := sourceByName[name]; !ok {
			summary.NodesAdded++
			diffs = append(diffs, DriftDifference{
				Path:         "nodes." + name,
				Type:         DifferenceAdded,
				RuntimeValue: runtimeByName[name].Type,
			})
		}
	}
	return diffs
}

func compareNode(name string, source, runtime workflow.Node) []DriftDifference {
	var diffs []DriftDifference
	prefix := "nodes." + name + "."

	if source.Type != runtime.Type {
		diffs = append(diffs, DriftDifference{
			Path: prefix + "type", Type: DifferenceModified,
			SourceValue: source.Type, RuntimeValue: runtime.Type,
		})
	}
	if source.TypeVersion != runtime.TypeVersion {
		diffs = append(diffs, DriftDifference{
			Path: prefix + "typeVersion", Type: DifferenceModified,
			SourceValue: source.TypeVersion, RuntimeValue: runtime.TypeVersion,
		})
	}
	if source.Disabled != runtime.Disabled {
		diffs = append(diffs, DriftDifference{
			Path: prefix + "disabled", Type: DifferenceModified,
			SourceValue: source.Disabled, RuntimeValue: runtime.Disabled,
		})
	}
	if !valuesEqual(source.Parameters, runtime.Parameters) {
		diffs = append(diffs, DriftDifference{
			Path: prefix + "parameters", Type: DifferenceModified,
			SourceValue: source.Parameters, RuntimeValue: runtime.Parameters,
		})
	}
	diffs = append(diffs, compareCredentials(prefix, source.Credentials, runtime.Credentials)...)
	return diffs
}

// compareCredentials matches credential references by logical name only;
// credential ids differ across environments by construction.
func compareCredentials(prefix string, source, runtime map[string]workflow.Credential) []DriftDifference {
	var diffs []DriftDifference
	for _, credType := range sortedCredKeys(source) {
		sc := source[credType]
		rc, ok := runtime[credType]
		if !ok {
			diffs = append(diffs, DriftDifference{
				Path: prefix + "credentials." + credType, Type: DifferenceRemoved,
				SourceValue: sc.Name,
			})
			continue
		}
		if sc.Name != rc.Name {
			diffs = append(diffs, DriftDifference{
				Path: prefix + "credentials." + credType, Type: DifferenceModified,
				SourceValue: sc.Name, RuntimeValue: rc.Name,
			})
		}
	}
	for _, credType := range sortedCredKeys(runtime) {
		if _, ok := source[credType]; !ok {
			diffs = append(diffs, DriftDifference{
				Path: prefix + "credentials." + credType, Type: DifferenceAdded,
				RuntimeValue: runtime[credType].Name,
			})
		}
	}
	return diffs
}

func compareSettings(source, runtime map[string]interface{}, summary *DriftSummary) []DriftDifference {
	var diffs []DriftDifference
	keys := map[string]struct{}{}
	for k := range source {
		keys[k] = struct{}{}
	}
	for k := range runtime {
		keys[k] = struct{}{}
	}

	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	for _, k := range sorted {
		sv, inSource := source[k]
		rv, inRuntime := runtime[k]
		switch {
		case !inSource:
			diffs = append(diffs, DriftDifference{
				Path: "settings." + k, Type: DifferenceAdded, RuntimeValue: rv,
			})
		case !inRuntime:
			diffs = append(diffs, DriftDifference{
				Path: "settings." + k, Type: DifferenceRemoved, SourceValue: sv,
			})
		case !valuesEqual(sv, rv):
			diffs = append(diffs, DriftDifference{
				Path: "settings." + k, Type: DifferenceModified,
				SourceValue: sv, RuntimeValue: rv,
			})
		}
	}
	if len(diffs) > 0 {
		summary.SettingsChanged = true
	}
	return diffs
}

func nodesByName(nodes []workflow.Node) map[string]workflow.Node {
	byName := make(map[string]workflow.Node, len(nodes))
	for _, n := range nodes {
		byName[n.Name] = n
	}
	return byName
}

func sortedKeys(m map[string]workflow.Node) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedCredKeys(m map[string]workflow.Credential) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// valuesEqual compares arbitrary JSON-shaped values by canonical
// serialization. Map key order does not matter; numeric representation
// follows encoding/json semantics.
func valuesEqual(a, b interface{}) bool {
	if a == nil && b == nil {
		return true
	}
	aj, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bj, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(aj) == string(bj)
}
