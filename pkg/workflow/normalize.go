package workflow

import "sort"

// Fields stripped during normalization. Identity fields and the active flag
// vary per environment; position and note fields are UI-only.
var (
	ignoredWorkflowFields = []string{"id", "createdAt", "updatedAt", "versionId", "active", "tags"}
	ignoredNodeFields     = []string{"id", "webhookId", "position", "positionAbsolute", "notesInFlow"}
)

// IgnoredWorkflowFields returns the top-level fields excluded from the
// canonical form. The diff engine mirrors this list.
func IgnoredWorkflowFields() []string {
	out := make([]string, len(ignoredWorkflowFields))
	copy(out, ignoredWorkflowFields)
	return out
}

// IgnoredNodeFields returns the per-node fields excluded from the canonical
// form.
func IgnoredNodeFields() []string {
	out := make([]string, len(ignoredNodeFields))
	copy(out, ignoredNodeFields)
	return out
}

// Normalize projects a Definition onto its canonical, environment-agnostic
// form: identity fields, the active flag, tags, and per-node UI fields are
// dropped, and credential references keep only their logical name (the type
// is carried as the map key). Nodes are keyed and ordered by name so that
// node reordering does not change the result.
func Normalize(def Definition) Normalized {
	nodes := make([]Node, len(def.Nodes))
	copy(nodes, def.Nodes)
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })

	normNodes := make([]interface{}, 0, len(nodes))
	for _, n := range nodes {
		normNodes = append(normNodes, normalizeNode(n))
	}

	norm := Normalized{
		"name":  def.Name,
		"nodes": normNodes,
	}
	if len(def.Connections) > 0 {
		norm["connections"] = def.Connections
	}
	if len(def.Settings) > 0 {
		norm["settings"] = def.Settings
	}
	return norm
}

func normalizeNode(n Node) map[string]interface{} {
	node := map[string]interface{}{
		"name": n.Name,
		"type": n.Type,
	}
	if n.TypeVersion != 0 {
		node["typeVersion"] = n.TypeVersion
	}
	if n.Disabled {
		node["disabled"] = true
	}
	if len(n.Parameters) > 0 {
		node["parameters"] = n.Parameters
	}
	if len(n.Credentials) > 0 {
		creds := make(map[string]interface{}, len(n.Credentials))
		for credType, cred := range n.Credentials {
			// Only the logical name survives; the id differs per environment.
			creds[credType] = map[string]interface{}{"name": cred.Name}
		}
		node["credentials"] = creds
	}
	return node
}
