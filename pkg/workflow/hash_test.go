package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseDefinition() Definition {
	return Definition{
		ID:        "wf-123",
		Name:      "Order Sync",
		Active:    true,
		CreatedAt: "2026-01-01T00:00:00Z",
		UpdatedAt: "2026-02-01T00:00:00Z",
		VersionID: "v-abc",
		Tags:      []Tag{{ID: "tag-1", Name: "prod"}},
		Nodes: []Node{
			{
				ID:       "node-1",
				Name:     "HTTP",
				Type:     "httpRequest",
				Position: []float64{100, 200},
				Parameters: map[string]interface{}{
					"url":    "https://api.example.com/orders",
					"method": "GET",
				},
				Credentials: map[string]Credential{
					"httpBasicAuth": {ID: "cred-9", Name: "orders-api"},
				},
			},
			{
				ID:       "node-2",
				Name:     "Start",
				Type:     "start",
				Position: []float64{0, 0},
			},
		},
		Connections: map[string]interface{}{
			"Start": map[string]interface{}{"main": []interface{}{"HTTP"}},
		},
		Settings: map[string]interface{}{"timezone": "UTC"},
	}
}

func TestHashStableAcrossEnvironmentFields(t *testing.T) {
	a := baseDefinition()

	b := baseDefinition()
	b.ID = "wf-999"
	b.Active = false
	b.CreatedAt = "2025-06-01T00:00:00Z"
	b.UpdatedAt = "2025-07-01T00:00:00Z"
	b.VersionID = "v-xyz"
	b.Tags = []Tag{{ID: "tag-77", Name: "staging"}}
	b.Nodes[0].ID = "node-77"
	b.Nodes[0].Position = []float64{640, 480}
	b.Nodes[0].PositionAbsolute = []float64{1, 1}
	b.Nodes[0].NotesInFlow = true
	b.Nodes[0].WebhookID = "hook-2"
	b.Nodes[0].Credentials["httpBasicAuth"] = Credential{ID: "cred-42", Name: "orders-api"}

	ha, err := Hash(a)
	require.NoError(t, err)
	hb, err := Hash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb, "identity/UI/environment fields must not affect the hash")
}

func TestHashStableAcrossNodeOrder(t *testing.T) {
	a := baseDefinition()
	b := baseDefinition()
	b.Nodes[0], b.Nodes[1] = b.Nodes[1], b.Nodes[0]

	ha, err := Hash(a)
	require.NoError(t, err)
	hb, err := Hash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func TestHashSensitivity(t *testing.T) {
	base := baseDefinition()
	baseHash, err := Hash(base)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Definition)
	}{
		{"node type", func(d *Definition) { d.Nodes[0].Type = "webhook" }},
		{"parameters", func(d *Definition) { d.Nodes[0].Parameters["url"] = "https://other.example.com" }},
		{"connections", func(d *Definition) { d.Connections["Start"] = map[string]interface{}{"main": []interface{}{}} }},
		{"credential name", func(d *Definition) {
			d.Nodes[0].Credentials["httpBasicAuth"] = Credential{ID: "cred-9", Name: "renamed"}
		}},
		{"workflow name", func(d *Definition) { d.Name = "Order Sync v2" }},
		{"settings", func(d *Definition) { d.Settings["timezone"] = "Europe/Berlin" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mutated := baseDefinition()
			tt.mutate(&mutated)
			h, err := Hash(mutated)
			require.NoError(t, err)
			assert.NotEqual(t, baseHash, h)
		})
	}
}

func TestHashHasAlgorithmTag(t *testing.T) {
	h, err := Hash(baseDefinition())
	require.NoError(t, err)
	assert.Equal(t, "sha256", h.Algorithm())
	assert.Len(t, string(h), len(HashPrefix)+64)
}

func TestCombineOrderIndependent(t *testing.T) {
	hashes := []ContentHash{
		"sha256:aaa",
		"sha256:bbb",
		"sha256:ccc",
		"sha256:ddd",
	}
	permuted := []ContentHash{hashes[2], hashes[0], hashes[3], hashes[1]}

	assert.Equal(t, Combine(hashes), Combine(permuted))
	assert.NotEqual(t, Combine(hashes), Combine(hashes[:3]))
}

func TestNormalizeStripsCredentialIDs(t *testing.T) {
	norm := Normalize(baseDefinition())

	nodes, ok := norm["nodes"].([]interface{})
	require.True(t, ok)
	require.Len(t, nodes, 2)

	// Nodes are sorted by name: HTTP before Start.
	httpNode := nodes[0].(map[string]interface{})
	require.Equal(t, "HTTP", httpNode["name"])

	creds := httpNode["credentials"].(map[string]interface{})
	basic := creds["httpBasicAuth"].(map[string]interface{})
	assert.Equal(t, "orders-api", basic["name"])
	_, hasID := basic["id"]
	assert.False(t, hasID)
	_, hasPos := httpNode["position"]
	assert.False(t, hasPos)
}
