// Package workflow defines the runtime workflow model and the canonical
// normalization and content-hashing used for drift detection. Two workflows
// that differ only in identity, UI, or environment-varying fields normalize
// to the same form and therefore hash identically.
package workflow

// Credential is one credential reference on a node. The id is opaque and
// differs per environment; the name is the logical identity.
type Credential struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

// Node is one node of a workflow definition.
type Node struct {
	ID               string                 `json:"id,omitempty"`
	Name             string                 `json:"name"`
	Type             string                 `json:"type"`
	TypeVersion      float64                `json:"typeVersion,omitempty"`
	Disabled         bool                   `json:"disabled,omitempty"`
	Position         []float64              `json:"position,omitempty"`
	PositionAbsolute []float64              `json:"positionAbsolute,omitempty"`
	NotesInFlow      bool                   `json:"notesInFlow,omitempty"`
	WebhookID        string                 `json:"webhookId,omitempty"`
	Parameters       map[string]interface{} `json:"parameters,omitempty"`
	// Credentials maps credential type to the credential reference.
	Credentials map[string]Credential `json:"credentials,omitempty"`
}

// Tag is a runtime-side workflow tag. Tag ids vary per environment.
type Tag struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

// Definition is the automation runtime's native representation of one
// workflow. Mutable in the runtime; immutable once captured into a snapshot.
type Definition struct {
	ID          string                 `json:"id,omitempty"`
	Name        string                 `json:"name"`
	Active      bool                   `json:"active"`
	Nodes       []Node                 `json:"nodes"`
	Connections map[string]interface{} `json:"connections,omitempty"`
	Settings    map[string]interface{} `json:"settings,omitempty"`
	Tags        []Tag                  `json:"tags,omitempty"`
	CreatedAt   string                 `json:"createdAt,omitempty"`
	UpdatedAt   string                 `json:"updatedAt,omitempty"`
	VersionID   string                 `json:"versionId,omitempty"`
}

// Summary is the lightweight listing form returned by the runtime adapter.
type Summary struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Active    bool   `json:"active"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

// Normalized is the environment-agnostic projection of a Definition.
// It is derived on demand and never persisted directly; only its serialized
// form participates in hashing and snapshot files.
type Normalized map[string]interface{}
