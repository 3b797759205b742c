package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/driftwarden/driftwarden/pkg/engine"
	"github.com/driftwarden/driftwarden/pkg/workflow"
)

const httpAdapterTimeout = 30 * time.Second

// HTTPAdapter talks to an n8n-compatible workflow runtime over its REST API.
// The API key travels in the X-N8N-API-KEY header.
type HTTPAdapter struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPAdapter creates an adapter for the runtime at baseURL.
func NewHTTPAdapter(cfg ConnectionConfig) (*HTTPAdapter, error) {
	if cfg.BaseURL == "" {
		return nil, engine.NewValidationError("runtime base URL is required", nil)
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, engine.NewValidationError("invalid runtime base URL", err)
	}
	return &HTTPAdapter{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: httpAdapterTimeout},
	}, nil
}

// HTTPFactory builds HTTP adapters for the registry.
func HTTPFactory(cfg ConnectionConfig) (Adapter, error) {
	return NewHTTPAdapter(cfg)
}

type workflowListResponse struct {
	Data []workflow.Definition `json:"data"`
}

func (a *HTTPAdapter) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return engine.NewValidationError("failed to encode request body", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return engine.NewAdapterError("failed to build runtime request", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.apiKey != "" {
		req.Header.Set("X-N8N-API-KEY", a.apiKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return engine.NewAdapterError("runtime request failed", err).
			WithCode(engine.ErrCodeAdapterUnavailable).
			WithDetail("path", path)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return engine.NewPersistenceError("runtime resource not found", nil).
			WithCode(engine.ErrCodeNotFound).
			WithDetail("path", path)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return engine.NewAdapterError(
			fmt.Sprintf("runtime returned status %d", resp.StatusCode), nil).
			WithDetail("path", path).
			WithDetail("body", string(payload))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return engine.NewAdapterError("failed to decode runtime response", err).
				WithDetail("path", path)
		}
	}
	return nil
}

func (a *HTTPAdapter) GetWorkflows(ctx context.Context) ([]workflow.Definition, error) {
	var resp workflowListResponse
	if err := a.do(ctx, http.MethodGet, "/api/v1/workflows", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (a *HTTPAdapter) GetWorkflow(ctx context.Context, id string) (*workflow.Definition, error) {
	var def workflow.Definition
	if err := a.do(ctx, http.MethodGet, "/api/v1/workflows/"+url.PathEscape(id), nil, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

func (a *HTTPAdapter) UpdateWorkflow(ctx context.Context, id string, def workflow.Definition) error {
	return a.do(ctx, http.MethodPut, "/api/v1/workflows/"+url.PathEscape(id), def, nil)
}

func (a *HTTPAdapter) TestConnection(ctx context.Context) error {
	return a.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

// ExtractLogicalCredentials returns the sorted "type:name" keys the
// definition references.
func (a *HTTPAdapter) ExtractLogicalCredentials(def workflow.Definition) []string {
	seen := make(map[string]struct{})
	for _, node := range def.Nodes {
		for credType, cred := range node.Credentials {
			seen[credType+":"+cred.Name] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// RewriteCredentialsWithMappings swaps mapped credential references and
// leaves the rest untouched.
func (a *HTTPAdapter) RewriteCredentialsWithMappings(def workflow.Definition, mappings map[string]workflow.Credential) workflow.Definition {
	out := def
	out.Nodes = make([]workflow.Node, len(def.Nodes))
	for i, node := range def.Nodes {
		rewritten := node
		if len(node.Credentials) > 0 {
			rewritten.Credentials = make(map[string]workflow.Credential, len(node.Credentials))
			for credType, cred := range node.Credentials {
				if mapped, ok := mappings[credType+":"+cred.Name]; ok {
					rewritten.Credentials[credType] = mapped
				} else {
					rewritten.Credentials[credType] = cred
				}
			}
		}
		out.Nodes[i] = rewritten
	}
	return out
}
