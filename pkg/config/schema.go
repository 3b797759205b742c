package config

import (
	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/driftwarden/driftwarden/pkg/engine"
)

// configSchema constrains the YAML document's structure. It runs before the
// struct decode so an unknown key or a mistyped section fails loudly instead
// of being silently dropped.
const configSchema = `
#Config: {
	data_dir?: string
	database?: {
		path?: string
	}
	git?: {
		backend?: "fs" | "memory"
		root?:    string
		branch?:  string
	}
	telemetry?: {
		environment?:       string
		log_level?:         "trace" | "debug" | "info" | "warn" | "error" | "fatal"
		log_format?:        "console" | "json"
		metrics_enabled?:   bool
		metrics_listen?:    string
		tracing_enabled?:   bool
		tracing_exporter?:  "otlp" | "stdout" | "none"
		tracing_endpoint?:  string
		sampling_rate?:     number & >=0 & <=1
		events_enabled?:    bool
		event_buffer_size?: int & >=0
	}
	sweeper?: {
		expiry_interval_seconds?:   int & >=0
		scan_interval_seconds?:     int & >=0
		stale_interval_seconds?:    int & >=0
		artifact_timeout_minutes?:  int & >=0
		promotion_timeout_minutes?: int & >=0
	}
	api_keys?: {[string]: string}
}
#Config
`

// validateSchema unifies the raw document with the CUE schema.
func validateSchema(data []byte) error {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return engine.NewValidationError("config is not valid YAML", err)
	}
	if doc == nil {
		return nil
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(configSchema)
	if err := schema.Err(); err != nil {
		return engine.NewValidationError("failed to compile config schema", err)
	}

	value := ctx.Encode(doc)
	if err := value.Err(); err != nil {
		return engine.NewValidationError("failed to encode config for validation", err)
	}

	unified := schema.Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return engine.NewValidationError("config does not match schema", err)
	}
	return nil
}
