package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// MaxBodyBytes bounds every request body.
const MaxBodyBytes = 1 << 20

const hashPattern = `^(0x|0X)?[0-9a-fA-F]{64}$`

// Request body schemas, keyed by name.
var schemaSources = map[string]string{
	"intent": `{
		"type": "object",
		"required": ["executorId", "actionId", "preStateRoot", "notBefore", "notAfter", "maxDurationMs", "maxEnergyJ"],
		"properties": {
			"executorId":    {"type": "integer", "minimum": 0},
			"actionId":      {"type": "string", "pattern": "` + hashPattern + `"},
			"params":        {"type": ["string", "null"], "contentEncoding": "base64"},
			"envelopeHash":  {"type": "string", "pattern": "` + hashPattern + `"},
			"preStateRoot":  {"type": "string", "pattern": "` + hashPattern + `"},
			"notBefore":     {"type": "integer", "minimum": 0},
			"notAfter":      {"type": "integer", "minimum": 0},
			"maxDurationMs": {"type": "integer", "minimum": 0},
			"maxEnergyJ":    {"type": "integer", "minimum": 0},
			"requester":     {"type": "string"},
			"nonce":         {"type": "integer", "minimum": 0}
		},
		"additionalProperties": false
	}`,
	"evidence": `{
		"type": "object",
		"required": ["executorId", "stateRootSha256", "stateRootKeccak", "metricsHashSha256", "metricsHashKeccak"],
		"properties": {
			"executorId":        {"type": "integer", "minimum": 0},
			"stateRootSha256":   {"type": "string", "pattern": "` + hashPattern + `"},
			"stateRootKeccak":   {"type": "string", "pattern": "` + hashPattern + `"},
			"metricsHashSha256": {"type": "string", "pattern": "` + hashPattern + `"},
			"metricsHashKeccak": {"type": "string", "pattern": "` + hashPattern + `"},
			"tone":              {"type": "integer", "minimum": 0, "maximum": 1000000},
			"metrics":           {"type": "object", "additionalProperties": {"type": "number"}},
			"timestamp":         {"type": "integer"},
			"attestor":          {"type": "string"}
		},
		"additionalProperties": false
	}`,
	"tone": `{
		"type": "object",
		"required": ["tone"],
		"properties": {"tone": {"type": "integer", "minimum": 0, "maximum": 1000000}},
		"additionalProperties": false
	}`,
	"revoke": `{
		"type": "object",
		"properties": {"reason": {"enum": ["OWNER_REVOCATION", "REFLEX_TRIGGER", "EXPIRATION"]}},
		"additionalProperties": false
	}`,
	"pulse": `{
		"type": "object",
		"required": ["executorId"],
		"properties": {
			"executorId": {"type": "integer", "minimum": 0},
			"start":      {"type": "integer", "minimum": 0},
			"max":        {"type": "integer", "minimum": 0}
		},
		"additionalProperties": false
	}`,
	"manual": `{
		"type": "object",
		"required": ["executorId", "reason"],
		"properties": {
			"executorId": {"type": "integer", "minimum": 0},
			"reason":     {"type": "string", "minLength": 1}
		},
		"additionalProperties": false
	}`,
}

// Schemas holds the compiled request schemas.
type Schemas struct {
	byName map[string]*jsonschema.Schema
}

// CompileSchemas compiles every request schema.
func CompileSchemas() (*Schemas, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	s := &Schemas{byName: make(map[string]*jsonschema.Schema, len(schemaSources))}
	for name, src := range schemaSources {
		url := fmt.Sprintf("https://vagus.dev/schemas/%s.schema.json", name)
		if err := c.AddResource(url, strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("api: load %s schema: %w", name, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("api: compile %s schema: %w", name, err)
		}
		s.byName[name] = compiled
	}
	return s, nil
}

// Decode reads the request body, validates it against the named schema and
// unmarshals it into dst. An empty body validates as {}.
func (s *Schemas) Decode(w http.ResponseWriter, r *http.Request, name string, dst any) error {
	schema, ok := s.byName[name]
	if !ok {
		return fmt.Errorf("api: unknown schema %q", name)
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		data = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}
