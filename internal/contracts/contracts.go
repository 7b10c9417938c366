// Package contracts holds the JSON schemas for request bodies accepted over
// HTTP and the signaling channel. Payloads are validated before they are
// decoded into typed structs.
package contracts

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"stream-orchestrator/internal/models"
)

// Name identifies a top level schema.
type Name string

const (
	SessionBegin     Name = "session_begin"
	SessionHeartbeat Name = "session_heartbeat"
	IngestRTMP       Name = "ingest_rtmp"
	IngestSRS        Name = "ingest_srs"
	TransportCreate  Name = "transport_create"
	TransportConnect Name = "transport_connect"
	TransportProduce Name = "transport_produce"
	TransportConsume Name = "transport_consume"
	ICECandidate     Name = "ice_candidate"
	LocalCandidate   Name = "local_candidate"
	SignalRequest    Name = "signal_request"
)

// Names lists every top level schema.
var Names = []Name{
	SessionBegin, SessionHeartbeat, IngestRTMP, IngestSRS, TransportCreate,
	TransportConnect, TransportProduce, TransportConsume, ICECandidate, LocalCandidate,
	SignalRequest,
}

const baseURL = "https://stream-orchestrator.local/contracts/"

//go:embed schemas/*.json
var schemaFS embed.FS

var (
	loadOnce sync.Once
	loaded   map[Name]*jsonschema.Schema
	loadErr  error
)

func load() (map[Name]*jsonschema.Schema, error) {
	loadOnce.Do(func() {
		loaded, loadErr = compileAll()
	})
	return loaded, loadErr
}

func compileAll() (map[Name]*jsonschema.Schema, error) {
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, fmt.Errorf("read schemas: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	for _, entry := range entries {
		raw, err := schemaFS.ReadFile(path.Join("schemas", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", entry.Name(), err)
		}
		if err := compiler.AddResource(baseURL+entry.Name(), bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", entry.Name(), err)
		}
	}
	out := make(map[Name]*jsonschema.Schema, len(Names))
	for _, name := range Names {
		schema, err := compiler.Compile(baseURL + string(name) + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		out[name] = schema
	}
	return out, nil
}

// Check compiles every schema. Call it at startup to fail fast.
func Check() error {
	_, err := load()
	return err
}

// Validate checks raw against the named schema. Malformed JSON and schema
// violations both surface as models.ErrSchemaViolation; an empty body is
// validated as an empty object.
func Validate(name Name, raw []byte) error {
	schemas, err := load()
	if err != nil {
		return err
	}
	schema, ok := schemas[name]
	if !ok {
		return fmt.Errorf("unknown schema %q", name)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("{}")
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return models.Errorf(models.ErrSchemaViolation, "malformed json: %v", err)
	}
	if err := schema.Validate(payload); err != nil {
		return models.Errorf(models.ErrSchemaViolation, "%s", describe(err))
	}
	return nil
}

// Decode validates raw against the named schema and then unmarshals it into
// dst.
func Decode(name Name, raw []byte, dst any) error {
	if err := Validate(name, raw); err != nil {
		return err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return models.Errorf(models.ErrSchemaViolation, "decode: %v", err)
	}
	return nil
}

// describe reduces a validation error tree to its deepest causes.
func describe(err error) string {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return err.Error()
	}
	var parts []string
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			location := e.InstanceLocation
			if location == "" {
				location = "/"
			}
			parts = append(parts, location+": "+e.Message)
			return
		}
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(verr)
	return strings.Join(parts, "; ")
}
