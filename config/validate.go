package config

import (
	"errors"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"
)

const schemaSource = `
#Duration: =~"^$|^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#Identity: {
	type:       "none" | "issued" | "username"
	username?:  string
	password?:  string
	token?:     string
	token_env?: string
	algorithm?: string
}

#Parameters: {
	schema?:                  "tcp" | "ssl" | "http" | "https" | "ws" | "wss" | "ignore"
	host?:                    string
	port?:                    int & >=0 & <=65535
	endpoint_path?:           string
	application_id?:          string
	application_description?: string
	auto_application_id?:     bool
	request_timeout?:         #Duration
	notification_interval?:   #Duration
	keep_alive?:              #Duration
	identity?:                #Identity
	identities?: [string]: #Identity
	settings?: [string]: _
}

#Adapter: {
	type?:     string
	fields?:   [...string]
	selector?: string
	complete?: string
	routes?: [string]: {
		type:    string & !=""
		fields?: [...string]
	}
}

#Connector: {
	id:               string & !=""
	driver:           string & !=""
	disable?:         bool
	parameters?:      #Parameters
	adapter?:         #Adapter
	driver_settings?: _
}

name?:        string
description?: string
logging?: {
	level?:  "" | "trace" | "debug" | "info" | "warn" | "error" | "fatal" | "panic"
	format?: "" | "json" | "text"
	loki?: {...}
}
telemetry?: {enabled?: bool}
server?: {listen?: string}
hot_reload?: bool
include?: [...string]
connectors?: [...#Connector]
`

var (
	// cueMu serialises use of the shared CUE context.
	cueMu sync.Mutex

	schemaOnce  sync.Once
	schemaCtx   *cue.Context
	schemaValue cue.Value
	schemaErr   error
)

func compiledSchema() (*cue.Context, cue.Value, error) {
	schemaOnce.Do(func() {
		schemaCtx = cuecontext.New()
		schemaValue = schemaCtx.CompileString(schemaSource, cue.Filename("coupler.cue"))
		schemaErr = schemaValue.Err()
	})
	return schemaCtx, schemaValue, schemaErr
}

// validateDocument checks a raw YAML document against the embedded CUE schema.
func validateDocument(root *yaml.Node) error {
	ctx, schema, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	var raw map[string]interface{}
	if err := root.Decode(&raw); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	cueMu.Lock()
	defer cueMu.Unlock()
	data := ctx.Encode(raw)
	if err := data.Err(); err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	if err := schema.Unify(data).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	if err := validateDriverSettings(ctx, raw); err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	return nil
}

// Validate checks cross entry constraints of a decoded configuration.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	seen := make(map[string]struct{}, len(cfg.Connectors))
	var errs []error
	for _, conn := range cfg.Connectors {
		if err := ensureIdentifier(conn.ID, "connector"); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := seen[conn.ID]; dup {
			errs = append(errs, fmt.Errorf("connector %q defined more than once", conn.ID))
			continue
		}
		seen[conn.ID] = struct{}{}
		if conn.Driver == "" {
			errs = append(errs, fmt.Errorf("connector %q: driver is required", conn.ID))
		}
		if len(conn.Adapter.Routes) > 0 && conn.Adapter.Selector == "" {
			errs = append(errs, fmt.Errorf("connector %q: routes require a selector expression", conn.ID))
		}
	}
	return errors.Join(errs...)
}
