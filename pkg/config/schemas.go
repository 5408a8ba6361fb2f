package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for validation. All schemas share one
// cue.Context so that they can be unified with values compiled by the parser.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	sr.registerBuiltInSchemas()
	return sr
}

// builtinDefinitions maps schema names to definitions in builtinSchemas.
var builtinDefinitions = map[string]string{
	"task_file": "#TaskFile",
	"host":      "#Host",
	"ssh":       "#SSH",
	"task":      "#Task",
	"identity":  "#Identity",
	"policy":    "#Policy",
}

func (sr *SchemaRegistry) registerBuiltInSchemas() {
	val := sr.ctx.CompileString(builtinSchemas, cue.Filename("builtin.cue"))
	if err := val.Err(); err != nil {
		panic(fmt.Sprintf("builtin schemas do not compile: %v", err))
	}
	for name, def := range builtinDefinitions {
		sr.schemas[name] = val.LookupPath(cue.ParsePath(def))
	}
}

// RegisterSchema compiles schema and registers it under name. If the source
// declares a definition named "#" + name it is registered instead of the
// whole value.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	if def := val.LookupPath(cue.MakePath(cue.Def(name))); def.Exists() {
		val = def
	}

	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema validates data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
}

// ListSchemas returns all registered schema names in sorted order.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateTask validates a single task against the task schema.
func (sr *SchemaRegistry) ValidateTask(ctx context.Context, task TaskConfig) error {
	return sr.ValidateAgainstSchema(ctx, "task", task)
}

// ValidateHost validates a host against the host schema.
func (sr *SchemaRegistry) ValidateHost(ctx context.Context, host HostConfig) error {
	return sr.ValidateAgainstSchema(ctx, "host", host)
}

const builtinSchemas = `
#Name: string & =~"^[A-Za-z0-9_.{}-]+$"

// Task file layout
#TaskFile: {
	name:             #Name
	settings?:        {[string]: string | int | bool}
	settings_script?: string
	hosts?:           {[string]: #Host}

	// Tasks run in declaration order. A struct keyed by task id or a list.
	tasks: {[string]: #Task} | [...#Task]

	policy?: #Policy
}

// Host backend
#Host: {
	backend:           "file" | "ssh"
	config_path?:      string
	platform_version?: int & >=0
	ssh?:              #SSH
	if backend == "ssh" {
		ssh: #SSH
	}
}

#SSH: {
	address?:                  string
	port?:                     int & >0 & <=65535
	user:                      string
	auth_method?:              "password" | "key" | "agent"
	password?:                 string
	private_key_path?:         string
	known_hosts_path?:         string
	insecure_ignore_host_key?: bool
	connection_timeout?:       =~"^[0-9]+(ms|s|m|h)$"
	version_command?:          string
}

// Install or uninstall task
#Task: {
	id?:         string
	action:      "install" | "uninstall"
	host:        string
	site:        string & !=""
	application: *"" | string

	if action == "uninstall" {
		preserve_site?: bool
		preserve_pool?: bool
	}

	if action == "install" {
		physical_path:       string
		pool?:               string
		runtime_version?:    "v2.0" | "v4.0"
		pipeline_mode?:      "Integrated" | "Classic"
		enable_32bit?:       bool
		identity?:           #Identity
		authentication?:     {[ "anonymous" | "basic" | "digest" | "windows"]: bool}
		site_physical_path?: string
		site_port?:          int & >0 & <=65535
	}
}

#Identity: {
	type: "LocalSystem" | "LocalService" | "NetworkService" | "ApplicationPoolIdentity" | "SpecificUser"
	if type == "SpecificUser" {
		username: string & !=""
		password: string
	}
	username?: string
	password?: string
}

#Policy: {
	enabled:  *true | bool
	paths?:   [...string]
	builtin?: bool
}
`
