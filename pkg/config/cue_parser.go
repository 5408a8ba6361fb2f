package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
)

// CUEParser parses and validates task files written in CUE.
type CUEParser struct {
	ctx               *cue.Context
	schemaRegistry    *SchemaRegistry
	starlarkEvaluator *StarlarkEvaluator
	validator         *validator.Validate
}

// NewCUEParser creates a new CUE parser.
func NewCUEParser() *CUEParser {
	registry := NewSchemaRegistry()
	return &CUEParser{
		ctx:               registry.ctx,
		schemaRegistry:    registry,
		starlarkEvaluator: NewStarlarkEvaluator(30 * time.Second),
		validator:         newValidator(),
	}
}

// newValidator returns a validator that reports json field names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Load parses sources and returns an error listing every validation error.
func (cp *CUEParser) Load(ctx context.Context, sources ...string) (*TaskFile, error) {
	file, err := cp.Parse(ctx, sources)
	if err != nil {
		return nil, err
	}
	if file.HasErrors() {
		return file, fmt.Errorf("invalid task file: %s", formatErrors(file.Errors))
	}
	return file, nil
}

// Parse parses CUE task files and directories. Parse and validation
// problems are reported in TaskFile.Errors; the returned error is reserved
// for sources that cannot be read at all.
func (cp *CUEParser) Parse(ctx context.Context, sources []string) (*TaskFile, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	var cueValue cue.Value
	var sourceFiles []string
	var parseErrors []ValidationError

	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}

		var val cue.Value
		var errs []ValidationError
		if info.IsDir() {
			var files []string
			val, files, errs = cp.loadDirectory(source)
			sourceFiles = append(sourceFiles, files...)
		} else {
			val, errs = cp.loadFile(source)
			sourceFiles = append(sourceFiles, source)
		}
		parseErrors = append(parseErrors, errs...)
		if val.Exists() {
			if cueValue.Exists() {
				cueValue = cueValue.Unify(val)
			} else {
				cueValue = val
			}
		}
	}

	if len(parseErrors) > 0 {
		return &TaskFile{SourceFiles: sourceFiles, ParsedAt: time.Now(), Errors: parseErrors}, nil
	}

	return cp.evaluate(ctx, cueValue, sourceFiles), nil
}

// ParseInline parses inline CUE content.
func (cp *CUEParser) ParseInline(ctx context.Context, content string) (*TaskFile, error) {
	val := cp.ctx.CompileString(content, cue.Filename("inline"))
	if err := val.Err(); err != nil {
		return &TaskFile{
			SourceFiles: []string{"inline"},
			ParsedAt:    time.Now(),
			Errors:      cp.convertCUEErrors(err),
		}, nil
	}
	return cp.evaluate(ctx, val, []string{"inline"}), nil
}

// evaluate checks val against the task file schema, decodes it, runs the
// settings script, substitutes tokens and applies struct validation.
func (cp *CUEParser) evaluate(ctx context.Context, val cue.Value, sourceFiles []string) *TaskFile {
	file := &TaskFile{SourceFiles: sourceFiles, ParsedAt: time.Now()}

	schema, _ := cp.schemaRegistry.GetSchema("task_file")
	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		file.Errors = cp.convertCUEErrors(err)
		return file
	}

	cp.extract(unified, file)
	if file.HasErrors() {
		return file
	}

	if file.SettingsScript != "" {
		cp.runSettingsScript(ctx, file)
		if file.HasErrors() {
			return file
		}
	}

	file.Errors = append(file.Errors, substituteTokens(file)...)
	file.Errors = append(file.Errors, cp.validateStruct(file)...)
	file.Errors = append(file.Errors, checkHostReferences(file)...)

	log.Debug().
		Str("name", file.Name).
		Int("tasks", len(file.Tasks)).
		Int("hosts", len(file.Hosts)).
		Int("errors", len(file.Errors)).
		Msg("task file evaluated")
	return file
}

// loadDirectory loads a directory as a CUE package.
func (cp *CUEParser) loadDirectory(dir string) (cue.Value, []string, []ValidationError) {
	buildInstances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(buildInstances) == 0 {
		return cue.Value{}, nil, []ValidationError{{
			File:     dir,
			Message:  "no CUE files found",
			Severity: "error",
		}}
	}

	inst := buildInstances[0]
	if inst.Err != nil {
		return cue.Value{}, nil, cp.convertCUEErrors(inst.Err)
	}

	val := cp.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, nil, cp.convertCUEErrors(err)
	}

	var files []string
	for _, file := range inst.Files {
		if file.Filename != "" {
			files = append(files, file.Filename)
		}
	}

	return val, files, nil
}

// loadFile loads a single CUE file.
func (cp *CUEParser) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: "error",
		}}
	}

	val := cp.ctx.CompileBytes(content, cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, cp.convertCUEErrors(err)
	}

	return val, nil
}

// extract decodes a schema-checked value into file.
func (cp *CUEParser) extract(val cue.Value, file *TaskFile) {
	decode := func(path string, target interface{}) {
		v := val.LookupPath(cue.ParsePath(path))
		if !v.Exists() {
			return
		}
		if err := v.Decode(target); err != nil {
			file.Errors = append(file.Errors, ValidationError{
				Path:     path,
				Message:  fmt.Sprintf("failed to decode %s: %v", path, err),
				Severity: "error",
			})
		}
	}

	decode("name", &file.Name)
	decode("settings_script", &file.SettingsScript)
	decode("hosts", &file.Hosts)
	decode("policy", &file.Policy)

	var settings map[string]interface{}
	decode("settings", &settings)
	if len(settings) > 0 {
		file.Settings = make(map[string]string, len(settings))
		for k, v := range settings {
			file.Settings[k] = fmt.Sprint(v)
		}
	}

	tasksVal := val.LookupPath(cue.ParsePath("tasks"))
	switch tasksVal.Kind() {
	case cue.StructKind:
		iter, err := tasksVal.Fields()
		if err != nil {
			file.Errors = append(file.Errors, ValidationError{Path: "tasks", Message: err.Error(), Severity: "error"})
			return
		}
		for iter.Next() {
			id := iter.Selector().Unquoted()
			cp.extractTask(iter.Value(), id, "tasks."+id, file)
		}
	case cue.ListKind:
		list, err := tasksVal.List()
		if err != nil {
			file.Errors = append(file.Errors, ValidationError{Path: "tasks", Message: err.Error(), Severity: "error"})
			return
		}
		for idx := 0; list.Next(); idx++ {
			cp.extractTask(list.Value(), fmt.Sprintf("task-%d", idx+1), fmt.Sprintf("tasks[%d]", idx), file)
		}
	}
}

func (cp *CUEParser) extractTask(val cue.Value, id, path string, file *TaskFile) {
	var task TaskConfig
	if err := val.Decode(&task); err != nil {
		file.Errors = append(file.Errors, ValidationError{
			Path:     path,
			Message:  fmt.Sprintf("failed to decode task: %v", err),
			Severity: "error",
		})
		return
	}
	if task.ID == "" {
		task.ID = id
	}
	file.Tasks = append(file.Tasks, task)
}

// runSettingsScript adds the scalar globals of the settings script to the
// settings. Declared settings are visible to the script as "settings" and
// keep precedence over script output.
func (cp *CUEParser) runSettingsScript(ctx context.Context, file *TaskFile) {
	input := map[string]interface{}{}
	declared := make(map[string]interface{}, len(file.Settings))
	for k, v := range file.Settings {
		declared[k] = v
	}
	input["settings"] = declared

	result, err := cp.starlarkEvaluator.Evaluate(ctx, file.SettingsScript, input)
	if err != nil {
		file.Errors = append(file.Errors, ValidationError{
			Path:     "settings_script",
			Message:  err.Error(),
			Severity: "error",
		})
		return
	}

	if file.Settings == nil {
		file.Settings = make(map[string]string)
	}
	for name, value := range result.Output {
		if _, ok := file.Settings[name]; ok {
			continue
		}
		switch value.(type) {
		case string, int64, bool, float64:
			file.Settings[name] = fmt.Sprint(value)
		}
	}
}

// Validate checks a task file built outside the parser, such as one
// assembled from command line flags. The errors are also stored in
// file.Errors.
func (cp *CUEParser) Validate(file *TaskFile) []ValidationError {
	file.Errors = append(cp.validateStruct(file), checkHostReferences(file)...)
	return file.Errors
}

// validateStruct applies the validator tags of TaskFile.
func (cp *CUEParser) validateStruct(file *TaskFile) []ValidationError {
	err := cp.validator.Struct(file)
	if err == nil {
		return nil
	}

	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []ValidationError{{Message: err.Error(), Severity: "error"}}
	}

	out := make([]ValidationError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, ValidationError{
			Path:     strings.TrimPrefix(fe.Namespace(), "TaskFile."),
			Message:  describeFieldError(fe),
			Severity: "error",
		})
	}
	return out
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "required_if":
		return fmt.Sprintf("%s is required when %s", fe.Field(), strings.Replace(fe.Param(), " ", " is ", 1))
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %v", fe.Field(), fe.Param(), fe.Value())
	case "min", "gte":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	}
}

// checkHostReferences reports tasks that name undeclared hosts. Task files
// without a hosts section defer host resolution to the command line.
func checkHostReferences(file *TaskFile) []ValidationError {
	if len(file.Hosts) == 0 {
		return nil
	}
	var errs []ValidationError
	for _, t := range file.Tasks {
		if _, ok := file.Hosts[t.Host]; !ok {
			errs = append(errs, ValidationError{
				Path:     "tasks." + t.ID + ".host",
				Message:  fmt.Sprintf("host %q is not declared in hosts", t.Host),
				Severity: "error",
			})
		}
	}
	return errs
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func (cp *CUEParser) convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		pos := errors.Positions(e)
		var file string
		var line, column int

		if len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Path:     strings.Join(e.Path(), "."),
			Message:  errors.Details(e, nil),
			Severity: "error",
		})
	}

	return validationErrors
}

// ExportJSON renders a task file as indented JSON with secrets omitted.
func ExportJSON(file *TaskFile) ([]byte, error) {
	redacted := redact(file)
	return json.MarshalIndent(redacted, "", "  ")
}

// redact returns a copy of file without passwords.
func redact(file *TaskFile) *TaskFile {
	out := *file
	out.Hosts = make(map[string]HostConfig, len(file.Hosts))
	for name, h := range file.Hosts {
		if h.SSH != nil {
			ssh := *h.SSH
			if ssh.Password != "" {
				ssh.Password = "********"
			}
			h.SSH = &ssh
		}
		out.Hosts[name] = h
	}
	out.Tasks = make([]TaskConfig, len(file.Tasks))
	for i, t := range file.Tasks {
		if t.Identity != nil && t.Identity.Password != "" {
			id := *t.Identity
			id.Password = "********"
			t.Identity = &id
		}
		out.Tasks[i] = t
	}
	return &out
}

// FindTaskFiles returns the .cue files under dir in lexical order.
func FindTaskFiles(dir string) ([]string, error) {
	var files []string

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && strings.HasSuffix(path, ".cue") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}

	sort.Strings(files)
	return files, nil
}

func formatErrors(errs []ValidationError) string {
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		parts = append(parts, e.String())
	}
	return strings.Join(parts, "; ")
}
