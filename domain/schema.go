package domain

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const schemaBaseURL = "https://kanban.local/schemas/"

// jsonNumbers keeps numbers as json.Number, the form the validator expects.
var jsonNumbers = sonic.Config{UseNumber: true}.Froze()

//go:embed schemas/*.json
var schemaFS embed.FS

type schemaSet struct {
	board       *jsonschema.Schema
	column      *jsonschema.Schema
	columnOrder *jsonschema.Schema
	task        *jsonschema.Schema
	todo        *jsonschema.Schema
}

var (
	schemasOnce sync.Once
	schemas     schemaSet
	schemasErr  error
)

func loadSchemas() (schemaSet, error) {
	schemasOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		entries, err := schemaFS.ReadDir("schemas")
		if err != nil {
			schemasErr = err
			return
		}
		for _, e := range entries {
			data, err := schemaFS.ReadFile(path.Join("schemas", e.Name()))
			if err != nil {
				schemasErr = err
				return
			}
			if err := compiler.AddResource(schemaBaseURL+e.Name(), bytes.NewReader(data)); err != nil {
				schemasErr = fmt.Errorf("schema %s: %w", e.Name(), err)
				return
			}
		}
		compile := func(name string) *jsonschema.Schema {
			if schemasErr != nil {
				return nil
			}
			s, err := compiler.Compile(schemaBaseURL + name)
			if err != nil {
				schemasErr = fmt.Errorf("compile %s: %w", name, err)
			}
			return s
		}
		schemas = schemaSet{
			board:       compile("board.json"),
			column:      compile("column.json"),
			columnOrder: compile("column_order.json"),
			task:        compile("task.json"),
			todo:        compile("todo.json"),
		}
	})
	return schemas, schemasErr
}

// validateDoc checks raw against schema and decodes nothing. The returned
// error is always a *ValidationError.
func validateDoc(schema *jsonschema.Schema, docID string, raw []byte) error {
	var v any
	if err := jsonNumbers.Unmarshal(raw, &v); err != nil {
		return &ValidationError{DocID: docID, Constraint: "json", Err: err}
	}
	return validateValue(schema, docID, v)
}

func validateValue(schema *jsonschema.Schema, docID string, v any) error {
	err := schema.Validate(v)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return &ValidationError{DocID: docID, Constraint: "schema", Err: err}
	}
	leaf := leafCause(ve)
	field := pointerToField(leaf.InstanceLocation)
	constraint := lastSegment(leaf.KeywordLocation)
	if constraint == "required" {
		field = joinField(field, quoted(leaf.Message))
	}
	return &ValidationError{
		DocID:      docID,
		Field:      field,
		Constraint: constraint,
		Err:        errors.New(leaf.Message),
	}
}

// leafCause returns the first most specific failure.
func leafCause(ve *jsonschema.ValidationError) *jsonschema.ValidationError {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	return ve
}

func pointerToField(ptr string) string {
	ptr = strings.TrimPrefix(ptr, "#")
	ptr = strings.TrimPrefix(ptr, "/")
	return strings.ReplaceAll(ptr, "/", ".")
}

func lastSegment(loc string) string {
	if i := strings.LastIndex(loc, "/"); i >= 0 {
		return loc[i+1:]
	}
	return loc
}

// quoted extracts the first 'name' from a jsonschema message such as
// "missing properties: 'title'".
func quoted(msg string) string {
	start := strings.IndexByte(msg, '\'')
	if start < 0 {
		return ""
	}
	end := strings.IndexByte(msg[start+1:], '\'')
	if end < 0 {
		return ""
	}
	return msg[start+1 : start+1+end]
}

func joinField(parent, child string) string {
	switch {
	case parent == "":
		return child
	case child == "":
		return parent
	}
	return parent + "." + child
}
