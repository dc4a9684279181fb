package httpapi

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Mutating payloads are checked against compiled JSON Schemas before any
// handler decodes them, so handlers only ever see well-shaped input and the
// client gets the violation instead of a generic decode error.
type schemaSet struct {
	reconcile    *jsonschema.Schema
	source       *jsonschema.Schema
	embed        *jsonschema.Schema
	approval     *jsonschema.Schema
	restore      *jsonschema.Schema
	backupCreate *jsonschema.Schema
	publishEvent *jsonschema.Schema
}

const reconcileSchemaJSON = `{
	"type": "object",
	"properties": {
		"dryRun": {"type": "boolean"},
		"skipBackup": {"type": "boolean"},
		"reason": {"type": "string", "maxLength": 500}
	},
	"additionalProperties": false
}`

const sourceSchemaJSON = `{
	"type": "object",
	"required": ["name"],
	"properties": {
		"id": {"type": "string", "maxLength": 200},
		"name": {"type": "string", "minLength": 1, "maxLength": 500},
		"category": {"type": "string", "maxLength": 200},
		"description": {"type": "string", "maxLength": 2000},
		"body": {"type": "object"},
		"variables": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["name"],
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"defaultValue": {"type": "string"},
					"description": {"type": "string"}
				},
				"additionalProperties": false
			}
		},
		"toggles": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["name"],
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"defaultEnabled": {"type": "boolean"},
					"description": {"type": "string"}
				},
				"additionalProperties": false
			}
		}
	},
	"additionalProperties": false
}`

const embedSchemaJSON = `{
	"type": "object",
	"properties": {
		"localId": {"type": "string", "maxLength": 200},
		"sourceId": {"type": "string", "maxLength": 200},
		"pageId": {"type": "string", "maxLength": 200},
		"pageTitle": {"type": "string", "maxLength": 1000},
		"variables": {"type": "object", "additionalProperties": {"type": "string"}},
		"toggles": {"type": "object", "additionalProperties": {"type": "boolean"}},
		"insertions": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["body"],
				"properties": {
					"id": {"type": "string"},
					"anchor": {"type": "string"},
					"body": {"type": "object"}
				},
				"additionalProperties": false
			}
		},
		"notes": {"type": "string", "maxLength": 5000}
	},
	"additionalProperties": false
}`

const approvalSchemaJSON = `{
	"type": "object",
	"required": ["status"],
	"properties": {
		"status": {"type": "string", "minLength": 1, "maxLength": 100},
		"note": {"type": "string", "maxLength": 2000}
	},
	"additionalProperties": false
}`

const restoreSchemaJSON = `{
	"type": "object",
	"properties": {
		"force": {"type": "boolean"}
	},
	"additionalProperties": false
}`

const backupCreateSchemaJSON = `{
	"type": "object",
	"properties": {
		"operation": {"type": "string", "maxLength": 200}
	},
	"additionalProperties": false
}`

const publishEventSchemaJSON = `{
	"type": "object",
	"required": ["pageId"],
	"properties": {
		"pageId": {"type": "string", "minLength": 1, "maxLength": 200},
		"pageTitle": {"type": "string", "maxLength": 1000},
		"pageVersion": {"type": "integer", "minimum": 0}
	},
	"additionalProperties": false
}`

func compileSchemas() (*schemaSet, error) {
	compiler := jsonschema.NewCompiler()
	compile := func(name, text string) (*jsonschema.Schema, error) {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", name, err)
		}
		url := name + ".json"
		if err := compiler.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("schema %s: %w", name, err)
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", name, err)
		}
		return schema, nil
	}

	set := &schemaSet{}
	var err error
	if set.reconcile, err = compile("reconcile", reconcileSchemaJSON); err != nil {
		return nil, err
	}
	if set.source, err = compile("source", sourceSchemaJSON); err != nil {
		return nil, err
	}
	if set.embed, err = compile("embed", embedSchemaJSON); err != nil {
		return nil, err
	}
	if set.approval, err = compile("approval", approvalSchemaJSON); err != nil {
		return nil, err
	}
	if set.restore, err = compile("restore", restoreSchemaJSON); err != nil {
		return nil, err
	}
	if set.backupCreate, err = compile("backup-create", backupCreateSchemaJSON); err != nil {
		return nil, err
	}
	if set.publishEvent, err = compile("publish-event", publishEventSchemaJSON); err != nil {
		return nil, err
	}
	return set, nil
}

// validateBody checks raw JSON against a schema. An empty body validates as
// an empty object so optional-field payloads can be omitted entirely.
func validateBody(schema *jsonschema.Schema, body []byte) error {
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid json body")
	}
	if err := schema.Validate(instance); err != nil {
		return errors.New(firstViolation(err))
	}
	return nil
}

// firstViolation digs out the deepest first cause so the client sees the
// actual failing constraint rather than the root "validation failed" line.
func firstViolation(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	return leaf.Error()
}
