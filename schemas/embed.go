// Package schemas embeds the JSON Schemas maestro ships as build-time
// assets.
package schemas

import (
	_ "embed"
)

// The workflow-definition schema describes the JSON shape accepted by the
// workflow API and store. It is embedded for tooling (editor validation,
// schema export) rather than served by the daemon.
//
//go:embed workflow.schema.json
var workflowSchema []byte

// WorkflowSchema returns the embedded workflow-definition JSON Schema.
func WorkflowSchema() []byte {
	return workflowSchema
}

// WorkflowSchemaString returns the schema as a string for tools that
// want one.
func WorkflowSchemaString() string {
	return string(workflowSchema)
}
