// Package openapi synthesizes an OpenAPI 3.0 document from a tool
// program's JSON-RPC tools/list response, so HTTP clients that expect a
// discoverable REST surface (rather than raw JSON-RPC) can introspect
// what a server tag exposes.
package openapi

import (
	"encoding/json"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"
)

// Tool mirrors the shape of one entry in a tools/list result.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// toolsListResult is the result payload of a JSON-RPC tools/list call.
type toolsListResult struct {
	Tools []Tool `json:"tools"`
}

// Synthesize builds an OpenAPI document exposing one POST operation per
// tool, rooted at /mcpo/{tag}/{toolName}. The translation is
// intentionally shallow: each tool's inputSchema is copied through as
// the request body schema rather than losslessly mapped keyword by
// keyword.
func Synthesize(tag, baseURL string, toolsListResponse json.RawMessage) (*openapi3.T, error) {
	var envelope struct {
		Result toolsListResult `json:"result"`
	}
	if err := json.Unmarshal(toolsListResponse, &envelope); err != nil {
		return nil, fmt.Errorf("parse tools/list response: %w", err)
	}

	doc := &openapi3.T{
		OpenAPI: "3.0.3",
		Info: &openapi3.Info{
			Title:   fmt.Sprintf("mcpo-bridge: %s", tag),
			Version: "1.0.0",
		},
		Servers: openapi3.Servers{{URL: baseURL}},
		Paths:   openapi3.NewPaths(),
	}

	for _, tool := range envelope.Result.Tools {
		schema, err := schemaFromRaw(tool.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("tool %q: %w", tool.Name, err)
		}

		op := &openapi3.Operation{
			OperationID: tool.Name,
			Summary:     tool.Description,
			RequestBody: &openapi3.RequestBodyRef{
				Value: openapi3.NewRequestBody().
					WithRequired(true).
					WithJSONSchemaRef(schema),
			},
			Responses: openapi3.NewResponses(),
		}
		op.Responses.Set("200", &openapi3.ResponseRef{
			Value: openapi3.NewResponse().WithDescription("tool result"),
		})

		path := fmt.Sprintf("/mcpo/%s/%s", tag, tool.Name)
		doc.Paths.Set(path, &openapi3.PathItem{Post: op})
	}

	return doc, nil
}

func schemaFromRaw(raw json.RawMessage) (*openapi3.SchemaRef, error) {
	if len(raw) == 0 {
		return openapi3.NewSchemaRef("", openapi3.NewObjectSchema()), nil
	}
	var schema openapi3.Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, fmt.Errorf("unmarshal inputSchema: %w", err)
	}
	return openapi3.NewSchemaRef("", &schema), nil
}
