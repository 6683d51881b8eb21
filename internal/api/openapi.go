package api

import (
	"net/http"

	"github.com/mattjoyce/modreg/internal/module"
)

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc())
}

// buildOpenAPIDoc returns an OpenAPI 3.1 document describing the module routes.
func buildOpenAPIDoc() map[string]any {
	types := make([]string, 0, len(module.Types))
	for _, t := range module.Types {
		types = append(types, string(t))
	}

	moduleParams := []any{
		map[string]any{"name": "type", "in": "path", "required": true, "schema": map[string]any{"type": "string", "enum": types}},
		map[string]any{"name": "name", "in": "path", "required": true, "schema": map[string]any{"type": "string"}},
	}
	errorResponses := func(codes ...string) map[string]any {
		out := map[string]any{}
		for _, c := range codes {
			out[c] = map[string]any{"$ref": "#/components/responses/Error"}
		}
		return out
	}
	with := func(base map[string]any, code, desc string) map[string]any {
		base[code] = map[string]any{"description": desc}
		return base
	}

	paths := map[string]any{
		"/healthz": map[string]any{
			"get": map[string]any{"operationId": "healthz", "responses": map[string]any{"200": map[string]any{"description": "Service is up"}}},
		},
		"/events": map[string]any{
			"get": map[string]any{"operationId": "events", "summary": "Server-sent change feed", "responses": map[string]any{"200": map[string]any{"description": "text/event-stream"}}},
		},
		"/modules": map[string]any{
			"get": map[string]any{
				"operationId": "listModules",
				"parameters": []any{
					map[string]any{"name": "type", "in": "query", "schema": map[string]any{"type": "string", "enum": types}},
					map[string]any{"name": "name", "in": "query", "schema": map[string]any{"type": "string"}},
					map[string]any{"name": "offset", "in": "query", "schema": map[string]any{"type": "integer", "minimum": 0}},
					map[string]any{"name": "limit", "in": "query", "schema": map[string]any{"type": "integer", "minimum": 0, "default": module.DefaultPageSize}},
				},
				"responses": with(errorResponses("400", "503"), "200", "Registry modules followed by composites"),
			},
			"post": map[string]any{
				"operationId": "createModule",
				"requestBody": map[string]any{
					"required": true,
					"content": map[string]any{
						"application/json": map[string]any{"schema": map[string]any{
							"type":     "object",
							"required": []string{"name", "definition"},
							"properties": map[string]any{
								"name":       map[string]any{"type": "string"},
								"definition": map[string]any{"type": "string"},
							},
						}},
					},
				},
				"responses": with(errorResponses("400", "409", "503"), "201", "Composite created"),
			},
		},
		"/modules/{type}/{name}": map[string]any{
			"parameters": moduleParams,
			"get":        map[string]any{"operationId": "getModule", "responses": with(errorResponses("400", "404", "503"), "200", "Module definition")},
			"delete":     map[string]any{"operationId": "deleteModule", "responses": with(errorResponses("400", "404", "409", "503"), "204", "Composite deleted")},
		},
		"/modules/{type}/{name}/definition": map[string]any{
			"parameters": moduleParams,
			"get":        map[string]any{"operationId": "displayModule", "responses": with(errorResponses("400", "404"), "200", "Manifest or composition text")},
		},
		"/modules/{type}/{name}/dependents": map[string]any{
			"parameters": moduleParams,
			"get":        map[string]any{"operationId": "moduleDependents", "responses": with(errorResponses("400", "404"), "200", "Composites using the module")},
		},
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "modreg",
			"version": "1.0",
		},
		"paths": paths,
		"components": map[string]any{
			"responses": map[string]any{
				"Error": map[string]any{
					"description": "Error",
					"content": map[string]any{
						"application/json": map[string]any{"schema": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"error":      map[string]any{"type": "string"},
								"dependents": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
								"retryable":  map[string]any{"type": "boolean"},
							},
						}},
					},
				},
			},
		},
	}
}
