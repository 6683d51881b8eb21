package api

import "github.com/mattjoyce/modreg/internal/module"

// CreateModuleRequest is the JSON body of POST /modules.
type CreateModuleRequest struct {
	Name       string `json:"name"`
	Definition string `json:"definition"`
}

// ListModulesResponse is returned by GET /modules.
type ListModulesResponse struct {
	Items  []module.Definition `json:"items"`
	Total  int                 `json:"total"`
	Offset int                 `json:"offset"`
	Limit  int                 `json:"limit"`
}

// DependentsResponse is returned by GET /modules/{type}/{name}/dependents.
type DependentsResponse struct {
	Module     string   `json:"module"`
	Dependents []string `json:"dependents"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error      string   `json:"error"`
	Dependents []string `json:"dependents,omitempty"`
	Retryable  bool     `json:"retryable,omitempty"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Modules       int    `json:"modules"`
	Error         string `json:"error,omitempty"`
}
