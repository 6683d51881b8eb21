package api

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/modreg/internal/module"
)

const maxBodyBytes = 1 << 20

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}
	status := http.StatusOK
	n, err := s.registry.Count(r.Context())
	if err != nil {
		resp.Status = "degraded"
		resp.Error = err.Error()
		status = http.StatusServiceUnavailable
	} else {
		resp.Modules = n
	}
	respondJSON(w, status, resp)
}

func (s *Server) handleListModules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := parsePage(q.Get("offset"), q.Get("limit"), q.Get("sort"))
	if err != nil {
		s.writeModuleError(w, err)
		return
	}

	var t module.Type
	if raw := q.Get("type"); raw != "" {
		if t, err = module.ParseType(raw); err != nil {
			s.writeModuleError(w, err)
			return
		}
	}

	if name := q.Get("name"); name != "" {
		if err := page.Validate(); err != nil {
			s.writeModuleError(w, err)
			return
		}
		defs, err := s.registry.FindByName(r.Context(), name)
		if err != nil {
			s.writeModuleError(w, err)
			return
		}
		if t != "" {
			kept := defs[:0]
			for _, d := range defs {
				if d.Type == t {
					kept = append(kept, d)
				}
			}
			defs = kept
		}
		respondJSON(w, http.StatusOK, toListResponse(module.Slice(defs, page)))
		return
	}

	result, err := s.registry.FindByType(r.Context(), page, t)
	if err != nil {
		s.writeModuleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toListResponse(result))
}

func (s *Server) handleCreateModule(w http.ResponseWriter, r *http.Request) {
	req, err := decodeCreateRequest(w, r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	def, err := s.registry.Create(r.Context(), req.Name, req.Definition)
	if err != nil {
		s.writeModuleError(w, err)
		return
	}
	w.Header().Set("Location", "/modules/"+string(def.Type)+"/"+def.Name)
	respondJSON(w, http.StatusCreated, def)
}

func (s *Server) handleGetModule(w http.ResponseWriter, r *http.Request) {
	name, t, ok := s.moduleParams(w, r)
	if !ok {
		return
	}
	def, err := s.registry.FindByNameAndType(r.Context(), name, t)
	if err != nil {
		s.writeModuleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, def)
}

func (s *Server) handleDeleteModule(w http.ResponseWriter, r *http.Request) {
	name, t, ok := s.moduleParams(w, r)
	if !ok {
		return
	}
	if err := s.registry.Delete(r.Context(), name, t); err != nil {
		s.writeModuleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDisplayModule(w http.ResponseWriter, r *http.Request) {
	name, t, ok := s.moduleParams(w, r)
	if !ok {
		return
	}
	body, err := s.registry.Display(r.Context(), name, t)
	if err != nil {
		s.writeModuleError(w, err)
		return
	}
	if len(body) == 0 {
		s.logger.Warn("module has an empty definition", "module", module.Key(name, t))
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) handleDependents(w http.ResponseWriter, r *http.Request) {
	name, t, ok := s.moduleParams(w, r)
	if !ok {
		return
	}
	deps, err := s.registry.Dependents(r.Context(), name, t)
	if err != nil {
		s.writeModuleError(w, err)
		return
	}
	if deps == nil {
		deps = []string{}
	}
	respondJSON(w, http.StatusOK, DependentsResponse{Module: module.Key(name, t), Dependents: deps})
}

func (s *Server) moduleParams(w http.ResponseWriter, r *http.Request) (string, module.Type, bool) {
	t, err := module.ParseType(chi.URLParam(r, "type"))
	if err != nil {
		s.writeModuleError(w, err)
		return "", "", false
	}
	return chi.URLParam(r, "name"), t, true
}

func parsePage(offset, limit, sort string) (module.Page, error) {
	p := module.Page{Limit: module.DefaultPageSize, Sort: sort}
	if offset != "" {
		n, err := strconv.Atoi(offset)
		if err != nil {
			return p, errors.Join(module.ErrInvalidPage, errors.New("offset must be an integer"))
		}
		p.Offset = n
	}
	if limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			return p, errors.Join(module.ErrInvalidPage, errors.New("limit must be an integer"))
		}
		p.Limit = n
	}
	return p, nil
}

func decodeCreateRequest(w http.ResponseWriter, r *http.Request) (CreateModuleRequest, error) {
	var req CreateModuleRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			return req, errors.New("invalid form body")
		}
		req.Name = r.PostForm.Get("name")
		req.Definition = r.PostForm.Get("definition")
	default:
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, errors.New("invalid JSON body")
		}
	}
	return req, nil
}

func toListResponse(p module.PagedResult) ListModulesResponse {
	return ListModulesResponse{Items: p.Items, Total: p.Total, Offset: p.Offset, Limit: p.Limit}
}

// statusFor maps registry errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, module.ErrParse),
		errors.Is(err, module.ErrInvalidComposition),
		errors.Is(err, module.ErrUnsupported),
		errors.Is(err, module.ErrInvalidPage),
		errors.Is(err, module.ErrInvalidType),
		errors.Is(err, module.ErrNotComposed):
		return http.StatusBadRequest
	case errors.Is(err, module.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, module.ErrAlreadyExists),
		errors.Is(err, module.ErrInUse),
		errors.Is(err, module.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, module.ErrStorage):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeModuleError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: err.Error(), Retryable: module.IsRetryable(err)}

	var inUse *module.InUseError
	if errors.As(err, &inUse) {
		resp.Dependents = inUse.Dependents
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
		if status == http.StatusInternalServerError {
			resp.Error = "internal error"
		}
	}
	respondJSON(w, status, resp)
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
