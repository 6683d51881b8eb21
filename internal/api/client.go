package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/modreg/internal/module"
)

// Client talks to a running registry over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for the registry at baseURL, e.g.
// "http://127.0.0.1:8080".
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Error is a non-2xx answer from the registry.
type Error struct {
	Status     int
	Message    string
	Dependents []string
	Retryable  bool
}

func (e *Error) Error() string {
	if len(e.Dependents) > 0 {
		return fmt.Sprintf("%s (dependents: %s)", e.Message, strings.Join(e.Dependents, ", "))
	}
	return e.Message
}

// Is lets errors.Is match the registry sentinels that have a dedicated status.
func (e *Error) Is(target error) bool {
	switch target {
	case module.ErrNotFound:
		return e.Status == http.StatusNotFound
	case module.ErrInUse:
		return e.Status == http.StatusConflict && len(e.Dependents) > 0
	case module.ErrStorage:
		return e.Status == http.StatusServiceUnavailable
	}
	return false
}

func (c *Client) Create(ctx context.Context, name, definition string) (module.Definition, error) {
	body, err := json.Marshal(CreateModuleRequest{Name: name, Definition: definition})
	if err != nil {
		return module.Definition{}, err
	}
	var def module.Definition
	err = c.do(ctx, http.MethodPost, "/modules", bytes.NewReader(body), http.StatusCreated, &def)
	return def, err
}

func (c *Client) Delete(ctx context.Context, name string, t module.Type) error {
	return c.do(ctx, http.MethodDelete, modulePath(name, t), nil, http.StatusNoContent, nil)
}

// List pages over modules; an empty t lists every type.
func (c *Client) List(ctx context.Context, t module.Type, page module.Page) (ListModulesResponse, error) {
	q := url.Values{
		"offset": {strconv.Itoa(page.Offset)},
		"limit":  {strconv.Itoa(page.Limit)},
	}
	if t != "" {
		q.Set("type", string(t))
	}
	var out ListModulesResponse
	err := c.do(ctx, http.MethodGet, "/modules?"+q.Encode(), nil, http.StatusOK, &out)
	return out, err
}

func (c *Client) Get(ctx context.Context, name string, t module.Type) (module.Definition, error) {
	var def module.Definition
	err := c.do(ctx, http.MethodGet, modulePath(name, t), nil, http.StatusOK, &def)
	return def, err
}

func (c *Client) Display(ctx context.Context, name string, t module.Type) (string, error) {
	var b strings.Builder
	err := c.do(ctx, http.MethodGet, modulePath(name, t)+"/definition", nil, http.StatusOK, &b)
	return b.String(), err
}

func (c *Client) Dependents(ctx context.Context, name string, t module.Type) ([]string, error) {
	var out DependentsResponse
	err := c.do(ctx, http.MethodGet, modulePath(name, t)+"/dependents", nil, http.StatusOK, &out)
	return out.Dependents, err
}

func (c *Client) Health(ctx context.Context) (HealthzResponse, error) {
	var out HealthzResponse
	err := c.do(ctx, http.MethodGet, "/healthz", nil, http.StatusOK, &out)
	return out, err
}

func modulePath(name string, t module.Type) string {
	return "/modules/" + url.PathEscape(string(t)) + "/" + url.PathEscape(name)
}

// do sends one request. out may be nil, an io.Writer for raw bodies, or a
// JSON target.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, want int, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		apiErr := &Error{Status: resp.StatusCode, Message: resp.Status}
		var er ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&er) == nil && er.Error != "" {
			apiErr.Message = er.Error
			apiErr.Dependents = er.Dependents
			apiErr.Retryable = er.Retryable
		}
		return apiErr
	}

	switch dst := out.(type) {
	case nil:
		return nil
	case io.Writer:
		_, err := io.Copy(dst, resp.Body)
		return err
	default:
		if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
			return fmt.Errorf("decode %s %s: %w", method, path, err)
		}
		return nil
	}
}
