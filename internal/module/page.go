package module

import "fmt"

// DefaultPageSize is used when a page request carries no limit.
const DefaultPageSize = 20

// Page is a window request over the merged definition list.
type Page struct {
	Offset int
	Limit  int
	// Sort must be empty: only the natural registry-then-composite order is served.
	Sort string
}

// Validate rejects sort requests and negative bounds.
func (p Page) Validate() error {
	if p.Sort != "" {
		return fmt.Errorf("%w: arbitrary sorting is not implemented (sort=%q)", ErrUnsupported, p.Sort)
	}
	if p.Offset < 0 {
		return fmt.Errorf("%w: offset must be >= 0 (got %d)", ErrInvalidPage, p.Offset)
	}
	if p.Limit < 0 {
		return fmt.Errorf("%w: limit must be >= 0 (got %d)", ErrInvalidPage, p.Limit)
	}
	return nil
}

// PagedResult is one window of definitions plus the size of the whole list.
type PagedResult struct {
	Items  []Definition `json:"items"`
	Total  int          `json:"total"`
	Offset int          `json:"offset"`
	Limit  int          `json:"limit"`
}

// Slice windows items as items[offset : min(len, offset+limit)].
// An offset past the end yields an empty window, not an error.
func Slice(items []Definition, p Page) PagedResult {
	total := len(items)
	out := PagedResult{Items: []Definition{}, Total: total, Offset: p.Offset, Limit: p.Limit}
	if p.Offset >= total || p.Limit == 0 {
		return out
	}
	end := total
	if p.Limit < total-p.Offset {
		end = p.Offset + p.Limit
	}
	out.Items = append(out.Items, items[p.Offset:end]...)
	return out
}
