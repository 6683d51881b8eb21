package service

import (
	"context"

	"github.com/mattjoyce/modreg/internal/composite"
	"github.com/mattjoyce/modreg/internal/dsl"
	"github.com/mattjoyce/modreg/internal/module"
)

// FindAll pages over every primitive followed by every composite.
func (s *Service) FindAll(ctx context.Context, page module.Page) (module.PagedResult, error) {
	return s.findPaged(ctx, page, s.catalog.FindDefinitions(), func(module.Definition) bool { return true })
}

// Count returns the number of registered modules, primitives plus
// composites, without parsing any stored definition.
func (s *Service) Count(ctx context.Context) (int, error) {
	n, err := s.store.Count(ctx)
	if err != nil {
		return 0, err
	}
	return s.catalog.Len() + n, nil
}

// FindByType pages over the modules of type t. An empty t means all types.
func (s *Service) FindByType(ctx context.Context, page module.Page, t module.Type) (module.PagedResult, error) {
	if t == "" {
		return s.FindAll(ctx, page)
	}
	t, err := module.ParseType(string(t))
	if err != nil {
		return module.PagedResult{}, err
	}
	return s.findPaged(ctx, page, s.catalog.FindDefinitionsByType(t), func(d module.Definition) bool { return d.Type == t })
}

// FindByName returns every module called name, primitives first.
func (s *Service) FindByName(ctx context.Context, name string) ([]module.Definition, error) {
	keep := func(d module.Definition) bool { return d.Name == name }
	merged := s.catalog.FindDefinitionsByName(name)
	composites, err := s.composites(ctx, keep)
	if err != nil {
		return nil, err
	}
	return append(merged, composites...), nil
}

// FindByNameAndType returns the exact module. The catalog is consulted first;
// the store only when the catalog has no such module.
func (s *Service) FindByNameAndType(ctx context.Context, name string, t module.Type) (module.Definition, error) {
	if def, ok := s.catalog.FindDefinition(name, t); ok {
		return def, nil
	}
	rec, ok, err := s.store.FindOne(ctx, name, t)
	if err != nil {
		return module.Definition{}, err
	}
	if !ok {
		return module.Definition{}, module.NotFound(name, t)
	}
	return s.toDefinition(ctx, rec, nil), nil
}

// findPaged pages over primitives followed by the composites passing keep.
func (s *Service) findPaged(ctx context.Context, page module.Page, primitives []module.Definition, keep func(module.Definition) bool) (module.PagedResult, error) {
	if err := page.Validate(); err != nil {
		return module.PagedResult{}, err
	}
	composites, err := s.composites(ctx, keep)
	if err != nil {
		return module.PagedResult{}, err
	}
	return module.Slice(append(primitives, composites...), page), nil
}

// composites decodes every persisted composite that passes keep, in store
// order.
func (s *Service) composites(ctx context.Context, keep func(module.Definition) bool) ([]module.Definition, error) {
	records, err := s.store.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	lookup := s.snapshotLookup(records)
	out := make([]module.Definition, 0, len(records))
	for _, rec := range records {
		// Filter on identity before paying for a parse.
		if !keep(module.Definition{Name: rec.Name, Type: rec.Type}) {
			continue
		}
		out = append(out, s.toDefinition(ctx, rec, lookup))
	}
	return out, nil
}

// toDefinition rebuilds the composite definition from its record. A record
// whose text no longer parses is still returned, without constituents.
func (s *Service) toDefinition(ctx context.Context, rec composite.Record, lookup dsl.Lookup) module.Definition {
	fallback := module.Definition{Name: rec.Name, Type: rec.Type, Kind: module.KindComposite, DSL: rec.DSL}

	var (
		refs []module.Reference
		err  error
	)
	if lookup == nil {
		refs, err = s.parse(ctx, rec.Name, rec.DSL)
	} else {
		var steps []dsl.Step
		steps, err = dsl.Parse(rec.Name, rec.DSL, lookup)
		refs = dsl.References(steps)
	}
	if err != nil {
		s.logger.Warn("stored composite no longer parses", "module", rec.Key(), "error", err)
		return fallback
	}
	def, err := module.Composite(rec.Name, rec.Type, rec.DSL, refs)
	if err != nil {
		return fallback
	}
	return def
}
