// Package service merges the static primitive catalog with persisted
// composites and owns the create/delete flows that keep dependency edges
// consistent with the store.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/modreg/internal/composite"
	"github.com/mattjoyce/modreg/internal/dependency"
	"github.com/mattjoyce/modreg/internal/dsl"
	"github.com/mattjoyce/modreg/internal/events"
	"github.com/mattjoyce/modreg/internal/log"
	"github.com/mattjoyce/modreg/internal/module"
	"github.com/mattjoyce/modreg/internal/registry"
)

// Service is the composite definition service. It is safe for concurrent use.
type Service struct {
	catalog *registry.Catalog
	store   *composite.Store
	tracker dependency.Tracker
	logger  *slog.Logger
	events  events.Publisher
	newOpID func() string
}

type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithEvents(p events.Publisher) Option {
	return func(s *Service) { s.events = p }
}

func New(catalog *registry.Catalog, store *composite.Store, tracker dependency.Tracker, opts ...Option) *Service {
	s := &Service{
		catalog: catalog,
		store:   store,
		tracker: tracker,
		newOpID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.WithComponent("service")
	}
	return s
}

// Create parses text, resolves the composite's type, records its dependency
// edges and persists it. The composite's key is reserved in the tracker for
// the whole flow, so the edges recorded and rolled back here belong to this
// call alone.
func (s *Service) Create(ctx context.Context, name, text string) (module.Definition, error) {
	if !dsl.ValidName(name) {
		return module.Definition{}, &module.ParseError{Definition: text, Msg: fmt.Sprintf("invalid module name %q", name)}
	}

	refs, err := s.parse(ctx, name, text)
	if err != nil {
		return module.Definition{}, err
	}
	t, err := module.ResolveType(refs)
	if err != nil {
		return module.Definition{}, err
	}

	if exists, err := s.exists(ctx, name, t); err != nil {
		return module.Definition{}, err
	} else if exists {
		return module.Definition{}, module.AlreadyExists(name, t)
	}

	def, err := module.Composite(name, t, text, refs)
	if err != nil {
		return module.Definition{}, err
	}

	opID := s.newOpID()
	logger := log.WithModule(log.WithOp(s.logger, opID), def.Key())

	release, err := s.tracker.Reserve(ctx, def.Key())
	if err != nil {
		return module.Definition{}, err
	}
	defer release()
	// Another creator may have finished between the first check and the
	// reservation.
	if exists, err := s.exists(ctx, name, t); err != nil {
		return module.Definition{}, err
	} else if exists {
		return module.Definition{}, module.AlreadyExists(name, t)
	}

	rec := dependency.Begin(s.tracker, def.Key())
	if err := rec.RecordAll(ctx, refs); err != nil {
		s.rollback(ctx, logger, rec)
		return module.Definition{}, err
	}
	// A constituent deleted between parsing and recording left no retire
	// marker behind, so check again now that the edges pin them.
	if err := s.verifyConstituents(ctx, refs); err != nil {
		s.rollback(ctx, logger, rec)
		return module.Definition{}, err
	}
	if err := s.store.Save(ctx, composite.Record{Name: name, Type: t, DSL: text}); err != nil {
		s.rollback(ctx, logger, rec)
		logger.Warn("composite not persisted", "error", err)
		return module.Definition{}, err
	}

	logger.Info("composite created", "constituents", len(refs), "fingerprint", def.Fingerprint)
	s.publish(events.ModuleCreated, def, opID)
	return def, nil
}

// Delete removes a composite. Primitives cannot be deleted and a composite
// with dependents is refused, never cascaded.
func (s *Service) Delete(ctx context.Context, name string, t module.Type) error {
	if _, ok := s.catalog.FindDefinition(name, t); ok {
		return fmt.Errorf("%w: %s is a primitive module", module.ErrNotComposed, module.Key(name, t))
	}
	stored, ok, err := s.store.FindOne(ctx, name, t)
	if err != nil {
		return err
	}
	if !ok {
		return module.NotFound(name, t)
	}

	release, err := s.tracker.Retire(ctx, module.Ref(name, t))
	if err != nil {
		return err
	}
	defer release()

	opID := s.newOpID()
	logger := log.WithModule(log.WithOp(s.logger, opID), stored.Key())

	deleted, err := s.store.Delete(ctx, name, t)
	if err != nil {
		return err
	}
	if !deleted {
		return module.NotFound(name, t)
	}

	// The record is gone; from here on failures only leave stale edges,
	// which the startup rebuild drops.
	refs, err := s.parse(ctx, name, stored.DSL)
	if err != nil {
		logger.Warn("cannot re-parse deleted composite; its edges stay until the next rebuild", "error", err)
	} else {
		for _, ref := range refs {
			if err := s.tracker.Remove(ctx, ref, stored.Key()); err != nil {
				logger.Warn("failed to release dependency edge", "child", ref.Key(), "error", err)
			}
		}
	}

	logger.Info("composite deleted")
	s.publish(events.ModuleDeleted, module.Definition{Name: name, Type: t, Kind: module.KindComposite, DSL: stored.DSL}, opID)
	return nil
}

// Dependents lists the composites that reference name/type.
func (s *Service) Dependents(ctx context.Context, name string, t module.Type) ([]string, error) {
	if exists, err := s.exists(ctx, name, t); err != nil {
		return nil, err
	} else if !exists {
		return nil, module.NotFound(name, t)
	}
	return s.tracker.Find(ctx, name, t)
}

// Display returns what a module is made of: the manifest for a primitive,
// the composition text for a composite.
func (s *Service) Display(ctx context.Context, name string, t module.Type) ([]byte, error) {
	if _, ok := s.catalog.FindDefinition(name, t); ok {
		return s.catalog.Open(name, t)
	}
	stored, ok, err := s.store.FindOne(ctx, name, t)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, module.NotFound(name, t)
	}
	return []byte(stored.DSL), nil
}

// RebuildDependencies discards every edge and re-derives them from the
// persisted composites. Composites whose text no longer parses are skipped.
// Edges recorded by other processes during the rebuild are lost, so on a
// shared tracker this must only run while no peer is serving.
func (s *Service) RebuildDependencies(ctx context.Context) (int, error) {
	records, err := s.store.FindAll(ctx)
	if err != nil {
		return 0, err
	}
	lookup := s.snapshotLookup(records)

	var edges []dependency.Edge
	for _, rec := range records {
		steps, err := dsl.Parse(rec.Name, rec.DSL, lookup)
		if err != nil {
			s.logger.Warn("skipping unparseable composite during rebuild", "module", rec.Key(), "error", err)
			continue
		}
		for _, ref := range dsl.References(steps) {
			edges = append(edges, dependency.Edge{Child: ref, Parent: rec.Key()})
		}
	}
	if err := dependency.Rebuild(ctx, s.tracker, edges); err != nil {
		return 0, err
	}
	s.logger.Info("dependency edges rebuilt", "composites", len(records), "edges", len(edges))
	return len(edges), nil
}

// RestoreDependencies re-records the edges of every persisted composite
// without dropping anything, so it is safe against peers sharing the
// tracker. Stale edges survive until RebuildDependencies runs.
func (s *Service) RestoreDependencies(ctx context.Context) (int, error) {
	records, err := s.store.FindAll(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, rec := range records {
		n, err := s.restore(ctx, rec.Name, rec.Type)
		if err != nil {
			if errors.Is(err, module.ErrStorage) || ctx.Err() != nil {
				return total, err
			}
			s.logger.Warn("dependency edges not restored", "module", rec.Key(), "error", err)
			continue
		}
		total += n
	}
	s.logger.Info("dependency edges restored", "composites", len(records), "edges", total)
	return total, nil
}

// restore records the edges of one composite under its reservation. The
// record is read once reserved and again after recording; if a delete
// finished in between, the edges just recorded are dropped.
func (s *Service) restore(ctx context.Context, name string, t module.Type) (int, error) {
	key := module.Key(name, t)
	release, err := s.reserveWithRetry(ctx, key)
	if err != nil {
		return 0, err
	}
	defer release()

	stored, ok, err := s.store.FindOne(ctx, name, t)
	if err != nil || !ok {
		return 0, err
	}
	refs, err := s.parse(ctx, name, stored.DSL)
	if err != nil {
		return 0, err
	}
	rec := dependency.Begin(s.tracker, key)
	if err := rec.RecordAll(ctx, refs); err != nil {
		return 0, err
	}
	if _, ok, err := s.store.FindOne(ctx, name, t); err != nil {
		return 0, err
	} else if !ok {
		s.rollback(ctx, log.WithModule(s.logger, key), rec)
		return 0, nil
	}
	return len(refs), nil
}

// reserveWithRetry waits out a short-lived reservation held by a creator
// that is about to fail on the existing record.
func (s *Service) reserveWithRetry(ctx context.Context, key string) (func(), error) {
	const attempts = 5
	var err error
	for i := 0; i < attempts; i++ {
		var release func()
		if release, err = s.tracker.Reserve(ctx, key); err == nil {
			return release, nil
		}
		if !errors.Is(err, module.ErrConflict) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return nil, err
}

func (s *Service) rollback(ctx context.Context, logger *slog.Logger, rec *dependency.Recorder) {
	// The caller's context may already be cancelled; edges must still go.
	if err := rec.Rollback(context.WithoutCancel(ctx)); err != nil {
		logger.Error("dependency rollback incomplete", "error", err)
	}
}

func (s *Service) publish(eventType string, def module.Definition, opID string) {
	if s.events == nil {
		return
	}
	s.events.Publish(eventType, events.Change{
		Key:         def.Key(),
		Name:        def.Name,
		Type:        string(def.Type),
		Definition:  def.DSL,
		Fingerprint: def.Fingerprint,
		OpID:        opID,
	})
}

func (s *Service) exists(ctx context.Context, name string, t module.Type) (bool, error) {
	if _, ok := s.catalog.FindDefinition(name, t); ok {
		return true, nil
	}
	_, ok, err := s.store.FindOne(ctx, name, t)
	return ok, err
}

func (s *Service) verifyConstituents(ctx context.Context, refs []module.Reference) error {
	for _, ref := range refs {
		ok, err := s.exists(ctx, ref.Name, ref.Type)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: module %s was deleted during creation", module.ErrConflict, ref.Key())
		}
	}
	return nil
}

// parse runs the DSL parser against the live catalog and store. A storage
// failure during lookup is returned as such rather than as a parse error.
func (s *Service) parse(ctx context.Context, name, text string) ([]module.Reference, error) {
	var lookupErr error
	lookup := func(n string, t module.Type) bool {
		if _, ok := s.catalog.FindDefinition(n, t); ok {
			return true
		}
		if lookupErr != nil {
			return false
		}
		_, ok, err := s.store.FindOne(ctx, n, t)
		if err != nil {
			lookupErr = err
			return false
		}
		return ok
	}

	steps, err := dsl.Parse(name, text, lookup)
	if lookupErr != nil {
		return nil, lookupErr
	}
	if err != nil {
		return nil, err
	}
	return dsl.References(steps), nil
}

// snapshotLookup resolves names against the catalog and a fixed record set.
func (s *Service) snapshotLookup(records []composite.Record) dsl.Lookup {
	keys := make(map[string]struct{}, len(records))
	for _, r := range records {
		keys[r.Key()] = struct{}{}
	}
	return func(n string, t module.Type) bool {
		if _, ok := s.catalog.FindDefinition(n, t); ok {
			return true
		}
		_, ok := keys[module.Key(n, t)]
		return ok
	}
}
