package dependency

import (
	"context"
	"errors"

	"github.com/mattjoyce/modreg/internal/module"
)

// Edge is one child -> parent dependency.
type Edge struct {
	Child  module.Reference
	Parent string
}

// Recorder records the edges of one parent and can undo exactly those edges.
type Recorder struct {
	tracker  Tracker
	parent   string
	recorded []module.Reference
	seen     map[string]struct{}
}

// Begin starts recording edges for parentKey.
func Begin(t Tracker, parentKey string) *Recorder {
	return &Recorder{tracker: t, parent: parentKey, seen: make(map[string]struct{})}
}

// Record adds the child edge. A child already recorded by this Recorder is
// skipped.
func (r *Recorder) Record(ctx context.Context, child module.Reference) error {
	if _, dup := r.seen[child.Key()]; dup {
		return nil
	}
	if err := r.tracker.Record(ctx, child, r.parent); err != nil {
		return err
	}
	r.seen[child.Key()] = struct{}{}
	r.recorded = append(r.recorded, child)
	return nil
}

// RecordAll records every child, stopping at the first failure.
func (r *Recorder) RecordAll(ctx context.Context, children []module.Reference) error {
	for _, c := range children {
		if err := r.Record(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// Rollback removes every edge this Recorder added, newest first.
func (r *Recorder) Rollback(ctx context.Context) error {
	var errs []error
	for i := len(r.recorded) - 1; i >= 0; i-- {
		if err := r.tracker.Remove(ctx, r.recorded[i], r.parent); err != nil {
			errs = append(errs, err)
		}
	}
	r.recorded = nil
	r.seen = make(map[string]struct{})
	return errors.Join(errs...)
}

// Rebuild replaces the tracker's content with edges.
func Rebuild(ctx context.Context, t Tracker, edges []Edge) error {
	if err := t.Reset(ctx); err != nil {
		return err
	}
	for _, e := range edges {
		if err := t.Record(ctx, e.Child, e.Parent); err != nil {
			return err
		}
	}
	return nil
}
