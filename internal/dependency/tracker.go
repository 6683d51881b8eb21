// Package dependency tracks which composites reference which modules, so a
// module still in use cannot be deleted.
//
// An edge is (child reference, parent key). Deletion of a child first
// retires it: Retire checks for dependents and, if there are none, blocks
// further Record calls for that child until the returned release func runs.
// That closes the window between the "no dependents" check and the delete.
//
// Edges are a set, so two creators of the same parent would record the same
// edges and the loser's rollback would drop the winner's. Creation therefore
// reserves the parent key first; only the holder records edges for it.
package dependency

import (
	"context"
	"sort"

	"github.com/mattjoyce/modreg/internal/module"
)

// Tracker records dependency edges. Implementations are safe for concurrent use.
type Tracker interface {
	// Record adds parentKey to child's dependents. Recording an existing edge
	// is a no-op. Fails with module.ErrConflict while child is retired.
	Record(ctx context.Context, child module.Reference, parentKey string) error
	// Remove drops parentKey from child's dependents.
	Remove(ctx context.Context, child module.Reference, parentKey string) error
	// Find returns the sorted parent keys depending on name/type.
	Find(ctx context.Context, name string, t module.Type) ([]string, error)
	// Retire marks child as being deleted. It fails with *module.InUseError
	// when child has dependents and with module.ErrConflict when child is
	// already retired. release must be called once the deletion is over.
	Retire(ctx context.Context, child module.Reference) (release func(), err error)
	// Reserve claims parentKey for one creator. It fails with
	// module.ErrConflict while another holder has it. release must be called
	// once the creation is over.
	Reserve(ctx context.Context, parentKey string) (release func(), err error)
	// Reset drops every edge.
	Reset(ctx context.Context) error
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
