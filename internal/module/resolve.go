package module

import "fmt"

// ResolveType infers the type of a composite from its constituents.
//
// The references are sorted by type rank then name before the first and last
// entries are inspected, so the result depends on that canonical order rather
// than on the order stages were written in. A composite that starts with a
// source and ends with a sink exposes no channel and is rejected.
func ResolveType(refs []Reference) (Type, error) {
	if len(refs) == 0 {
		return "", fmt.Errorf("%w: at least one module required", ErrInvalidComposition)
	}
	if len(refs) == 1 {
		return refs[0].Type, nil
	}

	sorted := SortReferences(refs)
	hasInput := sorted[0].Type != TypeSource
	hasOutput := sorted[len(sorted)-1].Type != TypeSink

	switch {
	case hasInput && hasOutput:
		return TypeProcessor, nil
	case hasInput:
		return TypeSink, nil
	case hasOutput:
		return TypeSource, nil
	}
	return "", fmt.Errorf("%w: must expose input and/or output channel", ErrInvalidComposition)
}
