package module

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrParse              = errors.New("malformed module definition")
	ErrInvalidComposition = errors.New("invalid module composition")
	ErrAlreadyExists      = errors.New("module already exists")
	ErrNotFound           = errors.New("module not found")
	ErrNotComposed        = errors.New("module is not a composite")
	ErrInUse              = errors.New("module is in use")
	ErrUnsupported        = errors.New("unsupported operation")
	ErrInvalidPage        = errors.New("invalid page request")
	ErrInvalidType        = errors.New("unknown module type")
	// ErrConflict means another request is deleting a module this one depends on.
	ErrConflict = errors.New("concurrent modification")
	// ErrStorage wraps failures of the persistence medium.
	ErrStorage = errors.New("storage failure")
)

// ParseError locates a problem in a composition DSL string.
type ParseError struct {
	Definition string
	Pos        int
	Msg        string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s at position %d: %s", ErrParse, e.Pos, e.Msg)
}

func (e *ParseError) Is(target error) bool { return target == ErrParse }

// InUseError reports the composites that still reference a module.
type InUseError struct {
	Key        string
	Dependents []string
}

func (e *InUseError) Error() string {
	return fmt.Sprintf("cannot delete module %s because it is used by [%s]", e.Key, strings.Join(e.Dependents, ", "))
}

func (e *InUseError) Is(target error) bool { return target == ErrInUse }

// NotFound builds an ErrNotFound for a name/type pair.
func NotFound(name string, t Type) error {
	return fmt.Errorf("%w: %s", ErrNotFound, Key(name, t))
}

// AlreadyExists builds an ErrAlreadyExists for a name/type pair.
func AlreadyExists(name string, t Type) error {
	return fmt.Errorf("%w: there is already a module named '%s' with type '%s'", ErrAlreadyExists, name, t)
}

// StorageError wraps err as ErrStorage with some context.
func StorageError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

// IsRetryable reports whether the caller may retry the failed operation.
// Only storage failures and delete/create races qualify.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorage) || errors.Is(err, ErrConflict)
}
