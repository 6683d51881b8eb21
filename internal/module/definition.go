package module

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/zeebo/blake3"
)

// Kind tells primitive catalog entries apart from user composites.
type Kind string

const (
	KindPrimitive Kind = "primitive"
	KindComposite Kind = "composite"
)

// Definition is either a primitive from the catalog or a persisted composite.
// Primitives carry Resource; composites carry DSL, Constituents and Fingerprint.
type Definition struct {
	Name         string      `json:"name"`
	Type         Type        `json:"type"`
	Kind         Kind        `json:"kind"`
	Description  string      `json:"description,omitempty"`
	Resource     string      `json:"resource,omitempty"`
	DSL          string      `json:"definition,omitempty"`
	Constituents []Reference `json:"constituents,omitempty"`
	Fingerprint  string      `json:"fingerprint,omitempty"`
}

// Primitive builds a catalog definition.
func Primitive(name string, t Type, resource, description string) Definition {
	return Definition{
		Name:        name,
		Type:        t,
		Kind:        KindPrimitive,
		Resource:    resource,
		Description: description,
	}
}

// Composite builds a composite definition and computes its fingerprint.
func Composite(name string, t Type, dsl string, constituents []Reference) (Definition, error) {
	if len(constituents) == 0 {
		return Definition{}, fmt.Errorf("%w: composite %s has no constituents", ErrInvalidComposition, Key(name, t))
	}
	fp, err := Fingerprint(constituents)
	if err != nil {
		return Definition{}, err
	}
	return Definition{
		Name:         name,
		Type:         t,
		Kind:         KindComposite,
		DSL:          dsl,
		Constituents: append([]Reference(nil), constituents...),
		Fingerprint:  fp,
	}, nil
}

// Key returns the "type:name" identity.
func (d Definition) Key() string { return Key(d.Name, d.Type) }

// Reference returns the name/type pair of the definition.
func (d Definition) Reference() Reference { return Ref(d.Name, d.Type) }

// Composed reports whether the definition was built from a DSL pipeline.
func (d Definition) Composed() bool {
	return d.Kind == KindComposite && d.DSL != "" && len(d.Constituents) > 0
}

// Fingerprint hashes the ordered constituent list, so two composites chaining
// the same modules in the same order share a fingerprint.
func Fingerprint(constituents []Reference) (string, error) {
	keys := make([]string, 0, len(constituents))
	for _, c := range constituents {
		keys = append(keys, c.Key())
	}
	body, err := json.Marshal(keys)
	if err != nil {
		return "", fmt.Errorf("marshal fingerprint input: %w", err)
	}
	sum := blake3.Sum256(body)
	return "blake3:" + hex.EncodeToString(sum[:]), nil
}
