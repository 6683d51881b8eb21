// Package dsl parses the composition language used to define composite
// modules: a '|' separated chain of module names, each optionally followed by
// --key=value options.
//
//	http --port=9000 | filter --expression='payload != null' | log
package dsl

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/mattjoyce/modreg/internal/module"
)

var moduleNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// ValidName reports whether name can be used as a module name.
func ValidName(name string) bool { return moduleNamePattern.MatchString(name) }

// Lookup reports whether a module with the given name and type is defined.
type Lookup func(name string, t module.Type) bool

// Step is one stage of a parsed composition.
type Step struct {
	Ref     module.Reference
	Options map[string]string
	// Pos is the byte offset of the module name in the original text.
	Pos int
}

// Parse turns a composition string into its ordered steps. The type of each
// stage comes from its position: the first stage is a source when one exists
// under that name, the last is a sink when one exists, everything else is a
// processor. A lone stage takes the first type found in rank order.
func Parse(name, text string, lookup Lookup) ([]Step, error) {
	if lookup == nil {
		return nil, fmt.Errorf("dsl: lookup is required")
	}
	if strings.TrimSpace(text) == "" {
		return nil, parseErr(text, 0, "definition of module %q is empty", name)
	}

	stages, err := splitStages(text)
	if err != nil {
		return nil, err
	}

	steps := make([]Step, 0, len(stages))
	for i, stage := range stages {
		words, err := splitWords(text, stage)
		if err != nil {
			return nil, err
		}
		if len(words) == 0 {
			return nil, parseErr(text, stage.pos, "stage %d is empty", i+1)
		}

		head := words[0]
		if !moduleNamePattern.MatchString(head.text) {
			return nil, parseErr(text, head.pos, "invalid module name %q", head.text)
		}

		options := make(map[string]string, len(words)-1)
		for _, w := range words[1:] {
			key, value, err := parseOption(text, w)
			if err != nil {
				return nil, err
			}
			if _, dup := options[key]; dup {
				return nil, parseErr(text, w.pos, "duplicate option --%s for module %q", key, head.text)
			}
			options[key] = value
		}

		t, ok := resolveStageType(head.text, i, len(stages), lookup)
		if !ok {
			return nil, parseErr(text, head.pos, "no module named %q usable as %s",
				head.text, describe(candidates(i, len(stages))))
		}

		steps = append(steps, Step{
			Ref:     module.Ref(head.text, t),
			Options: options,
			Pos:     head.pos,
		})
	}
	return steps, nil
}

// References projects steps onto their module references, preserving order.
func References(steps []Step) []module.Reference {
	out := make([]module.Reference, 0, len(steps))
	for _, s := range steps {
		out = append(out, s.Ref)
	}
	return out
}

func candidates(index, count int) []module.Type {
	switch {
	case count == 1:
		return module.Types
	case index == 0:
		return []module.Type{module.TypeSource, module.TypeProcessor}
	case index == count-1:
		return []module.Type{module.TypeSink, module.TypeProcessor}
	}
	return []module.Type{module.TypeProcessor}
}

func resolveStageType(name string, index, count int, lookup Lookup) (module.Type, bool) {
	for _, t := range candidates(index, count) {
		if lookup(name, t) {
			return t, true
		}
	}
	return "", false
}

func describe(types []module.Type) string {
	parts := make([]string, 0, len(types))
	for _, t := range types {
		parts = append(parts, string(t))
	}
	return strings.Join(parts, " or ")
}

type token struct {
	text string
	pos  int
}

func splitStages(text string) ([]token, error) {
	var (
		stages []token
		start  int
		quote  rune
		qpos   int
	)
	for i, r := range text {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '"' || r == '\'':
			quote, qpos = r, i
		case r == '|':
			stages = append(stages, token{text: text[start:i], pos: start})
			start = i + 1
		}
	}
	if quote != 0 {
		return nil, parseErr(text, qpos, "unterminated quoted value")
	}
	return append(stages, token{text: text[start:], pos: start}), nil
}

func splitWords(text string, stage token) ([]token, error) {
	var (
		words []token
		cur   strings.Builder
		start = -1
		quote rune
	)
	flush := func() {
		if start >= 0 {
			words = append(words, token{text: cur.String(), pos: stage.pos + start})
			cur.Reset()
			start = -1
		}
	}
	for i, r := range stage.text {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
			cur.WriteRune(r)
		case unicode.IsSpace(r):
			flush()
		default:
			if start < 0 {
				start = i
			}
			if r == '"' || r == '\'' {
				quote = r
			}
			cur.WriteRune(r)
		}
	}
	if quote != 0 {
		return nil, parseErr(text, stage.pos+len(stage.text), "unterminated quoted value")
	}
	flush()
	return words, nil
}

func parseOption(text string, w token) (string, string, error) {
	if !strings.HasPrefix(w.text, "--") {
		return "", "", parseErr(text, w.pos, "expected --key=value option, got %q", w.text)
	}
	key, value, ok := strings.Cut(w.text[2:], "=")
	if !ok || key == "" {
		return "", "", parseErr(text, w.pos, "malformed option %q (want --key=value)", w.text)
	}
	if n := len(value); n >= 2 && (value[0] == '"' || value[0] == '\'') && value[n-1] == value[0] {
		value = value[1 : n-1]
	}
	return key, value, nil
}

func parseErr(text string, pos int, format string, args ...any) error {
	return &module.ParseError{Definition: text, Pos: pos, Msg: fmt.Sprintf(format, args...)}
}
