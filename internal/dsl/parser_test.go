package dsl

import (
	"errors"
	"testing"

	"github.com/mattjoyce/modreg/internal/module"
)

func catalogLookup(known ...module.Reference) Lookup {
	set := make(map[module.Reference]struct{}, len(known))
	for _, k := range known {
		set[k] = struct{}{}
	}
	return func(name string, t module.Type) bool {
		_, ok := set[module.Ref(name, t)]
		return ok
	}
}

var testLookup = catalogLookup(
	module.Ref("http", module.TypeSource),
	module.Ref("time", module.TypeSource),
	module.Ref("file", module.TypeSource),
	module.Ref("file", module.TypeSink),
	module.Ref("filter", module.TypeProcessor),
	module.Ref("transform", module.TypeProcessor),
	module.Ref("log", module.TypeSink),
	module.Ref("filejdbc", module.TypeJob),
)

func TestParseAssignsPositionalTypes(t *testing.T) {
	steps, err := Parse("pipe", "file | filter --expression='payload != null' | transform | file", testLookup)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	want := []module.Reference{
		module.Ref("file", module.TypeSource),
		module.Ref("filter", module.TypeProcessor),
		module.Ref("transform", module.TypeProcessor),
		module.Ref("file", module.TypeSink),
	}
	got := References(steps)
	if len(got) != len(want) {
		t.Fatalf("refs = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("refs[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	if steps[1].Options["expression"] != "payload != null" {
		t.Fatalf("expression option = %q", steps[1].Options["expression"])
	}
	if steps[1].Pos != 7 {
		t.Fatalf("filter pos = %d, want 7", steps[1].Pos)
	}
}

func TestParseFallsBackToProcessorAtEdges(t *testing.T) {
	steps, err := Parse("p", "filter | transform", testLookup)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	for _, s := range steps {
		if s.Ref.Type != module.TypeProcessor {
			t.Fatalf("step %v: want processor", s.Ref)
		}
	}
}

func TestParseSingleStageUsesRankOrder(t *testing.T) {
	tests := []struct {
		text string
		want module.Type
	}{
		{text: "file", want: module.TypeSource},
		{text: "log", want: module.TypeSink},
		{text: "filter --expression=true", want: module.TypeProcessor},
		{text: "filejdbc", want: module.TypeJob},
	}
	for _, tt := range tests {
		steps, err := Parse("single", tt.text, testLookup)
		if err != nil {
			t.Fatalf("Parse(%q) error = %v", tt.text, err)
		}
		if len(steps) != 1 || steps[0].Ref.Type != tt.want {
			t.Fatalf("Parse(%q) = %v, want type %s", tt.text, References(steps), tt.want)
		}
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{name: "empty", text: "   "},
		{name: "trailing pipe", text: "http |"},
		{name: "empty middle stage", text: "http | | log"},
		{name: "unknown module", text: "http | nope | log"},
		{name: "sink in first position", text: "log | filter"},
		{name: "option without dashes", text: "http port=1 | log"},
		{name: "option without value", text: "http --port | log"},
		{name: "duplicate option", text: "http --port=1 --port=2 | log"},
		{name: "unterminated quote", text: "filter --expression='a | log"},
		{name: "bad name", text: "ht!p | log"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse("bad", tt.text, testLookup)
			if err == nil {
				t.Fatalf("expected parse error for %q", tt.text)
			}
			if !errors.Is(err, module.ErrParse) {
				t.Fatalf("expected ErrParse, got %v", err)
			}
			var perr *module.ParseError
			if !errors.As(err, &perr) || perr.Definition != tt.text {
				t.Fatalf("expected *module.ParseError carrying the definition, got %#v", err)
			}
		})
	}
}

func TestParseQuotedPipeStaysInOption(t *testing.T) {
	steps, err := Parse("q", `http | transform --expression="a|b" | log`, testLookup)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(steps) != 3 {
		t.Fatalf("steps = %d, want 3", len(steps))
	}
	if got := steps[1].Options["expression"]; got != "a|b" {
		t.Fatalf("expression = %q, want a|b", got)
	}
}

func TestParseRequiresLookup(t *testing.T) {
	if _, err := Parse("x", "http", nil); err == nil {
		t.Fatal("expected error for nil lookup")
	}
}

func TestValidName(t *testing.T) {
	for _, ok := range []string{"time", "my-filter", "v1.2_x", "9lives"} {
		if !ValidName(ok) {
			t.Errorf("ValidName(%q) = false", ok)
		}
	}
	for _, bad := range []string{"", "-x", "has space", "a|b", ".hidden"} {
		if ValidName(bad) {
			t.Errorf("ValidName(%q) = true", bad)
		}
	}
}
