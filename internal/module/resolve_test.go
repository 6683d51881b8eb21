package module

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestResolveType(t *testing.T) {
	tests := []struct {
		name    string
		refs    []Reference
		want    Type
		wantErr error
	}{
		{
			name:    "empty",
			refs:    nil,
			wantErr: ErrInvalidComposition,
		},
		{
			name: "single source",
			refs: []Reference{Ref("foo", TypeSource)},
			want: TypeSource,
		},
		{
			name: "single job keeps its type",
			refs: []Reference{Ref("batch", TypeJob)},
			want: TypeJob,
		},
		{
			name:    "source to sink is closed",
			refs:    []Reference{Ref("a", TypeSource), Ref("b", TypeSink)},
			wantErr: ErrInvalidComposition,
		},
		{
			name: "processors only",
			refs: []Reference{Ref("a", TypeProcessor), Ref("b", TypeProcessor)},
			want: TypeProcessor,
		},
		{
			name: "source then processor",
			refs: []Reference{Ref("a", TypeSource), Ref("b", TypeProcessor)},
			want: TypeSource,
		},
		{
			name: "processor then sink",
			refs: []Reference{Ref("filter", TypeProcessor), Ref("log", TypeSink)},
			want: TypeSink,
		},
		{
			name: "declared order does not matter",
			refs: []Reference{Ref("log", TypeSink), Ref("filter", TypeProcessor), Ref("upper", TypeProcessor)},
			want: TypeSink,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveType(tt.refs)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveTypeClosedMessage(t *testing.T) {
	_, err := ResolveType([]Reference{Ref("http", TypeSource), Ref("file", TypeSink)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must expose input and/or output channel")
}

func TestResolveTypeDoesNotReorderInput(t *testing.T) {
	refs := []Reference{Ref("z", TypeSink), Ref("a", TypeSource), Ref("m", TypeProcessor)}
	before := append([]Reference(nil), refs...)
	_, _ = ResolveType(refs)
	assert.Equal(t, before, refs)
}

func streamTypeGen() *rapid.Generator[Type] {
	return rapid.SampledFrom([]Type{TypeSource, TypeProcessor, TypeSink})
}

func referencesGen() *rapid.Generator[[]Reference] {
	return rapid.SliceOfN(rapid.Custom(func(t *rapid.T) Reference {
		return Ref(rapid.StringMatching(`[a-z]{1,6}`).Draw(t, "name"), streamTypeGen().Draw(t, "type"))
	}), 1, 8)
}

func TestResolveTypeProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		refs := referencesGen().Draw(t, "refs")

		got, err := ResolveType(refs)
		again, errAgain := ResolveType(refs)
		if got != again || (err == nil) != (errAgain == nil) {
			t.Fatalf("non-deterministic result: %v/%v vs %v/%v", got, err, again, errAgain)
		}

		var hasSource, hasSink bool
		for _, r := range refs {
			hasSource = hasSource || r.Type == TypeSource
			hasSink = hasSink || r.Type == TypeSink
		}

		closed := len(refs) > 1 && hasSource && hasSink
		if closed {
			if !errors.Is(err, ErrInvalidComposition) {
				t.Fatalf("expected invalid composition for %v, got %v (%v)", refs, got, err)
			}
			return
		}
		if err != nil {
			t.Fatalf("unexpected error for %v: %v", refs, err)
		}
		if len(refs) == 1 {
			if got != refs[0].Type {
				t.Fatalf("single element resolved to %v, want %v", got, refs[0].Type)
			}
			return
		}

		want := TypeProcessor
		switch {
		case hasSource:
			want = TypeSource
		case hasSink:
			want = TypeSink
		}
		if got != want {
			t.Fatalf("resolved %v to %v, want %v", refs, got, want)
		}
	})
}
