package module

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestParseType(t *testing.T) {
	got, err := ParseType(" Processor ")
	require.NoError(t, err)
	assert.Equal(t, TypeProcessor, got)

	_, err = ParseType("channel")
	assert.ErrorIs(t, err, ErrInvalidType)
}

func TestSortReferencesOrdersByTypeThenName(t *testing.T) {
	refs := []Reference{
		Ref("b", TypeSink),
		Ref("z", TypeSource),
		Ref("b", TypeProcessor),
		Ref("a", TypeProcessor),
		Ref("cron", TypeJob),
	}
	got := SortReferences(refs)
	assert.Equal(t, []Reference{
		Ref("z", TypeSource),
		Ref("a", TypeProcessor),
		Ref("b", TypeProcessor),
		Ref("b", TypeSink),
		Ref("cron", TypeJob),
	}, got)
	assert.Equal(t, Ref("b", TypeSink), refs[0], "input slice must not be sorted in place")
}

func TestParseKeyRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ref := Ref(
			rapid.StringMatching(`[a-z][a-z0-9:-]{0,12}`).Draw(t, "name"),
			rapid.SampledFrom(Types).Draw(t, "type"),
		)
		got, err := ParseKey(ref.Key())
		if err != nil {
			t.Fatalf("ParseKey(%q): %v", ref.Key(), err)
		}
		if got != ref {
			t.Fatalf("round trip mismatch: %v != %v", got, ref)
		}
	})
}

func TestParseKeyRejectsMalformed(t *testing.T) {
	for _, key := range []string{"", "source", "source:", "bogus:name"} {
		_, err := ParseKey(key)
		assert.Error(t, err, key)
	}
}

func TestErrorsClassify(t *testing.T) {
	inUse := &InUseError{Key: "source:time", Dependents: []string{"source:ticker"}}
	assert.ErrorIs(t, inUse, ErrInUse)
	assert.Contains(t, inUse.Error(), "source:ticker")

	parseErr := &ParseError{Definition: "a |", Pos: 3, Msg: "empty module"}
	assert.ErrorIs(t, parseErr, ErrParse)

	storageErr := StorageError("put", errors.New("disk full"))
	assert.True(t, IsRetryable(storageErr))
	assert.False(t, IsRetryable(NotFound("x", TypeSink)))
	assert.True(t, IsRetryable(ErrConflict))
}

func TestCompositeFingerprint(t *testing.T) {
	refs := []Reference{Ref("http", TypeSource), Ref("upper", TypeProcessor)}
	a, err := Composite("web", TypeSource, "http | upper", refs)
	require.NoError(t, err)
	b, err := Composite("web2", TypeSource, "http --port=9000 | upper", refs)
	require.NoError(t, err)

	assert.True(t, a.Composed())
	assert.Equal(t, a.Fingerprint, b.Fingerprint)
	assert.Contains(t, a.Fingerprint, "blake3:")

	_, err = Composite("empty", TypeSource, "x", nil)
	assert.ErrorIs(t, err, ErrInvalidComposition)

	prim := Primitive("time", TypeSource, "builtin:source/time/module.yaml", "")
	assert.False(t, prim.Composed())
}
