package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/modreg/internal/composite"
	"github.com/mattjoyce/modreg/internal/dependency"
	"github.com/mattjoyce/modreg/internal/events"
	"github.com/mattjoyce/modreg/internal/module"
	"github.com/mattjoyce/modreg/internal/registry"
	"github.com/mattjoyce/modreg/internal/storage"
)

// flakyKV fails PutNew while failPut is set.
type flakyKV struct {
	*storage.MemoryKV
	failPut atomic.Bool
}

func (f *flakyKV) PutNew(ctx context.Context, key, value string) (bool, error) {
	if f.failPut.Load() {
		return false, errors.New("connection reset")
	}
	return f.MemoryKV.PutNew(ctx, key, value)
}

type fixture struct {
	svc     *Service
	kv      *flakyKV
	tracker *dependency.MemoryTracker
	hub     *events.Hub
	catalog *registry.Catalog
	logs    *bytes.Buffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	catalog, err := registry.Builtin()
	require.NoError(t, err)

	f := &fixture{
		kv:      &flakyKV{MemoryKV: storage.NewMemoryKV()},
		tracker: dependency.NewMemoryTracker(),
		hub:     events.NewHub(32),
		catalog: catalog,
		logs:    &bytes.Buffer{},
	}
	logger := slog.New(slog.NewJSONHandler(f.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	f.svc = New(catalog, composite.NewStore(f.kv), f.tracker, WithLogger(logger), WithEvents(f.hub))
	return f
}

func (f *fixture) mustCreate(t *testing.T, name, text string) module.Definition {
	t.Helper()
	def, err := f.svc.Create(context.Background(), name, text)
	require.NoError(t, err, "create %s", name)
	return def
}

func (f *fixture) dependents(t *testing.T, name string, typ module.Type) []string {
	t.Helper()
	deps, err := f.tracker.Find(context.Background(), name, typ)
	require.NoError(t, err)
	return deps
}

func TestCreateResolvesTypeAndRecordsEdges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	text := "time --fixedDelay=5 | transform --expression='payload.toUpperCase()'"
	def := f.mustCreate(t, "ticker", text)

	assert.Equal(t, module.TypeSource, def.Type)
	assert.Equal(t, module.KindComposite, def.Kind)
	assert.True(t, def.Composed())
	assert.Equal(t, []module.Reference{
		module.Ref("time", module.TypeSource),
		module.Ref("transform", module.TypeProcessor),
	}, def.Constituents)
	assert.NotEmpty(t, def.Fingerprint)

	assert.Equal(t, []string{"source:ticker"}, f.dependents(t, "time", module.TypeSource))
	assert.Equal(t, []string{"source:ticker"}, f.dependents(t, "transform", module.TypeProcessor))

	got, err := f.svc.FindByNameAndType(ctx, "ticker", module.TypeSource)
	require.NoError(t, err)
	assert.Equal(t, text, got.DSL)
	assert.Equal(t, def.Fingerprint, got.Fingerprint)

	evs := f.hub.SnapshotSince(0)
	require.Len(t, evs, 1)
	assert.Equal(t, events.ModuleCreated, evs[0].Type)
	assert.Contains(t, f.logs.String(), `"op_id"`)
}

func TestCreateResolvedTypes(t *testing.T) {
	tests := []struct {
		text string
		want module.Type
	}{
		{"filter | transform", module.TypeProcessor},
		{"transform | log", module.TypeSink},
		{"http | filter | splitter", module.TypeSource},
		{"counter", module.TypeSink},
		{"filejdbc", module.TypeJob},
	}
	for i, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			f := newFixture(t)
			def := f.mustCreate(t, fmt.Sprintf("c%d", i), tt.text)
			assert.Equal(t, tt.want, def.Type)
		})
	}
}

func TestCreateFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mustCreate(t, "ticker", "time | transform")

	tests := []struct {
		name, text string
		want       error
	}{
		{"closed", "time | log", module.ErrInvalidComposition},
		{"unknown", "time | nosuch", module.ErrParse},
		{"empty", "  ", module.ErrParse},
		{"bad name!", "filter", module.ErrParse},
		{"ticker", "http | filter", module.ErrAlreadyExists},
		{"time", "http | filter", module.ErrAlreadyExists},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Create(ctx, tt.name, tt.text)
			assert.ErrorIs(t, err, tt.want)
			assert.False(t, module.IsRetryable(err))
		})
	}

	assert.Equal(t, []string{"source:ticker"}, f.dependents(t, "time", module.TypeSource),
		"failed creates must not leave edges")
	assert.Empty(t, f.dependents(t, "http", module.TypeSource))
}

func TestCreateRollsBackOnPersistenceFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.kv.failPut.Store(true)

	_, err := f.svc.Create(ctx, "ticker", "time | transform")
	require.ErrorIs(t, err, module.ErrStorage)
	assert.True(t, module.IsRetryable(err))

	assert.Empty(t, f.dependents(t, "time", module.TypeSource))
	assert.Empty(t, f.dependents(t, "transform", module.TypeProcessor))
	_, err = f.svc.FindByNameAndType(ctx, "ticker", module.TypeSource)
	assert.ErrorIs(t, err, module.ErrNotFound)
	assert.Empty(t, f.hub.SnapshotSince(0))

	f.kv.failPut.Store(false)
	f.mustCreate(t, "ticker", "time | transform")
}

func TestCreateRollsBackOnRetiredConstituent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mustCreate(t, "clean", "filter | transform")

	release, err := f.tracker.Retire(ctx, module.Ref("clean", module.TypeProcessor))
	require.NoError(t, err)

	_, err = f.svc.Create(ctx, "feed", "http | filter | clean")
	require.ErrorIs(t, err, module.ErrConflict)
	assert.Equal(t, []string{"processor:clean"}, f.dependents(t, "filter", module.TypeProcessor))
	assert.Empty(t, f.dependents(t, "http", module.TypeSource))

	release()
	f.mustCreate(t, "feed", "http | filter | clean")
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mustCreate(t, "ticker", "time | transform")
	f.mustCreate(t, "feed", "ticker | filter")

	assert.ErrorIs(t, f.svc.Delete(ctx, "time", module.TypeSource), module.ErrNotComposed)
	assert.ErrorIs(t, f.svc.Delete(ctx, "nosuch", module.TypeSource), module.ErrNotFound)
	assert.ErrorIs(t, f.svc.Delete(ctx, "ticker", module.TypeSink), module.ErrNotFound)

	err := f.svc.Delete(ctx, "ticker", module.TypeSource)
	var inUse *module.InUseError
	require.ErrorAs(t, err, &inUse)
	assert.Equal(t, []string{"source:feed"}, inUse.Dependents)
	assert.Contains(t, err.Error(), "source:feed")

	require.NoError(t, f.svc.Delete(ctx, "feed", module.TypeSource))
	assert.Empty(t, f.dependents(t, "ticker", module.TypeSource))
	assert.Empty(t, f.dependents(t, "filter", module.TypeProcessor))

	require.NoError(t, f.svc.Delete(ctx, "ticker", module.TypeSource))
	assert.Empty(t, f.dependents(t, "time", module.TypeSource))
	_, err = f.svc.FindByNameAndType(ctx, "ticker", module.TypeSource)
	assert.ErrorIs(t, err, module.ErrNotFound)

	evs := f.hub.SnapshotSince(0)
	assert.Equal(t, events.ModuleDeleted, evs[len(evs)-1].Type)

	// Deleted names are free again.
	f.mustCreate(t, "ticker", "time | filter")
}

func TestFindAllPaging(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mustCreate(t, "ticker", "time | transform")
	f.mustCreate(t, "clean", "filter | transform")

	n := f.catalog.Len() + 2

	full, err := f.svc.FindAll(ctx, module.Page{Offset: 0, Limit: n})
	require.NoError(t, err)
	assert.Equal(t, n, full.Total)
	require.Len(t, full.Items, n)
	// Registry first, composites after, in store key order.
	assert.Equal(t, module.KindPrimitive, full.Items[0].Kind)
	assert.Equal(t, "processor:clean", full.Items[n-2].Key())
	assert.Equal(t, "source:ticker", full.Items[n-1].Key())

	empty, err := f.svc.FindAll(ctx, module.Page{Offset: n, Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, n, empty.Total)
	assert.Empty(t, empty.Items)

	tail, err := f.svc.FindAll(ctx, module.Page{Offset: n - 1, Limit: 10})
	require.NoError(t, err)
	require.Len(t, tail.Items, 1)
	assert.Equal(t, "ticker", tail.Items[0].Name)

	_, err = f.svc.FindAll(ctx, module.Page{Limit: 5, Sort: "name,desc"})
	assert.ErrorIs(t, err, module.ErrUnsupported)
	_, err = f.svc.FindAll(ctx, module.Page{Offset: -1, Limit: 5})
	assert.ErrorIs(t, err, module.ErrInvalidPage)
}

func TestFindByTypeAndName(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mustCreate(t, "audit", "transform | log")
	f.mustCreate(t, "file", "filter | transform")

	sinks, err := f.svc.FindByType(ctx, module.Page{Limit: 100}, module.TypeSink)
	require.NoError(t, err)
	assert.Equal(t, len(f.catalog.FindDefinitionsByType(module.TypeSink))+1, sinks.Total)
	for _, d := range sinks.Items {
		assert.Equal(t, module.TypeSink, d.Type)
	}
	assert.Equal(t, "audit", sinks.Items[len(sinks.Items)-1].Name)

	all, err := f.svc.FindAll(ctx, module.Page{Limit: 100})
	require.NoError(t, err)
	untyped, err := f.svc.FindByType(ctx, module.Page{Limit: 100}, "")
	require.NoError(t, err)
	assert.Equal(t, all, untyped)

	_, err = f.svc.FindByType(ctx, module.Page{Limit: 10}, "widget")
	assert.ErrorIs(t, err, module.ErrInvalidType)

	files, err := f.svc.FindByName(ctx, "file")
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, "source:file", files[0].Key())
	assert.Equal(t, "sink:file", files[1].Key())
	assert.Equal(t, "processor:file", files[2].Key())
	assert.True(t, files[2].Composed())

	none, err := f.svc.FindByName(ctx, "nosuch")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestFindByNameAndTypePrefersRegistry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A stray record under a primitive key never shadows the primitive.
	require.NoError(t, f.kv.Put(ctx, "source:time", `{"name":"time","type":"source","definition":"http"}`))

	def, err := f.svc.FindByNameAndType(ctx, "time", module.TypeSource)
	require.NoError(t, err)
	assert.Equal(t, module.KindPrimitive, def.Kind)
	assert.False(t, def.Composed())
}

func TestDisplayAndDependents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mustCreate(t, "ticker", "time | transform")

	manifest, err := f.svc.Display(ctx, "time", module.TypeSource)
	require.NoError(t, err)
	assert.Contains(t, string(manifest), "name: time")

	text, err := f.svc.Display(ctx, "ticker", module.TypeSource)
	require.NoError(t, err)
	assert.Equal(t, "time | transform", string(text))

	_, err = f.svc.Display(ctx, "nosuch", module.TypeSink)
	assert.ErrorIs(t, err, module.ErrNotFound)

	deps, err := f.svc.Dependents(ctx, "transform", module.TypeProcessor)
	require.NoError(t, err)
	assert.Equal(t, []string{"source:ticker"}, deps)

	_, err = f.svc.Dependents(ctx, "nosuch", module.TypeProcessor)
	assert.ErrorIs(t, err, module.ErrNotFound)
}

func TestRebuildDependencies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mustCreate(t, "ticker", "time | transform")
	f.mustCreate(t, "feed", "ticker | filter")
	require.NoError(t, f.kv.Put(ctx, "sink:broken", `{"name":"broken","type":"sink","definition":"gone | log"}`))

	require.NoError(t, f.tracker.Reset(ctx))
	require.NoError(t, f.tracker.Record(ctx, module.Ref("log", module.TypeSink), "sink:stale"))

	n, err := f.svc.RebuildDependencies(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	assert.Equal(t, []string{"source:feed"}, f.dependents(t, "ticker", module.TypeSource))
	assert.Equal(t, []string{"source:ticker"}, f.dependents(t, "time", module.TypeSource))
	assert.Empty(t, f.dependents(t, "log", module.TypeSink))
	assert.Contains(t, f.logs.String(), "sink:broken")
}

// A delete racing creates that depend on the deleted module either sees the
// dependents and refuses, or wins and every racing create fails. No
// composite may survive that references the deleted module.
func TestConcurrentCreateAndDelete(t *testing.T) {
	ctx := context.Background()
	for round := 0; round < 30; round++ {
		f := newFixture(t)
		f.svc.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
		f.mustCreate(t, "base", "filter | transform")

		var wg sync.WaitGroup
		created := make([]bool, 6)
		for i := range created {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := f.svc.Create(ctx, fmt.Sprintf("user%d", i), "http | base")
				if err == nil {
					created[i] = true
					return
				}
				if !errors.Is(err, module.ErrConflict) && !errors.Is(err, module.ErrParse) {
					t.Errorf("create: unexpected error %v", err)
				}
			}(i)
		}
		var deleteErr error
		wg.Add(1)
		go func() {
			defer wg.Done()
			deleteErr = f.svc.Delete(ctx, "base", module.TypeProcessor)
		}()
		wg.Wait()

		anyCreated := false
		for _, ok := range created {
			anyCreated = anyCreated || ok
		}
		switch {
		case deleteErr == nil && anyCreated:
			t.Fatalf("round %d: base deleted while a dependent was created", round)
		case deleteErr != nil && !errors.Is(deleteErr, module.ErrInUse):
			t.Fatalf("round %d: delete error = %v", round, deleteErr)
		case deleteErr == nil:
			assert.Empty(t, f.dependents(t, "base", module.TypeProcessor))
			assert.Empty(t, f.dependents(t, "http", module.TypeSource), "round %d: rolled back creates left edges", round)
		}
	}
}

func TestConcurrentCreateSameName(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Create(ctx, "ticker", "time | transform")
			if err == nil {
				wins.Add(1)
			} else if !errors.Is(err, module.ErrAlreadyExists) && !errors.Is(err, module.ErrConflict) {
				t.Errorf("create: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, []string{"source:ticker"}, f.dependents(t, "time", module.TypeSource))
}

// gateKV holds the first two reads of key until both have happened, so two
// creators both observe the key as absent.
type gateKV struct {
	*storage.MemoryKV
	key     string
	reads   atomic.Int32
	arrived sync.WaitGroup
}

func newGateKV(key string) *gateKV {
	g := &gateKV{MemoryKV: storage.NewMemoryKV(), key: key}
	g.arrived.Add(2)
	return g
}

func (g *gateKV) Get(ctx context.Context, key string) (string, bool, error) {
	v, ok, err := g.MemoryKV.Get(ctx, key)
	if key == g.key && g.reads.Add(1) <= 2 {
		g.arrived.Done()
		g.arrived.Wait()
	}
	return v, ok, err
}

func TestCreateSameNameLoserKeepsWinnerEdges(t *testing.T) {
	catalog, err := registry.Builtin()
	require.NoError(t, err)
	ctx := context.Background()

	for round := 0; round < 20; round++ {
		kv := newGateKV("processor:foo")
		tracker := dependency.NewMemoryTracker()
		svc := New(catalog, composite.NewStore(kv), tracker, WithLogger(slog.New(slog.NewJSONHandler(io.Discard, nil))))
		_, err := svc.Create(ctx, "c1", "filter | transform")
		require.NoError(t, err)

		errs := make([]error, 2)
		var wg sync.WaitGroup
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = svc.Create(ctx, "foo", "c1 | filter")
			}(i)
		}
		wg.Wait()

		wins := 0
		for _, err := range errs {
			if err == nil {
				wins++
				continue
			}
			if !errors.Is(err, module.ErrConflict) && !errors.Is(err, module.ErrAlreadyExists) {
				t.Fatalf("round %d: create error = %v", round, err)
			}
		}
		require.Equal(t, 1, wins, "round %d: errs=%v", round, errs)

		deps, err := tracker.Find(ctx, "c1", module.TypeProcessor)
		require.NoError(t, err)
		require.Equal(t, []string{"processor:foo"}, deps, "round %d", round)

		err = svc.Delete(ctx, "c1", module.TypeProcessor)
		require.ErrorIs(t, err, module.ErrInUse, "round %d", round)
	}
}

// hookKV runs onScan once, after the entries have been read.
type hookKV struct {
	*storage.MemoryKV
	once   sync.Once
	onScan func()
}

func (h *hookKV) Scan(ctx context.Context) ([]storage.Entry, error) {
	entries, err := h.MemoryKV.Scan(ctx)
	h.once.Do(h.onScan)
	return entries, err
}

// Two servers share one store and one tracker. A second server starting up
// must not strip the edges of a composite its peer creates meanwhile.
func TestRestoreDependenciesKeepsPeerEdges(t *testing.T) {
	catalog, err := registry.Builtin()
	require.NoError(t, err)
	ctx := context.Background()
	quiet := WithLogger(slog.New(slog.NewJSONHandler(io.Discard, nil)))

	shared := storage.NewMemoryKV()
	tracker := dependency.NewMemoryTracker()
	peer := New(catalog, composite.NewStore(shared), tracker, quiet)
	_, err = peer.Create(ctx, "c1", "filter | transform")
	require.NoError(t, err)

	kv := &hookKV{MemoryKV: shared, onScan: func() {
		_, err := peer.Create(ctx, "foo", "c1 | filter")
		require.NoError(t, err)
	}}
	starting := New(catalog, composite.NewStore(kv), tracker, quiet)

	n, err := starting.RestoreDependencies(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	deps, err := tracker.Find(ctx, "c1", module.TypeProcessor)
	require.NoError(t, err)
	assert.Equal(t, []string{"processor:foo"}, deps)
	assert.ErrorIs(t, peer.Delete(ctx, "c1", module.TypeProcessor), module.ErrInUse)
	assert.ErrorIs(t, starting.Delete(ctx, "c1", module.TypeProcessor), module.ErrInUse)
}

func TestRestoreDependencies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mustCreate(t, "ticker", "time | transform")
	f.mustCreate(t, "gone", "http | filter")
	require.NoError(t, f.tracker.Reset(ctx))
	require.NoError(t, f.tracker.Record(ctx, module.Ref("log", module.TypeSink), "sink:stale"))

	// A peer deletes source:gone right after the scan.
	kv := &hookKV{MemoryKV: f.kv.MemoryKV, onScan: func() {
		_, err := f.kv.MemoryKV.Delete(ctx, "source:gone")
		require.NoError(t, err)
	}}
	svc := New(f.catalog, composite.NewStore(kv), f.tracker, WithLogger(slog.New(slog.NewJSONHandler(io.Discard, nil))))

	n, err := svc.RestoreDependencies(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, []string{"source:ticker"}, f.dependents(t, "time", module.TypeSource))
	assert.Empty(t, f.dependents(t, "http", module.TypeSource))
	assert.Equal(t, []string{"sink:stale"}, f.dependents(t, "log", module.TypeSink), "restore never drops edges")
}

func TestCountSkipsDecoding(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mustCreate(t, "ticker", "time | transform")
	require.NoError(t, f.kv.Put(ctx, "sink:broken", "not json"))

	n, err := f.svc.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, f.catalog.Len()+2, n)
}
