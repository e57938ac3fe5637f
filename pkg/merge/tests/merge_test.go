package merge_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3FT-io/matsync/pkg/hasher"
	"github.com/3FT-io/matsync/pkg/identity"
	"github.com/3FT-io/matsync/pkg/importers"
	"github.com/3FT-io/matsync/pkg/library"
	"github.com/3FT-io/matsync/pkg/merge"
	"github.com/3FT-io/matsync/pkg/project"
	"github.com/3FT-io/matsync/pkg/store"
	"github.com/3FT-io/matsync/pkg/testutil"
)

type fixture struct {
	store    *store.Store
	clock    *clock.Mock
	lib      *library.Library
	resolver *identity.Resolver
	engine   *merge.Engine
	reader   *testutil.MemReader

	mu      sync.Mutex
	changes [][2]string
}

func newFixture(t *testing.T, container merge.Container, tune ...func(*merge.Options)) *fixture {
	t.Helper()
	st, c := testutil.NewStore(t)
	dir, cleanup := testutil.CreateTempDir(t, "merge-test")
	t.Cleanup(cleanup)
	lib, err := library.Open(filepath.Join(dir, "material_library.mlib"), nil)
	require.NoError(t, err)
	if container == nil {
		container = lib
	}

	f := &fixture{
		store:    st,
		clock:    c,
		lib:      lib,
		resolver: identity.New(st, nil),
		reader:   testutil.NewMemReader(map[string]string{"textures/wood.png": "wood pixels"}),
	}
	h, err := hasher.New(nil, 64, nil)
	require.NoError(t, err)

	opts := merge.DefaultOptions()
	opts.Retry = store.RetryPolicy{Attempts: 2, Backoff: time.Millisecond}
	opts.OnHashChange = func(old, new string) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.changes = append(f.changes, [2]string{old, new})
	}
	for _, fn := range tune {
		fn(&opts)
	}
	f.engine = merge.New(st, f.resolver, h, container, opts, nil)
	return f
}

func (f *fixture) project(path string) *project.Project {
	p := project.New(path)
	p.Resources = f.reader
	return p
}

func wood(name string, roughness float64) *importers.Definition {
	return &importers.Definition{
		Name:   name,
		Shader: importers.ShaderPrincipled,
		Params: map[string]importers.Value{
			importers.ParamBaseColor: importers.Vector(0.6, 0.4, 0.2, 1),
			importers.ParamRoughness: importers.Float(roughness),
		},
		Resources: []importers.ResourceRef{{Slot: importers.SlotBaseColor, Path: "textures/wood.png"}},
	}
}

func record(t *testing.T, st *store.Store, uuid string) *store.MaterialRecord {
	t.Helper()
	rec, err := st.GetRecord(context.Background(), uuid)
	require.NoError(t, err)
	return rec
}

func TestIdenticalMaterialsShareOneEntry(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	p := f.project("/projects/a.blend")
	a := p.AddMaterial("Oak", wood("Oak", 0.5))
	b := p.AddMaterial("Oak Copy", wood("Oak Copy", 0.5))

	report, err := f.engine.Synchronize(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Count(merge.Inserted))
	assert.Equal(t, 1, report.Count(merge.Merged))
	assert.Empty(t, report.Failures)

	ra, rb := record(t, f.store, a.UUID), record(t, f.store, b.UUID)
	assert.Equal(t, store.OriginLibraryLinked, ra.Origin)
	assert.Equal(t, store.OriginLibraryLinked, rb.Origin)
	assert.Equal(t, ra.LibraryHash, rb.LibraryHash)
	assert.Equal(t, "Oak", ra.DisplayName, "display names stay local")
	assert.Equal(t, "Oak Copy", rb.DisplayName)

	n, err := f.store.CountEntries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entry, err := f.store.FindByHash(ctx, ra.LibraryHash)
	require.NoError(t, err)
	assert.Equal(t, int64(2), entry.UseCount)
	// same creation time: the smaller UUID donates the label
	donor, label := a.UUID, "Oak"
	if b.UUID < a.UUID {
		donor, label = b.UUID, "Oak Copy"
	}
	assert.Equal(t, donor, entry.LabelDonor)
	assert.Equal(t, label, entry.Label)
	assert.True(t, f.lib.Has(ra.LibraryHash))
}

func TestSynchronizeIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	p := f.project("/projects/a.blend")
	p.AddMaterial("Oak", wood("Oak", 0.5))
	p.AddMaterial("Pine", wood("Pine", 0.8))

	_, err := f.engine.Synchronize(ctx, p)
	require.NoError(t, err)
	before, err := f.store.LastChange(ctx)
	require.NoError(t, err)

	report, err := f.engine.Synchronize(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Count(merge.Unchanged))
	assert.False(t, report.Changed())

	after, err := f.store.LastChange(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after, "second pass commits nothing")
}

func TestEditCreatesNewVersion(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	p := f.project("/projects/a.blend")
	m := p.AddMaterial("Oak", wood("Oak", 0.5))

	_, err := f.engine.Synchronize(ctx, p)
	require.NoError(t, err)
	h1 := record(t, f.store, m.UUID).LibraryHash

	m.Definition.Params[importers.ParamRoughness] = importers.Float(0.9)
	report, err := f.engine.Synchronize(ctx, p)
	require.NoError(t, err)
	item, ok := report.Item(m.UUID)
	require.True(t, ok)
	assert.Equal(t, merge.Updated, item.Outcome)
	assert.Equal(t, h1, item.PreviousHash)
	assert.Equal(t, merge.ErrHashMismatch.Error(), item.Reason)

	rec := record(t, f.store, m.UUID)
	h2 := rec.LibraryHash
	assert.NotEqual(t, h1, h2)
	assert.Equal(t, m.UUID, rec.UUID)

	_, err = f.store.FindByHash(ctx, h1)
	assert.NoError(t, err, "previous version kept")
	_, err = f.store.FindByHash(ctx, h2)
	assert.NoError(t, err)

	history, err := f.store.HashHistory(ctx, m.UUID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{h1, h2}, history)
	assert.Equal(t, [][2]string{{h1, h2}}, f.changes)
}

func TestTextureEditChangesHash(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	p := f.project("/projects/a.blend")
	m := p.AddMaterial("Oak", wood("Oak", 0.5))

	_, err := f.engine.Synchronize(ctx, p)
	require.NoError(t, err)
	h1 := record(t, f.store, m.UUID).LibraryHash

	f.reader.Set("textures/wood.png", "repainted")
	report, err := f.engine.Synchronize(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Count(merge.Updated))
	assert.NotEqual(t, h1, record(t, f.store, m.UUID).LibraryHash)
}

func TestMissingResourceIsSkipped(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	p := f.project("/projects/a.blend")
	def := wood("Ghost", 0.5)
	def.Resources[0].Path = "textures/missing.png"
	m := p.AddMaterial("Ghost", def)
	p.AddMaterial("Oak", wood("Oak", 0.5))

	report, err := f.engine.Synchronize(ctx, p)
	require.NoError(t, err)
	item, ok := report.Item(m.UUID)
	require.True(t, ok)
	assert.Equal(t, merge.Skipped, item.Outcome)
	assert.Contains(t, item.Reason, "textures/missing.png")
	assert.Equal(t, 1, report.Count(merge.Inserted))

	rec := record(t, f.store, m.UUID)
	assert.Equal(t, store.OriginLocal, rec.Origin)
	assert.Empty(t, rec.ContentHash)
}

func TestUtilityMaterialsAreNotPromoted(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	p := f.project("/projects/a.blend")
	m := p.AddMaterial("mat_Preview", wood("mat_Preview", 0.5))
	p.Classify("mat_")

	report, err := f.engine.Synchronize(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Count(merge.Utility))

	rec := record(t, f.store, m.UUID)
	assert.True(t, rec.IsUtility)
	assert.Equal(t, store.OriginLocal, rec.Origin)
	n, err := f.store.CountEntries(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEarliestRecordDonatesLabel(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first := f.project("/projects/first.blend")
	alpha := first.AddMaterial("Alpha", wood("Alpha", 0.5))
	_, _, err := f.resolver.ResolveAll(ctx, first)
	require.NoError(t, err)

	f.clock.Add(time.Minute)
	second := f.project("/projects/second.blend")
	second.AddMaterial("Beta", wood("Beta", 0.5))
	_, err = f.engine.Synchronize(ctx, second)
	require.NoError(t, err)

	report, err := f.engine.Synchronize(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Count(merge.Merged))

	entry, err := f.store.FindByHash(ctx, record(t, f.store, alpha.UUID).LibraryHash)
	require.NoError(t, err)
	assert.Equal(t, "Alpha", entry.Label)
	assert.Equal(t, alpha.UUID, entry.LabelDonor)
}

func TestLibraryMaterialLinksExistingEntry(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	origin := f.project("/projects/origin.blend")
	origin.AddMaterial("Oak", wood("Oak", 0.5))
	_, err := f.engine.Synchronize(ctx, origin)
	require.NoError(t, err)

	p := f.project("/projects/user.blend")
	linked := p.AddMaterial("Oak", wood("Oak", 0.5))
	linked.LibraryPath = f.lib.Path()
	linked.LibraryName = "Oak"

	report, err := f.engine.Synchronize(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Count(merge.Merged))
	rec := record(t, f.store, linked.UUID)
	assert.Equal(t, store.OriginLibrary, rec.Origin)
	assert.NotEmpty(t, rec.LibraryHash)

	report, err = f.engine.Synchronize(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Count(merge.Unchanged))
}

func TestLibraryMaterialWithoutEntryIsStale(t *testing.T) {
	f := newFixture(t, nil)
	p := f.project("/projects/user.blend")
	linked := p.AddMaterial("Gone", wood("Gone", 0.1))
	linked.LibraryPath = "/lib/material_library.mlib"
	linked.LibraryName = "Gone"

	report, err := f.engine.Synchronize(context.Background(), p)
	require.NoError(t, err)
	require.Len(t, report.Failures, 1)
	assert.ErrorIs(t, report.Failures[0], merge.ErrStaleReference)
	assert.Equal(t, "apply", report.Failures[0].Phase)
}

func TestTouchIsThrottled(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	p := f.project("/projects/a.blend")
	m := p.AddMaterial("Oak", wood("Oak", 0.5))

	_, err := f.engine.Synchronize(ctx, p)
	require.NoError(t, err)
	hash := record(t, f.store, m.UUID).LibraryHash

	_, err = f.engine.Synchronize(ctx, p)
	require.NoError(t, err)
	entry, err := f.store.FindByHash(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, int64(1), entry.UseCount)

	f.clock.Add(2 * time.Hour)
	_, err = f.engine.Synchronize(ctx, p)
	require.NoError(t, err)
	entry, err = f.store.FindByHash(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, int64(2), entry.UseCount)
	assert.Equal(t, f.store.Now(), entry.LastUsedAt)
}

func TestTrimDropsUnlinkedVersions(t *testing.T) {
	f := newFixture(t, nil, func(o *merge.Options) { o.TrimBound = 1 })
	ctx := context.Background()
	p := f.project("/projects/a.blend")
	m := p.AddMaterial("Oak", wood("Oak", 0.5))

	_, err := f.engine.Synchronize(ctx, p)
	require.NoError(t, err)
	h1 := record(t, f.store, m.UUID).LibraryHash

	f.clock.Add(time.Minute)
	m.Definition.Params[importers.ParamRoughness] = importers.Float(0.7)
	report, err := f.engine.Synchronize(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, []string{h1}, report.Trimmed)
	assert.False(t, f.lib.Has(h1))
	assert.True(t, f.lib.Has(record(t, f.store, m.UUID).LibraryHash))
}

// flakyContainer wraps a library and fails Put after a number of calls
type flakyContainer struct {
	*library.Library
	mu    sync.Mutex
	puts  int
	after int
	err   error
}

func (c *flakyContainer) Put(ctx context.Context, name string, def *importers.Definition) error {
	c.mu.Lock()
	c.puts++
	fail := c.puts > c.after
	c.mu.Unlock()
	if fail {
		return c.err
	}
	return c.Library.Put(ctx, name, def)
}

// heldContainer records how puts relate to Hold and Release
type heldContainer struct {
	*library.Library
	mu         sync.Mutex
	held       bool
	holds      int
	releases   int
	heldPuts   int
	unheldPuts int
}

func (c *heldContainer) Hold() {
	c.mu.Lock()
	c.held = true
	c.holds++
	c.mu.Unlock()
	c.Library.Hold()
}

func (c *heldContainer) Release(ctx context.Context) error {
	c.mu.Lock()
	c.held = false
	c.releases++
	c.mu.Unlock()
	return c.Library.Release(ctx)
}

func (c *heldContainer) Put(ctx context.Context, name string, def *importers.Definition) error {
	c.mu.Lock()
	if c.held {
		c.heldPuts++
	} else {
		c.unheldPuts++
	}
	c.mu.Unlock()
	return c.Library.Put(ctx, name, def)
}

func TestContainerWrittenOncePerPass(t *testing.T) {
	dir, cleanup := testutil.CreateTempDir(t, "merge-held")
	t.Cleanup(cleanup)
	path := filepath.Join(dir, "lib.mlib")
	lib, err := library.Open(path, nil)
	require.NoError(t, err)
	container := &heldContainer{Library: lib}

	f := newFixture(t, container)
	ctx := context.Background()
	p := f.project("/projects/a.blend")
	p.AddMaterial("Oak", wood("Oak", 0.5))
	p.AddMaterial("Pine", wood("Pine", 0.8))
	p.AddMaterial("Ash", wood("Ash", 0.3))

	report, err := f.engine.Synchronize(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Count(merge.Inserted))
	assert.Equal(t, 1, container.holds)
	assert.Equal(t, 1, container.releases)
	assert.Equal(t, 3, container.heldPuts)
	assert.Zero(t, container.unheldPuts)

	reopened, err := library.Open(path, nil)
	require.NoError(t, err)
	assert.Len(t, reopened.Names(), 3)
}

func TestContainerFailureRollsBackItem(t *testing.T) {
	dir, cleanup := testutil.CreateTempDir(t, "merge-flaky")
	t.Cleanup(cleanup)
	lib, err := library.Open(filepath.Join(dir, "lib.mlib"), nil)
	require.NoError(t, err)
	container := &flakyContainer{Library: lib, after: 0, err: errors.New("disk full")}

	f := newFixture(t, container)
	ctx := context.Background()
	p := f.project("/projects/a.blend")
	m := p.AddMaterial("Oak", wood("Oak", 0.5))

	report, err := f.engine.Synchronize(ctx, p)
	require.NoError(t, err)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "container", report.Failures[0].Phase)
	assert.Equal(t, m.UUID, report.Failures[0].UUID)

	assert.Equal(t, store.OriginLocal, record(t, f.store, m.UUID).Origin)
	n, err := f.store.CountEntries(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "entry insert rolled back")
}

func TestStoreUnavailableAbortsPass(t *testing.T) {
	dir, cleanup := testutil.CreateTempDir(t, "merge-abort")
	t.Cleanup(cleanup)
	lib, err := library.Open(filepath.Join(dir, "lib.mlib"), nil)
	require.NoError(t, err)
	container := &flakyContainer{Library: lib, after: 1, err: fmt.Errorf("lock: %w", store.ErrStoreUnavailable)}

	f := newFixture(t, container)
	ctx := context.Background()
	p := f.project("/projects/a.blend")
	p.AddMaterial("Oak", wood("Oak", 0.5))
	p.AddMaterial("Pine", wood("Pine", 0.8))
	p.AddMaterial("Ash", wood("Ash", 0.3))

	report, err := f.engine.Synchronize(ctx, p)
	require.ErrorIs(t, err, store.ErrStoreUnavailable)
	require.NotNil(t, report)
	assert.ErrorIs(t, report.Err, store.ErrStoreUnavailable)
	assert.Len(t, report.Items, 1, "only the committed unit is listed")
	assert.Equal(t, merge.Inserted, report.Items[0].Outcome)

	linked := 0
	for _, m := range p.Materials {
		if record(t, f.store, m.UUID).Origin == store.OriginLibraryLinked {
			linked++
		}
	}
	assert.Equal(t, 1, linked)
}

func TestProcessingOrderIsAscendingUUID(t *testing.T) {
	f := newFixture(t, nil)
	p := f.project("/projects/a.blend")
	for i := 0; i < 8; i++ {
		p.AddMaterial(fmt.Sprintf("M%d", i), wood(fmt.Sprintf("M%d", i), float64(i)/10))
	}

	report, err := f.engine.Synchronize(context.Background(), p)
	require.NoError(t, err)
	require.Len(t, report.Items, 8)
	for i := 1; i < len(report.Items); i++ {
		assert.Less(t, report.Items[i-1].UUID, report.Items[i].UUID)
	}
}
