package core_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/3FT-io/matsync/pkg/config"
	"github.com/3FT-io/matsync/pkg/core"
	"github.com/3FT-io/matsync/pkg/importers"
	"github.com/3FT-io/matsync/pkg/p2p"
	"github.com/3FT-io/matsync/pkg/project"
	"github.com/3FT-io/matsync/pkg/testutil"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir, cleanup := testutil.CreateTempDir(t, "matsync-core-test-*")
	t.Cleanup(cleanup)

	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.WatchResources = false
	cfg.MaintenanceInterval = 0
	cfg.ThumbnailWorkers = 1
	require.NoError(t, cfg.Validate())
	return cfg
}

func newEngine(t *testing.T, cfg *config.Config, opts ...core.Option) *core.Engine {
	t.Helper()
	if cfg == nil {
		cfg = testConfig(t)
	}
	e, err := core.NewEngine(cfg, nil, append([]core.Option{core.WithRenderer(stubRenderer{})}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Stop() })
	return e
}

type stubRenderer struct{}

func (stubRenderer) Render(ctx context.Context, def *importers.Definition) ([]byte, error) {
	return []byte(fmt.Sprintf("png:%s:%s", def.Name, def.Shader)), nil
}

// gatedRenderer holds every render until open is called
type gatedRenderer struct {
	gate chan struct{}
	once sync.Once
}

func newGatedRenderer() *gatedRenderer { return &gatedRenderer{gate: make(chan struct{})} }

func (r *gatedRenderer) Render(ctx context.Context, def *importers.Definition) ([]byte, error) {
	select {
	case <-r.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return []byte("png:" + def.Name), nil
}

func (r *gatedRenderer) open() { r.once.Do(func() { close(r.gate) }) }

type fakeAnnouncer struct {
	mu       sync.Mutex
	sent     []p2p.Announcement
	handlers []p2p.Handler
	started  bool
	stopped  bool
}

func (a *fakeAnnouncer) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.started = true
	return nil
}

func (a *fakeAnnouncer) Announce(ctx context.Context, ann p2p.Announcement) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, ann)
	return nil
}

func (a *fakeAnnouncer) OnAnnouncement(h p2p.Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers = append(a.handlers, h)
}

func (a *fakeAnnouncer) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	return nil
}

func (a *fakeAnnouncer) announcements() []p2p.Announcement {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]p2p.Announcement(nil), a.sent...)
}

func (a *fakeAnnouncer) deliver(ann p2p.Announcement) {
	a.mu.Lock()
	handlers := append([]p2p.Handler(nil), a.handlers...)
	a.mu.Unlock()
	for _, h := range handlers {
		h(ann)
	}
}

func definition(name string, roughness float64) *importers.Definition {
	return &importers.Definition{
		Name:   name,
		Shader: importers.ShaderPrincipled,
		Params: map[string]importers.Value{importers.ParamRoughness: importers.Float(roughness)},
	}
}

// newProject builds an in-memory project; material i gets roughness (i+1)/10
func newProject(path string, names ...string) *project.Project {
	p := project.New(path)
	p.Resources = testutil.NewMemReader(nil)
	for i, name := range names {
		p.AddMaterial(name, definition(name, float64(i+1)/10))
	}
	return p
}
