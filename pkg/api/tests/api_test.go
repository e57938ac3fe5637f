package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3FT-io/matsync/pkg/api"
	"github.com/3FT-io/matsync/pkg/config"
	"github.com/3FT-io/matsync/pkg/core"
	"github.com/3FT-io/matsync/pkg/importers"
	"github.com/3FT-io/matsync/pkg/project"
	"github.com/3FT-io/matsync/pkg/testutil"
	"github.com/3FT-io/matsync/pkg/thumbnail"
)

type APIResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type stubRenderer struct{}

func (stubRenderer) Render(ctx context.Context, def *importers.Definition) ([]byte, error) {
	return []byte("png:" + def.Name), nil
}

type testServer struct {
	api    *api.API
	engine *core.Engine
	dir    string
}

func setupTestAPI(t *testing.T) *testServer {
	t.Helper()
	dir, cleanup := testutil.CreateTempDir(t, "matsync-api-test-*")
	t.Cleanup(cleanup)

	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.WatchResources = false
	cfg.MaintenanceInterval = 0
	cfg.ThumbnailWorkers = 1
	require.NoError(t, cfg.Validate())

	engine, err := core.NewEngine(cfg, nil, core.WithRenderer(stubRenderer{}))
	require.NoError(t, err)
	require.NoError(t, engine.Start(context.Background()))
	t.Cleanup(func() { _ = engine.Stop() })

	apiInstance, err := api.NewAPI(engine, 0, nil)
	require.NoError(t, err)
	return &testServer{api: apiInstance, engine: engine, dir: dir}
}

func (s *testServer) do(t *testing.T, method, target string, body interface{}) (*httptest.ResponseRecorder, APIResponse) {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, r)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.api.Handler().ServeHTTP(w, req)

	var response APIResponse
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	}
	return w, response
}

func material(name string, roughness float64) *project.Material {
	return &project.Material{
		Name: name,
		Definition: &importers.Definition{
			Name:   name,
			Shader: importers.ShaderPrincipled,
			Params: map[string]importers.Value{importers.ParamRoughness: importers.Float(roughness)},
		},
	}
}

func (s *testServer) sync(t *testing.T, path string, materials ...*project.Material) api.SyncResponse {
	t.Helper()
	w, resp := s.do(t, "POST", "/projects/sync", api.ProjectRequest{
		Path:      filepath.Join(s.dir, path),
		Materials: materials,
		Objects:   []*project.Object{{Name: "Cube", Slots: []string{materials[0].Name}}},
	})
	require.Equal(t, http.StatusOK, w.Code, resp.Error)
	require.True(t, resp.Success)

	var out api.SyncResponse
	require.NoError(t, json.Unmarshal(resp.Data, &out))
	return out
}

func TestHealthCheck(t *testing.T) {
	s := setupTestAPI(t)

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	s.api.HealthCheck(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var response APIResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.True(t, response.Success)
	assert.Contains(t, string(response.Data), "healthy")
}

func TestCORSPreflight(t *testing.T) {
	s := setupTestAPI(t)

	req := httptest.NewRequest("OPTIONS", "/projects/sync", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	w := httptest.NewRecorder()
	s.api.Handler().ServeHTTP(w, req)

	assert.NotEmpty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestSyncProject(t *testing.T) {
	s := setupTestAPI(t)

	out := s.sync(t, "scene.blend", material("Oak", 0.1), material("mat_Helper", 0.2))
	assert.Equal(t, 1, out.Counts["inserted"])
	assert.Equal(t, 1, out.Counts["utility"])
	assert.Empty(t, out.Failures)
	require.Len(t, out.Materials, 2)
	for _, m := range out.Materials {
		assert.NotEmpty(t, m.UUID)
	}
	assert.True(t, out.Materials[1].IsUtility)

	// a path-only request resynchronizes the open project
	w, resp := s.do(t, "POST", "/projects/sync", api.ProjectRequest{Path: filepath.Join(s.dir, "scene.blend")})
	require.Equal(t, http.StatusOK, w.Code, resp.Error)
	var again api.SyncResponse
	require.NoError(t, json.Unmarshal(resp.Data, &again))
	assert.Zero(t, again.Counts["inserted"])
	assert.Equal(t, out.Materials[0].UUID, again.Materials[0].UUID)

	w, resp = s.do(t, "GET", "/projects", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(resp.Data), "scene.blend")
}

func TestSyncProjectAsync(t *testing.T) {
	s := setupTestAPI(t)
	w, resp := s.do(t, "POST", "/projects/sync?async=true", api.ProjectRequest{
		Path:      filepath.Join(s.dir, "async.blend"),
		Materials: []*project.Material{material("Oak", 0.3)},
	})
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.True(t, resp.Success)

	require.Eventually(t, func() bool {
		status, err := s.engine.Status(context.Background(), 10)
		return err == nil && status.TotalEntries == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSyncProjectFromMTL(t *testing.T) {
	s := setupTestAPI(t)
	mtl := filepath.Join(s.dir, "scene", "materials.mtl")
	testutil.CreateTestFile(t, filepath.Dir(mtl), "materials.mtl",
		"newmtl Brick\nKd 0.8 0.2 0.1\nNs 50\n\nnewmtl Glass\nKd 0.9 0.9 0.9\nd 0.3\n")

	w, resp := s.do(t, "POST", "/projects/sync", api.ProjectRequest{MTL: mtl})
	require.Equal(t, http.StatusOK, w.Code, resp.Error)
	var out api.SyncResponse
	require.NoError(t, json.Unmarshal(resp.Data, &out))
	assert.Equal(t, 2, out.Counts["inserted"])
}

func TestProjectErrors(t *testing.T) {
	s := setupTestAPI(t)

	w, resp := s.do(t, "POST", "/projects/sync", api.ProjectRequest{Path: "/nowhere/unknown.blend"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.False(t, resp.Success)

	req := httptest.NewRequest("POST", "/projects/sync", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	s.api.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	w, _ = s.do(t, "POST", "/projects/open", api.ProjectRequest{
		Path:      filepath.Join(s.dir, "bad.blend"),
		Materials: []*project.Material{{Name: "NoDefinition"}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = s.do(t, "POST", "/projects/close", api.ProjectRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOpenAndCloseProject(t *testing.T) {
	s := setupTestAPI(t)
	path := filepath.Join(s.dir, "open.blend")

	w, resp := s.do(t, "POST", "/projects/open", api.ProjectRequest{
		Path:      path,
		Materials: []*project.Material{material("Oak", 0.1)},
	})
	require.Equal(t, http.StatusOK, w.Code, resp.Error)
	var mats []api.MaterialSummary
	require.NoError(t, json.Unmarshal(resp.Data, &mats))
	require.Len(t, mats, 1)
	assert.NotEmpty(t, mats[0].UUID)

	_, ok := s.engine.Project(path)
	assert.True(t, ok)

	w, _ = s.do(t, "POST", "/projects/close", api.ProjectRequest{Path: path})
	require.Equal(t, http.StatusOK, w.Code)
	_, ok = s.engine.Project(path)
	assert.False(t, ok)
}

func TestLibraryEndpoints(t *testing.T) {
	s := setupTestAPI(t)
	s.sync(t, "a.blend", material("Oak", 0.1))
	s.sync(t, "b.blend", material("Pine", 0.2))

	w, resp := s.do(t, "GET", "/library?limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var status core.LibraryStatus
	require.NoError(t, json.Unmarshal(resp.Data, &status))
	assert.Equal(t, 2, status.TotalEntries)
	require.Len(t, status.Entries, 2)

	hash := status.Entries[0].Hash
	w, resp = s.do(t, "GET", "/library/"+hash, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var entry struct {
		Definition importers.Definition `json:"definition"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &entry))
	assert.Equal(t, importers.ShaderPrincipled, entry.Definition.Shader)

	w, _ = s.do(t, "GET", "/library/"+strings.Repeat("0", 64), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = s.do(t, "GET", "/library?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, resp = s.do(t, "POST", "/library/trim?n=1", nil)
	require.Equal(t, http.StatusOK, w.Code, resp.Error)
	var trimmed struct {
		Deleted []string `json:"deleted"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &trimmed))
	status2, err := s.engine.Status(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 2-len(trimmed.Deleted), status2.TotalEntries)

	w, _ = s.do(t, "POST", "/library/trim?n=-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLocalizeEndpoints(t *testing.T) {
	s := setupTestAPI(t)
	path := filepath.Join(s.dir, "local.blend")
	out := s.sync(t, "local.blend", material("Oak", 0.1), material("Pine", 0.2))
	uuid := out.Materials[0].UUID

	w, resp := s.do(t, "POST", "/materials/"+uuid+"/localize", api.LocalizeRequest{Project: path})
	require.Equal(t, http.StatusOK, w.Code, resp.Error)
	assert.Contains(t, string(resp.Data), `"local_name":"Oak"`)

	// already local
	w, _ = s.do(t, "POST", "/materials/"+uuid+"/localize", api.LocalizeRequest{Project: path})
	assert.Equal(t, http.StatusConflict, w.Code)

	w, _ = s.do(t, "POST", "/materials/"+uuid+"/localize", api.LocalizeRequest{Project: "/nowhere.blend"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, resp = s.do(t, "POST", "/projects/localize", api.LocalizeRequest{Projects: []string{path}})
	require.Equal(t, http.StatusOK, w.Code, resp.Error)
	var results []map[string]interface{}
	require.NoError(t, json.Unmarshal(resp.Data, &results))
	require.Len(t, results, 1)
	assert.Equal(t, out.Materials[1].UUID, results[0]["uuid"])
	assert.Nil(t, results[0]["error"])
}

func TestThumbnailEndpoints(t *testing.T) {
	s := setupTestAPI(t)
	s.sync(t, "thumbs.blend", material("Oak", 0.1))
	status, err := s.engine.Status(context.Background(), 1)
	require.NoError(t, err)
	hash := status.Entries[0].Hash

	w, _ := s.do(t, "GET", "/thumbnails/"+hash+"/image?wait=5s", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.Equal(t, "png:Oak", w.Body.String())

	w, resp := s.do(t, "GET", "/thumbnails/"+hash, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var st api.ThumbnailStatus
	require.NoError(t, json.Unmarshal(resp.Data, &st))
	assert.Equal(t, string(thumbnail.StatusReady), st.Status)

	w, resp = s.do(t, "POST", "/thumbnails", api.ThumbnailRequest{Hashes: []string{hash}, Priority: "visible"})
	require.Equal(t, http.StatusAccepted, w.Code)
	var statuses []api.ThumbnailStatus
	require.NoError(t, json.Unmarshal(resp.Data, &statuses))
	require.Len(t, statuses, 1)
	assert.Equal(t, hash, statuses[0].Hash)

	w, _ = s.do(t, "POST", "/thumbnails", api.ThumbnailRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, resp = s.do(t, "DELETE", "/thumbnails/"+hash, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(resp.Data), `"canceled":false`)

	w, _ = s.do(t, "GET", "/thumbnails/"+strings.Repeat("f", 64)+"/image", nil)
	assert.NotEqual(t, http.StatusOK, w.Code)
}

func TestThumbnailEventsWebsocket(t *testing.T) {
	s := setupTestAPI(t)
	srv := httptest.NewServer(s.api.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/thumbnails"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// give the handler time to subscribe before the render is queued
	time.Sleep(50 * time.Millisecond)
	s.sync(t, "ws.blend", material("Oak", 0.4))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var ev thumbnail.Event
		require.NoError(t, conn.ReadJSON(&ev))
		if ev.Status == thumbnail.StatusReady {
			assert.NotEmpty(t, ev.Hash)
			return
		}
	}
}

func TestBackupAndRestore(t *testing.T) {
	s := setupTestAPI(t)
	path := filepath.Join(s.dir, "backup.blend")
	s.sync(t, "backup.blend", material("Oak", 0.1))

	w, _ := s.do(t, "POST", "/projects/restore", api.BackupRequest{Path: path, Mode: "editing"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, resp := s.do(t, "POST", "/projects/backup", api.BackupRequest{Path: path, Mode: "editing", Name: "before"})
	require.Equal(t, http.StatusOK, w.Code, resp.Error)

	p, ok := s.engine.Project(path)
	require.True(t, ok)
	p.Assign("Cube", "")

	w, resp = s.do(t, "POST", "/projects/restore", api.BackupRequest{Path: path, Mode: "editing"})
	require.Equal(t, http.StatusOK, w.Code, resp.Error)
	_, objects := p.Snapshot()
	require.NotEmpty(t, objects)
	assert.Equal(t, []string{"Oak"}, objects[0].Slots)

	w, _ = s.do(t, "POST", "/projects/backup", api.BackupRequest{Path: path, Mode: "sideways"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := setupTestAPI(t)
	s.sync(t, "metrics.blend", material("Oak", 0.1))

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	s.api.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "matsync_")
}

func TestNewAPIRequiresEngine(t *testing.T) {
	_, err := api.NewAPI(nil, 0, nil)
	assert.Error(t, err)
}
