package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/3FT-io/matsync/pkg/core"
	"github.com/3FT-io/matsync/pkg/library"
	"github.com/3FT-io/matsync/pkg/localize"
	"github.com/3FT-io/matsync/pkg/merge"
	"github.com/3FT-io/matsync/pkg/project"
	"github.com/3FT-io/matsync/pkg/store"
	"github.com/3FT-io/matsync/pkg/thumbnail"
)

const maxBodyBytes = 64 << 20

type API struct {
	engine   *core.Engine
	logger   *zap.Logger
	router   *mux.Router
	handler  http.Handler
	server   *http.Server
	upgrader websocket.Upgrader
}

type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// ProjectRequest carries a project snapshot from the host. Either MTL
// names a material library file to load, or Materials and Objects are
// given inline. A request with only Path refers to an open project.
type ProjectRequest struct {
	Path      string              `json:"path"`
	Root      string              `json:"root,omitempty"`
	MTL       string              `json:"mtl,omitempty"`
	Materials []*project.Material `json:"materials,omitempty"`
	Objects   []*project.Object   `json:"objects,omitempty"`
}

type LocalizeRequest struct {
	Project  string   `json:"project"`
	Projects []string `json:"projects,omitempty"`
}

type ThumbnailRequest struct {
	Hashes   []string `json:"hashes"`
	Priority string   `json:"priority,omitempty"`
}

type BackupRequest struct {
	Path string `json:"path"`
	Mode string `json:"mode,omitempty"`
	Name string `json:"name,omitempty"`
}

type MaterialSummary struct {
	UUID      string `json:"uuid"`
	Name      string `json:"name"`
	IsUtility bool   `json:"is_utility"`
}

type SyncResponse struct {
	Report    *merge.Report     `json:"report"`
	Counts    map[string]int    `json:"counts"`
	Failures  []string          `json:"failures,omitempty"`
	Materials []MaterialSummary `json:"materials"`
	Aborted   string            `json:"aborted,omitempty"`
}

type ThumbnailStatus struct {
	Hash   string `json:"hash"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func NewAPI(engine *core.Engine, port int, logger *zap.Logger) (*API, error) {
	if engine == nil {
		return nil, errors.New("api needs an engine")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	api := &API{
		engine: engine,
		logger: logger.Named("api"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	api.router = mux.NewRouter()
	api.setupRoutes(api.router)

	// Setup CORS
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		ExposedHeaders:   []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	})
	api.handler = corsHandler.Handler(api.router)

	api.server = &http.Server{
		Addr:        fmt.Sprintf(":%d", port),
		Handler:     api.handler,
		ReadTimeout: 15 * time.Second,
		// synchronization of a large project can outlast a short write timeout
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return api, nil
}

func (api *API) setupRoutes(router *mux.Router) {
	// Health check
	router.HandleFunc("/health", api.HealthCheck).Methods("GET")

	// Projects
	router.HandleFunc("/projects", api.ListProjects).Methods("GET")
	router.HandleFunc("/projects/open", api.OpenProject).Methods("POST")
	router.HandleFunc("/projects/close", api.CloseProject).Methods("POST")
	router.HandleFunc("/projects/sync", api.SyncProject).Methods("POST")
	router.HandleFunc("/projects/localize", api.LocalizeAll).Methods("POST")
	router.HandleFunc("/projects/backup", api.Backup).Methods("POST")
	router.HandleFunc("/projects/restore", api.Restore).Methods("POST")

	// Library
	router.HandleFunc("/library", api.GetLibraryStatus).Methods("GET")
	router.HandleFunc("/library/trim", api.TrimLibrary).Methods("POST")
	router.HandleFunc("/library/{hash}", api.GetEntry).Methods("GET")
	router.HandleFunc("/materials/{uuid}/localize", api.LocalizeMaterial).Methods("POST")

	// Thumbnails
	router.HandleFunc("/thumbnails", api.RequestThumbnails).Methods("POST")
	router.HandleFunc("/thumbnails/{hash}", api.GetThumbnail).Methods("GET")
	router.HandleFunc("/thumbnails/{hash}/image", api.GetThumbnailImage).Methods("GET")
	router.HandleFunc("/thumbnails/{hash}", api.CancelThumbnail).Methods("DELETE")
	router.HandleFunc("/ws/thumbnails", api.ThumbnailEvents).Methods("GET")

	// Metrics
	router.Handle("/metrics", api.engine.Metrics().Handler()).Methods("GET")
}

// Handler returns the HTTP handler with CORS applied
func (api *API) Handler() http.Handler { return api.handler }

func (api *API) Start() error {
	api.logger.Info("Starting API server", zap.String("addr", api.server.Addr))
	return api.server.ListenAndServe()
}

func (api *API) Stop(ctx context.Context) error {
	return api.server.Shutdown(ctx)
}

// Health check handler
func (api *API) HealthCheck(w http.ResponseWriter, r *http.Request) {
	api.sendResponse(w, APIResponse{
		Success: true,
		Data: map[string]string{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		},
	})
}

func (api *API) ListProjects(w http.ResponseWriter, r *http.Request) {
	api.sendResponse(w, APIResponse{Success: true, Data: api.engine.Registry().Paths()})
}

// OpenProject registers a project snapshot and returns its material UUIDs
func (api *API) OpenProject(w http.ResponseWriter, r *http.Request) {
	var req ProjectRequest
	if !api.decode(w, r, &req) {
		return
	}
	p, err := api.buildProject(&req)
	if err != nil {
		api.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := api.engine.Open(r.Context(), p); err != nil {
		api.sendFailure(w, "Failed to open project", err)
		return
	}
	if _, _, err := api.engine.Resolver().ResolveAll(r.Context(), p); err != nil {
		api.sendFailure(w, "Failed to resolve materials", err)
		return
	}
	api.sendResponse(w, APIResponse{Success: true, Data: summarize(p)})
}

func (api *API) CloseProject(w http.ResponseWriter, r *http.Request) {
	var req ProjectRequest
	if !api.decode(w, r, &req) {
		return
	}
	if req.Path == "" {
		api.sendError(w, "path is required", http.StatusBadRequest)
		return
	}
	if err := api.engine.Close(r.Context(), req.Path); err != nil {
		api.sendFailure(w, "Failed to close project", err)
		return
	}
	api.sendResponse(w, APIResponse{Success: true, Message: "project closed"})
}

// SyncProject synchronizes a project. With ?async=true it returns 202 at
// once and the result is visible through /library.
func (api *API) SyncProject(w http.ResponseWriter, r *http.Request) {
	var req ProjectRequest
	if !api.decode(w, r, &req) {
		return
	}
	p, err := api.resolveProject(&req)
	if err != nil {
		api.sendFailure(w, "Unknown project", err)
		return
	}

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		api.engine.SyncAsync(p)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(APIResponse{Success: true, Message: "synchronization started"})
		return
	}

	report, err := api.engine.TriggerSync(r.Context(), p)
	if report == nil {
		api.sendFailure(w, "Failed to synchronize project", err)
		return
	}
	resp := SyncResponse{
		Report:    report,
		Counts:    make(map[string]int),
		Materials: summarize(p),
	}
	for outcome, n := range report.Counts() {
		resp.Counts[string(outcome)] = n
	}
	for _, f := range report.Failures {
		resp.Failures = append(resp.Failures, f.Error())
	}
	if err != nil {
		resp.Aborted = err.Error()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusFor(err))
		_ = json.NewEncoder(w).Encode(APIResponse{Success: false, Data: resp, Error: err.Error()})
		return
	}
	api.sendResponse(w, APIResponse{Success: true, Data: resp})
}

func (api *API) GetLibraryStatus(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		api.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}
	status, err := api.engine.Status(r.Context(), limit)
	if err != nil {
		api.sendFailure(w, "Failed to get library status", err)
		return
	}
	api.sendResponse(w, APIResponse{Success: true, Data: status})
}

func (api *API) GetEntry(w http.ResponseWriter, r *http.Request) {
	hash := mux.Vars(r)["hash"]
	entry, def, err := api.engine.Storage().Definition(r.Context(), hash)
	if err != nil {
		api.sendFailure(w, "Entry not found", err)
		return
	}
	api.sendResponse(w, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"entry":      entry,
			"definition": def,
		},
	})
}

func (api *API) TrimLibrary(w http.ResponseWriter, r *http.Request) {
	n, err := queryInt(r, "n", api.engine.Config().TrimBound)
	if err != nil || n < 0 {
		api.sendError(w, "n must be a non-negative integer", http.StatusBadRequest)
		return
	}
	deleted, err := api.engine.Trim(r.Context(), n)
	if err != nil {
		api.sendFailure(w, "Failed to trim library", err)
		return
	}
	if deleted == nil {
		deleted = []string{}
	}
	api.sendResponse(w, APIResponse{Success: true, Data: map[string]interface{}{"deleted": deleted}})
}

func (api *API) LocalizeMaterial(w http.ResponseWriter, r *http.Request) {
	var req LocalizeRequest
	if !api.decode(w, r, &req) {
		return
	}
	p, ok := api.engine.Project(req.Project)
	if !ok {
		api.sendFailure(w, "Unknown project", fmt.Errorf("%s: %w", req.Project, project.ErrUnknownProject))
		return
	}
	res, err := api.engine.Localize(r.Context(), p, mux.Vars(r)["uuid"])
	if err != nil {
		api.sendFailure(w, "Failed to localise material", err)
		return
	}
	api.sendResponse(w, APIResponse{Success: true, Data: res})
}

func (api *API) LocalizeAll(w http.ResponseWriter, r *http.Request) {
	var req LocalizeRequest
	if !api.decode(w, r, &req) {
		return
	}
	paths := req.Projects
	if req.Project != "" {
		paths = append(paths, req.Project)
	}
	if len(paths) == 0 {
		paths = api.engine.Registry().Paths()
	}
	var projects []*project.Project
	for _, path := range paths {
		p, ok := api.engine.Project(path)
		if !ok {
			api.sendFailure(w, "Unknown project", fmt.Errorf("%s: %w", path, project.ErrUnknownProject))
			return
		}
		projects = append(projects, p)
	}

	results, err := api.engine.LocalizeAll(r.Context(), projects...)
	if err != nil {
		api.sendFailure(w, "Localisation aborted", err)
		return
	}
	type outcome struct {
		*localize.Result
		Error string `json:"error,omitempty"`
	}
	out := make([]outcome, 0, len(results))
	for _, res := range results {
		o := outcome{Result: res}
		if res.Err != nil {
			o.Error = res.Err.Error()
		}
		out = append(out, o)
	}
	api.sendResponse(w, APIResponse{Success: true, Data: out})
}

func (api *API) RequestThumbnails(w http.ResponseWriter, r *http.Request) {
	var req ThumbnailRequest
	if !api.decode(w, r, &req) {
		return
	}
	if len(req.Hashes) == 0 {
		api.sendError(w, "hashes are required", http.StatusBadRequest)
		return
	}
	futures := api.engine.Thumbnails().RequestBatch(req.Hashes, thumbnail.ParsePriority(req.Priority))
	out := make([]ThumbnailStatus, 0, len(futures))
	for _, f := range futures {
		st := ThumbnailStatus{Hash: f.Hash(), Status: string(thumbnail.StatusPending)}
		if res, done := f.Result(); done {
			st.Status = string(res.Status)
			if res.Err != nil {
				st.Error = res.Err.Error()
			}
		}
		out = append(out, st)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(APIResponse{Success: true, Data: out})
}

func (api *API) GetThumbnail(w http.ResponseWriter, r *http.Request) {
	hash := mux.Vars(r)["hash"]
	status := api.engine.Thumbnails().Get(hash)
	api.sendResponse(w, APIResponse{Success: true, Data: ThumbnailStatus{Hash: hash, Status: string(status)}})
}

// GetThumbnailImage serves the PNG. With ?wait=<duration> a missing
// image is requested at Visible priority and awaited up to that long.
func (api *API) GetThumbnailImage(w http.ResponseWriter, r *http.Request) {
	hash := mux.Vars(r)["hash"]
	thumbs := api.engine.Thumbnails()

	img, err := thumbs.Image(r.Context(), hash)
	if err != nil && r.URL.Query().Get("wait") != "" {
		wait, perr := time.ParseDuration(r.URL.Query().Get("wait"))
		if perr != nil {
			api.sendError(w, "invalid wait duration", http.StatusBadRequest)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		defer cancel()
		res, werr := thumbs.Request(hash, thumbnail.Visible).Wait(ctx)
		switch {
		case werr != nil:
			err = werr
		case res.Status == thumbnail.StatusReady:
			img, err = res.Image, nil
		default:
			err = res.Err
		}
	}
	if err != nil {
		api.sendFailure(w, "Thumbnail not available", err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.Header().Set("Content-Length", strconv.Itoa(len(img)))
	if _, err := w.Write(img); err != nil {
		api.logger.Debug("Failed to write thumbnail", zap.String("hash", hash), zap.Error(err))
	}
}

func (api *API) CancelThumbnail(w http.ResponseWriter, r *http.Request) {
	hash := mux.Vars(r)["hash"]
	canceled := api.engine.Thumbnails().Cancel(hash)
	api.sendResponse(w, APIResponse{Success: true, Data: map[string]bool{"canceled": canceled}})
}

// ThumbnailEvents streams finished thumbnail requests as JSON messages
func (api *API) ThumbnailEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := api.upgrader.Upgrade(w, r, nil)
	if err != nil {
		api.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	events, unsubscribe := api.engine.Thumbnails().Subscribe()
	defer unsubscribe()

	// the read side only exists to notice the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

func (api *API) Backup(w http.ResponseWriter, r *http.Request) {
	var req BackupRequest
	if !api.decode(w, r, &req) {
		return
	}
	p, mode, ok := api.backupTarget(w, &req)
	if !ok {
		return
	}
	snap, err := api.engine.Backup(r.Context(), p, mode, req.Name)
	if err != nil {
		api.sendFailure(w, "Failed to create backup", err)
		return
	}
	api.sendResponse(w, APIResponse{Success: true, Data: snap})
}

func (api *API) Restore(w http.ResponseWriter, r *http.Request) {
	var req BackupRequest
	if !api.decode(w, r, &req) {
		return
	}
	p, mode, ok := api.backupTarget(w, &req)
	if !ok {
		return
	}
	restore, err := api.engine.RestoreBackup(r.Context(), p, mode)
	if err != nil {
		api.sendFailure(w, "Failed to restore backup", err)
		return
	}
	api.sendResponse(w, APIResponse{Success: true, Data: restore})
}

func (api *API) backupTarget(w http.ResponseWriter, req *BackupRequest) (*project.Project, store.Mode, bool) {
	mode, err := store.ParseMode(req.Mode)
	if err != nil {
		api.sendError(w, err.Error(), http.StatusBadRequest)
		return nil, "", false
	}
	p, ok := api.engine.Project(req.Path)
	if !ok {
		api.sendFailure(w, "Unknown project", fmt.Errorf("%s: %w", req.Path, project.ErrUnknownProject))
		return nil, "", false
	}
	return p, mode, true
}

// resolveProject returns the open project for a path-only request and a
// fresh snapshot otherwise
func (api *API) resolveProject(req *ProjectRequest) (*project.Project, error) {
	if req.MTL == "" && req.Materials == nil && req.Objects == nil {
		if p, ok := api.engine.Project(req.Path); ok {
			return p, nil
		}
		return nil, fmt.Errorf("%s: %w", req.Path, project.ErrUnknownProject)
	}
	return api.buildProject(req)
}

func (api *API) buildProject(req *ProjectRequest) (*project.Project, error) {
	var p *project.Project
	if req.MTL != "" {
		loaded, err := project.LoadMTL(req.MTL)
		if err != nil {
			return nil, err
		}
		p = loaded
		if req.Path != "" {
			p.Path = req.Path
		}
	} else {
		if req.Path == "" {
			return nil, errors.New("path is required")
		}
		p = project.New(req.Path)
		p.Materials = req.Materials
	}
	if req.Root != "" {
		p.Root = req.Root
	} else if p.Root == "" {
		p.Root = filepath.Dir(p.Path)
	}
	p.Objects = req.Objects
	for i, m := range p.Materials {
		if m == nil || m.Name == "" {
			return nil, fmt.Errorf("material %d has no name", i)
		}
		if m.Definition == nil {
			return nil, fmt.Errorf("material %q has no definition", m.Name)
		}
	}
	return p, nil
}

func summarize(p *project.Project) []MaterialSummary {
	materials, _ := p.Snapshot()
	out := make([]MaterialSummary, 0, len(materials))
	for _, m := range materials {
		out = append(out, MaterialSummary{UUID: m.UUID, Name: m.Name, IsUtility: m.IsUtility})
	}
	return out
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", key)
	}
	return n, nil
}

// statusFor maps engine errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, library.ErrNotFound),
		errors.Is(err, project.ErrUnknownProject),
		errors.Is(err, core.ErrNoBackup):
		return http.StatusNotFound
	case errors.Is(err, localize.ErrNotLinked):
		return http.StatusConflict
	case errors.Is(err, store.ErrStoreUnavailable),
		errors.Is(err, core.ErrStopped),
		errors.Is(err, thumbnail.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// Helper functions
func (api *API) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		api.sendError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (api *API) sendResponse(w http.ResponseWriter, response APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (api *API) sendFailure(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		api.logger.Error(message, zap.Error(err))
	}
	api.sendError(w, fmt.Sprintf("%s: %v", message, err), status)
}

func (api *API) sendError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIResponse{
		Success: false,
		Error:   message,
	})
}
