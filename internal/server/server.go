package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"startrails/internal/pipeline"
	"startrails/internal/storage"
	"startrails/internal/trails"
)

// Runner is the part of the pipeline the server drives.
type Runner interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Event, func())
	Busy() bool
}

// Defaults fill in request fields a client leaves out.
type Defaults struct {
	ImageOutput string
	VideoOutput string
	FPS         int
}

// Server exposes run submission, history and live progress over HTTP.
type Server struct {
	addr     string
	store    *storage.Store
	pipeline Runner
	defaults Defaults
	hub      *hub
	log      *slog.Logger
	server   *http.Server
}

// NewServer wires the HTTP surface. store may be nil, which disables history routes.
func NewServer(addr string, store *storage.Store, pipe Runner, defaults Defaults, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if defaults.FPS <= 0 {
		defaults.FPS = 30
	}
	return &Server{
		addr:     addr,
		store:    store,
		pipeline: pipe,
		defaults: defaults,
		hub:      newHub(log),
		log:      log,
	}
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go s.RunHub(ctx)

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down server...")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("Server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// RunHub forwards pipeline events to websocket clients until ctx is cancelled.
func (s *Server) RunHub(ctx context.Context) {
	events, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	go s.hub.run(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			s.hub.send(ctx, payload)
		}
	}
}

// Routes returns the router for all endpoints.
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/runs", s.handleRuns).Methods("GET")
	r.HandleFunc("/runs", s.handleSubmit).Methods("POST")
	r.HandleFunc("/runs/{id}", s.handleRun).Methods("GET")
	r.HandleFunc("/stream", s.handleStream).Methods("GET")
	r.HandleFunc("/ws", s.hub.handleWebSocket).Methods("GET")
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "busy": s.pipeline.Busy()})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "run history disabled", http.StatusNotImplemented)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := s.store.RecentRuns(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []storage.RunRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

type runDetail struct {
	storage.RunRecord
	Meta    map[string]any         `json:"meta,omitempty"`
	Skipped []storage.SkippedImage `json:"skipped_images,omitempty"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "run history disabled", http.StatusNotImplemented)
		return
	}
	id := mux.Vars(r)["id"]
	rec, err := s.store.Run(id)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	detail := runDetail{RunRecord: rec}
	if meta, err := s.store.RunMeta(id); err == nil {
		detail.Meta = meta
	}
	if skipped, err := s.store.SkippedImages(id); err == nil {
		detail.Skipped = skipped
	}
	writeJSON(w, http.StatusOK, detail)
}

// RunRequest is the POST /runs body.
type RunRequest struct {
	Mode       string `json:"mode"`
	Pattern    string `json:"pattern"`
	Output     string `json:"output"`
	FPS        int    `json:"fps"`
	Frames     int    `json:"frames"`
	Preprocess bool   `json:"preprocess"`
	TempDir    string `json:"temp_dir"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	job, images, err := s.buildJob(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.pipeline.Submit(job); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, pipeline.ErrBusy) {
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}
	s.log.Info("run submitted", "id", job.ID, "mode", job.Type, "images", images)
	writeJSON(w, http.StatusAccepted, map[string]any{"id": job.ID, "mode": job.Type, "images": images, "output": job.Output})
}

// buildJob validates req the way an interactive front end would before starting: the
// pattern must match files and video outputs must carry a supported extension.
func (s *Server) buildJob(req RunRequest) (pipeline.Job, int, error) {
	if strings.TrimSpace(req.Pattern) == "" {
		return pipeline.Job{}, 0, errors.New("pattern is required")
	}
	paths, err := trails.Resolve(req.Pattern)
	if err != nil {
		return pipeline.Job{}, 0, err
	}

	opts := map[string]any{}
	if req.Preprocess {
		opts["preprocess"] = true
	}

	switch pipeline.JobType(req.Mode) {
	case pipeline.JobImage:
		output := req.Output
		if output == "" {
			output = s.defaults.ImageOutput
		}
		if req.TempDir != "" {
			opts["tempDir"] = req.TempDir
		}
		opts["images"] = paths
		return pipeline.Job{ID: pipeline.NewJobID(pipeline.JobImage), Type: pipeline.JobImage, Pattern: req.Pattern, Output: output, Options: opts}, len(paths), nil

	case pipeline.JobVideo:
		output := req.Output
		if output == "" {
			output = s.defaults.VideoOutput
		}
		if _, err := trails.CodecFor(output); err != nil {
			return pipeline.Job{}, 0, err
		}
		if req.FPS < 0 || req.Frames < 0 {
			return pipeline.Job{}, 0, errors.New("fps and frames must not be negative")
		}
		fps := req.FPS
		if fps == 0 {
			fps = s.defaults.FPS
		}
		opts["fps"] = fps
		if req.Frames > 0 {
			opts["frames"] = req.Frames
		}
		opts["images"] = paths
		return pipeline.Job{ID: pipeline.NewJobID(pipeline.JobVideo), Type: pipeline.JobVideo, Pattern: req.Pattern, Output: filepath.Clean(output), Options: opts}, len(paths), nil

	default:
		return pipeline.Job{}, 0, errors.New(`mode must be "image" or "video"`)
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload, _ := json.Marshal(ev)
			_, _ = w.Write([]byte("event: " + string(ev.Type) + "\ndata: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
