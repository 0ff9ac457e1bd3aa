package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MimeLyc/procmap-orchestrator/internal/config"
	"github.com/MimeLyc/procmap-orchestrator/internal/persistence"
	"github.com/MimeLyc/procmap-orchestrator/internal/remote"
	"github.com/MimeLyc/procmap-orchestrator/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

// processingBackend stands in for the remote processing service.
type processingBackend struct {
	mu         sync.Mutex
	nextID     int
	runs       map[string]remote.RunState
	advances   []string
	advanceErr bool
	exports    map[string]string
	chatReply  string
}

func newProcessingBackend(t *testing.T) (*processingBackend, *httptest.Server) {
	t.Helper()
	b := &processingBackend{
		runs:    make(map[string]remote.RunState),
		exports: make(map[string]string),
	}

	r := chi.NewRouter()
	r.Post("/upload", func(w http.ResponseWriter, r *http.Request) {
		file, _, err := r.FormFile("file")
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "No file part"})
			return
		}
		_, _ = io.Copy(io.Discard, file)
		b.mu.Lock()
		b.nextID++
		id := fmt.Sprintf("r%d", b.nextID)
		b.runs[id] = remote.RunState{Status: "processing"}
		b.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]string{"run_id": id, "status": "processing"})
	})
	r.Get("/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		run, ok := b.runs[chi.URLParam(r, "id")]
		b.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "Run not found"})
			return
		}
		run.ID = remote.RunID(chi.URLParam(r, "id"))
		writeJSON(w, http.StatusOK, run)
	})
	r.Post("/runs/{id}/process/{step}", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.advances = append(b.advances, chi.URLParam(r, "id")+"/"+chi.URLParam(r, "step"))
		if b.advanceErr {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "worker unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
	})
	r.Get("/runs/{id}/export/{kind}", func(w http.ResponseWriter, r *http.Request) {
		kind := chi.URLParam(r, "kind")
		b.mu.Lock()
		content, ok := b.exports[chi.URLParam(r, "id")+"/"+kind]
		b.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusOK, map[string]any{"content": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"content": content, "filename": kind + ".md"})
	})
	r.Post("/chat_response", func(w http.ResponseWriter, r *http.Request) {
		var req remote.ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad json"})
			return
		}
		b.mu.Lock()
		reply := b.chatReply
		b.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]string{"text": reply})
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return b, srv
}

func (b *processingBackend) setRun(id string, run remote.RunState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.runs[id] = run
}

func (b *processingBackend) setAdvanceErr(fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceErr = fail
}

func (b *processingBackend) advanceCalls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.advances...)
}

// newTestServer wires the API to a real service talking to a fake backend.
func newTestServer(t *testing.T, opts ...Option) (*Server, *service.Service, *processingBackend) {
	t.Helper()
	backend, backendSrv := newProcessingBackend(t)

	client, err := remote.NewClient(&remote.Config{BaseURL: backendSrv.URL, Timeout: 5 * time.Second})
	require.NoError(t, err)

	store, err := persistence.NewSQLiteStore(t.TempDir() + "/procmap.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.Config{
		Pipeline: config.PipelineConfig{
			PollInterval:    time.Second,
			PollConcurrency: 2,
			ChatTimeout:     5 * time.Second,
		},
		System: config.SystemConfig{OutputDir: t.TempDir()},
	}
	svc := service.New(cfg, client, store, nil)
	t.Cleanup(svc.Close)

	return NewServer(svc, opts...), svc, backend
}
