package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/MimeLyc/procmap-orchestrator/internal/jobs"
	"github.com/MimeLyc/procmap-orchestrator/internal/service"
	"github.com/go-chi/chi/v5"
)

// multipart overhead allowed on top of the file itself
const formOverhead = 1 << 20

func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	list, selected, _ := s.svc.Registry().Snapshot()
	writeJSON(w, http.StatusOK, newJobViews(list, selected))
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, service.MaxUploadSize+formOverhead)
	if err := r.ParseMultipartForm(formOverhead); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	if err := service.CheckUpload(header.Filename, header.Size); err != nil {
		s.svc.Notices().Report("", err)
		writeServiceError(w, err)
		return
	}

	job, err := s.svc.Submit(r.Context(), header.Filename, file)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newJobView(job, s.svc.Registry().SelectedID()))
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.svc.Registry().Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, newJobView(job, s.svc.Registry().SelectedID()))
}

func (s *Server) handleRemoveJob(w http.ResponseWriter, r *http.Request) {
	if !s.svc.Remove(chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.svc.Select(id); err != nil {
		writeServiceError(w, err)
		return
	}
	job, _ := s.svc.Registry().Get(id)
	writeJSON(w, http.StatusOK, newJobView(job, id))
}

func (s *Server) handleSelected(w http.ResponseWriter, _ *http.Request) {
	job, ok := s.svc.Registry().Selected()
	if !ok {
		writeError(w, http.StatusNotFound, "no job selected")
		return
	}
	writeJSON(w, http.StatusOK, newJobView(job, job.ID))
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	stage, err := jobs.ParseStage(chi.URLParam(r, "stage"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.svc.Advance(r.Context(), id, stage); err != nil {
		writeServiceError(w, err)
		return
	}
	job, _ := s.svc.Registry().Get(id)
	writeJSON(w, http.StatusAccepted, newJobView(job, s.svc.Registry().SelectedID()))
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	stage, err := jobs.ParseStage(chi.URLParam(r, "stage"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	artifact, err := s.svc.Export(r.Context(), chi.URLParam(r, "id"), stage)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newArtifactView(artifact))
}

func (s *Server) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	artifacts, err := s.svc.Artifacts(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	ret := make([]artifactView, 0, len(artifacts))
	for _, a := range artifacts {
		ret = append(ret, newArtifactView(a))
	}
	writeJSON(w, http.StatusOK, ret)
}

func (s *Server) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.svc.ChatHistory(chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

type chatRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	reply, err := s.svc.Chat(r.Context(), chi.URLParam(r, "id"), req.Text)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleNotices(w http.ResponseWriter, r *http.Request) {
	var since int64
	if raw := r.URL.Query().Get("since"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid since")
			return
		}
		since = n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"last":    s.svc.Notices().Last(),
		"notices": s.svc.Notices().Since(since),
	})
}

// statusFor maps a pipeline error to the response code.
func statusFor(err error) int {
	var pErr *service.PipelineError
	if !errors.As(err, &pErr) {
		return http.StatusInternalServerError
	}
	switch pErr.Type {
	case service.ErrValidation:
		return http.StatusBadRequest
	case service.ErrNotFound:
		return http.StatusNotFound
	case service.ErrUpload, service.ErrAdvanceRequest, service.ErrExport, service.ErrChat, service.ErrTransientFetch:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	var pErr *service.PipelineError
	msg := err.Error()
	if errors.As(err, &pErr) {
		msg = pErr.Message
		if pErr.Cause != nil {
			msg += ": " + pErr.Cause.Error()
		}
	}
	writeJSON(w, statusFor(err), map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}
