package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/relayq/relayq/internal/campaign"
	"github.com/relayq/relayq/internal/job"
	"github.com/relayq/relayq/internal/metrics"
	"github.com/relayq/relayq/internal/timeparse"
)

// JobRequest is the request body for POST /api/v1/jobs
type JobRequest struct {
	Recipient   string            `json:"recipient"`
	TemplateRef string            `json:"template_ref,omitempty"`
	Subject     string            `json:"subject,omitempty"`
	BodyText    string            `json:"body_text,omitempty"`
	BodyHTML    string            `json:"body_html,omitempty"`
	Vars        map[string]string `json:"vars,omitempty"`
	Attachments []string          `json:"attachments,omitempty"`

	// ScheduleAt accepts the scheduling grammar: "now", "in 2 hours",
	// "tomorrow 9am", or an absolute timestamp. Empty means now.
	ScheduleAt string `json:"schedule_at,omitempty"`
}

// JobResponse is the job representation returned by the API
type JobResponse struct {
	ID           string    `json:"id"`
	Recipient    string    `json:"recipient"`
	State        string    `json:"state"`
	NotBefore    time.Time `json:"not_before"`
	AttemptCount int       `json:"attempt_count"`
	LastError    string    `json:"last_error,omitempty"`
	CampaignID   string    `json:"campaign_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// CampaignRequest is the request body for POST /api/v1/campaigns
type CampaignRequest struct {
	// CSV is the recipient list: a header row with an email column,
	// one recipient per row.
	CSV string `json:"csv"`

	TemplateRef string            `json:"template_ref,omitempty"`
	Subject     string            `json:"subject,omitempty"`
	BodyText    string            `json:"body_text,omitempty"`
	BodyHTML    string            `json:"body_html,omitempty"`
	Vars        map[string]string `json:"vars,omitempty"`
	Attachments []string          `json:"attachments,omitempty"`
	ScheduleAt  string            `json:"schedule_at,omitempty"`
	SkipInvalid bool              `json:"skip_invalid,omitempty"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status string     `json:"status"`
	Uptime string     `json:"uptime"`
	Queue  *job.Stats `json:"queue,omitempty"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

func jobResponse(j *job.Job) JobResponse {
	return JobResponse{
		ID:           j.ID,
		Recipient:    j.Recipient,
		State:        string(j.State),
		NotBefore:    j.NotBefore,
		AttemptCount: j.AttemptCount,
		LastError:    j.LastError,
		CampaignID:   j.CampaignID,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
	}
}

// handleCreateJob handles POST /api/v1/jobs
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req JobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	notBefore, ok := s.parseSchedule(w, req.ScheduleAt)
	if !ok {
		return
	}

	j := &job.Job{
		Recipient:   req.Recipient,
		TemplateRef: req.TemplateRef,
		Subject:     req.Subject,
		BodyText:    req.BodyText,
		BodyHTML:    req.BodyHTML,
		Vars:        req.Vars,
		Attachments: req.Attachments,
		NotBefore:   notBefore,
	}

	if err := s.store.Create(r.Context(), j); err != nil {
		var verr *job.ValidationError
		if errors.As(err, &verr) {
			s.sendError(w, http.StatusBadRequest, verr.Reason)
			return
		}
		s.logger.Error("failed to create job", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to create job")
		return
	}

	s.logger.Info("job created via API",
		"id", j.ID,
		"recipient", j.Recipient,
		"not_before", j.NotBefore,
	)
	metrics.IncJobsCreated("api")

	s.sendJSON(w, http.StatusAccepted, jobResponse(j))
}

// handleGetJob handles GET /api/v1/jobs/{id}
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	j, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to get job", "id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get job")
		return
	}
	if j == nil {
		s.sendError(w, http.StatusNotFound, "Job not found")
		return
	}

	s.sendJSON(w, http.StatusOK, jobResponse(j))
}

// handleListJobs handles GET /api/v1/jobs
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	filter := job.ListFilter{
		CampaignID: r.URL.Query().Get("campaign_id"),
		Limit:      100,
	}

	if state := r.URL.Query().Get("state"); state != "" {
		filter.State = job.State(state)
		if !filter.State.Valid() {
			s.sendError(w, http.StatusBadRequest, "Unknown state: "+state)
			return
		}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.sendError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		filter.Limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.sendError(w, http.StatusBadRequest, "Invalid offset")
			return
		}
		filter.Offset = n
	}

	jobs, err := s.store.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list jobs", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}

	out := make([]JobResponse, len(jobs))
	for i, j := range jobs {
		out[i] = jobResponse(j)
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

// handleCancelJob handles DELETE /api/v1/jobs/{id}
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	j, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to get job", "id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get job")
		return
	}
	if j == nil {
		s.sendError(w, http.StatusNotFound, "Job not found")
		return
	}

	cancelled, err := s.store.Cancel(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to cancel job", "id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to cancel job")
		return
	}
	if !cancelled {
		s.sendError(w, http.StatusConflict, "Job is not pending")
		return
	}

	s.logger.Info("job cancelled via API", "id", id)
	metrics.IncJobsCancelled()
	w.WriteHeader(http.StatusNoContent)
}

// handleStats handles GET /api/v1/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.logger.Error("failed to get stats", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get stats")
		return
	}
	s.sendJSON(w, http.StatusOK, stats)
}

// handleCreateCampaign handles POST /api/v1/campaigns
func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req CampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.CSV) == "" {
		s.sendError(w, http.StatusBadRequest, "csv is required")
		return
	}

	notBefore, ok := s.parseSchedule(w, req.ScheduleAt)
	if !ok {
		return
	}

	proto := &job.Job{
		TemplateRef: req.TemplateRef,
		Subject:     req.Subject,
		BodyText:    req.BodyText,
		BodyHTML:    req.BodyHTML,
		Vars:        req.Vars,
		Attachments: req.Attachments,
		NotBefore:   notBefore,
	}

	result, err := s.expander.Expand(r.Context(), strings.NewReader(req.CSV), proto,
		campaign.Options{SkipInvalid: req.SkipInvalid})
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	metrics.AddJobsCreated("campaign", result.Created)
	s.sendJSON(w, http.StatusAccepted, result)
}

// handleCampaignSummary handles GET /api/v1/campaigns/{id}
func (s *Server) handleCampaignSummary(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sum, err := s.store.CampaignSummary(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to get campaign summary", "id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get campaign summary")
		return
	}
	if sum.Total == 0 {
		s.sendError(w, http.StatusNotFound, "Campaign not found")
		return
	}
	s.sendJSON(w, http.StatusOK, sum)
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, _ := s.store.Stats(r.Context())

	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Uptime: time.Since(s.startTime).String(),
		Queue:  stats,
	})
}

// parseSchedule resolves a schedule expression, writing the error response
// itself when the expression is bad.
func (s *Server) parseSchedule(w http.ResponseWriter, expr string) (time.Time, bool) {
	if expr == "" {
		return time.Time{}, true // zero means now, the store fills it in
	}
	at, err := timeparse.Parse(expr, time.Now(), s.location)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return time.Time{}, false
	}
	return at, true
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}
