package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/relayq/relayq/internal/template"
)

// TemplateRequest is the request body for POST /api/v1/templates
type TemplateRequest struct {
	Name    string `json:"name"`
	Subject string `json:"subject"`
	HTML    string `json:"html,omitempty"`
	Text    string `json:"text,omitempty"`
}

// handleSaveTemplate handles POST /api/v1/templates
func (s *Server) handleSaveTemplate(w http.ResponseWriter, r *http.Request) {
	if s.templates == nil {
		s.sendError(w, http.StatusNotImplemented, "Template storage is disabled")
		return
	}

	var req TemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	tpl := &template.Template{
		Name:    req.Name,
		Subject: req.Subject,
		HTML:    req.HTML,
		Text:    req.Text,
	}
	if err := s.templates.Save(tpl); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.logger.Info("template saved via API", "name", tpl.Name)
	s.sendJSON(w, http.StatusOK, tpl)
}

// handleListTemplates handles GET /api/v1/templates
func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	if s.templates == nil {
		s.sendError(w, http.StatusNotImplemented, "Template storage is disabled")
		return
	}

	templates, err := s.templates.List(template.ListFilter{
		Search: r.URL.Query().Get("search"),
	})
	if err != nil {
		s.logger.Error("failed to list templates", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list templates")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"templates": templates})
}

// handleGetTemplate handles GET /api/v1/templates/{name}
func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	if s.templates == nil {
		s.sendError(w, http.StatusNotImplemented, "Template storage is disabled")
		return
	}

	name := chi.URLParam(r, "name")
	tpl, err := s.templates.Get(name)
	if err != nil {
		s.logger.Error("failed to get template", "name", name, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get template")
		return
	}
	if tpl == nil {
		s.sendError(w, http.StatusNotFound, "Template not found")
		return
	}
	s.sendJSON(w, http.StatusOK, tpl)
}

// handleDeleteTemplate handles DELETE /api/v1/templates/{name}
func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	if s.templates == nil {
		s.sendError(w, http.StatusNotImplemented, "Template storage is disabled")
		return
	}

	name := chi.URLParam(r, "name")
	deleted, err := s.templates.Delete(name)
	if err != nil {
		s.logger.Error("failed to delete template", "name", name, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to delete template")
		return
	}
	if !deleted {
		s.sendError(w, http.StatusNotFound, "Template not found")
		return
	}

	s.logger.Info("template deleted via API", "name", name)
	w.WriteHeader(http.StatusNoContent)
}
