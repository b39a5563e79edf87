package main

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quantpipe-labs/quantpipe-go/internal/domain"
	"github.com/quantpipe-labs/quantpipe-go/internal/repo"
)

type templateResponse struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Config    domain.Metadata `json:"config"`
	IsDefault bool            `json:"is_default"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func toTemplateResponse(t domain.PipelineTemplate) templateResponse {
	return templateResponse{
		ID:        t.ID,
		Name:      t.Name,
		Config:    t.Config,
		IsDefault: t.IsDefault,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
}

func (api *serverAPI) registerTemplates(mux *http.ServeMux) {
	mux.HandleFunc("POST /templates", api.handleCreateTemplate)
	mux.HandleFunc("GET /templates", api.handleListTemplates)
	mux.HandleFunc("GET /templates/{template_id}", api.handleGetTemplate)
	mux.HandleFunc("PUT /templates/{template_id}", api.handleUpdateTemplate)
	mux.HandleFunc("DELETE /templates/{template_id}", api.handleDeleteTemplate)
	mux.HandleFunc("POST /templates/{template_id}/set-default", api.handleSetDefaultTemplate)
}

type templateRequest struct {
	Name      string          `json:"name"`
	Config    domain.Metadata `json:"config"`
	IsDefault bool            `json:"is_default"`
}

func (api *serverAPI) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var body templateRequest
	if err := decodeBody(r, &body); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "bad_request")
		return
	}
	if strings.TrimSpace(body.Name) == "" {
		api.writeValidationError(w, r, "name is required")
		return
	}
	now := time.Now().UTC()
	template := domain.PipelineTemplate{
		ID:        uuid.NewString(),
		Name:      strings.TrimSpace(body.Name),
		Config:    body.Config,
		IsDefault: body.IsDefault,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := api.store.Templates().CreateTemplate(r.Context(), template); err != nil {
		api.internalError(w, r, err)
		return
	}
	if template.IsDefault {
		if err := api.store.Templates().SetDefaultTemplate(r.Context(), template.ID); err != nil {
			api.internalError(w, r, err)
			return
		}
	}
	api.writeJSON(w, http.StatusCreated, toTemplateResponse(template))
}

func (api *serverAPI) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	filter := repo.TemplateFilter{
		Limit:  clampInt(parseIntQuery(r, "limit", 50), 1, 500),
		Offset: clampInt(parseIntQuery(r, "offset", 0), 0, 1<<30),
	}
	templates, err := api.store.Templates().ListTemplates(r.Context(), filter)
	if err != nil {
		api.internalError(w, r, err)
		return
	}
	out := make([]templateResponse, 0, len(templates))
	for _, t := range templates {
		out = append(out, toTemplateResponse(t))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"templates": out})
}

func (api *serverAPI) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	templateID := strings.TrimSpace(r.PathValue("template_id"))
	template, err := api.store.Templates().GetTemplate(r.Context(), templateID)
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, toTemplateResponse(template))
}

func (api *serverAPI) handleUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	templateID := strings.TrimSpace(r.PathValue("template_id"))
	existing, err := api.store.Templates().GetTemplate(r.Context(), templateID)
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	var body templateRequest
	if err := decodeBody(r, &body); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "bad_request")
		return
	}
	if strings.TrimSpace(body.Name) != "" {
		existing.Name = strings.TrimSpace(body.Name)
	}
	if body.Config != nil {
		existing.Config = body.Config
	}
	existing.UpdatedAt = time.Now().UTC()
	if err := api.store.Templates().UpdateTemplate(r.Context(), existing); err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, toTemplateResponse(existing))
}

func (api *serverAPI) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	templateID := strings.TrimSpace(r.PathValue("template_id"))
	if err := api.store.Templates().DeleteTemplate(r.Context(), templateID); err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (api *serverAPI) handleSetDefaultTemplate(w http.ResponseWriter, r *http.Request) {
	templateID := strings.TrimSpace(r.PathValue("template_id"))
	if err := api.store.Templates().SetDefaultTemplate(r.Context(), templateID); err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	template, err := api.store.Templates().GetTemplate(r.Context(), templateID)
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, toTemplateResponse(template))
}
