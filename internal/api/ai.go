package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/civiclens/civiclens/internal/core"
	"github.com/civiclens/civiclens/internal/workflow"
)

type queryRequest struct {
	Query string `json:"query"`
}

func (h *APIHandler) ClassifyHandler(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err, "")
		return
	}
	category, err := h.ai.Classify(r.Context(), req.Query)
	if err != nil {
		writeError(w, r, err, "Failed to classify query")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"category": category})
}

func (h *APIHandler) ExtractHandler(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err, "")
		return
	}
	extraction, err := h.ai.Extract(r.Context(), req.Query)
	if err != nil {
		writeError(w, r, err, "Failed to extract entities")
		return
	}
	writeJSON(w, http.StatusOK, extraction)
}

type documentRequest struct {
	Type   string            `json:"type"`
	Params map[string]string `json:"params"`
}

func (h *APIHandler) GenerateDocumentHandler(w http.ResponseWriter, r *http.Request) {
	var req documentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err, "")
		return
	}
	if req.Type == "" || req.Params == nil {
		errorJSON(w, http.StatusBadRequest, "Type and params are required")
		return
	}
	doc, err := h.ai.GenerateDocument(r.Context(), req.Type, req.Params)
	if err != nil {
		writeError(w, r, err, "Failed to generate document")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"document": doc})
}

func (h *APIHandler) ModelQueryHandler(w http.ResponseWriter, r *http.Request) {
	var req core.QueryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err, "")
		return
	}
	res, err := h.ai.Query(r.Context(), req)
	if err != nil {
		writeError(w, r, err, "Failed to process query")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type modelStatusResponse struct {
	Success bool `json:"success"`
	core.SecondaryStatus
}

func (h *APIHandler) ModelStatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, modelStatusResponse{Success: true, SecondaryStatus: h.ai.ModelStatus(r.Context())})
}

// TrainModelHandler returns fine-tuning instructions for the secondary model.
// Only the configured training file is ever inspected.
func (h *APIHandler) TrainModelHandler(w http.ResponseWriter, r *http.Request) {
	plan, err := core.NewTrainingPlan(h.cfg.TrainingConfigPath, h.cfg.TrainingCommand)
	if errors.Is(err, core.ErrNotFound) {
		errorJSON(w, http.StatusNotFound, "Training config file not found")
		return
	}
	if err != nil {
		writeError(w, r, err, "Failed to get training instructions")
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

type triggerRequest struct {
	WorkflowID string         `json:"workflowId"`
	Namespace  string         `json:"namespace"`
	Inputs     map[string]any `json:"inputs"`
}

func (h *APIHandler) TriggerWorkflowHandler(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err, "")
		return
	}
	if strings.TrimSpace(req.WorkflowID) == "" {
		errorJSON(w, http.StatusBadRequest, "workflowId is required")
		return
	}
	exec, err := h.workflows.Trigger(r.Context(), req.Namespace, req.WorkflowID, req.Inputs)
	if err != nil {
		writeError(w, r, err, "Failed to trigger workflow")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"execution": exec})
}

func (h *APIHandler) ExecutionStatusHandler(w http.ResponseWriter, r *http.Request) {
	exec, err := h.workflows.Execution(r.Context(), chi.URLParam(r, "executionID"))
	if err != nil {
		writeError(w, r, err, "Failed to fetch execution status")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "execution": exec})
}

func (h *APIHandler) EligibilityHandler(w http.ResponseWriter, r *http.Request) {
	var req workflow.EligibilityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err, "")
		return
	}
	if req.PDFURL == "" || req.SchemeName == "" {
		errorJSON(w, http.StatusBadRequest, "pdf_url and scheme_name are required")
		return
	}
	res, err := h.workflows.ExtractEligibility(r.Context(), req)
	if err != nil {
		writeError(w, r, err, "Failed to trigger eligibility extraction")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"executionId": res.ExecutionID,
		"outputUri":   res.OutputURI,
		"message":     "Eligibility extraction workflow triggered successfully",
	})
}

type autocompleteRequest struct {
	UserQuery string `json:"user_query"`
}

func (h *APIHandler) AutocompleteHandler(w http.ResponseWriter, r *http.Request) {
	var req autocompleteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err, "")
		return
	}
	if strings.TrimSpace(req.UserQuery) == "" {
		errorJSON(w, http.StatusBadRequest, "user_query is required")
		return
	}
	exec, err := h.workflows.Autocomplete(r.Context(), req.UserQuery)
	if err != nil {
		writeError(w, r, err, "Failed to generate autocomplete suggestions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"executionId": exec.ID,
		"data":        exec.Value,
	})
}

func (h *APIHandler) SchemeUpdatesHandler(w http.ResponseWriter, r *http.Request) {
	id, err := h.workflows.RefreshSchemes(r.Context())
	if err != nil {
		writeError(w, r, err, "Failed to trigger scheme updates workflow")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"success":     true,
		"executionId": id,
		"message":     "Scheme updates workflow triggered successfully",
	})
}
