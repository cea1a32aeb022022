package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/umputun/hireboard/app/store"
)

// createdAtFormat keeps timestamps in the form sqlite's CURRENT_TIMESTAMP produces, existing clients expect it
const createdAtFormat = "2006-01-02 15:04:05"

// APIApplicantsResponse is the JSON response for /api/applicants
type APIApplicantsResponse struct {
	Results []json.RawMessage `json:"results"`
}

// APISaveResponse is the JSON response for a saved setting
type APISaveResponse struct {
	Message string `json:"message"`
	ID      int64  `json:"id"`
}

// APISummary represents a saved setting in the list response
type APISummary struct {
	ID          int64  `json:"id"`
	JobID       string `json:"jobId"`
	ManagerName string `json:"managerName"`
	CreatedAt   string `json:"createdAt"`
}

// APISetting is the JSON response for a loaded setting
type APISetting struct {
	JobID             string          `json:"jobId"`
	ManagerName       string          `json:"managerName"`
	SelectedQuestions json.RawMessage `json:"selectedQuestions"`
	CustomQuestions   json.RawMessage `json:"customQuestions"`
	CustomColumns     json.RawMessage `json:"customColumns"`
}

// APIMessageResponse is a JSON response carrying only a message
type APIMessageResponse struct {
	Message string `json:"message"`
}

// passwordRequest is the body of load and delete requests
type passwordRequest struct {
	Password string `json:"password"`
}

// toAPISummary converts store.Summary to APISummary
func toAPISummary(s store.Summary) APISummary {
	return APISummary{
		ID:          s.ID,
		JobID:       s.JobID,
		ManagerName: s.ManagerName,
		CreatedAt:   s.CreatedAt.UTC().Format(createdAtFormat),
	}
}

// handleApplicants returns all applicants of the job given by jobId query parameter
func (s *Server) handleApplicants(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("jobId")
	if jobID == "" {
		s.writeJSONError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	st := time.Now()
	applicants, err := s.applicants.Applicants(r.Context(), jobID)
	if err != nil {
		log.Printf("[ERROR] failed to fetch applicants for job %s: %v", jobID, err)
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to fetch applicants")
		return
	}
	log.Printf("[INFO] %d applicants for job %s fetched in %v", len(applicants), jobID, time.Since(st).Truncate(time.Millisecond))

	s.writeJSON(w, http.StatusOK, APIApplicantsResponse{Results: applicants})
}

// handleSaveSettings creates a new setting or updates the existing one if id is set
func (s *Server) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
	var req store.SaveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	id, err := s.store.Save(r.Context(), req)
	if err != nil {
		s.writeStoreError(w, err, "save settings")
		return
	}
	log.Printf("[INFO] settings %d saved for job %s by %s", id, req.JobID, req.ManagerName)
	s.writeJSON(w, http.StatusOK, APISaveResponse{Message: "Settings saved successfully", ID: id})
}

// handleListSettings returns summaries of all saved settings, newest first
func (s *Server) handleListSettings(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.store.List(r.Context())
	if err != nil {
		s.writeStoreError(w, err, "list settings")
		return
	}

	resp := make([]APISummary, 0, len(summaries))
	for _, sm := range summaries {
		resp = append(resp, toAPISummary(sm))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleLoadSettings returns full setting if password in the body matches
func (s *Server) handleLoadSettings(w http.ResponseWriter, r *http.Request) {
	id, req, ok := s.parsePasswordRequest(w, r)
	if !ok {
		return
	}

	setting, err := s.store.Load(r.Context(), id, req.Password)
	if err != nil {
		s.writeStoreError(w, err, "load settings")
		return
	}

	s.writeJSON(w, http.StatusOK, APISetting{
		JobID:             setting.JobID,
		ManagerName:       setting.ManagerName,
		SelectedQuestions: setting.SelectedQuestions,
		CustomQuestions:   setting.CustomQuestions,
		CustomColumns:     setting.CustomColumns,
	})
}

// handleDeleteSettings removes setting if password in the body matches
func (s *Server) handleDeleteSettings(w http.ResponseWriter, r *http.Request) {
	id, req, ok := s.parsePasswordRequest(w, r)
	if !ok {
		return
	}

	if err := s.store.Delete(r.Context(), id, req.Password); err != nil {
		s.writeStoreError(w, err, "delete settings")
		return
	}
	log.Printf("[INFO] settings %d deleted", id)
	s.writeJSON(w, http.StatusOK, APIMessageResponse{Message: "Settings deleted successfully"})
}

// parsePasswordRequest extracts setting id from the path and password from the body.
// Writes error response and returns false on failure.
func (s *Server) parsePasswordRequest(w http.ResponseWriter, r *http.Request) (int64, passwordRequest, bool) {
	// non-numeric id can't match any setting
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeJSONError(w, http.StatusNotFound, "Settings not found")
		return 0, passwordRequest{}, false
	}

	var req passwordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "Invalid JSON body")
		return 0, passwordRequest{}, false
	}
	if req.Password == "" {
		s.writeJSONError(w, http.StatusBadRequest, "Password is required")
		return 0, passwordRequest{}, false
	}
	return id, req, true
}

// writeStoreError maps store errors to response status
func (s *Server) writeStoreError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, store.ErrValidation):
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		s.writeJSONError(w, http.StatusNotFound, "Settings not found")
	case errors.Is(err, store.ErrUnauthorized):
		log.Printf("[WARN] failed to %s, %v", op, err)
		s.writeJSONError(w, http.StatusUnauthorized, "Invalid password")
	default:
		log.Printf("[ERROR] failed to %s: %v", op, err)
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
	}
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[WARN] failed to encode JSON response: %v", err)
	}
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]string{"error": message}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("[WARN] failed to encode JSON error response: %v", err)
	}
}
