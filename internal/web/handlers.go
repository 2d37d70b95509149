package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tfunke/schulsync/internal/history"
	"github.com/tfunke/schulsync/internal/ingest"
	"github.com/tfunke/schulsync/internal/provision"
	"github.com/tfunke/schulsync/internal/validate"
)

// document is one uploaded file's text plus its sanitized filename.
type document struct {
	Content  string
	Filename string
}

// readDocument extracts the document text from either a multipart form
// (field "file") or a raw request body. The read is capped one byte above
// the configured ceiling so oversized documents surface as a security
// violation instead of silent truncation.
func (s *Server) readDocument(r *http.Request) (*document, error) {
	limit := s.cfg.Ingest.MaxDocumentSize + 1
	name := "upload"

	var reader io.Reader = r.Body
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(limit); err != nil {
			return nil, fmt.Errorf("parsing multipart form: %w", err)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			return nil, fmt.Errorf("no file provided: %w", err)
		}
		defer file.Close()
		reader = file
		name = header.Filename
	}

	content, err := io.ReadAll(io.LimitReader(reader, limit))
	if err != nil {
		return nil, fmt.Errorf("reading document: %w", err)
	}
	if len(content) == 0 {
		return nil, fmt.Errorf("empty file")
	}

	fnRes := validate.Filename(name)
	return &document{Content: string(content), Filename: fnRes.Sanitized}, nil
}

// applyIDPolicy drops records with synthesized IDs when the deployment
// requires authoritative source IDs.
func (s *Server) applyIDPolicy(users []ingest.UserRecord, warnings []string) ([]ingest.UserRecord, []string) {
	if !s.cfg.Ingest.RequireAuthoritativeID {
		return users, warnings
	}
	kept := users[:0]
	for _, u := range users {
		if u.SyntheticID {
			warnings = append(warnings, fmt.Sprintf("skipping record %q: no authoritative ID in source", u.ID))
			continue
		}
		kept = append(kept, u)
	}
	return kept, warnings
}

func (s *Server) handleParseXML(w http.ResponseWriter, r *http.Request) {
	doc, err := s.readDocument(r)
	if err != nil {
		s.respondError(w, r, err, http.StatusBadRequest)
		return
	}

	sanitized, warnings, err := ingest.Harden(doc.Content, s.cfg.Ingest.MaxDocumentSize)
	if err != nil {
		s.respondError(w, r, err, statusForError(err))
		return
	}

	result, err := ingest.ParseXML(sanitized, ingest.XMLOptions{MaxRecords: s.cfg.Ingest.MaxRecords})
	if err != nil {
		s.respondError(w, r, err, statusForError(err))
		return
	}

	result.Warnings = append(warnings, result.Warnings...)
	result.Users, result.Warnings = s.applyIDPolicy(result.Users, result.Warnings)
	writeJSON(w, result)
}

func (s *Server) handleParseCSV(w http.ResponseWriter, r *http.Request) {
	doc, err := s.readDocument(r)
	if err != nil {
		s.respondError(w, r, err, http.StatusBadRequest)
		return
	}
	if int64(len(doc.Content)) > s.cfg.Ingest.MaxDocumentSize {
		s.respondError(w, r, fmt.Errorf("document exceeds maximum size of %d bytes", s.cfg.Ingest.MaxDocumentSize), http.StatusRequestEntityTooLarge)
		return
	}

	result, err := ingest.ParseCSV(doc.Content)
	if err != nil {
		s.respondError(w, r, err, statusForError(err))
		return
	}

	// A mapping handoff is a regular response, not an error: the client
	// re-submits with an explicit mapping.
	if !result.NeedsMapping {
		result.Users, result.Warnings = s.applyIDPolicy(result.Users, result.Warnings)
	}
	writeJSON(w, result)
}

// mappedParseRequest re-submits a document together with an operator-chosen
// column mapping.
type mappedParseRequest struct {
	Content string         `json:"content"`
	Mapping map[string]int `json:"mapping"`
}

func (s *Server) handleParseCSVMapped(w http.ResponseWriter, r *http.Request) {
	var req mappedParseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, r, fmt.Errorf("decoding request: %w", err), http.StatusBadRequest)
		return
	}
	if int64(len(req.Content)) > s.cfg.Ingest.MaxDocumentSize {
		s.respondError(w, r, fmt.Errorf("document exceeds maximum size of %d bytes", s.cfg.Ingest.MaxDocumentSize), http.StatusRequestEntityTooLarge)
		return
	}

	mapping := make(ingest.FieldMapping, len(req.Mapping))
	for field, idx := range req.Mapping {
		mapping[ingest.LogicalField(field)] = idx
	}

	result, err := ingest.ParseCSVWithMapping(req.Content, mapping)
	if err != nil {
		s.respondError(w, r, err, statusForError(err))
		return
	}

	result.Users, result.Warnings = s.applyIDPolicy(result.Users, result.Warnings)
	writeJSON(w, result)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	authURL, err := s.session.InitiateLogin()
	if err != nil {
		s.respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if provErr := q.Get("error"); provErr != "" {
		s.respondError(w, r, fmt.Errorf("provider returned %q: %s", provErr, q.Get("error_description")), http.StatusBadGateway)
		return
	}

	err := s.session.CompleteLogin(r.Context(), q.Get("code"), q.Get("state"))
	if err != nil {
		s.respondError(w, r, err, statusForError(err))
		return
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.session.Logout(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// authStatus is the session summary the UI polls.
type authStatus struct {
	Authenticated bool   `json:"authenticated"`
	State         string `json:"state"`
	Username      string `json:"username,omitempty"`
	Institution   string `json:"institution,omitempty"`
	Admin         bool   `json:"admin,omitempty"`
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	status := authStatus{
		Authenticated: s.session.IsAuthenticated(),
		State:         string(s.session.State()),
	}
	if status.Authenticated {
		if profile, err := s.session.Profile(); err == nil {
			status.Username = profile.Username
			status.Institution = profile.InstitutionNumber
			status.Admin = profile.InstitutionAdmin
		}
	}
	writeJSON(w, status)
}

// syncRequest carries a parsed batch back for reconciliation.
type syncRequest struct {
	Users      []ingest.UserRecord `json:"users"`
	Attributes []string            `json:"attributes"`
	Filename   string              `json:"filename"`
	Source     string              `json:"source"`
}

// syncResponse pairs the per-record outcomes with the recorded batch.
type syncResponse struct {
	BatchID string                 `json:"batchId,omitempty"`
	DryRun  bool                   `json:"dryRun"`
	Results []provision.SyncResult `json:"results"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, r, fmt.Errorf("decoding request: %w", err), http.StatusBadRequest)
		return
	}
	if len(req.Users) == 0 {
		s.respondError(w, r, ingest.ErrNoUserData, http.StatusBadRequest)
		return
	}

	profile, err := s.session.Profile()
	if err != nil {
		s.respondError(w, r, err, statusForError(err))
		return
	}

	dryRun := r.URL.Query().Get("dryRun") == "1" || r.URL.Query().Get("dryRun") == "true"
	dir := s.directory
	if dryRun {
		dir = provision.NewDryRun(req.Filename, s.log)
	}

	attrs := make([]provision.Attribute, 0, len(req.Attributes))
	for _, a := range req.Attributes {
		attrs = append(attrs, provision.Attribute(a))
	}

	engine := provision.NewEngine(dir, profile, s.log)
	results := engine.Sync(r.Context(), req.Users, provision.Options{Attributes: attrs})

	resp := syncResponse{DryRun: dryRun, Results: results}
	resp.BatchID = s.recordHistory(r, req, profile.Username, dryRun, results)
	writeJSON(w, resp)
}

// recordHistory persists the batch and its outcomes. History failures are
// logged, not surfaced: the sync itself already happened.
func (s *Server) recordHistory(r *http.Request, req syncRequest, username string, dryRun bool, results []provision.SyncResult) string {
	if s.hist == nil {
		return ""
	}

	source := history.SourceCSV
	if req.Source == string(history.SourceXML) {
		source = history.SourceXML
	}

	warningCount := 0
	for _, res := range results {
		if !res.Success {
			warningCount++
		}
	}

	batch, err := s.hist.RecordBatch(r.Context(), history.BatchParams{
		Source:       source,
		Filename:     validate.Filename(req.Filename).Sanitized,
		RecordCount:  len(req.Users),
		WarningCount: warningCount,
		DryRun:       dryRun,
		CreatedBy:    username,
	})
	if err != nil {
		s.log.Error("recording batch failed", "error", err)
		return ""
	}
	if err := s.hist.RecordOutcomes(r.Context(), batch.ID, results); err != nil {
		s.log.Error("recording outcomes failed", "batch_id", batch.ID, "error", err)
	}
	return batch.ID
}

// bulkUserRequest names directory user IDs for a bulk toggle or delete.
type bulkUserRequest struct {
	UserIDs []string `json:"userIds"`
	Enabled bool     `json:"enabled"`
}

func (s *Server) handleSetEnabled(w http.ResponseWriter, r *http.Request) {
	var req bulkUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, r, fmt.Errorf("decoding request: %w", err), http.StatusBadRequest)
		return
	}
	if len(req.UserIDs) == 0 {
		s.respondError(w, r, errors.New("no user IDs provided"), http.StatusBadRequest)
		return
	}

	engine := provision.NewEngine(s.directory, nil, s.log)
	writeJSON(w, engine.SetEnabledAll(r.Context(), req.UserIDs, req.Enabled))
}

func (s *Server) handleDeleteUsers(w http.ResponseWriter, r *http.Request) {
	var req bulkUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, r, fmt.Errorf("decoding request: %w", err), http.StatusBadRequest)
		return
	}
	if len(req.UserIDs) == 0 {
		s.respondError(w, r, errors.New("no user IDs provided"), http.StatusBadRequest)
		return
	}

	engine := provision.NewEngine(s.directory, nil, s.log)
	writeJSON(w, engine.DeleteAll(r.Context(), req.UserIDs))
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	batches, err := s.hist.ListBatches(r.Context(), limit, offset)
	if err != nil {
		s.respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, batches)
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")

	batch, outcomes, err := s.hist.GetBatch(r.Context(), batchID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, history.ErrBatchNotFound) {
			status = http.StatusNotFound
		}
		s.respondError(w, r, err, status)
		return
	}

	writeJSON(w, struct {
		Batch    *history.Batch    `json:"batch"`
		Outcomes []history.Outcome `json:"outcomes"`
	}{batch, outcomes})
}
