// Package api exposes sessions, documents, the catalog and matching over a
// small JSON HTTP surface.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/pbaille/cpsynth/internal/catalog"
	"github.com/pbaille/cpsynth/internal/cluster"
	"github.com/pbaille/cpsynth/internal/domain"
	"github.com/pbaille/cpsynth/internal/logger"
	"github.com/pbaille/cpsynth/internal/matcher"
	"github.com/pbaille/cpsynth/internal/profile"
	"github.com/pbaille/cpsynth/internal/session"
	"github.com/pbaille/cpsynth/internal/validator"
)

// PrivilegedRole is the caller-declared role allowed to unlock documents.
const PrivilegedRole = "admin"

// Services are the collaborators behind the routes
type Services struct {
	Sessions        *session.Service
	Profiles        *profile.Service
	Catalog         *catalog.Builder
	Matcher         *matcher.Engine
	ClusterDefaults cluster.Options
	MatchDefaults   matcher.Options
	Log             *logger.Logger
}

// Server handles HTTP requests for the competency profile API
type Server struct {
	svc  Services
	log  *logger.Logger
	addr string
}

// New creates a new API server
func New(svc Services, addr string) *Server {
	log := svc.Log
	if log == nil {
		log = logger.Nop()
	}
	return &Server{svc: svc, log: log.With("component", "api"), addr: addr}
}

// Run starts the HTTP server
func (s *Server) Run() error {
	s.log.Info("starting server", "addr", s.addr)
	return http.ListenAndServe(s.addr, s.Handler())
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Cards and clustering
	mux.HandleFunc("POST /sessions/{sid}/cards", s.addCard)
	mux.HandleFunc("GET /sessions/{sid}/cards", s.listCards)
	mux.HandleFunc("POST /sessions/{sid}/cluster", s.runClustering)
	mux.HandleFunc("POST /sessions/{sid}/cluster/apply", s.applyClusters)
	mux.HandleFunc("GET /sessions/{sid}/units", s.listUnits)

	// Documents
	mux.HandleFunc("POST /sessions/{sid}/drafts", s.generateDraft)
	mux.HandleFunc("PUT /sessions/{sid}/documents/{cu}", s.saveDocument)
	mux.HandleFunc("GET /sessions/{sid}/documents/{cu}", s.getDocument)
	mux.HandleFunc("GET /sessions/{sid}/documents/{cu}/history", s.documentHistory)
	mux.HandleFunc("POST /sessions/{sid}/documents/{cu}/validate", s.validateDocument)
	mux.HandleFunc("POST /sessions/{sid}/documents/{cu}/lock", s.lockDocument)
	mux.HandleFunc("POST /sessions/{sid}/documents/{cu}/unlock", s.unlockDocument)

	// Catalog and matching
	mux.HandleFunc("POST /catalog/build", s.buildCatalog)
	mux.HandleFunc("GET /catalog", s.listCatalog)
	mux.HandleFunc("POST /match", s.match)

	// Health check
	mux.HandleFunc("GET /health", s.health)

	return withCORS(mux)
}

// withCORS adds CORS headers for frontend development
func withCORS(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		h.ServeHTTP(w, r)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) addCard(w http.ResponseWriter, r *http.Request) {
	var raw map[string]any
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	card, err := s.svc.Sessions.Ingest(r.Context(), r.PathValue("sid"), raw)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, card)
}

func (s *Server) listCards(w http.ResponseWriter, r *http.Request) {
	cards, err := s.svc.Sessions.Cards(r.Context(), r.PathValue("sid"))
	if err != nil {
		s.fail(w, err)
		return
	}
	if cards == nil {
		cards = []domain.ActivityCard{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cards": cards})
}

// ClusterRequest overrides the configured clustering defaults
type ClusterRequest struct {
	Mode                string   `json:"mode,omitempty"`
	SimilarityThreshold *float64 `json:"similarity_threshold,omitempty"`
	MinClusterSize      int      `json:"min_cluster_size,omitempty"`
	MaxClusters         int      `json:"max_clusters,omitempty"`
	KeepEmpty           bool     `json:"keep_empty,omitempty"`
}

func (s *Server) runClustering(w http.ResponseWriter, r *http.Request) {
	var req ClusterRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	opts := s.svc.ClusterDefaults
	if req.Mode != "" {
		opts.Mode = cluster.Mode(req.Mode)
	}
	if req.SimilarityThreshold != nil {
		opts.SimilarityThreshold = *req.SimilarityThreshold
	}
	if req.MinClusterSize > 0 {
		opts.MinClusterSize = req.MinClusterSize
	}
	if req.MaxClusters > 0 {
		opts.MaxClusters = req.MaxClusters
	}
	opts.KeepEmpty = req.KeepEmpty

	res, err := s.svc.Sessions.RunClustering(r.Context(), r.PathValue("sid"), opts)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) applyClusters(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Sessions.ApplyClusters(r.Context(), r.PathValue("sid"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) listUnits(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("sid")
	run, ok := s.svc.Sessions.LastRun(sid)
	if !ok {
		s.fail(w, domain.NewError("session", domain.CodeNotFound, "no clustering run for session "+sid, nil))
		return
	}
	cards, err := s.svc.Sessions.Cards(r.Context(), sid)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"units": session.UnitsFromClusters(run, cards)})
}

// DraftRequest is the request body for generating a draft
type DraftRequest struct {
	CU       domain.CompetencyUnit `json:"cu"`
	Language string                `json:"language,omitempty"`
	Enrich   bool                  `json:"enrich,omitempty"`
	// Save stores the draft as the working version.
	Save bool `json:"save,omitempty"`
}

func (s *Server) generateDraft(w http.ResponseWriter, r *http.Request) {
	var req DraftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	doc, err := s.svc.Profiles.GenerateDraft(r.Context(), r.PathValue("sid"), req.CU,
		profile.DraftOptions{Language: req.Language, Enrich: req.Enrich})
	if err != nil {
		s.fail(w, err)
		return
	}
	status := http.StatusOK
	if req.Save {
		if doc, err = s.svc.Profiles.SaveWorking(r.Context(), doc); err != nil {
			s.fail(w, err)
			return
		}
		status = http.StatusCreated
	}
	writeJSON(w, status, doc)
}

func (s *Server) saveDocument(w http.ResponseWriter, r *http.Request) {
	var doc domain.CPDocument
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	doc.SessionID = r.PathValue("sid")
	doc.CUCode = r.PathValue("cu")
	saved, err := s.svc.Profiles.SaveWorking(r.Context(), doc)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) getDocument(w http.ResponseWriter, r *http.Request) {
	version := profile.Latest
	if v := r.URL.Query().Get("version"); v != "" && v != "latest" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "version must be a positive integer or 'latest'")
			return
		}
		version = n
	}
	doc, err := s.svc.Profiles.GetVersion(r.Context(), r.PathValue("sid"), r.PathValue("cu"), version)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) documentHistory(w http.ResponseWriter, r *http.Request) {
	versions, err := s.svc.Profiles.History(r.Context(), r.PathValue("sid"), r.PathValue("cu"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"versions": versions})
}

func (s *Server) validateDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.svc.Profiles.GetVersion(r.Context(), r.PathValue("sid"), r.PathValue("cu"), profile.Latest)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, validator.Validate(doc))
}

// LifecycleRequest names the caller of a lock or unlock. Role is declared by
// the caller and trusted.
type LifecycleRequest struct {
	Actor string `json:"actor"`
	Role  string `json:"role,omitempty"`
}

func (s *Server) lockDocument(w http.ResponseWriter, r *http.Request) {
	var req LifecycleRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	doc, err := s.svc.Profiles.Lock(r.Context(), r.PathValue("sid"), r.PathValue("cu"), req.Actor)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) unlockDocument(w http.ResponseWriter, r *http.Request) {
	var req LifecycleRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	actor := profile.Actor{ID: req.Actor, Privileged: strings.EqualFold(req.Role, PrivilegedRole)}
	doc, err := s.svc.Profiles.Unlock(r.Context(), r.PathValue("sid"), r.PathValue("cu"), actor)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// BuildRequest is the request body for a catalog increment
type BuildRequest struct {
	From  int  `json:"from"`
	To    int  `json:"to"`
	Force bool `json:"force,omitempty"`
}

func (s *Server) buildCatalog(w http.ResponseWriter, r *http.Request) {
	if s.svc.Catalog == nil {
		writeError(w, http.StatusServiceUnavailable, "catalog source not configured")
		return
	}
	var req BuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := s.svc.Catalog.BuildIncrement(r.Context(), catalog.PageRange{From: req.From, To: req.To, Force: req.Force})
	if err != nil {
		s.fail(w, err)
		return
	}
	if s.svc.Matcher != nil && res.Added > 0 {
		key := s.svc.MatchDefaults.CatalogKey
		if key == "" {
			key = matcher.DefaultCatalogKey
		}
		s.svc.Matcher.Invalidate(key)
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) listCatalog(w http.ResponseWriter, r *http.Request) {
	if s.svc.Catalog == nil {
		writeError(w, http.StatusServiceUnavailable, "catalog source not configured")
		return
	}
	recs, err := s.svc.Catalog.Records(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	if recs == nil {
		recs = []domain.ReferenceCURecord{}
	}
	progress, err := s.svc.Catalog.Progress(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"records":  recs,
		"progress": progress,
	})
}

// MatchRequest is the request body for matching local CUs
type MatchRequest struct {
	CUs             []domain.CompetencyUnit `json:"cus"`
	TopK            int                     `json:"top_k,omitempty"`
	AcceptThreshold float64                 `json:"accept_threshold,omitempty"`
}

func (s *Server) match(w http.ResponseWriter, r *http.Request) {
	if s.svc.Catalog == nil || s.svc.Matcher == nil {
		writeError(w, http.StatusServiceUnavailable, "matching not configured")
		return
	}
	var req MatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	opts := s.svc.MatchDefaults
	if req.TopK > 0 {
		opts.TopK = req.TopK
	}
	if req.AcceptThreshold > 0 {
		opts.AcceptThreshold = req.AcceptThreshold
	}

	recs, err := s.svc.Catalog.Records(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	results, err := s.svc.Matcher.Match(r.Context(), req.CUs, recs, opts)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

// decodeOptional decodes a JSON body if one was sent
func decodeOptional(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// ErrorBody is the JSON shape of every failed response
type ErrorBody struct {
	Component string         `json:"component,omitempty"`
	Code      string         `json:"code,omitempty"`
	Message   string         `json:"message"`
	Issues    []domain.Issue `json:"issues,omitempty"`
}

var statusByCode = map[string]int{
	domain.CodeValidationBlocked:       http.StatusUnprocessableEntity,
	domain.CodeNotFound:                http.StatusNotFound,
	domain.CodeEmbeddingUnavailable:    http.StatusServiceUnavailable,
	domain.CodeGenerationUnavailable:   http.StatusServiceUnavailable,
	domain.CodeMalformedExternalOutput: http.StatusBadGateway,
	domain.CodeInvalidInput:            http.StatusBadRequest,
	domain.CodeInvalidState:            http.StatusConflict,
	domain.CodeForbidden:               http.StatusForbidden,
	domain.CodeConflict:                http.StatusConflict,
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	if derr, ok := domain.AsError(err); ok {
		status, ok := statusByCode[derr.Code]
		if !ok {
			status = http.StatusInternalServerError
		}
		writeJSON(w, status, ErrorBody{
			Component: derr.Component,
			Code:      derr.Code,
			Message:   derr.Message,
			Issues:    derr.Issues,
		})
		return
	}
	s.log.Error("request failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorBody{Message: message})
}
