package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/qrsouther/blueprintsync/internal/blueprint"
)

type ServerConfig struct {
	JWTSecret          string
	InternalHMACSecret string
	InternalMaxSkew    time.Duration
	RateLimitMax       int
	RateLimitWindow    time.Duration
	MaxBodyBytes       int64
	StreamInterval     time.Duration
}

// Server is the HTTP surface over one reconciliation engine. Routing is a
// single path-split switch; every space-scoped route is gated by a bearer
// token scope, the publish webhook by an HMAC signature.
type Server struct {
	engine             *blueprint.Engine
	cfg                ServerConfig
	schemas            *schemaSet
	rateLimiter        *rateLimiter
	internalReplayMu   sync.Mutex
	internalReplaySeen map[string]time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(engine *blueprint.Engine) *Server {
	return NewServerWithConfig(engine, ServerConfig{})
}

func NewServerWithConfig(engine *blueprint.Engine, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.InternalHMACSecret == "" {
		cfg.InternalHMACSecret = "dev-internal-secret"
	}
	if cfg.InternalMaxSkew == 0 {
		cfg.InternalMaxSkew = 5 * time.Minute
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	schemas, err := compileSchemas()
	if err != nil {
		// The schema text is compiled from constants; a failure here is a
		// build defect, not a runtime condition.
		panic(fmt.Sprintf("httpapi: compile payload schemas: %v", err))
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		engine:             engine,
		cfg:                cfg,
		schemas:            schemas,
		rateLimiter:        limiter,
		internalReplaySeen: map[string]time.Time{},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		depth, capacity := s.engine.QueueStats()
		writeJSON(w, http.StatusOK, map[string]any{
			"status":        "ok",
			"queueDepth":    depth,
			"queueCapacity": capacity,
		})
		return
	}

	if r.URL.Path == "/v1/internal/publish-events" && r.Method == http.MethodPost {
		s.handlePublishEvent(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 4 || parts[0] != "v1" || parts[1] != "spaces" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	spaceID := parts[2]

	var requiredScope string
	var route string
	switch {
	case len(parts) == 4 && parts[3] == "reconcile" && r.Method == http.MethodPost:
		requiredScope = "reconcile:trigger"
		route = "reconcile"
	case len(parts) == 5 && parts[3] == "jobs" && r.Method == http.MethodGet:
		requiredScope = "reconcile:read"
		route = "job"
	case len(parts) == 6 && parts[3] == "jobs" && parts[5] == "stream" && r.Method == http.MethodGet:
		requiredScope = "reconcile:read"
		route = "job_stream"
	case len(parts) == 4 && parts[3] == "sources" && r.Method == http.MethodGet:
		requiredScope = "sources:read"
		route = "sources_list"
	case len(parts) == 4 && parts[3] == "sources" && r.Method == http.MethodPost:
		requiredScope = "sources:write"
		route = "source_create"
	case len(parts) == 5 && parts[3] == "sources" && r.Method == http.MethodGet:
		requiredScope = "sources:read"
		route = "source_get"
	case len(parts) == 5 && parts[3] == "sources" && r.Method == http.MethodPut:
		requiredScope = "sources:write"
		route = "source_update"
	case len(parts) == 5 && parts[3] == "sources" && r.Method == http.MethodDelete:
		requiredScope = "sources:write"
		route = "source_delete"
	case len(parts) == 6 && parts[3] == "sources" && parts[5] == "restore" && r.Method == http.MethodPost:
		requiredScope = "sources:write"
		route = "source_restore"
	case len(parts) == 4 && parts[3] == "embeds" && r.Method == http.MethodGet:
		requiredScope = "embeds:read"
		route = "embeds_list"
	case len(parts) == 4 && parts[3] == "embeds" && r.Method == http.MethodPost:
		requiredScope = "embeds:write"
		route = "embed_create"
	case len(parts) == 5 && parts[3] == "embeds" && r.Method == http.MethodGet:
		requiredScope = "embeds:read"
		route = "embed_get"
	case len(parts) == 5 && parts[3] == "embeds" && r.Method == http.MethodPut:
		requiredScope = "embeds:write"
		route = "embed_update"
	case len(parts) == 5 && parts[3] == "embeds" && r.Method == http.MethodDelete:
		requiredScope = "embeds:write"
		route = "embed_delete"
	case len(parts) == 6 && parts[3] == "embeds" && parts[5] == "restore" && r.Method == http.MethodPost:
		requiredScope = "embeds:write"
		route = "embed_restore"
	case len(parts) == 6 && parts[3] == "embeds" && parts[5] == "approval" && r.Method == http.MethodPost:
		requiredScope = "embeds:write"
		route = "embed_approval"
	case len(parts) == 5 && parts[3] == "usage" && r.Method == http.MethodGet:
		requiredScope = "embeds:read"
		route = "usage"
	case len(parts) == 6 && parts[3] == "publications" && parts[4] == "source" && r.Method == http.MethodGet:
		requiredScope = "embeds:read"
		route = "publication_by_source"
	case len(parts) == 6 && parts[3] == "publications" && parts[4] == "page" && r.Method == http.MethodGet:
		requiredScope = "embeds:read"
		route = "publication_by_page"
	case len(parts) == 4 && parts[3] == "quarantine" && r.Method == http.MethodGet:
		requiredScope = "admin:read"
		route = "quarantine_list"
	case len(parts) == 4 && parts[3] == "backups" && r.Method == http.MethodGet:
		requiredScope = "admin:read"
		route = "backups_list"
	case len(parts) == 4 && parts[3] == "backups" && r.Method == http.MethodPost:
		requiredScope = "admin:backup"
		route = "backup_create"
	case len(parts) == 5 && parts[3] == "backups" && r.Method == http.MethodDelete:
		requiredScope = "admin:backup"
		route = "backup_prune"
	case len(parts) == 6 && parts[3] == "backups" && parts[5] == "restore" && r.Method == http.MethodPost:
		requiredScope = "admin:backup"
		route = "backup_restore"
	case len(parts) == 4 && parts[3] == "versions" && r.Method == http.MethodGet:
		requiredScope = "admin:read"
		route = "versions_list"
	case len(parts) == 6 && parts[3] == "versions" && parts[5] == "restore" && r.Method == http.MethodPost:
		requiredScope = "admin:backup"
		route = "version_restore"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, spaceID, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil {
		key := spaceID + "|" + claims.Subject
		if !s.rateLimiter.allow(key, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "reconcile":
		s.handleReconcile(w, r, claims, correlationID)
	case "job":
		s.handleJob(w, r, parts[4], correlationID)
	case "job_stream":
		s.handleJobStream(w, r, parts[4], correlationID)
	case "sources_list":
		s.handleSourcesList(w, r, correlationID)
	case "source_create":
		s.handleSourceCreate(w, r, correlationID)
	case "source_get":
		s.handleSourceGet(w, r, parts[4], correlationID)
	case "source_update":
		s.handleSourceUpdate(w, r, parts[4], correlationID)
	case "source_delete":
		s.handleSourceDelete(w, r, parts[4], claims, correlationID)
	case "source_restore":
		s.handleSourceRestore(w, r, parts[4], correlationID)
	case "embeds_list":
		s.handleEmbedsList(w, r, correlationID)
	case "embed_create":
		s.handleEmbedSave(w, r, "", correlationID)
	case "embed_get":
		s.handleEmbedGet(w, r, parts[4], correlationID)
	case "embed_update":
		s.handleEmbedSave(w, r, parts[4], correlationID)
	case "embed_delete":
		s.handleEmbedDelete(w, r, parts[4], claims, correlationID)
	case "embed_restore":
		s.handleEmbedRestore(w, r, parts[4], correlationID)
	case "embed_approval":
		s.handleEmbedApproval(w, r, parts[4], claims, correlationID)
	case "usage":
		s.handleUsage(w, r, parts[4], correlationID)
	case "publication_by_source":
		s.handlePublicationBySource(w, r, parts[5], correlationID)
	case "publication_by_page":
		s.handlePublicationByPage(w, r, parts[5], correlationID)
	case "quarantine_list":
		s.handleQuarantineList(w, r, correlationID)
	case "backups_list":
		s.handleBackupsList(w, r, correlationID)
	case "backup_create":
		s.handleBackupCreate(w, r, correlationID)
	case "backup_prune":
		s.handleBackupPrune(w, r, parts[4], correlationID)
	case "backup_restore":
		s.handleBackupRestore(w, r, parts[4], correlationID)
	case "versions_list":
		s.handleVersionsList(w, r, correlationID)
	case "version_restore":
		s.handleVersionRestore(w, r, parts[4], correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

// handlePublishEvent is the page-publish webhook: HMAC-signed, replay
// protected, schema validated, then handed synchronously to the page-sync
// reconciler so the caller's 200 means the diff has been folded in.
func (s *Server) handlePublishEvent(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	now := time.Now().UTC()
	if authErr := verifyInternalHMAC(
		s.cfg.InternalHMACSecret,
		r.Header.Get("X-Blueprint-Timestamp"),
		r.Header.Get("X-Blueprint-Signature"),
		body,
		now,
		s.cfg.InternalMaxSkew,
	); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !s.markInternalReplaySeen(r.Header.Get("X-Blueprint-Timestamp"), r.Header.Get("X-Blueprint-Signature"), now) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "internal request replay detected", correlationID)
		return
	}

	if err := validateBody(s.schemas.publishEvent, body); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error(), correlationID)
		return
	}
	var event blueprint.PagePublishedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	result, err := s.engine.HandlePagePublished(r.Context(), event)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if err := validateBody(s.schemas.reconcile, body); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error(), correlationID)
		return
	}
	var req struct {
		DryRun     *bool  `json:"dryRun"`
		SkipBackup bool   `json:"skipBackup"`
		Reason     string `json:"reason"`
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
			return
		}
	}
	job, err := s.engine.StartReconciliation(r.Context(), blueprint.TriggerOptions{
		DryRun:      req.DryRun,
		SkipBackup:  req.SkipBackup,
		Reason:      req.Reason,
		TriggeredBy: claims.Subject,
	})
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"jobId":      job.JobID,
		"progressId": job.JobID,
		"dryRun":     job.DryRun,
	})
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request, jobID, correlationID string) {
	progress, err := s.engine.GetProgress(r.Context(), jobID)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func (s *Server) handleSourcesList(w http.ResponseWriter, r *http.Request, correlationID string) {
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	sources, next, err := s.engine.ListSources(r.Context(), r.URL.Query().Get("cursor"), limit)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": sources, "nextCursor": next})
}

func (s *Server) handleSourceCreate(w http.ResponseWriter, r *http.Request, correlationID string) {
	var source blueprint.Source
	if !s.decodeValidated(w, r, s.schemas.source, correlationID, &source) {
		return
	}
	created, err := s.engine.CreateSource(r.Context(), source)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleSourceGet(w http.ResponseWriter, r *http.Request, sourceID, correlationID string) {
	source, err := s.engine.GetSource(r.Context(), sourceID)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, source)
}

func (s *Server) handleSourceUpdate(w http.ResponseWriter, r *http.Request, sourceID, correlationID string) {
	var source blueprint.Source
	if !s.decodeValidated(w, r, s.schemas.source, correlationID, &source) {
		return
	}
	if source.ID != "" && source.ID != sourceID {
		writeError(w, http.StatusBadRequest, "bad_request", "source id in body does not match path", correlationID)
		return
	}
	source.ID = sourceID
	updated, err := s.engine.UpdateSource(r.Context(), source)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleSourceDelete(w http.ResponseWriter, r *http.Request, sourceID string, claims tokenClaims, correlationID string) {
	dryRun, err := parseDryRunParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid dryRun", correlationID)
		return
	}
	quarantined, err := s.engine.DeleteSource(r.Context(), sourceID, blueprint.DeleteOptions{
		DeletedBy: claims.Subject,
		Reason:    r.URL.Query().Get("reason"),
		DryRun:    dryRun,
		Force:     parseBool(r.URL.Query().Get("force"), false),
	})
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, quarantined)
}

func (s *Server) handleSourceRestore(w http.ResponseWriter, r *http.Request, sourceID, correlationID string) {
	force, ok := s.decodeRestoreBody(w, r, correlationID)
	if !ok {
		return
	}
	source, err := s.engine.RestoreSource(r.Context(), sourceID, force)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, source)
}

func (s *Server) handleEmbedsList(w http.ResponseWriter, r *http.Request, correlationID string) {
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	embeds, next, err := s.engine.ListEmbeds(r.Context(), r.URL.Query().Get("cursor"), limit)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": embeds, "nextCursor": next})
}

// handleEmbedSave serves both create (POST, id in body) and update (PUT, id
// in path). SaveEmbed itself is an upsert; the split exists only for the
// route shape.
func (s *Server) handleEmbedSave(w http.ResponseWriter, r *http.Request, localID, correlationID string) {
	var embed blueprint.Embed
	if !s.decodeValidated(w, r, s.schemas.embed, correlationID, &embed) {
		return
	}
	if localID != "" {
		if embed.LocalID != "" && embed.LocalID != localID {
			writeError(w, http.StatusBadRequest, "bad_request", "local id in body does not match path", correlationID)
			return
		}
		embed.LocalID = localID
	}
	if embed.LocalID == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "localId is required", correlationID)
		return
	}
	saved, err := s.engine.SaveEmbed(r.Context(), embed)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	status := http.StatusOK
	if localID == "" {
		status = http.StatusCreated
	}
	writeJSON(w, status, saved)
}

func (s *Server) handleEmbedGet(w http.ResponseWriter, r *http.Request, localID, correlationID string) {
	embed, err := s.engine.GetEmbed(r.Context(), localID)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, embed)
}

func (s *Server) handleEmbedDelete(w http.ResponseWriter, r *http.Request, localID string, claims tokenClaims, correlationID string) {
	dryRun, err := parseDryRunParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid dryRun", correlationID)
		return
	}
	quarantined, err := s.engine.DeleteEmbed(r.Context(), localID, blueprint.DeleteOptions{
		DeletedBy: claims.Subject,
		Reason:    r.URL.Query().Get("reason"),
		DryRun:    dryRun,
	})
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, quarantined)
}

func (s *Server) handleEmbedRestore(w http.ResponseWriter, r *http.Request, localID, correlationID string) {
	force, ok := s.decodeRestoreBody(w, r, correlationID)
	if !ok {
		return
	}
	embed, err := s.engine.RestoreEmbed(r.Context(), localID, force)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, embed)
}

func (s *Server) handleEmbedApproval(w http.ResponseWriter, r *http.Request, localID string, claims tokenClaims, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if err := validateBody(s.schemas.approval, body); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error(), correlationID)
		return
	}
	var req struct {
		Status string `json:"status"`
		Note   string `json:"note"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	embed, err := s.engine.SetApproval(r.Context(), localID, req.Status, claims.Subject, req.Note)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, embed)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request, sourceID, correlationID string) {
	usage, err := s.engine.GetUsage(r.Context(), sourceID)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

func (s *Server) handlePublicationBySource(w http.ResponseWriter, r *http.Request, sourceID, correlationID string) {
	entry, err := s.engine.GetPublicationBySource(r.Context(), sourceID)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handlePublicationByPage(w http.ResponseWriter, r *http.Request, pageID, correlationID string) {
	entry, err := s.engine.GetPublicationByPage(r.Context(), pageID)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleQuarantineList(w http.ResponseWriter, r *http.Request, correlationID string) {
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	cursor := r.URL.Query().Get("cursor")
	kind := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("kind")))
	switch kind {
	case "", "embed", "embeds":
		items, next, err := s.engine.ListQuarantinedEmbeds(r.Context(), cursor, limit)
		if err != nil {
			s.writeEngineError(w, err, correlationID)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"kind": "embed", "items": items, "nextCursor": next})
	case "source", "sources":
		items, next, err := s.engine.ListQuarantinedSources(r.Context(), cursor, limit)
		if err != nil {
			s.writeEngineError(w, err, correlationID)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"kind": "source", "items": items, "nextCursor": next})
	default:
		writeError(w, http.StatusBadRequest, "bad_request", "invalid kind", correlationID)
	}
}

func (s *Server) handleBackupsList(w http.ResponseWriter, r *http.Request, correlationID string) {
	backups, err := s.engine.ListBackups(r.Context())
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": backups})
}

func (s *Server) handleBackupCreate(w http.ResponseWriter, r *http.Request, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if err := validateBody(s.schemas.backupCreate, body); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error(), correlationID)
		return
	}
	var req struct {
		Operation string `json:"operation"`
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
			return
		}
	}
	if req.Operation == "" {
		req.Operation = "manual"
	}
	meta, err := s.engine.CreateBackup(r.Context(), req.Operation, "")
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, meta)
}

func (s *Server) handleBackupPrune(w http.ResponseWriter, r *http.Request, backupID, correlationID string) {
	if err := s.engine.PruneBackup(r.Context(), backupID); err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"backupId": backupID, "pruned": true})
}

func (s *Server) handleBackupRestore(w http.ResponseWriter, r *http.Request, backupID, correlationID string) {
	restored, err := s.engine.RestoreBackup(r.Context(), backupID)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"backupId": backupID, "restored": restored})
}

func (s *Server) handleVersionsList(w http.ResponseWriter, r *http.Request, correlationID string) {
	store := r.URL.Query().Get("store")
	key := r.URL.Query().Get("key")
	versions, err := s.engine.ListVersions(r.Context(), store, key)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": versions})
}

func (s *Server) handleVersionRestore(w http.ResponseWriter, r *http.Request, versionID, correlationID string) {
	store := r.URL.Query().Get("store")
	key := r.URL.Query().Get("key")
	version, err := s.engine.RestoreVersion(r.Context(), store, key, versionID)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, version)
}

// writeEngineError maps engine sentinels onto the wire taxonomy. Anything
// unmatched is a 500; the engine never leaks raw storage errors for the
// sentinel cases.
func (s *Server) writeEngineError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, blueprint.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, blueprint.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, blueprint.ErrInvalidState),
		errors.Is(err, blueprint.ErrLiveRecordExists),
		errors.Is(err, blueprint.ErrSourceInUse):
		writeError(w, http.StatusConflict, "invalid_state", err.Error(), correlationID)
	case errors.Is(err, blueprint.ErrQueueFull):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "queue_full", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

// decodeValidated reads the body, validates it against schema, and decodes
// into dst. Handlers behind it can trust the shape of dst.
func (s *Server) decodeValidated(w http.ResponseWriter, r *http.Request, schema *jsonschema.Schema, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := validateBody(schema, body); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error(), correlationID)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func (s *Server) decodeRestoreBody(w http.ResponseWriter, r *http.Request, correlationID string) (force bool, ok bool) {
	body, readOK := s.readRequestBody(w, r, correlationID)
	if !readOK {
		return false, false
	}
	if err := validateBody(s.schemas.restore, body); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error(), correlationID)
		return false, false
	}
	var req struct {
		Force bool `json:"force"`
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
			return false, false
		}
	}
	return req.Force, true
}

// parseDryRunParam returns nil when the query leaves dryRun unset, so the
// engine's policy default (dry-run on) decides.
func parseDryRunParam(r *http.Request) (*bool, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("dryRun"))
	if raw == "" {
		return nil, nil
	}
	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func (s *Server) markInternalReplaySeen(timestamp, signature string, now time.Time) bool {
	key := strings.TrimSpace(strings.ToLower(timestamp)) + "|" + strings.TrimSpace(strings.ToLower(signature))
	if key == "|" {
		return false
	}
	window := s.cfg.InternalMaxSkew
	if window <= 0 {
		window = 5 * time.Minute
	}
	s.internalReplayMu.Lock()
	defer s.internalReplayMu.Unlock()
	for replayKey, expiresAt := range s.internalReplaySeen {
		if !now.Before(expiresAt) {
			delete(s.internalReplaySeen, replayKey)
		}
	}
	if expiresAt, exists := s.internalReplaySeen[key]; exists && now.Before(expiresAt) {
		return false
	}
	s.internalReplaySeen[key] = now.Add(window)
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}

func parseBool(raw string, fallback bool) bool {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return parsed
}
