package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/qrsouther/blueprintsync/internal/blueprint"
	"github.com/qrsouther/blueprintsync/internal/confluence"
	"github.com/qrsouther/blueprintsync/internal/kvstore"
)

// stubPages serves pages from a map; unknown ids come back as a remote 404.
type stubPages struct {
	mu    sync.Mutex
	pages map[string]*confluence.Page
}

func newStubPages() *stubPages {
	return &stubPages{pages: map[string]*confluence.Page{}}
}

func (s *stubPages) setPage(page *confluence.Page) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[page.ID] = page
}

func (s *stubPages) GetPage(ctx context.Context, pageID string) (*confluence.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	page, ok := s.pages[pageID]
	if !ok {
		return nil, &confluence.HTTPError{StatusCode: 404, Message: "no such page"}
	}
	clone := *page
	return &clone, nil
}

func (s *stubPages) UpdatePage(ctx context.Context, page *confluence.Page) (*confluence.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *page
	clone.Version = page.Version + 1
	s.pages[page.ID] = &clone
	return &clone, nil
}

type serverFixture struct {
	server *Server
	engine *blueprint.Engine
	pages  *stubPages
}

func newTestServer(t *testing.T, cfg ServerConfig, mutate func(*blueprint.Options)) *serverFixture {
	t.Helper()
	pages := newStubPages()
	opts := blueprint.Options{
		Store:  kvstore.NewMemoryStore(),
		Pages:  pages,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&opts)
	}
	engine, err := blueprint.NewEngine(opts)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })
	return &serverFixture{
		server: NewServerWithConfig(engine, cfg),
		engine: engine,
		pages:  pages,
	}
}

type request struct {
	method  string
	path    string
	headers map[string]string
	body    map[string]any
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var bodyBytes []byte
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		bodyBytes = data
	}
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(bodyBytes))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func mustTestJWT(t *testing.T, secret, spaceID, subject string, scopes []string, exp time.Time) string {
	return mustTestJWTWithAudience(t, secret, spaceID, subject, scopes, "blueprintsync", exp)
}

func mustTestJWTWithAudience(t *testing.T, secret, spaceID, subject string, scopes []string, aud string, exp time.Time) string {
	t.Helper()
	headerBytes, err := json.Marshal(map[string]any{
		"alg": "HS256",
		"typ": "JWT",
	})
	if err != nil {
		t.Fatalf("marshal jwt header: %v", err)
	}
	payloadBytes, err := json.Marshal(map[string]any{
		"space_id": spaceID,
		"subject":  subject,
		"scopes":   scopes,
		"exp":      exp.Unix(),
		"aud":      aud,
	})
	if err != nil {
		t.Fatalf("marshal jwt payload: %v", err)
	}
	h := base64.RawURLEncoding.EncodeToString(headerBytes)
	p := base64.RawURLEncoding.EncodeToString(payloadBytes)
	signingInput := h + "." + p
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signingInput))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return signingInput + "." + sig
}

func authHeaders(t *testing.T, scopes []string, correlationID string) map[string]string {
	t.Helper()
	token := mustTestJWT(t, "dev-secret", "sp_1", "tester", scopes, time.Now().Add(time.Hour))
	return map[string]string{
		"Authorization":    "Bearer " + token,
		"X-Correlation-Id": correlationID,
	}
}

func allScopes() []string {
	return []string{
		"reconcile:trigger", "reconcile:read",
		"sources:read", "sources:write",
		"embeds:read", "embeds:write",
		"admin:read", "admin:backup",
	}
}

func TestAuthRequired(t *testing.T) {
	fx := newTestServer(t, ServerConfig{}, nil)
	rec := doRequest(t, fx.server, request{
		method:  http.MethodGet,
		path:    "/v1/spaces/sp_1/sources",
		headers: map[string]string{"X-Correlation-Id": "corr_1"},
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestScopeAndSpaceEnforced(t *testing.T) {
	fx := newTestServer(t, ServerConfig{}, nil)

	readOnly := mustTestJWT(t, "dev-secret", "sp_1", "tester", []string{"sources:read"}, time.Now().Add(time.Hour))
	rec := doRequest(t, fx.server, request{
		method: http.MethodPost,
		path:   "/v1/spaces/sp_1/sources",
		headers: map[string]string{
			"Authorization":    "Bearer " + readOnly,
			"X-Correlation-Id": "corr_1",
		},
		body: map[string]any{"name": "Block"},
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for missing scope, got %d (%s)", rec.Code, rec.Body.String())
	}

	wrongSpace := mustTestJWT(t, "dev-secret", "sp_other", "tester", []string{"sources:read"}, time.Now().Add(time.Hour))
	rec = doRequest(t, fx.server, request{
		method: http.MethodGet,
		path:   "/v1/spaces/sp_1/sources",
		headers: map[string]string{
			"Authorization":    "Bearer " + wrongSpace,
			"X-Correlation-Id": "corr_2",
		},
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for space mismatch, got %d (%s)", rec.Code, rec.Body.String())
	}

	wrongAudience := mustTestJWTWithAudience(t, "dev-secret", "sp_1", "tester", []string{"sources:read"}, "other-service", time.Now().Add(time.Hour))
	rec = doRequest(t, fx.server, request{
		method: http.MethodGet,
		path:   "/v1/spaces/sp_1/sources",
		headers: map[string]string{
			"Authorization":    "Bearer " + wrongAudience,
			"X-Correlation-Id": "corr_3",
		},
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong audience, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestMissingCorrelationIDRejected(t *testing.T) {
	fx := newTestServer(t, ServerConfig{}, nil)
	token := mustTestJWT(t, "dev-secret", "sp_1", "tester", []string{"sources:read"}, time.Now().Add(time.Hour))
	rec := doRequest(t, fx.server, request{
		method:  http.MethodGet,
		path:    "/v1/spaces/sp_1/sources",
		headers: map[string]string{"Authorization": "Bearer " + token},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestSourceLifecycleOverHTTP(t *testing.T) {
	fx := newTestServer(t, ServerConfig{}, nil)

	createResp := doRequest(t, fx.server, request{
		method:  http.MethodPost,
		path:    "/v1/spaces/sp_1/sources",
		headers: authHeaders(t, allScopes(), "corr_1"),
		body: map[string]any{
			"name":     "Security Disclaimer",
			"category": "legal",
			"body":     map[string]any{"type": "doc", "content": []any{}},
		},
	})
	if createResp.Code != http.StatusCreated {
		t.Fatalf("expected 201 on create, got %d (%s)", createResp.Code, createResp.Body.String())
	}
	var created blueprint.Source
	if err := json.NewDecoder(createResp.Body).Decode(&created); err != nil {
		t.Fatalf("decode created source: %v", err)
	}
	if created.ID == "" || created.ContentHash == "" {
		t.Fatalf("created source incomplete: %+v", created)
	}

	getResp := doRequest(t, fx.server, request{
		method:  http.MethodGet,
		path:    "/v1/spaces/sp_1/sources/" + created.ID,
		headers: authHeaders(t, allScopes(), "corr_2"),
	})
	if getResp.Code != http.StatusOK {
		t.Fatalf("expected 200 on get, got %d (%s)", getResp.Code, getResp.Body.String())
	}

	// Delete without dryRun: the policy default (dry-run on) must keep the
	// live record.
	delResp := doRequest(t, fx.server, request{
		method:  http.MethodDelete,
		path:    "/v1/spaces/sp_1/sources/" + created.ID,
		headers: authHeaders(t, allScopes(), "corr_3"),
	})
	if delResp.Code != http.StatusOK {
		t.Fatalf("expected 200 on dry-run delete, got %d (%s)", delResp.Code, delResp.Body.String())
	}
	getResp = doRequest(t, fx.server, request{
		method:  http.MethodGet,
		path:    "/v1/spaces/sp_1/sources/" + created.ID,
		headers: authHeaders(t, allScopes(), "corr_4"),
	})
	if getResp.Code != http.StatusOK {
		t.Fatalf("dry-run delete removed the live record: %d", getResp.Code)
	}

	delResp = doRequest(t, fx.server, request{
		method:  http.MethodDelete,
		path:    "/v1/spaces/sp_1/sources/" + created.ID + "?dryRun=false",
		headers: authHeaders(t, allScopes(), "corr_5"),
	})
	if delResp.Code != http.StatusOK {
		t.Fatalf("expected 200 on armed delete, got %d (%s)", delResp.Code, delResp.Body.String())
	}
	getResp = doRequest(t, fx.server, request{
		method:  http.MethodGet,
		path:    "/v1/spaces/sp_1/sources/" + created.ID,
		headers: authHeaders(t, allScopes(), "corr_6"),
	})
	if getResp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after armed delete, got %d", getResp.Code)
	}

	listResp := doRequest(t, fx.server, request{
		method:  http.MethodGet,
		path:    "/v1/spaces/sp_1/quarantine?kind=source",
		headers: authHeaders(t, allScopes(), "corr_7"),
	})
	if listResp.Code != http.StatusOK {
		t.Fatalf("expected 200 on quarantine list, got %d (%s)", listResp.Code, listResp.Body.String())
	}
	var quarantine struct {
		Items []blueprint.QuarantinedSource `json:"items"`
	}
	if err := json.NewDecoder(listResp.Body).Decode(&quarantine); err != nil {
		t.Fatalf("decode quarantine list: %v", err)
	}
	if len(quarantine.Items) != 1 || quarantine.Items[0].Source.ID != created.ID {
		t.Fatalf("quarantine list = %+v", quarantine.Items)
	}

	restoreResp := doRequest(t, fx.server, request{
		method:  http.MethodPost,
		path:    "/v1/spaces/sp_1/sources/" + created.ID + "/restore",
		headers: authHeaders(t, allScopes(), "corr_8"),
	})
	if restoreResp.Code != http.StatusOK {
		t.Fatalf("expected 200 on restore, got %d (%s)", restoreResp.Code, restoreResp.Body.String())
	}
	getResp = doRequest(t, fx.server, request{
		method:  http.MethodGet,
		path:    "/v1/spaces/sp_1/sources/" + created.ID,
		headers: authHeaders(t, allScopes(), "corr_9"),
	})
	if getResp.Code != http.StatusOK {
		t.Fatalf("expected 200 after restore, got %d", getResp.Code)
	}
}

func TestEmbedSaveValidationAndApproval(t *testing.T) {
	fx := newTestServer(t, ServerConfig{}, nil)

	srcResp := doRequest(t, fx.server, request{
		method:  http.MethodPost,
		path:    "/v1/spaces/sp_1/sources",
		headers: authHeaders(t, allScopes(), "corr_1"),
		body:    map[string]any{"name": "Block", "id": "s1"},
	})
	if srcResp.Code != http.StatusCreated {
		t.Fatalf("create source: %d (%s)", srcResp.Code, srcResp.Body.String())
	}

	// Unknown fields are a schema violation, not silently dropped.
	badResp := doRequest(t, fx.server, request{
		method:  http.MethodPost,
		path:    "/v1/spaces/sp_1/embeds",
		headers: authHeaders(t, allScopes(), "corr_2"),
		body:    map[string]any{"localId": "e1", "bogus": true},
	})
	if badResp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d (%s)", badResp.Code, badResp.Body.String())
	}
	var badPayload map[string]any
	if err := json.NewDecoder(badResp.Body).Decode(&badPayload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if badPayload["code"] != "validation_failed" {
		t.Fatalf("expected validation_failed, got %v", badPayload)
	}

	createResp := doRequest(t, fx.server, request{
		method:  http.MethodPost,
		path:    "/v1/spaces/sp_1/embeds",
		headers: authHeaders(t, allScopes(), "corr_3"),
		body: map[string]any{
			"localId":  "e1",
			"sourceId": "s1",
			"pageId":   "p1",
			"variables": map[string]any{
				"customer": "Acme",
			},
		},
	})
	if createResp.Code != http.StatusCreated {
		t.Fatalf("expected 201 on embed create, got %d (%s)", createResp.Code, createResp.Body.String())
	}

	approvalResp := doRequest(t, fx.server, request{
		method:  http.MethodPost,
		path:    "/v1/spaces/sp_1/embeds/e1/approval",
		headers: authHeaders(t, allScopes(), "corr_4"),
		body:    map[string]any{"status": "approved", "note": "looks right"},
	})
	if approvalResp.Code != http.StatusOK {
		t.Fatalf("expected 200 on approval, got %d (%s)", approvalResp.Code, approvalResp.Body.String())
	}
	var embed blueprint.Embed
	if err := json.NewDecoder(approvalResp.Body).Decode(&embed); err != nil {
		t.Fatalf("decode embed: %v", err)
	}
	if embed.Approval == nil || embed.Approval.Status != "approved" || len(embed.Approval.History) != 1 {
		t.Fatalf("approval state = %+v", embed.Approval)
	}
	if embed.Approval.History[0].Actor != "tester" {
		t.Fatalf("approval actor = %q, want the token subject", embed.Approval.History[0].Actor)
	}

	usageResp := doRequest(t, fx.server, request{
		method:  http.MethodGet,
		path:    "/v1/spaces/sp_1/usage/s1",
		headers: authHeaders(t, allScopes(), "corr_5"),
	})
	if usageResp.Code != http.StatusOK {
		t.Fatalf("expected 200 on usage, got %d (%s)", usageResp.Code, usageResp.Body.String())
	}
	var usage blueprint.UsageEntry
	if err := json.NewDecoder(usageResp.Body).Decode(&usage); err != nil {
		t.Fatalf("decode usage: %v", err)
	}
	if len(usage.Placements) != 1 || usage.Placements[0].LocalID != "e1" {
		t.Fatalf("usage = %+v", usage)
	}
}

func TestReconcileSchemaRejectsUnknownFields(t *testing.T) {
	fx := newTestServer(t, ServerConfig{}, nil)
	rec := doRequest(t, fx.server, request{
		method:  http.MethodPost,
		path:    "/v1/spaces/sp_1/reconcile",
		headers: authHeaders(t, allScopes(), "corr_1"),
		body:    map[string]any{"dryRun": true, "mode": "full"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d (%s)", rec.Code, rec.Body.String())
	}
	var payload map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["code"] != "validation_failed" {
		t.Fatalf("expected validation_failed, got %v", payload)
	}
}

func TestReconcileTriggerRunsToCompletion(t *testing.T) {
	fx := newTestServer(t, ServerConfig{}, nil)
	if err := fx.engine.Start(context.Background()); err != nil {
		t.Fatalf("engine start: %v", err)
	}

	trigger := doRequest(t, fx.server, request{
		method:  http.MethodPost,
		path:    "/v1/spaces/sp_1/reconcile",
		headers: authHeaders(t, allScopes(), "corr_1"),
		body:    map[string]any{"reason": "api test"},
	})
	if trigger.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%s)", trigger.Code, trigger.Body.String())
	}
	var queued struct {
		JobID  string `json:"jobId"`
		DryRun bool   `json:"dryRun"`
	}
	if err := json.NewDecoder(trigger.Body).Decode(&queued); err != nil {
		t.Fatalf("decode trigger response: %v", err)
	}
	if queued.JobID == "" {
		t.Fatal("no job id returned")
	}
	if !queued.DryRun {
		t.Fatal("dryRun must default to true")
	}

	deadline := time.Now().Add(5 * time.Second)
	var progress blueprint.Progress
	for time.Now().Before(deadline) {
		poll := doRequest(t, fx.server, request{
			method:  http.MethodGet,
			path:    "/v1/spaces/sp_1/jobs/" + queued.JobID,
			headers: authHeaders(t, allScopes(), "corr_2"),
		})
		if poll.Code != http.StatusOK {
			t.Fatalf("expected 200 on poll, got %d (%s)", poll.Code, poll.Body.String())
		}
		if err := json.NewDecoder(poll.Body).Decode(&progress); err != nil {
			t.Fatalf("decode progress: %v", err)
		}
		if progress.Phase.Terminal() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if progress.Phase != blueprint.PhaseComplete {
		t.Fatalf("job did not complete: %+v", progress)
	}
	if progress.Percent != 100 || progress.Result == nil {
		t.Fatalf("final progress = %+v", progress)
	}
}

func TestReconcileQueueFullSurfacesRetryAfter(t *testing.T) {
	fx := newTestServer(t, ServerConfig{}, func(o *blueprint.Options) {
		o.Queue = blueprint.NewInMemoryJobQueue(1)
	})
	// Workers are never started, so the first job stays queued.
	first := doRequest(t, fx.server, request{
		method:  http.MethodPost,
		path:    "/v1/spaces/sp_1/reconcile",
		headers: authHeaders(t, allScopes(), "corr_1"),
	})
	if first.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%s)", first.Code, first.Body.String())
	}
	second := doRequest(t, fx.server, request{
		method:  http.MethodPost,
		path:    "/v1/spaces/sp_1/reconcile",
		headers: authHeaders(t, allScopes(), "corr_2"),
	})
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d (%s)", second.Code, second.Body.String())
	}
	if second.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}

func TestRateLimitPerSubject(t *testing.T) {
	fx := newTestServer(t, ServerConfig{RateLimitMax: 1, RateLimitWindow: time.Minute}, nil)
	first := doRequest(t, fx.server, request{
		method:  http.MethodGet,
		path:    "/v1/spaces/sp_1/sources",
		headers: authHeaders(t, allScopes(), "corr_1"),
	})
	if first.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", first.Code, first.Body.String())
	}
	second := doRequest(t, fx.server, request{
		method:  http.MethodGet,
		path:    "/v1/spaces/sp_1/sources",
		headers: authHeaders(t, allScopes(), "corr_2"),
	})
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d (%s)", second.Code, second.Body.String())
	}
}

func signWebhook(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestPublishWebhookHMACAndReplay(t *testing.T) {
	fx := newTestServer(t, ServerConfig{}, nil)
	fx.pages.setPage(&confluence.Page{
		ID: "p1", Title: "Page One", Version: 2,
		Body: map[string]any{"type": "doc", "content": []any{}},
	})

	body, _ := json.Marshal(map[string]any{"pageId": "p1", "pageVersion": 2})

	noSig := httptest.NewRequest(http.MethodPost, "/v1/internal/publish-events", bytes.NewReader(body))
	noSig.Header.Set("X-Correlation-Id", "corr_1")
	rec := httptest.NewRecorder()
	fx.server.ServeHTTP(rec, noSig)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without signature, got %d (%s)", rec.Code, rec.Body.String())
	}

	timestamp := time.Now().UTC().Format(time.RFC3339)
	signature := signWebhook("dev-internal-secret", timestamp, body)
	signed := func(correlationID string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/internal/publish-events", bytes.NewReader(body))
		req.Header.Set("X-Correlation-Id", correlationID)
		req.Header.Set("X-Blueprint-Timestamp", timestamp)
		req.Header.Set("X-Blueprint-Signature", signature)
		rec := httptest.NewRecorder()
		fx.server.ServeHTTP(rec, req)
		return rec
	}

	okResp := signed("corr_2")
	if okResp.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid signature, got %d (%s)", okResp.Code, okResp.Body.String())
	}
	var result blueprint.PageSyncResult
	if err := json.NewDecoder(okResp.Body).Decode(&result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.PageID != "p1" {
		t.Fatalf("result = %+v", result)
	}

	replay := signed("corr_3")
	if replay.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 on replayed signature, got %d (%s)", replay.Code, replay.Body.String())
	}
}

func TestPublishWebhookSchemaValidated(t *testing.T) {
	fx := newTestServer(t, ServerConfig{}, nil)
	body, _ := json.Marshal(map[string]any{"pageTitle": "no id"})
	timestamp := time.Now().UTC().Format(time.RFC3339)
	req := httptest.NewRequest(http.MethodPost, "/v1/internal/publish-events", bytes.NewReader(body))
	req.Header.Set("X-Correlation-Id", "corr_1")
	req.Header.Set("X-Blueprint-Timestamp", timestamp)
	req.Header.Set("X-Blueprint-Signature", signWebhook("dev-internal-secret", timestamp, body))
	rec := httptest.NewRecorder()
	fx.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d (%s)", rec.Code, rec.Body.String())
	}
	var payload map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["code"] != "validation_failed" {
		t.Fatalf("expected validation_failed, got %v", payload)
	}
}

func TestBackupCreateAndRestoreOverHTTP(t *testing.T) {
	fx := newTestServer(t, ServerConfig{}, nil)
	ctx := context.Background()
	if _, err := fx.engine.CreateSource(ctx, blueprint.Source{ID: "s1", Name: "Block"}); err != nil {
		t.Fatalf("CreateSource: %v", err)
	}
	if _, err := fx.engine.SaveEmbed(ctx, blueprint.Embed{LocalID: "e1", SourceID: "s1", PageID: "p1"}); err != nil {
		t.Fatalf("SaveEmbed: %v", err)
	}

	createResp := doRequest(t, fx.server, request{
		method:  http.MethodPost,
		path:    "/v1/spaces/sp_1/backups",
		headers: authHeaders(t, allScopes(), "corr_1"),
		body:    map[string]any{"operation": "pre-migration"},
	})
	if createResp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", createResp.Code, createResp.Body.String())
	}
	var meta blueprint.BackupMeta
	if err := json.NewDecoder(createResp.Body).Decode(&meta); err != nil {
		t.Fatalf("decode backup meta: %v", err)
	}
	if meta.BackupID == "" || meta.Count != 1 {
		t.Fatalf("backup meta = %+v", meta)
	}

	if _, err := fx.engine.DeleteEmbed(ctx, "e1", blueprint.DeleteOptions{DryRun: boolPtr(false)}); err != nil {
		t.Fatalf("DeleteEmbed: %v", err)
	}

	restoreResp := doRequest(t, fx.server, request{
		method:  http.MethodPost,
		path:    "/v1/spaces/sp_1/backups/" + meta.BackupID + "/restore",
		headers: authHeaders(t, allScopes(), "corr_2"),
	})
	if restoreResp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", restoreResp.Code, restoreResp.Body.String())
	}
	var restored struct {
		Restored int `json:"restored"`
	}
	if err := json.NewDecoder(restoreResp.Body).Decode(&restored); err != nil {
		t.Fatalf("decode restore response: %v", err)
	}
	if restored.Restored != 1 {
		t.Fatalf("restored = %d, want 1", restored.Restored)
	}
	if _, err := fx.engine.GetEmbed(ctx, "e1"); err != nil {
		t.Fatalf("embed not back after restore: %v", err)
	}
}

func TestJobStreamPushesUntilTerminal(t *testing.T) {
	fx := newTestServer(t, ServerConfig{StreamInterval: 10 * time.Millisecond}, nil)
	if err := fx.engine.Start(context.Background()); err != nil {
		t.Fatalf("engine start: %v", err)
	}

	job, err := fx.engine.StartReconciliation(context.Background(), blueprint.TriggerOptions{Reason: "stream test"})
	if err != nil {
		t.Fatalf("StartReconciliation: %v", err)
	}

	ts := httptest.NewServer(fx.server)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/spaces/sp_1/jobs/" + job.JobID + "/stream"
	headers := http.Header{}
	for k, v := range authHeaders(t, allScopes(), "corr_1") {
		headers.Set(k, v)
	}
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	lastPercent := -1
	var final blueprint.Progress
	for {
		var progress blueprint.Progress
		if err := wsjson.Read(ctx, conn, &progress); err != nil {
			break
		}
		if progress.Percent < lastPercent {
			t.Fatalf("percent moved backwards: %d -> %d", lastPercent, progress.Percent)
		}
		lastPercent = progress.Percent
		final = progress
		if progress.Phase.Terminal() {
			break
		}
	}
	if final.Phase != blueprint.PhaseComplete {
		t.Fatalf("final stream frame = %+v", final)
	}
}

func TestJobStreamUnknownJob(t *testing.T) {
	fx := newTestServer(t, ServerConfig{}, nil)
	rec := doRequest(t, fx.server, request{
		method:  http.MethodGet,
		path:    "/v1/spaces/sp_1/jobs/nope/stream",
		headers: authHeaders(t, allScopes(), "corr_1"),
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before upgrade, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func boolPtr(v bool) *bool { return &v }
