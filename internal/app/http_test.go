package app

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"tandem/api/internal/generate"
	"tandem/api/internal/metrics"
)

func newTestHandler(opts Options) (http.Handler, *Service, *memStore) {
	svc, ms := newTestService(opts)
	return NewHTTPServer(svc, "http://localhost:3000").Handler(), svc, ms
}

func doRequest(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return payload
}

func TestHealthAndReady(t *testing.T) {
	h, _, ms := newTestHandler(Options{})

	rec := doRequest(t, h, http.MethodGet, "/api/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health: expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected a request id header")
	}

	rec = doRequest(t, h, http.MethodGet, "/api/ready", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ready: expected 200, got %d", rec.Code)
	}

	ms.pingErr = errors.New("connection refused")
	rec = doRequest(t, h, http.MethodGet, "/api/ready", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("ready with db down: expected 503, got %d", rec.Code)
	}
	if payload := decodeResponse(t, rec); payload["status"] != "not_ready" {
		t.Fatalf("unexpected ready payload: %v", payload)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	h, _, _ := newTestHandler(Options{})
	for _, path := range []string{"/api/lists", "/api/lists/lst_1/todos", "/api/search?q=x"} {
		rec := doRequest(t, h, http.MethodGet, path, "", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", path, rec.Code)
		}
		if payload := decodeResponse(t, rec); payload["code"] != "UNAUTHENTICATED" {
			t.Fatalf("%s: unexpected code %v", path, payload["code"])
		}
	}

	rec := doRequest(t, h, http.MethodGet, "/api/lists", "not-a-jwt", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: expected 401, got %d", rec.Code)
	}
}

func TestListLifecycleOverHTTP(t *testing.T) {
	h, svc, ms := newTestHandler(Options{})
	ms.addUser("usr_a", "a@example.com", "Avery")
	ms.addUser("usr_b", "b@example.com", "Blake")
	token := sessionFor(t, svc, "usr_a").Token
	other := sessionFor(t, svc, "usr_b").Token

	rec := doRequest(t, h, http.MethodPost, "/api/lists", token, map[string]any{"name": "Groceries"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create list: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	created := decodeResponse(t, rec)
	listID, _ := created["id"].(string)
	if listID == "" || created["role"] != "owner" {
		t.Fatalf("unexpected list payload: %v", created)
	}

	rec = doRequest(t, h, http.MethodPost, "/api/lists/"+listID+"/todos", token, map[string]any{"title": "Milk", "dueDate": "2099-01-01"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create todo: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	todoID, _ := decodeResponse(t, rec)["id"].(string)

	rec = doRequest(t, h, http.MethodPut, "/api/todos/"+todoID+"/completed", token, map[string]any{})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("missing completed: expected 422, got %d", rec.Code)
	}
	rec = doRequest(t, h, http.MethodPut, "/api/todos/"+todoID+"/completed", token, map[string]any{"completed": true})
	if rec.Code != http.StatusOK || decodeResponse(t, rec)["completed"] != true {
		t.Fatalf("set completed: %d %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, h, http.MethodGet, "/api/lists/"+listID+"/todos", other, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("stranger todos: expected 403, got %d", rec.Code)
	}
	if payload := decodeResponse(t, rec); payload["code"] != "UNAUTHORIZED" {
		t.Fatalf("unexpected code: %v", payload)
	}

	rec = doRequest(t, h, http.MethodPost, "/api/lists/"+listID+"/participants", token, map[string]any{"email": "b@example.com", "role": "viewer"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("add participant: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = doRequest(t, h, http.MethodPost, "/api/lists/"+listID+"/participants", token, map[string]any{"email": "b@example.com", "role": "viewer"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate participant: expected 409, got %d", rec.Code)
	}

	rec = doRequest(t, h, http.MethodGet, "/api/lists", other, nil)
	lists, _ := decodeResponse(t, rec)["lists"].([]any)
	if len(lists) != 1 || lists[0].(map[string]any)["role"] != "viewer" {
		t.Fatalf("unexpected lists for viewer: %v", lists)
	}

	rec = doRequest(t, h, http.MethodPost, "/api/lists/"+listID+"/todos", token, map[string]any{"title": "", "dueDate": "2099-01-01"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("blank title: expected 422, got %d", rec.Code)
	}
	details, _ := decodeResponse(t, rec)["details"].(map[string]any)
	if details["field"] != "title" {
		t.Fatalf("expected title field detail, got %v", details)
	}

	rec = doRequest(t, h, http.MethodDelete, "/api/lists/"+listID, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete list: expected 200, got %d", rec.Code)
	}
	rec = doRequest(t, h, http.MethodGet, "/api/lists/"+listID, token, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("deleted list: expected 403, got %d", rec.Code)
	}
}

func TestInvalidBodyAndUnknownRoutes(t *testing.T) {
	h, svc, ms := newTestHandler(Options{})
	ms.addUser("usr_a", "a@example.com", "Avery")
	token := sessionFor(t, svc, "usr_a").Token

	req := httptest.NewRequest(http.MethodPost, "/api/lists", strings.NewReader("{not json"))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad json: expected 400, got %d", rec.Code)
	}

	rec = doRequest(t, h, http.MethodGet, "/api/nope", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown route: expected 404, got %d", rec.Code)
	}
	rec = doRequest(t, h, http.MethodPatch, "/api/health", "", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("wrong method: expected 405, got %d", rec.Code)
	}
}

func TestPreflightShortCircuits(t *testing.T) {
	h, _, _ := newTestHandler(Options{})
	rec := doRequest(t, h, http.MethodOptions, "/api/lists", "", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Fatalf("missing CORS origin header")
	}
	if !strings.Contains(rec.Header().Get("Access-Control-Allow-Methods"), "PATCH") {
		t.Fatalf("expected PATCH in allowed methods")
	}
}

func TestOptionalCollaboratorsReportUnavailable(t *testing.T) {
	h, svc, ms := newTestHandler(Options{})
	ms.addUser("usr_a", "a@example.com", "Avery")
	session := sessionFor(t, svc, "usr_a")
	list, _ := svc.CreateList(t.Context(), session, "Solo")

	tests := []struct {
		method string
		path   string
		body   any
		code   string
	}{
		{method: http.MethodGet, path: "/api/search?q=milk", code: "SEARCH_UNAVAILABLE"},
		{method: http.MethodPost, path: "/api/lists/" + list.ID + "/attachments", body: map[string]any{"content": "aGk=", "filename": "a.txt"}, code: "STORAGE_UNAVAILABLE"},
		{method: http.MethodGet, path: "/api/lists/" + list.ID + "/messages/unread", code: "READ_STATE_UNAVAILABLE"},
		{method: http.MethodPost, path: "/api/generate-todos", body: map[string]any{"topic": "trip"}, code: "GENERATION_UNAVAILABLE"},
	}
	for _, tt := range tests {
		rec := doRequest(t, h, tt.method, tt.path, session.Token, tt.body)
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("%s: expected 503, got %d", tt.path, rec.Code)
		}
		if payload := decodeResponse(t, rec); payload["code"] != tt.code {
			t.Fatalf("%s: expected %s, got %v", tt.path, tt.code, payload["code"])
		}
	}
}

func TestGenerateStreamWritesNDJSON(t *testing.T) {
	generator := &fakeGenerator{
		items: []generate.Item{
			{Index: 0, Candidate: candidate("Sunscreen", "2099-07-01")},
			{Index: 1, Err: errors.New("bad item")},
			{Index: 2, Candidate: candidate("Towels", "2099-07-01")},
		},
		err: &generate.UpstreamError{Status: 502, Body: "cut off"},
	}
	h, svc, ms := newTestHandler(Options{Generator: generator})
	ms.addUser("usr_a", "a@example.com", "Avery")
	token := sessionFor(t, svc, "usr_a").Token

	rec := doRequest(t, h, http.MethodPost, "/api/generate-todos", token, map[string]any{"topic": "beach", "count": 5})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("unexpected content type %q", ct)
	}

	var lines []map[string]any
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		var line map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			t.Fatalf("line %q is not JSON: %v", scanner.Text(), err)
		}
		lines = append(lines, line)
	}
	if len(lines) != 3 {
		t.Fatalf("expected 2 candidates and a terminal error line, got %v", lines)
	}
	if lines[0]["title"] != "Sunscreen" || lines[1]["title"] != "Towels" {
		t.Fatalf("unexpected candidates: %v", lines[:2])
	}
	if lines[0]["dueDate"] != "2099-07-01" {
		t.Fatalf("expected dueDate key in candidate: %v", lines[0])
	}
	if lines[2]["error"] == nil {
		t.Fatalf("expected terminal error line, got %v", lines[2])
	}
}

func TestGenerateStreamFailsBeforeFirstLine(t *testing.T) {
	generator := &fakeGenerator{err: &generate.UpstreamError{Status: 500, Body: "down"}}
	h, svc, ms := newTestHandler(Options{Generator: generator})
	ms.addUser("usr_a", "a@example.com", "Avery")
	token := sessionFor(t, svc, "usr_a").Token

	rec := doRequest(t, h, http.MethodPost, "/api/generate-todos", token, map[string]any{"topic": "beach"})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if payload := decodeResponse(t, rec); payload["code"] != "EXTERNAL_SERVICE_FAILURE" {
		t.Fatalf("unexpected payload: %v", payload)
	}
}

func TestMetricsEndpointLabelsRoutes(t *testing.T) {
	h, svc, ms := newTestHandler(Options{Metrics: metrics.New()})
	ms.addUser("usr_a", "a@example.com", "Avery")
	token := sessionFor(t, svc, "usr_a").Token

	doRequest(t, h, http.MethodGet, "/api/lists/lst_missing/todos", token, nil)
	rec := doRequest(t, h, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `route="/api/lists/{id}/todos"`) {
		t.Fatalf("expected route template label in metrics output")
	}
	if !strings.Contains(body, `tandem_authz_denials_total{action="read"} 1`) {
		t.Fatalf("expected a recorded read denial in metrics output")
	}
}

func TestUploadBodyLimitFollowsAttachmentLimit(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte("x"), 128*1024))

	h, svc, ms := newTestHandler(Options{Blobs: &fakeBlobs{unlimited: true}})
	ms.addUser("usr_a", "a@example.com", "Avery")
	a := sessionFor(t, svc, "usr_a")
	list, _ := svc.CreateList(t.Context(), a, "Photos")
	rec := doRequest(t, h, http.MethodPost, "/api/lists/"+list.ID+"/attachments", a.Token, map[string]any{"content": payload, "filename": "big.bin"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("unlimited upload: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	h, svc, ms = newTestHandler(Options{Blobs: &fakeBlobs{maxBytes: 1024}})
	ms.addUser("usr_a", "a@example.com", "Avery")
	a = sessionFor(t, svc, "usr_a")
	list, _ = svc.CreateList(t.Context(), a, "Photos")
	rec = doRequest(t, h, http.MethodPost, "/api/lists/"+list.ID+"/attachments", a.Token, map[string]any{"content": payload, "filename": "big.bin"})
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("limited upload: expected 413, got %d: %s", rec.Code, rec.Body.String())
	}
}
