package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"notifyd/internal/config"
	"notifyd/internal/directory"
	"notifyd/internal/engine"
	"notifyd/internal/kit"
	"notifyd/internal/storage"
	"notifyd/pkg/logx"
)

const testSecret = "test-secret"

var principals = []kit.Principal{
	{ID: "alice", Kind: kit.KindCustomer, TenantID: "t1", Active: true},
	{ID: "tadmin", Kind: kit.KindTenantAdmin, TenantID: "t1", Active: true},
}

func newServer(t *testing.T) *Server {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	var cfg config.Config
	cfg.Engine.Timezone = "UTC"
	eng, err := engine.New(cfg, engine.Deps{
		Store: st,
		Dir:   directory.NewStatic(principals),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return New(config.HTTPConfig{JWTSecret: testSecret}, eng, logx.Nop())
}

func token(t *testing.T, id string) string {
	t.Helper()
	var p kit.Principal
	for _, cand := range principals {
		if cand.ID == id {
			p = cand
		}
	}
	tok, err := GenerateToken(testSecret, p, time.Hour)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	return tok
}

func do(t *testing.T, s *Server, method, path, bearer, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func createNotification(t *testing.T, s *Server) string {
	t.Helper()
	w := do(t, s, http.MethodPost, "/api/v1/notifications", token(t, "alice"),
		`{"recipient":"alice","tenant_id":"t1","event_type":"order_created","title":"Order placed","message":"ok"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create = %d: %s", w.Code, w.Body.String())
	}
	id, _ := decode(t, w)["id"].(string)
	if id == "" {
		t.Fatal("create returned no id")
	}
	return id
}

func TestHealthUnauthenticated(t *testing.T) {
	t.Parallel()
	s := newServer(t)
	if w := do(t, s, http.MethodGet, "/health", "", ""); w.Code != http.StatusOK {
		t.Fatalf("health = %d", w.Code)
	}
}

func TestAuthRejections(t *testing.T) {
	t.Parallel()
	s := newServer(t)

	if w := do(t, s, http.MethodGet, "/api/v1/notifications/unread", "", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("no token = %d, want 401", w.Code)
	}
	if w := do(t, s, http.MethodGet, "/api/v1/notifications/unread", "garbage", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token = %d, want 401", w.Code)
	}

	forged, err := GenerateToken("other-secret", principals[0], time.Hour)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if w := do(t, s, http.MethodGet, "/api/v1/notifications/unread", forged, ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("forged token = %d, want 401", w.Code)
	}

	expired, err := GenerateToken(testSecret, principals[0], -time.Minute)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if w := do(t, s, http.MethodGet, "/api/v1/notifications/unread", expired, ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("expired token = %d, want 401", w.Code)
	}
}

func TestTokenAsQueryParam(t *testing.T) {
	t.Parallel()
	s := newServer(t)

	path := "/api/v1/notifications/unread?token=" + token(t, "alice")
	if w := do(t, s, http.MethodGet, path, "", ""); w.Code != http.StatusOK {
		t.Fatalf("query token = %d, want 200", w.Code)
	}
}

func TestCreateAndList(t *testing.T) {
	t.Parallel()
	s := newServer(t)

	id := createNotification(t, s)

	w := do(t, s, http.MethodGet, "/api/v1/notifications/unread", token(t, "alice"), "")
	if w.Code != http.StatusOK {
		t.Fatalf("unread = %d", w.Code)
	}
	body := decode(t, w)
	if got := body["count"].(float64); got != 1 {
		t.Fatalf("count = %v", got)
	}
	list := body["notifications"].([]any)
	if first := list[0].(map[string]any); first["id"].(string) != id {
		t.Fatalf("listed id = %v, want %s", first["id"], id)
	}
}

func TestCreateMalformedBody(t *testing.T) {
	t.Parallel()
	s := newServer(t)

	w := do(t, s, http.MethodPost, "/api/v1/notifications", token(t, "alice"), `{"recipient":`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("malformed = %d, want 400", w.Code)
	}
}

func TestCreateCrossTenantDenied(t *testing.T) {
	t.Parallel()
	s := newServer(t)

	w := do(t, s, http.MethodPost, "/api/v1/notifications", token(t, "alice"),
		`{"recipient":"alice","tenant_id":"t9","event_type":"order_created","title":"x","message":"y"}`)
	if w.Code != http.StatusForbidden {
		t.Fatalf("cross-tenant = %d, want 403", w.Code)
	}
}

func TestAckFlow(t *testing.T) {
	t.Parallel()
	s := newServer(t)
	id := createNotification(t, s)

	if w := do(t, s, http.MethodPost, "/api/v1/notifications/"+id+"/ack", token(t, "alice"), ""); w.Code != http.StatusOK {
		t.Fatalf("ack = %d: %s", w.Code, w.Body.String())
	}
	if w := do(t, s, http.MethodPost, "/api/v1/notifications/"+id+"/ack", token(t, "alice"), ""); w.Code != http.StatusConflict {
		t.Fatalf("double ack = %d, want 409", w.Code)
	}
	if w := do(t, s, http.MethodPost, "/api/v1/notifications/missing/ack", token(t, "alice"), ""); w.Code != http.StatusNotFound {
		t.Fatalf("missing ack = %d, want 404", w.Code)
	}
}

func TestReadFlow(t *testing.T) {
	t.Parallel()
	s := newServer(t)
	id := createNotification(t, s)
	createNotification(t, s)

	if w := do(t, s, http.MethodPut, "/api/v1/notifications/"+id+"/read", token(t, "alice"), ""); w.Code != http.StatusOK {
		t.Fatalf("read = %d", w.Code)
	}
	w := do(t, s, http.MethodPut, "/api/v1/notifications/read-all", token(t, "alice"), "")
	if w.Code != http.StatusOK {
		t.Fatalf("read-all = %d", w.Code)
	}
	if got := decode(t, w)["marked"].(float64); got != 1 {
		t.Fatalf("marked = %v, want 1", got)
	}
}

func TestAuditTrailAdminOnly(t *testing.T) {
	t.Parallel()
	s := newServer(t)
	id := createNotification(t, s)

	if w := do(t, s, http.MethodGet, "/api/v1/notifications/"+id+"/audit", token(t, "alice"), ""); w.Code != http.StatusForbidden {
		t.Fatalf("customer audit = %d, want 403", w.Code)
	}

	w := do(t, s, http.MethodGet, "/api/v1/notifications/"+id+"/audit", token(t, "tadmin"), "")
	if w.Code != http.StatusOK {
		t.Fatalf("admin audit = %d", w.Code)
	}
	entries := decode(t, w)["entries"].([]any)
	if len(entries) == 0 {
		t.Fatal("audit trail empty")
	}
}

func TestStatusEndpoint(t *testing.T) {
	t.Parallel()
	s := newServer(t)

	w := do(t, s, http.MethodGet, "/api/v1/status", token(t, "alice"), "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if _, ok := decode(t, w)["live_connections"]; !ok {
		t.Fatalf("status body = %s", w.Body.String())
	}
}
