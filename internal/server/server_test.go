package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"gateline/internal/config"
	"gateline/internal/db"
	"gateline/internal/governance"
	"gateline/internal/migrate"
)

const testJWTSecret = "server-test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default("gateline")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng, err := governance.New(conn, cfg, nil)
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	if err := eng.Repo.UpsertEngineConfig(context.Background(), cfg.Engine.ID, cfg); err != nil {
		t.Fatalf("seed engine config: %v", err)
	}
	handler, err := New(Config{Engine: eng, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testJWTSecret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func signToken(t *testing.T, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func authHeaders(t *testing.T) map[string]string {
	return map[string]string{"Authorization": "Bearer " + signToken(t, "tester")}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/items", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated request: %d", res.StatusCode)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/items", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: %d", res.StatusCode)
	}

	// Health stays open for probes.
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d", res.StatusCode)
	}
}

func TestItemAdvanceLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	headers := authHeaders(t)

	createRes, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/items", map[string]any{
		"title": "Ship feature",
	}, headers)
	if createRes.StatusCode != http.StatusCreated {
		t.Fatalf("create item status %d: %s", createRes.StatusCode, string(data))
	}
	var created WorkItemResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal item: %v", err)
	}
	if created.Phase != "intake" || created.Status != "draft" {
		t.Fatalf("item = %+v", created)
	}

	advRes, advBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/"+created.ID+"/advance", map[string]any{
		"evidence": map[string]any{
			"scope.defined":   map[string]any{"passed": true},
			"owner.assigned":  map[string]any{"passed": true},
			"type.classified": map[string]any{"passed": true},
		},
		"apply": true,
	}, headers)
	if advRes.StatusCode != http.StatusOK {
		t.Fatalf("advance status %d: %s", advRes.StatusCode, string(advBody))
	}
	var rep governance.Report
	if err := json.Unmarshal(advBody, &rep); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if rep.Verdict != "ADVANCE" || !rep.Applied || rep.Score != 100 {
		t.Fatalf("report = %+v", rep)
	}

	getRes, getBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/items/"+created.ID, nil, headers)
	if getRes.StatusCode != http.StatusOK {
		t.Fatalf("get item: %d %s", getRes.StatusCode, string(getBody))
	}
	var fetched WorkItemResponse
	if err := json.Unmarshal(getBody, &fetched); err != nil {
		t.Fatalf("unmarshal fetched: %v", err)
	}
	if fetched.Phase != "design" {
		t.Fatalf("phase = %s, want design", fetched.Phase)
	}

	grRes, grBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/items/"+created.ID+"/gate-results", nil, headers)
	if grRes.StatusCode != http.StatusOK {
		t.Fatalf("gate results: %d %s", grRes.StatusCode, string(grBody))
	}
	var gr struct {
		Results []struct {
			GateID string `json:"gate_id"`
			Score  int    `json:"score"`
		} `json:"results"`
	}
	if err := json.Unmarshal(grBody, &gr); err != nil {
		t.Fatalf("unmarshal gate results: %v", err)
	}
	if len(gr.Results) != 1 || gr.Results[0].GateID != "intake.review" {
		t.Fatalf("gate results = %+v", gr.Results)
	}
}

func TestRepeatedFailureShowsInEscalationQueue(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	headers := authHeaders(t)

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/items", map[string]any{
		"title": "Flaky work",
	}, headers)
	var created WorkItemResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal item: %v", err)
	}

	var rep governance.Report
	for i := 0; i < 3; i++ {
		res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/"+created.ID+"/advance", map[string]any{
			"evidence": map[string]any{},
		}, headers)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("advance %d: %d %s", i, res.StatusCode, string(body))
		}
		if err := json.Unmarshal(body, &rep); err != nil {
			t.Fatalf("unmarshal report: %v", err)
		}
	}
	if rep.Verdict != "BLOCKED" || rep.Escalation == nil || !rep.Escalation.Routed {
		t.Fatalf("third failure report = %+v", rep)
	}

	qRes, qBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/escalations", nil, headers)
	if qRes.StatusCode != http.StatusOK {
		t.Fatalf("queue: %d %s", qRes.StatusCode, string(qBody))
	}
	var queue struct {
		Items []struct {
			DecisionID string `json:"decision_id"`
			Category   string `json:"category"`
		} `json:"items"`
		TotalPending int `json:"total_pending"`
	}
	if err := json.Unmarshal(qBody, &queue); err != nil {
		t.Fatalf("unmarshal queue: %v", err)
	}
	if queue.TotalPending != 1 || queue.Items[0].Category != "intake.review" {
		t.Fatalf("queue = %+v", queue)
	}

	resolveRes, resolveBody := doJSON(t, client, http.MethodPost,
		srv.URL+"/v0/escalations/"+queue.Items[0].DecisionID+"/resolve", nil, headers)
	if resolveRes.StatusCode != http.StatusOK {
		t.Fatalf("resolve: %d %s", resolveRes.StatusCode, string(resolveBody))
	}
	_, qBody = doJSON(t, client, http.MethodGet, srv.URL+"/v0/escalations", nil, headers)
	if err := json.Unmarshal(qBody, &queue); err != nil {
		t.Fatalf("unmarshal queue: %v", err)
	}
	if queue.TotalPending != 0 {
		t.Fatalf("queue after resolve = %+v", queue)
	}
}

func TestGuardCheckBlocksProhibitedArtifact(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	headers := authHeaders(t)

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/guard/check", map[string]any{
		"operation":   "create-artifact-file",
		"target_path": "docs/HANDOFF_NOTES.md",
	}, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("guard check: %d %s", res.StatusCode, string(body))
	}
	var a struct {
		Verdict    string `json:"verdict"`
		Confidence int    `json:"confidence"`
		Violations []struct {
			Code string `json:"code"`
		} `json:"violations"`
	}
	if err := json.Unmarshal(body, &a); err != nil {
		t.Fatalf("unmarshal assessment: %v", err)
	}
	if a.Verdict != "BLOCKED" || a.Confidence != 100 {
		t.Fatalf("assessment = %+v", a)
	}
	if len(a.Violations) != 1 || a.Violations[0].Code != "PROHIBITED_ARTIFACT_PATTERN" {
		t.Fatalf("violations = %+v", a.Violations)
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/guard/check", map[string]any{
		"operation": "bogus",
	}, headers)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid operation: %d %s", res.StatusCode, string(body))
	}
}

func TestHandoffEndpointReturnsAssessment(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	headers := authHeaders(t)

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/items", map[string]any{
		"title": "Work to hand off",
	}, headers)
	var created WorkItemResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal item: %v", err)
	}

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/"+created.ID+"/handoffs", map[string]any{
		"kind": "handoff",
		"narrative": map[string]string{
			"summary":    "done",
			"context":    "ctx",
			"next_steps": "ship",
			"risks":      "none",
			"artifacts":  created.ID,
		},
	}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create handoff: %d %s", res.StatusCode, string(body))
	}
	var out struct {
		Handoff *struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"handoff"`
		Assessment struct {
			Verdict string `json:"verdict"`
		} `json:"assessment"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal handoff: %v", err)
	}
	if out.Handoff == nil || out.Handoff.Status != "draft" || out.Assessment.Verdict != "APPROVED" {
		t.Fatalf("handoff = %+v", out)
	}
}

func TestNotFoundAndTerminalErrors(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	headers := authHeaders(t)

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/items/W-missing", nil, headers)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing item: %d %s", res.StatusCode, string(body))
	}
	var apiErr struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(body, &apiErr); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if apiErr.Error.Code != "not_found" {
		t.Fatalf("error = %+v", apiErr)
	}

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/items", map[string]any{
		"title": "Terminal case",
	}, headers)
	var created WorkItemResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal item: %v", err)
	}
	for i := 0; i < 5; i++ {
		res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/"+created.ID+"/advance", map[string]any{
			"apply": true,
			"force": true,
		}, headers)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("forced advance %d: %d %s", i, res.StatusCode, string(body))
		}
	}
	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/"+created.ID+"/advance", map[string]any{}, headers)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("terminal advance: %d %s", res.StatusCode, string(body))
	}
}
