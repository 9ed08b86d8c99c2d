package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"productline/internal/config"
	"productline/internal/db"
	"productline/internal/engine"
	"productline/internal/migrate"
)

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
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     AuthConfig{AllowLegacyActorHeader: true},
	})
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

var actorHeaders = map[string]string{"X-Actor-Id": "tester"}

func mustCreate(t *testing.T, client *http.Client, url string, body any) []byte {
	t.Helper()
	res, data := doJSON(t, client, http.MethodPost, url, body, actorHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("POST %s status %d: %s", url, res.StatusCode, string(data))
	}
	return data
}

func seedMotorOverHTTP(t *testing.T, srv *testServer) {
	t.Helper()
	client := srv.Client()
	base := srv.URL + "/v1"

	mustCreate(t, client, base+"/products", map[string]any{
		"id":            "motor",
		"name":          "Motor Insurance",
		"template_type": "motor-insurance",
	})
	mustCreate(t, client, base+"/products/motor/datatypes", map[string]any{
		"id":        "money",
		"primitive": "float",
		"constraints": map[string]any{
			"min": 0,
		},
	})
	mustCreate(t, client, base+"/products/motor/abstract-attributes", map[string]any{
		"component_type": "coverage",
		"name":           "sum-insured",
		"datatype_id":    "money",
	})
	mustCreate(t, client, base+"/products/motor/abstract-attributes", map[string]any{
		"component_type": "premium",
		"name":           "base-premium",
		"datatype_id":    "money",
	})
	mustCreate(t, client, base+"/products/motor/attributes", map[string]any{
		"component_type": "coverage",
		"component_id":   "main",
		"name":           "sum-insured",
		"value_type":     "FIXED_VALUE",
		"value":          50000,
	})
	mustCreate(t, client, base+"/products/motor/attributes", map[string]any{
		"component_type": "premium",
		"component_id":   "main",
		"name":           "base-premium",
		"value_type":     "JUST_DEFINITION",
	})
	mustCreate(t, client, base+"/products/motor/rules", map[string]any{
		"expression":   map[string]any{"*": []any{map[string]any{"var": "motor:coverage:main:sum-insured"}, 0.05}},
		"input_paths":  []string{"motor:coverage:main:sum-insured"},
		"output_paths": []string{"motor:premium:main:base-premium"},
	})
}

func TestHealthWithoutAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/products", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "unauthorized" {
		t.Fatalf("expected unauthorized code, got %q", envelope.Error.Code)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/products", nil, actorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("authenticated list status %d: %s", res.StatusCode, string(data))
	}
}

func TestProductEvaluationOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	seedMotorOverHTTP(t, srv)
	client := srv.Client()
	base := srv.URL + "/v1"

	res, data := doJSON(t, client, http.MethodPost, base+"/products/motor/evaluate", map[string]any{}, actorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("evaluate status %d: %s", res.StatusCode, string(data))
	}
	var result engine.EvaluationResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.Failed != 0 || result.Skipped != 0 {
		t.Fatalf("expected clean run, got %+v", result)
	}
	got, ok := result.Outputs["motor:premium:main:base-premium"].(float64)
	if !ok || got != 2500 {
		t.Fatalf("expected base premium 2500, got %v", result.Outputs["motor:premium:main:base-premium"])
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/products/motor/plan", nil, actorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("plan status %d: %s", res.StatusCode, string(data))
	}
	var plan struct {
		TotalRules  int `json:"total_rules"`
		TotalStages int `json:"total_stages"`
	}
	if err := json.Unmarshal(data, &plan); err != nil {
		t.Fatalf("unmarshal plan: %v", err)
	}
	if plan.TotalRules != 1 || plan.TotalStages != 1 {
		t.Fatalf("unexpected plan: %+v", plan)
	}
}

func TestRuleViolationsInErrorDetails(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	seedMotorOverHTTP(t, srv)
	client := srv.Client()
	base := srv.URL + "/v1"

	res, data := doJSON(t, client, http.MethodPost, base+"/products/motor/rules", map[string]any{
		"expression":   map[string]any{"var": "motor:driver:main:age"},
		"input_paths":  []string{"motor:driver:main:age"},
		"output_paths": []string{"motor:premium:main:base-premium"},
	}, actorHeaders)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Details struct {
				Violations []struct {
					Code string `json:"code"`
				} `json:"violations"`
			} `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "constraint_violation" {
		t.Fatalf("expected constraint_violation, got %q", envelope.Error.Code)
	}
	codes := map[string]bool{}
	for _, v := range envelope.Error.Details.Violations {
		codes[v.Code] = true
	}
	if !codes[engine.CodeUnknownInputPath] || !codes[engine.CodeDuplicateOutput] {
		t.Fatalf("expected UNKNOWN_INPUT_PATH and DUPLICATE_OUTPUT, got %v", codes)
	}
}

func TestActivationLockConflictOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	seedMotorOverHTTP(t, srv)
	client := srv.Client()
	base := srv.URL + "/v1"

	mustCreate(t, client, base+"/products/motor/functionalities", map[string]any{
		"name":                "quote",
		"required_attributes": []string{"motor:premium:main:base-premium"},
	})
	for _, status := range []string{"PENDING_APPROVAL", "ACTIVE"} {
		res, data := doJSON(t, client, http.MethodPost, base+"/products/motor/functionalities/quote/status", map[string]any{
			"status": status,
		}, actorHeaders)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("set status %s: %d %s", status, res.StatusCode, string(data))
		}
	}

	res, data := doJSON(t, client, http.MethodGet, base+"/attributes/motor:coverage:main:sum-insured/check-modification", nil, actorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("check-modification status %d: %s", res.StatusCode, string(data))
	}
	var check engine.ModificationCheck
	if err := json.Unmarshal(data, &check); err != nil {
		t.Fatalf("unmarshal check: %v", err)
	}
	if check.Allowed {
		t.Fatalf("expected modification refusal, got %+v", check)
	}

	res, data = doJSON(t, client, http.MethodPut, base+"/attributes/motor:premium:main:base-premium/value", map[string]any{
		"value_type": "FIXED_VALUE",
		"value":      123,
	}, actorHeaders)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on locked attribute, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "immutable" {
		t.Fatalf("expected immutable code, got %q", envelope.Error.Code)
	}
}

func TestCloneOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	seedMotorOverHTTP(t, srv)
	client := srv.Client()
	base := srv.URL + "/v1"

	data := mustCreate(t, client, base+"/products/motor/clone", map[string]any{
		"new_id":   "motorv2",
		"new_name": "Motor Insurance v2",
	})
	var clone engine.CloneResult
	if err := json.Unmarshal(data, &clone); err != nil {
		t.Fatalf("unmarshal clone: %v", err)
	}
	if clone.Product.ID != "motorv2" || clone.Product.Status != "DRAFT" {
		t.Fatalf("unexpected clone product: %+v", clone.Product)
	}
	if clone.Rules != 1 || clone.Attributes != 2 {
		t.Fatalf("unexpected clone counts: %+v", clone)
	}

	res, body := doJSON(t, client, http.MethodPost, base+"/products/motorv2/evaluate", map[string]any{}, actorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("evaluate clone status %d: %s", res.StatusCode, string(body))
	}
	var result engine.EvaluationResult
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if got, ok := result.Outputs["motorv2:premium:main:base-premium"].(float64); !ok || got != 2500 {
		t.Fatalf("expected remapped output 2500, got %v", result.Outputs)
	}
}
