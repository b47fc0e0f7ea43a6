package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"deployline/internal/config"
	"deployline/internal/db"
	"deployline/internal/deployment"
	"deployline/internal/engine"
	"deployline/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowLegacyActorHeader: true},
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
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

var asOps = map[string]string{"X-Actor-Id": "ops"}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
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

func studyRequest(id string) map[string]any {
	return map[string]any{
		"id": id,
		"protocol": map[string]any{
			"id": "sleep-study",
			"devices": []map[string]any{
				{"role_name": "phone", "type": "smartphone", "is_primary": true},
				{"role_name": "browser", "type": "web_browser", "is_primary": true},
				{"role_name": "strap", "type": "bluetooth_heart_rate", "is_primary": false},
			},
			"connections": []map[string]any{{"primary": "phone", "connected": "strap"}},
			"tasks":       []map[string]any{{"name": "hr"}},
			"triggers":    []map[string]any{{"id": 0, "type": "elapsed_time", "source_device_role_name": "phone"}},
			"task_controls": []map[string]any{
				{"trigger_id": 0, "task_name": "hr", "destination_device_role_name": "strap", "control": "start"},
			},
		},
		"participant_assignments": []map[string]any{
			{"participant_id": "p-1", "primary_device_role_names": []string{"phone", "browser"}},
		},
	}
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error: %v (%s)", err, string(data))
	}
	return env
}

func TestDeploymentFlowWithStaleConfirmation(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/deployments"

	res, data := doJSON(t, client, http.MethodPost, base, studyRequest("dep-1"), asOps)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	var status deployment.Status
	if err := json.Unmarshal(data, &status); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if status.Kind != deployment.StatusInvited || status.DeploymentID != "dep-1" {
		t.Fatalf("unexpected status %+v", status)
	}

	for role, body := range map[string]any{
		"phone":   map[string]any{"device_id": "imei-1"},
		"browser": map[string]any{"device_id": "browser-1"},
	} {
		res, data := doJSON(t, client, http.MethodPut, base+"/dep-1/devices/"+role+"/registration", body, asOps)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("register %s status %d: %s", role, res.StatusCode, string(data))
		}
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/dep-1/devices/phone/package", nil, asOps)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("package status %d: %s", res.StatusCode, string(data))
	}
	var stale deployment.Package
	if err := json.Unmarshal(data, &stale); err != nil {
		t.Fatalf("unmarshal package: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPut, base+"/dep-1/devices/strap/registration", map[string]any{
		"type":       "mac_address",
		"device_id":  "00:11:22:33:44:55",
		"properties": map[string]any{"mac_address": "00:11:22:33:44:55"},
	}, asOps)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("register strap status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/dep-1/devices/phone/deployed", map[string]any{"stamp": stale.Stamp}, asOps)
	if res.StatusCode != http.StatusPreconditionFailed {
		t.Fatalf("expected 412, got %d: %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	if env.Error.Code != "stale_deployment" {
		t.Fatalf("expected stale_deployment, got %s", env.Error.Code)
	}
	if env.Error.Details["expected_stamp"] != stale.Stamp || env.Error.Details["actual_stamp"] == stale.Stamp {
		t.Fatalf("unexpected details %+v", env.Error.Details)
	}

	for _, role := range []string{"browser", "phone"} {
		res, data := doJSON(t, client, http.MethodGet, base+"/dep-1/devices/"+role+"/package", nil, asOps)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("package %s status %d: %s", role, res.StatusCode, string(data))
		}
		var pkg deployment.Package
		_ = json.Unmarshal(data, &pkg)
		res, data = doJSON(t, client, http.MethodPost, base+"/dep-1/devices/"+role+"/deployed", map[string]any{"stamp": pkg.Stamp}, asOps)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("deployed %s status %d: %s", role, res.StatusCode, string(data))
		}
		if err := json.Unmarshal(data, &status); err != nil {
			t.Fatalf("unmarshal status: %v", err)
		}
	}
	if status.Kind != deployment.StatusRunning {
		t.Fatalf("expected running, got %s", status.Kind)
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/dep-1/events?limit=2", nil, asOps)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("expected a page of 2 with a cursor, got %d %q", len(page.Items), page.NextCursor)
	}
	if page.Items[0].Type != "deployment.started" || page.Items[0].ActorID != "ops" {
		t.Fatalf("unexpected latest event %+v", page.Items[0])
	}
}

func TestDeviceRoutesBindPathParameters(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/deployments"

	res, data := doJSON(t, client, http.MethodPost, base, studyRequest("dep-1"), asOps)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPut, base+"/dep-1/devices/phone/registration", map[string]any{"device_id": "imei-1"}, asOps)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("register phone status %d: %s", res.StatusCode, string(data))
	}
	var status deployment.Status
	if err := json.Unmarshal(data, &status); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	phone, ok := status.Device("phone")
	if status.DeploymentID != "dep-1" || !ok || phone.Kind != deployment.DeviceRegistered {
		t.Fatalf("expected phone registered on dep-1, got %+v", status)
	}
	if browser, _ := status.Device("browser"); browser.Kind != deployment.DeviceUnregistered {
		t.Fatalf("expected browser untouched, got %s", browser.Kind)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/dep-1/devices/watch/deployed", map[string]any{"stamp": "x"}, asOps)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown role, got %d: %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "validation_error" || env.Error.Details["role_name"] != "watch" {
		t.Fatalf("unexpected error %+v", env.Error)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/dep-1/devices/browser/deployed", map[string]any{"stamp": "x"}, asOps)
	if res.StatusCode != http.StatusConflict || decodeError(t, data).Error.Code != "precondition_failed" {
		t.Fatalf("expected precondition_failed for browser, got %d: %s", res.StatusCode, string(data))
	}
}

func TestErrorMapping(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/deployments"

	invalid := studyRequest("bad")
	invalid["protocol"].(map[string]any)["devices"] = []map[string]any{
		{"role_name": "strap", "type": "bluetooth_heart_rate", "is_primary": false},
	}
	invalid["participant_assignments"] = []map[string]any{}
	res, data := doJSON(t, client, http.MethodPost, base, invalid, asOps)
	if res.StatusCode != http.StatusUnprocessableEntity || decodeError(t, data).Error.Code != "invalid_protocol" {
		t.Fatalf("expected invalid_protocol, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/missing", nil, asOps)
	if res.StatusCode != http.StatusNotFound || decodeError(t, data).Error.Code != "not_found" {
		t.Fatalf("expected not_found, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base, studyRequest("dep-1"), asOps)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, base, studyRequest("dep-1"), asOps)
	if res.StatusCode != http.StatusConflict || decodeError(t, data).Error.Code != "conflict" {
		t.Fatalf("expected conflict, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPut, base+"/dep-1/devices/strap/registration", map[string]any{"device_id": "nope"}, asOps)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	if env.Error.Code != "validation_error" || env.Error.Details["role_name"] != "strap" {
		t.Fatalf("unexpected error %+v", env.Error)
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/dep-1/devices/phone/package", nil, asOps)
	if res.StatusCode != http.StatusConflict || decodeError(t, data).Error.Code != "precondition_failed" {
		t.Fatalf("expected precondition_failed, got %d %s", res.StatusCode, string(data))
	}
}

func TestListStatusAndRemove(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/deployments"

	for _, id := range []string{"dep-1", "dep-2", "dep-3"} {
		res, data := doJSON(t, client, http.MethodPost, base, studyRequest(id), asOps)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create %s status %d: %s", id, res.StatusCode, string(data))
		}
	}

	var seen []string
	cursor := ""
	for {
		url := base + "?limit=2"
		if cursor != "" {
			url += "&cursor=" + cursor
		}
		res, data := doJSON(t, client, http.MethodGet, url, nil, asOps)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("list status %d: %s", res.StatusCode, string(data))
		}
		var page paginatedDeployments
		if err := json.Unmarshal(data, &page); err != nil {
			t.Fatalf("unmarshal list: %v", err)
		}
		for _, item := range page.Items {
			seen = append(seen, item.ID)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	if len(seen) != 3 {
		t.Fatalf("expected 3 deployments across pages, got %v", seen)
	}

	res, data := doJSON(t, client, http.MethodPost, base+"/status", map[string]any{"deployment_ids": []string{"dep-2", "dep-1"}}, asOps)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status list %d: %s", res.StatusCode, string(data))
	}
	var list statusList
	_ = json.Unmarshal(data, &list)
	if len(list.Items) != 2 || list.Items[0].DeploymentID != "dep-2" {
		t.Fatalf("unexpected status list %+v", list)
	}

	res, data = doJSON(t, client, http.MethodDelete, base, map[string]any{"deployment_ids": []string{"dep-1", "unknown"}}, asOps)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("remove %d: %s", res.StatusCode, string(data))
	}
	var removed removedDeployments
	_ = json.Unmarshal(data, &removed)
	if len(removed.Removed) != 1 || removed.Removed[0] != "dep-1" {
		t.Fatalf("unexpected removed %+v", removed)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/dep-2/stop", nil, asOps)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), `"status":"stopped"`) {
		t.Fatalf("stop %d: %s", res.StatusCode, string(data))
	}
}

func TestAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should not require auth, got %d", res.StatusCode)
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/deployments", nil, nil)
	if res.StatusCode != http.StatusUnauthorized || decodeError(t, data).Error.Code != "unauthorized" {
		t.Fatalf("expected unauthorized, got %d %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/deployments", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected invalid token to fail, got %d", res.StatusCode)
	}

	token, err := IssueToken(testSecret, "researcher", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/deployments", studyRequest("dep-1"), map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create with jwt %d: %s", res.StatusCode, string(data))
	}

	_, secret, err := srv.Engine.CreateAPIKey(context.Background(), "device-app", "")
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/deployments/dep-1/stop", nil, map[string]string{"X-Api-Key": secret})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stop with api key %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/deployments/dep-1/events", nil, map[string]string{"X-Api-Key": secret})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events %d: %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	_ = json.Unmarshal(data, &page)
	if len(page.Items) != 2 || page.Items[0].ActorID != "device-app" || page.Items[1].ActorID != "researcher" {
		t.Fatalf("unexpected actors %+v", page.Items)
	}
	keys, err := srv.Engine.ListAPIKeys(context.Background(), "device-app")
	if err != nil || len(keys) != 1 || keys[0].LastUsedAt == "" {
		t.Fatalf("expected key use recorded, got %+v (%v)", keys, err)
	}
}

func TestOpenAPIIsServed(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
	for _, want := range []string{"/v0/deployments/{deployment_id}/devices/{role_name}/package", "bearerAuth"} {
		if !strings.Contains(string(data), want) {
			t.Fatalf("openapi missing %q", want)
		}
	}
}

func TestOpenAPIConcurrentFirstRequests(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	bodies := make([][]byte, 8)
	var wg sync.WaitGroup
	for i := range bodies {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := srv.Client().Get(srv.URL + "/v0/openapi.json")
			if err != nil {
				t.Errorf("get openapi: %v", err)
				return
			}
			defer res.Body.Close()
			bodies[i], _ = io.ReadAll(res.Body)
		}(i)
	}
	wg.Wait()
	for i, body := range bodies {
		if len(body) == 0 || !bytes.Equal(body, bodies[0]) {
			t.Fatalf("response %d differs from the first", i)
		}
	}
}

func TestWebhookDeliversNewEvents(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/deployments", studyRequest("before"), asOps)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}

	var mu sync.Mutex
	var got []webhookEvent
	var headers []http.Header
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		got = append(got, evt)
		headers = append(headers, r.Header.Clone())
		mu.Unlock()
	}))
	defer hook.Close()

	d := newWebhookDispatcher(srv.Engine, []config.WebhookConfig{{
		URL:    hook.URL,
		Events: []string{"deployment.stopped"},
		Secret: "s3cret",
	}}, nil)
	ctx := context.Background()
	d.dispatchAll(ctx)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/deployments", studyRequest("after"), asOps)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/deployments/after/stop", nil, asOps)
	d.dispatchAll(ctx)
	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected one delivery, got %d", len(got))
	}
	if got[0].Type != "deployment.stopped" || got[0].DeploymentID != "after" {
		t.Fatalf("unexpected event %+v", got[0])
	}
	if headers[0].Get("X-Deployline-Event") != "deployment.stopped" || headers[0].Get("X-Deployline-Secret") != "s3cret" {
		t.Fatalf("unexpected headers %v", headers[0])
	}
}
