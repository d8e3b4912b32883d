package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"agentmarket/internal/app"
	"agentmarket/internal/config"
	"agentmarket/internal/db"
	"agentmarket/internal/engine"
	"agentmarket/internal/migrate"
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
	cfg := config.Default()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := app.Seed(context.Background(), conn, cfg, time.Now()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	e, err := app.NewEngine(conn, cfg, workspace, nil)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{
		JWTSecret:        testSecret,
		AllowAgentHeader: true,
		AllowDevTokens:   true,
	}})
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

func as(agent string) map[string]string {
	return map[string]string{"X-Agent-Id": agent}
}

func act(t *testing.T, srv *testServer, agent, action string, args map[string]any) engine.Result {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/actions/"+action, args, as(agent))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("%s %s: status %d: %s", agent, action, res.StatusCode, string(data))
	}
	var out engine.Result
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	return out
}

func mustAct(t *testing.T, srv *testServer, agent, action string, args map[string]any) engine.Result {
	t.Helper()
	out := act(t, srv, agent, action, args)
	if !out.OK() {
		t.Fatalf("%s %s failed: %s (%s)", agent, action, out.Message, out.Kind)
	}
	return out
}

func TestHealthIsPublic(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(body))
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/actions/find", map[string]any{}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(body))
	}
	var apiErr struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(body, &apiErr); err != nil || apiErr.Error.Code != "unauthorized" {
		t.Fatalf("unexpected error envelope %s (%v)", string(body), err)
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer not-a-token"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d %s", res.StatusCode, string(body))
	}
}

func TestDevTokenAndAPIKey(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/token", map[string]any{"agent_id": "agent-lemo"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev token: %d %s", res.StatusCode, string(body))
	}
	var tok DevTokenResponse
	_ = json.Unmarshal(body, &tok)
	bearer := map[string]string{"Authorization": "Bearer " + tok.Token}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, bearer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", res.StatusCode, string(body))
	}
	var me MeResponse
	_ = json.Unmarshal(body, &me)
	if me.AgentID != "agent-lemo" || me.Source != "jwt" {
		t.Fatalf("unexpected principal %+v", me)
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/agents/agent-zestie/api-keys", map[string]any{}, bearer)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 issuing a key for another agent, got %d %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/agents/agent-lemo/api-keys", map[string]any{"name": "executor"}, bearer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("issue key: %d %s", res.StatusCode, string(body))
	}
	var key CreatedAPIKeyResponse
	_ = json.Unmarshal(body, &key)
	if !strings.HasPrefix(key.Key, "mk_") {
		t.Fatalf("unexpected key %+v", key)
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": key.Key})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me via api key: %d %s", res.StatusCode, string(body))
	}
	_ = json.Unmarshal(body, &me)
	if me.AgentID != "agent-lemo" || me.Source != "api_key" {
		t.Fatalf("unexpected principal %+v", me)
	}

	res, body = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/agents/agent-lemo/api-keys/"+key.ID, nil, bearer)
	if res.StatusCode >= 300 {
		t.Fatalf("delete key: %d %s", res.StatusCode, string(body))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": key.Key})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked key still accepted: %d", res.StatusCode)
	}
}

func TestLemonPurchaseOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	lemo, zestie := "agent-lemo", "agent-zestie"

	found := mustAct(t, srv, lemo, "find", nil)
	if !strings.HasPrefix(found.Message, "Found 4 providers") {
		t.Fatalf("unexpected find result %q", found.Message)
	}

	req := mustAct(t, srv, lemo, "request", map[string]any{
		"providerId":   zestie,
		"evaluatorId":  "NONE",
		"itemName":     "Lemon",
		"quantity":     "5",
		"pricePerUnit": 2,
		"requirements": "fresh",
		"message":      "Five lemons please",
	})
	jobID, _ := req.Metadata["jobId"].(string)
	chatID, _ := req.Metadata["chatId"].(string)
	if jobID == "" || chatID != "chat-"+jobID {
		t.Fatalf("unexpected request metadata %+v", req.Metadata)
	}

	// gate: the provider must read before accepting
	gated := act(t, srv, zestie, "accept", map[string]any{"jobId": jobID, "message": "ok"})
	if gated.OK() || gated.Message != engine.ReadFirstMessage {
		t.Fatalf("expected read-first failure, got %+v", gated)
	}
	mustAct(t, srv, zestie, "read", map[string]any{"chatId": chatID})
	mustAct(t, srv, zestie, "accept", map[string]any{"jobId": jobID, "message": "Deal"})

	terms := func(message string) map[string]any {
		return map[string]any{
			"jobId": jobID, "intention": "AGREE", "message": message,
			"quantity": 5, "pricePerUnit": "2.00", "requirements": "fresh",
		}
	}
	mustAct(t, srv, lemo, "read", map[string]any{"chatId": chatID})
	mustAct(t, srv, lemo, "negotiate", terms("Agreed"))
	mustAct(t, srv, zestie, "read", map[string]any{"chatId": chatID})
	mustAct(t, srv, zestie, "negotiate", terms("Agreed"))
	mustAct(t, srv, lemo, "read", map[string]any{"chatId": chatID})
	mustAct(t, srv, lemo, "pay", map[string]any{"jobId": jobID, "transactionHash": "0xfeed", "message": "Paid"})
	mustAct(t, srv, zestie, "read", map[string]any{"chatId": chatID})
	mustAct(t, srv, zestie, "deliver", map[string]any{"jobId": jobID, "message": "Enjoy"})

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/jobs/"+jobID, nil, as(lemo))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get job: %d %s", res.StatusCode, string(body))
	}
	var job JobResponse
	if err := json.Unmarshal(body, &job); err != nil {
		t.Fatalf("unmarshal job: %v", err)
	}
	if job.Phase != "COMPLETE" || job.Item.Quantity != 5 || job.EscrowAmount != 1000 {
		t.Fatalf("unexpected job %+v", job)
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/agents/"+lemo+"/state", nil, as(lemo))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("state: %d %s", res.StatusCode, string(body))
	}
	var st engine.AgentState
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	if st.Wallet.Balance != 9000 {
		t.Fatalf("client balance %s, want 90.00", st.Wallet.Balance)
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?job_id="+jobID+"&limit=200", nil, as(lemo))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(body))
	}
	var page paginatedEvents
	_ = json.Unmarshal(body, &page)
	seen := map[string]bool{}
	for _, evt := range page.Items {
		seen[evt.Type] = true
	}
	for _, want := range []string{"job.requested", "job.accepted", "job.agreed", "job.paid", "job.delivered", "job.completed"} {
		if !seen[want] {
			t.Fatalf("missing event %s in %v", want, seen)
		}
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/metrics", nil, as(lemo))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics: %d %s", res.StatusCode, string(body))
	}
	var metrics MetricsResponse
	_ = json.Unmarshal(body, &metrics)
	var failedAccepts int64
	for _, c := range metrics.Actions {
		if c.Action == "accept" && c.Status == engine.StatusFailure {
			failedAccepts = c.Count
		}
	}
	if failedAccepts != 1 {
		t.Fatalf("expected one failed accept, got %+v", metrics.Actions)
	}
}

func TestChatMessagesRequireParticipant(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	req := mustAct(t, srv, "agent-lemo", "request", map[string]any{
		"providerId": "agent-lexie", "evaluatorId": "NONE", "itemName": "Permit",
		"quantity": 1, "pricePerUnit": 10, "requirements": "stand permit", "message": "Need a permit",
	})
	chatID := req.Metadata["chatId"].(string)

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/chats/"+chatID+"/messages", nil, as("agent-pixie"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for outsider, got %d %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/chats/"+chatID+"/messages", nil, as("agent-lexie"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("messages: %d %s", res.StatusCode, string(body))
	}
	var msgs MessagesResponse
	_ = json.Unmarshal(body, &msgs)
	if len(msgs.Items) != 1 || msgs.Items[0].Message != "Need a permit" {
		t.Fatalf("unexpected messages %+v", msgs)
	}
	// listing does not clear the gate
	gated := act(t, srv, "agent-lexie", "accept", map[string]any{"jobId": req.Metadata["jobId"], "message": "ok"})
	if gated.OK() {
		t.Fatalf("listing messages must not count as reading")
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/jobs/job-missing", nil, as("agent-lexie"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for missing job, got %d", res.StatusCode)
	}
}

func TestUnknownActionIsFailureEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	out := act(t, srv, "agent-lemo", "launder", map[string]any{})
	if out.OK() || out.Kind != string(engine.FailValidation) {
		t.Fatalf("unexpected result %+v", out)
	}
}

func TestEventsCursorPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	for i := 0; i < 3; i++ {
		mustAct(t, srv, "agent-zestie", "harvest_lemons", map[string]any{"quantity": 1})
	}
	filter := "?type=inventory.produced&limit=2"
	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/events"+filter, nil, as("agent-zestie"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(body))
	}
	var first paginatedEvents
	_ = json.Unmarshal(body, &first)
	if len(first.Items) != 2 || first.NextCursor == "" {
		t.Fatalf("unexpected first page %+v", first)
	}
	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events"+filter+"&cursor="+first.NextCursor, nil, as("agent-zestie"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events page 2: %d %s", res.StatusCode, string(body))
	}
	var second paginatedEvents
	_ = json.Unmarshal(body, &second)
	if len(second.Items) != 1 || second.NextCursor != "" || second.Items[0].ID >= first.Items[1].ID {
		t.Fatalf("unexpected second page %+v", second)
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?type=inventory.produced&after="+strconv.FormatInt(second.Items[0].ID, 10), nil, as("agent-zestie"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events after: %d %s", res.StatusCode, string(body))
	}
	var tail paginatedEvents
	_ = json.Unmarshal(body, &tail)
	if len(tail.Items) != 2 || tail.Items[0].ID > tail.Items[1].ID {
		t.Fatalf("unexpected tail %+v", tail)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?cursor=abc", nil, as("agent-zestie"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad cursor, got %d", res.StatusCode)
	}
}

func TestWebhookDelivery(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	var mu sync.Mutex
	var got []webhookEvent
	var headers []http.Header
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	hookSrv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		got = append(got, evt)
		headers = append(headers, r.Header.Clone())
		mu.Unlock()
	})}
	go hookSrv.Serve(ln)
	defer hookSrv.Shutdown(context.Background())

	e := srv.Engine
	cfg := *e.Config
	cfg.Webhooks = []config.WebhookConfig{{URL: "http://" + ln.Addr().String(), Events: []string{"inventory.*"}, Secret: "s3cret"}}
	e.Config = &cfg
	d := newWebhookDispatcher(e, nil)
	ctx := context.Background()
	d.cursorFor(ctx, 0)

	mustAct(t, srv, "agent-zestie", "harvest_lemons", map[string]any{"quantity": 3})
	mustAct(t, srv, "agent-lemo", "find", nil)
	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected one delivery, got %d: %+v", len(got), got)
	}
	if got[0].Type != "inventory.produced" || got[0].AgentID != "agent-zestie" {
		t.Fatalf("unexpected delivery %+v", got[0])
	}
	if headers[0].Get("X-Market-Event") != "inventory.produced" || headers[0].Get("X-Market-Secret") != "s3cret" {
		t.Fatalf("unexpected headers %v", headers[0])
	}
}

func TestEventFilter(t *testing.T) {
	f := newEventFilter([]string{"job.completed", "wallet.*"})
	for evt, want := range map[string]bool{
		"job.completed":  true,
		"job.paid":       false,
		"wallet.debited": true,
		"chat.read":      false,
	} {
		if f.match(evt) != want {
			t.Fatalf("match(%s) != %v", evt, want)
		}
	}
	if !newEventFilter(nil).match("anything") {
		t.Fatalf("empty filter matches all")
	}
}
