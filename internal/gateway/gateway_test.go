package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/agentd/internal/agent"
	"github.com/nextlevelbuilder/agentd/internal/config"
	"github.com/nextlevelbuilder/agentd/internal/tools"
	"github.com/nextlevelbuilder/agentd/pkg/protocol"
)

// scriptedRunner emits two events and returns a canned answer. A non-nil
// block channel makes the run hang until closed or the context dies.
type scriptedRunner struct {
	block   chan struct{}
	onEvent func(agent.Event)
}

func (r *scriptedRunner) Run(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error) {
	emit := func(typ string) {
		if r.onEvent != nil {
			r.onEvent(agent.Event{Type: typ, SessionID: req.SessionID})
		}
	}
	emit(agent.EventRunStarted)
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			emit(agent.EventRunCancelled)
			return &agent.RunResult{
				SessionID:     req.SessionID,
				StoppedReason: agent.StopCancelled,
			}, nil
		}
	}
	emit(agent.EventRunCompleted)
	return &agent.RunResult{
		SessionID:     req.SessionID,
		Success:       true,
		Answer:        "done: " + req.Task,
		Turns:         1,
		StoppedReason: agent.StopDone,
	}, nil
}

func echoRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry(nil)
	err := reg.Register(&tools.FuncTool{
		ToolName:        "echo",
		ToolDescription: "echo input",
		ToolParameters:  map[string]interface{}{"type": "object"},
		ToolScope:       []string{tools.ScopeRead},
		Fn: func(ctx context.Context, args map[string]interface{}) *tools.Result {
			return tools.NewResult("ok")
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

type testGateway struct {
	server *Server
	http   *httptest.Server
	block  chan struct{}
}

func newTestGateway(t *testing.T, cfg config.GatewayConfig) *testGateway {
	t.Helper()
	tg := &testGateway{}
	factory := func(opts RunOptions) Runner {
		return &scriptedRunner{block: tg.block, onEvent: opts.OnEvent}
	}
	tg.server = NewServer(cfg, echoRegistry(t), factory)
	tg.http = httptest.NewServer(tg.server.Handler())
	t.Cleanup(tg.http.Close)
	return tg
}

func (tg *testGateway) wsURL() string {
	return "ws" + strings.TrimPrefix(tg.http.URL, "http") + "/ws/agent"
}

// wsConn wraps a dialed connection with a frame reader.
type wsConn struct {
	t      *testing.T
	conn   *websocket.Conn
	frames chan map[string]interface{}
}

func dial(t *testing.T, tg *testGateway, header http.Header) *wsConn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(tg.wsURL(), header)
	if err != nil {
		t.Fatalf("dial: %v (resp %v)", err, resp)
	}
	t.Cleanup(func() { conn.Close() })

	w := &wsConn{t: t, conn: conn, frames: make(chan map[string]interface{}, 32)}
	go func() {
		for {
			var frame map[string]interface{}
			if err := conn.ReadJSON(&frame); err != nil {
				close(w.frames)
				return
			}
			w.frames <- frame
		}
	}()
	return w
}

func (w *wsConn) send(v interface{}) {
	w.t.Helper()
	if err := w.conn.WriteJSON(v); err != nil {
		w.t.Fatalf("write: %v", err)
	}
}

func (w *wsConn) request(id, method string, params interface{}) {
	w.t.Helper()
	frame := map[string]interface{}{"jsonrpc": "2.0", "id": id, "method": method}
	if params != nil {
		frame["params"] = params
	}
	w.send(frame)
}

// next returns the next frame, failing the test on timeout.
func (w *wsConn) next() map[string]interface{} {
	w.t.Helper()
	select {
	case frame, ok := <-w.frames:
		if !ok {
			w.t.Fatal("connection closed")
		}
		return frame
	case <-time.After(3 * time.Second):
		w.t.Fatal("no frame within deadline")
		return nil
	}
}

// awaitResponse skips notifications until the response with the id
// arrives, returning it plus the notification methods seen on the way.
func (w *wsConn) awaitResponse(id string) (map[string]interface{}, []string) {
	w.t.Helper()
	var seen []string
	for {
		frame := w.next()
		if method, ok := frame["method"].(string); ok {
			seen = append(seen, method)
			continue
		}
		if got, _ := frame["id"].(string); got == id {
			return frame, seen
		}
	}
}

func errorCode(frame map[string]interface{}) int {
	errObj, _ := frame["error"].(map[string]interface{})
	if errObj == nil {
		return 0
	}
	code, _ := errObj["code"].(float64)
	return int(code)
}

func signToken(t *testing.T, secret string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "tester",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func TestAuthAPIKey(t *testing.T) {
	tg := newTestGateway(t, config.GatewayConfig{APIKey: "sekret"})

	if _, resp, err := websocket.DefaultDialer.Dial(tg.wsURL(), nil); err == nil {
		t.Fatal("dial without credentials succeeded")
	} else if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %v", resp)
	}

	if _, resp, err := websocket.DefaultDialer.Dial(tg.wsURL(), http.Header{"X-API-Key": {"wrong"}}); err == nil {
		t.Fatal("dial with wrong key succeeded")
	} else if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %v", resp)
	}

	w := dial(t, tg, http.Header{"X-API-Key": {"sekret"}})
	w.request("1", protocol.MethodSystemPing, nil)
	frame, _ := w.awaitResponse("1")
	result, _ := frame["result"].(map[string]interface{})
	if result["pong"] != true {
		t.Errorf("ping result = %v", result)
	}
}

func TestAuthWrongAPIKeyFallsThroughToJWT(t *testing.T) {
	tg := newTestGateway(t, config.GatewayConfig{APIKey: "sekret", JWTSecret: "hmac-secret"})
	token := signToken(t, "hmac-secret")

	// A wrong key must not veto the later credentials.
	header := http.Header{"X-API-Key": {"wrong"}}
	conn, _, err := websocket.DefaultDialer.Dial(tg.wsURL()+"?token="+token, header)
	if err != nil {
		t.Fatalf("dial with wrong key but valid token: %v", err)
	}
	conn.Close()

	// A wrong key with no other credential is still rejected.
	if _, resp, err := websocket.DefaultDialer.Dial(tg.wsURL(), header); err == nil {
		t.Fatal("dial with only a wrong key succeeded")
	} else if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %v", resp)
	}
}

func TestAuthJWTQueryToken(t *testing.T) {
	tg := newTestGateway(t, config.GatewayConfig{JWTSecret: "hmac-secret"})

	if _, resp, _ := websocket.DefaultDialer.Dial(tg.wsURL()+"?token=garbage", nil); resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token accepted: %v", resp)
	}

	token := signToken(t, "hmac-secret")
	conn, _, err := websocket.DefaultDialer.Dial(tg.wsURL()+"?token="+token, nil)
	if err != nil {
		t.Fatalf("dial with valid token: %v", err)
	}
	conn.Close()
}

func TestAuthJWTSubprotocol(t *testing.T) {
	tg := newTestGateway(t, config.GatewayConfig{JWTSecret: "hmac-secret"})
	token := signToken(t, "hmac-secret")

	dialer := websocket.Dialer{Subprotocols: []string{token}}
	conn, _, err := dialer.Dial(tg.wsURL(), nil)
	if err != nil {
		t.Fatalf("dial with subprotocol token: %v", err)
	}
	conn.Close()
}

func TestParseAndMethodErrors(t *testing.T) {
	tg := newTestGateway(t, config.GatewayConfig{})
	w := dial(t, tg, nil)

	if err := w.conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	if code := errorCode(w.next()); code != protocol.CodeParseError {
		t.Errorf("parse error code = %d", code)
	}

	w.request("2", "no.such.method", nil)
	frame, _ := w.awaitResponse("2")
	if code := errorCode(frame); code != protocol.CodeMethodNotFound {
		t.Errorf("method not found code = %d", code)
	}
}

func TestToolsListExposesScope(t *testing.T) {
	tg := newTestGateway(t, config.GatewayConfig{})
	w := dial(t, tg, nil)

	w.request("1", protocol.MethodToolsList, nil)
	frame, _ := w.awaitResponse("1")
	result, _ := frame["result"].(map[string]interface{})
	toolList, _ := result["tools"].([]interface{})
	if len(toolList) != 1 {
		t.Fatalf("tools = %v", toolList)
	}
	entry, _ := toolList[0].(map[string]interface{})
	if entry["name"] != "echo" {
		t.Errorf("name = %v", entry["name"])
	}
	scope, _ := entry["scope"].([]interface{})
	if len(scope) != 1 || scope[0] != tools.ScopeRead {
		t.Errorf("scope = %v", scope)
	}
}

func TestAgentRunStreamsEventsThenResponds(t *testing.T) {
	tg := newTestGateway(t, config.GatewayConfig{})
	w := dial(t, tg, nil)

	w.request("run-1", protocol.MethodAgentRun, protocol.AgentRunParams{Task: "add numbers"})
	frame, notifications := w.awaitResponse("run-1")

	result, _ := frame["result"].(map[string]interface{})
	if result["success"] != true || result["answer"] != "done: add numbers" {
		t.Errorf("result = %v", result)
	}
	if len(notifications) < 2 {
		t.Errorf("expected streamed agent.event notifications, got %v", notifications)
	}
	for _, m := range notifications {
		if m != protocol.MethodAgentEvent {
			t.Errorf("unexpected notification %q", m)
		}
	}
}

func TestAgentRunRequiresTask(t *testing.T) {
	tg := newTestGateway(t, config.GatewayConfig{})
	w := dial(t, tg, nil)

	w.request("1", protocol.MethodAgentRun, protocol.AgentRunParams{})
	frame, _ := w.awaitResponse("1")
	if code := errorCode(frame); code != protocol.CodeInvalidParams {
		t.Errorf("code = %d", code)
	}
}

func TestSessionCapEnforced(t *testing.T) {
	tg := &testGateway{block: make(chan struct{})}
	factory := func(opts RunOptions) Runner {
		return &scriptedRunner{block: tg.block, onEvent: opts.OnEvent}
	}
	tg.server = NewServer(config.GatewayConfig{MaxSessionsPerClient: 1}, echoRegistry(t), factory)
	tg.http = httptest.NewServer(tg.server.Handler())
	t.Cleanup(tg.http.Close)
	defer close(tg.block)

	w := dial(t, tg, nil)
	w.request("first", protocol.MethodAgentRun, protocol.AgentRunParams{Task: "long job", SessionID: "sess-1"})

	// First run is parked on block; the second must bounce.
	waitUntil(t, func() bool {
		_, ok := tg.server.sessionOwner("sess-1")
		return ok
	})
	w.request("second", protocol.MethodAgentRun, protocol.AgentRunParams{Task: "one too many"})
	frame, _ := w.awaitResponse("second")
	if code := errorCode(frame); code != protocol.CodeSessionLimit {
		t.Errorf("code = %d, want %d", code, protocol.CodeSessionLimit)
	}
}

func TestAgentCancel(t *testing.T) {
	tg := &testGateway{block: make(chan struct{})}
	factory := func(opts RunOptions) Runner {
		return &scriptedRunner{block: tg.block, onEvent: opts.OnEvent}
	}
	tg.server = NewServer(config.GatewayConfig{}, echoRegistry(t), factory)
	tg.http = httptest.NewServer(tg.server.Handler())
	t.Cleanup(tg.http.Close)

	w := dial(t, tg, nil)

	w.request("c0", protocol.MethodAgentCancel, protocol.AgentCancelParams{SessionID: "ghost"})
	frame, _ := w.awaitResponse("c0")
	if code := errorCode(frame); code != protocol.CodeSessionNotFound {
		t.Errorf("unknown session code = %d", code)
	}

	w.request("r1", protocol.MethodAgentRun, protocol.AgentRunParams{Task: "long job", SessionID: "sess-c"})
	waitUntil(t, func() bool {
		_, ok := tg.server.sessionOwner("sess-c")
		return ok
	})

	w.request("c1", protocol.MethodAgentCancel, protocol.AgentCancelParams{SessionID: "sess-c"})
	// Both the cancel response and the run response are now in flight.
	cancelFrame, _ := w.awaitResponse("c1")
	result, _ := cancelFrame["result"].(map[string]interface{})
	if result["cancelled"] != true {
		t.Errorf("cancel result = %v", result)
	}
	runFrame, _ := w.awaitResponse("r1")
	runResult, _ := runFrame["result"].(map[string]interface{})
	if runResult["stoppedReason"] != agent.StopCancelled {
		t.Errorf("run result = %v", runResult)
	}
}

func TestAgentCancelTwiceAcknowledged(t *testing.T) {
	tg := &testGateway{block: make(chan struct{})}
	factory := func(opts RunOptions) Runner {
		return &scriptedRunner{block: tg.block, onEvent: opts.OnEvent}
	}
	tg.server = NewServer(config.GatewayConfig{}, echoRegistry(t), factory)
	tg.http = httptest.NewServer(tg.server.Handler())
	t.Cleanup(tg.http.Close)

	w := dial(t, tg, nil)
	w.request("r1", protocol.MethodAgentRun, protocol.AgentRunParams{Task: "long job", SessionID: "sess-r"})
	waitUntil(t, func() bool {
		_, ok := tg.server.sessionOwner("sess-r")
		return ok
	})

	w.request("c1", protocol.MethodAgentCancel, protocol.AgentCancelParams{SessionID: "sess-r"})
	frame, _ := w.awaitResponse("c1")
	result, _ := frame["result"].(map[string]interface{})
	if result["cancelled"] != true {
		t.Fatalf("first cancel = %v", result)
	}

	// Wait for the run response so the session slot is fully released.
	w.awaitResponse("r1")

	for _, id := range []string{"c2", "c3"} {
		w.request(id, protocol.MethodAgentCancel, protocol.AgentCancelParams{SessionID: "sess-r"})
		frame, _ = w.awaitResponse(id)
		if code := errorCode(frame); code != 0 {
			t.Fatalf("repeat cancel %s errored with code %d", id, code)
		}
		result, _ = frame["result"].(map[string]interface{})
		if result["cancelled"] != false || result["reason"] != "already cancelled" {
			t.Errorf("repeat cancel %s = %v", id, result)
		}
	}

	// Reusing the id for a fresh run makes it cancellable again. The slot
	// is released just after the run response, so wait for it.
	waitUntil(t, func() bool {
		_, ok := tg.server.sessionOwner("sess-r")
		return !ok
	})
	w.request("r2", protocol.MethodAgentRun, protocol.AgentRunParams{Task: "second job", SessionID: "sess-r"})
	waitUntil(t, func() bool {
		_, ok := tg.server.sessionOwner("sess-r")
		return ok
	})
	w.request("c4", protocol.MethodAgentCancel, protocol.AgentCancelParams{SessionID: "sess-r"})
	frame, _ = w.awaitResponse("c4")
	result, _ = frame["result"].(map[string]interface{})
	if result["cancelled"] != true {
		t.Errorf("cancel after id reuse = %v", result)
	}
	w.awaitResponse("r2")
}

func TestCrossClientSessionRejected(t *testing.T) {
	tg := &testGateway{block: make(chan struct{})}
	factory := func(opts RunOptions) Runner {
		return &scriptedRunner{block: tg.block, onEvent: opts.OnEvent}
	}
	tg.server = NewServer(config.GatewayConfig{}, echoRegistry(t), factory)
	tg.http = httptest.NewServer(tg.server.Handler())
	t.Cleanup(tg.http.Close)
	defer close(tg.block)

	owner := dial(t, tg, nil)
	owner.request("r1", protocol.MethodAgentRun, protocol.AgentRunParams{Task: "job", SessionID: "sess-x"})
	waitUntil(t, func() bool {
		_, ok := tg.server.sessionOwner("sess-x")
		return ok
	})

	intruder := dial(t, tg, nil)
	intruder.request("c1", protocol.MethodAgentCancel, protocol.AgentCancelParams{SessionID: "sess-x"})
	frame, _ := intruder.awaitResponse("c1")
	if code := errorCode(frame); code != protocol.CodeSessionNotFound {
		t.Errorf("cross-client cancel code = %d", code)
	}

	// Claiming another client's session id is rejected too.
	intruder.request("r2", protocol.MethodAgentRun, protocol.AgentRunParams{Task: "steal", SessionID: "sess-x"})
	frame, _ = intruder.awaitResponse("r2")
	if code := errorCode(frame); code != protocol.CodeSessionNotFound {
		t.Errorf("cross-client claim code = %d", code)
	}
}

func TestBridgeRoutesByChannel(t *testing.T) {
	tg := &testGateway{block: make(chan struct{})}
	factory := func(opts RunOptions) Runner {
		return &scriptedRunner{block: tg.block, onEvent: opts.OnEvent}
	}
	tg.server = NewServer(config.GatewayConfig{}, echoRegistry(t), factory)
	tg.http = httptest.NewServer(tg.server.Handler())
	t.Cleanup(tg.http.Close)
	defer close(tg.block)

	owner := dial(t, tg, nil)
	other := dial(t, tg, nil)
	waitUntil(t, func() bool {
		tg.server.mu.RLock()
		defer tg.server.mu.RUnlock()
		return len(tg.server.clients) == 2
	})

	owner.request("r1", protocol.MethodAgentRun, protocol.AgentRunParams{Task: "job", SessionID: "sess-b"})
	waitUntil(t, func() bool {
		_, ok := tg.server.sessionOwner("sess-b")
		return ok
	})
	// Drain the owner's run.started event.
	owner.next()

	// Global envelope reaches everyone.
	env, _ := json.Marshal(protocol.NewEnvelope("global", "startup", nil))
	tg.server.route("core:notify:global", string(env))
	for _, w := range []*wsConn{owner, other} {
		frame := w.next()
		if frame["method"] != protocol.MethodNotifyEvent {
			t.Fatalf("frame = %v", frame)
		}
	}

	// Per-session envelope reaches the owner only.
	env, _ = json.Marshal(protocol.NewEnvelope("agent:sess-b", "chunk", map[string]string{"text": "hi"}))
	tg.server.route("core:notify:agent:sess-b", string(env))
	frame := owner.next()
	params, _ := frame["params"].(map[string]interface{})
	if params["channel"] != "agent:sess-b" {
		t.Errorf("owner frame = %v", frame)
	}
	select {
	case frame := <-other.frames:
		t.Errorf("non-owner received %v", frame)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNotifyFilter(t *testing.T) {
	tg := newTestGateway(t, config.GatewayConfig{})
	w := dial(t, tg, nil)

	w.request("s1", protocol.MethodNotifySubscribe, protocol.NotifyParams{Channels: []string{"schedule"}})
	frame, _ := w.awaitResponse("s1")
	result, _ := frame["result"].(map[string]interface{})
	subscribed, _ := result["subscribed"].([]interface{})
	if len(subscribed) != 1 || subscribed[0] != "schedule" {
		t.Fatalf("subscribed = %v", subscribed)
	}

	// Filtered-out channel is dropped; subscribed channel arrives.
	env, _ := json.Marshal(protocol.NewEnvelope("global", "noise", nil))
	tg.server.route("core:notify:global", string(env))
	env, _ = json.Marshal(protocol.NewEnvelope("schedule", "schedule.fired", nil))
	tg.server.route("core:notify:schedule", string(env))

	got := w.next()
	params, _ := got["params"].(map[string]interface{})
	if params["channel"] != "schedule" {
		t.Errorf("frame = %v", got)
	}

	// Prefix matching: agent filter admits agent:<sid>.
	w.request("s2", protocol.MethodNotifySubscribe, protocol.NotifyParams{Channels: []string{"agent"}})
	w.awaitResponse("s2")
	env, _ = json.Marshal(protocol.NewEnvelope("agent:any", "chunk", nil))
	tg.server.route("core:notify:agent:any", string(env))
	got = w.next()
	params, _ = got["params"].(map[string]interface{})
	if params["channel"] != "agent:any" {
		t.Errorf("prefix match frame = %v", got)
	}
}

func TestLooksLikeJWT(t *testing.T) {
	cases := map[string]bool{
		"eyJh.eyJz.c2ln": true,
		"one.two":        false,
		"..":             false,
		"a.b.c.d":        false,
		"not a token":    false,
		"éé.!!.??":       false,
	}
	for in, want := range cases {
		if got := looksLikeJWT(in); got != want {
			t.Errorf("looksLikeJWT(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSplitProtocolHeader(t *testing.T) {
	got := splitProtocolHeader("a.b.c, json-rpc ,x.y.z")
	want := []string{"a.b.c", "json-rpc", "x.y.z"}
	if len(got) != len(want) {
		t.Fatalf("offers = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("offer[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
