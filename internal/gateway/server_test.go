package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prime-system/prime-agent/internal/agent/command"
	"github.com/prime-system/prime-agent/internal/agent/runner"
	"github.com/prime-system/prime-agent/internal/agent/session"
	"github.com/prime-system/prime-agent/internal/common/config"
	"github.com/prime-system/prime-agent/internal/common/logger"
	"github.com/prime-system/prime-agent/internal/monitoring"
	"github.com/prime-system/prime-agent/internal/push"
	"github.com/prime-system/prime-agent/internal/vault"
	"github.com/prime-system/prime-agent/pkg/claudecode"
)

const testToken = "gateway-test-token"

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

// scriptedStream replays a fixed message sequence for one turn.
type scriptedStream struct {
	mu   sync.Mutex
	msgs []*claudecode.CLIMessage
	pos  int
}

func (s *scriptedStream) Next(ctx context.Context) (*claudecode.CLIMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos < len(s.msgs) {
		msg := s.msgs[s.pos]
		s.pos++
		return msg, nil
	}
	return nil, io.EOF
}

func (s *scriptedStream) Respond(string, *claudecode.ControlResponse) error { return nil }
func (s *scriptedStream) Close() error                                      { return nil }

// scriptedClient hands out one stream per turn, in order.
type scriptedClient struct {
	mu      sync.Mutex
	streams []runner.MessageStream
}

func (c *scriptedClient) Query(_ context.Context, _ string, _ runner.QueryOptions) (runner.MessageStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.streams) == 0 {
		return nil, errors.New("no scripted turn available")
	}
	st := c.streams[0]
	c.streams = c.streams[1:]
	return st, nil
}

func systemMsg(sessionID string) *claudecode.CLIMessage {
	return &claudecode.CLIMessage{
		Type:      claudecode.MessageTypeSystem,
		Subtype:   "init",
		SessionID: sessionID,
	}
}

func assistantText(text string) *claudecode.CLIMessage {
	return &claudecode.CLIMessage{
		Type: claudecode.MessageTypeAssistant,
		Message: &claudecode.AssistantMessage{
			Role:    "assistant",
			Content: []claudecode.ContentBlock{{Type: "text", Text: text}},
		},
	}
}

func resultSuccess(sessionID string, costUSD float64, durationMS int64) *claudecode.CLIMessage {
	raw, _ := json.Marshal(claudecode.ResultData{Text: "done", SessionID: sessionID})
	return &claudecode.CLIMessage{
		Type:       claudecode.MessageTypeResult,
		Subtype:    "success",
		CostUSD:    costUSD,
		DurationMS: durationMS,
		Result:     raw,
	}
}

func successTurn(sessionID string) *scriptedStream {
	return &scriptedStream{msgs: []*claudecode.CLIMessage{
		systemMsg(sessionID),
		assistantText("Hello!"),
		resultSuccess(sessionID, 0.02, 200),
	}}
}

// testGateway wires a full server over real components with scripted
// agent clients and temp-dir state.
type testGateway struct {
	ts       *httptest.Server
	cfgMgr   *config.Manager
	vaultDir string
	sessions *session.Manager
	runs     *command.Manager
	registry *push.Registry
}

func newTestGateway(t *testing.T, sessionClient, commandClient runner.Client) *testGateway {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := testLogger(t)

	vaultDir := t.TempDir()
	cfg := &config.Config{
		Server: config.ServerConfig{
			Host: "127.0.0.1", Port: 8787, AuthToken: testToken,
			ReadTimeout: 5, WriteTimeout: 5,
		},
		Vault: config.VaultConfig{Path: vaultDir, InboxDir: "inbox", LogsDir: "logs/commands"},
		Sessions: config.SessionsConfig{
			IdleTimeout: 30, GracePeriod: 0, AskUserTimeout: 1, BufferCapacity: 100,
		},
		Commands: config.CommandsConfig{
			Retention: 60, MaxEvents: 200,
			Defs: []config.CommandDef{{Name: "daily-note", Prompt: "Write the daily note"}},
		},
		Push: config.PushConfig{
			RegistryPath: filepath.Join(t.TempDir(), "devices.json"),
			Timeout:      5,
		},
	}
	cfgMgr := config.NewManager(cfg, "")

	sessions := session.NewManager(cfg.Sessions, runner.New(10*time.Second, log), sessionClient, nil, nil, log)
	t.Cleanup(func() { _ = sessions.TerminateAll(context.Background()) })

	ingestor := vault.NewIngestor(cfg.Vault, runner.New(5*time.Second, log), nil, nil, nil, log)
	t.Cleanup(ingestor.Stop)

	runs := command.NewManager(cfg.Commands, nil, log)
	executor := command.NewExecutor(cfg.Commands, runs, runner.New(5*time.Second, log), commandClient, nil, nil, log)
	t.Cleanup(executor.Stop)

	registry, err := push.NewRegistry(cfg.Push, log)
	require.NoError(t, err)
	sender := push.NewSender(cfg.Push, registry, log)

	monitor := monitoring.NewMonitor(monitoring.Deps{
		Sessions: sessions,
		Runs:     runs,
		Devices:  registry,
	}, nil, log)

	srv := NewServer(cfgMgr, Deps{
		Sessions: sessions,
		Ingestor: ingestor,
		Executor: executor,
		Runs:     runs,
		Registry: registry,
		Sender:   sender,
		Monitor:  monitor,
		Browser:  vault.NewBrowser(cfg.Vault, log),
	}, log)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &testGateway{
		ts:       ts,
		cfgMgr:   cfgMgr,
		vaultDir: vaultDir,
		sessions: sessions,
		runs:     runs,
		registry: registry,
	}
}

// request performs an authenticated JSON request against the test server.
func (g *testGateway) request(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, g.ts.URL+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func closeBody(resp *http.Response) {
	_ = resp.Body.Close()
}

func TestAuth_RejectsMissingAndWrongToken(t *testing.T) {
	g := newTestGateway(t, &scriptedClient{}, &scriptedClient{})

	req, err := http.NewRequest(http.MethodGet, g.ts.URL+"/devices", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var body map[string]string
	decodeJSON(t, resp, &body)
	assert.Equal(t, "AuthenticationError", body["error"])
	assert.NotEmpty(t, body["message"])

	req.Header.Set("Authorization", "Bearer wrong-token")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer closeBody(resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAuth_AcceptsConfiguredToken(t *testing.T) {
	g := newTestGateway(t, &scriptedClient{}, &scriptedClient{})

	resp := g.request(t, http.MethodGet, "/devices", nil)
	defer closeBody(resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealth_Unauthenticated(t *testing.T) {
	g := newTestGateway(t, &scriptedClient{}, &scriptedClient{})

	resp, err := http.Get(g.ts.URL + "/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	decodeJSON(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestMetrics_Unauthenticated(t *testing.T) {
	g := newTestGateway(t, &scriptedClient{}, &scriptedClient{})

	resp, err := http.Get(g.ts.URL + "/metrics")
	require.NoError(t, err)
	defer closeBody(resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "prime_agent_active_sessions")
}

func TestConfigReload_InvalidFileKeepsPreviousSnapshot(t *testing.T) {
	gin.SetMode(gin.TestMode)
	log := testLogger(t)

	vaultDir := t.TempDir()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	valid := fmt.Sprintf("server:\n  port: 8790\n  authToken: %s\nvault:\n  path: %s\n", testToken, vaultDir)
	require.NoError(t, os.WriteFile(cfgPath, []byte(valid), 0o644))

	cfg, err := config.LoadWithPath(cfgPath)
	require.NoError(t, err)
	mgr := config.NewManager(cfg, cfgPath)

	srv := NewServer(mgr, Deps{}, log)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	doReload := func() *http.Response {
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/config/reload", nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+testToken)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	// A valid file reloads cleanly.
	resp := doReload()
	closeBody(resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// A broken file returns 500 and keeps the old snapshot active.
	broken := fmt.Sprintf("server:\n  port: -5\n  authToken: %s\nvault:\n  path: %s\n", testToken, vaultDir)
	require.NoError(t, os.WriteFile(cfgPath, []byte(broken), 0o644))

	resp = doReload()
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	var body map[string]string
	decodeJSON(t, resp, &body)
	assert.Equal(t, "ConfigError", body["error"])
	assert.Contains(t, body["message"], "port")
	assert.Equal(t, 8790, mgr.Current().Server.Port)

	// Fixing the file picks up the new values.
	fixed := fmt.Sprintf("server:\n  port: 8795\n  authToken: %s\nvault:\n  path: %s\n", testToken, vaultDir)
	require.NoError(t, os.WriteFile(cfgPath, []byte(fixed), 0o644))

	resp = doReload()
	closeBody(resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 8795, mgr.Current().Server.Port)
}
