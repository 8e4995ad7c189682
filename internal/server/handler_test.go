package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acheong08/safedeps/internal/alerts"
	"github.com/acheong08/safedeps/internal/catalog"
	"github.com/acheong08/safedeps/internal/failure"
	"github.com/acheong08/safedeps/internal/pkgenv"
	"github.com/acheong08/safedeps/internal/remediate"
	"github.com/acheong08/safedeps/internal/telemetry"
	"github.com/acheong08/safedeps/pkg/models"
)

type recordingRunner struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (r *recordingRunner) Run(_ context.Context, _ string, name string, args ...string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, filepath.Base(name)+" "+strings.Join(args, " "))
	if r.err != nil {
		return []byte("npm ERR! code ERESOLVE"), r.err
	}
	return nil, nil
}

type staticSource struct {
	alerts alerts.AlertMap
	err    error
}

func (s staticSource) ForPurls(context.Context, []string) (alerts.AlertMap, error) {
	return s.alerts, s.err
}

func (s staticSource) ForTree(context.Context, *models.DependencyTree) (alerts.AlertMap, error) {
	return s.alerts, s.err
}

func testServices(t *testing.T, source alerts.Source, runner *recordingRunner) *Services {
	t.Helper()
	reg := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(reg.Close)

	cat, err := catalog.Default()
	require.NoError(t, err)
	return &Services{
		Catalog:     cat,
		HTTPClient:  reg.Client(),
		RegistryURL: reg.URL,
		Alerts:      source,
		Runner:      runner,
		EnvOptions: pkgenv.Options{
			LookPath: func(string) (string, error) { return "", errors.New("not found") },
		},
		Logger: telemetry.Discard(),
	}
}

func dial(t *testing.T, svc *Services) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(NewMux(NewHandler(svc, telemetry.Discard())))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func request(t *testing.T, conn *websocket.Conn, typ MessageType, payload any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(newMessage(typ, payload)))
}

// readUntil collects messages up to and including the first of type stop
func readUntil(t *testing.T, conn *websocket.Conn, stop MessageType) []Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	var msgs []Message
	for {
		var msg Message
		require.NoError(t, conn.ReadJSON(&msg))
		msgs = append(msgs, msg)
		if msg.Type == stop {
			return msgs
		}
	}
}

func ofType(msgs []Message, typ MessageType) []Message {
	var out []Message
	for _, m := range msgs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func complete(t *testing.T, msgs []Message) CompletePayload {
	t.Helper()
	var payload CompletePayload
	require.NoError(t, json.Unmarshal(msgs[len(msgs)-1].Payload, &payload))
	return payload
}

func writeProject(t *testing.T, pkgJSON string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte(pkgJSON), 0644))
	return dir
}

func TestOptimizeOverWebSocket(t *testing.T) {
	dir := writeProject(t, `{"name":"app","private":true,"dependencies":{"safe-buffer":"^5.2.1"}}`)
	runner := &recordingRunner{}
	conn := dial(t, testServices(t, staticSource{}, runner))

	request(t, conn, TypeOptimize, OptimizePayload{Path: dir})
	msgs := readUntil(t, conn, TypeComplete)

	done := complete(t, msgs)
	assert.True(t, done.Success)
	assert.Equal(t, MsgOptimized, done.Message)
	require.NotNil(t, done.Result.Data)
	assert.True(t, done.Result.Data.Fixed)

	runID := msgs[len(msgs)-1].RunID
	assert.NotEmpty(t, runID)
	for _, m := range msgs {
		assert.Equal(t, runID, m.RunID, "every message of a run carries its id")
	}

	var targets []string
	for _, m := range ofType(msgs, TypePackageStatus) {
		var status PackageStatusPayload
		require.NoError(t, json.Unmarshal(m.Payload, &status))
		assert.Equal(t, "safe-buffer", status.Name)
		targets = append(targets, status.Target)
	}
	assert.Contains(t, targets, "npm:@socketregistry/safe-buffer@^1")

	require.Len(t, ofType(msgs, TypeOverrides), 1)
	assert.Equal(t, []string{"npm install --no-audit --no-fund"}, runner.calls)

	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	require.NoError(t, err)
	var pkg struct {
		Dependencies map[string]string `json:"dependencies"`
	}
	require.NoError(t, json.Unmarshal(data, &pkg))
	assert.Equal(t, "npm:@socketregistry/safe-buffer@^1", pkg.Dependencies["safe-buffer"])
}

func TestOptimizeInstallFailureRestoresManifest(t *testing.T) {
	original := "{\n    \"name\": \"app\",\n    \"private\": true,\n    \"dependencies\": {\"safe-buffer\": \"^5.2.1\"}\n}\n"
	dir := writeProject(t, original)
	runner := &recordingRunner{err: errors.New("exit status 1")}
	p := NewPipeline(testServices(t, staticSource{}, runner), LogSender{Logger: telemetry.Discard()})

	res := p.Optimize(context.Background(), OptimizePayload{Path: dir})

	assert.False(t, res.OK)
	assert.Equal(t, failure.ExitInstall, res.ExitCode())
	assert.Equal(t, []string{"npm install --no-audit --no-fund"}, runner.calls)
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	require.NoError(t, err)
	assert.Equal(t, original, string(data))
}

func TestOptimizeAlreadyOptimized(t *testing.T) {
	dir := writeProject(t, `{"name":"app","private":true,"dependencies":{"lodash":"^4.17.21"}}`)
	runner := &recordingRunner{}
	conn := dial(t, testServices(t, staticSource{}, runner))

	request(t, conn, TypeOptimize, OptimizePayload{Path: dir})
	done := complete(t, readUntil(t, conn, TypeComplete))
	assert.True(t, done.Success)
	assert.Equal(t, MsgAlreadyOptimized, done.Message)
	assert.False(t, done.Result.Data.Fixed)
	assert.Empty(t, runner.calls)
}

func TestFixOverWebSocket(t *testing.T) {
	tests := []struct {
		name     string
		source   staticSource
		payload  FixPayload
		success  bool
		message  string
		exitCode int
	}{
		{
			name:    "nothing to fix",
			source:  staticSource{alerts: alerts.AlertMap{}},
			payload: FixPayload{Purls: []string{"pkg:npm/lodash@4.17.21"}},
			success: true,
			message: remediate.MsgNoFixable,
		},
		{
			name:     "alert source down",
			source:   staticSource{err: errors.New("503 from advisory api")},
			payload:  FixPayload{Purls: []string{"pkg:npm/lodash@4.17.15"}},
			exitCode: failure.ExitAPI,
		},
		{
			name:     "bad range style",
			payload:  FixPayload{RangeStyle: "sideways"},
			exitCode: failure.ExitInput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := writeProject(t, `{"name":"app","dependencies":{"lodash":"^4.17.0"}}`)
			conn := dial(t, testServices(t, tt.source, &recordingRunner{}))

			tt.payload.Path = dir
			request(t, conn, TypeFix, tt.payload)
			done := complete(t, readUntil(t, conn, TypeComplete))
			assert.Equal(t, tt.success, done.Success)
			if tt.success {
				assert.Equal(t, tt.message, done.Message)
			} else {
				assert.Equal(t, tt.exitCode, done.Result.ExitCode())
			}
		})
	}
}

func TestAllowedRoots(t *testing.T) {
	dir := writeProject(t, `{"name":"app"}`)
	svc := testServices(t, staticSource{}, &recordingRunner{})
	svc.AllowedRoots = []string{t.TempDir()}
	conn := dial(t, svc)

	request(t, conn, TypeOptimize, OptimizePayload{Path: dir})
	done := complete(t, readUntil(t, conn, TypeComplete))
	assert.False(t, done.Success)
	assert.Equal(t, failure.ExitInput, done.Result.ExitCode())
	assert.Contains(t, done.Result.Cause, "outside the allowed roots")
}

func TestControlMessages(t *testing.T) {
	conn := dial(t, testServices(t, staticSource{}, &recordingRunner{}))

	request(t, conn, TypePing, nil)
	msgs := readUntil(t, conn, TypePong)
	assert.Len(t, msgs, 1)

	request(t, conn, "explode", nil)
	msgs = readUntil(t, conn, TypeError)
	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &payload))
	assert.Equal(t, "Unknown message type: explode", payload.Message)

	require.NoError(t, conn.WriteJSON(Message{Type: TypeFix, Payload: json.RawMessage(`"not an object"`)}))
	msgs = readUntil(t, conn, TypeError)
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &payload))
	assert.Equal(t, "input_error", payload.Code)
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(NewMux(NewHandler(testServices(t, staticSource{}, &recordingRunner{}), nil)))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	metrics, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer metrics.Body.Close()
	assert.Equal(t, http.StatusOK, metrics.StatusCode)
}

func TestAllowed(t *testing.T) {
	root := filepath.Join(string(filepath.Separator), "srv", "projects")
	assert.True(t, allowed(filepath.Join(root, "app"), []string{root}))
	assert.True(t, allowed(root, []string{root}))
	assert.False(t, allowed(filepath.Join(string(filepath.Separator), "srv", "projects-evil"), []string{root}))
	assert.False(t, allowed(filepath.Join(string(filepath.Separator), "etc"), []string{root}))
	assert.True(t, allowed("/anything", nil))
}
