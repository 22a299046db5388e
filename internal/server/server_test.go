package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scadview/internal/param"
	"scadview/internal/render"
	"scadview/internal/session"
	"scadview/internal/watch"
)

const waitFor = 5 * time.Second

type fakeRenderer struct {
	mu   sync.Mutex
	fail error
}

func (f *fakeRenderer) Render(ctx context.Context, req render.Request) ([]byte, error) {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail != nil {
		return nil, fail
	}
	return []byte(string(req.Format) + ":" + strings.Join(req.Args, ",")), nil
}

func (f *fakeRenderer) setFail(err error) {
	f.mu.Lock()
	f.fail = err
	f.mu.Unlock()
}

type fixture struct {
	srv      *Server
	ts       *httptest.Server
	manager  *session.Manager
	renderer *fakeRenderer
	file     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, Options{})
}

func newFixtureWith(t *testing.T, opts Options) *fixture {
	t.Helper()
	r := &fakeRenderer{}
	m := session.NewManager(r, watch.ExtractorFunc(param.ExtractFile), nil, session.Options{})
	opts.Version = "test"
	opts.Command = []string{"openscad"}
	srv := New(m, opts)
	ts := httptest.NewServer(srv.Handler())

	file := filepath.Join(t.TempDir(), "box.scad")
	require.NoError(t, os.WriteFile(file, []byte("width = 10;\nsolid = true;\ncube(width);\n"), 0644))

	t.Cleanup(func() {
		ts.Close()
		sessions := m.Sessions()
		m.Dispose()
		session.Wait(sessions)
	})
	return &fixture{srv: srv, ts: ts, manager: m, renderer: r, file: file}
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws?file=" + url.QueryEscape(f.file)
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

type message struct {
	Type       string            `json:"type"`
	Loading    bool              `json:"loading"`
	Message    string            `json:"message"`
	Content    string            `json:"content"`
	Format     string            `json:"format"`
	Name       string            `json:"name"`
	Parameters []json.RawMessage `json:"parameters"`
	Overrides  map[string]any    `json:"overrides"`
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

// next reads messages until one satisfies match.
func next(t *testing.T, conn *websocket.Conn, match func(message) bool) message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(waitFor))
	for {
		var msg message
		require.NoError(t, conn.ReadJSON(&msg))
		if match(msg) {
			return msg
		}
	}
}

func ofType(typ string) func(message) bool {
	return func(m message) bool { return m.Type == typ }
}

func content(t *testing.T, msg message) string {
	t.Helper()
	data, err := base64.StdEncoding.DecodeString(msg.Content)
	require.NoError(t, err)
	return string(data)
}

func TestReadyPushesState(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	// wait for the first render before asking for state
	require.Eventually(t, func() bool {
		s, ok := f.manager.Get(f.file)
		if !ok {
			return false
		}
		_, has := s.LastPreview()
		return has
	}, waitFor, 10*time.Millisecond)

	send(t, conn, map[string]any{"type": "ready"})

	upd := next(t, conn, ofType("update"))
	assert.Equal(t, "3mf", upd.Format)
	assert.Equal(t, "3mf:width=10,solid=true", content(t, upd))

	params := next(t, conn, ofType("updateParameters"))
	assert.Len(t, params.Parameters, 2)
	assert.Empty(t, params.Overrides)
}

func TestParameterChangedRerenders(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)
	send(t, conn, map[string]any{"type": "ready"})
	next(t, conn, ofType("updateParameters"))

	send(t, conn, map[string]any{"type": "parameterChanged", "name": "width", "value": 20})

	params := next(t, conn, func(m message) bool { return m.Type == "updateParameters" && len(m.Overrides) > 0 })
	assert.Equal(t, float64(20), params.Overrides["width"])

	upd := next(t, conn, func(m message) bool { return m.Type == "update" && strings.Contains(content(t, m), "width=20") })
	assert.Equal(t, "3mf:width=20,solid=true", content(t, upd))

	send(t, conn, map[string]any{"type": "parameterChanged", "name": "width", "value": nil})
	next(t, conn, func(m message) bool { return m.Type == "update" && content(t, m) == "3mf:width=10,solid=true" })
}

func TestRenderStartedSendsLoading(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)
	send(t, conn, map[string]any{"type": "ready"})
	next(t, conn, ofType("updateParameters"))

	send(t, conn, map[string]any{"type": "parameterChanged", "name": "solid", "value": false})
	msg := next(t, conn, func(m message) bool { return m.Type == "loadingState" && m.Message == "Generating model..." })
	assert.True(t, msg.Loading)
	next(t, conn, func(m message) bool { return m.Type == "update" && strings.Contains(content(t, m), "solid=false") })
}

func TestExportModel(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	send(t, conn, map[string]any{"type": "exportModel", "format": "stl"})
	msg := next(t, conn, ofType("exported"))
	assert.Equal(t, "box.stl", msg.Name)
	assert.Equal(t, "stl", msg.Format)
	assert.True(t, strings.HasPrefix(content(t, msg), "stl:"))

	send(t, conn, map[string]any{"type": "exportModel", "format": "obj"})
	errMsg := next(t, conn, ofType("error"))
	assert.Contains(t, errMsg.Message, "obj")
}

func TestSpawnFailureReachesView(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)
	send(t, conn, map[string]any{"type": "ready"})
	next(t, conn, ofType("updateParameters"))

	f.renderer.setFail(&render.SpawnError{Command: "openscad", Err: os.ErrNotExist})
	send(t, conn, map[string]any{"type": "parameterChanged", "name": "width", "value": 11})

	msg := next(t, conn, ofType("error"))
	assert.Contains(t, msg.Message, "failed to start openscad")
}

func TestProcessFailureEndsLoading(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)
	send(t, conn, map[string]any{"type": "ready"})
	next(t, conn, ofType("updateParameters"))

	f.renderer.setFail(&render.ProcessError{Code: 1, Stderr: "ERROR: Parser error in file"})
	send(t, conn, map[string]any{"type": "parameterChanged", "name": "width", "value": 11})

	msg := next(t, conn, func(m message) bool { return m.Type == "loadingState" && !m.Loading })
	assert.Contains(t, msg.Message, "Parser error")
}

func TestMalformedMessage(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	msg := next(t, conn, ofType("error"))
	assert.Contains(t, msg.Message, "malformed")
}

func TestSessionReleasedOnDisconnect(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)
	require.Eventually(t, func() bool { return f.srv.Clients() == 1 }, waitFor, 10*time.Millisecond)

	second := f.dial(t)
	require.Eventually(t, func() bool { return f.srv.Clients() == 2 }, waitFor, 10*time.Millisecond)
	assert.Len(t, f.manager.Sessions(), 1)

	conn.Close()
	require.Eventually(t, func() bool { return f.srv.Clients() == 1 }, waitFor, 10*time.Millisecond)
	assert.Len(t, f.manager.Sessions(), 1)

	second.Close()
	require.Eventually(t, func() bool { return len(f.manager.Sessions()) == 0 }, waitFor, 10*time.Millisecond)
}

func TestWSRejectsMissingFile(t *testing.T) {
	f := newFixture(t)

	u := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	u += "?file=" + url.QueryEscape(filepath.Join(t.TempDir(), "gone.scad"))
	_, resp, err = websocket.DefaultDialer.Dial(u, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Empty(t, f.manager.Sessions())
}

func TestSilentViewIsDropped(t *testing.T) {
	f := newFixtureWith(t, Options{PongWait: 200 * time.Millisecond})

	// Never reading means pings go unanswered.
	f.dial(t)
	require.Eventually(t, func() bool {
		return f.srv.Clients() == 0 && len(f.manager.Sessions()) == 0
	}, waitFor, 10*time.Millisecond)
}

func TestAnsweringViewStaysAttached(t *testing.T) {
	f := newFixtureWith(t, Options{PongWait: 200 * time.Millisecond})

	conn := f.dial(t)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	require.Eventually(t, func() bool { return f.srv.Clients() == 1 }, waitFor, 10*time.Millisecond)

	time.Sleep(time.Second)
	assert.Equal(t, 1, f.srv.Clients())
	assert.Len(t, f.manager.Sessions(), 1)
}

func TestWSRejectsForeignOrigin(t *testing.T) {
	f := newFixture(t)
	u := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws?file=" + url.QueryEscape(f.file)

	_, resp, err := websocket.DefaultDialer.Dial(u, http.Header{"Origin": {"http://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Empty(t, f.manager.Sessions())

	conn, _, err := websocket.DefaultDialer.Dial(u, http.Header{"Origin": {f.ts.URL}})
	require.NoError(t, err)
	conn.Close()
}

func TestAPIExportRejectsForeignOrigin(t *testing.T) {
	f := newFixture(t)

	req, err := http.NewRequest(http.MethodGet, f.ts.URL+"/api/export?file="+url.QueryEscape(f.file), nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://evil.example")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Empty(t, f.manager.Sessions())
}

func TestSameOrigin(t *testing.T) {
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:8080", true},
		{"http://LOCALHOST:8080", true},
		{"http://localhost:9090", false},
		{"http://evil.example", false},
		{"null", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "http://localhost:8080/api/export", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, sameOrigin(r), tt.origin)
	}
}

func get(t *testing.T, u string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(u)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestAPIExport(t *testing.T) {
	f := newFixture(t)

	resp, body := get(t, f.ts.URL+"/api/export?format=3mf&file="+url.QueryEscape(f.file))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "model/3mf", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), `filename="box.3mf"`)
	assert.True(t, strings.HasPrefix(body, "3mf:"))

	resp, _ = get(t, f.ts.URL+"/api/export?format=gltf&file="+url.QueryEscape(f.file))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	f.renderer.setFail(&render.ProcessError{Code: 1, Stderr: "ERROR: Parser error"})
	resp, body = get(t, f.ts.URL+"/api/export?file="+url.QueryEscape(f.file))
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, body, "Parser error")

	// the temporary session is gone again
	require.Eventually(t, func() bool { return len(f.manager.Sessions()) == 0 }, waitFor, 10*time.Millisecond)
}

func TestAPISessionsAndStatus(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.GetOrCreate(f.file)
	require.NoError(t, err)

	resp, body := get(t, f.ts.URL+"/api/sessions")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var infos []sessionInfo
	require.NoError(t, json.Unmarshal([]byte(body), &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, "box.scad", infos[0].Name)
	assert.Equal(t, ViewURL(f.file), infos[0].ViewURL)

	_, body = get(t, f.ts.URL+"/api/status")
	var status map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &status))
	assert.Equal(t, "test", status["version"])
	assert.Equal(t, float64(1), status["sessions"])
	assert.Equal(t, "openscad", status["openscad"])
}

func TestPages(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.GetOrCreate(f.file)
	require.NoError(t, err)

	resp, body := get(t, f.ts.URL+"/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "box.scad")

	resp, body = get(t, f.ts.URL+ViewURL(f.file))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "box.scad")
	assert.Contains(t, body, "/ws?file=")

	resp, _ = get(t, f.ts.URL+"/nope")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = get(t, f.ts.URL+"/api/routes")
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
