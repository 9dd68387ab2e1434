package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gliderssh "github.com/gliderlabs/ssh"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"shellgate/internal/auth"
	"shellgate/internal/config"
	"shellgate/internal/gate"
	"shellgate/internal/models"
	"shellgate/internal/session"
	"shellgate/internal/ssh"
)

const (
	realHost     = "203.0.113.9"
	realPassword = "hunter2"
)

func startSSH(t *testing.T) *net.TCPAddr {
	t.Helper()
	srv := &gliderssh.Server{
		Handler: func(s gliderssh.Session) {
			cmd := s.RawCommand()
			if strings.HasPrefix(cmd, "echo ") {
				io.WriteString(s, strings.TrimPrefix(cmd, "echo ")+"\n")
				return
			}
			io.WriteString(s, "ran: "+cmd+"\n")
		},
		PasswordHandler: func(ctx gliderssh.Context, password string) bool {
			return password == realPassword
		},
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })
	return ln.Addr().(*net.TCPAddr)
}

type api struct {
	t     *testing.T
	url   string
	http  *http.Client
	gate  *gate.Gate
	store *config.ProfileStore
}

func newAPI(t *testing.T, guard *auth.Guard, passphrase string) *api {
	t.Helper()
	addr := startSSH(t)
	mgr := session.NewManager(session.Options{
		Dial: func(ctx context.Context, o ssh.DialOptions) (*ssh.Transport, error) {
			o.Host = addr.IP.String()
			o.Port = addr.Port
			return ssh.Dial(ctx, o)
		},
	})
	g := gate.New(gate.Options{Sessions: mgr})
	t.Cleanup(g.Close)

	store, err := config.NewProfileStore(filepath.Join(t.TempDir(), "profiles.json"), passphrase)
	require.NoError(t, err)

	ts := httptest.NewServer(NewHandler(g, store, guard, zap.NewNop()).Routes())
	t.Cleanup(ts.Close)

	jar, _ := cookiejar.New(nil)
	return &api{t: t, url: ts.URL, http: &http.Client{Jar: jar}, gate: g, store: store}
}

// call 返回状态码与原始响应体
func (a *api) call(method, path string, body interface{}) (int, string) {
	a.t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(a.t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, a.url+path, rd)
	require.NoError(a.t, err)
	resp, err := a.http.Do(req)
	require.NoError(a.t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(a.t, err)
	return resp.StatusCode, string(data)
}

func (a *api) decode(method, path string, body interface{}, wantStatus int, out interface{}) {
	a.t.Helper()
	status, raw := a.call(method, path, body)
	require.Equal(a.t, wantStatus, status, raw)
	if out != nil {
		require.NoError(a.t, json.Unmarshal([]byte(raw), out))
	}
}

type profileResp struct {
	Profile gate.ProfileView `json:"profile"`
}

func (a *api) createWeb1() gate.ProfileView {
	a.t.Helper()
	var resp profileResp
	a.decode(http.MethodPost, "/api/profiles", map[string]interface{}{
		"name": "web1", "host": realHost, "port": 22, "username": "root", "password": realPassword,
	}, http.StatusCreated, &resp)
	return resp.Profile
}

func assertNoSecrets(t *testing.T, text string) {
	t.Helper()
	assert.NotContains(t, text, realHost)
	assert.NotContains(t, text, realPassword)
}

func TestAPI_RequiresLogin(t *testing.T) {
	a := newAPI(t, auth.New(t.TempDir(), auth.Options{}), "")

	status, _ := a.call(http.MethodGet, "/api/profiles", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	a.decode(http.MethodPost, "/api/auth/setup", map[string]string{"password": "abcdef", "confirm": "abcdef"}, http.StatusOK, nil)
	a.decode(http.MethodPost, "/api/auth/login", map[string]string{"password": "abcdef"}, http.StatusOK, nil)

	status, _ = a.call(http.MethodGet, "/api/profiles", nil)
	assert.Equal(t, http.StatusOK, status)

	a.decode(http.MethodPost, "/api/auth/logout", nil, http.StatusOK, nil)
	status, _ = a.call(http.MethodGet, "/api/profiles", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestAPI_ProfilesNeverLeak(t *testing.T) {
	a := newAPI(t, nil, "")
	view := a.createWeb1()
	assert.True(t, strings.HasPrefix(view.Host, "vIP_"))
	assert.True(t, strings.HasPrefix(view.Password, "vPWD_"))

	status, raw := a.call(http.MethodGet, "/api/profiles", nil)
	require.Equal(t, http.StatusOK, status)
	assertNoSecrets(t, raw)
	assert.Contains(t, raw, view.Host)

	status, raw = a.call(http.MethodGet, "/api/profiles/"+view.ID, nil)
	require.Equal(t, http.StatusOK, status)
	assertNoSecrets(t, raw)

	// 本地存储保存真实值
	data, err := os.ReadFile(a.store.Path)
	require.NoError(t, err)
	assert.Contains(t, string(data), realHost)
	assert.NotContains(t, string(data), view.Host)
}

func TestAPI_UpdateAndDelete(t *testing.T) {
	a := newAPI(t, nil, "")
	view := a.createWeb1()

	var resp profileResp
	a.decode(http.MethodPut, "/api/profiles/"+view.ID, map[string]interface{}{
		"name": "web1-new", "host": view.Host, "password": view.Password,
	}, http.StatusOK, &resp)
	assert.Equal(t, "web1-new", resp.Profile.Name)
	assert.Equal(t, view.Host, resp.Profile.Host)

	records, err := a.store.Load()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "web1-new", records[0].Name)
	assert.Equal(t, realHost, records[0].Host)
	assert.Equal(t, realPassword, records[0].Password)

	status, _ := a.call(http.MethodPut, "/api/profiles/"+view.ID, map[string]interface{}{"port": 70000})
	assert.Equal(t, http.StatusBadRequest, status)

	a.decode(http.MethodDelete, "/api/profiles/"+view.ID, nil, http.StatusOK, nil)
	status, _ = a.call(http.MethodGet, "/api/profiles/"+view.ID, nil)
	assert.Equal(t, http.StatusNotFound, status)

	records, err = a.store.Load()
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestAPI_CreateInvalid(t *testing.T) {
	a := newAPI(t, nil, "")
	status, _ := a.call(http.MethodPost, "/api/profiles", map[string]interface{}{"name": "x"})
	assert.Equal(t, http.StatusBadRequest, status)

	req, _ := http.NewRequest(http.MethodPost, a.url+"/api/profiles", strings.NewReader("{"))
	resp, err := a.http.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_ExecFlow(t *testing.T) {
	a := newAPI(t, nil, "")
	view := a.createWeb1()
	base := "/api/profiles/" + view.ID

	status, _ := a.call(http.MethodPost, base+"/exec", ExecReq{Command: "uptime"})
	assert.Equal(t, http.StatusConflict, status, "未连接")

	var connected struct {
		Profile gate.ProfileView `json:"profile"`
	}
	a.decode(http.MethodPost, base+"/connect", nil, http.StatusOK, &connected)
	assert.Equal(t, models.StatusConnected, connected.Profile.Status)

	var out gate.Outcome
	a.decode(http.MethodPost, base+"/exec", ExecReq{Command: "echo " + view.Host}, http.StatusOK, &out)
	assert.Equal(t, view.Host+"\n", out.Output)

	status, raw := a.call(http.MethodPost, base+"/exec", ExecReq{Command: "reboot"})
	assert.Equal(t, http.StatusForbidden, status)
	var denied struct {
		NeedConfirm bool `json:"need_confirm"`
		Assessment  struct {
			Level string `json:"level"`
		} `json:"assessment"`
	}
	require.NoError(t, json.Unmarshal([]byte(raw), &denied))
	assert.True(t, denied.NeedConfirm)
	assert.Equal(t, "high", denied.Assessment.Level)

	a.decode(http.MethodPost, base+"/exec", ExecReq{Command: "reboot", Confirmed: true}, http.StatusOK, &out)
	assert.Equal(t, "ran: reboot\n", out.Output)

	var latency map[string]int64
	a.decode(http.MethodGet, base+"/latency", nil, http.StatusOK, &latency)
	assert.GreaterOrEqual(t, latency["latency_ms"], int64(0))

	a.decode(http.MethodPost, base+"/disconnect", nil, http.StatusOK, nil)
	a.decode(http.MethodGet, base+"/latency", nil, http.StatusOK, &latency)
	assert.Equal(t, int64(-1), latency["latency_ms"])

	var prompt map[string]string
	a.decode(http.MethodGet, base+"/prompt", nil, http.StatusOK, &prompt)
	assert.Equal(t, session.DefaultPrompt, prompt["prompt"])

	status, _ = a.call(http.MethodGet, base+"/telemetry", nil)
	assert.Equal(t, http.StatusConflict, status)
}

func TestAPI_ConnectFailure(t *testing.T) {
	a := newAPI(t, nil, "")
	var resp profileResp
	a.decode(http.MethodPost, "/api/profiles", map[string]interface{}{
		"name": "web1", "host": realHost, "username": "root", "password": "wrong-password",
	}, http.StatusCreated, &resp)

	status, raw := a.call(http.MethodPost, "/api/profiles/"+resp.Profile.ID+"/connect", nil)
	assert.Equal(t, http.StatusBadGateway, status)
	assertNoSecrets(t, raw)
	assert.NotContains(t, raw, "wrong-password")
}

func TestAPI_UnknownRoutes(t *testing.T) {
	a := newAPI(t, nil, "")
	status, _ := a.call(http.MethodGet, "/api/profiles/nope", nil)
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = a.call(http.MethodGet, "/api/profiles/nope/bogus", nil)
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = a.call(http.MethodGet, "/api/profiles/nope/connect", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, status)
	status, _ = a.call(http.MethodPost, "/api/profiles/nope/connect", nil)
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = a.call(http.MethodPatch, "/api/profiles", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, status)
}

func TestAPI_Current(t *testing.T) {
	a := newAPI(t, nil, "")
	status, _ := a.call(http.MethodGet, "/api/current", nil)
	assert.Equal(t, http.StatusNotFound, status)

	view := a.createWeb1()
	status, _ = a.call(http.MethodPut, "/api/current", CurrentReq{ID: "nope"})
	assert.Equal(t, http.StatusNotFound, status)
	a.decode(http.MethodPut, "/api/current", CurrentReq{ID: view.ID}, http.StatusOK, nil)

	var resp profileResp
	a.decode(http.MethodGet, "/api/current", nil, http.StatusOK, &resp)
	assert.Equal(t, view.ID, resp.Profile.ID)
}

func TestAPI_Risk(t *testing.T) {
	a := newAPI(t, nil, "")
	var resp struct {
		Assessment struct {
			Level  string `json:"level"`
			Reason string `json:"reason"`
		} `json:"assessment"`
		NeedConfirm bool   `json:"need_confirm"`
		Mode        string `json:"mode"`
	}
	a.decode(http.MethodPost, "/api/risk", RiskReq{Command: "rm -rf /"}, http.StatusOK, &resp)
	assert.Equal(t, "high", resp.Assessment.Level)
	assert.NotEmpty(t, resp.Assessment.Reason)
	assert.True(t, resp.NeedConfirm)
	assert.Equal(t, "manual_highrisk", resp.Mode)

	a.decode(http.MethodPost, "/api/risk", RiskReq{Command: "ls -la"}, http.StatusOK, &resp)
	assert.Equal(t, "low", resp.Assessment.Level)
	assert.False(t, resp.NeedConfirm)
}

func TestAPI_ExportRequiresPassphrase(t *testing.T) {
	a := newAPI(t, nil, "")
	a.createWeb1()
	status, raw := a.call(http.MethodGet, "/api/export", nil)
	assert.Equal(t, http.StatusConflict, status)
	assertNoSecrets(t, raw)
}

func TestAPI_ExportImportEncrypted(t *testing.T) {
	a := newAPI(t, nil, "correct horse")
	a.createWeb1()

	status, armored := a.call(http.MethodGet, "/api/export", nil)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, strings.HasPrefix(armored, "-----BEGIN AGE ENCRYPTED FILE-----"))
	assertNoSecrets(t, armored)

	// 替换为空后再从导出内容恢复
	a.decode(http.MethodPost, "/api/import", ImportReq{Replace: true}, http.StatusOK, nil)
	assert.Empty(t, a.gate.Profiles())

	var resp struct {
		Count int `json:"count"`
	}
	a.decode(http.MethodPost, "/api/import", ImportReq{Armored: armored}, http.StatusOK, &resp)
	assert.Equal(t, 1, resp.Count)
	records := a.gate.Records()
	require.Len(t, records, 1)
	assert.Equal(t, realHost, records[0].Host)
	assert.Equal(t, realPassword, records[0].Password)
}

func TestAPI_ImportPlainMerge(t *testing.T) {
	a := newAPI(t, nil, "")
	view := a.createWeb1()

	var resp struct {
		Count int `json:"count"`
	}
	a.decode(http.MethodPost, "/api/import", ImportReq{Profiles: []models.ProfileRecord{
		{ID: view.ID, Name: "web1", Host: realHost, Port: 2200, Username: "root", Password: realPassword},
		{Name: "db1", Host: "10.0.0.5", Username: "admin"},
	}}, http.StatusOK, &resp)
	assert.Equal(t, 2, resp.Count)

	got, err := a.gate.Profile(view.ID)
	require.NoError(t, err)
	assert.Equal(t, 2200, got.Port)

	status, _ := a.call(http.MethodPost, "/api/import", ImportReq{Armored: "garbage"})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serveListener(ctx, ln, http.NotFoundHandler(), zap.NewNop())
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusNotFound
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("服务未退出")
	}
}
