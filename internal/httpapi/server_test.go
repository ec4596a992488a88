package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aaronromeo/paywatch/internal/config"
	"github.com/aaronromeo/paywatch/internal/payment"
	"github.com/aaronromeo/paywatch/internal/probe"
	"github.com/aaronromeo/paywatch/internal/services"
	"github.com/aaronromeo/paywatch/internal/testutil"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeService struct {
	status     services.Status
	startErr   error
	stopErr    error
	result     probe.Result
	override   *config.IMAPEnv
	startCalls int
	stopCalls  int
	panicOn    string
}

func (f *fakeService) Status() services.Status {
	if f.panicOn == "status" {
		panic("boom")
	}
	return f.status
}

func (f *fakeService) Start(_ context.Context, override *config.IMAPEnv) error {
	f.startCalls++
	f.override = override
	return f.startErr
}

func (f *fakeService) Stop() error {
	f.stopCalls++
	return f.stopErr
}

func (f *fakeService) TestConnection(_ context.Context, override *config.IMAPEnv) probe.Result {
	f.override = override
	return f.result
}

func (f *fakeService) Subscribe(int) (<-chan payment.Event, func()) {
	ch := make(chan payment.Event)
	return ch, func() {}
}

func (f *fakeService) Reload(context.Context, config.Config) error { return nil }

func do(t *testing.T, svc services.WatchService, method, path, body string) (int, map[string]any) {
	t.Helper()
	app := New(svc, testutil.SetupLogger(t))

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	decoded := map[string]any{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp.StatusCode, decoded
}

func TestStatus(t *testing.T) {
	svc := &fakeService{status: services.Status{IsRunning: true, State: "connected"}}

	code, body := do(t, svc, http.MethodGet, "/api/status", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["isRunning"])
	assert.Equal(t, "connected", body["state"])
}

func TestStart(t *testing.T) {
	tests := []struct {
		name         string
		body         string
		startErr     error
		wantCode     int
		wantSuccess  bool
		wantOverride *config.IMAPEnv
		wantCalls    int
	}{
		{
			name:        "no body",
			wantCode:    http.StatusOK,
			wantSuccess: true,
			wantCalls:   1,
		},
		{
			name:         "credential override",
			body:         `{"host":"imap.example.com","port":993,"user":"zam","password":"app-pass"}`,
			wantCode:     http.StatusOK,
			wantSuccess:  true,
			wantOverride: &config.IMAPEnv{Host: "imap.example.com", Port: 993, User: "zam", Pass: "app-pass"},
			wantCalls:    1,
		},
		{
			name:     "malformed body",
			body:     `{"host":`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:      "missing credentials",
			startErr:  &config.ConfigurationError{Missing: []string{"PAYWATCH_IMAP_USER"}},
			wantCode:  http.StatusBadRequest,
			wantCalls: 1,
		},
		{
			name:      "internal failure",
			startErr:  errors.New("boom"),
			wantCode:  http.StatusInternalServerError,
			wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{startErr: tt.startErr}

			code, body := do(t, svc, http.MethodPost, "/api/start", tt.body)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantSuccess, body["success"])
			assert.Equal(t, tt.wantCalls, svc.startCalls)
			if tt.wantOverride != nil {
				assert.Equal(t, tt.wantOverride, svc.override)
			}
			if !tt.wantSuccess {
				assert.NotEmpty(t, body["error"])
			} else {
				assert.NotContains(t, body, "error")
			}
		})
	}
}

func TestStop(t *testing.T) {
	svc := &fakeService{}
	code, body := do(t, svc, http.MethodPost, "/api/stop", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, 1, svc.stopCalls)

	svc = &fakeService{stopErr: errors.New("logout failed")}
	code, body = do(t, svc, http.MethodPost, "/api/stop", "")
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "logout failed", body["error"])
}

func TestTestConnection(t *testing.T) {
	svc := &fakeService{result: probe.Result{
		Success: true,
		Events:  []payment.Event{{ID: "evt-1", Amount: "$5.00", Note: "coffee"}},
	}}

	code, body := do(t, svc, http.MethodPost, "/api/test", `{"user":"zam"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])
	require.Len(t, body["emails"], 1)
	require.NotNil(t, svc.override)
	assert.Equal(t, "zam", svc.override.User)
}

func TestTestConnectionFailure(t *testing.T) {
	svc := &fakeService{result: probe.Result{Error: "connection timeout"}}

	code, body := do(t, svc, http.MethodPost, "/api/test", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "connection timeout", body["error"])
	assert.NotContains(t, body, "emails")
}

func TestPanicIsRecovered(t *testing.T) {
	code, body := do(t, &fakeService{panicOn: "status"}, http.MethodGet, "/api/status", "")
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Contains(t, body["error"], "boom")
}

func TestUnknownRoute(t *testing.T) {
	code, _ := do(t, &fakeService{}, http.MethodGet, "/api/nope", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestServeStopsOnCancel(t *testing.T) {
	app := New(&fakeService{}, testutil.SetupLogger(t))
	listening := make(chan string, 1)
	app.Hooks().OnListen(func(data fiber.ListenData) error {
		listening <- net.JoinHostPort(data.Host, data.Port)
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- Serve(ctx, app, "127.0.0.1:0")
	}()
	addr := <-listening
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/api/status")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)
	cancel()

	require.NoError(t, <-errCh)
}
