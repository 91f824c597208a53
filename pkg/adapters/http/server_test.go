package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aretw0/termstore/internal/config"
	"github.com/aretw0/termstore/pkg/domain"
	"github.com/aretw0/termstore/pkg/observability"
	"github.com/aretw0/termstore/pkg/ports"
	"github.com/aretw0/termstore/pkg/selector"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSelector(t *testing.T) *selector.Selector {
	t.Helper()
	cfg := config.Default()
	cfg.Local.SweepInterval = 0
	cfg.Local.FlushInterval = 0
	sel, err := selector.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sel.Close() })
	return sel
}

func activeStore(t *testing.T, sel *selector.Selector) ports.SessionStore {
	t.Helper()
	p, err := sel.Provider(context.Background())
	require.NoError(t, err)
	return p
}

func createSession(t *testing.T, store ports.SessionStore, project string) *domain.Session {
	t.Helper()
	s, err := store.CreateSession(context.Background(), domain.CreateParams{
		ProjectID: project, ProjectPath: "/work/" + project, Mode: domain.ModeNormal,
	})
	require.NoError(t, err)
	return s
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestGetHealthAndInfo(t *testing.T) {
	sel := newSelector(t)
	createSession(t, activeStore(t, sel), "p")
	h := NewHandler(sel)

	w := do(t, h, "GET", "/healthz", "")
	require.Equal(t, http.StatusOK, w.Code)
	var health domain.Health
	require.NoError(t, json.NewDecoder(w.Body).Decode(&health))
	assert.True(t, health.Healthy)
	assert.Equal(t, domain.ModeLocal, health.Mode)

	w = do(t, h, "GET", "/info", "")
	require.Equal(t, http.StatusOK, w.Code)
	var info struct {
		App     string             `json:"app"`
		Version string             `json:"version"`
		Storage domain.StorageInfo `json:"storage"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&info))
	assert.Equal(t, "termstore-http", info.App)
	assert.NotEmpty(t, info.Version)
	assert.Equal(t, 1, info.Storage.TotalSessions)
	assert.Equal(t, 1, info.Storage.ByStatus[domain.StatusConnecting])
}

func TestCapabilities(t *testing.T) {
	w := do(t, NewHandler(newSelector(t)), "GET", "/capabilities", "")
	require.Equal(t, http.StatusOK, w.Code)
	var caps []domain.Capabilities
	require.NoError(t, json.NewDecoder(w.Body).Decode(&caps))
	require.Len(t, caps, 3)
	assert.Equal(t, domain.ModeHybrid, caps[2].Mode)
	assert.True(t, caps[2].CrossTier)
}

func TestSessionRoutes(t *testing.T) {
	sel := newSelector(t)
	store := activeStore(t, sel)
	first := createSession(t, store, "p")
	second := createSession(t, store, "p")
	createSession(t, store, "other")
	h := NewHandler(sel)

	t.Run("list", func(t *testing.T) {
		w := do(t, h, "GET", "/projects/p/sessions?order=tabName&desc=true", "")
		require.Equal(t, http.StatusOK, w.Code)
		var got []*domain.Session
		require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
		require.Len(t, got, 2)
		assert.Equal(t, second.ID, got[0].ID)
		assert.Equal(t, "Terminal 2", got[0].TabName)
	})

	t.Run("list rejects bad parameters", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, do(t, h, "GET", "/projects/p/sessions?limit=-1", "").Code)
		assert.Equal(t, http.StatusBadRequest, do(t, h, "GET", "/projects/p/sessions?order=size", "").Code)
		assert.Equal(t, http.StatusBadRequest, do(t, h, "GET", "/projects/p/sessions?all=maybe", "").Code)
	})

	t.Run("get", func(t *testing.T) {
		w := do(t, h, "GET", "/sessions/"+first.ID, "")
		require.Equal(t, http.StatusOK, w.Code)
		var got domain.Session
		require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
		assert.Equal(t, "Terminal 1", got.TabName)

		w = do(t, h, "GET", "/sessions/missing", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Contains(t, w.Body.String(), "session not found")
	})

	t.Run("delete is refused while protected", func(t *testing.T) {
		w := do(t, h, "DELETE", "/sessions/"+first.ID, "")
		assert.Equal(t, http.StatusConflict, w.Code)

		require.NoError(t, store.UpdateSession(context.Background(), first.ID, domain.SessionUpdate{Status: domain.Ptr(domain.StatusClosed)}))
		w = do(t, h, "DELETE", "/sessions/"+first.ID, "")
		assert.Equal(t, http.StatusNoContent, w.Code)
		w = do(t, h, "DELETE", "/sessions/"+first.ID, "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("focus", func(t *testing.T) {
		w := do(t, h, "PUT", "/sessions/"+second.ID+"/focus", `{"focused":true}`)
		require.Equal(t, http.StatusNoContent, w.Code)
		w = do(t, h, "GET", "/projects/p/focus", "")
		require.Equal(t, http.StatusOK, w.Code)
		var ids []string
		require.NoError(t, json.NewDecoder(w.Body).Decode(&ids))
		assert.Equal(t, []string{second.ID}, ids)
		w = do(t, h, "PUT", "/sessions/"+second.ID+"/focus", `{"focused":false}`)
		require.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, http.StatusBadRequest, do(t, h, "PUT", "/sessions/"+second.ID+"/focus", `nope`).Code)
	})

	t.Run("suspend and resume", func(t *testing.T) {
		require.NoError(t, store.UpdateSession(context.Background(), second.ID, domain.SessionUpdate{
			AppendOutput: domain.Lines(time.Now(), "$ make"),
		}))
		w := do(t, h, "POST", "/sessions/"+second.ID+"/resume", "")
		assert.Equal(t, http.StatusConflict, w.Code, "not suspended yet")

		w = do(t, h, "POST", "/sessions/"+second.ID+"/suspend", "")
		require.Equal(t, http.StatusNoContent, w.Code)

		w = do(t, h, "POST", "/sessions/"+second.ID+"/resume", "")
		require.Equal(t, http.StatusOK, w.Code)
		var res domain.ResumeResult
		require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
		assert.Equal(t, []string{"$ make"}, res.BufferedOutput)
		assert.Equal(t, domain.StatusActive, res.Session.Status)
	})
}

func TestMaintenanceRoutes(t *testing.T) {
	h := NewHandler(newSelector(t))
	assert.Equal(t, http.StatusNoContent, do(t, h, "POST", "/sync", "").Code)
	assert.Equal(t, http.StatusNoContent, do(t, h, "POST", "/flush", "").Code)

	w := do(t, h, "POST", "/cleanup", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"removed":0}`, w.Body.String())
}

func TestSwitchMode(t *testing.T) {
	sel := newSelector(t)
	createSession(t, activeStore(t, sel), "p")
	h := NewHandler(sel)

	w := do(t, h, "GET", "/mode", "")
	assert.JSONEq(t, `{"mode":"local"}`, w.Body.String())

	assert.Equal(t, http.StatusBadRequest, do(t, h, "PUT", "/mode", `{"mode":"cloud"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, "PUT", "/mode", `{`).Code)
	assert.Equal(t, "local", string(sel.Mode()))
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.NotFound("get", "x"), http.StatusNotFound},
		{&domain.StorageError{Kind: domain.ErrValidation}, http.StatusBadRequest},
		{&domain.StorageError{Kind: domain.ErrProtectedState}, http.StatusConflict},
		{&domain.StorageError{Kind: domain.ErrInvalidTransition}, http.StatusConflict},
		{&domain.StorageError{Kind: domain.ErrSyncConflict}, http.StatusConflict},
		{&domain.StorageError{Kind: domain.ErrRateLimited}, http.StatusTooManyRequests},
		{&domain.StorageError{Kind: domain.ErrCapacityExceeded}, http.StatusInsufficientStorage},
		{fmt.Errorf("wrapped: %w", &domain.StorageError{Kind: domain.ErrStorageUnavailable}), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}

func TestCORSPreflight(t *testing.T) {
	w := do(t, NewHandler(newSelector(t)), "OPTIONS", "/info", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	sel := newSelector(t)
	reg := prometheus.NewRegistry()
	metrics, err := observability.NewMetrics(reg)
	require.NoError(t, err)
	require.NoError(t, reg.Register(observability.NewInfoCollector(sel)))
	h := NewHandler(sel, WithGatherer(reg), WithObserver(metrics))

	// The first request attaches the observers to the active store.
	require.Equal(t, http.StatusOK, do(t, h, "GET", "/healthz", "").Code)
	createSession(t, activeStore(t, sel), "p")

	w := do(t, h, "GET", "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `termstore_session_events_total{event="session:created"`)
	assert.Contains(t, body, `termstore_sessions{mode="local",status="connecting"} 1`)
}

func TestSubscribeEvents(t *testing.T) {
	sel := newSelector(t)
	store := activeStore(t, sel)
	srv := httptest.NewServer(NewHandler(sel))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", srv.URL+"/events?project_id=p&events=session:created", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: ping\n", line)

	createSession(t, store, "other")
	s := createSession(t, store, "p")
	require.NoError(t, store.UpdateSession(ctx, s.ID, domain.SessionUpdate{Active: domain.Ptr(true)}))

	var data string
	for {
		line, err = reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: {") {
			data = strings.TrimPrefix(strings.TrimSpace(line), "data: ")
			break
		}
	}
	var got domain.Event
	require.NoError(t, json.Unmarshal([]byte(data), &got))
	assert.Equal(t, domain.EventSessionCreated, got.Name)
	assert.Equal(t, s.ID, got.SessionID, "events of other projects are filtered out")
}

func TestStreamManager_DropsForSlowClients(t *testing.T) {
	sm := NewStreamManager()
	ch, cancel := sm.Subscribe("p")
	for i := 0; i < 40; i++ {
		sm.Broadcast(domain.Event{Name: domain.EventSessionUpdated, ProjectID: "p"})
	}
	assert.Len(t, ch, 32)
	assert.Equal(t, 1, sm.Subscribers())

	cancel()
	cancel()
	assert.Zero(t, sm.Subscribers())

	var buf bytes.Buffer
	for msg := range ch {
		buf.Write(msg)
	}
	assert.Contains(t, buf.String(), `"name":"session:updated"`)
}

func TestStreamManager_EncodesErrors(t *testing.T) {
	sm := NewStreamManager()
	ch, cancel := sm.Subscribe("")
	defer cancel()
	sm.Broadcast(domain.Event{Name: domain.EventError, Reason: "snapshot", Err: errors.New("disk full")})
	msg := <-ch
	assert.Contains(t, string(msg), `"error":"disk full"`)
}
