package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chanbet/chanbet-go/internal/session"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeLifecycle struct {
	mu      sync.Mutex
	state   session.State
	subs    []func(session.State)
	openErr error
	playErr error
	record  *session.RoundRecord
	calls   []string
}

func newFakeLifecycle() *fakeLifecycle {
	return &fakeLifecycle{
		state: session.State{SessionPhase: session.PhaseIdle, GamePhase: session.GameNone},
	}
}

func (f *fakeLifecycle) called(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
}

func (f *fakeLifecycle) Snapshot() session.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeLifecycle) Subscribe(fn func(session.State)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, fn)
	idx := len(f.subs) - 1
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.subs[idx] = nil
	}
}

func (f *fakeLifecycle) notify(state session.State) {
	f.mu.Lock()
	f.state = state
	subs := append(([]func(session.State))(nil), f.subs...)
	f.mu.Unlock()
	for _, fn := range subs {
		if fn != nil {
			fn(state)
		}
	}
}

func (f *fakeLifecycle) OpenSession(_ context.Context, _ string) error {
	f.called("open")
	return f.openErr
}
func (f *fakeLifecycle) ResumeSession(_ context.Context) error { f.called("resume"); return nil }
func (f *fakeLifecycle) StartGame(_ context.Context, _ string) error {
	f.called("start")
	return nil
}
func (f *fakeLifecycle) EndGame(_ context.Context) error { f.called("end"); return nil }
func (f *fakeLifecycle) PlayRound(_ context.Context, _ any, _ string) (*session.RoundRecord, error) {
	f.called("round")
	return f.record, f.playErr
}
func (f *fakeLifecycle) CashOut(_ context.Context) error      { f.called("cashout"); return nil }
func (f *fakeLifecycle) CloseSession(_ context.Context) error { f.called("close"); return nil }
func (f *fakeLifecycle) Reset()                               { f.called("reset") }

func doJSON(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	srv := NewServer(newFakeLifecycle(), "", nil)
	w := doJSON(t, srv.Handler(), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGetState(t *testing.T) {
	lc := newFakeLifecycle()
	lc.state = session.State{SessionPhase: session.PhaseActive, SessionID: "sess-1"}
	srv := NewServer(lc, "", nil)

	w := doJSON(t, srv.Handler(), http.MethodGet, "/state", "")
	require.Equal(t, http.StatusOK, w.Code)

	var got session.State
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, session.PhaseActive, got.SessionPhase)
	assert.Equal(t, "sess-1", got.SessionID)
}

func TestOpenSession(t *testing.T) {
	lc := newFakeLifecycle()
	srv := NewServer(lc, "", nil)

	w := doJSON(t, srv.Handler(), http.MethodPost, "/session/open", `{"deposit_amount":"100000000"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"open"}, lc.calls)
}

func TestOpenSessionMissingAmount(t *testing.T) {
	lc := newFakeLifecycle()
	srv := NewServer(lc, "", nil)

	w := doJSON(t, srv.Handler(), http.MethodPost, "/session/open", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, lc.calls)
}

func TestOpenSessionFailure(t *testing.T) {
	lc := newFakeLifecycle()
	lc.openErr = errors.New("no wallet connected")
	srv := NewServer(lc, "", nil)

	w := doJSON(t, srv.Handler(), http.MethodPost, "/session/open", `{"deposit_amount":"100000000"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "no wallet connected")
}

func TestPlayRound(t *testing.T) {
	lc := newFakeLifecycle()
	lc.record = &session.RoundRecord{RoundID: "round-1", PlayerWon: true}
	srv := NewServer(lc, "", nil)

	w := doJSON(t, srv.Handler(), http.MethodPost, "/round", `{"choice":{"target":2.0},"bet_amount":"10000000"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "round-1")
}

func TestPlayRoundNotReady(t *testing.T) {
	lc := newFakeLifecycle()
	srv := NewServer(lc, "", nil)

	w := doJSON(t, srv.Handler(), http.MethodPost, "/round", `{"choice":"heads","bet_amount":"10000000"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestAuthGuard(t *testing.T) {
	const secret = "bridge-secret"
	lc := newFakeLifecycle()
	srv := NewServer(lc, secret, nil)

	// healthz stays open
	w := doJSON(t, srv.Handler(), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, srv.Handler(), http.MethodGet, "/state", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/state", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// query token for websocket clients
	w = doJSON(t, srv.Handler(), http.MethodGet, "/state?token="+token, "")
	assert.Equal(t, http.StatusOK, w.Code)

	wrong, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{}).
		SignedString([]byte("other-secret"))
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/state", nil)
	req.Header.Set("Authorization", "Bearer "+wrong)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebSocketStreamsState(t *testing.T) {
	lc := newFakeLifecycle()
	srv := NewServer(lc, "", nil)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first session.State
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, session.PhaseIdle, first.SessionPhase)

	lc.notify(session.State{SessionPhase: session.PhaseActive, SessionID: "sess-1"})

	var second session.State
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, session.PhaseActive, second.SessionPhase)
	assert.Equal(t, "sess-1", second.SessionID)
}
