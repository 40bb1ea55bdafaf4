package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/synapse-tutor/internal/domain"
	"github.com/ashureev/synapse-tutor/internal/inference"
	"github.com/ashureev/synapse-tutor/internal/store"
	"github.com/ashureev/synapse-tutor/internal/tutor"
)

type stubCompleter struct {
	mu    sync.Mutex
	reply string
	err   error
	calls int
}

func (s *stubCompleter) Complete(_ context.Context, _ []domain.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.reply, nil
}

type testEnv struct {
	router    chi.Router
	handler   *Handler
	repo      *store.MemoryStore
	completer *stubCompleter
}

func newTestEnv(t *testing.T, limiter *RateLimiter) *testEnv {
	t.Helper()
	repo := store.NewMemory()
	completer := &stubCompleter{reply: "Let's look at loops together."}
	svc := tutor.NewService(repo, completer, tutor.DefaultPolicy())
	h := NewHandler(svc, HandlerConfig{
		Info:           ServiceInfo{Model: "llama-3.3-70b", InferenceConfigured: true, MaxRetries: 2},
		Limiter:        limiter,
		AllowedOrigins: []string{"*"},
	})
	t.Cleanup(h.Close)

	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return &testEnv{router: r, handler: h, repo: repo, completer: completer}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	JSON(rec, http.StatusCreated, map[string]string{"hello": "world"})

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"hello":"world"}`, rec.Body.String())
}

func TestError(t *testing.T) {
	rec := httptest.NewRecorder()
	Error(rec, http.StatusBadRequest, KindInvalidRequest, "bad input")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"invalid_request","message":"bad input","status":400}`, rec.Body.String())
}

func TestRootAndHealth(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	root := decode(t, rec)
	assert.Equal(t, "Synapse AI Tutor Backend", root["message"])
	assert.Equal(t, "running", root["status"])
	endpoints, ok := root["endpoints"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "/api/chat", endpoints["chat"])

	rec = env.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode(t, rec)
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, true, health["inferenceConfigured"])
}

func TestHealth_InferenceNotConfigured(t *testing.T) {
	svc := tutor.NewService(store.NewMemory(), &stubCompleter{}, tutor.DefaultPolicy())
	h := NewHandler(svc, HandlerConfig{Info: ServiceInfo{InferenceConfigured: false}})
	t.Cleanup(h.Close)
	r := chi.NewRouter()
	h.RegisterRoutes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy","inferenceConfigured":false}`, rec.Body.String())
}

func TestGetConfig(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/api/config", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"model":"llama-3.3-70b","inferenceConfigured":true,"retryPolicy":{"maxRetries":2}}`, rec.Body.String())
}

func TestChat_UpdatesContext(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/chat",
		`{"userId":"u1","messages":[{"role":"user","content":"How does a while loop work?"}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Let's look at loops together.", resp.Response)
	_, err := time.Parse(TimestampLayout, resp.Timestamp)
	assert.NoError(t, err)

	lc, err := env.repo.Get(context.Background(), "u1")
	require.NoError(t, err)
	require.NotNil(t, lc)
	assert.Equal(t, 1, lc.TotalMessages)
	assert.Contains(t, lc.TopicsLearned, "loops")
}

func TestChat_AcceptsSnakeCaseUserID(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/chat",
		`{"user_id":"legacy","messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	lc, err := env.repo.Get(context.Background(), "legacy")
	require.NoError(t, err)
	require.NotNil(t, lc)
	assert.Equal(t, 1, lc.TotalMessages)
}

func TestChat_CamelCaseWins(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/chat",
		`{"userId":"camel","user_id":"snake","messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	lc, err := env.repo.Get(context.Background(), "snake")
	require.NoError(t, err)
	assert.Nil(t, lc)
	lc, err = env.repo.Get(context.Background(), "camel")
	require.NoError(t, err)
	assert.NotNil(t, lc)
}

func TestChat_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "malformed json", body: `{"userId":`},
		{name: "missing user", body: `{"messages":[{"role":"user","content":"hi"}]}`},
		{name: "unknown role", body: `{"userId":"u1","messages":[{"role":"robot","content":"hi"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			rec := env.do(t, http.MethodPost, "/api/chat", tt.body)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			body := decode(t, rec)
			assert.Equal(t, KindInvalidRequest, body["error"])
			assert.Equal(t, 0, env.completer.calls)
		})
	}
}

func TestChat_BodyTooLarge(t *testing.T) {
	repo := store.NewMemory()
	svc := tutor.NewService(repo, &stubCompleter{reply: "ok"}, tutor.DefaultPolicy())
	h := NewHandler(svc, HandlerConfig{MaxRequestBodySize: 32})
	t.Cleanup(h.Close)
	r := chi.NewRouter()
	h.RegisterRoutes(r)

	body := fmt.Sprintf(`{"userId":"u1","messages":[{"role":"user","content":%q}]}`, strings.Repeat("x", 100))
	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestChat_InferenceFailureLeavesContext(t *testing.T) {
	env := newTestEnv(t, nil)
	env.completer.err = &inference.UpstreamError{Status: http.StatusServiceUnavailable, Body: "overloaded"}

	rec := env.do(t, http.MethodPost, "/api/chat",
		`{"userId":"u1","messages":[{"role":"user","content":"explain classes"}]}`)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, KindUpstream, body["error"])

	lc, err := env.repo.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Nil(t, lc)
}

// newUpstreamRouter wires the handler to a real inference client at baseURL.
func newUpstreamRouter(t *testing.T, baseURL string) (chi.Router, *store.MemoryStore) {
	t.Helper()
	cfg := inference.DefaultConfig()
	cfg.APIKey = "test-key"
	cfg.BaseURL = baseURL
	client := inference.NewClient(cfg, nil)

	repo := store.NewMemory()
	svc := tutor.NewService(repo, client, tutor.DefaultPolicy())
	h := NewHandler(svc, HandlerConfig{Info: ServiceInfo{InferenceConfigured: client.Configured()}})
	t.Cleanup(h.Close)

	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return r, repo
}

func TestChat_InferenceFailuresAreInternalErrors(t *testing.T) {
	refused := httptest.NewServer(http.NotFoundHandler())
	refusedURL := refused.URL
	refused.Close()

	malformed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant"}}]}`))
	}))
	defer malformed.Close()

	tests := []struct {
		name    string
		baseURL string
		kind    string
	}{
		{name: "connection refused", baseURL: refusedURL, kind: KindTransport},
		{name: "content missing", baseURL: malformed.URL, kind: KindProtocol},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, repo := newUpstreamRouter(t, tt.baseURL)

			req := httptest.NewRequest(http.MethodPost, "/api/chat",
				strings.NewReader(`{"userId":"u1","messages":[{"role":"user","content":"for loop"}]}`))
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusInternalServerError, rec.Code)
			body := decode(t, rec)
			assert.Equal(t, tt.kind, body["error"])
			assert.EqualValues(t, http.StatusInternalServerError, body["status"])

			lc, err := repo.Get(context.Background(), "u1")
			require.NoError(t, err)
			assert.Nil(t, lc)
		})
	}
}

func TestChat_RateLimited(t *testing.T) {
	limiter := NewRateLimiter(1, time.Hour)
	env := newTestEnv(t, limiter)
	body := `{"userId":"u1","messages":[{"role":"user","content":"hi"}]}`

	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/chat", body).Code)
	rec := env.do(t, http.MethodPost, "/api/chat", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, 1, env.completer.calls)

	other := `{"userId":"u2","messages":[{"role":"user","content":"hi"}]}`
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/chat", other).Code)
}

func TestGetUserContext(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/api/user/nobody/context", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"message":"No learning history found for this user"}`, rec.Body.String())

	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/chat",
		`{"userId":"u1","messages":[{"role":"user","content":"what does return do in a function?"}]}`).Code)

	rec = env.do(t, http.MethodGet, "/api/user/u1/context", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var lc domain.LearningContext
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &lc))
	assert.Equal(t, []string{"functions"}, lc.TopicsLearned)
	assert.Equal(t, 1, lc.TotalMessages)
	assert.Nil(t, lc.StrugglingWith)
	assert.NotNil(t, lc.LastSession)
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{"rate limited", errRateLimited, http.StatusTooManyRequests, KindRateLimited},
		{"missing user", tutor.ErrMissingUserID, http.StatusBadRequest, KindInvalidRequest},
		{"upstream 4xx", &inference.UpstreamError{Status: 401, Body: "bad key"}, 401, KindUpstream},
		{"upstream 5xx", &inference.UpstreamError{Status: 500}, 500, KindUpstream},
		{"upstream odd status", &inference.UpstreamError{Status: 302}, http.StatusInternalServerError, KindUpstream},
		{"transport timeout", &inference.TransportError{Timeout: true}, http.StatusInternalServerError, KindTransport},
		{"transport refused", &inference.TransportError{Cause: errors.New("refused")}, http.StatusInternalServerError, KindTransport},
		{"protocol", &inference.ProtocolError{Reason: "no choices"}, http.StatusInternalServerError, KindProtocol},
		{"wrapped", &tutor.ChatError{Stage: tutor.StageAwaitingInference, Err: &inference.TransportError{Timeout: true}}, http.StatusInternalServerError, KindTransport},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := classifyError(tt.err)
			assert.Equal(t, tt.status, body.Status)
			assert.Equal(t, tt.kind, body.Error)
		})
	}
}

func TestRateLimiter(t *testing.T) {
	t.Run("nil allows everything", func(t *testing.T) {
		var rl *RateLimiter
		assert.True(t, rl.Allow("anyone"))
		rl.Close()
		assert.Nil(t, NewRateLimiter(0, time.Minute))
	})

	t.Run("burst then deny", func(t *testing.T) {
		rl := NewRateLimiter(3, time.Hour)
		defer rl.Close()
		for i := 0; i < 3; i++ {
			assert.True(t, rl.Allow("u1"))
		}
		assert.False(t, rl.Allow("u1"))
		assert.True(t, rl.Allow("u2"))
	})

	t.Run("evicts idle keys", func(t *testing.T) {
		rl := NewRateLimiter(1, time.Hour)
		defer rl.Close()
		rl.Allow("u1")
		rl.Allow("u2")
		require.Equal(t, 2, rl.size())
		rl.evict(time.Now().Add(time.Minute))
		assert.Equal(t, 0, rl.size())
	})
}

func TestOriginPatterns(t *testing.T) {
	assert.Equal(t, []string{"*"}, originPatterns([]string{"http://a.test", "*"}))
	assert.Equal(t, []string{"localhost:3000", "app.example.com"},
		originPatterns([]string{"http://localhost:3000", " https://app.example.com ", ""}))
}
