package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenticwork/activitycore/pkg/activity"
	"github.com/agenticwork/activitycore/pkg/capability"
	"github.com/agenticwork/activitycore/pkg/config"
	"github.com/agenticwork/activitycore/pkg/orchestrator"
	"github.com/agenticwork/activitycore/pkg/prompt"
	"github.com/agenticwork/activitycore/pkg/providers"
	"github.com/agenticwork/activitycore/pkg/store"
	"github.com/agenticwork/activitycore/pkg/tools"
)

type scriptedStream struct {
	payloads []string
	pos      int
}

func (s *scriptedStream) Recv() (json.RawMessage, error) {
	if s.pos >= len(s.payloads) {
		return nil, io.EOF
	}
	p := s.payloads[s.pos]
	s.pos++
	return json.RawMessage(p), nil
}

func (s *scriptedStream) Close() error { return nil }

type scriptedTransport struct {
	script []string
}

func (t *scriptedTransport) Family() providers.Family              { return providers.FamilyAnthropic }
func (t *scriptedTransport) ResolveFamily(string) providers.Family { return providers.FamilyAnthropic }
func (t *scriptedTransport) Close() error                          { return nil }

func (t *scriptedTransport) OpenStream(ctx context.Context, req providers.StreamRequest) (providers.Stream, error) {
	return &scriptedStream{payloads: t.script}, nil
}

func answerScript(text string) []string {
	return []string{
		`{"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
		fmt.Sprintf(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":%q}}`, text),
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":7}}`,
		`{"type":"message_stop"}`,
	}
}

func newTestServer(t *testing.T, script []string) (*Server, store.Store) {
	t.Helper()
	st, err := store.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.SaveTemplate(context.Background(), store.Template{
		ID: "t-def", Name: "Default", Category: "default",
		Content: "You are a helpful assistant.", IsDefault: true, IsActive: true,
	}))

	preg := providers.NewRegistry()
	require.NoError(t, preg.Register("anthropic-main", &scriptedTransport{script: script}))

	treg := tools.NewRegistry()
	router := prompt.NewRouter(config.RoutingConfig{
		SemanticRouting: config.SemanticDisabled,
		CacheTTL:        time.Minute,
	}, st, nil, nil)

	orch := orchestrator.New(
		config.OrchestratorConfig{
			ToolTimeout:     time.Second,
			RequestTimeout:  10 * time.Second,
			MaxHandoffDepth: 4,
			MaxIterations:   5,
			AbortGrace:      50 * time.Millisecond,
		},
		config.FanoutConfig{BufferSize: 64, SSELossless: true},
		orchestrator.Services{
			Providers:    preg,
			Tools:        treg,
			Invoker:      tools.NewInvoker(treg),
			Capabilities: capability.NewRegistry(),
			Prompts:      router,
			Store:        st,
		},
	)

	cfg := config.Config{
		Providers: map[string]config.ProviderConfig{
			"anthropic-main": {Family: "anthropic", BaseURL: "https://api.anthropic.com", DefaultModel: "claude-sonnet-4"},
		},
	}
	cfg.SetDefaults()
	return New(cfg, orch, st), st
}

func TestChatStreamDeliversSSE(t *testing.T) {
	srv, _ := newTestServer(t, answerScript("Hello there."))

	body := `{"sessionId":"sess-http-1","userId":"u1","message":"hi"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/stream", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "sess-http-1", rec.Header().Get("X-Session-Id"))

	out := rec.Body.String()
	assert.Contains(t, out, "event: activity_start\n")
	assert.Contains(t, out, "event: content_delta\n")
	assert.Contains(t, out, `"delta":"Hello there."`)
	assert.Contains(t, out, "event: activity_complete\n")
	// The terminal event is the last frame.
	frames := strings.Split(strings.TrimSuffix(out, "\n\n"), "\n\n")
	assert.True(t, strings.HasPrefix(frames[len(frames)-1], "event: activity_complete"))
}

func TestChatStreamDefaultsProviderAndModel(t *testing.T) {
	srv, st := newTestServer(t, answerScript("ok"))

	body := `{"sessionId":"sess-http-2","message":"hi"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/stream", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool {
		history, err := st.History(context.Background(), "sess-http-2", 0)
		return err == nil && len(history) == 2
	}, 2*time.Second, 10*time.Millisecond)
	history, err := st.History(context.Background(), "sess-http-2", 0)
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet-4", history[1].Model)
}

func TestChatStreamRejectsMissingMessage(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/stream", strings.NewReader(`{"sessionId":"x"}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_REQUEST")
}

func TestChatStreamPromptFailureIsHTTP500(t *testing.T) {
	srv, st := newTestServer(t, nil)
	// Deactivate the default template so resolution has nowhere to land.
	require.NoError(t, st.SaveTemplate(context.Background(), store.Template{
		ID: "t-def", Name: "Default", Category: "default",
		Content: "You are a helpful assistant.", IsDefault: true, IsActive: false,
	}))

	body := `{"sessionId":"sess-http-3","userId":"u1","message":"hi"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/stream", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	// The failure surfaces before any SSE bytes, as a status the client can
	// act on.
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), orchestrator.CodePromptNotConfigured)
	assert.NotContains(t, rec.Body.String(), "event:")
}

func TestCancelUnknownSessionIs404(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/ghost/cancel", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionEndpoints(t *testing.T) {
	srv, st := newTestServer(t, nil)
	ctx := context.Background()
	require.NoError(t, st.SaveMessage(ctx, storeMessage("sess-list", "hello")))

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sess-list")

	req = httptest.NewRequest(http.MethodGet, "/v1/sessions/sess-list/messages", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "hello")

	req = httptest.NewRequest(http.MethodDelete, "/v1/sessions/sess-list", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

func TestMetricsEndpointServes(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func storeMessage(sessionID, content string) activity.Message {
	return activity.Message{
		ID:        sessionID + "-m1",
		SessionID: sessionID,
		Role:      activity.RoleUser,
		Content:   content,
		Timestamp: time.Now(),
	}
}
