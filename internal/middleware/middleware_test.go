package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/clay-studio/studio-chat/internal/auth"
	"github.com/clay-studio/studio-chat/internal/model"
	"github.com/clay-studio/studio-chat/pkg/logger"
)

const testSecret = "test-secret"

func okHandler(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte(GetUserID(r.Context()) + "|" + GetProjectID(r.Context())))
}

func TestAuth(t *testing.T) {
	h := Auth(testSecret)(http.HandlerFunc(okHandler))

	token, err := auth.IssueToken(testSecret, "alice", "sales", time.Minute)
	require.NoError(t, err)

	cases := []struct {
		name   string
		header string
		status int
		body   string
	}{
		{"missing", "", http.StatusUnauthorized, "missing authorization header"},
		{"scheme", "Basic abc", http.StatusUnauthorized, "invalid authorization header format"},
		{"garbage", "Bearer abc", http.StatusUnauthorized, "invalid token"},
		{"valid", "Bearer " + token, http.StatusOK, "alice|sales"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/chat/stream", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			require.Equal(t, tc.status, rec.Code)
			require.Contains(t, rec.Body.String(), tc.body)
		})
	}
}

func TestRequireScope(t *testing.T) {
	token, err := auth.IssueToken(testSecret, "alice", "", time.Minute)
	require.NoError(t, err)

	h := Auth(testSecret)(RequireScope("admin")(http.HandlerFunc(okHandler)))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	h = Auth(testSecret)(RequireScope("chat")(http.HandlerFunc(okHandler)))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestLoggingRecordsUserAndCorrelation(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	log := &logger.Logger{Logger: zap.New(core)}

	token, err := auth.IssueToken(testSecret, "bob", "", time.Minute)
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(Logging(log))
	r.With(Auth(testSecret)).Post("/chat/{mode}", okHandler)

	req := httptest.NewRequest(http.MethodPost, "/chat/stream", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Correlation-ID", "corr-1")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, "corr-1", rec.Header().Get("X-Correlation-ID"))
	entries := logs.FilterMessage("request completed").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, "bob", fields["user_id"])
	require.Equal(t, "corr-1", fields["correlation_id"])
	require.EqualValues(t, http.StatusOK, fields["status"])
}

func TestLoggingKeepsFlusher(t *testing.T) {
	h := Logging(logger.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, ok := w.(http.Flusher)
		require.True(t, ok)
		require.NotEmpty(t, GetCorrelationID(r.Context()))
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}

func TestRateLimit(t *testing.T) {
	h := RateLimit(2, time.Minute)(http.HandlerFunc(okHandler))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	require.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestCORSExposesConversationHeader(t *testing.T) {
	h := CORS()(http.HandlerFunc(okHandler))

	req := httptest.NewRequest(http.MethodPost, "/chat/stream", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	exposed := rec.Header().Get("Access-Control-Expose-Headers")
	require.Contains(t, strings.ToLower(exposed), strings.ToLower(model.ConversationIDHeader))
}

func TestValidateChatRequest(t *testing.T) {
	valid := &model.ChatRequest{
		ProjectID:      "sales",
		ConversationID: "new",
		Messages:       []model.RequestMessage{{Role: model.RoleUser, Content: "hi"}},
	}
	require.NoError(t, ValidateChatRequest(valid))

	for _, id := range []string{"", "new", "conv-1712345678901-deadbeef", "7f0b3c3e-4a7e-4b53-9d2b-2a3b1c9e0f11"} {
		require.NoError(t, ValidateConversationID(id), id)
	}
	require.Error(t, ValidateConversationID("conv-../etc"))

	bad := *valid
	bad.ProjectID = ""
	require.Error(t, ValidateChatRequest(&bad))

	bad = *valid
	bad.Messages = []model.RequestMessage{{Role: "robot", Content: "hi"}}
	require.ErrorContains(t, ValidateChatRequest(&bad), "unknown role")

	bad = *valid
	bad.Messages = []model.RequestMessage{{Role: model.RoleUser, Content: strings.Repeat("x", MaxContentLength+1)}}
	require.ErrorContains(t, ValidateChatRequest(&bad), "maximum length")
}
