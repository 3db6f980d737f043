package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"off":     zerolog.Disabled,
		"":        zerolog.InfoLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range cases {
		require.Equal(t, want, ParseLevel(in), in)
	}
}

func TestCtx_FallsBackToGlobal(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "info"}, &buf)

	ctx := WithLogger(context.Background(), logger)
	l := Ctx(ctx)
	l.Info().Msg("hello")
	require.Contains(t, buf.String(), "hello")

	require.NotPanics(t, func() {
		l := Ctx(context.Background())
		_ = l
	})
}

func TestHTTPMiddleware_AssignsRequestID(t *testing.T) {
	req := require.New(t)
	var buf bytes.Buffer
	logger := New(Config{Level: "info", ServiceName: "relay"}, &buf)

	var seen string
	h := HTTPMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l := Ctx(r.Context())
		l.Info().Msg("inside")
		seen = w.Header().Get(headerRequestID)
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	req.Equal(http.StatusTeapot, rec.Code)
	req.NotEmpty(seen)
	req.Equal(seen, rec.Header().Get(headerRequestID))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	req.Len(lines, 2)

	var completed map[string]any
	req.NoError(json.Unmarshal(lines[1], &completed))
	req.Equal("request completed", completed["message"])
	req.Equal(float64(http.StatusTeapot), completed[FieldStatus])
	req.Equal(seen, completed[FieldRequestID])
	req.Equal("relay", completed[FieldService])
}

func TestHTTPMiddleware_KeepsIncomingRequestID(t *testing.T) {
	h := HTTPMiddleware(Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(headerRequestID, "abc-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	require.Equal(t, "abc-123", rec.Header().Get(headerRequestID))
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	require.Equal(t, "10.0.0.1", ClientIP(r))

	r.Header.Set("X-Real-IP", "10.0.0.2")
	require.Equal(t, "10.0.0.2", ClientIP(r))

	r.Header.Set("X-Forwarded-For", "10.0.0.3, 10.0.0.4")
	require.Equal(t, "10.0.0.3", ClientIP(r))
}
