package builtin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenticverz/agenticverz/internal/failure"
	"github.com/agenticverz/agenticverz/internal/skill"
)

func registry(t *testing.T) *skill.Registry {
	t.Helper()
	r := skill.NewRegistry()
	require.NoError(t, Register(r, nil))
	return r
}

func run(t *testing.T, r *skill.Registry, name string, params map[string]any) (map[string]any, error) {
	t.Helper()
	e, err := r.Lookup(name)
	require.NoError(t, err)
	s, err := e.Instantiate()
	require.NoError(t, err)
	return s.Execute(context.Background(), params)
}

func TestEcho(t *testing.T) {
	out, err := run(t, registry(t), "echo", map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"text": "hi"}, out)
}

func TestHTTPFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			_, _ = w.Write([]byte("hello"))
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()
	r := registry(t)

	out, err := run(t, r, "http_fetch", map[string]any{"url": srv.URL + "/ok"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, out["status"])
	assert.Equal(t, "hello", out["body"])

	e, err := r.Lookup("http_fetch")
	require.NoError(t, err)
	assert.NoError(t, e.ValidateOutput(out))

	_, err = run(t, r, "http_fetch", map[string]any{"url": srv.URL + "/missing"})
	require.Error(t, err)
	assert.True(t, failure.IsPermanent(err), "4xx is not worth retrying")

	_, err = run(t, r, "http_fetch", map[string]any{"url": srv.URL + "/down"})
	require.Error(t, err)
	assert.False(t, failure.IsPermanent(err), "5xx is transient")
}

func TestHTTPFetch_InputSchema(t *testing.T) {
	e, err := registry(t).Lookup("http_fetch")
	require.NoError(t, err)
	assert.Error(t, e.ValidateInput(map[string]any{}))
	assert.Error(t, e.ValidateInput(map[string]any{"url": "ftp://x"}))
	assert.NoError(t, e.ValidateInput(map[string]any{"url": "https://example.com", "method": "GET"}))
}
