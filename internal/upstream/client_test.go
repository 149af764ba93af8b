package upstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamCompletionsForwardsBodyAndHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		assert.Equal(t, "librechat:abc", r.Header.Get("x-openclaw-session-key"))

		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"model":"m"}`, string(body))
		_, _ = io.WriteString(w, "ok")
	}))
	defer srv.Close()

	headers := http.Header{}
	headers.Set("Authorization", "Bearer k")
	headers.Set("x-openclaw-session-key", "librechat:abc")

	client := NewClient(srv.URL)
	resp, err := client.StreamCompletions(context.Background(), []byte(`{"model":"m"}`), headers)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStreamCompletionsWrapsTransportErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	client := NewClient(srv.URL)
	_, err := client.StreamCompletions(context.Background(), []byte(`{}`), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestWaitReady(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			http.Error(w, "starting", http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `{"object":"list"}`)
	}))
	defer srv.Close()

	client := NewClient(srv.URL)

	assert.False(t, client.WaitReady(context.Background(), 100*time.Millisecond))

	healthy.Store(true)
	assert.True(t, client.WaitReady(context.Background(), 3*time.Second))
}

func TestWaitReadyHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := NewClient(srv.URL)
	start := time.Now()
	assert.False(t, client.WaitReady(ctx, 5*time.Second))
	assert.Less(t, time.Since(start), time.Second)
}
