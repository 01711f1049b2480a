package fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetReturnsBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-agent", r.UserAgent())
		assert.Equal(t, "yes", r.Header.Get("X-Extra"))
		w.Write([]byte("tile-data"))
	}))
	defer server.Close()

	opts := DefaultOptions()
	opts.UserAgent = "test-agent"
	client := NewClient(opts)

	body, err := client.Get(context.Background(), server.URL+"/1/0/0.png", WithHeader(http.Header{"X-Extra": {"yes"}}))
	require.NoError(t, err)
	assert.Equal(t, []byte("tile-data"), body)
}

func TestGetNonSuccessStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	_, err := NewClient(DefaultOptions()).Get(context.Background(), server.URL)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.Code)
}

func TestGetEmptyBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	_, err := NewClient(DefaultOptions()).Get(context.Background(), server.URL)
	assert.ErrorIs(t, err, ErrEmptyBody)
}

func TestGetBodyTooLarge(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 64))
	}))
	defer server.Close()

	opts := DefaultOptions()
	opts.MaxBodySize = 16
	_, err := NewClient(opts).Get(context.Background(), server.URL)
	assert.ErrorIs(t, err, ErrBodyTooLarge)
}

func TestGetTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	opts := DefaultOptions()
	opts.Timeout = 50 * time.Millisecond

	start := time.Now()
	_, err := NewClient(opts).Get(context.Background(), server.URL)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestGetCancelCause(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	opts := DefaultOptions()
	opts.Timeout = 0

	ctx, cancel := context.WithCancelCause(context.Background())
	time.AfterFunc(30*time.Millisecond, func() { cancel(ErrTimeout) })

	_, err := NewClient(opts).Get(ctx, server.URL)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestGetConnectionDroppedMidBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		w.Write([]byte("partial"))
		hj, ok := w.(http.Hijacker)
		if !ok {
			return
		}
		conn, _, err := hj.Hijack()
		if err == nil {
			conn.Close()
		}
	}))
	defer server.Close()

	_, err := NewClient(DefaultOptions()).Get(context.Background(), server.URL)
	assert.Error(t, err)
}

func TestGetRejectsHTTPSThroughProxy(t *testing.T) {
	opts := DefaultOptions()
	opts.RejectHTTPSProxy = true
	opts.Proxy = func(*http.Request) (*url.URL, error) {
		return url.Parse("http://proxy.local:3128")
	}

	start := time.Now()
	_, err := NewClient(opts).Get(context.Background(), "https://a.tile.openstreetmap.org/0/0/0.png")
	assert.ErrorIs(t, err, ErrHTTPSProxyUnsupported)
	assert.Less(t, time.Since(start), time.Second)
}

func TestGetAllowsPlainHTTPThroughProxy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("via-proxy"))
	}))
	defer server.Close()

	proxyURL, err := url.Parse(server.URL)
	require.NoError(t, err)

	opts := DefaultOptions()
	opts.RejectHTTPSProxy = true
	opts.Proxy = http.ProxyURL(proxyURL)

	body, err := NewClient(opts).Get(context.Background(), "http://tiles.example/0/0/0.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("via-proxy"), body)
}
