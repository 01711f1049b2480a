package v1

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/jaennil/guide_helper/backend/tileloader/internal/downloader"
	"github.com/jaennil/guide_helper/backend/tileloader/internal/infrastructure/http/v1/handler"
	"github.com/jaennil/guide_helper/backend/tileloader/internal/repository/cache"
	"github.com/jaennil/guide_helper/backend/tileloader/internal/tile"
	"github.com/jaennil/guide_helper/backend/tileloader/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDownloader struct {
	mu        sync.Mutex
	submitted []*tile.Request
	paused    bool

	// settle, when set, finishes each submitted request with the returned error.
	settle func() error
}

var _ downloader.Downloader = (*fakeDownloader)(nil)

func (f *fakeDownloader) Submit(req *tile.Request, onLoaded downloader.LoadedFunc) {
	f.mu.Lock()
	if !req.Begin() {
		f.mu.Unlock()
		return
	}
	f.submitted = append(f.submitted, req)
	settle := f.settle
	f.mu.Unlock()

	if settle == nil {
		return
	}
	err := settle()
	req.Finish(err)
	if err == nil {
		onLoaded(req.CachePath)
	}
}

func (f *fakeDownloader) Download(string, downloader.BodyFunc, ...downloader.DownloadOption) {}
func (f *fakeDownloader) Execute(downloader.Job)                                            {}
func (f *fakeDownloader) Shutdown(context.Context) error                                    { return nil }

func (f *fakeDownloader) Pause() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = true
}

func (f *fakeDownloader) Resume() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = false
}

func (f *fakeDownloader) IsPaused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused
}

func (f *fakeDownloader) Stats() downloader.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return downloader.Stats{Backend: "fake", Paused: f.paused, Submitted: uint64(len(f.submitted))}
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func newTestRouter(t *testing.T) (*gin.Engine, *fakeDownloader) {
	r, fake, _ := newTestRouterWithHandler(t)
	return r, fake
}

func newTestRouterWithHandler(t *testing.T) (*gin.Engine, *fakeDownloader, *handler.Handler) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	disk, err := cache.NewDisk(t.TempDir(), tile.OpenStreetMap())
	require.NoError(t, err)

	fake := &fakeDownloader{}
	h := handler.NewHandler(validator.New(), fake, tile.NewRegistry(tile.OpenStreetMap()), disk)
	return NewRouter(h, logger.NewNop(), false), fake, h
}

func serve(t *testing.T, r http.Handler, method, path string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, path, nil))

	var body envelope
	if bytes.HasPrefix(w.Body.Bytes(), []byte("{")) {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w, body
}

func TestHealthz(t *testing.T) {
	r, _ := newTestRouter(t)

	w, _ := serve(t, r, http.MethodGet, "/api/v1/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestPrefetchSchedulesTileOnce(t *testing.T) {
	r, fake := newTestRouter(t)

	w, body := serve(t, r, http.MethodPost, "/api/v1/prefetch/osm/3/4/5")
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.True(t, body.Success)

	var resp struct {
		Tile  string `json:"tile"`
		State string `json:"state"`
		Path  string `json:"path"`
	}
	require.NoError(t, json.Unmarshal(body.Data, &resp))
	assert.Equal(t, "osm/3/4/5", resp.Tile)
	assert.Equal(t, "fetching", resp.State)
	assert.Contains(t, resp.Path, "osm_3_4_5.png")

	w, _ = serve(t, r, http.MethodPost, "/api/v1/prefetch/osm/3/4/5")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Len(t, fake.submitted, 1)
}

func TestPrefetchForgetsSettledTiles(t *testing.T) {
	r, fake, h := newTestRouterWithHandler(t)

	fake.settle = func() error { return nil }
	w, _ := serve(t, r, http.MethodPost, "/api/v1/prefetch/osm/3/4/5")
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Zero(t, h.Tracked())

	fake.settle = func() error { return errors.New("upstream down") }
	serve(t, r, http.MethodPost, "/api/v1/prefetch/osm/3/4/6")
	assert.Equal(t, 1, h.Tracked())

	fake.settle = nil
	serve(t, r, http.MethodPost, "/api/v1/prefetch/osm/3/4/7")
	assert.Equal(t, 1, h.Tracked())

	require.Len(t, fake.submitted, 3)
	for _, req := range fake.submitted[:2] {
		assert.NotEqual(t, tile.StateFetching, req.State())
	}
}

func TestPrefetchRejectsBadInput(t *testing.T) {
	r, fake := newTestRouter(t)

	tests := []struct {
		name string
		path string
		code int
	}{
		{"non integer", "/api/v1/prefetch/osm/z/1/1", http.StatusBadRequest},
		{"negative column", "/api/v1/prefetch/osm/3/-1/1", http.StatusBadRequest},
		{"outside grid", "/api/v1/prefetch/osm/2/4/0", http.StatusBadRequest},
		{"zoom above source max", "/api/v1/prefetch/osm/25/0/0", http.StatusBadRequest},
		{"unknown source", "/api/v1/prefetch/nope/1/0/0", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := serve(t, r, http.MethodPost, tt.path)
			assert.Equal(t, tt.code, w.Code)
			assert.False(t, body.Success)
		})
	}
	assert.Empty(t, fake.submitted)
}

func TestPauseResume(t *testing.T) {
	r, fake := newTestRouter(t)

	w, _ := serve(t, r, http.MethodPost, "/api/v1/pause")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, fake.IsPaused())

	_, body := serve(t, r, http.MethodGet, "/api/v1/stats")
	var stats downloader.Stats
	require.NoError(t, json.Unmarshal(body.Data, &stats))
	assert.Equal(t, "fake", stats.Backend)
	assert.True(t, stats.Paused)

	w, _ = serve(t, r, http.MethodPost, "/api/v1/resume")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.False(t, fake.IsPaused())
}

func TestSourcesAndMetrics(t *testing.T) {
	r, _ := newTestRouter(t)

	w, body := serve(t, r, http.MethodGet, "/api/v1/sources")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(body.Data), `"id":"osm"`)

	w, _ = serve(t, r, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}
