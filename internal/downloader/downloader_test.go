package downloader

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jaennil/guide_helper/backend/tileloader/internal/repository/cache"
	"github.com/jaennil/guide_helper/backend/tileloader/internal/tile"
	"github.com/jaennil/guide_helper/backend/tileloader/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var backends = []string{BackendPooled, BackendReactive}

type harness struct {
	d       Downloader
	src     *tile.Source
	disk    *cache.Disk
	baseURL string
	hits    *atomic.Int32

	mu     sync.Mutex
	loaded []string
}

func newHarness(t *testing.T, backend string, cfg Config, handler http.HandlerFunc) *harness {
	t.Helper()

	hits := &atomic.Int32{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		handler(w, r)
	}))
	t.Cleanup(server.Close)

	src := &tile.Source{ID: "test", URL: server.URL + "/{z}/{x}/{y}.png", MaxZoom: 18, ImageExt: "png"}
	disk, err := cache.NewDisk(t.TempDir(), src)
	require.NoError(t, err)

	d, err := New(backend, cfg, Deps{Disk: disk, Logger: logger.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, d.Shutdown(ctx))
	})

	return &harness{d: d, src: src, disk: disk, baseURL: server.URL, hits: hits}
}

func (h *harness) request(z, x, y int) *tile.Request {
	key := tile.NewKey(h.src.ID, z, x, y)
	return tile.NewRequest(h.src, key, h.disk.Path(key))
}

func (h *harness) onLoaded(path string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.loaded = append(h.loaded, path)
}

func (h *harness) loadedPaths() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.loaded...)
}

func (h *harness) tick() {
	if dr, ok := h.d.(Drainer); ok {
		dr.Tick()
	}
}

// pump plays the consumer's frame loop until cond holds.
func (h *harness) pump(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		h.tick()
		return cond()
	}, 5*time.Second, 2*time.Millisecond)
}

// idle keeps ticking for d so late deliveries would show up.
func (h *harness) idle(d time.Duration) {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		h.tick()
		time.Sleep(2 * time.Millisecond)
	}
}

func TestSubmitRoundTrip(t *testing.T) {
	payload := []byte{0x89, 'P', 'N', 'G', 0x00, 0xff, 0x10, 0x0a}

	for _, backend := range backends {
		t.Run(backend, func(t *testing.T) {
			h := newHarness(t, backend, DefaultConfig(), func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/4/3/2.png", r.URL.Path)
				w.Write(payload)
			})
			req := h.request(4, 3, 2)

			h.d.Submit(req, h.onLoaded)
			h.pump(t, func() bool { return len(h.loadedPaths()) == 1 })

			assert.Equal(t, []string{req.CachePath}, h.loadedPaths())
			assert.Equal(t, tile.StateDone, req.State())

			got, err := os.ReadFile(req.CachePath)
			require.NoError(t, err)
			assert.Equal(t, payload, got)
		})
	}
}

func TestSubmitDeduplicatesInFlight(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend, func(t *testing.T) {
			release := make(chan struct{})
			h := newHarness(t, backend, DefaultConfig(), func(w http.ResponseWriter, r *http.Request) {
				<-release
				w.Write([]byte("tile"))
			})
			req := h.request(2, 1, 1)

			h.d.Submit(req, h.onLoaded)
			require.Eventually(t, func() bool { return h.hits.Load() == 1 }, 5*time.Second, time.Millisecond)
			assert.Equal(t, tile.StateFetching, req.State())

			h.d.Submit(req, h.onLoaded)
			close(release)

			h.pump(t, func() bool { return req.State() == tile.StateDone })
			h.idle(30 * time.Millisecond)

			h.d.Submit(req, h.onLoaded)
			h.idle(30 * time.Millisecond)

			assert.Equal(t, int32(1), h.hits.Load())
			assert.Len(t, h.loadedPaths(), 1)
			assert.Equal(t, uint64(2), h.d.Stats().Deduplicated)
		})
	}
}

func TestSubmitCacheHitSkipsNetwork(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend, func(t *testing.T) {
			h := newHarness(t, backend, DefaultConfig(), func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("never"))
			})
			req := h.request(5, 6, 7)
			require.NoError(t, h.disk.Write(req.Key, []byte("cached")))

			h.d.Submit(req, h.onLoaded)
			h.pump(t, func() bool { return len(h.loadedPaths()) == 1 })

			assert.Equal(t, []string{req.CachePath}, h.loadedPaths())
			assert.Equal(t, tile.StateDone, req.State())
			assert.Zero(t, h.hits.Load())
		})
	}
}

func TestPauseWithholdsDelivery(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend, func(t *testing.T) {
			h := newHarness(t, backend, DefaultConfig(), func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("tile"))
			})
			req := h.request(3, 3, 3)

			h.d.Pause()
			assert.True(t, h.d.IsPaused())

			h.d.Submit(req, h.onLoaded)
			h.pump(t, func() bool { return h.d.Stats().Pending == 1 })
			h.idle(30 * time.Millisecond)
			assert.Empty(t, h.loadedPaths())
			assert.Equal(t, tile.StateFetching, req.State())

			h.d.Resume()
			assert.False(t, h.d.IsPaused())
			h.pump(t, func() bool { return len(h.loadedPaths()) == 1 })
			h.idle(30 * time.Millisecond)

			assert.Len(t, h.loadedPaths(), 1)
			assert.Equal(t, tile.StateDone, req.State())
		})
	}
}

func TestTimeoutThenResubmit(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend, func(t *testing.T) {
			var calls atomic.Int32
			h := newHarness(t, backend, Config{Timeout: 50 * time.Millisecond}, func(w http.ResponseWriter, r *http.Request) {
				if calls.Add(1) == 1 {
					select {
					case <-r.Context().Done():
					case <-time.After(2 * time.Second):
					}
					return
				}
				w.Write([]byte("second try"))
			})
			req := h.request(1, 0, 1)

			h.d.Submit(req, h.onLoaded)
			h.pump(t, func() bool { return req.State() == tile.StateError })
			assert.Empty(t, h.loadedPaths())
			assert.Equal(t, uint64(1), h.d.Stats().Failed)
			assert.NoFileExists(t, req.CachePath)

			h.d.Submit(req, h.onLoaded)
			h.pump(t, func() bool { return req.State() == tile.StateDone })

			assert.Equal(t, []string{req.CachePath}, h.loadedPaths())
			got, err := os.ReadFile(req.CachePath)
			require.NoError(t, err)
			assert.Equal(t, []byte("second try"), got)
		})
	}
}

func TestMaxWorkersBoundsConcurrency(t *testing.T) {
	payload := []byte("0123456789abcdef")

	for _, backend := range backends {
		t.Run(backend, func(t *testing.T) {
			var active, peak atomic.Int32
			h := newHarness(t, backend, Config{MaxWorkers: 2}, func(w http.ResponseWriter, r *http.Request) {
				n := active.Add(1)
				defer active.Add(-1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				w.Write(payload)
			})

			reqs := make([]*tile.Request, 5)
			for i := range reqs {
				reqs[i] = h.request(3, i, 0)
				h.d.Submit(reqs[i], h.onLoaded)
			}
			h.pump(t, func() bool { return len(h.loadedPaths()) == 5 })

			assert.LessOrEqual(t, peak.Load(), int32(2))
			for _, req := range reqs {
				assert.Equal(t, tile.StateDone, req.State())
				info, err := os.Stat(req.CachePath)
				require.NoError(t, err)
				assert.Equal(t, int64(16), info.Size())
			}
		})
	}
}

func TestFailedStatusLeavesNoFile(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend, func(t *testing.T) {
			h := newHarness(t, backend, DefaultConfig(), func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "gone", http.StatusNotFound)
			})
			req := h.request(2, 2, 2)

			h.d.Submit(req, h.onLoaded)
			h.pump(t, func() bool { return req.State() == tile.StateError })

			assert.Empty(t, h.loadedPaths())
			assert.NoFileExists(t, req.CachePath)
		})
	}
}

func TestEvictedRequestGetsNoCallback(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend, func(t *testing.T) {
			release := make(chan struct{})
			h := newHarness(t, backend, DefaultConfig(), func(w http.ResponseWriter, r *http.Request) {
				<-release
				w.Write([]byte("tile"))
			})
			req := h.request(2, 0, 0)

			h.d.Submit(req, h.onLoaded)
			require.Eventually(t, func() bool { return h.hits.Load() == 1 }, 5*time.Second, time.Millisecond)
			req.Evict()
			close(release)

			h.pump(t, func() bool { return req.State() == tile.StateDone })
			h.idle(20 * time.Millisecond)

			assert.Empty(t, h.loadedPaths())
			assert.FileExists(t, req.CachePath)
		})
	}
}

func TestDownloadBypassesCache(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend, func(t *testing.T) {
			h := newHarness(t, backend, DefaultConfig(), func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "yes", r.Header.Get("X-Test"))
				w.Write([]byte(`{"attribution":"osm"}`))
			})

			var mu sync.Mutex
			var bodies [][]byte
			h.d.Download(h.baseURL+"/meta.json", func(body []byte) {
				mu.Lock()
				defer mu.Unlock()
				bodies = append(bodies, body)
			}, WithHeader("X-Test", "yes"), WithTimeout(time.Second))

			h.pump(t, func() bool {
				mu.Lock()
				defer mu.Unlock()
				return len(bodies) == 1
			})

			assert.Equal(t, []byte(`{"attribution":"osm"}`), bodies[0])
			entries, err := os.ReadDir(h.disk.Dir())
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestExecuteSurvivesPanic(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend, func(t *testing.T) {
			h := newHarness(t, backend, DefaultConfig(), func(w http.ResponseWriter, r *http.Request) {})

			h.d.Execute(func(ctx context.Context) (func(), error) {
				panic("boom")
			})
			h.d.Execute(func(ctx context.Context) (func(), error) {
				return nil, errors.New("job error")
			})

			var ran atomic.Bool
			h.d.Execute(func(ctx context.Context) (func(), error) {
				return func() { ran.Store(true) }, nil
			})

			h.pump(t, ran.Load)
			h.pump(t, func() bool { return h.d.Stats().Failed == 2 })
		})
	}
}

func TestSubmitAfterShutdownFails(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend, func(t *testing.T) {
			h := newHarness(t, backend, DefaultConfig(), func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("tile"))
			})
			require.NoError(t, h.d.Shutdown(context.Background()))

			req := h.request(1, 1, 1)
			h.d.Submit(req, h.onLoaded)

			assert.Equal(t, tile.StateError, req.State())
			assert.Zero(t, h.hits.Load())
		})
	}
}

func TestShutdownSettlesUndeliveredTiles(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend, func(t *testing.T) {
			h := newHarness(t, backend, DefaultConfig(), func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("tile"))
			})
			req := h.request(3, 2, 2)

			h.d.Pause()
			h.d.Submit(req, h.onLoaded)
			require.Eventually(t, func() bool { return h.d.Stats().Pending == 1 }, 5*time.Second, time.Millisecond)
			assert.Equal(t, tile.StateFetching, req.State())

			require.NoError(t, h.d.Shutdown(context.Background()))
			assert.Equal(t, tile.StateError, req.State())
			assert.Zero(t, h.d.Stats().Pending)
			assert.Empty(t, h.loadedPaths())

			fresh, err := New(backend, DefaultConfig(), Deps{Disk: h.disk, Logger: logger.NewNop()})
			require.NoError(t, err)
			t.Cleanup(func() {
				assert.NoError(t, fresh.Shutdown(context.Background()))
			})
			h.d = fresh

			h.d.Submit(req, h.onLoaded)
			assert.Equal(t, uint64(1), h.d.Stats().Submitted)
			h.pump(t, func() bool { return len(h.loadedPaths()) == 1 })

			assert.Equal(t, tile.StateDone, req.State())
			assert.Equal(t, int32(1), h.hits.Load())
		})
	}
}

func TestSubmitIgnoresNilArguments(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend, func(t *testing.T) {
			h := newHarness(t, backend, DefaultConfig(), func(w http.ResponseWriter, r *http.Request) {})
			req := h.request(1, 0, 0)

			h.d.Submit(nil, h.onLoaded)
			h.d.Submit(req, nil)

			assert.Equal(t, tile.StatePending, req.State())
			assert.Zero(t, h.d.Stats().Submitted)
		})
	}
}
