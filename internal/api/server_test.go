package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/minhvu-dev/account-provisioner/internal/allocator"
	"github.com/minhvu-dev/account-provisioner/internal/lease"
	"github.com/minhvu-dev/account-provisioner/internal/metrics"
	"github.com/minhvu-dev/account-provisioner/internal/provision"
	"github.com/minhvu-dev/account-provisioner/internal/registry"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func newTestServer(t *testing.T) (*Server, *allocator.Allocator, *registry.Registry, *lease.Pool) {
	t.Helper()
	metrics.Init()

	alloc := allocator.New([]provision.Item{
		{ProfileID: "p1", Row: 2},
		{ProfileID: "p2", Row: 3},
		{ProfileID: "p3", Row: 4},
	})
	reg := registry.New(fixedClock{now: time.Now()})
	pool := lease.NewPool([]provision.Mailbox{{Address: "box@example.com"}}, time.Hour, zap.NewNop())
	t.Cleanup(pool.Close)

	return NewServer("run-123", alloc, reg, pool, zap.NewNop()), alloc, reg, pool
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	srv, _, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())
}

func TestProgressReflectsRunState(t *testing.T) {
	t.Parallel()

	srv, alloc, reg, pool := newTestServer(t)

	item, ok := alloc.Next()
	require.True(t, ok)
	reg.MarkActive(1, item)
	_, ok = pool.Lease(1)
	require.True(t, ok)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/progress", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var p Progress
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&p))
	require.Equal(t, Progress{
		RunID:     "run-123",
		Total:     3,
		Remaining: 2,
		InFlight:  1,
		Leases:    1,
	}, p)
}

func TestMetricsEndpointServesExposition(t *testing.T) {
	t.Parallel()

	srv, _, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestRecoverMiddlewareTurnsPanicsInto500(t *testing.T) {
	t.Parallel()

	srv, _, _, _ := newTestServer(t)
	srv.router.Get("/boom", func(http.ResponseWriter, *http.Request) {
		panic("kaboom")
	})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
