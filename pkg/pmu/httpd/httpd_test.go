package httpd_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opcm/opcmd/pkg/pmu"
	"github.com/opcm/opcmd/pkg/pmu/httpd"
	"github.com/opcm/opcmd/pkg/pmu/sampler"
)

// staticCollector always returns the same Snapshot, letting tests drive
// sampler.Loop deterministically instead of reaching into Ring
// internals (Ring's push method is unexported by design).
type staticCollector struct{ snap pmu.Snapshot }

func (c staticCollector) Collect(context.Context) (pmu.Snapshot, error) {
	return c.snap, nil
}

func ringWithSnapshot(t *testing.T, snap pmu.Snapshot) *sampler.Ring {
	t.Helper()
	ring, err := sampler.NewRing(32)
	require.NoError(t, err)

	loop := sampler.New(staticCollector{snap: snap}, nil, ring, time.Millisecond, logr.Discard())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	go loop.Run(ctx)
	<-loop.Done()

	require.Greater(t, ring.Len(), 0)
	return ring
}

func TestFaviconServesIco(t *testing.T) {
	ring, err := sampler.NewRing(4)
	require.NoError(t, err)
	s := httpd.New(ring, "test-host")

	req := httptest.NewRequest(http.MethodGet, "/favicon.ico", nil)
	rec := httptest.NewRecorder()
	s.NewHTTPServer(":0").Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/x-icon", rec.Header().Get("Content-Type"))
}

func TestIndexBlocksThenServesOnceTheRingHasASnapshot(t *testing.T) {
	ring, err := sampler.NewRing(4)
	require.NoError(t, err)
	s := httpd.New(ring, "test-host")

	loop := sampler.New(staticCollector{snap: pmu.Snapshot{System: pmu.SystemCounterState{
		BasicCounterState: pmu.BasicCounterState{InstructionsRetired: 42},
	}}}, nil, ring, 1500*time.Millisecond, logr.Discard())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go loop.Run(ctx)
	defer func() {
		loop.Stop()
		<-loop.Done()
	}()

	req := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx)
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()

	start := time.Now()
	s.NewHTTPServer(":0").Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "42")
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
}

func TestIndexGivesUpWhenTheRequestContextIsCanceled(t *testing.T) {
	ring, err := sampler.NewRing(4)
	require.NoError(t, err)
	s := httpd.New(ring, "test-host")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	s.NewHTTPServer(":0").Handler.ServeHTTP(rec, req)

	assert.Empty(t, rec.Body.String())
}

func TestIndexReturnsLatestSnapshotAsJSON(t *testing.T) {
	ring := ringWithSnapshot(t, pmu.Snapshot{System: pmu.SystemCounterState{
		BasicCounterState: pmu.BasicCounterState{InstructionsRetired: 42},
	}})
	s := httpd.New(ring, "test-host")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	s.NewHTTPServer(":0").Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "42")
}

func TestUnsupportedMethodReturns501(t *testing.T) {
	ring, err := sampler.NewRing(4)
	require.NoError(t, err)
	s := httpd.New(ring, "test-host")

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rec := httptest.NewRecorder()
	s.NewHTTPServer(":0").Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestPersecondNOutOfRangeReturns400(t *testing.T) {
	ring, err := sampler.NewRing(4)
	require.NoError(t, err)
	s := httpd.New(ring, "test-host")

	req := httptest.NewRequest(http.MethodGet, "/persecond/31", nil)
	rec := httptest.NewRecorder()
	s.NewHTTPServer(":0").Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPersecondBlocksUntilEnoughHistoryAccumulates(t *testing.T) {
	ring, err := sampler.NewRing(32)
	require.NoError(t, err)
	s := httpd.New(ring, "test-host")

	loop := sampler.New(staticCollector{snap: pmu.Snapshot{}}, nil, ring, 300*time.Millisecond, logr.Discard())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go loop.Run(ctx)
	defer func() {
		loop.Stop()
		<-loop.Done()
	}()

	req := httptest.NewRequest(http.MethodGet, "/persecond/3", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	s.NewHTTPServer(":0").Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsServesPrometheusText(t *testing.T) {
	ring := ringWithSnapshot(t, pmu.Snapshot{
		Threads:     []pmu.BasicCounterState{{InstructionsRetired: 7}},
		SocketCores: []pmu.BasicCounterState{{InstructionsRetired: 7, UnhaltedCycles: 14}},
		Sockets:     []pmu.UncoreCounterState{{DRAMBytesRead: 1024, DRAMBytesWritten: 512}},
	})
	s := httpd.New(ring, "test-host")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.NewHTTPServer(":0").Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `Instructions_Retired_Any{socket="0"} 7`)
	assert.Contains(t, body, `Clock_Unhalted_Thread{socket="0"} 14`)
	assert.Contains(t, body, `DRAM_Reads{socket="0"} 1024`)
	assert.Contains(t, body, `DRAM_Writes{socket="0"} 512`)
}

func TestServerHeaderSetUnconditionally(t *testing.T) {
	ring, err := sampler.NewRing(4)
	require.NoError(t, err)
	s := httpd.New(ring, "test-host")

	req := httptest.NewRequest(http.MethodGet, "/favicon.ico", nil)
	rec := httptest.NewRecorder()
	s.NewHTTPServer(":0").Handler.ServeHTTP(rec, req)

	assert.Equal(t, "opcmd", rec.Header().Get("Server"))
}

func TestDashboardReturnsJSON(t *testing.T) {
	ring, err := sampler.NewRing(4)
	require.NoError(t, err)
	s := httpd.New(ring, "test-host")

	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	rec := httptest.NewRecorder()
	s.NewHTTPServer(":0").Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test-host")
}
