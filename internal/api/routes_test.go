package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/care/orion-recorder/internal/catalog"
	"github.com/care/orion-recorder/internal/core"
	"github.com/care/orion-recorder/internal/logging"
	"github.com/care/orion-recorder/internal/types"
)

func newTestCatalog(t *testing.T) (*catalog.Catalog, string) {
	t.Helper()
	dir := t.TempDir()
	c, err := catalog.Open(filepath.Join(dir, "catalog.db"), logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, dir
}

func addClip(t *testing.T, c *catalog.Catalog, dir, id, day, name string, start time.Time) types.Clip {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, day), 0o755))
	p := filepath.Join(dir, day, name)
	require.NoError(t, os.WriteFile(p, []byte("RIFF0000AVI clip bytes"), 0o644))

	clip := types.Clip{
		ID: id, Day: day, Name: name, Path: p,
		StartedAt: start, ClosedAt: start.Add(5 * time.Minute),
		Frames: 3000, TargetFPS: 10, AchievedFPS: 10, Bytes: 22,
	}
	require.NoError(t, c.Finalized(context.Background(), clip))
	return clip
}

func do(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth_Liveness(t *testing.T) {
	h := NewRouter(ServerConfig{
		InstanceID: "room-1",
		StartTime:  time.Now().Add(-time.Minute),
		Restarts:   func() uint64 { return 2 },
		Logger:     logging.Discard(),
	})

	rec := do(t, h, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var resp LivenessResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "alive", resp.Status)
	assert.Equal(t, uint64(2), resp.Restarts)
	assert.GreaterOrEqual(t, resp.UptimeS, int64(59))
}

func TestReadiness_StatusCodes(t *testing.T) {
	tests := []struct {
		status string
		code   int
	}{
		{"healthy", http.StatusOK},
		{"degraded", http.StatusOK},
		{"unhealthy", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			h := NewRouter(ServerConfig{
				Health: func() core.HealthStatus { return core.HealthStatus{Status: tt.status} },
				Logger: logging.Discard(),
			})
			rec := do(t, h, "/readiness")
			assert.Equal(t, tt.code, rec.Code)

			var got core.HealthStatus
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
			assert.Equal(t, tt.status, got.Status)
		})
	}

	// no pipeline yet
	rec := do(t, NewRouter(ServerConfig{Logger: logging.Discard()}), "/readiness")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestClips_ListByDay(t *testing.T) {
	c, dir := newTestCatalog(t)
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	addClip(t, c, dir, "a", "01_03_24", "10_00_00.avi", base)
	addClip(t, c, dir, "b", "01_03_24", "10_05_00.avi", base.Add(5*time.Minute))
	addClip(t, c, dir, "c", "02_03_24", "08_00_00.avi", base.Add(22*time.Hour))

	h := NewRouter(ServerConfig{Catalog: c, Logger: logging.Discard()})

	rec := do(t, h, "/clips?day=01_03_24")
	require.Equal(t, http.StatusOK, rec.Code)
	var clips ClipsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&clips))
	require.Len(t, clips.Clips, 2)
	assert.Equal(t, "10_00_00.avi", clips.Clips[0].Name)
	assert.Equal(t, catalog.StatusFinalized, clips.Clips[0].Status)

	rec = do(t, h, "/clips/days")
	require.Equal(t, http.StatusOK, rec.Code)
	var days DaysResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&days))
	require.Len(t, days.Days, 2)
	assert.Equal(t, "01_03_24", days.Days[0].Day)
	assert.Equal(t, 2, days.Days[0].Clips)

	rec = do(t, h, "/clips?day=2024-03-01")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClips_GetAndDownload(t *testing.T) {
	c, dir := newTestCatalog(t)
	clip := addClip(t, c, dir, "a", "01_03_24", "10_00_00.avi", time.Now())
	h := NewRouter(ServerConfig{Catalog: c, Logger: logging.Discard()})

	rec := do(t, h, "/clips/a")
	require.Equal(t, http.StatusOK, rec.Code)
	var got catalog.Record
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, clip.Path, got.Path)

	rec = do(t, h, "/clips/a/file")
	require.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Equal(t, "RIFF0000AVI clip bytes", string(body))
	assert.Equal(t, "video/x-msvideo", rec.Header().Get("Content-Type"))

	assert.Equal(t, http.StatusNotFound, do(t, h, "/clips/missing").Code)

	// evicted from disk but still catalogued
	require.NoError(t, os.Remove(clip.Path))
	assert.Equal(t, http.StatusGone, do(t, h, "/clips/a/file").Code)
}

func TestClips_CatalogDisabled(t *testing.T) {
	h := NewRouter(ServerConfig{Logger: logging.Discard()})
	for _, path := range []string{"/clips", "/clips/days", "/clips/a"} {
		rec := do(t, h, path)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)

		var e ErrorResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&e))
		assert.Equal(t, "CATALOG_DISABLED", e.Code)
	}
}

func TestMetrics_Exposed(t *testing.T) {
	rec := do(t, NewRouter(ServerConfig{Logger: logging.Discard()}), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
