package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storagemigration/pkg/backend"
	"storagemigration/pkg/coordinator"
	"storagemigration/pkg/cutover"
	"storagemigration/pkg/models"
	"storagemigration/pkg/state"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type apiFixture struct {
	store            *state.MemoryStore
	coord            *coordinator.Coordinator
	router           *gin.Engine
	source           *backend.Memory
	target           *backend.Memory
	srcName, dstName string
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	f := &apiFixture{
		store:   state.NewMemoryStore(),
		source:  backend.NewMemory(),
		target:  backend.NewMemory(),
		srcName: "api-src-" + uuid.New().String()[:8],
		dstName: "api-dst-" + uuid.New().String()[:8],
	}
	backend.Register(f.srcName, func(context.Context, json.RawMessage) (backend.Backend, error) {
		return f.source, nil
	})
	backend.Register(f.dstName, func(context.Context, json.RawMessage) (backend.Backend, error) {
		return f.target, nil
	})
	f.coord = coordinator.New(f.store)
	f.router = NewServer(f.store, f.coord, cutover.New(f.store)).Router()
	return f
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) waitForJob(t *testing.T, jobID string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, f.coord.WaitForJob(ctx, jobID))
}

func TestHealthEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestProvidersEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/api/providers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), backend.ProviderS3)
	assert.Contains(t, rec.Body.String(), backend.ProviderGCS)
}

func TestStartMigrationLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	for i := 0; i < 5; i++ {
		f.source.Seed(fmt.Sprintf("a/%d.bin", i), []byte("content"))
	}

	rec := f.do(t, http.MethodPost, "/api/workspaces/ws-1/migrations", gin.H{
		"source_provider": f.srcName,
		"target_provider": f.dstName,
		"options":         gin.H{"concurrency": 2},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var started struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	require.NotEmpty(t, started.JobID)

	f.waitForJob(t, started.JobID)

	rec = f.do(t, http.MethodGet, "/api/migrations/"+started.JobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var job models.MigrationJob
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, models.JobCompleted, job.Status)
	assert.Equal(t, int64(5), job.MigratedFiles)

	// Commit, then verify the workspace config switched.
	rec = f.do(t, http.MethodPost, "/api/migrations/"+started.JobID+"/complete", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/workspaces/ws-1/storage", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), f.dstName)
}

func TestStartMigrationRejectsDuplicate(t *testing.T) {
	f := newAPIFixture(t)
	f.source.Seed("a.bin", []byte("x"))
	f.source.OnGet = func(string) error {
		time.Sleep(100 * time.Millisecond)
		return nil
	}

	body := gin.H{"source_provider": f.srcName, "target_provider": f.dstName}
	rec := f.do(t, http.MethodPost, "/api/workspaces/ws-1/migrations", body)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/workspaces/ws-1/migrations", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStartMigrationValidation(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/workspaces/ws-1/migrations", gin.H{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/workspaces/ws-1/migrations", gin.H{
		"source_provider": f.srcName,
		"target_provider": "bogus",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetMigrationNotFound(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/api/migrations/"+uuid.New().String(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCompleteRefusedWhileRunning(t *testing.T) {
	f := newAPIFixture(t)
	f.source.Seed("a.bin", []byte("x"))
	f.source.OnGet = func(string) error {
		time.Sleep(200 * time.Millisecond)
		return nil
	}

	rec := f.do(t, http.MethodPost, "/api/workspaces/ws-1/migrations", gin.H{
		"source_provider": f.srcName,
		"target_provider": f.dstName,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var started struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))

	rec = f.do(t, http.MethodPost, "/api/migrations/"+started.JobID+"/complete", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	f.waitForJob(t, started.JobID)
}

func TestScopePreviewEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.source.Seed("a.bin", bytes.Repeat([]byte{1}, 100))
	f.source.Seed("b.bin", bytes.Repeat([]byte{2}, 200))

	rec := f.do(t, http.MethodPost, "/api/workspaces/ws-1/scope", gin.H{
		"provider": f.srcName,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var result struct {
		FileCount  int64 `json:"file_count"`
		TotalBytes int64 `json:"total_bytes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, int64(2), result.FileCount)
	assert.Equal(t, int64(300), result.TotalBytes)

	// A dry run creates no job.
	jobs, err := f.store.ListJobs(context.Background(), "ws-1")
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestStorageConfigNotFound(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/api/workspaces/nope/storage", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDiscardRunningJobRejected(t *testing.T) {
	f := newAPIFixture(t)
	f.source.Seed("a.bin", []byte("x"))
	f.source.OnGet = func(string) error {
		time.Sleep(200 * time.Millisecond)
		return nil
	}

	rec := f.do(t, http.MethodPost, "/api/workspaces/ws-1/migrations", gin.H{
		"source_provider": f.srcName,
		"target_provider": f.dstName,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var started struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))

	rec = f.do(t, http.MethodDelete, "/api/migrations/"+started.JobID, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	f.waitForJob(t, started.JobID)
}
