package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BlueBrain/vsm/internal/allocator"
	"github.com/BlueBrain/vsm/internal/auth"
	"github.com/BlueBrain/vsm/internal/metrics"
	"github.com/BlueBrain/vsm/internal/registry"
)

const testProxyURL = "ws://proxy:8888"

type masterFixture struct {
	handler http.Handler
	store   registry.Store
}

func newMasterFixture(t *testing.T, authn *auth.Authenticator) *masterFixture {
	t.Helper()
	return newMasterFixtureWithStore(t, authn, openTestStore(t))
}

func openTestStore(t *testing.T) registry.Store {
	t.Helper()

	store, err := registry.Open(context.Background(), registry.Options{
		Backend:    registry.BackendSQLite,
		SQLitePath: ":memory:",
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newMasterFixtureWithStore(t *testing.T, authn *auth.Authenticator, store registry.Store) *masterFixture {
	t.Helper()

	handler := NewMasterRouter(MasterConfig{
		Auth:        authn,
		Store:       store,
		Allocator:   allocator.NewLocalAllocator("", zap.NewNop()),
		Metrics:     metrics.NewScheduler(prometheus.NewRegistry()),
		JobDuration: 8 * time.Hour,
		ProxyURL:    testProxyURL,
		Logger:      zap.NewNop(),
	})

	return &masterFixture{handler: handler, store: store}
}

func sandboxAuth() *auth.Authenticator {
	return auth.New(auth.Config{Enabled: false}, http.DefaultClient, zap.NewNop())
}

func (f *masterFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	r.Header.Set("Authorization", "Bearer test-token")

	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)
	return w
}

func (f *masterFixture) startJob(t *testing.T) string {
	t.Helper()
	w := f.do(t, http.MethodPost, "/start", `{"project":"p1"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["job_id"])
	return resp["job_id"]
}

func TestStartCreatesJob(t *testing.T) {
	f := newMasterFixture(t, sandboxAuth())

	jobID := f.startJob(t)

	job, err := f.store.Get(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, registry.SandboxUser, job.User)
	assert.Empty(t, job.Host)
	assert.Equal(t, 8*time.Hour, job.EndTime.Sub(job.StartTime))
}

func TestStartRequiresAuthHeader(t *testing.T) {
	f := newMasterFixture(t, sandboxAuth())

	r := httptest.NewRequest(http.MethodPost, "/start", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestStartMalformedBody(t *testing.T) {
	f := newMasterFixture(t, sandboxAuth())

	w := f.do(t, http.MethodPost, "/start", `{"broken`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatusReadyPersistsHost(t *testing.T) {
	f := newMasterFixture(t, sandboxAuth())
	jobID := f.startJob(t)

	w := f.do(t, http.MethodGet, "/status/"+jobID, "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Ready   bool   `json:"ready"`
		EndTime string `json:"end_time"`
		JobURL  string `json:"job_url"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Ready)
	assert.Equal(t, testProxyURL+"/"+jobID+"/renderer", resp.JobURL)

	job, err := f.store.Get(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", job.Host)

	endTime, err := time.Parse(time.RFC3339Nano, resp.EndTime)
	require.NoError(t, err)
	assert.True(t, job.EndTime.Equal(endTime))
}

// hostUpdateFailingStore makes UpdateHost fail with a fixed error while
// delegating everything else.
type hostUpdateFailingStore struct {
	registry.Store
	err error
}

func (s *hostUpdateFailingStore) UpdateHost(context.Context, string, string) error {
	return s.err
}

func TestStatusRegistryFailureIsInternalError(t *testing.T) {
	base := openTestStore(t)
	store := &hostUpdateFailingStore{Store: base, err: errors.New("connection reset")}
	f := newMasterFixtureWithStore(t, sandboxAuth(), store)
	jobID := f.startJob(t)

	w := f.do(t, http.MethodGet, "/status/"+jobID, "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	// The host never persisted, so the job must not be reported as ready.
	job, err := base.Get(context.Background(), jobID)
	require.NoError(t, err)
	assert.Empty(t, job.Host)
}

func TestStatusToleratesRowReapedDuringHostUpdate(t *testing.T) {
	store := &hostUpdateFailingStore{Store: openTestStore(t), err: registry.ErrNotFound}
	f := newMasterFixtureWithStore(t, sandboxAuth(), store)
	jobID := f.startJob(t)

	w := f.do(t, http.MethodGet, "/status/"+jobID, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStatusUnknownJob(t *testing.T) {
	f := newMasterFixture(t, sandboxAuth())

	w := f.do(t, http.MethodGet, "/status/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStopRemovesJob(t *testing.T) {
	f := newMasterFixture(t, sandboxAuth())
	jobID := f.startJob(t)

	w := f.do(t, http.MethodPost, "/stop/"+jobID, "")
	require.Equal(t, http.StatusOK, w.Code)

	_, err := f.store.Get(context.Background(), jobID)
	require.ErrorIs(t, err, registry.ErrNotFound)

	w = f.do(t, http.MethodGet, "/status/"+jobID, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStopUnknownJob(t *testing.T) {
	f := newMasterFixture(t, sandboxAuth())

	w := f.do(t, http.MethodPost, "/stop/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOwnershipEnforced(t *testing.T) {
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"email":"bob@example.com"}`))
	}))
	defer provider.Close()

	authn := auth.New(auth.Config{Enabled: true, UserInfoURL: provider.URL}, provider.Client(), zap.NewNop())
	f := newMasterFixture(t, authn)

	now := time.Now().UTC()
	require.NoError(t, f.store.Insert(context.Background(), registry.Job{
		ID:        "alice-job",
		User:      "alice@example.com",
		StartTime: now,
		EndTime:   now.Add(time.Hour),
	}))

	w := f.do(t, http.MethodPost, "/stop/alice-job", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodGet, "/status/alice-job", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// The row is untouched.
	_, err := f.store.Get(context.Background(), "alice-job")
	require.NoError(t, err)
}

func TestHealthz(t *testing.T) {
	f := newMasterFixture(t, sandboxAuth())

	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
}
