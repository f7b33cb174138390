package coordinator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cohortnet/node/types"
)

func testClient(t *testing.T, baseURL string, retries int) *Client {
	t.Helper()
	c, err := NewClient(Config{
		BaseURL: baseURL,
		Token:   "node-token",
		Retries: retries,
		Timeout: 2 * time.Second,
	}, nil, zap.NewNop())
	require.NoError(t, err)
	return c
}

func TestNewClientRejectsBadURL(t *testing.T) {
	_, err := NewClient(Config{BaseURL: "not a url"}, nil, zap.NewNop())
	require.Error(t, err)
	assert.Equal(t, types.ErrConfiguration, types.GetErrorCode(err))
}

func TestRequestSendsBearerToken(t *testing.T) {
	var auth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, 1)
	resp, err := c.Request(context.Background(), http.MethodGet, "/health", nil, nil)
	require.NoError(t, err)
	assert.True(t, resp.OK())
	assert.Equal(t, "Bearer node-token", auth.Load())
}

func TestRequestRetriesOnServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, 3)
	resp, err := c.Request(context.Background(), http.MethodGet, "/task", nil, nil)
	require.NoError(t, err)
	assert.True(t, resp.OK())
	assert.Equal(t, int32(3), calls.Load())
}

func TestRequestReturnsLastResponseAfterExhaustion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, 1)
	resp, err := c.Request(context.Background(), http.MethodGet, "/task", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestRequestErrorWhenUnreachable(t *testing.T) {
	c := testClient(t, "http://127.0.0.1:1", 1)
	_, err := c.Request(context.Background(), http.MethodGet, "/task", nil, nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrCoordinator, types.GetErrorCode(err))
	assert.True(t, types.IsRetryable(err))
}

func TestPatchRun(t *testing.T) {
	var got RunPatch
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/run/42", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, 1)
	err := c.PatchRun(context.Background(), 42, RunPatch{
		Status: types.StatusCompleted,
		Result: "envelope$data$here",
		Log:    "done",
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, got.Status)
	assert.Equal(t, "envelope$data$here", got.Result)
}

func TestPostColumns(t *testing.T) {
	var got []types.Column
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/session/7/dataframe/cohort_a/column", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, 1)
	err := c.PostColumns(context.Background(), 7, "cohort_a", []types.Column{{Name: "age", Dtype: "int64"}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "age", got[0].Name)
	assert.Equal(t, "int64", got[0].Dtype)
}

func TestOrganizationKey(t *testing.T) {
	pem := []byte("-----BEGIN PUBLIC KEY-----\nabc\n-----END PUBLIC KEY-----\n")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/organization/3", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"id":         3,
			"public_key": base64.StdEncoding.EncodeToString(pem),
		})
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, 1)
	got, err := c.OrganizationKey(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, pem, got)
}

func TestOrganizationKeyMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"id": 3})
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, 1)
	_, err := c.OrganizationKey(context.Background(), 3)
	require.Error(t, err)
}

func TestOpenRuns(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/run", r.URL.Path)
		assert.Equal(t, "state=open", r.URL.RawQuery)
		w.Write([]byte(`{"data":[{"id":7,"task_id":2,"status":"pending","image":"registry/algo:1"}]}`))
	}))
	defer srv.Close()

	runs, err := testClient(t, srv.URL, 1).OpenRuns(context.Background())
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, int64(7), runs[0].ID)
	assert.Equal(t, types.StatusPending, runs[0].Status)
}

func TestOpenRunsBareArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`[{"id":8,"status":"active"}]`))
	}))
	defer srv.Close()

	runs, err := testClient(t, srv.URL, 1).OpenRuns(context.Background())
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, int64(8), runs[0].ID)
}
