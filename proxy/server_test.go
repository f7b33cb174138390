package proxy

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cohortnet/node/coordinator"
	"github.com/cohortnet/node/cryptor"
	"github.com/cohortnet/node/internal/token"
)

var testSecret = []byte("proxy-test-secret")

func newTestServer(t *testing.T, upstream http.Handler, crypt cryptor.Cryptor, cfg Config) *Server {
	t.Helper()
	coordSrv := httptest.NewServer(upstream)
	t.Cleanup(coordSrv.Close)

	client, err := coordinator.NewClient(coordinator.Config{
		BaseURL: coordSrv.URL,
		Retries: 1,
	}, nil, nil)
	require.NoError(t, err)

	if crypt == nil {
		crypt = cryptor.NewNopCryptor(nil)
	}
	return NewServer(cfg, client, crypt, testSecret, nil, nil)
}

func containerToken(t *testing.T) string {
	t.Helper()
	tok, err := token.Mint(testSecret, 7, 3, 12, "node-a", "registry/algo:1")
	require.NoError(t, err)
	return tok
}

func doRequest(t *testing.T, h http.Handler, method, path string, body []byte, tok string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRelayPassthrough(t *testing.T) {
	tok := containerToken(t)
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/whatever", r.URL.Path)
		assert.Equal(t, "page=2", r.URL.RawQuery)
		// the container's token must never reach the coordinator
		assert.NotContains(t, r.Header.Get("Authorization"), tok)
		w.WriteHeader(http.StatusTeapot)
		fmt.Fprint(w, `{"msg":"nope"}`)
	})
	srv := newTestServer(t, upstream, nil, Config{})

	rec := doRequest(t, srv.Handler(), http.MethodGet, "/whatever?page=2", nil, tok)

	// non-2xx coordinator responses are passed through, not masked
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Contains(t, rec.Body.String(), "nope")
}

func TestRelayRequiresToken(t *testing.T) {
	srv := newTestServer(t, http.NotFoundHandler(), nil, Config{})
	h := srv.Handler()

	rec := doRequest(t, h, http.MethodGet, "/task/1", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/task/1", nil, "not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	forged, err := token.Mint([]byte("other-secret"), 7, 3, 12, "node-a", "img")
	require.NoError(t, err)
	rec = doRequest(t, h, http.MethodGet, "/task/1", nil, forged)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRelayRateLimit(t *testing.T) {
	upstream := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := newTestServer(t, upstream, nil, Config{RateLimit: 1, Burst: 1})
	h := srv.Handler()
	tok := containerToken(t)

	rec := doRequest(t, h, http.MethodGet, "/x", nil, tok)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/x", nil, tok)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestTaskCreationEncryptsPerOrganization(t *testing.T) {
	crypt, err := cryptor.NewRSACryptor(filepath.Join(t.TempDir(), "private_key.pem"), nil)
	require.NoError(t, err)
	pubB64 := base64.StdEncoding.EncodeToString(crypt.PublicKeyPEM())

	var forwarded map[string]json.RawMessage
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/organization/"):
			fmt.Fprintf(w, `{"id":1,"public_key":%q}`, pubB64)
		case r.URL.Path == "/task" && r.Method == http.MethodPost:
			require.NoError(t, json.NewDecoder(r.Body).Decode(&forwarded))
			w.WriteHeader(http.StatusCreated)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	srv := newTestServer(t, upstream, crypt, Config{})

	body := []byte(`{"name":"avg","organizations":[` +
		`{"id":4,"input":"secret-for-4"},{"id":9,"input":"secret-for-9"}]}`)
	rec := doRequest(t, srv.Handler(), http.MethodPost, "/task", body, containerToken(t))
	require.Equal(t, http.StatusCreated, rec.Code)

	var orgs []struct {
		ID    int64  `json:"id"`
		Input string `json:"input"`
	}
	require.NoError(t, json.Unmarshal(forwarded["organizations"], &orgs))
	require.Len(t, orgs, 2)
	for _, org := range orgs {
		assert.Equal(t, 2, strings.Count(org.Input, "$"),
			"input must be replaced by an envelope")
		plain, err := crypt.Decrypt(org.Input)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("secret-for-%d", org.ID), string(plain))
	}
}

func TestTaskCreationFailsWhenOneOrganizationHasNoKey(t *testing.T) {
	crypt, err := cryptor.NewRSACryptor(filepath.Join(t.TempDir(), "private_key.pem"), nil)
	require.NoError(t, err)
	pubB64 := base64.StdEncoding.EncodeToString(crypt.PublicKeyPEM())

	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/organization/4" {
			fmt.Fprintf(w, `{"id":4,"public_key":%q}`, pubB64)
			return
		}
		// organization 9 has no key on file
		fmt.Fprint(w, `{"id":9,"public_key":""}`)
	})
	srv := newTestServer(t, upstream, crypt, Config{})

	body := []byte(`{"organizations":[{"id":4,"input":"a"},{"id":9,"input":"b"}]}`)
	rec := doRequest(t, srv.Handler(), http.MethodPost, "/task", body, containerToken(t))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestResultFetchDecrypts(t *testing.T) {
	crypt, err := cryptor.NewRSACryptor(filepath.Join(t.TempDir(), "private_key.pem"), nil)
	require.NoError(t, err)
	envelope, err := crypt.Encrypt([]byte("model-weights"), crypt.PublicKeyPEM())
	require.NoError(t, err)

	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/result/5":
			fmt.Fprintf(w, `{"id":5,"result":%q}`, envelope)
		case "/result/":
			fmt.Fprintf(w, `{"data":[{"id":5,"result":%q},{"id":6,"result":null}]}`, envelope)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	srv := newTestServer(t, upstream, crypt, Config{})
	h := srv.Handler()
	tok := containerToken(t)

	t.Run("single result", func(t *testing.T) {
		rec := doRequest(t, h, http.MethodGet, "/result/5", nil, tok)
		require.Equal(t, http.StatusOK, rec.Code)
		var got struct {
			Result string `json:"result"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, "model-weights", got.Result)
	})

	t.Run("paginated list", func(t *testing.T) {
		rec := doRequest(t, h, http.MethodGet, "/result/", nil, tok)
		require.Equal(t, http.StatusOK, rec.Code)
		var got struct {
			Data []struct {
				Result *string `json:"result"`
			} `json:"data"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		require.Len(t, got.Data, 2)
		assert.Equal(t, "model-weights", *got.Data[0].Result)
		assert.Nil(t, got.Data[1].Result)
	})
}

func TestResultDecryptFailurePassesCiphertextThrough(t *testing.T) {
	crypt, err := cryptor.NewRSACryptor(filepath.Join(t.TempDir(), "private_key.pem"), nil)
	require.NoError(t, err)

	// sealed for a different key, so this node cannot open it
	other, err := cryptor.NewRSACryptor(filepath.Join(t.TempDir(), "other_key.pem"), nil)
	require.NoError(t, err)
	foreign, err := other.Encrypt([]byte("not-for-us"), other.PublicKeyPEM())
	require.NoError(t, err)

	upstream := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `{"id":5,"result":%q}`, foreign)
	})
	srv := newTestServer(t, upstream, crypt, Config{})

	rec := doRequest(t, srv.Handler(), http.MethodGet, "/result/5", nil, containerToken(t))
	require.Equal(t, http.StatusOK, rec.Code, "decrypt failure must not fail the request")
	var got struct {
		Result string `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, foreign, got.Result, "ciphertext is passed through unchanged")
}

func TestSealTaskInputWithoutOrganizations(t *testing.T) {
	srv := newTestServer(t, http.NotFoundHandler(), nil, Config{})
	body := []byte(`{"name":"no-orgs"}`)
	sealed, err := srv.sealTaskInput(context.Background(), body)
	require.NoError(t, err)
	assert.Equal(t, body, sealed)
}
