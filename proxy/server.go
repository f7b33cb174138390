package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/cohortnet/node/coordinator"
	"github.com/cohortnet/node/cryptor"
	"github.com/cohortnet/node/internal/metrics"
	"github.com/cohortnet/node/internal/token"
	"github.com/cohortnet/node/types"
)

// Config configures the relay.
type Config struct {
	// ListenAddr is the bind address on the isolated network.
	ListenAddr string `yaml:"listen_addr"`
	// RateLimit is the sustained requests-per-second budget shared by
	// all containers; Burst tops it. Zero disables limiting.
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

// Server relays container requests to the coordinator.
type Server struct {
	client  *coordinator.Client
	cryptor cryptor.Cryptor
	secret  []byte
	limiter *rate.Limiter
	logger  *zap.Logger
	metrics *metrics.Collector
}

// NewServer builds the relay. secret is the HMAC key the node mints
// container tokens with; requests without a valid token are refused.
func NewServer(cfg Config, client *coordinator.Client, crypt cryptor.Cryptor,
	secret []byte, collector *metrics.Collector, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.RateLimit)
			if burst < 1 {
				burst = 1
			}
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return &Server{
		client:  client,
		cryptor: crypt,
		secret:  secret,
		limiter: limiter,
		logger:  logger.With(zap.String("component", "proxy")),
		metrics: collector,
	}
}

// Handler returns the relay's HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/task", s.handleTask)
	mux.HandleFunc("/result/", s.handleResult)
	mux.HandleFunc("/", s.handleRelay)
	return s.guard(mux)
}

// guard authenticates the calling container and applies the shared
// rate limit before any relaying happens.
func (s *Server) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		w.Header().Set("X-Request-ID", reqID)

		claims, err := s.authenticate(r)
		if err != nil {
			s.logger.Warn("rejected unauthenticated container request",
				zap.String("request_id", reqID),
				zap.String("path", r.URL.Path), zap.Error(err))
			s.writeError(w, r, http.StatusUnauthorized, "AUTHENTICATION", "invalid container token")
			return
		}
		if s.limiter != nil && !s.limiter.Allow() {
			s.writeError(w, r, http.StatusTooManyRequests, "RATE_LIMIT", "relay rate limit exceeded")
			return
		}

		s.logger.Debug("relaying container request",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int64("run_id", claims.RunID))
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authenticate(r *http.Request) (*token.Claims, error) {
	auth := r.Header.Get("Authorization")
	raw, found := strings.CutPrefix(auth, "Bearer ")
	if !found || raw == "" {
		return nil, fmt.Errorf("missing bearer token")
	}
	return token.Verify(s.secret, raw)
}

// handleTask intercepts task creation to encrypt the input once per
// destination organization before forwarding. Other methods on /task
// relay untouched.
func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.handleRelay(w, r)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "unreadable request body")
		return
	}
	sealed, err := s.sealTaskInput(r.Context(), body)
	if err != nil {
		s.logger.Error("task input encryption failed", zap.Error(err))
		s.writeError(w, r, http.StatusInternalServerError, "ENCRYPTION", "cannot encrypt task input")
		return
	}
	s.relay(w, r, sealed)
}

// sealTaskInput replaces each organization's input with an envelope
// sealed for that organization's public key. Encryption is fanned out
// concurrently and waits for every organization; one failure fails the
// whole task creation.
func (s *Server) sealTaskInput(ctx context.Context, body []byte) ([]byte, error) {
	var task map[string]json.RawMessage
	if err := json.Unmarshal(body, &task); err != nil {
		return nil, fmt.Errorf("malformed task body: %w", err)
	}
	rawOrgs, ok := task["organizations"]
	if !ok {
		return body, nil
	}
	var orgs []map[string]json.RawMessage
	if err := json.Unmarshal(rawOrgs, &orgs); err != nil {
		return nil, fmt.Errorf("malformed organizations list: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, org := range orgs {
		org := org
		g.Go(func() error {
			var orgID int64
			if err := json.Unmarshal(org["id"], &orgID); err != nil {
				return fmt.Errorf("organization entry without id")
			}
			var input string
			if err := json.Unmarshal(org["input"], &input); err != nil {
				return fmt.Errorf("organization %d input is not a string", orgID)
			}

			pub, err := s.client.OrganizationKey(gctx, orgID)
			if err != nil {
				s.metrics.CryptoOp("encrypt", "error")
				return fmt.Errorf("no public key for organization %d: %w", orgID, err)
			}
			envelope, err := s.cryptor.Encrypt([]byte(input), pub)
			if err != nil {
				s.metrics.CryptoOp("encrypt", "error")
				return fmt.Errorf("encrypt for organization %d: %w", orgID, err)
			}
			s.metrics.CryptoOp("encrypt", "ok")

			sealed, err := json.Marshal(envelope)
			if err != nil {
				return err
			}
			org["input"] = sealed
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sealedOrgs, err := json.Marshal(orgs)
	if err != nil {
		return nil, err
	}
	task["organizations"] = sealedOrgs
	return json.Marshal(task)
}

// handleResult relays a result fetch and decrypts each result with the
// node's private key before returning it to the container. A result
// that fails to decrypt is logged and passed through still encrypted
// rather than failing the request.
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.handleRelay(w, r)
		return
	}

	resp, err := s.client.Request(r.Context(), r.Method, relayPath(r), relayHeader(r), nil)
	if err != nil {
		s.writeUpstreamError(w, r, err)
		return
	}
	if resp.OK() {
		resp.Body = s.openResults(resp.Body)
	}
	s.writeResponse(w, r, resp)
}

// openResults decrypts every "result" field in the response body,
// whether the body is a single result object or a paginated list under
// "data". Malformed bodies pass through untouched.
func (s *Server) openResults(body []byte) []byte {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return body
	}

	if rawData, ok := doc["data"]; ok {
		var items []map[string]json.RawMessage
		if err := json.Unmarshal(rawData, &items); err != nil {
			return body
		}
		for _, item := range items {
			s.openResultField(item)
		}
		patched, err := json.Marshal(items)
		if err != nil {
			return body
		}
		doc["data"] = patched
	} else {
		s.openResultField(doc)
	}

	patched, err := json.Marshal(doc)
	if err != nil {
		return body
	}
	return patched
}

func (s *Server) openResultField(obj map[string]json.RawMessage) {
	raw, ok := obj["result"]
	if !ok {
		return
	}
	var envelope string
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope == "" {
		return
	}
	plain, err := s.cryptor.Decrypt(envelope)
	if err != nil {
		s.metrics.CryptoOp("decrypt", "error")
		s.logger.Warn("result decryption failed, passing ciphertext through",
			zap.Error(err))
		return
	}
	s.metrics.CryptoOp("decrypt", "ok")
	opened, err := json.Marshal(string(plain))
	if err != nil {
		return
	}
	obj["result"] = opened
}

// handleRelay forwards a request to the coordinator verbatim. Non-2xx
// coordinator responses are passed through to the container.
func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(r.Body)
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "unreadable request body")
			return
		}
	}
	s.relay(w, r, body)
}

func (s *Server) relay(w http.ResponseWriter, r *http.Request, body []byte) {
	resp, err := s.client.Request(r.Context(), r.Method, relayPath(r), relayHeader(r), body)
	if err != nil {
		s.writeUpstreamError(w, r, err)
		return
	}
	s.writeResponse(w, r, resp)
}

// relayPath preserves the container's path and query string.
func relayPath(r *http.Request) string {
	if r.URL.RawQuery != "" {
		return r.URL.Path + "?" + r.URL.RawQuery
	}
	return r.URL.Path
}

// relayHeader forwards content negotiation headers only; the
// container's Authorization header never reaches the coordinator.
func relayHeader(r *http.Request) http.Header {
	h := http.Header{}
	for _, k := range []string{"Content-Type", "Accept"} {
		if v := r.Header.Get(k); v != "" {
			h.Set(k, v)
		}
	}
	return h
}

func (s *Server) writeResponse(w http.ResponseWriter, r *http.Request, resp *coordinator.Response) {
	s.metrics.ProxyRequest(r.Method, strconv.Itoa(resp.StatusCode))
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

func (s *Server) writeUpstreamError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error("coordinator unreachable",
		zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
	s.writeError(w, r, http.StatusBadGateway, string(types.ErrCoordinator), "coordinator unreachable")
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	s.metrics.ProxyRequest(r.Method, strconv.Itoa(status))
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"code": code, "message": message})
}
