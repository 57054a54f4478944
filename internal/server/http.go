package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"PDALedger/internal/ingestion"
	"PDALedger/internal/observability"
	"PDALedger/internal/query"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const maxBodyBytes = 1 << 16

// HTTPDeps is everything the HTTP/JSON API serves from. Queries, Health and
// Limiter are optional.
type HTTPDeps struct {
	Bank    *BankService
	Queries *query.QueryService
	Health  *observability.HealthChecker
	Limiter *RateLimiter
	Logger  zerolog.Logger
	Metrics *observability.Metrics
}

type httpAPI struct {
	HTTPDeps
}

// NewRouter builds the HTTP/JSON API.
func NewRouter(deps HTTPDeps) http.Handler {
	api := &httpAPI{HTTPDeps: deps}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	if deps.Health != nil {
		r.Get("/healthz", deps.Health.LivenessHandler)
		r.Get("/readyz", deps.Health.ReadinessHandler)
	}

	r.Route("/v1", func(v1 chi.Router) {
		if deps.Limiter != nil {
			v1.Use(deps.Limiter.Handler)
		}

		v1.Get("/derive", api.observe("DeriveAddress", api.derive))
		v1.Post("/accounts", api.observe("CreateAccount", api.createAccount))
		v1.Get("/accounts/{address}", api.observe("FetchAccount", api.fetchAccount))
		v1.Post("/accounts/{address}/deposit", api.observe("Deposit", api.transfer(false)))
		v1.Post("/accounts/{address}/withdraw", api.observe("Withdraw", api.transfer(true)))
		v1.Get("/wallets/{identity}", api.observe("GetWalletBalance", api.wallet))
		v1.Post("/airdrops", api.observe("Airdrop", api.airdrop))

		if deps.Queries != nil {
			v1.Get("/accounts/{address}/journal", api.observe("GetJournalHistory", api.journal))
			v1.Get("/accounts/{address}/operations", api.observe("GetOperationHistory", api.operations))
			v1.Get("/owners/{owner}/accounts", api.observe("ListAccountsByOwner", api.ownerAccounts))
			v1.Get("/admin/integrity", api.observe("VerifyIntegrity", api.integrity))
		}
	})

	return r
}

// handlerFunc returns the response body or an error; observe writes either.
type handlerFunc func(r *http.Request) (interface{}, error)

func (a *httpAPI) observe(method string, h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		body, err := h(r)

		code := http.StatusOK
		if err != nil {
			code = HTTPStatus(err)
			if code == http.StatusInternalServerError {
				a.Logger.Error().Err(err).Str("method", method).Msg("request failed")
			}
			writeError(w, code, classify(err).reason, err)
		} else {
			writeJSON(w, code, body)
		}

		if a.Metrics != nil {
			a.Metrics.QueryRequests.WithLabelValues("http", method).Inc()
			a.Metrics.QueryDuration.WithLabelValues("http", method).Observe(time.Since(start).Seconds())
			if err != nil {
				a.Metrics.QueryErrors.WithLabelValues("http", method, strconv.Itoa(code)).Inc()
			}
		}
	}
}

func (a *httpAPI) derive(r *http.Request) (interface{}, error) {
	q := r.URL.Query()
	return a.Bank.DeriveAddress(r.Context(), &DeriveRequest{Label: q.Get("label"), Owner: q.Get("owner")})
}

func (a *httpAPI) createAccount(r *http.Request) (interface{}, error) {
	var req ingestion.CreateAccountRequest
	if err := readJSON(r, &req); err != nil {
		return nil, err
	}
	return a.Bank.CreateAccount(r.Context(), &req)
}

func (a *httpAPI) fetchAccount(r *http.Request) (interface{}, error) {
	return a.Bank.FetchAccount(r.Context(), &FetchAccountRequest{Address: chi.URLParam(r, "address")})
}

func (a *httpAPI) transfer(withdraw bool) handlerFunc {
	return func(r *http.Request) (interface{}, error) {
		var req ingestion.TransferRequest
		if err := readJSON(r, &req); err != nil {
			return nil, err
		}
		addr := chi.URLParam(r, "address")
		if req.Address == "" {
			req.Address = addr
		} else if req.Address != addr {
			return nil, &BadRequestError{Err: errors.New("body address does not match path")}
		}
		if withdraw {
			return a.Bank.Withdraw(r.Context(), &req)
		}
		return a.Bank.Deposit(r.Context(), &req)
	}
}

func (a *httpAPI) wallet(r *http.Request) (interface{}, error) {
	return a.Bank.GetWalletBalance(r.Context(), &WalletRequest{Identity: chi.URLParam(r, "identity")})
}

func (a *httpAPI) airdrop(r *http.Request) (interface{}, error) {
	var req ingestion.AirdropRequest
	if err := readJSON(r, &req); err != nil {
		return nil, err
	}
	return a.Bank.Airdrop(r.Context(), &req)
}

func (a *httpAPI) journal(r *http.Request) (interface{}, error) {
	addr, err := parseKey("address", chi.URLParam(r, "address"))
	if err != nil {
		return nil, err
	}
	limit, err := intParam(r, "limit", 100, 500)
	if err != nil {
		return nil, err
	}
	var before *int64
	if s := r.URL.Query().Get("before"); s != "" {
		seq, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, &BadRequestError{Err: fmt.Errorf("before: %w", err)}
		}
		before = &seq
	}
	entries, err := a.Queries.GetJournalHistory(r.Context(), addr, limit, before)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"journals": entries}, nil
}

func (a *httpAPI) operations(r *http.Request) (interface{}, error) {
	addr, err := parseKey("address", chi.URLParam(r, "address"))
	if err != nil {
		return nil, err
	}
	limit, err := intParam(r, "limit", 50, 500)
	if err != nil {
		return nil, err
	}
	ops, err := a.Queries.GetOperationHistory(r.Context(), addr, limit)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"operations": ops}, nil
}

func (a *httpAPI) ownerAccounts(r *http.Request) (interface{}, error) {
	owner, err := parseKey("owner", chi.URLParam(r, "owner"))
	if err != nil {
		return nil, err
	}
	addrs, err := a.Queries.ListAccountsByOwner(r.Context(), owner)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"owner": owner.String(), "accounts": addrs}, nil
}

func (a *httpAPI) integrity(r *http.Request) (interface{}, error) {
	return a.Queries.VerifyIntegrity(r.Context())
}

func intParam(r *http.Request, name string, def, max int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, &BadRequestError{Err: fmt.Errorf("%s must be a positive integer", name)}
	}
	if n > max {
		n = max
	}
	return n, nil
}

func readJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &BadRequestError{Err: fmt.Errorf("decode body: %w", err)}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, code int, reason string, err error) {
	var body errorBody
	body.Error.Code = reason
	body.Error.Message = err.Error()
	if code == http.StatusInternalServerError && reason == "internal" {
		body.Error.Message = "internal error"
	}
	writeJSON(w, code, body)
}

// RateLimiter is a per-client token bucket over the API routes.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
	logger   zerolog.Logger
}

func NewRateLimiter(requestsPerSecond float64, burst int, logger zerolog.Logger) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
		logger:   logger,
	}
}

func (rl *RateLimiter) limiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	l, ok := rl.limiters[key]
	if !ok {
		// Crude bound on memory; an evicted client just gets a fresh bucket.
		if len(rl.limiters) >= 10000 {
			rl.limiters = make(map[string]*rate.Limiter)
		}
		l = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[key] = l
	}
	return l
}

func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			key = r.RemoteAddr
		}
		if !rl.limiter(key).Allow() {
			rl.logger.Warn().Str("client", key).Str("path", r.URL.Path).Msg("rate limit exceeded")
			writeError(w, http.StatusTooManyRequests, "rate_limited", errors.New("rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HTTPServer serves a handler until its context is cancelled.
type HTTPServer struct {
	srv    *http.Server
	logger zerolog.Logger
}

func NewHTTPServer(addr string, handler http.Handler, logger zerolog.Logger) *HTTPServer {
	return &HTTPServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Start listens and serves (blocking). It returns nil after a clean shutdown.
func (s *HTTPServer) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.srv.Addr).Msg("HTTP server listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
