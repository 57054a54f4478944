package server_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"PDALedger/internal/observability"
	"PDALedger/internal/query"
	"PDALedger/internal/server"
	"PDALedger/internal/testutil"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHTTP(t *testing.T, f *fixture, deps server.HTTPDeps) *httptest.Server {
	t.Helper()
	deps.Bank = f.bank
	deps.Logger = zerolog.Nop()
	ts := httptest.NewServer(server.NewRouter(deps))
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, method, url string, body interface{}, out interface{}) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func TestHTTP_AccountLifecycle(t *testing.T) {
	f := newFixture(t)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	ts := newHTTP(t, f, server.HTTPDeps{Metrics: metrics})

	owner := testutil.NewIdentity(t)
	require.Equal(t, http.StatusOK, do(t, "POST", ts.URL+"/v1/airdrops", f.airdropReq(owner, 10_000_000), nil))

	var created server.OperationReply
	require.Equal(t, http.StatusOK, do(t, "POST", ts.URL+"/v1/accounts", createReq(owner, "MyBank"), &created))
	require.NotEmpty(t, created.Address)

	var dep server.OperationReply
	status := do(t, "POST", ts.URL+"/v1/accounts/"+created.Address+"/deposit",
		transferReq(t, owner, created.Address, 1_000, false), &dep)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, uint64(1_000), dep.Account.Balance)

	var acct server.AccountView
	require.Equal(t, http.StatusOK, do(t, "GET", ts.URL+"/v1/accounts/"+created.Address, nil, &acct))
	assert.Equal(t, "MyBank", acct.Name)
	assert.Equal(t, uint64(1_000), acct.Balance)

	var wallet server.WalletReply
	require.Equal(t, http.StatusOK, do(t, "GET", ts.URL+"/v1/wallets/"+owner.Public.String(), nil, &wallet))
	assert.Equal(t, dep.Wallet, wallet.Balance)

	var derived server.DeriveReply
	require.Equal(t, http.StatusOK,
		do(t, "GET", ts.URL+"/v1/derive?label=MyBank&owner="+owner.Public.String(), nil, &derived))
	assert.Equal(t, created.Address, derived.Address)

	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.QueryRequests.WithLabelValues("http", "Deposit")))
}

func TestHTTP_StatusCodes(t *testing.T) {
	f := newFixture(t)
	ts := newHTTP(t, f, server.HTTPDeps{})

	owner := testutil.NewIdentity(t)
	other := testutil.NewIdentity(t)
	require.Equal(t, http.StatusOK, do(t, "POST", ts.URL+"/v1/airdrops", f.airdropReq(owner, 10_000_000), nil))
	var created server.OperationReply
	require.Equal(t, http.StatusOK, do(t, "POST", ts.URL+"/v1/accounts", createReq(owner, "MyBank"), &created))
	addr := created.Address

	cases := []struct {
		name   string
		method string
		path   string
		body   interface{}
		status int
		code   string
	}{
		{"duplicate create", "POST", "/v1/accounts", createReq(owner, "MyBank"), http.StatusConflict, "already_exists"},
		{"unknown account", "GET", "/v1/accounts/" + other.Public.String(), nil, http.StatusNotFound, "not_found"},
		{"zero deposit", "POST", "/v1/accounts/" + addr + "/deposit", transferReq(t, owner, addr, 0, false), http.StatusBadRequest, "invalid_amount"},
		{"foreign withdraw", "POST", "/v1/accounts/" + addr + "/withdraw", transferReq(t, other, addr, 1, true), http.StatusForbidden, "unauthorized"},
		{"overdraw", "POST", "/v1/accounts/" + addr + "/withdraw", transferReq(t, owner, addr, 1, true), http.StatusUnprocessableEntity, "insufficient_balance"},
		{"empty wallet deposit", "POST", "/v1/accounts/" + addr + "/deposit", transferReq(t, other, addr, 1, false), http.StatusUnprocessableEntity, "insufficient_funds"},
		{"path mismatch", "POST", "/v1/accounts/" + other.Public.String() + "/deposit", transferReq(t, owner, addr, 1, false), http.StatusBadRequest, "bad_request"},
		{"malformed body", "POST", "/v1/airdrops", "not an object", http.StatusBadRequest, "bad_request"},
		{"overlong label", "GET", "/v1/derive?label=" + strings.Repeat("a", 40) + "&owner=" + owner.Public.String(), nil, http.StatusBadRequest, "invalid_name"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var resp errorResponse
			got := do(t, tc.method, ts.URL+tc.path, tc.body, &resp)
			assert.Equal(t, tc.status, got)
			assert.Equal(t, tc.code, resp.Error.Code)
		})
	}
}

func TestHTTP_HealthAndRateLimit(t *testing.T) {
	f := newFixture(t)
	health := observability.NewHealthChecker()
	ts := newHTTP(t, f, server.HTTPDeps{
		Health:  health,
		Limiter: server.NewRateLimiter(0.001, 2, zerolog.Nop()),
	})

	assert.Equal(t, http.StatusServiceUnavailable, do(t, "GET", ts.URL+"/readyz", nil, nil))
	health.SetReady(true)
	assert.Equal(t, http.StatusOK, do(t, "GET", ts.URL+"/readyz", nil, nil))

	owner := testutil.NewIdentity(t)
	path := ts.URL + "/v1/wallets/" + owner.Public.String()
	assert.Equal(t, http.StatusOK, do(t, "GET", path, nil, nil))
	assert.Equal(t, http.StatusOK, do(t, "GET", path, nil, nil))
	var resp errorResponse
	assert.Equal(t, http.StatusTooManyRequests, do(t, "GET", path, nil, &resp))
	assert.Equal(t, "rate_limited", resp.Error.Code)

	// health is outside the limiter
	assert.Equal(t, http.StatusOK, do(t, "GET", ts.URL+"/healthz", nil, nil))
}

func TestHTTP_QueryRoutes(t *testing.T) {
	f := newFixture(t)
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	ts := newHTTP(t, f, server.HTTPDeps{Queries: query.NewQueryService(db)})

	owner := testutil.NewIdentity(t)
	mock.ExpectQuery("SELECT address FROM projections.bank_accounts").
		WithArgs(owner.Public.String()).
		WillReturnRows(sqlmock.NewRows([]string{"address"}).AddRow("addr1").AddRow("addr2"))

	var out struct {
		Owner    string   `json:"owner"`
		Accounts []string `json:"accounts"`
	}
	require.Equal(t, http.StatusOK, do(t, "GET", ts.URL+"/v1/owners/"+owner.Public.String()+"/accounts", nil, &out))
	assert.Equal(t, []string{"addr1", "addr2"}, out.Accounts)
	assert.NoError(t, mock.ExpectationsWereMet())

	assert.Equal(t, http.StatusBadRequest, do(t, "GET", ts.URL+"/v1/accounts/xyz0/journal?limit=-1", nil, nil))
}
