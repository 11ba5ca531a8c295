package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/scheduled-ledger/internal/clock"
	"github.com/example/scheduled-ledger/internal/ledger"
	"github.com/example/scheduled-ledger/internal/security"
	"github.com/example/scheduled-ledger/pkg/audit"
)

var now = time.Date(2024, 1, 1, 12, 0, 30, 0, time.UTC)

type auditSpy struct{ payloads []string }

func (a *auditSpy) Append(payload string) *audit.LogEntry {
	a.payloads = append(a.payloads, payload)
	return &audit.LogEntry{Payload: payload}
}

type testEnv struct {
	deps  Dependencies
	svc   *ledger.Service
	clock *clock.Fake
	spy   *auditSpy
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	fake := clock.NewFake(now)
	svc := ledger.NewService(ledger.Options{
		Clock:        fake,
		TickInterval: time.Hour,
		SeedAccounts: []ledger.Account{
			{ID: "A", Balance: decimal.RequireFromString("100")},
			{ID: "B", Balance: decimal.Zero},
		},
	})
	require.NoError(t, svc.Init(context.Background()))
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	spy := &auditSpy{}
	return &testEnv{
		deps: Dependencies{
			Ledger:  svc,
			Auditor: spy,
			RateLimiter: &security.RedisTokenBucket{
				Redis:      rdb,
				Prefix:     "rl:test",
				Capacity:   100,
				RefillRate: 100,
			},
			MaxBodyBytes: 4096,
		},
		svc:   svc,
		clock: fake,
		spy:   spy,
	}
}

func (e *testEnv) server(t *testing.T) *httptest.Server {
	t.Helper()
	h, err := NewRouter(e.deps)
	require.NoError(t, err)
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func submitBody(scheduled any, amount any) string {
	b, _ := json.Marshal(map[string]any{
		"scheduled_time":    scheduled,
		"type":              "FUND",
		"credit_account_id": "A",
		"debit_account_id":  "B",
		"amount":            amount,
	})
	return string(b)
}

func TestSubmitExecutesCurrentBucket(t *testing.T) {
	env := newTestEnv(t)
	ts := env.server(t)

	resp := postJSON(t, ts.URL+"/v1/transactions", submitBody(now.Format(time.RFC3339), 10))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[submitTransactionResponse](t, resp)
	assert.NotEmpty(t, created.TransactionID)
	assert.Equal(t, ledger.StatusCompleted, created.Status)
	assert.NotEmpty(t, resp.Header.Get(security.CorrelationIDHeader))

	resp = get(t, ts.URL+"/v1/accounts/A")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	account := decode[accountResponse](t, resp)
	assert.Equal(t, "90", account.Account.Balance.String())
	assert.Equal(t, []string{created.TransactionID}, account.Account.AppliedTransactionIDs)

	resp = get(t, ts.URL+"/v1/transactions/"+created.TransactionID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tx := decode[transactionResponse](t, resp)
	assert.Equal(t, ledger.StatusCompleted, tx.Transaction.Status)
	assert.Equal(t, clock.Key("202401011200"), tx.Transaction.BucketKey)

	resp = get(t, ts.URL+"/v1/history")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	history := decode[historyResponse](t, resp)
	require.Len(t, history.Buckets, 1)
	assert.Equal(t, "202401011200", history.Buckets[0].Bucket)
	require.Len(t, history.Buckets[0].Transactions, 1)

	require.NotEmpty(t, env.spy.payloads)
	assert.Contains(t, env.spy.payloads[0], "method=POST")
	assert.Contains(t, env.spy.payloads[0], "tx="+created.TransactionID)
}

func TestSubmitFutureStaysPending(t *testing.T) {
	env := newTestEnv(t)
	ts := env.server(t)

	future := now.Add(2 * time.Minute)
	resp := postJSON(t, ts.URL+"/v1/transactions", submitBody(future.UnixMilli(), "12.50"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[submitTransactionResponse](t, resp)
	assert.Equal(t, ledger.StatusPending, created.Status)

	env.clock.Set(future)
	env.svc.Tick(context.Background())

	resp = get(t, ts.URL+"/v1/transactions/"+created.TransactionID)
	tx := decode[transactionResponse](t, resp)
	assert.Equal(t, ledger.StatusCompleted, tx.Transaction.Status)
	assert.True(t, tx.Transaction.Amount.Equal(decimal.RequireFromString("12.5")))
}

func TestSubmitErrors(t *testing.T) {
	env := newTestEnv(t)
	ts := env.server(t)

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"malformed json", `{"type":`, http.StatusBadRequest, "invalid_json"},
		{"missing field", `{"type":"FUND","credit_account_id":"A","debit_account_id":"B","amount":"1"}`, http.StatusBadRequest, "invalid_input"},
		{"unexpected field", `{"scheduled_time":"x","type":"FUND","credit_account_id":"A","debit_account_id":"B","amount":"1","memo":"hi"}`, http.StatusBadRequest, "invalid_input"},
		{"bad time", submitBody("next tuesday", 1), http.StatusBadRequest, "invalid_time"},
		{"bad type", strings.Replace(submitBody(now.Format(time.RFC3339), 1), "FUND", "LOAN", 1), http.StatusBadRequest, "invalid_type"},
		{"unknown account", strings.Replace(submitBody(now.Format(time.RFC3339), 1), `"A"`, `"Z"`, 1), http.StatusBadRequest, "unknown_account"},
		{"bad amount", submitBody(now.Format(time.RFC3339), "1,000"), http.StatusBadRequest, "invalid_amount"},
		{"past", submitBody(now.Add(-time.Hour).Format(time.RFC3339), 1), http.StatusBadRequest, "past_scheduling"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, ts.URL+"/v1/transactions", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			body := decode[security.ErrorResponse](t, resp)
			assert.Equal(t, tt.code, body.Error)
		})
	}

	resp := get(t, ts.URL+"/v1/accounts")
	accounts := decode[listAccountsResponse](t, resp)
	require.Len(t, accounts.Accounts, 2)
	assert.Equal(t, "100", accounts.Accounts[0].Balance.String())
}

func TestNotFound(t *testing.T) {
	env := newTestEnv(t)
	ts := env.server(t)

	resp := get(t, ts.URL+"/v1/transactions/nope")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "transaction_not_found", decode[security.ErrorResponse](t, resp).Error)

	resp = get(t, ts.URL+"/v1/accounts/nope")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "account_not_found", decode[security.ErrorResponse](t, resp).Error)

	resp = get(t, ts.URL+"/v2/anything")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRateLimitTrips(t *testing.T) {
	env := newTestEnv(t)
	env.deps.RateLimiter.Capacity = 1
	env.deps.RateLimiter.RefillRate = 0.0000001
	ts := env.server(t)

	body := submitBody(now.Add(time.Minute).Format(time.RFC3339), 1)
	resp := postJSON(t, ts.URL+"/v1/transactions", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/v1/transactions", body)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	// reads are not limited
	resp = get(t, ts.URL+"/v1/accounts")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBodySizeLimit(t *testing.T) {
	env := newTestEnv(t)
	env.deps.MaxBodyBytes = 32
	ts := env.server(t)

	resp := postJSON(t, ts.URL+"/v1/transactions", submitBody(now.Format(time.RFC3339), 1))
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	ts := env.server(t)

	resp := get(t, ts.URL+"/healthz")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decode[map[string]string](t, resp)["status"])
	assert.Empty(t, env.spy.payloads, "reads are not audited")
}

func TestLedgerUnavailable(t *testing.T) {
	svc := ledger.NewService(ledger.Options{Clock: clock.NewFake(now)})
	h, err := NewRouter(Dependencies{Ledger: svc})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/transactions", bytes.NewBufferString(submitBody(now.Format(time.RFC3339), 1)))
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSubmitRejectsOutOfRangeAmount(t *testing.T) {
	env := newTestEnv(t)
	ts := env.server(t)

	tests := []struct {
		name   string
		amount any
		code   string
	}{
		{"exponent string", "1e400000000", "invalid_amount"},
		{"exponent number", json.Number("1e400000000"), "invalid_amount"},
		{"negative exponent", "1e-400000000", "invalid_amount"},
		{"long string", strings.Repeat("9", 65), "invalid_input"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, ts.URL+"/v1/transactions", submitBody(now.Format(time.RFC3339), tt.amount))
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, tt.code, decode[security.ErrorResponse](t, resp).Error)
		})
	}

	for _, scheduled := range []any{json.Number("1e400000000"), json.Number("1704110460000.5")} {
		resp := postJSON(t, ts.URL+"/v1/transactions", submitBody(scheduled, 1))
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "invalid_time", decode[security.ErrorResponse](t, resp).Error)
	}

	resp := get(t, ts.URL+"/v1/accounts/A")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "100", decode[accountResponse](t, resp).Account.Balance.String())

	resp = get(t, ts.URL+"/v1/history")
	assert.Empty(t, decode[historyResponse](t, resp).Buckets)
}
