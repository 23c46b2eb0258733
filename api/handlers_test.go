/*
handlers_test.go - HTTP tests for the wallet API

Tests for:
- Earn / redeem round trips and idempotent replays
- Error to status mapping
- Amount decoding
- Actor resolution with and without JWT
- Rate limiting
- Reconciliation endpoints
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/zeroprint/healcoin/ledger"
	"github.com/zeroprint/healcoin/ledger/store"
)

var testNow = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

type testServer struct {
	store   *store.Memory
	svc     *ledger.Service
	handler *Handler
	router  http.Handler
}

func newTestServer(t *testing.T, caps ledger.CapConfig, cfg RouterConfig) *testServer {
	t.Helper()
	mem := store.NewMemory()
	clock := func() time.Time { return testNow }
	svc := ledger.NewService(mem, caps, ledger.WithClock(clock))
	projector := ledger.NewBalanceProjector(mem, clock)
	h := NewHandler(svc, projector, mem, nil)
	return &testServer{store: mem, svc: svc, handler: h, router: NewRouter(h, cfg)}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func entryBody(amount any, reason, entryID string) map[string]any {
	return map[string]any{"amount": amount, "reason": reason, "entry_id": entryID}
}

// =============================================================================
// EARN / REDEEM
// =============================================================================

func TestAPI_EarnRedeemAndRead(t *testing.T) {
	// GIVEN: A daily earn cap of 100 and a monthly redeem cap of 500
	ts := newTestServer(t, ledger.CapConfig{DailyEarnLimit: 100, MonthlyRedeemLimit: 500}, RouterConfig{})

	// WHEN: Earning 50 then redeeming 30
	rec := ts.do(t, http.MethodPost, "/api/accounts/acc-1/earn", entryBody(50, "daily_checkin", "e-1"), nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	earned := decode[PostEntryResponse](t, rec)
	assert.Equal(t, "e-1", earned.EntryID)
	assert.False(t, earned.Replayed)
	assert.Equal(t, int64(50), earned.Account.Balance)

	rec = ts.do(t, http.MethodPost, "/api/accounts/acc-1/redeem", entryBody(30, "voucher", "r-1"), nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// THEN: The account shows the balance and the cap headroom
	rec = ts.do(t, http.MethodGet, "/api/accounts/acc-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	acc := decode[AccountDTO](t, rec)
	assert.Equal(t, int64(20), acc.Balance)
	assert.Equal(t, int64(50), acc.LifetimeEarned)
	assert.Equal(t, int64(30), acc.LifetimeRedeemed)
	require.NotNil(t, acc.Caps)
	require.NotNil(t, acc.Caps.DailyEarnRemaining)
	assert.Equal(t, int64(50), *acc.Caps.DailyEarnRemaining)
	require.NotNil(t, acc.Caps.MonthlyRedeemRemaining)
	assert.Equal(t, int64(470), *acc.Caps.MonthlyRedeemRemaining)

	// AND: The log lists both entries in order
	rec = ts.do(t, http.MethodGet, "/api/accounts/acc-1/entries", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[[]EntryDTO](t, rec)
	require.Len(t, entries, 2)
	assert.Equal(t, "earn", entries[0].Kind)
	assert.Equal(t, "redeem", entries[1].Kind)
	assert.Equal(t, ledger.ActorSystem, entries[0].CreatedBy)
}

func TestAPI_DisabledCapsAreOmitted(t *testing.T) {
	ts := newTestServer(t, ledger.CapConfig{}, RouterConfig{})

	rec := ts.do(t, http.MethodGet, "/api/accounts/acc-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	acc := decode[AccountDTO](t, rec)
	require.NotNil(t, acc.Caps)
	assert.Nil(t, acc.Caps.DailyEarnLimit)
	assert.Nil(t, acc.Caps.MonthlyRedeemRemaining)
}

func TestAPI_ReplayWithIdempotencyKey(t *testing.T) {
	// GIVEN: An earn sent with an Idempotency-Key header
	ts := newTestServer(t, ledger.CapConfig{}, RouterConfig{})
	headers := map[string]string{"Idempotency-Key": "checkin-2025-03-10"}
	body := map[string]any{"amount": 10, "reason": "daily_checkin"}

	first := ts.do(t, http.MethodPost, "/api/accounts/acc-1/earn", body, headers)
	require.Equal(t, http.StatusCreated, first.Code)

	// WHEN: The client retries the same request
	second := ts.do(t, http.MethodPost, "/api/accounts/acc-1/earn", body, headers)

	// THEN: The retry is acknowledged as a replay and applied once
	require.Equal(t, http.StatusOK, second.Code, second.Body.String())
	resp := decode[PostEntryResponse](t, second)
	assert.True(t, resp.Replayed)
	assert.Equal(t, "checkin-2025-03-10", resp.EntryID)
	assert.Equal(t, int64(10), resp.Account.Balance)

	acc, err := ts.svc.Account(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), acc.Balance)
}

func TestAPI_GeneratedEntryIDIsReturned(t *testing.T) {
	ts := newTestServer(t, ledger.CapConfig{}, RouterConfig{})

	rec := ts.do(t, http.MethodPost, "/api/accounts/acc-1/earn", map[string]any{"amount": 5, "reason": "mood"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	resp := decode[PostEntryResponse](t, rec)
	require.NotEmpty(t, resp.EntryID)

	retry := ts.do(t, http.MethodPost, "/api/accounts/acc-1/earn", entryBody(5, "mood", resp.EntryID), nil)
	assert.Equal(t, http.StatusOK, retry.Code)
}

func TestAPI_AmountDecoding(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{"integer", `{"amount": 25, "reason": "mood"}`, http.StatusCreated, ""},
		{"string integer", `{"amount": "25", "reason": "mood"}`, http.StatusCreated, ""},
		{"integral decimal", `{"amount": 25.0, "reason": "mood"}`, http.StatusCreated, ""},
		{"fractional", `{"amount": 10.5, "reason": "mood"}`, http.StatusBadRequest, "invalid_entry"},
		{"zero", `{"amount": 0, "reason": "mood"}`, http.StatusBadRequest, "invalid_entry"},
		{"negative", `{"amount": -5, "reason": "mood"}`, http.StatusBadRequest, "invalid_entry"},
		{"missing reason", `{"amount": 5}`, http.StatusBadRequest, "invalid_entry"},
		{"too large", `{"amount": 99999999999999999999, "reason": "mood"}`, http.StatusBadRequest, "invalid_entry"},
		{"malformed", `{"amount": `, http.StatusBadRequest, "invalid_entry"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, ledger.CapConfig{}, RouterConfig{})

			rec := ts.do(t, http.MethodPost, "/api/accounts/acc-1/earn", tt.body, nil)

			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, decode[ErrorResponse](t, rec).Code)
				entries, err := ts.svc.Entries(context.Background(), "acc-1", nil, nil)
				require.NoError(t, err)
				assert.Empty(t, entries, "rejected requests write nothing")
			}
		})
	}
}

func TestWholeAmount(t *testing.T) {
	n, err := wholeAmount(decimal.RequireFromString("1e2"))
	require.NoError(t, err)
	assert.Equal(t, int64(100), n)

	_, err = wholeAmount(decimal.RequireFromString("0.001"))
	assert.ErrorIs(t, err, ledger.ErrInvalidEntry)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestAPI_ErrorStatusMapping(t *testing.T) {
	// GIVEN: acc-1 with 80 coins earned today against a cap of 100
	ts := newTestServer(t, ledger.CapConfig{DailyEarnLimit: 100}, RouterConfig{})
	rec := ts.do(t, http.MethodPost, "/api/accounts/acc-1/earn", entryBody(80, "streak", "e-1"), nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	tests := []struct {
		name       string
		method     string
		path       string
		body       any
		wantStatus int
		wantCode   string
	}{
		{"insufficient balance", http.MethodPost, "/api/accounts/acc-1/redeem", entryBody(500, "voucher", "r-1"), http.StatusConflict, "insufficient_balance"},
		{"cap exceeded", http.MethodPost, "/api/accounts/acc-1/earn", entryBody(30, "mood", "e-2"), http.StatusTooManyRequests, "cap_exceeded"},
		{"id reused for another kind", http.MethodPost, "/api/accounts/acc-1/redeem", entryBody(80, "streak", "e-1"), http.StatusUnprocessableEntity, "idempotency_conflict"},
		{"id reused for another amount", http.MethodPost, "/api/accounts/acc-1/earn", entryBody(81, "streak", "e-1"), http.StatusUnprocessableEntity, "idempotency_conflict"},
		{"void unknown entry", http.MethodPost, "/api/entries/nope/void", map[string]any{"reason": "typo"}, http.StatusNotFound, "not_found"},
		{"void without reason", http.MethodPost, "/api/entries/e-1/void", map[string]any{}, http.StatusBadRequest, "invalid_entry"},
		{"amount that would overflow the balance", http.MethodPost, "/api/accounts/acc-1/earn", entryBody(json.Number("9223372036854775800"), "mood", "e-3"), http.StatusBadRequest, "invalid_entry"},
		{"reserved entry id", http.MethodPost, "/api/accounts/acc-1/earn", entryBody(5, "mood", "acc-2:closure"), http.StatusBadRequest, "invalid_entry"},
		{"bad since", http.MethodGet, "/api/accounts/acc-1/entries?since=yesterday", nil, http.StatusBadRequest, "invalid_entry"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, tt.method, tt.path, tt.body, nil)

			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			assert.Equal(t, tt.wantCode, decode[ErrorResponse](t, rec).Code)
		})
	}

	// AND: Nothing above moved the balance
	acc, err := ts.svc.Account(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(80), acc.Balance)
}

func TestAPI_CapExceededDetails(t *testing.T) {
	ts := newTestServer(t, ledger.CapConfig{DailyEarnLimit: 100}, RouterConfig{})
	ts.do(t, http.MethodPost, "/api/accounts/acc-1/earn", entryBody(80, "streak", "e-1"), nil)

	rec := ts.do(t, http.MethodPost, "/api/accounts/acc-1/earn", entryBody(30, "mood", "e-2"), nil)

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	details, ok := decode[ErrorResponse](t, rec).Details.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(100), details["limit"])
	assert.Equal(t, float64(80), details["used"])
	assert.Equal(t, float64(30), details["requested"])
	assert.Equal(t, "2025-03-11T00:00:00Z", details["window_end"])
}

func TestAPI_VoidAndClose(t *testing.T) {
	// GIVEN: acc-1 with one earn of 40
	ts := newTestServer(t, ledger.CapConfig{}, RouterConfig{})
	ts.do(t, http.MethodPost, "/api/accounts/acc-1/earn", entryBody(40, "streak", "e-1"), nil)
	ts.do(t, http.MethodPost, "/api/accounts/acc-1/earn", entryBody(15, "mood", "e-2"), nil)

	// WHEN: Voiding e-1
	rec := ts.do(t, http.MethodPost, "/api/entries/e-1/void", map[string]any{"reason": "duplicate award"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(15), decode[AccountDTO](t, rec).Balance)

	// THEN: A second void is rejected
	rec = ts.do(t, http.MethodPost, "/api/entries/e-1/void", map[string]any{"reason": "again"}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_voided", decode[ErrorResponse](t, rec).Code)

	// WHEN: Closing the account
	rec = ts.do(t, http.MethodPost, "/api/accounts/acc-1/close", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	closed := decode[AccountDTO](t, rec)
	assert.Zero(t, closed.Balance)
	assert.NotNil(t, closed.ClosedAt)

	// THEN: Further earns are refused with 410
	rec = ts.do(t, http.MethodPost, "/api/accounts/acc-1/earn", entryBody(5, "mood", "e-3"), nil)
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, "account_closed", decode[ErrorResponse](t, rec).Code)
}

// downStore fails every scoped write as if the database were unreachable.
type downStore struct {
	ledger.Store
}

func (downStore) WithAccount(context.Context, ledger.AccountID, func(ledger.Tx) error) error {
	return ledger.NewStorageError("begin", context.DeadlineExceeded)
}

func TestAPI_StorageUnavailable(t *testing.T) {
	// GIVEN: A service whose store cannot begin transactions
	clock := func() time.Time { return testNow }
	mem := store.NewMemory()
	svc := ledger.NewService(downStore{mem}, ledger.CapConfig{}, ledger.WithClock(clock))
	h := NewHandler(svc, ledger.NewBalanceProjector(mem, clock), mem, nil)
	ts := &testServer{store: mem, svc: svc, handler: h, router: NewRouter(h, RouterConfig{})}

	// WHEN: Earning
	rec := ts.do(t, http.MethodPost, "/api/accounts/acc-1/earn", entryBody(5, "mood", "e-1"), nil)

	// THEN: The client is told to retry later with the same id
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "storage_unavailable", decode[ErrorResponse](t, rec).Code)
}

// =============================================================================
// ACTOR RESOLUTION
// =============================================================================

const testSecret = "test-secret"

func signToken(t *testing.T, subject, role string, expires time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return "Bearer " + signed
}

func TestAPI_ActorHeaderWithoutAuth(t *testing.T) {
	ts := newTestServer(t, ledger.CapConfig{}, RouterConfig{})

	rec := ts.do(t, http.MethodPost, "/api/accounts/acc-1/earn", entryBody(5, "mood", "e-1"),
		map[string]string{actorHeader: "user-42"})
	require.Equal(t, http.StatusCreated, rec.Code)

	entry, err := ts.store.FindEntry(context.Background(), "e-1")
	require.NoError(t, err)
	assert.Equal(t, "user-42", entry.CreatedBy)
}

func TestAPI_JWTAuth(t *testing.T) {
	ts := newTestServer(t, ledger.CapConfig{}, RouterConfig{JWTSecret: testSecret})
	future := time.Now().Add(time.Hour)
	user := signToken(t, "user-7", "", future)
	admin := signToken(t, "admin-1", RoleAdmin, future)

	t.Run("missing header", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/accounts/acc-1", nil, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("expired token", func(t *testing.T) {
		expired := signToken(t, "user-7", "", time.Now().Add(-time.Minute))
		rec := ts.do(t, http.MethodGet, "/api/accounts/acc-1", nil, map[string]string{"Authorization": expired})
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "Token has expired", decode[ErrorResponse](t, rec).Error)
	})

	t.Run("wrong secret", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "user-7"})
		signed, err := token.SignedString([]byte("other-secret"))
		require.NoError(t, err)
		rec := ts.do(t, http.MethodGet, "/api/accounts/acc-1", nil, map[string]string{"Authorization": "Bearer " + signed})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("subject is the actor", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/accounts/acc-1/earn", entryBody(20, "mood", "e-1"),
			map[string]string{"Authorization": user, actorHeader: "spoofed"})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		entry, err := ts.store.FindEntry(context.Background(), "e-1")
		require.NoError(t, err)
		assert.Equal(t, "user-7", entry.CreatedBy)
	})

	t.Run("admin routes need the admin role", func(t *testing.T) {
		body := map[string]any{"reason": "fraud"}
		rec := ts.do(t, http.MethodPost, "/api/entries/e-1/void", body, map[string]string{"Authorization": user})
		assert.Equal(t, http.StatusForbidden, rec.Code)

		rec = ts.do(t, http.MethodPost, "/api/accounts/acc-1/close", nil, map[string]string{"Authorization": user})
		assert.Equal(t, http.StatusForbidden, rec.Code)

		rec = ts.do(t, http.MethodPost, "/api/entries/e-1/void", body, map[string]string{"Authorization": admin})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		offset, err := ts.store.FindEntry(context.Background(), "e-1:void")
		require.NoError(t, err)
		assert.Equal(t, "admin-1", offset.CreatedBy)
	})

	t.Run("health stays public", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/healthz", nil, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

// =============================================================================
// RATE LIMITING
// =============================================================================

func TestAPI_RateLimit(t *testing.T) {
	// GIVEN: A budget of two requests per minute per IP
	rate, err := limiter.NewRateFromFormatted("2-M")
	require.NoError(t, err)
	lim := limiter.New(memory.NewStore(), rate)
	ts := newTestServer(t, ledger.CapConfig{}, RouterConfig{Limiter: lim})

	// WHEN: Sending three requests from the same client
	for i := 0; i < 2; i++ {
		rec := ts.do(t, http.MethodGet, "/api/accounts/acc-1", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := ts.do(t, http.MethodGet, "/api/accounts/acc-1", nil, nil)

	// THEN: The third is rejected
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", decode[ErrorResponse](t, rec).Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

// =============================================================================
// RECONCILIATION
// =============================================================================

func TestAPI_Reconciliation(t *testing.T) {
	// GIVEN: Two accounts, one of which has a balance edited behind the log
	ts := newTestServer(t, ledger.CapConfig{}, RouterConfig{})
	ctx := context.Background()
	ts.do(t, http.MethodPost, "/api/accounts/acc-1/earn", entryBody(30, "streak", "e-1"), nil)
	ts.do(t, http.MethodPost, "/api/accounts/acc-2/earn", entryBody(10, "mood", "e-2"), nil)

	acc, err := ts.store.FindAccount(ctx, "acc-2")
	require.NoError(t, err)
	acc.Balance += 5
	acc.LifetimeEarned += 5
	require.NoError(t, ts.store.SaveAccount(ctx, *acc))

	// WHEN: Checking each account
	rec := ts.do(t, http.MethodGet, "/api/reconciliation/acc-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, decode[DriftReportDTO](t, rec).Drift)

	rec = ts.do(t, http.MethodGet, "/api/reconciliation/acc-2", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[DriftReportDTO](t, rec)

	// THEN: Drift is reported, not corrected
	assert.Equal(t, int64(10), report.Expected)
	assert.Equal(t, int64(15), report.Actual)
	assert.Equal(t, int64(5), report.Drift)

	// WHEN: Running the batch
	rec = ts.do(t, http.MethodGet, "/api/reconciliation/runs/latest", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/reconciliation/run", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	run := decode[ReconciliationRunDTO](t, rec)
	assert.Equal(t, 2, run.Checked)
	assert.Equal(t, 1, run.Drifted)
	assert.Equal(t, int64(5), run.TotalDrift)
	require.Len(t, run.Drift, 1)
	assert.Equal(t, "acc-2", run.Drift[0].AccountID)

	// THEN: The run is kept as the latest
	rec = ts.do(t, http.MethodGet, "/api/reconciliation/runs/latest", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[ReconciliationRunDTO](t, rec).Checked)

	// AND: A resumed run only sees accounts after the cursor
	rec = ts.do(t, http.MethodPost, "/api/reconciliation/run", map[string]any{"after": "acc-1"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[ReconciliationRunDTO](t, rec).Checked)

	after, err := ts.store.FindAccount(ctx, "acc-2")
	require.NoError(t, err)
	assert.Equal(t, int64(15), after.Balance, "reconciliation never writes")
}

func TestAPI_Healthz(t *testing.T) {
	ts := newTestServer(t, ledger.CapConfig{}, RouterConfig{})

	rec := ts.do(t, http.MethodGet, "/healthz", nil, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

type mockPinger struct {
	mock.Mock
}

func (m *mockPinger) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func TestAPI_Healthz_StoreDown(t *testing.T) {
	// GIVEN: A store that stops answering
	ts := newTestServer(t, ledger.CapConfig{}, RouterConfig{})
	pinger := &mockPinger{}
	pinger.On("Ping", mock.Anything).Return(ledger.NewStorageError("ping", context.DeadlineExceeded)).Once()
	ts.handler.Pinger = pinger

	// WHEN: Probing health
	rec := ts.do(t, http.MethodGet, "/healthz", nil, nil)

	// THEN: The health check fails with 503
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "storage_unavailable", decode[ErrorResponse](t, rec).Code)
	pinger.AssertExpectations(t)
}
