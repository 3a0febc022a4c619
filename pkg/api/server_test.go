package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/stakeplan/pkg/escrow"
	"github.com/Mindburn-Labs/stakeplan/pkg/plan"
)

const (
	testSecret  = "api-test-secret-0123456789abcdef"
	testIssuer  = "stakeplan.test"
	testAud     = "stakeplan.api"
	genesis     = int64(1_700_000_000)
	usdcUnit    = 1_000_000
	hundredUSDC = 100 * usdcUnit
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type testClock struct {
	mu  sync.Mutex
	now int64
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Unix(c.now, 0)
}

func (c *testClock) Set(unix int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = unix
}

type fixture struct {
	handler http.Handler
	auth    *Authenticator
	clock   *testClock
	vault   *escrow.MemoryVault
}

func newFixture(t *testing.T, opts ...ServerOption) *fixture {
	t.Helper()
	ctx := context.Background()

	issuer, err := escrow.NewIssuer([]byte("vault-test-secret-0123456789"))
	require.NoError(t, err)
	vault := escrow.NewMemoryVault(issuer, "USDC")
	require.NoError(t, vault.Deposit(ctx, "alice", hundredUSDC))
	require.NoError(t, vault.Deposit(ctx, "bob", hundredUSDC))

	clock := &testClock{now: genesis}
	life, err := plan.NewLifecycle(plan.NewMemoryStorage(), vault, plan.Asset{ID: "USDC", Decimals: 6},
		plan.WithClock(clock), plan.WithLogger(discard))
	require.NoError(t, err)

	auth, err := NewAuthenticator([]byte(testSecret), testIssuer, testAud)
	require.NoError(t, err)

	srv, err := NewServer(life, auth, append([]ServerOption{WithServerLogger(discard)}, opts...)...)
	require.NoError(t, err)
	return &fixture{handler: srv.Handler(), auth: auth, clock: clock, vault: vault}
}

func (f *fixture) do(t *testing.T, subject, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if subject != "" {
		token, err := f.auth.Issue(subject, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func createBody(id uint64, days, freq int, stake uint64) string {
	return fmt.Sprintf(`{"id":%d,"number_of_days":%d,"daily_frequency":%d,"duration_minutes":20,"stake":%d,"asset":"USDC"}`,
		id, days, freq, stake)
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) ProblemDetail {
	t.Helper()
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	var p ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	return p
}

func TestHealthIsPublic(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "", http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestAuth_MissingToken(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "", http.MethodGet, "/v1/plans/1", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
	decodeProblem(t, rec)
}

func TestAuth_RejectsWrongAudienceAndAlgorithm(t *testing.T) {
	f := newFixture(t)

	wrongAud, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "alice",
		Issuer:    testIssuer,
		Audience:  jwt.ClaimStrings{"someone.else"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:  "alice",
		Issuer:   testIssuer,
		Audience: jwt.ClaimStrings{testAud},
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	for name, token := range map[string]string{"audience": wrongAud, "expiry": noExpiry, "garbage": "not-a-jwt"} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/plans/1", nil)
			req.Header.Set("Authorization", "Bearer "+token)
			rec := httptest.NewRecorder()
			f.handler.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestCreate_HidesCapability(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "alice", http.MethodPost, "/v1/plans", createBody(1, 7, 2, 70*usdcUnit))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	assert.Equal(t, "/v1/plans/1", rec.Header().Get("Location"))
	assert.NotEmpty(t, rec.Header().Get("ETag"))
	assert.NotContains(t, rec.Body.String(), "release_capability")

	var got plan.Plan
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, plan.Identity("alice"), got.Owner)
	assert.Equal(t, uint64(70*usdcUnit), got.Stake)
	assert.Equal(t, genesis, got.StartAt)
	assert.Equal(t, genesis+7*plan.DaySeconds, got.EndAt)
	assert.False(t, got.IsActive)

	balance, err := f.vault.Balance(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(30*usdcUnit), balance)
}

func TestCreate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
		code   plan.Code
	}{
		{"stake below minimum", createBody(1, 7, 1, 9*usdcUnit), http.StatusUnprocessableEntity, plan.CodeInvalidCommitmentStakeAmount},
		{"days out of range", createBody(1, 31, 1, 20*usdcUnit), http.StatusUnprocessableEntity, plan.CodeInvalidNumberOfDays},
		{"insufficient funds", createBody(1, 7, 1, 200*usdcUnit), http.StatusUnprocessableEntity, plan.CodeInsufficientFunds},
		{"wrong asset", `{"id":1,"number_of_days":7,"daily_frequency":1,"duration_minutes":20,"stake":20000000,"asset":"SOL"}`, http.StatusUnprocessableEntity, plan.CodeInvalidMint},
		{"missing field", `{"id":1,"number_of_days":7}`, http.StatusBadRequest, ""},
		{"unknown field", `{"id":1,"number_of_days":7,"daily_frequency":1,"duration_minutes":20,"stake":20000000,"asset":"USDC","extra":true}`, http.StatusBadRequest, ""},
		{"day count overflows u8", createBody(1, 300, 1, 20*usdcUnit), http.StatusBadRequest, ""},
		{"malformed json", `{"id":`, http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			rec := f.do(t, "alice", http.MethodPost, "/v1/plans", tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			p := decodeProblem(t, rec)
			assert.Equal(t, string(tt.code), p.Code)
		})
	}
}

func TestCreate_Duplicate(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.do(t, "alice", http.MethodPost, "/v1/plans", createBody(1, 7, 1, 20*usdcUnit)).Code)

	rec := f.do(t, "alice", http.MethodPost, "/v1/plans", createBody(1, 7, 1, 20*usdcUnit))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(plan.CodePlanAlreadyExists), decodeProblem(t, rec).Code)

	// Another owner may reuse the id.
	assert.Equal(t, http.StatusCreated, f.do(t, "bob", http.MethodPost, "/v1/plans", createBody(1, 7, 1, 20*usdcUnit)).Code)
}

func TestGet_ETag(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.do(t, "alice", http.MethodPost, "/v1/plans", createBody(7, 7, 1, 20*usdcUnit)).Code)

	rec := f.do(t, "alice", http.MethodGet, "/v1/plans/7", "")
	require.Equal(t, http.StatusOK, rec.Code)
	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)

	rec = f.do(t, "alice", http.MethodGet, "/v1/plans/7", "", "If-None-Match", etag)
	assert.Equal(t, http.StatusNotModified, rec.Code)
	assert.Empty(t, rec.Body.String())

	rec = f.do(t, "bob", http.MethodGet, "/v1/plans/7", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, string(plan.CodePlanNotFound), decodeProblem(t, rec).Code)

	rec = f.do(t, "alice", http.MethodGet, "/v1/plans/abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestList(t *testing.T) {
	f := newFixture(t)
	for _, id := range []uint64{3, 1, 2} {
		require.Equal(t, http.StatusCreated, f.do(t, "alice", http.MethodPost, "/v1/plans", createBody(id, 7, 1, 10*usdcUnit)).Code)
	}

	rec := f.do(t, "alice", http.MethodGet, "/v1/plans?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Plans []plan.Plan `json:"plans"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Plans, 2)
	assert.Equal(t, uint64(1), resp.Plans[0].ID)
	assert.Equal(t, uint64(2), resp.Plans[1].ID)
	assert.Empty(t, resp.Plans[0].ReleaseCapability)

	rec = f.do(t, "bob", http.MethodGet, "/v1/plans", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"plans":[]}`, rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, f.do(t, "alice", http.MethodGet, "/v1/plans?limit=0", "").Code)
}

func TestAttestAndComplete(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.do(t, "alice", http.MethodPost, "/v1/plans", createBody(1, 7, 1, 70*usdcUnit)).Code)

	f.clock.Set(genesis + 3600)
	session := fmt.Sprintf(`{"started_at":%d,"ended_at":%d}`, genesis+60, genesis+60+20*60)
	rec := f.do(t, "alice", http.MethodPost, "/v1/plans/1/attestations", session)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var attested plan.Plan
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &attested))
	assert.True(t, attested.IsActive)
	assert.Len(t, attested.Attestations, 1)
	assert.Equal(t, uint64(10*usdcUnit), attested.Rewards)

	second := fmt.Sprintf(`{"started_at":%d,"ended_at":%d}`, genesis+1800, genesis+1800+20*60)
	rec = f.do(t, "alice", http.MethodPost, "/v1/plans/1/attestations", second)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(plan.CodeDailyFrequencyExceeded), decodeProblem(t, rec).Code)

	rec = f.do(t, "alice", http.MethodPost, "/v1/plans/1/complete", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(plan.CodePlanNotEnded), decodeProblem(t, rec).Code)

	f.clock.Set(genesis + 7*plan.DaySeconds + 1)
	rec = f.do(t, "alice", http.MethodPost, "/v1/plans/1/complete", "{}")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var done struct {
		Plan       plan.Plan       `json:"plan"`
		Settlement plan.Settlement `json:"settlement"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &done))
	assert.True(t, done.Plan.IsCompleted)
	assert.Empty(t, done.Plan.ReleaseCapability)
	assert.Equal(t, plan.Key{Owner: "alice", ID: 1}, done.Settlement.Key)
	assert.Equal(t, uint64(70*usdcUnit), done.Settlement.Rewards+done.Settlement.Penalties)

	rec = f.do(t, "alice", http.MethodPost, "/v1/plans/1/complete", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(plan.CodePlanCompleted), decodeProblem(t, rec).Code)
}

func TestAttest_OtherOwnerForbidden(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.do(t, "alice", http.MethodPost, "/v1/plans", createBody(1, 7, 1, 20*usdcUnit)).Code)
	f.clock.Set(genesis + 3600)

	body := fmt.Sprintf(`{"owner":"alice","started_at":%d,"ended_at":%d}`, genesis+60, genesis+60+20*60)
	rec := f.do(t, "bob", http.MethodPost, "/v1/plans/1/attestations", body)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, string(plan.CodeUnauthorizedAccess), decodeProblem(t, rec).Code)

	rec = f.do(t, "bob", http.MethodPost, "/v1/plans/1/complete", `{"owner":"alice"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAttest_ValidationStatus(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.do(t, "alice", http.MethodPost, "/v1/plans", createBody(1, 7, 1, 20*usdcUnit)).Code)
	f.clock.Set(genesis + 3600)

	short := fmt.Sprintf(`{"started_at":%d,"ended_at":%d}`, genesis+60, genesis+120)
	rec := f.do(t, "alice", http.MethodPost, "/v1/plans/1/attestations", short)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, string(plan.CodeAttestationTooShort), decodeProblem(t, rec).Code)

	rec = f.do(t, "alice", http.MethodPost, "/v1/plans/1/attestations", `{"started_at":"soon"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, WithRateLimiter(NewRateLimiter(1, 2)))

	assert.Equal(t, http.StatusNotFound, f.do(t, "alice", http.MethodGet, "/v1/plans/1", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, "alice", http.MethodGet, "/v1/plans/1", "").Code)
	rec := f.do(t, "alice", http.MethodGet, "/v1/plans/1", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Buckets are per identity.
	assert.Equal(t, http.StatusNotFound, f.do(t, "bob", http.MethodGet, "/v1/plans/1", "").Code)
}

func TestWritePlanError_Mapping(t *testing.T) {
	tests := []struct {
		err        error
		status     int
		retryAfter bool
	}{
		{plan.ErrConflict, http.StatusConflict, true},
		{plan.ErrPlanNotEnded, http.StatusConflict, false},
		{plan.ErrNotFound, http.StatusNotFound, false},
		{plan.ErrUnauthorizedAccess, http.StatusForbidden, false},
		{plan.ErrInvalidTimestamps, http.StatusUnprocessableEntity, false},
		{plan.ErrArithmeticOverflow, http.StatusInternalServerError, false},
		{fmt.Errorf("db: %w", context.DeadlineExceeded), http.StatusInternalServerError, false},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/plans/1", nil)
			rec := httptest.NewRecorder()
			WritePlanError(rec, req, discard, fmt.Errorf("wrapped: %w", tt.err))
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.retryAfter, rec.Header().Get("Retry-After") != "")
			if tt.status == http.StatusInternalServerError {
				assert.NotContains(t, rec.Body.String(), "db:")
			}
		})
	}
}
