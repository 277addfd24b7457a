package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/socialflowhq/creditledger/internal/extern"
	"github.com/socialflowhq/creditledger/internal/store/gormstore"
	"github.com/socialflowhq/creditledger/pkg/ledger"
)

const (
	testSigningKey = "test-signing-key"
	testIssuer     = "socialflow-test"
	testCookieName = "app_session"
)

type stubGenerator struct {
	post extern.GeneratedPost
	err  error
}

func (generator *stubGenerator) Generate(ctx context.Context, request extern.GenerateRequest) (extern.GeneratedPost, error) {
	if generator.err != nil {
		return extern.GeneratedPost{}, generator.err
	}
	return generator.post, nil
}

type stubPublisher struct {
	result extern.PublishResult
	err    error
	calls  int
}

func (publisher *stubPublisher) Publish(ctx context.Context, request extern.PublishRequest) (extern.PublishResult, error) {
	publisher.calls++
	if publisher.err != nil {
		return extern.PublishResult{}, publisher.err
	}
	return publisher.result, nil
}

type testHarness struct {
	router    http.Handler
	service   *ledger.Service
	generator *stubGenerator
	publisher *stubPublisher
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, gormstore.Migrate(db))

	store := gormstore.New(db)
	service, err := ledger.NewService(store, func() int64 { return time.Now().UTC().Unix() })
	require.NoError(t, err)
	gate, err := ledger.NewGate(service)
	require.NoError(t, err)
	confirmations, err := ledger.NewPaymentConfirmations(service)
	require.NoError(t, err)

	generator := &stubGenerator{post: extern.GeneratedPost{Body: "generated body", Hashtags: []string{"#go"}}}
	publisher := &stubPublisher{result: extern.PublishResult{ExternalPostID: "post-1"}}

	server, err := NewServer(Config{
		SessionSigningKey: testSigningKey,
		SessionIssuer:     testIssuer,
		SessionCookieName: testCookieName,
		GenerationCost:    1,
		SignupGrant:       3,
	}, zap.NewNop(), service, gate, confirmations, nil, generator, publisher)
	require.NoError(t, err)

	return &testHarness{
		router:    server.Router(),
		service:   service,
		generator: generator,
		publisher: publisher,
	}
}

func sessionToken(t *testing.T, userID string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Issuer:    testIssuer,
		Subject:   userID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSigningKey))
	require.NoError(t, err)
	return token
}

func (harness *testHarness) do(t *testing.T, method string, path string, userID string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, body)
	request.Header.Set("Content-Type", "application/json")
	if userID != "" {
		request.AddCookie(&http.Cookie{Name: testCookieName, Value: sessionToken(t, userID)})
	}
	recorder := httptest.NewRecorder()
	harness.router.ServeHTTP(recorder, request)
	return recorder
}

func (harness *testHarness) balance(t *testing.T, rawUserID string) ledger.Balance {
	t.Helper()
	userID, err := ledger.NewUserID(rawUserID)
	require.NoError(t, err)
	balance, err := harness.service.Balance(context.Background(), userID)
	require.NoError(t, err)
	return balance
}

func TestWalletRequiresSession(t *testing.T) {
	t.Parallel()
	harness := newHarness(t)
	recorder := harness.do(t, http.MethodGet, "/api/wallet", "", nil)
	require.Equal(t, http.StatusUnauthorized, recorder.Code)
}

func TestWalletRejectsForeignSignature(t *testing.T) {
	t.Parallel()
	harness := newHarness(t)
	claims := jwt.RegisteredClaims{
		Issuer:    testIssuer,
		Subject:   "intruder",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("wrong-key"))
	require.NoError(t, err)
	request := httptest.NewRequest(http.MethodGet, "/api/wallet", nil)
	request.AddCookie(&http.Cookie{Name: testCookieName, Value: forged})
	recorder := httptest.NewRecorder()
	harness.router.ServeHTTP(recorder, request)
	require.Equal(t, http.StatusUnauthorized, recorder.Code)
}

func TestBootstrapGrantsOnce(t *testing.T) {
	t.Parallel()
	harness := newHarness(t)

	first := harness.do(t, http.MethodPost, "/api/bootstrap", "new-user", nil)
	require.Equal(t, http.StatusOK, first.Code)
	second := harness.do(t, http.MethodPost, "/api/bootstrap", "new-user", nil)
	require.Equal(t, http.StatusOK, second.Code)

	require.Equal(t, int64(3), harness.balance(t, "new-user").Remaining)
}

func TestGenerationSpendsOneCredit(t *testing.T) {
	t.Parallel()
	harness := newHarness(t)
	harness.do(t, http.MethodPost, "/api/bootstrap", "creator", nil)

	recorder := harness.do(t, http.MethodPost, "/api/generations", "creator", map[string]any{
		"platform": "linkedin",
		"prompt":   "announce the launch",
	})
	require.Equal(t, http.StatusOK, recorder.Code)

	var response struct {
		RequestID string `json:"request_id"`
		Post      struct {
			Body string `json:"body"`
		} `json:"post"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	require.NotEmpty(t, response.RequestID)
	require.Equal(t, "generated body", response.Post.Body)

	balance := harness.balance(t, "creator")
	require.Equal(t, int64(2), balance.Remaining)
	require.Equal(t, int64(0), balance.Pending)
}

func TestGenerationWithPublishTarget(t *testing.T) {
	t.Parallel()
	harness := newHarness(t)
	harness.do(t, http.MethodPost, "/api/bootstrap", "publisher-user", nil)

	recorder := harness.do(t, http.MethodPost, "/api/generations", "publisher-user", map[string]any{
		"platform":    "x",
		"prompt":      "short take",
		"account_ref": "acct-1",
	})
	require.Equal(t, http.StatusOK, recorder.Code)
	require.Equal(t, 1, harness.publisher.calls)

	var response struct {
		Publish struct {
			ExternalPostID string `json:"external_post_id"`
		} `json:"publish"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	require.Equal(t, "post-1", response.Publish.ExternalPostID)
}

func TestGenerationRefusedWithoutCredits(t *testing.T) {
	t.Parallel()
	harness := newHarness(t)

	recorder := harness.do(t, http.MethodPost, "/api/generations", "broke-user", map[string]any{
		"platform": "x",
		"prompt":   "anything",
	})
	require.Equal(t, http.StatusPaymentRequired, recorder.Code)
	require.Equal(t, int64(0), harness.balance(t, "broke-user").Remaining)
}

func TestFailedGenerationReturnsCredit(t *testing.T) {
	t.Parallel()
	harness := newHarness(t)
	harness.do(t, http.MethodPost, "/api/bootstrap", "unlucky", nil)
	harness.generator.err = errors.New("model overloaded")

	recorder := harness.do(t, http.MethodPost, "/api/generations", "unlucky", map[string]any{
		"platform": "tiktok",
		"prompt":   "viral hook",
	})
	require.Equal(t, http.StatusBadGateway, recorder.Code)

	balance := harness.balance(t, "unlucky")
	require.Equal(t, int64(3), balance.Remaining)
	require.Equal(t, int64(0), balance.Pending)
}

func TestFailedPublishReturnsCredit(t *testing.T) {
	t.Parallel()
	harness := newHarness(t)
	harness.do(t, http.MethodPost, "/api/bootstrap", "unpublished", nil)
	harness.publisher.err = errors.New("platform rejected token")

	recorder := harness.do(t, http.MethodPost, "/api/generations", "unpublished", map[string]any{
		"platform":    "instagram",
		"prompt":      "carousel idea",
		"account_ref": "acct-9",
	})
	require.Equal(t, http.StatusBadGateway, recorder.Code)
	require.Equal(t, int64(3), harness.balance(t, "unpublished").Remaining)
}

func TestGenerationRejectsUnknownPlatform(t *testing.T) {
	t.Parallel()
	harness := newHarness(t)
	recorder := harness.do(t, http.MethodPost, "/api/generations", "someone", map[string]any{
		"platform": "myspace",
		"prompt":   "retro",
	})
	require.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestDuplicateRequestIDConflicts(t *testing.T) {
	t.Parallel()
	harness := newHarness(t)
	harness.do(t, http.MethodPost, "/api/bootstrap", "repeater", nil)

	payload := map[string]any{
		"platform":   "x",
		"prompt":     "same request twice",
		"request_id": "req-1",
	}
	first := harness.do(t, http.MethodPost, "/api/generations", "repeater", payload)
	require.Equal(t, http.StatusOK, first.Code)
	second := harness.do(t, http.MethodPost, "/api/generations", "repeater", payload)
	require.Equal(t, http.StatusConflict, second.Code)

	require.Equal(t, int64(2), harness.balance(t, "repeater").Remaining)
}

func TestPaymentConfirmationCreditsOnce(t *testing.T) {
	t.Parallel()
	harness := newHarness(t)

	payload := map[string]any{"tx_hash": "0xabc", "credits": 300}
	first := harness.do(t, http.MethodPost, "/api/payments/confirmations", "buyer", payload)
	require.Equal(t, http.StatusOK, first.Code)
	second := harness.do(t, http.MethodPost, "/api/payments/confirmations", "buyer", payload)
	require.Equal(t, http.StatusOK, second.Code)

	require.Equal(t, int64(300), harness.balance(t, "buyer").Remaining)
}

func TestPaymentConfirmationConflictAcrossUsers(t *testing.T) {
	t.Parallel()
	harness := newHarness(t)

	payload := map[string]any{"tx_hash": "0xshared", "credits": 300}
	first := harness.do(t, http.MethodPost, "/api/payments/confirmations", "buyer-a", payload)
	require.Equal(t, http.StatusOK, first.Code)
	second := harness.do(t, http.MethodPost, "/api/payments/confirmations", "buyer-b", payload)
	require.Equal(t, http.StatusConflict, second.Code)
	require.Equal(t, int64(0), harness.balance(t, "buyer-b").Remaining)
}

func TestWalletReturnsHistory(t *testing.T) {
	t.Parallel()
	harness := newHarness(t)
	harness.do(t, http.MethodPost, "/api/bootstrap", "historian", nil)
	harness.do(t, http.MethodPost, "/api/payments/confirmations", "historian", map[string]any{"tx_hash": "0x1", "credits": 300})

	recorder := harness.do(t, http.MethodGet, "/api/wallet", "historian", nil)
	require.Equal(t, http.StatusOK, recorder.Code)

	var response struct {
		Wallet walletResponse `json:"wallet"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	require.Equal(t, int64(303), response.Wallet.Balance.Remaining)
	require.Len(t, response.Wallet.Entries, 2)
}

func TestHealthzIsPublic(t *testing.T) {
	t.Parallel()
	harness := newHarness(t)
	recorder := harness.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
}
